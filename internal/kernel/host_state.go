package kernel

import (
	"encoding/json"
	"time"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/fsendpoint"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

func (h *ProcessHost) fsAddr() types.Address {
	return types.Address{Node: h.kctx.OurNode, Process: types.RuntimeProcessID(types.ProcFilesystem)}
}

func fsRequest(op fsendpoint.Op, payload *types.Payload) (types.Request, *types.Payload) {
	body, _ := json.Marshal(fsendpoint.Command{Op: op})
	d := 10 * time.Second
	return types.Request{ExpectsResponse: &d, Body: body}, payload
}

// GetState implements get_state: backed by a request to the filesystem
// endpoint under the caller's process id (spec.md §4.C).
func (h *ProcessHost) GetState() ([]byte, error) {
	req, pay := fsRequest(fsendpoint.OpGetState, nil)
	_, _, respPay, se := h.SendAndAwaitResponse(h.fsAddr(), req, pay)
	if se != nil {
		return nil, se
	}
	if respPay == nil {
		return nil, nil
	}
	return respPay.Bytes, nil
}

// SetState implements set_state.
func (h *ProcessHost) SetState(b []byte) error {
	req, pay := fsRequest(fsendpoint.OpSetState, &types.Payload{Bytes: b})
	_, _, _, se := h.SendAndAwaitResponse(h.fsAddr(), req, pay)
	if se != nil {
		return se
	}
	return nil
}

// ClearState implements clear_state.
func (h *ProcessHost) ClearState() error {
	req, pay := fsRequest(fsendpoint.OpClearState, nil)
	_, _, _, se := h.SendAndAwaitResponse(h.fsAddr(), req, pay)
	if se != nil {
		return se
	}
	return nil
}
