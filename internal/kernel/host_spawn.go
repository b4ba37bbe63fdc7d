package kernel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

// Spawn implements spawn(): bytecode lives in the package drive; the kernel
// reads it from this Request's payload (spec.md §4.C, §4.D). The new
// process's package/publisher mirror the spawning process's own identity;
// only the process name may be chosen by the caller (or generated, if nil).
func (h *ProcessHost) Spawn(name *string, bytecode []byte, onPanic types.OnPanic, initialCaps []types.SignedCapability, public bool) (types.ProcessID, error) {
	procName := h.pid.Process + "-child"
	if name != nil {
		procName = *name
	}
	newID := types.ProcessID{Process: procName, Package: h.pid.Package, Publisher: h.pid.Publisher}

	body, err := json.Marshal(Command{
		Op:                  OpStartProcess,
		ID:                  newID,
		OnPanic:             &onPanic,
		InitialCapabilities: initialCaps,
		Public:              public,
	})
	if err != nil {
		return types.ProcessID{}, fmt.Errorf("procvm: marshal spawn command: %w", err)
	}
	d := 10 * time.Second
	req := types.Request{ExpectsResponse: &d, Body: body}
	_, resp, _, se := h.SendAndAwaitResponse(h.kctx.KernelAddr(), req, &types.Payload{Bytes: bytecode})
	if se != nil {
		return types.ProcessID{}, se
	}
	var reply CommandReply
	if err := json.Unmarshal(resp.Body, &reply); err != nil {
		return types.ProcessID{}, fmt.Errorf("procvm: malformed spawn reply: %w", err)
	}
	if reply.Op == ReplyErr {
		switch reply.Error {
		case types.ErrNameTaken.Error():
			return types.ProcessID{}, types.ErrNameTaken
		case types.ErrNoFileAtPath.Error():
			return types.ProcessID{}, types.ErrNoFileAtPath
		default:
			return types.ProcessID{}, fmt.Errorf("spawn failed: %s", reply.Error)
		}
	}
	return reply.ID, nil
}
