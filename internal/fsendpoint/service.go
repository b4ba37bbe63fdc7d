package fsendpoint

import (
	"context"
	"encoding/json"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

// Inbox is the minimal surface the fs endpoint's service loop needs from
// the message bus: a channel of inbound envelopes and a place to send
// Responses back.
type Inbox interface {
	Recv() <-chan types.KernelMessage
	Route(types.KernelMessage) error
}

// Serve drains inbox, translating GetState/SetState/ClearState Requests
// into Endpoint calls and emitting the Response back to the requester. It
// runs until ctx is cancelled, one task exactly as spec.md §5 prescribes
// for a runtime endpoint.
func Serve(ctx context.Context, e *Endpoint, inbox Inbox) {
	for {
		select {
		case <-ctx.Done():
			return
		case km := <-inbox.Recv():
			if km.Message.Request == nil {
				continue
			}
			resp := e.handle(km)
			_ = inbox.Route(types.KernelMessage{
				ID:      km.ID,
				Source:  km.Target,
				Target:  km.Source,
				Message: types.Message{Response: &resp.response},
				Payload: resp.payload,
			})
		}
	}
}

type handled struct {
	response types.Response
	payload  *types.Payload
}

func (e *Endpoint) handle(km types.KernelMessage) handled {
	var cmd Command
	if err := json.Unmarshal(km.Message.Request.Body, &cmd); err != nil {
		return handled{response: errResponse(err)}
	}
	switch cmd.Op {
	case OpGetState:
		b, err := e.GetState(km.Source.Process)
		if err != nil {
			return handled{response: errResponse(err)}
		}
		body, _ := json.Marshal(map[string]bool{"ok": true})
		var pay *types.Payload
		if b != nil {
			pay = &types.Payload{Bytes: b}
		}
		return handled{response: types.Response{Body: body}, payload: pay}
	case OpSetState:
		var bytesBody []byte
		if km.Payload != nil {
			bytesBody = km.Payload.Bytes
		}
		if err := e.SetState(km.Source.Process, bytesBody); err != nil {
			return handled{response: errResponse(err)}
		}
		body, _ := json.Marshal(map[string]bool{"ok": true})
		return handled{response: types.Response{Body: body}}
	case OpClearState:
		if err := e.ClearState(km.Source.Process); err != nil {
			return handled{response: errResponse(err)}
		}
		body, _ := json.Marshal(map[string]bool{"ok": true})
		return handled{response: types.Response{Body: body}}
	default:
		body, _ := json.Marshal(map[string]string{"error": "unknown fs op"})
		return handled{response: types.Response{Body: body}}
	}
}

func errResponse(err error) types.Response {
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	return types.Response{Body: body}
}
