// Package timerendpoint is the "timer" runtime endpoint: a process sends it
// a SetTimer Request and receives a Response once the duration elapses,
// instead of blocking its host task in a sleep. No component in this
// module sends SetTimer; the indexer's metadata-hash resolve retry, for
// one, waits inside its own task.
//
// Grounded on the same single-task service-loop shape as
// internal/fsendpoint (itself grounded on the teacher's single-writer
// oracle pattern in core/access_control.go), generalized here to schedule
// a delayed reply instead of an immediate one.
package timerendpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

// Op tags the one request variant this endpoint understands; a SetTimer
// whose duration has already elapsed still round-trips through a goroutine
// so callers always get a Response and never a synchronous answer.
type Op string

const (
	OpSetTimer Op = "SetTimer"
)

// Request is the tagged body a process sends to the timer endpoint.
type Request struct {
	Op       Op            `json:"op"`
	Duration time.Duration `json:"duration_ns"`
}

// Reply is the tagged body the timer endpoint sends back once Duration has
// elapsed, addressed to whichever process issued the SetTimer.
type Reply struct {
	Op Op `json:"op"`
}

// Inbox is the minimal surface this endpoint needs from the message bus.
type Inbox interface {
	Recv() <-chan types.KernelMessage
	Route(types.KernelMessage) error
}

// Serve drains inbox, scheduling a delayed Response for each well-formed
// SetTimer Request; it runs until ctx is cancelled, one task per spec.md §5.
func Serve(ctx context.Context, inbox Inbox) {
	for {
		select {
		case <-ctx.Done():
			return
		case km := <-inbox.Recv():
			if km.Message.Request == nil {
				continue
			}
			handle(ctx, km, inbox)
		}
	}
}

func handle(ctx context.Context, km types.KernelMessage, inbox Inbox) {
	var req Request
	if err := json.Unmarshal(km.Message.Request.Body, &req); err != nil || req.Op != OpSetTimer {
		if km.Message.Request.ExpectsResponse == nil {
			return
		}
		body, _ := json.Marshal(map[string]string{"error": types.ErrMalformedRequest.Error()})
		_ = inbox.Route(reply(km, types.Response{Body: body}))
		return
	}
	go func() {
		t := time.NewTimer(req.Duration)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			body, _ := json.Marshal(Reply{Op: OpSetTimer})
			_ = inbox.Route(reply(km, types.Response{Body: body}))
		}
	}()
}

func reply(km types.KernelMessage, resp types.Response) types.KernelMessage {
	return types.KernelMessage{
		ID:      km.ID,
		Source:  km.Target,
		Target:  km.Source,
		Message: types.Message{Response: &resp},
	}
}
