package kernel

import (
	"github.com/hyperware-ai/hyperdrive-sub000/internal/bus"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

// Inbox adapts a runtime endpoint's bus receive channel plus the loop's
// main envelope queue into the Recv()/Route() surface every runtime
// endpoint (timer, eth, ...) expects. Routing a reply through the loop's
// queue rather than straight back onto the bus lets the loop decide local
// delivery vs. network forwarding uniformly, the same as it does for every
// process-originated envelope (spec.md §4.D).
type Inbox struct {
	recv   bus.Receiver
	toLoop chan<- types.KernelMessage
}

// NewInbox wraps recv (this endpoint's registered bus channel) and toLoop
// (the kernel loop's envelope queue, via Loop.Envelopes()).
func NewInbox(recv bus.Receiver, toLoop chan<- types.KernelMessage) *Inbox {
	return &Inbox{recv: recv, toLoop: toLoop}
}

func (i *Inbox) Recv() <-chan types.KernelMessage { return i.recv }

func (i *Inbox) Route(km types.KernelMessage) error {
	i.toLoop <- km
	return nil
}
