// Package bus is the message bus (spec.md §4.A): one bounded channel per
// live process plus a routing table from process identifier to channel.
// There are no broadcasts and no priorities; a single process is the sole
// consumer of its channel.
package bus

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

// DefaultCapacity is the suggested channel capacity from spec.md §4.A; it
// provides natural backpressure since a full channel suspends the sender.
const DefaultCapacity = 100

// Sender is what the bus hands an envelope to once routed. UserspaceChannel
// and RuntimeEndpoint are the two variants the spec enumerates; both are
// backed by the same bounded Go channel type here, the distinction exists
// only so callers can tell a dead process from a dead runtime endpoint when
// a route goes missing.
type Sender struct {
	ch       chan types.KernelMessage
	runtime  bool
	endpoint string
}

// Send enqueues km, suspending the caller if the channel is full.
func (s Sender) Send(km types.KernelMessage) {
	s.ch <- km
}

// TrySend enqueues km without blocking; returns false if the channel is full.
func (s Sender) TrySend(km types.KernelMessage) bool {
	select {
	case s.ch <- km:
		return true
	default:
		return false
	}
}

// Receiver is the read side of a process's or endpoint's channel.
type Receiver <-chan types.KernelMessage

// Bus owns the routing table process_identifier -> Sender.
type Bus struct {
	log *logrus.Entry

	mu      sync.RWMutex
	routing map[types.ProcessID]Sender
}

// New constructs an empty Bus.
func New(log *logrus.Logger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{
		log:     log.WithField("component", "bus"),
		routing: make(map[types.ProcessID]Sender),
	}
}

// RegisterProcess creates and registers a channel for pid, returning the
// receive side for the process host to drain. Capacity defaults to
// DefaultCapacity when cap <= 0.
func (b *Bus) RegisterProcess(pid types.ProcessID, capacity int) Receiver {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ch := make(chan types.KernelMessage, capacity)
	b.mu.Lock()
	b.routing[pid] = Sender{ch: ch}
	b.mu.Unlock()
	return ch
}

// RegisterEndpoint registers a runtime endpoint (filesystem, net, eth, ...)
// under name, returning the receive side for its service loop.
func (b *Bus) RegisterEndpoint(pid types.ProcessID, name string, capacity int) Receiver {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ch := make(chan types.KernelMessage, capacity)
	b.mu.Lock()
	b.routing[pid] = Sender{ch: ch, runtime: true, endpoint: name}
	b.mu.Unlock()
	return ch
}

// Deregister removes pid's route. Any further Lookup for pid fails; it is
// the caller's responsibility to stop consuming from the channel.
func (b *Bus) Deregister(pid types.ProcessID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.routing, pid)
}

// Lookup returns the Sender registered for pid, or false if no live process
// host task or runtime endpoint owns that route (spec.md §3 invariant:
// every routing entry has a live backing task).
func (b *Bus) Lookup(pid types.ProcessID) (Sender, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.routing[pid]
	return s, ok
}

// IsRuntimeEndpoint reports whether pid is currently routed to a runtime
// endpoint rather than a userspace process host.
func (b *Bus) IsRuntimeEndpoint(pid types.ProcessID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.routing[pid]
	return ok && s.runtime
}

// Route delivers km to its target's channel, returning an error if the
// target has no live route. The kernel loop is the only caller that should
// treat this error as actionable (it logs and drops per spec.md §7); a
// process host sending to a dead peer instead surfaces a SendError.
func (b *Bus) Route(km types.KernelMessage) error {
	s, ok := b.Lookup(km.Target.Process)
	if !ok {
		return fmt.Errorf("bus: no route for %s", km.Target.Process)
	}
	if !s.TrySend(km) {
		s.Send(km)
	}
	return nil
}
