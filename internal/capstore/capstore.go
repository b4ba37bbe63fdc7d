// Package capstore is the capability store (spec.md §4.B): a mutable
// mapping process_identifier -> set<Capability> wrapped behind a
// request/response channel, the "oracle". There is a single writer; every
// mutation persists the process map.
package capstore

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

// OpKind enumerates the oracle's operations.
type OpKind uint8

const (
	OpAdd OpKind = iota
	OpDrop
	OpHas
	OpGetAll
)

// Request is sent on the oracle channel; Reply is a one-shot channel the
// caller awaits synchronously.
type Request struct {
	Op    OpKind
	On    types.ProcessID
	Cap   types.Capability
	Reply chan Reply
}

// Reply carries the oracle's synchronous answer.
type Reply struct {
	Has bool
	All []types.Capability
}

// PersistFunc is invoked after every mutation so the caller can serialize
// the updated ProcessMap; it mirrors the kernel's "any oracle mutation
// triggers ProcessMap persistence" rule (spec.md §4.D).
type PersistFunc func(pid types.ProcessID, caps []types.Capability)

// Store is the single writer behind the oracle channel. Start it once;
// all access goes through the Requests channel returned by Requests().
type Store struct {
	log *logrus.Entry

	requests chan Request
	data     map[types.ProcessID]map[string]types.Capability // key = Capability canonical string
	persist  PersistFunc
}

// New constructs a Store. Call Run in its own goroutine to start serving.
func New(log *logrus.Logger, persist PersistFunc) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if persist == nil {
		persist = func(types.ProcessID, []types.Capability) {}
	}
	return &Store{
		log:      log.WithField("component", "capstore"),
		requests: make(chan Request, 256),
		data:     make(map[types.ProcessID]map[string]types.Capability),
		persist:  persist,
	}
}

// Requests returns the channel Add/Drop/Has/GetAll send on.
func (s *Store) Requests() chan<- Request { return s.requests }

func capKey(c types.Capability) string {
	b, err := c.Canonical()
	if err != nil {
		return c.Issuer.String() + "|" + c.Params
	}
	return string(b)
}

// Run drains the oracle channel until ctx is cancelled. It is the single
// writer to s.data; every other accessor must go through Requests().
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.requests:
			s.handle(req)
		}
	}
}

func (s *Store) handle(req Request) {
	switch req.Op {
	case OpAdd:
		set, ok := s.data[req.On]
		if !ok {
			set = make(map[string]types.Capability)
			s.data[req.On] = set
		}
		set[capKey(req.Cap)] = req.Cap
		s.persist(req.On, s.list(req.On))
		if req.Reply != nil {
			req.Reply <- Reply{}
		}
	case OpDrop:
		if set, ok := s.data[req.On]; ok {
			delete(set, capKey(req.Cap))
			if len(set) == 0 {
				delete(s.data, req.On)
			}
		}
		s.persist(req.On, s.list(req.On))
		if req.Reply != nil {
			req.Reply <- Reply{}
		}
	case OpHas:
		has := false
		if set, ok := s.data[req.On]; ok {
			_, has = set[capKey(req.Cap)]
		}
		if req.Reply != nil {
			req.Reply <- Reply{Has: has}
		}
	case OpGetAll:
		if req.Reply != nil {
			req.Reply <- Reply{All: s.list(req.On)}
		}
	}
}

func (s *Store) list(pid types.ProcessID) []types.Capability {
	set, ok := s.data[pid]
	if !ok {
		return nil
	}
	out := make([]types.Capability, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Client is a convenience wrapper processes use to talk to the oracle
// synchronously without touching the raw channel protocol.
type Client struct {
	requests chan<- Request
}

// NewClient wraps the oracle's request channel.
func NewClient(requests chan<- Request) *Client {
	return &Client{requests: requests}
}

// Add grants cap to pid.
func (c *Client) Add(pid types.ProcessID, cap types.Capability) {
	reply := make(chan Reply, 1)
	c.requests <- Request{Op: OpAdd, On: pid, Cap: cap, Reply: reply}
	<-reply
}

// Drop revokes cap from pid.
func (c *Client) Drop(pid types.ProcessID, cap types.Capability) {
	reply := make(chan Reply, 1)
	c.requests <- Request{Op: OpDrop, On: pid, Cap: cap, Reply: reply}
	<-reply
}

// Has reports whether pid currently holds cap.
func (c *Client) Has(pid types.ProcessID, cap types.Capability) bool {
	reply := make(chan Reply, 1)
	c.requests <- Request{Op: OpHas, On: pid, Cap: cap, Reply: reply}
	return (<-reply).Has
}

// GetAll returns pid's full capability set.
func (c *Client) GetAll(pid types.ProcessID) []types.Capability {
	reply := make(chan Reply, 1)
	c.requests <- Request{Op: OpGetAll, On: pid, Reply: reply}
	return (<-reply).All
}
