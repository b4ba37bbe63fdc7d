package ethprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// subKey identifies one subscription by its owner and the id the owner
// picked (spec.md §4.E: "a subscription entry for (subscriber, sub_id)").
type subKey struct {
	subscriber string // Address.String()
	subID      uint64
}

// subEntry is either a local websocket subscription against a URL provider,
// or a relay of a remote node provider's pushed Response stream; exactly
// one of localSub/remoteNode is set.
type subEntry struct {
	localSub   *rpc.ClientSubscription
	localCh    chan json.RawMessage
	remoteNode string
	cancel     context.CancelFunc
}

// PushFunc delivers one log update to the subscriber as a Result envelope
// (spec.md §4.E: "the handle pushes a Result envelope into the kernel for
// delivery to the subscriber").
type PushFunc func(subscriber string, subID uint64, result json.RawMessage)

// subscriptions owns every (subscriber, sub_id) entry this endpoint is
// currently maintaining on the caller's behalf.
type subscriptions struct {
	log  *logrus.Entry
	push PushFunc

	mu      sync.Mutex
	entries map[subKey]*subEntry
}

func newSubscriptions(log *logrus.Entry, push PushFunc) *subscriptions {
	return &subscriptions{log: log, push: push, entries: make(map[subKey]*subEntry)}
}

// openLocal subscribes for logs matching filter against a dialed URL
// provider and relays every push to the subscriber.
func (s *subscriptions) openLocal(subscriber string, subID uint64, cl *rpc.Client, filter json.RawMessage) error {
	ch := make(chan json.RawMessage, 16)
	var args any
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &args); err != nil {
			return fmt.Errorf("eth: malformed filter: %w", err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := cl.Subscribe(ctx, "eth", ch, "logs", args)
	if err != nil {
		cancel()
		return fmt.Errorf("eth: subscribe: %w", err)
	}
	k := subKey{subscriber: subscriber, subID: subID}
	s.mu.Lock()
	s.entries[k] = &subEntry{localSub: sub, localCh: ch, cancel: cancel}
	s.mu.Unlock()

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					s.log.WithError(err).WithField("subscriber", subscriber).Debug("log subscription ended")
				}
				s.close(k)
				return
			case msg := <-ch:
				s.push(subscriber, subID, msg)
			}
		}
	}()
	return nil
}

// openRemote records that subID is relayed from a node provider; pushes
// arrive separately, as Response envelopes the endpoint's service loop
// routes here via deliverRelayed.
func (s *subscriptions) openRemote(subscriber string, subID uint64, node string) {
	k := subKey{subscriber: subscriber, subID: subID}
	s.mu.Lock()
	s.entries[k] = &subEntry{remoteNode: node}
	s.mu.Unlock()
}

// deliverRelayed forwards a pushed update from a remote node provider to
// its subscriber, if the subscription is still open.
func (s *subscriptions) deliverRelayed(subscriber string, subID uint64, result json.RawMessage) bool {
	s.mu.Lock()
	_, ok := s.entries[subKey{subscriber: subscriber, subID: subID}]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.push(subscriber, subID, result)
	return true
}

// has reports whether subscriber still holds subID, for SubKeepalive
// validation (spec.md §4.E: "if the subscriber is found not to hold a
// given sub id when its keepalive arrives, an error is returned").
func (s *subscriptions) has(subscriber string, subID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[subKey{subscriber: subscriber, subID: subID}]
	return ok
}

func (s *subscriptions) close(k subKey) {
	s.mu.Lock()
	e, ok := s.entries[k]
	if ok {
		delete(s.entries, k)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if e.localSub != nil {
		e.localSub.Unsubscribe()
	}
	if e.cancel != nil {
		e.cancel()
	}
}

// closeOne implements UnsubscribeLogs for one (subscriber, sub_id) pair.
func (s *subscriptions) closeOne(subscriber string, subID uint64) {
	s.close(subKey{subscriber: subscriber, subID: subID})
}

// closeAllFor implements spec.md §4.E's "when a network error targets a
// subscriber, all their subscriptions are closed".
func (s *subscriptions) closeAllFor(subscriber string) {
	s.mu.Lock()
	var keys []subKey
	for k := range s.entries {
		if k.subscriber == subscriber {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	for _, k := range keys {
		s.close(k)
	}
}
