package ethprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/capstore"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

// Inbox is the minimal surface this endpoint needs from the message bus.
type Inbox interface {
	Recv() <-chan types.KernelMessage
	Route(types.KernelMessage) error
}

// Endpoint is the "eth" runtime endpoint: it owns a Manager, the access
// policy, and the subscription registry, and adapts all three to the
// message-bus envelope protocol (spec.md §4.E, §6).
type Endpoint struct {
	log     *logrus.Entry
	ourNode string
	dir     string
	mgr     *Manager
	caps    *capstore.Client
	subs    *subscriptions
	inbox   Inbox

	accessMu sync.Mutex
	access   AccessSettings

	pendingMu sync.Mutex
	pending   map[uint64]chan EthResponse
}

// New constructs an eth endpoint rooted at dir for persistence, using caps
// to enforce the ConfigAction root-capability restriction.
func New(log *logrus.Logger, ourNode, dir string, caps *capstore.Client, inbox Inbox) (*Endpoint, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Endpoint{
		log:     log.WithField("component", "eth"),
		ourNode: ourNode,
		dir:     dir,
		caps:    caps,
		inbox:   inbox,
		pending: make(map[uint64]chan EthResponse),
	}
	e.mgr = NewManager(log, e)
	e.subs = newSubscriptions(e.log, e.pushResult)

	access, err := LoadAccessSettings(dir)
	if err != nil {
		return nil, err
	}
	e.access = access
	if err := e.mgr.LoadProviders(dir); err != nil {
		return nil, err
	}
	return e, nil
}

// Manager exposes the underlying provider Manager to co-resident
// components (the hypermap indexer and cacher) that call straight through
// rather than round-tripping over the message bus (spec.md §5).
func (e *Endpoint) Manager() *Manager { return e.mgr }

// CallNode implements ethprovider.NodeCaller: forward a Request action to
// node's own eth endpoint and await its reply.
func (e *Endpoint) CallNode(ctx context.Context, node string, req EthRequest) (EthResponse, error) {
	id := e.newID()
	reply := make(chan EthResponse, 1)
	e.pendingMu.Lock()
	e.pending[id] = reply
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, id)
		e.pendingMu.Unlock()
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return EthResponse{}, err
	}
	d := 15 * time.Second
	err = e.inbox.Route(types.KernelMessage{
		ID:     id,
		Source: types.Address{Node: e.ourNode, Process: types.RuntimeProcessID(types.ProcEth)},
		Target: types.Address{Node: node, Process: types.RuntimeProcessID(types.ProcEth)},
		Message: types.Message{Request: &types.Request{
			ExpectsResponse: &d,
			Body:            body,
		}},
	})
	if err != nil {
		return EthResponse{}, err
	}
	select {
	case <-ctx.Done():
		return EthResponse{}, ctx.Err()
	case resp := <-reply:
		return resp, nil
	case <-time.After(d):
		return EthResponse{}, fmt.Errorf("eth: node %s did not respond", node)
	}
}

var idCounter uint64
var idMu sync.Mutex

func (e *Endpoint) newID() uint64 {
	idMu.Lock()
	defer idMu.Unlock()
	idCounter++
	return idCounter
}

func (e *Endpoint) pushResult(subscriber string, subID uint64, result json.RawMessage) {
	resp := EthResponse{Ok: true, Result: result, SubID: subID}
	body, _ := json.Marshal(resp)
	addr, err := parseAddress(subscriber)
	if err != nil {
		return
	}
	_ = e.inbox.Route(types.KernelMessage{
		ID:      e.newID(),
		Source:  types.Address{Node: e.ourNode, Process: types.RuntimeProcessID(types.ProcEth)},
		Target:  addr,
		Message: types.Message{Response: &types.Response{Body: body}},
	})
}

func parseAddress(s string) (types.Address, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			node := s[:i]
			pid, ok := parseProcessID(s[i+1:])
			if !ok {
				return types.Address{}, fmt.Errorf("eth: malformed address %q", s)
			}
			return types.Address{Node: node, Process: pid}, nil
		}
	}
	return types.Address{}, fmt.Errorf("eth: malformed address %q", s)
}

func parseProcessID(s string) (types.ProcessID, bool) {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			parts = append(parts, s[start:i])
			start = i + 1
			if len(parts) == 2 {
				parts = append(parts, s[start:])
				return types.ProcessID{Process: parts[0], Package: parts[1], Publisher: parts[2]}, true
			}
		}
	}
	return types.ProcessID{}, false
}

// Serve drains inbox, dispatching EthRequest and ConfigRequest bodies and
// routing Responses either to a pending CallNode waiter or to a relayed
// subscription. It runs until ctx is cancelled, one task per spec.md §5.
func (e *Endpoint) Serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case km := <-e.inbox.Recv():
			e.handle(ctx, km)
		}
	}
}

func (e *Endpoint) handle(ctx context.Context, km types.KernelMessage) {
	if km.Message.Response != nil {
		e.handleResponse(km)
		return
	}
	if km.Message.Request == nil {
		return
	}
	go e.handleRequest(ctx, km)
}

func (e *Endpoint) handleResponse(km types.KernelMessage) {
	e.pendingMu.Lock()
	reply, ok := e.pending[km.ID]
	e.pendingMu.Unlock()
	var resp EthResponse
	if err := json.Unmarshal(km.Message.Response.Body, &resp); err != nil {
		return
	}
	if ok {
		reply <- resp
		return
	}
	// Not a one-shot waiter: treat as a relayed subscription push.
	if resp.SubID != 0 {
		e.subs.deliverRelayed(km.Target.String(), resp.SubID, resp.Result)
	}
}

func (e *Endpoint) handleRequest(ctx context.Context, km types.KernelMessage) {
	if km.Source.Node != e.ourNode {
		e.accessMu.Lock()
		permitted := e.access.Permits(km.Source.Node)
		e.accessMu.Unlock()
		if !permitted {
			e.reply(km, EthResponse{Ok: false, Error: types.ErrPermissionDenied.Error()})
			return
		}
	}

	var tag struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(km.Message.Request.Body, &tag); err != nil {
		e.reply(km, EthResponse{Ok: false, Error: types.ErrMalformedRequest.Error()})
		return
	}

	switch Action(tag.Action) {
	case ActionRequest, ActionSubscribeLogs, ActionUnsubscribeLogs, ActionSubKeepalive:
		var req EthRequest
		if err := json.Unmarshal(km.Message.Request.Body, &req); err != nil {
			e.reply(km, EthResponse{Ok: false, Error: types.ErrMalformedRequest.Error()})
			return
		}
		switch req.Action {
		case ActionRequest:
			e.doRequest(ctx, km, req)
		case ActionSubscribeLogs:
			e.doSubscribe(ctx, km, req)
		case ActionUnsubscribeLogs:
			e.subs.closeOne(km.Source.String(), req.SubID)
			e.reply(km, EthResponse{Ok: true})
		case ActionSubKeepalive:
			if !e.subs.has(km.Source.String(), req.SubID) {
				e.reply(km, EthResponse{Ok: false, Error: "unknown subscription"})
				return
			}
			e.reply(km, EthResponse{Ok: true})
		}
	default:
		e.handleConfig(km)
	}
}

func (e *Endpoint) doRequest(ctx context.Context, km types.KernelMessage, req EthRequest) {
	rctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	result, err := e.mgr.Call(rctx, req.ChainID, req.Method, req.Params)
	if err != nil {
		e.reply(km, EthResponse{Ok: false, Error: err.Error()})
		return
	}
	e.reply(km, EthResponse{Ok: true, Result: result})
}

func (e *Endpoint) doSubscribe(ctx context.Context, km types.KernelMessage, req EthRequest) {
	cp := e.mgr.chainFor(req.ChainID)
	candidates := cp.candidates()
	for _, p := range candidates {
		if cp.isOffline(p.key()) {
			continue
		}
		switch p.Kind {
		case ProviderURL:
			cl, err := e.mgr.clientFor(p)
			if err != nil {
				continue
			}
			if err := e.subs.openLocal(km.Source.String(), req.SubID, cl, req.Filter); err != nil {
				continue
			}
			e.reply(km, EthResponse{Ok: true, SubID: req.SubID})
			return
		case ProviderNode:
			resp, err := e.CallNode(ctx, p.Node, req)
			if err != nil || !resp.Ok {
				continue
			}
			e.subs.openRemote(km.Source.String(), req.SubID, p.Node)
			e.reply(km, EthResponse{Ok: true, SubID: req.SubID})
			return
		}
	}
	e.reply(km, EthResponse{Ok: false, Error: types.ErrNoRPCForChain.Error()})
}

// NetworkOffline implements spec.md §4.E's "when a network error targets a
// subscriber, all their subscriptions are closed"; wired from the kernel's
// netErrors path by whatever owns both the loop and this endpoint.
func (e *Endpoint) NetworkOffline(subscriber types.Address) {
	e.subs.closeAllFor(subscriber.String())
}

func (e *Endpoint) reply(km types.KernelMessage, resp EthResponse) {
	if km.Message.Request.ExpectsResponse == nil {
		return
	}
	body, _ := json.Marshal(resp)
	_ = e.inbox.Route(types.KernelMessage{
		ID:      km.ID,
		Source:  km.Target,
		Target:  km.Source,
		Message: types.Message{Response: &types.Response{Body: body}},
	})
}
