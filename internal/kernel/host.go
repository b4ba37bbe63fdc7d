package kernel

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/procvm"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

// savedContext is what the host restores when a Response (or SendError)
// matching an outstanding id arrives: the prompting Request and payload
// that were current when the corresponding send_request was issued.
type savedContext struct {
	prompting    *types.Request
	promptingPay *types.Payload
	timeout      *time.Timer
}

// ProcessHost owns one sandboxed module instance and adapts it to the
// kernel (spec.md §4.C). It implements procvm.Host so a loaded Module can
// call back into it through host_call.
type ProcessHost struct {
	kctx *Context
	pid  types.ProcessID
	our  types.Address

	inbox  <-chan types.KernelMessage // this process's bus channel
	toLoop chan<- types.KernelMessage // the kernel's main envelope channel
	notify chan struct{}              // signalled whenever Deliver/DeliverSendError append

	mu               sync.Mutex
	queued           []types.KernelMessage // received but not yet delivered to the guest
	errQueue         []types.SendError     // SendErrors awaiting delivery via receive()
	prompting        *types.Request
	promptPay        *types.Payload
	promptingRsvp    *types.Address
	promptingID      uint64
	promptFrom       types.Address
	promptSignedCaps []types.SignedCapability
	staged           []types.SignedCapability
	outstanding      map[uint64]*savedContext

	module *procvm.Module
}

// NewProcessHost constructs a host for pid, wired to its bus channel and
// the kernel's main envelope channel (every outbound message still passes
// through the kernel loop for capability checks and routing).
func NewProcessHost(kctx *Context, pid types.ProcessID, inbox <-chan types.KernelMessage, toLoop chan<- types.KernelMessage) *ProcessHost {
	return &ProcessHost{
		kctx:        kctx,
		pid:         pid,
		our:         types.Address{Node: kctx.OurNode, Process: pid},
		inbox:       inbox,
		toLoop:      toLoop,
		notify:      make(chan struct{}, 1),
		outstanding: make(map[uint64]*savedContext),
	}
}

// wakeLocked signals a blocked Receive/SendAndAwaitResponse that h.queued or
// h.errQueue changed. Non-blocking: at most one pending token is needed since
// waiters always re-check both queues under h.mu before waiting again.
// Caller must hold h.mu.
func (h *ProcessHost) wakeLocked() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Deliver is called by the kernel loop to push an envelope into this
// process's intake, directly rather than over h.inbox (spec.md §4.D: the
// loop delivers via a method call after its own capability checks, not by
// routing through the bus). Per spec.md §4.C's message-intake algorithm: if
// a saved context exists for the envelope's id, its timeout is cancelled and
// the saved prompting Request restored before the envelope is queued for the
// guest to pick up via Receive/SendAndAwaitResponse.
func (h *ProcessHost) Deliver(km types.KernelMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completeOutstandingLocked(km.ID)
	h.queued = append(h.queued, km)
	h.wakeLocked()
}

// DeliverSendError is called when a Request this process sent could not be
// fulfilled: the target went offline, or its timeout fired.
func (h *ProcessHost) DeliverSendError(se types.SendError, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completeOutstandingLocked(id)
	h.errQueue = append(h.errQueue, se)
	h.wakeLocked()
}

// completeOutstandingLocked cancels id's timeout (if any) and restores the
// saved prompting Request. Caller must hold h.mu.
func (h *ProcessHost) completeOutstandingLocked(id uint64) {
	ctx, ok := h.outstanding[id]
	if !ok {
		return
	}
	if ctx.timeout != nil {
		ctx.timeout.Stop()
	}
	delete(h.outstanding, id)
	h.prompting = ctx.prompting
	h.promptPay = ctx.promptingPay
}

// ---------------------------------------------------------------------
// Guest-facing primitives (spec.md §4.C table)
// ---------------------------------------------------------------------

// idFor computes the correlation id for a freshly sent Request: it inherits
// the prompting Request's id iff inherit && !expects_response && a
// prompting Request exists; otherwise a random id unique within the
// outstanding-context table. Caller must hold h.mu.
func (h *ProcessHost) idForLocked(req types.Request) uint64 {
	if req.Inherit && req.ExpectsResponse == nil && h.prompting != nil {
		return h.promptingID
	}
	for {
		id := rand.Uint64()
		if _, clash := h.outstanding[id]; !clash {
			return id
		}
	}
}

// rsvpForLocked computes the rsvp of a freshly sent Request per spec.md
// §4.C. Caller must hold h.mu.
func (h *ProcessHost) rsvpForLocked(req types.Request) *types.Address {
	if req.ExpectsResponse != nil {
		addr := h.our
		return &addr
	}
	if req.Inherit && h.prompting != nil && h.promptingRsvp != nil {
		r := *h.promptingRsvp
		return &r
	}
	return nil
}

// SendRequest implements send_request: emits req to target through the
// kernel loop (which enforces capabilities) and returns the id used. A
// capability denial is invisible here — the kernel drops the envelope
// silently per spec.md §4.D item 3 — but a timeout task is still started
// locally whenever expects_response is set, exactly as the spec specifies.
func (h *ProcessHost) SendRequest(target types.Address, req types.Request, payload *types.Payload) uint64 {
	h.mu.Lock()
	id := h.idForLocked(req)
	rsvp := h.rsvpForLocked(req)
	var caps []types.SignedCapability
	if len(h.staged) > 0 {
		caps = h.staged
		h.staged = nil
	}
	if req.ExpectsResponse != nil {
		d := *req.ExpectsResponse
		sc := &savedContext{prompting: h.prompting, promptingPay: h.promptPay}
		sc.timeout = time.AfterFunc(d, func() {
			h.DeliverSendError(types.SendError{Kind: types.SendErrorTimeout, Source: h.our, Target: target}, id)
		})
		h.outstanding[id] = sc
	}
	h.mu.Unlock()

	km := types.KernelMessage{
		ID:                 id,
		Source:             h.our,
		Target:             target,
		Rsvp:               rsvp,
		Message:            types.Message{Request: &req},
		Payload:            payload,
		SignedCapabilities: caps,
	}
	h.toLoop <- km
	return id
}

// SendResponse implements send_response: dispatched to the prompting
// message's rsvp, or dropped silently if there is none.
func (h *ProcessHost) SendResponse(resp types.Response, payload *types.Payload) {
	h.mu.Lock()
	rsvp := h.promptingRsvp
	id := h.promptingID
	h.mu.Unlock()
	if rsvp == nil {
		return
	}
	h.toLoop <- types.KernelMessage{
		ID:      id,
		Source:  h.our,
		Target:  *rsvp,
		Message: types.Message{Response: &resp},
		Payload: payload,
	}
}

// Receive implements receive(): a queued SendError belonging to a Request
// we sent is returned before any queued envelope; otherwise it drains an
// already-queued envelope, or blocks until Deliver/DeliverSendError (or a
// direct arrival on the bus channel h.inbox) produces one.
//
// h.queued and h.errQueue are filled by Deliver/DeliverSendError, which the
// kernel loop calls directly rather than sending on h.inbox (spec.md §4.D),
// so the wait below cannot block on h.inbox alone: it would never see a
// Deliver that lands between the queue check above and the receive. Waiting
// on h.notify as well closes that gap — Deliver/DeliverSendError signal it
// under the same lock they append under, so by the time the wait wakes, the
// append is already visible on the re-check at the top of the loop.
func (h *ProcessHost) Receive() (types.KernelMessage, *types.SendError) {
	for {
		h.mu.Lock()
		if len(h.errQueue) > 0 {
			se := h.errQueue[0]
			h.errQueue = h.errQueue[1:]
			h.mu.Unlock()
			return types.KernelMessage{}, &se
		}
		if len(h.queued) > 0 {
			km := h.queued[0]
			h.queued = h.queued[1:]
			h.setPromptingLocked(km)
			h.mu.Unlock()
			return km, nil
		}
		h.mu.Unlock()

		select {
		case km := <-h.inbox:
			h.mu.Lock()
			h.completeOutstandingLocked(km.ID)
			h.queued = append(h.queued, km)
			h.mu.Unlock()
		case <-h.notify:
		}
	}
}

// SendAndAwaitResponse implements send_and_await_response: scans already
// queued envelopes for a match on the returned id first, then checks
// h.errQueue for a SendError targeting this send (timeouts and offline
// failures aren't id-tagged, so they're matched on target address, which is
// unique to this one in-flight send since SendRequest only starts a timeout
// when it assigns a fresh outstanding entry). If neither is ready it waits
// on h.notify/h.inbox exactly as Receive does, re-queueing any non-matching
// envelope in FIFO order (spec.md §4.C, §8's SendError-or-Response law).
func (h *ProcessHost) SendAndAwaitResponse(target types.Address, req types.Request, payload *types.Payload) (types.Address, types.Response, *types.Payload, *types.SendError) {
	if req.ExpectsResponse == nil {
		d := 30 * time.Second
		req.ExpectsResponse = &d
	}
	id := h.SendRequest(target, req, payload)

	resolve := func(km types.KernelMessage) (types.Address, types.Response, *types.Payload, *types.SendError) {
		if km.Message.Response != nil {
			return km.Source, *km.Message.Response, km.Payload, nil
		}
		return types.Address{}, types.Response{}, nil, &types.SendError{Kind: types.SendErrorOffline, Target: target}
	}

	for {
		h.mu.Lock()
		for i, km := range h.queued {
			if km.ID == id {
				h.queued = append(h.queued[:i], h.queued[i+1:]...)
				h.mu.Unlock()
				return resolve(km)
			}
		}
		for i, se := range h.errQueue {
			if se.Target == target {
				h.errQueue = append(h.errQueue[:i], h.errQueue[i+1:]...)
				h.mu.Unlock()
				return types.Address{}, types.Response{}, nil, &se
			}
		}
		h.mu.Unlock()

		select {
		case km := <-h.inbox:
			h.mu.Lock()
			h.completeOutstandingLocked(km.ID)
			if km.ID == id {
				h.mu.Unlock()
				return resolve(km)
			}
			h.queued = append(h.queued, km)
			h.mu.Unlock()
		case <-h.notify:
		}
	}
}

// GetPayload implements get_payload: the payload of the currently-prompting
// message, or nil if absent.
func (h *ProcessHost) GetPayload() *types.Payload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.promptPay
}

// setPromptingLocked sets km as the new prompting context when it carries a
// Request, clearing it otherwise. Caller must hold h.mu.
func (h *ProcessHost) setPromptingLocked(km types.KernelMessage) {
	if km.Message.Request != nil {
		h.prompting = km.Message.Request
		h.promptPay = km.Payload
		h.promptingRsvp = km.Rsvp
		h.promptingID = km.ID
		h.promptFrom = km.Source
		h.promptSignedCaps = km.SignedCapabilities
	} else {
		h.prompting = nil
		h.promptPay = nil
		h.promptingRsvp = nil
		h.promptSignedCaps = nil
	}
}

// AttachCapability implements attach_capability: stages signed for the next
// outbound message.
func (h *ProcessHost) AttachCapability(sc types.SignedCapability) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.staged = append(h.staged, sc)
}

// PromptingSource returns the source address of the current prompting
// message, used by has_capability's remote-prompter path.
func (h *ProcessHost) PromptingSource() types.Address {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.promptFrom
}

// sendRequestBody is the tagged body of a send_request/send_and_await_response
// host_call (spec.md §4.C table).
type sendRequestBody struct {
	Target  types.Address  `json:"target"`
	Request types.Request  `json:"request"`
	Payload *types.Payload `json:"payload"`
}

type sendResponseBody struct {
	Response types.Response `json:"response"`
	Payload  *types.Payload `json:"payload"`
}

type setStateBody struct {
	Bytes []byte `json:"bytes"`
}

type spawnBody struct {
	Name        *string                  `json:"name"`
	Bytecode    []byte                   `json:"bytecode"`
	OnPanic     types.OnPanic            `json:"on_panic"`
	InitialCaps []types.SignedCapability `json:"initial_capabilities"`
	Public      bool                     `json:"public"`
}

type capabilityParamsBody struct {
	Issuer types.Address `json:"issuer"`
	Params string        `json:"params"`
}

type saveCapabilitiesBody struct {
	Capabilities []types.SignedCapability `json:"capabilities"`
}

type attachCapabilityBody struct {
	Capability types.SignedCapability `json:"capability"`
}

type createCapabilityBody struct {
	To     types.ProcessID `json:"to"`
	Params string          `json:"params"`
}

// HandleHostCall implements procvm.Host, dispatching a guest host_call
// envelope to the matching primitive above (spec.md §4.C's full guest-facing
// primitive table).
func (h *ProcessHost) HandleHostCall(env procvm.Envelope) (json.RawMessage, error) {
	switch env.Op {
	case procvm.CallSendRequest:
		var b sendRequestBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return nil, err
		}
		id := h.SendRequest(b.Target, b.Request, b.Payload)
		return json.Marshal(map[string]uint64{"id": id})

	case procvm.CallSendResponse:
		var b sendResponseBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return nil, err
		}
		h.SendResponse(b.Response, b.Payload)
		return json.Marshal(map[string]bool{"ok": true})

	case procvm.CallSendAndAwaitResponse:
		var b sendRequestBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return nil, err
		}
		source, resp, payload, se := h.SendAndAwaitResponse(b.Target, b.Request, b.Payload)
		if se != nil {
			return json.Marshal(map[string]any{"error": se.Kind.String()})
		}
		return json.Marshal(map[string]any{"source": source, "response": resp, "payload": payload})

	case procvm.CallReceive:
		km, se := h.Receive()
		if se != nil {
			return json.Marshal(map[string]any{"error": se.Kind.String()})
		}
		return json.Marshal(km)

	case procvm.CallGetPayload:
		return json.Marshal(h.GetPayload())

	case procvm.CallGetState:
		b, err := h.GetState()
		if err != nil {
			return json.Marshal(map[string]string{"error": err.Error()})
		}
		return json.Marshal(map[string][]byte{"bytes": b})

	case procvm.CallSetState:
		var b setStateBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return nil, err
		}
		if err := h.SetState(b.Bytes); err != nil {
			return json.Marshal(map[string]string{"error": err.Error()})
		}
		return json.Marshal(map[string]bool{"ok": true})

	case procvm.CallClearState:
		if err := h.ClearState(); err != nil {
			return json.Marshal(map[string]string{"error": err.Error()})
		}
		return json.Marshal(map[string]bool{"ok": true})

	case procvm.CallSpawn:
		var b spawnBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return nil, err
		}
		id, err := h.Spawn(b.Name, b.Bytecode, b.OnPanic, b.InitialCaps, b.Public)
		if err != nil {
			return json.Marshal(map[string]string{"error": err.Error()})
		}
		return json.Marshal(map[string]types.ProcessID{"id": id})

	case procvm.CallGetCapability:
		var b capabilityParamsBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return nil, err
		}
		sc, ok := h.GetCapability(b.Issuer, b.Params)
		if !ok {
			return json.Marshal(map[string]bool{"found": false})
		}
		return json.Marshal(map[string]any{"found": true, "capability": sc})

	case procvm.CallGetCapabilities:
		return json.Marshal(h.GetCapabilities())

	case procvm.CallAttachCapability:
		var b attachCapabilityBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return nil, err
		}
		h.AttachCapability(b.Capability)
		return json.Marshal(map[string]bool{"ok": true})

	case procvm.CallSaveCapabilities:
		var b saveCapabilitiesBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return nil, err
		}
		h.SaveCapabilities(b.Capabilities)
		return json.Marshal(map[string]bool{"ok": true})

	case procvm.CallHasCapability:
		var b capabilityParamsBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"has": h.HasCapability(b.Params)})

	case procvm.CallCreateCapability:
		var b createCapabilityBody
		if err := json.Unmarshal(env.Body, &b); err != nil {
			return nil, err
		}
		cap := h.CreateCapability(b.To, b.Params)
		return json.Marshal(map[string]types.Capability{"capability": cap})

	default:
		return json.Marshal(map[string]string{"error": "unsupported host call: " + string(env.Op)})
	}
}
