package kernel

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/bus"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/capstore"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/procvm"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

func newTestHost(t *testing.T) (*ProcessHost, *Context) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	store := capstore.New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go store.Run(ctx)

	kctx := &Context{
		OurNode:        "alice.os",
		PrivateKey:     priv,
		PublicKey:      pub,
		Bus:            bus.New(nil),
		CapStore:       capstore.NewClient(store.Requests()),
		ProcessPubKeys: NewStaticResolver(map[string]ed25519.PublicKey{"alice.os": pub}),
	}
	pid := types.ProcessID{Process: "app", Package: "pkg", Publisher: "alice.os"}
	toLoop := make(chan types.KernelMessage, 16)
	inbox := make(chan types.KernelMessage, 16)
	host := NewProcessHost(kctx, pid, inbox, toLoop)
	return host, kctx
}

func TestHandleHostCallGetPayloadEmpty(t *testing.T) {
	host, _ := newTestHost(t)
	reply, err := host.HandleHostCall(procvm.Envelope{Op: procvm.CallGetPayload})
	require.NoError(t, err)
	require.Equal(t, "null", string(reply))
}

func TestHandleHostCallSendRequestEnqueuesEnvelope(t *testing.T) {
	host, kctx := newTestHost(t)
	target := types.Address{Node: "bob.os", Process: types.ProcessID{Process: "app", Package: "pkg", Publisher: "bob.os"}}
	body, err := json.Marshal(sendRequestBody{
		Target:  target,
		Request: types.Request{Body: []byte(`{"hello":true}`)},
	})
	require.NoError(t, err)

	reply, err := host.HandleHostCall(procvm.Envelope{Op: procvm.CallSendRequest, Body: body})
	require.NoError(t, err)

	var out map[string]uint64
	require.NoError(t, json.Unmarshal(reply, &out))
	_, hasID := out["id"]
	require.True(t, hasID)

	select {
	case km := <-hostToLoopOf(host):
		require.Equal(t, target, km.Target)
	case <-time.After(time.Second):
		t.Fatal("expected envelope on toLoop channel")
	}
	_ = kctx
}

func TestHandleHostCallCapabilityRoundTrip(t *testing.T) {
	host, kctx := newTestHost(t)
	issuer := types.Address{Node: "alice.os", Process: types.ProcessID{Process: "app", Package: "pkg", Publisher: "alice.os"}}

	created := host.CreateCapability(host.pid, "custom-authority")
	require.Equal(t, "custom-authority", created.Params)

	body, err := json.Marshal(capabilityParamsBody{Issuer: issuer, Params: "custom-authority"})
	require.NoError(t, err)
	reply, err := host.HandleHostCall(procvm.Envelope{Op: procvm.CallGetCapability, Body: body})
	require.NoError(t, err)

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(reply, &out))
	var found bool
	require.NoError(t, json.Unmarshal(out["found"], &found))
	require.True(t, found)
	_ = kctx
}

func TestHandleHostCallHasCapabilityLocalPrompter(t *testing.T) {
	host, _ := newTestHost(t)
	from := types.Address{Node: "alice.os", Process: types.ProcessID{Process: "other", Package: "pkg", Publisher: "alice.os"}}
	host.kctx.CapStore.Add(host.pid, types.Capability{Issuer: from, Params: "messaging"})

	host.mu.Lock()
	host.promptFrom = from
	host.prompting = &types.Request{}
	host.mu.Unlock()

	body, err := json.Marshal(capabilityParamsBody{Params: "messaging"})
	require.NoError(t, err)
	reply, err := host.HandleHostCall(procvm.Envelope{Op: procvm.CallHasCapability, Body: body})
	require.NoError(t, err)

	var out map[string]bool
	require.NoError(t, json.Unmarshal(reply, &out))
	require.True(t, out["has"])
}

func TestHandleHostCallUnsupportedOpReturnsError(t *testing.T) {
	host, _ := newTestHost(t)
	reply, err := host.HandleHostCall(procvm.Envelope{Op: procvm.HostCall("nonsense")})
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal(reply, &out))
	require.Contains(t, out["error"], "unsupported host call")
}

func TestReceiveReturnsSendErrorBeforeQueuedEnvelope(t *testing.T) {
	host, _ := newTestHost(t)
	host.DeliverSendError(types.SendError{Kind: types.SendErrorTimeout}, 99)
	host.Deliver(types.KernelMessage{ID: 1})

	_, se := host.Receive()
	require.NotNil(t, se)
	require.Equal(t, types.SendErrorTimeout, se.Kind)

	km, se2 := host.Receive()
	require.Nil(t, se2)
	require.Equal(t, uint64(1), km.ID)
}

func hostToLoopOf(h *ProcessHost) <-chan types.KernelMessage {
	return h.toLoop
}
