package kernel

import (
	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

// GetCapability implements get_capability: returns a freshly signed
// capability for (issuer, params) if this process holds it, signed on the
// fly with the node's keypair.
func (h *ProcessHost) GetCapability(issuer types.Address, params string) (types.SignedCapability, bool) {
	cap := types.Capability{Issuer: issuer, Params: params}
	if !h.kctx.CapStore.Has(h.pid, cap) {
		return types.SignedCapability{}, false
	}
	sc, err := types.Sign(cap, h.kctx.PrivateKey)
	if err != nil {
		return types.SignedCapability{}, false
	}
	return sc, true
}

// GetCapabilities implements get_capabilities: all of this process's held
// capabilities, each signed fresh.
func (h *ProcessHost) GetCapabilities() []types.SignedCapability {
	caps := h.kctx.CapStore.GetAll(h.pid)
	out := make([]types.SignedCapability, 0, len(caps))
	for _, c := range caps {
		sc, err := types.Sign(c, h.kctx.PrivateKey)
		if err != nil {
			continue
		}
		out = append(out, sc)
	}
	return out
}

// SaveCapabilities implements save_capabilities: verifies each signature
// against its issuer's registered public key and stores only the ones that
// verify; a mismatch for any individual capability is simply skipped
// (fail-closed per-capability, matching the table's "signature mismatch ->
// fail" without aborting the whole batch).
func (h *ProcessHost) SaveCapabilities(signed []types.SignedCapability) {
	for _, sc := range signed {
		pub, ok := h.kctx.ProcessPubKeys.PublicKeyOf(sc.Capability.Issuer.Node)
		if !ok || !sc.Verify(pub) {
			continue
		}
		h.kctx.CapStore.Add(h.pid, sc.Capability)
	}
}

// HasCapability implements has_capability. For a local prompter it queries
// the oracle synchronously; for a remote prompter it inspects the envelope's
// signed_capabilities instead, since the store never holds authority granted
// by a foreign node (spec.md §4.D "cross-node inbound capability semantics").
func (h *ProcessHost) HasCapability(params string) bool {
	h.mu.Lock()
	from := h.promptFrom
	var signed []types.SignedCapability
	if h.prompting != nil {
		signed = h.promptSignedCaps
	}
	h.mu.Unlock()

	if from.Node == h.kctx.OurNode {
		return h.kctx.CapStore.Has(h.pid, types.Capability{Issuer: from, Params: params})
	}
	for _, sc := range signed {
		if sc.Capability.Params == params && sc.Capability.Issuer.Equal(h.our) {
			return true
		}
	}
	return false
}

// CreateCapability implements create_capability: issues a capability with
// this process as issuer and grants it to `to` directly in the store
// (no signature needed locally; the bearer signs it only when it leaves
// the node, via GetCapability/attach_capability).
func (h *ProcessHost) CreateCapability(to types.ProcessID, params string) types.Capability {
	cap := types.Capability{Issuer: h.our, Params: params}
	h.kctx.CapStore.Add(to, cap)
	return cap
}
