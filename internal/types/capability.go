package types

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
)

// Capability states "the issuer grants authority described by params"
// (spec.md §3). The two canonical pre-defined authorities are "messaging"
// and "network"; anything else is a domain-specific JSON string.
type Capability struct {
	Issuer Address `json:"issuer"`
	Params string  `json:"params"`
}

// MessagingCap builds the capability that lets its holder send messages to
// issuer's process.
func MessagingCap(issuer Address) Capability {
	return Capability{Issuer: issuer, Params: "messaging"}
}

// NetworkCap builds the capability that lets its holder send messages to
// non-local nodes, issued by the local kernel.
func NetworkCap(ourNode string) Capability {
	return Capability{Issuer: KernelAddress(ourNode), Params: "network"}
}

// RootCap builds the capability the kernel's own process holds from birth,
// gating access to privileged sub-interfaces such as the ethereum
// provider's ConfigAction (spec.md §4.E).
func RootCap(ourNode string) Capability {
	return Capability{Issuer: KernelAddress(ourNode), Params: "root"}
}

// Canonical returns the deterministic byte serialization signed over by
// SignedCapability — a compact JSON encoding with sorted struct field order
// (Go's encoding/json already emits struct fields in declaration order,
// which is fixed, so this is reproducible across nodes).
func (c Capability) Canonical() ([]byte, error) {
	return json.Marshal(c)
}

// Equal reports whether two capabilities describe the same authority.
func (c Capability) Equal(o Capability) bool {
	return c.Issuer.Equal(o.Issuer) && c.Params == o.Params
}

// SignedCapability is a Capability plus an Ed25519 signature over its
// canonical serialization, produced by the issuing node's keypair. Any node
// can verify it against the issuer's public key.
type SignedCapability struct {
	Capability Capability `json:"capability"`
	Signature  []byte     `json:"signature"`
}

// Sign produces a SignedCapability for cap using priv, which must belong to
// cap.Issuer.Node.
func Sign(cap Capability, priv ed25519.PrivateKey) (SignedCapability, error) {
	msg, err := cap.Canonical()
	if err != nil {
		return SignedCapability{}, fmt.Errorf("canonicalize capability: %w", err)
	}
	return SignedCapability{Capability: cap, Signature: ed25519.Sign(priv, msg)}, nil
}

// Verify reports whether sc's signature is valid for the issuer's public key.
func (sc SignedCapability) Verify(issuerPub ed25519.PublicKey) bool {
	msg, err := sc.Capability.Canonical()
	if err != nil {
		return false
	}
	return ed25519.Verify(issuerPub, msg, sc.Signature)
}
