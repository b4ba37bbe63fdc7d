// Package kernel implements the kernel event loop and process host
// (spec.md §4.C, §4.D): the scheduler that instantiates sandboxed
// processes, dispatches typed messages between them, enforces
// capability-based authority on every cross-process message, and persists
// the process table.
//
// Per the DESIGN NOTES re-architecture of "global state (keypair, home
// directory, process table)", every piece of kernel state lives in a
// KernelContext value created at startup and threaded through the loop and
// each spawned host task; there is no package-level mutable state.
package kernel

import (
	"crypto/ed25519"

	"github.com/sirupsen/logrus"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/bus"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/capstore"
	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

// Context bundles everything the kernel loop and every process host task
// need, replacing the ambient globals the teacher's NewNode/NewLedger
// constructors otherwise reach for.
type Context struct {
	OurNode    string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	HomeDir    string

	Bus      *bus.Bus
	CapStore *capstore.Client
	Log      *logrus.Logger

	// ProcessPubKeys resolves a remote node's public key for capability
	// signature verification on inbound SignedCapabilities. In a deployed
	// node this is backed by the PKI/HNS lookup; tests supply a static map.
	ProcessPubKeys PubKeyResolver
}

// PubKeyResolver looks up a node's Ed25519 public key, e.g. via the
// identity system or a test fixture.
type PubKeyResolver interface {
	PublicKeyOf(node string) (ed25519.PublicKey, bool)
}

// staticResolver is a PubKeyResolver backed by an in-memory map, the
// resolver used by tests and by single-node deployments that only ever
// need to verify their own signatures.
type staticResolver map[string]ed25519.PublicKey

func (s staticResolver) PublicKeyOf(node string) (ed25519.PublicKey, bool) {
	pk, ok := s[node]
	return pk, ok
}

// NewStaticResolver builds a PubKeyResolver from a fixed node->key map.
func NewStaticResolver(keys map[string]ed25519.PublicKey) PubKeyResolver {
	return staticResolver(keys)
}

// KernelAddr is our own node's kernel address, used as the source of
// kernel-originated envelopes (e.g. RebootProcess on restart policy).
func (c *Context) KernelAddr() types.Address {
	return types.KernelAddress(c.OurNode)
}
