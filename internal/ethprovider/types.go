// Package ethprovider is the "eth" runtime endpoint (spec.md §4.E): a
// routing layer that services JSON-RPC requests from local and remote
// processes by selecting among direct URL providers and peer-node
// providers, tracking per-provider per-method health, caching responses,
// and multiplexing log subscriptions.
//
// Grounded on the teacher's connection_pool.go/network.go pattern of a
// mutex-guarded routing table mutated only in short critical sections
// (spec.md's DESIGN NOTES explicitly calls for "a per-chain map where each
// entry's mutation is a short critical section excluding any network I/O"),
// with the RPC transport itself done through go-ethereum's own rpc client
// rather than hand-rolled JSON-RPC framing.
package ethprovider

import (
	"encoding/json"
	"time"
)

// Action is the request-body tag distinguishing the three things a process
// can ask the eth endpoint to do (spec.md §4.E).
type Action string

const (
	ActionRequest         Action = "Request"
	ActionSubscribeLogs   Action = "SubscribeLogs"
	ActionUnsubscribeLogs Action = "UnsubscribeLogs"
	ActionSubKeepalive    Action = "SubKeepalive"
)

// EthRequest is the tagged body for a process's call to the eth endpoint.
type EthRequest struct {
	Action Action `json:"action"`

	// Request
	ChainID uint64          `json:"chain_id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`

	// SubscribeLogs / UnsubscribeLogs / SubKeepalive
	SubID  uint64          `json:"sub_id,omitempty"`
	Filter json.RawMessage `json:"filter,omitempty"`
}

// EthResponse is the tagged body the eth endpoint replies with.
type EthResponse struct {
	Ok     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	SubID  uint64          `json:"sub_id,omitempty"`
}

// ConfigAction is the request-body tag for the configuration sub-interface,
// restricted to processes holding the kernel's root capability (spec.md
// §4.E, §6).
type ConfigAction string

const (
	ConfigAddProvider       ConfigAction = "AddProvider"
	ConfigRemoveProvider    ConfigAction = "RemoveProvider"
	ConfigSetPublic         ConfigAction = "SetPublic"
	ConfigSetPrivate        ConfigAction = "SetPrivate"
	ConfigAllowNode         ConfigAction = "AllowNode"
	ConfigUnallowNode       ConfigAction = "UnallowNode"
	ConfigDenyNode          ConfigAction = "DenyNode"
	ConfigUndenyNode        ConfigAction = "UndenyNode"
	ConfigSetProviders      ConfigAction = "SetProviders"
	ConfigGetProviders      ConfigAction = "GetProviders"
	ConfigGetAccessSettings ConfigAction = "GetAccessSettings"
	ConfigGetState          ConfigAction = "GetState"
)

// ConfigRequest is the tagged body for a ConfigAction call.
type ConfigRequest struct {
	Action    ConfigAction `json:"action"`
	ChainID   uint64       `json:"chain_id,omitempty"`
	Provider  *Provider    `json:"provider,omitempty"`
	Providers []Provider   `json:"providers,omitempty"`
	Node      string       `json:"node,omitempty"`
}

// ProviderKind distinguishes a direct URL provider from a peer-node
// provider reached by forwarding the request over the message bus/network.
type ProviderKind string

const (
	ProviderURL  ProviderKind = "url"
	ProviderNode ProviderKind = "node"
)

// Provider is one entry in a chain's ordered candidate list (spec.md §4.E:
// "try URL providers in order, then node providers in order").
type Provider struct {
	Kind ProviderKind `json:"kind"`
	URL  string       `json:"url,omitempty"`  // ProviderURL
	Node string       `json:"node,omitempty"` // ProviderNode
	Auth string       `json:"auth,omitempty"` // optional bearer/basic header for URL providers
}

func (p Provider) key() string {
	if p.Kind == ProviderURL {
		return "url:" + p.URL
	}
	return "node:" + p.Node
}

// AccessSettings governs which non-local nodes may route requests through
// this node acting as a provider (spec.md §4.E "Access policy").
type AccessSettings struct {
	Public bool     `json:"public"`
	Allow  []string `json:"allow"`
	Deny   []string `json:"deny"`
}

// Permits reports whether node is allowed to route a request through us.
func (a AccessSettings) Permits(node string) bool {
	for _, n := range a.Allow {
		if n == node {
			return true
		}
	}
	if !a.Public {
		return false
	}
	for _, n := range a.Deny {
		if n == node {
			return false
		}
	}
	return true
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func removeString(xs []string, x string) []string {
	out := make([]string, 0, len(xs))
	for _, v := range xs {
		if v != x {
			out = append(out, v)
		}
	}
	return out
}

// sendRawTxRecoveryWindow is how long an eth_sendRawTransaction failure is
// remembered against a provider before it is eligible to be retried
// (spec.md §4.E category 2).
const sendRawTxRecoveryWindow = 3600 * time.Second

// responseCacheTTL is how long a successful (chain_id, method, params)
// response is served from cache before a fresh RPC call is required.
const responseCacheTTL = 1 * time.Second

// responseCacheCapacity and responseCacheEvictFrac are spec.md §4.E's cache
// sizing: evict the oldest 10% once 500 entries are reached.
const (
	responseCacheCapacity  = 500
	responseCacheEvictFrac = 0.10
)
