package ethprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// providerRateLimit caps how often any single provider is dialed, so one
// slow or rate-limiting upstream can't be hammered just because it's first
// in the candidate list (spec.md §4.E).
const providerRateLimit = 20 // requests per second, per provider key

// chainProviders is one chain's ordered candidate list plus per-provider
// health state (spec.md §4.E). Mutation of the slice and the offline map is
// a short critical section; the RPC call itself always happens outside the
// lock, per spec.md's DESIGN NOTES.
type chainProviders struct {
	mu        sync.Mutex
	providers []Provider
	offline   map[string]bool
	failures  map[string]*methodFailures
	limiters  map[string]*rate.Limiter
}

func newChainProviders() *chainProviders {
	return &chainProviders{
		offline:  make(map[string]bool),
		failures: make(map[string]*methodFailures),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (c *chainProviders) limiterFor(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(providerRateLimit), providerRateLimit)
		c.limiters[key] = l
	}
	return l
}

func (c *chainProviders) failuresFor(key string) *methodFailures {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.failures[key]
	if !ok {
		f = newMethodFailures()
		c.failures[key] = f
	}
	return f
}

func (c *chainProviders) isOffline(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offline[key]
}

func (c *chainProviders) setOffline(key string, v bool) {
	c.mu.Lock()
	c.offline[key] = v
	c.mu.Unlock()
}

// candidates returns URL providers in order, then node providers in order
// (spec.md §4.E).
func (c *chainProviders) candidates() []Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Provider, 0, len(c.providers))
	for _, p := range c.providers {
		if p.Kind == ProviderURL {
			out = append(out, p)
		}
	}
	for _, p := range c.providers {
		if p.Kind == ProviderNode {
			out = append(out, p)
		}
	}
	return out
}

func (c *chainProviders) add(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.providers {
		if existing.key() == p.key() {
			return
		}
	}
	c.providers = append(c.providers, p)
}

func (c *chainProviders) remove(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.providers[:0:0]
	for _, existing := range c.providers {
		if existing.key() != p.key() {
			out = append(out, existing)
		}
	}
	c.providers = out
	delete(c.offline, p.key())
	delete(c.failures, p.key())
}

func (c *chainProviders) list() []Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Provider, len(c.providers))
	copy(out, c.providers)
	return out
}

// NodeCaller forwards a Request action to a peer node's own eth endpoint
// and awaits the reply, implemented by whatever wires this endpoint into
// the kernel's message bus (main.go); the manager itself has no concept of
// addresses or capabilities.
type NodeCaller interface {
	CallNode(ctx context.Context, node string, req EthRequest) (EthResponse, error)
}

// Manager owns every chain's provider list, the shared response cache, and
// performs request fulfillment (spec.md §4.E).
type Manager struct {
	log   *logrus.Entry
	cache *responseCache
	node  NodeCaller

	mu     sync.Mutex
	chains map[uint64]*chainProviders

	clientsMu sync.Mutex
	clients   map[string]*rpc.Client // url provider key -> dialed client, shared across chains

	healthInterval time.Duration
}

// NewManager constructs an empty Manager; node may be nil if this endpoint
// never needs to forward to a peer-node provider (tests, single-node runs).
func NewManager(log *logrus.Logger, node NodeCaller) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		log:            log.WithField("component", "eth"),
		cache:          newResponseCache(),
		node:           node,
		chains:         make(map[uint64]*chainProviders),
		clients:        make(map[string]*rpc.Client),
		healthInterval: 30 * time.Second,
	}
}

func (m *Manager) clientFor(p Provider) (*rpc.Client, error) {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	if cl, ok := m.clients[p.key()]; ok {
		return cl, nil
	}
	cl, err := rpc.Dial(p.URL)
	if err != nil {
		return nil, err
	}
	m.clients[p.key()] = cl
	return cl, nil
}

func (m *Manager) chainFor(chainID uint64) *chainProviders {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[chainID]
	if !ok {
		c = newChainProviders()
		m.chains[chainID] = c
	}
	return c
}

func (m *Manager) AddProvider(chainID uint64, p Provider)    { m.chainFor(chainID).add(p) }
func (m *Manager) RemoveProvider(chainID uint64, p Provider) { m.chainFor(chainID).remove(p) }
func (m *Manager) Providers(chainID uint64) []Provider       { return m.chainFor(chainID).list() }

// rangeWidthOf extracts (to_block - from_block) from eth_getLogs params, if
// present in the conventional {"fromBlock":..,"toBlock":..} filter object.
func rangeWidthOf(method string, params json.RawMessage) *uint64 {
	if method != "eth_getLogs" || len(params) == 0 {
		return nil
	}
	var arr []struct {
		FromBlock string `json:"fromBlock"`
		ToBlock   string `json:"toBlock"`
	}
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) == 0 {
		return nil
	}
	from, errF := parseHexOrDecimalUint(arr[0].FromBlock)
	to, errT := parseHexOrDecimalUint(arr[0].ToBlock)
	if errF != nil || errT != nil || to < from {
		return nil
	}
	w := to - from
	return &w
}

func parseHexOrDecimalUint(s string) (uint64, error) {
	var v uint64
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		_, err := fmt.Sscanf(s, "0x%x", &v)
		return v, err
	}
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

// Call fulfills a Request action: per spec.md §4.E, try URL providers then
// node providers in order, skipping offline or method-broken candidates,
// caching on success, and surfacing the most recent RPC-level error if
// every candidate fails.
func (m *Manager) Call(ctx context.Context, chainID uint64, method string, params json.RawMessage) (json.RawMessage, error) {
	if cached, ok := m.cache.get(chainID, method, params); ok {
		return cached, nil
	}
	cp := m.chainFor(chainID)
	candidates := cp.candidates()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("eth: no provider for chain %d", chainID)
	}

	width := rangeWidthOf(method, params)
	var lastRPCErr error
	for _, p := range candidates {
		key := p.key()
		if cp.isOffline(key) {
			continue
		}
		mf := cp.failuresFor(key)
		if mf.shouldSkip(method, width) {
			continue
		}
		if err := cp.limiterFor(key).Wait(ctx); err != nil {
			return nil, err
		}

		result, err := m.callOne(ctx, p, method, params)
		if err == nil {
			mf.clear(method)
			m.cache.put(chainID, method, params, result)
			return result, nil
		}
		if isTransportError(err) {
			cp.setOffline(key, true)
			go m.healthCheck(cp, p)
			continue
		}
		// well-formed RPC error: record failure and remember as fallback.
		mf.recordFailure(method, width)
		lastRPCErr = err
	}
	if lastRPCErr != nil {
		return nil, lastRPCErr
	}
	return nil, fmt.Errorf("eth: all providers unavailable for chain %d method %s", chainID, method)
}

func (m *Manager) callOne(ctx context.Context, p Provider, method string, params json.RawMessage) (json.RawMessage, error) {
	switch p.Kind {
	case ProviderURL:
		cl, err := m.clientFor(p)
		if err != nil {
			return nil, &transportError{err}
		}
		var args []any
		if len(params) > 0 {
			if err := json.Unmarshal(params, &args); err != nil {
				return nil, fmt.Errorf("eth: malformed params: %w", err)
			}
		}
		var raw json.RawMessage
		if err := cl.CallContext(ctx, &raw, method, args...); err != nil {
			if isRPCError(err) {
				return nil, err
			}
			return nil, &transportError{err}
		}
		return raw, nil
	case ProviderNode:
		if m.node == nil {
			return nil, &transportError{fmt.Errorf("no node caller configured")}
		}
		resp, err := m.node.CallNode(ctx, p.Node, EthRequest{Action: ActionRequest, Method: method, Params: params})
		if err != nil {
			return nil, &transportError{err}
		}
		if !resp.Ok {
			return nil, fmt.Errorf("%s", resp.Error)
		}
		return resp.Result, nil
	default:
		return nil, fmt.Errorf("eth: unknown provider kind %q", p.Kind)
	}
}

// healthCheck pings an offline provider until it answers, then flips it
// back online (spec.md §4.E "spawn a background health-check task").
func (m *Manager) healthCheck(cp *chainProviders, p Provider) {
	t := time.NewTicker(m.healthInterval)
	defer t.Stop()
	for range t.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := m.callOne(ctx, p, "eth_blockNumber", nil)
		cancel()
		if err == nil || !isTransportError(err) {
			cp.setOffline(p.key(), false)
			return
		}
	}
}

type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isTransportError(err error) bool {
	_, ok := err.(*transportError)
	return ok
}

func isRPCError(err error) bool {
	_, ok := err.(rpc.Error)
	return ok
}
