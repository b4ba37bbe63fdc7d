package ethprovider

import (
	"sync"
	"time"
)

// methodFailures is the per-provider failure record, encoded as the sum
// type spec.md's DESIGN NOTES calls for rather than one flat map: most
// methods are tracked as a simple broken-set, eth_sendRawTransaction by a
// recency timestamp, and eth_getLogs by the narrowest range width known to
// fail (spec.md §4.E "Method failure recovery policy").
type methodFailures struct {
	mu sync.Mutex

	simple          map[string]struct{}
	sendRawTxAt     *time.Time
	getLogsMinWidth *uint64 // smallest (to_block - from_block) known to fail
}

func newMethodFailures() *methodFailures {
	return &methodFailures{simple: make(map[string]struct{})}
}

// recordFailure marks method as broken per its category.
func (m *methodFailures) recordFailure(method string, rangeWidth *uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch method {
	case "eth_sendRawTransaction":
		now := time.Now()
		m.sendRawTxAt = &now
	case "eth_getLogs":
		if rangeWidth == nil {
			return
		}
		if m.getLogsMinWidth == nil || *rangeWidth < *m.getLogsMinWidth {
			w := *rangeWidth
			m.getLogsMinWidth = &w
		}
	default:
		m.simple[method] = struct{}{}
	}
}

// clear removes method's failure record entirely, on a fresh success.
func (m *methodFailures) clear(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch method {
	case "eth_sendRawTransaction":
		m.sendRawTxAt = nil
	case "eth_getLogs":
		m.getLogsMinWidth = nil
	default:
		delete(m.simple, method)
	}
}

// shouldSkip reports whether this provider should be skipped for method,
// given an optional request range width for eth_getLogs calls.
func (m *methodFailures) shouldSkip(method string, rangeWidth *uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch method {
	case "eth_sendRawTransaction":
		if m.sendRawTxAt == nil {
			return false
		}
		if time.Since(*m.sendRawTxAt) >= sendRawTxRecoveryWindow {
			m.sendRawTxAt = nil
			return false
		}
		return true
	case "eth_getLogs":
		if m.getLogsMinWidth == nil || rangeWidth == nil {
			return false
		}
		// A request at least as wide as the known-failing width would fail
		// the same way; a narrower one may still succeed (spec.md §4.E).
		return *rangeWidth >= *m.getLogsMinWidth
	default:
		_, broken := m.simple[method]
		return broken
	}
}
