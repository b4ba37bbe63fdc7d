// Package fsendpoint is the minimal filesystem runtime endpoint the kernel
// routes GetState/SetState/ClearState requests to (spec.md §4.C, §6). The
// virtual filesystem's own internals are explicitly out of scope (spec.md
// §1); this package gives the kernel and the process host a concrete,
// exercised implementation of the one contract they actually need: durable
// per-process byte-blob state, keyed by process identifier.
package fsendpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/types"
)

// Op tags the filesystem endpoint's request body (spec.md §4.C).
type Op string

const (
	OpGetState   Op = "get_state"
	OpSetState   Op = "set_state"
	OpClearState Op = "clear_state"
)

// Command is the tagged request body sent to the "filesystem" process.
type Command struct {
	Op Op `json:"op"`
}

// Endpoint is a single-writer, on-disk key-value store keyed by
// ProcessID.String(), one file per process under dir. It is safe for
// concurrent use; writes are serialized by mu, matching the spec's "the
// indexer's database and the cacher's VFS are single-writer per component"
// resource-model rule applied here to process state.
type Endpoint struct {
	mu  sync.Mutex
	dir string
}

// New returns an Endpoint rooted at dir, creating it if necessary.
func New(dir string) (*Endpoint, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fsendpoint: mkdir: %w", err)
	}
	return &Endpoint{dir: dir}, nil
}

func (e *Endpoint) path(pid types.ProcessID) string {
	return filepath.Join(e.dir, pid.String()+".state")
}

// GetState returns the bytes most recently set for pid, or nil if none.
func (e *Endpoint) GetState(pid types.ProcessID) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := os.ReadFile(e.path(pid))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return b, err
}

// SetState durably stores body for pid, replacing any prior value.
func (e *Endpoint) SetState(pid types.ProcessID, body []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return os.WriteFile(e.path(pid), body, 0o644)
}

// ClearState removes pid's stored state entirely.
func (e *Endpoint) ClearState(pid types.ProcessID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := os.Remove(e.path(pid))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SetProcessMap persists the kernel's ProcessMap under the kernel's own
// process id (spec.md §4.D: "a Request to the filesystem endpoint saying
// 'set state of (kernel-process-id)'"). A compact JSON encoding is used; the
// spec only requires "compact binary suffices".
func (e *Endpoint) SetProcessMap(pm types.ProcessMap) error {
	flat := make(map[string]types.PersistedProcess, len(pm))
	for pid, pp := range pm {
		flat[pid.String()] = pp
	}
	b, err := json.Marshal(flat)
	if err != nil {
		return fmt.Errorf("fsendpoint: marshal process map: %w", err)
	}
	return e.SetState(types.RuntimeProcessID(types.ProcKernel), b)
}

// LoadProcessMap reads back the persisted ProcessMap, resolving each key's
// ProcessID string back into its triple. Keys that fail to parse are
// skipped rather than aborting the whole load.
func (e *Endpoint) LoadProcessMap() (types.ProcessMap, error) {
	b, err := e.GetState(types.RuntimeProcessID(types.ProcKernel))
	if err != nil {
		return nil, err
	}
	pm := make(types.ProcessMap)
	if b == nil {
		return pm, nil
	}
	var flat map[string]types.PersistedProcess
	if err := json.Unmarshal(b, &flat); err != nil {
		return nil, fmt.Errorf("fsendpoint: unmarshal process map: %w", err)
	}
	for k, pp := range flat {
		pid, ok := parseProcessID(k)
		if !ok {
			continue
		}
		pm[pid] = pp
	}
	return pm, nil
}

// parseProcessID inverts ProcessID.String()'s "process:package:publisher"
// rendering.
func parseProcessID(s string) (types.ProcessID, bool) {
	parts := make([]string, 0, 3)
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
