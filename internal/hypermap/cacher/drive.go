package cacher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Drive is the cacher's one VFS drive for the manifest and LogCache files
// (spec.md §4.F: "one VFS drive for log cache files"). The full virtual
// filesystem is out of scope (spec.md §1); this is a plain directory
// standing in for it, exercised the same way a real VFS handle would be.
type Drive struct {
	mu  sync.Mutex
	dir string
}

func NewDrive(dir string) (*Drive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cacher: mkdir drive: %w", err)
	}
	return &Drive{dir: dir}, nil
}

func (d *Drive) manifestPath() string                { return filepath.Join(d.dir, "manifest.json") }
func (d *Drive) logCachePath(filename string) string { return filepath.Join(d.dir, filename) }

// LoadManifest reads the on-disk manifest, returning a zero-value manifest
// (not an error) if none exists yet.
func (d *Drive) LoadManifest() (Manifest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := os.ReadFile(d.manifestPath())
	if os.IsNotExist(err) {
		return Manifest{Items: make(map[string]ManifestItem)}, nil
	}
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("cacher: unmarshal manifest: %w", err)
	}
	if m.Items == nil {
		m.Items = make(map[string]ManifestItem)
	}
	return m, nil
}

// SaveManifest writes m to disk atomically-enough for a single-writer
// component (spec.md §3: "only the Manifest is updated when new caches are
// added").
func (d *Drive) SaveManifest(m Manifest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(d.manifestPath(), b, 0o644)
}

// WriteLogCache persists lc's JSON encoding under filename; LogCache files
// are immutable once written (spec.md §3).
func (d *Drive) WriteLogCache(filename string, lc LogCache) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := json.Marshal(lc)
	if err != nil {
		return err
	}
	return os.WriteFile(d.logCachePath(filename), b, 0o644)
}

// ReadLogCache reads back a previously written LogCache file.
func (d *Drive) ReadLogCache(filename string) (LogCache, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := os.ReadFile(d.logCachePath(filename))
	if err != nil {
		return LogCache{}, err
	}
	var lc LogCache
	if err := json.Unmarshal(b, &lc); err != nil {
		return LogCache{}, fmt.Errorf("cacher: unmarshal log cache %s: %w", filename, err)
	}
	return lc, nil
}

// ReadLogCacheRaw reads filename's raw bytes, for GetLogCacheContent which
// hands callers the JSON text directly rather than a re-serialized copy.
func (d *Drive) ReadLogCacheRaw(filename string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return os.ReadFile(d.logCachePath(filename))
}

// Reset deletes every file on the drive, used when state validation fails
// and the cacher must re-bootstrap from scratch (spec.md §4.F "State
// validation on load").
func (d *Drive) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(d.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
