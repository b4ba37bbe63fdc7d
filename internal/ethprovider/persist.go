package ethprovider

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	providersFileName = ".eth_providers"
	accessFileName    = ".eth_access_settings"
)

// persistedProviders is the on-disk shape of providersFileName: every
// chain's ordered candidate list (spec.md §4.E "Configuration persistence").
type persistedProviders map[uint64][]Provider

// SaveProviders writes every chain's provider list to dir/.eth_providers.
func (m *Manager) SaveProviders(dir string) error {
	m.mu.Lock()
	out := make(persistedProviders, len(m.chains))
	for chainID, cp := range m.chains {
		out[chainID] = cp.list()
	}
	m.mu.Unlock()

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("eth: marshal providers: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, providersFileName), b, 0o644)
}

// LoadProviders reloads every chain's provider list from dir/.eth_providers,
// a no-op if the file does not exist yet (spec.md §4.E: "both reloaded on
// startup").
func (m *Manager) LoadProviders(dir string) error {
	b, err := os.ReadFile(filepath.Join(dir, providersFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("eth: read providers: %w", err)
	}
	var in persistedProviders
	if err := json.Unmarshal(b, &in); err != nil {
		return fmt.Errorf("eth: unmarshal providers: %w", err)
	}
	for chainID, list := range in {
		cp := m.chainFor(chainID)
		for _, p := range list {
			cp.add(p)
		}
	}
	return nil
}

// SaveAccessSettings writes settings to dir/.eth_access_settings.
func SaveAccessSettings(dir string, settings AccessSettings) error {
	b, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("eth: marshal access settings: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, accessFileName), b, 0o644)
}

// LoadAccessSettings reads dir/.eth_access_settings, returning a
// private-by-default, empty-lists zero value if it does not exist yet.
func LoadAccessSettings(dir string) (AccessSettings, error) {
	b, err := os.ReadFile(filepath.Join(dir, accessFileName))
	if os.IsNotExist(err) {
		return AccessSettings{}, nil
	}
	if err != nil {
		return AccessSettings{}, fmt.Errorf("eth: read access settings: %w", err)
	}
	var s AccessSettings
	if err := json.Unmarshal(b, &s); err != nil {
		return AccessSettings{}, fmt.Errorf("eth: unmarshal access settings: %w", err)
	}
	return s, nil
}
