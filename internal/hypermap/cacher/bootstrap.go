package cacher

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// BootstrapClient fetches cache data from a peer's HTTP surface (spec.md
// §4.F "distributed cache bootstrap"). It is deliberately independent of
// Cacher so the indexer can bootstrap from a remote peer before it has any
// Cacher of its own running locally.
type BootstrapClient struct {
	httpClient *http.Client
	baseURLs   []string // tried in order, e.g. "http://peer1:8080"
}

const bootstrapMaxRetries = 5

func NewBootstrapClient(baseURLs []string) *BootstrapClient {
	return &BootstrapClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURLs:   baseURLs,
	}
}

// FetchLogsFrom pulls every log covering [fromBlock, ...] from the first
// peer that answers, retrying up to bootstrapMaxRetries times across the
// whole peer list before giving up.
func (b *BootstrapClient) FetchLogsFrom(fromBlock uint64) (GetLogsResult, error) {
	var lastErr error
	for attempt := 0; attempt < bootstrapMaxRetries; attempt++ {
		for _, base := range b.baseURLs {
			res, err := b.fetchOnce(base, fromBlock)
			if err == nil {
				return res, nil
			}
			lastErr = err
		}
		time.Sleep(RetrySpacing * time.Second)
	}
	return GetLogsResult{}, fmt.Errorf("cacher: bootstrap exhausted %d peers after %d attempts: %w", len(b.baseURLs), bootstrapMaxRetries, lastErr)
}

func (b *BootstrapClient) fetchOnce(base string, fromBlock uint64) (GetLogsResult, error) {
	url := fmt.Sprintf("%s/logs?from_block=%d", base, fromBlock)
	resp, err := b.httpClient.Get(url)
	if err != nil {
		return GetLogsResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		return GetLogsResult{}, ErrIsStarting
	}
	if resp.StatusCode != http.StatusOK {
		return GetLogsResult{}, fmt.Errorf("cacher: peer %s returned %d", base, resp.StatusCode)
	}
	var res GetLogsResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return GetLogsResult{}, fmt.Errorf("cacher: decode response from %s: %w", base, err)
	}
	return res, nil
}
