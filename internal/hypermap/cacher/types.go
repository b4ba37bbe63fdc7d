// Package cacher implements the hypermap indexer's distributed cache
// bootstrap component (spec.md §4.F "Bootstrap and cache", "Cacher
// externalized contract"): signed, immutable LogCache batches shared
// across nodes via a Manifest, served over HTTP and node-to-node RPC.
//
// Grounded on the teacher's replication.go rlp-wire-protocol idiom for the
// signed-batch shape, adapted here to keccak-256/Ed25519 over JSON-encoded
// logs rather than rlp-encoded blocks, since the source events are
// arbitrary contract-log JSON rather than the teacher's block type.
package cacher

import (
	"encoding/json"
)

// LogCache is one signed, immutable batch of raw event records (spec.md
// §3 "LogCache (indexer)").
type LogCache struct {
	Metadata LogCacheMetadata  `json:"metadata"`
	Logs     []json.RawMessage `json:"logs"`
}

// LogCacheMetadata is LogCache's signed header.
type LogCacheMetadata struct {
	ChainID     uint64 `json:"chain_id"`
	FromBlock   uint64 `json:"from_block"`
	ToBlock     uint64 `json:"to_block"`
	TimeCreated int64  `json:"time_created"`
	CreatedBy   string `json:"created_by"` // node id
	Signature   string `json:"signature"`  // hex Ed25519 signature
}

// ManifestItem describes one LogCache file on disk.
type ManifestItem struct {
	Metadata LogCacheMetadata `json:"metadata"`
	IsEmpty  bool             `json:"is_empty"`
	FileHash string           `json:"file_hash"` // hex keccak256 of the serialized file
	FileName string           `json:"file_name"`
}

// Manifest is the shared index of every LogCache file this node holds
// (spec.md §3 "Manifest").
type Manifest struct {
	Items           map[string]ManifestItem `json:"items"` // keyed by filename
	ManifestFile    string                  `json:"manifest_filename"`
	ChainID         uint64                  `json:"chain_id"`
	ProtocolVersion uint32                  `json:"protocol_version"`
}

// LastCachedBlock is the max to_block across every manifest item, the
// invariant spec.md §3 requires last_cached_block to equal.
func (m Manifest) LastCachedBlock() uint64 {
	var max uint64
	for _, it := range m.Items {
		if it.Metadata.ToBlock > max {
			max = it.Metadata.ToBlock
		}
	}
	return max
}

// CacherStatus is the GetStatus reply (spec.md §4.F).
type CacherStatus struct {
	LastCachedBlock        uint64 `json:"last_cached_block"`
	ChainID                uint64 `json:"chain_id"`
	ProtocolVersion        uint32 `json:"protocol_version"`
	NextCacheAttemptInSecs int64  `json:"next_cache_attempt_in_seconds"`
	ManifestFilename       string `json:"manifest_filename"`
	LogFilesCount          int    `json:"log_files_count"`
	OurAddress             string `json:"our_address"`
	IsProviding            bool   `json:"is_providing"`
}

// ProtocolVersion this implementation writes and expects on load.
const ProtocolVersion = 1

// DefaultCacheIntervalSeconds is spec.md §4.F's "periodically (configurable;
// default 1000 s)".
const DefaultCacheIntervalSeconds = 1000

// BatchSize is the per-cycle block-range width fetched in one getLogs call.
const BatchSize = 2000

// MaxFetchRetries and RetrySpacing implement spec.md §4.F step 2's "up to
// 3 retries at 10 s spacing".
const (
	MaxFetchRetries = 3
	RetrySpacing    = 10
)

// GetLogsResult is the tagged sum type GetLogsByRange returns (spec.md
// §4.F): either a set of relevant caches, or just the current tip when
// there is nothing cached yet for the requested range.
type GetLogsResult struct {
	Kind            string          `json:"kind"` // "logs" | "latest"
	LastCachedBlock uint64          `json:"last_cached_block"`
	CachesJSON      json.RawMessage `json:"caches_json,omitempty"`
}
