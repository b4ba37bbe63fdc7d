package cacher

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ChainClient is the narrow ethereum-provider surface the cacher needs:
// current head and a ranged getLogs call. The ethereum provider's full
// JSON-RPC surface is out of scope here (internal/ethprovider owns it);
// this is the interface the cacher actually calls through.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, fromBlock, toBlock uint64) ([]json.RawMessage, error)
}

// Status is this process's view of the state machine spec.md §4.F draws:
// Starting (bootstrap in progress, all client queries return IsStarting)
// or Caching (live).
type Status int

const (
	StatusStarting Status = iota
	StatusCaching
)

// ErrIsStarting is returned by every client-facing query while the cacher
// is still bootstrapping (spec.md §4.F: "all client queries to the cacher
// return a distinguished IsStarting response").
var ErrIsStarting = fmt.Errorf("cacher: is starting")

// Cacher owns the manifest, the drive, and the per-cycle caching loop
// (spec.md §4.F).
type Cacher struct {
	log     *logrus.Entry
	drive   *Drive
	chain   ChainClient
	priv    ed25519.PrivateKey
	ourNode string
	chainID uint64

	intervalSeconds int64
	providing       bool
	nodes           []string

	mu       sync.RWMutex
	status   Status
	manifest Manifest
}

// New constructs a Cacher over an already-opened Drive; call LoadState then
// SetCaching before starting Run.
func New(log *logrus.Logger, drive *Drive, chain ChainClient, priv ed25519.PrivateKey, ourNode string, chainID uint64) *Cacher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cacher{
		log:             log.WithField("component", "cacher"),
		drive:           drive,
		chain:           chain,
		priv:            priv,
		ourNode:         ourNode,
		chainID:         chainID,
		intervalSeconds: DefaultCacheIntervalSeconds,
		status:          StatusStarting,
	}
}

// LoadState validates the on-disk manifest against this cacher's expected
// chain id and protocol version, and that every referenced file is present
// (spec.md §4.F "State validation on load"). On mismatch it wipes the
// drive so the caller re-bootstraps from scratch.
func (c *Cacher) LoadState() error {
	m, err := c.drive.LoadManifest()
	if err != nil {
		return err
	}
	if len(m.Items) > 0 && (m.ChainID != c.chainID || m.ProtocolVersion != ProtocolVersion) {
		c.log.Warn("manifest chain id or protocol version mismatch, resetting drive")
		if err := c.drive.Reset(); err != nil {
			return err
		}
		m = Manifest{Items: make(map[string]ManifestItem), ChainID: c.chainID, ProtocolVersion: ProtocolVersion}
	}
	for name, item := range m.Items {
		if item.IsEmpty {
			continue // empty batches are recorded in the manifest without a file
		}
		if _, err := c.drive.ReadLogCacheRaw(item.FileName); err != nil {
			c.log.WithField("file", name).Warn("referenced log cache file missing, resetting drive")
			if err := c.drive.Reset(); err != nil {
				return err
			}
			m = Manifest{Items: make(map[string]ManifestItem), ChainID: c.chainID, ProtocolVersion: ProtocolVersion}
			break
		}
	}
	if m.Items == nil {
		m.Items = make(map[string]ManifestItem)
	}
	m.ChainID = c.chainID
	m.ProtocolVersion = ProtocolVersion
	c.mu.Lock()
	c.manifest = m
	c.mu.Unlock()
	return nil
}

func (c *Cacher) LastCachedBlock() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manifest.LastCachedBlock()
}

func (c *Cacher) SetCaching() {
	c.mu.Lock()
	c.status = StatusCaching
	c.mu.Unlock()
}

func (c *Cacher) isStarting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status == StatusStarting
}

// Run executes the per-cycle caching loop described in spec.md §4.F until
// ctx is cancelled: fetch the chain head, pull logs in BatchSize-wide
// ranges with retry, sign, write, and advance last_cached_block.
func (c *Cacher) Run(ctx context.Context) {
	t := time.NewTicker(time.Duration(c.intervalSeconds) * time.Second)
	defer t.Stop()
	for {
		if err := c.cycle(ctx); err != nil {
			c.log.WithError(err).Warn("cache cycle failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (c *Cacher) cycle(ctx context.Context) error {
	for {
		head, err := c.chain.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("cacher: block number: %w", err)
		}
		from := c.LastCachedBlock() + 1
		if from > head {
			return nil // caught up
		}
		to := from + BatchSize - 1
		if to > head {
			to = head
		}

		var logs []json.RawMessage
		var fetchErr error
		for attempt := 0; attempt <= MaxFetchRetries; attempt++ {
			logs, fetchErr = c.chain.GetLogs(ctx, from, to)
			if fetchErr == nil {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(RetrySpacing * time.Second):
			}
		}
		if fetchErr != nil {
			return fmt.Errorf("cacher: get logs [%d,%d]: %w", from, to, fetchErr)
		}

		if err := c.writeCache(from, to, logs); err != nil {
			return err
		}
	}
}

// writeCache implements spec.md §4.F steps 3-5: sign, write (skipping the
// file itself when empty but still recording a manifest entry), recompute
// the file hash, update the manifest, and advance last_cached_block.
func (c *Cacher) writeCache(from, to uint64, logs []json.RawMessage) error {
	lc, err := Sign(c.priv, c.ourNode, c.chainID, from, to, logs, time.Now().Unix())
	if err != nil {
		return err
	}
	filename := fmt.Sprintf("logcache-%d-%d.json", from, to)
	isEmpty := len(logs) == 0
	if !isEmpty {
		if err := c.drive.WriteLogCache(filename, lc); err != nil {
			return err
		}
	}
	hash, err := FileHash(lc)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.manifest.Items[filename] = ManifestItem{Metadata: lc.Metadata, IsEmpty: isEmpty, FileHash: hash, FileName: filename}
	m := c.manifest
	c.mu.Unlock()

	return c.drive.SaveManifest(m)
}

// GetManifest implements the cacher's externalized GetManifest operation.
func (c *Cacher) GetManifest() (*Manifest, error) {
	if c.isStarting() {
		return nil, ErrIsStarting
	}
	c.mu.RLock()
	m := c.manifest
	c.mu.RUnlock()
	return &m, nil
}

// GetLogCacheContent implements GetLogCacheContent(filename).
func (c *Cacher) GetLogCacheContent(filename string) (json.RawMessage, error) {
	if c.isStarting() {
		return nil, ErrIsStarting
	}
	b, err := c.drive.ReadLogCacheRaw(filename)
	if err != nil {
		return nil, nil // spec.md: Option<json_string>, missing file is not an error
	}
	return b, nil
}

// GetStatus implements GetStatus.
func (c *Cacher) GetStatus(nextAttemptIn int64) CacherStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacherStatus{
		LastCachedBlock:        c.manifest.LastCachedBlock(),
		ChainID:                c.chainID,
		ProtocolVersion:        ProtocolVersion,
		NextCacheAttemptInSecs: nextAttemptIn,
		ManifestFilename:       c.manifest.ManifestFile,
		LogFilesCount:          len(c.manifest.Items),
		OurAddress:             c.ourNode,
		IsProviding:            c.providing,
	}
}

// GetLogsByRange implements spec.md §4.F's GetLogsByRange: every manifest
// item whose range overlaps [from_block, to_block_or_inf] is read from
// disk, sorted by from_block, and serialized as one JSON array; if nothing
// on disk covers the range yet, the current tip is returned instead.
func (c *Cacher) GetLogsByRange(from uint64, to *uint64) (GetLogsResult, error) {
	if c.isStarting() {
		return GetLogsResult{}, ErrIsStarting
	}
	c.mu.RLock()
	items := make([]ManifestItem, 0, len(c.manifest.Items))
	for _, it := range c.manifest.Items {
		items = append(items, it)
	}
	lastCached := c.manifest.LastCachedBlock()
	c.mu.RUnlock()

	upper := lastCached
	if to != nil {
		upper = *to
	}

	var relevant []ManifestItem
	for _, it := range items {
		if it.Metadata.ToBlock < from || it.Metadata.FromBlock > upper {
			continue
		}
		relevant = append(relevant, it)
	}
	if len(relevant) == 0 {
		return GetLogsResult{Kind: "latest", LastCachedBlock: lastCached}, nil
	}
	sort.Slice(relevant, func(i, j int) bool { return relevant[i].Metadata.FromBlock < relevant[j].Metadata.FromBlock })

	caches := make([]LogCache, 0, len(relevant))
	for _, it := range relevant {
		if it.IsEmpty {
			caches = append(caches, LogCache{Metadata: it.Metadata})
			continue
		}
		lc, err := c.drive.ReadLogCache(it.FileName)
		if err != nil {
			return GetLogsResult{}, fmt.Errorf("cacher: read %s: %w", it.FileName, err)
		}
		caches = append(caches, lc)
	}
	b, err := json.Marshal(caches)
	if err != nil {
		return GetLogsResult{}, err
	}
	return GetLogsResult{Kind: "logs", LastCachedBlock: lastCached, CachesJSON: b}, nil
}

// StartProviding / StopProviding / SetNodes / Reset are the local-only
// config operations (spec.md §4.F).
func (c *Cacher) StartProviding()         { c.providing = true }
func (c *Cacher) StopProviding()          { c.providing = false }
func (c *Cacher) SetNodes(nodes []string) { c.nodes = nodes }
func (c *Cacher) Nodes() []string         { return c.nodes }

// ResetState wipes the drive and the in-memory manifest, optionally
// replacing the bootstrap peer list, then returns to Starting.
func (c *Cacher) ResetState(newNodes []string) error {
	if err := c.drive.Reset(); err != nil {
		return err
	}
	c.mu.Lock()
	c.manifest = Manifest{Items: make(map[string]ManifestItem), ChainID: c.chainID, ProtocolVersion: ProtocolVersion}
	c.status = StatusStarting
	c.mu.Unlock()
	if newNodes != nil {
		c.nodes = newNodes
	}
	return nil
}
