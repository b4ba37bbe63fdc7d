package indexer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/hyperware-ai/hyperdrive-sub000/internal/hypermap/cacher"
)

// State is the indexer process's own state machine (spec.md §4.F "State
// machine for the indexer process"): Starting (bootstrapping, retries on a
// 10s backoff) then Caching (live).
type State int

const (
	StateStarting State = iota
	StateCaching
)

const bootstrapRetryBackoff = 10 * time.Second

// LogFetcher is the live-tail fallback surface: direct getLogs against the
// provider for any gap the cache bootstrap and subscription don't cover
// (spec.md §4.F "Bootstrap and cache" step 3).
type LogFetcher interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, contract common.Address, topics [][]common.Hash, fromBlock, toBlock uint64) ([]types.Log, error)
}

// Indexer is the hypermap indexer process (spec.md §4.F): one Store, one
// ChainHelper, an optional co-resident Cacher for distributed bootstrap,
// and the Note/token-registry event pipeline.
type Indexer struct {
	log       *logrus.Entry
	ourNode   string
	store     *Store
	chain     ChainHelper
	fetcher   httpFetcher
	cache     *cacher.Cacher
	remote    *cacher.BootstrapClient
	downloads downloadRequester

	noteContract     common.Address
	registryContract common.Address

	stateMu sync.RWMutex
	state   State

	bootstrapping bool // true only while replaying cached logs, see ProcessNoteEvent
}

// Config collects New's wiring: the addresses of the two contracts the
// indexer filters, and the optional downloads endpoint for auto-update
// notifications.
type Config struct {
	OurNode          string
	NoteContract     common.Address
	RegistryContract common.Address
	Downloads        downloadRequester
}

func New(log *logrus.Logger, store *Store, chain ChainHelper, cache *cacher.Cacher, remote *cacher.BootstrapClient, cfg Config) *Indexer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Indexer{
		log:              log.WithField("component", "indexer"),
		ourNode:          cfg.OurNode,
		store:            store,
		chain:            chain,
		fetcher:          newHTTPFetcher(),
		cache:            cache,
		remote:           remote,
		downloads:        cfg.Downloads,
		noteContract:     cfg.NoteContract,
		registryContract: cfg.RegistryContract,
		state:            StateStarting,
	}
}

func (idx *Indexer) State() State {
	idx.stateMu.RLock()
	defer idx.stateMu.RUnlock()
	return idx.state
}

func (idx *Indexer) setState(s State) {
	idx.stateMu.Lock()
	idx.state = s
	idx.stateMu.Unlock()
}

// Run drives the indexer's full lifecycle: bootstrap-or-retry until
// Caching, then the live event-subscribe-plus-gap-fill loop, until ctx is
// cancelled (spec.md §4.F, §5 "the indexer ... run as a single task").
func (idx *Indexer) Run(ctx context.Context, live <-chan types.Log, pollInterval time.Duration) {
	for {
		if err := idx.bootstrap(ctx); err != nil {
			idx.log.WithError(err).Warn("bootstrap failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(bootstrapRetryBackoff):
				continue
			}
		}
		break
	}
	idx.setState(StateCaching)
	idx.liveTail(ctx, live, pollInterval)
}

// bootstrap implements spec.md §4.F "Bootstrap and cache": ask the
// co-resident cacher (or a remote bootstrap client if no local cacher is
// configured) for logs from last_saved_block, replay them, then re-fetch
// metadata for every listing changed since last_saved_block. If the remote
// cache source is exhausted (peer list tried, retries spent), it falls
// back to direct eth_getLogs against the chain rather than retrying the
// cache source forever (original_source/hypermap-cacher's "falls back to
// direct RPC" behavior).
func (idx *Indexer) bootstrap(ctx context.Context) error {
	from, err := idx.store.LastSavedBlock()
	if err != nil {
		return err
	}

	var res cacher.GetLogsResult
	if idx.cache != nil {
		res, err = idx.cacheResultLocal(from)
	} else if idx.remote != nil {
		res, err = idx.remote.FetchLogsFrom(from)
		if err != nil {
			return idx.bootstrapDirect(ctx, from)
		}
	} else {
		return nil // no cache source configured; proceed straight to live-tail
	}
	if err != nil {
		return err
	}
	if res.Kind != "logs" || len(res.CachesJSON) == 0 {
		return nil // nothing cached yet covering this range
	}

	idx.bootstrapping = true
	defer func() { idx.bootstrapping = false }()

	changed, err := idx.replayCaches(ctx, res.CachesJSON)
	if err != nil {
		return err
	}
	return idx.refetchMetadata(ctx, changed)
}

// bootstrapDirect replays logs fetched straight from the chain when no
// cache peer answered, the fallback path noted above.
func (idx *Indexer) bootstrapDirect(ctx context.Context, from uint64) error {
	head, err := idx.chain.BlockNumber(ctx)
	if err != nil || head <= from {
		return err
	}
	logs, err := idx.chain.FilterLogs(ctx, idx.noteContract, [][]common.Hash{{NoteEventSignature}, nil, {MetadataURINoteTopic}}, from+1, head)
	if err != nil {
		return err
	}

	idx.bootstrapping = true
	defer func() { idx.bootstrapping = false }()

	changed := make(map[PackageID]bool)
	for _, lg := range logs {
		pkg, err := idx.replayOne(ctx, lg)
		if err != nil {
			idx.log.WithError(err).Debug("skipping log during direct bootstrap replay")
			continue
		}
		if pkg != nil {
			changed[*pkg] = true
		}
	}
	return idx.refetchMetadata(ctx, changed)
}

func (idx *Indexer) cacheResultLocal(from uint64) (cacher.GetLogsResult, error) {
	return idx.cache.GetLogsByRange(from, nil)
}

// replayCaches decodes each LogCache's raw logs and processes them as if
// live (spec.md §4.F "Bootstrap and cache" step 2), returning the set of
// packages whose listings changed so their metadata can be re-fetched once,
// after the whole replay.
func (idx *Indexer) replayCaches(ctx context.Context, cachesJSON []byte) (map[PackageID]bool, error) {
	// Decoding is intentionally loose here: the manifest/LogCache shapes are
	// owned by package cacher; this indexer only needs each entry's raw
	// logs array, uniformly whatever contract they came from.
	var batches []struct {
		Logs []types.Log `json:"logs"`
	}
	if err := json.Unmarshal(cachesJSON, &batches); err != nil {
		return nil, err
	}
	changed := make(map[PackageID]bool)
	for _, batch := range batches {
		for _, lg := range batch.Logs {
			pkg, err := idx.replayOne(ctx, lg)
			if err != nil {
				idx.log.WithError(err).Debug("skipping log during bootstrap replay")
				continue
			}
			if pkg != nil {
				changed[*pkg] = true
			}
		}
	}
	return changed, nil
}

func (idx *Indexer) replayOne(ctx context.Context, lg types.Log) (*PackageID, error) {
	if lg.Address == idx.noteContract {
		parentPath, _, err := decodeNoteEvent(lg)
		if err != nil {
			return nil, err
		}
		if err := idx.ProcessNoteEvent(ctx, lg); err != nil {
			return nil, err
		}
		pkg, ok := splitParentPath(parentPath)
		if !ok {
			return nil, nil
		}
		return &pkg, nil
	}
	return nil, idx.ProcessTokenRegistryEvent(lg)
}

// refetchMetadata re-runs the URI-fetch-and-verify step for every listing
// touched during replay, exactly once each (spec.md §4.F step 2: "metadata
// is re-fetched after bulk ingest, once per listing changed").
func (idx *Indexer) refetchMetadata(ctx context.Context, changed map[PackageID]bool) error {
	for pkg := range changed {
		listing, err := idx.store.GetListing(pkg)
		if err != nil || listing == nil {
			continue
		}
		body, err := idx.fetcher.Fetch(ctx, listing.URI)
		if err != nil {
			idx.log.WithError(err).WithField("package", pkg.String()).Warn("post-bootstrap metadata refetch failed")
			continue
		}
		if crypto.Keccak256Hash(body).Hex() != listing.Hash {
			idx.log.WithField("package", pkg.String()).Warn("post-bootstrap metadata hash mismatch")
			continue
		}
		var metadata interface{}
		if err := json.Unmarshal(body, &metadata); err != nil {
			continue
		}
		listing.Metadata = body
		if err := idx.store.PutListing(*listing); err != nil {
			return err
		}
	}
	return nil
}

// liveTail processes events as they arrive on the live subscription
// channel and, on a timer, fills any gap between last_saved_block and the
// chain head via direct getLogs (spec.md §4.F "Bootstrap and cache" step 3,
// §5 suspension points: "event channel receive, periodic timer").
func (idx *Indexer) liveTail(ctx context.Context, live <-chan types.Log, pollInterval time.Duration) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case lg, ok := <-live:
			if !ok {
				return
			}
			idx.handleLive(ctx, lg)
		case <-t.C:
			idx.fillGap(ctx)
		}
	}
}

func (idx *Indexer) handleLive(ctx context.Context, lg types.Log) {
	var err error
	if lg.Address == idx.noteContract {
		err = idx.ProcessNoteEvent(ctx, lg)
	} else {
		err = idx.ProcessTokenRegistryEvent(lg)
	}
	if err != nil {
		idx.log.WithError(err).Warn("event processing failed")
		return
	}
	if lg.BlockNumber > 0 {
		_ = idx.store.SetLastSavedBlock(lg.BlockNumber - 1)
	}
}

func (idx *Indexer) fillGap(ctx context.Context) {
	from, err := idx.store.LastSavedBlock()
	if err != nil {
		return
	}
	head, err := idx.chain.BlockNumber(ctx)
	if err != nil || head <= from {
		return
	}
	fetcher, ok := idx.chain.(LogFetcher)
	if !ok {
		return
	}
	logs, err := fetcher.FilterLogs(ctx, idx.noteContract, [][]common.Hash{{NoteEventSignature}, nil, {MetadataURINoteTopic}}, from+1, head)
	if err != nil {
		return
	}
	for _, lg := range logs {
		idx.handleLive(ctx, lg)
	}
}
