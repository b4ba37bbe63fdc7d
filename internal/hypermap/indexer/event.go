package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// noteEventArgs unpacks a Note log's ABI-encoded data word into
// (parent_path, note_value), the (parent_path, uri_bytes) pair spec.md
// §4.F step 1 calls for.
var noteEventArgs = func() abi.Arguments {
	str, _ := abi.NewType("string", "", nil)
	byts, _ := abi.NewType("bytes", "", nil)
	return abi.Arguments{{Type: str}, {Type: byts}}
}()

func decodeNoteEvent(log types.Log) (parentPath string, uriBytes []byte, err error) {
	vals, err := noteEventArgs.Unpack(log.Data)
	if err != nil {
		return "", nil, fmt.Errorf("indexer: unpack Note event: %w", err)
	}
	parentPath, _ = vals[0].(string)
	uriBytes, _ = vals[1].([]byte)
	return parentPath, uriBytes, nil
}

// downloadRequester is the downloads endpoint surface the indexer notifies
// when an auto-updating listing changes (spec.md §4.F step 7).
type downloadRequester interface {
	RequestDownload(pkg PackageID, metadata json.RawMessage) error
}

// httpFetcher is the URI-fetch surface, narrowed for testability.
type httpFetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

type defaultHTTPFetcher struct{ client *http.Client }

func newHTTPFetcher() *defaultHTTPFetcher {
	return &defaultHTTPFetcher{client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *defaultHTTPFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("indexer: fetch %s: status %d", uri, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ProcessNoteEvent runs the full `~metadata-uri` Note pipeline of spec.md
// §4.F, steps 1 through 7; step 8, persisting last_saved_block, is the
// caller's responsibility once this returns, since it must happen once per
// batch, not once per event.
func (idx *Indexer) ProcessNoteEvent(ctx context.Context, log types.Log) error {
	parentPath, uriBytes, err := decodeNoteEvent(log)
	if err != nil {
		return err
	}

	pkg, ok := splitParentPath(parentPath)
	if !ok {
		return fmt.Errorf("indexer: malformed parent path %q", parentPath)
	}

	hashData, found, err := idx.resolveMetadataHashWithRetry(ctx, parentPath)
	if err != nil {
		return err
	}

	uri := string(uriBytes)
	if !found {
		if uri == "" {
			return idx.unpublish(pkg)
		}
		return fmt.Errorf("indexer: no metadata-hash for %s but uri present: transient", parentPath)
	}

	if idx.bootstrapping {
		// Bootstrap replay defers metadata re-fetch to the post-ingest pass
		// (spec.md §4.F "Bootstrap and cache" step 2).
		return nil
	}

	body, err := idx.fetcher.Fetch(ctx, uri)
	if err != nil {
		return fmt.Errorf("indexer: fetch %s: %w", uri, err)
	}
	digest := crypto.Keccak256Hash(body).Hex()
	if digest != string(hashData) && digest != "0x"+string(hashData) {
		return fmt.Errorf("indexer: metadata hash mismatch for %s", parentPath)
	}

	var metadata json.RawMessage
	if err := json.Unmarshal(body, &metadata); err != nil {
		return fmt.Errorf("indexer: invalid metadata json for %s: %w", parentPath, err)
	}

	autoUpdate := false
	if existing, err := idx.store.GetListing(pkg); err == nil && existing != nil {
		autoUpdate = existing.AutoUpdate
	}

	listing := Listing{
		Package:    pkg,
		URI:        uri,
		Hash:       digest,
		Metadata:   metadata,
		Block:      log.BlockNumber,
		AutoUpdate: autoUpdate,
	}
	if err := idx.store.PutListing(listing); err != nil {
		return err
	}
	if err := idx.store.PutPublished(Published{Package: pkg, Block: log.BlockNumber}); err != nil {
		return err
	}
	namehash := crypto.Keccak256Hash([]byte(parentPath)).Hex()
	if err := idx.store.PutAppNamehash(namehash, pkg); err != nil {
		return err
	}

	if autoUpdate && idx.downloads != nil {
		_ = idx.downloads.RequestDownload(pkg, metadata)
	}
	return nil
}

func (idx *Indexer) unpublish(pkg PackageID) error {
	return idx.store.DeleteListing(pkg)
}

// resolveMetadataHashWithRetry implements spec.md §4.F step 3: resolve
// "~metadata-hash.{parent_path}"; on RPC error, sleep 1s and retry once.
func (idx *Indexer) resolveMetadataHashWithRetry(ctx context.Context, parentPath string) ([]byte, bool, error) {
	path := metadataHashNotePath(parentPath)
	data, found, err := idx.chain.ResolveNote(ctx, path)
	if err == nil {
		return data, found, nil
	}
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-time.After(1 * time.Second):
	}
	return idx.chain.ResolveNote(ctx, path)
}

// --- token registry ---

// ProcessTokenRegistryEvent implements spec.md §4.F "Per-event processing
// (token-registry)": decode the event's discriminator (its topic0) and
// update user_locks or user_binds accordingly.
func (idx *Indexer) ProcessTokenRegistryEvent(log types.Log) error {
	if len(log.Topics) == 0 {
		return fmt.Errorf("indexer: token-registry log missing topic0")
	}
	sig := log.Topics[0]
	switch sig {
	case TokenRegistryEventSignatures[0], TokenRegistryEventSignatures[1], TokenRegistryEventSignatures[2], TokenRegistryEventSignatures[3]:
		return idx.processLockEvent(sig, log)
	case TokenRegistryEventSignatures[4], TokenRegistryEventSignatures[5], TokenRegistryEventSignatures[6], TokenRegistryEventSignatures[7]:
		return idx.processBindEvent(sig, log)
	default:
		return nil // not one of ours; filter should have excluded it
	}
}

func (idx *Indexer) processLockEvent(sig [32]byte, log types.Log) error {
	user := userFromTopics(log)
	switch sig {
	case TokenRegistryEventSignatures[0]: // LockCreated(address,uint256,uint256)
		value, endTime, err := decodeValueAndEnd(log.Data)
		if err != nil {
			return err
		}
		return idx.store.PutLock(Lock{User: user, Value: value, EndTime: endTime})
	case TokenRegistryEventSignatures[1]: // LockExtended(address,uint256)
		endTime, err := decodeSingleUint(log.Data)
		if err != nil {
			return err
		}
		lock, err := idx.store.GetLock(user)
		if err != nil {
			return err
		}
		if lock == nil {
			lock = &Lock{User: user}
		}
		lock.EndTime = endTime
		return idx.store.PutLock(*lock)
	case TokenRegistryEventSignatures[2]: // LockWithdrawn(address)
		return idx.store.DeleteLock(user)
	case TokenRegistryEventSignatures[3]: // LockIncreased(address,uint256)
		delta, err := decodeSingleUint(log.Data)
		if err != nil {
			return err
		}
		lock, err := idx.store.GetLock(user)
		if err != nil {
			return err
		}
		if lock == nil {
			lock = &Lock{User: user, Value: new(big.Int)}
		}
		if lock.Value == nil {
			lock.Value = new(big.Int)
		}
		lock.Value = new(big.Int).Add(lock.Value, delta)
		return idx.store.PutLock(*lock)
	}
	return nil
}

func (idx *Indexer) processBindEvent(sig [32]byte, log types.Log) error {
	user := userFromTopics(log)
	namehash := namehashFromTopics(log)
	switch sig {
	case TokenRegistryEventSignatures[4]: // BindCreated(address,bytes32,uint256)
		endTime, err := decodeSingleUint(log.Data)
		if err != nil {
			return err
		}
		return idx.store.PutBind(Bind{User: user, Namehash: namehash, EndTime: endTime})
	case TokenRegistryEventSignatures[5], TokenRegistryEventSignatures[6]: // BindIncreased / BindExtended
		endTime, err := decodeSingleUint(log.Data)
		if err != nil {
			return err
		}
		bind, err := idx.store.GetBind(user, namehash)
		if err != nil {
			return err
		}
		if bind == nil {
			bind = &Bind{User: user, Namehash: namehash}
		}
		bind.EndTime = endTime
		return idx.store.PutBind(*bind)
	case TokenRegistryEventSignatures[7]: // BindReclaimed(address,bytes32)
		bind, err := idx.store.GetBind(user, namehash)
		if err != nil || bind == nil {
			return err
		}
		bind.EndTime = 0
		return idx.store.PutBind(*bind)
	}
	return nil
}

func userFromTopics(log types.Log) string {
	if len(log.Topics) < 2 {
		return ""
	}
	return log.Topics[1].Hex()
}

func namehashFromTopics(log types.Log) string {
	if len(log.Topics) < 3 {
		return ""
	}
	return log.Topics[2].Hex()
}

var uint256Arg = func() abi.Arguments {
	u, _ := abi.NewType("uint256", "", nil)
	return abi.Arguments{{Type: u}}
}()

var twoUint256Args = func() abi.Arguments {
	u, _ := abi.NewType("uint256", "", nil)
	return abi.Arguments{{Type: u}, {Type: u}}
}()

func decodeSingleUint(data []byte) (int64, error) {
	vals, err := uint256Arg.Unpack(data)
	if err != nil {
		return 0, err
	}
	v, _ := vals[0].(*big.Int)
	if v == nil {
		return 0, fmt.Errorf("indexer: missing uint256 in event data")
	}
	return v.Int64(), nil
}

func decodeValueAndEnd(data []byte) (*big.Int, int64, error) {
	vals, err := twoUint256Args.Unpack(data)
	if err != nil {
		return nil, 0, err
	}
	value, _ := vals[0].(*big.Int)
	end, _ := vals[1].(*big.Int)
	if value == nil || end == nil {
		return nil, 0, fmt.Errorf("indexer: missing uint256 fields in event data")
	}
	return value, end.Int64(), nil
}
