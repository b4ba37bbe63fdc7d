package indexer

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// fakeChainHelper is a ChainHelper whose ResolveNote is scripted per path,
// for driving ProcessNoteEvent without a real eth endpoint.
type fakeChainHelper struct {
	resolve map[string][]byte
	errOnce map[string]bool
}

func (f *fakeChainHelper) BlockNumber(ctx context.Context) (uint64, error) { return 0, nil }
func (f *fakeChainHelper) FilterLogs(ctx context.Context, contract common.Address, topics [][]common.Hash, from, to uint64) ([]gethtypes.Log, error) {
	return nil, nil
}
func (f *fakeChainHelper) ResolveNote(ctx context.Context, fullPath string) ([]byte, bool, error) {
	if f.errOnce[fullPath] {
		delete(f.errOnce, fullPath)
		return nil, false, fmt.Errorf("rpc unavailable")
	}
	data, ok := f.resolve[fullPath]
	return data, ok, nil
}

// fakeFetcher serves fixed bodies keyed by URI.
type fakeFetcher struct {
	bodies map[string][]byte
}

func (f *fakeFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	b, ok := f.bodies[uri]
	if !ok {
		return nil, fmt.Errorf("404 %s", uri)
	}
	return b, nil
}

func encodeNoteData(t *testing.T, parentPath string, uriBytes []byte) []byte {
	t.Helper()
	b, err := noteEventArgs.Pack(parentPath, uriBytes)
	require.NoError(t, err)
	return b
}

func newTestIndexer(t *testing.T, chain ChainHelper, fetcher httpFetcher) *Indexer {
	t.Helper()
	s := newTestStore(t)
	idx := New(nil, s, chain, nil, nil, Config{OurNode: "alice.os"})
	idx.fetcher = fetcher
	return idx
}

func TestProcessNoteEventPublishesListing(t *testing.T) {
	metadata := []byte(`{"name":"my-app"}`)
	digest := crypto.Keccak256Hash(metadata).Hex()

	chain := &fakeChainHelper{resolve: map[string][]byte{
		"~metadata-hash.my-app.alice.os": []byte(digest),
	}}
	fetcher := &fakeFetcher{bodies: map[string][]byte{
		"https://example.test/metadata.json": metadata,
	}}
	idx := newTestIndexer(t, chain, fetcher)

	log := gethtypes.Log{
		Data:        encodeNoteData(t, "my-app.alice.os", []byte("https://example.test/metadata.json")),
		BlockNumber: 42,
	}
	require.NoError(t, idx.ProcessNoteEvent(context.Background(), log))

	app, err := idx.GetApp(PackageID{Package: "my-app", Publisher: "alice.os"}, 0)
	require.NoError(t, err)
	require.NotNil(t, app)
	require.Equal(t, digest, app.Listing.Hash)
	require.Equal(t, uint64(42), app.Listing.Block)
}

func TestProcessNoteEventUnpublishesOnEmptyURI(t *testing.T) {
	chain := &fakeChainHelper{resolve: map[string][]byte{}}
	idx := newTestIndexer(t, chain, &fakeFetcher{})

	pkg := PackageID{Package: "my-app", Publisher: "alice.os"}
	require.NoError(t, idx.store.PutListing(Listing{Package: pkg, URI: "https://example.test"}))

	log := gethtypes.Log{Data: encodeNoteData(t, "my-app.alice.os", nil)}
	require.NoError(t, idx.ProcessNoteEvent(context.Background(), log))

	listing, err := idx.store.GetListing(pkg)
	require.NoError(t, err)
	require.Nil(t, listing)
}

func TestProcessNoteEventRetriesResolveOnRPCError(t *testing.T) {
	metadata := []byte(`{"ok":true}`)
	digest := crypto.Keccak256Hash(metadata).Hex()
	path := "~metadata-hash.my-app.alice.os"

	chain := &fakeChainHelper{
		resolve: map[string][]byte{path: []byte(digest)},
		errOnce: map[string]bool{path: true},
	}
	fetcher := &fakeFetcher{bodies: map[string][]byte{"https://example.test/m.json": metadata}}
	idx := newTestIndexer(t, chain, fetcher)

	log := gethtypes.Log{Data: encodeNoteData(t, "my-app.alice.os", []byte("https://example.test/m.json"))}
	require.NoError(t, idx.ProcessNoteEvent(context.Background(), log))

	app, err := idx.GetApp(PackageID{Package: "my-app", Publisher: "alice.os"}, 0)
	require.NoError(t, err)
	require.NotNil(t, app)
}

func TestProcessNoteEventSkipsFetchDuringBootstrap(t *testing.T) {
	chain := &fakeChainHelper{resolve: map[string][]byte{
		"~metadata-hash.my-app.alice.os": []byte("0xdeadbeef"),
	}}
	idx := newTestIndexer(t, chain, &fakeFetcher{})
	idx.bootstrapping = true

	log := gethtypes.Log{Data: encodeNoteData(t, "my-app.alice.os", []byte("https://example.test/m.json"))}
	require.NoError(t, idx.ProcessNoteEvent(context.Background(), log))

	app, err := idx.GetApp(PackageID{Package: "my-app", Publisher: "alice.os"}, 0)
	require.NoError(t, err)
	require.Nil(t, app) // bootstrap defers the listing write to the post-replay refetch pass
}

func lockEventData(t *testing.T, vals ...*big.Int) []byte {
	t.Helper()
	var args abi.Arguments
	var packed []interface{}
	u256, _ := abi.NewType("uint256", "", nil)
	for _, v := range vals {
		args = append(args, abi.Argument{Type: u256})
		packed = append(packed, v)
	}
	b, err := args.Pack(packed...)
	require.NoError(t, err)
	return b
}

func topicsFor(sig common.Hash, user common.Address, namehash *common.Hash) []common.Hash {
	topics := []common.Hash{sig, common.BytesToHash(user.Bytes())}
	if namehash != nil {
		topics = append(topics, *namehash)
	}
	return topics
}

func TestProcessTokenRegistryEventLockLifecycle(t *testing.T) {
	chain := &fakeChainHelper{}
	idx := newTestIndexer(t, chain, &fakeFetcher{})
	user := common.HexToAddress("0x1111111111111111111111111111111111111111")

	created := gethtypes.Log{
		Topics: topicsFor(TokenRegistryEventSignatures[0], user, nil),
		Data:   lockEventData(t, big.NewInt(1000), big.NewInt(5000)),
	}
	require.NoError(t, idx.ProcessTokenRegistryEvent(created))

	lock, err := idx.store.GetLock(common.BytesToHash(user.Bytes()).Hex())
	require.NoError(t, err)
	require.NotNil(t, lock)
	require.Equal(t, int64(5000), lock.EndTime)
	require.Equal(t, big.NewInt(1000), lock.Value)

	increased := gethtypes.Log{
		Topics: topicsFor(TokenRegistryEventSignatures[3], user, nil),
		Data:   lockEventData(t, big.NewInt(500)),
	}
	require.NoError(t, idx.ProcessTokenRegistryEvent(increased))

	lock, err = idx.store.GetLock(common.BytesToHash(user.Bytes()).Hex())
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1500), lock.Value)

	withdrawn := gethtypes.Log{Topics: topicsFor(TokenRegistryEventSignatures[2], user, nil)}
	require.NoError(t, idx.ProcessTokenRegistryEvent(withdrawn))

	lock, err = idx.store.GetLock(common.BytesToHash(user.Bytes()).Hex())
	require.NoError(t, err)
	require.Nil(t, lock)
}

func TestProcessTokenRegistryEventBindLifecycle(t *testing.T) {
	chain := &fakeChainHelper{}
	idx := newTestIndexer(t, chain, &fakeFetcher{})
	user := common.HexToAddress("0x2222222222222222222222222222222222222222")
	namehash := common.HexToHash("0xabc123")

	created := gethtypes.Log{
		Topics: topicsFor(TokenRegistryEventSignatures[4], user, &namehash),
		Data:   lockEventData(t, big.NewInt(9000)),
	}
	require.NoError(t, idx.ProcessTokenRegistryEvent(created))

	bind, err := idx.store.GetBind(common.BytesToHash(user.Bytes()).Hex(), namehash.Hex())
	require.NoError(t, err)
	require.NotNil(t, bind)
	require.Equal(t, int64(9000), bind.EndTime)

	reclaimed := gethtypes.Log{Topics: topicsFor(TokenRegistryEventSignatures[7], user, &namehash)}
	require.NoError(t, idx.ProcessTokenRegistryEvent(reclaimed))

	bind, err = idx.store.GetBind(common.BytesToHash(user.Bytes()).Hex(), namehash.Hex())
	require.NoError(t, err)
	require.Zero(t, bind.EndTime)
}

func TestSplitParentPath(t *testing.T) {
	pkg, ok := splitParentPath("app.publisher.os")
	require.True(t, ok)
	require.Equal(t, PackageID{Package: "app", Publisher: "publisher.os"}, pkg)

	_, ok = splitParentPath("no-dot")
	require.False(t, ok)
}
