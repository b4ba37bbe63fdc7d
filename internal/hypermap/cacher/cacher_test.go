package cacher

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeChain is a fixed-head, in-memory ChainClient standing in for the
// co-resident eth endpoint.
type fakeChain struct {
	head uint64
	logs map[[2]uint64][]json.RawMessage
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) GetLogs(ctx context.Context, from, to uint64) ([]json.RawMessage, error) {
	return f.logs[[2]uint64{from, to}], nil
}

func newTestCacher(t *testing.T, chain *fakeChain) *Cacher {
	t.Helper()
	drive, err := NewDrive(filepath.Join(t.TempDir(), "cacher"))
	require.NoError(t, err)
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	c := New(nil, drive, chain, priv, "our-node", 1)
	require.NoError(t, c.LoadState())
	return c
}

func TestCacherCycleWritesCacheAndAdvances(t *testing.T) {
	chain := &fakeChain{
		head: BatchSize,
		logs: map[[2]uint64][]json.RawMessage{
			{1, BatchSize}: {json.RawMessage(`{"foo":"bar"}`)},
		},
	}
	c := newTestCacher(t, chain)
	c.SetCaching()
	require.Zero(t, c.LastCachedBlock())

	require.NoError(t, c.cycle(context.Background()))
	require.Equal(t, uint64(BatchSize), c.LastCachedBlock())

	m, err := c.GetManifest()
	require.NoError(t, err)
	require.Len(t, m.Items, 1)

	res, err := c.GetLogsByRange(1, nil)
	require.NoError(t, err)
	require.Equal(t, "logs", res.Kind)

	var caches []LogCache
	require.NoError(t, json.Unmarshal(res.CachesJSON, &caches))
	require.Len(t, caches, 1)
	require.Len(t, caches[0].Logs, 1)
}

func TestCacherCycleSkipsWritingEmptyBatchFile(t *testing.T) {
	chain := &fakeChain{head: BatchSize, logs: map[[2]uint64][]json.RawMessage{}}
	c := newTestCacher(t, chain)
	c.SetCaching()

	require.NoError(t, c.cycle(context.Background()))
	require.Equal(t, uint64(BatchSize), c.LastCachedBlock())

	m, err := c.GetManifest()
	require.NoError(t, err)
	require.Len(t, m.Items, 1)
	for _, item := range m.Items {
		require.True(t, item.IsEmpty)
	}
}

func TestCacherGetLogsByRangeReturnsLatestWhenNothingCached(t *testing.T) {
	chain := &fakeChain{head: 500}
	c := newTestCacher(t, chain)
	c.SetCaching()

	res, err := c.GetLogsByRange(1, nil)
	require.NoError(t, err)
	require.Equal(t, "latest", res.Kind)
	require.Zero(t, res.LastCachedBlock)
}

func TestCacherIsStartingBlocksQueries(t *testing.T) {
	chain := &fakeChain{head: 100}
	c := newTestCacher(t, chain)

	_, err := c.GetManifest()
	require.ErrorIs(t, err, ErrIsStarting)

	c.SetCaching()
	_, err = c.GetManifest()
	require.NoError(t, err)
}

func TestCacherLoadStateResetsOnChainIDMismatch(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cacher")
	drive, err := NewDrive(dir)
	require.NoError(t, err)
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	chain := &fakeChain{head: BatchSize, logs: map[[2]uint64][]json.RawMessage{
		{1, BatchSize}: {json.RawMessage(`{"a":1}`)},
	}}
	c1 := New(nil, drive, chain, priv, "our-node", 1)
	require.NoError(t, c1.LoadState())
	require.NoError(t, c1.cycle(context.Background()))
	require.NotZero(t, c1.LastCachedBlock())

	c2 := New(nil, drive, chain, priv, "our-node", 2) // different chain id
	require.NoError(t, c2.LoadState())
	require.Zero(t, c2.LastCachedBlock())
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	logs := []json.RawMessage{json.RawMessage(`{"x":1}`)}
	lc, err := Sign(priv, "node-a", 1, 10, 20, logs, 1234)
	require.NoError(t, err)

	keys := staticKeys{"node-a": priv.Public().(ed25519.PublicKey)}
	require.NoError(t, Verify(lc, keys))

	lc.Logs = []json.RawMessage{json.RawMessage(`{"x":2}`)}
	require.Error(t, Verify(lc, keys))
}

type staticKeys map[string]ed25519.PublicKey

func (s staticKeys) PublicKeyOf(node string) (ed25519.PublicKey, bool) {
	pk, ok := s[node]
	return pk, ok
}
