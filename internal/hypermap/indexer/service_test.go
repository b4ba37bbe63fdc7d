package indexer

import (
	"context"
	"testing"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestIndexerRunWithoutCacheSourceGoesStraightToCaching(t *testing.T) {
	s := newTestStore(t)
	chain := &fakeChainHelper{resolve: map[string][]byte{}}
	idx := New(nil, s, chain, nil, nil, Config{OurNode: "alice.os"})
	require.Equal(t, StateStarting, idx.State())

	ctx, cancel := context.WithCancel(context.Background())
	live := make(chan gethtypes.Log)
	done := make(chan struct{})
	go func() {
		idx.Run(ctx, live, time.Hour)
		close(done)
	}()

	require.Eventually(t, func() bool { return idx.State() == StateCaching }, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestIndexerLiveTailProcessesNoteEventAndAdvancesCursor(t *testing.T) {
	s := newTestStore(t)
	chain := &fakeChainHelper{resolve: map[string][]byte{}}
	idx := New(nil, s, chain, nil, nil, Config{OurNode: "alice.os"})
	idx.setState(StateCaching)

	ctx, cancel := context.WithCancel(context.Background())
	live := make(chan gethtypes.Log, 1)
	done := make(chan struct{})
	go func() {
		idx.liveTail(ctx, live, time.Hour)
		close(done)
	}()

	log := gethtypes.Log{
		Data:        encodeNoteData(t, "my-app.alice.os", nil),
		BlockNumber: 10,
	}
	live <- log

	require.Eventually(t, func() bool {
		b, err := idx.store.LastSavedBlock()
		return err == nil && b == 9
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
