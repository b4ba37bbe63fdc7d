package ethprovider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMethodFailuresSimpleCategory(t *testing.T) {
	mf := newMethodFailures()
	require.False(t, mf.shouldSkip("eth_call", nil))

	mf.recordFailure("eth_call", nil)
	require.True(t, mf.shouldSkip("eth_call", nil))

	mf.clear("eth_call")
	require.False(t, mf.shouldSkip("eth_call", nil))
}

func TestMethodFailuresSendRawTxRecovers(t *testing.T) {
	mf := newMethodFailures()
	mf.recordFailure("eth_sendRawTransaction", nil)
	require.True(t, mf.shouldSkip("eth_sendRawTransaction", nil))

	// simulate the recovery window having already elapsed
	past := time.Now().Add(-2 * sendRawTxRecoveryWindow)
	mf.sendRawTxAt = &past
	require.False(t, mf.shouldSkip("eth_sendRawTransaction", nil))
}

func TestMethodFailuresGetLogsRangeWidth(t *testing.T) {
	mf := newMethodFailures()
	narrow := uint64(10)
	wide := uint64(1000)

	mf.recordFailure("eth_getLogs", &wide)
	// A request at least as wide as the known-failing width is skipped.
	require.True(t, mf.shouldSkip("eth_getLogs", &wide))
	// A narrower request may still succeed.
	require.False(t, mf.shouldSkip("eth_getLogs", &narrow))

	// A subsequent narrower failure tightens the recorded minimum.
	mf.recordFailure("eth_getLogs", &narrow)
	require.True(t, mf.shouldSkip("eth_getLogs", &narrow))

	mf.clear("eth_getLogs")
	require.False(t, mf.shouldSkip("eth_getLogs", &wide))
}
