package ethprovider

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAccessSettingsPermits(t *testing.T) {
	s := AccessSettings{Public: false, Allow: []string{"friend.os"}, Deny: []string{"blocked.os"}}
	require.True(t, s.Permits("friend.os"))
	require.False(t, s.Permits("stranger.os"))

	s.Public = true
	require.True(t, s.Permits("stranger.os"))
	require.False(t, s.Permits("blocked.os"))
	require.True(t, s.Permits("friend.os"))
}

func TestRangeWidthOf(t *testing.T) {
	params := []byte(`[{"fromBlock":"0x1","toBlock":"0x65"}]`)
	w := rangeWidthOf("eth_getLogs", params)
	require.NotNil(t, w)
	require.Equal(t, uint64(0x64), *w)

	require.Nil(t, rangeWidthOf("eth_call", params))
	require.Nil(t, rangeWidthOf("eth_getLogs", nil))
}
