package ethprovider

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResponseCacheHitAndExpiry(t *testing.T) {
	c := newResponseCache()
	params := json.RawMessage(`["0x1", true]`)
	result := json.RawMessage(`{"hash":"0xabc"}`)

	_, ok := c.get(1, "eth_getBlockByNumber", params)
	require.False(t, ok)

	c.put(1, "eth_getBlockByNumber", params, result)
	got, ok := c.get(1, "eth_getBlockByNumber", params)
	require.True(t, ok)
	require.Equal(t, result, got)

	// force expiry by backdating the stored entry
	k := makeCacheKey(1, "eth_getBlockByNumber", params)
	e, _ := c.lru.Get(k)
	e.storedAt = time.Now().Add(-2 * responseCacheTTL)
	c.lru.Add(k, e)

	_, ok = c.get(1, "eth_getBlockByNumber", params)
	require.False(t, ok)
}

func TestResponseCacheBulkEviction(t *testing.T) {
	c := newResponseCache()
	for i := 0; i < responseCacheCapacity; i++ {
		params := json.RawMessage(`[]`)
		method := "eth_call"
		c.put(uint64(i), method, params, json.RawMessage(`"0x0"`))
	}
	require.Equal(t, responseCacheCapacity, c.lru.Len())

	// one more insert should trigger the 10% bulk eviction before adding.
	c.put(uint64(responseCacheCapacity), "eth_call", json.RawMessage(`[]`), json.RawMessage(`"0x0"`))
	expectedEvicted := int(float64(responseCacheCapacity) * responseCacheEvictFrac)
	require.Equal(t, responseCacheCapacity-expectedEvicted+1, c.lru.Len())
}
