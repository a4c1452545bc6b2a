package cache

import (
	"expvar"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexustree/core"
)

var metricSeq atomic.Int64

func newTestMetrics() (*expvar.Int, *expvar.Int) {
	// expvar names are global per process; tests need unique ones.
	n := metricSeq.Add(1)
	return expvar.NewInt(fmt.Sprintf("test_cache_hits_%d", n)),
		expvar.NewInt(fmt.Sprintf("test_cache_misses_%d", n))
}

func TestLRUCachePutGet(t *testing.T) {
	c := NewLRUCache(2, nil, nil, nil)

	c.Put(core.BlockID(1), []byte("one"))
	c.Put(core.BlockID(2), []byte("two"))

	v, ok := c.Get(core.BlockID(1))
	require.True(t, ok)
	assert.Equal(t, []byte("one"), v)

	_, ok = c.Get(core.BlockID(3))
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestLRUCacheEviction(t *testing.T) {
	var evicted []core.BlockID
	c := NewLRUCache(2, func(id core.BlockID, _ []byte) {
		evicted = append(evicted, id)
	}, nil, nil)

	c.Put(core.BlockID(1), []byte("one"))
	c.Put(core.BlockID(2), []byte("two"))

	// Touch 1 so 2 becomes the LRU victim.
	_, ok := c.Get(core.BlockID(1))
	require.True(t, ok)

	c.Put(core.BlockID(3), []byte("three"))

	require.Equal(t, []core.BlockID{2}, evicted)
	_, ok = c.Get(core.BlockID(2))
	assert.False(t, ok)
	_, ok = c.Get(core.BlockID(1))
	assert.True(t, ok)
}

func TestLRUCacheUpdateExisting(t *testing.T) {
	c := NewLRUCache(2, nil, nil, nil)
	c.Put(core.BlockID(1), []byte("old"))
	c.Put(core.BlockID(1), []byte("new"))

	v, ok := c.Get(core.BlockID(1))
	require.True(t, ok)
	assert.Equal(t, []byte("new"), v)
	assert.Equal(t, 1, c.Len())
}

func TestLRUCacheDisabled(t *testing.T) {
	c := NewLRUCache(0, nil, nil, nil)
	c.Put(core.BlockID(1), []byte("one"))

	_, ok := c.Get(core.BlockID(1))
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUCacheHitMissCallbacks(t *testing.T) {
	var hits, misses int
	c := NewLRUCache(4,
		nil,
		func(core.BlockID) { hits++ },
		func(core.BlockID) { misses++ },
	)

	c.Put(core.BlockID(1), []byte("one"))
	c.Get(core.BlockID(1))
	c.Get(core.BlockID(2))
	c.Get(core.BlockID(2))

	assert.Equal(t, 1, hits)
	assert.Equal(t, 2, misses)
}

func TestLRUCacheMetricsAndHitRate(t *testing.T) {
	c := NewLRUCache(4, nil, nil, nil)
	hits, misses := newTestMetrics()
	c.SetMetrics(hits, misses)

	c.Put(core.BlockID(1), []byte("one"))
	c.Get(core.BlockID(1)) // hit
	c.Get(core.BlockID(9)) // miss
	c.Get(core.BlockID(9)) // miss

	assert.Equal(t, int64(1), hits.Value())
	assert.Equal(t, int64(2), misses.Value())
	assert.InDelta(t, 1.0/3.0, c.GetHitRate(), 1e-9)
}

func TestLRUCacheClear(t *testing.T) {
	var evicted int
	c := NewLRUCache(4, func(core.BlockID, []byte) { evicted++ }, nil, nil)
	hits, misses := newTestMetrics()
	c.SetMetrics(hits, misses)

	c.Put(core.BlockID(1), []byte("one"))
	c.Put(core.BlockID(2), []byte("two"))
	c.Get(core.BlockID(1))
	c.Clear()

	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 2, evicted)
	assert.Equal(t, int64(0), hits.Value())
	assert.Equal(t, int64(0), misses.Value())
	assert.Zero(t, c.GetHitRate())
}
