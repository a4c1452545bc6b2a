package cache

import (
	"expvar"

	"github.com/INLOpen/nexustree/core"
)

// Interface defines the public API for a block cache.
type Interface interface {
	Put(id core.BlockID, value []byte)
	Get(id core.BlockID) (value []byte, ok bool)
	Clear()
	GetHitRate() float64
	SetMetrics(hits, misses *expvar.Int)
	Len() int
}
