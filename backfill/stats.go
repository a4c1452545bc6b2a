package backfill

import "sync/atomic"

// Stats is a snapshot of one traversal's counters. BlocksAcquired and
// BlocksReleased must match once the traversal reports done; tests verify
// pruning through SubtreesSkipped and boundedness through MaxLiveBlocks.
type Stats struct {
	BlocksAcquired     uint64
	BlocksReleased     uint64
	SubtreesSkipped    uint64
	PairsEmitted       uint64
	OverflowBlocksRead uint64
	MaxLiveBlocks      int64
}

type statsCounters struct {
	blocksAcquired     atomic.Uint64
	blocksReleased     atomic.Uint64
	subtreesSkipped    atomic.Uint64
	pairsEmitted       atomic.Uint64
	overflowBlocksRead atomic.Uint64
}

func (c *statsCounters) snapshot() Stats {
	return Stats{
		BlocksAcquired:     c.blocksAcquired.Load(),
		BlocksReleased:     c.blocksReleased.Load(),
		SubtreesSkipped:    c.subtreesSkipped.Load(),
		PairsEmitted:       c.pairsEmitted.Load(),
		OverflowBlocksRead: c.overflowBlocksRead.Load(),
	}
}
