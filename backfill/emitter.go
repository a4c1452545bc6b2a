package backfill

import (
	"context"
	"fmt"

	"github.com/INLOpen/nexustree/btree"
	"github.com/INLOpen/nexustree/core"
	"github.com/INLOpen/nexustree/pager"
)

// emitLeaf walks an acquired leaf in its native key order and delivers
// every entry whose own recency is at or after the cutoff, tombstones
// included. Out-of-node values are assembled from overflow blocks acquired
// under the same live-block budget as everything else, each released as
// soon as its chunk is consumed. The leaf handle is released on every path.
func (b *Backfill) emitLeaf(ctx context.Context, h *pager.BlockHandle, level int) error {
	leaf, err := btree.DecodeLeafNode(h.Payload())
	if err != nil {
		fault := core.NewStorageFault(h.ID(), "decode", err)
		b.fail(fault)
		if relErr := b.release(h, level); relErr != nil {
			return relErr
		}
		return fault
	}

	for i := range leaf.Entries {
		e := &leaf.Entries[i]

		if b.shutdown.Load() {
			if relErr := b.release(h, level); relErr != nil {
				b.fail(relErr)
				return relErr
			}
			return core.ErrShutdownRequested
		}

		// Per-entry filter: an entry modified exactly at the cutoff still
		// qualifies.
		if e.Recency < b.cutoff {
			continue
		}

		var value []byte
		switch {
		case e.Type == core.EntryTypeDelete:
			// Tombstones carry no value but must still reach the replica.
		case e.IsOverflow():
			value, err = b.readOverflow(ctx, level, e)
			if err != nil {
				b.fail(err)
				if relErr := b.release(h, level); relErr != nil {
					return relErr
				}
				return err
			}
		default:
			value = e.Value
		}

		if cbErr := b.onPair(core.Pair{Key: e.Key, Value: value, Recency: e.Recency, Type: e.Type}); cbErr != nil {
			err = fmt.Errorf("output callback rejected pair for key %q: %w", e.Key, cbErr)
			b.fail(err)
			if relErr := b.release(h, level); relErr != nil {
				return relErr
			}
			return err
		}
		b.stats.pairsEmitted.Add(1)
	}

	return b.release(h, level)
}

// readOverflow assembles one out-of-node value. Every chunk acquisition
// passes the admission gate, so large values cannot blow the block budget;
// a chunk that cannot be acquired fails the entire backfill.
func (b *Backfill) readOverflow(ctx context.Context, level int, e *btree.LeafEntry) ([]byte, error) {
	value := make([]byte, 0, e.OverflowLen)
	for _, chunkID := range e.Overflow {
		ch, err := b.acquire(ctx, level, chunkID)
		if err != nil {
			return nil, err
		}
		if ch.Kind() != core.BlockKindOverflow {
			fault := core.NewStorageFault(chunkID, "classify",
				fmt.Errorf("expected overflow block, found %s: %w", ch.Kind(), core.ErrCorrupted))
			if relErr := b.release(ch, level); relErr != nil {
				return nil, relErr
			}
			return nil, fault
		}
		value = append(value, ch.Payload()...)
		if err := b.release(ch, level); err != nil {
			return nil, err
		}
		b.stats.overflowBlocksRead.Add(1)
	}
	if uint32(len(value)) != e.OverflowLen {
		return nil, core.NewStorageFault(e.Overflow[0], "assemble",
			fmt.Errorf("overflow value length %d, want %d: %w", len(value), e.OverflowLen, core.ErrCorrupted))
	}
	return value, nil
}
