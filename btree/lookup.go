package btree

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/INLOpen/nexustree/core"
	"github.com/INLOpen/nexustree/pager"
)

// Get performs a point lookup for key under a read transaction. It returns
// the value and its last-modified timestamp, or core.ErrKeyNotFound for
// missing keys and tombstones.
func Get(ctx context.Context, txn *pager.ReadTxn, key []byte) ([]byte, int64, error) {
	id := txn.Root()
	if id == core.NullBlockID {
		return nil, 0, core.ErrKeyNotFound
	}

	for {
		h, err := txn.AcquireBlock(ctx, id)
		if err != nil {
			return nil, 0, err
		}

		switch h.Kind() {
		case core.BlockKindInternal:
			node, err := DecodeInternalNode(h.Payload())
			if relErr := h.Release(); relErr != nil {
				return nil, 0, relErr
			}
			if err != nil {
				return nil, 0, core.NewStorageFault(id, "decode", err)
			}
			next := descend(node, key)
			if next == core.NullBlockID {
				return nil, 0, core.ErrKeyNotFound
			}
			id = next

		case core.BlockKindLeaf:
			leaf, err := DecodeLeafNode(h.Payload())
			if relErr := h.Release(); relErr != nil {
				return nil, 0, relErr
			}
			if err != nil {
				return nil, 0, core.NewStorageFault(id, "decode", err)
			}
			return findInLeaf(ctx, txn, leaf, key)

		default:
			kind := h.Kind()
			if relErr := h.Release(); relErr != nil {
				return nil, 0, relErr
			}
			return nil, 0, core.NewStorageFault(id, "classify",
				fmt.Errorf("unexpected %s block on lookup path: %w", kind, core.ErrCorrupted))
		}
	}
}

// descend picks the rightmost child whose first key is <= key. A key below
// the first separator cannot exist in the tree.
func descend(node *InternalNode, key []byte) core.BlockID {
	i := sort.Search(len(node.Children), func(i int) bool {
		return bytes.Compare(node.Children[i].FirstKey, key) > 0
	})
	if i == 0 {
		return core.NullBlockID
	}
	return node.Children[i-1].ID
}

func findInLeaf(ctx context.Context, txn *pager.ReadTxn, leaf *LeafNode, key []byte) ([]byte, int64, error) {
	i := sort.Search(len(leaf.Entries), func(i int) bool {
		return bytes.Compare(leaf.Entries[i].Key, key) >= 0
	})
	if i >= len(leaf.Entries) || !bytes.Equal(leaf.Entries[i].Key, key) {
		return nil, 0, core.ErrKeyNotFound
	}
	e := &leaf.Entries[i]
	if e.Type == core.EntryTypeDelete {
		return nil, 0, core.ErrKeyNotFound
	}
	if !e.IsOverflow() {
		return e.Value, e.Recency, nil
	}

	value, err := ReadOverflow(ctx, txn, e)
	if err != nil {
		return nil, 0, err
	}
	return value, e.Recency, nil
}

// ReadOverflow assembles an out-of-node value by acquiring each referenced
// overflow block in turn, releasing each as soon as its chunk is copied.
func ReadOverflow(ctx context.Context, txn *pager.ReadTxn, e *LeafEntry) ([]byte, error) {
	value := make([]byte, 0, e.OverflowLen)
	for _, chunkID := range e.Overflow {
		h, err := txn.AcquireBlock(ctx, chunkID)
		if err != nil {
			return nil, err
		}
		if h.Kind() != core.BlockKindOverflow {
			kind := h.Kind()
			if relErr := h.Release(); relErr != nil {
				return nil, relErr
			}
			return nil, core.NewStorageFault(chunkID, "classify",
				fmt.Errorf("expected overflow block, found %s: %w", kind, core.ErrCorrupted))
		}
		value = append(value, h.Payload()...)
		if err := h.Release(); err != nil {
			return nil, err
		}
	}
	if uint32(len(value)) != e.OverflowLen {
		return nil, core.NewStorageFault(e.Overflow[0], "assemble",
			fmt.Errorf("overflow value length %d, want %d: %w", len(value), e.OverflowLen, core.ErrCorrupted))
	}
	return value, nil
}
