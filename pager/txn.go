package pager

import (
	"context"
	"sync/atomic"

	"github.com/INLOpen/nexustree/core"
)

// ReadTxn is a snapshotting read transaction. Tree files are immutable once
// finished, so the snapshot is simply a pinned view of the file taken when
// the transaction begins; concurrent builds of other files never perturb it.
// A ReadTxn is shared read-only by every unit of work in one traversal and
// is never mutated after creation.
type ReadTxn struct {
	pager  *Pager
	root   core.BlockID
	closed atomic.Bool
}

// Root returns the root block pointer captured when the transaction began.
// NullBlockID means an empty tree.
func (t *ReadTxn) Root() core.BlockID { return t.root }

// SubtreeRecency returns, for each identifier, the latest modification
// timestamp anywhere in the subtree rooted at that block. It is a header
// metadata lookup; no block body is acquired and no traversal state is
// touched.
func (t *ReadTxn) SubtreeRecency(ids []core.BlockID) ([]int64, error) {
	if t.closed.Load() {
		return nil, core.ErrClosed
	}
	return t.pager.subtreeRecency(ids)
}

// AcquireBlock acquires one block in read mode. The returned handle is
// exclusively owned by the caller and must be released exactly once.
func (t *ReadTxn) AcquireBlock(ctx context.Context, id core.BlockID) (*BlockHandle, error) {
	if t.closed.Load() {
		return nil, core.ErrClosed
	}
	return t.pager.acquireBlock(ctx, id)
}

// Close ends the transaction. It must not be called while handles acquired
// through it are still held.
func (t *ReadTxn) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.pager.endRead()
	return nil
}
