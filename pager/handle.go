package pager

import (
	"sync/atomic"

	"github.com/INLOpen/nexustree/core"
)

// BlockHandle is an exclusively-owned, scoped acquisition of one block. It
// is created only by ReadTxn.AcquireBlock and must be released exactly once.
// Handles are never shared between goroutines; ownership moves with the
// unit of work that acquired them.
type BlockHandle struct {
	id       core.BlockID
	kind     core.BlockKind
	payload  []byte
	released atomic.Bool
	pager    *Pager
}

// ID returns the block identifier this handle holds.
func (h *BlockHandle) ID() core.BlockID { return h.id }

// Kind classifies the held block as internal, leaf, overflow or superblock.
func (h *BlockHandle) Kind() core.BlockKind { return h.kind }

// Payload returns the decoded (decompressed) node payload. It returns nil
// after Release; callers must finish decoding before releasing.
func (h *BlockHandle) Payload() []byte {
	if h.released.Load() {
		return nil
	}
	return h.payload
}

// Release gives the block back. Releasing twice is an invariant violation.
func (h *BlockHandle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return core.NewInvariantError("block %d released twice", h.id)
	}
	h.payload = nil
	h.pager.noteReleased()
	return nil
}

// Released reports whether Release has been called.
func (h *BlockHandle) Released() bool { return h.released.Load() }
