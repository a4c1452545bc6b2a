package btree

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexustree/core"
	"github.com/INLOpen/nexustree/pager"
)

// BulkBuilder constructs an immutable tree file from entries supplied in
// strictly ascending key order. Leaves fill bottom-up; each finished node
// records its subtree recency (the max last-modified timestamp beneath it)
// in its slot header. Values too large to inline are split across overflow
// blocks written ahead of their leaf.
//
// This is construction of a new file, not the engine's write path; in-place
// mutation, splitting and compaction are out of scope.
type BulkBuilder struct {
	w      *pager.Writer
	logger *slog.Logger

	leaf       LeafNode
	leafSize   int // encoded payload size of the pending leaf
	leafRec    int64
	lastKey    []byte
	entryCount uint64
	treeRec    int64

	// levels[i] holds finished-but-unparented nodes of height i+1.
	levels []pendingLevel

	finished bool
}

type pendingChild struct {
	ref     ChildRef
	recency int64
}

type pendingLevel struct {
	children []pendingChild
	size     int // encoded payload size of the pending internal node
}

const nodeHeaderSize = 2

// NewBulkBuilder creates a builder writing through w.
func NewBulkBuilder(w *pager.Writer, logger *slog.Logger) *BulkBuilder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BulkBuilder{
		w:        w,
		logger:   logger.With("component", "btree-builder"),
		leaf:     LeafNode{},
		leafSize: nodeHeaderSize,
		leafRec:  core.MinRecency,
		treeRec:  core.MinRecency,
	}
}

// inlineLimit is the largest value stored inline in a leaf. Larger values
// go to overflow blocks so a single entry cannot dominate a leaf.
func (b *BulkBuilder) inlineLimit() int {
	return b.w.MaxPayload() / 4
}

// Add appends one entry. Keys must arrive in strictly ascending order.
// recency is the entry's last-modified timestamp. A Delete adds a tombstone
// and ignores value.
func (b *BulkBuilder) Add(key, value []byte, recency int64, entryType core.EntryType) error {
	if b.finished {
		return fmt.Errorf("builder already finished")
	}
	if len(key) == 0 {
		return fmt.Errorf("empty key")
	}
	if b.lastKey != nil && bytes.Compare(key, b.lastKey) <= 0 {
		return fmt.Errorf("keys must be added in strictly ascending order: %q after %q", key, b.lastKey)
	}

	entry := LeafEntry{
		Type:    entryType,
		Key:     bytes.Clone(key),
		Recency: recency,
	}
	if entryType == core.EntryTypePut {
		if len(value) > b.inlineLimit() {
			overflow, err := b.writeOverflow(value, recency)
			if err != nil {
				return err
			}
			entry.Overflow = overflow
			entry.OverflowLen = uint32(len(value))
		} else {
			entry.Value = bytes.Clone(value)
		}
	}

	entrySize := encodedEntrySize(&entry)
	if entrySize > b.w.MaxPayload()-nodeHeaderSize {
		return fmt.Errorf("entry for key %q does not fit a leaf (%d bytes)", key, entrySize)
	}
	if b.leafSize+entrySize > b.w.MaxPayload() {
		if err := b.flushLeaf(); err != nil {
			return err
		}
	}

	b.leaf.Entries = append(b.leaf.Entries, entry)
	b.leafSize += entrySize
	if recency > b.leafRec {
		b.leafRec = recency
	}
	if recency > b.treeRec {
		b.treeRec = recency
	}
	b.lastKey = bytes.Clone(key)
	b.entryCount++
	return nil
}

// writeOverflow splits a large value into chunk blocks. Chunks carry the
// owning entry's recency so recency-pruned traversals skip them too.
func (b *BulkBuilder) writeOverflow(value []byte, recency int64) ([]core.BlockID, error) {
	chunkSize := b.w.MaxPayload()
	var ids []core.BlockID
	for off := 0; off < len(value); off += chunkSize {
		end := off + chunkSize
		if end > len(value) {
			end = len(value)
		}
		id, err := b.w.AppendBlock(core.BlockKindOverflow, recency, value[off:end])
		if err != nil {
			return nil, fmt.Errorf("failed to write overflow chunk: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// flushLeaf writes the pending leaf and registers it with its parent level.
func (b *BulkBuilder) flushLeaf() error {
	if len(b.leaf.Entries) == 0 {
		return nil
	}
	payload, err := EncodeLeafNode(&b.leaf)
	if err != nil {
		return err
	}
	id, err := b.w.AppendBlock(core.BlockKindLeaf, b.leafRec, payload)
	if err != nil {
		return fmt.Errorf("failed to write leaf: %w", err)
	}

	first := b.leaf.Entries[0].Key
	if err := b.pushChild(0, pendingChild{ref: ChildRef{FirstKey: first, ID: id}, recency: b.leafRec}); err != nil {
		return err
	}

	b.leaf = LeafNode{}
	b.leafSize = nodeHeaderSize
	b.leafRec = core.MinRecency
	return nil
}

// pushChild adds a finished node to level, flushing that level's pending
// internal node first when the child would not fit.
func (b *BulkBuilder) pushChild(level int, child pendingChild) error {
	for len(b.levels) <= level {
		b.levels = append(b.levels, pendingLevel{size: nodeHeaderSize})
	}
	l := &b.levels[level]

	childSize := encodedChildSize(child.ref.FirstKey)
	if len(l.children) > 0 && l.size+childSize > b.w.MaxPayload() {
		if err := b.flushInternal(level); err != nil {
			return err
		}
		l = &b.levels[level]
	}
	l.children = append(l.children, child)
	l.size += childSize
	return nil
}

// flushInternal writes the pending internal node at level and pushes it to
// level+1.
func (b *BulkBuilder) flushInternal(level int) error {
	l := &b.levels[level]
	if len(l.children) == 0 {
		return nil
	}

	node := InternalNode{Children: make([]ChildRef, len(l.children))}
	recency := core.MinRecency
	for i, c := range l.children {
		node.Children[i] = c.ref
		if c.recency > recency {
			recency = c.recency
		}
	}
	payload, err := EncodeInternalNode(&node)
	if err != nil {
		return err
	}
	id, err := b.w.AppendBlock(core.BlockKindInternal, recency, payload)
	if err != nil {
		return fmt.Errorf("failed to write internal node: %w", err)
	}

	first := node.Children[0].FirstKey
	b.levels[level] = pendingLevel{size: nodeHeaderSize}
	return b.pushChild(level+1, pendingChild{ref: ChildRef{FirstKey: first, ID: id}, recency: recency})
}

// Finish flushes all pending nodes, writes the superblock and seals the
// file. It returns the root block id (NullBlockID for an empty tree).
func (b *BulkBuilder) Finish() (core.BlockID, error) {
	if b.finished {
		return core.NullBlockID, fmt.Errorf("builder already finished")
	}
	b.finished = true

	if err := b.flushLeaf(); err != nil {
		return core.NullBlockID, err
	}

	root := core.NullBlockID
	// Cascade partial internal nodes upward. A level that ends up with a
	// single parentless child collapses into that child.
	for level := 0; level < len(b.levels); level++ {
		l := &b.levels[level]
		if len(l.children) == 0 {
			continue
		}
		if len(l.children) == 1 && level == len(b.levels)-1 {
			root = l.children[0].ref.ID
			break
		}
		if err := b.flushInternal(level); err != nil {
			return core.NullBlockID, err
		}
	}
	super := Superblock{Root: root, EntryCount: b.entryCount, Recency: b.treeRec}
	if err := b.w.WriteSuperblock(EncodeSuperblock(super), b.treeRec); err != nil {
		return core.NullBlockID, err
	}
	if err := b.w.Finish(root); err != nil {
		return core.NullBlockID, err
	}
	b.logger.Debug("built tree", "entries", b.entryCount, "root", root)
	return root, nil
}

// Abort discards the partially built file.
func (b *BulkBuilder) Abort() error {
	b.finished = true
	return b.w.Abort()
}
