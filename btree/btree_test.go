package btree

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexustree/compressors"
	"github.com/INLOpen/nexustree/core"
	"github.com/INLOpen/nexustree/pager"
)

func TestSuperblockCodec(t *testing.T) {
	sb := Superblock{Root: 42, EntryCount: 1000, Recency: -5}
	decoded, err := DecodeSuperblock(EncodeSuperblock(sb))
	require.NoError(t, err)
	assert.Equal(t, sb, decoded)

	_, err = DecodeSuperblock([]byte{1, 2, 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCorrupted)
}

func TestInternalNodeCodec(t *testing.T) {
	node := &InternalNode{Children: []ChildRef{
		{FirstKey: []byte("apple"), ID: 7},
		{FirstKey: []byte("mango"), ID: 9},
		{FirstKey: []byte("zebra"), ID: 12},
	}}
	payload, err := EncodeInternalNode(node)
	require.NoError(t, err)

	decoded, err := DecodeInternalNode(payload)
	require.NoError(t, err)
	require.Len(t, decoded.Children, 3)
	assert.Equal(t, node.Children, decoded.Children)
	assert.Equal(t, []core.BlockID{7, 9, 12}, decoded.ChildIDs())

	// Truncated payloads are corruption, not panics.
	_, err = DecodeInternalNode(payload[:len(payload)-3])
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCorrupted)
}

func TestLeafNodeCodec(t *testing.T) {
	node := &LeafNode{Entries: []LeafEntry{
		{Type: core.EntryTypePut, Key: []byte("a"), Recency: 1, Value: []byte("inline")},
		{Type: core.EntryTypeDelete, Key: []byte("b"), Recency: -9},
		{Type: core.EntryTypePut, Key: []byte("c"), Recency: 3, Overflow: []core.BlockID{4, 5}, OverflowLen: 900},
	}}
	payload, err := EncodeLeafNode(node)
	require.NoError(t, err)

	decoded, err := DecodeLeafNode(payload)
	require.NoError(t, err)
	require.Len(t, decoded.Entries, 3)

	assert.Equal(t, []byte("inline"), decoded.Entries[0].Value)
	assert.False(t, decoded.Entries[0].IsOverflow())

	assert.Equal(t, core.EntryTypeDelete, decoded.Entries[1].Type)
	assert.Nil(t, decoded.Entries[1].Value)
	assert.Equal(t, int64(-9), decoded.Entries[1].Recency)

	require.True(t, decoded.Entries[2].IsOverflow())
	assert.Equal(t, []core.BlockID{4, 5}, decoded.Entries[2].Overflow)
	assert.Equal(t, uint32(900), decoded.Entries[2].OverflowLen)

	_, err = DecodeLeafNode(payload[:5])
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCorrupted)
}

func buildTree(t *testing.T, blockSize int, n int, valueFor func(i int) []byte) (string, core.BlockID) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tree.nbt")
	comp, err := compressors.GetCompressor(core.CompressionSnappy)
	require.NoError(t, err)
	w, err := pager.NewWriter(path, pager.WriterOptions{BlockSize: blockSize, Compressor: comp})
	require.NoError(t, err)

	b := NewBulkBuilder(w, nil)
	for i := 0; i < n; i++ {
		require.NoError(t, b.Add([]byte(fmt.Sprintf("key-%06d", i)), valueFor(i), int64(i), core.EntryTypePut))
	}
	root, err := b.Finish()
	require.NoError(t, err)
	return path, root
}

func TestBulkBuilderEmpty(t *testing.T) {
	path, root := buildTree(t, 4096, 0, nil)
	assert.Equal(t, core.NullBlockID, root)

	p, err := pager.Open(path, pager.Options{})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, uint64(core.NullBlockID), p.Header().Root)
	assert.Equal(t, uint64(1), p.Header().BlockCount) // superblock only
}

func TestBulkBuilderRejectsUnsortedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.nbt")
	comp, err := compressors.GetCompressor(core.CompressionNone)
	require.NoError(t, err)
	w, err := pager.NewWriter(path, pager.WriterOptions{BlockSize: 4096, Compressor: comp})
	require.NoError(t, err)
	defer w.Abort()

	b := NewBulkBuilder(w, nil)
	require.NoError(t, b.Add([]byte("mango"), []byte("1"), 1, core.EntryTypePut))
	require.Error(t, b.Add([]byte("apple"), []byte("2"), 2, core.EntryTypePut))
	require.Error(t, b.Add([]byte("mango"), []byte("3"), 3, core.EntryTypePut), "duplicate keys are rejected")
}

func TestGetPointLookup(t *testing.T) {
	path, _ := buildTree(t, 512, 600, func(i int) []byte {
		return []byte(fmt.Sprintf("value-%06d", i))
	})

	p, err := pager.Open(path, pager.Options{})
	require.NoError(t, err)
	defer p.Close()
	txn, err := p.BeginRead()
	require.NoError(t, err)
	defer txn.Close()

	for _, i := range []int{0, 1, 73, 299, 598, 599} {
		value, recency, err := Get(context.Background(), txn, []byte(fmt.Sprintf("key-%06d", i)))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("value-%06d", i)), value)
		assert.Equal(t, int64(i), recency)
	}

	_, _, err = Get(context.Background(), txn, []byte("key-999999"))
	assert.ErrorIs(t, err, core.ErrKeyNotFound)
	_, _, err = Get(context.Background(), txn, []byte("aaa"))
	assert.ErrorIs(t, err, core.ErrKeyNotFound, "a key before the first leaf key is absent")
}

func TestGetTombstone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.nbt")
	comp, err := compressors.GetCompressor(core.CompressionNone)
	require.NoError(t, err)
	w, err := pager.NewWriter(path, pager.WriterOptions{BlockSize: 4096, Compressor: comp})
	require.NoError(t, err)

	b := NewBulkBuilder(w, nil)
	require.NoError(t, b.Add([]byte("alive"), []byte("v"), 1, core.EntryTypePut))
	require.NoError(t, b.Add([]byte("dead"), nil, 2, core.EntryTypeDelete))
	_, err = b.Finish()
	require.NoError(t, err)

	p, err := pager.Open(path, pager.Options{})
	require.NoError(t, err)
	defer p.Close()
	txn, err := p.BeginRead()
	require.NoError(t, err)
	defer txn.Close()

	_, _, err = Get(context.Background(), txn, []byte("dead"))
	assert.ErrorIs(t, err, core.ErrKeyNotFound)
}

func TestGetOverflowValue(t *testing.T) {
	big := bytes.Repeat([]byte("x"), 4000)
	path, _ := buildTree(t, 512, 20, func(i int) []byte {
		if i == 10 {
			return big
		}
		return []byte("small")
	})

	p, err := pager.Open(path, pager.Options{})
	require.NoError(t, err)
	defer p.Close()
	txn, err := p.BeginRead()
	require.NoError(t, err)
	defer txn.Close()

	value, recency, err := Get(context.Background(), txn, []byte("key-000010"))
	require.NoError(t, err)
	assert.Equal(t, big, value)
	assert.Equal(t, int64(10), recency)

	stats := p.StatsSnapshot()
	assert.Equal(t, stats.BlocksAcquired, stats.BlocksReleased, "lookups must not leak handles")
}

func TestBuilderMultiLevelRecency(t *testing.T) {
	// Enough keys to force internal nodes; the superblock recency must be
	// the max over all entries.
	path, root := buildTree(t, 256, 400, func(i int) []byte { return []byte("v") })
	require.NotEqual(t, core.NullBlockID, root)

	p, err := pager.Open(path, pager.Options{})
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, int64(399), p.Header().TreeRecency)
	assert.Greater(t, p.Header().BlockCount, uint64(3), "expected a multi-node tree")

	txn, err := p.BeginRead()
	require.NoError(t, err)
	defer txn.Close()

	h, err := txn.AcquireBlock(context.Background(), core.SuperblockID)
	require.NoError(t, err)
	sb, err := DecodeSuperblock(h.Payload())
	require.NoError(t, err)
	require.NoError(t, h.Release())

	assert.Equal(t, root, sb.Root)
	assert.Equal(t, uint64(400), sb.EntryCount)
	assert.Equal(t, int64(399), sb.Recency)

	// The root must classify as an internal node for a tree this size.
	rh, err := txn.AcquireBlock(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, core.BlockKindInternal, rh.Kind())
	require.NoError(t, rh.Release())
}
