package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageFault(t *testing.T) {
	cause := errors.New("read failed")
	err := NewStorageFault(BlockID(7), "read", cause)

	assert.True(t, IsStorageFault(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "block 7")
	assert.Contains(t, err.Error(), "read")

	var sf *StorageFaultError
	require.ErrorAs(t, err, &sf)
	assert.Equal(t, BlockID(7), sf.BlockID)

	// A wrapped fault is still recognizable.
	wrapped := fmt.Errorf("traversal aborted: %w", err)
	assert.True(t, IsStorageFault(wrapped))
	assert.False(t, IsStorageFault(cause))
	assert.False(t, IsStorageFault(nil))
}

func TestInvariantError(t *testing.T) {
	err := NewInvariantError("block %d released twice", 9)
	assert.True(t, IsInvariantError(err))
	assert.Contains(t, err.Error(), "block 9 released twice")

	wrapped := fmt.Errorf("close: %w", err)
	assert.True(t, IsInvariantError(wrapped))
	assert.False(t, IsInvariantError(errors.New("plain")))
}

func TestErrorClassesAreDistinct(t *testing.T) {
	fault := NewStorageFault(BlockID(1), "verify", ErrCorrupted)
	assert.True(t, IsStorageFault(fault))
	assert.False(t, IsInvariantError(fault))
	assert.ErrorIs(t, fault, ErrCorrupted)

	inv := NewInvariantError("held roster desynced")
	assert.False(t, IsStorageFault(inv))
	assert.NotErrorIs(t, inv, ErrCorrupted)
}

func TestParseCompressionType(t *testing.T) {
	cases := map[string]CompressionType{
		"none":   CompressionNone,
		"snappy": CompressionSnappy,
		"lz4":    CompressionLZ4,
		"zstd":   CompressionZSTD,
	}
	for s, want := range cases {
		got, ok := ParseCompressionType(s)
		require.True(t, ok, s)
		assert.Equal(t, want, got)
		assert.Equal(t, s, got.String())
	}

	_, ok := ParseCompressionType("brotli")
	assert.False(t, ok)
}

func TestBlockKindString(t *testing.T) {
	assert.Equal(t, "super", BlockKindSuper.String())
	assert.Equal(t, "internal", BlockKindInternal.String())
	assert.Equal(t, "leaf", BlockKindLeaf.String())
	assert.Equal(t, "overflow", BlockKindOverflow.String())
	assert.Contains(t, BlockKind(0xEE).String(), "unknown")
}

func TestBufferPoolReuse(t *testing.T) {
	buf := BufferPool.Get()
	buf.WriteString("scratch")
	BufferPool.Put(buf)

	again := BufferPool.Get()
	defer BufferPool.Put(again)
	assert.Zero(t, again.Len(), "pooled buffers come back reset")
}
