package core

import (
	"bytes"
	"sync"
)

// DefaultBlockDecompressionSize is the initial capacity of pooled buffers,
// sized to a typical decompressed block.
const DefaultBlockDecompressionSize = 8 * 1024

// BufferPool is a shared pool of *bytes.Buffer used on block compress and
// decompress paths to avoid per-block allocations.
var BufferPool = &bufferPool{
	pool: sync.Pool{
		New: func() interface{} {
			b := &bytes.Buffer{}
			b.Grow(DefaultBlockDecompressionSize)
			return b
		},
	},
}

type bufferPool struct {
	pool sync.Pool
}

// Get retrieves an empty buffer from the pool.
func (p *bufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

// Put resets the buffer and returns it to the pool.
func (p *bufferPool) Put(b *bytes.Buffer) {
	b.Reset()
	p.pool.Put(b)
}
