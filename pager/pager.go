package pager

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/nexustree/cache"
	"github.com/INLOpen/nexustree/compressors"
	"github.com/INLOpen/nexustree/core"
)

// Options configures a Pager opened for reading.
type Options struct {
	// BlockCache, if non-nil, caches decompressed payloads by BlockID.
	BlockCache cache.Interface
	Tracer     trace.Tracer // optional
	Logger     *slog.Logger // optional
}

// Stats is a snapshot of the pager's acquisition counters. Tests use the
// acquire/release balance to verify handle hygiene and the acquisition
// count to verify subtree pruning.
type Stats struct {
	BlocksAcquired uint64
	BlocksReleased uint64
	DiskReads      uint64
}

// Pager serves read access to one immutable tree block file. Blocks are
// handed out as exclusively-owned BlockHandles; per-block subtree recency
// is answered from an in-memory table built from slot headers alone.
type Pager struct {
	mu     sync.Mutex
	file   *os.File
	header core.FileHeader
	closed bool
	txns   int // open read transactions

	// recency[i] and kinds[i] describe block i+1. Loaded once at Open by
	// scanning slot headers, never block bodies.
	recency []int64
	kinds   []core.BlockKind

	blockCache cache.Interface
	tracer     trace.Tracer
	logger     *slog.Logger

	acquired atomic.Uint64
	released atomic.Uint64
	reads    atomic.Uint64
}

// Open opens a finished tree file for reading.
func Open(path string, opts Options) (*Pager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tree file %s: %w", path, err)
	}

	var header core.FileHeader
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read tree file header: %w", err)
	}
	if header.Magic != core.TreeFileMagicNumber {
		f.Close()
		return nil, fmt.Errorf("bad magic 0x%08x in %s: %w", header.Magic, path, core.ErrCorrupted)
	}
	if header.Version != core.FormatVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported tree file version %d", header.Version)
	}
	if header.BlockSize < uint32(slotHeaderSize)+1 {
		f.Close()
		return nil, fmt.Errorf("implausible block size %d: %w", header.BlockSize, core.ErrCorrupted)
	}

	p := &Pager{
		file:       f,
		header:     header,
		blockCache: opts.BlockCache,
		tracer:     opts.Tracer,
		logger:     logger.With("component", "pager"),
	}
	if err := p.loadRecencyIndex(); err != nil {
		f.Close()
		return nil, err
	}

	p.logger.Debug("opened tree file",
		"path", path,
		"blocks", header.BlockCount,
		"block_size", header.BlockSize,
		"root", header.Root,
		"compression", header.CompressorType.String())
	return p, nil
}

// loadRecencyIndex reads every slot header into the in-memory recency and
// kind tables.
func (p *Pager) loadRecencyIndex() error {
	n := p.header.BlockCount
	p.recency = make([]int64, n)
	p.kinds = make([]core.BlockKind, n)

	buf := make([]byte, slotHeaderSize)
	for i := uint64(0); i < n; i++ {
		id := core.BlockID(i + 1)
		if _, err := p.file.ReadAt(buf, p.slotOffset(id)); err != nil {
			return core.NewStorageFault(id, "read-header", err)
		}
		sh, err := decodeSlotHeader(buf)
		if err != nil {
			return core.NewStorageFault(id, "decode-header", err)
		}
		p.recency[i] = sh.Recency
		p.kinds[i] = sh.Kind
	}
	return nil
}

func (p *Pager) slotOffset(id core.BlockID) int64 {
	return int64(p.header.Size()) + int64(uint64(id)-1)*int64(p.header.BlockSize)
}

// Header returns a copy of the file header.
func (p *Pager) Header() core.FileHeader { return p.header }

// StatsSnapshot returns the current acquisition counters.
func (p *Pager) StatsSnapshot() Stats {
	return Stats{
		BlocksAcquired: p.acquired.Load(),
		BlocksReleased: p.released.Load(),
		DiskReads:      p.reads.Load(),
	}
}

func (p *Pager) noteReleased() { p.released.Add(1) }

// subtreeRecency answers the batched metadata lookup for a ReadTxn.
func (p *Pager) subtreeRecency(ids []core.BlockID) ([]int64, error) {
	out := make([]int64, len(ids))
	for i, id := range ids {
		if id == core.NullBlockID || uint64(id) > uint64(len(p.recency)) {
			return nil, core.NewStorageFault(id, "recency", fmt.Errorf("block id out of range (have %d blocks)", len(p.recency)))
		}
		out[i] = p.recency[uint64(id)-1]
	}
	return out, nil
}

// acquireBlock reads, verifies and decodes one block and wraps it in an
// exclusively-owned handle. It may block on storage I/O; ctx aborts the
// wait before the read is issued.
func (p *Pager) acquireBlock(ctx context.Context, id core.BlockID) (*BlockHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == core.NullBlockID || uint64(id) > uint64(len(p.kinds)) {
		return nil, core.NewStorageFault(id, "acquire", fmt.Errorf("block id out of range (have %d blocks)", len(p.kinds)))
	}

	var span trace.Span
	if p.tracer != nil {
		_, span = p.tracer.Start(ctx, "Pager.acquireBlock")
		span.SetAttributes(attribute.Int64("pager.block_id", int64(id)))
		defer span.End()
	}

	// Cache path: payloads are cached decompressed.
	if p.blockCache != nil {
		if payload, found := p.blockCache.Get(id); found {
			if span != nil {
				span.SetAttributes(attribute.Bool("cache.hit", true))
			}
			p.acquired.Add(1)
			return &BlockHandle{id: id, kind: p.kinds[uint64(id)-1], payload: payload, pager: p}, nil
		}
		if span != nil {
			span.SetAttributes(attribute.Bool("cache.hit", false))
		}
	}

	payload, kind, err := p.readAndVerifySlot(id)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "read_slot_failed")
		}
		return nil, err
	}

	if p.blockCache != nil {
		p.blockCache.Put(id, payload)
	}

	p.acquired.Add(1)
	return &BlockHandle{id: id, kind: kind, payload: payload, pager: p}, nil
}

// readAndVerifySlot reads one slot from disk, checks its crc32 and
// decompresses the payload.
func (p *Pager) readAndVerifySlot(id core.BlockID) ([]byte, core.BlockKind, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, 0, core.ErrClosed
	}
	p.mu.Unlock()

	p.reads.Add(1)
	slot := make([]byte, p.header.BlockSize)
	if _, err := p.file.ReadAt(slot, p.slotOffset(id)); err != nil {
		return nil, 0, core.NewStorageFault(id, "read", err)
	}

	sh, err := decodeSlotHeader(slot)
	if err != nil {
		return nil, 0, core.NewStorageFault(id, "decode-header", err)
	}
	if int(sh.PayloadLen) > len(slot)-slotHeaderSize {
		return nil, 0, core.NewStorageFault(id, "decode-header",
			fmt.Errorf("payload length %d exceeds slot: %w", sh.PayloadLen, core.ErrCorrupted))
	}
	raw := slot[slotHeaderSize : slotHeaderSize+int(sh.PayloadLen)]

	if actual := crc32.ChecksumIEEE(raw); actual != sh.Checksum {
		return nil, 0, core.NewStorageFault(id, "verify",
			fmt.Errorf("checksum mismatch: got 0x%08x, want 0x%08x: %w", actual, sh.Checksum, core.ErrCorrupted))
	}

	compressor, err := compressors.GetCompressor(sh.Compression)
	if err != nil {
		return nil, 0, core.NewStorageFault(id, "decompress", err)
	}
	rc, err := compressor.Decompress(raw)
	if err != nil {
		return nil, 0, core.NewStorageFault(id, "decompress", err)
	}
	defer rc.Close()

	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, 0, core.NewStorageFault(id, "decompress", err)
	}
	payload := bytes.Clone(buf.Bytes())

	return payload, sh.Kind, nil
}

// BeginRead opens a read transaction pinned to the file's (immutable)
// state. The returned transaction is shared read-only by all units of work
// in one traversal.
func (p *Pager) BeginRead() (*ReadTxn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, core.ErrClosed
	}
	p.txns++
	return &ReadTxn{pager: p, root: core.BlockID(p.header.Root)}, nil
}

func (p *Pager) endRead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txns--
}

// Close closes the underlying file. Closing with open transactions or an
// acquire/release imbalance is an invariant violation.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if p.txns > 0 {
		return core.NewInvariantError("pager closed with %d open read transactions", p.txns)
	}
	if a, r := p.acquired.Load(), p.released.Load(); a != r {
		return core.NewInvariantError("pager closed with unbalanced handles: %d acquired, %d released", a, r)
	}
	p.closed = true
	return p.file.Close()
}
