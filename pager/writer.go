package pager

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"

	"github.com/INLOpen/nexustree/core"
)

// WriterOptions holds configuration for creating a new tree file.
type WriterOptions struct {
	BlockSize  int
	Compressor core.Compressor
	Logger     *slog.Logger // optional
}

// Writer builds a tree block file slot by slot. Blocks are appended (the
// bulk builder assigns ids bottom-up) and the header is rewritten once on
// Finish with the final root pointer. The written file is immutable; this
// is construction, not a mutation path.
type Writer struct {
	filePath  string
	finalPath string
	file      *os.File
	header    core.FileHeader

	blockSize  int
	compressor core.Compressor
	next       core.BlockID
	superDone  bool
	logger     *slog.Logger

	compressBuf bytes.Buffer
	finished    bool
}

// NewWriter creates a writer building the tree file at path. It writes to a
// temporary file which is renamed into place on Finish.
func NewWriter(path string, opts WriterOptions) (*Writer, error) {
	if opts.Compressor == nil {
		return nil, fmt.Errorf("writer requires a compressor")
	}
	if opts.BlockSize < slotHeaderSize+64 {
		return nil, fmt.Errorf("block size %d too small", opts.BlockSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	tempFilePath := path + ".tmp"
	file, err := os.OpenFile(tempFilePath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary tree file %s: %w", tempFilePath, err)
	}

	header := core.NewFileHeader(opts.Compressor.Type(), uint32(opts.BlockSize))
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		os.Remove(tempFilePath)
		return nil, fmt.Errorf("failed to write tree file header: %w", err)
	}

	return &Writer{
		filePath:   tempFilePath,
		finalPath:  path,
		file:       file,
		header:     header,
		blockSize:  opts.BlockSize,
		compressor: opts.Compressor,
		// Slot 1 is reserved for the superblock, written last once the
		// root is known.
		next:   core.SuperblockID + 1,
		logger: logger,
	}, nil
}

// MaxPayload returns the largest node payload a single slot can carry
// before compression.
func (w *Writer) MaxPayload() int {
	return MaxPayloadSize(w.blockSize)
}

// NextID returns the id the next AppendBlock call will assign.
func (w *Writer) NextID() core.BlockID { return w.next }

// AppendBlock writes one block and returns its assigned id. recency is the
// subtree recency recorded in the slot header. The payload must fit the
// slot uncompressed; if compression does not help, the block is stored raw.
func (w *Writer) AppendBlock(kind core.BlockKind, recency int64, payload []byte) (core.BlockID, error) {
	if w.finished {
		return core.NullBlockID, fmt.Errorf("writer already finished")
	}
	maxPayload := w.MaxPayload()
	if len(payload) > maxPayload {
		return core.NullBlockID, fmt.Errorf("node payload %d bytes exceeds slot capacity %d", len(payload), maxPayload)
	}

	w.compressBuf.Reset()
	if err := w.compressor.CompressTo(&w.compressBuf, payload); err != nil {
		return core.NullBlockID, fmt.Errorf("failed to compress block payload: %w", err)
	}
	stored := w.compressBuf.Bytes()
	compression := w.compressor.Type()
	if len(stored) > maxPayload {
		// Incompressible payload grew past the slot; store it raw.
		stored = payload
		compression = core.CompressionNone
	}

	slot := make([]byte, w.blockSize)
	encodeSlotHeader(slot, slotHeader{
		Checksum:    crc32.ChecksumIEEE(stored),
		Kind:        kind,
		Compression: compression,
		PayloadLen:  uint32(len(stored)),
		Recency:     recency,
	})
	copy(slot[slotHeaderSize:], stored)

	id := w.next
	if err := w.writeSlot(id, slot); err != nil {
		return core.NullBlockID, err
	}

	w.next++
	if recency > w.header.TreeRecency {
		w.header.TreeRecency = recency
	}
	return id, nil
}

// WriteSuperblock fills the reserved first slot. recency is the whole
// tree's recency so a recency scan over all slots stays consistent.
func (w *Writer) WriteSuperblock(payload []byte, recency int64) error {
	if w.finished {
		return fmt.Errorf("writer already finished")
	}
	if w.superDone {
		return fmt.Errorf("superblock already written")
	}
	if len(payload) > w.MaxPayload() {
		return fmt.Errorf("superblock payload %d bytes exceeds slot capacity %d", len(payload), w.MaxPayload())
	}

	slot := make([]byte, w.blockSize)
	encodeSlotHeader(slot, slotHeader{
		Checksum:    crc32.ChecksumIEEE(payload),
		Kind:        core.BlockKindSuper,
		Compression: core.CompressionNone,
		PayloadLen:  uint32(len(payload)),
		Recency:     recency,
	})
	copy(slot[slotHeaderSize:], payload)

	if err := w.writeSlot(core.SuperblockID, slot); err != nil {
		return err
	}
	w.superDone = true
	return nil
}

func (w *Writer) writeSlot(id core.BlockID, slot []byte) error {
	offset := int64(w.header.Size()) + int64(uint64(id)-1)*int64(w.blockSize)
	if _, err := w.file.WriteAt(slot, offset); err != nil {
		return fmt.Errorf("failed to write block %d: %w", id, err)
	}
	return nil
}

// Finish stamps the header with the root pointer and block count, syncs and
// renames the file into place.
func (w *Writer) Finish(root core.BlockID) error {
	if w.finished {
		return fmt.Errorf("writer already finished")
	}
	if !w.superDone {
		return fmt.Errorf("superblock not written")
	}
	w.finished = true

	w.header.Root = uint64(root)
	w.header.BlockCount = uint64(w.next) - 1

	var headerBuf bytes.Buffer
	if err := binary.Write(&headerBuf, binary.LittleEndian, &w.header); err != nil {
		return fmt.Errorf("failed to encode final header: %w", err)
	}
	if _, err := w.file.WriteAt(headerBuf.Bytes(), 0); err != nil {
		return fmt.Errorf("failed to rewrite header: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync tree file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close tree file: %w", err)
	}
	if err := os.Rename(w.filePath, w.finalPath); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", w.filePath, w.finalPath, err)
	}
	w.logger.Debug("finished tree file", "path", w.finalPath, "blocks", w.header.BlockCount, "root", root)
	return nil
}

// Abort discards the partially written file.
func (w *Writer) Abort() error {
	if w.finished {
		return nil
	}
	w.finished = true
	w.file.Close()
	return os.Remove(w.filePath)
}
