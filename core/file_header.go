package core

import (
	"encoding/binary"
	"time"
)

// FormatVersion is the current tree file format version.
const FormatVersion uint8 = 1

// TreeFileMagicNumber identifies a tree block file ("BTRF").
const TreeFileMagicNumber uint32 = 0x42545246

// FileHeader is the fixed header at offset zero of every tree block file.
// It is rewritten once by the builder when the tree is finished, carrying
// the final root pointer and block count.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano timestamp
	CompressorType CompressionType
	BlockSize      uint32
	BlockCount     uint64
	Root           uint64 // BlockID of the root node; 0 for an empty tree
	TreeRecency    int64  // max last-modified timestamp anywhere in the tree
}

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader creates a header stamped with the current time.
func NewFileHeader(compressorType CompressionType, blockSize uint32) FileHeader {
	return FileHeader{
		Magic:          TreeFileMagicNumber,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		CompressorType: compressorType,
		BlockSize:      blockSize,
		TreeRecency:    MinRecency,
	}
}
