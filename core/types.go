package core

import (
	"bytes"
	"fmt"
	"io"
	"math"
)

// BlockID identifies a fixed-size block in a tree file. IDs are 1-based;
// NullBlockID is the null child pointer.
type BlockID uint64

const (
	// NullBlockID denotes "no block". An empty tree has a null root.
	NullBlockID BlockID = 0
	// SuperblockID is the first slot of every tree file and holds the root
	// pointer and tree-wide metadata.
	SuperblockID BlockID = 1
)

// MinRecency is the distinguished minimum modification timestamp. A block
// whose subtree recency is MinRecency has never been modified.
const MinRecency int64 = math.MinInt64

// BlockKind classifies a block's payload on acquisition.
type BlockKind byte

const (
	BlockKindSuper    BlockKind = 'S'
	BlockKindInternal BlockKind = 'I'
	BlockKindLeaf     BlockKind = 'L'
	BlockKindOverflow BlockKind = 'O'
)

// String returns the string representation of the BlockKind.
func (k BlockKind) String() string {
	switch k {
	case BlockKindSuper:
		return "super"
	case BlockKindInternal:
		return "internal"
	case BlockKindLeaf:
		return "leaf"
	case BlockKindOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// EntryType defines the type of a leaf entry.
type EntryType byte

const (
	// EntryTypePut represents a live key/value pair.
	EntryTypePut EntryType = 'P'
	// EntryTypeDelete represents a tombstone. Tombstones are still delivered
	// by a backfill so a replica can drop the key.
	EntryTypeDelete EntryType = 'D'
)

func (t EntryType) String() string {
	switch t {
	case EntryTypePut:
		return "put"
	case EntryTypeDelete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Pair is one unit of backfill output: a live key/value pair or a deletion
// marker, together with its last-modified timestamp.
type Pair struct {
	Key     []byte
	Value   []byte // nil for EntryTypeDelete
	Recency int64
	Type    EntryType
}

// PairFunc receives one qualifying pair. It may be invoked from multiple
// concurrent traversal goroutines; a non-nil return aborts the backfill.
type PairFunc func(p Pair) error

// BackfillStatus is the terminal status reported through DoneFunc.
type BackfillStatus int

const (
	BackfillCompleted BackfillStatus = iota
	BackfillCancelled
	BackfillFailed
)

func (s BackfillStatus) String() string {
	switch s {
	case BackfillCompleted:
		return "completed"
	case BackfillCancelled:
		return "cancelled"
	case BackfillFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DoneFunc is invoked exactly once when a backfill terminates. err is nil
// unless status is BackfillFailed.
type DoneFunc func(status BackfillStatus, err error)

// CompressionType identifies the compression algorithm used for block
// payloads. It is stored in each slot header so readers know how to
// decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// Compressor defines the interface for compression and decompression algorithms.
type Compressor interface {
	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)
	CompressTo(dst *bytes.Buffer, src []byte) error
	// Decompress decompresses the input data.
	Decompress(data []byte) (io.ReadCloser, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType maps a config string to a CompressionType.
func ParseCompressionType(s string) (CompressionType, bool) {
	switch s {
	case "", "none":
		return CompressionNone, true
	case "snappy":
		return CompressionSnappy, true
	case "lz4":
		return CompressionLZ4, true
	case "zstd":
		return CompressionZSTD, true
	default:
		return CompressionNone, false
	}
}
