package pager

import (
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/nexustree/core"
)

// Each block occupies one fixed-size slot. A slot starts with an 18-byte
// header followed by the (possibly compressed) node payload:
//
//	crc32(payload) uint32 | kind uint8 | compression uint8 |
//	payloadLen uint32 | recency int64
//
// The header alone carries the block's subtree recency, so recency lookups
// never touch block bodies.
const slotHeaderSize = 4 + 1 + 1 + 4 + 8

type slotHeader struct {
	Checksum    uint32
	Kind        core.BlockKind
	Compression core.CompressionType
	PayloadLen  uint32
	Recency     int64
}

func encodeSlotHeader(buf []byte, h slotHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Checksum)
	buf[4] = byte(h.Kind)
	buf[5] = byte(h.Compression)
	binary.LittleEndian.PutUint32(buf[6:10], h.PayloadLen)
	binary.LittleEndian.PutUint64(buf[10:18], uint64(h.Recency))
}

func decodeSlotHeader(buf []byte) (slotHeader, error) {
	if len(buf) < slotHeaderSize {
		return slotHeader{}, fmt.Errorf("slot header too short: %d bytes: %w", len(buf), core.ErrCorrupted)
	}
	h := slotHeader{
		Checksum:    binary.LittleEndian.Uint32(buf[0:4]),
		Kind:        core.BlockKind(buf[4]),
		Compression: core.CompressionType(buf[5]),
		PayloadLen:  binary.LittleEndian.Uint32(buf[6:10]),
		Recency:     int64(binary.LittleEndian.Uint64(buf[10:18])),
	}
	switch h.Kind {
	case core.BlockKindSuper, core.BlockKindInternal, core.BlockKindLeaf, core.BlockKindOverflow:
	default:
		return slotHeader{}, fmt.Errorf("unknown block kind 0x%02x: %w", buf[4], core.ErrCorrupted)
	}
	return h, nil
}

// MaxPayloadSize returns the largest node payload that fits a slot for the
// given block size.
func MaxPayloadSize(blockSize int) int {
	return blockSize - slotHeaderSize
}
