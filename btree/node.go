// Package btree defines the node encodings of a disk-backed B-tree and a
// sorted bulk builder for constructing immutable tree files.
package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/INLOpen/nexustree/core"
)

// Superblock is the payload of the reserved first block: the root pointer
// and tree-wide bookkeeping.
type Superblock struct {
	Root       core.BlockID // NullBlockID for an empty tree
	EntryCount uint64
	Recency    int64
}

const superblockSize = 8 + 8 + 8

// EncodeSuperblock serializes a superblock payload.
func EncodeSuperblock(sb Superblock) []byte {
	buf := make([]byte, superblockSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(sb.Root))
	binary.BigEndian.PutUint64(buf[8:16], sb.EntryCount)
	binary.BigEndian.PutUint64(buf[16:24], uint64(sb.Recency))
	return buf
}

// DecodeSuperblock parses a superblock payload.
func DecodeSuperblock(payload []byte) (Superblock, error) {
	if len(payload) < superblockSize {
		return Superblock{}, fmt.Errorf("superblock payload too short (%d bytes): %w", len(payload), core.ErrCorrupted)
	}
	return Superblock{
		Root:       core.BlockID(binary.BigEndian.Uint64(payload[0:8])),
		EntryCount: binary.BigEndian.Uint64(payload[8:16]),
		Recency:    int64(binary.BigEndian.Uint64(payload[16:24])),
	}, nil
}

// ChildRef is one child pointer of an internal node: the smallest key in
// the child's subtree plus its block id.
type ChildRef struct {
	FirstKey []byte
	ID       core.BlockID
}

// InternalNode holds an ordered list of child pointers.
type InternalNode struct {
	Children []ChildRef
}

// ChildIDs returns the ordered child block ids.
func (n *InternalNode) ChildIDs() []core.BlockID {
	ids := make([]core.BlockID, len(n.Children))
	for i, c := range n.Children {
		ids[i] = c.ID
	}
	return ids
}

// encodedChildSize returns the wire size of one child pointer.
func encodedChildSize(firstKey []byte) int {
	return 2 + len(firstKey) + 8
}

// EncodeInternalNode serializes an internal node payload.
func EncodeInternalNode(n *InternalNode) ([]byte, error) {
	if len(n.Children) > math.MaxUint16 {
		return nil, fmt.Errorf("internal node has too many children: %d", len(n.Children))
	}
	var buf bytes.Buffer
	var scratch [8]byte

	binary.BigEndian.PutUint16(scratch[:2], uint16(len(n.Children)))
	buf.Write(scratch[:2])
	for _, c := range n.Children {
		if len(c.FirstKey) > math.MaxUint16 {
			return nil, fmt.Errorf("separator key too long: %d bytes", len(c.FirstKey))
		}
		binary.BigEndian.PutUint16(scratch[:2], uint16(len(c.FirstKey)))
		buf.Write(scratch[:2])
		buf.Write(c.FirstKey)
		binary.BigEndian.PutUint64(scratch[:8], uint64(c.ID))
		buf.Write(scratch[:8])
	}
	return buf.Bytes(), nil
}

// DecodeInternalNode parses an internal node payload.
func DecodeInternalNode(payload []byte) (*InternalNode, error) {
	r := &payloadReader{buf: payload}
	count, err := r.uint16()
	if err != nil {
		return nil, err
	}
	n := &InternalNode{Children: make([]ChildRef, 0, count)}
	for i := 0; i < int(count); i++ {
		key, err := r.sizedBytes16()
		if err != nil {
			return nil, err
		}
		id, err := r.uint64()
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, ChildRef{FirstKey: key, ID: core.BlockID(id)})
	}
	return n, nil
}

// LeafEntry is one key in a leaf node. A Put holds either an inline value
// or a reference to overflow blocks; a Delete is a bare tombstone.
type LeafEntry struct {
	Type    core.EntryType
	Key     []byte
	Recency int64

	Value []byte // inline value; nil for Delete and overflow entries

	// Overflow lists the blocks holding an out-of-node value, in order.
	// OverflowLen is the total value length across those chunks.
	Overflow    []core.BlockID
	OverflowLen uint32
}

// IsOverflow reports whether the entry's value lives in overflow blocks.
func (e *LeafEntry) IsOverflow() bool { return len(e.Overflow) > 0 }

const (
	valueInline   byte = 1
	valueOverflow byte = 0
)

// encodedEntrySize returns the wire size of one leaf entry.
func encodedEntrySize(e *LeafEntry) int {
	n := 1 + 2 + len(e.Key) + 8
	if e.Type == core.EntryTypeDelete {
		return n
	}
	n++ // inline flag
	if e.IsOverflow() {
		return n + 4 + 2 + 8*len(e.Overflow)
	}
	return n + 4 + len(e.Value)
}

// LeafNode holds live entries in key order.
type LeafNode struct {
	Entries []LeafEntry
}

// EncodeLeafNode serializes a leaf node payload.
func EncodeLeafNode(n *LeafNode) ([]byte, error) {
	if len(n.Entries) > math.MaxUint16 {
		return nil, fmt.Errorf("leaf node has too many entries: %d", len(n.Entries))
	}
	var buf bytes.Buffer
	var scratch [8]byte

	binary.BigEndian.PutUint16(scratch[:2], uint16(len(n.Entries)))
	buf.Write(scratch[:2])
	for i := range n.Entries {
		e := &n.Entries[i]
		if len(e.Key) > math.MaxUint16 {
			return nil, fmt.Errorf("key too long: %d bytes", len(e.Key))
		}
		switch e.Type {
		case core.EntryTypePut, core.EntryTypeDelete:
		default:
			return nil, fmt.Errorf("unknown entry type %q", e.Type)
		}

		buf.WriteByte(byte(e.Type))
		binary.BigEndian.PutUint16(scratch[:2], uint16(len(e.Key)))
		buf.Write(scratch[:2])
		buf.Write(e.Key)
		binary.BigEndian.PutUint64(scratch[:8], uint64(e.Recency))
		buf.Write(scratch[:8])

		if e.Type == core.EntryTypeDelete {
			continue
		}
		if e.IsOverflow() {
			if len(e.Overflow) > math.MaxUint16 {
				return nil, fmt.Errorf("too many overflow chunks: %d", len(e.Overflow))
			}
			buf.WriteByte(valueOverflow)
			binary.BigEndian.PutUint32(scratch[:4], e.OverflowLen)
			buf.Write(scratch[:4])
			binary.BigEndian.PutUint16(scratch[:2], uint16(len(e.Overflow)))
			buf.Write(scratch[:2])
			for _, id := range e.Overflow {
				binary.BigEndian.PutUint64(scratch[:8], uint64(id))
				buf.Write(scratch[:8])
			}
		} else {
			buf.WriteByte(valueInline)
			binary.BigEndian.PutUint32(scratch[:4], uint32(len(e.Value)))
			buf.Write(scratch[:4])
			buf.Write(e.Value)
		}
	}
	return buf.Bytes(), nil
}

// DecodeLeafNode parses a leaf node payload.
func DecodeLeafNode(payload []byte) (*LeafNode, error) {
	r := &payloadReader{buf: payload}
	count, err := r.uint16()
	if err != nil {
		return nil, err
	}
	n := &LeafNode{Entries: make([]LeafEntry, 0, count)}
	for i := 0; i < int(count); i++ {
		t, err := r.byte()
		if err != nil {
			return nil, err
		}
		e := LeafEntry{Type: core.EntryType(t)}
		if e.Key, err = r.sizedBytes16(); err != nil {
			return nil, err
		}
		rec, err := r.uint64()
		if err != nil {
			return nil, err
		}
		e.Recency = int64(rec)

		switch e.Type {
		case core.EntryTypeDelete:
		case core.EntryTypePut:
			flag, err := r.byte()
			if err != nil {
				return nil, err
			}
			switch flag {
			case valueInline:
				if e.Value, err = r.sizedBytes32(); err != nil {
					return nil, err
				}
			case valueOverflow:
				if e.OverflowLen, err = r.uint32(); err != nil {
					return nil, err
				}
				chunks, err := r.uint16()
				if err != nil {
					return nil, err
				}
				e.Overflow = make([]core.BlockID, chunks)
				for j := range e.Overflow {
					id, err := r.uint64()
					if err != nil {
						return nil, err
					}
					e.Overflow[j] = core.BlockID(id)
				}
			default:
				return nil, fmt.Errorf("unknown value flag 0x%02x: %w", flag, core.ErrCorrupted)
			}
		default:
			return nil, fmt.Errorf("unknown entry type 0x%02x: %w", t, core.ErrCorrupted)
		}
		n.Entries = append(n.Entries, e)
	}
	return n, nil
}

// payloadReader is a bounds-checked cursor over a node payload.
type payloadReader struct {
	buf []byte
	off int
}

func (r *payloadReader) remaining() int { return len(r.buf) - r.off }

func (r *payloadReader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("truncated node payload at offset %d: %w", r.off, core.ErrCorrupted)
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *payloadReader) uint16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, fmt.Errorf("truncated node payload at offset %d: %w", r.off, core.ErrCorrupted)
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *payloadReader) uint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("truncated node payload at offset %d: %w", r.off, core.ErrCorrupted)
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *payloadReader) uint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, fmt.Errorf("truncated node payload at offset %d: %w", r.off, core.ErrCorrupted)
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *payloadReader) sizedBytes16() ([]byte, error) {
	n, err := r.uint16()
	if err != nil {
		return nil, err
	}
	return r.bytes(int(n))
}

func (r *payloadReader) sizedBytes32() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	return r.bytes(int(n))
}

func (r *payloadReader) bytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("truncated node payload at offset %d (want %d bytes): %w", r.off, n, core.ErrCorrupted)
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+n])
	r.off += n
	return b, nil
}
