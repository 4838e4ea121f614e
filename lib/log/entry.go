// Package log implements the append-only segmented log that is the source
// of truth for all object bytes on a master. Segments are fixed-size byte
// buffers carrying typed, length-prefixed, checksummed entries; the head
// segment is the only writable one. Every mutation streamed to the replica
// set goes through the segment's backup sink.
package log

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------
// Entry Types
// --------------------------------------------------------------------------

// EntryType tags a log entry. The zero value is invalid so uninitialized
// bytes never parse as an entry.
type EntryType uint8

const (
	EntryInvalid EntryType = iota
	EntrySegmentHeader
	EntryObject
	EntryTombstone
	EntrySegmentFooter
)

func (t EntryType) String() string {
	switch t {
	case EntrySegmentHeader:
		return "SEGMENT_HEADER"
	case EntryObject:
		return "OBJECT"
	case EntryTombstone:
		return "TOMBSTONE"
	case EntrySegmentFooter:
		return "SEGMENT_FOOTER"
	default:
		return "INVALID"
	}
}

// entryHeaderSize is the fixed prefix of every entry:
// type u8 | length u32 | checksum u32.
const entryHeaderSize = 1 + 4 + 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// entryChecksum covers the type, the length, and the payload.
func entryChecksum(t EntryType, payload []byte) uint32 {
	var hdr [5]byte
	hdr[0] = byte(t)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	sum := crc32.Update(0, castagnoli, hdr[:])
	return crc32.Update(sum, castagnoli, payload)
}

// --------------------------------------------------------------------------
// Entry Payload Layouts
// --------------------------------------------------------------------------

// Object is the payload of an EntryObject entry.
type Object struct {
	TableID  uint32
	ObjectID uint64
	Version  uint64
	Data     []byte
}

const objectHeaderSize = 4 + 8 + 8

// EncodeObject produces the on-log payload of an object.
func EncodeObject(o Object) []byte {
	b := make([]byte, 0, objectHeaderSize+len(o.Data))
	b = binary.LittleEndian.AppendUint32(b, o.TableID)
	b = binary.LittleEndian.AppendUint64(b, o.ObjectID)
	b = binary.LittleEndian.AppendUint64(b, o.Version)
	return append(b, o.Data...)
}

// DecodeObject parses an EntryObject payload. The returned Data aliases b.
func DecodeObject(b []byte) (Object, error) {
	if len(b) < objectHeaderSize {
		return Object{}, errors.Errorf("object payload too short: %d bytes", len(b))
	}
	return Object{
		TableID:  binary.LittleEndian.Uint32(b[0:4]),
		ObjectID: binary.LittleEndian.Uint64(b[4:12]),
		Version:  binary.LittleEndian.Uint64(b[12:20]),
		Data:     b[objectHeaderSize:],
	}, nil
}

// Tombstone is the payload of an EntryTombstone entry. SegmentID names the
// segment that held the deleted object, for the cleaner.
type Tombstone struct {
	TableID   uint32
	ObjectID  uint64
	Version   uint64
	SegmentID uint64
}

const tombstoneSize = 4 + 8 + 8 + 8

// EncodeTombstone produces the on-log payload of a tombstone.
func EncodeTombstone(t Tombstone) []byte {
	b := make([]byte, 0, tombstoneSize)
	b = binary.LittleEndian.AppendUint32(b, t.TableID)
	b = binary.LittleEndian.AppendUint64(b, t.ObjectID)
	b = binary.LittleEndian.AppendUint64(b, t.Version)
	return binary.LittleEndian.AppendUint64(b, t.SegmentID)
}

// DecodeTombstone parses an EntryTombstone payload.
func DecodeTombstone(b []byte) (Tombstone, error) {
	if len(b) < tombstoneSize {
		return Tombstone{}, errors.Errorf("tombstone payload too short: %d bytes", len(b))
	}
	return Tombstone{
		TableID:   binary.LittleEndian.Uint32(b[0:4]),
		ObjectID:  binary.LittleEndian.Uint64(b[4:12]),
		Version:   binary.LittleEndian.Uint64(b[12:20]),
		SegmentID: binary.LittleEndian.Uint64(b[20:28]),
	}, nil
}

// SegmentHeader is the payload of the first entry of every segment.
type SegmentHeader struct {
	LogID     uint64
	SegmentID uint64
}

const segmentHeaderSize = 8 + 8

func encodeSegmentHeader(h SegmentHeader) []byte {
	b := make([]byte, 0, segmentHeaderSize)
	b = binary.LittleEndian.AppendUint64(b, h.LogID)
	return binary.LittleEndian.AppendUint64(b, h.SegmentID)
}

// DecodeSegmentHeader parses an EntrySegmentHeader payload.
func DecodeSegmentHeader(b []byte) (SegmentHeader, error) {
	if len(b) < segmentHeaderSize {
		return SegmentHeader{}, errors.Errorf("segment header too short: %d bytes", len(b))
	}
	return SegmentHeader{
		LogID:     binary.LittleEndian.Uint64(b[0:8]),
		SegmentID: binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

// footerSize is the payload of an EntrySegmentFooter: a u32 checksum of
// every byte that precedes the footer entry.
const footerSize = 4

// --------------------------------------------------------------------------
// Entry Iteration
// --------------------------------------------------------------------------

// ForEachEntry walks the entries of a raw segment image in log order,
// verifying each entry's checksum, and calls fn for every entry. Iteration
// stops at the footer, at the first zero (unwritten) byte, or when fn
// returns an error.
func ForEachEntry(data []byte, fn func(t EntryType, payload []byte) error) error {
	off := 0
	for off+entryHeaderSize <= len(data) {
		t := EntryType(data[off])
		if t == EntryInvalid {
			return nil
		}
		length := binary.LittleEndian.Uint32(data[off+1 : off+5])
		sum := binary.LittleEndian.Uint32(data[off+5 : off+9])
		end := off + entryHeaderSize + int(length)
		if end > len(data) {
			return errors.Errorf("truncated entry at offset %d", off)
		}
		payload := data[off+entryHeaderSize : end]
		if entryChecksum(t, payload) != sum {
			return errors.Errorf("checksum mismatch for %s entry at offset %d", t, off)
		}
		if err := fn(t, payload); err != nil {
			return err
		}
		if t == EntrySegmentFooter {
			return nil
		}
		off = end
	}
	return nil
}
