package log

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// --------------------------------------------------------------------------
// Backup Sink
// --------------------------------------------------------------------------

// BackupSink receives the byte stream of a segment as it is written. The
// replication manager implements it against the replica set; tests use
// recording fakes. Write is invoked with monotonically growing offsets and
// never rewrites bytes; Sync blocks until every pushed byte is durable on
// all replicas.
type BackupSink interface {
	OpenSegment(segmentID uint64)
	WriteSegment(segmentID uint64, offset int, data []byte, closed bool) error
	Sync() error
}

// DiscardSink is the sink used when replication is disabled.
type DiscardSink struct{}

func (DiscardSink) OpenSegment(uint64) {}

func (DiscardSink) WriteSegment(uint64, int, []byte, bool) error { return nil }

func (DiscardSink) Sync() error { return nil }

// --------------------------------------------------------------------------
// Handles and Addresses
// --------------------------------------------------------------------------

// Address is the packed in-log address of an entry, suitable for the
// 47-bit pointer field of an index entry. The segment slot is biased by
// one, so no valid address is ever zero.
type Address uint64

const addressOffsetBits = 33

func makeAddress(slot int, offset int) Address {
	return Address(uint64(slot+1)<<addressOffsetBits | uint64(offset))
}

func (a Address) slot() int   { return int(uint64(a)>>addressOffsetBits) - 1 }
func (a Address) offset() int { return int(uint64(a) & (1<<addressOffsetBits - 1)) }

// Handle is a stable reference to one entry. It stays valid for the life
// of the entry's segment; the index stores its Address form.
type Handle struct {
	seg    *Segment
	offset int
}

// Valid reports whether the handle refers to an entry.
func (h Handle) Valid() bool { return h.seg != nil }

// Type returns the entry's type tag.
func (h Handle) Type() EntryType { return EntryType(h.seg.buf[h.offset]) }

// UserData returns the entry's payload. The slice aliases the segment
// buffer and must not be modified.
func (h Handle) UserData() []byte {
	length := binary.LittleEndian.Uint32(h.seg.buf[h.offset+1 : h.offset+5])
	start := h.offset + entryHeaderSize
	return h.seg.buf[start : start+int(length)]
}

// SegmentID returns the id of the segment holding the entry.
func (h Handle) SegmentID() uint64 { return h.seg.id }

// Address returns the packed in-log address of the entry.
func (h Handle) Address() Address { return makeAddress(h.seg.slot, h.offset) }

// --------------------------------------------------------------------------
// Segment
// --------------------------------------------------------------------------

// ErrSegmentFull is returned by Append when the entry does not fit in the
// remaining space (always leaving room for the footer).
var ErrSegmentFull = errors.New("segment full")

// ErrSegmentClosed is returned by Append on a closed segment.
var ErrSegmentClosed = errors.New("segment closed")

// Segment is one fixed-size byte region of the log. Once closed its
// contents are immutable.
type Segment struct {
	logID uint64
	id    uint64
	slot  int
	buf   []byte
	head  int
	sum   uint32 // running checksum of buf[0:head], for the footer
	sink  BackupSink

	closed bool
}

// newSegment allocates a segment, writes its header entry, and announces
// it to the backup sink.
func newSegment(logID, id uint64, slot, size int, sink BackupSink) (*Segment, error) {
	s := &Segment{
		logID: logID,
		id:    id,
		slot:  slot,
		buf:   make([]byte, size),
		sink:  sink,
	}
	sink.OpenSegment(id)
	if _, err := s.Append(EntrySegmentHeader, encodeSegmentHeader(SegmentHeader{
		LogID:     logID,
		SegmentID: id,
	}), false); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the segment's log-wide id.
func (s *Segment) ID() uint64 { return s.id }

// Closed reports whether the segment has been sealed with a footer.
func (s *Segment) Closed() bool { return s.closed }

// Contents returns the written prefix of the segment buffer.
func (s *Segment) Contents() []byte { return s.buf[:s.head] }

// Append reserves space for one entry, writes it, and pushes the dirty
// range to the backup sink. When syncEntry is set the call does not return
// until the replica set has acknowledged everything up to the new head.
// The returned handle is stable for the life of the segment.
func (s *Segment) Append(t EntryType, payload []byte, syncEntry bool) (Handle, error) {
	if s.closed {
		return Handle{}, ErrSegmentClosed
	}
	need := entryHeaderSize + len(payload)
	// The footer must always fit after this entry.
	reserve := entryHeaderSize + footerSize
	if t == EntrySegmentFooter {
		reserve = 0
	}
	if s.head+need+reserve > len(s.buf) {
		return Handle{}, ErrSegmentFull
	}

	offset := s.head
	s.buf[offset] = byte(t)
	binary.LittleEndian.PutUint32(s.buf[offset+1:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(s.buf[offset+5:], entryChecksum(t, payload))
	copy(s.buf[offset+entryHeaderSize:], payload)
	s.head = offset + need
	s.sum = crc32.Update(s.sum, castagnoli, s.buf[offset:s.head])

	closing := t == EntrySegmentFooter
	if err := s.sink.WriteSegment(s.id, offset, s.buf[offset:s.head], closing); err != nil {
		return Handle{}, errors.Wrapf(err, "replicating segment %d", s.id)
	}
	if syncEntry {
		if err := s.sink.Sync(); err != nil {
			return Handle{}, errors.Wrapf(err, "syncing segment %d", s.id)
		}
	}
	return Handle{seg: s, offset: offset}, nil
}

// Close writes the footer and seals the segment. Closing an already closed
// segment is a no-op.
func (s *Segment) Close() error {
	if s.closed {
		return nil
	}
	footer := binary.LittleEndian.AppendUint32(make([]byte, 0, footerSize), s.sum)
	if _, err := s.Append(EntrySegmentFooter, footer, true); err != nil {
		return err
	}
	s.closed = true
	return nil
}
