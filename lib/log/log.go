package log

import (
	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"
)

var Logger = logger.GetLogger("log")

// maxSegmentSlots bounds the number of segments a log can hold so that a
// biased slot plus a 33-bit offset always fits the index's 47-bit pointer.
const maxSegmentSlots = 1<<(47-addressOffsetBits) - 1

// Log is a sequence of segments with one appendable head. All appends go
// through the head; when an entry does not fit the head is closed and a
// fresh segment is opened.
type Log struct {
	logID       uint64
	segmentSize int
	sink        BackupSink

	segments  []*Segment // slot-indexed; nil once freed by the cleaner
	head      *Segment
	nextSegID uint64
}

// NewLog creates an empty log. The first segment is opened lazily on the
// first append. Pass DiscardSink when replication is disabled.
func NewLog(logID uint64, segmentSize int, sink BackupSink) *Log {
	if sink == nil {
		sink = DiscardSink{}
	}
	return &Log{
		logID:       logID,
		segmentSize: segmentSize,
		sink:        sink,
	}
}

// Head returns the currently appendable segment, or nil before the first
// append.
func (l *Log) Head() *Segment { return l.head }

// HeadSegmentID returns the id of the head segment; zero before the first
// append.
func (l *Log) HeadSegmentID() uint64 {
	if l.head == nil {
		return 0
	}
	return l.head.id
}

func (l *Log) rollHead() error {
	if l.head != nil {
		if err := l.head.Close(); err != nil {
			return err
		}
	}
	if len(l.segments) >= maxSegmentSlots {
		return errors.Errorf("log %d out of segment slots", l.logID)
	}
	slot := len(l.segments)
	seg, err := newSegment(l.logID, l.nextSegID, slot, l.segmentSize, l.sink)
	if err != nil {
		return err
	}
	l.nextSegID++
	l.segments = append(l.segments, seg)
	l.head = seg
	Logger.Debugf("log %d opened segment %d in slot %d", l.logID, seg.id, slot)
	return nil
}

// Append writes one entry at the head, rolling to a new segment when the
// head is full. syncEntry makes the call block until the replica set has
// stored the entry.
func (l *Log) Append(t EntryType, payload []byte, syncEntry bool) (Handle, error) {
	if l.head == nil {
		if err := l.rollHead(); err != nil {
			return Handle{}, err
		}
	}
	h, err := l.head.Append(t, payload, syncEntry)
	if err == ErrSegmentFull {
		if err := l.rollHead(); err != nil {
			return Handle{}, err
		}
		h, err = l.head.Append(t, payload, syncEntry)
	}
	return h, err
}

// Sync blocks until all replicas have durably stored everything written so
// far.
func (l *Log) Sync() error {
	return l.sink.Sync()
}

// Resolve turns a packed address back into an entry handle.
func (l *Log) Resolve(addr Address) (Handle, bool) {
	slot := addr.slot()
	if slot < 0 || slot >= len(l.segments) || l.segments[slot] == nil {
		return Handle{}, false
	}
	seg := l.segments[slot]
	offset := addr.offset()
	if offset < 0 || offset+entryHeaderSize > seg.head {
		return Handle{}, false
	}
	return Handle{seg: seg, offset: offset}, true
}

// EntryKey reports the object key stored at addr, for entries that carry
// one (objects and tombstones). The index uses this to confirm matches
// behind the secondary hash.
func (l *Log) EntryKey(addr Address) (tableID uint32, objectID uint64, ok bool) {
	h, ok := l.Resolve(addr)
	if !ok {
		return 0, 0, false
	}
	switch h.Type() {
	case EntryObject:
		o, err := DecodeObject(h.UserData())
		if err != nil {
			return 0, 0, false
		}
		return o.TableID, o.ObjectID, true
	case EntryTombstone:
		t, err := DecodeTombstone(h.UserData())
		if err != nil {
			return 0, 0, false
		}
		return t.TableID, t.ObjectID, true
	default:
		return 0, 0, false
	}
}
