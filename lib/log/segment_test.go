package log

import (
	"bytes"
	"sync"
	"testing"
)

// recordingSink captures everything the log pushes at its replica set.
type recordingSink struct {
	mu     sync.Mutex
	opened []uint64
	writes []recordedWrite
	syncs  int
}

type recordedWrite struct {
	segmentID uint64
	offset    int
	data      []byte
	closed    bool
}

func (s *recordingSink) OpenSegment(segmentID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, segmentID)
}

func (s *recordingSink) WriteSegment(segmentID uint64, offset int, data []byte, closed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, recordedWrite{
		segmentID: segmentID,
		offset:    offset,
		data:      append([]byte(nil), data...),
		closed:    closed,
	})
	return nil
}

func (s *recordingSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncs++
	return nil
}

func TestSegmentAppendAndIterate(t *testing.T) {
	l := NewLog(7, 4096, nil)

	obj := Object{TableID: 1, ObjectID: 2, Version: 3, Data: []byte("hello")}
	h, err := l.Append(EntryObject, EncodeObject(obj), false)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if h.Type() != EntryObject {
		t.Errorf("handle type %s", h.Type())
	}
	decoded, err := DecodeObject(h.UserData())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.TableID != 1 || decoded.ObjectID != 2 || decoded.Version != 3 || !bytes.Equal(decoded.Data, []byte("hello")) {
		t.Errorf("decoded %+v", decoded)
	}

	var types []EntryType
	if err := ForEachEntry(l.Head().Contents(), func(et EntryType, payload []byte) error {
		types = append(types, et)
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	// The segment header entry always comes first.
	if len(types) != 2 || types[0] != EntrySegmentHeader || types[1] != EntryObject {
		t.Errorf("entry types %v", types)
	}
}

func TestSegmentHeaderContents(t *testing.T) {
	l := NewLog(7, 4096, nil)
	if _, err := l.Append(EntryObject, EncodeObject(Object{}), false); err != nil {
		t.Fatal(err)
	}
	var header SegmentHeader
	if err := ForEachEntry(l.Head().Contents(), func(et EntryType, payload []byte) error {
		if et == EntrySegmentHeader {
			var err error
			header, err = DecodeSegmentHeader(payload)
			return err
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if header.LogID != 7 || header.SegmentID != 0 {
		t.Errorf("segment header %+v", header)
	}
}

func TestSegmentClose(t *testing.T) {
	sink := &recordingSink{}
	l := NewLog(1, 4096, sink)
	if _, err := l.Append(EntryObject, EncodeObject(Object{Data: []byte("x")}), false); err != nil {
		t.Fatal(err)
	}
	seg := l.Head()
	if err := seg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !seg.Closed() {
		t.Error("segment not marked closed")
	}

	// A closed segment rejects appends.
	if _, err := seg.Append(EntryObject, nil, false); err != ErrSegmentClosed {
		t.Errorf("append on closed segment: %v", err)
	}

	// The last entry is the footer, and iteration verifies its checksum.
	var last EntryType
	if err := ForEachEntry(seg.Contents(), func(et EntryType, _ []byte) error {
		last = et
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if last != EntrySegmentFooter {
		t.Errorf("last entry %s, want SEGMENT_FOOTER", last)
	}

	// The final sink write is flagged as closing.
	if len(sink.writes) == 0 || !sink.writes[len(sink.writes)-1].closed {
		t.Error("closing write not flagged")
	}
}

func TestSegmentChecksumRejected(t *testing.T) {
	l := NewLog(1, 4096, nil)
	if _, err := l.Append(EntryObject, EncodeObject(Object{Data: []byte("payload")}), false); err != nil {
		t.Fatal(err)
	}
	data := append([]byte(nil), l.Head().Contents()...)

	// Flip one payload byte of the object entry.
	data[len(data)-1] ^= 0xff
	err := ForEachEntry(data, func(EntryType, []byte) error { return nil })
	if err == nil {
		t.Error("corrupted entry passed checksum verification")
	}
}

func TestIterationStopsAtUnwrittenSpace(t *testing.T) {
	l := NewLog(1, 4096, nil)
	if _, err := l.Append(EntryObject, EncodeObject(Object{Data: []byte("x")}), false); err != nil {
		t.Fatal(err)
	}
	// Iterate the whole buffer, not just the written prefix: the zero
	// type byte after the head must terminate iteration cleanly.
	seg := l.Head()
	full := seg.buf
	count := 0
	if err := ForEachEntry(full, func(EntryType, []byte) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if count != 2 {
		t.Errorf("visited %d entries, want 2", count)
	}
}

func TestEntryTooLargeForSegment(t *testing.T) {
	l := NewLog(1, 256, nil)
	big := make([]byte, 1024)
	if _, err := l.Append(EntryObject, big, false); err == nil {
		t.Error("oversized entry accepted")
	}
}
