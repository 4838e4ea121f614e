package index

import (
	"encoding/binary"
	"math/bits"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/pkg/errors"
)

var Logger = logger.GetLogger("index")

// entriesPerCacheLine is fixed by the 64-byte cache line: eight 8-byte
// words. The first seven hold records; the eighth holds a record until the
// bucket overflows, at which point it becomes a chain link.
const entriesPerCacheLine = 8

type cacheLine [entriesPerCacheLine]entry

// KeyResolver reports the object key stored at a log address. The index
// never interprets pointers itself; matches behind the secondary hash are
// confirmed through this callback.
type KeyResolver func(ptr uint64) (tableID uint32, objectID uint64, ok bool)

// HashTable maps (tableId, objectId) to 47-bit log addresses.
//
// Thread-safety: mutations must be serialized by the caller (the master's
// admission limit, or its internal lock when configured with more than one
// mutating thread).
type HashTable struct {
	// lines holds all cache lines: the first numBuckets are the primary
	// buckets, the rest are overflow lines allocated for chains.
	lines      []cacheLine
	numBuckets int
	bucketBits int
	seed       uint64

	resolve KeyResolver
	probes  ProbeDistribution
}

// NewHashTable allocates a table with the given power-of-two bucket count.
func NewHashTable(numBuckets int, seed uint64, resolve KeyResolver) (*HashTable, error) {
	if numBuckets <= 0 || numBuckets&(numBuckets-1) != 0 {
		return nil, errors.Errorf("bucket count %d is not a power of two", numBuckets)
	}
	if resolve == nil {
		return nil, errors.New("nil key resolver")
	}
	return &HashTable{
		lines:      make([]cacheLine, numBuckets),
		numBuckets: numBuckets,
		bucketBits: bits.TrailingZeros(uint(numBuckets)),
		seed:       seed,
		resolve:    resolve,
	}, nil
}

// hash derives the bucket index and the 16-bit secondary hash from the
// object key. The low bucketBits of the 64-bit hash select the bucket; the
// next 16 bits become the secondary hash stored in the entry.
func (t *HashTable) hash(tableID uint32, objectID uint64) (bucket int, secondary uint16) {
	var key [12]byte
	binary.LittleEndian.PutUint32(key[0:4], tableID)
	binary.LittleEndian.PutUint64(key[4:12], objectID)
	h := xxhash.Sum64(key[:]) ^ t.seed
	bucket = int(h & uint64(t.numBuckets-1))
	secondary = uint16(h >> t.bucketBits & secondaryMask)
	return bucket, secondary
}

// findSlot locates the entry for the key. It returns the line and slot of
// the match, or of the first available slot when no match exists
// (match == false in that case). When neither exists in the chain,
// line is the last cache line of the chain and slot is -1.
func (t *HashTable) findSlot(tableID uint32, objectID uint64, secondary uint16, bucket int) (line, slot int, match bool) {
	line = bucket
	availLine, availSlot := -1, -1
	for {
		cl := &t.lines[line]
		for i := 0; i < entriesPerCacheLine; i++ {
			e := cl[i]
			if e.available() {
				if availSlot < 0 {
					availLine, availSlot = line, i
				}
				continue
			}
			if e.isChain() {
				continue
			}
			if e.secondary() != secondary {
				continue
			}
			tbl, obj, ok := t.resolve(e.pointer())
			if ok && tbl == tableID && obj == objectID {
				return line, i, true
			}
		}
		last := cl[entriesPerCacheLine-1]
		if !last.isChain() {
			break
		}
		line = int(last.pointer())
	}
	if availSlot >= 0 {
		return availLine, availSlot, false
	}
	return line, -1, false
}

// Lookup returns the log address stored for the key.
func (t *HashTable) Lookup(tableID uint32, objectID uint64) (uint64, bool) {
	start := time.Now()
	bucket, secondary := t.hash(tableID, objectID)
	line, slot, match := t.findSlot(tableID, objectID, secondary, bucket)
	t.probes.storeSample(time.Since(start))
	if !match {
		return 0, false
	}
	return t.lines[line][slot].pointer(), true
}

// Replace installs ptr as the entry for the key stored at that log
// address. It returns true if a prior entry for the key existed and was
// displaced. The pointer must be a valid nonzero 47-bit log address.
func (t *HashTable) Replace(ptr uint64) bool {
	if ptr == 0 || ptr&^PointerMask != 0 {
		Logger.Errorf("rejecting unrepresentable pointer %#x", ptr)
		return false
	}
	tableID, objectID, ok := t.resolve(ptr)
	if !ok {
		Logger.Errorf("pointer %#x does not resolve to a keyed entry", ptr)
		return false
	}
	bucket, secondary := t.hash(tableID, objectID)
	line, slot, match := t.findSlot(tableID, objectID, secondary, bucket)
	if slot < 0 {
		line, slot = t.grow(line)
	}
	t.lines[line][slot] = pack(secondary, false, ptr)
	return match
}

// grow chains a fresh overflow cache line onto the full line and migrates
// the displaced eighth record into it. It returns the overflow line and
// the first free slot in it.
func (t *HashTable) grow(line int) (int, int) {
	overflow := len(t.lines)
	t.lines = append(t.lines, cacheLine{})
	displaced := t.lines[line][entriesPerCacheLine-1]
	t.lines[overflow][0] = displaced
	t.lines[line][entriesPerCacheLine-1] = pack(0, true, uint64(overflow))
	return overflow, 1
}

// Remove clears the entry for the key. Chains are not compacted.
func (t *HashTable) Remove(tableID uint32, objectID uint64) bool {
	bucket, secondary := t.hash(tableID, objectID)
	line, slot, match := t.findSlot(tableID, objectID, secondary, bucket)
	if !match {
		return false
	}
	t.lines[line][slot] = 0
	return true
}

// ForEach calls visit with the log address of every record in the table.
// The visitor must not mutate the table except through RemoveAddress.
func (t *HashTable) ForEach(visit func(ptr uint64)) {
	for i := range t.lines {
		for j := 0; j < entriesPerCacheLine; j++ {
			e := t.lines[i][j]
			if e.available() || e.isChain() {
				continue
			}
			visit(e.pointer())
		}
	}
}

// RemoveAddress clears the slot holding exactly ptr, if any. The tombstone
// sweep after recovery uses this to drop entries without re-resolving
// their keys.
func (t *HashTable) RemoveAddress(ptr uint64) bool {
	for i := range t.lines {
		for j := 0; j < entriesPerCacheLine; j++ {
			e := t.lines[i][j]
			if !e.available() && !e.isChain() && e.pointer() == ptr {
				t.lines[i][j] = 0
				return true
			}
		}
	}
	return false
}

// ProbeStats returns a snapshot of the lookup probe-time distribution.
func (t *HashTable) ProbeStats() ProbeSnapshot {
	return t.probes.snapshot()
}

// ResetProbeStats clears the probe-time distribution.
func (t *HashTable) ResetProbeStats() {
	t.probes.reset()
}
