// Package table tracks which tablets (contiguous object-id ranges of user
// tables) a master currently serves, plus the per-table in-memory state
// that survives tablet reassignment.
package table

import (
	"sort"

	"github.com/larchdb/larch/rpc/common"
)

// Table is the in-memory state shared by all tablets of one table on this
// master: the id-allocation cursor for create and the highest version this
// master has ever assigned for the table.
type Table struct {
	ID uint32

	nextID      uint64
	lastVersion uint64
}

// NextVersion assigns the version for a new object or tombstone given the
// prior version of the key. Versions are strictly monotonic per key even
// when a key is deleted and recreated.
func (t *Table) NextVersion(prior uint64) uint64 {
	v := prior
	if t.lastVersion > v {
		v = t.lastVersion
	}
	v++
	t.lastVersion = v
	return v
}

// ObserveVersion raises the table's version floor. Recovery feeds every
// replayed version through this so post-recovery writes stay monotonic.
func (t *Table) ObserveVersion(v uint64) {
	if v > t.lastVersion {
		t.lastVersion = v
	}
}

// IDCursor returns the next candidate id for create.
func (t *Table) IDCursor() uint64 { return t.nextID }

// AdvanceIDCursor moves the create cursor past id.
func (t *Table) AdvanceIDCursor(id uint64) {
	if id+1 > t.nextID {
		t.nextID = id + 1
	}
}

// Tablet is one served object-id range with its owning table state.
type Tablet struct {
	TableID uint32
	StartID uint64
	EndID   uint64
	State   common.TabletState
	Table   *Table
}

// Contains reports whether the tablet's range covers the object id.
func (t *Tablet) Contains(objectID uint64) bool {
	return objectID >= t.StartID && objectID <= t.EndID
}

// Map is the ordered set of tablets served by a master, sorted by
// (tableId, startId). Ranges within a table are disjoint.
//
// Thread-safety: mutations are serialized by the master.
type Map struct {
	tablets []*Tablet
	tables  map[uint32]*Table
}

// NewMap returns an empty tablet map.
func NewMap() *Map {
	return &Map{tables: make(map[uint32]*Table)}
}

func (m *Map) table(tableID uint32) *Table {
	t, ok := m.tables[tableID]
	if !ok {
		t = &Table{ID: tableID}
		m.tables[tableID] = t
	}
	return t
}

// Add inserts one tablet, keeping the map ordered. Per-table state is
// shared with any tablet of the same table already present.
func (m *Map) Add(t common.Tablet) *Tablet {
	tablet := &Tablet{
		TableID: t.TableID,
		StartID: t.StartID,
		EndID:   t.EndID,
		State:   t.State,
		Table:   m.table(t.TableID),
	}
	m.tablets = append(m.tablets, tablet)
	sort.Slice(m.tablets, func(i, j int) bool {
		a, b := m.tablets[i], m.tablets[j]
		if a.TableID != b.TableID {
			return a.TableID < b.TableID
		}
		return a.StartID < b.StartID
	})
	return tablet
}

// Set replaces the whole map. Table state objects survive for tables that
// keep at least one tablet; state for tables that disappear is dropped.
func (m *Map) Set(tablets []common.Tablet) {
	kept := make(map[uint32]*Table)
	for _, t := range tablets {
		if old, ok := m.tables[t.TableID]; ok {
			kept[t.TableID] = old
		}
	}
	m.tablets = nil
	m.tables = kept
	for _, t := range tablets {
		m.Add(t)
	}
}

// Find returns the tablet owning the object id, if this master serves it.
func (m *Map) Find(tableID uint32, objectID uint64) (*Tablet, bool) {
	for _, t := range m.tablets {
		if t.TableID == tableID && t.Contains(objectID) {
			return t, true
		}
	}
	return nil, false
}

// ServesTable reports whether any tablet of the table is present.
func (m *Map) ServesTable(tableID uint32) bool {
	for _, t := range m.tablets {
		if t.TableID == tableID {
			return true
		}
	}
	return false
}

// TabletsOf returns the tablets of one table in range order.
func (m *Map) TabletsOf(tableID uint32) []*Tablet {
	var out []*Tablet
	for _, t := range m.tablets {
		if t.TableID == tableID {
			out = append(out, t)
		}
	}
	return out
}

// All returns every tablet in map order.
func (m *Map) All() []*Tablet {
	return m.tablets
}

// DropTable removes every tablet of the table and its shared state.
func (m *Map) DropTable(tableID uint32) {
	out := m.tablets[:0]
	for _, t := range m.tablets {
		if t.TableID != tableID {
			out = append(out, t)
		}
	}
	m.tablets = out
	delete(m.tables, tableID)
}

// Wire converts the map back to its wire representation.
func (m *Map) Wire() []common.Tablet {
	out := make([]common.Tablet, 0, len(m.tablets))
	for _, t := range m.tablets {
		out = append(out, common.Tablet{
			TableID: t.TableID,
			StartID: t.StartID,
			EndID:   t.EndID,
			State:   t.State,
		})
	}
	return out
}
