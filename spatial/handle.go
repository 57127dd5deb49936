package spatial

import "fmt"

// SpatialDataID identifies spatial data. It encodes a slot index in the
// lower 32 bits and the slot generation in the upper 32 bits. Generations
// start at 1 so the zero id is never valid.
type SpatialDataID uint64

func newSpatialDataID(index, generation uint32) SpatialDataID {
	return SpatialDataID(uint64(generation)<<32 | uint64(index))
}

func (id SpatialDataID) Index() uint32      { return uint32(id) }
func (id SpatialDataID) Generation() uint32 { return uint32(id >> 32) }
func (id SpatialDataID) IsZero() bool       { return id == 0 }

func (id SpatialDataID) String() string {
	return fmt.Sprintf("%d:%d", id.Index(), id.Generation())
}

// slotTable allocates slot indexes with a free list and bumps the slot
// generation on release so stale ids no longer resolve.
type slotTable struct {
	generations []uint32
	alive       []bool
	freeList    []uint32
}

func (t *slotTable) acquire() SpatialDataID {
	if n := len(t.freeList); n > 0 {
		idx := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.alive[idx] = true
		return newSpatialDataID(idx, t.generations[idx])
	}

	idx := uint32(len(t.generations))
	t.generations = append(t.generations, 1)
	t.alive = append(t.alive, true)
	return newSpatialDataID(idx, 1)
}

func (t *slotTable) valid(id SpatialDataID) bool {
	idx := id.Index()
	if int(idx) >= len(t.generations) {
		return false
	}
	return t.alive[idx] && t.generations[idx] == id.Generation()
}

func (t *slotTable) release(id SpatialDataID) bool {
	if !t.valid(id) {
		return false
	}

	idx := id.Index()
	t.alive[idx] = false
	t.generations[idx]++
	if t.generations[idx] == 0 {
		t.generations[idx] = 1
	}
	t.freeList = append(t.freeList, idx)
	return true
}

func (t *slotTable) len() int {
	return len(t.generations)
}

func (t *slotTable) count() int {
	return len(t.generations) - len(t.freeList)
}
