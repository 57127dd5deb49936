package spatial

import (
	"math"
)

// Regular Grid
//
// A uniform grid hashing axis aligned cells of a fixed size. The particularities
// are:
//  - cells are created on demand and kept in a map keyed by cell coordinates,
//    so the grid has no bounds and empty space costs nothing.
//  - an entry is stored in every cell its bounds overlap. Its cell range only
//    changes once the bounds leave the range grown by the overlap, and queries
//    are grown by the same overlap to stay conservative.
//  - always visible entries live in a side list and are yielded by every query.
//    Entries covering more than maxCellsPerEntry cells go to a second side list
//    that every query yields as candidates too.

type cellKey struct {
	x, y, z int32
}

// CellRange is the inclusive range of cells covered by an entry.
type CellRange struct {
	Min [3]int32
	Max [3]int32
}

func (r CellRange) IsSingleCell() bool {
	return r.Min == r.Max
}

func (r CellRange) contains(k cellKey) bool {
	return k.x >= r.Min[0] && k.x <= r.Max[0] &&
		k.y >= r.Min[1] && k.y <= r.Max[1] &&
		k.z >= r.Min[2] && k.z <= r.Max[2]
}

// CellCount returns the number of cells in the range.
func (r CellRange) CellCount() int64 {
	n := int64(1)
	for i := 0; i < 3; i++ {
		d := int64(r.Max[i]) - int64(r.Min[i]) + 1
		if d > 1<<20 {
			return math.MaxInt64
		}
		n *= d
	}
	if n < 0 {
		return math.MaxInt64
	}
	return n
}

func (r CellRange) forEach(f func(k cellKey)) {
	for z := r.Min[2]; z <= r.Max[2]; z++ {
		for y := r.Min[1]; y <= r.Max[1]; y++ {
			for x := r.Min[0]; x <= r.Max[0]; x++ {
				f(cellKey{x, y, z})
			}
		}
	}
}

const maxCellsPerEntry = 4096

func (r CellRange) isOversized() bool {
	return r.CellCount() > maxCellsPerEntry
}

// Cell coordinates are clamped so that iterating a range never overflows.
const maxCellCoord = 1 << 30

type gridLayout struct {
	cellSize    float32
	invCellSize float32
	overlap     float32
}

func newGridLayout(cellSize, overlap float32) gridLayout {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	if overlap < 0 {
		overlap = 0
	}
	return gridLayout{
		cellSize:    cellSize,
		invCellSize: 1 / cellSize,
		overlap:     overlap,
	}
}

func (l gridLayout) cellCoord(v float32) int32 {
	c := math.Floor(float64(v * l.invCellSize))
	if math.IsNaN(c) {
		return 0
	}
	if c < -maxCellCoord {
		return -maxCellCoord
	}
	if c > maxCellCoord {
		return maxCellCoord
	}
	return int32(c)
}

func (l gridLayout) cellRange(box BoundingBox) CellRange {
	var r CellRange
	for i := 0; i < 3; i++ {
		r.Min[i] = l.cellCoord(box.Min[i])
		r.Max[i] = l.cellCoord(box.Max[i])
	}
	return r
}

func (l gridLayout) cellBox(k cellKey) BoundingBox {
	s := l.cellSize
	return BoundingBox{
		Min: [3]float32{float32(k.x) * s, float32(k.y) * s, float32(k.z) * s},
		Max: [3]float32{float32(k.x+1) * s, float32(k.y+1) * s, float32(k.z+1) * s},
	}
}

func (l gridLayout) rangeBox(r CellRange) BoundingBox {
	min := l.cellBox(cellKey{r.Min[0], r.Min[1], r.Min[2]})
	max := l.cellBox(cellKey{r.Max[0], r.Max[1], r.Max[2]})
	return BoundingBox{Min: min.Min, Max: max.Max}
}

// updatedRange returns the range box should occupy given it currently
// occupies old. The range is kept while box stays within the overlap and
// would not fit in fewer cells.
func (l gridLayout) updatedRange(old CellRange, box BoundingBox) (CellRange, bool) {
	r := l.cellRange(box)
	if r == old {
		return old, false
	}

	if r.CellCount() >= old.CellCount() && l.rangeBox(old).Grow(l.overlap).Contains(box) {
		return old, false
	}
	return r, true
}

// slack is how much query volumes and cells are grown when matched against
// each other. It covers the overlap and float rounding at cell borders.
func (l gridLayout) slack() float32 {
	return l.overlap + l.cellSize/64
}

func (l gridLayout) queryRange(box BoundingBox) CellRange {
	return l.cellRange(box.Grow(l.slack()))
}

type gridCell struct {
	entries []uint32
}

func (c *gridCell) remove(id uint32) bool {
	n := len(c.entries)
	c.entries = removeID(c.entries, id)
	return len(c.entries) != n
}

// Grid is a uniform spatial hash for one category, or for one category and
// an exact tag filter when cached.
type Grid struct {
	index    int
	category Category
	cached   bool
	filter   TagFilter
	layout   gridLayout

	cells         map[cellKey]*gridCell
	alwaysVisible []uint32
	oversized     []uint32
	numEntries    int
	cellMutations uint64
}

// NewGrid returns a regular grid for the given category.
func NewGrid(category Category, cellSize, overlap float32) *Grid {
	return newGrid(-1, category, newGridLayout(cellSize, overlap))
}

func newGrid(index int, category Category, layout gridLayout) *Grid {
	return &Grid{
		index:    index,
		category: category,
		layout:   layout,
		cells:    make(map[cellKey]*gridCell),
	}
}

func newCachedGrid(index int, category Category, filter TagFilter, layout gridLayout) *Grid {
	g := newGrid(index, category, layout)
	g.cached = true
	g.filter = filter
	return g
}

// bit is the grid bit in entry membership bitmasks.
func (g *Grid) bit() uint64 {
	if g.index < 0 {
		return 0
	}
	return uint64(1) << uint(g.index)
}

func (g *Grid) Category() Category {
	return g.category
}

// IsCached reports whether the grid holds the pre-filtered subset of its
// category matching Filter.
func (g *Grid) IsCached() bool {
	return g.cached
}

func (g *Grid) Filter() TagFilter {
	return g.filter
}

// Len returns the number of entries in the grid.
func (g *Grid) Len() int {
	return g.numEntries
}

// CellCount returns the number of non-empty cells.
func (g *Grid) CellCount() int {
	return len(g.cells)
}

// CellMutations returns the number of single cell insertions and removals
// performed since the grid was created.
func (g *Grid) CellMutations() uint64 {
	return g.cellMutations
}

// Insert stores id in every cell overlapped by box and returns the range of
// those cells.
func (g *Grid) Insert(id uint32, box BoundingBox) CellRange {
	r := g.layout.cellRange(box)
	g.insertRange(id, r)
	return r
}

func (g *Grid) insertRange(id uint32, r CellRange) {
	g.addToRange(id, r)
	g.numEntries++
}

// Remove removes id from the cells of r.
func (g *Grid) Remove(id uint32, r CellRange) {
	g.removeFromRange(id, r)
	g.numEntries--
}

func (g *Grid) addToRange(id uint32, r CellRange) {
	if r.isOversized() {
		g.oversized = append(g.oversized, id)
		return
	}
	r.forEach(func(k cellKey) {
		g.addToCell(id, k)
	})
}

func (g *Grid) removeFromRange(id uint32, r CellRange) {
	if r.isOversized() {
		g.oversized = removeID(g.oversized, id)
		return
	}
	r.forEach(func(k cellKey) {
		g.removeFromCell(id, k)
	})
}

// Update moves id to the cells overlapped by box. Nothing is touched while
// box stays within the current cells grown by the overlap.
func (g *Grid) Update(id uint32, old CellRange, box BoundingBox) CellRange {
	r, changed := g.layout.updatedRange(old, box)
	if changed {
		g.move(id, old, r)
	}
	return r
}

// move only touches the cells that differ between old and r.
func (g *Grid) move(id uint32, old, r CellRange) {
	if old.isOversized() || r.isOversized() {
		g.removeFromRange(id, old)
		g.addToRange(id, r)
		return
	}

	old.forEach(func(k cellKey) {
		if !r.contains(k) {
			g.removeFromCell(id, k)
		}
	})
	r.forEach(func(k cellKey) {
		if !old.contains(k) {
			g.addToCell(id, k)
		}
	})
}

func (g *Grid) InsertAlwaysVisible(id uint32) {
	g.alwaysVisible = append(g.alwaysVisible, id)
	g.numEntries++
}

func (g *Grid) RemoveAlwaysVisible(id uint32) {
	n := len(g.alwaysVisible)
	g.alwaysVisible = removeID(g.alwaysVisible, id)
	if len(g.alwaysVisible) != n {
		g.numEntries--
	}
}

func removeID(ids []uint32, id uint32) []uint32 {
	for i, e := range ids {
		if e == id {
			last := len(ids) - 1
			ids[i] = ids[last]
			return ids[:last]
		}
	}
	return ids
}

func (g *Grid) addToCell(id uint32, k cellKey) {
	cell, ok := g.cells[k]
	if !ok {
		cell = &gridCell{}
		g.cells[k] = cell
	}
	cell.entries = append(cell.entries, id)
	g.cellMutations++
}

func (g *Grid) removeFromCell(id uint32, k cellKey) {
	cell, ok := g.cells[k]
	if !ok {
		return
	}
	if cell.remove(id) {
		g.cellMutations++
	}
	if len(cell.entries) == 0 {
		delete(g.cells, k)
	}
}

// QueryBox visits the always visible entries and every entry stored in a
// cell overlapping box. Entries spanning several cells are visited once per
// cell; precise tests and deduplication are left to the visitor.
func (g *Grid) QueryBox(box BoundingBox, visit func(id uint32) VisitorExecution) VisitorExecution {
	return g.query(g.layout.queryRange(box), box.Overlaps, visit)
}

func (g *Grid) QuerySphere(sphere BoundingSphere, visit func(id uint32) VisitorExecution) VisitorExecution {
	return g.query(g.layout.queryRange(sphere.BoundingBox()), func(cell BoundingBox) bool {
		return cell.OverlapsSphere(sphere)
	}, visit)
}

func (g *Grid) QueryFrustum(frustum Frustum, visit func(id uint32) VisitorExecution) VisitorExecution {
	return g.query(g.layout.queryRange(frustum.BoundingBox()), frustum.OverlapsBox, visit)
}

func (g *Grid) query(r CellRange, overlaps func(cell BoundingBox) bool, visit func(id uint32) VisitorExecution) VisitorExecution {
	for _, id := range g.alwaysVisible {
		if visit(id) == VisitorStop {
			return VisitorStop
		}
	}
	for _, id := range g.oversized {
		if visit(id) == VisitorStop {
			return VisitorStop
		}
	}

	visitCell := func(k cellKey, cell *gridCell) VisitorExecution {
		if !overlaps(g.layout.cellBox(k).Grow(g.layout.slack())) {
			return VisitorContinue
		}
		for _, id := range cell.entries {
			if visit(id) == VisitorStop {
				return VisitorStop
			}
		}
		return VisitorContinue
	}

	// Huge ranges, like a frustum with a far plane, are cheaper to resolve
	// by walking the occupied cells.
	if r.CellCount() > int64(len(g.cells)) {
		for k, cell := range g.cells {
			if !r.contains(k) {
				continue
			}
			if visitCell(k, cell) == VisitorStop {
				return VisitorStop
			}
		}
		return VisitorContinue
	}

	for z := r.Min[2]; z <= r.Max[2]; z++ {
		for y := r.Min[1]; y <= r.Max[1]; y++ {
			for x := r.Min[0]; x <= r.Max[0]; x++ {
				k := cellKey{x, y, z}
				cell, ok := g.cells[k]
				if !ok {
					continue
				}
				if visitCell(k, cell) == VisitorStop {
					return VisitorStop
				}
			}
		}
	}
	return VisitorContinue
}
