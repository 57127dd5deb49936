package spatial

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
)

// GridStats describes one grid.
type GridStats struct {
	Index         int      `json:"index"`
	Category      string   `json:"category"`
	Cached        bool     `json:"cached"`
	Include       []string `json:"include,omitempty"`
	Exclude       []string `json:"exclude,omitempty"`
	NumEntries    int      `json:"num_entries"`
	NumCells      int      `json:"num_cells"`
	CellMutations uint64   `json:"cell_mutations"`
}

// InternalStats is a snapshot of a system used by debug tooling.
type InternalStats struct {
	Name            string           `json:"name"`
	Frame           uint64           `json:"frame"`
	NumEntries      int              `json:"num_entries"`
	NumRegularGrids int              `json:"num_regular_grids"`
	NumCachedGrids  int              `json:"num_cached_grids"`
	NumCells        int              `json:"num_cells"`
	CellMutations   uint64           `json:"cell_mutations"`
	Grids           []GridStats      `json:"grids"`
	CacheCandidates []CacheCandidate `json:"cache_candidates"`
}

func (s *System) GetInternalStats() InternalStats {
	stats := InternalStats{
		Name:            s.name,
		Frame:           s.frame.Load(),
		NumEntries:      s.slots.count(),
		NumRegularGrids: s.numRegularGrids,
		NumCachedGrids:  s.numCachedGrids,
		CacheCandidates: s.cache.Candidates(),
	}

	for _, g := range s.grids {
		if g == nil {
			continue
		}

		gs := GridStats{
			Index:         g.index,
			Category:      g.category.String(),
			Cached:        g.cached,
			NumEntries:    g.Len(),
			NumCells:      g.CellCount(),
			CellMutations: g.CellMutations(),
		}
		if g.cached {
			gs.Include = DefaultTags.Names(g.filter.Include)
			gs.Exclude = DefaultTags.Names(g.filter.Exclude)
		}

		stats.Grids = append(stats.Grids, gs)
		stats.NumCells += gs.NumCells
		stats.CellMutations += gs.CellMutations
	}

	return stats
}

// GetCellBoxForSpatialData returns the box of the cells an entry occupies.
func (s *System) GetCellBoxForSpatialData(id SpatialDataID) (BoundingBox, error) {
	e, err := s.lookup(id)
	if err != nil {
		return BoundingBox{}, err
	}

	if e.alwaysVisible {
		return BoundingBox{}, errors.New("always visible spatial data is not stored in cells").
			WithType(ErrTypeInvalidArgument).
			WithTag("spatial_data_id", id.String())
	}
	return s.layout.rangeBox(e.cells), nil
}

// GetAllCellBoxes returns the boxes of the non-empty cells of the grids whose
// category is in categories. An empty bitmask selects every grid.
func (s *System) GetAllCellBoxes(categories CategoryBitmask) []BoundingBox {
	seen := make(map[cellKey]struct{})
	var boxes []BoundingBox

	for _, g := range s.grids {
		if g == nil {
			continue
		}
		if !categories.IsEmpty() && !categories.Has(g.category) {
			continue
		}

		for k := range g.cells {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			boxes = append(boxes, g.layout.cellBox(k))
		}
	}

	return boxes
}
