package spatial

import (
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/sowilo/featureflag"
)

const (
	// MaxGrids is the number of grids an entry membership bitmask can track.
	MaxGrids = 63

	DefaultCellSize               = 128
	DefaultCellOverlap            = 16
	DefaultMinCachePromotionScore = 4
	DefaultCacheQueryDecay        = 0.9
	DefaultSystemName             = "default"
)

// Config configures a System. Zero fields fall back to their default.
type Config struct {
	// The name labelling the system logs and metrics. Open systems sharing a
	// name add up in the same series, so it should be unique.
	Name string

	CellSize    float32
	CellOverlap float32

	// The maximum number of regular and cached grids. Capped at MaxGrids.
	MaxGrids int

	// The score a cache candidate needs to get a cached grid.
	MinCachePromotionScore float32

	// The factor applied to cache candidate query counts on every frame.
	CacheQueryDecay float32

	Scorer CacheScorer
	Flags  featureflag.FeatureFlag
}

func DefaultConfig() Config {
	return Config{
		Name:                   DefaultSystemName,
		CellSize:               DefaultCellSize,
		CellOverlap:            DefaultCellOverlap,
		MaxGrids:               MaxGrids,
		MinCachePromotionScore: DefaultMinCachePromotionScore,
		CacheQueryDecay:        DefaultCacheQueryDecay,
		Scorer:                 DefaultCacheScorer,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.Name == "" {
		c.Name = d.Name
	}
	if c.CellSize <= 0 {
		c.CellSize = d.CellSize
	}
	if c.CellOverlap < 0 {
		c.CellOverlap = 0
	}
	if c.MaxGrids <= 0 || c.MaxGrids > MaxGrids {
		c.MaxGrids = d.MaxGrids
	}
	if c.MinCachePromotionScore <= 0 {
		c.MinCachePromotionScore = d.MinCachePromotionScore
	}
	if c.CacheQueryDecay <= 0 || c.CacheQueryDecay > 1 {
		c.CacheQueryDecay = d.CacheQueryDecay
	}
	if c.Scorer == nil {
		c.Scorer = d.Scorer
	}
	return c
}

type entry struct {
	bounds        BoundingBoxSphere
	owner         any
	categories    CategoryBitmask
	tags          TagSet
	alwaysVisible bool

	// Bit i is set when the entry is stored in grid i.
	gridMask uint64

	// The cells the entry occupies. All grids share the same layout.
	cells CellRange
}

// spansCells reports whether a grid query can reach the entry through more
// than one cell.
func (e *entry) spansCells() bool {
	return !e.alwaysVisible && !e.cells.IsSingleCell() && !e.cells.isOversized()
}

// System tracks the bounds of world objects and answers box, sphere and
// frustum queries over them.
//
// Create, update, delete and StartNewFrame must not run concurrently with
// anything else on the same system. Queries may run concurrently with each
// other.
type System struct {
	name    string
	config  Config
	layout  gridLayout
	metrics *systemMetrics

	slots      slotTable
	entries    []entry
	visibility []uint64
	frame      atomic.Uint64

	grids           []*Grid
	regularGrids    [MaxCategories]*Grid
	numRegularGrids int
	numCachedGrids  int
	cache           *CacheCandidateTracker

	cachedGridsEnabled bool
	visibilityEnabled  bool
	queryTimingEnabled bool

	closeOnce sync.Once
}

func NewSystem(conf Config) *System {
	conf = conf.withDefaults()

	return &System{
		name:               conf.Name,
		config:             conf,
		layout:             newGridLayout(conf.CellSize, conf.CellOverlap),
		metrics:            newSystemMetrics(conf.Name),
		grids:              make([]*Grid, conf.MaxGrids),
		cache:              NewCacheCandidateTracker(conf.Scorer),
		cachedGridsEnabled: !conf.Flags.IsSet(featureflag.FlagDisableCachedGrids),
		visibilityEnabled:  !conf.Flags.IsSet(featureflag.FlagDisableVisibilityTracking),
		queryTimingEnabled: !conf.Flags.IsSet(featureflag.FlagDisableQueryStats),
	}
}

func (s *System) Name() string {
	return s.name
}

func (s *System) Config() Config {
	return s.config
}

// Len returns the number of live spatial data.
func (s *System) Len() int {
	return s.slots.count()
}

// Frame returns the current frame number.
func (s *System) Frame() uint64 {
	return s.frame.Load()
}

// Close withdraws the system from its metric series, which are dropped once
// no other open system shares its name.
func (s *System) Close() {
	s.closeOnce.Do(func() {
		s.metrics.dataCount.Sub(float64(s.Len()))
		s.metrics.regularGridCount.Sub(float64(s.numRegularGrids))
		s.metrics.cachedGridCount.Sub(float64(s.numCachedGrids))
		unregisterSystemMetrics(s.name)
	})
}

// CreateSpatialData tracks an object with the given bounds. The entry is
// stored in the regular grid of each category and in every cached grid whose
// filter accepts tags.
func (s *System) CreateSpatialData(bounds BoundingBoxSphere, owner any, categories CategoryBitmask, tags TagSet) (SpatialDataID, error) {
	if !bounds.IsValid() {
		return 0, errors.New("invalid spatial data bounds").
			WithType(ErrTypeInvalidArgument).
			WithTag("bounds", bounds)
	}

	return s.create(entry{
		bounds:     bounds,
		owner:      owner,
		categories: categories,
		tags:       tags,
		cells:      s.layout.cellRange(bounds.Box()),
	})
}

// CreateSpatialDataAlwaysVisible tracks an object reported by every query
// matching its categories and tags, wherever the query looks.
func (s *System) CreateSpatialDataAlwaysVisible(owner any, categories CategoryBitmask, tags TagSet) (SpatialDataID, error) {
	return s.create(entry{
		owner:         owner,
		categories:    categories,
		tags:          tags,
		alwaysVisible: true,
	})
}

func (s *System) create(e entry) (SpatialDataID, error) {
	if e.categories.IsEmpty() {
		return 0, errors.New("spatial data category bitmask is empty").
			WithType(ErrTypeInvalidArgument)
	}

	// Regular grids are created first since creating one may evict a cached
	// grid.
	var regular [MaxCategories]*Grid
	numRegular := 0
	e.categories.ForEach(func(c Category) {
		regular[numRegular] = s.regularGrid(c)
		numRegular++
	})

	id := s.slots.acquire()
	idx := id.Index()
	if int(idx) == len(s.entries) {
		s.entries = append(s.entries, entry{})
		s.visibility = append(s.visibility, 0)
	}
	atomic.StoreUint64(&s.visibility[idx], 0)

	s.entries[idx] = e
	ent := &s.entries[idx]

	for _, g := range regular[:numRegular] {
		s.addToGrid(idx, ent, g)
	}
	for _, g := range s.grids {
		if g != nil && g.cached && ent.categories.Has(g.category) && g.filter.Matches(ent.tags) {
			s.addToGrid(idx, ent, g)
		}
	}

	s.metrics.dataCount.Inc()
	return id, nil
}

// UpdateSpatialDataBounds moves an entry to its new bounds. Only the grids
// the entry belongs to are touched, and only when the entry leaves its
// current cells grown by the cell overlap.
func (s *System) UpdateSpatialDataBounds(id SpatialDataID, bounds BoundingBoxSphere) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	if !bounds.IsValid() {
		return errors.New("invalid spatial data bounds").
			WithType(ErrTypeInvalidArgument).
			WithTag("spatial_data_id", id.String()).
			WithTag("bounds", bounds)
	}

	e.bounds = bounds
	if e.alwaysVisible {
		return nil
	}

	r, changed := s.layout.updatedRange(e.cells, bounds.Box())
	if !changed {
		return nil
	}

	for mask := e.gridMask; mask != 0; {
		i := bits.TrailingZeros64(mask)
		mask &^= 1 << i
		s.grids[i].move(id.Index(), e.cells, r)
	}
	e.cells = r
	return nil
}

// UpdateSpatialDataObject replaces the owner reported for an entry.
func (s *System) UpdateSpatialDataObject(id SpatialDataID, owner any) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.owner = owner
	return nil
}

// DeleteSpatialData removes an entry from every grid it belongs to. The id
// is stale afterwards.
func (s *System) DeleteSpatialData(id SpatialDataID) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	idx := id.Index()
	for mask := e.gridMask; mask != 0; {
		i := bits.TrailingZeros64(mask)
		mask &^= 1 << i
		s.removeFromGrid(idx, e, s.grids[i])
	}

	*e = entry{}
	atomic.StoreUint64(&s.visibility[idx], 0)
	s.slots.release(id)
	s.metrics.dataCount.Dec()
	return nil
}

// GetSpatialDataOwner returns the owner of an entry.
func (s *System) GetSpatialDataOwner(id SpatialDataID) (any, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.owner, nil
}

func (s *System) GetSpatialDataBounds(id SpatialDataID) (BoundingBoxSphere, error) {
	e, err := s.lookup(id)
	if err != nil {
		return BoundingBoxSphere{}, err
	}
	return e.bounds, nil
}

func (s *System) lookup(id SpatialDataID) (*entry, error) {
	if !s.slots.valid(id) {
		return nil, errors.New("spatial data not found").
			WithType(ErrTypeStaleHandle).
			WithTag("spatial_data_id", id.String())
	}
	return &s.entries[id.Index()], nil
}

// FindObjectsInBox calls visit with the owner of every entry overlapping box
// and matching params, until visit returns VisitorStop.
func (s *System) FindObjectsInBox(box BoundingBox, params QueryParams, visit func(owner any) VisitorExecution) {
	s.query(queryBox, params,
		func(g *Grid, v func(uint32) VisitorExecution) VisitorExecution {
			return g.QueryBox(box, v)
		},
		func(e *entry) bool {
			return e.bounds.OverlapsBox(box)
		},
		func(_ uint32, e *entry) VisitorExecution {
			return visit(e.owner)
		},
	)
}

// FindObjectsInSphere calls visit with the owner of every entry overlapping
// sphere and matching params, until visit returns VisitorStop.
func (s *System) FindObjectsInSphere(sphere BoundingSphere, params QueryParams, visit func(owner any) VisitorExecution) {
	s.query(querySphere, params,
		func(g *Grid, v func(uint32) VisitorExecution) VisitorExecution {
			return g.QuerySphere(sphere, v)
		},
		func(e *entry) bool {
			return e.bounds.OverlapsSphere(sphere)
		},
		func(_ uint32, e *entry) VisitorExecution {
			return visit(e.owner)
		},
	)
}

// CollectObjectsInBox appends to out the owners FindObjectsInBox reports.
func (s *System) CollectObjectsInBox(box BoundingBox, params QueryParams, out []any) []any {
	s.FindObjectsInBox(box, params, func(owner any) VisitorExecution {
		out = append(out, owner)
		return VisitorContinue
	})
	return out
}

// CollectObjectsInSphere appends to out the owners FindObjectsInSphere
// reports.
func (s *System) CollectObjectsInSphere(sphere BoundingSphere, params QueryParams, out []any) []any {
	s.FindObjectsInSphere(sphere, params, func(owner any) VisitorExecution {
		out = append(out, owner)
		return VisitorContinue
	})
	return out
}

// FindVisibleObjects appends to out the owners of the entries inside frustum
// and matching params. When isOccluded is set, entries whose box it reports
// as occluded are skipped. Reported entries are marked with the given
// visibility state for the current frame.
//
// Results are conservative: every entry intersecting frustum is reported, but
// an entry near a frustum corner that only passes the per-plane test may be
// reported or not depending on the cells it falls in.
func (s *System) FindVisibleObjects(frustum Frustum, params QueryParams, out []any, isOccluded func(BoundingBox) bool, visibility VisibilityState) []any {
	frame := s.frame.Load()
	markVisible := s.visibilityEnabled && visibility != VisibilityInvisible

	s.query(queryFrustum, params,
		func(g *Grid, v func(uint32) VisitorExecution) VisitorExecution {
			return g.QueryFrustum(frustum, v)
		},
		func(e *entry) bool {
			if !frustum.OverlapsBoxSphere(e.bounds) {
				return false
			}
			return isOccluded == nil || !isOccluded(e.bounds.Box())
		},
		func(idx uint32, e *entry) VisitorExecution {
			if markVisible {
				s.markVisible(idx, frame, visibility)
			}
			out = append(out, e.owner)
			return VisitorContinue
		},
	)

	return out
}

// query runs a query over the selected grids. broad enumerates the
// candidates of a grid, precise is the exact volume test and accept
// receives the entries passing every test.
func (s *System) query(
	kind queryKind,
	params QueryParams,
	broad func(g *Grid, visit func(uint32) VisitorExecution) VisitorExecution,
	precise func(e *entry) bool,
	accept func(idx uint32, e *entry) VisitorExecution,
) {
	var start time.Time
	if s.queryTimingEnabled {
		start = time.Now()
	}

	if err := params.Validate(); err != nil {
		s.metrics.instrumentInvalidQuery(kind)
		logs.WithTag("system", s.name).
			WithTag("query", kind.String()).
			Debug(err)
		return
	}

	selected, selectedMask := s.selectGrids(params)
	filter := params.Filter()
	multiGrid := len(selected) > 1

	var visited *visitedSet
	defer func() {
		if visited != nil {
			releaseVisitedSet(visited)
		}
	}()

	tested := 0
	passed := 0

	for _, g := range selected {
		filterObjects := !g.cached && !filter.IsEmpty()
		gridTested := 0
		gridRejected := 0

		res := broad(g, func(idx uint32) VisitorExecution {
			e := &s.entries[idx]

			if e.spansCells() || (multiGrid && bits.OnesCount64(e.gridMask&selectedMask) > 1) {
				if visited == nil {
					visited = acquireVisitedSet(len(s.entries))
				}
				if visited.testAndSet(idx) {
					return VisitorContinue
				}
			}

			gridTested++
			if filterObjects && !filter.Matches(e.tags) {
				gridRejected++
				return VisitorContinue
			}

			if !e.alwaysVisible && !precise(e) {
				return VisitorContinue
			}

			passed++
			return accept(idx, e)
		})

		tested += gridTested
		if filterObjects && s.cachedGridsEnabled && gridTested > 0 {
			s.cache.Update(g.category, filter, float32(gridRejected)/float32(gridTested))
		}

		if res == VisitorStop {
			break
		}
	}

	var elapsed time.Duration
	seconds := -1.0
	if s.queryTimingEnabled {
		elapsed = time.Since(start)
		seconds = elapsed.Seconds()
	}

	if params.Stats != nil {
		params.Stats.add(tested, passed, elapsed)
	}
	s.metrics.instrumentQuery(kind, tested, seconds)
}

// selectGrids returns the grids a query visits: the cached grids whose filter
// exactly matches the query filter, and the regular grids of the remaining
// categories.
func (s *System) selectGrids(params QueryParams) ([]*Grid, uint64) {
	filter := params.Filter()
	categories := params.Categories

	selected := make([]*Grid, 0, categories.Count())
	var mask uint64

	if s.cachedGridsEnabled && !filter.IsEmpty() {
		for _, g := range s.grids {
			if g == nil || !g.cached || g.filter != filter || !categories.Has(g.category) {
				continue
			}

			selected = append(selected, g)
			mask |= g.bit()
			categories &^= g.category.Bitmask()
			s.cache.RecordHit(g.category, filter)
		}
	}

	categories.ForEach(func(c Category) {
		if g := s.regularGrids[c]; g != nil {
			selected = append(selected, g)
			mask |= g.bit()
		}
	})

	return selected, mask
}

func (s *System) markVisible(idx uint32, frame uint64, state VisibilityState) {
	v := frame<<2 | uint64(state)
	p := &s.visibility[idx]

	for {
		old := atomic.LoadUint64(p)
		if old >= v || atomic.CompareAndSwapUint64(p, old, v) {
			return
		}
	}
}

// GetVisibilityState returns the strongest visibility state an entry was
// reported with by FindVisibleObjects in the last numFramesBeforeInvisible
// frames.
func (s *System) GetVisibilityState(id SpatialDataID, numFramesBeforeInvisible uint32) (VisibilityState, error) {
	if _, err := s.lookup(id); err != nil {
		return VisibilityInvisible, err
	}

	v := atomic.LoadUint64(&s.visibility[id.Index()])
	if v == 0 {
		return VisibilityInvisible, nil
	}

	if s.frame.Load()-v>>2 > uint64(numFramesBeforeInvisible) {
		return VisibilityInvisible, nil
	}
	return VisibilityState(v & 3), nil
}

// StartNewFrame advances the frame counter and applies the cache policy:
// cached grids that are no longer worth it are released, then the best
// scoring cache candidate is promoted to a cached grid, evicting the lowest
// scoring cached grid when every grid slot is taken.
func (s *System) StartNewFrame() {
	s.frame.Add(1)

	if !s.cachedGridsEnabled {
		return
	}

	releaseScore := s.config.MinCachePromotionScore / 4
	for _, g := range s.grids {
		if g == nil || !g.cached {
			continue
		}
		if score, _ := s.cache.GridScore(g.index); score < releaseScore {
			s.removeCachedGrid(g, "cached grid released")
		}
	}

	if c, ok := s.cache.Best(s.config.MinCachePromotionScore); ok {
		s.promote(c)
	}

	s.cache.Decay(s.config.CacheQueryDecay)
}

// CacheCandidates returns a snapshot of the tracked cache candidates.
func (s *System) CacheCandidates() []CacheCandidate {
	return s.cache.Candidates()
}

func (s *System) regularGrid(c Category) *Grid {
	if g := s.regularGrids[c]; g != nil {
		return g
	}

	index := s.freeGridIndex()
	if index < 0 {
		lowest, _ := s.lowestCachedGrid()
		if lowest == nil {
			panic(errors.New("no grid slot left for a regular grid").
				WithType(ErrTypeCapacityExceeded).
				WithTag("system", s.name).
				WithTag("category", c.String()).
				WithTag("max_grids", s.config.MaxGrids))
		}
		index = lowest.index
		s.removeCachedGrid(lowest, "cached grid evicted")
	}

	g := newGrid(index, c, s.layout)
	s.grids[index] = g
	s.regularGrids[c] = g
	s.numRegularGrids++
	s.metrics.regularGridCount.Inc()

	logs.WithTag("system", s.name).
		WithTag("category", c.String()).
		WithTag("grid_index", index).
		Debug("regular grid created")
	return g
}

func (s *System) promote(c CacheCandidate) {
	index := s.freeGridIndex()
	if index < 0 {
		lowest, score := s.lowestCachedGrid()
		if lowest == nil || c.Score <= score {
			return
		}
		index = lowest.index
		s.removeCachedGrid(lowest, "cached grid evicted")
	}

	g := newCachedGrid(index, c.Category, c.Filter, s.layout)
	s.grids[index] = g
	s.numCachedGrids++

	for i := range s.entries {
		if !s.slots.alive[i] {
			continue
		}

		e := &s.entries[i]
		if e.categories.Has(c.Category) && c.Filter.Matches(e.tags) {
			s.addToGrid(uint32(i), e, g)
		}
	}

	s.cache.Assign(c.Category, c.Filter, index)
	s.metrics.promotions.Inc()
	s.metrics.cachedGridCount.Inc()

	logs.WithTag("system", s.name).
		WithTag("category", c.Category.String()).
		WithTag("include", DefaultTags.Format(c.Filter.Include)).
		WithTag("exclude", DefaultTags.Format(c.Filter.Exclude)).
		WithTag("score", c.Score).
		WithTag("grid_index", index).
		WithTag("entries", g.Len()).
		Info("cached grid created")
}

func (s *System) removeCachedGrid(g *Grid, reason string) {
	bit := g.bit()
	for i := range s.entries {
		s.entries[i].gridMask &^= bit
	}

	s.grids[g.index] = nil
	s.numCachedGrids--
	s.cache.Unassign(g.index)
	s.metrics.evictions.Inc()
	s.metrics.cachedGridCount.Dec()

	logs.WithTag("system", s.name).
		WithTag("category", g.category.String()).
		WithTag("include", DefaultTags.Format(g.filter.Include)).
		WithTag("exclude", DefaultTags.Format(g.filter.Exclude)).
		WithTag("grid_index", g.index).
		Info(reason)
}

func (s *System) lowestCachedGrid() (*Grid, float32) {
	var lowest *Grid
	var lowestScore float32

	for _, g := range s.grids {
		if g == nil || !g.cached {
			continue
		}

		score, _ := s.cache.GridScore(g.index)
		if lowest == nil || score < lowestScore {
			lowest = g
			lowestScore = score
		}
	}

	return lowest, lowestScore
}

func (s *System) freeGridIndex() int {
	for i, g := range s.grids {
		if g == nil {
			return i
		}
	}
	return -1
}

func (s *System) addToGrid(idx uint32, e *entry, g *Grid) {
	if e.alwaysVisible {
		g.InsertAlwaysVisible(idx)
	} else {
		g.insertRange(idx, e.cells)
	}
	e.gridMask |= g.bit()
}

func (s *System) removeFromGrid(idx uint32, e *entry, g *Grid) {
	if e.alwaysVisible {
		g.RemoveAlwaysVisible(idx)
	} else {
		g.Remove(idx, e.cells)
	}
	e.gridMask &^= g.bit()
}
