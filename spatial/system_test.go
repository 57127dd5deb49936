package spatial

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sowilo/featureflag"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var defaultCategories = []Category{
	CategoryRenderStatic,
	CategoryRenderDynamic,
	CategoryOcclusionStatic,
	CategoryOcclusionDynamic,
}

func newTestSystem(t *testing.T, conf Config) *System {
	if conf.Name == "" {
		conf.Name = t.Name()
	}

	s := NewSystem(conf)
	t.Cleanup(s.Close)
	return s
}

func boundsAt(x, y, z, halfExtent float32) BoundingBoxSphere {
	return NewBoundingBoxSphere(NewBoundingBoxCenter(
		mgl32.Vec3{x, y, z},
		mgl32.Vec3{halfExtent, halfExtent, halfExtent},
	))
}

func createAt(t *testing.T, s *System, owner any, x, y, z float32, categories CategoryBitmask, tags TagSet) SpatialDataID {
	id, err := s.CreateSpatialData(boundsAt(x, y, z, 1), owner, categories, tags)
	require.NoError(t, err)
	return id
}

var everywhere = box(-10000, -10000, -10000, 10000, 10000, 10000)

func TestSystemExampleScenario(t *testing.T) {
	s := newTestSystem(t, Config{})
	indoor := RegisterTag("Indoor")

	a := createAt(t, s, "A", 0, 0, 0, CategoryRenderStatic.Bitmask(), NewTagSet(indoor))
	createAt(t, s, "B", 0.5, 0, 0, CategoryRenderStatic.Bitmask(), 0)
	createAt(t, s, "C", 0, 0.5, 0, CategoryRenderDynamic.Bitmask(), NewTagSet(indoor))

	area := box(-5, -5, -5, 5, 5, 5)
	staticIndoor := QueryParams{
		Categories:  CategoryRenderStatic.Bitmask(),
		IncludeTags: NewTagSet(indoor),
	}

	t.Run("static indoor objects", func(t *testing.T) {
		require.ElementsMatch(t, []any{"A"}, s.CollectObjectsInBox(area, staticIndoor, nil))
	})

	t.Run("static and dynamic objects that are not indoor", func(t *testing.T) {
		res := s.CollectObjectsInBox(area, QueryParams{
			Categories:  CategoryRenderStatic.Bitmask() | CategoryRenderDynamic.Bitmask(),
			ExcludeTags: NewTagSet(indoor),
		}, nil)
		require.ElementsMatch(t, []any{"B"}, res)
	})

	t.Run("deleted objects are no longer reported", func(t *testing.T) {
		require.NoError(t, s.DeleteSpatialData(a))
		require.Empty(t, s.CollectObjectsInBox(area, staticIndoor, nil))
	})
}

type testObject struct {
	id         SpatialDataID
	bounds     BoundingBoxSphere
	categories CategoryBitmask
	tags       TagSet
}

func (o *testObject) matches(p QueryParams) bool {
	return o.categories&p.Categories != 0 && p.Filter().Matches(o.tags)
}

func randomBitmask(rnd *rand.Rand) CategoryBitmask {
	var m CategoryBitmask
	bits := rnd.Intn(15) + 1
	for i, c := range defaultCategories {
		if bits&(1<<i) != 0 {
			m |= c.Bitmask()
		}
	}
	return m
}

func randomTags(rnd *rand.Rand, tags []Tag) TagSet {
	var s TagSet
	for _, t := range tags {
		if rnd.Intn(2) == 0 {
			s = s.With(t)
		}
	}
	return s
}

func randomBounds(rnd *rand.Rand) BoundingBoxSphere {
	center := mgl32.Vec3{
		rnd.Float32()*600 - 300,
		rnd.Float32()*600 - 300,
		rnd.Float32()*600 - 300,
	}
	halfExtents := mgl32.Vec3{
		rnd.Float32()*40 + 0.5,
		rnd.Float32()*40 + 0.5,
		rnd.Float32()*40 + 0.5,
	}
	return NewBoundingBoxSphere(NewBoundingBoxCenter(center, halfExtents))
}

func TestSystemMatchesBruteForce(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	s := newTestSystem(t, Config{})
	tags := []Tag{
		RegisterTag("RandomA"),
		RegisterTag("RandomB"),
		RegisterTag("RandomC"),
	}

	objects := make(map[int]*testObject)
	next := 0

	create := func() {
		o := &testObject{
			bounds:     randomBounds(rnd),
			categories: randomBitmask(rnd),
			tags:       randomTags(rnd, tags),
		}

		id, err := s.CreateSpatialData(o.bounds, next, o.categories, o.tags)
		require.NoError(t, err)

		o.id = id
		objects[next] = o
		next++
	}

	randomParams := func() QueryParams {
		include := randomTags(rnd, tags)
		return QueryParams{
			Categories:  randomBitmask(rnd),
			IncludeTags: include,
			ExcludeTags: randomTags(rnd, tags) &^ include,
		}
	}

	check := func(t *testing.T) {
		for i := 0; i < 50; i++ {
			params := randomParams()

			b := randomBounds(rnd).Box()
			var expected []any
			for owner, o := range objects {
				if o.matches(params) && o.bounds.OverlapsBox(b) {
					expected = append(expected, owner)
				}
			}
			require.ElementsMatch(t, expected, s.CollectObjectsInBox(b, params, nil))

			sphere := NewBoundingSphere(randomBounds(rnd).Center, rnd.Float32()*150+10)
			expected = expected[:0]
			for owner, o := range objects {
				if o.matches(params) && o.bounds.OverlapsSphere(sphere) {
					expected = append(expected, owner)
				}
			}
			require.ElementsMatch(t, expected, s.CollectObjectsInSphere(sphere, params, nil))
		}
	}

	for i := 0; i < 300; i++ {
		create()
	}

	t.Run("regular grids", func(t *testing.T) {
		check(t)
		require.Equal(t, 0, s.GetInternalStats().NumCachedGrids)
	})

	t.Run("cached grids", func(t *testing.T) {
		for frame := 0; frame < 3; frame++ {
			for i := 0; i < 20; i++ {
				s.CollectObjectsInBox(everywhere, QueryParams{
					Categories:  CategoryRenderStatic.Bitmask(),
					IncludeTags: NewTagSet(tags[0]),
				}, nil)
			}
			check(t)
			s.StartNewFrame()
		}

		require.Positive(t, s.GetInternalStats().NumCachedGrids)
		check(t)
	})

	t.Run("after updates and deletions", func(t *testing.T) {
		for owner, o := range objects {
			switch rnd.Intn(4) {
			case 0:
				require.NoError(t, s.DeleteSpatialData(o.id))
				delete(objects, owner)

			case 1:
				o.bounds = randomBounds(rnd)
				require.NoError(t, s.UpdateSpatialDataBounds(o.id, o.bounds))

			case 2:
				center := o.bounds.Center.Add(mgl32.Vec3{rnd.Float32()*4 - 2, 0, rnd.Float32()*4 - 2})
				o.bounds = NewBoundingBoxSphere(NewBoundingBoxCenter(center, o.bounds.HalfExtents))
				require.NoError(t, s.UpdateSpatialDataBounds(o.id, o.bounds))
			}
		}

		for i := 0; i < 50; i++ {
			create()
		}

		require.Equal(t, len(objects), s.Len())
		check(t)
	})
}

func TestSystemCachedGrids(t *testing.T) {
	s := newTestSystem(t, Config{
		MinCachePromotionScore: 1,
		CacheQueryDecay:        1,
	})
	indoor := RegisterTag("Indoor")
	outdoor := RegisterTag("Outdoor")

	createAt(t, s, "indoor-1", 0, 0, 0, CategoryRenderStatic.Bitmask(), NewTagSet(indoor))
	createAt(t, s, "indoor-2", 1, 0, 0, CategoryRenderStatic.Bitmask(), NewTagSet(indoor))
	createAt(t, s, "outdoor-1", 2, 0, 0, CategoryRenderStatic.Bitmask(), NewTagSet(outdoor))
	createAt(t, s, "outdoor-2", 3, 0, 0, CategoryRenderStatic.Bitmask(), NewTagSet(outdoor))

	indoorParams := QueryParams{
		Categories:  CategoryRenderStatic.Bitmask(),
		IncludeTags: NewTagSet(indoor),
	}

	var stats QueryStats
	indoorParams.Stats = &stats
	require.ElementsMatch(t, []any{"indoor-1", "indoor-2"}, s.CollectObjectsInBox(everywhere, indoorParams, nil))
	require.Equal(t, 4, stats.TotalNumTestedObjects)
	require.Equal(t, 2, stats.NumObjectsPassed)

	for i := 0; i < 3; i++ {
		s.CollectObjectsInBox(everywhere, indoorParams, nil)
	}

	t.Run("recurring filtered queries get a cached grid", func(t *testing.T) {
		s.StartNewFrame()

		internal := s.GetInternalStats()
		require.Equal(t, 1, internal.NumCachedGrids)
		require.Equal(t, 1, internal.NumRegularGrids)

		cached := internal.Grids[1]
		require.True(t, cached.Cached)
		require.Equal(t, []string{"Indoor"}, cached.Include)
		require.Equal(t, 2, cached.NumEntries)
	})

	t.Run("cached grids only test matching objects", func(t *testing.T) {
		stats = QueryStats{}
		require.ElementsMatch(t, []any{"indoor-1", "indoor-2"}, s.CollectObjectsInBox(everywhere, indoorParams, nil))
		require.Equal(t, 2, stats.TotalNumTestedObjects)
		require.Equal(t, 2, stats.NumObjectsPassed)
	})

	t.Run("new objects join matching cached grids", func(t *testing.T) {
		id := createAt(t, s, "indoor-3", 4, 0, 0, CategoryRenderStatic.Bitmask(), NewTagSet(indoor))
		createAt(t, s, "outdoor-3", 5, 0, 0, CategoryRenderStatic.Bitmask(), NewTagSet(outdoor))
		require.ElementsMatch(t, []any{"indoor-1", "indoor-2", "indoor-3"}, s.CollectObjectsInBox(everywhere, indoorParams, nil))

		require.NoError(t, s.UpdateSpatialDataBounds(id, boundsAt(500, 0, 0, 1)))
		require.ElementsMatch(t, []any{"indoor-1", "indoor-2"}, s.CollectObjectsInBox(box(-10, -10, -10, 10, 10, 10), indoorParams, nil))
		require.ElementsMatch(t, []any{"indoor-3"}, s.CollectObjectsInBox(box(490, -10, -10, 510, 10, 10), indoorParams, nil))

		require.NoError(t, s.DeleteSpatialData(id))
		require.ElementsMatch(t, []any{"indoor-1", "indoor-2"}, s.CollectObjectsInBox(everywhere, indoorParams, nil))
	})

	t.Run("idle cached grids are released", func(t *testing.T) {
		s := newTestSystem(t, Config{
			MinCachePromotionScore: 1,
			CacheQueryDecay:        0.5,
		})
		createAt(t, s, "indoor", 0, 0, 0, CategoryRenderStatic.Bitmask(), NewTagSet(indoor))
		createAt(t, s, "outdoor", 0, 0, 0, CategoryRenderStatic.Bitmask(), NewTagSet(outdoor))

		for i := 0; i < 4; i++ {
			s.CollectObjectsInBox(everywhere, QueryParams{
				Categories:  CategoryRenderStatic.Bitmask(),
				IncludeTags: NewTagSet(indoor),
			}, nil)
		}
		s.StartNewFrame()
		require.Equal(t, 1, s.GetInternalStats().NumCachedGrids)

		for i := 0; i < 5; i++ {
			s.StartNewFrame()
		}
		require.Equal(t, 0, s.GetInternalStats().NumCachedGrids)
	})
}

func TestSystemGridCap(t *testing.T) {
	s := newTestSystem(t, Config{
		MaxGrids:               3,
		MinCachePromotionScore: 1,
		CacheQueryDecay:        1,
	})
	indoor := RegisterTag("Indoor")
	outdoor := RegisterTag("Outdoor")

	createAt(t, s, "indoor-1", 0, 0, 0, CategoryRenderStatic.Bitmask(), NewTagSet(indoor))
	createAt(t, s, "indoor-2", 0, 0, 0, CategoryRenderStatic.Bitmask(), NewTagSet(indoor))
	createAt(t, s, "outdoor-1", 0, 0, 0, CategoryRenderStatic.Bitmask(), NewTagSet(outdoor))
	createAt(t, s, "outdoor-2", 0, 0, 0, CategoryRenderStatic.Bitmask(), NewTagSet(outdoor))
	createAt(t, s, "dynamic", 0, 0, 0, CategoryRenderDynamic.Bitmask(), 0)

	query := func(tag Tag, n int) {
		for i := 0; i < n; i++ {
			s.CollectObjectsInBox(everywhere, QueryParams{
				Categories:  CategoryRenderStatic.Bitmask(),
				IncludeTags: NewTagSet(tag),
			}, nil)
		}
	}

	gridIndexOf := func(tag Tag) int {
		for _, c := range s.CacheCandidates() {
			if c.Filter.Include == NewTagSet(tag) {
				return c.GridIndex
			}
		}
		return -2
	}

	requireGridCount := func(t *testing.T, regular, cached int) {
		internal := s.GetInternalStats()
		require.Equal(t, regular, internal.NumRegularGrids)
		require.Equal(t, cached, internal.NumCachedGrids)
		require.Len(t, internal.Grids, regular+cached)
		require.LessOrEqual(t, regular+cached, 3)
	}

	t.Run("promotion fills the last grid slot", func(t *testing.T) {
		query(indoor, 4)
		s.StartNewFrame()

		requireGridCount(t, 2, 1)
		require.Equal(t, 2, gridIndexOf(indoor))
	})

	t.Run("a better candidate evicts the lowest scoring cached grid", func(t *testing.T) {
		query(outdoor, 20)
		s.StartNewFrame()

		requireGridCount(t, 2, 1)
		require.Equal(t, 2, gridIndexOf(outdoor))
		require.Equal(t, -1, gridIndexOf(indoor))
	})

	t.Run("a worse candidate does not evict", func(t *testing.T) {
		query(indoor, 3)
		s.StartNewFrame()

		requireGridCount(t, 2, 1)
		require.Equal(t, 2, gridIndexOf(outdoor))
	})

	t.Run("a regular grid evicts a cached grid", func(t *testing.T) {
		createAt(t, s, "occluder", 0, 0, 0, CategoryOcclusionStatic.Bitmask(), 0)

		requireGridCount(t, 3, 0)
		require.Equal(t, -1, gridIndexOf(outdoor))
		require.ElementsMatch(t, []any{"outdoor-1", "outdoor-2"}, s.CollectObjectsInBox(everywhere, QueryParams{
			Categories:  CategoryRenderStatic.Bitmask(),
			IncludeTags: NewTagSet(outdoor),
		}, nil))
	})

	t.Run("a regular grid without any slot left panics", func(t *testing.T) {
		defer func() {
			err, _ := recover().(error)
			require.True(t, errors.IsType(err, ErrTypeCapacityExceeded))
		}()

		createAt(t, s, "too many", 0, 0, 0, CategoryOcclusionDynamic.Bitmask(), 0)
	})
}

func TestSystemHandles(t *testing.T) {
	s := newTestSystem(t, Config{})

	id := createAt(t, s, "first", 0, 0, 0, CategoryRenderStatic.Bitmask(), 0)
	params := QueryParams{Categories: CategoryRenderStatic.Bitmask()}

	t.Run("owner is replaced", func(t *testing.T) {
		require.NoError(t, s.UpdateSpatialDataObject(id, "renamed"))

		owner, err := s.GetSpatialDataOwner(id)
		require.NoError(t, err)
		require.Equal(t, "renamed", owner)
		require.ElementsMatch(t, []any{"renamed"}, s.CollectObjectsInBox(everywhere, params, nil))
	})

	t.Run("deleted handles are stale", func(t *testing.T) {
		require.NoError(t, s.DeleteSpatialData(id))
		require.Equal(t, 0, s.Len())

		err := s.DeleteSpatialData(id)
		require.True(t, errors.IsType(err, ErrTypeStaleHandle))

		err = s.UpdateSpatialDataBounds(id, boundsAt(1, 1, 1, 1))
		require.True(t, errors.IsType(err, ErrTypeStaleHandle))

		err = s.UpdateSpatialDataObject(id, "ghost")
		require.True(t, errors.IsType(err, ErrTypeStaleHandle))

		_, err = s.GetSpatialDataOwner(id)
		require.True(t, errors.IsType(err, ErrTypeStaleHandle))

		_, err = s.GetVisibilityState(id, 0)
		require.True(t, errors.IsType(err, ErrTypeStaleHandle))

		require.Empty(t, s.CollectObjectsInBox(everywhere, params, nil))
	})

	t.Run("reused slots get a new handle", func(t *testing.T) {
		reused := createAt(t, s, "second", 0, 0, 0, CategoryRenderStatic.Bitmask(), 0)
		require.Equal(t, id.Index(), reused.Index())
		require.NotEqual(t, id, reused)

		err := s.DeleteSpatialData(id)
		require.True(t, errors.IsType(err, ErrTypeStaleHandle))
		require.ElementsMatch(t, []any{"second"}, s.CollectObjectsInBox(everywhere, params, nil))
	})

	t.Run("never issued handles are stale", func(t *testing.T) {
		_, err := s.GetSpatialDataOwner(newSpatialDataID(1000, 1))
		require.True(t, errors.IsType(err, ErrTypeStaleHandle))
	})
}

func TestSystemInvalidArguments(t *testing.T) {
	s := newTestSystem(t, Config{})
	indoor := RegisterTag("Indoor")

	t.Run("empty category bitmask", func(t *testing.T) {
		_, err := s.CreateSpatialData(boundsAt(0, 0, 0, 1), "x", 0, 0)
		require.True(t, errors.IsType(err, ErrTypeInvalidArgument))

		_, err = s.CreateSpatialDataAlwaysVisible("x", 0, 0)
		require.True(t, errors.IsType(err, ErrTypeInvalidArgument))
		require.Equal(t, 0, s.Len())
	})

	t.Run("invalid bounds", func(t *testing.T) {
		invalid := BoundingBoxSphere{HalfExtents: mgl32.Vec3{-1, 1, 1}}

		_, err := s.CreateSpatialData(invalid, "x", CategoryRenderStatic.Bitmask(), 0)
		require.True(t, errors.IsType(err, ErrTypeInvalidArgument))

		id := createAt(t, s, "x", 0, 0, 0, CategoryRenderStatic.Bitmask(), 0)
		err = s.UpdateSpatialDataBounds(id, invalid)
		require.True(t, errors.IsType(err, ErrTypeInvalidArgument))
	})

	t.Run("invalid queries report nothing", func(t *testing.T) {
		var stats QueryStats

		res := s.CollectObjectsInBox(everywhere, QueryParams{Stats: &stats}, nil)
		require.Empty(t, res)

		res = s.CollectObjectsInBox(everywhere, QueryParams{
			Categories:  CategoryRenderStatic.Bitmask(),
			IncludeTags: NewTagSet(indoor),
			ExcludeTags: NewTagSet(indoor),
			Stats:       &stats,
		}, nil)
		require.Empty(t, res)
		require.Equal(t, QueryStats{}, stats)
	})
}

func TestSystemUpdateLocality(t *testing.T) {
	s := newTestSystem(t, Config{CellSize: 10, CellOverlap: 2})
	params := QueryParams{Categories: CategoryRenderDynamic.Bitmask()}

	moving := createAt(t, s, "moving", 5, 5, 5, CategoryRenderDynamic.Bitmask(), 0)
	createAt(t, s, "still", 5, 5, 5, CategoryRenderDynamic.Bitmask(), 0)

	mutations := s.GetInternalStats().CellMutations

	t.Run("moving within the cells touches nothing", func(t *testing.T) {
		require.NoError(t, s.UpdateSpatialDataBounds(moving, boundsAt(7, 6, 5, 1)))
		require.Equal(t, mutations, s.GetInternalStats().CellMutations)

		bounds, err := s.GetSpatialDataBounds(moving)
		require.NoError(t, err)
		require.Equal(t, boundsAt(7, 6, 5, 1), bounds)

		require.ElementsMatch(t, []any{"moving", "still"}, s.CollectObjectsInBox(box(4, 4, 4, 7, 7, 7), params, nil))
	})

	t.Run("leaving the cells only moves the entry", func(t *testing.T) {
		require.NoError(t, s.UpdateSpatialDataBounds(moving, boundsAt(55, 5, 5, 1)))
		require.Equal(t, mutations+2, s.GetInternalStats().CellMutations)

		require.ElementsMatch(t, []any{"still"}, s.CollectObjectsInBox(box(4, 4, 4, 6, 6, 6), params, nil))
		require.ElementsMatch(t, []any{"moving"}, s.CollectObjectsInBox(box(50, 0, 0, 60, 10, 10), params, nil))
	})
}

func TestSystemDeduplicatesResults(t *testing.T) {
	s := newTestSystem(t, Config{
		MinCachePromotionScore: 1,
		CacheQueryDecay:        1,
	})
	indoor := RegisterTag("Indoor")
	both := CategoryRenderStatic.Bitmask() | CategoryRenderDynamic.Bitmask()

	createAt(t, s, "both", 0, 0, 0, both, NewTagSet(indoor))
	createAt(t, s, "static", 0, 0, 0, CategoryRenderStatic.Bitmask(), 0)
	_, err := s.CreateSpatialData(boundsAt(0, 0, 0, 400), "huge", both, NewTagSet(indoor))
	require.NoError(t, err)

	t.Run("regular grids", func(t *testing.T) {
		res := s.CollectObjectsInBox(everywhere, QueryParams{Categories: both}, nil)
		require.ElementsMatch(t, []any{"both", "static", "huge"}, res)
	})

	t.Run("cached and regular grids", func(t *testing.T) {
		params := QueryParams{
			Categories:  CategoryRenderStatic.Bitmask(),
			IncludeTags: NewTagSet(indoor),
		}
		for i := 0; i < 4; i++ {
			s.CollectObjectsInBox(everywhere, params, nil)
		}
		s.StartNewFrame()
		require.Equal(t, 1, s.GetInternalStats().NumCachedGrids)

		params.Categories = both
		res := s.CollectObjectsInSphere(NewBoundingSphere(mgl32.Vec3{}, 50), params, nil)
		require.ElementsMatch(t, []any{"both", "huge"}, res)
	})
}

func TestSystemQueryVisitor(t *testing.T) {
	s := newTestSystem(t, Config{})
	params := QueryParams{Categories: CategoryRenderStatic.Bitmask()}

	for i := 0; i < 5; i++ {
		createAt(t, s, i, float32(i), 0, 0, CategoryRenderStatic.Bitmask(), 0)
	}

	t.Run("stop ends the query", func(t *testing.T) {
		var visited int
		s.FindObjectsInBox(everywhere, params, func(owner any) VisitorExecution {
			visited++
			return VisitorStop
		})
		require.Equal(t, 1, visited)

		visited = 0
		s.FindObjectsInSphere(NewBoundingSphere(mgl32.Vec3{}, 100), params, func(owner any) VisitorExecution {
			visited++
			return VisitorStop
		})
		require.Equal(t, 1, visited)
	})

	t.Run("stats accumulate", func(t *testing.T) {
		var stats QueryStats
		params.Stats = &stats

		s.CollectObjectsInBox(box(-0.5, -0.5, -0.5, 0.5, 0.5, 0.5), params, nil)
		s.CollectObjectsInBox(everywhere, params, nil)
		require.Equal(t, 10, stats.TotalNumTestedObjects)
		require.Equal(t, 7, stats.NumObjectsPassed)
	})

	t.Run("collect appends to out", func(t *testing.T) {
		res := s.CollectObjectsInBox(box(-0.5, -0.5, -0.5, 0.5, 0.5, 0.5), QueryParams{
			Categories: CategoryRenderStatic.Bitmask(),
		}, []any{"existing"})
		require.ElementsMatch(t, []any{"existing", 0, 1}, res)
	})
}

func TestSystemAlwaysVisible(t *testing.T) {
	s := newTestSystem(t, Config{})
	indoor := RegisterTag("Indoor")

	sky, err := s.CreateSpatialDataAlwaysVisible("sky", CategoryRenderStatic.Bitmask(), NewTagSet(indoor))
	require.NoError(t, err)
	createAt(t, s, "box", 0, 0, 0, CategoryRenderStatic.Bitmask(), 0)

	far := box(5000, 5000, 5000, 5001, 5001, 5001)
	params := QueryParams{Categories: CategoryRenderStatic.Bitmask()}

	t.Run("reported anywhere", func(t *testing.T) {
		require.ElementsMatch(t, []any{"sky"}, s.CollectObjectsInBox(far, params, nil))
		require.ElementsMatch(t, []any{"sky"}, s.CollectObjectsInSphere(NewBoundingSphere(mgl32.Vec3{-5000, 0, 0}, 1), params, nil))

		f := NewFrustumPerspective(mgl32.Vec3{0, 0, 10}, mgl32.Vec3{0, 0, 20}, mgl32.Vec3{0, 1, 0}, mgl32.DegToRad(60), 1, 0.1, 100)
		require.ElementsMatch(t, []any{"sky"}, s.FindVisibleObjects(f, params, nil, nil, VisibilityDirect))
	})

	t.Run("still filtered by tags and categories", func(t *testing.T) {
		params := params
		params.ExcludeTags = NewTagSet(indoor)
		require.Empty(t, s.CollectObjectsInBox(far, params, nil))

		require.Empty(t, s.CollectObjectsInBox(far, QueryParams{Categories: CategoryRenderDynamic.Bitmask()}, nil))
	})

	t.Run("has no cells", func(t *testing.T) {
		_, err := s.GetCellBoxForSpatialData(sky)
		require.True(t, errors.IsType(err, ErrTypeInvalidArgument))
		require.NoError(t, s.UpdateSpatialDataBounds(sky, boundsAt(1, 1, 1, 1)))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteSpatialData(sky))
		require.Empty(t, s.CollectObjectsInBox(far, params, nil))
	})
}

func TestSystemVisibility(t *testing.T) {
	s := newTestSystem(t, Config{})
	params := QueryParams{Categories: CategoryRenderStatic.Bitmask()}
	f := NewFrustumPerspective(mgl32.Vec3{0, 0, 10}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}, mgl32.DegToRad(60), 1, 0.1, 100)

	seen := createAt(t, s, "seen", 0, 0, 0, CategoryRenderStatic.Bitmask(), 0)
	behind := createAt(t, s, "behind", 0, 0, 50, CategoryRenderStatic.Bitmask(), 0)

	requireState := func(t *testing.T, id SpatialDataID, n uint32, state VisibilityState) {
		got, err := s.GetVisibilityState(id, n)
		require.NoError(t, err)
		require.Equal(t, state, got)
	}

	t.Run("objects outside the frustum are not reported", func(t *testing.T) {
		require.ElementsMatch(t, []any{"seen"}, s.FindVisibleObjects(f, params, nil, nil, VisibilityDirect))
		requireState(t, seen, 0, VisibilityDirect)
		requireState(t, behind, 10, VisibilityInvisible)
	})

	t.Run("weaker states do not override in the same frame", func(t *testing.T) {
		s.FindVisibleObjects(f, params, nil, nil, VisibilityIndirect)
		requireState(t, seen, 0, VisibilityDirect)
	})

	t.Run("states expire after the given number of frames", func(t *testing.T) {
		s.StartNewFrame()
		requireState(t, seen, 0, VisibilityInvisible)
		requireState(t, seen, 1, VisibilityDirect)

		s.FindVisibleObjects(f, params, nil, nil, VisibilityIndirect)
		requireState(t, seen, 0, VisibilityIndirect)
	})

	t.Run("occluded objects are not reported", func(t *testing.T) {
		occluded := createAt(t, s, "occluded", 1, 0, 0, CategoryRenderStatic.Bitmask(), 0)

		res := s.FindVisibleObjects(f, params, nil, func(b BoundingBox) bool {
			return b.ContainsPoint(mgl32.Vec3{1.5, 0, 0})
		}, VisibilityDirect)
		require.ElementsMatch(t, []any{"seen"}, res)
		requireState(t, occluded, 10, VisibilityInvisible)
	})

	t.Run("tracking can be disabled", func(t *testing.T) {
		s := newTestSystem(t, Config{
			Flags: featureflag.New([]string{string(featureflag.FlagDisableVisibilityTracking)}),
		})
		id := createAt(t, s, "seen", 0, 0, 0, CategoryRenderStatic.Bitmask(), 0)

		require.ElementsMatch(t, []any{"seen"}, s.FindVisibleObjects(f, params, nil, nil, VisibilityDirect))
		state, err := s.GetVisibilityState(id, 10)
		require.NoError(t, err)
		require.Equal(t, VisibilityInvisible, state)
	})
}

func TestSystemVisibilityIsConservative(t *testing.T) {
	s := newTestSystem(t, Config{CellSize: 8})
	params := QueryParams{Categories: CategoryRenderStatic.Bitmask()}
	f := NewFrustumPerspective(mgl32.Vec3{0, 0, 60}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}, mgl32.DegToRad(45), 1.5, 1, 120)
	rnd := rand.New(rand.NewSource(42))

	bounds := make(map[int]BoundingBoxSphere)
	for i := 0; i < 500; i++ {
		b := boundsAt(
			rnd.Float32()*160-80,
			rnd.Float32()*160-80,
			rnd.Float32()*160-80,
			0.5+rnd.Float32()*6,
		)
		_, err := s.CreateSpatialData(b, i, params.Categories, 0)
		require.NoError(t, err)
		bounds[i] = b
	}

	reported := make(map[int]int)
	for _, owner := range s.FindVisibleObjects(f, params, nil, nil, VisibilityDirect) {
		reported[owner.(int)]++
	}

	t.Run("entries are reported once", func(t *testing.T) {
		for i, n := range reported {
			require.Equal(t, 1, n, i)
		}
	})

	t.Run("entries with their center inside are reported", func(t *testing.T) {
		for i, b := range bounds {
			if f.OverlapsSphere(NewBoundingSphere(b.Box().Center(), 0)) {
				require.Contains(t, reported, i)
			}
		}
	})

	t.Run("entries outside a plane are not reported", func(t *testing.T) {
		for i, b := range bounds {
			if !f.OverlapsBox(b.Box()) {
				require.NotContains(t, reported, i)
			}
		}
	})
}

func TestSystemDebug(t *testing.T) {
	name := t.Name()
	s := newTestSystem(t, Config{})

	a := createAt(t, s, "a", 10, 10, 10, CategoryRenderStatic.Bitmask(), 0)
	createAt(t, s, "b", 300, 10, 10, CategoryRenderDynamic.Bitmask(), 0)
	createAt(t, s, "c", 20, 20, 20, CategoryRenderDynamic.Bitmask(), 0)

	t.Run("cell box of an entry", func(t *testing.T) {
		b, err := s.GetCellBoxForSpatialData(a)
		require.NoError(t, err)
		require.Equal(t, box(0, 0, 0, 128, 128, 128), b)
	})

	t.Run("all cell boxes", func(t *testing.T) {
		require.Len(t, s.GetAllCellBoxes(0), 2)
		require.Equal(t, []BoundingBox{box(0, 0, 0, 128, 128, 128)}, s.GetAllCellBoxes(CategoryRenderStatic.Bitmask()))
		require.Len(t, s.GetAllCellBoxes(CategoryRenderDynamic.Bitmask()), 2)
	})

	t.Run("internal stats", func(t *testing.T) {
		stats := s.GetInternalStats()
		require.Equal(t, name, stats.Name)
		require.Equal(t, 3, stats.NumEntries)
		require.Equal(t, 2, stats.NumRegularGrids)
		require.Equal(t, 3, stats.NumCells)
		require.Len(t, stats.Grids, 2)
	})
}

func TestSystemDisableCachedGrids(t *testing.T) {
	s := newTestSystem(t, Config{
		MinCachePromotionScore: 1,
		Flags:                  featureflag.New([]string{string(featureflag.FlagDisableCachedGrids)}),
	})
	indoor := RegisterTag("Indoor")

	createAt(t, s, "indoor", 0, 0, 0, CategoryRenderStatic.Bitmask(), NewTagSet(indoor))
	createAt(t, s, "outdoor", 0, 0, 0, CategoryRenderStatic.Bitmask(), 0)

	params := QueryParams{
		Categories:  CategoryRenderStatic.Bitmask(),
		IncludeTags: NewTagSet(indoor),
	}
	for i := 0; i < 50; i++ {
		require.ElementsMatch(t, []any{"indoor"}, s.CollectObjectsInBox(everywhere, params, nil))
	}
	s.StartNewFrame()

	require.Equal(t, 0, s.GetInternalStats().NumCachedGrids)
	require.Empty(t, s.CacheCandidates())
	require.Equal(t, uint64(1), s.Frame())
}

func TestSystemConcurrentQueries(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	s := newTestSystem(t, Config{MinCachePromotionScore: 1})
	indoor := RegisterTag("Indoor")

	expected := 0
	for i := 0; i < 200; i++ {
		var tags TagSet
		if i%2 == 0 {
			tags = NewTagSet(indoor)
		}

		bounds := randomBounds(rnd)
		_, err := s.CreateSpatialData(bounds, i, CategoryRenderStatic.Bitmask(), tags)
		require.NoError(t, err)

		if !tags.IsEmpty() && bounds.OverlapsBox(everywhere) {
			expected++
		}
	}

	f := NewFrustumPerspective(mgl32.Vec3{0, 0, 400}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}, mgl32.DegToRad(90), 1, 0.1, 2000)
	params := QueryParams{
		Categories:  CategoryRenderStatic.Bitmask(),
		IncludeTags: NewTagSet(indoor),
	}

	for frame := 0; frame < 3; frame++ {
		counts := make([]int, 8*20)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()

				var stats QueryStats
				params := params
				params.Stats = &stats

				for j := 0; j < 20; j++ {
					counts[i*20+j] = len(s.CollectObjectsInBox(everywhere, params, nil))
					s.FindVisibleObjects(f, params, nil, nil, VisibilityDirect)
				}
			}(i)
		}
		wg.Wait()
		s.StartNewFrame()

		for _, c := range counts {
			require.Equal(t, expected, c)
		}
	}

	require.Equal(t, 1, s.GetInternalStats().NumCachedGrids)
}

func TestSystemMetricsSharedName(t *testing.T) {
	name := t.Name()
	dataCount := func() float64 {
		return testutil.ToFloat64(spatialDataCount.WithLabelValues(name))
	}

	a := NewSystem(Config{Name: name})
	b := NewSystem(Config{Name: name})
	defer b.Close()

	createAt(t, a, "a", 0, 0, 0, CategoryRenderStatic.Bitmask(), 0)
	createAt(t, b, "b1", 0, 0, 0, CategoryRenderStatic.Bitmask(), 0)
	createAt(t, b, "b2", 0, 0, 0, CategoryRenderStatic.Bitmask(), 0)
	require.Equal(t, float64(3), dataCount())

	t.Run("closing a system keeps the series of the other", func(t *testing.T) {
		a.Close()
		require.Equal(t, float64(2), dataCount())
		require.Equal(t, float64(1), testutil.ToFloat64(spatialGridCount.WithLabelValues(name, gridKindRegular)))
	})

	t.Run("closing twice changes nothing", func(t *testing.T) {
		a.Close()
		require.Equal(t, float64(2), dataCount())
	})

	t.Run("series are dropped with the last system", func(t *testing.T) {
		b.Close()
		require.False(t, spatialDataCount.DeleteLabelValues(name))
		require.False(t, spatialGridCount.DeleteLabelValues(name, gridKindRegular))
	})
}
