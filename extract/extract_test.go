package extract

import (
	"context"
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sowilo/render"
	"github.com/aukilabs/sowilo/spatial"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type testObject struct {
	batch    uint32
	position mgl32.Vec3
}

func (o *testObject) ExtractRenderData(view View, out *render.ExtractedRenderData) {
	out.AddRenderData(&render.BaseRenderData{
		Batch:    o.batch,
		Position: o.position,
	}, render.CategoryOpaque)
}

func newTestWorld(t *testing.T) (*spatial.System, map[string]spatial.SpatialDataID) {
	s := spatial.NewSystem(spatial.Config{Name: t.Name()})
	t.Cleanup(s.Close)

	ids := make(map[string]spatial.SpatialDataID)
	add := func(name string, owner any, position mgl32.Vec3) {
		id, err := s.CreateSpatialData(
			spatial.NewBoundingBoxSphere(spatial.NewBoundingBoxCenter(position, mgl32.Vec3{1, 1, 1})),
			owner,
			spatial.CategoryRenderStatic.Bitmask(),
			0,
		)
		require.NoError(t, err)
		ids[name] = id
	}

	add("front-1", &testObject{batch: 1, position: mgl32.Vec3{0, 0, -10}}, mgl32.Vec3{0, 0, -10})
	add("front-2", &testObject{batch: 1, position: mgl32.Vec3{1, 0, -20}}, mgl32.Vec3{1, 0, -20})
	add("front-plain", "not renderable", mgl32.Vec3{-1, 0, -15})
	add("back", &testObject{batch: 2, position: mgl32.Vec3{0, 0, 10}}, mgl32.Vec3{0, 0, 10})
	return s, ids
}

func frontView() View {
	return View{
		Name:   "front",
		Up:     mgl32.Vec3{0, 1, 0},
		Center: mgl32.Vec3{0, 0, -1},
		FovY:   mgl32.DegToRad(60),
		Aspect: 1,
		Near:   0.1,
		Far:    100,
		Params: spatial.QueryParams{
			Categories: spatial.CategoryRenderStatic.Bitmask(),
		},
	}
}

func backView() View {
	v := frontView()
	v.Name = "back"
	v.Center = mgl32.Vec3{0, 0, 1}
	return v
}

func TestSpatialExtractor(t *testing.T) {
	s, ids := newTestWorld(t)
	e := &SpatialExtractor{System: s}
	defer e.Close()

	out := render.NewExtractedRenderData()

	t.Run("visible renderables are extracted", func(t *testing.T) {
		stats, err := e.Extract(context.Background(), frontView(), out)
		require.NoError(t, err)
		require.Equal(t, 3, stats.NumVisible)
		require.Equal(t, 2, stats.NumRenderData)
		require.GreaterOrEqual(t, stats.Query.TotalNumTestedObjects, 3)

		batches := out.GetRenderDataBatchesWithCategory(render.CategoryOpaque, nil)
		require.Len(t, batches, 1)
		require.Equal(t, 2, batches[0].Len())

		view, ok := render.FrameData[View](out)
		require.True(t, ok)
		require.Equal(t, "front", view.Name)
	})

	t.Run("extracted objects are directly visible", func(t *testing.T) {
		state, err := s.GetVisibilityState(ids["front-1"], 0)
		require.NoError(t, err)
		require.Equal(t, spatial.VisibilityDirect, state)

		state, err = s.GetVisibilityState(ids["back"], 0)
		require.NoError(t, err)
		require.Equal(t, spatial.VisibilityInvisible, state)
	})

	t.Run("canceled extraction", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := e.Extract(ctx, frontView(), render.NewExtractedRenderData())
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeExtractCanceled))
	})
}

func TestExtractViews(t *testing.T) {
	s, _ := newTestWorld(t)
	e := &SpatialExtractor{System: s}

	t.Run("each view is extracted into its own output", func(t *testing.T) {
		outs := []*render.ExtractedRenderData{
			render.NewExtractedRenderData(),
			render.NewExtractedRenderData(),
		}
		outs[1].AddRenderData(&render.BaseRenderData{}, render.CategoryOpaque)

		stats, err := ExtractViews(context.Background(), e, []View{frontView(), backView()}, outs)
		require.NoError(t, err)
		require.Len(t, stats, 2)
		require.Equal(t, 2, stats[0].NumRenderData)
		require.Equal(t, 1, stats[1].NumRenderData)
		require.Equal(t, 2, outs[0].Len(render.CategoryOpaque))
		require.Equal(t, 1, outs[1].Len(render.CategoryOpaque))
	})

	t.Run("views and outputs must match", func(t *testing.T) {
		_, err := ExtractViews(context.Background(), e, []View{frontView()}, nil)
		require.True(t, errors.IsType(err, ErrTypeInvalidViews))
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := ExtractViews(ctx, e, []View{frontView()}, []*render.ExtractedRenderData{
			render.NewExtractedRenderData(),
		})
		require.True(t, errors.IsType(err, ErrTypeExtractCanceled))
	})
}

type failingExtractor struct{}

func (failingExtractor) Extract(ctx context.Context, view View, out *render.ExtractedRenderData) (Stats, error) {
	return Stats{}, errors.New("extraction failed").WithType("test-failure")
}

func (failingExtractor) Close() {
}

func TestExtractorWithMetrics(t *testing.T) {
	world := t.Name()

	t.Run("errors are counted by type", func(t *testing.T) {
		e := ExtractorWithMetrics(failingExtractor{}, world)

		_, err := e.Extract(context.Background(), frontView(), render.NewExtractedRenderData())
		require.Error(t, err)
		require.Equal(t, float64(1), testutil.ToFloat64(extractViewErrors.With(prometheus.Labels{
			worldLabel:     world,
			viewLabel:      "front",
			errorTypeLabel: "test-failure",
		})))

		e.Close()
		require.Equal(t, 0, testutil.CollectAndCount(extractViewErrors))
	})

	t.Run("visible objects are counted", func(t *testing.T) {
		s, _ := newTestWorld(t)
		e := ExtractorWithMetrics(&SpatialExtractor{System: s}, world)
		defer e.Close()

		_, err := e.Extract(context.Background(), frontView(), render.NewExtractedRenderData())
		require.NoError(t, err)
		require.Equal(t, float64(3), testutil.ToFloat64(extractVisibleObjects.With(prometheus.Labels{
			worldLabel: world,
			viewLabel:  "front",
		})))
	})
}
