package extract

import (
	"context"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sowilo/render"
	"github.com/aukilabs/sowilo/spatial"
	"github.com/go-gl/mathgl/mgl32"
)

const (
	// ErrTypeExtractCanceled is the type of errors returned when an
	// extraction stops because its context is done.
	ErrTypeExtractCanceled = "extract-canceled"

	// ErrTypeInvalidViews is the type of errors returned when views and
	// outputs do not match.
	ErrTypeInvalidViews = "extract-invalid-views"
)

// View is a camera a world is extracted for.
type View struct {
	Name string `json:"name"`

	Eye    mgl32.Vec3 `json:"eye"`
	Center mgl32.Vec3 `json:"center"`
	Up     mgl32.Vec3 `json:"up"`

	// Vertical field of view in radians.
	FovY   float32 `json:"fov_y"`
	Aspect float32 `json:"aspect"`
	Near   float32 `json:"near"`
	Far    float32 `json:"far"`

	Params     spatial.QueryParams     `json:"-"`
	Visibility spatial.VisibilityState `json:"-"`
}

func (v View) Frustum() spatial.Frustum {
	return spatial.NewFrustumPerspective(v.Eye, v.Center, v.Up, v.FovY, v.Aspect, v.Near, v.Far)
}

func (v View) Viewpoint() render.Viewpoint {
	return render.NewViewpoint(v.Eye, v.Center)
}

// Renderable is implemented by spatial data owners that produce render data.
type Renderable interface {
	ExtractRenderData(view View, out *render.ExtractedRenderData)
}

// Stats describes one extraction.
type Stats struct {
	NumVisible    int                `json:"num_visible"`
	NumRenderData int                `json:"num_render_data"`
	Query         spatial.QueryStats `json:"query"`
}

// Extractor fills an ExtractedRenderData with what a view sees.
type Extractor interface {
	// Extracts the render data visible from view into out, then sorts and
	// batches it.
	Extract(ctx context.Context, view View, out *render.ExtractedRenderData) (Stats, error)

	Close()
}

// SpatialExtractor extracts the owners a spatial system reports as visible.
// Owners that do not implement Renderable are skipped.
type SpatialExtractor struct {
	System *spatial.System

	// Reports whether a box is hidden. Optional.
	IsOccluded func(spatial.BoundingBox) bool
}

func (e *SpatialExtractor) Extract(ctx context.Context, view View, out *render.ExtractedRenderData) (Stats, error) {
	var stats Stats

	if err := ctx.Err(); err != nil {
		return stats, errors.New("extraction canceled").
			WithType(ErrTypeExtractCanceled).
			WithTag("view", view.Name).
			Wrap(err)
	}

	visibility := view.Visibility
	if visibility == spatial.VisibilityInvisible {
		visibility = spatial.VisibilityDirect
	}

	params := view.Params
	params.Stats = &stats.Query

	visible := e.System.FindVisibleObjects(view.Frustum(), params, nil, e.IsOccluded, visibility)
	stats.NumVisible = len(visible)

	out.SetViewpoint(view.Viewpoint())
	out.AddFrameData(view)

	before := out.TotalLen()
	for _, owner := range visible {
		if r, ok := owner.(Renderable); ok {
			r.ExtractRenderData(view, out)
		}
	}
	stats.NumRenderData = out.TotalLen() - before

	out.SortAndBatch()
	return stats, nil
}

func (e *SpatialExtractor) Close() {
}
