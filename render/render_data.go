package render

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// RenderData is an item extracted for one frame. Its concrete type and batch
// id decide which items can be drawn together.
type RenderData interface {
	// BatchID identifies items sharing the same draw state, like a mesh and
	// material pair.
	BatchID() uint32

	// SortingKey is the category independent part of the sort key, usually
	// derived from the material.
	SortingKey() uint32

	GlobalPosition() mgl32.Vec3
}

// BaseRenderData implements RenderData. Concrete render data types embed it.
type BaseRenderData struct {
	Batch    uint32
	Sorting  uint32
	Position mgl32.Vec3
}

func (d *BaseRenderData) BatchID() uint32 {
	return d.Batch
}

func (d *BaseRenderData) SortingKey() uint32 {
	return d.Sorting
}

func (d *BaseRenderData) GlobalPosition() mgl32.Vec3 {
	return d.Position
}

// Viewpoint is the camera render data is sorted for.
type Viewpoint struct {
	Position  mgl32.Vec3
	Direction mgl32.Vec3
}

// NewViewpoint returns the viewpoint of a camera at eye looking at center.
func NewViewpoint(eye, center mgl32.Vec3) Viewpoint {
	dir := center.Sub(eye)
	if dir.Len() > 0 {
		dir = dir.Normalize()
	}

	return Viewpoint{
		Position:  eye,
		Direction: dir,
	}
}

// Distance returns the distance between the viewpoint and p.
func (v Viewpoint) Distance(p mgl32.Vec3) float32 {
	return p.Sub(v.Position).Len()
}

// SortingKeyFunc computes the key render data is sorted by within a
// category. Lower keys come first.
type SortingKeyFunc func(rd RenderData, v Viewpoint) uint32

// SortByBatchThenFrontToBack groups items by the low 16 bits of their sorting
// key, then orders each group by increasing distance.
func SortByBatchThenFrontToBack(rd RenderData, v Viewpoint) uint32 {
	return rd.SortingKey()<<16 | distanceKey(v.Distance(rd.GlobalPosition()))>>16
}

// SortFrontToBack orders items by increasing distance.
func SortFrontToBack(rd RenderData, v Viewpoint) uint32 {
	return distanceKey(v.Distance(rd.GlobalPosition()))
}

// SortBackToFront orders items by decreasing distance.
func SortBackToFront(rd RenderData, v Viewpoint) uint32 {
	return ^distanceKey(v.Distance(rd.GlobalPosition()))
}

// distanceKey maps a non-negative distance to a key with the same order. The
// bits of non-negative floats compare like the floats themselves.
func distanceKey(d float32) uint32 {
	if !(d > 0) {
		return 0
	}
	return math.Float32bits(d)
}
