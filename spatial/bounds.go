package spatial

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// BoundingBox is an axis aligned box.
type BoundingBox struct {
	Min mgl32.Vec3
	Max mgl32.Vec3
}

func NewBoundingBox(min, max mgl32.Vec3) BoundingBox {
	return BoundingBox{Min: min, Max: max}
}

// NewBoundingBoxCenter returns a box from its center and half extents.
func NewBoundingBoxCenter(center, halfExtents mgl32.Vec3) BoundingBox {
	return BoundingBox{
		Min: center.Sub(halfExtents),
		Max: center.Add(halfExtents),
	}
}

func (b BoundingBox) Center() mgl32.Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

func (b BoundingBox) HalfExtents() mgl32.Vec3 {
	return b.Max.Sub(b.Min).Mul(0.5)
}

func (b BoundingBox) IsValid() bool {
	return b.Min.X() <= b.Max.X() && b.Min.Y() <= b.Max.Y() && b.Min.Z() <= b.Max.Z()
}

// Grow returns the box expanded by v on every side.
func (b BoundingBox) Grow(v float32) BoundingBox {
	d := mgl32.Vec3{v, v, v}
	return BoundingBox{Min: b.Min.Sub(d), Max: b.Max.Add(d)}
}

func (b BoundingBox) Overlaps(o BoundingBox) bool {
	return b.Min.X() <= o.Max.X() && b.Max.X() >= o.Min.X() &&
		b.Min.Y() <= o.Max.Y() && b.Max.Y() >= o.Min.Y() &&
		b.Min.Z() <= o.Max.Z() && b.Max.Z() >= o.Min.Z()
}

func (b BoundingBox) Contains(o BoundingBox) bool {
	return b.Min.X() <= o.Min.X() && b.Max.X() >= o.Max.X() &&
		b.Min.Y() <= o.Min.Y() && b.Max.Y() >= o.Max.Y() &&
		b.Min.Z() <= o.Min.Z() && b.Max.Z() >= o.Max.Z()
}

func (b BoundingBox) ContainsPoint(p mgl32.Vec3) bool {
	return p.X() >= b.Min.X() && p.X() <= b.Max.X() &&
		p.Y() >= b.Min.Y() && p.Y() <= b.Max.Y() &&
		p.Z() >= b.Min.Z() && p.Z() <= b.Max.Z()
}

// OverlapsSphere reports whether the closest point of the box lies inside the sphere.
func (b BoundingBox) OverlapsSphere(s BoundingSphere) bool {
	var distSq float32
	for i := 0; i < 3; i++ {
		c := s.Center[i]
		if c < b.Min[i] {
			d := b.Min[i] - c
			distSq += d * d
		} else if c > b.Max[i] {
			d := c - b.Max[i]
			distSq += d * d
		}
	}
	return distSq <= s.Radius*s.Radius
}

// BoundingSphere is a sphere volume.
type BoundingSphere struct {
	Center mgl32.Vec3
	Radius float32
}

func NewBoundingSphere(center mgl32.Vec3, radius float32) BoundingSphere {
	return BoundingSphere{Center: center, Radius: radius}
}

func (s BoundingSphere) Overlaps(o BoundingSphere) bool {
	r := s.Radius + o.Radius
	d := s.Center.Sub(o.Center)
	return d.Dot(d) <= r*r
}

// BoundingBox returns the box enclosing the sphere.
func (s BoundingSphere) BoundingBox() BoundingBox {
	return NewBoundingBoxCenter(s.Center, mgl32.Vec3{s.Radius, s.Radius, s.Radius})
}

// BoundingBoxSphere is the union of a box and a sphere sharing the same
// center. Tests succeed only when both volumes pass.
type BoundingBoxSphere struct {
	Center      mgl32.Vec3
	HalfExtents mgl32.Vec3
	Radius      float32
}

// NewBoundingBoxSphere returns the box sphere enclosing box. The sphere is
// the one circumscribing the box.
func NewBoundingBoxSphere(box BoundingBox) BoundingBoxSphere {
	halfExtents := box.HalfExtents()
	return BoundingBoxSphere{
		Center:      box.Center(),
		HalfExtents: halfExtents,
		Radius:      halfExtents.Len(),
	}
}

// NewBoundingBoxSphereFromSphere returns the box sphere enclosing sphere.
func NewBoundingBoxSphereFromSphere(sphere BoundingSphere) BoundingBoxSphere {
	return BoundingBoxSphere{
		Center:      sphere.Center,
		HalfExtents: mgl32.Vec3{sphere.Radius, sphere.Radius, sphere.Radius},
		Radius:      sphere.Radius,
	}
}

func (b BoundingBoxSphere) Box() BoundingBox {
	return NewBoundingBoxCenter(b.Center, b.HalfExtents)
}

func (b BoundingBoxSphere) Sphere() BoundingSphere {
	return BoundingSphere{Center: b.Center, Radius: b.Radius}
}

func (b BoundingBoxSphere) IsValid() bool {
	return b.HalfExtents.X() >= 0 && b.HalfExtents.Y() >= 0 && b.HalfExtents.Z() >= 0 &&
		b.Radius >= 0 && !math.IsNaN(float64(b.Radius))
}

func (b BoundingBoxSphere) OverlapsBox(box BoundingBox) bool {
	return b.Box().Overlaps(box) && box.OverlapsSphere(b.Sphere())
}

func (b BoundingBoxSphere) OverlapsSphere(sphere BoundingSphere) bool {
	return b.Sphere().Overlaps(sphere) && b.Box().OverlapsSphere(sphere)
}

// Plane is the set of points p where Normal·p + Distance == 0. Points on the
// positive side are considered inside.
type Plane struct {
	Normal   mgl32.Vec3
	Distance float32
}

func (p Plane) SignedDistance(v mgl32.Vec3) float32 {
	return p.Normal.Dot(v) + p.Distance
}

func newPlane(v mgl32.Vec4) Plane {
	n := v.Vec3()
	l := n.Len()
	if l == 0 {
		return Plane{}
	}
	return Plane{Normal: n.Mul(1 / l), Distance: v.W() / l}
}

const (
	planeLeft = iota
	planeRight
	planeBottom
	planeTop
	planeNear
	planeFar
)

// Frustum is a convex volume bounded by six inward facing planes.
type Frustum struct {
	Planes  [6]Plane
	corners [8]mgl32.Vec3
}

// NewFrustumFromMatrix extracts the frustum of an OpenGL style view
// projection matrix (clip space z in [-1, 1]).
func NewFrustumFromMatrix(viewProjection mgl32.Mat4) Frustum {
	var f Frustum

	r0 := viewProjection.Row(0)
	r1 := viewProjection.Row(1)
	r2 := viewProjection.Row(2)
	r3 := viewProjection.Row(3)

	f.Planes[planeLeft] = newPlane(r3.Add(r0))
	f.Planes[planeRight] = newPlane(r3.Sub(r0))
	f.Planes[planeBottom] = newPlane(r3.Add(r1))
	f.Planes[planeTop] = newPlane(r3.Sub(r1))
	f.Planes[planeNear] = newPlane(r3.Add(r2))
	f.Planes[planeFar] = newPlane(r3.Sub(r2))

	inv := viewProjection.Inv()
	i := 0
	for _, z := range [2]float32{-1, 1} {
		for _, y := range [2]float32{-1, 1} {
			for _, x := range [2]float32{-1, 1} {
				p := inv.Mul4x1(mgl32.Vec4{x, y, z, 1})
				if p.W() != 0 {
					p = p.Mul(1 / p.W())
				}
				f.corners[i] = p.Vec3()
				i++
			}
		}
	}

	return f
}

// NewFrustumPerspective returns the frustum of a perspective camera located
// at eye and looking at center. fovY is in radians.
func NewFrustumPerspective(eye, center, up mgl32.Vec3, fovY, aspect, near, far float32) Frustum {
	view := mgl32.LookAtV(eye, center, up)
	projection := mgl32.Perspective(fovY, aspect, near, far)
	return NewFrustumFromMatrix(projection.Mul4(view))
}

// Corners returns the eight corner points of the frustum.
func (f Frustum) Corners() [8]mgl32.Vec3 {
	return f.corners
}

// BoundingBox returns the box enclosing the frustum corners.
func (f Frustum) BoundingBox() BoundingBox {
	box := BoundingBox{Min: f.corners[0], Max: f.corners[0]}
	for _, c := range f.corners[1:] {
		for i := 0; i < 3; i++ {
			box.Min[i] = float32(math.Min(float64(box.Min[i]), float64(c[i])))
			box.Max[i] = float32(math.Max(float64(box.Max[i]), float64(c[i])))
		}
	}
	return box
}

func (f Frustum) OverlapsSphere(s BoundingSphere) bool {
	for _, p := range f.Planes {
		if p.SignedDistance(s.Center) < -s.Radius {
			return false
		}
	}
	return true
}

// OverlapsBox is conservative: it rejects a box only when it lies fully
// outside one of the planes.
func (f Frustum) OverlapsBox(b BoundingBox) bool {
	for _, p := range f.Planes {
		var v mgl32.Vec3
		for i := 0; i < 3; i++ {
			if p.Normal[i] >= 0 {
				v[i] = b.Max[i]
			} else {
				v[i] = b.Min[i]
			}
		}
		if p.SignedDistance(v) < 0 {
			return false
		}
	}
	return true
}

func (f Frustum) OverlapsBoxSphere(b BoundingBoxSphere) bool {
	return f.OverlapsSphere(b.Sphere()) && f.OverlapsBox(b.Box())
}
