package culling

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// Plane is a plane in Hessian normal form: Normal.p + Distance = 0. Points on
// the side the normal points to have a positive signed distance.
type Plane struct {
	Normal   r3.Vector
	Distance float64
}

// SignedDistance returns the distance between the plane and the point,
// negative when the point is behind the plane.
func (p Plane) SignedDistance(v r3.Vector) float64 {
	return p.Normal.Dot(v) + p.Distance
}

func newPlane(v mgl64.Vec4) Plane {
	normal := r3.Vector{X: v[0], Y: v[1], Z: v[2]}
	length := normal.Norm()
	if length == 0 {
		return Plane{}
	}

	return Plane{
		Normal:   normal.Mul(1 / length),
		Distance: v[3] / length,
	}
}

// Frustum is a culling volume made of inward facing planes.
type Frustum struct {
	Planes [6]Plane
}

// NewFrustum extracts the left, right, bottom, top, near and far planes from
// a view-projection matrix.
func NewFrustum(viewProjection mgl64.Mat4) Frustum {
	row0 := viewProjection.Row(0)
	row1 := viewProjection.Row(1)
	row2 := viewProjection.Row(2)
	row3 := viewProjection.Row(3)

	return Frustum{
		Planes: [6]Plane{
			newPlane(row3.Add(row0)),
			newPlane(row3.Sub(row0)),
			newPlane(row3.Add(row1)),
			newPlane(row3.Sub(row1)),
			newPlane(row3.Add(row2)),
			newPlane(row3.Sub(row2)),
		},
	}
}

// Intersect tests the volume against every plane of the frustum.
func (f Frustum) Intersect(v Volume) Intersect {
	intersecting := false

	for _, p := range f.Planes {
		switch v.IntersectPlane(p) {
		case Outside:
			return Outside
		case Intersecting:
			intersecting = true
		}
	}

	if intersecting {
		return Intersecting
	}
	return Inside
}

// Camera is a perspective camera.
type Camera struct {
	Position  r3.Vector
	Direction r3.Vector
	Up        r3.Vector

	// The vertical field of view in radians.
	FovY   float64
	Aspect float64
	Near   float64
	Far    float64

	// The viewport height in pixels.
	Height float64
}

// View returns the view matrix.
func (c Camera) View() mgl64.Mat4 {
	eye := toVec3(c.Position)
	return mgl64.LookAtV(eye, eye.Add(toVec3(c.Direction)), toVec3(c.Up))
}

// ViewProjection returns the projection matrix multiplied by the view
// matrix.
func (c Camera) ViewProjection() mgl64.Mat4 {
	projection := mgl64.Perspective(c.FovY, c.Aspect, c.Near, c.Far)
	return projection.Mul4(c.View())
}

// Frustum returns the camera culling volume.
func (c Camera) Frustum() Frustum {
	return NewFrustum(c.ViewProjection())
}

// SSEDenominator returns 2*tan(fovy/2), the denominator used when projecting
// geometric errors on screen.
func (c Camera) SSEDenominator() float64 {
	return 2 * math.Tan(c.FovY/2)
}

// DistanceToCamera returns the distance between the camera and the volume.
func (c Camera) DistanceToCamera(v Volume) float64 {
	return v.DistanceTo(c.Position)
}

// CenterZDepth returns the depth of the volume center along the camera
// direction.
func (c Camera) CenterZDepth(v Volume) float64 {
	return v.Centroid().Sub(c.Position).Dot(c.Direction.Normalize())
}

func toVec3(v r3.Vector) mgl64.Vec3 {
	return mgl64.Vec3{v.X, v.Y, v.Z}
}
