package culling

import (
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
)

// Intersect is the result of testing a volume against a plane or a frustum.
type Intersect int

const (
	Outside      Intersect = -1
	Intersecting Intersect = 0
	Inside       Intersect = 1
)

func (i Intersect) String() string {
	switch i {
	case Outside:
		return "outside"
	case Inside:
		return "inside"
	default:
		return "intersecting"
	}
}

// Volume is a bounding volume that can be culled against a frustum.
type Volume interface {
	// Centroid returns the center of the volume.
	Centroid() r3.Vector

	// DistanceTo returns the distance between the point and the closest point
	// of the volume. Points inside the volume are at distance 0.
	DistanceTo(p r3.Vector) float64

	// IntersectPlane reports on which side of the plane the volume is.
	IntersectPlane(p Plane) Intersect
}

// Sphere is a bounding sphere.
type Sphere struct {
	Center r3.Vector
	Radius float64
}

// NewSphere creates a sphere from a [x, y, z, radius] slice.
func NewSphere(v []float64) (Sphere, error) {
	if len(v) != 4 {
		return Sphere{}, errors.Newf("sphere requires 4 values, got %d", len(v))
	}
	if v[3] < 0 {
		return Sphere{}, errors.Newf("sphere radius is negative: %v", v[3])
	}

	return Sphere{
		Center: NewVector(v),
		Radius: v[3],
	}, nil
}

func (s Sphere) Centroid() r3.Vector {
	return s.Center
}

func (s Sphere) DistanceTo(p r3.Vector) float64 {
	return math.Max(0, s.Center.Distance(p)-s.Radius)
}

func (s Sphere) IntersectPlane(p Plane) Intersect {
	d := p.SignedDistance(s.Center)
	if d < -s.Radius {
		return Outside
	}
	if d < s.Radius {
		return Intersecting
	}
	return Inside
}

// OrientedBox is a box defined by its center and the three half axes, each
// half axis pointing from the center to the middle of a face.
type OrientedBox struct {
	Center   r3.Vector
	HalfAxes [3]r3.Vector
}

// NewOrientedBox creates a box from the 12 values of a manifest box: the
// center followed by the x, y and z half axes.
func NewOrientedBox(v []float64) (OrientedBox, error) {
	if len(v) != 12 {
		return OrientedBox{}, errors.Newf("box requires 12 values, got %d", len(v))
	}

	return OrientedBox{
		Center: NewVector(v[0:3]),
		HalfAxes: [3]r3.Vector{
			NewVector(v[3:6]),
			NewVector(v[6:9]),
			NewVector(v[9:12]),
		},
	}, nil
}

func (b OrientedBox) Centroid() r3.Vector {
	return b.Center
}

func (b OrientedBox) DistanceTo(p r3.Vector) float64 {
	offset := p.Sub(b.Center)

	var distanceSquared float64
	for _, axis := range b.HalfAxes {
		halfLength := axis.Norm()
		if halfLength == 0 {
			continue
		}

		d := offset.Dot(axis.Mul(1 / halfLength))
		switch {
		case d < -halfLength:
			distanceSquared += (d + halfLength) * (d + halfLength)
		case d > halfLength:
			distanceSquared += (d - halfLength) * (d - halfLength)
		}
	}

	return math.Sqrt(distanceSquared)
}

func (b OrientedBox) IntersectPlane(p Plane) Intersect {
	radius := math.Abs(p.Normal.Dot(b.HalfAxes[0])) +
		math.Abs(p.Normal.Dot(b.HalfAxes[1])) +
		math.Abs(p.Normal.Dot(b.HalfAxes[2]))

	d := p.SignedDistance(b.Center)
	if d <= -radius {
		return Outside
	}
	if d >= radius {
		return Inside
	}
	return Intersecting
}

// BoundingSphere returns the sphere enclosing the box.
func (b OrientedBox) BoundingSphere() Sphere {
	diagonal := b.HalfAxes[0].Add(b.HalfAxes[1]).Add(b.HalfAxes[2])
	return Sphere{
		Center: b.Center,
		Radius: diagonal.Norm(),
	}
}

// Region is a geographic extent with a height range. Culling uses the sphere
// enclosing the region corners in earth fixed coordinates.
type Region struct {
	// Bound is the extent in degrees, X being the longitude.
	Bound     orb.Bound
	MinHeight float64
	MaxHeight float64

	sphere Sphere
}

// NewRegion creates a region from the 6 values of a manifest region: west,
// south, east, north in radians followed by the minimum and maximum heights.
func NewRegion(v []float64) (Region, error) {
	if len(v) != 6 {
		return Region{}, errors.Newf("region requires 6 values, got %d", len(v))
	}

	west, south, east, north := v[0], v[1], v[2], v[3]
	if south > north {
		return Region{}, errors.Newf("region south %v is greater than north %v", south, north)
	}

	bound := orb.Bound{
		Min: orb.Point{radiansToDegrees(west), radiansToDegrees(south)},
		Max: orb.Point{radiansToDegrees(east), radiansToDegrees(north)},
	}

	r := Region{
		Bound:     bound,
		MinHeight: v[4],
		MaxHeight: v[5],
	}
	r.sphere = r.boundingSphere()
	return r, nil
}

func (r Region) boundingSphere() Sphere {
	center := r.Bound.Center()
	points := []orb.Point{
		r.Bound.Min,
		r.Bound.Max,
		{r.Bound.Min[0], r.Bound.Max[1]},
		{r.Bound.Max[0], r.Bound.Min[1]},
		center,
	}

	corners := make([]r3.Vector, 0, len(points)*2)
	for _, p := range points {
		lon, lat := degreesToRadians(p[0]), degreesToRadians(p[1])
		corners = append(corners,
			CartographicToCartesian(lon, lat, r.MinHeight),
			CartographicToCartesian(lon, lat, r.MaxHeight),
		)
	}

	mid := CartographicToCartesian(
		degreesToRadians(center[0]),
		degreesToRadians(center[1]),
		(r.MinHeight+r.MaxHeight)/2,
	)

	var radius float64
	for _, c := range corners {
		radius = math.Max(radius, c.Distance(mid))
	}

	return Sphere{
		Center: mid,
		Radius: radius,
	}
}

// ContainsDegrees reports whether the longitude and latitude in degrees are
// in the region extent.
func (r Region) ContainsDegrees(longitude, latitude float64) bool {
	return r.Bound.Contains(orb.Point{longitude, latitude})
}

// BoundingSphere returns the sphere used to cull the region.
func (r Region) BoundingSphere() Sphere {
	return r.sphere
}

func (r Region) Centroid() r3.Vector {
	return r.sphere.Center
}

func (r Region) DistanceTo(p r3.Vector) float64 {
	return r.sphere.DistanceTo(p)
}

func (r Region) IntersectPlane(p Plane) Intersect {
	return r.sphere.IntersectPlane(p)
}

func radiansToDegrees(v float64) float64 {
	return v * 180 / math.Pi
}

func degreesToRadians(v float64) float64 {
	return v * math.Pi / 180
}
