package culling

import (
	"math"

	"github.com/golang/geo/r3"
)

const (
	// Epsilon7 is the minimum distance used when computing screen space
	// errors, it keeps the error finite when the camera is inside a volume.
	Epsilon7 = 1e-7

	wgs84RadiusX = 6378137.0
	wgs84RadiusY = 6378137.0
	wgs84RadiusZ = 6356752.3142451793
)

// EqualWithEpsilon reports whether a and b are within epsilon of each other.
func EqualWithEpsilon(a, b, epsilon float64) bool {
	return math.Abs(a-b) <= epsilon
}

// VectorEqualWithEpsilon reports whether each component of a and b are within
// epsilon of each other.
func VectorEqualWithEpsilon(a, b r3.Vector, epsilon float64) bool {
	return EqualWithEpsilon(a.X, b.X, epsilon) &&
		EqualWithEpsilon(a.Y, b.Y, epsilon) &&
		EqualWithEpsilon(a.Z, b.Z, epsilon)
}

// NewVector returns a vector from a slice of at least 3 elements.
func NewVector(v []float64) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

// CartographicToCartesian converts a WGS84 longitude, latitude (radians) and
// height (meters) to earth fixed cartesian coordinates.
func CartographicToCartesian(longitude, latitude, height float64) r3.Vector {
	cosLatitude := math.Cos(latitude)
	normal := r3.Vector{
		X: cosLatitude * math.Cos(longitude),
		Y: cosLatitude * math.Sin(longitude),
		Z: math.Sin(latitude),
	}.Normalize()

	k := r3.Vector{
		X: wgs84RadiusX * wgs84RadiusX * normal.X,
		Y: wgs84RadiusY * wgs84RadiusY * normal.Y,
		Z: wgs84RadiusZ * wgs84RadiusZ * normal.Z,
	}
	gamma := math.Sqrt(normal.Dot(k))
	k = k.Mul(1 / gamma)

	return k.Add(normal.Mul(height))
}

// ScreenSpaceError returns the projected error in pixels of a geometric error
// seen from the given distance. The denominator is 2*tan(fovy/2).
func ScreenSpaceError(geometricError, distance, viewportHeight, sseDenominator float64) float64 {
	if geometricError <= 0 {
		return 0
	}

	distance = math.Max(distance, Epsilon7)
	return geometricError * viewportHeight / (distance * sseDenominator)
}
