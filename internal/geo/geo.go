// Package geo computes great-circle distances between WGS84 points.
//
// HAVERSINE:
// The haversine formula gives the distance between two points on a sphere
// from their latitudes and longitudes. Treating the Earth as a sphere of
// radius 6371 km is accurate to roughly 0.5%, which is plenty for "what is
// near me" queries.
//
//	h = sin²(Δφ/2) + cos φ1 · cos φ2 · sin²(Δλ/2)
//	d = 2R · asin(√h)
//
// Floating point error can push h a hair outside [0, 1] for identical or
// antipodal points, which would make asin return NaN. We clamp h first.
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used for all distance calculations.
const EarthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance in kilometres between two
// points given in decimal degrees. The result is symmetric, never negative,
// and zero for identical points.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)

	sinDPhi := math.Sin(dPhi / 2)
	sinDLambda := math.Sin(dLambda / 2)
	h := sinDPhi*sinDPhi + math.Cos(phi1)*math.Cos(phi2)*sinDLambda*sinDLambda
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// ValidLatitude reports whether lat is a finite value in [-90, 90].
func ValidLatitude(lat float64) bool {
	return !math.IsNaN(lat) && lat >= -90 && lat <= 90
}

// ValidLongitude reports whether lon is a finite value in [-180, 180].
func ValidLongitude(lon float64) bool {
	return !math.IsNaN(lon) && lon >= -180 && lon <= 180
}

// ValidCoordinates reports whether both components are in range.
func ValidCoordinates(lat, lon float64) bool {
	return ValidLatitude(lat) && ValidLongitude(lon)
}

// Box is a latitude/longitude rectangle used to prefilter candidate rows in SQL
// before the exact distance is computed.
type Box struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// Contains reports whether the point lies inside the box (edges inclusive).
func (b Box) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// BoundingBox returns a box that contains every point within radiusKm of
// (lat, lon). It errs on the side of including too much: when the circle
// touches a pole or crosses the antimeridian the longitude span becomes the
// full [-180, 180] rather than splitting into two rectangles.
func BoundingBox(lat, lon, radiusKm float64) Box {
	// Angular radius, padded slightly so rounding never drops an edge point.
	angular := radiusKm/EarthRadiusKm + 1e-9
	dLat := degrees(angular)

	box := Box{
		MinLat: lat - dLat,
		MaxLat: lat + dLat,
		MinLon: -180,
		MaxLon: 180,
	}

	if box.MinLat <= -90 || box.MaxLat >= 90 {
		box.MinLat = math.Max(box.MinLat, -90)
		box.MaxLat = math.Min(box.MaxLat, 90)
		return box
	}

	// Longitude delta at this latitude (see "Finding Points Within a Distance
	// of a Latitude/Longitude Using Bounding Coordinates", J. P. Matuschek).
	sinRatio := math.Sin(angular) / math.Cos(radians(lat))
	if sinRatio >= 1 {
		return box
	}
	dLon := degrees(math.Asin(sinRatio))

	minLon, maxLon := lon-dLon, lon+dLon
	if minLon < -180 || maxLon > 180 {
		return box
	}
	box.MinLon, box.MaxLon = minLon, maxLon
	return box
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
