// Package geo holds the distance and site-identity helpers shared by the
// stores and the reconciliation engine.
package geo

import "math"

// EarthRadiusMeters is the spherical earth radius used by Haversine.
const EarthRadiusMeters = 6371000.0

// metersPerDegreeLat is the arc length of one degree of latitude on that sphere.
const metersPerDegreeLat = EarthRadiusMeters * math.Pi / 180

// Haversine returns the great-circle distance in meters between two points
// given in decimal degrees. Inputs are not range checked.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := toRadians(lat1)
	phi2 := toRadians(lat2)
	dPhi := toRadians(lat2 - lat1)
	dLambda := toRadians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Asin(math.Sqrt(a))

	return EarthRadiusMeters * c
}

// LocationID derives the site identifier from a coordinate pair: both values
// are scaled by 1e6, truncated toward zero and XORed. Distinct pairs may map
// to the same id; such pairs are treated as one site.
func LocationID(lat, lon float64) int64 {
	return int64(lat*1e6) ^ int64(lon*1e6)
}

// BoundingBox returns a lat/lon window that contains every point within
// radius meters of (lat, lon). It is a coarse prefilter; callers still need
// Haversine for the exact test.
func BoundingBox(lat, lon, radius float64) (minLat, maxLat, minLon, maxLon float64) {
	dLat := radius / metersPerDegreeLat
	minLat, maxLat = lat-dLat, lat+dLat

	cosLat := math.Cos(toRadians(lat))
	if cosLat < 1e-6 || maxLat >= 90 || minLat <= -90 {
		return minLat, maxLat, -180, 180
	}
	dLon := dLat / cosLat
	if dLon >= 180 {
		return minLat, maxLat, -180, 180
	}
	return minLat, maxLat, lon - dLon, lon + dLon
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
