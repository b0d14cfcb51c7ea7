// Package geo provides great-circle math for the mesh: haversine distance,
// region containment, and deterministic node placement on the sphere.
package geo

import (
	"math"
	"math/rand/v2"

	"github.com/tutu-network/meshd/internal/domain"
)

// EarthRadiusKm is the mean Earth radius used by every distance here.
const EarthRadiusKm = 6371.0

// MaxScatterKm bounds how far Place puts a node from its anchor region center.
const MaxScatterKm = 1000.0

// placementSeed fixes the PRNG stream so placement is reproducible across runs.
const placementSeed = 0x6d657368 // "mesh"

// DistanceKm returns the haversine distance between two points.
func DistanceKm(a, b domain.Location) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := lat2 - lat1
	dLon := radians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// Rounding can push h a hair past 1 for antipodal points.
	h = math.Min(1, h)

	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Within reports whether loc lies inside the region's radius.
func Within(loc domain.Location, reg domain.Region) bool {
	return DistanceKm(loc, reg.Center) <= reg.RadiusKm
}

// Place returns a deterministic location for the node with sequence number
// seq. Nodes are anchored round-robin on the known region centers and
// scattered up to MaxScatterKm along a pseudo-random bearing, so the same
// sequence always lands on the same point and consecutive nodes spread
// across all three continents.
func Place(seq int) domain.Location {
	regions := domain.AllRegions()
	anchor, _ := domain.LookupRegion(regions[seq%len(regions)])

	rng := rand.New(rand.NewPCG(placementSeed, uint64(seq)))
	bearing := rng.Float64() * 2 * math.Pi
	distance := rng.Float64() * MaxScatterKm

	return Destination(anchor.Center, bearing, distance)
}

// Destination returns the point reached by travelling distanceKm from start
// along the initial bearing (radians, clockwise from north).
func Destination(start domain.Location, bearing, distanceKm float64) domain.Location {
	lat1 := radians(start.Latitude)
	lon1 := radians(start.Longitude)
	delta := distanceKm / EarthRadiusKm

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) +
		math.Cos(lat1)*math.Sin(delta)*math.Cos(bearing))
	lon2 := lon1 + math.Atan2(
		math.Sin(bearing)*math.Sin(delta)*math.Cos(lat1),
		math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2),
	)

	return domain.Location{
		Latitude:  degrees(lat2),
		Longitude: normalizeLongitude(degrees(lon2)),
	}
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }

// normalizeLongitude wraps lon into [-180, 180).
func normalizeLongitude(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}
