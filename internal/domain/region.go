package domain

// ─── Region Types ───────────────────────────────────────────────────────────

// RegionID is a region code a routing request can target.
type RegionID string

const (
	RegionUSEast1      RegionID = "us-east-1"
	RegionEUWest1      RegionID = "eu-west-1"
	RegionAPSoutheast1 RegionID = "ap-southeast-1"
)

// Region is a circular geographic area around a fixed center.
type Region struct {
	ID       RegionID `json:"id"`
	Center   Location `json:"center"`
	RadiusKm float64  `json:"radiusKm"`
}

var regionTable = map[RegionID]Region{
	RegionUSEast1: {
		ID:       RegionUSEast1,
		Center:   Location{Latitude: 39.0458, Longitude: -77.6413},
		RadiusKm: 500,
	},
	RegionEUWest1: {
		ID:       RegionEUWest1,
		Center:   Location{Latitude: 53.4129, Longitude: -8.2439},
		RadiusKm: 500,
	},
	RegionAPSoutheast1: {
		ID:       RegionAPSoutheast1,
		Center:   Location{Latitude: 1.2905, Longitude: 103.8520},
		RadiusKm: 500,
	},
}

// AllRegions returns every known region in a stable order.
func AllRegions() []RegionID {
	return []RegionID{RegionUSEast1, RegionEUWest1, RegionAPSoutheast1}
}

// IsValid reports whether r is in the region table.
func (r RegionID) IsValid() bool {
	_, ok := regionTable[r]
	return ok
}

// String returns the region code.
func (r RegionID) String() string { return string(r) }

// LookupRegion returns the region definition for id. Unknown codes return
// false; callers treat them as an empty target, not an error.
func LookupRegion(id RegionID) (Region, bool) {
	reg, ok := regionTable[id]
	return reg, ok
}
