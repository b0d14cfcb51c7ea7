package domain

import "time"

// PlacementRecord is a persisted routing outcome. The API layer owns it; the
// mesh itself never stores decisions.
type PlacementRecord struct {
	DecisionID string     `json:"decisionId"`
	SessionID  string     `json:"sessionId"`
	PrimaryID  string     `json:"primaryId,omitempty"`
	ReplicaIDs []string   `json:"replicaIds"`
	GeoTargets []RegionID `json:"geoTargets"`
	Degraded   bool       `json:"degraded,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// NewPlacementRecord flattens a decision into its persisted form.
func NewPlacementRecord(decisionID string, req RoutingRequest, d RoutingDecision) PlacementRecord {
	rec := PlacementRecord{
		DecisionID: decisionID,
		SessionID:  req.SessionID,
		ReplicaIDs: make([]string, 0, len(d.Replicas)),
		GeoTargets: req.GeoTargets,
		Degraded:   d.Degraded,
		CreatedAt:  d.ComputedAt,
	}
	if d.Primary != nil {
		rec.PrimaryID = d.Primary.ID
	}
	for _, r := range d.Replicas {
		rec.ReplicaIDs = append(rec.ReplicaIDs, r.ID)
	}
	return rec
}
