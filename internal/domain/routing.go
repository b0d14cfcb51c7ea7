package domain

import (
	"encoding/json"
	"time"
)

// DefaultReplicationFactor is used when a request leaves the factor unset.
const DefaultReplicationFactor = 3

// ─── Routing Request ────────────────────────────────────────────────────────

// Requirements carries the placement weights and replication factor of a
// request. Nil weights default to 1.
type Requirements struct {
	LatencyWeight     *float64 `json:"latencyWeight,omitempty"`
	LoadWeight        *float64 `json:"loadWeight,omitempty"`
	CapacityWeight    *float64 `json:"capacityWeight,omitempty"`
	ReplicationFactor int      `json:"replicationFactor,omitempty"`
}

// Weights resolves the three cost weights, applying defaults.
func (r Requirements) Weights() (latency, load, capacity float64) {
	return orOne(r.LatencyWeight), orOne(r.LoadWeight), orOne(r.CapacityWeight)
}

// Replicas returns the resolved replication factor.
func (r Requirements) Replicas() int {
	if r.ReplicationFactor <= 0 {
		return DefaultReplicationFactor
	}
	return r.ReplicationFactor
}

func orOne(p *float64) float64 {
	if p == nil {
		return 1
	}
	return *p
}

// Weight is a helper for building Requirements literals.
func Weight(v float64) *float64 { return &v }

// RoutingRequest asks the mesh to place one session.
type RoutingRequest struct {
	SessionID    string       `json:"sessionId"`
	Requirements Requirements `json:"requirements"`
	// CurrentTopology is caller context; the mesh does not interpret it.
	CurrentTopology json.RawMessage `json:"currentTopology,omitempty"`
	GeoTargets      []RegionID      `json:"geoTargets"`
}

// ─── Routing Decision ───────────────────────────────────────────────────────

// RoutingTable is the all-pairs shortest effective distance over Nodes.
type RoutingTable struct {
	Nodes  []*ProxyNode `json:"nodes"`
	Matrix [][]float64  `json:"matrix"`
}

// RoutingDecision is the result of placing one session. It is never stored
// by the mesh.
type RoutingDecision struct {
	SessionID      string       `json:"sessionId"`
	Primary        *ProxyNode   `json:"primary"`
	Replicas       []*ProxyNode `json:"replicas"`
	Routing        RoutingTable `json:"routing"`
	AffinityMatrix [][]float64  `json:"affinityMatrix"`
	// Degraded is set when no primary could be chosen (empty mesh).
	Degraded   bool      `json:"degraded,omitempty"`
	ComputedAt time.Time `json:"computedAt"`
}
