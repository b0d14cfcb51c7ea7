// Package domain holds the pure types of the proxy mesh: tiers, nodes,
// regions, routing requests and routing decisions.
package domain

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// ─── Tiers ──────────────────────────────────────────────────────────────────

// Tier is a class of proxy node with its own capacity and ring weight.
type Tier string

const (
	TierEdge     Tier = "edge"
	TierRegional Tier = "regional"
	TierBackbone Tier = "backbone"
)

// AllTiers returns every tier in the fixed order used for replica selection.
func AllTiers() []Tier {
	return []Tier{TierEdge, TierRegional, TierBackbone}
}

// IsValid reports whether t is a recognized tier.
func (t Tier) IsValid() bool {
	switch t {
	case TierEdge, TierRegional, TierBackbone:
		return true
	}
	return false
}

// String returns the tier name.
func (t Tier) String() string { return string(t) }

// VNodeCount returns how many ring positions a node of this tier occupies.
func (t Tier) VNodeCount() int {
	switch t {
	case TierEdge:
		return 150
	case TierRegional:
		return 100
	case TierBackbone:
		return 50
	}
	return 0
}

// BaseCapacity returns the request-unit ceiling for a node of this tier.
func (t Tier) BaseCapacity() int64 {
	switch t {
	case TierEdge:
		return 10_000
	case TierRegional:
		return 50_000
	case TierBackbone:
		return 100_000
	}
	return 0
}

// ParseTier converts a config string into a Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

// ─── Proxy Node ─────────────────────────────────────────────────────────────

// Location is a point on the globe in degrees.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ProxyNode is one member of the mesh. Every field except load is fixed at
// creation; load is written only by the health-check path and read
// concurrently by routing, so it is kept in an atomic.
type ProxyNode struct {
	ID              string
	Tier            Tier
	IP              string
	Port            int
	Location        Location
	Capacity        int64
	LatencyTargetMs float64
	VNodes          []uint32

	load atomic.Int64
}

// Load returns the request units currently consumed.
func (n *ProxyNode) Load() int64 { return n.load.Load() }

// SetLoad stores a new load value clamped to [0, Capacity].
func (n *ProxyNode) SetLoad(v int64) {
	if v < 0 {
		v = 0
	}
	if v > n.Capacity {
		v = n.Capacity
	}
	n.load.Store(v)
}

// Saturate pins load at capacity. Used when the node's circuit is open.
func (n *ProxyNode) Saturate() { n.load.Store(n.Capacity) }

// Utilization returns load/capacity in [0, 1].
func (n *ProxyNode) Utilization() float64 {
	if n.Capacity <= 0 {
		return 1
	}
	return float64(n.Load()) / float64(n.Capacity)
}

// Address returns ip:port.
func (n *ProxyNode) Address() string {
	return fmt.Sprintf("%s:%d", n.IP, n.Port)
}

// NodeView is the serialized form of a ProxyNode.
type NodeView struct {
	ID              string   `json:"id"`
	Tier            Tier     `json:"tier"`
	IP              string   `json:"ip"`
	Port            int      `json:"port"`
	Location        Location `json:"location"`
	Capacity        int64    `json:"capacity"`
	Load            int64    `json:"load"`
	LatencyTargetMs float64  `json:"latencyTargetMs"`
	VNodeCount      int      `json:"vnodeCount"`
}

// View returns a point-in-time copy of the node.
func (n *ProxyNode) View() NodeView {
	return NodeView{
		ID:              n.ID,
		Tier:            n.Tier,
		IP:              n.IP,
		Port:            n.Port,
		Location:        n.Location,
		Capacity:        n.Capacity,
		Load:            n.Load(),
		LatencyTargetMs: n.LatencyTargetMs,
		VNodeCount:      len(n.VNodes),
	}
}

// MarshalJSON encodes the node through its View. The vnode hashes are
// omitted; they are only interesting to the ring.
func (n *ProxyNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.View())
}
