// Package topology builds the fixed set of proxy nodes the mesh runs on.
//
// Real network discovery is out of scope: a Provider hands the mesh its
// nodes, and the default Synthesizer derives them deterministically from a
// tier configuration.
package topology

import (
	"fmt"

	"github.com/tutu-network/meshd/internal/domain"
	"github.com/tutu-network/meshd/internal/infra/geo"
	"github.com/tutu-network/meshd/internal/infra/ring"
)

// BasePort is the port of the node with sequence number 0.
const BasePort = 8000

// TierSpec configures one tier of the mesh.
type TierSpec struct {
	Level           domain.Tier `toml:"level" yaml:"level" json:"level"`
	Nodes           int         `toml:"nodes" yaml:"nodes" json:"nodes"`
	LatencyTargetMs float64     `toml:"latency_target_ms" yaml:"latency_target_ms" json:"latencyTarget"`
}

// Provider supplies the mesh's member nodes.
type Provider interface {
	Nodes() ([]*domain.ProxyNode, error)
}

// Synthesizer is the default Provider. It assigns a global sequence number
// to every node across tiers, in the order the tiers are configured.
type Synthesizer struct {
	tiers []TierSpec
}

// NewSynthesizer validates the tier list and returns a Synthesizer.
func NewSynthesizer(tiers []TierSpec) (*Synthesizer, error) {
	if err := Validate(tiers); err != nil {
		return nil, err
	}
	cp := make([]TierSpec, len(tiers))
	copy(cp, tiers)
	return &Synthesizer{tiers: cp}, nil
}

// Validate rejects unknown tiers and negative node counts.
func Validate(tiers []TierSpec) error {
	for i, t := range tiers {
		if !t.Level.IsValid() {
			return fmt.Errorf("tier %d: %w: %q", i, domain.ErrInvalidTier, t.Level)
		}
		if t.Nodes < 0 {
			return fmt.Errorf("tier %d (%s): %w: %d", i, t.Level, domain.ErrNegativeNodeCount, t.Nodes)
		}
	}
	return nil
}

// Nodes synthesizes every configured node. The result is the same on every
// call.
func (s *Synthesizer) Nodes() ([]*domain.ProxyNode, error) {
	total := 0
	for _, t := range s.tiers {
		total += t.Nodes
	}

	nodes := make([]*domain.ProxyNode, 0, total)
	seq := 0
	for _, t := range s.tiers {
		for i := 0; i < t.Nodes; i++ {
			nodes = append(nodes, NewNode(t.Level, seq, t.LatencyTargetMs))
			seq++
		}
	}
	return nodes, nil
}

// NewNode builds the node with the given tier and global sequence number.
func NewNode(tier domain.Tier, seq int, latencyTargetMs float64) *domain.ProxyNode {
	id := fmt.Sprintf("%s-%d", tier, seq)
	return &domain.ProxyNode{
		ID:              id,
		Tier:            tier,
		IP:              addressFor(seq),
		Port:            BasePort + seq,
		Location:        geo.Place(seq),
		Capacity:        tier.BaseCapacity(),
		LatencyTargetMs: latencyTargetMs,
		VNodes:          VirtualNodes(id, tier),
	}
}

// VirtualNodes returns the tier-sized list of ring positions for a node.
func VirtualNodes(id string, tier domain.Tier) []uint32 {
	count := tier.VNodeCount()
	out := make([]uint32, count)
	for i := 0; i < count; i++ {
		out[i] = ring.Hash(fmt.Sprintf("%s-%d-%s", id, i, tier))
	}
	return out
}

// addressFor maps a sequence number into 10.0.0.0/8.
func addressFor(seq int) string {
	n := seq + 1
	return fmt.Sprintf("10.%d.%d.%d", (n>>16)&0xff, (n>>8)&0xff, n&0xff)
}

// Static is a Provider over a fixed node list, used when topology comes
// from somewhere other than tier synthesis.
type Static []*domain.ProxyNode

// Nodes returns the list unchanged.
func (s Static) Nodes() ([]*domain.ProxyNode, error) { return s, nil }
