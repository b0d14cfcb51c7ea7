package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/meshd/internal/domain"
)

func scenarioTiers() []TierSpec {
	return []TierSpec{
		{Level: domain.TierEdge, Nodes: 5, LatencyTargetMs: 10},
		{Level: domain.TierRegional, Nodes: 3, LatencyTargetMs: 50},
		{Level: domain.TierBackbone, Nodes: 2, LatencyTargetMs: 100},
	}
}

func TestSynthesizer_Nodes(t *testing.T) {
	s, err := NewSynthesizer(scenarioTiers())
	require.NoError(t, err)

	nodes, err := s.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 10)

	wantIDs := []string{
		"edge-0", "edge-1", "edge-2", "edge-3", "edge-4",
		"regional-5", "regional-6", "regional-7",
		"backbone-8", "backbone-9",
	}
	for i, n := range nodes {
		assert.Equal(t, wantIDs[i], n.ID)
		assert.Equal(t, BasePort+i, n.Port)
		assert.Equal(t, n.Tier.BaseCapacity(), n.Capacity)
		assert.Equal(t, n.Tier.VNodeCount(), len(n.VNodes))
		assert.Zero(t, n.Load())
	}
	assert.Equal(t, 50.0, nodes[5].LatencyTargetMs)
}

func TestSynthesizer_Deterministic(t *testing.T) {
	s, err := NewSynthesizer(scenarioTiers())
	require.NoError(t, err)

	a, _ := s.Nodes()
	b, _ := s.Nodes()
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
		assert.Equal(t, a[i].IP, b[i].IP)
		assert.Equal(t, a[i].Location, b[i].Location)
		assert.Equal(t, a[i].VNodes, b[i].VNodes)
	}
}

func TestSynthesizer_UniqueAddresses(t *testing.T) {
	s, err := NewSynthesizer([]TierSpec{{Level: domain.TierEdge, Nodes: 600}})
	require.NoError(t, err)
	nodes, _ := s.Nodes()

	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		require.False(t, seen[n.Address()], "duplicate address %s", n.Address())
		seen[n.Address()] = true
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		tiers []TierSpec
		want  error
	}{
		{"ok", scenarioTiers(), nil},
		{"empty tier list", nil, nil},
		{"zero nodes", []TierSpec{{Level: domain.TierEdge, Nodes: 0}}, nil},
		{"negative", []TierSpec{{Level: domain.TierEdge, Nodes: -1}}, domain.ErrNegativeNodeCount},
		{"unknown tier", []TierSpec{{Level: "core", Nodes: 1}}, domain.ErrInvalidTier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSynthesizer(tt.tiers)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVirtualNodes_Cardinality(t *testing.T) {
	for _, tier := range domain.AllTiers() {
		vn := VirtualNodes(tier.String()+"-0", tier)
		assert.Len(t, vn, tier.VNodeCount(), "tier %s", tier)
	}
}

func TestStaticProvider(t *testing.T) {
	n := NewNode(domain.TierBackbone, 42, 80)
	nodes, err := Static{n}.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "backbone-42", nodes[0].ID)
	assert.Equal(t, 8042, nodes[0].Port)
	assert.Equal(t, "10.0.0.43", nodes[0].IP)
}
