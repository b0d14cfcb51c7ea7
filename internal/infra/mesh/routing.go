package mesh

import (
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/meshd/internal/domain"
	"github.com/tutu-network/meshd/internal/infra/geo"
	"github.com/tutu-network/meshd/internal/infra/metrics"
	"github.com/tutu-network/meshd/internal/infra/placement"
	"github.com/tutu-network/meshd/internal/infra/ring"
)

// sameTierBonus scales affinity between nodes of one tier.
const sameTierBonus = 1.5

// ─── Routing ────────────────────────────────────────────────────────────────

// OptimizeRouting places one session.
//
// Steps:
//  1. For every geo target, run the placement optimizer over the nodes
//     inside the region and merge the selections into one target set.
//  2. Primary: the ring owner of the session id.
//  3. Replicas: walk tiers in fixed order, nearest-to-primary first, until
//     ReplicationFactor-1 nodes are collected.
//  4. Routing table and affinity matrix over the target set.
//
// An empty mesh yields a Degraded decision with no primary.
func (r *Router) OptimizeRouting(req domain.RoutingRequest) domain.RoutingDecision {
	start := time.Now()
	nodes := r.ring.Nodes()

	targets := r.selectTargets(req, nodes)
	decision := domain.RoutingDecision{
		SessionID:  req.SessionID,
		Replicas:   []*domain.ProxyNode{},
		ComputedAt: r.clock.Now(),
	}

	primary, err := r.primary(req.SessionID)
	if err != nil {
		decision.Degraded = true
		r.logger.Warn("no primary for session",
			zap.String("session", req.SessionID),
			zap.Error(err),
		)
	} else {
		decision.Primary = primary
		decision.Replicas = selectReplicas(primary, nodes, req.Requirements.Replicas())
	}

	loads := snapshotLoads(targets)
	decision.Routing = domain.RoutingTable{
		Nodes:  targets,
		Matrix: routingTable(targets, loads),
	}
	decision.AffinityMatrix = affinityMatrix(targets, loads)

	outcome := "ok"
	if decision.Degraded {
		outcome = "degraded"
	}
	metrics.RoutingDecisions.WithLabelValues(outcome).Inc()
	metrics.RoutingReplicas.Observe(float64(len(decision.Replicas)))
	metrics.RoutingLatency.Observe(time.Since(start).Seconds())
	return decision
}

// selectTargets runs the optimizer once per requested region and merges the
// results, keeping the first occurrence of a node. Unknown region codes
// contribute nothing.
func (r *Router) selectTargets(req domain.RoutingRequest, nodes []*domain.ProxyNode) []*domain.ProxyNode {
	w := placement.WeightsFrom(req.Requirements)
	seen := make(map[string]bool)
	targets := make([]*domain.ProxyNode, 0)

	for _, id := range req.GeoTargets {
		reg, ok := domain.LookupRegion(id)
		if !ok {
			r.logger.Debug("unknown geo target", zap.String("region", string(id)))
			continue
		}

		var candidates []*domain.ProxyNode
		for _, n := range nodes {
			if geo.Within(n.Location, reg) {
				candidates = append(candidates, n)
			}
		}
		if len(candidates) == 0 {
			continue
		}

		res := r.optimizer.Select(candidates, w, r.rngFor(req.SessionID, id))
		metrics.PlacementCost.WithLabelValues(string(id)).Observe(res.Cost)
		for _, n := range res.Nodes {
			if !seen[n.ID] {
				seen[n.ID] = true
				targets = append(targets, n)
			}
		}
	}
	return targets
}

// rngFor seeds a per-call source so concurrent decisions never share one
// and the same session and region always anneal the same way.
func (r *Router) rngFor(session string, region domain.RegionID) *rand.Rand {
	return rand.New(rand.NewPCG(r.cfg.Seed, uint64(ring.Hash(session+"/"+string(region)))))
}

func (r *Router) primary(session string) (*domain.ProxyNode, error) {
	key := primaryKey{version: r.ring.Version(), session: session}
	if id, ok := r.cache.Get(key); ok {
		if n, ok := r.ring.Node(id); ok {
			metrics.PrimaryCache.WithLabelValues("hit").Inc()
			return n, nil
		}
	}
	metrics.PrimaryCache.WithLabelValues("miss").Inc()

	n, err := r.ring.Lookup(session)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, n.ID)
	return n, nil
}

// selectReplicas picks up to factor-1 nodes other than primary, tier by
// tier in AllTiers order and nearest first within a tier. It can fill
// entirely from one tier.
func selectReplicas(primary *domain.ProxyNode, nodes []*domain.ProxyNode, factor int) []*domain.ProxyNode {
	want := factor - 1
	replicas := make([]*domain.ProxyNode, 0, max(want, 0))
	if want <= 0 {
		return replicas
	}

	used := map[string]bool{primary.ID: true}
	for _, tier := range domain.AllTiers() {
		var pool []*domain.ProxyNode
		for _, n := range nodes {
			if n.Tier == tier && !used[n.ID] {
				pool = append(pool, n)
			}
		}
		slices.SortStableFunc(pool, func(a, b *domain.ProxyNode) int {
			da := geo.DistanceKm(primary.Location, a.Location)
			db := geo.DistanceKm(primary.Location, b.Location)
			switch {
			case da < db:
				return -1
			case da > db:
				return 1
			}
			return 0
		})

		for _, n := range pool {
			replicas = append(replicas, n)
			used[n.ID] = true
			if len(replicas) == want {
				return replicas
			}
		}
	}
	return replicas
}

// ─── Matrices ───────────────────────────────────────────────────────────────

func snapshotLoads(nodes []*domain.ProxyNode) []float64 {
	loads := make([]float64, len(nodes))
	for i, n := range nodes {
		loads[i] = float64(n.Load())
	}
	return loads
}

// routingTable returns all-pairs shortest effective distances, where the
// direct cost of i→j is distance(i,j) / (capacity_j / (load_j + 1)).
func routingTable(nodes []*domain.ProxyNode, loads []float64) [][]float64 {
	n := len(nodes)
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		for j := range m[i] {
			if i == j {
				continue
			}
			headroom := effectiveCapacity(nodes[j]) / (loads[j] + 1)
			m[i][j] = geo.DistanceKm(nodes[i].Location, nodes[j].Location) / headroom
		}
	}

	// Floyd–Warshall.
	for k := 0; k < n; k++ {
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if via := m[i][k] + m[k][j]; via < m[i][j] {
					m[i][j] = via
				}
			}
		}
	}
	return m
}

// affinityMatrix scores how well two nodes pair up: tier bonus, decayed by
// distance (1000 km scale) and by load difference relative to the row
// node's capacity.
func affinityMatrix(nodes []*domain.ProxyNode, loads []float64) [][]float64 {
	n := len(nodes)
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		capI := effectiveCapacity(nodes[i])
		for j := range m[i] {
			bonus := 1.0
			if nodes[i].Tier == nodes[j].Tier {
				bonus = sameTierBonus
			}
			d := geo.DistanceKm(nodes[i].Location, nodes[j].Location)
			m[i][j] = bonus * math.Exp(-d/1000) * math.Exp(-math.Abs(loads[i]-loads[j])/capI)
		}
	}
	return m
}

// effectiveCapacity keeps zero-capacity nodes from producing Inf or NaN.
func effectiveCapacity(n *domain.ProxyNode) float64 {
	return float64(max(n.Capacity, 1))
}
