// Package placement chooses which candidate nodes should serve a region.
//
// Selection minimizes a weighted cost over three objectives (tier latency
// target, load imbalance, utilization) with simulated annealing: each step
// mutates the working subset by one node and keeps the change when it beats
// the best cost seen, or with Metropolis probability otherwise.
package placement

import (
	"math"
	"math/rand/v2"

	"github.com/tutu-network/meshd/internal/domain"
)

// Config tunes the annealing schedule.
type Config struct {
	Iterations         int     `toml:"iterations" yaml:"iterations"`
	InitialTemperature float64 `toml:"initial_temperature" yaml:"initial_temperature"`
	CoolingRate        float64 `toml:"cooling_rate" yaml:"cooling_rate"`
	MaxInitialSubset   int     `toml:"max_initial_subset" yaml:"max_initial_subset"`
}

// DefaultConfig returns the standard annealing schedule.
func DefaultConfig() Config {
	return Config{
		Iterations:         1000,
		InitialTemperature: 100,
		CoolingRate:        0.95,
		MaxInitialSubset:   10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Iterations <= 0 {
		c.Iterations = d.Iterations
	}
	if c.InitialTemperature <= 0 {
		c.InitialTemperature = d.InitialTemperature
	}
	if c.CoolingRate <= 0 || c.CoolingRate >= 1 {
		c.CoolingRate = d.CoolingRate
	}
	if c.MaxInitialSubset <= 0 {
		c.MaxInitialSubset = d.MaxInitialSubset
	}
	return c
}

// Weights scales the three cost terms.
type Weights struct {
	Latency  float64
	Load     float64
	Capacity float64
}

// WeightsFrom resolves the weights of a routing request.
func WeightsFrom(r domain.Requirements) Weights {
	lat, load, capacity := r.Weights()
	return Weights{Latency: lat, Load: load, Capacity: capacity}
}

// Cost scores a subset; lower is better. An empty subset costs zero.
//
//	latency  × mean(tier latency target)
//	+ load     × stddev(load)
//	+ capacity × mean(load / capacity)
func Cost(nodes []*domain.ProxyNode, w Weights) float64 {
	if len(nodes) == 0 {
		return 0
	}
	n := float64(len(nodes))

	var latency, loadSum, util float64
	loads := make([]float64, len(nodes))
	for i, node := range nodes {
		l := float64(node.Load())
		loads[i] = l
		latency += node.LatencyTargetMs
		loadSum += l
		if node.Capacity > 0 {
			util += l / float64(node.Capacity)
		} else {
			util++
		}
	}

	mean := loadSum / n
	var variance float64
	for _, l := range loads {
		variance += (l - mean) * (l - mean)
	}
	stddev := math.Sqrt(variance / n)

	return w.Latency*(latency/n) + w.Load*stddev + w.Capacity*(util/n)
}

// Result is the outcome of one Select run.
type Result struct {
	Nodes       []*domain.ProxyNode
	Cost        float64
	InitialCost float64
	Accepted    int // neighbors that replaced the working subset
}

// Optimizer runs the annealing search. It holds no mutable state; the
// caller supplies the random source so concurrent runs do not share one.
type Optimizer struct {
	cfg Config
}

// NewOptimizer returns an Optimizer with cfg, filling unset fields.
func NewOptimizer(cfg Config) *Optimizer {
	return &Optimizer{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (o *Optimizer) Config() Config { return o.cfg }

// Select returns the lowest-cost subset of candidates it finds. The working
// subset starts as the first MaxInitialSubset candidates in input order, and
// the returned cost never exceeds the cost of that start. Empty input is
// returned unchanged.
func (o *Optimizer) Select(candidates []*domain.ProxyNode, w Weights, rng *rand.Rand) Result {
	if len(candidates) == 0 {
		return Result{Nodes: candidates}
	}

	size := min(o.cfg.MaxInitialSubset, len(candidates))
	current := make([]*domain.ProxyNode, size)
	copy(current, candidates[:size])

	initialCost := Cost(current, w)
	best, bestCost := current, initialCost
	res := Result{InitialCost: initialCost}

	temperature := o.cfg.InitialTemperature
	for i := 0; i < o.cfg.Iterations; i++ {
		neighbor := mutate(current, candidates, rng)
		cost := Cost(neighbor, w)

		if cost < bestCost || rng.Float64() < math.Exp(-(cost-bestCost)/temperature) {
			current = neighbor
			res.Accepted++
			if cost < bestCost {
				best, bestCost = neighbor, cost
			}
		}
		temperature *= o.cfg.CoolingRate
	}

	res.Nodes = best
	res.Cost = bestCost
	return res
}

type move int

const (
	moveRemove move = iota
	moveAdd
	moveSwap
)

// mutate returns a copy of subset changed by one legal move chosen
// uniformly: remove (size > 1), add or swap (an unused candidate exists).
func mutate(subset, candidates []*domain.ProxyNode, rng *rand.Rand) []*domain.ProxyNode {
	inUse := make(map[string]bool, len(subset))
	for _, n := range subset {
		inUse[n.ID] = true
	}
	unused := make([]*domain.ProxyNode, 0, len(candidates)-len(subset))
	for _, n := range candidates {
		if !inUse[n.ID] {
			unused = append(unused, n)
		}
	}

	legal := make([]move, 0, 3)
	if len(subset) > 1 {
		legal = append(legal, moveRemove)
	}
	if len(unused) > 0 {
		legal = append(legal, moveAdd)
		if len(subset) > 0 {
			legal = append(legal, moveSwap)
		}
	}

	out := make([]*domain.ProxyNode, len(subset), len(subset)+1)
	copy(out, subset)
	if len(legal) == 0 {
		return out
	}

	switch legal[rng.IntN(len(legal))] {
	case moveRemove:
		i := rng.IntN(len(out))
		out = append(out[:i], out[i+1:]...)
	case moveAdd:
		out = append(out, unused[rng.IntN(len(unused))])
	case moveSwap:
		out[rng.IntN(len(out))] = unused[rng.IntN(len(unused))]
	}
	return out
}
