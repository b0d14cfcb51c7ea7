// Package metrics provides Prometheus metrics for meshd.
// Counters, gauges and histograms for routing decisions, circuit breakers,
// health probing, the hash ring and decision storage. Gauges that describe
// one mesh carry a "mesh" label so several routers can share a process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meshd"

// ─── Routing ────────────────────────────────────────────────────────────────

// RoutingDecisions counts computed decisions by outcome (ok, degraded).
var RoutingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "routing_decisions_total",
	Help:      "Total routing decisions by outcome.",
}, []string{"outcome"})

// RoutingLatency tracks time spent computing one decision.
var RoutingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "routing_latency_seconds",
	Help:      "Time to compute a routing decision in seconds.",
	Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
})

// RoutingReplicas tracks how many replicas a decision carried.
var RoutingReplicas = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "routing_replicas",
	Help:      "Replicas per routing decision.",
	Buckets:   []float64{0, 1, 2, 3, 4, 5, 8},
})

// PlacementCost tracks the best annealing cost per region search.
var PlacementCost = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "placement_cost",
	Help:      "Best placement cost found per region.",
	Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
}, []string{"region"})

// ─── Circuit Breakers ───────────────────────────────────────────────────────

// BreakerTransitions counts breaker state changes.
var BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "breaker_transitions_total",
	Help:      "Circuit breaker transitions by target state.",
}, []string{"node", "to"})

// BreakersOpen tracks how many breakers are currently open per mesh.
var BreakersOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "breakers_open",
	Help:      "Number of open circuit breakers.",
}, []string{"mesh"})

// ─── Nodes ──────────────────────────────────────────────────────────────────

// NodeUtilization tracks load/capacity per node.
var NodeUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "node_utilization_ratio",
	Help:      "Current load divided by capacity per node.",
}, []string{"mesh", "node", "tier"})

// NodesTotal tracks mesh membership per tier.
var NodesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "nodes",
	Help:      "Mesh nodes per tier.",
}, []string{"mesh", "tier"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthTicks counts health sweeps that ran.
var HealthTicks = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "health_ticks_total",
	Help:      "Health sweeps executed.",
})

// HealthTicksSkipped counts ticks dropped because a sweep was still running.
var HealthTicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "health_ticks_skipped_total",
	Help:      "Health ticks skipped while a previous sweep was in progress.",
})

// HealthProbes counts probe results.
var HealthProbes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "health_probes_total",
	Help:      "Health probe results by outcome.",
}, []string{"result"})

// ─── Ring ───────────────────────────────────────────────────────────────────

// RingEntries tracks the number of virtual nodes on each mesh's ring.
var RingEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "ring_entries",
	Help:      "Virtual nodes currently on the hash ring.",
}, []string{"mesh"})

// PrimaryCache counts session→primary cache lookups by result (hit, miss).
var PrimaryCache = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "primary_cache_total",
	Help:      "Primary lookup cache results.",
}, []string{"result"})

// ─── Storage ────────────────────────────────────────────────────────────────

// StoreErrors counts failed persistence operations.
var StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "store_errors_total",
	Help:      "Decision store failures by operation.",
}, []string{"op"})
