// Package mesh is the routing façade over the proxy mesh.
//
// A Router owns the hash ring, one circuit breaker per node, the placement
// optimizer and the health sweep. OptimizeRouting is safe for concurrent
// use and never blocks on the health path: node load and breaker state are
// read without a mesh-wide lock, so a decision may see slightly stale values.
package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/tutu-network/meshd/internal/domain"
	"github.com/tutu-network/meshd/internal/health"
	"github.com/tutu-network/meshd/internal/infra/healing"
	"github.com/tutu-network/meshd/internal/infra/metrics"
	"github.com/tutu-network/meshd/internal/infra/placement"
	"github.com/tutu-network/meshd/internal/infra/ring"
	"github.com/tutu-network/meshd/internal/infra/topology"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config holds router configuration.
type Config struct {
	Name               string // "mesh" label on per-mesh gauges
	RoutingAlgorithm   string // informational tag, echoed in Stats
	Breaker            healing.CircuitBreakerConfig
	Placement          placement.Config
	Health             health.Config
	FailureProbability float64 // simulated prober only
	Seed               uint64
	CacheSize          int // session→primary entries
}

// DefaultConfig returns sensible router defaults.
func DefaultConfig() Config {
	return Config{
		Name:               "default",
		RoutingAlgorithm:   "consistent-hash+annealing",
		Breaker:            healing.DefaultCircuitBreakerConfig(),
		Placement:          placement.DefaultConfig(),
		Health:             health.DefaultConfig(),
		FailureProbability: 0.1,
		Seed:               1,
		CacheSize:          4096,
	}
}

// Option customizes a Router.
type Option func(*Router)

// WithClock replaces the wall clock for breakers, probes and the sweep.
func WithClock(c clock.Clock) Option {
	return func(r *Router) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithProber replaces the simulated health prober.
func WithProber(p health.Prober) Option {
	return func(r *Router) { r.prober = p }
}

// ─── Router ─────────────────────────────────────────────────────────────────

// Router routes sessions onto the mesh.
type Router struct {
	cfg       Config
	ring      *ring.Ring
	optimizer *placement.Optimizer
	cache     *lru.Cache[primaryKey, string]
	checker   *health.Checker
	prober    health.Prober
	clock     clock.Clock
	logger    *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*healing.CircuitBreaker
}

// primaryKey scopes a cached primary to one ring version, so a membership
// change invalidates every cached entry at once.
type primaryKey struct {
	version uint64
	session string
}

// New builds the mesh: it asks provider for nodes, builds the ring from
// their virtual nodes and allocates one closed breaker per node.
func New(cfg Config, provider topology.Provider, opts ...Option) (*Router, error) {
	d := DefaultConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = d.CacheSize
	}
	if cfg.Breaker.Threshold <= 0 {
		cfg.Breaker.Threshold = d.Breaker.Threshold
	}
	if cfg.Breaker.Timeout <= 0 {
		cfg.Breaker.Timeout = d.Breaker.Timeout
	}
	if cfg.RoutingAlgorithm == "" {
		cfg.RoutingAlgorithm = d.RoutingAlgorithm
	}
	if cfg.Name == "" {
		cfg.Name = d.Name
	}

	r := &Router{
		cfg:       cfg,
		optimizer: placement.NewOptimizer(cfg.Placement),
		clock:     clock.New(),
		logger:    zap.NewNop(),
		breakers:  make(map[string]*healing.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("mesh")

	nodes, err := provider.Nodes()
	if err != nil {
		return nil, fmt.Errorf("mesh: load topology: %w", err)
	}
	r.ring, err = ring.Build(nodes, r.logger.Named("ring"))
	if err != nil {
		return nil, fmt.Errorf("mesh: %w", err)
	}
	r.cache, err = lru.New[primaryKey, string](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("mesh: primary cache: %w", err)
	}

	for _, n := range nodes {
		r.breakers[n.ID] = r.newBreaker(n.ID)
		metrics.NodeUtilization.WithLabelValues(r.cfg.Name, n.ID, n.Tier.String()).Set(n.Utilization())
	}
	r.refreshGauges()

	if r.prober == nil {
		r.prober = health.NewSimulatedProber(cfg.FailureProbability, cfg.Seed, r.clock)
	}
	r.checker = health.NewChecker(r, r.prober, cfg.Health,
		health.WithClock(r.clock),
		health.WithLogger(r.logger),
	)

	r.logger.Info("mesh built",
		zap.Int("nodes", r.ring.Size()),
		zap.Int("ring_entries", r.ring.Len()),
		zap.String("algorithm", cfg.RoutingAlgorithm),
	)
	return r, nil
}

func (r *Router) newBreaker(id string) *healing.CircuitBreaker {
	return healing.NewCircuitBreaker(id, r.cfg.Breaker,
		healing.WithClock(r.clock),
		healing.WithListener(r.onTransition),
	)
}

func (r *Router) onTransition(name string, from, to healing.CBState) {
	metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
	switch {
	case to == healing.CBOpen:
		metrics.BreakersOpen.WithLabelValues(r.cfg.Name).Inc()
	case from == healing.CBOpen:
		metrics.BreakersOpen.WithLabelValues(r.cfg.Name).Dec()
	}
	r.logger.Info("circuit breaker transition",
		zap.String("node", name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}

func (r *Router) refreshGauges() {
	counts := make(map[domain.Tier]int, 3)
	for _, n := range r.ring.Nodes() {
		counts[n.Tier]++
	}
	for _, t := range domain.AllTiers() {
		metrics.NodesTotal.WithLabelValues(r.cfg.Name, t.String()).Set(float64(counts[t]))
	}
	metrics.RingEntries.WithLabelValues(r.cfg.Name).Set(float64(r.ring.Len()))
}

// Run drives the periodic health sweep until ctx ends.
func (r *Router) Run(ctx context.Context) {
	r.logger.Info("health checks started", zap.Duration("interval", r.checker.Interval()))
	r.checker.Run(ctx)
	r.logger.Info("health checks stopped")
}

// Close cancels every pending breaker timer.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cb := range r.breakers {
		cb.Stop()
	}
}

// ─── Membership ─────────────────────────────────────────────────────────────

// Name returns the mesh name used to label its gauges.
func (r *Router) Name() string { return r.cfg.Name }

// Nodes returns the mesh members in registration order.
func (r *Router) Nodes() []*domain.ProxyNode { return r.ring.Nodes() }

// Node returns one member.
func (r *Router) Node(id string) (*domain.ProxyNode, bool) { return r.ring.Node(id) }

// AddNode joins a node to the mesh with a fresh closed breaker.
func (r *Router) AddNode(n *domain.ProxyNode) error {
	if err := r.ring.Add(n); err != nil {
		return fmt.Errorf("add node: %w", err)
	}
	r.mu.Lock()
	r.breakers[n.ID] = r.newBreaker(n.ID)
	r.mu.Unlock()

	r.refreshGauges()
	r.logger.Info("node added", zap.String("node", n.ID), zap.Stringer("tier", n.Tier))
	return nil
}

// RemoveNode removes a node and cancels its breaker timer.
func (r *Router) RemoveNode(id string) error {
	n, _ := r.ring.Node(id)
	if err := r.ring.Remove(id); err != nil {
		return fmt.Errorf("remove node: %w", err)
	}

	r.mu.Lock()
	cb := r.breakers[id]
	delete(r.breakers, id)
	r.mu.Unlock()

	// Stop freezes the state, so a timer racing this removal cannot also
	// move the open gauge.
	if cb != nil && cb.Stop() == healing.CBOpen {
		metrics.BreakersOpen.WithLabelValues(r.cfg.Name).Dec()
	}
	if n != nil {
		metrics.NodeUtilization.DeleteLabelValues(r.cfg.Name, id, n.Tier.String())
	}
	r.refreshGauges()
	r.logger.Info("node removed", zap.String("node", id))
	return nil
}

// Lookup returns the ring owner of key.
func (r *Router) Lookup(key string) (*domain.ProxyNode, error) { return r.ring.Lookup(key) }

// LookupN returns up to n distinct ring owners clockwise from key.
func (r *Router) LookupN(key string, n int) ([]*domain.ProxyNode, error) {
	return r.ring.LookupN(key, n)
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (r *Router) breaker(id string) *healing.CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[id]
}

// Apply feeds one probe result into the node's breaker and load. An open
// breaker pins the node at capacity; otherwise the probed load is stored.
// Results for nodes no longer in the mesh are dropped.
func (r *Router) Apply(res health.Result) {
	n, ok := r.ring.Node(res.NodeID)
	cb := r.breaker(res.NodeID)
	if !ok || cb == nil {
		return
	}

	if res.Healthy {
		cb.RecordSuccess()
	} else {
		cb.RecordFailure()
	}
	if cb.IsOpen() {
		n.Saturate()
	} else {
		n.SetLoad(res.Load)
	}
	metrics.NodeUtilization.WithLabelValues(r.cfg.Name, n.ID, n.Tier.String()).Set(n.Utilization())
}

// ReportHealth forwards an external {nodeId, healthy} event into the node's
// breaker. Load is left alone unless the breaker is open.
func (r *Router) ReportHealth(nodeID string, healthy bool) (healing.Snapshot, error) {
	n, ok := r.ring.Node(nodeID)
	cb := r.breaker(nodeID)
	if !ok || cb == nil {
		return healing.Snapshot{}, fmt.Errorf("%w: %s", domain.ErrUnknownNode, nodeID)
	}

	if healthy {
		cb.RecordSuccess()
	} else {
		cb.RecordFailure()
	}
	if cb.IsOpen() {
		n.Saturate()
		metrics.NodeUtilization.WithLabelValues(r.cfg.Name, n.ID, n.Tier.String()).Set(n.Utilization())
	}
	return cb.Snapshot(), nil
}

// Breaker returns the snapshot of one node's breaker.
func (r *Router) Breaker(nodeID string) (healing.Snapshot, bool) {
	cb := r.breaker(nodeID)
	if cb == nil {
		return healing.Snapshot{}, false
	}
	return cb.Snapshot(), true
}

// Breakers returns every breaker snapshot in node order.
func (r *Router) Breakers() []healing.Snapshot {
	nodes := r.ring.Nodes()
	out := make([]healing.Snapshot, 0, len(nodes))
	for _, n := range nodes {
		if cb := r.breaker(n.ID); cb != nil {
			out = append(out, cb.Snapshot())
		}
	}
	return out
}

// HealthStatuses returns the latest sweep results.
func (r *Router) HealthStatuses() []health.Result { return r.checker.Statuses() }

// SweepNow runs one health sweep immediately unless one is in progress.
func (r *Router) SweepNow(ctx context.Context) bool { return r.checker.Tick(ctx) }

// ─── Stats ──────────────────────────────────────────────────────────────────

// Stats summarizes the mesh.
type Stats struct {
	RoutingAlgorithm string              `json:"routingAlgorithm"`
	Nodes            int                 `json:"nodes"`
	NodesByTier      map[domain.Tier]int `json:"nodesByTier"`
	RingEntries      int                 `json:"ringEntries"`
	RingVersion      uint64              `json:"ringVersion"`
	OpenBreakers     int                 `json:"openBreakers"`
	HalfOpenBreakers int                 `json:"halfOpenBreakers"`
	MeanUtilization  float64             `json:"meanUtilization"`
	Health           health.Stats        `json:"health"`
}

// Stats returns a point-in-time summary.
func (r *Router) Stats() Stats {
	st := Stats{
		RoutingAlgorithm: r.cfg.RoutingAlgorithm,
		NodesByTier:      make(map[domain.Tier]int, 3),
		RingEntries:      r.ring.Len(),
		RingVersion:      r.ring.Version(),
		Health:           r.checker.Stats(),
	}

	nodes := r.ring.Nodes()
	st.Nodes = len(nodes)
	var util float64
	for _, n := range nodes {
		st.NodesByTier[n.Tier]++
		util += n.Utilization()
		if cb := r.breaker(n.ID); cb != nil {
			switch cb.State() {
			case healing.CBOpen:
				st.OpenBreakers++
			case healing.CBHalfOpen:
				st.HalfOpenBreakers++
			}
		}
	}
	if len(nodes) > 0 {
		st.MeanUtilization = util / float64(len(nodes))
	}
	return st
}
