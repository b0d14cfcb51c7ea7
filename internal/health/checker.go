// Package health runs the periodic node health sweep.
//
// A sweep probes every node of a Target in parallel and hands each result
// back to the Target, which feeds the node's circuit breaker and load. Sweeps
// never overlap: a tick that arrives while the previous sweep is still
// running is skipped.
package health

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/meshd/internal/domain"
	"github.com/tutu-network/meshd/internal/infra/metrics"
)

// Result is the outcome of probing one node.
type Result struct {
	NodeID    string    `json:"nodeId"`
	Healthy   bool      `json:"healthy"`
	Load      int64     `json:"load"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Prober checks a single node. An error means the probe could not run at
// all (for example the context ended) and the result is discarded; an
// unhealthy node is reported through Result.Healthy.
type Prober interface {
	Probe(ctx context.Context, node *domain.ProxyNode) (Result, error)
}

// Target is the set of nodes being checked and the sink for results.
type Target interface {
	Nodes() []*domain.ProxyNode
	Apply(Result)
}

// ─── Simulated Prober ───────────────────────────────────────────────────────

// SimulatedProber reports a node unhealthy with a fixed probability and
// draws its utilization uniformly from [0, capacity].
type SimulatedProber struct {
	mu                 sync.Mutex
	rng                *rand.Rand
	failureProbability float64
	clock              clock.Clock
}

// NewSimulatedProber creates a seeded simulated prober. A nil clock uses
// the wall clock.
func NewSimulatedProber(failureProbability float64, seed uint64, clk clock.Clock) *SimulatedProber {
	if clk == nil {
		clk = clock.New()
	}
	return &SimulatedProber{
		rng:                rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		failureProbability: min(max(failureProbability, 0), 1),
		clock:              clk,
	}
}

// Probe implements Prober.
func (p *SimulatedProber) Probe(ctx context.Context, node *domain.ProxyNode) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	p.mu.Lock()
	healthy := p.rng.Float64() >= p.failureProbability
	load := p.rng.Int64N(max(node.Capacity, 0) + 1)
	p.mu.Unlock()

	return Result{
		NodeID:    node.ID,
		Healthy:   healthy,
		Load:      load,
		CheckedAt: p.clock.Now(),
	}, nil
}

// ─── Checker ────────────────────────────────────────────────────────────────

// Config configures a Checker.
type Config struct {
	Interval    time.Duration
	Concurrency int // parallel probes per sweep
}

// DefaultConfig returns the standard sweep schedule.
func DefaultConfig() Config {
	return Config{Interval: 5 * time.Second, Concurrency: 16}
}

// Option customizes a Checker.
type Option func(*Checker)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(ch *Checker) { ch.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(ch *Checker) {
		if l != nil {
			ch.logger = l
		}
	}
}

// Checker runs periodic health sweeps over a Target.
type Checker struct {
	target Target
	prober Prober
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	mu        sync.RWMutex
	statuses  []Result
	lastSweep time.Time
	sweeps    int
	skipped   int
}

// NewChecker creates a checker. Zero config fields take their defaults.
func NewChecker(target Target, prober Prober, cfg Config, opts ...Option) *Checker {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	c := &Checker{
		target: target,
		prober: prober,
		cfg:    cfg,
		clock:  clock.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("health")
	return c
}

// Interval returns the sweep interval.
func (c *Checker) Interval() time.Duration { return c.cfg.Interval }

// Run sweeps once immediately and then on every interval until ctx ends.
// Each tick starts its sweep in the background so a slow sweep causes the
// following ticks to be skipped rather than queued. Run returns after the
// last sweep has finished.
func (c *Checker) Run(ctx context.Context) {
	defer c.wg.Wait()

	ticker := c.clock.Ticker(c.cfg.Interval)
	defer ticker.Stop()

	c.start(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.start(ctx)
		}
	}
}

func (c *Checker) start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Tick(ctx)
	}()
}

// Tick runs one sweep unless another is in progress. It reports whether the
// sweep ran.
func (c *Checker) Tick(ctx context.Context) bool {
	if !c.running.CompareAndSwap(false, true) {
		metrics.HealthTicksSkipped.Inc()
		c.mu.Lock()
		c.skipped++
		c.mu.Unlock()
		c.logger.Warn("previous health sweep still running, skipping tick")
		return false
	}
	defer c.running.Store(false)

	c.sweep(ctx)
	return true
}

func (c *Checker) sweep(ctx context.Context) {
	nodes := c.target.Nodes()
	results := make([]Result, len(nodes))
	ok := make([]bool, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, n := range nodes {
		g.Go(func() error {
			r, err := c.prober.Probe(gctx, n)
			if err != nil {
				c.logger.Debug("probe failed", zap.String("node", n.ID), zap.Error(err))
				return nil
			}
			results[i], ok[i] = r, true
			return nil
		})
	}
	_ = g.Wait()

	applied := make([]Result, 0, len(results))
	for i, r := range results {
		if !ok[i] {
			continue
		}
		c.target.Apply(r)
		applied = append(applied, r)
		if r.Healthy {
			metrics.HealthProbes.WithLabelValues("healthy").Inc()
		} else {
			metrics.HealthProbes.WithLabelValues("unhealthy").Inc()
		}
	}
	metrics.HealthTicks.Inc()

	c.mu.Lock()
	c.statuses = applied
	c.lastSweep = c.clock.Now()
	c.sweeps++
	c.mu.Unlock()
}

// Statuses returns the results of the latest sweep in node order.
func (c *Checker) Statuses() []Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Result, len(c.statuses))
	copy(out, c.statuses)
	return out
}

// Stats summarizes the checker's history.
type Stats struct {
	Sweeps    int       `json:"sweeps"`
	Skipped   int       `json:"skipped"`
	LastSweep time.Time `json:"lastSweep,omitempty"`
	Running   bool      `json:"running"`
}

// Stats returns sweep counters.
func (c *Checker) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Sweeps:    c.sweeps,
		Skipped:   c.skipped,
		LastSweep: c.lastSweep,
		Running:   c.running.Load(),
	}
}
