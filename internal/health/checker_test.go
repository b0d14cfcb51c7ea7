package health

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tutu-network/meshd/internal/domain"
)

// ─── Helpers ────────────────────────────────────────────────────────────────

type fakeTarget struct {
	nodes []*domain.ProxyNode

	mu      sync.Mutex
	applied []Result
}

func newFakeTarget(t *testing.T, n int) *fakeTarget {
	t.Helper()
	ft := &fakeTarget{}
	for i := 0; i < n; i++ {
		ft.nodes = append(ft.nodes, &domain.ProxyNode{
			ID:       fmt.Sprintf("edge-%d", i),
			Tier:     domain.TierEdge,
			Capacity: domain.TierEdge.BaseCapacity(),
		})
	}
	return ft
}

func (f *fakeTarget) Nodes() []*domain.ProxyNode { return f.nodes }

func (f *fakeTarget) Apply(r Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, r)
}

func (f *fakeTarget) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

// blockingProber parks every probe until release is closed.
type blockingProber struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingProber) Probe(ctx context.Context, n *domain.ProxyNode) (Result, error) {
	p.once.Do(func() { close(p.entered) })
	select {
	case <-p.release:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	return Result{NodeID: n.ID, Healthy: true}, nil
}

// ─── SimulatedProber ────────────────────────────────────────────────────────

func TestSimulatedProber_LoadWithinCapacity(t *testing.T) {
	p := NewSimulatedProber(0.3, 7, clock.NewMock())
	n := &domain.ProxyNode{ID: "regional-0", Capacity: 5_000}

	unhealthy := 0
	for i := 0; i < 1000; i++ {
		r, err := p.Probe(context.Background(), n)
		if err != nil {
			t.Fatalf("Probe() error: %v", err)
		}
		if r.NodeID != "regional-0" {
			t.Errorf("NodeID = %q", r.NodeID)
		}
		if r.Load < 0 || r.Load > n.Capacity {
			t.Fatalf("Load = %d, want within [0, %d]", r.Load, n.Capacity)
		}
		if !r.Healthy {
			unhealthy++
		}
	}
	if unhealthy < 200 || unhealthy > 400 {
		t.Errorf("unhealthy = %d of 1000, want roughly 300", unhealthy)
	}
}

func TestSimulatedProber_Extremes(t *testing.T) {
	n := &domain.ProxyNode{ID: "edge-0", Capacity: 10}
	always := NewSimulatedProber(1, 1, nil)
	never := NewSimulatedProber(0, 1, nil)
	for i := 0; i < 100; i++ {
		if r, _ := always.Probe(context.Background(), n); r.Healthy {
			t.Fatal("failure probability 1 produced a healthy result")
		}
		if r, _ := never.Probe(context.Background(), n); !r.Healthy {
			t.Fatal("failure probability 0 produced an unhealthy result")
		}
	}
}

func TestSimulatedProber_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSimulatedProber(0, 1, nil).Probe(ctx, &domain.ProxyNode{ID: "x"})
	if err == nil {
		t.Error("Probe() on canceled context should fail")
	}
}

// ─── Checker ────────────────────────────────────────────────────────────────

func TestChecker_TickAppliesEveryNode(t *testing.T) {
	target := newFakeTarget(t, 10)
	mock := clock.NewMock()
	c := NewChecker(target, NewSimulatedProber(0.5, 3, mock), Config{Interval: time.Second}, WithClock(mock))

	if !c.Tick(context.Background()) {
		t.Fatal("Tick() = false, want true")
	}
	if got := target.count(); got != 10 {
		t.Errorf("applied = %d, want 10", got)
	}

	statuses := c.Statuses()
	if len(statuses) != 10 {
		t.Fatalf("Statuses() = %d, want 10", len(statuses))
	}
	for i, s := range statuses {
		if s.NodeID != target.nodes[i].ID {
			t.Errorf("status %d = %s, want %s", i, s.NodeID, target.nodes[i].ID)
		}
	}
	if st := c.Stats(); st.Sweeps != 1 || st.Skipped != 0 || !st.LastSweep.Equal(mock.Now()) {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestChecker_SkipsOverlappingTick(t *testing.T) {
	target := newFakeTarget(t, 3)
	p := &blockingProber{entered: make(chan struct{}), release: make(chan struct{})}
	c := NewChecker(target, p, Config{})

	done := make(chan bool)
	go func() { done <- c.Tick(context.Background()) }()
	<-p.entered

	if c.Tick(context.Background()) {
		t.Error("second Tick() ran while the first was in progress")
	}
	if !c.Stats().Running {
		t.Error("Stats().Running = false during sweep")
	}

	close(p.release)
	if !<-done {
		t.Error("first Tick() = false, want true")
	}
	if st := c.Stats(); st.Sweeps != 1 || st.Skipped != 1 {
		t.Errorf("Stats() = %+v, want 1 sweep and 1 skip", st)
	}
	if target.count() != 3 {
		t.Errorf("applied = %d, want 3", target.count())
	}

	// Guard is released once the sweep finishes.
	p2 := &blockingProber{entered: make(chan struct{}), release: make(chan struct{})}
	close(p2.release)
	c.prober = p2
	if !c.Tick(context.Background()) {
		t.Error("Tick() after completion = false, want true")
	}
}

func TestChecker_CanceledSweepAppliesNothing(t *testing.T) {
	target := newFakeTarget(t, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewChecker(target, NewSimulatedProber(0, 1, nil), Config{})
	c.Tick(ctx)
	if target.count() != 0 {
		t.Errorf("applied = %d after canceled sweep, want 0", target.count())
	}
}

func TestChecker_RunSweepsOnInterval(t *testing.T) {
	target := newFakeTarget(t, 2)
	mock := clock.NewMock()
	c := NewChecker(target, NewSimulatedProber(0, 1, mock), Config{Interval: time.Second}, WithClock(mock))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(stopped)
	}()

	idleAfter := func(n int) func() bool {
		return func() bool {
			st := c.Stats()
			return st.Sweeps >= n && !st.Running
		}
	}
	waitFor(t, idleAfter(1))
	for i := 0; i < 3; i++ {
		want := c.Stats().Sweeps + 1
		mock.Add(time.Second)
		waitFor(t, idleAfter(want))
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if got := target.count(); got < 8 {
		t.Errorf("applied = %d, want at least 8", got)
	}
}

func TestNewChecker_Defaults(t *testing.T) {
	c := NewChecker(newFakeTarget(t, 0), NewSimulatedProber(0, 1, nil), Config{})
	if c.cfg.Interval != 5*time.Second || c.cfg.Concurrency != 16 {
		t.Errorf("cfg = %+v", c.cfg)
	}
	if !c.Tick(context.Background()) {
		t.Error("Tick() on empty target = false")
	}
	if len(c.Statuses()) != 0 {
		t.Error("Statuses() on empty target should be empty")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
