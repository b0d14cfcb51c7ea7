package healing

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// ═══════════════════════════════════════════════════════════════════════════
// Circuit Breaker Tests
// ═══════════════════════════════════════════════════════════════════════════

// ─── Helpers ────────────────────────────────────────────────────────────────

func newTestCB(t *testing.T) (*CircuitBreaker, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	cb := NewCircuitBreaker("edge-0", CircuitBreakerConfig{
		Threshold: 0.5,
		Timeout:   1 * time.Second,
		ResetTime: 2 * time.Second,
	}, WithClock(mock))
	t.Cleanup(func() { cb.Stop() })
	return cb, mock
}

// waitForState polls because mock timers may run their callback on another
// goroutine.
func waitForState(t *testing.T, cb *CircuitBreaker, want CBState) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cb.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", cb.State(), want)
}

func trip(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	cb.RecordFailure()
	if cb.State() != CBOpen {
		t.Fatalf("state after failure = %s, want open", cb.State())
	}
}

// ─── CBState.String ─────────────────────────────────────────────────────────

func TestCBState_String(t *testing.T) {
	tests := []struct {
		state CBState
		want  string
	}{
		{CBClosed, "closed"},
		{CBOpen, "open"},
		{CBHalfOpen, "half-open"},
		{CBState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CBState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestCBState_TextRoundTrip(t *testing.T) {
	for _, s := range []CBState{CBClosed, CBOpen, CBHalfOpen} {
		b, _ := s.MarshalText()
		var got CBState
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%q) error: %v", b, err)
		}
		if got != s {
			t.Errorf("round trip %v = %v", s, got)
		}
	}
	var s CBState
	if err := s.UnmarshalText([]byte("melted")); err == nil {
		t.Error("unknown state should fail")
	}
}

// ─── State Transitions ──────────────────────────────────────────────────────

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestCB(t)
	if cb.State() != CBClosed {
		t.Errorf("initial state = %s, want closed", cb.State())
	}
	if cb.IsOpen() {
		t.Error("IsOpen() should be false initially")
	}
}

func TestCircuitBreaker_RatioBelowThresholdStaysClosed(t *testing.T) {
	cb, _ := newTestCB(t)
	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordFailure() // 1/3
	cb.RecordSuccess()
	cb.RecordFailure() // 2/5
	if cb.State() != CBClosed {
		t.Errorf("state at ratio 0.4 = %s, want closed", cb.State())
	}

	cb.RecordFailure() // 3/6 == threshold, not above
	if cb.State() != CBClosed {
		t.Errorf("state at ratio 0.5 = %s, want closed", cb.State())
	}

	cb.RecordFailure() // 4/7
	if cb.State() != CBOpen {
		t.Errorf("state at ratio 0.57 = %s, want open", cb.State())
	}
}

func TestCircuitBreaker_OpenToHalfOpenAfterTimeout(t *testing.T) {
	cb, mock := newTestCB(t)
	trip(t, cb)

	mock.Add(500 * time.Millisecond)
	if cb.State() != CBOpen {
		t.Errorf("state before timeout = %s, want open", cb.State())
	}

	mock.Add(600 * time.Millisecond)
	waitForState(t, cb, CBHalfOpen)
}

func TestCircuitBreaker_HalfOpenClosesAfterMoreThanFiveSuccesses(t *testing.T) {
	cb, mock := newTestCB(t)
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	mock.Add(time.Second)
	waitForState(t, cb, CBHalfOpen)

	for i := 0; i < 5; i++ {
		cb.RecordSuccess()
	}
	if cb.State() != CBHalfOpen {
		t.Fatalf("state after 5 successes = %s, want half-open", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != CBClosed {
		t.Fatalf("state after 6 successes = %s, want closed", cb.State())
	}
	snap := cb.Snapshot()
	if snap.Failures != 0 || snap.Successes != 0 {
		t.Errorf("counters after recovery = (%d,%d), want (0,0)", snap.Failures, snap.Successes)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, mock := newTestCB(t)
	trip(t, cb)
	mock.Add(time.Second)
	waitForState(t, cb, CBHalfOpen)

	cb.RecordSuccess()
	cb.RecordFailure() // failures 2, successes 1
	if cb.State() != CBOpen {
		t.Fatalf("state after half-open failure = %s, want open", cb.State())
	}
	if got := cb.Snapshot().TotalTrips; got != 2 {
		t.Errorf("TotalTrips = %d, want 2", got)
	}

	mock.Add(time.Second)
	waitForState(t, cb, CBHalfOpen)
}

func TestCircuitBreaker_SuccessWhileOpenDoesNotClose(t *testing.T) {
	cb, _ := newTestCB(t)
	trip(t, cb)
	for i := 0; i < 20; i++ {
		cb.RecordSuccess()
	}
	if cb.State() != CBOpen {
		t.Errorf("state = %s, want open (no open→closed edge)", cb.State())
	}
}

func TestCircuitBreaker_CountersSurviveTrip(t *testing.T) {
	cb, _ := newTestCB(t)
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	snap := cb.Snapshot()
	if snap.State != CBOpen || snap.Failures != 2 || snap.Successes != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestCircuitBreaker_StopCancelsTimer(t *testing.T) {
	cb, mock := newTestCB(t)
	trip(t, cb)
	if got := cb.Stop(); got != CBOpen {
		t.Errorf("Stop() = %s, want open", got)
	}

	mock.Add(5 * time.Second)
	time.Sleep(5 * time.Millisecond)
	if cb.State() != CBOpen {
		t.Errorf("state after Stop = %s, want open", cb.State())
	}
}

func TestCircuitBreaker_StopReportsFinalState(t *testing.T) {
	cb, mock := newTestCB(t)
	trip(t, cb)
	mock.Add(time.Second)
	waitForState(t, cb, CBHalfOpen)

	if got := cb.Stop(); got != CBHalfOpen {
		t.Errorf("Stop() = %s, want half-open", got)
	}
	cb.RecordFailure()
	if cb.State() != CBHalfOpen {
		t.Errorf("stopped breaker moved to %s", cb.State())
	}
}

func TestCircuitBreaker_Listener(t *testing.T) {
	mock := clock.NewMock()
	var mu sync.Mutex
	var seen []CBState
	cb := NewCircuitBreaker("regional-5", CircuitBreakerConfig{Threshold: 0.5, Timeout: time.Second},
		WithClock(mock),
		WithListener(func(name string, from, to CBState) {
			if name != "regional-5" {
				t.Errorf("listener name = %q", name)
			}
			mu.Lock()
			seen = append(seen, to)
			mu.Unlock()
		}),
	)
	defer cb.Stop()

	cb.RecordFailure()
	mock.Add(time.Second)
	waitForState(t, cb, CBHalfOpen)
	for i := 0; i < 6; i++ {
		cb.RecordSuccess()
	}

	mu.Lock()
	defer mu.Unlock()
	want := []CBState{CBOpen, CBHalfOpen, CBClosed}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestCircuitBreaker_ConcurrentRecording(t *testing.T) {
	cb, mock := newTestCB(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if (i+w)%3 == 0 {
					cb.RecordFailure()
				} else {
					cb.RecordSuccess()
				}
			}
		}(w)
	}
	wg.Wait()
	mock.Add(time.Second)

	snap := cb.Snapshot()
	if snap.Failures+snap.Successes > 1600 {
		t.Errorf("counters overflowed: %+v", snap)
	}
	if s := cb.State(); s != CBClosed && s != CBOpen && s != CBHalfOpen {
		t.Errorf("invalid state %d", s)
	}
}

// ─── Snapshot ───────────────────────────────────────────────────────────────

func TestCircuitBreaker_Snapshot(t *testing.T) {
	cb, mock := newTestCB(t)
	start := mock.Now()
	cb.RecordFailure()

	snap := cb.Snapshot()
	if snap.Name != "edge-0" {
		t.Errorf("Name = %q, want %q", snap.Name, "edge-0")
	}
	if snap.TotalTrips != 1 {
		t.Errorf("TotalTrips = %d, want 1", snap.TotalTrips)
	}
	if !snap.LastFailure.Equal(start) || !snap.TrippedAt.Equal(start) {
		t.Errorf("timestamps = %v / %v, want %v", snap.LastFailure, snap.TrippedAt, start)
	}
	if snap.FailureRatio != 1 || snap.Threshold != 0.5 || snap.ResetTime != 2*time.Second {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestDefaultCircuitBreakerConfig(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	if cfg.Threshold != 0.5 || cfg.Timeout != 30*time.Second || cfg.HalfOpenSuccesses != 5 {
		t.Errorf("defaults = %+v", cfg)
	}
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{Threshold: 1})
	if cb.config.HalfOpenSuccesses != 5 {
		t.Errorf("HalfOpenSuccesses default = %d, want 5", cb.config.HalfOpenSuccesses)
	}
}
