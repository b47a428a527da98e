package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"funding-harvester/internal/config"
	"funding-harvester/internal/exchange"
	"funding-harvester/internal/notify"
	"funding-harvester/internal/state"
)

type fakeRebalancer struct {
	mu    sync.Mutex
	calls []float64
	block chan struct{} // non-nil blocks until closed
	ok    bool
}

func (f *fakeRebalancer) SafetyRebalance(ctx context.Context, coin string, pct float64) bool {
	f.mu.Lock()
	f.calls = append(f.calls, pct)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return f.ok
}

func (f *fakeRebalancer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeFeed struct {
	mu       sync.Mutex
	attempts int
	err      error
}

func (f *fakeFeed) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	return f.err
}

func (f *fakeFeed) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type fakePanic struct {
	mu     sync.Mutex
	called bool
	ok     bool
}

func (f *fakePanic) EmergencyCloseAll(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = true
	return f.ok
}

type fakeSink struct {
	mu      sync.Mutex
	records int
}

func (f *fakeSink) Rebalanced(coin string, fraction, marginRatio float64, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records++
}

func testRiskCfg() config.RiskConfig {
	return config.RiskConfig{
		MarginDangerThreshold:    0.15,
		MarginCriticalThreshold:  0.10,
		NegativeFundingTolerance: 30 * time.Millisecond,
		WatchdogCheck:            10 * time.Millisecond,
		WatchdogStale:            25 * time.Millisecond,
	}
}

func newMonitor(st *state.State, reb *fakeRebalancer, feed *fakeFeed, pc *fakePanic, sink *fakeSink) *MarginMonitor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, reb, feed, pc, sink, notify.Noop{}, testRiskCfg(), logger)
}

func tick(coin string, perpBid float64) exchange.PriceTick {
	return exchange.PriceTick{
		Coin:    coin,
		SpotBid: perpBid - 0.05, SpotAsk: perpBid - 0.03,
		PerpBid: perpBid, PerpAsk: perpBid + 0.02,
		Time: time.Now(),
	}
}

func TestZeroPositionsMarginRatioIsOne(t *testing.T) {
	t.Parallel()
	st := state.New()
	m := newMonitor(st, &fakeRebalancer{ok: true}, &fakeFeed{}, &fakePanic{}, &fakeSink{})

	tk := tick("HYPE", 10.0)
	m.OnPriceTick(context.Background(), tk)

	if got := st.MarginRatio(); got != 1.0 {
		t.Fatalf("margin ratio = %v, want 1.0", got)
	}
	if !st.LastPriceUpdate().Equal(tk.Time) {
		t.Fatal("heartbeat not stamped with tick time")
	}
}

func TestDangerThresholdTriggersSingleRebalance(t *testing.T) {
	t.Parallel()
	st := state.New()
	st.AddPosition(state.Position{Coin: "HYPE", SpotSize: 10, PerpSize: 9.95, EntryPriceSpot: 10, EntryPricePerp: 10.05})
	st.SetBalances(0, 11.94) // 11.94 / (9.95*10.0) = 0.12

	block := make(chan struct{})
	reb := &fakeRebalancer{ok: true, block: block}
	sink := &fakeSink{}
	m := newMonitor(st, reb, &fakeFeed{}, &fakePanic{}, sink)

	m.OnPriceTick(context.Background(), tick("HYPE", 10.0))

	// A second tick below threshold while the rebalance is in flight
	// spawns nothing.
	waitFor(t, func() bool { return reb.callCount() == 1 })
	m.OnPriceTick(context.Background(), tick("HYPE", 10.0))
	if reb.callCount() != 1 {
		t.Fatalf("overlapping rebalance spawned: %d calls", reb.callCount())
	}

	close(block)
	waitFor(t, func() bool { return !m.rebalancing.Load() })

	reb.mu.Lock()
	defer reb.mu.Unlock()
	if len(reb.calls) != 1 || reb.calls[0] != 0.25 {
		t.Fatalf("rebalance calls = %v, want one call at 0.25", reb.calls)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.records != 1 {
		t.Fatalf("rebalance events recorded = %d, want 1", sink.records)
	}
}

func TestCriticalThresholdClosesHalf(t *testing.T) {
	t.Parallel()
	st := state.New()
	st.AddPosition(state.Position{Coin: "HYPE", SpotSize: 10, PerpSize: 9.95, EntryPriceSpot: 10, EntryPricePerp: 10.05})
	st.SetBalances(0, 7.96) // 7.96 / 99.5 = 0.08

	reb := &fakeRebalancer{ok: true}
	m := newMonitor(st, reb, &fakeFeed{}, &fakePanic{}, &fakeSink{})

	m.OnPriceTick(context.Background(), tick("HYPE", 10.0))
	waitFor(t, func() bool { return !m.rebalancing.Load() && reb.callCount() == 1 })

	reb.mu.Lock()
	defer reb.mu.Unlock()
	if reb.calls[0] != 0.5 {
		t.Fatalf("close fraction = %v, want 0.5", reb.calls[0])
	}
}

func TestNegativeFundingTimer(t *testing.T) {
	t.Parallel()
	st := state.New()
	m := newMonitor(st, &fakeRebalancer{ok: true}, &fakeFeed{}, &fakePanic{}, &fakeSink{})

	if m.CheckNegativeFunding("HYPE", -0.0001) {
		t.Fatal("exit flagged on first negative observation")
	}
	time.Sleep(40 * time.Millisecond)
	if !m.CheckNegativeFunding("HYPE", -0.0001) {
		t.Fatal("exit not flagged after tolerance elapsed")
	}

	// A positive reading resets the timer.
	m.CheckNegativeFunding("HYPE", 0.0001)
	if m.CheckNegativeFunding("HYPE", -0.0001) {
		t.Fatal("timer survived a positive reading")
	}
}

func TestWatchdogReconnectSuccess(t *testing.T) {
	t.Parallel()
	st := state.New()
	st.SetMarginTick(1.0, time.Now().Add(-time.Second)) // stale
	feed := &fakeFeed{}
	pc := &fakePanic{ok: true}
	m := newMonitor(st, &fakeRebalancer{ok: true}, feed, pc, &fakeSink{})
	m.exit = func(code int) { t.Errorf("exit(%d) called", code) }

	ctx, cancel := context.WithCancel(context.Background())
	go m.RunWatchdog(ctx)

	waitFor(t, func() bool { return feed.attemptCount() >= 1 })
	cancel()

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.called {
		t.Fatal("panic switch fired despite successful reconnect")
	}
	if time.Since(st.LastPriceUpdate()) > 500*time.Millisecond {
		t.Fatal("heartbeat not refreshed after reconnect")
	}
}

func TestWatchdogPanicLadder(t *testing.T) {
	t.Parallel()
	st := state.New()
	st.SetMarginTick(1.0, time.Now().Add(-time.Second))
	feed := &fakeFeed{err: errors.New("dead feed")}
	pc := &fakePanic{ok: true}
	m := newMonitor(st, &fakeRebalancer{ok: true}, feed, pc, &fakeSink{})

	exitCode := make(chan int, 1)
	m.exit = func(code int) { exitCode <- code }

	go m.RunWatchdog(context.Background())

	select {
	case code := <-exitCode:
		if code != 0 {
			t.Fatalf("exit code = %d, want 0 after successful panic close", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never escalated")
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if !pc.called {
		t.Fatal("panic switch not invoked")
	}
}

func TestWatchdogTerminalRungExitsOne(t *testing.T) {
	t.Parallel()
	st := state.New()
	st.SetMarginTick(1.0, time.Now().Add(-time.Second))
	feed := &fakeFeed{err: errors.New("dead feed")}
	pc := &fakePanic{ok: false}
	m := newMonitor(st, &fakeRebalancer{ok: true}, feed, pc, &fakeSink{})

	exitCode := make(chan int, 1)
	m.exit = func(code int) { exitCode <- code }

	go m.RunWatchdog(context.Background())

	select {
	case code := <-exitCode:
		if code != 1 {
			t.Fatalf("exit code = %d, want 1 after failed panic close", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never escalated")
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
	t.Fatal("condition never met")
}
