// Package monitor implements per-tick margin supervision.
//
// Every price tick flows through OnPriceTick: it stamps the watchdog
// heartbeat, recomputes the margin ratio from live perp bids, and spawns a
// single background rebalance when the ratio crosses a threshold. A
// separate watchdog goroutine escalates a stale feed through
// reconnect, panic-close, and process exit.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"funding-harvester/internal/config"
	"funding-harvester/internal/exchange"
	"funding-harvester/internal/notify"
	"funding-harvester/internal/state"
)

const reconnectTimeout = 10 * time.Second

// Rebalancer is the guard surface the monitor drives.
type Rebalancer interface {
	SafetyRebalance(ctx context.Context, coin string, pct float64) bool
}

// FeedReconnector forces the price feed to re-establish its connection.
type FeedReconnector interface {
	Reconnect(ctx context.Context) error
}

// PanicCloser force-closes every open position.
type PanicCloser interface {
	EmergencyCloseAll(ctx context.Context) bool
}

// EventSink records rebalance attempts on the cold path.
type EventSink interface {
	Rebalanced(coin string, fraction, marginRatio float64, success bool)
}

// MarginMonitor watches margin health tick by tick.
//
// OnPriceTick must be called from a single goroutine: each tick's handling
// completes before the next begins, which is what makes the plain perp-bid
// map safe.
type MarginMonitor struct {
	st          *state.State
	guard       Rebalancer
	feed        FeedReconnector
	panicSwitch PanicCloser
	events      EventSink
	notifier    notify.Notifier
	cfg         config.RiskConfig
	logger      *slog.Logger

	// exit is swapped out in tests.
	exit func(code int)

	rebalancing atomic.Bool
	lastPerpBid map[string]float64

	negMu    sync.Mutex
	negSince map[string]time.Time
}

// New builds the monitor.
func New(st *state.State, guard Rebalancer, feed FeedReconnector, panicSwitch PanicCloser,
	events EventSink, notifier notify.Notifier, cfg config.RiskConfig, logger *slog.Logger) *MarginMonitor {
	return &MarginMonitor{
		st:          st,
		guard:       guard,
		feed:        feed,
		panicSwitch: panicSwitch,
		events:      events,
		notifier:    notifier,
		cfg:         cfg,
		logger:      logger.With("component", "monitor"),
		exit:        os.Exit,
		lastPerpBid: make(map[string]float64),
		negSince:    make(map[string]time.Time),
	}
}

// OnPriceTick handles one tick: heartbeat, margin ratio, rebalance trigger.
func (m *MarginMonitor) OnPriceTick(ctx context.Context, tick exchange.PriceTick) {
	if tick.PerpBid > 0 {
		m.lastPerpBid[tick.Coin] = tick.PerpBid
	}

	positions := m.st.Positions()
	ratio := m.marginRatio(positions)
	m.st.SetMarginTick(ratio, tick.Time)

	if len(positions) == 0 || m.rebalancing.Load() {
		return
	}

	var pct float64
	switch {
	case ratio < m.cfg.MarginCriticalThreshold:
		pct = 0.5
	case ratio < m.cfg.MarginDangerThreshold:
		pct = 0.25
	default:
		return
	}

	if !m.rebalancing.CompareAndSwap(false, true) {
		return
	}

	m.logger.Warn("margin threshold breached, rebalancing",
		"margin_ratio", ratio, "close_fraction", pct)
	m.notifier.Alert("Margin rebalance",
		fmt.Sprintf("ratio %.3f, closing %.0f%% of every position", ratio, pct*100))

	go m.rebalanceAll(ctx, positions, pct, ratio)
}

// marginRatio values every short perp leg at its freshest bid. No
// positions, or no margin information yet, reads as fully healthy.
func (m *MarginMonitor) marginRatio(positions map[string]state.Position) float64 {
	if len(positions) == 0 {
		return 1.0
	}

	value := 0.0
	for coin, p := range positions {
		bid, ok := m.lastPerpBid[coin]
		if !ok {
			bid = p.EntryPricePerp
		}
		value += p.PerpSize * bid
	}
	if value <= 0 {
		return 1.0
	}

	_, perpMargin := m.st.Balances()
	ratio := perpMargin / value
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return ratio
}

// rebalanceAll is the single-flight rebalance task. The flag is cleared on
// every path out.
func (m *MarginMonitor) rebalanceAll(ctx context.Context, positions map[string]state.Position, pct, ratio float64) {
	defer m.rebalancing.Store(false)

	for coin := range positions {
		ok := m.guard.SafetyRebalance(ctx, coin, pct)
		m.events.Rebalanced(coin, pct, ratio, ok)
		if !ok {
			m.logger.Error("rebalance failed", "coin", coin, "pct", pct)
		}
	}
}

// CheckNegativeFunding tracks how long a coin's funding has been negative.
// Returns true once it has stayed negative past the configured tolerance.
func (m *MarginMonitor) CheckNegativeFunding(coin string, rate float64) bool {
	m.negMu.Lock()
	defer m.negMu.Unlock()

	if rate >= 0 {
		delete(m.negSince, coin)
		return false
	}

	since, ok := m.negSince[coin]
	if !ok {
		m.negSince[coin] = time.Now()
		m.logger.Warn("funding turned negative", "coin", coin, "rate", rate)
		return false
	}
	return time.Since(since) >= m.cfg.NegativeFundingTolerance
}

// ForgetCoin drops negative-funding tracking after a position is closed.
func (m *MarginMonitor) ForgetCoin(coin string) {
	m.negMu.Lock()
	defer m.negMu.Unlock()
	delete(m.negSince, coin)
}

// RunWatchdog escalates a stale feed: reconnect, then panic-close, then
// die. Blocks until ctx is cancelled or the ladder terminates the process.
func (m *MarginMonitor) RunWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.WatchdogCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		last := m.st.LastPriceUpdate()
		if last.IsZero() {
			continue
		}
		stale := time.Since(last)
		if stale <= m.cfg.WatchdogStale {
			continue
		}

		m.logger.Warn("price feed stale, forcing reconnect", "stale", stale)
		rctx, cancel := context.WithTimeout(ctx, reconnectTimeout)
		err := m.feed.Reconnect(rctx)
		cancel()
		if err == nil {
			m.st.SetMarginTick(m.st.MarginRatio(), time.Now())
			m.logger.Info("feed reconnected")
			continue
		}

		m.logger.Error("reconnect failed, closing all positions", "error", err)
		m.notifier.Alert("Watchdog panic", "feed unrecoverable, closing all positions")

		if m.panicSwitch.EmergencyCloseAll(ctx) {
			m.logger.Warn("panic close complete, exiting clean")
			m.exit(0)
			return nil
		}

		m.logger.Error("panic close incomplete, exiting for supervisor restart")
		m.exit(1)
		return nil
	}
}
