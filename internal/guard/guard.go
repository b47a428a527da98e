// Package guard implements the atomic dual-leg executor.
//
// Every mutation of position state funnels through one ExecutionGuard. The
// strategy enters positions with ExecuteDeltaNeutral; the margin monitor
// shrinks or closes them with SafetyRebalance. A priority lock serializes
// the two paths and lets a pending safety call preempt any future strategy
// entry without interrupting the one already in flight.
//
// The cardinal rule: a dual-leg entry either ends with both legs filled and
// a Position recorded, or with no position at all. A legged fill (one side
// filled, the other not) is unwound before the call returns.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"funding-harvester/internal/config"
	"funding-harvester/internal/exchange"
	"funding-harvester/internal/state"
)

// Result is the outcome of a dual-leg entry attempt.
type Result struct {
	Success    bool
	SpotCloid  string
	PerpCloid  string
	SpotFilled float64
	PerpFilled float64
	SpotPrice  float64 // average fill price
	PerpPrice  float64

	// DeltaMismatch marks a successful entry whose two fill ratios diverged
	// beyond tolerance. The position is live but imperfectly hedged; the
	// caller should schedule it for priority exit.
	DeltaMismatch bool

	Err string
}

// legOutcome is one side of a concurrent dual-leg dispatch.
type legOutcome struct {
	ok       bool
	filled   float64
	avgPrice float64
	err      string
}

// priorityGate is the pass/block signal in front of the strategy path.
// Closed channel = strategy allowed. The safety path blocks the gate before
// taking the lock and reopens it after releasing, so a waiting safety call
// always wins against new strategy entries.
type priorityGate struct {
	mu   sync.Mutex
	ch   chan struct{}
	open bool
}

func newPriorityGate() *priorityGate {
	ch := make(chan struct{})
	close(ch)
	return &priorityGate{ch: ch, open: true}
}

func (g *priorityGate) block() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.ch = make(chan struct{})
		g.open = false
	}
}

func (g *priorityGate) allow() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		close(g.ch)
		g.open = true
	}
}

func (g *priorityGate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// ExecutionGuard executes paired spot/perp orders under a priority lock.
type ExecutionGuard struct {
	gw     exchange.Gateway
	st     *state.State
	cfg    config.ExecutionConfig
	logger *slog.Logger

	lock sync.Mutex // serializes all executions
	gate *priorityGate
}

// New builds the guard. One per process.
func New(gw exchange.Gateway, st *state.State, cfg config.ExecutionConfig, logger *slog.Logger) *ExecutionGuard {
	return &ExecutionGuard{
		gw:     gw,
		st:     st,
		cfg:    cfg,
		gate:   newPriorityGate(),
		logger: logger.With("component", "guard"),
	}
}

func newCloid() string {
	return exchange.NewCloid(uuid.New())
}

// placeLeg dispatches one IOC order with the per-order timeout and resolves
// timeouts through a status query, so a "ghost" order that actually filled
// is never counted as a miss.
func (e *ExecutionGuard) placeLeg(ctx context.Context, coin string, leg exchange.Leg, isBuy bool, size, price float64, cloid string, timeout time.Duration) legOutcome {
	legCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := e.gw.PlaceOrder(legCtx, coin, leg, isBuy, size, price, cloid)
	if err == nil {
		switch res.Status {
		case exchange.StatusFilled:
			return legOutcome{ok: true, filled: res.FilledSize, avgPrice: res.AvgPrice}
		case exchange.StatusOpen:
			// IOC should never rest; cancel it and count the leg as a miss.
			if !e.cancelLeg(ctx, coin, leg, cloid) {
				return legOutcome{err: "order rested and cancel matched nothing, fate unknown"}
			}
			return legOutcome{err: "order rested and was cancelled"}
		default:
			return legOutcome{err: res.Err}
		}
	}

	// Timeout or transport failure: ask the venue what actually happened.
	status, qerr := e.gw.QueryOrderStatus(ctx, coin, cloid)
	if qerr != nil {
		e.logger.Error("order fate unknown after timeout",
			"coin", coin, "leg", leg, "cloid", cloid, "error", qerr)
		return legOutcome{err: fmt.Sprintf("place failed and status query failed: %v", qerr)}
	}

	switch status.Status {
	case exchange.StatusFilled:
		return legOutcome{ok: true, filled: status.FilledSize, avgPrice: price}
	case exchange.StatusOpen:
		if !e.cancelLeg(ctx, coin, leg, cloid) {
			return legOutcome{err: "timed out while open, cancel matched nothing, fate unknown"}
		}
		return legOutcome{err: "timed out while open, cancelled"}
	default:
		e.logger.Error("order vanished after timeout, relying on reconciliation",
			"coin", coin, "leg", leg, "cloid", cloid)
		return legOutcome{err: fmt.Sprintf("place failed: %v", err)}
	}
}

// cancelLeg cancels a resting order on the leg it was placed on and reports
// whether the cancel is confirmed. A cancel the venue could not match may
// still fill; reconciliation picks up any stray fill.
func (e *ExecutionGuard) cancelLeg(ctx context.Context, coin string, leg exchange.Leg, cloid string) bool {
	ok, err := e.gw.CancelOrder(ctx, coin, leg, cloid)
	if err != nil {
		e.logger.Error("CRITICAL: cancel failed, order fate unknown until reconciliation",
			"coin", coin, "leg", leg, "cloid", cloid, "error", err)
		return false
	}
	if !ok {
		e.logger.Error("CRITICAL: cancel matched nothing, order fate unknown until reconciliation",
			"coin", coin, "leg", leg, "cloid", cloid)
		return false
	}
	return true
}

// dispatchPair runs both legs concurrently and waits for both to resolve.
// A failed leg never cancels its sibling: the outcome table needs both
// results.
func (e *ExecutionGuard) dispatchPair(ctx context.Context, coin string,
	spot, perp state.PendingOrder, timeout time.Duration) (spotOut, perpOut legOutcome) {

	e.st.AddPendingOrder(spot)
	e.st.AddPendingOrder(perp)
	defer func() {
		e.st.RemovePendingOrder(spot.Cloid)
		e.st.RemovePendingOrder(perp.Cloid)
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		spotOut = e.placeLeg(ctx, coin, exchange.LegSpot, spot.IsBuy, spot.Size, spot.Price, spot.Cloid, timeout)
	}()
	go func() {
		defer wg.Done()
		perpOut = e.placeLeg(ctx, coin, exchange.LegPerp, perp.IsBuy, perp.Size, perp.Price, perp.Cloid, timeout)
	}()
	wg.Wait()
	return spotOut, perpOut
}

// ExecuteDeltaNeutral opens a paired long-spot / short-perp position.
// Blocks while a safety rebalance is pending or running.
func (e *ExecutionGuard) ExecuteDeltaNeutral(ctx context.Context, coin string, sizeUSD, spotPrice, perpPrice float64) (*Result, error) {
	if err := e.gate.wait(ctx); err != nil {
		return nil, err
	}
	e.lock.Lock()
	defer e.lock.Unlock()

	if spotPrice <= 0 || perpPrice <= 0 {
		return &Result{Err: "invalid prices"}, nil
	}

	spotSize := e.gw.RoundSize(coin, sizeUSD/spotPrice)
	perpSize := e.gw.RoundSize(coin, sizeUSD/perpPrice)
	if spotSize <= 0 || perpSize <= 0 {
		return &Result{Err: "size rounds to zero"}, nil
	}

	spotLimit := e.gw.RoundPrice(coin, spotPrice*(1+e.cfg.SlippageBuffer))
	perpLimit := e.gw.RoundPrice(coin, perpPrice*(1-e.cfg.SlippageBuffer))

	now := time.Now()
	spotOrder := state.PendingOrder{
		Cloid: newCloid(), Coin: coin, Leg: string(exchange.LegSpot),
		IsBuy: true, Size: spotSize, Price: spotLimit, CreatedAt: now,
	}
	perpOrder := state.PendingOrder{
		Cloid: newCloid(), Coin: coin, Leg: string(exchange.LegPerp),
		IsBuy: false, Size: perpSize, Price: perpLimit, CreatedAt: now,
	}

	e.logger.Info("entering delta-neutral position",
		"coin", coin, "size_usd", sizeUSD,
		"spot_size", spotSize, "perp_size", perpSize,
		"spot_limit", spotLimit, "perp_limit", perpLimit,
	)

	spotOut, perpOut := e.dispatchPair(ctx, coin, spotOrder, perpOrder, e.cfg.OrderTimeout)

	result := &Result{
		SpotCloid:  spotOrder.Cloid,
		PerpCloid:  perpOrder.Cloid,
		SpotFilled: spotOut.filled,
		PerpFilled: perpOut.filled,
		SpotPrice:  spotOut.avgPrice,
		PerpPrice:  perpOut.avgPrice,
	}

	switch {
	case spotOut.ok && perpOut.ok:
		e.st.AddPosition(state.Position{
			Coin:           coin,
			SpotSize:       spotOut.filled,
			PerpSize:       perpOut.filled,
			EntryPriceSpot: spotOut.avgPrice,
			EntryPricePerp: perpOut.avgPrice,
			EntryTime:      now,
		})
		result.Success = true
		result.DeltaMismatch = fillRatiosDiverge(spotOut.filled, spotSize, perpOut.filled, perpSize)
		if result.DeltaMismatch {
			e.logger.Error("delta mismatch after entry, flagging for priority exit",
				"coin", coin,
				"spot_filled", spotOut.filled, "spot_wanted", spotSize,
				"perp_filled", perpOut.filled, "perp_wanted", perpSize,
			)
		} else {
			e.logger.Info("position opened",
				"coin", coin, "spot_fill", spotOut.filled, "perp_fill", perpOut.filled)
		}
		return result, nil

	case !spotOut.ok && !perpOut.ok:
		result.Err = fmt.Sprintf("both legs failed: spot: %s; perp: %s", spotOut.err, perpOut.err)
		e.logger.Warn("entry failed on both legs", "coin", coin, "error", result.Err)
		return result, nil

	case spotOut.ok:
		result.Err = e.unwindSpot(ctx, coin, spotOut.filled, spotPrice, perpOut.err)
		return result, nil

	default:
		result.Err = e.unwindPerp(ctx, coin, perpOut.filled, perpPrice, spotOut.err)
		return result, nil
	}
}

// fillRatiosDiverge reports whether the two legs filled in different
// proportion of what was asked. Sizes themselves differ by the spot/perp
// basis; only the fill ratios are comparable.
func fillRatiosDiverge(spotFilled, spotWanted, perpFilled, perpWanted float64) bool {
	if spotWanted <= 0 || perpWanted <= 0 {
		return true
	}
	return math.Abs(spotFilled/spotWanted-perpFilled/perpWanted) > 0.01
}

// unwindSpot sells back a filled spot leg after the perp leg missed.
// Returns the error string for the Result.
func (e *ExecutionGuard) unwindSpot(ctx context.Context, coin string, filled, refPrice float64, perpErr string) string {
	e.logger.Warn("perp leg failed, unwinding spot fill",
		"coin", coin, "filled", filled, "perp_error", perpErr)

	limit := e.gw.RoundPrice(coin, refPrice*(1-e.cfg.UnwindSlippage))
	if ok := e.unwindLeg(ctx, coin, exchange.LegSpot, false, filled, limit); !ok {
		e.logger.Error("CRITICAL: spot unwind failed, one-sided exposure until reconciliation",
			"coin", coin, "filled", filled)
		return fmt.Sprintf("perp leg failed (%s) and spot unwind failed", perpErr)
	}
	return fmt.Sprintf("perp leg failed (%s); spot fill unwound", perpErr)
}

// unwindPerp buys back a filled short-perp leg after the spot leg missed.
func (e *ExecutionGuard) unwindPerp(ctx context.Context, coin string, filled, refPrice float64, spotErr string) string {
	e.logger.Warn("spot leg failed, unwinding perp fill",
		"coin", coin, "filled", filled, "spot_error", spotErr)

	limit := e.gw.RoundPrice(coin, refPrice*(1+e.cfg.UnwindSlippage))
	if ok := e.unwindLeg(ctx, coin, exchange.LegPerp, true, filled, limit); !ok {
		e.logger.Error("CRITICAL: perp unwind failed, one-sided exposure until reconciliation",
			"coin", coin, "filled", filled)
		return fmt.Sprintf("spot leg failed (%s) and perp unwind failed", spotErr)
	}
	return fmt.Sprintf("spot leg failed (%s); perp fill unwound", spotErr)
}

func (e *ExecutionGuard) unwindLeg(ctx context.Context, coin string, leg exchange.Leg, isBuy bool, size, limit float64) bool {
	order := state.PendingOrder{
		Cloid: newCloid(), Coin: coin, Leg: string(leg),
		IsBuy: isBuy, Size: size, Price: limit, CreatedAt: time.Now(),
	}
	e.st.AddPendingOrder(order)
	defer e.st.RemovePendingOrder(order.Cloid)

	out := e.placeLeg(ctx, coin, leg, isBuy, size, limit, order.Cloid, e.cfg.OrderTimeout)
	return out.ok
}

// SafetyRebalance closes a fraction of a position at aggressive limits.
// Preempts future strategy entries via the priority gate. Closing an
// already-absent position is a success: the goal state is reached.
func (e *ExecutionGuard) SafetyRebalance(ctx context.Context, coin string, pct float64) bool {
	if pct <= 0 || pct > 1 {
		e.logger.Error("invalid rebalance fraction", "coin", coin, "pct", pct)
		return false
	}

	e.gate.block()
	defer e.gate.allow()
	e.lock.Lock()
	defer e.lock.Unlock()

	pos, ok := e.st.Position(coin)
	if !ok {
		return true
	}

	closeSpot := e.gw.RoundSize(coin, pos.SpotSize*pct)
	closePerp := e.gw.RoundSize(coin, pos.PerpSize*pct)
	if closeSpot <= 0 || closePerp <= 0 {
		e.logger.Warn("rebalance size rounds to zero", "coin", coin, "pct", pct)
		return false
	}

	prices, err := e.gw.GetPrices(ctx, coin)
	if err != nil {
		e.logger.Error("rebalance aborted, no prices", "coin", coin, "error", err)
		return false
	}

	spotLimit := e.gw.RoundPrice(coin, prices.SpotBid*(1-e.cfg.UnwindSlippage))
	perpLimit := e.gw.RoundPrice(coin, prices.PerpAsk*(1+e.cfg.UnwindSlippage))

	now := time.Now()
	spotOrder := state.PendingOrder{
		Cloid: newCloid(), Coin: coin, Leg: string(exchange.LegSpot),
		IsBuy: false, Size: closeSpot, Price: spotLimit, CreatedAt: now,
	}
	perpOrder := state.PendingOrder{
		Cloid: newCloid(), Coin: coin, Leg: string(exchange.LegPerp),
		IsBuy: true, Size: closePerp, Price: perpLimit, CreatedAt: now,
	}

	e.logger.Warn("safety rebalance",
		"coin", coin, "pct", pct,
		"close_spot", closeSpot, "close_perp", closePerp,
		"spot_limit", spotLimit, "perp_limit", perpLimit,
	)

	spotOut, perpOut := e.dispatchPair(ctx, coin, spotOrder, perpOrder, e.cfg.OrderTimeout)

	if !spotOut.ok || !perpOut.ok {
		// State is left as-is: the venue holds the truth and the next
		// reconciliation restores it.
		e.logger.Error("CRITICAL: rebalance legged, state may lag venue until reconciliation",
			"coin", coin,
			"spot_ok", spotOut.ok, "spot_error", spotOut.err,
			"perp_ok", perpOut.ok, "perp_error", perpOut.err,
		)
		return false
	}

	if pct >= 1 {
		e.st.RemovePosition(coin)
		e.logger.Info("position fully closed", "coin", coin)
	} else {
		e.st.UpdatePositionSize(coin, pos.SpotSize-spotOut.filled, pos.PerpSize-perpOut.filled)
		e.logger.Info("position reduced",
			"coin", coin, "spot_closed", spotOut.filled, "perp_closed", perpOut.filled)
	}
	return true
}

// EmergencyClose closes the entire position for a coin.
func (e *ExecutionGuard) EmergencyClose(ctx context.Context, coin string) bool {
	return e.SafetyRebalance(ctx, coin, 1.0)
}
