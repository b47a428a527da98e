// Package strategy implements the funding harvester: the orchestrator that
// turns scanner output into delta-neutral entries and accrues funding on
// open positions.
//
// Two cooperative loops run under one goroutine: the scan-and-enter loop
// (default every 5 minutes) and the funding-log loop (default hourly). At
// most one new position is entered per scan iteration, and a bad coin is
// skipped rather than aborting the sweep.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"funding-harvester/internal/config"
	"funding-harvester/internal/exchange"
	"funding-harvester/internal/guard"
	"funding-harvester/internal/notify"
	"funding-harvester/internal/scanner"
	"funding-harvester/internal/state"
)

// Executor is the guard surface the harvester drives.
type Executor interface {
	ExecuteDeltaNeutral(ctx context.Context, coin string, sizeUSD, spotPrice, perpPrice float64) (*guard.Result, error)
	EmergencyClose(ctx context.Context, coin string) bool
}

// Scanner produces scored opportunities.
type Scanner interface {
	Scan(ctx context.Context, coins []string) []scanner.Opportunity
}

// FundingMonitor tracks negative-funding exposure per coin.
type FundingMonitor interface {
	CheckNegativeFunding(coin string, rate float64) bool
	ForgetCoin(coin string)
}

// EventSink records trading activity on the cold path.
type EventSink interface {
	PositionOpened(coin string, spotSize, perpSize, entrySpot, entryPerp float64)
	PositionClosed(coin string)
	TradeExecuted(coin, leg, side string, size, price float64, cloid string)
	FundingAccrued(coin string, rate, payment float64)
}

// Harvester is the strategy orchestrator.
type Harvester struct {
	gw       exchange.Gateway
	st       *state.State
	exec     Executor
	scanner  Scanner
	mon      FundingMonitor
	events   EventSink
	notifier notify.Notifier
	cfg      config.StrategyConfig
	logger   *slog.Logger

	// priorityExit holds coins whose entry ended imperfectly hedged; they
	// are closed at the top of the next scan iteration. Only touched from
	// the Run goroutine.
	priorityExit map[string]bool
}

// New builds the harvester.
func New(gw exchange.Gateway, st *state.State, exec Executor, sc Scanner, mon FundingMonitor,
	events EventSink, notifier notify.Notifier, cfg config.StrategyConfig, logger *slog.Logger) *Harvester {
	return &Harvester{
		gw:           gw,
		st:           st,
		exec:         exec,
		scanner:      sc,
		mon:          mon,
		events:       events,
		notifier:     notifier,
		cfg:          cfg,
		logger:       logger.With("component", "harvester"),
		priorityExit: make(map[string]bool),
	}
}

// Run drives both loops until ctx is cancelled. One scan fires immediately
// so a restart does not wait out a full interval before trading.
func (h *Harvester) Run(ctx context.Context) error {
	scanTicker := time.NewTicker(h.cfg.ScanInterval)
	defer scanTicker.Stop()
	fundingTicker := time.NewTicker(h.cfg.FundingCheckInterval)
	defer fundingTicker.Stop()

	h.scanIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-scanTicker.C:
			h.scanIteration(ctx)
		case <-fundingTicker.C:
			h.fundingIteration(ctx)
		}
	}
}

// scanIteration closes any flagged positions, then tries to enter at most
// one new one.
func (h *Harvester) scanIteration(ctx context.Context) {
	h.closePriorityExits(ctx)

	exposure := h.st.TotalExposureUSD()
	if exposure >= h.cfg.MaxTotalExposureUSD {
		h.logger.Debug("exposure cap reached", "exposure_usd", exposure)
		return
	}

	for _, opp := range h.scanner.Scan(ctx, h.cfg.Coins) {
		if !opp.Viable {
			h.logger.Debug("skipping non-viable opportunity", "coin", opp.Coin, "reason", opp.Reason)
			continue
		}
		if h.st.HasPosition(opp.Coin) {
			continue
		}
		if h.tryEnter(ctx, opp, exposure) {
			return
		}
	}
}

// tryEnter runs the pre-trade checks and, when they pass, the entry.
// Returns true when a position was opened.
func (h *Harvester) tryEnter(ctx context.Context, opp scanner.Opportunity, exposure float64) bool {
	sizeUSD := h.cfg.MaxPositionPerCoinUSD
	if remaining := h.cfg.MaxTotalExposureUSD - exposure; remaining < sizeUSD {
		sizeUSD = remaining
	}
	if sizeUSD < h.cfg.MinPositionUSD {
		h.logger.Debug("size below floor", "coin", opp.Coin, "size_usd", sizeUSD)
		return false
	}

	prices, err := h.gw.GetPrices(ctx, opp.Coin)
	if err != nil {
		h.logger.Warn("prices unavailable", "coin", opp.Coin, "error", err)
		return false
	}
	if prices.SpotAsk <= 0 || prices.PerpBid <= 0 {
		h.logger.Warn("empty book", "coin", opp.Coin, "prices", prices)
		return false
	}

	balances, err := h.gw.GetBalances(ctx)
	if err != nil {
		h.logger.Warn("balances unavailable", "coin", opp.Coin, "error", err)
		return false
	}
	if balances.SpotUSDC < sizeUSD*1.02 {
		h.logger.Warn("insufficient spot balance",
			"coin", opp.Coin, "have", balances.SpotUSDC, "need", sizeUSD*1.02)
		return false
	}
	if balances.PerpMargin < sizeUSD*0.20 {
		h.logger.Warn("insufficient perp margin",
			"coin", opp.Coin, "have", balances.PerpMargin, "need", sizeUSD*0.20)
		return false
	}

	h.logger.Info("entering position",
		"coin", opp.Coin, "size_usd", sizeUSD,
		"funding_apr", opp.FundingAPR, "net_apy_pct", opp.NetAPYPct)

	res, err := h.exec.ExecuteDeltaNeutral(ctx, opp.Coin, sizeUSD, prices.SpotAsk, prices.PerpBid)
	if err != nil {
		h.logger.Warn("entry aborted", "coin", opp.Coin, "error", err)
		return false
	}
	if !res.Success {
		h.logger.Warn("entry failed", "coin", opp.Coin, "error", res.Err)
		return false
	}

	h.events.PositionOpened(opp.Coin, res.SpotFilled, res.PerpFilled, res.SpotPrice, res.PerpPrice)
	h.events.TradeExecuted(opp.Coin, string(exchange.LegSpot), "buy", res.SpotFilled, res.SpotPrice, res.SpotCloid)
	h.events.TradeExecuted(opp.Coin, string(exchange.LegPerp), "sell", res.PerpFilled, res.PerpPrice, res.PerpCloid)
	h.notifier.Alert("Position opened",
		fmt.Sprintf("%s $%.0f at %.1f%% APR", opp.Coin, sizeUSD, opp.FundingAPR*100))

	if res.DeltaMismatch {
		h.priorityExit[opp.Coin] = true
	}
	return true
}

// closePriorityExits unwinds positions flagged as imperfectly hedged.
func (h *Harvester) closePriorityExits(ctx context.Context) {
	for coin := range h.priorityExit {
		h.logger.Warn("closing imperfectly hedged position", "coin", coin)
		if !h.exec.EmergencyClose(ctx, coin) {
			continue
		}
		delete(h.priorityExit, coin)
		h.mon.ForgetCoin(coin)
		h.events.PositionClosed(coin)
	}
}

// fundingIteration accrues funding for every open position and exits the
// ones whose funding has stayed negative past tolerance.
func (h *Harvester) fundingIteration(ctx context.Context) {
	for coin, pos := range h.st.Positions() {
		rate, err := h.gw.GetFundingRate(ctx, coin)
		if err != nil {
			h.logger.Warn("funding rate unavailable", "coin", coin, "error", err)
			continue
		}

		if rate > 0 {
			payment := pos.PerpSize * rate * pos.EntryPricePerp
			h.events.FundingAccrued(coin, rate, payment)
			h.logger.Info("funding accrued", "coin", coin, "rate", rate, "payment_usd", payment)
		}

		if h.mon.CheckNegativeFunding(coin, rate) {
			h.logger.Warn("funding negative past tolerance, exiting", "coin", coin, "rate", rate)
			if h.exec.EmergencyClose(ctx, coin) {
				h.mon.ForgetCoin(coin)
				h.events.PositionClosed(coin)
				h.notifier.Alert("Position closed", coin+" exited on negative funding")
			}
		}
	}
}
