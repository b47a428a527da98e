// Package reconcile rebuilds in-memory state from the venue at startup.
// Nothing is ever resumed from disk: the venue is the only source of truth,
// and the engine refuses to start if it cannot be read.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"funding-harvester/internal/exchange"
	"funding-harvester/internal/state"
)

// ErrReconciliation marks a fatal startup reconciliation failure.
var ErrReconciliation = errors.New("reconciliation failed")

// Reconciler rebuilds State from venue positions and balances.
type Reconciler struct {
	gw     exchange.Gateway
	st     *state.State
	logger *slog.Logger
}

// New builds a reconciler.
func New(gw exchange.Gateway, st *state.State, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		gw:     gw,
		st:     st,
		logger: logger.With("component", "reconcile"),
	}
}

// Run resets State and rebuilds it from the venue. Idempotent: running it
// twice in a row produces identical state.
func (r *Reconciler) Run(ctx context.Context) error {
	r.st.Reset()

	var (
		positions map[string]exchange.PerpPosition
		balances  *exchange.Balances
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		positions, err = r.gw.GetPositions(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		balances, err = r.gw.GetBalances(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %v", ErrReconciliation, err)
	}

	for coin, pos := range positions {
		if pos.Side != "short" || pos.Size <= 0 {
			r.logger.Warn("ignoring non-hedge venue position",
				"coin", coin, "side", pos.Side, "size", pos.Size)
			continue
		}

		// The true spot entry and entry time are lost across restarts. The
		// perp entry is reused for both legs, the entry time stays zero, and
		// the position is flagged so PnL readers know it is a
		// lower-confidence value.
		r.st.AddPosition(state.Position{
			Coin:               coin,
			SpotSize:           pos.Size,
			PerpSize:           pos.Size,
			EntryPriceSpot:     pos.EntryPrice,
			EntryPricePerp:     pos.EntryPrice,
			SpotEntryEstimated: true,
		})
		r.logger.Info("position rebuilt from venue",
			"coin", coin, "size", pos.Size, "entry", pos.EntryPrice,
			"liquidation", pos.LiquidationPrice)
	}

	r.st.SetBalances(balances.SpotUSDC, balances.PerpMargin)

	buffer := balances.PerpMargin - 0.5*r.st.TotalExposureUSD()
	if buffer < 0 {
		buffer = 0
	}
	r.st.SetAvailableBuffer(buffer)

	sum := r.st.Summary()
	r.logger.Info("reconciliation complete",
		"positions", sum.Positions,
		"exposure_usd", sum.TotalExposureUSD,
		"buffer_usd", sum.BufferUSD,
	)
	return nil
}
