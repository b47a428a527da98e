// Package safety implements the panic switch: force-close every open
// position with aggressive limit prices. It is the terminal rung of the
// watchdog ladder and the backing for the --verify-panic CLI path.
//
// The switch is deliberately not atomic. If one coin fails to close it
// logs and keeps going; the goal is to shed as much open risk as possible,
// not to keep state pretty.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"funding-harvester/internal/config"
	"funding-harvester/internal/exchange"
	"funding-harvester/internal/notify"
	"funding-harvester/internal/state"
)

// PanicSwitch closes all positions at market-crossing limits.
type PanicSwitch struct {
	gw       exchange.Gateway
	st       *state.State
	cfg      config.ExecutionConfig
	notifier notify.Notifier
	logger   *slog.Logger
}

// New builds the switch.
func New(gw exchange.Gateway, st *state.State, cfg config.ExecutionConfig, notifier notify.Notifier, logger *slog.Logger) *PanicSwitch {
	return &PanicSwitch{
		gw:       gw,
		st:       st,
		cfg:      cfg,
		notifier: notifier,
		logger:   logger.With("component", "panic"),
	}
}

// EmergencyCloseAll closes every position. Returns true iff every position
// closed completely.
func (p *PanicSwitch) EmergencyCloseAll(ctx context.Context) bool {
	positions := p.st.Positions()
	if len(positions) == 0 {
		p.logger.Info("panic close: no open positions")
		return true
	}

	p.logger.Warn("PANIC CLOSE: closing all positions", "count", len(positions))
	p.notifier.Alert("Panic close", fmt.Sprintf("force-closing %d positions", len(positions)))

	allClosed := true
	for coin, pos := range positions {
		if err := p.closeOne(ctx, coin, pos); err != nil {
			p.logger.Error("panic close incomplete", "coin", coin, "error", err)
			allClosed = false
			continue
		}
		p.st.RemovePosition(coin)
		p.logger.Info("position panic-closed", "coin", coin)
	}
	return allClosed
}

// closeOne sells the spot leg and buys back the perp leg concurrently at
// prices deep enough into the book to fill immediately.
func (p *PanicSwitch) closeOne(ctx context.Context, coin string, pos state.Position) error {
	prices, err := p.gw.GetPrices(ctx, coin)
	if err != nil {
		return fmt.Errorf("prices: %w", err)
	}
	if prices.SpotBid <= 0 || prices.PerpAsk <= 0 {
		return fmt.Errorf("empty book: %+v", prices)
	}

	spotLimit := p.gw.RoundPrice(coin, prices.SpotBid*(1-p.cfg.PanicSlippage))
	perpLimit := p.gw.RoundPrice(coin, prices.PerpAsk*(1+p.cfg.PanicSlippage))
	spotSize := p.gw.RoundSize(coin, pos.SpotSize)
	perpSize := p.gw.RoundSize(coin, pos.PerpSize)

	var g errgroup.Group
	g.Go(func() error {
		return p.closeLeg(ctx, coin, exchange.LegSpot, false, spotSize, spotLimit)
	})
	g.Go(func() error {
		return p.closeLeg(ctx, coin, exchange.LegPerp, true, perpSize, perpLimit)
	})
	return g.Wait()
}

func (p *PanicSwitch) closeLeg(ctx context.Context, coin string, leg exchange.Leg, isBuy bool, size, limit float64) error {
	if size <= 0 {
		return nil
	}

	order := state.PendingOrder{
		Cloid: exchange.NewCloid(uuid.New()), Coin: coin, Leg: string(leg),
		IsBuy: isBuy, Size: size, Price: limit, CreatedAt: time.Now(),
	}
	p.st.AddPendingOrder(order)
	defer p.st.RemovePendingOrder(order.Cloid)

	legCtx, cancel := context.WithTimeout(ctx, p.cfg.PanicTimeout)
	defer cancel()

	res, err := p.gw.PlaceOrder(legCtx, coin, leg, isBuy, size, limit, order.Cloid)
	if err != nil {
		return fmt.Errorf("%s close: %w", leg, err)
	}
	if res.Status != exchange.StatusFilled {
		return fmt.Errorf("%s close not filled: %s", leg, res.Err)
	}
	if res.FilledSize < size {
		return fmt.Errorf("%s close partial: %v of %v", leg, res.FilledSize, size)
	}
	return nil
}
