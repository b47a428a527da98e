// Package engine is the central orchestrator of the funding harvester.
//
// It wires together all subsystems:
//
//  1. The exchange client talks to the venue; every read goes through a
//     circuit breaker.
//  2. The reconciler rebuilds in-memory state from the venue before any
//     trading starts. State is never loaded from disk.
//  3. The price feed streams spot+perp quotes; every tick flows through the
//     margin monitor on a single goroutine.
//  4. The harvester scans, enters delta-neutral positions through the
//     execution guard, and accrues funding.
//  5. A watchdog escalates a stale feed through reconnect, panic-close,
//     and process exit.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"funding-harvester/internal/config"
	"funding-harvester/internal/events"
	"funding-harvester/internal/exchange"
	"funding-harvester/internal/guard"
	"funding-harvester/internal/monitor"
	"funding-harvester/internal/notify"
	"funding-harvester/internal/reconcile"
	"funding-harvester/internal/safety"
	"funding-harvester/internal/scanner"
	"funding-harvester/internal/state"
	"funding-harvester/internal/strategy"
)

const shutdownDrainTimeout = 10 * time.Second

// Engine owns the lifecycle of every component and goroutine.
type Engine struct {
	cfg      *config.Config
	client   *exchange.HyperliquidClient
	gw       exchange.Gateway
	st       *state.State
	exec     *guard.ExecutionGuard
	panic    *safety.PanicSwitch
	scan     *scanner.FundingScanner
	rec      *reconcile.Reconciler
	store    *events.Store
	notifier notify.Notifier
	logger   *slog.Logger

	// Built in Start once spot symbols are resolved.
	feed      *exchange.PriceFeed
	mon       *monitor.MarginMonitor
	harvester *strategy.Harvester

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. No network calls happen
// here; Start resolves venue metadata and reconciles before trading.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	testnet := strings.Contains(cfg.API.InfoBaseURL, "testnet")
	signer, err := exchange.NewSigner(cfg.Wallet.PrivateKey, testnet)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}

	client := exchange.NewHyperliquidClient(cfg, signer, logger)
	gw := exchange.NewBreakerGateway(client, logger)

	store, err := events.Open(cfg.Events.DBPath, cfg.Events.QueueSize, logger)
	if err != nil {
		return nil, fmt.Errorf("event store: %w", err)
	}

	notifier := notify.FromConfig(cfg.Notify, logger)
	st := state.New()

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:      cfg,
		client:   client,
		gw:       gw,
		st:       st,
		exec:     guard.New(gw, st, cfg.Execution, logger),
		panic:    safety.New(gw, st, cfg.Execution, notifier, logger),
		scan:     scanner.New(gw, cfg.Scanner, logger),
		rec:      reconcile.New(gw, st, logger),
		store:    store,
		notifier: notifier,
		logger:   logger.With("component", "engine"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start resolves venue metadata, reconciles state, and launches the feed,
// monitor, watchdog, and harvester goroutines. An unlisted coin or a failed
// reconciliation refuses startup.
func (e *Engine) Start() error {
	if err := e.client.LoadMeta(e.ctx); err != nil {
		return fmt.Errorf("load venue metadata: %w", err)
	}

	spotSymbols := make(map[string]string, len(e.cfg.Strategy.Coins))
	for _, coin := range e.cfg.Strategy.Coins {
		sym, err := e.client.ResolveSpotSymbol(e.ctx, coin)
		if err != nil {
			return fmt.Errorf("coin %s has no tradable spot pair: %w", coin, err)
		}
		spotSymbols[coin] = sym
		e.logger.Info("coin resolved", "coin", coin, "spot_symbol", sym)
	}

	if err := e.rec.Run(e.ctx); err != nil {
		return err
	}

	e.feed = exchange.NewPriceFeed(e.cfg.API.WSBaseURL, e.cfg.Strategy.Coins, spotSymbols, e.logger)
	e.mon = monitor.New(e.st, e.exec, e.feed, e.panic, e.store, e.notifier, e.cfg.Risk, e.logger)
	e.harvester = strategy.New(e.gw, e.st, e.exec, e.scan, e.mon, e.store, e.notifier,
		e.cfg.Strategy, e.logger)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("price feed error", "error", err)
		}
	}()

	// Every tick is handled on this one goroutine before the next is read.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pumpTicks()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.mon.RunWatchdog(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("watchdog error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.harvester.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("harvester error", "error", err)
		}
	}()

	e.logger.Info("engine started",
		"coins", e.cfg.Strategy.Coins,
		"dry_run", e.cfg.DryRun,
	)
	e.notifier.Alert("Harvester started",
		fmt.Sprintf("%d coins, dry_run=%v", len(e.cfg.Strategy.Coins), e.cfg.DryRun))
	return nil
}

func (e *Engine) pumpTicks() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case tick := <-e.feed.Ticks():
			e.mon.OnPriceTick(e.ctx, tick)
		}
	}
}

// Stop gracefully shuts down: cancels all goroutines, forces the feed
// connection down so a blocked read returns immediately, waits for them,
// and drains the event store to disk.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	if e.feed != nil {
		e.feed.Close()
	}
	e.wg.Wait()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer drainCancel()
	if err := e.store.Close(drainCtx); err != nil {
		e.logger.Error("event store did not drain cleanly", "error", err)
	}

	sum := e.st.Summary()
	e.notifier.Alert("Harvester stopped",
		fmt.Sprintf("%d positions open, $%.0f exposure", sum.Positions, sum.TotalExposureUSD))
	e.logger.Info("shutdown complete", "summary", sum)
}

// EmergencyCloseAll reconciles state from the venue and force-closes every
// position. Used by the panic verification command.
func (e *Engine) EmergencyCloseAll(ctx context.Context) (bool, error) {
	if err := e.client.LoadMeta(ctx); err != nil {
		return false, fmt.Errorf("load venue metadata: %w", err)
	}
	if err := e.rec.Run(ctx); err != nil {
		return false, err
	}
	return e.panic.EmergencyCloseAll(ctx), nil
}

// Summary exposes current aggregate state.
func (e *Engine) Summary() state.Summary {
	return e.st.Summary()
}
