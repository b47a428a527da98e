// Funding Harvester — a delta-neutral funding-rate bot for Hyperliquid.
//
// Architecture:
//
//	main.go              — entry point: flags, config, signal handling, exit codes
//	engine/engine.go     — orchestrator: wires client → reconciler → feed → monitor → harvester
//	strategy/harvester   — scan-and-enter loop plus hourly funding accrual
//	scanner/scanner.go   — scores funding opportunities with break-even validation
//	guard/guard.go       — dual-leg executor: both legs or neither, safety gets priority
//	monitor/monitor.go   — per-tick margin ladder and the stale-feed watchdog
//	safety/panic.go      — emergency close-all at aggressive limit prices
//	reconcile/           — rebuilds state from the venue at startup, never from disk
//	exchange/            — Hyperliquid REST + WebSocket client, signing, circuit breaker
//	events/store.go      — SQLite cold path for positions, trades, funding, rebalances
//
// How it makes money:
//
//	Shorts pay longs when perp funding is positive. The bot buys spot and
//	shorts the perp for the same size, so price moves cancel out and the
//	hourly funding payment is kept as income. It only enters when funding
//	clears fees fast enough to be worth the round trip.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"funding-harvester/internal/config"
	"funding-harvester/internal/engine"
)

const liveArmingDelay = 5 * time.Second

// Exit codes: 0 clean shutdown, 1 fatal runtime error, 2 bad config or credentials.
const (
	exitOK     = 0
	exitFatal  = 1
	exitConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath     = flag.String("config", "configs/config.yaml", "path to config file")
		live        = flag.Bool("live", false, "place real orders (default is dry-run)")
		sizeUSD     = flag.Float64("size", 0, "override per-coin position size in USD (total cap becomes 4x)")
		verifyPanic = flag.Bool("verify-panic", false, "close every open position and exit")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	// Missing .env is fine; credentials may come from the real environment.
	_ = godotenv.Load()

	if p := os.Getenv("HL_CONFIG"); p != "" && *cfgPath == "configs/config.yaml" {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		return exitConfig
	}

	if *live {
		cfg.DryRun = false
	}
	if *sizeUSD > 0 {
		cfg.ApplySizeOverride(*sizeUSD)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return exitConfig
	}

	level := parseLogLevel(cfg.Logging.Level)
	if *debug {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		return exitConfig
	}

	if *verifyPanic {
		return verifyPanicSwitch(eng, logger)
	}

	logger.Info("funding harvester starting",
		"coins", cfg.Strategy.Coins,
		"max_per_coin_usd", cfg.Strategy.MaxPositionPerCoinUSD,
		"max_total_usd", cfg.Strategy.MaxTotalExposureUSD,
		"dry_run", cfg.DryRun,
	)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	} else {
		logger.Warn("LIVE MODE — real orders in 5 seconds, Ctrl-C to abort")
		select {
		case <-time.After(liveArmingDelay):
		case sig := <-signalCh():
			logger.Info("aborted before arming", "signal", sig.String())
			return exitOK
		}
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		eng.Stop()
		return exitFatal
	}

	sig := <-signalCh()
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
	return exitOK
}

// verifyPanicSwitch asks for explicit confirmation, then reconciles against
// the venue and force-closes everything it finds.
func verifyPanicSwitch(eng *engine.Engine, logger *slog.Logger) int {
	fmt.Println("This will close EVERY open position at aggressive prices.")
	fmt.Print("Type CLOSE ALL to confirm: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "CLOSE ALL" {
		logger.Info("panic verification aborted")
		return exitOK
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	closed, err := eng.EmergencyCloseAll(ctx)
	if err != nil {
		logger.Error("panic verification failed", "error", err)
		return exitFatal
	}
	if !closed {
		logger.Error("some positions could not be closed, check the venue")
		return exitFatal
	}
	logger.Info("all positions closed")
	return exitOK
}

func signalCh() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
