// Package config defines all configuration for the funding harvester.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via HL_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Events    EventsConfig    `mapstructure:"events"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// WalletConfig holds the wallet used to sign exchange actions.
// AccountAddress may differ from the signer when an API wallet (agent)
// trades on behalf of a master account.
type WalletConfig struct {
	PrivateKey     string `mapstructure:"private_key"`
	AccountAddress string `mapstructure:"account_address"`
	ChainID        int    `mapstructure:"chain_id"`
}

// APIConfig holds venue endpoints.
type APIConfig struct {
	InfoBaseURL string `mapstructure:"info_base_url"`
	WSBaseURL   string `mapstructure:"ws_base_url"`
}

// StrategyConfig controls position sizing and the harvester loops.
//
//   - Coins: candidate coins the scanner evaluates (spot symbol resolved at startup).
//   - MaxPositionPerCoinUSD / MaxTotalExposureUSD: sizing caps.
//   - MinPositionUSD: entries below this floor are rejected before any gateway call.
//   - ScanInterval: scan-and-enter cadence.
//   - FundingCheckInterval: funding payment logging cadence.
type StrategyConfig struct {
	Coins                 []string      `mapstructure:"coins"`
	MaxPositionPerCoinUSD float64       `mapstructure:"max_position_per_coin_usd"`
	MaxTotalExposureUSD   float64       `mapstructure:"max_total_exposure_usd"`
	MinPositionUSD        float64       `mapstructure:"min_position_usd"`
	ScanInterval          time.Duration `mapstructure:"scan_interval"`
	FundingCheckInterval  time.Duration `mapstructure:"funding_check_interval"`
}

// ScannerConfig sets the opportunity filters.
//
//   - MinFundingAPR: minimum annualized funding rate (0.20 = 20%); an APR
//     exactly at the threshold is rejected.
//   - MinLiquidityUSD: minimum 24h notional volume to enter.
//   - MaxBreakevenDays: fee-payback ceiling.
//   - CacheTTL: scan results younger than this are served from cache.
//
// Fee fields model the venue taker schedule used in break-even validation.
type ScannerConfig struct {
	MinFundingAPR    float64       `mapstructure:"min_funding_apr"`
	MinLiquidityUSD  float64       `mapstructure:"min_liquidity_usd"`
	MaxBreakevenDays float64       `mapstructure:"max_breakeven_days"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	SpotTakerFee     float64       `mapstructure:"spot_taker_fee"`
	PerpTakerFee     float64       `mapstructure:"perp_taker_fee"`
	SlippageEstimate float64       `mapstructure:"slippage_estimate"`
}

// RiskConfig sets the margin ladder and watchdog timing.
//
//   - MarginDangerThreshold: below this ratio, close 25% of every position.
//   - MarginCriticalThreshold: below this ratio, close 50%.
//   - NegativeFundingTolerance: how long funding may stay negative before
//     the position is flagged for exit.
//   - WatchdogCheck / WatchdogStale: feed heartbeat poll interval and the
//     staleness bound that starts the reconnect→panic→die ladder.
type RiskConfig struct {
	MarginDangerThreshold    float64       `mapstructure:"margin_danger_threshold"`
	MarginCriticalThreshold  float64       `mapstructure:"margin_critical_threshold"`
	NegativeFundingTolerance time.Duration `mapstructure:"negative_funding_tolerance"`
	WatchdogCheck            time.Duration `mapstructure:"watchdog_check"`
	WatchdogStale            time.Duration `mapstructure:"watchdog_stale"`
}

// ExecutionConfig tunes the dual-leg executor and panic switch.
type ExecutionConfig struct {
	OrderTimeout   time.Duration `mapstructure:"order_timeout"`
	PanicTimeout   time.Duration `mapstructure:"panic_timeout"`
	SlippageBuffer float64       `mapstructure:"slippage_buffer"`
	UnwindSlippage float64       `mapstructure:"unwind_slippage"`
	PanicSlippage  float64       `mapstructure:"panic_slippage"`
}

// EventsConfig sets where the cold-path event store writes.
type EventsConfig struct {
	DBPath    string `mapstructure:"db_path"`
	QueueSize int    `mapstructure:"queue_size"`
}

// NotifyConfig holds optional alert channels. Empty fields disable a channel.
type NotifyConfig struct {
	DiscordWebhookURL string `mapstructure:"discord_webhook_url"`
	TelegramToken     string `mapstructure:"telegram_token"`
	TelegramChatID    int64  `mapstructure:"telegram_chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: HL_PRIVATE_KEY, HL_ACCOUNT_ADDRESS.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("HL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("HL_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if addr := os.Getenv("HL_ACCOUNT_ADDRESS"); addr != "" {
		cfg.Wallet.AccountAddress = addr
	}
	if os.Getenv("HL_DRY_RUN") == "true" || os.Getenv("HL_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)
	v.SetDefault("wallet.chain_id", 42161)
	v.SetDefault("api.info_base_url", "https://api.hyperliquid.xyz")
	v.SetDefault("api.ws_base_url", "wss://api.hyperliquid.xyz/ws")
	v.SetDefault("strategy.coins", []string{"HYPE"})
	v.SetDefault("strategy.max_position_per_coin_usd", 500.0)
	v.SetDefault("strategy.max_total_exposure_usd", 2000.0)
	v.SetDefault("strategy.min_position_usd", 5.0)
	v.SetDefault("strategy.scan_interval", 300*time.Second)
	v.SetDefault("strategy.funding_check_interval", time.Hour)
	v.SetDefault("scanner.min_funding_apr", 0.20)
	v.SetDefault("scanner.min_liquidity_usd", 1_000_000.0)
	v.SetDefault("scanner.max_breakeven_days", 5.0)
	v.SetDefault("scanner.cache_ttl", 60*time.Second)
	v.SetDefault("scanner.spot_taker_fee", 0.0004)
	v.SetDefault("scanner.perp_taker_fee", 0.0003)
	v.SetDefault("scanner.slippage_estimate", 0.001)
	v.SetDefault("risk.margin_danger_threshold", 0.15)
	v.SetDefault("risk.margin_critical_threshold", 0.10)
	v.SetDefault("risk.negative_funding_tolerance", 2*time.Hour)
	v.SetDefault("risk.watchdog_check", 5*time.Second)
	v.SetDefault("risk.watchdog_stale", 10*time.Second)
	v.SetDefault("execution.order_timeout", 5*time.Second)
	v.SetDefault("execution.panic_timeout", 10*time.Second)
	v.SetDefault("execution.slippage_buffer", 0.01)
	v.SetDefault("execution.unwind_slippage", 0.02)
	v.SetDefault("execution.panic_slippage", 0.05)
	v.SetDefault("events.db_path", "data/funding_bot.db")
	v.SetDefault("events.queue_size", 1024)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set HL_PRIVATE_KEY)")
	}
	if c.Wallet.AccountAddress == "" {
		return fmt.Errorf("wallet.account_address is required (set HL_ACCOUNT_ADDRESS)")
	}
	if len(c.Strategy.Coins) == 0 {
		return fmt.Errorf("strategy.coins must name at least one coin")
	}
	if c.Strategy.MaxPositionPerCoinUSD <= 0 {
		return fmt.Errorf("strategy.max_position_per_coin_usd must be > 0")
	}
	if c.Strategy.MaxTotalExposureUSD < c.Strategy.MaxPositionPerCoinUSD {
		return fmt.Errorf("strategy.max_total_exposure_usd must be >= max_position_per_coin_usd")
	}
	if c.Risk.MarginCriticalThreshold >= c.Risk.MarginDangerThreshold {
		return fmt.Errorf("risk.margin_critical_threshold must be below margin_danger_threshold")
	}
	if c.Risk.WatchdogStale <= c.Risk.WatchdogCheck {
		return fmt.Errorf("risk.watchdog_stale must exceed watchdog_check")
	}
	if c.Execution.SlippageBuffer <= 0 || c.Execution.SlippageBuffer >= 1 {
		return fmt.Errorf("execution.slippage_buffer must be in (0, 1)")
	}
	if c.Scanner.MaxBreakevenDays <= 0 {
		return fmt.Errorf("scanner.max_breakeven_days must be > 0")
	}
	return nil
}

// ApplySizeOverride rescales the per-coin cap and pins the total cap to 4x
// the per-coin value, keeping the caps proportional under a CLI override.
func (c *Config) ApplySizeOverride(sizeUSD float64) {
	c.Strategy.MaxPositionPerCoinUSD = sizeUSD
	c.Strategy.MaxTotalExposureUSD = sizeUSD * 4
}
