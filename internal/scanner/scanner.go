// Package scanner finds funding opportunities worth harvesting.
//
// For each candidate coin the scanner pulls the hourly funding rate and a
// 24h-volume liquidity proxy, then validates that accrued funding pays back
// the round-trip fee cost fast enough. Results are cached briefly so the
// strategy loop and ad-hoc callers share one venue fetch.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"funding-harvester/internal/config"
	"funding-harvester/internal/exchange"
)

const (
	// Only this fraction of deployed capital sits in the funding-earning
	// perp leg; the rest is margin buffer and the spot hedge.
	capitalEfficiency = 0.40

	hoursPerYear = 24 * 365

	// Floor on annualized return after fees, in percent.
	minNetAPYPct = 15.0
)

// Opportunity is one scanned coin with its break-even verdict.
type Opportunity struct {
	Coin              string
	FundingRateHourly float64
	FundingAPR        float64
	LiquidityUSD      float64
	DaysToBreakeven   float64
	NetAPYPct         float64
	Viable            bool
	Reason            string
}

// FundingScanner produces sorted opportunity lists with a TTL cache.
type FundingScanner struct {
	gw     exchange.Gateway
	cfg    config.ScannerConfig
	logger *slog.Logger

	mu       sync.Mutex
	cached   []Opportunity
	cachedAt time.Time
}

// New builds a scanner.
func New(gw exchange.Gateway, cfg config.ScannerConfig, logger *slog.Logger) *FundingScanner {
	return &FundingScanner{
		gw:     gw,
		cfg:    cfg,
		logger: logger.With("component", "scanner"),
	}
}

// Scan evaluates the candidate coins, best first. Results younger than the
// cache TTL are served from cache; callers always get their own copy.
func (s *FundingScanner) Scan(ctx context.Context, coins []string) []Opportunity {
	s.mu.Lock()
	if time.Since(s.cachedAt) < s.cfg.CacheTTL && s.cached != nil {
		out := make([]Opportunity, len(s.cached))
		copy(out, s.cached)
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	opportunities := make([]Opportunity, 0, len(coins))
	for _, coin := range coins {
		opp, ok := s.evaluate(ctx, coin)
		if !ok {
			continue
		}
		opportunities = append(opportunities, opp)
	}

	sort.Slice(opportunities, func(i, j int) bool {
		if opportunities[i].Viable != opportunities[j].Viable {
			return opportunities[i].Viable
		}
		return opportunities[i].NetAPYPct > opportunities[j].NetAPYPct
	})

	s.mu.Lock()
	s.cached = opportunities
	s.cachedAt = time.Now()
	s.mu.Unlock()

	out := make([]Opportunity, len(opportunities))
	copy(out, opportunities)
	return out
}

// evaluate scores one coin. Coins with non-positive or sub-threshold
// funding are dropped entirely; coins that fail liquidity or break-even
// checks are kept as non-viable so their reason is visible.
func (s *FundingScanner) evaluate(ctx context.Context, coin string) (Opportunity, bool) {
	rate, err := s.gw.GetFundingRate(ctx, coin)
	if err != nil {
		s.logger.Warn("funding rate unavailable", "coin", coin, "error", err)
		return Opportunity{}, false
	}
	if rate <= 0 {
		return Opportunity{}, false
	}

	apr := rate * hoursPerYear
	if apr <= s.cfg.MinFundingAPR {
		return Opportunity{}, false
	}

	opp := Opportunity{
		Coin:              coin,
		FundingRateHourly: rate,
		FundingAPR:        apr,
	}

	liquidity, err := s.gw.DayNotionalVolume(ctx, coin)
	if err != nil {
		s.logger.Warn("liquidity unavailable", "coin", coin, "error", err)
		return Opportunity{}, false
	}
	opp.LiquidityUSD = liquidity
	if liquidity < s.cfg.MinLiquidityUSD {
		opp.Reason = fmt.Sprintf("Liquidity too thin: $%.0f < $%.0f", liquidity, s.cfg.MinLiquidityUSD)
		return opp, true
	}

	roundTripCost := 2 * (s.cfg.SpotTakerFee + s.cfg.PerpTakerFee + 2*s.cfg.SlippageEstimate)
	dailyIncome := rate * 24 * capitalEfficiency
	opp.DaysToBreakeven = roundTripCost / dailyIncome
	opp.NetAPYPct = (dailyIncome*365 - roundTripCost) * 100

	switch {
	case opp.DaysToBreakeven >= s.cfg.MaxBreakevenDays:
		opp.Reason = fmt.Sprintf("Break-even too slow: %.1f days (max %.1f)",
			opp.DaysToBreakeven, s.cfg.MaxBreakevenDays)
	case opp.NetAPYPct <= minNetAPYPct:
		opp.Reason = fmt.Sprintf("Net APY too low: %.1f%% (min %.1f%%)",
			opp.NetAPYPct, minNetAPYPct)
	default:
		opp.Viable = true
	}
	return opp, true
}
