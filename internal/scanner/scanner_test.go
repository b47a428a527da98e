package scanner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"funding-harvester/internal/config"
	"funding-harvester/internal/exchange"
)

// fakeFundingSource scripts funding and volume per coin.
type fakeFundingSource struct {
	exchange.Gateway
	mu      sync.Mutex
	funding map[string]float64
	volume  map[string]float64
	errs    map[string]error
	fetches int
}

func (f *fakeFundingSource) GetFundingRate(ctx context.Context, coin string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if err := f.errs[coin]; err != nil {
		return 0, err
	}
	return f.funding[coin], nil
}

func (f *fakeFundingSource) DayNotionalVolume(ctx context.Context, coin string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volume[coin], nil
}

func testScannerCfg() config.ScannerConfig {
	return config.ScannerConfig{
		MinFundingAPR:    0.20,
		MinLiquidityUSD:  1_000_000,
		MaxBreakevenDays: 5,
		CacheTTL:         60 * time.Second,
		SpotTakerFee:     0.0004,
		PerpTakerFee:     0.0003,
		SlippageEstimate: 0.001,
	}
}

func newScanner(gw exchange.Gateway, cfg config.ScannerConfig) *FundingScanner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(gw, cfg, logger)
}

func TestViableOpportunity(t *testing.T) {
	t.Parallel()
	// rate 0.00015/h: apr = 131.4%, daily income = 0.144%, breakeven 3.75d.
	gw := &fakeFundingSource{
		funding: map[string]float64{"HYPE": 0.00015},
		volume:  map[string]float64{"HYPE": 5_000_000},
	}
	s := newScanner(gw, testScannerCfg())

	opps := s.Scan(context.Background(), []string{"HYPE"})
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}
	opp := opps[0]
	if !opp.Viable || opp.Reason != "" {
		t.Fatalf("expected viable, got %+v", opp)
	}
	if math.Abs(opp.DaysToBreakeven-3.75) > 0.01 {
		t.Fatalf("breakeven = %v, want 3.75", opp.DaysToBreakeven)
	}
	if math.Abs(opp.FundingAPR-1.314) > 1e-9 {
		t.Fatalf("apr = %v, want 1.314", opp.FundingAPR)
	}
}

func TestAPRAtThresholdIsRejected(t *testing.T) {
	t.Parallel()
	// apr exactly 0.20 must not pass.
	rate := 0.20 / (24 * 365)
	gw := &fakeFundingSource{
		funding: map[string]float64{"HYPE": rate},
		volume:  map[string]float64{"HYPE": 5_000_000},
	}
	s := newScanner(gw, testScannerCfg())

	if opps := s.Scan(context.Background(), []string{"HYPE"}); len(opps) != 0 {
		t.Fatalf("threshold apr accepted: %+v", opps)
	}
}

func TestNegativeFundingSkipped(t *testing.T) {
	t.Parallel()
	gw := &fakeFundingSource{
		funding: map[string]float64{"HYPE": -0.0001},
		volume:  map[string]float64{"HYPE": 5_000_000},
	}
	s := newScanner(gw, testScannerCfg())

	if opps := s.Scan(context.Background(), []string{"HYPE"}); len(opps) != 0 {
		t.Fatalf("negative funding accepted: %+v", opps)
	}
}

func TestThinLiquidityRecordedNonViable(t *testing.T) {
	t.Parallel()
	gw := &fakeFundingSource{
		funding: map[string]float64{"HYPE": 0.00015},
		volume:  map[string]float64{"HYPE": 250_000},
	}
	s := newScanner(gw, testScannerCfg())

	opps := s.Scan(context.Background(), []string{"HYPE"})
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}
	if opps[0].Viable || !strings.Contains(opps[0].Reason, "Liquidity too thin") {
		t.Fatalf("expected liquidity rejection, got %+v", opps[0])
	}
}

func TestSlowBreakevenRecordedNonViable(t *testing.T) {
	t.Parallel()
	// rate 0.000025/h: apr 21.9% passes the gate, but breakeven is 22.5d.
	gw := &fakeFundingSource{
		funding: map[string]float64{"HYPE": 0.000025},
		volume:  map[string]float64{"HYPE": 5_000_000},
	}
	s := newScanner(gw, testScannerCfg())

	opps := s.Scan(context.Background(), []string{"HYPE"})
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}
	opp := opps[0]
	if opp.Viable || !strings.Contains(opp.Reason, "Break-even too slow") {
		t.Fatalf("expected break-even rejection, got %+v", opp)
	}
}

func TestSortViableFirstThenNetAPY(t *testing.T) {
	t.Parallel()
	gw := &fakeFundingSource{
		funding: map[string]float64{
			"A": 0.00015,  // viable
			"B": 0.00025,  // viable, higher yield
			"C": 0.00015,  // thin liquidity, non-viable
		},
		volume: map[string]float64{
			"A": 5_000_000,
			"B": 5_000_000,
			"C": 100_000,
		},
	}
	s := newScanner(gw, testScannerCfg())

	opps := s.Scan(context.Background(), []string{"A", "B", "C"})
	if len(opps) != 3 {
		t.Fatalf("opportunities = %d, want 3", len(opps))
	}
	if opps[0].Coin != "B" || opps[1].Coin != "A" || opps[2].Coin != "C" {
		t.Fatalf("sort order = %s,%s,%s; want B,A,C", opps[0].Coin, opps[1].Coin, opps[2].Coin)
	}
}

func TestCacheServesRepeatScans(t *testing.T) {
	t.Parallel()
	gw := &fakeFundingSource{
		funding: map[string]float64{"HYPE": 0.00015},
		volume:  map[string]float64{"HYPE": 5_000_000},
	}
	s := newScanner(gw, testScannerCfg())

	first := s.Scan(context.Background(), []string{"HYPE"})
	second := s.Scan(context.Background(), []string{"HYPE"})

	gw.mu.Lock()
	fetches := gw.fetches
	gw.mu.Unlock()
	if fetches != 1 {
		t.Fatalf("funding fetches = %d, want 1 (cache hit)", fetches)
	}

	// The cached result is a snapshot, not a live view.
	first[0].Coin = "MUTATED"
	if second[0].Coin != "HYPE" {
		t.Fatal("scan results share backing storage")
	}
}

func TestOneBadCoinDoesNotKillScan(t *testing.T) {
	t.Parallel()
	gw := &fakeFundingSource{
		funding: map[string]float64{"GOOD": 0.00015},
		volume:  map[string]float64{"GOOD": 5_000_000},
		errs:    map[string]error{"BAD": errors.New("venue error")},
	}
	s := newScanner(gw, testScannerCfg())

	opps := s.Scan(context.Background(), []string{"BAD", "GOOD"})
	if len(opps) != 1 || opps[0].Coin != "GOOD" {
		t.Fatalf("opportunities = %+v, want just GOOD", opps)
	}
}
