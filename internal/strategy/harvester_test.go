package strategy

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"funding-harvester/internal/config"
	"funding-harvester/internal/exchange"
	"funding-harvester/internal/guard"
	"funding-harvester/internal/notify"
	"funding-harvester/internal/scanner"
	"funding-harvester/internal/state"
)

type fakeExec struct {
	entries []string
	sizes   []float64
	closes  []string
	result  *guard.Result
	closeOK bool
}

func (f *fakeExec) ExecuteDeltaNeutral(ctx context.Context, coin string, sizeUSD, spotPrice, perpPrice float64) (*guard.Result, error) {
	f.entries = append(f.entries, coin)
	f.sizes = append(f.sizes, sizeUSD)
	if f.result != nil {
		return f.result, nil
	}
	return &guard.Result{
		Success:    true,
		SpotCloid:  "0xaa", PerpCloid: "0xbb",
		SpotFilled: sizeUSD / spotPrice, PerpFilled: sizeUSD / perpPrice,
		SpotPrice:  spotPrice, PerpPrice: perpPrice,
	}, nil
}

func (f *fakeExec) EmergencyClose(ctx context.Context, coin string) bool {
	f.closes = append(f.closes, coin)
	return f.closeOK
}

type fakeScanner struct {
	opps  []scanner.Opportunity
	scans int
}

func (f *fakeScanner) Scan(ctx context.Context, coins []string) []scanner.Opportunity {
	f.scans++
	return f.opps
}

type fakeMonitor struct {
	exitCoins map[string]bool
	forgotten []string
}

func (f *fakeMonitor) CheckNegativeFunding(coin string, rate float64) bool {
	return f.exitCoins[coin]
}

func (f *fakeMonitor) ForgetCoin(coin string) {
	f.forgotten = append(f.forgotten, coin)
}

type sinkEvent struct {
	kind string
	coin string
}

type fakeSink struct {
	events   []sinkEvent
	payments []float64
}

func (f *fakeSink) PositionOpened(coin string, spotSize, perpSize, entrySpot, entryPerp float64) {
	f.events = append(f.events, sinkEvent{"position_open", coin})
}

func (f *fakeSink) PositionClosed(coin string) {
	f.events = append(f.events, sinkEvent{"position_close", coin})
}

func (f *fakeSink) TradeExecuted(coin, leg, side string, size, price float64, cloid string) {
	f.events = append(f.events, sinkEvent{"trade_" + leg, coin})
}

func (f *fakeSink) FundingAccrued(coin string, rate, payment float64) {
	f.events = append(f.events, sinkEvent{"funding", coin})
	f.payments = append(f.payments, payment)
}

type fakeGateway struct {
	exchange.Gateway
	prices     exchange.Prices
	balances   exchange.Balances
	funding    map[string]float64
	priceCalls int
}

func (f *fakeGateway) GetPrices(ctx context.Context, coin string) (*exchange.Prices, error) {
	f.priceCalls++
	p := f.prices
	return &p, nil
}

func (f *fakeGateway) GetBalances(ctx context.Context) (*exchange.Balances, error) {
	b := f.balances
	return &b, nil
}

func (f *fakeGateway) GetFundingRate(ctx context.Context, coin string) (float64, error) {
	return f.funding[coin], nil
}

func viableOpp(coin string) scanner.Opportunity {
	return scanner.Opportunity{
		Coin: coin, FundingRateHourly: 0.00015, FundingAPR: 1.314,
		LiquidityUSD: 5_000_000, DaysToBreakeven: 3.75, NetAPYPct: 52, Viable: true,
	}
}

func strategyCfg() config.StrategyConfig {
	return config.StrategyConfig{
		Coins:                 []string{"HYPE", "SOL"},
		MaxPositionPerCoinUSD: 100,
		MaxTotalExposureUSD:   400,
		MinPositionUSD:        5,
		ScanInterval:          time.Hour,
		FundingCheckInterval:  time.Hour,
	}
}

func newHarvester(gw *fakeGateway, st *state.State, exec *fakeExec, sc *fakeScanner, mon *fakeMonitor, sink *fakeSink) *Harvester {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(gw, st, exec, sc, mon, sink, notify.Noop{}, strategyCfg(), logger)
}

func TestScanEntersOnePositionPerIteration(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		prices:   exchange.Prices{SpotBid: 9.98, SpotAsk: 10.00, PerpBid: 10.05, PerpAsk: 10.07},
		balances: exchange.Balances{SpotUSDC: 200, PerpMargin: 200},
	}
	st := state.New()
	exec := &fakeExec{closeOK: true}
	sc := &fakeScanner{opps: []scanner.Opportunity{viableOpp("HYPE"), viableOpp("SOL")}}
	sink := &fakeSink{}
	h := newHarvester(gw, st, exec, sc, &fakeMonitor{}, sink)

	h.scanIteration(context.Background())

	if len(exec.entries) != 1 || exec.entries[0] != "HYPE" {
		t.Fatalf("entries = %v, want just HYPE", exec.entries)
	}
	if exec.sizes[0] != 100 {
		t.Fatalf("size = %v, want 100", exec.sizes[0])
	}

	want := []sinkEvent{
		{"position_open", "HYPE"},
		{"trade_spot", "HYPE"},
		{"trade_perp", "HYPE"},
	}
	if len(sink.events) != len(want) {
		t.Fatalf("events = %v", sink.events)
	}
	for i, e := range want {
		if sink.events[i] != e {
			t.Fatalf("event[%d] = %v, want %v", i, sink.events[i], e)
		}
	}
}

func TestExposureCapShortCircuitsScan(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	st := state.New()
	st.AddPosition(state.Position{Coin: "HYPE", SpotSize: 40, EntryPriceSpot: 10}) // $400
	sc := &fakeScanner{opps: []scanner.Opportunity{viableOpp("SOL")}}
	h := newHarvester(gw, st, &fakeExec{}, sc, &fakeMonitor{}, &fakeSink{})

	h.scanIteration(context.Background())

	if sc.scans != 0 {
		t.Fatal("scanner consulted past the exposure cap")
	}
}

func TestSizeShrinksToRemainingCapacity(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		prices:   exchange.Prices{SpotAsk: 10.00, PerpBid: 10.05},
		balances: exchange.Balances{SpotUSDC: 200, PerpMargin: 200},
	}
	st := state.New()
	st.AddPosition(state.Position{Coin: "OTHER", SpotSize: 35, EntryPriceSpot: 10}) // $350 of $400
	exec := &fakeExec{}
	sc := &fakeScanner{opps: []scanner.Opportunity{viableOpp("HYPE")}}
	h := newHarvester(gw, st, exec, sc, &fakeMonitor{}, &fakeSink{})

	h.scanIteration(context.Background())

	if len(exec.sizes) != 1 || exec.sizes[0] != 50 {
		t.Fatalf("sizes = %v, want [50]", exec.sizes)
	}
}

func TestBelowFloorRejectedBeforeGatewayCalls(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	st := state.New()
	st.AddPosition(state.Position{Coin: "OTHER", SpotSize: 39.7, EntryPriceSpot: 10}) // $397 of $400
	exec := &fakeExec{}
	sc := &fakeScanner{opps: []scanner.Opportunity{viableOpp("HYPE")}}
	h := newHarvester(gw, st, exec, sc, &fakeMonitor{}, &fakeSink{})

	h.scanIteration(context.Background())

	if len(exec.entries) != 0 {
		t.Fatal("entry attempted below size floor")
	}
	if gw.priceCalls != 0 {
		t.Fatal("gateway consulted for a rejected size")
	}
}

func TestInsufficientBalancesSkipEntry(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		prices:   exchange.Prices{SpotAsk: 10.00, PerpBid: 10.05},
		balances: exchange.Balances{SpotUSDC: 50, PerpMargin: 200}, // needs 102
	}
	st := state.New()
	exec := &fakeExec{}
	sc := &fakeScanner{opps: []scanner.Opportunity{viableOpp("HYPE")}}
	h := newHarvester(gw, st, exec, sc, &fakeMonitor{}, &fakeSink{})

	h.scanIteration(context.Background())

	if len(exec.entries) != 0 {
		t.Fatal("entry attempted without funds")
	}
}

func TestHeldCoinSkipped(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		prices:   exchange.Prices{SpotAsk: 10.00, PerpBid: 10.05},
		balances: exchange.Balances{SpotUSDC: 200, PerpMargin: 200},
	}
	st := state.New()
	st.AddPosition(state.Position{Coin: "HYPE", SpotSize: 10, EntryPriceSpot: 10})
	exec := &fakeExec{}
	sc := &fakeScanner{opps: []scanner.Opportunity{viableOpp("HYPE"), viableOpp("SOL")}}
	h := newHarvester(gw, st, exec, sc, &fakeMonitor{}, &fakeSink{})

	h.scanIteration(context.Background())

	if len(exec.entries) != 1 || exec.entries[0] != "SOL" {
		t.Fatalf("entries = %v, want just SOL", exec.entries)
	}
}

func TestFundingAccrualAndNegativeExit(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{funding: map[string]float64{"HYPE": 0.00005, "SOL": -0.0001}}
	st := state.New()
	st.AddPosition(state.Position{Coin: "HYPE", SpotSize: 10, PerpSize: 9.95, EntryPriceSpot: 10, EntryPricePerp: 10.05})
	st.AddPosition(state.Position{Coin: "SOL", SpotSize: 2, PerpSize: 2, EntryPriceSpot: 150, EntryPricePerp: 150.2})
	exec := &fakeExec{closeOK: true}
	mon := &fakeMonitor{exitCoins: map[string]bool{"SOL": true}}
	sink := &fakeSink{}
	h := newHarvester(gw, st, exec, &fakeScanner{}, mon, sink)

	h.fundingIteration(context.Background())

	// payment = 9.95 * 0.00005 * 10.05
	if len(sink.payments) != 1 || math.Abs(sink.payments[0]-9.95*0.00005*10.05) > 1e-12 {
		t.Fatalf("payments = %v", sink.payments)
	}
	if len(exec.closes) != 1 || exec.closes[0] != "SOL" {
		t.Fatalf("closes = %v, want [SOL]", exec.closes)
	}
	if len(mon.forgotten) != 1 || mon.forgotten[0] != "SOL" {
		t.Fatalf("forgotten = %v, want [SOL]", mon.forgotten)
	}
}

func TestDeltaMismatchClosedNextIteration(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		prices:   exchange.Prices{SpotAsk: 10.00, PerpBid: 10.05},
		balances: exchange.Balances{SpotUSDC: 200, PerpMargin: 200},
	}
	st := state.New()
	exec := &fakeExec{
		closeOK: true,
		result: &guard.Result{
			Success: true, DeltaMismatch: true,
			SpotCloid: "0xaa", PerpCloid: "0xbb",
			SpotFilled: 10, PerpFilled: 9.0, SpotPrice: 10, PerpPrice: 10.05,
		},
	}
	sc := &fakeScanner{opps: []scanner.Opportunity{viableOpp("HYPE")}}
	h := newHarvester(gw, st, exec, sc, &fakeMonitor{}, &fakeSink{})

	h.scanIteration(context.Background())
	if len(exec.closes) != 0 {
		t.Fatal("close before next iteration")
	}

	h.scanIteration(context.Background())
	if len(exec.closes) != 1 || exec.closes[0] != "HYPE" {
		t.Fatalf("closes = %v, want [HYPE]", exec.closes)
	}
}
