package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"funding-harvester/internal/exchange"
	"funding-harvester/internal/state"
)

type fakeGateway struct {
	exchange.Gateway
	positions    map[string]exchange.PerpPosition
	balances     exchange.Balances
	positionsErr error
}

func (f *fakeGateway) GetPositions(ctx context.Context) (map[string]exchange.PerpPosition, error) {
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	return f.positions, nil
}

func (f *fakeGateway) GetBalances(ctx context.Context) (*exchange.Balances, error) {
	b := f.balances
	return &b, nil
}

func newReconciler(gw exchange.Gateway, st *state.State) *Reconciler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(gw, st, logger)
}

func TestRebuildFromVenue(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		positions: map[string]exchange.PerpPosition{
			"HYPE": {Size: 9.95, Side: "short", EntryPrice: 10.05, LiquidationPrice: 14.2},
			"BTC":  {Size: 0.5, Side: "long", EntryPrice: 60000}, // not a hedge, ignored
		},
		balances: exchange.Balances{SpotUSDC: 500, PerpMargin: 120},
	}
	st := state.New()
	// Pre-existing garbage must not survive.
	st.AddPosition(state.Position{Coin: "STALE", SpotSize: 1, EntryPriceSpot: 1})

	if err := newReconciler(gw, st).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if st.HasPosition("STALE") || st.HasPosition("BTC") {
		t.Fatal("stale or non-hedge positions present")
	}
	pos, ok := st.Position("HYPE")
	if !ok {
		t.Fatal("HYPE not rebuilt")
	}
	if pos.SpotSize != 9.95 || pos.PerpSize != 9.95 {
		t.Fatalf("sizes = %v/%v, want 9.95/9.95", pos.SpotSize, pos.PerpSize)
	}
	if pos.EntryPriceSpot != 10.05 || !pos.SpotEntryEstimated {
		t.Fatalf("spot entry = %v estimated=%v, want 10.05/true", pos.EntryPriceSpot, pos.SpotEntryEstimated)
	}

	// buffer = max(0, 120 - 0.5 * 9.95*10.05) = 120 - 49.999... = 70.0
	sum := st.Summary()
	want := 120 - 0.5*9.95*10.05
	if diff := sum.BufferUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("buffer = %v, want %v", sum.BufferUSD, want)
	}

	spot, perp := st.Balances()
	if spot != 500 || perp != 120 {
		t.Fatalf("balances = %v/%v", spot, perp)
	}
}

func TestIdempotent(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{
		positions: map[string]exchange.PerpPosition{
			"HYPE": {Size: 9.95, Side: "short", EntryPrice: 10.05},
		},
		balances: exchange.Balances{SpotUSDC: 500, PerpMargin: 120},
	}
	st := state.New()
	r := newReconciler(gw, st)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := st.Summary()
	firstPos, _ := st.Position("HYPE")

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second := st.Summary()
	secondPos, _ := st.Position("HYPE")

	if first != second {
		t.Fatalf("summaries differ: %+v vs %+v", first, second)
	}
	if firstPos != secondPos {
		t.Fatalf("positions differ: %+v vs %+v", firstPos, secondPos)
	}
	if !firstPos.EntryTime.IsZero() {
		t.Fatalf("rebuilt position carries a fabricated entry time: %v", firstPos.EntryTime)
	}
}

func TestGatewayFailureIsFatal(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{positionsErr: errors.New("venue down")}
	st := state.New()

	err := newReconciler(gw, st).Run(context.Background())
	if !errors.Is(err, ErrReconciliation) {
		t.Fatalf("error = %v, want ErrReconciliation", err)
	}
	if len(st.Positions()) != 0 {
		t.Fatal("partial state left behind")
	}
}
