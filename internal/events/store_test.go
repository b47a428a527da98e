package events

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path, 64, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path
}

func TestPositionLifecyclePersisted(t *testing.T) {
	t.Parallel()
	s, path := testStore(t)

	s.PositionOpened("HYPE", 10.0, 9.95, 10.0, 10.05)
	s.TradeExecuted("HYPE", "spot", "buy", 10.0, 10.0, "0xaa")
	s.TradeExecuted("HYPE", "perp", "sell", 9.95, 10.05, "0xbb")
	s.PositionClosed("HYPE")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen to verify what was written.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s2, err := Open(path, 8, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close(context.Background())

	var positions []PositionRecord
	if err := s2.db.Find(&positions).Error; err != nil {
		t.Fatalf("query positions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	if positions[0].Status != "closed" || positions[0].ClosedAt == nil {
		t.Fatalf("position not closed: %+v", positions[0])
	}

	var trades []TradeRecord
	if err := s2.db.Order("id").Find(&trades).Error; err != nil {
		t.Fatalf("query trades: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	if trades[0].Leg != "spot" || trades[1].Leg != "perp" {
		t.Fatalf("trade order not preserved: %s, %s", trades[0].Leg, trades[1].Leg)
	}
}

func TestFundingAndRebalancePersisted(t *testing.T) {
	t.Parallel()
	s, path := testStore(t)

	s.FundingAccrued("HYPE", 0.0000125, 0.0125)
	s.Rebalanced("HYPE", 0.25, 0.12, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s2, err := Open(path, 8, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close(context.Background())

	var funding []FundingRecord
	s2.db.Find(&funding)
	if len(funding) != 1 || funding[0].Payment != 0.0125 {
		t.Fatalf("funding rows = %+v", funding)
	}

	var rebalances []RebalanceRecord
	s2.db.Find(&rebalances)
	if len(rebalances) != 1 || rebalances[0].Fraction != 0.25 || !rebalances[0].Success {
		t.Fatalf("rebalance rows = %+v", rebalances)
	}
}
