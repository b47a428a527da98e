// Package events implements the cold-path event store.
//
// Trading components record what happened (positions, trades, funding
// accruals, rebalances) through non-blocking enqueues; a single consumer
// goroutine persists them to sqlite. The hot path is never allowed to block
// on the database: when the queue is full the oldest event is dropped with
// a warning. The store is append-only history for the dashboard; restart
// semantics never depend on it.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// PositionRecord is one opened (and later closed) position.
type PositionRecord struct {
	ID             uint `gorm:"primaryKey"`
	Coin           string
	SpotSize       float64
	PerpSize       float64
	EntryPriceSpot float64
	EntryPricePerp float64
	Status         string // "open" or "closed"
	OpenedAt       time.Time
	ClosedAt       *time.Time
}

// TradeRecord is one executed order leg.
type TradeRecord struct {
	ID        uint `gorm:"primaryKey"`
	Coin      string
	Leg       string
	Side      string // "buy" or "sell"
	Size      float64
	Price     float64
	Cloid     string
	CreatedAt time.Time
}

// FundingRecord is one accrued funding payment.
type FundingRecord struct {
	ID        uint `gorm:"primaryKey"`
	Coin      string
	Rate      float64
	Payment   float64
	CreatedAt time.Time
}

// RebalanceRecord is one safety rebalance attempt.
type RebalanceRecord struct {
	ID          uint `gorm:"primaryKey"`
	Coin        string
	Fraction    float64
	MarginRatio float64
	Success     bool
	CreatedAt   time.Time
}

// Store is the cold-path logger. Construct with Open, stop with Close;
// Close drains whatever is still queued.
type Store struct {
	db     *gorm.DB
	queue  chan any
	done   chan struct{}
	logger *slog.Logger
}

// Open opens (or creates) the sqlite store and starts the consumer.
func Open(dbPath string, queueSize int, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("event store dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	if err := db.AutoMigrate(&PositionRecord{}, &TradeRecord{}, &FundingRecord{}, &RebalanceRecord{}); err != nil {
		return nil, fmt.Errorf("migrate event store: %w", err)
	}

	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &Store{
		db:     db,
		queue:  make(chan any, queueSize),
		done:   make(chan struct{}),
		logger: logger.With("component", "events"),
	}
	go s.consume()
	return s, nil
}

// enqueue never blocks. On overflow the oldest queued event is dropped.
func (s *Store) enqueue(rec any) {
	select {
	case s.queue <- rec:
		return
	default:
	}

	select {
	case <-s.queue:
		s.logger.Warn("event queue full, dropped oldest event")
	default:
	}
	select {
	case s.queue <- rec:
	default:
		s.logger.Warn("event dropped", "type", fmt.Sprintf("%T", rec))
	}
}

func (s *Store) consume() {
	defer close(s.done)
	for rec := range s.queue {
		s.persist(rec)
	}
}

// positionClose is an internal queue marker: close the open row for a coin.
type positionClose struct {
	coin string
	at   time.Time
}

func (s *Store) persist(rec any) {
	var err error
	switch r := rec.(type) {
	case positionClose:
		err = s.db.Model(&PositionRecord{}).
			Where("coin = ? AND status = ?", r.coin, "open").
			Updates(map[string]any{"status": "closed", "closed_at": r.at}).Error
	default:
		err = s.db.Create(rec).Error
	}
	if err != nil {
		s.logger.Error("event persist failed", "type", fmt.Sprintf("%T", rec), "error", err)
	}
}

// PositionOpened records a new position row.
func (s *Store) PositionOpened(coin string, spotSize, perpSize, entrySpot, entryPerp float64) {
	s.enqueue(&PositionRecord{
		Coin:           coin,
		SpotSize:       spotSize,
		PerpSize:       perpSize,
		EntryPriceSpot: entrySpot,
		EntryPricePerp: entryPerp,
		Status:         "open",
		OpenedAt:       time.Now(),
	})
}

// PositionClosed marks the open row for a coin as closed.
func (s *Store) PositionClosed(coin string) {
	s.enqueue(positionClose{coin: coin, at: time.Now()})
}

// TradeExecuted records one filled order leg.
func (s *Store) TradeExecuted(coin, leg, side string, size, price float64, cloid string) {
	s.enqueue(&TradeRecord{
		Coin:      coin,
		Leg:       leg,
		Side:      side,
		Size:      size,
		Price:     price,
		Cloid:     cloid,
		CreatedAt: time.Now(),
	})
}

// FundingAccrued records one funding payment.
func (s *Store) FundingAccrued(coin string, rate, payment float64) {
	s.enqueue(&FundingRecord{
		Coin:      coin,
		Rate:      rate,
		Payment:   payment,
		CreatedAt: time.Now(),
	})
}

// Rebalanced records one safety rebalance attempt.
func (s *Store) Rebalanced(coin string, fraction, marginRatio float64, success bool) {
	s.enqueue(&RebalanceRecord{
		Coin:        coin,
		Fraction:    fraction,
		MarginRatio: marginRatio,
		Success:     success,
		CreatedAt:   time.Now(),
	})
}

// Close stops accepting events and drains the queue.
func (s *Store) Close(ctx context.Context) error {
	close(s.queue)
	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("event store drain: %w", ctx.Err())
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
