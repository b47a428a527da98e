// Package state holds the process-wide in-memory trading state: open
// delta-neutral positions, in-flight orders, margin health, and balances.
//
// The state is deliberately never persisted. On every process start it is
// rebuilt from the exchange by the reconciler; any divergence between local
// and venue state is resolved by trusting the venue. Writers are the
// execution guard, the margin monitor, and the reconciler; everything else
// only reads.
//
// A single mutex guards every compound update so that derived values
// (total exposure) are never observed mid-recompute.
package state

import (
	"sync"
	"time"
)

// Position is a paired long-spot / short-perp holding.
type Position struct {
	Coin           string
	SpotSize       float64 // base units, long
	PerpSize       float64 // base units, absolute short
	EntryPriceSpot float64
	EntryPricePerp float64
	EntryTime      time.Time

	// SpotEntryEstimated marks positions rebuilt from the exchange at
	// startup, where the true spot entry price is unknown and the perp
	// entry is reused. PnL derived from such entries is lower-confidence.
	SpotEntryEstimated bool
}

// SizeUSD returns the position notional at spot entry.
func (p Position) SizeUSD() float64 {
	return p.SpotSize * p.EntryPriceSpot
}

// PendingOrder tracks an in-flight order so it survives timeouts.
type PendingOrder struct {
	Cloid     string
	Coin      string
	Leg       string // "spot" or "perp"
	IsBuy     bool
	Size      float64
	Price     float64
	CreatedAt time.Time
}

// Summary is a point-in-time snapshot for logging and dashboards.
type Summary struct {
	Positions        int     `json:"positions"`
	TotalExposureUSD float64 `json:"total_exposure_usd"`
	MarginRatio      float64 `json:"margin_ratio"`
	BufferUSD        float64 `json:"buffer_usd"`
	PendingOrders    int     `json:"pending_orders"`
}

// State is the single source of truth for real-time position and margin
// state. Construct one per process with New and pass it explicitly; tests
// instantiate a fresh one.
type State struct {
	mu sync.Mutex

	positions     map[string]Position
	pendingOrders map[string]PendingOrder

	marginRatio     float64
	lastPriceUpdate time.Time

	totalExposureUSD   float64
	availableBufferUSD float64
	spotBalanceUSDC    float64
	perpMarginUSDC     float64
}

// New returns an empty state with a safe margin ratio.
func New() *State {
	return &State{
		positions:     make(map[string]Position),
		pendingOrders: make(map[string]PendingOrder),
		marginRatio:   1.0,
	}
}

// Reset clears everything back to the fresh-start configuration. Used by
// the reconciler before rebuilding from the exchange.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions = make(map[string]Position)
	s.pendingOrders = make(map[string]PendingOrder)
	s.marginRatio = 1.0
	s.lastPriceUpdate = time.Time{}
	s.totalExposureUSD = 0
	s.availableBufferUSD = 0
	s.spotBalanceUSDC = 0
	s.perpMarginUSDC = 0
}

// HasPosition reports whether a position is open for the coin.
func (s *State) HasPosition(coin string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.positions[coin]
	return ok
}

// Position returns the open position for a coin, if any.
func (s *State) Position(coin string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[coin]
	return p, ok
}

// Positions returns a snapshot copy of all open positions.
func (s *State) Positions() map[string]Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Position, len(s.positions))
	for coin, p := range s.positions {
		out[coin] = p
	}
	return out
}

// AddPosition records a newly opened position and recomputes exposure.
func (s *State) AddPosition(p Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[p.Coin] = p
	s.recomputeExposureLocked()
}

// RemovePosition drops a fully-closed position and recomputes exposure.
func (s *State) RemovePosition(coin string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions, coin)
	s.recomputeExposureLocked()
}

// UpdatePositionSize shrinks a position after a partial close.
func (s *State) UpdatePositionSize(coin string, newSpot, newPerp float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[coin]
	if !ok {
		return
	}
	p.SpotSize = newSpot
	p.PerpSize = newPerp
	s.positions[coin] = p
	s.recomputeExposureLocked()
}

func (s *State) recomputeExposureLocked() {
	total := 0.0
	for _, p := range s.positions {
		total += p.SizeUSD()
	}
	s.totalExposureUSD = total
}

// AddPendingOrder tracks an order about to be dispatched.
func (s *State) AddPendingOrder(o PendingOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingOrders[o.Cloid] = o
}

// RemovePendingOrder clears a completed or abandoned order.
func (s *State) RemovePendingOrder(cloid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingOrders, cloid)
}

// PendingOrderCount returns the number of tracked in-flight orders.
func (s *State) PendingOrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingOrders)
}

// SetMarginTick records the per-tick margin ratio and heartbeat.
func (s *State) SetMarginTick(ratio float64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marginRatio = ratio
	s.lastPriceUpdate = at
}

// MarginRatio returns the most recent margin ratio.
func (s *State) MarginRatio() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marginRatio
}

// LastPriceUpdate returns the watchdog heartbeat timestamp.
func (s *State) LastPriceUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPriceUpdate
}

// SetBalances records venue balances fetched during reconciliation.
func (s *State) SetBalances(spotUSDC, perpMargin float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spotBalanceUSDC = spotUSDC
	s.perpMarginUSDC = perpMargin
}

// Balances returns the last-known spot USDC and perp margin balances.
func (s *State) Balances() (spotUSDC, perpMargin float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spotBalanceUSDC, s.perpMarginUSDC
}

// SetAvailableBuffer records the free-margin buffer computed at reconciliation.
func (s *State) SetAvailableBuffer(usd float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availableBufferUSD = usd
}

// TotalExposureUSD returns the sum of position notionals.
func (s *State) TotalExposureUSD() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalExposureUSD
}

// Summary returns a consistent snapshot of the headline numbers.
func (s *State) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Summary{
		Positions:        len(s.positions),
		TotalExposureUSD: s.totalExposureUSD,
		MarginRatio:      s.marginRatio,
		BufferUSD:        s.availableBufferUSD,
		PendingOrders:    len(s.pendingOrders),
	}
}
