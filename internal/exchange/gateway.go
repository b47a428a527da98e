// Package exchange implements the venue gateway: the capability surface the
// trading core consumes, plus the production Hyperliquid adapter behind it.
//
// The core only ever sees the Gateway interface. The production adapter
// (HyperliquidClient) wraps the venue's REST info/exchange endpoints; tests
// supply a deterministic fake.
package exchange

import (
	"context"
	"time"
)

// Leg identifies which side of a delta-neutral pair an order belongs to.
type Leg string

const (
	LegSpot Leg = "spot"
	LegPerp Leg = "perp"
)

// OrderStatus is the venue-reported lifecycle state of an order.
type OrderStatus string

const (
	StatusFilled  OrderStatus = "filled"
	StatusOpen    OrderStatus = "open"
	StatusFailed  OrderStatus = "failed"
	StatusUnknown OrderStatus = "unknown"
)

// OrderResult is the outcome of a single order placement. Orders are
// immediate-or-cancel: the gateway returns within bounded time and the
// result reflects whether the order filled, remained open, or failed.
type OrderResult struct {
	Status     OrderStatus
	FilledSize float64
	AvgPrice   float64
	Err        string
}

// OrderStatusResult is a follow-up status query for a timed-out order.
type OrderStatusResult struct {
	Status     OrderStatus
	FilledSize float64
}

// Prices holds best bid/ask for both legs of a coin.
type Prices struct {
	SpotBid float64
	SpotAsk float64
	PerpBid float64
	PerpAsk float64
}

// Balances holds the USDC balances of the spot and perp accounts.
type Balances struct {
	SpotUSDC   float64
	PerpMargin float64
}

// PerpPosition is a venue-reported open perpetual position.
type PerpPosition struct {
	Size             float64 // absolute base units
	Side             string  // "long" or "short"
	EntryPrice       float64
	LiquidationPrice float64
	UnrealizedPnL    float64
}

// PriceTick is one best-bid/ask update pushed by the websocket feed.
type PriceTick struct {
	Coin    string
	SpotBid float64
	SpotAsk float64
	PerpBid float64
	PerpAsk float64
	Time    time.Time
}

// Gateway is the venue capability surface consumed by the core. All
// implementations must be safe for concurrent use; the venue is assumed to
// rate-limit, the engine relies on per-call timeouts only.
type Gateway interface {
	// PlaceOrder dispatches an IOC limit order on the spot or perp market.
	PlaceOrder(ctx context.Context, coin string, leg Leg, isBuy bool, size, price float64, cloid string) (*OrderResult, error)

	// CancelOrder cancels an order by client order id on the leg it was
	// placed on. Returns false without error when the venue found nothing
	// to cancel.
	CancelOrder(ctx context.Context, coin string, leg Leg, cloid string) (bool, error)

	// QueryOrderStatus resolves the fate of an order after a timeout.
	QueryOrderStatus(ctx context.Context, coin, cloid string) (*OrderStatusResult, error)

	// GetPrices returns best bid/ask for both legs of a coin.
	GetPrices(ctx context.Context, coin string) (*Prices, error)

	// GetBalances returns spot USDC and perp margin balances.
	GetBalances(ctx context.Context) (*Balances, error)

	// GetPositions returns all open perp positions keyed by coin.
	GetPositions(ctx context.Context) (map[string]PerpPosition, error)

	// GetFundingRate returns the current hourly funding rate. Positive
	// means longs pay shorts; the engine shorts perp, so positive = income.
	GetFundingRate(ctx context.Context, coin string) (float64, error)

	// DayNotionalVolume returns the 24h notional volume, the scanner's
	// liquidity proxy.
	DayNotionalVolume(ctx context.Context, coin string) (float64, error)

	// ResolveSpotSymbol maps a coin name to its venue-internal spot symbol
	// (e.g. "@107"). Must be called at startup; symbols are never hard-coded.
	ResolveSpotSymbol(ctx context.Context, coin string) (string, error)

	// RoundSize rounds a base-unit size to the coin's venue size decimals.
	RoundSize(coin string, size float64) float64

	// RoundPrice rounds a price to the venue tick precision for the coin.
	RoundPrice(coin string, price float64) float64
}
