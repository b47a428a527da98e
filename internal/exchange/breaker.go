package exchange

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerGateway wraps a Gateway with a circuit breaker on the read path.
// A flapping info endpoint then fails fast instead of stacking up timeouts
// in the scanner and reconciler.
//
// Order placement and cancellation bypass the breaker entirely: the
// emergency close path must always be allowed to try.
type BreakerGateway struct {
	Gateway
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// NewBreakerGateway wraps gw. The breaker opens after 5 consecutive read
// failures and probes again after 15 seconds.
func NewBreakerGateway(gw Gateway, logger *slog.Logger) *BreakerGateway {
	log := logger.With("component", "breaker")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "venue-reads",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("read breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &BreakerGateway{Gateway: gw, cb: cb, logger: log}
}

func breakerCall[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	out, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out.(T), nil
}

func (b *BreakerGateway) GetPrices(ctx context.Context, coin string) (*Prices, error) {
	return breakerCall(b.cb, func() (*Prices, error) {
		return b.Gateway.GetPrices(ctx, coin)
	})
}

func (b *BreakerGateway) GetBalances(ctx context.Context) (*Balances, error) {
	return breakerCall(b.cb, func() (*Balances, error) {
		return b.Gateway.GetBalances(ctx)
	})
}

func (b *BreakerGateway) GetPositions(ctx context.Context) (map[string]PerpPosition, error) {
	return breakerCall(b.cb, func() (map[string]PerpPosition, error) {
		return b.Gateway.GetPositions(ctx)
	})
}

func (b *BreakerGateway) GetFundingRate(ctx context.Context, coin string) (float64, error) {
	return breakerCall(b.cb, func() (float64, error) {
		return b.Gateway.GetFundingRate(ctx, coin)
	})
}

func (b *BreakerGateway) DayNotionalVolume(ctx context.Context, coin string) (float64, error) {
	return breakerCall(b.cb, func() (float64, error) {
		return b.Gateway.DayNotionalVolume(ctx, coin)
	})
}
