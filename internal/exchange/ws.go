// ws.go implements the real-time price feed.
//
// The feed subscribes to best-bid/offer updates for every tracked coin on
// both legs (perp coin name, spot "@index" symbol) and merges them into
// per-coin PriceTicks. The margin monitor treats each tick as the watchdog
// heartbeat, so the feed exposes a synchronous Reconnect for the stale-feed
// recovery path in addition to the usual auto-reconnect loop.
//
// Reconnects use exponential backoff (1s to 30s max). A read deadline
// catches silent server failures within two missed pings.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

const (
	wsPingInterval     = 50 * time.Second
	wsReadTimeout      = 90 * time.Second
	wsMaxReconnectWait = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
	tickBufferSize     = 256
)

var wsJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// legQuotes accumulates the two legs of a coin until both are known.
type legQuotes struct {
	spotBid, spotAsk float64
	perpBid, perpAsk float64
	haveSpot         bool
	havePerp         bool
}

// PriceFeed streams merged spot+perp best-bid/offer ticks for a fixed set
// of coins. Construct with NewPriceFeed, then Run in a goroutine; consumers
// read Ticks.
type PriceFeed struct {
	url          string
	symbolToCoin map[string]string // perp name and spot symbol both map back
	spotSymbols  []string

	conn   *websocket.Conn
	connMu sync.Mutex

	quotesMu sync.Mutex
	quotes   map[string]*legQuotes

	stateMu   sync.Mutex
	connected bool
	connWait  chan struct{} // closed while connected

	ticks  chan PriceTick
	logger *slog.Logger
}

// NewPriceFeed builds a feed for the given coins. spotSymbols maps each
// coin to its resolved venue spot symbol.
func NewPriceFeed(wsURL string, coins []string, spotSymbols map[string]string, logger *slog.Logger) *PriceFeed {
	symbolToCoin := make(map[string]string, 2*len(coins))
	spots := make([]string, 0, len(coins))
	for _, coin := range coins {
		symbolToCoin[coin] = coin
		if sym, ok := spotSymbols[coin]; ok {
			symbolToCoin[sym] = coin
			spots = append(spots, sym)
		}
	}

	return &PriceFeed{
		url:          wsURL,
		symbolToCoin: symbolToCoin,
		spotSymbols:  spots,
		quotes:       make(map[string]*legQuotes),
		connWait:     make(chan struct{}),
		ticks:        make(chan PriceTick, tickBufferSize),
		logger:       logger.With("component", "price_feed"),
	}
}

// Ticks returns the merged per-coin price tick stream.
func (f *PriceFeed) Ticks() <-chan PriceTick { return f.ticks }

// Run connects and maintains the feed with auto-reconnect. Blocks until
// ctx is cancelled.
func (f *PriceFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("price feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

// Reconnect forces the current connection down and waits until the Run loop
// has re-established it, or ctx expires. Used by the watchdog when the feed
// has gone stale.
func (f *PriceFeed) Reconnect(ctx context.Context) error {
	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.connMu.Unlock()

	// Give the read loop a moment to observe the close and swap connWait.
	deadline := time.NewTimer(100 * time.Millisecond)
	defer deadline.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline.C:
	}

	f.stateMu.Lock()
	wait := f.connWait
	connected := f.connected
	f.stateMu.Unlock()
	if connected {
		return nil
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("feed did not recover: %w", ctx.Err())
	case <-wait:
		return nil
	}
}

// Close shuts the connection down.
func (f *PriceFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *PriceFeed) setConnected(up bool) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if up == f.connected {
		return
	}
	f.connected = up
	if up {
		close(f.connWait)
	} else {
		f.connWait = make(chan struct{})
	}
}

func (f *PriceFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.setConnected(false)
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.subscribeAll(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.setConnected(true)

	f.logger.Info("price feed connected", "symbols", len(f.symbolToCoin))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *PriceFeed) subscribeAll() error {
	for symbol := range f.symbolToCoin {
		msg := map[string]any{
			"method": "subscribe",
			"subscription": map[string]string{
				"type": "bbo",
				"coin": symbol,
			},
		}
		if err := f.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

type bboLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
}

type bboMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Coin string       `json:"coin"`
		Time int64        `json:"time"`
		BBO  [2]*bboLevel `json:"bbo"`
	} `json:"data"`
}

func (f *PriceFeed) dispatchMessage(data []byte) {
	var msg bboMessage
	if err := wsJSON.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring unparseable ws message", "data", string(data))
		return
	}

	switch msg.Channel {
	case "bbo":
		f.applyBBO(msg)
	case "subscriptionResponse", "pong":
	default:
		f.logger.Debug("unknown ws channel", "channel", msg.Channel)
	}
}

// applyBBO folds one leg update into the coin's quote pair and emits a tick
// once both legs have been seen.
func (f *PriceFeed) applyBBO(msg bboMessage) {
	coin, ok := f.symbolToCoin[msg.Data.Coin]
	if !ok {
		return
	}
	isSpot := msg.Data.Coin != coin

	var bid, ask float64
	if msg.Data.BBO[0] != nil {
		bid = parseFloat(msg.Data.BBO[0].Px)
	}
	if msg.Data.BBO[1] != nil {
		ask = parseFloat(msg.Data.BBO[1].Px)
	}

	f.quotesMu.Lock()
	q, ok := f.quotes[coin]
	if !ok {
		q = &legQuotes{}
		f.quotes[coin] = q
	}
	if isSpot {
		q.spotBid, q.spotAsk = bid, ask
		q.haveSpot = true
	} else {
		q.perpBid, q.perpAsk = bid, ask
		q.havePerp = true
	}
	complete := q.haveSpot && q.havePerp
	tick := PriceTick{
		Coin:    coin,
		SpotBid: q.spotBid,
		SpotAsk: q.spotAsk,
		PerpBid: q.perpBid,
		PerpAsk: q.perpAsk,
		Time:    time.UnixMilli(msg.Data.Time),
	}
	f.quotesMu.Unlock()

	if complete {
		f.emit(tick)
	}
}

// emit sends without blocking. When the consumer lags, the oldest tick is
// dropped: the monitor only ever wants the freshest prices.
func (f *PriceFeed) emit(tick PriceTick) {
	select {
	case f.ticks <- tick:
		return
	default:
	}

	select {
	case <-f.ticks:
	default:
	}
	select {
	case f.ticks <- tick:
	default:
		f.logger.Debug("tick dropped", "coin", tick.Coin)
	}
}

func (f *PriceFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeJSON(map[string]string{"method": "ping"}); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *PriceFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}
