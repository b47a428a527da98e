package exchange

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"funding-harvester/internal/config"
)

const (
	infoRate     = 10 // info requests per second
	exchangeRate = 5  // signed actions per second

	// Funding and volume come from one bulk endpoint; consecutive per-coin
	// reads within this window share a single fetch.
	assetCtxTTL = 5 * time.Second

	// Perp prices allow at most 6-szDecimals decimal places and 5
	// significant figures. The perp bound is the stricter of the two
	// markets, so it is applied to both legs.
	maxPriceDecimalsBase = 6
	maxSigFigs           = 5

	// Spot asset ids live in a separate namespace offset from perp ids.
	spotAssetOffset = 10000
)

// assetInfo is the cached venue metadata for one coin.
type assetInfo struct {
	perpAsset   int
	spotAsset   int
	spotSymbol  string // "@<spot universe index>"
	szDecimals  int    // coarser of the perp and spot size precisions
	hasSpotPair bool
}

type assetCtx struct {
	funding   float64
	dayNtlVlm float64
}

// HyperliquidClient is the production Gateway implementation. It wraps the
// venue's /info and /exchange endpoints with rate limiting, retry on the
// read path, and EIP-712 action signing on the write path. Signed actions
// are never retried.
type HyperliquidClient struct {
	info     *resty.Client // /info reads, retried on 5xx
	exchange *resty.Client // /exchange signed actions, no retry

	signer         *Signer
	accountAddress string
	dryRun         bool

	infoLimit     *rate.Limiter
	exchangeLimit *rate.Limiter

	metaMu sync.RWMutex
	assets map[string]assetInfo

	ctxMu     sync.Mutex
	ctxAt     time.Time
	assetCtxs map[string]assetCtx

	logger *slog.Logger
}

// NewHyperliquidClient builds the client. Call LoadMeta before trading so
// spot symbols and size precisions are resolved.
func NewHyperliquidClient(cfg *config.Config, signer *Signer, logger *slog.Logger) *HyperliquidClient {
	infoClient := resty.New().
		SetBaseURL(cfg.API.InfoBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	exchangeClient := resty.New().
		SetBaseURL(cfg.API.InfoBaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &HyperliquidClient{
		info:           infoClient,
		exchange:       exchangeClient,
		signer:         signer,
		accountAddress: cfg.Wallet.AccountAddress,
		dryRun:         cfg.DryRun,
		infoLimit:      rate.NewLimiter(infoRate, 2*infoRate),
		exchangeLimit:  rate.NewLimiter(exchangeRate, exchangeRate),
		assets:         make(map[string]assetInfo),
		logger:         logger.With("component", "exchange"),
	}
}

// postInfo sends one /info query and decodes the response into out.
func (c *HyperliquidClient) postInfo(ctx context.Context, payload any, out any) error {
	if err := c.infoLimit.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.info.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(out).
		Post("/info")
	if err != nil {
		return fmt.Errorf("info request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("info request: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

type perpMetaResponse struct {
	Universe []struct {
		Name       string `json:"name"`
		SzDecimals int    `json:"szDecimals"`
	} `json:"universe"`
}

type spotMetaResponse struct {
	Tokens []struct {
		Name       string `json:"name"`
		SzDecimals int    `json:"szDecimals"`
		Index      int    `json:"index"`
	} `json:"tokens"`
	Universe []struct {
		Name   string `json:"name"`
		Tokens [2]int `json:"tokens"`
		Index  int    `json:"index"`
	} `json:"universe"`
}

// LoadMeta fetches perp and spot metadata and rebuilds the asset cache.
// Spot symbols are venue-internal indices and can change between listings,
// so they are always resolved here, never configured.
func (c *HyperliquidClient) LoadMeta(ctx context.Context) error {
	var perpMeta perpMetaResponse
	if err := c.postInfo(ctx, map[string]string{"type": "meta"}, &perpMeta); err != nil {
		return fmt.Errorf("load perp meta: %w", err)
	}

	var spotMeta spotMetaResponse
	if err := c.postInfo(ctx, map[string]string{"type": "spotMeta"}, &spotMeta); err != nil {
		return fmt.Errorf("load spot meta: %w", err)
	}

	tokenByIndex := make(map[int]struct {
		name       string
		szDecimals int
	}, len(spotMeta.Tokens))
	usdcIndex := -1
	for _, tok := range spotMeta.Tokens {
		tokenByIndex[tok.Index] = struct {
			name       string
			szDecimals int
		}{tok.Name, tok.SzDecimals}
		if tok.Name == "USDC" {
			usdcIndex = tok.Index
		}
	}

	assets := make(map[string]assetInfo, len(perpMeta.Universe))
	for i, u := range perpMeta.Universe {
		assets[u.Name] = assetInfo{
			perpAsset:  i,
			szDecimals: u.SzDecimals,
		}
	}

	for _, pair := range spotMeta.Universe {
		if pair.Tokens[1] != usdcIndex {
			continue
		}
		base, ok := tokenByIndex[pair.Tokens[0]]
		if !ok {
			continue
		}
		a, ok := assets[base.name]
		if !ok {
			continue
		}
		a.spotAsset = spotAssetOffset + pair.Index
		a.spotSymbol = fmt.Sprintf("@%d", pair.Index)
		a.hasSpotPair = true
		if base.szDecimals < a.szDecimals {
			a.szDecimals = base.szDecimals
		}
		assets[base.name] = a
	}

	c.metaMu.Lock()
	c.assets = assets
	c.metaMu.Unlock()

	c.logger.Info("venue metadata loaded",
		"perp_assets", len(perpMeta.Universe),
		"spot_pairs", len(spotMeta.Universe),
	)
	return nil
}

func (c *HyperliquidClient) asset(coin string) (assetInfo, error) {
	c.metaMu.RLock()
	a, ok := c.assets[coin]
	c.metaMu.RUnlock()
	if !ok {
		return assetInfo{}, fmt.Errorf("unknown coin %q (metadata not loaded?)", coin)
	}
	return a, nil
}

// ResolveSpotSymbol maps a coin to its venue spot symbol, loading metadata
// on first use.
func (c *HyperliquidClient) ResolveSpotSymbol(ctx context.Context, coin string) (string, error) {
	c.metaMu.RLock()
	empty := len(c.assets) == 0
	c.metaMu.RUnlock()
	if empty {
		if err := c.LoadMeta(ctx); err != nil {
			return "", err
		}
	}

	a, err := c.asset(coin)
	if err != nil {
		return "", err
	}
	if !a.hasSpotPair {
		return "", fmt.Errorf("coin %q has no USDC spot pair", coin)
	}
	return a.spotSymbol, nil
}

// RoundSize truncates a size to the coin's size precision. Truncation, not
// rounding, so a computed size never exceeds what balances were checked for.
func (c *HyperliquidClient) RoundSize(coin string, size float64) float64 {
	a, err := c.asset(coin)
	if err != nil {
		return size
	}
	f, _ := decimal.NewFromFloat(size).Truncate(int32(a.szDecimals)).Float64()
	return f
}

// RoundPrice rounds a price to 5 significant figures capped at the coin's
// allowed decimal places.
func (c *HyperliquidClient) RoundPrice(coin string, price float64) float64 {
	if price <= 0 {
		return price
	}
	maxDecimals := maxPriceDecimalsBase
	if a, err := c.asset(coin); err == nil {
		maxDecimals = maxPriceDecimalsBase - a.szDecimals
	}

	exp := int(math.Floor(math.Log10(price)))
	decimals := maxSigFigs - 1 - exp
	if decimals > maxDecimals {
		decimals = maxDecimals
	}
	if decimals < 0 {
		decimals = 0
	}
	f, _ := decimal.NewFromFloat(price).Round(int32(decimals)).Float64()
	return f
}

// wireFloat renders a float the way the venue expects: no exponent, no
// trailing zeros.
func wireFloat(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

type orderActionJSON struct {
	Type     string      `json:"type"`
	Orders   []orderJSON `json:"orders"`
	Grouping string      `json:"grouping"`
}

type orderJSON struct {
	Asset      int      `json:"a"`
	IsBuy      bool     `json:"b"`
	Price      string   `json:"p"`
	Size       string   `json:"s"`
	ReduceOnly bool     `json:"r"`
	Type       typeJSON `json:"t"`
	Cloid      string   `json:"c,omitempty"`
}

type typeJSON struct {
	Limit limitJSON `json:"limit"`
}

type limitJSON struct {
	Tif string `json:"tif"`
}

type cancelActionJSON struct {
	Type    string       `json:"type"`
	Cancels []cancelJSON `json:"cancels"`
}

type cancelJSON struct {
	Asset int    `json:"asset"`
	Cloid string `json:"cloid"`
}

type exchangeRequest struct {
	Action    any           `json:"action"`
	Nonce     uint64        `json:"nonce"`
	Signature *rsvSignature `json:"signature"`
}

type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type orderStatuses struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

// postExchange submits one signed action and returns the per-entry statuses.
func (c *HyperliquidClient) postExchange(ctx context.Context, req exchangeRequest) ([]json.RawMessage, error) {
	if err := c.exchangeLimit.Wait(ctx); err != nil {
		return nil, err
	}

	var result exchangeResponse
	resp, err := c.exchange.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/exchange")
	if err != nil {
		return nil, fmt.Errorf("exchange request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("exchange request: status %d: %s", resp.StatusCode(), resp.String())
	}
	if result.Status != "ok" {
		return nil, fmt.Errorf("exchange action rejected: %s", string(result.Response))
	}

	var statuses orderStatuses
	if err := json.Unmarshal(result.Response, &statuses); err != nil {
		return nil, fmt.Errorf("decode exchange response: %w", err)
	}
	return statuses.Data.Statuses, nil
}

// PlaceOrder dispatches a single IOC limit order on the chosen leg.
func (c *HyperliquidClient) PlaceOrder(ctx context.Context, coin string, leg Leg, isBuy bool, size, price float64, cloid string) (*OrderResult, error) {
	a, err := c.asset(coin)
	if err != nil {
		return nil, err
	}

	assetID := a.perpAsset
	if leg == LegSpot {
		if !a.hasSpotPair {
			return nil, fmt.Errorf("coin %q has no USDC spot pair", coin)
		}
		assetID = a.spotAsset
	}

	sizeStr := wireFloat(c.RoundSize(coin, size))
	priceStr := wireFloat(c.RoundPrice(coin, price))

	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order",
			"coin", coin, "leg", leg, "buy", isBuy,
			"size", sizeStr, "price", priceStr, "cloid", cloid,
		)
		return &OrderResult{
			Status:     StatusFilled,
			FilledSize: parseFloat(sizeStr),
			AvgPrice:   parseFloat(priceStr),
		}, nil
	}

	wire := orderWire{
		Asset: assetID,
		IsBuy: isBuy,
		Price: priceStr,
		Size:  sizeStr,
		TIF:   "Ioc",
		Cloid: cloid,
	}
	nonce := c.signer.NextNonce()
	sig, err := c.signer.SignOrderAction([]orderWire{wire}, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}

	action := orderActionJSON{
		Type: "order",
		Orders: []orderJSON{{
			Asset: assetID,
			IsBuy: isBuy,
			Price: priceStr,
			Size:  sizeStr,
			Type:  typeJSON{Limit: limitJSON{Tif: "Ioc"}},
			Cloid: cloid,
		}},
		Grouping: "na",
	}

	statuses, err := c.postExchange(ctx, exchangeRequest{Action: action, Nonce: nonce, Signature: sig})
	if err != nil {
		return nil, err
	}
	if len(statuses) != 1 {
		return nil, fmt.Errorf("expected 1 order status, got %d", len(statuses))
	}
	return parseOrderStatus(statuses[0]), nil
}

// parseOrderStatus maps one venue status entry to an OrderResult. An IOC
// order that matched nothing comes back as an error entry.
func parseOrderStatus(raw json.RawMessage) *OrderResult {
	var entry struct {
		Filled *struct {
			TotalSz string `json:"totalSz"`
			AvgPx   string `json:"avgPx"`
		} `json:"filled"`
		Resting *struct {
			Oid int64 `json:"oid"`
		} `json:"resting"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &entry); err != nil {
		return &OrderResult{Status: StatusUnknown, Err: string(raw)}
	}

	switch {
	case entry.Filled != nil:
		return &OrderResult{
			Status:     StatusFilled,
			FilledSize: parseFloat(entry.Filled.TotalSz),
			AvgPrice:   parseFloat(entry.Filled.AvgPx),
		}
	case entry.Resting != nil:
		return &OrderResult{Status: StatusOpen}
	case entry.Error != "":
		return &OrderResult{Status: StatusFailed, Err: entry.Error}
	default:
		return &OrderResult{Status: StatusUnknown, Err: string(raw)}
	}
}

// CancelOrder cancels by client order id. The cancel must carry the same
// asset id the order was placed with; spot and perp ids live in disjoint
// namespaces. Returns false without error when the venue reports the order
// already gone.
func (c *HyperliquidClient) CancelOrder(ctx context.Context, coin string, leg Leg, cloid string) (bool, error) {
	a, err := c.asset(coin)
	if err != nil {
		return false, err
	}

	assetID := a.perpAsset
	if leg == LegSpot {
		if !a.hasSpotPair {
			return false, fmt.Errorf("coin %q has no USDC spot pair", coin)
		}
		assetID = a.spotAsset
	}

	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "coin", coin, "leg", leg, "cloid", cloid)
		return true, nil
	}

	wire := cancelWire{Asset: assetID, Cloid: cloid}
	nonce := c.signer.NextNonce()
	sig, err := c.signer.SignCancelAction([]cancelWire{wire}, nonce)
	if err != nil {
		return false, fmt.Errorf("sign cancel: %w", err)
	}

	action := cancelActionJSON{
		Type:    "cancelByCloid",
		Cancels: []cancelJSON{{Asset: assetID, Cloid: cloid}},
	}

	statuses, err := c.postExchange(ctx, exchangeRequest{Action: action, Nonce: nonce, Signature: sig})
	if err != nil {
		return false, err
	}
	if len(statuses) != 1 {
		return false, fmt.Errorf("expected 1 cancel status, got %d", len(statuses))
	}

	var asString string
	if err := json.Unmarshal(statuses[0], &asString); err == nil && asString == "success" {
		return true, nil
	}
	return false, nil
}

// QueryOrderStatus resolves an order's fate after a timeout. When the venue
// no longer knows the id, recent fills are cross-checked so a filled-then-
// pruned order is not mistaken for a no-op.
func (c *HyperliquidClient) QueryOrderStatus(ctx context.Context, coin, cloid string) (*OrderStatusResult, error) {
	var result struct {
		Status string `json:"status"`
		Order  struct {
			Order struct {
				OrigSz string `json:"origSz"`
				Sz     string `json:"sz"`
			} `json:"order"`
			Status string `json:"status"`
		} `json:"order"`
	}
	payload := map[string]any{"type": "orderStatus", "user": c.accountAddress, "oid": cloid}
	if err := c.postInfo(ctx, payload, &result); err != nil {
		return nil, err
	}

	if result.Status != "order" {
		filled, err := c.filledSizeFromFills(ctx, cloid)
		if err != nil {
			return nil, err
		}
		if filled > 0 {
			return &OrderStatusResult{Status: StatusFilled, FilledSize: filled}, nil
		}
		return &OrderStatusResult{Status: StatusUnknown}, nil
	}

	orig := parseFloat(result.Order.Order.OrigSz)
	remaining := parseFloat(result.Order.Order.Sz)

	switch result.Order.Status {
	case "filled":
		return &OrderStatusResult{Status: StatusFilled, FilledSize: orig}, nil
	case "open":
		return &OrderStatusResult{Status: StatusOpen, FilledSize: orig - remaining}, nil
	case "canceled", "marginCanceled", "rejected":
		return &OrderStatusResult{Status: StatusFailed, FilledSize: orig - remaining}, nil
	default:
		return &OrderStatusResult{Status: StatusUnknown}, nil
	}
}

func (c *HyperliquidClient) filledSizeFromFills(ctx context.Context, cloid string) (float64, error) {
	var fills []struct {
		Cloid string `json:"cloid"`
		Sz    string `json:"sz"`
	}
	payload := map[string]any{"type": "userFills", "user": c.accountAddress}
	if err := c.postInfo(ctx, payload, &fills); err != nil {
		return 0, err
	}

	total := 0.0
	for _, f := range fills {
		if f.Cloid == cloid {
			total += parseFloat(f.Sz)
		}
	}
	return total, nil
}

type l2Level struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
}

type l2BookResponse struct {
	Levels [2][]l2Level `json:"levels"` // [bids, asks]
}

func (c *HyperliquidClient) bestBidAsk(ctx context.Context, symbol string) (bid, ask float64, err error) {
	var book l2BookResponse
	payload := map[string]string{"type": "l2Book", "coin": symbol}
	if err := c.postInfo(ctx, payload, &book); err != nil {
		return 0, 0, err
	}
	if len(book.Levels[0]) > 0 {
		bid = parseFloat(book.Levels[0][0].Px)
	}
	if len(book.Levels[1]) > 0 {
		ask = parseFloat(book.Levels[1][0].Px)
	}
	return bid, ask, nil
}

// GetPrices fetches best bid/ask for both legs from the venue books.
func (c *HyperliquidClient) GetPrices(ctx context.Context, coin string) (*Prices, error) {
	a, err := c.asset(coin)
	if err != nil {
		return nil, err
	}
	if !a.hasSpotPair {
		return nil, fmt.Errorf("coin %q has no USDC spot pair", coin)
	}

	perpBid, perpAsk, err := c.bestBidAsk(ctx, coin)
	if err != nil {
		return nil, fmt.Errorf("perp book %s: %w", coin, err)
	}
	spotBid, spotAsk, err := c.bestBidAsk(ctx, a.spotSymbol)
	if err != nil {
		return nil, fmt.Errorf("spot book %s: %w", a.spotSymbol, err)
	}

	return &Prices{
		SpotBid: spotBid,
		SpotAsk: spotAsk,
		PerpBid: perpBid,
		PerpAsk: perpAsk,
	}, nil
}

// GetBalances fetches spot USDC and perp account equity.
func (c *HyperliquidClient) GetBalances(ctx context.Context) (*Balances, error) {
	var spotState struct {
		Balances []struct {
			Coin  string `json:"coin"`
			Total string `json:"total"`
		} `json:"balances"`
	}
	payload := map[string]string{"type": "spotClearinghouseState", "user": c.accountAddress}
	if err := c.postInfo(ctx, payload, &spotState); err != nil {
		return nil, fmt.Errorf("spot state: %w", err)
	}

	var perpState struct {
		MarginSummary struct {
			AccountValue string `json:"accountValue"`
		} `json:"marginSummary"`
	}
	payload = map[string]string{"type": "clearinghouseState", "user": c.accountAddress}
	if err := c.postInfo(ctx, payload, &perpState); err != nil {
		return nil, fmt.Errorf("perp state: %w", err)
	}

	out := &Balances{PerpMargin: parseFloat(perpState.MarginSummary.AccountValue)}
	for _, b := range spotState.Balances {
		if b.Coin == "USDC" {
			out.SpotUSDC = parseFloat(b.Total)
		}
	}
	return out, nil
}

// GetPositions fetches open perp positions keyed by coin.
func (c *HyperliquidClient) GetPositions(ctx context.Context) (map[string]PerpPosition, error) {
	var state struct {
		AssetPositions []struct {
			Position struct {
				Coin          string `json:"coin"`
				Szi           string `json:"szi"`
				EntryPx       string `json:"entryPx"`
				LiquidationPx string `json:"liquidationPx"`
				UnrealizedPnl string `json:"unrealizedPnl"`
			} `json:"position"`
		} `json:"assetPositions"`
	}
	payload := map[string]string{"type": "clearinghouseState", "user": c.accountAddress}
	if err := c.postInfo(ctx, payload, &state); err != nil {
		return nil, err
	}

	out := make(map[string]PerpPosition, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		szi := parseFloat(ap.Position.Szi)
		if szi == 0 {
			continue
		}
		side := "long"
		if szi < 0 {
			side = "short"
		}
		out[ap.Position.Coin] = PerpPosition{
			Size:             math.Abs(szi),
			Side:             side,
			EntryPrice:       parseFloat(ap.Position.EntryPx),
			LiquidationPrice: parseFloat(ap.Position.LiquidationPx),
			UnrealizedPnL:    parseFloat(ap.Position.UnrealizedPnl),
		}
	}
	return out, nil
}

// loadAssetCtxs fetches funding and volume for every perp, cached briefly.
func (c *HyperliquidClient) loadAssetCtxs(ctx context.Context) (map[string]assetCtx, error) {
	c.ctxMu.Lock()
	defer c.ctxMu.Unlock()

	if time.Since(c.ctxAt) < assetCtxTTL && c.assetCtxs != nil {
		return c.assetCtxs, nil
	}

	var raw [2]json.RawMessage
	if err := c.postInfo(ctx, map[string]string{"type": "metaAndAssetCtxs"}, &raw); err != nil {
		return nil, err
	}

	var meta perpMetaResponse
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	var ctxs []struct {
		Funding   string `json:"funding"`
		DayNtlVlm string `json:"dayNtlVlm"`
	}
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, fmt.Errorf("decode asset ctxs: %w", err)
	}
	if len(ctxs) != len(meta.Universe) {
		return nil, fmt.Errorf("asset ctx count %d != universe %d", len(ctxs), len(meta.Universe))
	}

	byCoin := make(map[string]assetCtx, len(ctxs))
	for i, u := range meta.Universe {
		byCoin[u.Name] = assetCtx{
			funding:   parseFloat(ctxs[i].Funding),
			dayNtlVlm: parseFloat(ctxs[i].DayNtlVlm),
		}
	}

	c.assetCtxs = byCoin
	c.ctxAt = time.Now()
	return byCoin, nil
}

// GetFundingRate returns the current hourly funding rate for a coin.
func (c *HyperliquidClient) GetFundingRate(ctx context.Context, coin string) (float64, error) {
	ctxs, err := c.loadAssetCtxs(ctx)
	if err != nil {
		return 0, err
	}
	ac, ok := ctxs[coin]
	if !ok {
		return 0, fmt.Errorf("no asset context for %q", coin)
	}
	return ac.funding, nil
}

// DayNotionalVolume returns the 24h perp notional volume for a coin.
func (c *HyperliquidClient) DayNotionalVolume(ctx context.Context, coin string) (float64, error) {
	ctxs, err := c.loadAssetCtxs(ctx)
	if err != nil {
		return 0, err
	}
	ac, ok := ctxs[coin]
	if !ok {
		return 0, fmt.Errorf("no asset context for %q", coin)
	}
	return ac.dayNtlVlm, nil
}

// NewCloid formats a 16-byte id as a venue client order id.
func NewCloid(id [16]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}
