// bitkub.go implements the Adapter interface for Bitkub, a THB-quoted
// spot exchange with a few sharp edges the adapter hides:
//
//   - public market endpoints use quote-first symbols ("THB_BTC") while
//     the v3 trading endpoints use lower-case base-first ("btc_thb")
//   - buy orders are denominated in quote currency (amt = amount*price),
//     so bid quantities are converted in both directions
//   - errors come back as numeric codes in a 200 response body
//
// Order IDs exposed to the engine are Bitkub order hashes, which are
// accepted by order-info and cancel-order without the side parameter.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"tradingview-executor/pkg/types"
)

const (
	bitkubBaseURL = "https://api.bitkub.com"

	// Listed markets share fixed precisions and the exchange-wide
	// 10 THB minimum order value.
	bitkubPricePrecision  = 2
	bitkubAmountPrecision = 8
	bitkubMinCost         = 10
)

// Bitkub is the Bitkub spot REST adapter.
type Bitkub struct {
	http   *resty.Client
	apiKey string
	secret string
	rl     *RateLimiter
	logger *slog.Logger

	markets marketTable
}

func NewBitkub(apiKey, secret string, logger *slog.Logger) *Bitkub {
	return &Bitkub{
		http:   newRestClient(bitkubBaseURL),
		apiKey: apiKey,
		secret: secret,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "bitkub"),
	}
}

func (b *Bitkub) Name() string { return "BITKUB" }

func (b *Bitkub) Has() Capabilities {
	return Capabilities{FetchOrder: true, FetchOpenOrders: true, FetchTickers: true}
}

// tradeSymbol converts "THB_BTC" into the "btc_thb" form the v3
// trading endpoints expect.
func tradeSymbol(native string) string {
	parts := strings.SplitN(native, "_", 2)
	if len(parts) != 2 {
		return strings.ToLower(native)
	}
	return strings.ToLower(parts[1] + "_" + parts[0])
}

func (b *Bitkub) LoadMarkets(ctx context.Context) (map[string]types.Market, error) {
	if err := b.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result []struct {
		Symbol string `json:"symbol"` // "THB_BTC"
	}
	if err := b.publicGet(ctx, "/api/market/symbols", nil, &result); err != nil {
		return nil, fmt.Errorf("bitkub load markets: %w", err)
	}

	markets := make(map[string]types.Market, len(result))
	for _, s := range result {
		parts := strings.SplitN(s.Symbol, "_", 2)
		if len(parts) != 2 {
			continue
		}
		quote, base := parts[0], parts[1]
		m := types.Market{
			Symbol:          base + "/" + quote,
			NativeSymbol:    s.Symbol,
			Base:            base,
			Quote:           quote,
			PricePrecision:  bitkubPricePrecision,
			AmountPrecision: bitkubAmountPrecision,
			MinCost:         bitkubMinCost,
		}
		markets[m.Symbol] = m
	}
	b.markets.set(markets)
	return markets, nil
}

func (b *Bitkub) FetchBalance(ctx context.Context) (types.Balances, error) {
	if err := b.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	var result map[string]struct {
		Available float64 `json:"available"`
		Reserved  float64 `json:"reserved"`
	}
	if err := b.private(ctx, http.MethodPost, "/api/v3/market/balances", nil, &result); err != nil {
		return nil, fmt.Errorf("bitkub fetch balance: %w", err)
	}

	balances := make(types.Balances, len(result))
	for asset, entry := range result {
		balances[asset] = types.Balance{
			Free:  entry.Available,
			Used:  entry.Reserved,
			Total: entry.Available + entry.Reserved,
		}
	}
	return balances, nil
}

func (b *Bitkub) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	prices, err := b.FetchTickers(ctx, []string{symbol})
	if err != nil {
		return 0, err
	}
	price, ok := prices[symbol]
	if !ok {
		return 0, fmt.Errorf("bitkub fetch ticker: no price for %s", symbol)
	}
	return price, nil
}

// FetchTickers pulls the full ticker map in one call and filters.
func (b *Bitkub) FetchTickers(ctx context.Context, symbols []string) (map[string]float64, error) {
	if err := b.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result map[string]struct {
		Last float64 `json:"last"`
	}
	resp, err := b.http.R().SetContext(ctx).SetResult(&result).Get("/api/market/ticker")
	if err != nil {
		return nil, fmt.Errorf("bitkub fetch tickers: %w: %v", ErrUnavailable, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("bitkub fetch tickers: status %d: %w", resp.StatusCode(), ErrUnavailable)
	}

	prices := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		m, err := b.markets.get(symbol)
		if err != nil {
			return nil, err
		}
		if t, ok := result[m.NativeSymbol]; ok {
			prices[symbol] = t.Last
		}
	}
	return prices, nil
}

func (b *Bitkub) FetchOrderBook(ctx context.Context, symbol string, limit int) (types.OrderBookSnapshot, error) {
	m, err := b.markets.get(symbol)
	if err != nil {
		return types.OrderBookSnapshot{}, err
	}
	if err := b.rl.Book.Wait(ctx); err != nil {
		return types.OrderBookSnapshot{}, err
	}
	if limit <= 0 {
		limit = 20
	}

	var result struct {
		Bids [][]float64 `json:"bids"`
		Asks [][]float64 `json:"asks"`
	}
	query := map[string]string{
		"sym": m.NativeSymbol,
		"lmt": strconv.Itoa(limit),
	}
	if err := b.publicGet(ctx, "/api/market/depth", query, &result); err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("bitkub fetch order book: %w", err)
	}

	return types.OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      floatLevels(result.Bids),
		Asks:      floatLevels(result.Asks),
		Timestamp: time.Now(),
	}, nil
}

func floatLevels(raw [][]float64) []types.BookLevel {
	levels := make([]types.BookLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		levels = append(levels, types.BookLevel{Price: entry[0], Qty: entry[1]})
	}
	return levels
}

func (b *Bitkub) CreateOrder(ctx context.Context, symbol string, side types.Side, typ types.OrderType, amount, price float64) (types.Order, error) {
	m, err := b.markets.get(symbol)
	if err != nil {
		return types.Order{}, err
	}
	if err := b.rl.Order.Wait(ctx); err != nil {
		return types.Order{}, err
	}

	path := "/api/v3/market/place-ask"
	amt := FormatAmount(m, amount)
	if side == types.Buy {
		// Bids are denominated in quote currency.
		path = "/api/v3/market/place-bid"
		amt = snap(amount*price, 0.01, false).String()
	}
	rat := "0"
	if typ == types.OrderTypeLimit {
		rat = FormatPrice(m, price, side)
	}
	body := map[string]any{
		"sym": tradeSymbol(m.NativeSymbol),
		"amt": amt,
		"rat": rat,
		"typ": string(typ),
	}

	var result struct {
		ID   json.Number `json:"id"`
		Hash string      `json:"hash"`
		Amt  float64     `json:"amt"`
		Rat  float64     `json:"rat"`
	}
	if err := b.private(ctx, http.MethodPost, path, body, &result); err != nil {
		return types.Order{}, fmt.Errorf("bitkub create order: %w", err)
	}

	baseAmount := result.Amt
	if side == types.Buy && result.Rat > 0 {
		baseAmount = result.Amt / result.Rat
	}
	return types.Order{
		ID:        result.Hash,
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Price:     result.Rat,
		Amount:    baseAmount,
		Remaining: baseAmount,
		Status:    types.OrderOpen,
	}, nil
}

func (b *Bitkub) CancelOrder(ctx context.Context, id, symbol string) error {
	if err := b.rl.Order.Wait(ctx); err != nil {
		return err
	}
	body := map[string]any{"hash": id}
	if err := b.private(ctx, http.MethodPost, "/api/v3/market/cancel-order", body, nil); err != nil {
		return fmt.Errorf("bitkub cancel order: %w", err)
	}
	return nil
}

// FetchOrder looks the order up by hash. Bitkub answers with an error
// code for orders it has purged, which maps to ErrOrderNotFound.
func (b *Bitkub) FetchOrder(ctx context.Context, id, symbol string) (types.Order, error) {
	if err := b.rl.Account.Wait(ctx); err != nil {
		return types.Order{}, err
	}

	var result struct {
		Side      string  `json:"side"`
		Amount    float64 `json:"amount"`
		Rate      float64 `json:"rate"`
		Filled    float64 `json:"filled"`
		Remaining float64 `json:"remaining"`
		Status    string  `json:"status"`
	}
	query := "hash=" + id
	if err := b.private(ctx, http.MethodGet, "/api/v3/market/order-info?"+query, nil, &result); err != nil {
		return types.Order{}, fmt.Errorf("bitkub fetch order: %w", err)
	}

	side := types.Side(strings.ToLower(result.Side))
	amount, filled, remaining := result.Amount, result.Filled, result.Remaining
	if side == types.Buy && result.Rate > 0 {
		amount /= result.Rate
		filled /= result.Rate
		remaining /= result.Rate
	}
	status := types.OrderOpen
	if result.Status == "filled" || remaining == 0 {
		status = types.OrderClosed
	}
	return types.Order{
		ID:        id,
		Symbol:    symbol,
		Side:      side,
		Type:      types.OrderTypeLimit,
		Price:     result.Rate,
		Amount:    amount,
		Filled:    filled,
		Remaining: remaining,
		Status:    status,
	}, nil
}

func (b *Bitkub) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	m, err := b.markets.get(symbol)
	if err != nil {
		return nil, err
	}
	if err := b.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	var result []struct {
		Hash   string  `json:"hash"`
		Side   string  `json:"side"`
		Type   string  `json:"type"`
		Rate   float64 `json:"rate"`
		Amount float64 `json:"amount"`
	}
	query := "sym=" + tradeSymbol(m.NativeSymbol)
	if err := b.private(ctx, http.MethodGet, "/api/v3/market/my-open-orders?"+query, nil, &result); err != nil {
		return nil, fmt.Errorf("bitkub fetch open orders: %w", err)
	}

	orders := make([]types.Order, 0, len(result))
	for _, o := range result {
		side := types.Side(strings.ToLower(o.Side))
		amount := o.Amount
		if side == types.Buy && o.Rate > 0 {
			amount /= o.Rate
		}
		orders = append(orders, types.Order{
			ID:        o.Hash,
			Symbol:    symbol,
			Side:      side,
			Type:      types.OrderType(strings.ToLower(o.Type)),
			Price:     o.Rate,
			Amount:    amount,
			Remaining: amount,
			Status:    types.OrderOpen,
		})
	}
	return orders, nil
}

// publicGet calls a public market endpoint and unwraps the
// {error, result} envelope.
func (b *Bitkub) publicGet(ctx context.Context, path string, query map[string]string, out any) error {
	var envelope bitkubEnvelope
	req := b.http.R().SetContext(ctx).SetResult(&envelope)
	if query != nil {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(path)
	return b.unwrap(resp, err, &envelope, out)
}

// private signs a v3 endpoint call. The signed payload is
// timestamp + method + path (query string included) + JSON body.
func (b *Bitkub) private(ctx context.Context, method, pathWithQuery string, body any, out any) error {
	if b.apiKey == "" || b.secret == "" {
		return fmt.Errorf("%w: missing BITKUB credentials", ErrAuth)
	}

	var bodyJSON []byte
	if body != nil {
		var err error
		bodyJSON, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payload := ts + method + pathWithQuery + string(bodyJSON)
	mac := hmac.New(sha256.New, []byte(b.secret))
	mac.Write([]byte(payload))

	var envelope bitkubEnvelope
	req := b.http.R().
		SetContext(ctx).
		SetResult(&envelope).
		SetHeader("X-BTK-APIKEY", b.apiKey).
		SetHeader("X-BTK-TIMESTAMP", ts).
		SetHeader("X-BTK-SIGN", hex.EncodeToString(mac.Sum(nil)))
	if bodyJSON != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(bodyJSON)
	}
	resp, err := req.Execute(method, pathWithQuery)
	return b.unwrap(resp, err, &envelope, out)
}

func (b *Bitkub) unwrap(resp *resty.Response, err error, envelope *bitkubEnvelope, out any) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("status %d: %w", resp.StatusCode(), ErrUnavailable)
	}
	if envelope.Error != 0 {
		return fmt.Errorf("code %d: %w", envelope.Error, mapBitkubError(envelope.Error))
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// mapBitkubError translates the numeric error codes documented for the
// trading API.
func mapBitkubError(code int) error {
	switch code {
	case 1, 2, 3, 6, 7, 8, 9: // invalid json / api key / signature / timestamp / ip / permission
		return ErrAuth
	case 11, 12, 13, 14, 15, 16, 17: // invalid symbol / amount / rate / side / too-low amount or rate
		return ErrInvalidOrder
	case 18: // insufficient balance
		return ErrInsufficientFunds
	case 21, 22, 23, 24: // invalid or already-matched order for cancellation / lookup
		return ErrOrderNotFound
	case 30: // limit exceeded
		return ErrRateLimited
	}
	return ErrUnavailable
}

type bitkubEnvelope struct {
	Error  int             `json:"error"`
	Result json.RawMessage `json:"result"`
}
