// binance.go implements the Adapter interface for Binance spot.
//
// Binance signs private calls with HMAC-SHA256 over the query string
// (X-MBX-APIKEY header carries the key). Exchange error codes are
// translated in mapBinanceError; the interesting ones are -2011/-2013
// (unknown order — the engine's reconcile signal) and -2010
// (rejected: insufficient balance or filter failure).
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
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"tradingview-executor/internal/market"
	"tradingview-executor/pkg/types"
)

const binanceBaseURL = "https://api.binance.com"

// Binance is the Binance spot REST adapter.
type Binance struct {
	http   *resty.Client
	apiKey string
	secret string
	rl     *RateLimiter
	books  *market.Mirror // optional live depth mirror, nil = REST only
	logger *slog.Logger

	markets marketTable
}

// NewBinance creates a Binance adapter. books may be nil; when set,
// FetchOrderBook serves fresh snapshots from the WebSocket mirror and
// only falls back to REST.
func NewBinance(apiKey, secret string, books *market.Mirror, logger *slog.Logger) *Binance {
	return &Binance{
		http:   newRestClient(binanceBaseURL),
		apiKey: apiKey,
		secret: secret,
		rl:     NewRateLimiter(),
		books:  books,
		logger: logger.With("component", "binance"),
	}
}

// newRestClient builds a resty client with the shared timeout and
// retry-on-5xx policy all adapters use.
func newRestClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
}

func (b *Binance) Name() string { return "BINANCE" }

func (b *Binance) Has() Capabilities {
	return Capabilities{FetchOrder: true, FetchOpenOrders: true, FetchTickers: true}
}

// LoadMarkets fetches /api/v3/exchangeInfo and extracts tick size, lot
// step, and minimums from the symbol filters.
func (b *Binance) LoadMarkets(ctx context.Context) (map[string]types.Market, error) {
	if err := b.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			Status     string `json:"status"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Filters    []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/v3/exchangeInfo")
	if err := b.check(resp, err, "exchange info"); err != nil {
		return nil, err
	}

	markets := make(map[string]types.Market, len(result.Symbols))
	for _, s := range result.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		m := types.Market{
			Symbol:       s.BaseAsset + "/" + s.QuoteAsset,
			NativeSymbol: s.Symbol,
			Base:         s.BaseAsset,
			Quote:        s.QuoteAsset,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				m.PricePrecision = stepToPrecision(parseFloat(f.TickSize))
			case "LOT_SIZE":
				m.AmountPrecision = stepToPrecision(parseFloat(f.StepSize))
				m.MinAmount = parseFloat(f.MinQty)
			case "NOTIONAL", "MIN_NOTIONAL":
				m.MinCost = parseFloat(f.MinNotional)
			}
		}
		markets[m.Symbol] = m
	}
	b.markets.set(markets)
	return markets, nil
}

// FetchBalance returns normalized free/locked balances from /api/v3/account.
func (b *Binance) FetchBalance(ctx context.Context) (types.Balances, error) {
	if err := b.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	resp, err := b.signedRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &result)
	if err := b.check(resp, err, "fetch balance"); err != nil {
		return nil, err
	}

	balances := make(types.Balances, len(result.Balances))
	for _, entry := range result.Balances {
		free := parseFloat(entry.Free)
		used := parseFloat(entry.Locked)
		balances[entry.Asset] = types.Balance{Free: free, Used: used, Total: free + used}
	}
	return balances, nil
}

func (b *Binance) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	m, err := b.markets.get(symbol)
	if err != nil {
		return 0, err
	}
	if err := b.rl.Book.Wait(ctx); err != nil {
		return 0, err
	}

	var result struct {
		Price string `json:"price"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", m.NativeSymbol).
		SetResult(&result).
		Get("/api/v3/ticker/price")
	if err := b.check(resp, err, "fetch ticker"); err != nil {
		return 0, err
	}
	return parseFloat(result.Price), nil
}

// FetchTickers batches last prices via /api/v3/ticker/price?symbols=[...].
func (b *Binance) FetchTickers(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}
	native := make([]string, 0, len(symbols))
	nativeToCanonical := make(map[string]string, len(symbols))
	for _, symbol := range symbols {
		m, err := b.markets.get(symbol)
		if err != nil {
			return nil, err
		}
		native = append(native, m.NativeSymbol)
		nativeToCanonical[m.NativeSymbol] = symbol
	}
	if err := b.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	list, err := json.Marshal(native)
	if err != nil {
		return nil, fmt.Errorf("marshal symbols: %w", err)
	}
	var result []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParam("symbols", string(list)).
		SetResult(&result).
		Get("/api/v3/ticker/price")
	if err := b.check(resp, err, "fetch tickers"); err != nil {
		return nil, err
	}

	prices := make(map[string]float64, len(result))
	for _, t := range result {
		if canonical, ok := nativeToCanonical[t.Symbol]; ok {
			prices[canonical] = parseFloat(t.Price)
		}
	}
	return prices, nil
}

// FetchOrderBook prefers the live WebSocket mirror when it is fresh,
// falling back to GET /api/v3/depth.
func (b *Binance) FetchOrderBook(ctx context.Context, symbol string, limit int) (types.OrderBookSnapshot, error) {
	if b.books != nil {
		if snap, ok := b.books.Snapshot(symbol); ok {
			return snap, nil
		}
	}

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
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": m.NativeSymbol,
			"limit":  strconv.Itoa(limit),
		}).
		SetResult(&result).
		Get("/api/v3/depth")
	if err := b.check(resp, err, "fetch order book"); err != nil {
		return types.OrderBookSnapshot{}, err
	}

	return types.OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      parseLevels(result.Bids),
		Asks:      parseLevels(result.Asks),
		Timestamp: time.Now(),
	}, nil
}

func (b *Binance) CreateOrder(ctx context.Context, symbol string, side types.Side, typ types.OrderType, amount, price float64) (types.Order, error) {
	m, err := b.markets.get(symbol)
	if err != nil {
		return types.Order{}, err
	}
	if err := b.rl.Order.Wait(ctx); err != nil {
		return types.Order{}, err
	}

	params := url.Values{}
	params.Set("symbol", m.NativeSymbol)
	params.Set("side", strings.ToUpper(string(side)))
	params.Set("quantity", FormatAmount(m, amount))
	params.Set("newClientOrderId", "tve-"+uuid.NewString())
	if typ == types.OrderTypeLimit {
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", FormatPrice(m, price, side))
	} else {
		params.Set("type", "MARKET")
	}

	var result binanceOrder
	resp, err := b.signedRequest(ctx, http.MethodPost, "/api/v3/order", params, &result)
	if err := b.check(resp, err, "create order"); err != nil {
		return types.Order{}, err
	}
	return result.normalize(symbol, resp.Body()), nil
}

func (b *Binance) CancelOrder(ctx context.Context, id, symbol string) error {
	m, err := b.markets.get(symbol)
	if err != nil {
		return err
	}
	if err := b.rl.Order.Wait(ctx); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("symbol", m.NativeSymbol)
	params.Set("orderId", id)
	resp, err := b.signedRequest(ctx, http.MethodDelete, "/api/v3/order", params, nil)
	return b.check(resp, err, "cancel order")
}

func (b *Binance) FetchOrder(ctx context.Context, id, symbol string) (types.Order, error) {
	m, err := b.markets.get(symbol)
	if err != nil {
		return types.Order{}, err
	}
	if err := b.rl.Account.Wait(ctx); err != nil {
		return types.Order{}, err
	}

	params := url.Values{}
	params.Set("symbol", m.NativeSymbol)
	params.Set("orderId", id)
	var result binanceOrder
	resp, err := b.signedRequest(ctx, http.MethodGet, "/api/v3/order", params, &result)
	if err := b.check(resp, err, "fetch order"); err != nil {
		return types.Order{}, err
	}
	return result.normalize(symbol, resp.Body()), nil
}

func (b *Binance) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	params := url.Values{}
	if symbol != "" {
		m, err := b.markets.get(symbol)
		if err != nil {
			return nil, err
		}
		params.Set("symbol", m.NativeSymbol)
	}
	if err := b.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	var result []binanceOrder
	resp, err := b.signedRequest(ctx, http.MethodGet, "/api/v3/openOrders", params, &result)
	if err := b.check(resp, err, "fetch open orders"); err != nil {
		return nil, err
	}

	orders := make([]types.Order, 0, len(result))
	for _, o := range result {
		canonical := symbol
		if canonical == "" {
			canonical = b.markets.canonical(o.Symbol)
		}
		orders = append(orders, o.normalize(canonical, nil))
	}
	return orders, nil
}

// signedRequest signs the query string with HMAC-SHA256 and appends the
// signature last, as Binance requires.
func (b *Binance) signedRequest(ctx context.Context, method, path string, params url.Values, out any) (*resty.Response, error) {
	if b.apiKey == "" || b.secret == "" {
		return nil, fmt.Errorf("%w: missing BINANCE credentials", ErrAuth)
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")

	qs := params.Encode()
	mac := hmac.New(sha256.New, []byte(b.secret))
	mac.Write([]byte(qs))
	qs += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req := b.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", b.apiKey).
		SetQueryString(qs)
	if out != nil {
		req.SetResult(out)
	}
	return req.Execute(method, path)
}

// check translates transport failures and Binance error bodies into
// the common taxonomy.
func (b *Binance) check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("binance %s: %w: %v", op, ErrUnavailable, err)
	}
	if resp.IsSuccess() {
		return nil
	}
	if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() == 418 {
		return fmt.Errorf("binance %s: %w", op, ErrRateLimited)
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("binance %s: status %d: %w", op, resp.StatusCode(), ErrUnavailable)
	}

	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if uerr := json.Unmarshal(resp.Body(), &apiErr); uerr != nil {
		return fmt.Errorf("binance %s: status %d: %s", op, resp.StatusCode(), resp.String())
	}
	return fmt.Errorf("binance %s: code %d: %s: %w", op, apiErr.Code, apiErr.Msg, mapBinanceError(apiErr.Code, apiErr.Msg))
}

func mapBinanceError(code int, msg string) error {
	switch code {
	case -2011, -2013: // unknown order / order does not exist
		return ErrOrderNotFound
	case -2014, -2015, -1022: // bad API key / signature
		return ErrAuth
	case -1013, -1111: // filter failure / bad precision
		return ErrInvalidOrder
	case -2010:
		if strings.Contains(strings.ToLower(msg), "insufficient") {
			return ErrInsufficientFunds
		}
		return ErrInvalidOrder
	case -1003:
		return ErrRateLimited
	}
	return ErrUnavailable
}

// binanceOrder is the wire form shared by the order endpoints.
type binanceOrder struct {
	Symbol      string `json:"symbol"`
	OrderID     int64  `json:"orderId"`
	Price       string `json:"price"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
	Status      string `json:"status"`
	Type        string `json:"type"`
	Side        string `json:"side"`
}

func (o binanceOrder) normalize(symbol string, rawBody []byte) types.Order {
	amount := parseFloat(o.OrigQty)
	filled := parseFloat(o.ExecutedQty)
	order := types.Order{
		ID:        strconv.FormatInt(o.OrderID, 10),
		Symbol:    symbol,
		Side:      types.Side(strings.ToLower(o.Side)),
		Type:      types.OrderType(strings.ToLower(o.Type)),
		Price:     parseFloat(o.Price),
		Amount:    amount,
		Filled:    filled,
		Remaining: amount - filled,
		Status:    normalizeBinanceStatus(o.Status),
	}
	if len(rawBody) > 0 {
		var raw map[string]any
		if err := json.Unmarshal(rawBody, &raw); err == nil {
			order.Raw = raw
		}
	}
	return order
}

func normalizeBinanceStatus(status string) types.OrderStatus {
	switch status {
	case "NEW", "PARTIALLY_FILLED":
		return types.OrderOpen
	case "FILLED":
		return types.OrderClosed
	default: // CANCELED, EXPIRED, REJECTED
		return types.OrderCancelled
	}
}
