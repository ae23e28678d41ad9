// kucoin.go implements the Adapter interface for KuCoin spot.
//
// KuCoin wraps every response in a {code, data} envelope and signs
// private calls with base64 HMAC-SHA256 over timestamp+method+path+body
// (key version 2, with the passphrase itself HMAC-signed). Symbols are
// dash-separated on the wire ("BTC-USDT").
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"tradingview-executor/pkg/types"
)

const kucoinBaseURL = "https://api.kucoin.com"

// KuCoin is the KuCoin spot REST adapter.
type KuCoin struct {
	http       *resty.Client
	apiKey     string
	secret     string
	passphrase string
	rl         *RateLimiter
	logger     *slog.Logger

	markets marketTable
}

func NewKuCoin(apiKey, secret, passphrase string, logger *slog.Logger) *KuCoin {
	return &KuCoin{
		http:       newRestClient(kucoinBaseURL),
		apiKey:     apiKey,
		secret:     secret,
		passphrase: passphrase,
		rl:         NewRateLimiter(),
		logger:     logger.With("component", "kucoin"),
	}
}

func (k *KuCoin) Name() string { return "KUCOIN" }

func (k *KuCoin) Has() Capabilities {
	return Capabilities{FetchOrder: true, FetchOpenOrders: true, FetchTickers: true}
}

func (k *KuCoin) LoadMarkets(ctx context.Context) (map[string]types.Market, error) {
	if err := k.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var data []struct {
		Symbol         string `json:"symbol"`
		BaseCurrency   string `json:"baseCurrency"`
		QuoteCurrency  string `json:"quoteCurrency"`
		BaseMinSize    string `json:"baseMinSize"`
		BaseIncrement  string `json:"baseIncrement"`
		PriceIncrement string `json:"priceIncrement"`
		MinFunds       string `json:"minFunds"`
		EnableTrading  bool   `json:"enableTrading"`
	}
	if err := k.public(ctx, "/api/v2/symbols", nil, &data); err != nil {
		return nil, fmt.Errorf("kucoin load markets: %w", err)
	}

	markets := make(map[string]types.Market, len(data))
	for _, s := range data {
		if !s.EnableTrading {
			continue
		}
		m := types.Market{
			Symbol:          s.BaseCurrency + "/" + s.QuoteCurrency,
			NativeSymbol:    s.Symbol,
			Base:            s.BaseCurrency,
			Quote:           s.QuoteCurrency,
			PricePrecision:  stepToPrecision(parseFloat(s.PriceIncrement)),
			AmountPrecision: stepToPrecision(parseFloat(s.BaseIncrement)),
			MinAmount:       parseFloat(s.BaseMinSize),
			MinCost:         parseFloat(s.MinFunds),
		}
		markets[m.Symbol] = m
	}
	k.markets.set(markets)
	return markets, nil
}

func (k *KuCoin) FetchBalance(ctx context.Context) (types.Balances, error) {
	if err := k.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	var data []struct {
		Currency  string `json:"currency"`
		Balance   string `json:"balance"`
		Available string `json:"available"`
		Holds     string `json:"holds"`
	}
	if err := k.private(ctx, http.MethodGet, "/api/v1/accounts?type=trade", nil, &data); err != nil {
		return nil, fmt.Errorf("kucoin fetch balance: %w", err)
	}

	balances := make(types.Balances, len(data))
	for _, entry := range data {
		// Multiple trade accounts per currency are summed.
		b := balances[entry.Currency]
		b.Free += parseFloat(entry.Available)
		b.Used += parseFloat(entry.Holds)
		b.Total += parseFloat(entry.Balance)
		balances[entry.Currency] = b
	}
	return balances, nil
}

func (k *KuCoin) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	m, err := k.markets.get(symbol)
	if err != nil {
		return 0, err
	}
	if err := k.rl.Book.Wait(ctx); err != nil {
		return 0, err
	}

	var data struct {
		Price string `json:"price"`
	}
	query := map[string]string{"symbol": m.NativeSymbol}
	if err := k.public(ctx, "/api/v1/market/orderbook/level1", query, &data); err != nil {
		return 0, fmt.Errorf("kucoin fetch ticker: %w", err)
	}
	return parseFloat(data.Price), nil
}

// FetchTickers uses the all-tickers endpoint and filters; KuCoin has no
// multi-symbol query form.
func (k *KuCoin) FetchTickers(ctx context.Context, symbols []string) (map[string]float64, error) {
	if err := k.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var data struct {
		Ticker []struct {
			Symbol string `json:"symbol"`
			Last   string `json:"last"`
		} `json:"ticker"`
	}
	if err := k.public(ctx, "/api/v1/market/allTickers", nil, &data); err != nil {
		return nil, fmt.Errorf("kucoin fetch tickers: %w", err)
	}

	wanted := make(map[string]string, len(symbols)) // native -> canonical
	for _, symbol := range symbols {
		m, err := k.markets.get(symbol)
		if err != nil {
			return nil, err
		}
		wanted[m.NativeSymbol] = symbol
	}

	prices := make(map[string]float64, len(symbols))
	for _, t := range data.Ticker {
		if canonical, ok := wanted[t.Symbol]; ok {
			prices[canonical] = parseFloat(t.Last)
		}
	}
	return prices, nil
}

func (k *KuCoin) FetchOrderBook(ctx context.Context, symbol string, limit int) (types.OrderBookSnapshot, error) {
	m, err := k.markets.get(symbol)
	if err != nil {
		return types.OrderBookSnapshot{}, err
	}
	if err := k.rl.Book.Wait(ctx); err != nil {
		return types.OrderBookSnapshot{}, err
	}

	var data struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	query := map[string]string{"symbol": m.NativeSymbol}
	if err := k.public(ctx, "/api/v1/market/orderbook/level2_100", query, &data); err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("kucoin fetch order book: %w", err)
	}

	snap := types.OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      parseLevels(data.Bids),
		Asks:      parseLevels(data.Asks),
		Timestamp: time.Now(),
	}
	if limit > 0 {
		if len(snap.Bids) > limit {
			snap.Bids = snap.Bids[:limit]
		}
		if len(snap.Asks) > limit {
			snap.Asks = snap.Asks[:limit]
		}
	}
	return snap, nil
}

func (k *KuCoin) CreateOrder(ctx context.Context, symbol string, side types.Side, typ types.OrderType, amount, price float64) (types.Order, error) {
	m, err := k.markets.get(symbol)
	if err != nil {
		return types.Order{}, err
	}
	if err := k.rl.Order.Wait(ctx); err != nil {
		return types.Order{}, err
	}

	body := map[string]string{
		"clientOid": uuid.NewString(),
		"symbol":    m.NativeSymbol,
		"side":      string(side),
		"type":      string(typ),
		"size":      FormatAmount(m, amount),
	}
	if typ == types.OrderTypeLimit {
		body["price"] = FormatPrice(m, price, side)
	}

	var data struct {
		OrderID string `json:"orderId"`
	}
	if err := k.private(ctx, http.MethodPost, "/api/v1/orders", body, &data); err != nil {
		return types.Order{}, fmt.Errorf("kucoin create order: %w", err)
	}

	amt := parseFloat(body["size"])
	return types.Order{
		ID:        data.OrderID,
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Price:     parseFloat(body["price"]),
		Amount:    amt,
		Remaining: amt,
		Status:    types.OrderOpen,
	}, nil
}

func (k *KuCoin) CancelOrder(ctx context.Context, id, symbol string) error {
	if err := k.rl.Order.Wait(ctx); err != nil {
		return err
	}
	var data struct {
		CancelledOrderIDs []string `json:"cancelledOrderIds"`
	}
	if err := k.private(ctx, http.MethodDelete, "/api/v1/orders/"+id, nil, &data); err != nil {
		return fmt.Errorf("kucoin cancel order: %w", err)
	}
	return nil
}

func (k *KuCoin) FetchOrder(ctx context.Context, id, symbol string) (types.Order, error) {
	if err := k.rl.Account.Wait(ctx); err != nil {
		return types.Order{}, err
	}
	var data kucoinOrder
	if err := k.private(ctx, http.MethodGet, "/api/v1/orders/"+id, nil, &data); err != nil {
		return types.Order{}, fmt.Errorf("kucoin fetch order: %w", err)
	}
	return data.normalize(k.markets.canonical(data.Symbol)), nil
}

func (k *KuCoin) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	if err := k.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/api/v1/orders?status=active"
	if symbol != "" {
		m, err := k.markets.get(symbol)
		if err != nil {
			return nil, err
		}
		path += "&symbol=" + m.NativeSymbol
	}

	var data struct {
		Items []kucoinOrder `json:"items"`
	}
	if err := k.private(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, fmt.Errorf("kucoin fetch open orders: %w", err)
	}

	orders := make([]types.Order, 0, len(data.Items))
	for _, o := range data.Items {
		orders = append(orders, o.normalize(k.markets.canonical(o.Symbol)))
	}
	return orders, nil
}

// public performs an unauthenticated GET and unwraps the envelope.
func (k *KuCoin) public(ctx context.Context, path string, query map[string]string, out any) error {
	var envelope kucoinEnvelope
	req := k.http.R().SetContext(ctx).SetResult(&envelope)
	if query != nil {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(path)
	return k.unwrap(resp, err, &envelope, out)
}

// private signs and performs an authenticated request. path includes
// the query string, which is part of the signed payload. body is
// JSON-encoded for POST.
func (k *KuCoin) private(ctx context.Context, method, path string, body any, out any) error {
	if k.apiKey == "" || k.secret == "" || k.passphrase == "" {
		return fmt.Errorf("%w: missing KUCOIN credentials", ErrAuth)
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
	payload := ts + method + path + string(bodyJSON)

	var envelope kucoinEnvelope
	req := k.http.R().
		SetContext(ctx).
		SetResult(&envelope).
		SetHeader("KC-API-KEY", k.apiKey).
		SetHeader("KC-API-SIGN", kucoinSign(k.secret, payload)).
		SetHeader("KC-API-TIMESTAMP", ts).
		SetHeader("KC-API-PASSPHRASE", kucoinSign(k.secret, k.passphrase)).
		SetHeader("KC-API-KEY-VERSION", "2")
	if bodyJSON != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(bodyJSON)
	}
	resp, err := req.Execute(method, path)
	return k.unwrap(resp, err, &envelope, out)
}

// kucoinSign is the base64 HMAC-SHA256 used for both the request
// signature and the v2 passphrase.
func kucoinSign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (k *KuCoin) unwrap(resp *resty.Response, err error, envelope *kucoinEnvelope, out any) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode() >= 500 {
		return fmt.Errorf("status %d: %w", resp.StatusCode(), ErrUnavailable)
	}
	if !resp.IsSuccess() || envelope.Code != "200000" {
		// Non-2xx bodies bypass SetResult.
		if envelope.Code == "" {
			json.Unmarshal(resp.Body(), envelope)
		}
		return fmt.Errorf("code %s: %s: %w", envelope.Code, envelope.Msg, mapKucoinError(envelope.Code, envelope.Msg))
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

func mapKucoinError(code, msg string) error {
	switch code {
	case "400001", "400002", "400003", "400004", "400005", "400006", "411100":
		return ErrAuth
	case "200004":
		return ErrInsufficientFunds
	case "429000":
		return ErrRateLimited
	case "400100":
		if strings.Contains(strings.ToLower(msg), "order") && strings.Contains(strings.ToLower(msg), "exist") {
			return ErrOrderNotFound
		}
		return ErrInvalidOrder
	case "404000":
		return ErrOrderNotFound
	}
	return ErrUnavailable
}

type kucoinEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type kucoinOrder struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	DealSize    string `json:"dealSize"`
	IsActive    bool   `json:"isActive"`
	CancelExist bool   `json:"cancelExist"`
}

func (o kucoinOrder) normalize(symbol string) types.Order {
	amount := parseFloat(o.Size)
	filled := parseFloat(o.DealSize)
	status := types.OrderOpen
	if !o.IsActive {
		if o.CancelExist {
			status = types.OrderCancelled
		} else {
			status = types.OrderClosed
		}
	}
	return types.Order{
		ID:        o.ID,
		Symbol:    symbol,
		Side:      types.Side(o.Side),
		Type:      types.OrderType(o.Type),
		Price:     parseFloat(o.Price),
		Amount:    amount,
		Filled:    filled,
		Remaining: amount - filled,
		Status:    status,
	}
}
