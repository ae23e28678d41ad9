package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"tradingview-executor/internal/exchange"
	"tradingview-executor/pkg/types"
)

var testMarket = types.Market{
	Symbol:          "BTC/USDT",
	NativeSymbol:    "BTCUSDT",
	Base:            "BTC",
	Quote:           "USDT",
	PricePrecision:  2,
	AmountPrecision: 8,
}

func testTiming() Timing {
	return Timing{
		SettleInterval: time.Millisecond,
		PollInterval:   time.Millisecond,
		RetryBackoff:   time.Millisecond,
		ErrorBudget:    8,
	}
}

// fakeExchange is a scriptable in-memory adapter. Hooks run under the
// lock, after the default behavior.
type fakeExchange struct {
	mu       sync.Mutex
	book     types.OrderBookSnapshot
	balances types.Balances
	orders   map[string]*types.Order
	nextID   int

	created   []types.Order
	cancelled []string

	fetchCount    int
	fetchOrderErr error
	afterCreate   func(n int)
	afterFetch    func(n int, o *types.Order)
}

func newFakeExchange(book types.OrderBookSnapshot) *fakeExchange {
	return &fakeExchange{
		book:     book,
		balances: types.Balances{},
		orders:   make(map[string]*types.Order),
	}
}

func (f *fakeExchange) Name() string { return "FAKE" }
func (f *fakeExchange) Has() exchange.Capabilities {
	return exchange.Capabilities{FetchOrder: true, FetchOpenOrders: true, FetchTickers: true}
}

func (f *fakeExchange) LoadMarkets(ctx context.Context) (map[string]types.Market, error) {
	return map[string]types.Market{testMarket.Symbol: testMarket}, nil
}

func (f *fakeExchange) FetchBalance(ctx context.Context) (types.Balances, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(types.Balances, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, nil
}

func (f *fakeExchange) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.book.Bids[0].Price, nil
}

func (f *fakeExchange) FetchTickers(ctx context.Context, symbols []string) (map[string]float64, error) {
	price, _ := f.FetchTicker(ctx, "")
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		out[s] = price
	}
	return out, nil
}

func (f *fakeExchange) FetchOrderBook(ctx context.Context, symbol string, limit int) (types.OrderBookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.book
	snap.Bids = append([]types.BookLevel(nil), f.book.Bids...)
	snap.Asks = append([]types.BookLevel(nil), f.book.Asks...)
	return snap, nil
}

func (f *fakeExchange) CreateOrder(ctx context.Context, symbol string, side types.Side, typ types.OrderType, amount, price float64) (types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	o := types.Order{
		ID:        strconv.Itoa(f.nextID),
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Price:     price,
		Amount:    amount,
		Remaining: amount,
		Status:    types.OrderOpen,
	}
	f.orders[o.ID] = &o
	f.created = append(f.created, o)
	if f.afterCreate != nil {
		f.afterCreate(len(f.created))
	}
	return o, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, id, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok || o.Status != types.OrderOpen {
		return exchange.ErrOrderNotFound
	}
	o.Status = types.OrderCancelled
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeExchange) FetchOrder(ctx context.Context, id, symbol string) (types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchOrderErr != nil {
		return types.Order{}, f.fetchOrderErr
	}
	o, ok := f.orders[id]
	if !ok {
		return types.Order{}, exchange.ErrOrderNotFound
	}
	f.fetchCount++
	if f.afterFetch != nil {
		f.afterFetch(f.fetchCount, o)
	}
	return *o, nil
}

func (f *fakeExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open []types.Order
	for _, o := range f.orders {
		if o.Status == types.OrderOpen {
			open = append(open, *o)
		}
	}
	return open, nil
}

// fixedFunds is a FundsSource with a constant budget.
type fixedFunds float64

func (f fixedFunds) AvailableBaseFor(ctx context.Context, asset string) (float64, error) {
	return float64(f), nil
}

// recordingNotifier captures messages and their throttle keys for
// assertions.
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
	keys []string
}

func (n *recordingNotifier) Notify(ctx context.Context, key, msg string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.keys = append(n.keys, key)
	n.mu.Unlock()
}

func (n *recordingNotifier) NotifyToken(ctx context.Context, token, msg string) {
	n.Notify(ctx, "", msg)
}

func (n *recordingNotifier) contains(substr string) bool {
	_, ok := n.keyFor(substr)
	return ok
}

// keyFor returns the throttle key of the first message containing
// substr.
func (n *recordingNotifier) keyFor(substr string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, m := range n.msgs {
		if strings.Contains(m, substr) {
			return n.keys[i], true
		}
	}
	return "", false
}

func newWorker(f *fakeExchange, side types.Side, funds FundsSource, n *recordingNotifier) *Worker {
	return &Worker{
		Exchange: f,
		Market:   testMarket,
		Side:     side,
		Strategy: types.BestBidOrAsk,
		Weights:  []float64{4, 2, 1, 1, 0, 0},
		Funds:    funds,
		Notifier: n,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Timing:   testTiming(),
	}
}

func simpleBook() types.OrderBookSnapshot {
	return types.OrderBookSnapshot{
		Symbol: testMarket.Symbol,
		Bids:   []types.BookLevel{{Price: 100.00, Qty: 50}},
		Asks:   []types.BookLevel{{Price: 100.02, Qty: 50}},
	}
}

func TestWorkerFillsWithoutReplacement(t *testing.T) {
	t.Parallel()
	f := newFakeExchange(simpleBook())
	// Fill after two status polls.
	f.afterFetch = func(n int, o *types.Order) {
		if n >= 2 {
			o.Status = types.OrderClosed
			o.Filled = o.Amount
			o.Remaining = 0
		}
	}
	notifier := &recordingNotifier{}
	w := newWorker(f, types.Buy, fixedFunds(1000), notifier)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.created) != 1 {
		t.Fatalf("created %d orders, want 1", len(f.created))
	}
	if f.created[0].Price != 100.00 {
		t.Errorf("order price = %v, want 100.00", f.created[0].Price)
	}
	if len(f.cancelled) != 0 {
		t.Errorf("cancelled %d orders, want 0", len(f.cancelled))
	}
	if !notifier.contains("matched") {
		t.Error("expected a matched notification")
	}
}

func TestWorkerTerminalNotificationsAreUnkeyed(t *testing.T) {
	t.Parallel()
	f := newFakeExchange(simpleBook())
	f.afterFetch = func(n int, o *types.Order) {
		if n >= 1 {
			o.Status = types.OrderClosed
			o.Remaining = 0
		}
	}
	notifier := &recordingNotifier{}
	w := newWorker(f, types.Buy, fixedFunds(1000), notifier)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Placement messages carry the throttle key; the terminal matched
	// message must not, so the keyed throttle can never swallow it.
	placedKey, ok := notifier.keyFor("placed")
	if !ok {
		t.Fatal("expected a placed notification")
	}
	if placedKey == "" {
		t.Error("placed notification must carry a throttle key")
	}
	matchedKey, ok := notifier.keyFor("matched")
	if !ok {
		t.Fatal("expected a matched notification")
	}
	if matchedKey != "" {
		t.Errorf("matched notification key = %q, want unkeyed", matchedKey)
	}
}

func TestWorkerReplacesUpAndPreservesValue(t *testing.T) {
	t.Parallel()
	f := newFakeExchange(simpleBook())
	f.afterCreate = func(n int) {
		if n == 1 {
			// Book moves one tick up after the first order rests.
			f.book.Bids[0].Price = 100.01
		}
	}
	f.afterFetch = func(n int, o *types.Order) {
		// Fill the replacement once it exists.
		if o.ID == "2" {
			o.Status = types.OrderClosed
			o.Filled = o.Amount
			o.Remaining = 0
		}
	}
	notifier := &recordingNotifier{}
	w := newWorker(f, types.Buy, fixedFunds(1000), notifier)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.created) != 2 {
		t.Fatalf("created %d orders, want 2", len(f.created))
	}
	if len(f.cancelled) != 1 || f.cancelled[0] != "1" {
		t.Fatalf("cancelled = %v, want [1]", f.cancelled)
	}

	first, second := f.created[0], f.created[1]
	if second.Price != 100.01 {
		t.Errorf("replacement price = %v, want 100.01", second.Price)
	}
	// 10 base at 100.00 rescales to 10*100.00/100.01 ~= 9.999.
	want := first.Amount * first.Price / 100.01
	if math.Abs(second.Amount-want) > 1e-9 {
		t.Errorf("replacement amount = %v, want %v", second.Amount, want)
	}
	if math.Abs(second.Amount*second.Price-first.Amount*first.Price) > 1e-6 {
		t.Errorf("quote value not preserved: %v -> %v",
			first.Amount*first.Price, second.Amount*second.Price)
	}
}

func TestWorkerReconcilesToMatchedOnOrderNotFound(t *testing.T) {
	t.Parallel()
	f := newFakeExchange(simpleBook())
	f.afterCreate = func(n int) {
		// The order fills instantly and the exchange purges it.
		delete(f.orders, strconv.Itoa(n))
	}
	notifier := &recordingNotifier{}
	// Full budget for the initial order, nothing afterwards: the asset
	// reached its allocation.
	w := newWorker(f, types.Buy, nil, notifier)
	w.Funds = &fundsSequence{values: []float64{1000, 0}}

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.created) != 1 {
		t.Fatalf("created %d orders, want 1", len(f.created))
	}
	if !notifier.contains("matched") {
		t.Error("expected a matched notification after reconcile")
	}
}

// fundsSequence returns each value in order, repeating the last.
type fundsSequence struct {
	mu     sync.Mutex
	calls  int
	values []float64
}

func (f *fundsSequence) AvailableBaseFor(ctx context.Context, asset string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.values) {
		i = len(f.values) - 1
	}
	return f.values[i], nil
}

func TestWorkerStopLeavesRestingOrder(t *testing.T) {
	t.Parallel()
	f := newFakeExchange(simpleBook())
	placed := make(chan struct{})
	f.afterCreate = func(n int) {
		if n == 1 {
			close(placed)
		}
	}
	notifier := &recordingNotifier{}
	w := newWorker(f, types.Buy, fixedFunds(1000), notifier)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	<-placed
	w.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	if len(f.cancelled) != 0 {
		t.Errorf("stop cancelled %d orders, want 0 (order stays on the book)", len(f.cancelled))
	}
	f.mu.Lock()
	status := f.orders["1"].Status
	f.mu.Unlock()
	if status != types.OrderOpen {
		t.Errorf("order status = %v, want open", status)
	}
}

func TestWorkerExhaustsErrorBudget(t *testing.T) {
	t.Parallel()
	f := newFakeExchange(simpleBook())
	notifier := &recordingNotifier{}
	w := newWorker(f, types.Buy, fixedFunds(1000), notifier)

	// Every status poll fails with a transient error after placement.
	f.fetchOrderErr = fmt.Errorf("wrapped: %w", exchange.ErrUnavailable)

	err := w.Run(context.Background())
	if err == nil {
		t.Fatal("expected error after budget exhaustion")
	}
	if !errors.Is(err, exchange.ErrUnavailable) {
		t.Errorf("err = %v, want wrapped ErrUnavailable", err)
	}
	if !notifier.contains("abandoned") {
		t.Error("expected an abandoned notification")
	}
}

func TestWorkerSkipsDustIntent(t *testing.T) {
	t.Parallel()
	f := newFakeExchange(simpleBook())
	notifier := &recordingNotifier{}
	// Budget worth less than one quote unit: nothing to execute.
	w := newWorker(f, types.Buy, fixedFunds(0.5), notifier)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.created) != 0 {
		t.Errorf("created %d orders, want 0", len(f.created))
	}
}
