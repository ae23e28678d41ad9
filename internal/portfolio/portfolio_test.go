package portfolio

import (
	"context"
	"io"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"testing"
	"time"

	"tradingview-executor/internal/engine"
	"tradingview-executor/internal/exchange"
	"tradingview-executor/internal/notify"
	"tradingview-executor/pkg/types"
)

// fakeAccount is an in-memory adapter with fixed markets, balances and
// prices.
type fakeAccount struct {
	mu       sync.Mutex
	markets  map[string]types.Market
	balances types.Balances
	prices   map[string]float64
	book     types.OrderBookSnapshot

	orders []*types.Order
	nextID int
}

func newFakeAccount() *fakeAccount {
	mk := func(base string) types.Market {
		return types.Market{
			Symbol:          base + "/USDT",
			NativeSymbol:    base + "USDT",
			Base:            base,
			Quote:           "USDT",
			PricePrecision:  2,
			AmountPrecision: 8,
		}
	}
	return &fakeAccount{
		markets: map[string]types.Market{
			"BTC/USDT":  mk("BTC"),
			"ETH/USDT":  mk("ETH"),
			"DOGE/USDT": mk("DOGE"),
			"SHIB/USDT": mk("SHIB"),
		},
		balances: types.Balances{},
		prices:   map[string]float64{},
		book: types.OrderBookSnapshot{
			Bids: []types.BookLevel{{Price: 100.00, Qty: 50}},
			Asks: []types.BookLevel{{Price: 100.02, Qty: 50}},
		},
	}
}

func (f *fakeAccount) Name() string { return "FAKE" }
func (f *fakeAccount) Has() exchange.Capabilities {
	return exchange.Capabilities{FetchOrder: true, FetchOpenOrders: true, FetchTickers: true}
}

func (f *fakeAccount) LoadMarkets(ctx context.Context) (map[string]types.Market, error) {
	return f.markets, nil
}

func (f *fakeAccount) FetchBalance(ctx context.Context) (types.Balances, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(types.Balances, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, nil
}

func (f *fakeAccount) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices[symbol], nil
}

func (f *fakeAccount) FetchTickers(ctx context.Context, symbols []string) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		out[s] = f.prices[s]
	}
	return out, nil
}

func (f *fakeAccount) FetchOrderBook(ctx context.Context, symbol string, limit int) (types.OrderBookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.book
	snap.Symbol = symbol
	return snap, nil
}

func (f *fakeAccount) CreateOrder(ctx context.Context, symbol string, side types.Side, typ types.OrderType, amount, price float64) (types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	o := &types.Order{
		ID:        strconv.Itoa(f.nextID),
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Price:     price,
		Amount:    amount,
		Remaining: amount,
		Status:    types.OrderOpen,
	}
	f.orders = append(f.orders, o)
	return *o, nil
}

func (f *fakeAccount) CancelOrder(ctx context.Context, id, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ID == id && o.Status == types.OrderOpen {
			o.Status = types.OrderCancelled
			return nil
		}
	}
	return exchange.ErrOrderNotFound
}

func (f *fakeAccount) FetchOrder(ctx context.Context, id, symbol string) (types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ID == id {
			return *o, nil
		}
	}
	return types.Order{}, exchange.ErrOrderNotFound
}

func (f *fakeAccount) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open []types.Order
	for _, o := range f.orders {
		if o.Status == types.OrderOpen && (symbol == "" || o.Symbol == symbol) {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (f *fakeAccount) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.orders {
		if o.Status == types.OrderOpen {
			n++
		}
	}
	return n
}

func newTestPortfolio(ctx context.Context, f *fakeAccount, universe []string) *Portfolio {
	return New(ctx, f, Config{
		BaseAsset: "USDT",
		Universe:  universe,
		Fee:       0,
		Weights:   []float64{4, 2, 1, 1, 0, 0},
		Timing: engine.Timing{
			SettleInterval: time.Millisecond,
			PollInterval:   time.Millisecond,
			RetryBackoff:   time.Millisecond,
			ErrorBudget:    8,
		},
	}, notify.Nop{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAvailableBaseForSingleAsset(t *testing.T) {
	t.Parallel()
	f := newFakeAccount()
	f.balances["USDT"] = types.Balance{Free: 1000, Total: 1000}
	p := newTestPortfolio(context.Background(), f, []string{"BTC"})

	got, err := p.AvailableBaseFor(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("AvailableBaseFor: %v", err)
	}
	if got != 1000 {
		t.Errorf("AvailableBaseFor = %v, want 1000 (whole balance for a single asset)", got)
	}
}

func TestAvailableBaseForAllocation(t *testing.T) {
	t.Parallel()
	f := newFakeAccount()
	f.balances["USDT"] = types.Balance{Free: 1000, Total: 1000}
	f.balances["BTC"] = types.Balance{Free: 0.01, Total: 0.01}
	f.prices["BTC/USDT"] = 100000 // BTC holding worth 1000, half the account
	f.prices["ETH/USDT"] = 2000
	p := newTestPortfolio(context.Background(), f, []string{"BTC", "ETH"})

	// BTC already holds its 50% allocation.
	btc, err := p.AvailableBaseFor(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("AvailableBaseFor(BTC): %v", err)
	}
	if btc != 0 {
		t.Errorf("AvailableBaseFor(BTC) = %v, want 0", btc)
	}

	// ETH holds nothing: the whole free balance is its to spend.
	eth, err := p.AvailableBaseFor(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("AvailableBaseFor(ETH): %v", err)
	}
	if eth != 1000 {
		t.Errorf("AvailableBaseFor(ETH) = %v, want 1000", eth)
	}
}

func TestAvailableBaseForPartialHolding(t *testing.T) {
	t.Parallel()
	f := newFakeAccount()
	f.balances["USDT"] = types.Balance{Free: 1000, Total: 1000}
	f.balances["BTC"] = types.Balance{Free: 0.005, Total: 0.005}
	f.prices["BTC/USDT"] = 100000 // worth 500: a third of the account
	f.prices["ETH/USDT"] = 2000
	p := newTestPortfolio(context.Background(), f, []string{"BTC", "ETH"})

	got, err := p.AvailableBaseFor(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("AvailableBaseFor: %v", err)
	}
	// (alloc - holding)/(1 - totalHolding) = (1/2 - 1/3)/(2/3) = 1/4.
	want := 250.0
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("AvailableBaseFor = %v, want %v", got, want)
	}
}

func TestAvailableBaseForIgnoresLockedBalance(t *testing.T) {
	t.Parallel()
	f := newFakeAccount()
	f.balances["USDT"] = types.Balance{Free: 1000, Total: 1000}
	// The whole BTC position is locked in an order placed elsewhere;
	// only the free balance counts as a holding.
	f.balances["BTC"] = types.Balance{Free: 0, Used: 0.01, Total: 0.01}
	f.prices["BTC/USDT"] = 100000
	f.prices["ETH/USDT"] = 2000
	p := newTestPortfolio(context.Background(), f, []string{"BTC", "ETH"})

	got, err := p.AvailableBaseFor(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("AvailableBaseFor: %v", err)
	}
	// No free holding: BTC gets its full 50% share of the base balance.
	want := 500.0
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("AvailableBaseFor = %v, want %v", got, want)
	}
}

func TestBalanceReportFilters(t *testing.T) {
	t.Parallel()
	f := newFakeAccount()
	f.balances["USDT"] = types.Balance{Free: 1000, Total: 1000}
	// BUSD is a stable asset, DOGE is below the dust amount, SHIB is
	// worth less than one quote unit: all three stay out of the report.
	f.balances["BUSD"] = types.Balance{Free: 50, Total: 50}
	f.balances["BTC"] = types.Balance{Free: 0.01, Total: 0.01}
	f.balances["DOGE"] = types.Balance{Free: 0.00004, Total: 0.00004}
	f.balances["SHIB"] = types.Balance{Free: 10, Total: 10}
	f.prices["BTC/USDT"] = 50000
	f.prices["DOGE/USDT"] = 0.1
	f.prices["SHIB/USDT"] = 0.04
	p := newTestPortfolio(context.Background(), f, []string{"BTC", "ETH"})

	report, err := p.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}

	if report.BaseAsset != "USDT" || report.BaseBalance != 1000 {
		t.Errorf("base = %s %v, want USDT 1000", report.BaseAsset, report.BaseBalance)
	}
	if len(report.Assets) != 1 {
		t.Fatalf("assets = %v, want only BTC", report.Assets)
	}
	btc, ok := report.Assets["BTC"]
	if !ok {
		t.Fatal("BTC missing from report")
	}
	if btc.Value != 500 {
		t.Errorf("BTC value = %v, want 500", btc.Value)
	}
	if btc.Weight != 0.33 {
		t.Errorf("BTC weight = %v, want 0.33", btc.Weight)
	}
	if report.Total != 1500 {
		t.Errorf("total = %v, want 1500", report.Total)
	}
}

func TestBalanceReportUsesFreeBalance(t *testing.T) {
	t.Parallel()
	f := newFakeAccount()
	f.balances["USDT"] = types.Balance{Free: 1000, Total: 1000}
	f.balances["BTC"] = types.Balance{Free: 0.01, Used: 0.02, Total: 0.03}
	f.prices["BTC/USDT"] = 50000
	p := newTestPortfolio(context.Background(), f, []string{"BTC", "ETH"})

	report, err := p.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	btc, ok := report.Assets["BTC"]
	if !ok {
		t.Fatal("BTC missing from report")
	}
	if btc.Amount != 0.01 {
		t.Errorf("BTC amount = %v, want 0.01 (free only)", btc.Amount)
	}
	if btc.Value != 500 {
		t.Errorf("BTC value = %v, want 500 (locked balance excluded)", btc.Value)
	}
	if report.Total != 1500 {
		t.Errorf("total = %v, want 1500", report.Total)
	}
}

func TestSendOrderSupersedesWorker(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFakeAccount()
	f.balances["USDT"] = types.Balance{Free: 1000, Total: 1000}
	p := newTestPortfolio(ctx, f, []string{"BTC"})

	if err := p.SendOrder(ctx, "BTCUSDT", types.Buy); err != nil {
		t.Fatalf("first SendOrder: %v", err)
	}
	waitFor(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.orders) >= 1
	})

	if err := p.SendOrder(ctx, "BTCUSDT", types.Buy); err != nil {
		t.Fatalf("second SendOrder: %v", err)
	}
	waitFor(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.orders) >= 2
	})

	// The first worker's order was swept; exactly one order rests.
	waitFor(t, func() bool { return f.openCount() == 1 })

	f.mu.Lock()
	firstStatus := f.orders[0].Status
	f.mu.Unlock()
	if firstStatus != types.OrderCancelled {
		t.Errorf("first order status = %v, want cancelled", firstStatus)
	}
}

func TestSendOrderConcurrentSignalsSingleWorker(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFakeAccount()
	f.balances["USDT"] = types.Balance{Free: 1000, Total: 1000}
	p := newTestPortfolio(ctx, f, []string{"BTC"})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = p.SendOrder(ctx, "BTCUSDT", types.Buy)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("SendOrder %d: %v", i, err)
		}
	}

	// Exactly one worker survives with one resting order.
	waitFor(t, func() bool { return f.openCount() == 1 })
	p.mu.Lock()
	n := len(p.slots)
	p.mu.Unlock()
	if n != 1 {
		t.Errorf("live slots = %d, want 1", n)
	}
}

func TestSendOrderUnknownSymbol(t *testing.T) {
	t.Parallel()
	f := newFakeAccount()
	p := newTestPortfolio(context.Background(), f, []string{"BTC"})

	if err := p.SendOrder(context.Background(), "XRPUSDT", types.Buy); err == nil {
		t.Error("expected error for unknown symbol")
	}
}

func TestResolveMarketForms(t *testing.T) {
	t.Parallel()
	f := newFakeAccount()
	p := newTestPortfolio(context.Background(), f, []string{"BTC"})

	for _, symbol := range []string{"BTC/USDT", "BTCUSDT", "BTC", "BINANCE:BTCUSDT", "btcusdt"} {
		m, err := p.resolveMarket(context.Background(), symbol)
		if err != nil {
			t.Errorf("resolveMarket(%q): %v", symbol, err)
			continue
		}
		if m.Symbol != "BTC/USDT" {
			t.Errorf("resolveMarket(%q) = %s, want BTC/USDT", symbol, m.Symbol)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
