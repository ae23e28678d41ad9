// Package portfolio owns the allocation layer for one exchange
// account: an equal-weight target across the configured asset
// universe, the funding math that sizes buy orders, and the worker
// slot table that serializes execution per asset.
package portfolio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"tradingview-executor/internal/engine"
	"tradingview-executor/internal/exchange"
	"tradingview-executor/internal/metrics"
	"tradingview-executor/internal/notify"
	"tradingview-executor/pkg/types"
)

const (
	// stopGrace is how long SendOrder waits for a superseded worker to
	// acknowledge its stop flag before proceeding anyway.
	stopGrace = 10 * time.Second

	// fullAllocation is the holding-weight fraction above which an
	// asset is considered fully bought and gets no more funding.
	fullAllocation = 0.99

	// minCostHeadroom is the margin over the exchange minimum cost a
	// buy budget must clear before a worker is worth launching.
	minCostHeadroom = 1.2

	// dustAmount and dustValue hide residual balances from the
	// portfolio report.
	dustAmount = 5e-5
	dustValue  = 1.0
)

// stableAssets are quote/fiat currencies excluded from the holdings
// report regardless of balance.
var stableAssets = map[string]bool{
	"USDT": true,
	"BUSD": true,
	"USD":  true,
	"THB":  true,
}

// Portfolio manages allocation and execution for a single exchange
// account.
type Portfolio struct {
	adapter   exchange.Adapter
	baseAsset string
	universe  []string
	fee       float64
	weights   []float64
	timing    engine.Timing
	notifier  notify.Notifier
	logger    *slog.Logger

	// workerCtx outlives the webhook request that launches a worker.
	workerCtx context.Context

	mu      sync.Mutex
	markets map[string]types.Market
	slots   map[string]*slot

	// launching serializes SendOrder per asset so two concurrent
	// signals cannot both pass the supersede step and register two
	// workers for the same pair.
	launching map[string]*sync.Mutex
}

// slot tracks the live worker for one asset.
type slot struct {
	worker *engine.Worker
	done   chan struct{}
}

// Config carries the per-exchange allocation settings. Timing tunes
// the execution workers; the zero value means engine defaults.
type Config struct {
	BaseAsset string
	Universe  []string
	Fee       float64
	Weights   []float64
	Timing    engine.Timing
}

func New(workerCtx context.Context, adapter exchange.Adapter, cfg Config, notifier notify.Notifier, logger *slog.Logger) *Portfolio {
	timing := cfg.Timing
	if timing.ErrorBudget == 0 {
		timing = engine.DefaultTiming()
	}
	return &Portfolio{
		adapter:   adapter,
		baseAsset: cfg.BaseAsset,
		universe:  cfg.Universe,
		fee:       cfg.Fee,
		weights:   cfg.Weights,
		timing:    timing,
		notifier:  notifier,
		logger:    logger.With("component", "portfolio", "exchange", adapter.Name()),
		workerCtx: workerCtx,
		slots:     make(map[string]*slot),
		launching: make(map[string]*sync.Mutex),
	}
}

// TargetAllocation is the equal-weight share each universe asset gets.
func (p *Portfolio) TargetAllocation() float64 {
	if len(p.universe) == 0 {
		return 0
	}
	return 1 / float64(len(p.universe))
}

// ensureMarkets loads symbol metadata once and caches it.
func (p *Portfolio) ensureMarkets(ctx context.Context) (map[string]types.Market, error) {
	p.mu.Lock()
	cached := p.markets
	p.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	markets, err := p.adapter.LoadMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	p.mu.Lock()
	p.markets = markets
	p.mu.Unlock()
	return markets, nil
}

// resolveMarket maps a webhook symbol onto a loaded market. It accepts
// the canonical "BTC/USDT" form, a bare asset ("BTC"), a concatenated
// pair ("BTCUSDT"), and a TradingView-prefixed one ("BINANCE:BTCUSDT").
func (p *Portfolio) resolveMarket(ctx context.Context, symbol string) (types.Market, error) {
	markets, err := p.ensureMarkets(ctx)
	if err != nil {
		return types.Market{}, err
	}

	s := strings.ToUpper(strings.TrimSpace(symbol))
	if _, _, found := strings.Cut(s, ":"); found {
		_, s, _ = strings.Cut(s, ":")
	}
	if m, ok := markets[s]; ok {
		return m, nil
	}
	if m, ok := markets[s+"/"+p.baseAsset]; ok {
		return m, nil
	}
	if trimmed, ok := strings.CutSuffix(s, p.baseAsset); ok {
		if m, ok := markets[trimmed+"/"+p.baseAsset]; ok {
			return m, nil
		}
	}
	return types.Market{}, fmt.Errorf("unknown symbol %q on %s", symbol, p.adapter.Name())
}

// holdingWeights returns each universe asset's share of total account
// value, plus their sum. Single-asset universes skip the pricing round
// trip: the whole base balance is available by definition.
func (p *Portfolio) holdingWeights(ctx context.Context) (map[string]float64, float64, error) {
	if len(p.universe) <= 1 {
		return map[string]float64{}, 0, nil
	}
	markets, err := p.ensureMarkets(ctx)
	if err != nil {
		return nil, 0, err
	}
	balances, err := p.adapter.FetchBalance(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch balance: %w", err)
	}

	symbols := make([]string, 0, len(p.universe))
	for _, asset := range p.universe {
		if _, ok := markets[asset+"/"+p.baseAsset]; ok {
			symbols = append(symbols, asset+"/"+p.baseAsset)
		}
	}
	prices, err := p.fetchPrices(ctx, symbols)
	if err != nil {
		return nil, 0, err
	}

	values := make(map[string]float64, len(p.universe))
	total := balances.Free(p.baseAsset)
	for _, asset := range p.universe {
		b, ok := balances[asset]
		if !ok {
			continue
		}
		price := prices[asset+"/"+p.baseAsset]
		// Valuation uses the free balance: an amount locked in an order
		// elsewhere is not a holding this layer can count against the
		// allocation.
		value := b.Free * price
		values[asset] = value
		total += value
	}
	if total <= 0 {
		return map[string]float64{}, 0, nil
	}

	weights := make(map[string]float64, len(values))
	var sum float64
	for asset, value := range values {
		w := value / total
		weights[asset] = w
		sum += w
	}
	return weights, sum, nil
}

// fetchPrices uses the batch ticker endpoint when available.
func (p *Portfolio) fetchPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if p.adapter.Has().FetchTickers {
		prices, err := p.adapter.FetchTickers(ctx, symbols)
		if err != nil {
			return nil, fmt.Errorf("fetch tickers: %w", err)
		}
		return prices, nil
	}
	prices := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		price, err := p.adapter.FetchTicker(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("fetch ticker %s: %w", symbol, err)
		}
		prices[symbol] = price
	}
	return prices, nil
}

// AvailableBaseFor returns how much funding currency may be spent
// buying asset right now: zero when the asset already holds its
// allocation, otherwise the under-allocated fraction of the free base
// balance, scaled by how much of the account is still in base.
func (p *Portfolio) AvailableBaseFor(ctx context.Context, asset string) (float64, error) {
	balances, err := p.adapter.FetchBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch balance: %w", err)
	}
	baseBalance := balances.Free(p.baseAsset)
	if len(p.universe) <= 1 {
		return baseBalance, nil
	}

	weights, totalHolding, err := p.holdingWeights(ctx)
	if err != nil {
		return 0, err
	}
	allocation := p.TargetAllocation()
	holding := weights[asset]
	if holding > fullAllocation*allocation {
		return 0, nil
	}

	fraction := 1.0
	if totalHolding < 1 {
		fraction = (allocation - holding) / (1 - totalHolding)
	}
	if fraction > 1 {
		fraction = 1
	}
	if fraction < 0 {
		fraction = 0
	}
	return fraction * baseBalance, nil
}

// SendOrder handles one webhook intent: stop and supersede any running
// worker for the asset, clear resting orders, then either launch a
// chase worker or fall back to a market order on exchanges that cannot
// track order state.
func (p *Portfolio) SendOrder(ctx context.Context, symbol string, side types.Side) error {
	m, err := p.resolveMarket(ctx, symbol)
	if err != nil {
		return err
	}
	if side == types.Buy && !p.inUniverse(m.Base) {
		return fmt.Errorf("%s is not in the %s universe", m.Base, p.adapter.Name())
	}
	log := p.logger.With("symbol", m.Symbol, "side", side)

	launch := p.launchLock(m.Base)
	launch.Lock()
	defer launch.Unlock()

	p.stopWorker(m.Base, log)

	if err := p.cancelOpenOrders(ctx, m.Symbol, log); err != nil {
		return err
	}

	if !p.adapter.Has().FetchOrder {
		return p.marketOrder(ctx, m, side, log)
	}

	proceed, err := p.worthLaunching(ctx, m, side)
	if err != nil {
		return err
	}
	if !proceed {
		log.Info("order skipped, size below minimums")
		return nil
	}

	w := &engine.Worker{
		Exchange: p.adapter,
		Market:   m,
		Side:     side,
		Strategy: types.WeightedAverage,
		Weights:  p.weights,
		Fee:      p.fee,
		Funds:    p,
		Notifier: p.notifier,
		Logger:   p.logger,
		Timing:   p.timing,
	}
	done := make(chan struct{})

	p.mu.Lock()
	p.slots[m.Base] = &slot{worker: w, done: done}
	p.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			p.mu.Lock()
			if s, ok := p.slots[m.Base]; ok && s.worker == w {
				delete(p.slots, m.Base)
			}
			p.mu.Unlock()
		}()
		if err := w.Run(p.workerCtx); err != nil {
			log.Error("worker failed", "error", err)
		}
	}()

	log.Info("worker launched")
	return nil
}

// stopWorker flags the asset's running worker (if any) and waits up to
// stopGrace for it to exit. The old worker leaves its resting order on
// the book; the caller's cancel sweep clears it.
func (p *Portfolio) stopWorker(asset string, log *slog.Logger) {
	p.mu.Lock()
	s := p.slots[asset]
	p.mu.Unlock()
	if s == nil {
		return
	}

	s.worker.Stop()
	select {
	case <-s.done:
	case <-time.After(stopGrace):
		log.Warn("worker did not stop in time, proceeding")
	}
}

func (p *Portfolio) cancelOpenOrders(ctx context.Context, symbol string, log *slog.Logger) error {
	if !p.adapter.Has().FetchOpenOrders {
		return nil
	}
	open, err := p.adapter.FetchOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	for _, o := range open {
		if err := p.adapter.CancelOrder(ctx, o.ID, symbol); err != nil {
			log.Warn("cancel open order failed", "order_id", o.ID, "error", err)
			continue
		}
		log.Info("cancelled resting order", "order_id", o.ID)
	}
	return nil
}

// launchLock returns the asset's launch mutex, creating it on first
// use.
func (p *Portfolio) launchLock(asset string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.launching[asset]
	if !ok {
		l = &sync.Mutex{}
		p.launching[asset] = l
	}
	return l
}

func (p *Portfolio) inUniverse(asset string) bool {
	for _, a := range p.universe {
		if a == asset {
			return true
		}
	}
	return false
}

// worthLaunching gates intents that cannot clear the exchange
// minimums: the order passes if its size beats min_amount or its value
// beats min_cost with headroom.
func (p *Portfolio) worthLaunching(ctx context.Context, m types.Market, side types.Side) (bool, error) {
	var budget, amount float64
	switch side {
	case types.Buy:
		b, err := p.AvailableBaseFor(ctx, m.Base)
		if err != nil {
			return false, err
		}
		budget = b * (1 - p.fee)
	case types.Sell:
		balances, err := p.adapter.FetchBalance(ctx)
		if err != nil {
			return false, fmt.Errorf("fetch balance: %w", err)
		}
		amount = balances.Free(m.Base)
	}
	if budget <= 0 && amount <= 0 {
		return false, nil
	}
	if m.MinAmount == 0 && m.MinCost == 0 {
		return true, nil
	}

	price, err := p.adapter.FetchTicker(ctx, m.Symbol)
	if err != nil {
		return false, fmt.Errorf("fetch ticker: %w", err)
	}
	if price <= 0 {
		return false, nil
	}
	if side == types.Buy {
		amount = budget / price
	} else {
		budget = amount * price
	}

	if m.MinAmount > 0 && amount > m.MinAmount {
		return true, nil
	}
	if m.MinCost > 0 && budget > minCostHeadroom*m.MinCost {
		return true, nil
	}
	return false, nil
}

// marketOrder is the fallback for exchanges whose API cannot track a
// resting order's lifecycle.
func (p *Portfolio) marketOrder(ctx context.Context, m types.Market, side types.Side, log *slog.Logger) error {
	var amount float64
	switch side {
	case types.Buy:
		budget, err := p.AvailableBaseFor(ctx, m.Base)
		if err != nil {
			return err
		}
		budget *= 1 - p.fee
		price, err := p.adapter.FetchTicker(ctx, m.Symbol)
		if err != nil {
			return fmt.Errorf("fetch ticker: %w", err)
		}
		if price <= 0 {
			return fmt.Errorf("no price for %s", m.Symbol)
		}
		amount = budget / price
	case types.Sell:
		balances, err := p.adapter.FetchBalance(ctx)
		if err != nil {
			return fmt.Errorf("fetch balance: %w", err)
		}
		amount = balances.Free(m.Base)
	}
	if amount <= 0 || (m.MinAmount > 0 && amount < m.MinAmount) {
		log.Info("market order skipped, nothing to execute", "amount", amount)
		return nil
	}

	order, err := p.adapter.CreateOrder(ctx, m.Symbol, side, types.OrderTypeMarket, amount, 0)
	if err != nil {
		return fmt.Errorf("market order: %w", err)
	}
	metrics.OrdersPlaced.WithLabelValues(p.adapter.Name(), string(side)).Inc()
	log.Info("market order placed", "order_id", order.ID, "amount", order.Amount)
	p.notifier.Notify(ctx, "", fmt.Sprintf("%s %s market order sent", m.Base, side))
	return nil
}

// Balance builds the holdings report for this exchange: every
// non-stable asset with a non-dust balance, priced against the funding
// currency.
func (p *Portfolio) Balance(ctx context.Context) (types.PortfolioBalance, error) {
	markets, err := p.ensureMarkets(ctx)
	if err != nil {
		return types.PortfolioBalance{}, err
	}
	balances, err := p.adapter.FetchBalance(ctx)
	if err != nil {
		return types.PortfolioBalance{}, fmt.Errorf("fetch balance: %w", err)
	}

	symbols := make([]string, 0, len(balances))
	for asset, b := range balances {
		if b.Free <= dustAmount || stableAssets[asset] || asset == p.baseAsset {
			continue
		}
		if _, ok := markets[asset+"/"+p.baseAsset]; ok {
			symbols = append(symbols, asset+"/"+p.baseAsset)
		}
	}
	prices, err := p.fetchPrices(ctx, symbols)
	if err != nil {
		return types.PortfolioBalance{}, err
	}

	report := types.PortfolioBalance{
		BaseAsset:   p.baseAsset,
		BaseBalance: round2(balances.Free(p.baseAsset)),
		Assets:      make(map[string]types.AssetHolding),
	}
	total := balances.Free(p.baseAsset)
	for _, symbol := range symbols {
		asset := strings.SplitN(symbol, "/", 2)[0]
		price := prices[symbol]
		value := balances[asset].Free * price
		if value < dustValue {
			continue
		}
		report.Assets[asset] = types.AssetHolding{
			Amount: balances[asset].Free,
			Price:  price,
			Value:  round2(value),
		}
		total += value
	}
	report.Total = round2(total)
	if total > 0 {
		for asset, h := range report.Assets {
			h.Weight = round2(h.Value / total)
			report.Assets[asset] = h
		}
	}
	return report, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
