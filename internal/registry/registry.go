// Package registry builds one adapter and portfolio per configured
// exchange and routes webhook signals to them. Credentials come from
// the environment (<EXCHANGE>_API_KEY and friends), never from the
// config file.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"tradingview-executor/internal/config"
	"tradingview-executor/internal/exchange"
	"tradingview-executor/internal/market"
	"tradingview-executor/internal/notify"
	"tradingview-executor/internal/portfolio"
	"tradingview-executor/pkg/types"
)

// Registry holds the per-exchange portfolios keyed by upper-case
// exchange name.
type Registry struct {
	portfolios map[string]*portfolio.Portfolio
	streams    []depthStream
	logger     *slog.Logger
}

// depthStream pairs an adapter's book mirror with the universe it
// should stream, resolved to symbols once markets are loaded.
type depthStream struct {
	adapter   *exchange.Binance
	mirror    *market.Mirror
	baseAsset string
	universe  []string
}

// New constructs adapters for every exchange in cfg. Exchanges with
// missing credentials are still registered; their API calls fail with
// an auth error, which surfaces as an "Error" entry in the balance
// report.
func New(workerCtx context.Context, cfg *config.Config, notifier notify.Notifier, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		portfolios: make(map[string]*portfolio.Portfolio, len(cfg.Exchanges)),
		logger:     logger.With("component", "registry"),
	}

	for name, exCfg := range cfg.Exchanges {
		adapter, err := r.buildAdapter(name, exCfg, logger)
		if err != nil {
			return nil, err
		}
		r.portfolios[name] = portfolio.New(workerCtx, adapter, portfolio.Config{
			BaseAsset: exCfg.BaseAsset,
			Universe:  exCfg.Universe,
			Fee:       exCfg.Fee,
			Weights:   cfg.OrderbookWeights,
		}, notifier, logger)
	}
	return r, nil
}

// buildAdapter wires the named exchange with credentials from the
// environment. Binance also gets a WebSocket depth mirror, registered
// for StartFeeds.
func (r *Registry) buildAdapter(name string, exCfg config.ExchangeConfig, logger *slog.Logger) (exchange.Adapter, error) {
	apiKey := os.Getenv(name + "_API_KEY")
	secret := os.Getenv(name + "_API_SECRET")

	switch name {
	case "BINANCE":
		mirror := market.NewMirror()
		adapter := exchange.NewBinance(apiKey, secret, mirror, logger)
		r.streams = append(r.streams, depthStream{
			adapter:   adapter,
			mirror:    mirror,
			baseAsset: exCfg.BaseAsset,
			universe:  exCfg.Universe,
		})
		return adapter, nil
	case "KUCOIN":
		passphrase := os.Getenv(name + "_PASSPHRASE")
		return exchange.NewKuCoin(apiKey, secret, passphrase, logger), nil
	case "BITKUB":
		return exchange.NewBitkub(apiKey, secret, logger), nil
	}
	return nil, fmt.Errorf("unsupported exchange %q", name)
}

// StartFeeds launches the depth streams for adapters that have one.
// Feed startup is best effort: an exchange whose markets cannot be
// loaded just stays on REST polling.
func (r *Registry) StartFeeds(ctx context.Context) {
	for _, s := range r.streams {
		markets, err := s.adapter.LoadMarkets(ctx)
		if err != nil {
			r.logger.Warn("depth feed skipped, markets unavailable",
				"exchange", s.adapter.Name(), "error", err)
			continue
		}
		subset := make(map[string]types.Market, len(s.universe))
		for _, asset := range s.universe {
			symbol := asset + "/" + s.baseAsset
			if m, ok := markets[symbol]; ok {
				subset[symbol] = m
			}
		}
		feed := exchange.NewDepthFeed(subset, s.mirror, r.logger)
		go feed.Run(ctx)
	}
}

// SendOrder routes a webhook signal to its exchange's portfolio.
func (r *Registry) SendOrder(ctx context.Context, sig types.OrderSignal) error {
	name := strings.ToUpper(strings.TrimSpace(sig.Exchange))
	p, ok := r.portfolios[name]
	if !ok {
		return fmt.Errorf("exchange %q not configured", sig.Exchange)
	}

	side := types.Side(strings.ToLower(strings.TrimSpace(string(sig.Side))))
	if side != types.Buy && side != types.Sell {
		return fmt.Errorf("invalid side %q", sig.Side)
	}
	return p.SendOrder(ctx, sig.Symbol, side)
}

// GetBalance aggregates every exchange's holdings report. A failing
// exchange contributes an "Error" placeholder instead of failing the
// whole report; totals are summed per funding currency.
func (r *Registry) GetBalance(ctx context.Context) map[string]any {
	exchanges := make(map[string]any, len(r.portfolios))
	totals := make(map[string]float64)

	for name, p := range r.portfolios {
		report, err := p.Balance(ctx)
		if err != nil {
			r.logger.Warn("balance fetch failed", "exchange", name, "error", err)
			exchanges[name] = "Error"
			continue
		}
		exchanges[name] = report
		totals[report.BaseAsset] += report.Total
	}
	return map[string]any{
		"exchanges": exchanges,
		"total":     totals,
	}
}
