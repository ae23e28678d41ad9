// Package engine runs adaptive limit-order execution: one worker per
// (exchange, asset) places a limit order at a strategy-derived price,
// then chases the top of book by cancel-and-replace until the order is
// fully matched, the error budget runs out, or a stop is requested.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"tradingview-executor/internal/exchange"
	"tradingview-executor/internal/metrics"
	"tradingview-executor/internal/notify"
	"tradingview-executor/internal/pricing"
	"tradingview-executor/pkg/types"
)

// Timing groups the intervals that drive the chase loop. Tests inject
// near-zero values; production uses DefaultTiming.
type Timing struct {
	// SettleInterval is the pause after placing or replacing an order,
	// giving the exchange time to match before the next look.
	SettleInterval time.Duration

	// PollInterval is the pause when the resting order is already at
	// the target price.
	PollInterval time.Duration

	// RetryBackoff is the pause after a recoverable error.
	RetryBackoff time.Duration

	// ErrorBudget is how many recoverable errors a worker absorbs
	// before giving up.
	ErrorBudget int
}

func DefaultTiming() Timing {
	return Timing{
		SettleInterval: 750 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
		RetryBackoff:   time.Second,
		ErrorBudget:    8,
	}
}

// FundsSource reports how much of the funding currency may be spent
// buying an asset. Implemented by the portfolio allocation layer.
type FundsSource interface {
	AvailableBaseFor(ctx context.Context, asset string) (float64, error)
}

// bookDepth is how many levels each side of the book is fetched with;
// deep enough for the six pricing weights plus levels occupied by our
// own order.
const bookDepth = 10

// Worker executes a single buy or sell intent to completion.
type Worker struct {
	Exchange exchange.Adapter
	Market   types.Market
	Side     types.Side
	Strategy types.LimitOrderStrategy
	Weights  []float64
	Fee      float64
	Funds    FundsSource
	Notifier notify.Notifier
	Logger   *slog.Logger
	Timing   Timing

	stop atomic.Bool
}

// Stop requests a graceful exit. The worker leaves any resting order
// on the book and returns at the next loop iteration.
func (w *Worker) Stop() { w.stop.Store(true) }

// Run places the initial order and chases the book until done. A nil
// return means the intent finished (fully matched, nothing to do, or
// stop requested); an error means the budget was exhausted.
func (w *Worker) Run(ctx context.Context) error {
	log := w.Logger.With(
		"exchange", w.Exchange.Name(),
		"symbol", w.Market.Symbol,
		"side", w.Side,
	)

	order, done, err := w.placeInitial(ctx, log)
	if err != nil {
		w.Notifier.Notify(ctx, "", fmt.Sprintf("%s %s order could not be created: %v", w.Market.Base, w.Side, err))
		return err
	}
	if done {
		return nil
	}

	errorsLeft := w.Timing.ErrorBudget
	fail := func(stage string, err error) error {
		errorsLeft--
		metrics.WorkerErrors.WithLabelValues(w.Exchange.Name()).Inc()
		log.Warn("worker error", "stage", stage, "error", err, "budget_left", errorsLeft)
		if errorsLeft <= 0 {
			metrics.WorkersAbandoned.WithLabelValues(w.Exchange.Name()).Inc()
			w.Notifier.Notify(ctx, "", fmt.Sprintf("%s %s order abandoned: %v", w.Market.Base, w.Side, err))
			return fmt.Errorf("error budget exhausted at %s: %w", stage, err)
		}
		return nil
	}

	if !w.sleep(ctx, w.Timing.SettleInterval) {
		return ctx.Err()
	}

	for {
		if w.stop.Load() {
			log.Info("stop requested, leaving resting order", "order_id", order.ID)
			return nil
		}

		current, err := w.Exchange.FetchOrder(ctx, order.ID, w.Market.Symbol)
		if err != nil {
			if errors.Is(err, exchange.ErrOrderNotFound) {
				order, done, err = w.reconcile(ctx, log)
				if done || err != nil {
					return err
				}
				continue
			}
			if fatal := fail("fetch order", err); fatal != nil {
				return fatal
			}
			if !w.sleep(ctx, w.Timing.RetryBackoff) {
				return ctx.Err()
			}
			continue
		}

		if current.Status == types.OrderClosed || current.Remaining <= 0 {
			return w.matched(ctx, log)
		}
		if current.Status == types.OrderCancelled {
			// Cancelled out of band; rebuild from balances.
			order, done, err = w.reconcile(ctx, log)
			if done || err != nil {
				return err
			}
			continue
		}
		order = current

		book, err := w.Exchange.FetchOrderBook(ctx, w.Market.Symbol, bookDepth)
		if err != nil {
			if fatal := fail("fetch book", err); fatal != nil {
				return fatal
			}
			if !w.sleep(ctx, w.Timing.RetryBackoff) {
				return ctx.Err()
			}
			continue
		}

		target, err := pricing.CalculateTargetPrice(book, order.Remaining, &order, w.Market.TickSize(), w.Weights, w.Strategy, w.Side)
		if err != nil {
			if fatal := fail("target price", err); fatal != nil {
				return fatal
			}
			if !w.sleep(ctx, w.Timing.RetryBackoff) {
				return ctx.Err()
			}
			continue
		}

		// Prices are compared in wire form so float noise below the
		// tick never triggers a churn cycle.
		if exchange.FormatPrice(w.Market, target, w.Side) == exchange.FormatPrice(w.Market, order.Price, w.Side) {
			if !w.sleep(ctx, w.Timing.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		replaced, done, err := w.replace(ctx, log, order, target)
		if err != nil {
			if fatal := fail("replace", err); fatal != nil {
				return fatal
			}
			if !w.sleep(ctx, w.Timing.RetryBackoff) {
				return ctx.Err()
			}
			continue
		}
		if done {
			return nil
		}
		order = replaced
		if !w.sleep(ctx, w.Timing.SettleInterval) {
			return ctx.Err()
		}
	}
}

// placeInitial sizes and places the first order. done is true when
// there is nothing worth executing.
func (w *Worker) placeInitial(ctx context.Context, log *slog.Logger) (types.Order, bool, error) {
	book, err := w.Exchange.FetchOrderBook(ctx, w.Market.Symbol, bookDepth)
	if err != nil {
		return types.Order{}, false, fmt.Errorf("initial book: %w", err)
	}

	var price, amount float64
	switch w.Side {
	case types.Buy:
		budget, err := w.Funds.AvailableBaseFor(ctx, w.Market.Base)
		if err != nil {
			return types.Order{}, false, fmt.Errorf("available funds: %w", err)
		}
		budget *= 1 - w.Fee
		price, amount, err = pricing.CalculateInitialBuyPrice(book, budget, w.Market.TickSize(), w.Weights, w.Strategy)
		if err != nil {
			return types.Order{}, false, err
		}
	case types.Sell:
		balances, err := w.Exchange.FetchBalance(ctx)
		if err != nil {
			return types.Order{}, false, fmt.Errorf("fetch balance: %w", err)
		}
		amount = balances.Free(w.Market.Base)
		price, err = pricing.CalculateInitialSellPrice(book, amount, w.Market.TickSize(), w.Weights, w.Strategy)
		if err != nil {
			return types.Order{}, false, err
		}
	}

	if w.tooSmall(amount, price) {
		log.Info("nothing to execute", "amount", amount, "price", price)
		w.Notifier.Notify(ctx, "", fmt.Sprintf("%s %s order size too low", w.Market.Base, w.Side))
		return types.Order{}, true, nil
	}

	order, err := w.Exchange.CreateOrder(ctx, w.Market.Symbol, w.Side, types.OrderTypeLimit, amount, price)
	if err != nil {
		return types.Order{}, false, fmt.Errorf("initial order: %w", err)
	}
	metrics.OrdersPlaced.WithLabelValues(w.Exchange.Name(), string(w.Side)).Inc()
	log.Info("order placed", "order_id", order.ID, "price", order.Price, "amount", order.Amount)
	w.notifyPlaced(ctx, order)
	return order, false, nil
}

// notifyPlaced announces a new resting order. Placement messages are
// the only throttled ones: the key collapses a replacement burst to
// one message per window, while terminal notifications go out unkeyed
// and always deliver.
func (w *Worker) notifyPlaced(ctx context.Context, order types.Order) {
	w.Notifier.Notify(ctx, w.key(),
		fmt.Sprintf("%s %s limit order placed: %v @ %v", w.Market.Base, w.Side, order.Amount, order.Price))
}

// replace cancels the resting order and re-places at target. For buys
// the quantity is rescaled so the quote value is preserved. A
// not-found during cancel or an insufficient-balance on re-place means
// fills landed mid-flight, so it falls through to reconcile.
func (w *Worker) replace(ctx context.Context, log *slog.Logger, order types.Order, target float64) (types.Order, bool, error) {
	if err := w.Exchange.CancelOrder(ctx, order.ID, w.Market.Symbol); err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			next, done, rerr := w.reconcile(ctx, log)
			return next, done, rerr
		}
		// Cancel by id failed without clear semantics: sweep the symbol
		// so no forgotten order survives the replacement.
		if serr := w.sweepOpenOrders(ctx, log); serr != nil {
			return types.Order{}, false, fmt.Errorf("cancel: %w", err)
		}
	}

	amount := order.Remaining
	if w.Side == types.Buy && target > 0 {
		amount = order.Remaining * order.Price / target
	}
	if w.tooSmall(amount, target) {
		return types.Order{}, true, w.matched(ctx, log)
	}

	next, err := w.Exchange.CreateOrder(ctx, w.Market.Symbol, w.Side, types.OrderTypeLimit, amount, target)
	if err != nil {
		if errors.Is(err, exchange.ErrInsufficientFunds) || errors.Is(err, exchange.ErrInvalidOrder) {
			reconciled, done, rerr := w.reconcile(ctx, log)
			return reconciled, done, rerr
		}
		return types.Order{}, false, fmt.Errorf("re-place: %w", err)
	}
	metrics.OrdersReplaced.WithLabelValues(w.Exchange.Name(), string(w.Side)).Inc()
	log.Info("order replaced", "order_id", next.ID, "price", next.Price, "amount", next.Amount)
	w.notifyPlaced(ctx, next)
	return next, false, nil
}

// sweepOpenOrders cancels everything resting on the worker's symbol.
func (w *Worker) sweepOpenOrders(ctx context.Context, log *slog.Logger) error {
	if !w.Exchange.Has().FetchOpenOrders {
		return fmt.Errorf("cannot sweep: open orders not supported")
	}
	open, err := w.Exchange.FetchOpenOrders(ctx, w.Market.Symbol)
	if err != nil {
		return fmt.Errorf("sweep fetch: %w", err)
	}
	for _, o := range open {
		if err := w.Exchange.CancelOrder(ctx, o.ID, w.Market.Symbol); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			return fmt.Errorf("sweep cancel %s: %w", o.ID, err)
		}
		log.Info("swept resting order", "order_id", o.ID)
	}
	return nil
}

// reconcile rebuilds the worker's intent from account state after the
// tracked order disappeared (filled, or cancelled externally). done is
// true when what remains is not worth an order.
func (w *Worker) reconcile(ctx context.Context, log *slog.Logger) (types.Order, bool, error) {
	book, err := w.Exchange.FetchOrderBook(ctx, w.Market.Symbol, bookDepth)
	if err != nil {
		return types.Order{}, false, fmt.Errorf("reconcile book: %w", err)
	}

	var price, amount float64
	switch w.Side {
	case types.Buy:
		budget, err := w.Funds.AvailableBaseFor(ctx, w.Market.Base)
		if err != nil {
			return types.Order{}, false, fmt.Errorf("reconcile funds: %w", err)
		}
		budget *= 1 - w.Fee
		price, amount, err = pricing.CalculateInitialBuyPrice(book, budget, w.Market.TickSize(), w.Weights, w.Strategy)
		if err != nil {
			return types.Order{}, false, err
		}
	case types.Sell:
		balances, err := w.Exchange.FetchBalance(ctx)
		if err != nil {
			return types.Order{}, false, fmt.Errorf("reconcile balance: %w", err)
		}
		amount = balances.Free(w.Market.Base)
		price, err = pricing.CalculateInitialSellPrice(book, amount, w.Market.TickSize(), w.Weights, w.Strategy)
		if err != nil {
			return types.Order{}, false, err
		}
	}

	if w.tooSmall(amount, price) {
		return types.Order{}, true, w.matched(ctx, log)
	}

	order, err := w.Exchange.CreateOrder(ctx, w.Market.Symbol, w.Side, types.OrderTypeLimit, amount, price)
	if err != nil {
		if errors.Is(err, exchange.ErrInsufficientFunds) {
			// Balance moved under us again; the residue is dust.
			return types.Order{}, true, w.matched(ctx, log)
		}
		return types.Order{}, false, fmt.Errorf("reconcile order: %w", err)
	}
	metrics.OrdersPlaced.WithLabelValues(w.Exchange.Name(), string(w.Side)).Inc()
	log.Info("order rebuilt", "order_id", order.ID, "price", order.Price, "amount", order.Amount)
	w.notifyPlaced(ctx, order)
	return order, false, nil
}

func (w *Worker) matched(ctx context.Context, log *slog.Logger) error {
	metrics.ExecutionsCompleted.WithLabelValues(w.Exchange.Name(), string(w.Side)).Inc()
	log.Info("order fully matched")
	w.Notifier.Notify(ctx, "", fmt.Sprintf("%s %s order is matched", w.Market.Base, w.Side))
	return nil
}

// tooSmall reports whether an order would be rejected or is not worth
// placing: below the market minimums, or worth less than one unit of
// the funding currency.
func (w *Worker) tooSmall(amount, price float64) bool {
	if amount <= 0 || price <= 0 {
		return true
	}
	if w.Market.MinAmount > 0 && amount < w.Market.MinAmount {
		return true
	}
	cost := amount * price
	if w.Market.MinCost > 0 && cost < w.Market.MinCost {
		return true
	}
	return cost < 1
}

func (w *Worker) key() string {
	return w.Exchange.Name() + ":" + w.Market.Base
}

// sleep waits for d unless the context ends first; false means the
// context is done.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
