package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"tradingview-executor/internal/metrics"
	"tradingview-executor/internal/notify"
	"tradingview-executor/pkg/types"
)

// Dispatcher routes validated webhook signals; implemented by the
// registry.
type Dispatcher interface {
	SendOrder(ctx context.Context, sig types.OrderSignal) error
	GetBalance(ctx context.Context) map[string]any
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	dispatcher Dispatcher
	notifier   notify.Notifier
	secret     string
	logger     *slog.Logger

	// dispatchCtx outlives the webhook request; order execution keeps
	// running after the 200 is written.
	dispatchCtx context.Context
}

func NewHandlers(dispatchCtx context.Context, d Dispatcher, n notify.Notifier, secret string, logger *slog.Logger) *Handlers {
	return &Handlers{
		dispatcher:  d,
		notifier:    n,
		secret:      secret,
		logger:      logger.With("component", "api"),
		dispatchCtx: dispatchCtx,
	}
}

// Root is the liveness probe.
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "online")
}

// Balance returns the aggregated per-exchange holdings report,
// pretty-printed for reading in a browser.
func (h *Handlers) Balance(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	report := h.dispatcher.GetBalance(ctx)
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		h.logger.Warn("balance encode failed", "error", err)
	}
}

// Webhook receives signal payloads. The contract with the signal
// source is deliberately forgiving: anything that authenticates gets a
// 200, and payloads that do not parse as an order signal are forwarded
// to the notification channel instead of being dropped silently. Only
// a bad secret is rejected.
func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		metrics.WebhookRequests.WithLabelValues("malformed").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	var sig types.OrderSignal
	if err := json.Unmarshal(body, &sig); err != nil {
		// Plain-text alerts ride the same webhook; pass them through.
		metrics.WebhookRequests.WithLabelValues("malformed").Inc()
		h.notifier.NotifyToken(h.dispatchCtx, "", string(body))
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.secret != "" && sig.Secret != h.secret {
		metrics.WebhookRequests.WithLabelValues("unauthorized").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if sig.Exchange == "" || sig.Symbol == "" {
		metrics.WebhookRequests.WithLabelValues("malformed").Inc()
		h.notifier.NotifyToken(h.dispatchCtx, sig.LineToken, string(body))
		w.WriteHeader(http.StatusOK)
		return
	}

	metrics.WebhookRequests.WithLabelValues("accepted").Inc()
	h.logger.Info("signal received",
		"exchange", sig.Exchange, "symbol", sig.Symbol,
		"side", sig.Side, "send_order", sig.SendOrder)

	// Every accepted payload hits the notification channel, dispatched
	// or not, so the channel is a complete signal log.
	h.notifier.NotifyToken(h.dispatchCtx, sig.LineToken, prettyPayload(body))

	if sig.SendOrder {
		// Execution outlives the request; the signal source only needs
		// the ack.
		go func(sig types.OrderSignal) {
			if err := h.dispatcher.SendOrder(h.dispatchCtx, sig); err != nil {
				h.logger.Error("dispatch failed", "exchange", sig.Exchange,
					"symbol", sig.Symbol, "error", err)
				h.notifier.NotifyToken(h.dispatchCtx, sig.LineToken,
					"order dispatch failed: "+err.Error())
			}
		}(sig)
	}
	w.WriteHeader(http.StatusOK)
}

// prettyPayload re-renders the webhook body for the notification
// channel with the shared secret removed.
func prettyPayload(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return string(body)
	}
	delete(payload, "secret")
	pretty, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return string(body)
	}
	return string(pretty)
}
