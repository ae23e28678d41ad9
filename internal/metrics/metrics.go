// Package metrics defines the Prometheus instrumentation exported at
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersPlaced counts limit and market orders accepted by an exchange.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_orders_placed_total",
		Help: "Orders successfully placed, by exchange and side.",
	}, []string{"exchange", "side"})

	// OrdersReplaced counts cancel-and-replace cycles while chasing the book.
	OrdersReplaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_orders_replaced_total",
		Help: "Orders cancelled and re-placed at a new price.",
	}, []string{"exchange", "side"})

	// ExecutionsCompleted counts workers that finished with a fully
	// matched order.
	ExecutionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_executions_completed_total",
		Help: "Execution workers that ran to full fill.",
	}, []string{"exchange", "side"})

	// WorkerErrors counts recoverable worker errors (each one consumes
	// error budget).
	WorkerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_worker_errors_total",
		Help: "Recoverable errors inside execution workers.",
	}, []string{"exchange"})

	// WorkersAbandoned counts workers that exhausted their error budget.
	WorkersAbandoned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_workers_abandoned_total",
		Help: "Execution workers stopped after exhausting the error budget.",
	}, []string{"exchange"})

	// WebhookRequests counts webhook deliveries by outcome
	// (accepted, unauthorized, malformed).
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "executor_webhook_requests_total",
		Help: "Webhook deliveries by outcome.",
	}, []string{"outcome"})
)
