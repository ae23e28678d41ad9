// errors.go defines the common error taxonomy all adapters translate
// into. Exchange-native error codes never leak past the adapter; the
// engine and portfolio branch on these sentinels with errors.Is.
package exchange

import "errors"

var (
	// ErrAuth means credentials are missing or were rejected.
	// Recoverable only by operator intervention.
	ErrAuth = errors.New("exchange: authentication failed")

	// ErrInvalidOrder means the exchange rejected price/amount precision
	// or minimums. Fatal for the worker that sent it.
	ErrInvalidOrder = errors.New("exchange: invalid order")

	// ErrOrderNotFound is a signal, not a failure: the order was filled
	// or cancelled externally. Drives the engine's reconcile path.
	ErrOrderNotFound = errors.New("exchange: order not found")

	// ErrInsufficientFunds means the account cannot cover the order.
	ErrInsufficientFunds = errors.New("exchange: insufficient funds")

	// ErrRateLimited means the exchange throttled us (HTTP 418/429).
	ErrRateLimited = errors.New("exchange: rate limited")

	// ErrUnavailable covers 5xx responses and maintenance windows.
	ErrUnavailable = errors.New("exchange: unavailable")
)
