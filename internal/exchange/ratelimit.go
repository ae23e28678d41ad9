// ratelimit.go implements token-bucket rate limiting for exchange REST
// APIs. Spot exchanges publish per-category request budgets (order
// placement, cancellation, market data); the buckets refill
// continuously rather than in window-sized bursts so a busy worker
// never slams into a hard limit.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous
// refill. Callers block in Wait() until a token is available or the
// context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by endpoint category. Each adapter
// call waits on the matching bucket before making the HTTP request.
type RateLimiter struct {
	Order   *TokenBucket // order create/cancel
	Book    *TokenBucket // order book and ticker reads
	Account *TokenBucket // balance and order status reads
}

// NewRateLimiter creates buckets sized for the most restrictive of the
// supported exchanges (Bitkub's 200/10s trading budget); Binance and
// KuCoin allow more, so the shared sizing is simply conservative.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:   NewTokenBucket(20, 10),
		Book:    NewTokenBucket(50, 20),
		Account: NewTokenBucket(30, 10),
	}
}
