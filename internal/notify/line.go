// Package notify pushes execution events (order matched, worker gave
// up, malformed webhook payloads) to LINE Notify. Delivery is best
// effort: a notification failure is logged and never fails the
// operation that triggered it.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	lineNotifyURL = "https://notify-api.line.me/api/notify"

	// Repeated messages for the same key are dropped inside this window
	// so a worker retry loop cannot flood the channel.
	throttleWindow = 5 * time.Second
)

// Notifier is the push interface the engine and API depend on. Message
// delivery must not block order flow for long and must never return an
// error into the execution path.
type Notifier interface {
	// Notify sends msg on the default channel. key groups related
	// messages for throttling (typically "EXCHANGE:ASSET"); an empty
	// key bypasses the throttle, for one-shot terminal messages.
	Notify(ctx context.Context, key, msg string)

	// NotifyToken sends msg using an explicit channel token, bypassing
	// the default. Used for per-webhook token overrides.
	NotifyToken(ctx context.Context, token, msg string)
}

// Line sends messages through LINE Notify.
type Line struct {
	http   *resty.Client
	token  string
	logger *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

// NewLine creates a notifier with the given default token. An empty
// token disables the default channel; NotifyToken still works.
func NewLine(token string, logger *slog.Logger) *Line {
	return &Line{
		http: resty.New().
			SetBaseURL(lineNotifyURL).
			SetTimeout(5 * time.Second),
		token:  token,
		logger: logger.With("component", "notify"),
		last:   make(map[string]time.Time),
	}
}

func (l *Line) Notify(ctx context.Context, key, msg string) {
	if l.token == "" {
		return
	}
	if l.throttled(key) {
		return
	}
	l.send(ctx, l.token, msg)
}

func (l *Line) NotifyToken(ctx context.Context, token, msg string) {
	if token == "" {
		l.Notify(ctx, "", msg)
		return
	}
	l.send(ctx, token, msg)
}

func (l *Line) throttled(key string) bool {
	if key == "" {
		return false
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.last[key]; ok && now.Sub(t) < throttleWindow {
		return true
	}
	l.last[key] = now
	return false
}

func (l *Line) send(ctx context.Context, token, msg string) {
	resp, err := l.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetFormData(map[string]string{"message": msg}).
		Post("")
	if err != nil {
		l.logger.Warn("notify failed", "error", err)
		return
	}
	if !resp.IsSuccess() {
		l.logger.Warn("notify rejected", "status", resp.StatusCode())
	}
}

// Nop discards all notifications. Used when no token is configured and
// in tests.
type Nop struct{}

func (Nop) Notify(ctx context.Context, key, msg string)        {}
func (Nop) NotifyToken(ctx context.Context, token, msg string) {}
