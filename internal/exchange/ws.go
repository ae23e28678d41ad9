// ws.go streams Binance partial-depth books into a market.Mirror so
// workers chasing the top of book can price without a REST round trip.
// The feed is advisory: on any gap or disconnect it just reconnects,
// and readers fall back to REST while the mirror is stale.
package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tradingview-executor/internal/market"
	"tradingview-executor/pkg/types"
)

const (
	binanceStreamURL = "wss://stream.binance.com:9443/stream"

	wsReadTimeout      = 30 * time.Second
	wsReconnectMin     = time.Second
	wsReconnectMax     = 30 * time.Second
	wsHandshakeTimeout = 10 * time.Second
)

// DepthFeed subscribes to Binance depth20@100ms streams for a fixed
// symbol set and writes snapshots into a mirror.
type DepthFeed struct {
	url     string
	streams map[string]string // stream name -> canonical symbol
	mirror  *market.Mirror
	logger  *slog.Logger
}

// NewDepthFeed builds a feed for the given markets. The markets map is
// keyed by canonical symbol, as returned by LoadMarkets.
func NewDepthFeed(markets map[string]types.Market, mirror *market.Mirror, logger *slog.Logger) *DepthFeed {
	streams := make(map[string]string, len(markets))
	for symbol, m := range markets {
		streams[strings.ToLower(m.NativeSymbol)+"@depth20@100ms"] = symbol
	}
	return &DepthFeed{
		url:     binanceStreamURL,
		streams: streams,
		mirror:  mirror,
		logger:  logger.With("component", "depth_feed"),
	}
}

// Run connects and consumes depth updates until ctx is cancelled,
// reconnecting with exponential backoff on any failure.
func (f *DepthFeed) Run(ctx context.Context) {
	if len(f.streams) == 0 {
		return
	}
	backoff := wsReconnectMin
	for {
		if err := f.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Warn("stream disconnected", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsReconnectMax {
			backoff = wsReconnectMax
		}
	}
}

func (f *DepthFeed) consume(ctx context.Context) error {
	names := make([]string, 0, len(f.streams))
	for name := range f.streams {
		names = append(names, name)
	}
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.url+"?streams="+strings.Join(names, "/"), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock the read loop when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	f.logger.Info("stream connected", "streams", len(names))

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg struct {
			Stream string `json:"stream"`
			Data   struct {
				Bids [][]string `json:"bids"`
				Asks [][]string `json:"asks"`
			} `json:"data"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			f.logger.Warn("bad stream payload", "error", err)
			continue
		}
		symbol, ok := f.streams[msg.Stream]
		if !ok {
			continue
		}

		f.mirror.Update(types.OrderBookSnapshot{
			Symbol:    symbol,
			Bids:      parseLevels(msg.Data.Bids),
			Asks:      parseLevels(msg.Data.Asks),
			Timestamp: time.Now(),
		})
	}
}
