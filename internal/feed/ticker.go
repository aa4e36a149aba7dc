// Package feed provides live prices: a Bybit public WebSocket ticker stream
// that fills a price cache, and the PriceFeed reader the watchdogs poll.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/monitoring"
)

const (
	// MainnetURL is the public linear-perpetual stream.
	MainnetURL = "wss://stream.bybit.com/v5/public/linear"
	// TestnetURL is the testnet public linear-perpetual stream.
	TestnetURL = "wss://stream-testnet.bybit.com/v5/public/linear"

	writeWait = 10 * time.Second

	// Bybit drops connections that stay silent for longer than 30s.
	pingPeriod = 20 * time.Second
	pongWait   = 45 * time.Second

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second

	topicPrefix = "tickers."
)

type command struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

type message struct {
	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Ts      int64  `json:"ts"`
	Data    struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

// BybitTickerFeed streams tickers.<SYMBOL> for a fixed symbol set into a
// domain.PriceCache. Delta messages without a last price are ignored.
type BybitTickerFeed struct {
	url     string
	symbols []string
	cache   domain.PriceCache
	dialer  websocket.Dialer
	logger  *slog.Logger
}

// NewBybitTickerFeed creates a feed for symbols.
func NewBybitTickerFeed(url string, symbols []string, cache domain.PriceCache, logger *slog.Logger) *BybitTickerFeed {
	return &BybitTickerFeed{
		url:     url,
		symbols: symbols,
		cache:   cache,
		dialer:  websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		logger:  logger.With(slog.String("component", "ticker_feed")),
	}
}

// Run keeps a subscription alive until ctx is cancelled, reconnecting with
// exponential backoff. It returns ctx.Err().
func (f *BybitTickerFeed) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectDelay
	b.MaxInterval = maxReconnectDelay

	for {
		started := time.Now()
		err := f.session(ctx)
		monitoring.SetFeedConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > pongWait {
			b.Reset()
		}
		delay := b.NextBackOff()
		f.logger.WarnContext(ctx, "ticker stream lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session runs one connection until it fails or ctx ends.
func (f *BybitTickerFeed) session(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("feed: dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	topics := make([]string, len(f.symbols))
	for i, s := range f.symbols {
		topics[i] = topicPrefix + s
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(command{Op: "subscribe", Args: topics}); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	monitoring.SetFeedConnected(true)
	f.logger.InfoContext(ctx, "ticker stream connected", slog.Int("symbols", len(topics)))

	done := make(chan struct{})
	defer close(done)
	go pingLoop(conn, done)

	for {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: %w: %v", domain.ErrWSDisconnect, err)
		}
		f.handleMessage(ctx, raw)
	}
}

// pingLoop is the only writer after the subscribe command.
func pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(command{Op: "ping"}); err != nil {
				return
			}
		}
	}
}

func (f *BybitTickerFeed) handleMessage(ctx context.Context, raw []byte) {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		f.logger.DebugContext(ctx, "dropping unparseable frame", slog.String("error", err.Error()))
		return
	}
	if msg.Op == "subscribe" && msg.Success != nil && !*msg.Success {
		f.logger.ErrorContext(ctx, "ticker subscription refused", slog.String("ret_msg", msg.RetMsg))
		return
	}
	if !strings.HasPrefix(msg.Topic, topicPrefix) || msg.Data.LastPrice == "" {
		return
	}

	symbol := msg.Data.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(msg.Topic, topicPrefix)
	}
	price, err := decimal.NewFromString(msg.Data.LastPrice)
	if err != nil || !price.IsPositive() {
		f.logger.WarnContext(ctx, "bad ticker price",
			slog.String("symbol", symbol),
			slog.String("last_price", msg.Data.LastPrice),
		)
		return
	}
	ts := time.Now().UTC()
	if msg.Ts > 0 {
		ts = time.UnixMilli(msg.Ts).UTC()
	}
	if err := f.cache.SetPrice(ctx, symbol, price, ts); err != nil {
		f.logger.WarnContext(ctx, "cache price failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
		return
	}
	monitoring.RecordFeedTick(symbol)
}
