// Package intake feeds validated trading signals from the decision engine
// into the trade service.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/service"
)

// Submitter executes a signal.
type Submitter interface {
	Submit(ctx context.Context, sig domain.TradingSignal) (service.SubmitResult, error)
}

// Config tunes the consumer.
type Config struct {
	Stream       string
	BatchSize    int
	PollInterval time.Duration
	DedupTTL     time.Duration
	// MaxAge drops signals created longer ago than this. Zero keeps all.
	MaxAge          time.Duration
	CleanupInterval time.Duration
}

// Consumer reads JSON signals from a stream and submits them one at a time
// in stream order.
type Consumer struct {
	cfg    Config
	bus    domain.SignalBus
	submit Submitter
	dedup  *Dedup
	logger *slog.Logger
	now    func() time.Time

	lastID string
}

// NewConsumer creates a Consumer that starts reading at the current time, so
// signals appended while the process was down are not replayed.
func NewConsumer(cfg Config, bus domain.SignalBus, submit Submitter, logger *slog.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	return &Consumer{
		cfg:    cfg,
		bus:    bus,
		submit: submit,
		dedup:  NewDedup(cfg.DedupTTL),
		logger: logger.With(slog.String("component", "intake")),
		now:    time.Now,
		lastID: fmt.Sprintf("%d-0", time.Now().UnixMilli()),
	}
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("intake started", slog.String("stream", c.cfg.Stream))
	defer c.logger.Info("intake stopped")

	cleanup := time.NewTicker(c.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		n, err := c.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.WarnContext(ctx, "stream read failed", slog.String("error", err.Error()))
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cleanup.C:
			c.dedup.Cleanup()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// Poll reads one batch and processes it. It returns the number of messages
// read.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	msgs, err := c.bus.StreamRead(ctx, c.cfg.Stream, c.lastID, c.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("intake: read %s: %w", c.cfg.Stream, err)
	}
	for _, m := range msgs {
		c.lastID = m.ID
		c.process(ctx, m)
	}
	return len(msgs), nil
}

func (c *Consumer) process(ctx context.Context, m domain.StreamMessage) {
	var sig domain.TradingSignal
	if err := json.Unmarshal(m.Payload, &sig); err != nil {
		c.logger.WarnContext(ctx, "malformed signal dropped",
			slog.String("message_id", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if sig.ID == "" {
		sig.ID = m.ID
	}
	log := c.logger.With(
		slog.String("signal_id", sig.ID),
		slog.String("source", sig.Source),
		slog.String("symbol", sig.Symbol),
		slog.String("side", string(sig.Side)),
	)

	if c.dedup.Seen(sig.ID) {
		log.DebugContext(ctx, "duplicate signal skipped")
		return
	}
	if c.cfg.MaxAge > 0 && !sig.CreatedAt.IsZero() && c.now().Sub(sig.CreatedAt) > c.cfg.MaxAge {
		log.WarnContext(ctx, "stale signal skipped", slog.Time("created_at", sig.CreatedAt))
		return
	}

	res, err := c.submit.Submit(ctx, sig)
	switch {
	case err != nil && !res.Decision.Accepted && res.Decision.Reason != "":
		log.InfoContext(ctx, "signal rejected", slog.String("reason", string(res.Decision.Reason)))
	case err != nil:
		log.ErrorContext(ctx, "signal execution failed", slog.String("error", err.Error()))
	default:
		log.InfoContext(ctx, "signal executed", slog.String("position_id", res.Position.ID))
	}
}
