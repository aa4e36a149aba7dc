package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/service"
)

type stream struct {
	mu   sync.Mutex
	msgs []domain.StreamMessage
	seq  int
	err  error
}

func (s *stream) add(t *testing.T, sig domain.TradingSignal) {
	t.Helper()
	b, err := json.Marshal(sig)
	require.NoError(t, err)
	s.addRaw(b)
}

func (s *stream) addRaw(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.msgs = append(s.msgs, domain.StreamMessage{ID: fmt.Sprintf("9999999999999-%d", s.seq), Payload: b})
}

func (s *stream) Publish(context.Context, string, []byte) error { return nil }
func (s *stream) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}
func (s *stream) StreamAppend(_ context.Context, _ string, b []byte) error {
	s.addRaw(b)
	return nil
}

func (s *stream) StreamRead(_ context.Context, _ string, lastID string, count int) ([]domain.StreamMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.StreamMessage
	for _, m := range s.msgs {
		if m.ID > lastID && len(out) < count {
			out = append(out, m)
		}
	}
	return out, nil
}

type submitter struct {
	mu  sync.Mutex
	got []domain.TradingSignal
}

func (s *submitter) Submit(_ context.Context, sig domain.TradingSignal) (service.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, sig)
	pos := domain.Position{ID: "pos-" + sig.ID}
	return service.SubmitResult{Position: &pos}, nil
}

func (s *submitter) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, sig := range s.got {
		out = append(out, sig.ID)
	}
	return out
}

func newConsumer(bus domain.SignalBus, sub Submitter) *Consumer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewConsumer(Config{Stream: "signals", BatchSize: 10, PollInterval: time.Millisecond, MaxAge: time.Minute}, bus, sub, logger)
}

func sig(id string) domain.TradingSignal {
	return domain.TradingSignal{
		ID: id, Symbol: "BTCUSDT", Side: domain.SideLong,
		Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(50000), StopLoss: decimal.NewFromInt(49000),
		CreatedAt: time.Now(),
	}
}

func TestConsumer_SubmitsInOrderOnce(t *testing.T) {
	bus := &stream{}
	sub := &submitter{}
	c := newConsumer(bus, sub)

	bus.add(t, sig("a"))
	bus.add(t, sig("b"))
	bus.add(t, sig("a"))

	n, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b"}, sub.ids())

	n, err = c.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConsumer_DropsMalformedAndStale(t *testing.T) {
	bus := &stream{}
	sub := &submitter{}
	c := newConsumer(bus, sub)

	bus.addRaw([]byte(`{"id": 12`))
	old := sig("old")
	old.CreatedAt = time.Now().Add(-time.Hour)
	bus.add(t, old)
	bus.add(t, sig("fresh"))

	_, err := c.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, sub.ids())
}

func TestConsumer_ReadError(t *testing.T) {
	bus := &stream{err: errors.New("connection refused")}
	c := newConsumer(bus, &submitter{})
	_, err := c.Poll(context.Background())
	assert.Error(t, err)
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	bus := &stream{}
	sub := &submitter{}
	c := newConsumer(bus, sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	bus.add(t, sig("x"))
	require.Eventually(t, func() bool { return len(sub.ids()) == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDedup_Expiry(t *testing.T) {
	d := NewDedup(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }

	assert.False(t, d.Seen("a"))
	assert.True(t, d.Seen("a"))

	now = now.Add(2 * time.Minute)
	d.Cleanup()
	assert.Zero(t, d.Len())
	assert.False(t, d.Seen("a"))
}
