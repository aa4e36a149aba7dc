package memory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

func TestPositionStore_Transition(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()
	require.NoError(t, s.Create(ctx, domain.Position{ID: "p1", Symbol: "BTCUSDT", Status: domain.PositionStatusOpen}))

	err := s.Transition(ctx, "p1", []domain.PositionStatus{domain.PositionStatusOpening}, domain.PositionStatusOpen)
	assert.ErrorIs(t, err, domain.ErrStatusConflict)

	require.NoError(t, s.Transition(ctx, "p1", []domain.PositionStatus{domain.PositionStatusOpen}, domain.PositionStatusClosing))
	p, err := s.GetByID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosing, p.Status)

	assert.ErrorIs(t, s.Transition(ctx, "missing", nil, domain.PositionStatusOpen), domain.ErrNotFound)
}

func TestPositionStore_MarkClosedMovesToHistory(t *testing.T) {
	ctx := context.Background()
	s := NewPositionStore()
	require.NoError(t, s.Create(ctx, domain.Position{ID: "p1", Status: domain.PositionStatusOpen}))
	require.NoError(t, s.Create(ctx, domain.Position{ID: "p2", Status: domain.PositionStatusOpening}))

	require.NoError(t, s.MarkClosed(ctx, "p1", decimal.NewFromInt(100), decimal.NewFromInt(-5)))
	assert.ErrorIs(t, s.MarkClosed(ctx, "p1", decimal.Zero, decimal.Zero), domain.ErrStatusConflict)

	open, err := s.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "p2", open[0].ID)

	hist, err := s.ListHistory(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].RealizedPnL.Equal(decimal.NewFromInt(-5)))
	assert.NotNil(t, hist[0].ClosedAt)
}

func TestBreakerStore_LoadEmpty(t *testing.T) {
	_, err := NewBreakerStore().Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditStore_NewestFirstWithPaging(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()
	for _, ev := range []string{"a", "b", "c"} {
		require.NoError(t, s.Log(ctx, ev, nil))
	}
	got, err := s.List(ctx, domain.ListOpts{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Event)
	assert.Equal(t, "a", got[1].Event)
}
