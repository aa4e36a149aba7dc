package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

func TestListQuery(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := newListQuery(`SELECT id FROM audit_log WHERE TRUE`).
		window("created_at", domain.ListOpts{Since: &since}).
		order("created_at DESC").
		page(domain.ListOpts{Limit: 20, Offset: 40})

	assert.Equal(t,
		`SELECT id FROM audit_log WHERE TRUE AND created_at >= $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		q.String())
	assert.Equal(t, []any{since, 20, 40}, q.args)
}

func TestListQuery_KeepsBaseArgs(t *testing.T) {
	until := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	q := newListQuery(`SELECT id FROM orders WHERE position_id = $1`, "p1").
		window("created_at", domain.ListOpts{Until: &until}).
		order("created_at")

	assert.Equal(t, `SELECT id FROM orders WHERE position_id = $1 AND created_at < $2 ORDER BY created_at`, q.String())
	assert.Len(t, q.args, 2)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/trade?sslmode=disable",
		DSN(ClientConfig{User: "u", Password: "p", Host: "db", Database: "trade"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x", Host: "ignored"}))
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, []string{"open", "closing"},
		statusStrings([]domain.PositionStatus{domain.PositionStatusOpen, domain.PositionStatusClosing}))
}
