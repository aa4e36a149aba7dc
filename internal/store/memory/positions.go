// Package memory implements the storage interfaces in process. It backs the
// monitor-only deployments that run without PostgreSQL and the package tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	mu   sync.RWMutex
	byID map[string]domain.Position
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{byID: make(map[string]domain.Position)}
}

// Create inserts a new position.
func (s *PositionStore) Create(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; ok {
		return fmt.Errorf("memory: create position %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	now := time.Now().UTC()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}
	p.UpdatedAt = now
	s.byID[p.ID] = p
	return nil
}

// Update replaces a position.
func (s *PositionStore) Update(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[p.ID]; !ok {
		return fmt.Errorf("memory: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	p.UpdatedAt = time.Now().UTC()
	s.byID[p.ID] = p
	return nil
}

// Transition moves a position between statuses atomically.
func (s *PositionStore) Transition(_ context.Context, id string, from []domain.PositionStatus, to domain.PositionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("memory: transition position %s: %w", id, domain.ErrNotFound)
	}
	if !slices.Contains(from, p.Status) {
		return fmt.Errorf("memory: transition position %s from %s to %s: %w", id, p.Status, to, domain.ErrStatusConflict)
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	s.byID[id] = p
	return nil
}

// UpdateQuantity sets the quantity when the status is one of from.
func (s *PositionStore) UpdateQuantity(_ context.Context, id string, qty decimal.Decimal, from []domain.PositionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("memory: update quantity %s: %w", id, domain.ErrNotFound)
	}
	if !slices.Contains(from, p.Status) {
		return fmt.Errorf("memory: update quantity %s (%s): %w", id, p.Status, domain.ErrStatusConflict)
	}
	p.Quantity = qty
	p.UpdatedAt = time.Now().UTC()
	s.byID[id] = p
	return nil
}

// SetStopOrder records the resting stop order id.
func (s *PositionStore) SetStopOrder(_ context.Context, id, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("memory: set stop order %s: %w", id, domain.ErrNotFound)
	}
	if p.Status.Terminal() {
		return fmt.Errorf("memory: set stop order %s (%s): %w", id, p.Status, domain.ErrStatusConflict)
	}
	p.StopOrderID = orderID
	p.UpdatedAt = time.Now().UTC()
	s.byID[id] = p
	return nil
}

// MarkClosed closes a position with its exit price and realized P&L.
func (s *PositionStore) MarkClosed(_ context.Context, id string, exitPrice, realizedPnL decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("memory: close position %s: %w", id, domain.ErrNotFound)
	}
	if p.Status.Terminal() {
		return fmt.Errorf("memory: close position %s (%s): %w", id, p.Status, domain.ErrStatusConflict)
	}
	now := time.Now().UTC()
	p.Status = domain.PositionStatusClosed
	p.ExitPrice = decimal.NewNullDecimal(exitPrice)
	p.RealizedPnL = realizedPnL
	p.ClosedAt = &now
	p.UpdatedAt = now
	s.byID[id] = p
	return nil
}

// GetByID returns a position.
func (s *PositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// ListOpen returns positions in opening, open or closing status, oldest first.
func (s *PositionStore) ListOpen(_ context.Context) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.byID {
		if !p.Status.Terminal() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

// ListHistory returns terminal positions, most recently closed first.
func (s *PositionStore) ListHistory(_ context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Position
	for _, p := range s.byID {
		if !p.Status.Terminal() || !inRange(p.UpdatedAt, opts) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return page(out, opts), nil
}

func inRange(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !t.Before(*opts.Until) {
		return false
	}
	return true
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
