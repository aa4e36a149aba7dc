package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// OrderStore implements domain.OrderStore.
type OrderStore struct {
	mu       sync.RWMutex
	byID     map[string]domain.Order
	byClient map[string]string
}

var _ domain.OrderStore = (*OrderStore)(nil)

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		byID:     make(map[string]domain.Order),
		byClient: make(map[string]string),
	}
}

// Upsert inserts or replaces an order.
func (s *OrderStore) Upsert(_ context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.UpdatedAt = time.Now().UTC()
	s.byID[o.ID] = o
	if o.ClientOrderID != "" {
		s.byClient[o.ClientOrderID] = o.ID
	}
	return nil
}

// GetByID returns an order.
func (s *OrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byID[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("memory: order %s: %w", id, domain.ErrNotFound)
	}
	return o, nil
}

// GetByClientID returns an order by client order id.
func (s *OrderStore) GetByClientID(ctx context.Context, clientOrderID string) (domain.Order, error) {
	s.mu.RLock()
	id, ok := s.byClient[clientOrderID]
	s.mu.RUnlock()
	if !ok {
		return domain.Order{}, fmt.Errorf("memory: order client id %s: %w", clientOrderID, domain.ErrNotFound)
	}
	return s.GetByID(ctx, id)
}

// ListByPosition returns a position's orders, oldest first.
func (s *OrderStore) ListByPosition(_ context.Context, positionID string) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.byID {
		if o.PositionID == positionID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ExecutionStore implements domain.ExecutionStore.
type ExecutionStore struct {
	mu      sync.RWMutex
	results []domain.ExecutionResult
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)

// NewExecutionStore creates an empty ExecutionStore.
func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{}
}

// Insert appends an execution result.
func (s *ExecutionStore) Insert(_ context.Context, r domain.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

// ListBetween returns results recorded in [from, to).
func (s *ExecutionStore) ListBetween(_ context.Context, from, to time.Time) ([]domain.ExecutionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ExecutionResult
	for _, r := range s.results {
		if !r.RecordedAt.Before(from) && r.RecordedAt.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

// All returns every recorded result.
func (s *ExecutionStore) All() []domain.ExecutionResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ExecutionResult, len(s.results))
	copy(out, s.results)
	return out
}

// BreakerStore implements domain.BreakerStore.
type BreakerStore struct {
	mu    sync.RWMutex
	state *domain.CircuitBreakerState
}

var _ domain.BreakerStore = (*BreakerStore)(nil)

// NewBreakerStore creates an empty BreakerStore.
func NewBreakerStore() *BreakerStore {
	return &BreakerStore{}
}

// Load returns the saved state or ErrNotFound.
func (s *BreakerStore) Load(_ context.Context) (domain.CircuitBreakerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return domain.CircuitBreakerState{}, fmt.Errorf("memory: breaker state: %w", domain.ErrNotFound)
	}
	return *s.state, nil
}

// Save replaces the saved state.
func (s *BreakerStore) Save(_ context.Context, st domain.CircuitBreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = &st
	return nil
}

// ReconciliationStore implements domain.ReconciliationStore.
type ReconciliationStore struct {
	mu   sync.RWMutex
	runs []domain.ReconciliationRun
}

var _ domain.ReconciliationStore = (*ReconciliationStore)(nil)

// NewReconciliationStore creates an empty ReconciliationStore.
func NewReconciliationStore() *ReconciliationStore {
	return &ReconciliationStore{}
}

// SaveRun appends a run with its results.
func (s *ReconciliationStore) SaveRun(_ context.Context, run domain.ReconciliationRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

// ListRuns returns runs, newest first.
func (s *ReconciliationStore) ListRuns(_ context.Context, opts domain.ListOpts) ([]domain.ReconciliationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ReconciliationRun, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		if inRange(s.runs[i].StartedAt, opts) {
			out = append(out, s.runs[i])
		}
	}
	return page(out, opts), nil
}

// ListResultsBetween returns results created in [from, to).
func (s *ReconciliationStore) ListResultsBetween(_ context.Context, from, to time.Time) ([]domain.ReconciliationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ReconciliationResult
	for _, run := range s.runs {
		for _, r := range run.Results {
			if !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Log appends an audit entry.
func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries, newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		if inRange(s.entries[i].CreatedAt, opts) {
			out = append(out, s.entries[i])
		}
	}
	return page(out, opts), nil
}
