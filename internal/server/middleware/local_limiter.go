package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// LocalLimiter is an in-process domain.RateLimiter for deployments without
// Redis. Each key gets a token bucket refilled at limit per window.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   int
	window  time.Duration
}

var _ domain.RateLimiter = (*LocalLimiter)(nil)

// NewLocalLimiter creates a LocalLimiter whose Wait uses limit per window.
func NewLocalLimiter(limit int, window time.Duration) *LocalLimiter {
	return &LocalLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   max(1, limit),
		window:  max(time.Millisecond, window),
	}
}

func (l *LocalLimiter) bucket(key string, limit int, window time.Duration) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		limit = max(1, limit)
		b = rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
		l.buckets[key] = b
	}
	return b
}

// Allow takes one token from key's bucket.
func (l *LocalLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	return l.bucket(key, limit, window).Allow(), nil
}

// Wait blocks until key's bucket has a token.
func (l *LocalLimiter) Wait(ctx context.Context, key string) error {
	return l.bucket(key, l.limit, l.window).Wait(ctx)
}
