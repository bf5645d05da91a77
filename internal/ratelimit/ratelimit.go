package ratelimit

import (
	"context"
	"sync"
	"time"

	"topup-market/internal/logging"
)

// CounterStore counts requests per identifier inside a fixed window. The
// first increment of a window returns 1 and arms the expiry; the window is
// never extended by later increments.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

type Limiter struct {
	store CounterStore
}

func New(store CounterStore) *Limiter {
	return &Limiter{store: store}
}

// Allow reports whether the identifier may make another request. A store
// failure fails open: throttling is protection, not an availability gate.
func (l *Limiter) Allow(ctx context.Context, identifier string, maxRequests int64, window time.Duration) bool {
	count, err := l.store.Incr(ctx, identifier, window)
	if err != nil {
		logging.Logg.Warn("Rate limiter store failed, allowing request", "identifier", identifier, "error", err)
		return true
	}
	return count <= maxRequests
}

type windowCounter struct {
	count   int64
	resetAt time.Time
}

// MemoryStore keeps counters in the process. Fine for a single instance;
// multi-instance deployments should use RedisStore instead.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*windowCounter),
		now:      time.Now,
	}
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.resetAt) {
		s.counters[key] = &windowCounter{count: 1, resetAt: now.Add(window)}
		return 1, nil
	}
	c.count++
	return c.count, nil
}
