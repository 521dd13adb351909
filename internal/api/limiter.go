package api

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long an unused per-client limiter is kept.
const idleLimiterTTL = 10 * time.Minute

// LimiterStore keeps one token bucket per client key.
type LimiterStore struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*limiterEntry
	now     func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiterStore allows perMinute events per key with the given burst.
func NewLimiterStore(perMinute, burst int) *LimiterStore {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &LimiterStore{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		clients: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

// Run drops idle limiters every interval until ctx is done.
func (s *LimiterStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-ctx.Done():
			return
		}
	}
}

func (s *LimiterStore) cleanup() {
	cutoff := s.now().Add(-idleLimiterTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.clients {
		if e.lastSeen.Before(cutoff) {
			delete(s.clients, k)
		}
	}
}

func (s *LimiterStore) Allow(key string) bool {
	s.mu.Lock()
	e, ok := s.clients[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.clients[key] = e
	}
	e.lastSeen = s.now()
	s.mu.Unlock()
	return e.limiter.Allow()
}
