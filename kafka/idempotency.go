package kafka

import (
	"sync"
	"time"
)

// IdempotencyStore remembers keys of processed messages for a TTL so that
// redelivered duplicates can be acknowledged without running the handler
type IdempotencyStore struct {
	seen   map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
	mu     sync.RWMutex
	done   chan struct{}
	once   sync.Once
	ticker *time.Ticker
}

// NewIdempotencyStore creates a store that sweeps expired keys in the background
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	sweep := ttl / 10
	if sweep < time.Second {
		sweep = time.Second
	}

	s := &IdempotencyStore{
		seen:   make(map[string]time.Time),
		ttl:    ttl,
		now:    time.Now,
		done:   make(chan struct{}),
		ticker: time.NewTicker(sweep),
	}
	go s.sweep()
	return s
}

// Add records a processed key
func (s *IdempotencyStore) Add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[key] = s.now()
}

// IsDuplicate reports whether the key was processed within the TTL
func (s *IdempotencyStore) IsDuplicate(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.seen[key]
	return ok && s.now().Sub(ts) < s.ttl
}

// Size returns the number of remembered keys
func (s *IdempotencyStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

// Close stops the background sweep
func (s *IdempotencyStore) Close() {
	s.once.Do(func() {
		close(s.done)
		s.ticker.Stop()
	})
}

func (s *IdempotencyStore) sweep() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			s.expire()
		}
	}
}

func (s *IdempotencyStore) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, ts := range s.seen {
		if now.Sub(ts) >= s.ttl {
			delete(s.seen, key)
		}
	}
}
