// Package quota enforces the daily autofish cast limit. Counters are keyed by
// player and UTC day, so they roll over at midnight UTC without a reset job.
package quota

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrExhausted reports that an increment would exceed the daily limit. The
// counter is left untouched when it is returned.
var ErrExhausted = errors.New("daily cast quota exhausted")

// Store is the shared counter. The Redis implementation makes the limit hold
// across devices consuming the same account's quota concurrently.
type Store interface {
	// Increment consumes one cast and returns the new used count.
	// Returns ErrExhausted without consuming when used == limit already.
	Increment(ctx context.Context, playerID string, limit int) (int, error)
	// Used reports casts consumed today.
	Used(ctx context.Context, playerID string) (int, error)
}

func dayKey(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// MemoryStore is the single-process fallback used when no Redis address is
// configured, and in tests.
type MemoryStore struct {
	mu   sync.Mutex
	used map[string]int
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{used: make(map[string]int), now: time.Now}
}

// SetNowFunc overrides the clock, for boundary tests.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) key(playerID string) string {
	return playerID + ":" + dayKey(s.now())
}

func (s *MemoryStore) Increment(_ context.Context, playerID string, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.key(playerID)
	if s.used[key] >= limit {
		return s.used[key], ErrExhausted
	}
	s.used[key]++
	return s.used[key], nil
}

func (s *MemoryStore) Used(_ context.Context, playerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used[s.key(playerID)], nil
}
