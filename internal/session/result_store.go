package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ResultStore caches resolved outcomes so a duplicate resolve — or a resolve
// retried across a restart — replays the stored result instead of re-rolling.
type ResultStore interface {
	Put(result Result, ttl time.Duration) error
	Get(sessionID string) (Result, bool, error)
}

// BadgerResultStore persists results with a TTL.
// Keys: "result:<sessionId>" (JSON).
type BadgerResultStore struct {
	db *badger.DB
}

func NewBadgerResultStore(db *badger.DB) *BadgerResultStore {
	return &BadgerResultStore{db: db}
}

func (s *BadgerResultStore) Put(result Result, ttl time.Duration) error {
	buf, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result %s: %w", result.SessionID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte("result:"+result.SessionID), buf).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

func (s *BadgerResultStore) Get(sessionID string) (Result, bool, error) {
	var out Result
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("result:" + sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err == badger.ErrKeyNotFound {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	return out, true, nil
}

// MemoryResultStore backs tests and keeps the engine usable without a data
// directory.
type MemoryResultStore struct {
	mu      sync.Mutex
	results map[string]memoryResult
	now     func() time.Time
}

type memoryResult struct {
	result    Result
	expiresAt time.Time
}

func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{results: make(map[string]memoryResult), now: time.Now}
}

func (s *MemoryResultStore) Put(result Result, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.SessionID] = memoryResult{result: result, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryResultStore) Get(sessionID string) (Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.results[sessionID]
	if !ok {
		return Result{}, false, nil
	}
	if s.now().After(entry.expiresAt) {
		delete(s.results, sessionID)
		return Result{}, false, nil
	}
	return entry.result, true, nil
}
