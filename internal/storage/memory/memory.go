package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value      []byte
	expiresAt  time.Time
	lastAccess time.Time
}

// Store is an in-process key/value store bounded by entry count. The least
// recently used entries are evicted first; a TTL of zero keeps entries until
// they are evicted or deleted.
type Store struct {
	mu            sync.Mutex
	entries       map[string]*entry
	maxSize       int
	ttl           time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// New creates a memory store
func New(maxSize int, ttl time.Duration) *Store {
	s := &Store{
		entries:     make(map[string]*entry),
		maxSize:     maxSize,
		ttl:         ttl,
		stopCleanup: make(chan struct{}),
	}

	if ttl > 0 {
		s.cleanupTicker = time.NewTicker(ttl / 2)
		go s.cleanupExpired()
	}
	return s
}

// Get retrieves a value
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	now := time.Now()
	if s.expired(e, now) {
		delete(s.entries, key)
		return nil, false, nil
	}
	e.lastAccess = now
	return e.value, true, nil
}

// Set stores a value
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists {
		s.truncateIfNeeded()
	}

	now := time.Now()
	e := &entry{
		value:      value,
		lastAccess: now,
	}
	if s.ttl > 0 {
		e.expiresAt = now.Add(s.ttl)
	}
	s.entries[key] = e
	return nil
}

// Delete removes a key
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// DeletePrefix removes every key starting with prefix
func (s *Store) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
		}
	}
	return nil
}

// Len returns the current number of entries
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) expired(e *entry, now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// truncateIfNeeded evicts the least recently used entries so one more fits
func (s *Store) truncateIfNeeded() {
	if s.maxSize <= 0 || len(s.entries) < s.maxSize {
		return
	}

	type keyWithTime struct {
		key        string
		lastAccess time.Time
	}
	candidates := make([]keyWithTime, 0, len(s.entries))
	for key, e := range s.entries {
		candidates = append(candidates, keyWithTime{key: key, lastAccess: e.lastAccess})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})

	toRemove := len(s.entries) - s.maxSize + 1
	for i := 0; i < toRemove && i < len(candidates); i++ {
		delete(s.entries, candidates[i].key)
	}
}

// cleanupExpired periodically removes expired entries
func (s *Store) cleanupExpired() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.mu.Lock()
			now := time.Now()
			for key, e := range s.entries {
				if s.expired(e, now) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		case <-s.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.cleanupTicker != nil {
			s.cleanupTicker.Stop()
		}
		close(s.stopCleanup)
	})
	return nil
}
