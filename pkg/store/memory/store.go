package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/porthorian/openguard/pkg/store"
)

type entry struct {
	value   []byte
	expires time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Store is a process-local store.Store. Expired keys are dropped lazily on
// access and in bulk by Purge.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return NewWithClock(nil)
}

// NewWithClock is New with an injectable clock, nil meaning time.Now.
func NewWithClock(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		entries: map[string]entry{},
		now:     now,
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, store.ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(e.value), true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return store.ErrEmptyKey
	}

	s.mu.Lock()
	s.entries[key] = entry{
		value:   cloneBytes(value),
		expires: s.expiry(ttl),
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if key == "" {
		return 0, store.ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		s.entries[key] = entry{value: []byte("1"), expires: s.expiry(ttl)}
		return 1, nil
	}

	current, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, store.ErrNotInteger
	}
	current++
	e.value = []byte(strconv.FormatInt(current, 10))
	s.entries[key] = e
	return current, nil
}

// Update runs fn under the store lock, so concurrent updates of any key are
// serialized.
func (s *Store) Update(ctx context.Context, key string, fn store.UpdateFunc) error {
	if key == "" {
		return store.ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		current []byte
		ok      bool
	)
	if e, found := s.lookup(key); found {
		current, ok = cloneBytes(e.value), true
	}

	next, ttl, err := fn(current, ok)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.entries, key)
		return nil
	}
	s.entries[key] = entry{value: cloneBytes(next), expires: s.expiry(ttl)}
	return nil
}

// Purge removes every expired key and reports how many were dropped.
func (s *Store) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// lookup must be called with s.mu held.
func (s *Store) lookup(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

func (s *Store) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	cloned := make([]byte, len(value))
	copy(cloned, value)
	return cloned
}
