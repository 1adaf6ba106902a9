package cache

import (
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

type entry struct {
	data      []byte
	createdAt time.Time
	ttl       time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// localStore is the in-process table. Expiry is tracked per entry and checked
// on read; go-cache's janitor purges whatever is never read again.
type localStore struct {
	mu      sync.Mutex
	items   *gocache.Cache
	maxSize int
	now     func() time.Time
}

func newLocalStore(maxSize int, defaultTTL, cleanupInterval time.Duration) *localStore {
	return &localStore{
		items:   gocache.New(defaultTTL, cleanupInterval),
		maxSize: maxSize,
		now:     time.Now,
	}
}

func (s *localStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.items.Get(key)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	if e.expired(s.now()) {
		s.items.Delete(key)
		return nil, false
	}
	return e.data, true
}

// set stores value and returns how many entries were evicted to make room.
func (s *localStore) set(key string, value []byte, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	if _, exists := s.items.Get(key); !exists && s.maxSize > 0 && s.items.ItemCount() >= s.maxSize {
		evicted = s.evictLocked(s.items.ItemCount() - s.maxSize + 1)
	}

	data := make([]byte, len(value))
	copy(data, value)
	// go-cache expiry trails ours by a second so that lazy eviction on read
	// stays authoritative.
	s.items.Set(key, &entry{data: data, createdAt: s.now(), ttl: ttl}, ttl+time.Second)
	return evicted
}

// evictLocked removes expired entries first, then the oldest by creation
// time until n entries are gone.
func (s *localStore) evictLocked(n int) int {
	before := s.items.ItemCount()
	s.items.DeleteExpired()
	removed := before - s.items.ItemCount()
	if removed >= n {
		return removed
	}

	type aged struct {
		key       string
		createdAt time.Time
	}
	all := s.items.Items()
	byAge := make([]aged, 0, len(all))
	for k, it := range all {
		byAge = append(byAge, aged{key: k, createdAt: it.Object.(*entry).createdAt})
	}
	sort.Slice(byAge, func(i, j int) bool {
		return byAge[i].createdAt.Before(byAge[j].createdAt)
	})

	for _, a := range byAge {
		if removed >= n {
			break
		}
		s.items.Delete(a.key)
		removed++
	}
	return removed
}

func (s *localStore) delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items.Delete(key)
}

func (s *localStore) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items.Flush()
}

func (s *localStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items.ItemCount()
}
