package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value    string
	expireAt time.Time
}

func (m *memoryItem) expired(now time.Time) bool {
	return !m.expireAt.IsZero() && now.After(m.expireAt)
}

// MemoryStore implements Store with in-memory storage and LRU eviction.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string]*memoryItem
	access  map[string]time.Time
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
	now     func() time.Time
}

// MemoryOption configures MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMaxSize bounds the number of live keys.
func WithMaxSize(n int) MemoryOption {
	return func(m *MemoryStore) {
		if n > 0 {
			m.maxSize = n
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates an in-memory TTL store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		data:    make(map[string]*memoryItem),
		access:  make(map[string]time.Time),
		maxSize: 10000,
		ticker:  time.NewTicker(time.Minute),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.cleanupLoop()
	return m
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(key, value, ttl)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.data[key]
	if !ok || item.expired(m.now()) {
		if ok {
			delete(m.data, key)
			delete(m.access, key)
		}
		return "", ErrCacheMiss
	}
	m.access[key] = m.now()
	return item.value, nil
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item, ok := m.data[key]; ok && !item.expired(m.now()) {
		return false, nil
	}
	m.put(key, value, ttl)
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, key)
		delete(m.access, key)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.ticker.Stop()
	close(m.done)
	return nil
}

// put assumes the lock is held.
func (m *MemoryStore) put(key, value string, ttl time.Duration) {
	if len(m.data) >= m.maxSize {
		m.evictLRU()
	}
	var expireAt time.Time
	if ttl > 0 {
		expireAt = m.now().Add(ttl)
	}
	m.data[key] = &memoryItem{value: value, expireAt: expireAt}
	m.access[key] = m.now()
}

// evictLRU removes the least recently used key. Lock held.
func (m *MemoryStore) evictLRU() {
	var oldest string
	var oldestAt time.Time
	for key, at := range m.access {
		if oldest == "" || at.Before(oldestAt) {
			oldest = key
			oldestAt = at
		}
	}
	if oldest != "" {
		delete(m.data, oldest)
		delete(m.access, oldest)
	}
}

func (m *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.ticker.C:
			m.mu.Lock()
			now := m.now()
			for key, item := range m.data {
				if item.expired(now) {
					delete(m.data, key)
					delete(m.access, key)
				}
			}
			m.mu.Unlock()
		}
	}
}

var _ Store = (*MemoryStore)(nil)
