package cache

import (
	"sync"
	"time"
)

// MemoryStore 是基于 map 的进程内缓存，TTL 在构造时固定。
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]*Entry
}

// Option 调整 MemoryStore 的可选行为。
type Option func(*MemoryStore)

// WithClock 替换时钟，测试中用于推进时间。
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore 创建一个空的内存缓存。
func NewMemoryStore(ttl time.Duration, opts ...Option) *MemoryStore {
	s := &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL 返回条目的存活时长。
func (s *MemoryStore) TTL() time.Duration {
	return s.ttl
}

func (s *MemoryStore) Lookup(key string) (Entry, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}

	if entry.Age(s.now()) < s.ttl {
		return *entry, true
	}

	s.mu.Lock()
	// 读锁释放后可能已有新的 Store，只删除仍是旧条目的情况。
	if current, ok := s.entries[key]; ok && current == entry {
		delete(s.entries, key)
	}
	s.mu.Unlock()
	return Entry{}, false
}

func (s *MemoryStore) Store(key string, payload []byte, contentType string) {
	entry := &Entry{
		Path:        key,
		Payload:     payload,
		ContentType: contentType,
		CreatedAt:   s.now(),
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
}

// Len 返回当前持有的条目数，包含尚未被 Lookup 淘汰的过期条目。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
