package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/pixelcache/pixelcache/pkg/types"
)

// MemoryOptions configures the in-process tier
type MemoryOptions struct {
	// MaxSize is the byte budget across all blobs
	MaxSize int64
	// TTL is the absolute age after which an entry is gone; 0 disables expiry
	TTL time.Duration
	// MaxEntrySize rejects larger blobs when > 0. At 0 a blob bigger than
	// the whole budget is admitted alone.
	MaxEntrySize int64
}

// MemoryTier is a size-bounded blob store evicting the oldest entries first
type MemoryTier struct {
	mu       sync.Mutex
	capacity int64
	maxEntry int64
	ttl      time.Duration
	size     int64
	items    map[string]*list.Element
	// order holds *memoryItem by storedAt, oldest at the front
	order *list.List
	now   func() time.Time
	stats types.CacheStats
}

type memoryItem struct {
	key      string
	data     []byte
	storedAt time.Time
}

// NewMemoryTier creates an empty memory tier
func NewMemoryTier(opts MemoryOptions) *MemoryTier {
	return newMemoryTier(opts, time.Now)
}

func newMemoryTier(opts MemoryOptions, now func() time.Time) *MemoryTier {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 50 * 1024 * 1024
	}
	return &MemoryTier{
		capacity: opts.MaxSize,
		maxEntry: opts.MaxEntrySize,
		ttl:      opts.TTL,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		now:      now,
		stats:    types.CacheStats{Capacity: opts.MaxSize},
	}
}

// Get returns a copy of the blob stored under key
func (m *MemoryTier) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		m.stats.Misses++
		return nil, false
	}

	item := elem.Value.(*memoryItem)
	if m.expired(item, m.now()) {
		m.remove(elem)
		m.stats.Expirations++
		m.stats.Misses++
		return nil, false
	}

	m.stats.Hits++
	out := make([]byte, len(item.data))
	copy(out, item.data)
	return out, true
}

// Set stores a copy of data under key, replacing any previous entry
func (m *MemoryTier) Set(key string, data []byte) {
	size := int64(len(data))

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxEntry > 0 && size > m.maxEntry {
		m.stats.Rejected++
		return
	}

	now := m.now()
	m.purgeExpired(now)

	if elem, ok := m.items[key]; ok {
		m.remove(elem)
	}

	for m.size+size > m.capacity && m.order.Len() > 0 {
		m.remove(m.order.Front())
		m.stats.Evictions++
	}

	item := &memoryItem{key: key, data: make([]byte, len(data)), storedAt: now}
	copy(item.data, data)
	m.items[key] = m.order.PushBack(item)
	m.size += size
}

// Clear removes every entry
func (m *MemoryTier) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*list.Element)
	m.order.Init()
	m.size = 0
}

// Size returns the total bytes held
func (m *MemoryTier) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

// Len returns the number of entries held, expired or not
func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Stats returns memory tier statistics
func (m *MemoryTier) Stats() types.CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.Size = m.size
	stats.Entries = len(m.items)
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	stats.Utilization = float64(m.size) / float64(m.capacity)
	return stats
}

func (m *MemoryTier) expired(item *memoryItem, now time.Time) bool {
	return m.ttl > 0 && now.Sub(item.storedAt) > m.ttl
}

// purgeExpired drops expired entries; they sit at the front since order is by storedAt
func (m *MemoryTier) purgeExpired(now time.Time) {
	for elem := m.order.Front(); elem != nil; elem = m.order.Front() {
		if !m.expired(elem.Value.(*memoryItem), now) {
			return
		}
		m.remove(elem)
		m.stats.Expirations++
	}
}

func (m *MemoryTier) remove(elem *list.Element) {
	item := m.order.Remove(elem).(*memoryItem)
	delete(m.items, item.key)
	m.size -= int64(len(item.data))
}
