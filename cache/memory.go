package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultHotTierSize = 256

// MemoryCache is the bounded hot tier sitting on top of an Index
// (spec.md §4.B): an LRU of raw bytes keyed by resource-id, plus a
// side lookup from source URL to the same decoded payload for UI
// consumers - never consulted by the core download path itself.
type MemoryCache struct {
	index Index

	hot *lru.Cache[string, []byte]

	urlMu sync.RWMutex
	byURL map[string][]byte
}

func NewMemoryCache(index Index, size int) (*MemoryCache, error) {
	if size <= 0 {
		size = defaultHotTierSize
	}
	hot, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{
		index: index,
		hot:   hot,
		byURL: make(map[string][]byte),
	}, nil
}

// Put populates the hot entry for id, called by the resource manager only
// after the cache index write for that id is observable (spec.md §4.E
// step 3, "Populate the memory-cache hot entry").
func (m *MemoryCache) Put(id string, data []byte) {
	m.hot.Add(id, data)
}

// PutByURL records a decoded payload under its source URL, for the UI
// side lookup described in spec.md §4.A. Not used by the download/cache
// write path.
func (m *MemoryCache) PutByURL(url string, data []byte) {
	m.urlMu.Lock()
	m.byURL[url] = data
	m.urlMu.Unlock()
}

func (m *MemoryCache) Get(id string) ([]byte, bool) {
	return m.hot.Get(id)
}

func (m *MemoryCache) GetByURL(url string) ([]byte, bool) {
	m.urlMu.RLock()
	defer m.urlMu.RUnlock()
	data, ok := m.byURL[url]
	return data, ok
}

func (m *MemoryCache) Evict(id string) {
	m.hot.Remove(id)
}

// Index exposes the underlying persistent Index for callers (the resource
// manager) that need the full Record, not just decoded bytes.
func (m *MemoryCache) Index() Index { return m.index }
