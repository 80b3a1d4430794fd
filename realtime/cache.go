package realtime

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// logical resource names
const (
	CacheReceivedMessages = "messages/received"
	CacheSentMessages     = "messages/sent"
)

const DefaultCacheStaleAfter = 5 * time.Minute

type cacheEntry struct {
	value     any
	stale     bool
	fetchedAt time.Time
}

// Cache holds last-known server data per logical resource name.
// entries are created lazily on first fetch and invalidated both by
// direct fetches and by dispatcher-triggered invalidations.
type Cache struct {
	mutex      sync.Mutex
	entries    map[string]*cacheEntry
	staleAfter time.Duration
}

func NewCache(staleAfter time.Duration) *Cache {
	return &Cache{
		entries:    map[string]*cacheEntry{},
		staleAfter: staleAfter,
	}
}

func (self *Cache) Get(name string) (any, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry, ok := self.entries[name]
	if !ok || entry.stale {
		return nil, false
	}
	if self.staleAfter <= time.Since(entry.fetchedAt) {
		entry.stale = true
		return nil, false
	}
	return entry.value, true
}

func (self *Cache) Put(name string, value any) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.entries[name] = &cacheEntry{
		value:     value,
		fetchedAt: time.Now(),
	}
}

// Invalidate marks an entry stale. idempotent: invalidating a missing
// or already-stale entry is a no-op.
func (self *Cache) Invalidate(name string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if entry, ok := self.entries[name]; ok {
		entry.stale = true
	}
	glog.V(2).Infof("[cache]invalidate %s\n", name)
}

func (self *Cache) InvalidateAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, name := range maps.Keys(self.entries) {
		self.entries[name].stale = true
	}
}

func cacheGet[R any](cache *Cache, name string) (R, bool) {
	if value, ok := cache.Get(name); ok {
		if typed, ok := value.(R); ok {
			return typed, true
		}
	}
	var empty R
	return empty, false
}
