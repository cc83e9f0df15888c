package build

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SideAsset is a non-HTML build output served by web path.
type SideAsset struct {
	MediaType string
	Content   []byte
}

// Bundle is the unit of caching: the compiled document plus the side-assets
// it contributed to the asset table. A stored Bundle is never mutated; it is
// replaced wholesale.
type Bundle struct {
	HTML   string
	Assets map[string]SideAsset
}

// MemoryStore is the in-process tier: key to bundle for the process lifetime
// or until invalidated.
type MemoryStore struct {
	entries map[string]*memoryEntry
	mutex   sync.RWMutex

	hits    int64
	misses  int64
	sets    int64
	deletes int64
}

type memoryEntry struct {
	entryPath string
	bundle    Bundle
	storedAt  time.Time
}

// MemoryEntryInfo describes an entry for listings.
type MemoryEntryInfo struct {
	Key        string    `json:"key" yaml:"key"`
	EntryPath  string    `json:"entry" yaml:"entry"`
	HTMLBytes  int       `json:"html_bytes" yaml:"html_bytes"`
	AssetCount int       `json:"assets" yaml:"assets"`
	StoredAt   time.Time `json:"stored_at" yaml:"stored_at"`
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

// Get returns the bundle stored for key.
func (ms *MemoryStore) Get(key string) (Bundle, bool) {
	ms.mutex.RLock()
	entry, ok := ms.entries[key]
	ms.mutex.RUnlock()

	if !ok {
		atomic.AddInt64(&ms.misses, 1)
		return Bundle{}, false
	}
	atomic.AddInt64(&ms.hits, 1)
	return entry.bundle, true
}

// Set stores bundle for key, replacing any previous bundle.
func (ms *MemoryStore) Set(key, entryPath string, bundle Bundle) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	ms.entries[key] = &memoryEntry{entryPath: entryPath, bundle: bundle, storedAt: time.Now()}
	atomic.AddInt64(&ms.sets, 1)
}

// Delete removes key and reports whether it was present.
func (ms *MemoryStore) Delete(key string) bool {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	if _, ok := ms.entries[key]; !ok {
		return false
	}
	delete(ms.entries, key)
	atomic.AddInt64(&ms.deletes, 1)
	return true
}

// Clear removes every entry.
func (ms *MemoryStore) Clear() {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	ms.entries = make(map[string]*memoryEntry)
}

// Len returns the number of stored bundles.
func (ms *MemoryStore) Len() int {
	ms.mutex.RLock()
	defer ms.mutex.RUnlock()
	return len(ms.entries)
}

// Entries lists stored bundles sorted by key.
func (ms *MemoryStore) Entries() []MemoryEntryInfo {
	ms.mutex.RLock()
	out := make([]MemoryEntryInfo, 0, len(ms.entries))
	for key, e := range ms.entries {
		out = append(out, MemoryEntryInfo{
			Key:        key,
			EntryPath:  e.entryPath,
			HTMLBytes:  len(e.bundle.HTML),
			AssetCount: len(e.bundle.Assets),
			StoredAt:   e.storedAt,
		})
	}
	ms.mutex.RUnlock()

	slices.SortFunc(out, func(a, b MemoryEntryInfo) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// GetHits returns the number of hits
func (ms *MemoryStore) GetHits() int64 { return atomic.LoadInt64(&ms.hits) }

// GetMisses returns the number of misses
func (ms *MemoryStore) GetMisses() int64 { return atomic.LoadInt64(&ms.misses) }

// GetHitRate returns the hit rate from 0.0 to 1.0
func (ms *MemoryStore) GetHitRate() float64 {
	hits := atomic.LoadInt64(&ms.hits)
	total := hits + atomic.LoadInt64(&ms.misses)
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}
