package build

import (
	"path"
	"strings"
	"sync"
)

// AssetTable is the process-wide map from public web path to side-asset,
// shared by every cache key. The last writer for a path wins.
type AssetTable struct {
	assets map[string]SideAsset
	mutex  sync.RWMutex
}

// NewAssetTable creates an empty asset table.
func NewAssetTable() *AssetTable {
	return &AssetTable{assets: make(map[string]SideAsset)}
}

// PutAll stores every asset of a bundle. Paths that do not normalize are
// skipped.
func (at *AssetTable) PutAll(assets map[string]SideAsset) {
	at.mutex.Lock()
	defer at.mutex.Unlock()
	for p, a := range assets {
		if clean, ok := NormalizeWebPath(p); ok {
			at.assets[clean] = a
		}
	}
}

// Lookup normalizes requestedPath and returns the matching asset. Any path
// containing a parent-directory segment is rejected before the map is read.
func (at *AssetTable) Lookup(requestedPath string) (SideAsset, bool) {
	clean, ok := NormalizeWebPath(requestedPath)
	if !ok {
		return SideAsset{}, false
	}
	at.mutex.RLock()
	defer at.mutex.RUnlock()
	asset, ok := at.assets[clean]
	return asset, ok
}

// Len returns the number of assets.
func (at *AssetTable) Len() int {
	at.mutex.RLock()
	defer at.mutex.RUnlock()
	return len(at.assets)
}

// Clear removes every asset.
func (at *AssetTable) Clear() {
	at.mutex.Lock()
	defer at.mutex.Unlock()
	at.assets = make(map[string]SideAsset)
}

// NormalizeWebPath converts p to a rooted, cleaned slash path. It fails for
// empty paths, NUL bytes and any ".." segment. Traversal is checked on the
// raw segments as well, since cleaning "/a/../../b" alone would hide it.
func NormalizeWebPath(p string) (string, bool) {
	if p == "" || strings.ContainsRune(p, 0) {
		return "", false
	}
	p = strings.ReplaceAll(p, "\\", "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", false
		}
	}
	clean := path.Clean("/" + p)
	if clean == "/" {
		return "", false
	}
	for _, seg := range strings.Split(clean, "/") {
		if seg == ".." {
			return "", false
		}
	}
	return clean, true
}
