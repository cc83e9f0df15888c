package build

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/conneroisu/pagecache/internal/logging"
)

const (
	recordExt  = ".json"
	tempPrefix = ".tmp-"
	dirPerm    = 0o750
	recordPerm = 0o644
)

// ErrInvalidHTML is returned by Save for a document that is not valid
// UTF-8. JSON cannot carry such a document byte for byte.
var ErrInvalidHTML = stderrors.New("bundle HTML is not valid UTF-8")

// PersistentStore is the on-disk tier. Load reports any failure as a miss.
type PersistentStore interface {
	Save(key string, bundle Bundle) error
	Load(key string) (Bundle, bool)
	Delete(key string) error
	Clear() error
}

// DiskStore keeps one JSON record per cache key in a directory. Records are
// named by KeyHash and written through a temporary file plus rename, so a
// concurrent reader sees either the old record or the new one.
type DiskStore struct {
	dir    string
	logger logging.Logger
}

// record is the persisted form of a Bundle.
type record struct {
	HTML   string                 `json:"html"`
	Assets map[string]assetRecord `json:"assets"`
}

type assetRecord struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// RecordInfo describes one persisted record.
type RecordInfo struct {
	Hash    string    `json:"hash" yaml:"hash"`
	Size    int64     `json:"size" yaml:"size"`
	ModTime time.Time `json:"mod_time" yaml:"mod_time"`
}

var _ PersistentStore = (*DiskStore)(nil)

// NewDiskStore returns a store rooted at dir. The directory is created on
// first save.
func NewDiskStore(dir string, logger logging.Logger) *DiskStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &DiskStore{
		dir:    filepath.Clean(dir),
		logger: logger.WithComponent("disk-store"),
	}
}

// Dir returns the directory holding the records.
func (ds *DiskStore) Dir() string {
	return ds.dir
}

// Path returns the record path for key.
func (ds *DiskStore) Path(key string) string {
	return filepath.Join(ds.dir, KeyHash(key)+recordExt)
}

// Save persists bundle under key. The HTML must be valid UTF-8.
func (ds *DiskStore) Save(key string, bundle Bundle) error {
	if !utf8.ValidString(bundle.HTML) {
		return ErrInvalidHTML
	}

	rec := record{
		HTML:   bundle.HTML,
		Assets: make(map[string]assetRecord, len(bundle.Assets)),
	}
	for webPath, asset := range bundle.Assets {
		rec.Assets[webPath] = assetRecord{
			Type:    asset.MediaType,
			Content: base64.StdEncoding.EncodeToString(asset.Content),
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal cache record: %w", err)
	}

	if err := os.MkdirAll(ds.dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(ds.dir, tempPrefix+"*"+recordExt)
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpName := tmpFile.Name()

	// Clean up temp file on error
	defer func() {
		if _, err := os.Stat(tmpName); err == nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp cache file: %w", err)
	}
	if err := os.Chmod(tmpName, recordPerm); err != nil {
		return fmt.Errorf("failed to chmod cache file: %w", err)
	}
	if err := os.Rename(tmpName, ds.Path(key)); err != nil {
		return fmt.Errorf("failed to rename temp cache file: %w", err)
	}
	return nil
}

// Load reads the record for key. A missing record is a silent miss; any
// other read or parse failure is logged and also reported as a miss.
func (ds *DiskStore) Load(key string) (Bundle, bool) {
	p := ds.Path(key)

	//nolint:gosec // Path is derived from a hex hash under the cache directory
	data, err := os.ReadFile(p)
	if err != nil {
		if !stderrors.Is(err, fs.ErrNotExist) {
			ds.logger.Warn(context.Background(), err, "Failed to read cache record", "path", p)
		}
		return Bundle{}, false
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		ds.logger.Warn(context.Background(), err, "Failed to parse cache record", "path", p)
		return Bundle{}, false
	}

	bundle := Bundle{
		HTML:   rec.HTML,
		Assets: make(map[string]SideAsset, len(rec.Assets)),
	}
	for webPath, ar := range rec.Assets {
		content, err := base64.StdEncoding.DecodeString(ar.Content)
		if err != nil {
			ds.logger.Warn(context.Background(), err, "Failed to decode cache asset",
				"path", p, "asset", webPath)
			return Bundle{}, false
		}
		bundle.Assets[webPath] = SideAsset{MediaType: ar.Type, Content: content}
	}
	return bundle, true
}

// Delete removes the record for key. A missing record is not an error.
func (ds *DiskStore) Delete(key string) error {
	if err := os.Remove(ds.Path(key)); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove cache record: %w", err)
	}
	return nil
}

// Clear removes every record and leftover temporary file. Other files in the
// directory are left alone.
func (ds *DiskStore) Clear() error {
	entries, err := os.ReadDir(ds.dir)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if e.IsDir() || !isCacheFile(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(ds.dir, e.Name())); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to clear cache directory: %w", stderrors.Join(errs...))
	}
	return nil
}

// List describes every record on disk, sorted by hash.
func (ds *DiskStore) List() ([]RecordInfo, error) {
	entries, err := os.ReadDir(ds.dir)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}

	var out []RecordInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, recordExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, RecordInfo{
			Hash:    strings.TrimSuffix(name, recordExt),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	slices.SortFunc(out, func(a, b RecordInfo) int { return strings.Compare(a.Hash, b.Hash) })
	return out, nil
}

func isCacheFile(name string) bool {
	if strings.HasPrefix(name, tempPrefix) {
		return true
	}
	stem, ok := strings.CutSuffix(name, recordExt)
	if !ok || len(stem) != 16 {
		return false
	}
	for _, r := range stem {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
