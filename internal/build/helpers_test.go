package build

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/conneroisu/pagecache/internal/errors"
	"github.com/stretchr/testify/require"
)

// fakeCompiler renders the entry file into a tiny page plus one hashed
// script. Sources containing "BROKEN" fail to compile.
type fakeCompiler struct {
	calls   atomic.Int64
	started chan struct{}
	release chan struct{}
	plugins [][]string
	mu      sync.Mutex
}

func newFakeCompiler() *fakeCompiler {
	return &fakeCompiler{}
}

func (fc *fakeCompiler) Compile(ctx context.Context, entryPath string, plugins []Plugin) (*Result, error) {
	fc.calls.Add(1)

	names := make([]string, 0, len(plugins))
	for _, p := range plugins {
		names = append(names, p.Name())
	}
	fc.mu.Lock()
	fc.plugins = append(fc.plugins, names)
	fc.mu.Unlock()

	if fc.started != nil {
		select {
		case fc.started <- struct{}{}:
		default:
		}
	}
	if fc.release != nil {
		<-fc.release
	}

	src, err := os.ReadFile(entryPath)
	if err != nil {
		return nil, err
	}
	if strings.Contains(string(src), "BROKEN") {
		return &Result{
			Success: false,
			Logs: []errors.BuildError{{
				File: entryPath, Line: 1, Column: 1, Message: "unexpected BROKEN", Severity: errors.ErrorSeverityError,
			}},
		}, nil
	}

	script := fmt.Sprintf("/_build/app-%016x.js", xxhash.Sum64(src))
	doc := fmt.Sprintf(`<html><body><p>%s</p><script src="%s"></script></body></html>`,
		strings.TrimSpace(string(src)), script)
	return &Result{
		Success: true,
		Outputs: []OutputFile{
			{Path: script, MediaType: "text/javascript", Contents: []byte("console.log(" + fmt.Sprint(len(src)) + ")")},
			{Path: "/index.html", MediaType: "text/html; charset=utf-8", Contents: []byte(doc)},
		},
	}, nil
}

func (fc *fakeCompiler) Calls() int64 {
	return fc.calls.Load()
}

type namedPlugin string

func (p namedPlugin) Name() string { return string(p) }

// configResolver turns a Config into plugins the fake compiler records.
type configResolver struct{}

func (configResolver) Resolve(cfg Config) ([]Plugin, error) {
	plugins := []Plugin{namedPlugin("hash")}
	if cfg.CSSFramework {
		plugins = append(plugins, namedPlugin("tailwind"))
	}
	for _, name := range cfg.ExtraPlugins {
		if name == "missing" {
			return nil, fmt.Errorf("unknown plugin %q", name)
		}
		plugins = append(plugins, namedPlugin(name))
	}
	return plugins, nil
}

// failingStore is a persistent tier whose every operation fails.
type failingStore struct {
	saves atomic.Int64
}

func (fs *failingStore) Save(string, Bundle) error {
	fs.saves.Add(1)
	return stderrors.New("disk full")
}
func (fs *failingStore) Load(string) (Bundle, bool) { return Bundle{}, false }
func (fs *failingStore) Delete(string) error        { return stderrors.New("read-only") }
func (fs *failingStore) Clear() error               { return stderrors.New("read-only") }

type testEnv struct {
	dir      string
	entry    string
	cacheDir string
	compiler *fakeCompiler
	store    *DiskStore
	cache    *Cache
}

// newTestEnv lays out <tmp>/site/app.html and a cache directory inside the
// site so the noise filter is exercised.
func newTestEnv(t *testing.T, dev bool, source string) *testEnv {
	t.Helper()

	dir := t.TempDir()
	site := filepath.Join(dir, "site")
	require.NoError(t, os.MkdirAll(site, 0o755))
	entry := filepath.Join(site, "app.html")
	require.NoError(t, os.WriteFile(entry, []byte(source), 0o644))

	cacheDir := filepath.Join(site, ".pagecache")
	env := &testEnv{
		dir:      dir,
		entry:    entry,
		cacheDir: cacheDir,
		compiler: newFakeCompiler(),
		store:    NewDiskStore(cacheDir, nil),
	}
	env.cache = env.newCache(t, dev)
	return env
}

func (env *testEnv) newCache(t *testing.T, dev bool) *Cache {
	t.Helper()
	c, err := New(Options{
		Compiler:      env.compiler,
		Plugins:       configResolver{},
		Store:         env.store,
		Dev:           dev,
		IgnoreDirs:    []string{".pagecache"},
		IgnorePaths:   []string{env.cacheDir},
		WatchDebounce: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (env *testEnv) write(t *testing.T, source string) {
	t.Helper()
	require.NoError(t, os.WriteFile(env.entry, []byte(source), 0o644))
}

// rebuildRecorder is a listener that keeps every event it sees.
type rebuildRecorder struct {
	mu     sync.Mutex
	events []RebuildEvent
}

func (r *rebuildRecorder) listen(e RebuildEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *rebuildRecorder) snapshot() []RebuildEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RebuildEvent(nil), r.events...)
}

func (r *rebuildRecorder) count() int {
	return len(r.snapshot())
}
