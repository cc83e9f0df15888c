package build

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conneroisu/pagecache/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresCompilerAndStore(t *testing.T) {
	_, err := New(Options{Store: NewDiskStore(t.TempDir(), nil)})
	assert.Error(t, err)

	_, err = New(Options{Compiler: newFakeCompiler()})
	assert.Error(t, err)
}

func TestBuildAndCacheProduction(t *testing.T) {
	env := newTestEnv(t, false, "hello")
	ctx := context.Background()

	first, err := env.cache.BuildAndCache(ctx, env.entry, Config{})
	require.NoError(t, err)
	assert.Contains(t, first, "<p>hello</p>")
	assert.NotContains(t, first, "data-pagecache-reload")
	assert.EqualValues(t, 1, env.compiler.Calls())

	for i := 0; i < 3; i++ {
		again, err := env.cache.BuildAndCache(ctx, env.entry, Config{})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.EqualValues(t, 1, env.compiler.Calls(), "memory tier serves repeats")
	assert.Equal(t, 1, env.cache.Memory().Len())
	assert.Empty(t, env.cache.WatchedEntries(), "production never watches")

	records, err := env.store.List()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestBuildAndCacheDevelopment(t *testing.T) {
	env := newTestEnv(t, true, "hello")
	ctx := context.Background()

	first, err := env.cache.BuildAndCache(ctx, env.entry, Config{})
	require.NoError(t, err)
	assert.Contains(t, first, "<p>hello</p>")
	assert.Contains(t, first, "data-pagecache-reload")
	assert.Equal(t, 1, strings.Count(first, "data-pagecache-reload"))

	idx := strings.Index(first, "data-pagecache-reload")
	assert.Less(t, idx, strings.LastIndex(first, "</body>"), "client sits before </body>")

	again, err := env.cache.BuildAndCache(ctx, env.entry, Config{})
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.EqualValues(t, 1, env.compiler.Calls(), "disk tier serves repeats in development")
	assert.Equal(t, []string{env.entry}, env.cache.WatchedEntries())
}

func TestDevelopmentRepeatsAreByteIdenticalForInvalidUTF8(t *testing.T) {
	env := newTestEnv(t, true, "caf\xe9 latin1")
	ctx := context.Background()

	first, err := env.cache.BuildAndCache(ctx, env.entry, Config{})
	require.NoError(t, err)
	assert.Contains(t, first, "caf\xe9")

	again, err := env.cache.BuildAndCache(ctx, env.entry, Config{})
	require.NoError(t, err)
	assert.Equal(t, []byte(first), []byte(again))
	assert.NoFileExists(t, env.store.Path(env.cache.Key(env.entry, Config{})),
		"a document JSON would alter is not persisted")
}

func TestDevAndProductionUseDistinctSlots(t *testing.T) {
	env := newTestEnv(t, false, "hello")
	dev := env.newCache(t, true)

	assert.NotEqual(t, env.cache.Key(env.entry, Config{}), dev.Key(env.entry, Config{}))

	prodHTML, err := env.cache.BuildAndCache(context.Background(), env.entry, Config{})
	require.NoError(t, err)
	devHTML, err := dev.BuildAndCache(context.Background(), env.entry, Config{})
	require.NoError(t, err)

	assert.NotContains(t, prodHTML, "data-pagecache-reload")
	assert.Contains(t, devHTML, "data-pagecache-reload")
	assert.EqualValues(t, 2, env.compiler.Calls())
}

func TestDiskTierSurvivesRestart(t *testing.T) {
	env := newTestEnv(t, false, "persisted")
	ctx := context.Background()

	first, err := env.cache.BuildAndCache(ctx, env.entry, Config{})
	require.NoError(t, err)
	require.NoError(t, env.cache.Close())

	restarted := env.newCache(t, false)
	_, ok := restarted.GetAsset(firstScript(t, first))
	assert.False(t, ok, "assets are hydrated only when the record is read")

	again, err := restarted.BuildAndCache(ctx, env.entry, Config{})
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.EqualValues(t, 1, env.compiler.Calls())

	asset, ok := restarted.GetAsset(firstScript(t, first))
	require.True(t, ok)
	assert.Equal(t, "text/javascript", asset.MediaType)
}

func TestConfigurationsAreSeparateSlots(t *testing.T) {
	env := newTestEnv(t, false, "hello")
	ctx := context.Background()

	_, err := env.cache.BuildAndCache(ctx, env.entry, Config{})
	require.NoError(t, err)
	_, err = env.cache.BuildAndCache(ctx, env.entry, Config{CSSFramework: true})
	require.NoError(t, err)
	_, err = env.cache.BuildAndCache(ctx, env.entry, Config{CSSFramework: true, ExtraPlugins: []string{"banner"}})
	require.NoError(t, err)
	_, err = env.cache.BuildAndCache(ctx, env.entry, Config{CSSFramework: true})
	require.NoError(t, err)

	assert.EqualValues(t, 3, env.compiler.Calls())

	env.compiler.mu.Lock()
	defer env.compiler.mu.Unlock()
	assert.Equal(t, [][]string{
		{"hash"},
		{"hash", "tailwind"},
		{"hash", "tailwind", "banner"},
	}, env.compiler.plugins)
}

func TestConcurrentMissesShareOneCompile(t *testing.T) {
	env := newTestEnv(t, false, "slow")
	env.compiler.started = make(chan struct{}, 1)
	env.compiler.release = make(chan struct{})

	const callers = 16
	results := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.cache.BuildAndCache(context.Background(), env.entry, Config{})
		}(i)
	}

	<-env.compiler.started
	time.Sleep(50 * time.Millisecond)
	close(env.compiler.release)
	wg.Wait()

	assert.EqualValues(t, 1, env.compiler.Calls())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
}

func TestCompileFailureWritesNothing(t *testing.T) {
	env := newTestEnv(t, false, "BROKEN page")

	_, err := env.cache.BuildAndCache(context.Background(), env.entry, Config{})
	require.Error(t, err)

	var ce *errors.CompileError
	require.True(t, stderrors.As(err, &ce))
	require.Len(t, ce.Logs, 1)
	assert.Equal(t, "unexpected BROKEN", ce.Logs[0].Message)

	assert.Equal(t, 0, env.cache.Memory().Len())
	records, lerr := env.store.List()
	require.NoError(t, lerr)
	assert.Empty(t, records)
	assert.True(t, env.cache.Errors().HasErrors())
	assert.Len(t, env.cache.Errors().Get(env.entry), 1)

	// A failure is not cached: the next call compiles again.
	_, err = env.cache.BuildAndCache(context.Background(), env.entry, Config{})
	require.Error(t, err)
	assert.EqualValues(t, 2, env.compiler.Calls())

	env.write(t, "fixed")
	html, err := env.cache.BuildAndCache(context.Background(), env.entry, Config{})
	require.NoError(t, err)
	assert.Contains(t, html, "fixed")
	assert.False(t, env.cache.Errors().HasErrors())
}

func TestCompilerErrorIsWrapped(t *testing.T) {
	boom := stderrors.New("compiler exploded")
	c, err := New(Options{
		Compiler: CompilerFunc(func(context.Context, string, []Plugin) (*Result, error) {
			return nil, boom
		}),
		Store: NewDiskStore(t.TempDir(), nil),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.BuildAndCache(context.Background(), "page.html", Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var ce *errors.CompileError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "page.html", ce.Entry)
	assert.Equal(t, "compiler exploded", c.Errors().Get("page.html")[0].Message)
}

func TestCompileWithoutHTMLFails(t *testing.T) {
	store := NewDiskStore(t.TempDir(), nil)
	c, err := New(Options{
		Compiler: CompilerFunc(func(context.Context, string, []Plugin) (*Result, error) {
			return &Result{Success: true, Outputs: []OutputFile{
				{Path: "/_build/app.js", MediaType: "text/javascript", Contents: []byte("1")},
			}}, nil
		}),
		Store: store,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.BuildAndCache(context.Background(), "page.html", Config{})
	assert.ErrorIs(t, err, ErrNoHTML)
	_, ok := c.GetAsset("/_build/app.js")
	assert.False(t, ok)
	records, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPluginResolveFailure(t *testing.T) {
	env := newTestEnv(t, false, "hello")

	_, err := env.cache.BuildAndCache(context.Background(), env.entry, Config{ExtraPlugins: []string{"missing"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown plugin "missing"`)
	assert.EqualValues(t, 0, env.compiler.Calls())
}

func TestPersistFailureStillServes(t *testing.T) {
	store := &failingStore{}
	compiler := newFakeCompiler()
	entry := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(entry, []byte("hello"), 0o644))

	c, err := New(Options{Compiler: compiler, Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	html, err := c.BuildAndCache(context.Background(), entry, Config{})
	require.NoError(t, err)
	assert.Contains(t, html, "hello")
	assert.EqualValues(t, 1, store.saves.Load())

	again, err := c.BuildAndCache(context.Background(), entry, Config{})
	require.NoError(t, err)
	assert.Equal(t, html, again)
	assert.EqualValues(t, 1, compiler.Calls())

	assert.Error(t, c.Clear(), "the store failure is reported")
}

func TestClearForcesRebuild(t *testing.T) {
	env := newTestEnv(t, false, "hello")
	ctx := context.Background()

	html, err := env.cache.BuildAndCache(ctx, env.entry, Config{})
	require.NoError(t, err)

	require.NoError(t, env.cache.Clear())
	assert.Equal(t, 0, env.cache.Memory().Len())
	_, ok := env.cache.GetAsset(firstScript(t, html))
	assert.False(t, ok)
	records, err := env.store.List()
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = env.cache.BuildAndCache(ctx, env.entry, Config{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, env.compiler.Calls())
}

func TestGetAssetRejectsTraversal(t *testing.T) {
	env := newTestEnv(t, false, "hello")

	html, err := env.cache.BuildAndCache(context.Background(), env.entry, Config{})
	require.NoError(t, err)
	script := firstScript(t, html)

	asset, ok := env.cache.GetAsset(script)
	require.True(t, ok)
	assert.Equal(t, "console.log(5)", string(asset.Content))

	_, ok = env.cache.GetAsset(strings.TrimPrefix(script, "/"))
	assert.True(t, ok, "leading slash is optional")

	for _, p := range []string{
		"/../../etc/passwd",
		"/a/../../b",
		"/_build/../" + strings.TrimPrefix(script, "/"),
		"..\\..\\etc\\passwd",
		"",
		"/",
	} {
		_, ok := env.cache.GetAsset(p)
		assert.False(t, ok, "path %q", p)
	}
}

func TestClosedCacheRejectsBuilds(t *testing.T) {
	env := newTestEnv(t, true, "hello")
	require.NoError(t, env.cache.Close())
	require.NoError(t, env.cache.Close(), "close is idempotent")

	_, err := env.cache.BuildAndCache(context.Background(), env.entry, Config{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRequestReloadNotifies(t *testing.T) {
	env := newTestEnv(t, true, "hello")
	rec := &rebuildRecorder{}
	env.cache.OnRebuild(rec.listen)

	env.cache.RequestReload(env.entry)

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.True(t, events[0].Reload)
	assert.Equal(t, env.entry, events[0].EntryPath)
	assert.False(t, events[0].At.IsZero())
}

func TestPartition(t *testing.T) {
	bundle, err := partition([]OutputFile{
		{Path: "_build/a.css", MediaType: "text/css", Contents: []byte("a")},
		{Path: "/index.html", MediaType: "TEXT/HTML; charset=utf-8", Contents: []byte("<html></html>")},
		{Path: "/other.html", MediaType: "text/html", Contents: []byte("<p>second</p>")},
	})
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", bundle.HTML)
	assert.Contains(t, bundle.Assets, "/_build/a.css")
	assert.Contains(t, bundle.Assets, "/other.html", "later documents are side-assets")

	_, err = partition([]OutputFile{
		{Path: "/index.html", MediaType: "text/html"},
		{Path: "/../escape.js", MediaType: "text/javascript"},
	})
	assert.Error(t, err)

	_, err = partition(nil)
	assert.ErrorIs(t, err, ErrNoHTML)
}

func TestKeyLocksAreReleased(t *testing.T) {
	var kl keyLocks
	unlock := kl.lock("a")
	unlock2 := make(chan func())
	go func() { unlock2 <- kl.lock("a") }()

	select {
	case <-unlock2:
		t.Fatal("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	(<-unlock2)()

	kl.mu.Lock()
	defer kl.mu.Unlock()
	assert.Empty(t, kl.locks)
}

// firstScript extracts the hashed script path from a fake-compiled page.
func firstScript(t *testing.T, html string) string {
	t.Helper()
	_, rest, ok := strings.Cut(html, `src="`)
	require.True(t, ok, "no script in %q", html)
	src, _, _ := strings.Cut(rest, `"`)
	return src
}
