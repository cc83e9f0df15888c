package build

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/conneroisu/pagecache/internal/errors"
	"github.com/conneroisu/pagecache/internal/logging"
	"github.com/conneroisu/pagecache/internal/metrics"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoHTML is the cause of a CompileError when a successful compile
	// produced no HTML document.
	ErrNoHTML = stderrors.New("compiler produced no HTML document")
	// ErrClosed is returned after Close.
	ErrClosed = stderrors.New("build cache is closed")
)

const (
	defaultDebounce       = 100 * time.Millisecond
	defaultRebuildWorkers = 2
	defaultRebuildQueue   = 32
)

// Options configures a Cache.
type Options struct {
	Compiler Compiler
	Plugins  PluginResolver
	// Store is the persistent tier. Required.
	Store PersistentStore
	// Dev turns on development mode: no memory fast path, reload client
	// injection and file watching.
	Dev bool
	// ReloadPath is the WebSocket path the injected client dials.
	ReloadPath string
	// IgnoreDirs are directory names whose changes never trigger rebuilds,
	// in addition to watcher.NoiseDirs.
	IgnoreDirs []string
	// IgnorePaths are directories (typically the cache directory) whose
	// changes never trigger rebuilds.
	IgnorePaths    []string
	WatchDebounce  time.Duration
	RebuildWorkers int
	RebuildQueue   int
	Logger         logging.Logger
	Metrics        *metrics.Metrics
	Errors         *errors.ErrorCollector
}

// Cache is the build-artifact cache. It is safe for concurrent use by any
// number of request handlers and watcher callbacks.
type Cache struct {
	compiler   Compiler
	plugins    PluginResolver
	disk       PersistentStore
	memory     *MemoryStore
	assets     *AssetTable
	notifier   *Notifier
	errs       *errors.ErrorCollector
	metrics    *metrics.Metrics
	logger     logging.Logger
	dev        bool
	reloadPath string

	flight singleflight.Group
	locks  keyLocks

	watch *watchSet

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a cache. Rebuild workers are started immediately; call Close
// to stop them and any watchers.
func New(opts Options) (*Cache, error) {
	if opts.Compiler == nil {
		return nil, fmt.Errorf("build cache: compiler is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("build cache: persistent store is required")
	}
	if opts.Plugins == nil {
		opts.Plugins = NoPlugins{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Errors == nil {
		opts.Errors = errors.NewErrorCollector()
	}
	if opts.ReloadPath == "" {
		opts.ReloadPath = DefaultReloadPath
	}
	if opts.WatchDebounce <= 0 {
		opts.WatchDebounce = defaultDebounce
	}
	if opts.RebuildWorkers <= 0 {
		opts.RebuildWorkers = defaultRebuildWorkers
	}
	if opts.RebuildQueue <= 0 {
		opts.RebuildQueue = defaultRebuildQueue
	}

	logger := opts.Logger.WithComponent("build-cache")
	ctx, cancel := context.WithCancel(context.Background())

	c := &Cache{
		compiler:   opts.Compiler,
		plugins:    opts.Plugins,
		disk:       opts.Store,
		memory:     NewMemoryStore(),
		assets:     NewAssetTable(),
		notifier:   NewNotifier(logger),
		errs:       opts.Errors,
		metrics:    opts.Metrics,
		logger:     logger,
		dev:        opts.Dev,
		reloadPath: opts.ReloadPath,
		ctx:        ctx,
		cancel:     cancel,
		closed:     make(chan struct{}),
	}
	c.watch = newWatchSet(c, opts)
	c.watch.startWorkers(ctx, opts.RebuildWorkers)
	return c, nil
}

// Dev reports whether the cache runs in development mode.
func (c *Cache) Dev() bool {
	return c.dev
}

// ReloadPath returns the WebSocket path used by the reload client.
func (c *Cache) ReloadPath() string {
	return c.reloadPath
}

// Memory exposes the in-process tier for inspection.
func (c *Cache) Memory() *MemoryStore {
	return c.memory
}

// Errors returns the collector holding the latest failure per entry.
func (c *Cache) Errors() *errors.ErrorCollector {
	return c.errs
}

// OnRebuild registers a listener for watcher-triggered rebuilds.
func (c *Cache) OnRebuild(listener RebuildListener) {
	c.notifier.OnRebuild(listener)
}

// RequestReload tells every listener that clients should fully reload.
func (c *Cache) RequestReload(entryPath string) {
	c.notifier.notify(RebuildEvent{EntryPath: entryPath, Reload: true})
}

// GetAsset returns the side-asset published at requestedPath. Paths with
// parent-directory segments are always absent.
func (c *Cache) GetAsset(requestedPath string) (SideAsset, bool) {
	return c.assets.Lookup(requestedPath)
}

// Key returns the cache key BuildAndCache uses for the arguments.
func (c *Cache) Key(entryPath string, cfg Config) string {
	return DeriveKey(cleanEntry(entryPath), c.effective(cfg))
}

// BuildAndCache returns the compiled HTML for entryPath, serving it from the
// memory tier (production only), then the disk tier, and compiling only on
// a full miss. Concurrent misses for one key share a single compile. When
// the compile fails the returned error is a *errors.CompileError.
func (c *Cache) BuildAndCache(ctx context.Context, entryPath string, cfg Config) (string, error) {
	select {
	case <-c.closed:
		return "", ErrClosed
	default:
	}

	entry := cleanEntry(entryPath)
	cfg = c.effective(cfg)
	key := DeriveKey(entry, cfg)

	if !c.dev {
		if bundle, ok := c.memory.Get(key); ok {
			c.metrics.Hit(metrics.TierMemory)
			return bundle.HTML, nil
		}
	}

	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		return c.load(ctx, entry, cfg, key)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// load runs the disk probe and, failing that, the build under the key lock.
func (c *Cache) load(ctx context.Context, entry string, cfg Config, key string) (string, error) {
	unlock := c.locks.lock(key)
	defer unlock()

	// Another caller may have populated the slot while this one waited.
	if !c.dev {
		if bundle, ok := c.memory.Get(key); ok {
			c.metrics.Hit(metrics.TierMemory)
			return bundle.HTML, nil
		}
	}

	if bundle, ok := c.disk.Load(key); ok {
		c.metrics.Hit(metrics.TierDisk)
		c.assets.PutAll(bundle.Assets)
		c.memory.Set(key, entry, bundle)
		c.metrics.SetAssets(c.assets.Len())
		if c.dev {
			c.watch.arm(entry, key, cfg)
		}
		c.logger.Debug(ctx, "Served from disk tier", "entry", entry, "hash", KeyHash(key))
		return bundle.HTML, nil
	}

	c.metrics.Miss()
	bundle, err := c.build(ctx, entry, cfg)
	if err != nil {
		var ce *errors.CompileError
		if stderrors.As(err, &ce) {
			c.errs.Record(entry, compileLogs(ce))
		}
		// Keep watching so fixing the source rebuilds and reloads clients
		// that are looking at the error page.
		if c.dev {
			c.watch.arm(entry, key, cfg)
		}
		return "", err
	}

	c.populate(ctx, key, entry, bundle)
	if c.dev {
		c.watch.arm(entry, key, cfg)
	}
	return bundle.HTML, nil
}

// build compiles entry and assembles a bundle. It writes nothing.
func (c *Cache) build(ctx context.Context, entry string, cfg Config) (Bundle, error) {
	op := logging.StartOperation(c.logger, "compile")
	start := time.Now()

	plugins, err := c.plugins.Resolve(cfg)
	if err != nil {
		c.metrics.Build(false, time.Since(start))
		return Bundle{}, errors.NewCompileError(entry, nil, fmt.Errorf("resolving plugins: %w", err))
	}

	// Builds are not cancelled once started.
	res, err := c.compiler.Compile(context.WithoutCancel(ctx), entry, plugins)
	if err != nil {
		c.metrics.Build(false, time.Since(start))
		op.EndWithError(ctx, err, "entry", entry)
		return Bundle{}, errors.NewCompileError(entry, nil, err)
	}
	if res == nil || !res.Success {
		c.metrics.Build(false, time.Since(start))
		var logs []errors.BuildError
		if res != nil {
			logs = res.Logs
		}
		ce := errors.NewCompileError(entry, logs, nil)
		op.EndWithError(ctx, ce, "entry", entry)
		return Bundle{}, ce
	}

	bundle, err := partition(res.Outputs)
	if err != nil {
		c.metrics.Build(false, time.Since(start))
		return Bundle{}, errors.NewCompileError(entry, res.Logs, err)
	}

	if c.dev {
		injected, err := InjectReloadClient(bundle.HTML, c.reloadPath)
		if err != nil {
			c.metrics.Build(false, time.Since(start))
			return Bundle{}, errors.NewCompileError(entry, res.Logs, fmt.Errorf("injecting reload client: %w", err))
		}
		bundle.HTML = injected
	}

	c.metrics.Build(true, time.Since(start))
	op.End(ctx, "entry", entry, "assets", len(bundle.Assets))
	return bundle, nil
}

// populate publishes a fresh bundle to the asset table and both tiers. A
// failed disk write is logged; the memory tier already holds the value.
func (c *Cache) populate(ctx context.Context, key, entry string, bundle Bundle) {
	c.assets.PutAll(bundle.Assets)
	c.memory.Set(key, entry, bundle)
	c.metrics.SetAssets(c.assets.Len())
	c.errs.Record(entry, nil)

	if err := c.disk.Save(key, bundle); err != nil {
		c.metrics.PersistError()
		c.logger.Warn(ctx, err, "Failed to persist bundle", "entry", entry, "hash", KeyHash(key))
	}
}

// evict drops key from both tiers.
func (c *Cache) evict(ctx context.Context, key string) {
	c.memory.Delete(key)
	if err := c.disk.Delete(key); err != nil {
		c.metrics.PersistError()
		c.logger.Warn(ctx, err, "Failed to evict persisted bundle", "hash", KeyHash(key))
	}
}

// Clear removes every persisted record and empties the memory tier and the
// asset table, so the next request for any key rebuilds.
func (c *Cache) Clear() error {
	c.memory.Clear()
	c.assets.Clear()
	c.errs.Clear()
	c.metrics.SetAssets(0)
	if err := c.disk.Clear(); err != nil {
		return fmt.Errorf("clearing persistent store: %w", err)
	}
	return nil
}

// Close stops all watchers and rebuild workers. In-flight rebuilds finish
// first.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		err = c.watch.close()
	})
	return err
}

func (c *Cache) effective(cfg Config) Config {
	out := cfg.clone()
	out.Dev = c.dev
	return out
}

// partition splits compiler outputs into the entry document (the first HTML
// output) and side-assets.
func partition(outputs []OutputFile) (Bundle, error) {
	bundle := Bundle{Assets: make(map[string]SideAsset)}
	found := false
	for _, out := range outputs {
		if !found && isHTML(out.MediaType) {
			bundle.HTML = string(out.Contents)
			found = true
			continue
		}
		webPath, ok := NormalizeWebPath(out.Path)
		if !ok {
			return Bundle{}, fmt.Errorf("invalid asset path %q", out.Path)
		}
		bundle.Assets[webPath] = SideAsset{MediaType: out.MediaType, Content: out.Contents}
	}
	if !found {
		return Bundle{}, ErrNoHTML
	}
	return bundle, nil
}

func isHTML(mediaType string) bool {
	base, _, _ := strings.Cut(mediaType, ";")
	return strings.EqualFold(strings.TrimSpace(base), MediaTypeHTML)
}

func cleanEntry(entryPath string) string {
	return filepath.Clean(entryPath)
}

// compileLogs returns the logs to record for a failure, synthesizing one
// line from the cause when the compiler gave none.
func compileLogs(ce *errors.CompileError) []errors.BuildError {
	if len(ce.Logs) > 0 {
		return ce.Logs
	}
	msg := "compile failed"
	if ce.Cause != nil {
		msg = ce.Cause.Error()
	}
	return []errors.BuildError{{File: ce.Entry, Message: msg, Severity: errors.ErrorSeverityError}}
}

// NoPlugins resolves every configuration to an empty plugin list.
type NoPlugins struct{}

// Resolve returns no plugins.
func (NoPlugins) Resolve(Config) ([]Plugin, error) { return nil, nil }

// keyLocks hands out one mutex per cache key. Entries are reference counted
// and removed when unused.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (kl *keyLocks) lock(key string) (unlock func()) {
	kl.mu.Lock()
	if kl.locks == nil {
		kl.locks = make(map[string]*keyLock)
	}
	l, ok := kl.locks[key]
	if !ok {
		l = &keyLock{}
		kl.locks[key] = l
	}
	l.refs++
	kl.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		kl.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(kl.locks, key)
		}
		kl.mu.Unlock()
	}
}
