package build

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/conneroisu/pagecache/internal/errors"
	"github.com/conneroisu/pagecache/internal/logging"
	"github.com/conneroisu/pagecache/internal/watcher"
)

// watchSet owns the per-entry file watchers and the bounded pool of workers
// that run watcher-triggered rebuilds.
type watchSet struct {
	cache       *Cache
	debounce    time.Duration
	ignoreDirs  []string
	ignorePaths []string
	logger      logging.Logger

	mu      sync.Mutex
	entries map[string]*entryWatch
	pending map[string]bool
	closed  bool

	ctx   context.Context
	tasks chan string
	wg    sync.WaitGroup
}

// entryWatch is the watcher for one entry path and every configuration that
// has been built for it.
type entryWatch struct {
	fw      *watcher.FileWatcher
	configs map[string]Config
}

func newWatchSet(c *Cache, opts Options) *watchSet {
	ignoreDirs := append(slices.Clone(watcher.NoiseDirs), opts.IgnoreDirs...)
	return &watchSet{
		cache:       c,
		debounce:    opts.WatchDebounce,
		ignoreDirs:  ignoreDirs,
		ignorePaths: slices.Clone(opts.IgnorePaths),
		logger:      c.logger.WithComponent("rebuild"),
		entries:     make(map[string]*entryWatch),
		pending:     make(map[string]bool),
		tasks:       make(chan string, opts.RebuildQueue),
	}
}

func (ws *watchSet) startWorkers(ctx context.Context, n int) {
	ws.ctx = ctx
	for i := 0; i < n; i++ {
		ws.wg.Add(1)
		go ws.worker(ctx)
	}
}

// arm makes sure entry is watched and that cfg is rebuilt on change. A
// watcher that cannot be created is logged and retried on the next call.
func (ws *watchSet) arm(entry, key string, cfg Config) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.closed {
		return
	}
	if ew, ok := ws.entries[entry]; ok {
		ew.configs[key] = cfg
		return
	}

	root, err := filepath.Abs(filepath.Dir(entry))
	if err != nil {
		ws.logger.Warn(ws.ctx, err, "Cannot resolve entry directory", "entry", entry)
		return
	}

	fw, err := watcher.NewFileWatcher(ws.debounce, ws.logger)
	if err != nil {
		ws.logger.Warn(ws.ctx, err, "Cannot create watcher", "entry", entry)
		return
	}
	for _, d := range ws.ignoreDirs {
		fw.SkipDir(d)
	}
	fw.AddFilter(watcher.RelativeTo(root, watcher.IgnoreDirsFilter(ws.ignoreDirs...)))
	for _, p := range ws.ignorePaths {
		fw.AddFilter(watcher.IgnorePrefixFilter(p))
	}
	fw.AddFilter(watcher.NoEditorTempFilter)
	fw.AddHandler(func(events []watcher.ChangeEvent) error {
		ws.logger.Debug(ws.ctx, "Source changed", "entry", entry, "events", len(events), "first", events[0].Path)
		ws.enqueue(entry)
		return nil
	})

	if err := fw.AddRecursive(root); err != nil {
		_ = fw.Stop()
		ws.logger.Warn(ws.ctx, err, "Cannot watch entry directory", "entry", entry, "root", root)
		return
	}
	if err := fw.Start(ws.ctx); err != nil {
		_ = fw.Stop()
		ws.logger.Warn(ws.ctx, err, "Cannot start watcher", "entry", entry)
		return
	}

	ws.entries[entry] = &entryWatch{
		fw:      fw,
		configs: map[string]Config{key: cfg},
	}
	ws.logger.Info(ws.ctx, "Watching entry", "entry", entry, "root", root)
}

// enqueue schedules a rebuild of entry unless one is already waiting.
func (ws *watchSet) enqueue(entry string) {
	ws.mu.Lock()
	if ws.closed || ws.pending[entry] {
		ws.mu.Unlock()
		return
	}
	ws.pending[entry] = true
	ws.mu.Unlock()

	select {
	case ws.tasks <- entry:
	default:
		ws.mu.Lock()
		delete(ws.pending, entry)
		ws.mu.Unlock()
		ws.logger.Warn(ws.ctx, nil, "Rebuild queue full, dropping rebuild", "entry", entry)
	}
}

func (ws *watchSet) worker(ctx context.Context) {
	defer ws.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-ws.tasks:
			ws.mu.Lock()
			delete(ws.pending, entry)
			var configs map[string]Config
			if ew, ok := ws.entries[entry]; ok {
				configs = make(map[string]Config, len(ew.configs))
				for k, v := range ew.configs {
					configs[k] = v
				}
			}
			ws.mu.Unlock()

			ws.cache.rebuild(ctx, entry, configs)
		}
	}
}

// watched returns the entry paths currently watched.
func (ws *watchSet) watched() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]string, 0, len(ws.entries))
	for entry := range ws.entries {
		out = append(out, entry)
	}
	slices.Sort(out)
	return out
}

func (ws *watchSet) close() error {
	ws.mu.Lock()
	ws.closed = true
	var errs []error
	for _, ew := range ws.entries {
		if err := ew.fw.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	ws.entries = make(map[string]*entryWatch)
	ws.mu.Unlock()

	ws.wg.Wait()
	return stderrors.Join(errs...)
}

// WatchedEntries returns the entry paths with an armed watcher.
func (c *Cache) WatchedEntries() []string {
	return c.watch.watched()
}

// rebuild runs the evict, rebuild, repopulate sequence for every tracked
// configuration of entry, each under its key lock, then notifies listeners
// once. Failures are logged and recorded; the slot stays evicted so the next
// request retries the compile and reports the failure itself.
func (c *Cache) rebuild(ctx context.Context, entry string, configs map[string]Config) {
	keys := make([]string, 0, len(configs))
	for key := range configs {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	// A client showing the error page has no hashed scripts to swap.
	event := RebuildEvent{EntryPath: entry, Reload: len(c.errs.Get(entry)) > 0}
	for _, key := range keys {
		cfg := configs[key]

		unlock := c.locks.lock(key)
		c.evict(ctx, key)
		bundle, err := c.build(ctx, entry, cfg)
		if err != nil {
			unlock()
			var ce *errors.CompileError
			if stderrors.As(err, &ce) {
				c.errs.Record(entry, compileLogs(ce))
			}
			c.metrics.Rebuild(false)
			c.logger.Error(ctx, err, "Rebuild failed", "entry", entry, "hash", KeyHash(key))
			continue
		}
		c.populate(ctx, key, entry, bundle)
		unlock()

		c.metrics.Rebuild(true)
		c.logger.Info(ctx, "Rebuilt entry", "entry", entry, "hash", KeyHash(key))

		if len(event.Keys) == 0 {
			event.Key, event.HTML = key, bundle.HTML
		}
		event.Keys = append(event.Keys, key)
	}

	if len(event.Keys) > 0 {
		c.notifier.notify(event)
	}
}
