// Package internal contains the implementation packages for pagecache.
//
// # Package Organization
//
//   - build: two-tier build cache, asset table, rebuild watcher and notifier
//   - compiler: HTML entry compiler and its plugins (tailwind, banner)
//   - config: Viper-backed configuration and validation
//   - errors: compile failures, the error collector and the HTML overlay
//   - logging: structured logging on top of log/slog
//   - metrics: prometheus collectors for hits, misses and builds
//   - server: HTTP routes for pages, assets, health and hot reload
//   - version: build information for the binary
//   - watcher: debounced fsnotify wrapper with path filters
//   - websocket: hot-reload hub for connected browsers
//
// # Data Flow
//
// A page request reaches the server, which asks the build cache for the
// entry's HTML. The cache answers from memory (production only), then from
// disk, and compiles only on a full miss. Side-assets from the compile are
// published to the asset table and served under /_build/. In development
// the cache watches each entry's directory; a change evicts and rebuilds
// every configuration tracked for that entry and the notifier tells the
// websocket hub, which pushes a message to browsers showing the page.
package internal
