// Package server serves configured pages out of the build cache, publishes
// their side-assets and, in development, pushes rebuild notifications to
// browsers over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/conneroisu/pagecache/internal/build"
	"github.com/conneroisu/pagecache/internal/compiler"
	"github.com/conneroisu/pagecache/internal/config"
	"github.com/conneroisu/pagecache/internal/logging"
	"github.com/conneroisu/pagecache/internal/metrics"
	"github.com/conneroisu/pagecache/internal/websocket"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// Server is the pagecache HTTP server.
type Server struct {
	config  *config.Config
	cache   *build.Cache
	hub     *websocket.Hub
	metrics *metrics.Metrics
	logger  logging.Logger

	buildConfig build.Config
	routes      []config.Route
	// pathsByEntry maps a cleaned entry path to the request paths serving it.
	pathsByEntry map[string][]string

	httpServer   *http.Server
	serverMutex  sync.RWMutex
	shutdownOnce sync.Once
	shutdownErr  error
}

// Options carries the collaborators of a Server.
type Options struct {
	Cache   *build.Cache
	Metrics *metrics.Metrics
	Logger  logging.Logger
}

// NewCache wires the compiler, plugin registry and disk store described by
// cfg into a build cache.
func NewCache(cfg *config.Config, logger logging.Logger, m *metrics.Metrics) (*build.Cache, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	cacheDir, err := filepath.Abs(cfg.Build.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	return build.New(build.Options{
		Compiler:      compiler.New(logger),
		Plugins:       compiler.NewRegistry(),
		Store:         build.NewDiskStore(cacheDir, logger),
		Dev:           cfg.IsDevelopment(),
		ReloadPath:    build.DefaultReloadPath,
		IgnoreDirs:    cfg.Development.IgnoreDirs,
		IgnorePaths:   []string{cacheDir},
		WatchDebounce: cfg.Development.Debounce,
		Logger:        logger,
		Metrics:       m,
	})
}

// New creates a server for cfg. In development mode a WebSocket hub is
// created and subscribed to cache rebuilds.
func New(cfg *config.Config, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server: config is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("server: build cache is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}

	s := &Server{
		config:       cfg,
		cache:        opts.Cache,
		metrics:      opts.Metrics,
		logger:       opts.Logger.WithComponent("server"),
		buildConfig:  cfg.BuildOptions(),
		routes:       cfg.Routes(),
		pathsByEntry: make(map[string][]string),
	}
	for _, route := range s.routes {
		entry := filepath.Clean(route.Entry)
		s.pathsByEntry[entry] = append(s.pathsByEntry[entry], route.Path)
	}

	if opts.Cache.Dev() {
		s.hub = websocket.NewHub(websocket.AllowedOrigins(cfg.Server.AllowedOrigins), opts.Logger)
		opts.Cache.OnRebuild(s.handleRebuild)
	}
	return s, nil
}

// Handler returns the routed handler wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	for _, route := range s.routes {
		pattern := route.Path
		if pattern == "/" {
			pattern = "/{$}"
		}
		mux.Handle("GET "+pattern, s.pageHandler(route))
	}
	mux.HandleFunc("GET "+compiler.DefaultAssetPrefix, s.handleAsset)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /api/build/errors", s.handleBuildErrors)

	if s.hub != nil {
		mux.HandleFunc("GET "+s.cache.ReloadPath(), s.hub.HandleWebSocket)
		mux.HandleFunc("POST /api/reload", s.handleReload)
	}

	return s.addMiddleware(mux)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Address(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until Shutdown. The build cache is cleared first unless
// build.clear_on_start is off.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.config.Build.ClearOnStart {
		if err := s.cache.Clear(); err != nil {
			_ = ln.Close()
			return fmt.Errorf("clear build cache: %w", err)
		}
	}

	s.serverMutex.Lock()
	if s.httpServer != nil {
		s.serverMutex.Unlock()
		_ = ln.Close()
		return fmt.Errorf("server already started")
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	s.logger.Info(ctx, "Server listening",
		"address", ln.Addr().String(),
		"environment", s.config.Server.Environment,
		"pages", len(s.routes))

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, disconnects WebSocket clients and
// closes the build cache. Only the first call does any work.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "Shutting down server")

		s.serverMutex.RLock()
		server := s.httpServer
		s.serverMutex.RUnlock()

		var errs []error
		if server != nil {
			if err := server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		if s.hub != nil {
			if err := s.hub.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
			}
		}
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("build cache close: %w", err))
		}
		s.shutdownErr = errors.Join(errs...)
	})
	return s.shutdownErr
}

// handleRebuild forwards a cache rebuild to the browsers showing the entry.
func (s *Server) handleRebuild(event build.RebuildEvent) {
	msg := websocket.Message{
		Type:      websocket.MessageRebuild,
		Entry:     event.EntryPath,
		Timestamp: event.At,
	}
	if event.Reload {
		msg.Type = websocket.MessageReload
	}
	if event.EntryPath != "" {
		msg.Paths = s.pathsByEntry[filepath.Clean(event.EntryPath)]
	}

	if err := s.hub.Broadcast(msg); err != nil && !errors.Is(err, websocket.ErrShutdown) {
		s.logger.Warn(context.Background(), err, "Failed to broadcast rebuild", "entry", event.EntryPath)
	}
}

func (s *Server) addMiddleware(handler http.Handler) http.Handler {
	origins := websocket.AllowedOrigins(s.config.Server.AllowedOrigins)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origins.IsAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		start := time.Now()
		handler.ServeHTTP(w, r)
		s.logger.Debug(r.Context(), "Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}
