package server

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/conneroisu/pagecache/internal/build"
	"github.com/conneroisu/pagecache/internal/config"
	"github.com/conneroisu/pagecache/internal/errors"
	"github.com/conneroisu/pagecache/internal/version"
)

const immutableCacheControl = "public, max-age=31536000, immutable"

// pageHandler builds (or fetches) route's entry and writes the document.
func (s *Server) pageHandler(route config.Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		document, err := s.cache.BuildAndCache(r.Context(), route.Entry, s.buildConfig)
		if err != nil {
			s.writeBuildFailure(w, r, route, err)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Content-Length", strconv.Itoa(len(document)))
		if _, err := w.Write([]byte(document)); err != nil {
			s.logger.Debug(r.Context(), "Failed to write page", "path", route.Path, "error", err.Error())
		}
	}
}

func (s *Server) writeBuildFailure(w http.ResponseWriter, r *http.Request, route config.Route, err error) {
	if stderrors.Is(err, build.ErrClosed) {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	var ce *errors.CompileError
	if !stderrors.As(err, &ce) {
		s.logger.Error(r.Context(), err, "Page build failed", "path", route.Path, "entry", route.Entry)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.logger.Warn(r.Context(), err, "Compile failed", "path", route.Path, "entry", route.Entry)

	var reloadScript string
	if s.hub != nil {
		reloadScript = build.ReloadScript(s.cache.ReloadPath())
	}
	var buf bytes.Buffer
	if renderErr := errors.Overlay(ce, reloadScript).Render(r.Context(), &buf); renderErr != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write(buf.Bytes())
}

// handleAsset serves a published side-asset.
func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.cache.GetAsset(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if asset.MediaType != "" {
		w.Header().Set("Content-Type", asset.MediaType)
	}
	if s.cache.Dev() {
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Cache-Control", immutableCacheControl)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(asset.Content)))
	_, _ = w.Write(asset.Content)
}

// handleHealth returns the server health status for health checks
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().UTC(),
		"version":     version.GetVersion(),
		"environment": s.config.Server.Environment,
		"checks": map[string]interface{}{
			"cache": map[string]interface{}{
				"memory_entries": s.cache.Memory().Len(),
				"hits":           s.cache.Memory().GetHits(),
				"misses":         s.cache.Memory().GetMisses(),
				"hit_rate":       s.cache.Memory().GetHitRate(),
			},
			"build": map[string]interface{}{
				"failing_entries": len(s.cache.Errors().All()),
			},
		},
	}
	if s.hub != nil {
		checks := health["checks"].(map[string]interface{})
		checks["websocket"] = map[string]interface{}{"clients": s.hub.ClientCount()}
		checks["watcher"] = map[string]interface{}{"entries": s.cache.WatchedEntries()}
	}

	s.writeJSON(w, r, http.StatusOK, health)
}

// handleBuildErrors returns the latest failure per entry.
func (s *Server) handleBuildErrors(w http.ResponseWriter, r *http.Request) {
	all := s.cache.Errors().All()
	count := 0
	for _, errs := range all {
		count += len(errs)
	}

	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"errors":    all,
		"count":     count,
		"timestamp": time.Now().Unix(),
	})
}

// handleReload asks every browser, or those showing ?page=, to reload.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	var entry string
	if page := r.URL.Query().Get("page"); page != "" {
		for _, route := range s.routes {
			if route.Path == page {
				entry = route.Entry
				break
			}
		}
		if entry == "" {
			http.Error(w, "Unknown page", http.StatusNotFound)
			return
		}
	}

	s.cache.RequestReload(entry)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn(r.Context(), err, "Failed to encode response", "path", r.URL.Path)
	}
}
