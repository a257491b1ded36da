// Package debughttp is the optional debug listener named in SPEC_FULL.md's
// DOMAIN STACK table: a tiny go-chi mux exposing /metrics (Prometheus) and
// /debug/cache (a human-readable cache snapshot), off by default and opt-in
// via a CLI flag. It is scaled down from the teacher's control-plane API
// router to the one thing this stateless server can usefully expose.
package debughttp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unfs3go/unfsd/internal/logger"
	"github.com/unfs3go/unfsd/internal/metrics"
)

// CacheSnapshot is the point-in-time cache state /debug/cache renders,
// supplied by the dispatcher on every request (these caches are small and
// process-global, so there is no need to cache the snapshot itself).
type CacheSnapshot struct {
	FHCacheSize     int
	FDCache         metrics.FDCacheCounts
	WriteVerifier   string
	ReaddirEpoch    uint32
	MountCount      int
}

// Server is the debug HTTP listener. Snapshot is called once per request to
// /debug/cache; it must be safe to call from any goroutine since HTTP
// handlers run off the dispatcher's own goroutine.
type Server struct {
	Snapshot func() CacheSnapshot

	httpServer *http.Server
}

// New builds a debug HTTP server bound to addr (e.g. "127.0.0.1:8585").
func New(addr string, snapshot func() CacheSnapshot) *Server {
	s := &Server{Snapshot: snapshot}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.Get("/debug/cache", s.handleCache)

	s.httpServer = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Serve blocks, accepting connections until the server is shut down.
// Callers should run it in its own goroutine: it is a convenience endpoint,
// not part of the single-threaded RPC dispatch loop spec.md §5 describes.
func (s *Server) Serve() error {
	logger.Info("debug http listener starting", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	snap := s.Snapshot()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"metric", "value"})
	table.Append([]string{"fh_cache_size", fmt.Sprintf("%d", snap.FHCacheSize)})
	table.Append([]string{"fd_cache_unused", fmt.Sprintf("%d", snap.FDCache.Unused)})
	table.Append([]string{"fd_cache_open", fmt.Sprintf("%d", snap.FDCache.Open)})
	table.Append([]string{"fd_cache_pending_error", fmt.Sprintf("%d", snap.FDCache.PendingError)})
	table.Append([]string{"write_verifier", snap.WriteVerifier})
	table.Append([]string{"readdir_epoch", fmt.Sprintf("%d", snap.ReaddirEpoch)})
	table.Append([]string{"mount_count", fmt.Sprintf("%d", snap.MountCount)})
	table.Render()
}
