// Package admin implements the HTTP introspection surface: expvar metrics,
// a health check, and a cache-flush-by-domain action for operators.
package admin

import (
	"context"
	"expvar"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stubd/stubd/internal/cache"
	"github.com/stubd/stubd/internal/events"
	"github.com/stubd/stubd/internal/logging"
)

// Server is the admin HTTP listener.
type Server struct {
	httpServer *http.Server
	id         string
	addr       string
	cache      *cache.Cache
	events     *events.Bus
}

// New returns an admin Server bound to addr, exposing stats for c. bus may be
// nil; if set, cache-flush actions publish a cache event on it.
func New(id, addr string, c *cache.Cache, bus *events.Bus) *Server {
	mux := http.NewServeMux()
	s := &Server{id: id, addr: addr, cache: c, events: bus}

	mux.Handle("/stubd/vars", expvar.Handler())
	mux.HandleFunc("/stubd/healthz", s.handleHealthz)
	mux.HandleFunc("/stubd/cache/flush", s.handleCacheFlush)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleCacheFlush evicts every cache entry whose name matches the
// "domain" query parameter (a suffix match, so "example.com" also drops
// "www.example.com").
func (s *Server) handleCacheFlush(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	domain := strings.ToLower(strings.TrimSuffix(r.URL.Query().Get("domain"), "."))
	if domain == "" {
		n := s.cache.Flush(time.Now())
		s.publishCacheEvent("flushed", n)
		_, _ = w.Write([]byte(strconv.Itoa(n)))
		return
	}
	n := s.cache.Invalidate(func(k cache.Key) bool {
		name := strings.TrimSuffix(k.Name, ".")
		return name == domain || strings.HasSuffix(name, "."+domain)
	})
	s.publishCacheEvent("cleared", n)
	_, _ = w.Write([]byte(strconv.Itoa(n)))
}

func (s *Server) publishCacheEvent(event string, count int) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.TopicCache, map[string]any{"event": event, "count": count})
}

// Start serves the admin HTTP API until Stop is called.
func (s *Server) Start() error {
	logging.Log.Info("starting listener", "id", s.id, "protocol", "http", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the admin HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) String() string { return s.id }
