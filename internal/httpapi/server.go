// Package httpapi exposes the operational probe surface: liveness,
// readiness, Prometheus metrics and the latest aggregated signal. The
// end-user API lives elsewhere; this server is for orchestrators, scrapers
// and signal consumers.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/whalewatch/whalewatch/internal/cache"
	"github.com/whalewatch/whalewatch/internal/models"
)

// Pinger is the repository health slice the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SignalSource is the cache slice the signal endpoint reads from.
type SignalSource interface {
	GetJSON(key string, out any) (bool, error)
}

// Server is the probe HTTP server.
type Server struct {
	addr    string
	store   Pinger
	metrics http.Handler
	signals SignalSource
	srv     *http.Server

	ready atomic.Bool
}

// New creates the probe server. metrics and signals may be nil to omit their
// endpoints.
func New(addr string, store Pinger, metrics http.Handler, signals SignalSource) *Server {
	return &Server{addr: addr, store: store, metrics: metrics, signals: signals}
}

// SetReady flips the readiness gate once startup tasks completed.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Start begins serving in the background.
func (s *Server) Start() {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	if s.signals != nil {
		r.HandleFunc("/signal", s.handleSignal).Methods(http.MethodGet)
	}

	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", s.addr).Msg("probe server failed")
		}
	}()
	log.Info().Str("addr", s.addr).Msg("probe server listening")
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("probe server shutdown failed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports not-ready until startup tasks finished and while the
// repository is unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unready",
				"error":  "repository_unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleSignal serves the latest aggregated signal from the cache. 404 means
// no signal has been emitted within its TTL.
func (s *Server) handleSignal(w http.ResponseWriter, _ *http.Request) {
	var signal models.AggregatedSignal
	ok, err := s.signals.GetJSON(cache.SignalKey(), &signal)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read cached signal")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cache_unreachable"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "no_signal"})
		return
	}
	writeJSON(w, http.StatusOK, signal)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
