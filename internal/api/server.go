package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"isobus-core/internal/models"
)

// StatusSource exposes the pool's runtime state to the API without coupling
// the server to the pool type.
type StatusSource interface {
	Status() models.PoolStatus
	Dropped() uint64
}

// WriterStats exposes the batch writer's counters.
type WriterStats interface {
	Flushes() uint64
	Spooled() uint64
	Dropped() uint64
}

// Server serves the operational status of the communication core over HTTP.
type Server struct {
	server *http.Server
	pool   StatusSource
	writer WriterStats
	log    zerolog.Logger
}

// NewServer creates a status server on the given port.
func NewServer(port int, pool StatusSource, writer WriterStats, log zerolog.Logger) *Server {
	s := &Server{
		pool:   pool,
		writer: writer,
		log:    log.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.server.Addr).Msg("status API listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("status API server failed")
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"name": "isobus-core",
		"endpoints": []string{
			"/health",
			"/api/status",
		},
	})
}

// handleHealth reports 200 while at least one interface is usable and 503
// once the pool has lost the bus entirely.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.pool.Status()
	healthy := st.HealthyCount()
	code := http.StatusOK
	status := "ok"
	if healthy == 0 {
		code = http.StatusServiceUnavailable
		status = "all interfaces failed"
	}
	respondWithJSON(w, code, map[string]any{
		"status":             status,
		"healthy_interfaces": healthy,
		"total_interfaces":   len(st.Interfaces),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	st := s.pool.Status()
	respondWithJSON(w, http.StatusOK, map[string]any{
		"pool": st,
		"counters": map[string]uint64{
			"received":      st.Received,
			"decode_errors": st.DecodeErrs,
			"promotions":    st.Promotions,
			"pool_dropped":  s.pool.Dropped(),
			"flushes":       s.writer.Flushes(),
			"spooled":       s.writer.Spooled(),
			"write_dropped": s.writer.Dropped(),
		},
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// respondWithError sends an error response
func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"failed to marshal response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
