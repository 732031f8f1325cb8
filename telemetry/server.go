package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/datastreamhq/cascade/state"
)

// DependencyHealth is one destination's probe result.
type DependencyHealth struct {
	Status    string  `json:"status"` // healthy | unhealthy
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// HealthReport is the /health response body.
type HealthReport struct {
	Status        string                      `json:"status"` // healthy | degraded | unhealthy
	UptimeSeconds float64                     `json:"uptime_seconds"`
	Dependencies  map[string]DependencyHealth `json:"dependencies"`
	Quarantined   []state.Latch               `json:"quarantined,omitempty"`
	DLQCounts     map[string]int              `json:"dlq_counts,omitempty"`
	EventsTotal   map[string]int64            `json:"events_replicated,omitempty"`
}

// HealthSource is the read-only orchestrator view the HTTP surface
// exposes. Implementations must never block pipeline writers.
type HealthSource interface {
	Health(ctx context.Context) HealthReport
}

// QuarantineControl clears latches via the operator endpoint.
type QuarantineControl interface {
	List() []state.Latch
	Clear(destination, keyspace, table string) (bool, error)
}

// Server is the metrics-and-health HTTP surface.
type Server struct {
	port       int
	health     HealthSource
	quarantine QuarantineControl
	srv        *http.Server
}

func NewServer(port int, health HealthSource, quarantine QuarantineControl) *Server {
	return &Server{port: port, health: health, quarantine: quarantine}
}

// Start serves in a background goroutine until Stop.
func (s *Server) Start() {
	r := chi.NewRouter()

	if h := GetMetricsHandler(); h != nil {
		r.Handle("/metrics", h)
	}
	r.Get("/health", s.handleHealth)
	r.Get("/quarantine", s.handleQuarantineList)
	r.Post("/quarantine/{destination}/{keyspace}/{table}/clear", s.handleQuarantineClear)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: r,
	}

	go func() {
		log.Info().Int("port", s.port).Msg("Metrics and health server started")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// Stop shuts the server down, waiting up to the given context.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report := s.health.Health(ctx)

	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleQuarantineList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.quarantine.List())
}

func (s *Server) handleQuarantineClear(w http.ResponseWriter, r *http.Request) {
	destination := chi.URLParam(r, "destination")
	keyspace := chi.URLParam(r, "keyspace")
	table := chi.URLParam(r, "table")

	cleared, err := s.quarantine.Clear(destination, keyspace, table)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !cleared {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("no quarantine latch for %s/%s.%s", destination, keyspace, table),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode HTTP response")
	}
}
