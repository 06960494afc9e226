package core

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nav9/multi-recorder/internal/types"
)

// HealthStatus represents the health state of the recorder service
type HealthStatus struct {
	Status        string               `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64                `json:"uptime_seconds"`
	SessionState  types.RecordingState `json:"session_state"`
	SourcesKnown  int                  `json:"sources_known"`
	Degraded      bool                 `json:"registry_degraded"`
	MQTTConnected bool                 `json:"mqtt_connected"`
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	status := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(started).Seconds()),
		SessionState:  s.controller.State(),
		SourcesKnown:  len(s.reg.List()),
		Degraded:      s.reg.Degraded(),
	}

	if s.emitter != nil && s.emitter.Client != nil && s.emitter.Client.IsConnected() {
		status.MQTTConnected = true
	}

	switch {
	case !running:
		status.Status = "unhealthy"
	case status.Degraded || (s.cfg.MQTT.Broker != "" && !status.MQTTConnected):
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health (simple liveness check)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness (detailed readiness check)
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.HealthCheck()
	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// StatusHandler handles /status (session snapshot)
func (s *Service) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(s.controller.Status())
}

// SourcesHandler handles /sources (registry snapshot)
func (s *Service) SourcesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"degraded": s.reg.Degraded(),
		"sources":  s.reg.List(),
	})
}

// StartHTTPServer starts the health/status/metrics server. It shuts down
// with the run context.
func (s *Service) StartHTTPServer(ctx context.Context, port string) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.LivenessHandler)
	r.Get("/readiness", s.ReadinessHandler)
	r.Get("/status", s.StatusHandler)
	r.Get("/sources", s.SourcesHandler)
	r.Method(http.MethodGet, "/metrics", s.mets.Handler(s.updateGauges))

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("starting http server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/status", "/sources", "/metrics"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server failed", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http server shutdown failed", "error", err)
		}
	}()
	return nil
}
