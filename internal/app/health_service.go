package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/glowd/internal/config"
	"github.com/dokzlo13/glowd/internal/dispatch"
)

// DeliveryStatus reports the last intent acknowledged by the lighting
// daemon.
type DeliveryStatus interface {
	LastDelivered() dispatch.Record
}

// HealthService provides HTTP health check endpoints.
type HealthService struct {
	cfg    *config.Config
	status DeliveryStatus
	server *http.Server
}

// NewHealthService creates a new HealthService.
func NewHealthService(cfg *config.Config, status DeliveryStatus) *HealthService {
	return &HealthService{
		cfg:    cfg,
		status: status,
	}
}

// Start begins the health check server if enabled.
func (s *HealthService) Start(ctx context.Context) {
	if !s.cfg.Healthcheck.Enabled {
		return
	}

	go s.run(ctx)
}

// handleHealth is the liveness probe: the process is up and serving.
func (s *HealthService) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// handleReady is the readiness probe: ready once the dispatcher has
// synchronized the daemon at least once, reporting what was delivered.
func (s *HealthService) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	rec := s.status.LastDelivered()
	if rec.Seq == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"starting"}`))
		return
	}

	resp := struct {
		Status string    `json:"status"`
		Seq    uint64    `json:"seq"`
		Lights string    `json:"lights"`
		At     time.Time `json:"at"`
	}{Status: "ready", Seq: rec.Seq, Lights: "off", At: rec.At}
	if rec.On {
		resp.Lights = "on"
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (s *HealthService) run(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Healthcheck.Host, s.cfg.Healthcheck.Port)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	log.Info().Str("addr", addr).Msg("Starting health check server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Health check server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health check server error")
	}
}
