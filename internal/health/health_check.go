package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Pinger is a dependency that can report its reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// SafeModeReporter exposes the namesystem safe mode flag
type SafeModeReporter interface {
	InSafeMode() bool
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	editLog    Pinger
	retryStore Pinger
	safeMode   SafeModeReporter
	logger     *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	SafeMode  bool              `json:"safe_mode"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker. Any dependency may be nil.
func NewHealthChecker(editLog, retryStore Pinger, safeMode SafeModeReporter, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		editLog:    editLog,
		retryStore: retryStore,
		safeMode:   safeMode,
		logger:     logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	})
}

// ReadinessHandler handles readiness probe requests. Safe mode is reported
// but does not fail readiness: reads are still served.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if err := ping(ctx, h.editLog); err != nil {
		h.logger.Error("Edit log health check failed", zap.Error(err))
		checks["edit_log"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["edit_log"] = "healthy"
	}

	if err := ping(ctx, h.retryStore); err != nil {
		h.logger.Error("Retry cache store health check failed", zap.Error(err))
		checks["retry_cache"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		checks["retry_cache"] = "healthy"
	}

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}
	if h.safeMode != nil && h.safeMode.InSafeMode() {
		status.SafeMode = true
		checks["safe_mode"] = "on"
	}

	if allHealthy {
		status.Status = "ready"
		writeStatus(w, http.StatusOK, status)
		return
	}
	status.Status = "not_ready"
	writeStatus(w, http.StatusServiceUnavailable, status)
}

func ping(ctx context.Context, p Pinger) error {
	if p == nil {
		return nil
	}
	return p.Ping(ctx)
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// Routes registers the probe endpoints on mux
func (h *HealthChecker) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health/live", h.LivenessHandler)
	mux.HandleFunc("/health/ready", h.ReadinessHandler)
}

// NewHealthServer builds the health check HTTP server
func NewHealthServer(hc *HealthChecker, port int, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	hc.Routes(mux)

	addr := fmt.Sprintf(":%d", port)
	logger.Info("Starting health check server", zap.String("address", addr))

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}
