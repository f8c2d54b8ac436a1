package handlers

import (
	"context"
	"net/http"
	"time"

	"botvisor/internal/logging"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// ReadyCheck answers 503 while any check fails.
func ReadyCheck(checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		for _, check := range checks {
			if err := check(ctx); err != nil {
				logging.Warn().Err(err).Msg("readiness check failed")
				writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
					Status:    "unavailable",
					Timestamp: time.Now().Format(time.RFC3339),
					Error:     err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:    "ready",
			Timestamp: time.Now().Format(time.RFC3339),
		})
	}
}
