package http

import (
	"context"
	"encoding/json"
	"net/http"
)

// Pinger verifies a store principal can reach the backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse is the JSON body of the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker verifies the store is reachable under both principals.
type HealthChecker struct {
	validator Pinger
	manager   Pinger
	version   string
}

// NewHealthChecker creates a HealthChecker over the two store pools.
func NewHealthChecker(validator, manager Pinger, version string) *HealthChecker {
	return &HealthChecker{validator: validator, manager: manager, version: version}
}

// Check pings both principals and reports per-principal results.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if err := h.validator.Ping(ctx); err != nil {
		checks["validator_store"] = err.Error()
		healthy = false
	} else {
		checks["validator_store"] = "ok"
	}

	if err := h.manager.Ping(ctx); err != nil {
		checks["manager_store"] = err.Error()
		healthy = false
	} else {
		checks["manager_store"] = "ok"
	}

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler returns the /health endpoint: 200 when the store is
// reachable under both principals, 503 otherwise.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}
