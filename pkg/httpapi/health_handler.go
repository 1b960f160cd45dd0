// Package httpapi serves the bridge's health check endpoint.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HealthStatus is the JSON body returned by the /health endpoint.
type HealthStatus struct {
	Status             string    `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp          time.Time `json:"timestamp"`
	Uptime             string    `json:"uptime"`
	ConnectionOnline   bool      `json:"connection_online"`
	LastSuccessfulPoll string    `json:"last_successful_poll"`
	ConsecutiveErrors  int       `json:"consecutive_errors"`
	Version            string    `json:"version,omitempty"`
}

// HealthChecker is the subset of the coordinator's surface the handler
// reads to build a HealthStatus.
type HealthChecker interface {
	IsOnline() bool
	LastSuccessfulCommunication() time.Time
	ConsecutiveErrors() int
}

// HealthHandler serves /health as JSON.
type HealthHandler struct {
	startTime time.Time
	checker   HealthChecker
	version   string
}

// NewHealthHandler builds a handler reporting on checker.
func NewHealthHandler(checker HealthChecker, version string) *HealthHandler {
	return &HealthHandler{
		startTime: time.Now(),
		checker:   checker,
		version:   version,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.status()

	w.Header().Set("Content-Type", "application/json")
	statusCode := http.StatusOK
	if status.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(status); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode health status: %v", err), http.StatusInternalServerError)
	}
}

func (h *HealthHandler) status() HealthStatus {
	now := time.Now()
	online := h.checker.IsOnline()
	lastSuccess := h.checker.LastSuccessfulCommunication()
	errors := h.checker.ConsecutiveErrors()

	var lastPollStr string
	if lastSuccess.IsZero() {
		lastPollStr = "never"
	} else {
		lastPollStr = formatSince(now.Sub(lastSuccess))
	}

	status := "healthy"
	switch {
	case !online:
		status = "unhealthy"
	case errors > 0:
		status = "degraded"
	}

	return HealthStatus{
		Status:             status,
		Timestamp:          now,
		Uptime:             formatDuration(now.Sub(h.startTime)),
		ConnectionOnline:   online,
		LastSuccessfulPoll: lastPollStr,
		ConsecutiveErrors:  errors,
		Version:            h.version,
	}
}

func formatSince(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%d seconds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%d hours ago", int(d.Hours()))
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%d hours %d minutes", int(d.Hours()), int(d.Minutes())%60)
	default:
		days := int(d.Hours()) / 24
		hours := int(d.Hours()) % 24
		return fmt.Sprintf("%d days %d hours", days, hours)
	}
}
