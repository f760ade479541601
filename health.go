package oauth

import (
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ServeHealth reports liveness.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// ServeReady reports readiness along with build and uptime details.
func (h *Handler) ServeReady(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ready",
		GitSHA:      h.config.GitSHA,
		Environment: h.config.Environment,
		Uptime:      strings.TrimSpace(humanize.RelTime(h.startTime, time.Now(), "", "")),
		StartedAt:   h.startTime.UTC().Format(time.RFC3339),
	})
}
