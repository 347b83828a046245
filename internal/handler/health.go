package handler

import (
	"context"
	"net/http"
	"time"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

type HealthHandler struct {
	db          Pinger
	environment string
	now         func() time.Time
}

func NewHealthHandler(db Pinger, environment string) *HealthHandler {
	return &HealthHandler{db: db, environment: environment, now: time.Now}
}

func (h *HealthHandler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"timestamp":   h.now().UTC().Format(time.RFC3339),
		"environment": h.environment,
	})
}

// Health also checks the datastore and answers 503 when it is unreachable.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{
		"status":      "ok",
		"timestamp":   h.now().UTC().Format(time.RFC3339),
		"environment": h.environment,
		"database":    "ok",
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		resp["status"] = "degraded"
		resp["database"] = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
