package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/helpdesk-realtime/internal/database"
	"github.com/rickgao/helpdesk-realtime/internal/hub"
	"github.com/rickgao/helpdesk-realtime/internal/version"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type statser[T any] interface {
	Stats() T
}

type health struct {
	Status     string         `json:"status"`
	Version    version.Info   `json:"version"`
	Components map[string]any `json:"components"`
}

// newMux serves the hub on /ws and a health report on /health.
func newMux(h *hub.Hub, db pinger, listener statser[database.ListenerStats]) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/health", healthHandler(h, db, listener))
	return mux
}

func healthHandler(h statser[hub.Stats], db pinger, listener statser[database.ListenerStats]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		report := health{
			Status:     "healthy",
			Version:    version.Get(),
			Components: make(map[string]any),
		}

		// Check database
		if err := db.Ping(ctx); err != nil {
			report.Status = "unhealthy"
			report.Components["postgres"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			report.Components["postgres"] = "connected"
		}

		ls := listener.Stats()
		report.Components["listener"] = ls
		if !ls.Listening && report.Status == "healthy" {
			report.Status = "degraded"
		}

		report.Components["hub"] = h.Stats()

		w.Header().Set("Content-Type", "application/json")
		if report.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	}
}
