package server

import (
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/onnwee/streamherald/reconciler"
)

// Handlers carries the dependencies for all HTTP endpoints.
type Handlers struct {
	db  *sql.DB
	rec *reconciler.Reconciler
}

// adminAuth requires the ADMIN_TOKEN bearer token on admin endpoints when
// configured; without a configured token the endpoints are open (local dev).
func adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := os.Getenv("ADMIN_TOKEN")
		if want != "" {
			got := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+want)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with per-dependency checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports engine state: live channels and the last tick summary.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	last := h.rec.LastTick()
	var trackedCount int
	_ = h.db.QueryRowContext(r.Context(),
		`SELECT COUNT(DISTINCT channel_login) FROM tracked_channels`).Scan(&trackedCount)

	resp := map[string]interface{}{
		"live_channels":    len(h.rec.Snapshot()),
		"tracked_channels": trackedCount,
		"last_tick_at":     last.At.Format(time.RFC3339),
		"last_tick": map[string]interface{}{
			"duration_ms":   last.Duration.Milliseconds(),
			"checked":       last.Checked,
			"errors":        last.Errors,
			"went_live":     last.WentLive,
			"went_offline":  last.WentOffline,
			"stale_expired": last.StaleExpired,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// HandleAdminTick forces an immediate reconciliation cycle.
func (h *Handlers) HandleAdminTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := h.rec.RunTickNow(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// HandleAdminCleanup hard-resets one channel (?channel=login) or everything
// (?channel=all), the latter followed by a fresh tick.
func (h *Handlers) HandleAdminCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "missing channel parameter (login or 'all')", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if channel == "all" {
		stats := h.rec.ResyncAll(r.Context())
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"resync": stats})
		return
	}
	h.rec.ForceCleanup(r.Context(), channel)
	_ = json.NewEncoder(w).Encode(map[string]string{"cleaned": channel})
}

// HandleAdminStreams exports the per-channel debug snapshot.
func (h *Handlers) HandleAdminStreams(w http.ResponseWriter, r *http.Request) {
	snap := h.rec.Snapshot()
	type row struct {
		Channel         string `json:"channel"`
		Title           string `json:"title"`
		Category        string `json:"category"`
		Viewers         int    `json:"viewers"`
		LiveForSec      int64  `json:"live_for_seconds"`
		SinceUpdateSec  int64  `json:"since_update_seconds"`
		SubscriberCount int    `json:"subscriber_count"`
	}
	rows := make([]row, 0, len(snap))
	for _, s := range snap {
		rows = append(rows, row{
			Channel:         s.Channel,
			Title:           s.Title,
			Category:        s.Category,
			Viewers:         s.Viewers,
			LiveForSec:      int64(s.LiveFor.Seconds()),
			SinceUpdateSec:  int64(s.SinceUpdate.Seconds()),
			SubscriberCount: s.Subscribers,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"streams": rows})
}
