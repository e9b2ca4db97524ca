// Package api exposes the control surface over HTTP: start, stop,
// emergency-stop, run-once, interval updates, status and history. It is the
// thin layer external callers (CLI, GUI) talk to; no rendering lives here.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nsetools/nsesync/internal/ledger"
	"github.com/nsetools/nsesync/internal/model"
	"github.com/nsetools/nsesync/internal/scheduler"
)

type Handler struct {
	ctrl *scheduler.Controller
	runs *ledger.Ledger
}

func New(ctrl *scheduler.Controller, runs *ledger.Ledger) *Handler {
	return &Handler{ctrl: ctrl, runs: runs}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/scheduler/start", h.start)
		r.Post("/scheduler/stop", h.stop)
		r.Post("/scheduler/emergency-stop", h.emergencyStop)
		r.Post("/scheduler/run-once", h.runOnce)
		r.Put("/scheduler/interval", h.updateInterval)
		r.Get("/status", h.status)
		r.Get("/history", h.history)
		r.Get("/stats", h.stats)
	})

	return r
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Start(); err != nil {
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "started"})
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"result": "stopping"})
}

func (h *Handler) emergencyStop(w http.ResponseWriter, r *http.Request) {
	h.ctrl.EmergencyStop()
	writeJSON(w, http.StatusOK, map[string]string{"result": "stopped"})
}

type runOnceRequest struct {
	Segments []string `json:"segments"`
}

func (h *Handler) runOnce(w http.ResponseWriter, r *http.Request) {
	var req runOnceRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	go func() {
		if err := h.ctrl.RunOnce(req.Segments); err != nil {
			slog.Warn("manual run refused", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "triggered"})
}

type intervalRequest struct {
	Minutes int `json:"minutes"`
}

func (h *Handler) updateInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.ctrl.UpdateInterval(req.Minutes); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": "updated", "minutes": req.Minutes})
}

type statusResponse struct {
	State            string   `json:"state"`
	NextRunAt        string   `json:"next_run_at,omitempty"`
	LastRunAt        string   `json:"last_run_at,omitempty"`
	IntervalMinutes  int      `json:"interval_minutes"`
	Segments         []string `json:"segments"`
	LastCycleSummary string   `json:"last_cycle_summary"`
	LastCycleBytes   string   `json:"last_cycle_bytes,omitempty"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	s := h.ctrl.Status()
	resp := statusResponse{
		State:            string(s.State),
		IntervalMinutes:  s.Config.IntervalMinutes,
		Segments:         s.Config.Segments,
		LastCycleSummary: scheduler.Describe(s.LastResult),
	}
	if s.NextRunAt != nil {
		resp.NextRunAt = s.NextRunAt.Format(time.RFC3339)
	}
	if s.LastRunAt != nil {
		resp.LastRunAt = s.LastRunAt.Format(time.RFC3339)
	}
	if s.LastResult != nil {
		resp.LastCycleBytes = humanize.Bytes(uint64(s.LastResult.Bytes))
	}
	writeJSON(w, http.StatusOK, resp)
}

type historyEntry struct {
	CycleID   string                         `json:"cycle_id"`
	StartedAt string                         `json:"started_at"`
	EndedAt   string                         `json:"ended_at,omitempty"`
	Trigger   string                         `json:"trigger"`
	Status    string                         `json:"status"`
	Note      string                         `json:"note,omitempty"`
	Segments  map[string]model.SegmentCounts `json:"segments"`
	TotalSize string                         `json:"total_size"`
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	now := time.Now()
	records, err := h.runs.Query(now.AddDate(0, 0, -days), now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	entries := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		e := historyEntry{
			CycleID:   rec.CycleID,
			StartedAt: rec.StartedAt.Format(time.RFC3339),
			Trigger:   string(rec.Trigger),
			Status:    string(rec.Status),
			Note:      rec.Note,
			Segments:  rec.Segments,
			TotalSize: humanize.Bytes(uint64(rec.TotalBytes())),
		}
		if rec.EndedAt != nil {
			e.EndedAt = rec.EndedAt.Format(time.RFC3339)
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.runs.Statistics(queryInt(r, "days", 30))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
