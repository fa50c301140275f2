package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pdbtools/typescraper/internal/backend"
	"github.com/pdbtools/typescraper/internal/manager"
	"github.com/pdbtools/typescraper/internal/supervisor"
)

// streamInterval is how often the SSE stream pushes log/progress updates.
const streamInterval = 2 * time.Second

type Handlers struct {
	sup     *supervisor.Supervisor
	scraper *manager.Manager
	logger  *slog.Logger

	// interval between SSE pushes; tests shorten it.
	interval time.Duration
}

func NewHandlers(sup *supervisor.Supervisor, scraper *manager.Manager, logger *slog.Logger) *Handlers {
	return &Handlers{
		sup:      sup,
		scraper:  scraper,
		logger:   logger,
		interval: streamInterval,
	}
}

// Routes mounts all scraper endpoints on a chi router.
func (h *Handlers) Routes(r chi.Router) {
	r.Route("/scraper", func(r chi.Router) {
		r.Post("/start", h.StartScrape)
		r.Post("/stop", h.StopScrape)
		r.Get("/status/{processID}", h.GetStatus)
		r.Get("/progress/{processID}", h.StreamProgress)
		r.Post("/profile", h.ScrapeProfile)
		r.Get("/available", h.GetAvailable)
		r.Get("/processes", h.ListProcesses)
		r.Get("/stats", h.GetStats)
	})
}

// StartScrapeResponse is the reply to POST /scraper/start.
type StartScrapeResponse struct {
	Success   bool                     `json:"success"`
	ProcessID string                   `json:"processId,omitempty"`
	Message   string                   `json:"message,omitempty"`
	Config    *supervisor.ScrapeConfig `json:"config,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// StartScrape spawns a new scrape process.
func (h *Handlers) StartScrape(w http.ResponseWriter, r *http.Request) {
	var cfg supervisor.ScrapeConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.respondJSON(w, http.StatusBadRequest, StartScrapeResponse{Success: false, Error: "invalid request body"})
		return
	}

	id, err := h.sup.Start(cfg)
	if err != nil {
		h.respondJSON(w, http.StatusBadRequest, StartScrapeResponse{Success: false, Error: err.Error()})
		return
	}

	h.respondJSON(w, http.StatusOK, StartScrapeResponse{
		Success:   true,
		ProcessID: id,
		Message:   "Scraping started",
		Config:    &cfg,
	})
}

// StopScrape cancels a running process.
func (h *Handlers) StopScrape(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProcessID string `json:"processId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProcessID == "" {
		h.respondJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "processId is required"})
		return
	}

	if err := h.sup.Stop(req.ProcessID); err != nil {
		if errors.Is(err, supervisor.ErrNotFound) {
			h.respondJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "Process not found"})
			return
		}
		h.respondJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Scraping stopped"})
}

// GetStatus returns the full process record snapshot plus its log history.
func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "processID")

	snap, err := h.sup.Status(id)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "Process not found")
		return
	}
	logs, _ := h.sup.Logs(id, 0)

	h.respondJSON(w, http.StatusOK, map[string]any{
		"process": snap,
		"logs":    logs,
	})
}

// StreamProgress is the SSE endpoint. It emits the current status
// immediately, then log/progress events every streamInterval, a single
// complete event when the process reaches a terminal state, and a single
// error event for unknown ids.
func (h *Handlers) StreamProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "processID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	snap, err := h.sup.Status(id)
	if err != nil {
		h.writeEvent(w, flusher, map[string]any{"type": "error", "error": "Process not found"})
		return
	}

	h.writeEvent(w, flusher, map[string]any{"type": "status", "process": snap})

	if snap.Status.Terminal() {
		h.writeEvent(w, flusher, map[string]any{"type": "complete", "status": snap.Status, "processId": id})
		return
	}

	// The ticker must be released on either side closing the stream.
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			snap, err := h.sup.Status(id)
			if err != nil {
				// Record evicted mid-stream.
				h.writeEvent(w, flusher, map[string]any{"type": "error", "error": "Process not found"})
				return
			}

			logs, _ := h.sup.Logs(id, 5)
			h.writeEvent(w, flusher, map[string]any{"type": "log", "logs": logs})
			h.writeEvent(w, flusher, map[string]any{"type": "progress", "progress": snap.Progress, "status": snap.Status})

			if snap.Status.Terminal() {
				h.writeEvent(w, flusher, map[string]any{"type": "complete", "status": snap.Status, "processId": id})
				return
			}
		}
	}
}

// ScrapeProfileRequest is the body of POST /scraper/profile.
type ScrapeProfileRequest struct {
	URL     string `json:"url"`
	Backend string `json:"browser,omitempty"`
}

// ScrapeProfile runs a synchronous single-profile scrape through the manager.
func (h *Handlers) ScrapeProfile(w http.ResponseWriter, r *http.Request) {
	var req ScrapeProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		h.respondJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "url is required"})
		return
	}

	if req.Backend != "" {
		kind, err := backend.ParseKind(req.Backend)
		if err != nil {
			h.respondJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
			return
		}
		if kind != h.scraper.ActiveKind() {
			if err := h.scraper.CreateScraper(r.Context(), kind); err != nil {
				h.respondJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": err.Error()})
				return
			}
		}
	}

	profile, err := h.scraper.ScrapeProfile(r.Context(), req.URL)
	if err != nil {
		h.logger.Error("profile scrape failed", "url", req.URL, "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, manager.ErrNoBackend) {
			status = http.StatusServiceUnavailable
		}
		h.respondJSON(w, status, map[string]any{"success": false, "error": err.Error()})
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{"success": true, "profile": profile})
}

// GetAvailable probes which backend kinds are usable right now.
func (h *Handlers) GetAvailable(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.scraper.Available(r.Context()))
}

// ListProcesses returns all known process records, newest first.
func (h *Handlers) ListProcesses(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.sup.Processes())
}

// GetStats returns process counts by status.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.sup.Stats())
}

func (h *Handlers) writeEvent(w http.ResponseWriter, flusher http.Flusher, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal sse event", "error", err)
		return
	}
	if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return
	}
	flusher.Flush()
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
