// Package api exposes the read-only HTTP surface of the control plane:
// health, room listings, and worker load. All session mutations go through
// the websocket gateway; these endpoints exist for operators, load
// balancers, and the lobby page's initial render.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"velostream/internal/directory"
	"velostream/internal/models"
	"velostream/internal/pool"
	"velostream/internal/room"
)

// Handler serves the JSON API.
type Handler struct {
	Orch      *room.Orchestrator
	Pool      *pool.Manager
	Store     directory.Store
	Logger    *slog.Logger
	StartedAt time.Time
}

// RequestError is the JSON error shape returned by every endpoint.
type RequestError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e RequestError) Error() string {
	return e.Message
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError encodes err as a RequestError response.
func WriteError(w http.ResponseWriter, status int, err error) {
	message := http.StatusText(status)
	if err != nil {
		message = err.Error()
	}
	WriteJSON(w, status, map[string]RequestError{
		"error": {Status: status, Message: message},
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", http.MethodGet)
	WriteError(w, http.StatusMethodNotAllowed, RequestError{
		Status:  http.StatusMethodNotAllowed,
		Message: "method " + r.Method + " not allowed",
	})
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Workers       int    `json:"workers"`
	WorkersAlive  int    `json:"workersAlive"`
	Rooms         int    `json:"rooms"`
	Directory     string `json:"directory"`
}

// Health reports liveness plus a coarse readiness signal: degraded when any
// media worker is down or the directory is unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r)
		return
	}

	workers := len(h.Pool.Stats())
	alive := h.Pool.AliveWorkers()

	response := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.StartedAt).Seconds()),
		Workers:       workers,
		WorkersAlive:  alive,
		Rooms:         h.Orch.RoomCount(),
		Directory:     "ok",
	}
	status := http.StatusOK
	if alive < workers {
		response.Status = "degraded"
	}
	if err := h.Store.Ping(r.Context()); err != nil {
		response.Status = "degraded"
		response.Directory = "unreachable"
		if h.Logger != nil {
			h.Logger.Warn("directory ping failed", "error", err)
		}
	}
	WriteJSON(w, status, response)
}

// Rooms lists every live room with its current member count. This is the
// lobby's initial snapshot; updates arrive over the websocket.
func (h *Handler) Rooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	summaries := h.Orch.ListRooms()
	if summaries == nil {
		summaries = []models.RoomSummary{}
	}
	WriteJSON(w, http.StatusOK, summaries)
}

// Workers reports per-worker load for operators.
func (h *Handler) Workers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r)
		return
	}
	WriteJSON(w, http.StatusOK, h.Pool.Stats())
}
