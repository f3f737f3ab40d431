// Package control exposes the orchestrator's command and event channels over
// HTTP. Commands arrive as single JSON messages on POST /control and each
// produces exactly one acknowledgement; progress events stream out on
// GET /events as server-sent events.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"stockflux/internal/models"
	"stockflux/internal/orchestrator"
)

// Command types accepted on the control endpoint.
const (
	CommandStart  = "START_JOB"
	CommandPause  = "PAUSE_JOB"
	CommandResume = "RESUME_JOB"
	CommandStop   = "STOP_JOB"
	CommandGet    = "GET_JOB"
)

const heartbeatInterval = 15 * time.Second

// Command is one control message.
type Command struct {
	Type string      `json:"type"`
	Job  *models.Job `json:"job,omitempty"`
}

// Ack is the single response produced for every command. Snapshot is set for
// START_JOB, RESUME_JOB, and GET_JOB; a GET_JOB with no stored run returns
// ok with a null snapshot.
type Ack struct {
	OK       bool             `json:"ok"`
	Error    string           `json:"error,omitempty"`
	Snapshot *models.RunState `json:"snapshot,omitempty"`
}

// Handler serves the control endpoints for one orchestrator.
type Handler struct {
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

// NewHandler wires the orchestrator into an HTTP handler.
func NewHandler(orch *orchestrator.Orchestrator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{orch: orch, logger: logger}
}

// Mux returns a ServeMux with the control routes registered.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/control", h.Control)
	mux.HandleFunc("/events", h.Events)
	return mux
}

// Control decodes one command and writes one acknowledgement.
func (h *Handler) Control(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeAck(w, http.StatusMethodNotAllowed, Ack{Error: "method not allowed"})
		return
	}

	var cmd Command
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cmd); err != nil {
		writeAck(w, http.StatusBadRequest, Ack{Error: fmt.Sprintf("decode command: %v", err)})
		return
	}

	ctx := r.Context()
	switch cmd.Type {
	case CommandStart:
		if cmd.Job == nil {
			writeAck(w, http.StatusBadRequest, Ack{Error: "start requires a job"})
			return
		}
		snapshot, err := h.orch.Start(ctx, *cmd.Job)
		if err != nil {
			writeAck(w, http.StatusBadRequest, Ack{Error: err.Error()})
			return
		}
		h.logger.Info("job started", "query", snapshot.Job.Query, "media", snapshot.Job.MediaType, "target", snapshot.Job.TargetCount)
		writeAck(w, http.StatusOK, Ack{OK: true, Snapshot: &snapshot})
	case CommandPause:
		if err := h.orch.Pause(ctx); err != nil {
			writeAck(w, commandStatus(err), Ack{Error: err.Error()})
			return
		}
		writeAck(w, http.StatusOK, Ack{OK: true})
	case CommandResume:
		snapshot, err := h.orch.Resume(ctx)
		if err != nil {
			writeAck(w, commandStatus(err), Ack{Error: err.Error()})
			return
		}
		writeAck(w, http.StatusOK, Ack{OK: true, Snapshot: &snapshot})
	case CommandStop:
		if err := h.orch.Stop(ctx); err != nil {
			writeAck(w, http.StatusInternalServerError, Ack{Error: err.Error()})
			return
		}
		writeAck(w, http.StatusOK, Ack{OK: true})
	case CommandGet:
		state, ok, err := h.orch.Get(ctx)
		if err != nil {
			writeAck(w, http.StatusInternalServerError, Ack{Error: err.Error()})
			return
		}
		ack := Ack{OK: true}
		if ok {
			ack.Snapshot = &state
		}
		writeAck(w, http.StatusOK, ack)
	default:
		writeAck(w, http.StatusBadRequest, Ack{Error: fmt.Sprintf("unknown command type %q", cmd.Type)})
	}
}

// Events streams orchestrator events as server-sent events until the client
// disconnects.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := h.orch.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("encode event failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func commandStatus(err error) int {
	if errors.Is(err, orchestrator.ErrNoJob) || errors.Is(err, orchestrator.ErrNotRunning) || errors.Is(err, orchestrator.ErrAlreadyRunning) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeAck(w http.ResponseWriter, status int, ack Ack) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ack)
}
