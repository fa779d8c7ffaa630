package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
)

// SandboxHandler serves sandbox lifecycle, execution and ping endpoints.
type SandboxHandler struct {
	manager *sandbox.Manager
}

// NewSandboxHandler creates a new sandbox handler
func NewSandboxHandler(manager *sandbox.Manager) *SandboxHandler {
	return &SandboxHandler{manager: manager}
}

// CreateSandboxRequest is the body of POST /api/sandboxes.
type CreateSandboxRequest struct {
	Name          string `json:"name"`
	StartupScript string `json:"startupScript,omitempty"`
	ScriptID      string `json:"scriptId,omitempty"`
}

// ExecuteRequest is the body of the execute and stream endpoints.
type ExecuteRequest struct {
	Command string `json:"command"`
}

// List returns every session.
func (h *SandboxHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.manager.List(r.Context())
	if err != nil {
		WriteError(w, r, err, "Failed to list sandboxes")
		return
	}
	WriteSuccess(w, http.StatusOK, sessions, "")
}

// Create blocks until the sandbox is running or has failed.
func (h *SandboxHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateSandboxRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err, "")
		return
	}

	sess, err := h.manager.Create(r.Context(), sandbox.CreateRequest{
		Name:          req.Name,
		StartupScript: req.StartupScript,
		ScriptID:      req.ScriptID,
	})
	if err != nil {
		WriteError(w, r, err, "Failed to initialize sandbox")
		return
	}
	WriteSuccess(w, http.StatusCreated, sess, "Sandbox created successfully")
}

// Get returns one session.
func (h *SandboxHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, "Failed to get sandbox")
		return
	}
	WriteSuccess(w, http.StatusOK, sess, "")
}

// Delete always succeeds for unknown ids.
func (h *SandboxHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Delete(r.Context(), r.PathValue("id")); err != nil {
		WriteError(w, r, err, "Failed to delete sandbox")
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]bool{"deleted": true}, "Sandbox deleted successfully")
}

// Execute runs a command to completion. A non-zero exit code is a
// successful call carrying the failure in its payload.
func (h *SandboxHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err, "")
		return
	}

	result, err := h.manager.Execute(r.Context(), r.PathValue("id"), req.Command)
	if err != nil {
		WriteError(w, r, err, "Command execution failed")
		return
	}
	WriteSuccess(w, http.StatusOK, result, "Command executed successfully")
}

// Stream runs a command and relays its output as server-sent events.
func (h *SandboxHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, r, sandbox.ErrStreamUnsupported, "")
		return
	}

	var req ExecuteRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err, "")
		return
	}

	id := r.PathValue("id")
	frames, err := h.manager.StreamExecute(r.Context(), id, req.Command)
	if err != nil {
		WriteError(w, r, err, "Command execution failed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for f := range frames {
		if err := writeFrame(w, f); err != nil {
			slog.Debug("stream client went away", "sandbox_id", id, "error", err)
			return
		}
		flusher.Flush()
	}
}

type outputEvent struct {
	Stream sandbox.Stream `json:"stream"`
	Data   string         `json:"data"`
}

type doneEvent struct {
	ExitCode int `json:"exitCode"`
}

type errorEvent struct {
	Error string `json:"error"`
}

// writeFrame renders one frame in SSE wire format.
func writeFrame(w http.ResponseWriter, f sandbox.Frame) error {
	var (
		event   string
		payload any
	)
	switch f.Kind {
	case sandbox.FrameOutput:
		payload = outputEvent{Stream: f.Stream, Data: string(f.Data)}
	case sandbox.FrameDone:
		event, payload = "done", doneEvent{ExitCode: f.ExitCode}
	case sandbox.FrameFailed:
		msg := "stream failed"
		if f.Err != nil {
			msg = f.Err.Error()
		}
		event, payload = "error", errorEvent{Error: msg}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// Ping probes the sandbox; failure answers 503.
func (h *SandboxHandler) Ping(w http.ResponseWriter, r *http.Request) {
	result, err := h.manager.Ping(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, "Sandbox ping failed")
		return
	}
	WriteSuccess(w, http.StatusOK, result, "Sandbox is healthy")
}
