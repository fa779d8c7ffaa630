package handlers

import (
	"net/http"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
)

// ProcessHandler serves background process management.
type ProcessHandler struct {
	manager *sandbox.Manager
}

// NewProcessHandler creates a new process handler
func NewProcessHandler(manager *sandbox.Manager) *ProcessHandler {
	return &ProcessHandler{manager: manager}
}

func (h *ProcessHandler) List(w http.ResponseWriter, r *http.Request) {
	procs, err := h.manager.ListProcesses(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, "Failed to list processes")
		return
	}
	WriteSuccess(w, http.StatusOK, procs, "Processes listed successfully")
}

func (h *ProcessHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err, "")
		return
	}
	proc, err := h.manager.StartProcess(r.Context(), r.PathValue("id"), req.Command)
	if err != nil {
		WriteError(w, r, err, "Failed to start process")
		return
	}
	WriteSuccess(w, http.StatusOK, proc, "Process started successfully")
}

func (h *ProcessHandler) Kill(w http.ResponseWriter, r *http.Request) {
	processID := r.PathValue("processId")
	if err := h.manager.KillProcess(r.Context(), r.PathValue("id"), processID); err != nil {
		WriteError(w, r, err, "Failed to kill process")
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]any{"processId": processID, "killed": true}, "Process killed successfully")
}

func (h *ProcessHandler) Logs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.manager.ProcessLogs(r.Context(), r.PathValue("id"), r.PathValue("processId"))
	if err != nil {
		WriteError(w, r, err, "Failed to get process logs")
		return
	}
	WriteSuccess(w, http.StatusOK, logs, "Process logs retrieved successfully")
}
