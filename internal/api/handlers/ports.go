package handlers

import (
	"net/http"
	"strconv"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
)

// PortHandler serves port exposure and repository checkout.
type PortHandler struct {
	manager *sandbox.Manager
}

// NewPortHandler creates a new port handler
func NewPortHandler(manager *sandbox.Manager) *PortHandler {
	return &PortHandler{manager: manager}
}

type exposePortRequest struct {
	Port int `json:"port"`
}

type gitCloneRequest struct {
	RepoURL   string `json:"repoUrl"`
	Branch    string `json:"branch,omitempty"`
	TargetDir string `json:"targetDir,omitempty"`
}

func (h *PortHandler) List(w http.ResponseWriter, r *http.Request) {
	ports, err := h.manager.ListPorts(r.Context(), r.PathValue("id"), requestHost(r))
	if err != nil {
		WriteError(w, r, err, "Failed to get exposed ports")
		return
	}
	WriteSuccess(w, http.StatusOK, ports, "Exposed ports retrieved successfully")
}

// Expose handles POST /ports/expose and the legacy /expose-port alias.
func (h *PortHandler) Expose(w http.ResponseWriter, r *http.Request) {
	var req exposePortRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err, "")
		return
	}
	if req.Port == 0 {
		WriteError(w, r, sandbox.Invalid("port", "port number is required"), "")
		return
	}
	exposed, err := h.manager.ExposePort(r.Context(), r.PathValue("id"), req.Port, requestHost(r))
	if err != nil {
		WriteError(w, r, err, "Failed to expose port")
		return
	}
	WriteSuccess(w, http.StatusOK, exposed, "Port exposed successfully")
}

func (h *PortHandler) Unexpose(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		WriteError(w, r, sandbox.Invalid("port", "invalid port number"), "")
		return
	}
	if err := h.manager.UnexposePort(r.Context(), r.PathValue("id"), port); err != nil {
		WriteError(w, r, err, "Failed to unexpose port")
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]any{"port": port, "unexposed": true}, "Port unexposed successfully")
}

// GitClone handles POST /git/clone
func (h *PortHandler) GitClone(w http.ResponseWriter, r *http.Request) {
	var req gitCloneRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err, "")
		return
	}
	result, err := h.manager.GitClone(r.Context(), r.PathValue("id"), sandbox.GitCloneRequest{
		RepoURL:   req.RepoURL,
		Branch:    req.Branch,
		TargetDir: req.TargetDir,
	})
	if err != nil {
		WriteError(w, r, err, "Failed to clone repository")
		return
	}
	WriteSuccess(w, http.StatusOK, result, "Repository cloned successfully")
}
