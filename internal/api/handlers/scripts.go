package handlers

import (
	"net/http"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
)

// ScriptHandler serves saved startup scripts.
type ScriptHandler struct {
	manager *sandbox.Manager
}

// NewScriptHandler creates a new startup script handler
func NewScriptHandler(manager *sandbox.Manager) *ScriptHandler {
	return &ScriptHandler{manager: manager}
}

type scriptRequest struct {
	Name        string `json:"name"`
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
}

func (req scriptRequest) input() sandbox.ScriptInput {
	return sandbox.ScriptInput{Name: req.Name, Content: req.Content, Description: req.Description}
}

func (h *ScriptHandler) List(w http.ResponseWriter, r *http.Request) {
	scripts, err := h.manager.ListScripts(r.Context())
	if err != nil {
		WriteError(w, r, err, "Failed to get startup scripts")
		return
	}
	WriteSuccess(w, http.StatusOK, scripts, "")
}

func (h *ScriptHandler) Get(w http.ResponseWriter, r *http.Request) {
	script, err := h.manager.GetScript(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, "Failed to get startup script")
		return
	}
	WriteSuccess(w, http.StatusOK, script, "")
}

func (h *ScriptHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req scriptRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err, "")
		return
	}
	script, err := h.manager.CreateScript(r.Context(), req.input())
	if err != nil {
		WriteError(w, r, err, "Failed to create startup script")
		return
	}
	WriteSuccess(w, http.StatusCreated, script, "")
}

func (h *ScriptHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req scriptRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err, "")
		return
	}
	script, err := h.manager.UpdateScript(r.Context(), r.PathValue("id"), req.input())
	if err != nil {
		WriteError(w, r, err, "Failed to update startup script")
		return
	}
	WriteSuccess(w, http.StatusOK, script, "")
}

func (h *ScriptHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.manager.DeleteScript(r.Context(), id); err != nil {
		WriteError(w, r, err, "Failed to delete startup script")
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]any{"deleted": true, "id": id}, "")
}

// Use stamps lastUsed on a script.
func (h *ScriptHandler) Use(w http.ResponseWriter, r *http.Request) {
	script, err := h.manager.UseScript(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, "Failed to update startup script usage")
		return
	}
	WriteSuccess(w, http.StatusOK, script, "")
}
