package handlers

import (
	"net/http"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
)

// FileHandler serves file operations inside a sandbox.
type FileHandler struct {
	manager *sandbox.Manager
}

// NewFileHandler creates a new file handler
func NewFileHandler(manager *sandbox.Manager) *FileHandler {
	return &FileHandler{manager: manager}
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type pathRequest struct {
	Path string `json:"path"`
}

type renameRequest struct {
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

type moveRequest struct {
	SourcePath      string `json:"sourcePath"`
	DestinationPath string `json:"destinationPath"`
}

// List handles GET /files?path=
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	files, err := h.manager.ListFiles(r.Context(), r.PathValue("id"), r.URL.Query().Get("path"))
	if err != nil {
		WriteError(w, r, err, "Failed to list files")
		return
	}
	WriteSuccess(w, http.StatusOK, files, "Files listed successfully")
}

// Write handles POST /files
func (h *FileHandler) Write(w http.ResponseWriter, r *http.Request) {
	var req writeFileRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err, "")
		return
	}
	if err := h.manager.WriteFile(r.Context(), r.PathValue("id"), req.Path, []byte(req.Content)); err != nil {
		WriteError(w, r, err, "Failed to write file")
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]any{"path": req.Path, "written": true}, "File written successfully")
}

// Read handles GET /files/read/{path...}
func (h *FileHandler) Read(w http.ResponseWriter, r *http.Request) {
	filePath := "/" + r.PathValue("path")
	content, err := h.manager.ReadFile(r.Context(), r.PathValue("id"), filePath)
	if err != nil {
		WriteError(w, r, err, "Failed to read file")
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]any{"path": filePath, "content": string(content)}, "File read successfully")
}

// Mkdir handles POST /files/mkdir
func (h *FileHandler) Mkdir(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err, "")
		return
	}
	if err := h.manager.Mkdir(r.Context(), r.PathValue("id"), req.Path); err != nil {
		WriteError(w, r, err, "Failed to create directory")
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]any{"path": req.Path, "created": true}, "Directory created successfully")
}

// Delete handles POST /files/delete
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err, "")
		return
	}
	if err := h.manager.DeleteFile(r.Context(), r.PathValue("id"), req.Path); err != nil {
		WriteError(w, r, err, "Failed to delete file")
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]any{"path": req.Path, "deleted": true}, "File/directory deleted successfully")
}

// Rename handles POST /files/rename
func (h *FileHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err, "")
		return
	}
	if err := h.manager.RenameFile(r.Context(), r.PathValue("id"), req.OldPath, req.NewPath); err != nil {
		WriteError(w, r, err, "Failed to rename file")
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]any{
		"oldPath": req.OldPath,
		"newPath": req.NewPath,
		"renamed": true,
	}, "File/directory renamed successfully")
}

// Move handles POST /files/move
func (h *FileHandler) Move(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, r, err, "")
		return
	}
	if err := h.manager.MoveFile(r.Context(), r.PathValue("id"), req.SourcePath, req.DestinationPath); err != nil {
		WriteError(w, r, err, "Failed to move file")
		return
	}
	WriteSuccess(w, http.StatusOK, map[string]any{
		"sourcePath":      req.SourcePath,
		"destinationPath": req.DestinationPath,
		"moved":           true,
	}, "File/directory moved successfully")
}
