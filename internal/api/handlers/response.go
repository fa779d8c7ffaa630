// Package handlers implements the sandboxgate HTTP endpoints.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
)

// maxBodyBytes caps JSON request bodies. File writes carry content inline.
const maxBodyBytes = 32 << 20

// Envelope wraps every JSON response.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

// WriteSuccess writes a successful envelope.
func WriteSuccess(w http.ResponseWriter, status int, data any, message string) {
	WriteJSON(w, status, Envelope{Success: true, Data: data, Message: message})
}

// WriteFailure writes a failed envelope with an explicit status.
func WriteFailure(w http.ResponseWriter, status int, errMsg, message string) {
	WriteJSON(w, status, Envelope{Success: false, Error: errMsg, Message: message})
}

// WriteError classifies err and writes the matching failure envelope.
// failure is the headline used when the runtime itself failed.
func WriteError(w http.ResponseWriter, r *http.Request, err error, failure string) {
	status, errMsg, message := classify(err, failure)

	attrs := []any{
		"status", status,
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	}
	if id := r.PathValue("id"); id != "" {
		attrs = append(attrs, "sandbox_id", id)
	}
	var rtErr *sandbox.RuntimeError
	if errors.As(err, &rtErr) {
		attrs = append(attrs, "op", rtErr.Op)
	}
	if status >= 500 {
		slog.Error("request failed", attrs...)
	} else {
		slog.Warn("request rejected", attrs...)
	}

	WriteFailure(w, status, errMsg, message)
}

func classify(err error, failure string) (status int, errMsg, message string) {
	var (
		validation *sandbox.ValidationError
		proxyErr   *sandbox.ProxyError
		rtErr      *sandbox.RuntimeError
	)

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, validation.Error(), ""
	case errors.Is(err, sandbox.ErrSandboxNotFound):
		return http.StatusNotFound, "Sandbox not found", ""
	case errors.Is(err, sandbox.ErrScriptNotFound):
		return http.StatusNotFound, "Startup script not found", ""
	case errors.Is(err, sandbox.ErrNotRunning):
		return http.StatusServiceUnavailable, "Sandbox is not running", ""
	case errors.Is(err, sandbox.ErrUnhealthy):
		return http.StatusServiceUnavailable, "Sandbox ping failed", cause(err, sandbox.ErrUnhealthy)
	case errors.Is(err, sandbox.ErrInitFailed):
		return http.StatusInternalServerError, "Failed to initialize sandbox", cause(err, sandbox.ErrInitFailed)
	case errors.As(err, &proxyErr):
		return http.StatusBadGateway, "Failed to proxy request to sandbox service", proxyErr.Err.Error()
	case errors.As(err, &rtErr):
		return http.StatusInternalServerError, failure, rtErr.Err.Error()
	default:
		return http.StatusInternalServerError, "Internal server error", ""
	}
}

// cause strips the sentinel prefix from a "%w: %w" wrapped error.
func cause(err, sentinel error) string {
	return strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
}

// decode reads a strict JSON body into v. Unknown fields, trailing data and
// empty bodies are rejected.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return sandbox.Invalid("", "request body is required")
		}
		return sandbox.Invalid("", fmt.Sprintf("invalid request body: %v", err))
	}
	if dec.More() {
		return sandbox.Invalid("", "invalid request body: trailing data")
	}
	return nil
}

// requestHost is the hostname the client used, without port.
func requestHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		return r.Host
	}
	return host
}
