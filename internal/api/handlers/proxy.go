package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
)

// hopHeaders are connection-scoped and never relayed.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// ProxyHandler forwards requests into services running inside sandboxes.
type ProxyHandler struct {
	manager *sandbox.Manager
}

// NewProxyHandler creates a new proxy handler
func NewProxyHandler(manager *sandbox.Manager) *ProxyHandler {
	return &ProxyHandler{manager: manager}
}

// servicePort is an exposed port plus the gateway route that reaches it.
type servicePort struct {
	sandbox.ExposedPort
	ServiceURL string `json:"serviceUrl"`
}

// Service handles /sandboxes/{id}/service/{path...}. The upstream response
// is streamed back as it arrives.
func (h *ProxyHandler) Service(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp, err := h.manager.Proxy(r.Context(), id, r.PathValue("path"), r)
	if err != nil {
		WriteError(w, r, err, "Failed to proxy request to sandbox service")
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	for _, k := range hopHeaders {
		header.Del(k)
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := copyFlushing(w, resp.Body); err != nil && !errors.Is(err, r.Context().Err()) {
		slog.Warn("proxy relay interrupted", "sandbox_id", id, "error", err)
	}
}

// ServiceInfo lists exposed ports with their proxy URLs.
func (h *ProxyHandler) ServiceInfo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ports, err := h.manager.ServicePorts(r.Context(), id, requestHost(r))
	if err != nil {
		WriteError(w, r, err, "Failed to get exposed ports")
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	serviceURL := fmt.Sprintf("%s://%s/sandboxes/%s/service/", scheme, r.Host, id)

	out := make([]servicePort, 0, len(ports))
	for _, p := range ports {
		out = append(out, servicePort{ExposedPort: p, ServiceURL: serviceURL})
	}
	WriteSuccess(w, http.StatusOK, out, "Exposed ports retrieved successfully")
}

// copyFlushing copies src to w, flushing after every chunk so long-lived
// upstream streams reach the client without buffering.
func copyFlushing(w http.ResponseWriter, src io.Reader) (int64, error) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
