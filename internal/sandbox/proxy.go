package sandbox

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SandboxIDHeader tags forwarded requests with their target sandbox.
const SandboxIDHeader = "X-Sandbox-Id"

// Proxy forwards in to the service path inside a running sandbox. The
// response body is handed back unread; the caller must close it.
func (m *Manager) Proxy(ctx context.Context, id, subPath string, in *http.Request) (*http.Response, error) {
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.IsRunning() {
		return nil, ErrNotRunning
	}

	out, err := proxyRequest(ctx, id, subPath, in)
	if err != nil {
		return nil, &ProxyError{SandboxID: id, Err: err}
	}

	start := time.Now()
	resp, err := m.runtime.Fetch(ctx, id, out)
	if err != nil {
		m.recorder.ObserveProxy(http.StatusBadGateway, time.Since(start))
		slog.Error("proxy forward failed", "sandbox_id", id, "op", "proxy", "path", out.URL.Path, "error", err)
		return nil, &ProxyError{SandboxID: id, Err: err}
	}
	m.recorder.ObserveProxy(resp.StatusCode, time.Since(start))
	m.touch(ctx, id)

	slog.Debug("proxied request", "sandbox_id", id, "path", out.URL.Path, "status", resp.StatusCode)
	return resp, nil
}

// proxyRequest rebuilds in against the sandbox-internal service endpoint.
func proxyRequest(ctx context.Context, id, subPath string, in *http.Request) (*http.Request, error) {
	target := &url.URL{
		Scheme:   "http",
		Host:     "localhost",
		Path:     "/" + strings.TrimPrefix(subPath, "/"),
		RawQuery: in.URL.RawQuery,
	}

	var body io.Reader
	if in.Method != http.MethodGet && in.Method != http.MethodHead && in.Body != nil {
		body = in.Body
	}

	out, err := http.NewRequestWithContext(ctx, in.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	out.Header = in.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	out.Header.Set(SandboxIDHeader, id)
	if body != nil {
		out.ContentLength = in.ContentLength
	}
	return out, nil
}

// ServicePorts lists the sandbox's exposed ports as reported by the runtime.
func (m *Manager) ServicePorts(ctx context.Context, id, hostname string) ([]ExposedPort, error) {
	var ports []ExposedPort
	err := m.delegate(ctx, id, "service info", func() error {
		var err error
		ports, err = m.runtime.ExposedPorts(ctx, id, hostname)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ports, nil
}
