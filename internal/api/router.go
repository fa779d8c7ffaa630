// Package api wires the sandboxgate HTTP surface.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/sandboxgate/internal/api/handlers"
	"github.com/felixgeelhaar/sandboxgate/internal/api/middleware"
	"github.com/felixgeelhaar/sandboxgate/internal/observability"
	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "sandboxgate"

// RouterConfig holds the router's collaborators. Only Manager is required.
type RouterConfig struct {
	Manager *sandbox.Manager
	// Ready reports backing store connectivity for GET /ready.
	Ready   func(ctx context.Context) error
	Metrics *observability.Collector
	Tracer  trace.Tracer
}

// Router wraps the HTTP multiplexer with middleware and handlers
type Router struct {
	mux     *http.ServeMux
	cfg     RouterConfig
	sandbox *handlers.SandboxHandler
	files   *handlers.FileHandler
	procs   *handlers.ProcessHandler
	ports   *handlers.PortHandler
	proxy   *handlers.ProxyHandler
	metrics *handlers.MetricsHandler
	scripts *handlers.ScriptHandler
}

// NewRouter creates the gateway handler with all routes configured
func NewRouter(cfg RouterConfig) http.Handler {
	m := cfg.Manager
	r := &Router{
		mux:     http.NewServeMux(),
		cfg:     cfg,
		sandbox: handlers.NewSandboxHandler(m),
		files:   handlers.NewFileHandler(m),
		procs:   handlers.NewProcessHandler(m),
		ports:   handlers.NewPortHandler(m),
		proxy:   handlers.NewProxyHandler(m),
		metrics: handlers.NewMetricsHandler(m),
		scripts: handlers.NewScriptHandler(m),
	}

	r.registerRoutes()
	return r.buildMiddlewareChain(r.mux)
}

func (r *Router) registerRoutes() {
	// Operational
	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /ready", r.handleReady)
	if r.cfg.Metrics != nil {
		r.mux.Handle("GET /metrics", r.cfg.Metrics.Handler())
	}

	// Sandboxes
	r.mux.HandleFunc("GET /api/sandboxes", r.sandbox.List)
	r.mux.HandleFunc("POST /api/sandboxes", r.sandbox.Create)
	r.mux.HandleFunc("GET /api/sandboxes/{id}", r.sandbox.Get)
	r.mux.HandleFunc("DELETE /api/sandboxes/{id}", r.sandbox.Delete)
	r.mux.HandleFunc("POST /api/sandboxes/{id}/execute", r.sandbox.Execute)
	r.mux.HandleFunc("POST /api/sandboxes/{id}/stream", r.sandbox.Stream)
	r.mux.HandleFunc("GET /api/sandboxes/{id}/ping", r.sandbox.Ping)

	// Files
	r.mux.HandleFunc("GET /api/sandboxes/{id}/files", r.files.List)
	r.mux.HandleFunc("POST /api/sandboxes/{id}/files", r.files.Write)
	r.mux.HandleFunc("GET /api/sandboxes/{id}/files/read/{path...}", r.files.Read)
	r.mux.HandleFunc("POST /api/sandboxes/{id}/files/mkdir", r.files.Mkdir)
	r.mux.HandleFunc("POST /api/sandboxes/{id}/files/delete", r.files.Delete)
	r.mux.HandleFunc("POST /api/sandboxes/{id}/files/rename", r.files.Rename)
	r.mux.HandleFunc("POST /api/sandboxes/{id}/files/move", r.files.Move)

	// Processes
	r.mux.HandleFunc("GET /api/sandboxes/{id}/processes", r.procs.List)
	r.mux.HandleFunc("POST /api/sandboxes/{id}/processes", r.procs.Start)
	r.mux.HandleFunc("DELETE /api/sandboxes/{id}/processes/{processId}", r.procs.Kill)
	r.mux.HandleFunc("GET /api/sandboxes/{id}/processes/{processId}/logs", r.procs.Logs)

	// Ports and git
	r.mux.HandleFunc("GET /api/sandboxes/{id}/ports", r.ports.List)
	r.mux.HandleFunc("POST /api/sandboxes/{id}/ports/expose", r.ports.Expose)
	r.mux.HandleFunc("DELETE /api/sandboxes/{id}/ports/{port}", r.ports.Unexpose)
	r.mux.HandleFunc("POST /api/sandboxes/{id}/expose-port", r.ports.Expose)
	r.mux.HandleFunc("POST /api/sandboxes/{id}/git/clone", r.ports.GitClone)

	// Service proxy, any method
	r.mux.HandleFunc("/sandboxes/{id}/service/{path...}", r.proxy.Service)
	r.mux.HandleFunc("GET /sandboxes/{id}/service-info", r.proxy.ServiceInfo)

	// Metrics
	r.mux.HandleFunc("GET /api/metrics", r.metrics.Global)
	r.mux.HandleFunc("GET /api/metrics/{id}", r.metrics.Sandbox)

	// Startup scripts
	r.mux.HandleFunc("GET /api/startup-scripts", r.scripts.List)
	r.mux.HandleFunc("POST /api/startup-scripts", r.scripts.Create)
	r.mux.HandleFunc("GET /api/startup-scripts/{id}", r.scripts.Get)
	r.mux.HandleFunc("PUT /api/startup-scripts/{id}", r.scripts.Update)
	r.mux.HandleFunc("DELETE /api/startup-scripts/{id}", r.scripts.Delete)
	r.mux.HandleFunc("POST /api/startup-scripts/{id}/use", r.scripts.Use)
}

func (r *Router) buildMiddlewareChain(handler http.Handler) http.Handler {
	// Observability reads r.Pattern, so it must sit directly on the mux.
	handler = observability.Middleware(r.cfg.Metrics, r.cfg.Tracer)(handler)
	handler = middleware.Recovery(handler)
	handler = middleware.Logger(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.CORS(handler)
	return handler
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	handlers.WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   ServiceName,
	})
}

func (r *Router) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.cfg.Ready != nil {
		if err := r.cfg.Ready(req.Context()); err != nil {
			slog.Error("store readiness check failed",
				"error", err,
				"request_id", middleware.GetRequestID(req.Context()),
			)
			handlers.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not ready",
				"checks": map[string]string{"store": "unhealthy"},
			})
			return
		}
	}

	handlers.WriteJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"checks": map[string]string{"store": "healthy"},
	})
}
