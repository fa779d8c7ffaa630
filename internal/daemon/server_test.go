package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felixgeelhaar/sandboxgate/internal/config"
	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
	"github.com/felixgeelhaar/sandboxgate/internal/sandbox/sandboxtest"
)

// setupTestServer creates a server on the memory store with a fake runtime.
func setupTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.Daemon.Port = 0
	cfg.Health.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	server, err := NewServer(context.Background(), ServerConfig{
		Config:  cfg,
		Runtime: &sandboxtest.Runtime{},
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(func() {
		_ = server.closeAll(context.Background())
	})
	return server
}

func TestNewServer_RequiresConfig(t *testing.T) {
	if _, err := NewServer(context.Background(), ServerConfig{}); err == nil {
		t.Error("NewServer() error = nil; want error")
	}
}

func TestNewServer_UnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "cassandra"

	_, err := NewServer(context.Background(), ServerConfig{Config: cfg, Runtime: &sandboxtest.Runtime{}})
	if err == nil || !strings.Contains(err.Error(), "cassandra") {
		t.Errorf("NewServer() error = %v; want unknown driver", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := setupTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", resp["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		want    int
	}{
		{"enabled", true, http.StatusOK},
		{"disabled", false, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := setupTestServer(t, func(c *config.Config) {
				c.Observability.MetricsEnabled = tt.enabled
			})

			w := httptest.NewRecorder()
			server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

			if w.Code != tt.want {
				t.Errorf("GET /metrics status = %d; want %d", w.Code, tt.want)
			}
		})
	}
}

func TestSandboxRoundTrip(t *testing.T) {
	server := setupTestServer(t, nil)
	h := server.Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/sandboxes", strings.NewReader(`{"name":"rt"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d; want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	sessions, err := server.Manager().List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].Status != sandbox.StatusRunning {
		t.Fatalf("sessions = %+v; want one running", sessions)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/sandboxes/"+sessions[0].ID, nil))
	if w.Code != http.StatusOK {
		t.Errorf("delete status = %d; want %d", w.Code, http.StatusOK)
	}
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gate.db")
	server := setupTestServer(t, func(c *config.Config) {
		c.Store.Driver = "sqlite"
		c.Store.SQLitePath = path
	})

	ctx := context.Background()
	sess, err := server.Manager().Create(ctx, sandbox.CreateRequest{Name: "persisted"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := server.Manager().Execute(ctx, sess.ID, "true"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("ready status = %d; want %d", w.Code, http.StatusOK)
	}

	if err := server.closeAll(ctx); err != nil {
		t.Fatalf("closeAll() error = %v", err)
	}

	// A second server over the same file sees the session and its history.
	reopened := setupTestServer(t, func(c *config.Config) {
		c.Store.Driver = "sqlite"
		c.Store.SQLitePath = path
	})
	got, err := reopened.Manager().Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if got.Metrics.TotalCommands != 1 {
		t.Errorf("TotalCommands = %d; want 1", got.Metrics.TotalCommands)
	}
	history, err := reopened.Manager().History(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 {
		t.Errorf("history = %d entries; want 1", len(history))
	}
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	server := setupTestServer(t, func(c *config.Config) {
		c.Store.Driver = "file"
		c.Store.FileDir = dir
	})

	ctx := context.Background()
	sess, err := server.Manager().Create(ctx, sandbox.CreateRequest{Name: "on-disk"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	reopened := setupTestServer(t, func(c *config.Config) {
		c.Store.Driver = "file"
		c.Store.FileDir = dir
	})
	if _, err := reopened.Manager().Get(ctx, sess.ID); err != nil {
		t.Errorf("Get() after reopen error = %v", err)
	}

	w := httptest.NewRecorder()
	reopened.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusOK {
		t.Errorf("ready status = %d; want %d", w.Code, http.StatusOK)
	}
}

func TestShutdown(t *testing.T) {
	server := setupTestServer(t, func(c *config.Config) {
		c.Health.Enabled = true
		c.Health.Schedule = "@every 1h"
	})

	errc := make(chan error, 1)
	go func() { errc <- server.Start(context.Background()) }()

	if err := server.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := <-errc; err != nil {
		t.Errorf("Start() error = %v", err)
	}
}

func TestCloseAll_ReverseOrder(t *testing.T) {
	var order []int
	s := &Server{}
	for i := range 3 {
		s.closers = append(s.closers, func(context.Context) error {
			order = append(order, i)
			return nil
		})
	}

	if err := s.closeAll(context.Background()); err != nil {
		t.Fatalf("closeAll() error = %v", err)
	}
	if len(order) != 3 || order[0] != 2 || order[2] != 0 {
		t.Errorf("close order = %v; want [2 1 0]", order)
	}
	if s.closers != nil {
		t.Error("closers not cleared")
	}
}
