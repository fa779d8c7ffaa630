package sandbox_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
	"github.com/felixgeelhaar/sandboxgate/internal/sandbox/sandboxtest"
)

func TestResilientRuntime_PassThrough(t *testing.T) {
	rt := &sandboxtest.Runtime{
		ExecFn: func(_ context.Context, _, command string) (*sandbox.ExecResult, error) {
			return &sandbox.ExecResult{Stdout: command}, nil
		},
		ReadFileFn: func(context.Context, string, string) ([]byte, error) {
			return []byte("data"), nil
		},
	}
	r := sandbox.NewResilientRuntime(rt, sandbox.DefaultResilienceConfig())
	ctx := context.Background()

	res, err := r.Exec(ctx, "sb", "echo")
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if res.Stdout != "echo" {
		t.Errorf("Stdout = %q; want %q", res.Stdout, "echo")
	}

	data, err := r.ReadFile(ctx, "sb", "/f")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "data" {
		t.Errorf("ReadFile() = %q; want %q", data, "data")
	}

	ch, err := r.ExecStream(ctx, "sb", "x")
	if err != nil {
		t.Fatalf("ExecStream() error = %v", err)
	}
	f := <-ch
	if f.Kind != sandbox.FrameDone {
		t.Errorf("frame kind = %v; want FrameDone", f.Kind)
	}

	if err := r.Destroy(ctx, "sb"); err != nil {
		t.Errorf("Destroy() error = %v", err)
	}
}

func TestResilientRuntime_CircuitOpens(t *testing.T) {
	rt := &sandboxtest.Runtime{
		ExecFn: func(context.Context, string, string) (*sandbox.ExecResult, error) {
			return nil, errors.New("daemon unavailable")
		},
	}
	cfg := sandbox.DefaultResilienceConfig()
	cfg.EnableRetry = false
	cfg.FailureThreshold = 2
	r := sandbox.NewResilientRuntime(rt, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := r.Exec(ctx, "sb", "ls"); err == nil {
			t.Fatalf("Exec() #%d error = nil; want failure", i)
		}
	}

	if got := rt.Calls("Exec"); got != 2 {
		t.Errorf("runtime Exec calls = %d; want 2 before the breaker opened", got)
	}
}

func TestResilientRuntime_RetriesIdempotentCalls(t *testing.T) {
	attempts := 0
	rt := &sandboxtest.Runtime{
		ReadFileFn: func(context.Context, string, string) ([]byte, error) {
			attempts++
			if attempts < 2 {
				return nil, errors.New("transient")
			}
			return []byte("ok"), nil
		},
		WriteFileFn: func(context.Context, string, string, []byte) error {
			return errors.New("transient")
		},
	}
	cfg := sandbox.DefaultResilienceConfig()
	cfg.EnableCircuitBreaker = false
	r := sandbox.NewResilientRuntime(rt, cfg)
	ctx := context.Background()

	data, err := r.ReadFile(ctx, "sb", "/f")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "ok" {
		t.Errorf("ReadFile() = %q; want %q", data, "ok")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d; want 2", attempts)
	}

	if err := r.WriteFile(ctx, "sb", "/f", nil); err == nil {
		t.Error("WriteFile() error = nil; want failure")
	}
	if got := rt.Calls("WriteFile"); got != 1 {
		t.Errorf("runtime WriteFile calls = %d; want 1 (not retried)", got)
	}
}

func TestResilientRuntime_BreakerPerSandbox(t *testing.T) {
	var broken string
	fake := &sandboxtest.Runtime{
		ExecFn: func(_ context.Context, id, _ string) (*sandbox.ExecResult, error) {
			if id == broken {
				return nil, errors.New("container exited")
			}
			return &sandbox.ExecResult{Stdout: "ping\n"}, nil
		},
		FetchFn: func(context.Context, string, *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		},
	}
	cfg := sandbox.DefaultResilienceConfig()
	cfg.EnableRetry = false
	cfg.FailureThreshold = 2
	rt := sandbox.NewResilientRuntime(fake, cfg)
	m := sandbox.NewManager(sandbox.ManagerConfig{
		Store:   sandbox.NewMemoryStore(),
		Runtime: rt,
	})
	ctx := context.Background()

	a, err := m.Create(ctx, sandbox.CreateRequest{Name: "a"})
	if err != nil {
		t.Fatalf("Create(a) error = %v", err)
	}
	b, err := m.Create(ctx, sandbox.CreateRequest{Name: "b"})
	if err != nil {
		t.Fatalf("Create(b) error = %v", err)
	}

	// A service that is not listening yet fails every forward.
	for i := 0; i < 5; i++ {
		in := httptest.NewRequest(http.MethodGet, "/", nil)
		var proxyErr *sandbox.ProxyError
		if _, err := m.Proxy(ctx, a.ID, "/", in); !errors.As(err, &proxyErr) {
			t.Fatalf("Proxy() #%d error = %v; want ProxyError", i, err)
		}
	}
	if got := fake.Calls("Fetch"); got != 5 {
		t.Errorf("runtime Fetch calls = %d; want 5", got)
	}
	if _, err := m.Ping(ctx, b.ID); err != nil {
		t.Fatalf("Ping(b) after failed forwards error = %v", err)
	}

	// Runtime failures on a open only a's breaker.
	broken = a.ID
	for i := 0; i < 2; i++ {
		if _, err := m.Execute(ctx, a.ID, "ls"); err == nil {
			t.Fatalf("Execute(a) #%d error = nil; want failure", i)
		}
	}
	if got := rt.State(a.ID); got != circuitbreaker.StateOpen {
		t.Fatalf("breaker state for a = %v; want open", got)
	}

	calls := fake.Calls("Exec")
	_, err = m.Ping(ctx, a.ID)
	if !errors.Is(err, sandbox.ErrUnhealthy) || !sandbox.IsRejected(err) {
		t.Errorf("Ping(a) error = %v; want rejected ErrUnhealthy", err)
	}
	if got := fake.Calls("Exec"); got != calls {
		t.Errorf("runtime Exec calls = %d; want %d with the breaker open", got, calls)
	}
	got, _ := m.Get(ctx, a.ID)
	if got.Status != sandbox.StatusRunning {
		t.Errorf("Status(a) = %q; want %q when the ping never ran", got.Status, sandbox.StatusRunning)
	}

	res, err := m.Ping(ctx, b.ID)
	if err != nil {
		t.Fatalf("Ping(b) error = %v", err)
	}
	if res.Status != sandbox.StatusRunning {
		t.Errorf("Status(b) = %q; want %q", res.Status, sandbox.StatusRunning)
	}
	if got := rt.State(b.ID); got != circuitbreaker.StateClosed {
		t.Errorf("breaker state for b = %v; want closed", got)
	}
}
