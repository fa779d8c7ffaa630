package sandbox_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
	"github.com/felixgeelhaar/sandboxgate/internal/sandbox/sandboxtest"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	manager *sandbox.Manager
	store   *sandbox.MemoryStore
	runtime *sandboxtest.Runtime
	events  *sandboxtest.Publisher
}

func setupManager(t *testing.T, rt *sandboxtest.Runtime) *testEnv {
	t.Helper()

	if rt == nil {
		rt = &sandboxtest.Runtime{}
	}
	store := sandbox.NewMemoryStore()
	events := &sandboxtest.Publisher{}
	m := sandbox.NewManager(sandbox.ManagerConfig{
		Store:   store,
		Runtime: rt,
		Events:  events,
		Now:     func() time.Time { return testNow },
	})
	return &testEnv{manager: m, store: store, runtime: rt, events: events}
}

func mustCreate(t *testing.T, env *testEnv, name string) *sandbox.Session {
	t.Helper()

	sess, err := env.manager.Create(context.Background(), sandbox.CreateRequest{Name: name})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return sess
}

func TestManager_Create(t *testing.T) {
	env := setupManager(t, nil)

	sess := mustCreate(t, env, "  demo  ")

	if sess.Name != "demo" {
		t.Errorf("Name = %q; want %q", sess.Name, "demo")
	}
	if sess.Status != sandbox.StatusRunning {
		t.Errorf("Status = %q; want %q", sess.Status, sandbox.StatusRunning)
	}
	if !strings.HasPrefix(sess.ID, fmt.Sprintf("sandbox-%d-", testNow.UnixMilli())) {
		t.Errorf("ID = %q; want sandbox-<millis>-<suffix>", sess.ID)
	}
	if got := env.runtime.Calls("Create"); got != 1 {
		t.Errorf("runtime Create calls = %d; want 1", got)
	}
	if got := env.runtime.Calls("WriteFile"); got != 0 {
		t.Errorf("runtime WriteFile calls = %d; want 0", got)
	}

	stored, err := env.store.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}
	if stored.Status != sandbox.StatusRunning {
		t.Errorf("stored Status = %q; want %q", stored.Status, sandbox.StatusRunning)
	}

	types := env.events.Types()
	if len(types) != 1 || types[0] != sandbox.EventCreated {
		t.Errorf("events = %v; want [%s]", types, sandbox.EventCreated)
	}
}

func TestManager_Create_StartupScript(t *testing.T) {
	var (
		mu       sync.Mutex
		written  string
		commands []string
	)
	rt := &sandboxtest.Runtime{
		WriteFileFn: func(_ context.Context, _, path string, content []byte) error {
			if path != sandbox.StartupScriptPath {
				t.Errorf("WriteFile path = %q; want %q", path, sandbox.StartupScriptPath)
			}
			written = string(content)
			return nil
		},
		ExecFn: func(_ context.Context, _, command string) (*sandbox.ExecResult, error) {
			mu.Lock()
			commands = append(commands, command)
			mu.Unlock()
			return &sandbox.ExecResult{}, nil
		},
	}
	env := setupManager(t, rt)

	_, err := env.manager.Create(context.Background(), sandbox.CreateRequest{
		Name:          "scripted",
		StartupScript: "echo hi",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if written != "echo hi" {
		t.Errorf("script content = %q; want %q", written, "echo hi")
	}
	want := []string{"ls", "chmod +x /startup.sh && /startup.sh"}
	if len(commands) != len(want) {
		t.Fatalf("commands = %v; want %v", commands, want)
	}
	for i := range want {
		if commands[i] != want[i] {
			t.Errorf("commands[%d] = %q; want %q", i, commands[i], want[i])
		}
	}
}

func TestManager_Create_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  sandbox.CreateRequest
	}{
		{"empty name", sandbox.CreateRequest{Name: ""}},
		{"blank name", sandbox.CreateRequest{Name: "   "}},
		{"script and script id", sandbox.CreateRequest{Name: "x", StartupScript: "echo", ScriptID: "script-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupManager(t, nil)

			_, err := env.manager.Create(context.Background(), tt.req)
			var verr *sandbox.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Create() error = %v; want ValidationError", err)
			}
			if got := env.runtime.TotalCalls(); got != 0 {
				t.Errorf("runtime calls = %d; want 0", got)
			}
			sessions, _ := env.manager.List(context.Background())
			if len(sessions) != 0 {
				t.Errorf("sessions = %d; want 0", len(sessions))
			}
		})
	}
}

func TestManager_Create_UnknownScript(t *testing.T) {
	env := setupManager(t, nil)

	_, err := env.manager.Create(context.Background(), sandbox.CreateRequest{Name: "x", ScriptID: "missing"})
	if !errors.Is(err, sandbox.ErrScriptNotFound) {
		t.Errorf("Create() error = %v; want ErrScriptNotFound", err)
	}
}

func TestManager_Create_SavedScript(t *testing.T) {
	var written string
	rt := &sandboxtest.Runtime{
		WriteFileFn: func(_ context.Context, _, _ string, content []byte) error {
			written = string(content)
			return nil
		},
	}
	env := setupManager(t, rt)
	ctx := context.Background()

	script, err := env.manager.CreateScript(ctx, sandbox.ScriptInput{Name: "setup", Content: "apk add git"})
	if err != nil {
		t.Fatalf("CreateScript() error = %v", err)
	}

	if _, err := env.manager.Create(ctx, sandbox.CreateRequest{Name: "x", ScriptID: script.ID}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if written != "apk add git" {
		t.Errorf("script content = %q; want %q", written, "apk add git")
	}

	used, err := env.manager.GetScript(ctx, script.ID)
	if err != nil {
		t.Fatalf("GetScript() error = %v", err)
	}
	if used.LastUsed == nil {
		t.Error("LastUsed = nil; want stamped")
	}
}

func TestManager_Create_InitFailure(t *testing.T) {
	tests := []struct {
		name string
		rt   *sandboxtest.Runtime
		req  sandbox.CreateRequest
	}{
		{
			name: "runtime create fails",
			rt: &sandboxtest.Runtime{
				CreateFn: func(context.Context, string) error { return errors.New("no capacity") },
			},
			req: sandbox.CreateRequest{Name: "x"},
		},
		{
			name: "probe fails",
			rt: &sandboxtest.Runtime{
				ExecFn: func(context.Context, string, string) (*sandbox.ExecResult, error) {
					return nil, errors.New("exec refused")
				},
			},
			req: sandbox.CreateRequest{Name: "x"},
		},
		{
			name: "startup script exits non-zero",
			rt: &sandboxtest.Runtime{
				ExecFn: func(_ context.Context, _, command string) (*sandbox.ExecResult, error) {
					if strings.Contains(command, "startup.sh") {
						return &sandbox.ExecResult{ExitCode: 2, Stderr: "boom"}, nil
					}
					return &sandbox.ExecResult{}, nil
				},
			},
			req: sandbox.CreateRequest{Name: "x", StartupScript: "exit 2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupManager(t, tt.rt)

			sess, err := env.manager.Create(context.Background(), tt.req)
			if !errors.Is(err, sandbox.ErrInitFailed) {
				t.Fatalf("Create() error = %v; want ErrInitFailed", err)
			}
			if sess == nil {
				t.Fatal("Create() session = nil; want error-status session")
			}
			if sess.Status != sandbox.StatusError {
				t.Errorf("Status = %q; want %q", sess.Status, sandbox.StatusError)
			}

			stored, err := env.store.Get(context.Background(), sess.ID)
			if err != nil {
				t.Fatalf("store.Get() error = %v", err)
			}
			if stored.Status != sandbox.StatusError {
				t.Errorf("stored Status = %q; want %q", stored.Status, sandbox.StatusError)
			}

			types := env.events.Types()
			if len(types) != 1 || types[0] != sandbox.EventFailed {
				t.Errorf("events = %v; want [%s]", types, sandbox.EventFailed)
			}
		})
	}
}

func TestManager_Create_SurvivesCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &sandboxtest.Runtime{
		CreateFn: func(rctx context.Context, _ string) error {
			cancel()
			return rctx.Err()
		},
	}
	env := setupManager(t, rt)

	sess, err := env.manager.Create(ctx, sandbox.CreateRequest{Name: "x"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.Status != sandbox.StatusRunning {
		t.Errorf("Status = %q; want %q", sess.Status, sandbox.StatusRunning)
	}
}

func TestManager_Execute(t *testing.T) {
	rt := &sandboxtest.Runtime{
		ExecFn: func(_ context.Context, _, command string) (*sandbox.ExecResult, error) {
			if command == "false" {
				return &sandbox.ExecResult{ExitCode: 1, Stderr: "nope"}, nil
			}
			return &sandbox.ExecResult{Stdout: "hello\n"}, nil
		},
	}
	env := setupManager(t, rt)
	sess := mustCreate(t, env, "exec")
	ctx := context.Background()

	result, err := env.manager.Execute(ctx, sess.ID, "echo hello")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("Stdout = %q; want %q", result.Stdout, "hello\n")
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d; want 0", result.ExitCode)
	}
	if !strings.HasPrefix(result.ID, "cmd-") {
		t.Errorf("ID = %q; want cmd- prefix", result.ID)
	}

	failed, err := env.manager.Execute(ctx, sess.ID, "false")
	if err != nil {
		t.Fatalf("Execute() error = %v; non-zero exit is not an error", err)
	}
	if failed.ExitCode != 1 {
		t.Errorf("ExitCode = %d; want 1", failed.ExitCode)
	}

	got, err := env.manager.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Metrics.TotalCommands != 2 {
		t.Errorf("TotalCommands = %d; want 2", got.Metrics.TotalCommands)
	}

	history, err := env.manager.History(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d; want 2", len(history))
	}
	if history[0].Command != "false" {
		t.Errorf("history[0].Command = %q; want most recent first", history[0].Command)
	}
}

func TestManager_Execute_Errors(t *testing.T) {
	rt := &sandboxtest.Runtime{}
	env := setupManager(t, rt)
	sess := mustCreate(t, env, "exec")
	ctx := context.Background()
	before := rt.Calls("Exec")

	_, err := env.manager.Execute(ctx, "sandbox-missing", "ls")
	if !errors.Is(err, sandbox.ErrSandboxNotFound) {
		t.Errorf("Execute(unknown) error = %v; want ErrSandboxNotFound", err)
	}

	_, err = env.manager.Execute(ctx, sess.ID, "   ")
	var verr *sandbox.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("Execute(blank) error = %v; want ValidationError", err)
	}

	if got := rt.Calls("Exec"); got != before {
		t.Errorf("runtime Exec calls = %d; want %d", got, before)
	}

	rt.ExecFn = func(context.Context, string, string) (*sandbox.ExecResult, error) {
		return nil, errors.New("connection reset")
	}
	_, err = env.manager.Execute(ctx, sess.ID, "ls")
	var rerr *sandbox.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("Execute() error = %v; want RuntimeError", err)
	}
	if rerr.Op != "exec" {
		t.Errorf("RuntimeError.Op = %q; want %q", rerr.Op, "exec")
	}

	history, _ := env.manager.History(ctx, sess.ID, 0)
	if len(history) != 0 {
		t.Errorf("history len = %d; want 0 after runtime failure", len(history))
	}
}

func TestManager_Execute_HistoryBounded(t *testing.T) {
	env := setupManager(t, nil)
	sess := mustCreate(t, env, "busy")
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		if _, err := env.manager.Execute(ctx, sess.ID, fmt.Sprintf("echo %d", i)); err != nil {
			t.Fatalf("Execute(%d) error = %v", i, err)
		}
	}

	history, err := env.manager.History(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != sandbox.HistoryCapacity {
		t.Fatalf("history len = %d; want %d", len(history), sandbox.HistoryCapacity)
	}
	if history[0].Command != "echo 149" {
		t.Errorf("newest = %q; want %q", history[0].Command, "echo 149")
	}
	if history[len(history)-1].Command != "echo 50" {
		t.Errorf("oldest = %q; want %q", history[len(history)-1].Command, "echo 50")
	}

	got, _ := env.manager.Get(ctx, sess.ID)
	if got.Metrics.TotalCommands != 150 {
		t.Errorf("TotalCommands = %d; want 150", got.Metrics.TotalCommands)
	}
}

func TestManager_Execute_Concurrent(t *testing.T) {
	env := setupManager(t, nil)
	sess := mustCreate(t, env, "parallel")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.manager.Execute(ctx, sess.ID, "true"); err != nil {
				t.Errorf("Execute() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := env.manager.Get(ctx, sess.ID)
	if got.Metrics.TotalCommands != 40 {
		t.Errorf("TotalCommands = %d; want 40", got.Metrics.TotalCommands)
	}
	history, _ := env.manager.History(ctx, sess.ID, 0)
	if len(history) != 40 {
		t.Errorf("history len = %d; want 40", len(history))
	}
}

func TestManager_Delete(t *testing.T) {
	env := setupManager(t, nil)
	sess := mustCreate(t, env, "doomed")
	ctx := context.Background()

	if _, err := env.manager.Execute(ctx, sess.ID, "ls"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if err := env.manager.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := env.manager.Get(ctx, sess.ID); !errors.Is(err, sandbox.ErrSandboxNotFound) {
		t.Errorf("Get() after delete error = %v; want ErrSandboxNotFound", err)
	}
	history, _ := env.store.History(ctx, sess.ID, 0)
	if len(history) != 0 {
		t.Errorf("history len = %d; want 0", len(history))
	}
	if got := env.runtime.Calls("Destroy"); got != 1 {
		t.Errorf("runtime Destroy calls = %d; want 1", got)
	}

	// Idempotent
	if err := env.manager.Delete(ctx, sess.ID); err != nil {
		t.Errorf("second Delete() error = %v; want nil", err)
	}
	if err := env.manager.Delete(ctx, "sandbox-never-existed"); err != nil {
		t.Errorf("Delete(unknown) error = %v; want nil", err)
	}
	if got := env.runtime.Calls("Destroy"); got != 1 {
		t.Errorf("runtime Destroy calls = %d; want 1", got)
	}
}

func TestManager_Delete_DestroyFailureIgnored(t *testing.T) {
	rt := &sandboxtest.Runtime{
		DestroyFn: func(context.Context, string) error { return errors.New("daemon gone") },
	}
	env := setupManager(t, rt)
	sess := mustCreate(t, env, "x")

	if err := env.manager.Delete(context.Background(), sess.ID); err != nil {
		t.Errorf("Delete() error = %v; want nil", err)
	}
}

func TestManager_Ping(t *testing.T) {
	healthy := true
	rt := &sandboxtest.Runtime{
		ExecFn: func(context.Context, string, string) (*sandbox.ExecResult, error) {
			if !healthy {
				return nil, errors.New("container exited")
			}
			return &sandbox.ExecResult{Stdout: "ping\n"}, nil
		},
	}
	env := setupManager(t, rt)
	sess := mustCreate(t, env, "pinged")
	ctx := context.Background()

	res, err := env.manager.Ping(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if !res.Healthy || res.Status != sandbox.StatusRunning {
		t.Errorf("Ping() = %+v; want healthy running", res)
	}

	healthy = false
	_, err = env.manager.Ping(ctx, sess.ID)
	if !errors.Is(err, sandbox.ErrUnhealthy) {
		t.Fatalf("Ping() error = %v; want ErrUnhealthy", err)
	}
	got, _ := env.manager.Get(ctx, sess.ID)
	if got.Status != sandbox.StatusError {
		t.Errorf("Status = %q; want %q", got.Status, sandbox.StatusError)
	}

	healthy = true
	if _, err := env.manager.Ping(ctx, sess.ID); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	got, _ = env.manager.Get(ctx, sess.ID)
	if got.Status != sandbox.StatusRunning {
		t.Errorf("Status = %q; want %q after recovery", got.Status, sandbox.StatusRunning)
	}

	if _, err := env.manager.Ping(ctx, "sandbox-missing"); !errors.Is(err, sandbox.ErrSandboxNotFound) {
		t.Errorf("Ping(unknown) error = %v; want ErrSandboxNotFound", err)
	}
}

func TestManager_ListAndUptime(t *testing.T) {
	env := setupManager(t, nil)
	a := mustCreate(t, env, "a")
	mustCreate(t, env, "b")

	sessions, err := env.manager.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("List() len = %d; want 2", len(sessions))
	}

	got, err := env.manager.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Metrics.UptimeMs != 0 {
		t.Errorf("UptimeMs = %d; want 0 with a frozen clock", got.Metrics.UptimeMs)
	}
}

func TestManager_Ping_CallerCancelKeepsStatus(t *testing.T) {
	rt := &sandboxtest.Runtime{
		ExecFn: func(ctx context.Context, _, _ string) (*sandbox.ExecResult, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return &sandbox.ExecResult{Stdout: "ping\n"}, nil
		},
	}
	env := setupManager(t, rt)
	sess := mustCreate(t, env, "hangup")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.manager.Ping(ctx, sess.ID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Ping() error = %v; want context.Canceled", err)
	}
	if errors.Is(err, sandbox.ErrUnhealthy) {
		t.Errorf("Ping() error = %v; want no ErrUnhealthy for a cancelled caller", err)
	}

	got, _ := env.manager.Get(context.Background(), sess.ID)
	if got.Status != sandbox.StatusRunning {
		t.Errorf("Status = %q; want %q", got.Status, sandbox.StatusRunning)
	}
	for _, typ := range env.events.Types() {
		if typ == sandbox.EventUnhealthy {
			t.Errorf("published %q after a cancelled ping", typ)
		}
	}
}
