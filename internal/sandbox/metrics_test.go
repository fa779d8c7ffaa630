package sandbox_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
	"github.com/felixgeelhaar/sandboxgate/internal/sandbox/sandboxtest"
)

func TestManager_Metrics(t *testing.T) {
	rt := &sandboxtest.Runtime{
		ExecFn: func(_ context.Context, _, command string) (*sandbox.ExecResult, error) {
			if command == "false" {
				return &sandbox.ExecResult{ExitCode: 1}, nil
			}
			return &sandbox.ExecResult{}, nil
		},
	}
	env := setupManager(t, rt)
	ctx := context.Background()

	a := mustCreate(t, env, "a")
	b := mustCreate(t, env, "b")
	for _, cmd := range []string{"true", "true", "false"} {
		if _, err := env.manager.Execute(ctx, a.ID, cmd); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}
	if _, err := env.manager.Execute(ctx, b.ID, "true"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	rt.CreateFn = func(context.Context, string) error { return errors.New("boom") }
	if _, err := env.manager.Create(ctx, sandbox.CreateRequest{Name: "c"}); err == nil {
		t.Fatal("Create() error = nil; want failure")
	}

	gm, err := env.manager.Metrics(ctx)
	if err != nil {
		t.Fatalf("Metrics() error = %v", err)
	}
	if gm.TotalSandboxes != 3 {
		t.Errorf("TotalSandboxes = %d; want 3", gm.TotalSandboxes)
	}
	if gm.ActiveSandboxes != 2 {
		t.Errorf("ActiveSandboxes = %d; want 2", gm.ActiveSandboxes)
	}
	if gm.TotalCommands != 4 {
		t.Errorf("TotalCommands = %d; want 4", gm.TotalCommands)
	}
	if gm.SuccessRate != 0.75 {
		t.Errorf("SuccessRate = %v; want 0.75", gm.SuccessRate)
	}
}

func TestManager_Metrics_Empty(t *testing.T) {
	env := setupManager(t, nil)

	gm, err := env.manager.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics() error = %v", err)
	}
	if *gm != (sandbox.GlobalMetrics{}) {
		t.Errorf("Metrics() = %+v; want zero value", gm)
	}
}

func TestManager_SandboxMetrics(t *testing.T) {
	env := setupManager(t, nil)
	sess := mustCreate(t, env, "m")
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		if _, err := env.manager.Execute(ctx, sess.ID, "echo "+strings.Repeat("x", i)); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}

	sm, err := env.manager.SandboxMetrics(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SandboxMetrics() error = %v", err)
	}
	if len(sm.RecentCommands) != sandbox.RecentCommandsLimit {
		t.Errorf("RecentCommands = %d; want %d", len(sm.RecentCommands), sandbox.RecentCommandsLimit)
	}
	if sm.TotalCommandsInHistory != 15 {
		t.Errorf("TotalCommandsInHistory = %d; want 15", sm.TotalCommandsInHistory)
	}
	if sm.Sandbox.ID != sess.ID {
		t.Errorf("Sandbox.ID = %q; want %q", sm.Sandbox.ID, sess.ID)
	}

	if _, err := env.manager.SandboxMetrics(ctx, "sandbox-missing"); !errors.Is(err, sandbox.ErrSandboxNotFound) {
		t.Errorf("SandboxMetrics(unknown) error = %v; want ErrSandboxNotFound", err)
	}
}
