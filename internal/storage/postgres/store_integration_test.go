//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
	"github.com/felixgeelhaar/sandboxgate/internal/storage/postgres"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a throwaway Postgres and returns its DSN.
func setupPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "gate",
				"POSTGRES_PASSWORD": "gate",
				"POSTGRES_DB":       "sandboxgate",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start Postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	return fmt.Sprintf("postgres://gate:gate@%s:%s/sandboxgate?sslmode=disable", host, port.Port())
}

func openStore(t *testing.T, dsn string) *postgres.SandboxStore {
	t.Helper()
	ctx := context.Background()

	pool, err := postgres.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(pool.Close)
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	return postgres.NewSandboxStore(pool)
}

func TestIntegration_SandboxStore(t *testing.T) {
	dsn := setupPostgres(t)
	store := openStore(t, dsn)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	sess := &sandbox.Session{
		ID: "sb-1", Name: "pg", Status: sandbox.StatusRunning,
		CreatedAt: now, LastActivity: now,
	}
	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	for i := 0; i < sandbox.HistoryCapacity+10; i++ {
		if err := store.AppendHistory(ctx, "sb-1", sandbox.CommandResult{
			ID: fmt.Sprintf("cmd-%d", i), Command: "true", Timestamp: now,
		}); err != nil {
			t.Fatalf("AppendHistory() error = %v", err)
		}
	}
	history, err := store.History(ctx, "sb-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != sandbox.HistoryCapacity || history[0].ID != "cmd-109" {
		t.Errorf("History() len = %d newest = %q; want %d, cmd-109", len(history), history[0].ID, sandbox.HistoryCapacity)
	}

	if err := store.Delete(ctx, "sb-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "sb-1"); !errors.Is(err, sandbox.ErrSandboxNotFound) {
		t.Errorf("Get() after delete error = %v; want ErrSandboxNotFound", err)
	}
	if h, _ := store.History(ctx, "sb-1", 0); len(h) != 0 {
		t.Errorf("History() after delete len = %d; want 0", len(h))
	}
}

func TestIntegration_ScriptsAndEventLog(t *testing.T) {
	dsn := setupPostgres(t)
	store := openStore(t, dsn)
	ctx := context.Background()

	script := &sandbox.StartupScript{ID: "script-1", Name: "n", Content: "c", CreatedAt: time.Now().UTC()}
	if err := store.PutScript(ctx, script); err != nil {
		t.Fatalf("PutScript() error = %v", err)
	}
	if err := store.DeleteScript(ctx, "script-1"); err != nil {
		t.Fatalf("DeleteScript() error = %v", err)
	}
	if err := store.DeleteScript(ctx, "script-1"); !errors.Is(err, sandbox.ErrScriptNotFound) {
		t.Errorf("DeleteScript() again error = %v; want ErrScriptNotFound", err)
	}

	log, err := postgres.OpenEventLog(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenEventLog() error = %v", err)
	}
	defer log.Close()

	e := sandbox.NewEvent(sandbox.EventCreated, "sb-9", map[string]any{"name": "demo"})
	for i := 0; i < 2; i++ {
		if err := log.Record(ctx, e); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if err := log.Record(ctx, sandbox.NewEvent(sandbox.EventDeleted, "sb-9", nil)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	events, err := log.ListBySandbox(ctx, "sb-9", 0)
	if err != nil {
		t.Fatalf("ListBySandbox() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d; want 2 (duplicate ignored)", len(events))
	}
	if events[0].Data["name"] != "demo" {
		t.Errorf("Data = %v; want name=demo", events[0].Data)
	}
	if events[1].Data != nil {
		t.Errorf("Data = %v; want nil", events[1].Data)
	}
}
