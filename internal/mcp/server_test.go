package mcp

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
	"github.com/felixgeelhaar/sandboxgate/internal/sandbox/sandboxtest"
)

// setupTestServer creates an MCP server over a memory-backed manager.
func setupTestServer(t *testing.T, rt *sandboxtest.Runtime) *Server {
	t.Helper()

	if rt == nil {
		rt = &sandboxtest.Runtime{}
	}
	manager := sandbox.NewManager(sandbox.ManagerConfig{
		Store:   sandbox.NewMemoryStore(),
		Runtime: rt,
	})
	return NewServer(Config{Manager: manager})
}

func createSandbox(t *testing.T, s *Server, name string) string {
	t.Helper()

	out, err := s.handleCreate(context.Background(), CreateInput{Name: name})
	if err != nil {
		t.Fatalf("handleCreate() error = %v", err)
	}
	return out.SandboxID
}

func TestNewServer(t *testing.T) {
	server := setupTestServer(t, nil)

	if server.mcpServer == nil {
		t.Fatal("expected non-nil MCP server")
	}
	if server.GetMCPServer() != server.mcpServer {
		t.Error("GetMCPServer() returned a different server")
	}
}

func TestHandleCreateAndList(t *testing.T) {
	server := setupTestServer(t, nil)
	ctx := context.Background()

	out, err := server.handleCreate(ctx, CreateInput{Name: "agent"})
	if err != nil {
		t.Fatalf("handleCreate() error = %v", err)
	}
	if out.Status != string(sandbox.StatusRunning) {
		t.Errorf("Status = %q; want %q", out.Status, sandbox.StatusRunning)
	}

	list, err := server.handleList(ctx, ListInput{})
	if err != nil {
		t.Fatalf("handleList() error = %v", err)
	}
	if len(list.Sandboxes) != 1 || list.Sandboxes[0].ID != out.SandboxID {
		t.Errorf("Sandboxes = %+v; want the created sandbox", list.Sandboxes)
	}
}

func TestHandleCreate_Invalid(t *testing.T) {
	server := setupTestServer(t, nil)

	_, err := server.handleCreate(context.Background(), CreateInput{Name: "   "})
	var verr *sandbox.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("handleCreate() error = %v; want ValidationError", err)
	}
}

func TestHandleExec(t *testing.T) {
	rt := &sandboxtest.Runtime{
		ExecFn: func(_ context.Context, _, command string) (*sandbox.ExecResult, error) {
			if command == "false" {
				return &sandbox.ExecResult{ExitCode: 1, Stderr: "nope"}, nil
			}
			return &sandbox.ExecResult{Stdout: "ok"}, nil
		},
	}
	server := setupTestServer(t, rt)
	id := createSandbox(t, server, "exec")

	tests := []struct {
		command  string
		exitCode int
		stdout   string
		stderr   string
	}{
		{"echo ok", 0, "ok", ""},
		{"false", 1, "", "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			out, err := server.handleExec(context.Background(), ExecInput{SandboxID: id, Command: tt.command})
			if err != nil {
				t.Fatalf("handleExec() error = %v", err)
			}
			if out.ExitCode != tt.exitCode {
				t.Errorf("ExitCode = %d; want %d", out.ExitCode, tt.exitCode)
			}
			if out.Stdout != tt.stdout || out.Stderr != tt.stderr {
				t.Errorf("output = %q/%q; want %q/%q", out.Stdout, out.Stderr, tt.stdout, tt.stderr)
			}
		})
	}
}

func TestHandleExec_UnknownSandbox(t *testing.T) {
	server := setupTestServer(t, nil)

	_, err := server.handleExec(context.Background(), ExecInput{SandboxID: "missing", Command: "ls"})
	if !errors.Is(err, sandbox.ErrSandboxNotFound) {
		t.Errorf("handleExec() error = %v; want ErrSandboxNotFound", err)
	}
}

func TestHandlePing(t *testing.T) {
	server := setupTestServer(t, nil)
	id := createSandbox(t, server, "ping")

	out, err := server.handlePing(context.Background(), SandboxInput{SandboxID: id})
	if err != nil {
		t.Fatalf("handlePing() error = %v", err)
	}
	if !out.Healthy {
		t.Error("Healthy = false; want true")
	}
}

func TestHandleDelete(t *testing.T) {
	server := setupTestServer(t, nil)
	ctx := context.Background()
	id := createSandbox(t, server, "gone")

	for i := 0; i < 2; i++ {
		if _, err := server.handleDelete(ctx, SandboxInput{SandboxID: id}); err != nil {
			t.Fatalf("handleDelete() #%d error = %v", i+1, err)
		}
	}
	if _, err := server.handleDelete(ctx, SandboxInput{}); err == nil {
		t.Error("handleDelete() with empty id error = nil; want error")
	}

	list, _ := server.handleList(ctx, ListInput{})
	if len(list.Sandboxes) != 0 {
		t.Errorf("Sandboxes = %d; want 0", len(list.Sandboxes))
	}
}

func TestHandleFiles(t *testing.T) {
	files := map[string][]byte{}
	rt := &sandboxtest.Runtime{
		WriteFileFn: func(_ context.Context, _, path string, content []byte) error {
			files[path] = content
			return nil
		},
		ReadFileFn: func(_ context.Context, _, path string) ([]byte, error) {
			data, ok := files[path]
			if !ok {
				return nil, errors.New("no such file")
			}
			return data, nil
		},
	}
	server := setupTestServer(t, rt)
	ctx := context.Background()
	id := createSandbox(t, server, "files")

	w, err := server.handleWriteFile(ctx, WriteFileInput{SandboxID: id, Path: "/workspace/a.txt", Content: "hello"})
	if err != nil {
		t.Fatalf("handleWriteFile() error = %v", err)
	}
	if w.Size != 5 {
		t.Errorf("Size = %d; want 5", w.Size)
	}

	r, err := server.handleReadFile(ctx, ReadFileInput{SandboxID: id, Path: "/workspace/a.txt"})
	if err != nil {
		t.Fatalf("handleReadFile() error = %v", err)
	}
	if r.Content != "hello" || r.Truncated {
		t.Errorf("read = %+v; want hello, not truncated", r)
	}

	if _, err := server.handleReadFile(ctx, ReadFileInput{SandboxID: id, Path: "/missing"}); err == nil {
		t.Error("handleReadFile() on missing file error = nil; want error")
	}
}

func TestHandleReadFile_Truncates(t *testing.T) {
	big := strings.Repeat("x", maxReadBytes+10)
	rt := &sandboxtest.Runtime{
		ReadFileFn: func(context.Context, string, string) ([]byte, error) {
			return []byte(big), nil
		},
	}
	server := setupTestServer(t, rt)
	id := createSandbox(t, server, "big")

	out, err := server.handleReadFile(context.Background(), ReadFileInput{SandboxID: id, Path: "/big"})
	if err != nil {
		t.Fatalf("handleReadFile() error = %v", err)
	}
	if !out.Truncated {
		t.Error("Truncated = false; want true")
	}
	if len(out.Content) != maxReadBytes {
		t.Errorf("len(Content) = %d; want %d", len(out.Content), maxReadBytes)
	}
	if out.Size != len(big) {
		t.Errorf("Size = %d; want %d", out.Size, len(big))
	}
}
