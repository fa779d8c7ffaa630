// Package mcp exposes sandbox operations as MCP tools.
package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	mcp "github.com/felixgeelhaar/mcp-go"
	"github.com/felixgeelhaar/mcp-go/server"
	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
)

// maxReadBytes caps file content returned to the agent.
const maxReadBytes = 256 << 10

// Server wraps the MCP server with sandbox tools
type Server struct {
	mcpServer *server.Server
	manager   *sandbox.Manager
}

// Config contains configuration for the MCP server
type Config struct {
	Manager *sandbox.Manager
	Version string
}

// NewServer creates a new MCP server over a sandbox manager
func NewServer(cfg Config) *Server {
	s := &Server{manager: cfg.Manager}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s.mcpServer = server.New(server.Info{
		Name:    "sandboxgate",
		Version: version,
	}, server.WithInstructions(`
sandboxgate manages isolated shell sandboxes.

Create a sandbox with sandbox_create, then run commands in it with
sandbox_exec and move files in and out with sandbox_read_file and
sandbox_write_file. A non-zero exit code is reported in the result and is
not a tool failure. Delete sandboxes you no longer need with sandbox_delete.
`))

	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.Tool("sandbox_list").
		Description("List all sandboxes with their status.").
		Handler(s.handleList)

	s.mcpServer.Tool("sandbox_create").
		Description("Create a sandbox and wait until it is running. Optionally run a startup script.").
		Handler(s.handleCreate)

	s.mcpServer.Tool("sandbox_exec").
		Description("Run a shell command in a sandbox and return stdout, stderr and the exit code.").
		Handler(s.handleExec)

	s.mcpServer.Tool("sandbox_ping").
		Description("Check that a sandbox responds.").
		Handler(s.handlePing)

	s.mcpServer.Tool("sandbox_delete").
		Description("Delete a sandbox. Deleting an unknown sandbox succeeds.").
		Handler(s.handleDelete)

	s.mcpServer.Tool("sandbox_read_file").
		Description("Read a file from a sandbox.").
		Handler(s.handleReadFile)

	s.mcpServer.Tool("sandbox_write_file").
		Description("Write a file into a sandbox, creating parent directories.").
		Handler(s.handleWriteFile)
}

// Input/Output types for tools

type ListInput struct{}

type SandboxSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	LastActivity string `json:"last_activity"`
}

type ListOutput struct {
	Sandboxes []SandboxSummary `json:"sandboxes"`
}

type CreateInput struct {
	Name          string `json:"name" jsonschema:"description=Sandbox name"`
	StartupScript string `json:"startup_script,omitempty" jsonschema:"description=Shell script run once after creation"`
	ScriptID      string `json:"script_id,omitempty" jsonschema:"description=ID of a saved startup script"`
}

type CreateOutput struct {
	SandboxID      string `json:"sandbox_id"`
	Status         string `json:"status"`
	CreationTimeMs int64  `json:"creation_time_ms"`
}

type ExecInput struct {
	SandboxID string `json:"sandbox_id" jsonschema:"description=Sandbox ID from sandbox_create"`
	Command   string `json:"command" jsonschema:"description=Shell command to run"`
}

type ExecOutput struct {
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

type SandboxInput struct {
	SandboxID string `json:"sandbox_id" jsonschema:"description=Sandbox ID"`
}

type PingOutput struct {
	Healthy    bool   `json:"healthy"`
	PingTimeMs int64  `json:"ping_time_ms"`
	Status     string `json:"status"`
}

type DeleteOutput struct {
	Message string `json:"message"`
}

type ReadFileInput struct {
	SandboxID string `json:"sandbox_id" jsonschema:"description=Sandbox ID"`
	Path      string `json:"path" jsonschema:"description=Absolute file path inside the sandbox"`
}

type ReadFileOutput struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int    `json:"size"`
	Truncated bool   `json:"truncated,omitempty"`
}

type WriteFileInput struct {
	SandboxID string `json:"sandbox_id" jsonschema:"description=Sandbox ID"`
	Path      string `json:"path" jsonschema:"description=Absolute file path inside the sandbox"`
	Content   string `json:"content" jsonschema:"description=File content"`
}

type WriteFileOutput struct {
	Path    string `json:"path"`
	Size    int    `json:"size"`
	Message string `json:"message"`
}

// Tool handlers

func (s *Server) handleList(ctx context.Context, _ ListInput) (ListOutput, error) {
	sessions, err := s.manager.List(ctx)
	if err != nil {
		return ListOutput{}, fmt.Errorf("failed to list sandboxes: %w", err)
	}

	out := ListOutput{Sandboxes: make([]SandboxSummary, 0, len(sessions))}
	for _, sess := range sessions {
		out.Sandboxes = append(out.Sandboxes, SandboxSummary{
			ID:           sess.ID,
			Name:         sess.Name,
			Status:       string(sess.Status),
			LastActivity: sess.LastActivity.Format(time.RFC3339),
		})
	}
	return out, nil
}

func (s *Server) handleCreate(ctx context.Context, input CreateInput) (CreateOutput, error) {
	sess, err := s.manager.Create(ctx, sandbox.CreateRequest{
		Name:          input.Name,
		StartupScript: input.StartupScript,
		ScriptID:      input.ScriptID,
	})
	if err != nil {
		return CreateOutput{}, fmt.Errorf("failed to create sandbox: %w", err)
	}
	return CreateOutput{
		SandboxID:      sess.ID,
		Status:         string(sess.Status),
		CreationTimeMs: sess.Metrics.CreationTimeMs,
	}, nil
}

func (s *Server) handleExec(ctx context.Context, input ExecInput) (ExecOutput, error) {
	res, err := s.manager.Execute(ctx, input.SandboxID, input.Command)
	if err != nil {
		return ExecOutput{}, fmt.Errorf("command failed: %w", err)
	}
	return ExecOutput{
		ExitCode:        res.ExitCode,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		ExecutionTimeMs: res.ExecutionTimeMs,
	}, nil
}

func (s *Server) handlePing(ctx context.Context, input SandboxInput) (PingOutput, error) {
	res, err := s.manager.Ping(ctx, input.SandboxID)
	if err != nil {
		return PingOutput{}, fmt.Errorf("ping failed: %w", err)
	}
	return PingOutput{
		Healthy:    res.Healthy,
		PingTimeMs: res.PingTimeMs,
		Status:     string(res.Status),
	}, nil
}

func (s *Server) handleDelete(ctx context.Context, input SandboxInput) (DeleteOutput, error) {
	if strings.TrimSpace(input.SandboxID) == "" {
		return DeleteOutput{}, fmt.Errorf("sandbox_id is required")
	}
	if err := s.manager.Delete(ctx, input.SandboxID); err != nil {
		return DeleteOutput{}, fmt.Errorf("failed to delete sandbox: %w", err)
	}
	return DeleteOutput{Message: "Sandbox deleted"}, nil
}

func (s *Server) handleReadFile(ctx context.Context, input ReadFileInput) (ReadFileOutput, error) {
	content, err := s.manager.ReadFile(ctx, input.SandboxID, input.Path)
	if err != nil {
		return ReadFileOutput{}, fmt.Errorf("failed to read file: %w", err)
	}

	out := ReadFileOutput{Path: input.Path, Size: len(content)}
	if len(content) > maxReadBytes {
		content = content[:maxReadBytes]
		out.Truncated = true
	}
	out.Content = string(content)
	return out, nil
}

func (s *Server) handleWriteFile(ctx context.Context, input WriteFileInput) (WriteFileOutput, error) {
	if err := s.manager.WriteFile(ctx, input.SandboxID, input.Path, []byte(input.Content)); err != nil {
		return WriteFileOutput{}, fmt.Errorf("failed to write file: %w", err)
	}
	return WriteFileOutput{
		Path:    input.Path,
		Size:    len(input.Content),
		Message: "File written",
	}, nil
}

// ServeStdio starts the MCP server on stdio
func (s *Server) ServeStdio(ctx context.Context) error {
	return mcp.ServeStdio(ctx, s.mcpServer)
}

// ServeHTTP starts the MCP server on HTTP (alternative transport)
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	return mcp.ServeHTTP(ctx, s.mcpServer, addr)
}

// GetMCPServer returns the underlying MCP server (for testing)
func (s *Server) GetMCPServer() *server.Server {
	return s.mcpServer
}
