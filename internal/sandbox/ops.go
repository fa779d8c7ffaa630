package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	pathNotFoundMarker = "PATH_NOT_FOUND"
	processListCommand = "ps aux --no-headers | head -20"

	MinExposedPort = 1024
	MaxExposedPort = 65535
)

// delegate runs a runtime call on behalf of an existing sandbox, wrapping
// failures and bumping activity on success.
func (m *Manager) delegate(ctx context.Context, id, op string, fn func() error) error {
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	start := time.Now()
	err := fn()
	m.recorder.ObserveCommand(op, err == nil, time.Since(start))
	if err != nil {
		slog.Error("runtime operation failed", "sandbox_id", id, "op", op, "error", err)
		return &RuntimeError{Op: op, SandboxID: id, Err: err}
	}
	m.touch(ctx, id)
	return nil
}

// ListFiles lists dir inside the sandbox. A missing directory yields an empty list.
func (m *Manager) ListFiles(ctx context.Context, id, dir string) ([]FileInfo, error) {
	if dir == "" {
		dir = "/"
	}
	var res *ExecResult
	err := m.delegate(ctx, id, "list files", func() error {
		var err error
		res, err = m.runtime.Exec(ctx, id, fmt.Sprintf("ls -la %s 2>/dev/null || echo %s", shellQuote(dir), pathNotFoundMarker))
		return err
	})
	if err != nil {
		return nil, err
	}
	if strings.Contains(res.Stdout, pathNotFoundMarker) {
		return []FileInfo{}, nil
	}
	return parseListing(dir, res.Stdout, m.now()), nil
}

// parseListing turns `ls -la` output into entries, skipping "total", "." and "..".
func parseListing(dir, out string, now time.Time) []FileInfo {
	files := []FileInfo{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "total") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 9 {
			continue
		}
		name := strings.Join(parts[8:], " ")
		if name == "." || name == ".." {
			continue
		}
		kind := "file"
		if strings.HasPrefix(parts[0], "d") {
			kind = "directory"
		}
		full := dir + "/" + name
		if strings.HasSuffix(dir, "/") {
			full = dir + name
		}
		files = append(files, FileInfo{Name: name, Path: full, Type: kind, LastModified: now})
	}
	return files
}

// WriteFile writes content to path inside the sandbox.
func (m *Manager) WriteFile(ctx context.Context, id, filePath string, content []byte) error {
	if filePath == "" {
		return Invalid("path", "file path is required")
	}
	return m.delegate(ctx, id, "write file", func() error {
		return m.runtime.WriteFile(ctx, id, filePath, content)
	})
}

// ReadFile returns the content at filePath.
func (m *Manager) ReadFile(ctx context.Context, id, filePath string) ([]byte, error) {
	if filePath == "" || filePath == "/" {
		return nil, Invalid("path", "file path is required")
	}
	var data []byte
	err := m.delegate(ctx, id, "read file", func() error {
		var err error
		data, err = m.runtime.ReadFile(ctx, id, filePath)
		return err
	})
	return data, err
}

// Mkdir creates a directory, including parents.
func (m *Manager) Mkdir(ctx context.Context, id, dir string) error {
	if dir == "" {
		return Invalid("path", "directory path is required")
	}
	return m.delegate(ctx, id, "mkdir", func() error {
		return m.runtime.Mkdir(ctx, id, dir)
	})
}

// DeleteFile removes a file or directory.
func (m *Manager) DeleteFile(ctx context.Context, id, filePath string) error {
	if filePath == "" {
		return Invalid("path", "file path is required")
	}
	return m.delegate(ctx, id, "delete file", func() error {
		return m.runtime.DeleteFile(ctx, id, filePath)
	})
}

// RenameFile renames oldPath to newPath.
func (m *Manager) RenameFile(ctx context.Context, id, oldPath, newPath string) error {
	if oldPath == "" || newPath == "" {
		return Invalid("path", "both old path and new path are required")
	}
	return m.delegate(ctx, id, "rename file", func() error {
		return m.runtime.RenameFile(ctx, id, oldPath, newPath)
	})
}

// MoveFile moves sourcePath to destinationPath.
func (m *Manager) MoveFile(ctx context.Context, id, sourcePath, destinationPath string) error {
	if sourcePath == "" || destinationPath == "" {
		return Invalid("path", "both source path and destination path are required")
	}
	return m.delegate(ctx, id, "move file", func() error {
		return m.runtime.MoveFile(ctx, id, sourcePath, destinationPath)
	})
}

// ListProcesses returns up to 20 processes reported by ps.
func (m *Manager) ListProcesses(ctx context.Context, id string) ([]Process, error) {
	var res *ExecResult
	err := m.delegate(ctx, id, "list processes", func() error {
		var err error
		res, err = m.runtime.Exec(ctx, id, processListCommand)
		return err
	})
	if err != nil {
		return nil, err
	}
	return parseProcesses(res.Stdout, m.now()), nil
}

// parseProcesses reads `ps aux` rows: user pid cpu mem vsz rss tty stat start time command...
func parseProcesses(out string, now time.Time) []Process {
	procs := []Process{}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.Fields(line)
		if len(parts) < 11 {
			continue
		}
		pid, err := strconv.Atoi(parts[1])
		if err != nil {
			continue
		}
		status := "running"
		if strings.Contains(parts[7], "Z") {
			status = "stopped"
		}
		command := strings.Join(parts[10:], " ")
		if command == "" {
			command = "unknown"
		}
		procs = append(procs, Process{
			ID:        "proc-" + parts[1],
			PID:       pid,
			Command:   command,
			Status:    status,
			StartTime: now,
		})
	}
	return procs
}

// StartProcess launches command in the background.
func (m *Manager) StartProcess(ctx context.Context, id, command string) (*Process, error) {
	if strings.TrimSpace(command) == "" {
		return nil, Invalid("command", "command is required")
	}
	var proc *Process
	err := m.delegate(ctx, id, "start process", func() error {
		var err error
		proc, err = m.runtime.StartProcess(ctx, id, command)
		return err
	})
	return proc, err
}

// KillProcess terminates a background process.
func (m *Manager) KillProcess(ctx context.Context, id, processID string) error {
	if processID == "" {
		return Invalid("processId", "process ID is required")
	}
	return m.delegate(ctx, id, "kill process", func() error {
		return m.runtime.KillProcess(ctx, id, processID)
	})
}

// ProcessLogs returns the captured output of a background process.
func (m *Manager) ProcessLogs(ctx context.Context, id, processID string) (*ProcessLogs, error) {
	if processID == "" {
		return nil, Invalid("processId", "process ID is required")
	}
	var logs *ProcessLogs
	err := m.delegate(ctx, id, "process logs", func() error {
		var err error
		logs, err = m.runtime.ProcessLogs(ctx, id, processID)
		return err
	})
	return logs, err
}

// ExposePort maps port to an externally reachable URL.
func (m *Manager) ExposePort(ctx context.Context, id string, port int, hostname string) (*ExposedPort, error) {
	if port < MinExposedPort || port > MaxExposedPort {
		return nil, Invalid("port", fmt.Sprintf("port must be between %d and %d", MinExposedPort, MaxExposedPort))
	}
	var exposed *ExposedPort
	err := m.delegate(ctx, id, "expose port", func() error {
		var err error
		exposed, err = m.runtime.ExposePort(ctx, id, port, fmt.Sprintf("port-%d", port), hostname)
		return err
	})
	return exposed, err
}

// UnexposePort removes a port mapping.
func (m *Manager) UnexposePort(ctx context.Context, id string, port int) error {
	if port < 1 || port > MaxExposedPort {
		return Invalid("port", "invalid port number")
	}
	return m.delegate(ctx, id, "unexpose port", func() error {
		return m.runtime.UnexposePort(ctx, id, port)
	})
}

// ListPorts returns the current port mappings.
func (m *Manager) ListPorts(ctx context.Context, id, hostname string) ([]ExposedPort, error) {
	var ports []ExposedPort
	err := m.delegate(ctx, id, "list ports", func() error {
		var err error
		ports, err = m.runtime.ExposedPorts(ctx, id, hostname)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ports == nil {
		ports = []ExposedPort{}
	}
	return ports, nil
}

// GitCloneRequest describes a repository checkout.
type GitCloneRequest struct {
	RepoURL   string
	Branch    string
	TargetDir string
}

// GitCloneResult reports where a repository was checked out.
type GitCloneResult struct {
	RepoURL   string `json:"repoUrl"`
	Branch    string `json:"branch"`
	TargetDir string `json:"targetDir"`
	Cloned    bool   `json:"cloned"`
}

// GitClone checks out a repository inside the sandbox.
func (m *Manager) GitClone(ctx context.Context, id string, req GitCloneRequest) (*GitCloneResult, error) {
	if req.RepoURL == "" {
		return nil, Invalid("repoUrl", "repository URL is required")
	}
	if !strings.HasPrefix(req.RepoURL, "https://") && !strings.HasPrefix(req.RepoURL, "git@") {
		return nil, Invalid("repoUrl", "invalid repository URL format")
	}
	if req.Branch == "" {
		req.Branch = "main"
	}
	if req.TargetDir == "" {
		req.TargetDir = repoDir(req.RepoURL)
	}

	err := m.delegate(ctx, id, "git clone", func() error {
		return m.runtime.GitCheckout(ctx, id, req.RepoURL, req.Branch, req.TargetDir)
	})
	if err != nil {
		return nil, err
	}
	return &GitCloneResult{
		RepoURL:   req.RepoURL,
		Branch:    req.Branch,
		TargetDir: req.TargetDir,
		Cloned:    true,
	}, nil
}

func repoDir(repoURL string) string {
	base := strings.TrimSuffix(path.Base(strings.TrimSuffix(repoURL, "/")), ".git")
	if base == "" || base == "." || base == "/" {
		return "repository"
	}
	return base
}

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
