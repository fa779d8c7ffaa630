package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a sandbox session.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	// StatusStopped is part of the data model but no operation drives it.
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCreating, StatusRunning, StatusStopped, StatusError:
		return true
	}
	return false
}

// HistoryCapacity is the number of command results retained per sandbox.
const HistoryCapacity = 100

// Metrics are the per-sandbox counters kept alongside a session.
type Metrics struct {
	CreationTimeMs   int64   `json:"creationTimeMs"`
	TotalCommands    int64   `json:"totalCommands"`
	AvgCommandTimeMs float64 `json:"avgCommandTimeMs"`
	UptimeMs         int64   `json:"uptimeMs"`
}

// RecordCommand folds one execution time into the running mean.
func (m *Metrics) RecordCommand(executionTimeMs int64) {
	m.TotalCommands++
	n := float64(m.TotalCommands)
	m.AvgCommandTimeMs = (m.AvgCommandTimeMs*(n-1) + float64(executionTimeMs)) / n
}

// Session is the gateway's bookkeeping record for one sandbox.
type Session struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	Metrics      Metrics   `json:"metrics"`
}

// Clone returns a copy that shares no state with s.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// IsRunning returns true if the sandbox accepts live-container work.
func (s *Session) IsRunning() bool {
	return s.Status == StatusRunning
}

// CommandResult is an immutable record of one synchronous execution.
type CommandResult struct {
	ID              string    `json:"id"`
	Command         string    `json:"command"`
	Stdout          string    `json:"stdout"`
	Stderr          string    `json:"stderr"`
	ExitCode        int       `json:"exitCode"`
	ExecutionTimeMs int64     `json:"executionTimeMs"`
	Timestamp       time.Time `json:"timestamp"`
}

// ExecResult holds the raw output of a runtime execution.
type ExecResult struct {
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"-"`
}

// ExposedPort maps a sandbox-internal port to a reachable URL.
type ExposedPort struct {
	Port int    `json:"port"`
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// FileInfo describes one directory entry inside a sandbox.
type FileInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Type         string    `json:"type"`
	LastModified time.Time `json:"lastModified"`
}

// Process describes a process running inside a sandbox.
type Process struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	Status    string    `json:"status"`
	StartTime time.Time `json:"startTime"`
}

// ProcessLogs holds the captured output of a background process.
type ProcessLogs struct {
	ProcessID string `json:"processId"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
}

// PingResult is the outcome of a liveness probe.
type PingResult struct {
	Healthy    bool   `json:"healthy"`
	PingTimeMs int64  `json:"pingTime"`
	Status     Status `json:"status"`
}

var (
	ErrSandboxNotFound   = errors.New("sandbox not found")
	ErrScriptNotFound    = errors.New("startup script not found")
	ErrNotRunning        = errors.New("sandbox is not running")
	ErrInitFailed        = errors.New("failed to initialize sandbox")
	ErrUnhealthy         = errors.New("sandbox ping failed")
	ErrStreamUnsupported = errors.New("streaming not supported")
)

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// RuntimeError wraps a failed call into the sandbox runtime.
type RuntimeError struct {
	Op        string
	SandboxID string
	Err       error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime %s on %s: %v", e.Op, e.SandboxID, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// ProxyError wraps a failed forward into a sandbox service.
type ProxyError struct {
	SandboxID string
	Err       error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy to %s: %v", e.SandboxID, e.Err)
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}
