package sandbox

import (
	"context"
	"net/http"
)

// Runtime is the external engine that actually isolates and runs sandboxes.
// Every method addresses a sandbox by id; the gateway keeps no handles.
type Runtime interface {
	Create(ctx context.Context, id string) error
	Destroy(ctx context.Context, id string) error

	Exec(ctx context.Context, id, command string) (*ExecResult, error)
	// ExecStream runs command and delivers output as it is produced. The
	// channel yields output frames followed by exactly one terminal frame.
	ExecStream(ctx context.Context, id, command string) (<-chan Frame, error)

	WriteFile(ctx context.Context, id, path string, content []byte) error
	ReadFile(ctx context.Context, id, path string) ([]byte, error)
	Mkdir(ctx context.Context, id, path string) error
	DeleteFile(ctx context.Context, id, path string) error
	RenameFile(ctx context.Context, id, oldPath, newPath string) error
	MoveFile(ctx context.Context, id, sourcePath, destinationPath string) error

	StartProcess(ctx context.Context, id, command string) (*Process, error)
	KillProcess(ctx context.Context, id, processID string) error
	ProcessLogs(ctx context.Context, id, processID string) (*ProcessLogs, error)

	ExposePort(ctx context.Context, id string, port int, name, hostname string) (*ExposedPort, error)
	UnexposePort(ctx context.Context, id string, port int) error
	ExposedPorts(ctx context.Context, id, hostname string) ([]ExposedPort, error)

	GitCheckout(ctx context.Context, id, repoURL, branch, targetDir string) error

	// Fetch forwards req into the sandbox network namespace. The caller owns
	// the response body.
	Fetch(ctx context.Context, id string, req *http.Request) (*http.Response, error)
}

// Stream tags which output channel a frame came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// FrameKind distinguishes output frames from the terminal sentinels.
type FrameKind int

const (
	FrameOutput FrameKind = iota
	FrameDone
	FrameFailed
)

// Frame is one element of a streaming execution.
type Frame struct {
	Kind     FrameKind
	Stream   Stream
	Data     []byte
	ExitCode int
	Err      error
}

// Output builds an output frame.
func Output(stream Stream, data []byte) Frame {
	return Frame{Kind: FrameOutput, Stream: stream, Data: data}
}

// Done builds the successful terminal frame.
func Done(exitCode int) Frame {
	return Frame{Kind: FrameDone, ExitCode: exitCode}
}

// Failed builds the failing terminal frame.
func Failed(err error) Frame {
	return Frame{Kind: FrameFailed, Err: err}
}

// Terminal reports whether f ends a stream.
func (f Frame) Terminal() bool {
	return f.Kind != FrameOutput
}
