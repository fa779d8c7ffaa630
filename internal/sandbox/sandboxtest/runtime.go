// Package sandboxtest provides test doubles for the sandbox runtime.
package sandboxtest

import (
	"context"
	"net/http"
	"sync"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
)

// Runtime implements sandbox.Runtime with overridable behaviour. Unset
// functions succeed with zero values; Exec succeeds with exit code 0 and
// ExecStream emits a single Done(0).
type Runtime struct {
	CreateFn       func(ctx context.Context, id string) error
	DestroyFn      func(ctx context.Context, id string) error
	ExecFn         func(ctx context.Context, id, command string) (*sandbox.ExecResult, error)
	ExecStreamFn   func(ctx context.Context, id, command string) (<-chan sandbox.Frame, error)
	WriteFileFn    func(ctx context.Context, id, path string, content []byte) error
	ReadFileFn     func(ctx context.Context, id, path string) ([]byte, error)
	MkdirFn        func(ctx context.Context, id, path string) error
	DeleteFileFn   func(ctx context.Context, id, path string) error
	RenameFileFn   func(ctx context.Context, id, oldPath, newPath string) error
	MoveFileFn     func(ctx context.Context, id, src, dst string) error
	StartProcessFn func(ctx context.Context, id, command string) (*sandbox.Process, error)
	KillProcessFn  func(ctx context.Context, id, processID string) error
	ProcessLogsFn  func(ctx context.Context, id, processID string) (*sandbox.ProcessLogs, error)
	ExposePortFn   func(ctx context.Context, id string, port int, name, hostname string) (*sandbox.ExposedPort, error)
	UnexposePortFn func(ctx context.Context, id string, port int) error
	ExposedPortsFn func(ctx context.Context, id, hostname string) ([]sandbox.ExposedPort, error)
	GitCheckoutFn  func(ctx context.Context, id, repoURL, branch, targetDir string) error
	FetchFn        func(ctx context.Context, id string, req *http.Request) (*http.Response, error)

	mu    sync.Mutex
	calls map[string]int
}

func (r *Runtime) record(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[op]++
}

// Calls reports how many times op was invoked.
func (r *Runtime) Calls(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// TotalCalls reports how many runtime calls were made in all.
func (r *Runtime) TotalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

func (r *Runtime) Create(ctx context.Context, id string) error {
	r.record("Create")
	if r.CreateFn != nil {
		return r.CreateFn(ctx, id)
	}
	return nil
}

func (r *Runtime) Destroy(ctx context.Context, id string) error {
	r.record("Destroy")
	if r.DestroyFn != nil {
		return r.DestroyFn(ctx, id)
	}
	return nil
}

func (r *Runtime) Exec(ctx context.Context, id, command string) (*sandbox.ExecResult, error) {
	r.record("Exec")
	if r.ExecFn != nil {
		return r.ExecFn(ctx, id, command)
	}
	return &sandbox.ExecResult{}, nil
}

func (r *Runtime) ExecStream(ctx context.Context, id, command string) (<-chan sandbox.Frame, error) {
	r.record("ExecStream")
	if r.ExecStreamFn != nil {
		return r.ExecStreamFn(ctx, id, command)
	}
	return Frames(sandbox.Done(0)), nil
}

func (r *Runtime) WriteFile(ctx context.Context, id, path string, content []byte) error {
	r.record("WriteFile")
	if r.WriteFileFn != nil {
		return r.WriteFileFn(ctx, id, path, content)
	}
	return nil
}

func (r *Runtime) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	r.record("ReadFile")
	if r.ReadFileFn != nil {
		return r.ReadFileFn(ctx, id, path)
	}
	return nil, nil
}

func (r *Runtime) Mkdir(ctx context.Context, id, path string) error {
	r.record("Mkdir")
	if r.MkdirFn != nil {
		return r.MkdirFn(ctx, id, path)
	}
	return nil
}

func (r *Runtime) DeleteFile(ctx context.Context, id, path string) error {
	r.record("DeleteFile")
	if r.DeleteFileFn != nil {
		return r.DeleteFileFn(ctx, id, path)
	}
	return nil
}

func (r *Runtime) RenameFile(ctx context.Context, id, oldPath, newPath string) error {
	r.record("RenameFile")
	if r.RenameFileFn != nil {
		return r.RenameFileFn(ctx, id, oldPath, newPath)
	}
	return nil
}

func (r *Runtime) MoveFile(ctx context.Context, id, src, dst string) error {
	r.record("MoveFile")
	if r.MoveFileFn != nil {
		return r.MoveFileFn(ctx, id, src, dst)
	}
	return nil
}

func (r *Runtime) StartProcess(ctx context.Context, id, command string) (*sandbox.Process, error) {
	r.record("StartProcess")
	if r.StartProcessFn != nil {
		return r.StartProcessFn(ctx, id, command)
	}
	return &sandbox.Process{ID: "proc-1", PID: 1, Command: command, Status: "running"}, nil
}

func (r *Runtime) KillProcess(ctx context.Context, id, processID string) error {
	r.record("KillProcess")
	if r.KillProcessFn != nil {
		return r.KillProcessFn(ctx, id, processID)
	}
	return nil
}

func (r *Runtime) ProcessLogs(ctx context.Context, id, processID string) (*sandbox.ProcessLogs, error) {
	r.record("ProcessLogs")
	if r.ProcessLogsFn != nil {
		return r.ProcessLogsFn(ctx, id, processID)
	}
	return &sandbox.ProcessLogs{ProcessID: processID}, nil
}

func (r *Runtime) ExposePort(ctx context.Context, id string, port int, name, hostname string) (*sandbox.ExposedPort, error) {
	r.record("ExposePort")
	if r.ExposePortFn != nil {
		return r.ExposePortFn(ctx, id, port, name, hostname)
	}
	return &sandbox.ExposedPort{Port: port, Name: name}, nil
}

func (r *Runtime) UnexposePort(ctx context.Context, id string, port int) error {
	r.record("UnexposePort")
	if r.UnexposePortFn != nil {
		return r.UnexposePortFn(ctx, id, port)
	}
	return nil
}

func (r *Runtime) ExposedPorts(ctx context.Context, id, hostname string) ([]sandbox.ExposedPort, error) {
	r.record("ExposedPorts")
	if r.ExposedPortsFn != nil {
		return r.ExposedPortsFn(ctx, id, hostname)
	}
	return nil, nil
}

func (r *Runtime) GitCheckout(ctx context.Context, id, repoURL, branch, targetDir string) error {
	r.record("GitCheckout")
	if r.GitCheckoutFn != nil {
		return r.GitCheckoutFn(ctx, id, repoURL, branch, targetDir)
	}
	return nil
}

func (r *Runtime) Fetch(ctx context.Context, id string, req *http.Request) (*http.Response, error) {
	r.record("Fetch")
	if r.FetchFn != nil {
		return r.FetchFn(ctx, id, req)
	}
	return nil, http.ErrServerClosed
}

// Frames returns a closed, buffered channel holding frames.
func Frames(frames ...sandbox.Frame) <-chan sandbox.Frame {
	ch := make(chan sandbox.Frame, len(frames))
	for _, f := range frames {
		ch <- f
	}
	close(ch)
	return ch
}

var _ sandbox.Runtime = (*Runtime)(nil)
