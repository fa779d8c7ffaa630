package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

var errStreamTruncated = errors.New("stream ended without a result")

// Execute runs command synchronously and records the result. A non-zero exit
// code is a successful call; only runtime failures are returned as errors.
func (m *Manager) Execute(ctx context.Context, id, command string) (*CommandResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, Invalid("command", "command is required")
	}
	if _, err := m.store.Get(ctx, id); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := m.runtime.Exec(ctx, id, command)
	elapsed := time.Since(start)
	m.recorder.ObserveCommand("exec", err == nil, elapsed)
	if err != nil {
		slog.Error("command execution failed", "sandbox_id", id, "op", "exec", "error", err)
		return nil, &RuntimeError{Op: "exec", SandboxID: id, Err: err}
	}

	result := CommandResult{
		ID:              "cmd-" + uuid.NewString(),
		Command:         command,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		ExitCode:        res.ExitCode,
		ExecutionTimeMs: elapsed.Milliseconds(),
		Timestamp:       m.now(),
	}

	if err := m.recordCommand(ctx, id, result); err != nil {
		if errors.Is(err, ErrSandboxNotFound) {
			// Deleted while the command ran; nothing left to account to.
			return &result, nil
		}
		return nil, err
	}

	slog.Debug("command executed",
		"sandbox_id", id,
		"exit_code", result.ExitCode,
		"duration_ms", result.ExecutionTimeMs,
	)
	m.publish(ctx, NewEvent(EventCommandExecuted, id, map[string]any{
		"commandId":       result.ID,
		"exitCode":        result.ExitCode,
		"executionTimeMs": result.ExecutionTimeMs,
	}))
	return &result, nil
}

// recordCommand updates metrics, activity and history as one step per id.
func (m *Manager) recordCommand(ctx context.Context, id string, result CommandResult) error {
	unlock := m.locks.lock(id)
	defer unlock()

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	s.Metrics.RecordCommand(result.ExecutionTimeMs)
	s.LastActivity = m.now()
	if err := m.store.Put(ctx, s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := m.store.AppendHistory(ctx, id, result); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// StreamExecute runs command and forwards its output as it arrives. The
// returned channel carries output frames and then exactly one terminal frame
// before closing. Cancelling ctx stops forwarding; whether the remote command
// stops is up to the runtime.
func (m *Manager) StreamExecute(ctx context.Context, id, command string) (<-chan Frame, error) {
	if strings.TrimSpace(command) == "" {
		return nil, Invalid("command", "command is required")
	}
	if _, err := m.store.Get(ctx, id); err != nil {
		return nil, err
	}

	start := time.Now()
	frames, err := m.runtime.ExecStream(ctx, id, command)
	if err != nil {
		m.recorder.ObserveCommand("stream", false, time.Since(start))
		slog.Error("stream execution failed", "sandbox_id", id, "op", "stream", "error", err)
		return nil, &RuntimeError{Op: "stream", SandboxID: id, Err: err}
	}

	out := make(chan Frame)
	m.recorder.StreamActive(1)
	go func() {
		defer close(out)
		defer m.recorder.StreamActive(-1)

		send := func(f Frame) bool {
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				slog.Debug("stream consumer went away", "sandbox_id", id)
				return
			case f, ok := <-frames:
				if !ok {
					m.recorder.ObserveCommand("stream", false, time.Since(start))
					send(Failed(&RuntimeError{Op: "stream", SandboxID: id, Err: errStreamTruncated}))
					return
				}
				if f.Kind == FrameFailed {
					slog.Warn("stream execution failed", "sandbox_id", id, "op", "stream", "error", f.Err)
					m.recorder.ObserveCommand("stream", false, time.Since(start))
					send(f)
					return
				}
				if !send(f) {
					return
				}
				if f.Kind == FrameDone {
					m.recorder.ObserveCommand("stream", true, time.Since(start))
					m.touch(context.WithoutCancel(ctx), id)
					return
				}
			}
		}
	}()
	return out, nil
}
