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

const (
	// StartupScriptPath is where a startup script is written before it runs.
	StartupScriptPath = "/startup.sh"

	probeCommand   = "ls"
	pingCommand    = `echo "ping"`
	startupCommand = "chmod +x " + StartupScriptPath + " && " + StartupScriptPath
)

// ManagerConfig wires the Manager's collaborators.
type ManagerConfig struct {
	Store    Store
	Scripts  ScriptStore
	Runtime  Runtime
	Events   EventPublisher
	Recorder Recorder
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager owns the sandbox status machine and every operation that reads or
// mutates session bookkeeping.
type Manager struct {
	store    Store
	scripts  ScriptStore
	runtime  Runtime
	events   EventPublisher
	recorder Recorder
	now      func() time.Time
	locks    *keyedMutex
}

// NewManager creates a sandbox manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		store:    cfg.Store,
		scripts:  cfg.Scripts,
		runtime:  cfg.Runtime,
		events:   cfg.Events,
		recorder: cfg.Recorder,
		now:      cfg.Now,
		locks:    newKeyedMutex(),
	}
	if m.store == nil {
		m.store = NewMemoryStore()
	}
	if m.scripts == nil {
		if ss, ok := m.store.(ScriptStore); ok {
			m.scripts = ss
		} else {
			m.scripts = NewMemoryStore()
		}
	}
	if m.events == nil {
		m.events = NopPublisher{}
	}
	if m.recorder == nil {
		m.recorder = nopRecorder{}
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	return m
}

// CreateRequest holds the parameters for a new sandbox.
type CreateRequest struct {
	Name          string
	StartupScript string
	// ScriptID selects a saved startup script instead of inline content.
	ScriptID string
}

// List returns every known session.
func (m *Manager) List(ctx context.Context) ([]*Session, error) {
	sessions, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	now := m.now()
	for _, s := range sessions {
		m.withUptime(s, now)
	}
	return sessions, nil
}

// Get returns one session.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	m.withUptime(s, m.now())
	return s, nil
}

// Create allocates a session and initializes the sandbox before returning.
// The returned session is in StatusRunning, or in StatusError together with
// an error wrapping ErrInitFailed.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, Invalid("name", "sandbox name is required")
	}
	script := req.StartupScript
	if req.ScriptID != "" {
		if strings.TrimSpace(script) != "" {
			return nil, Invalid("startupScript", "cannot be combined with scriptId")
		}
		saved, err := m.UseScript(ctx, req.ScriptID)
		if err != nil {
			return nil, err
		}
		script = saved.Content
	}

	now := m.now()
	sess := &Session{
		ID:           newID("sandbox", now, 7),
		Name:         name,
		Status:       StatusCreating,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := m.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	slog.Info("creating sandbox", "sandbox_id", sess.ID, "name", name, "startup_script", script != "")

	// Initialization is not abandoned when the caller goes away; the session
	// must always settle in running or error.
	initCtx := context.WithoutCancel(ctx)
	start := time.Now()
	initErr := m.initialize(initCtx, sess.ID, script)
	elapsed := time.Since(start)

	final, err := m.update(initCtx, sess.ID, func(s *Session) {
		s.Metrics.CreationTimeMs = elapsed.Milliseconds()
		if initErr != nil {
			s.Status = StatusError
			return
		}
		s.Status = StatusRunning
		s.LastActivity = m.now()
	})
	if err != nil {
		return nil, fmt.Errorf("finalize session: %w", err)
	}
	m.recorder.ObserveCreate(final.Status, elapsed)

	if initErr != nil {
		slog.Error("sandbox initialization failed",
			"sandbox_id", sess.ID,
			"duration_ms", elapsed.Milliseconds(),
			"error", initErr,
		)
		m.publish(initCtx, NewEvent(EventFailed, sess.ID, map[string]any{
			"name":  name,
			"error": initErr.Error(),
		}))
		return final, fmt.Errorf("%w: %w", ErrInitFailed, initErr)
	}

	slog.Info("sandbox created",
		"sandbox_id", sess.ID,
		"name", name,
		"creation_ms", final.Metrics.CreationTimeMs,
	)
	m.publish(initCtx, NewEvent(EventCreated, sess.ID, map[string]any{
		"name":           name,
		"creationTimeMs": final.Metrics.CreationTimeMs,
	}))
	return final, nil
}

func (m *Manager) initialize(ctx context.Context, id, script string) error {
	if err := m.runtime.Create(ctx, id); err != nil {
		return &RuntimeError{Op: "create", SandboxID: id, Err: err}
	}

	res, err := m.runtime.Exec(ctx, id, probeCommand)
	if err != nil {
		return &RuntimeError{Op: "probe", SandboxID: id, Err: err}
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("initialization probe exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	if script == "" {
		return nil
	}
	if err := m.runtime.WriteFile(ctx, id, StartupScriptPath, []byte(script)); err != nil {
		return &RuntimeError{Op: "write startup script", SandboxID: id, Err: err}
	}
	res, err = m.runtime.Exec(ctx, id, startupCommand)
	if err != nil {
		return &RuntimeError{Op: "startup script", SandboxID: id, Err: err}
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("startup script exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Delete removes a session and its history. Unknown ids are a no-op.
func (m *Manager) Delete(ctx context.Context, id string) error {
	unlock := m.locks.lock(id)
	_, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrSandboxNotFound) {
		unlock()
		return nil
	}
	if err != nil {
		unlock()
		return fmt.Errorf("get session: %w", err)
	}
	err = m.store.Delete(ctx, id)
	unlock()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	if err := m.runtime.Destroy(ctx, id); err != nil {
		slog.Warn("failed to destroy sandbox runtime", "sandbox_id", id, "error", err)
	}

	slog.Info("sandbox deleted", "sandbox_id", id)
	m.publish(ctx, NewEvent(EventDeleted, id, nil))
	return nil
}

// Ping probes the sandbox and forces its status to match the outcome.
func (m *Manager) Ping(ctx context.Context, id string) (*PingResult, error) {
	if _, err := m.store.Get(ctx, id); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := m.runtime.Exec(ctx, id, pingCommand)
	elapsed := time.Since(start)
	// Neither a caller hanging up nor a guard refusing the call probed the
	// sandbox, so its status stays as it was.
	if err != nil && ctx.Err() != nil {
		return nil, &RuntimeError{Op: "ping", SandboxID: id, Err: err}
	}
	if IsRejected(err) {
		slog.Warn("sandbox ping rejected", "sandbox_id", id, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUnhealthy, &RuntimeError{Op: "ping", SandboxID: id, Err: err})
	}
	if err == nil && res.ExitCode != 0 {
		err = fmt.Errorf("ping exited with code %d", res.ExitCode)
	}
	m.recorder.ObservePing(err == nil, elapsed)

	if err != nil {
		if _, uerr := m.update(ctx, id, func(s *Session) { s.Status = StatusError }); uerr != nil && !errors.Is(uerr, ErrSandboxNotFound) {
			slog.Error("failed to record unhealthy sandbox", "sandbox_id", id, "error", uerr)
		}
		slog.Warn("sandbox ping failed", "sandbox_id", id, "error", err)
		m.publish(ctx, NewEvent(EventUnhealthy, id, map[string]any{"error": err.Error()}))
		return nil, fmt.Errorf("%w: %w", ErrUnhealthy, &RuntimeError{Op: "ping", SandboxID: id, Err: err})
	}

	if _, err := m.update(ctx, id, func(s *Session) {
		s.Status = StatusRunning
		s.LastActivity = m.now()
	}); err != nil {
		return nil, err
	}

	return &PingResult{
		Healthy:    true,
		PingTimeMs: elapsed.Milliseconds(),
		Status:     StatusRunning,
	}, nil
}

// update applies fn to the stored session under the per-id lock.
func (m *Manager) update(ctx context.Context, id string, fn func(*Session)) (*Session, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(s)
	if err := m.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return s, nil
}

// touch bumps lastActivity; failures are logged, never returned.
func (m *Manager) touch(ctx context.Context, id string) {
	_, err := m.update(ctx, id, func(s *Session) { s.LastActivity = m.now() })
	if err != nil && !errors.Is(err, ErrSandboxNotFound) {
		slog.Warn("failed to update sandbox activity", "sandbox_id", id, "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, e Event) {
	if err := m.events.Publish(ctx, e); err != nil {
		slog.Warn("failed to publish event", "type", e.Type, "sandbox_id", e.SandboxID, "error", err)
	}
}

func (m *Manager) withUptime(s *Session, now time.Time) {
	if s.Status == StatusRunning {
		s.Metrics.UptimeMs = now.Sub(s.CreatedAt).Milliseconds()
	}
}

// newID builds ids of the form prefix-<unix millis>-<random suffix>.
func newID(prefix string, now time.Time, suffixLen int) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
	return fmt.Sprintf("%s-%d-%s", prefix, now.UnixMilli(), suffix)
}
