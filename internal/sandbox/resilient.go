package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/bulkhead"
	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/felixgeelhaar/fortify/ferrors"
	"github.com/felixgeelhaar/fortify/retry"
)

// ResilientRuntime wraps a Runtime with resilience patterns from fortify.
// Each sandbox gets its own circuit breaker, so one broken container cannot
// block calls to the others.
type ResilientRuntime struct {
	runtime  Runtime
	breakers *breakerSet
	retrier  retry.Retry[any]
	bulkhead bulkhead.Bulkhead[any]
	logger   *slog.Logger
}

// ResilienceConfig holds configuration for the resilient runtime wrapper.
type ResilienceConfig struct {
	EnableCircuitBreaker bool
	EnableRetry          bool
	EnableBulkhead       bool

	// FailureThreshold is the consecutive failures that open the breaker (default: 5)
	FailureThreshold int

	// OpenTimeout is how long the breaker stays open (default: 30s)
	OpenTimeout time.Duration

	// RetryAttempts bounds attempts for idempotent calls (default: 3)
	RetryAttempts int

	// MaxConcurrent for bulkhead (default: 16)
	MaxConcurrent int

	Logger *slog.Logger
}

// DefaultResilienceConfig returns defaults suited to a local container engine.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		EnableCircuitBreaker: true,
		EnableRetry:          true,
		EnableBulkhead:       true,
		FailureThreshold:     5,
		OpenTimeout:          30 * time.Second,
		RetryAttempts:        3,
		MaxConcurrent:        16,
	}
}

// NewResilientRuntime wraps rt. Streams skip the bulkhead since they hold a
// slot for as long as the client reads. Proxied fetches skip every guard.
func NewResilientRuntime(rt Runtime, cfg ResilienceConfig) *ResilientRuntime {
	r := &ResilientRuntime{runtime: rt, logger: cfg.Logger}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	if cfg.EnableCircuitBreaker {
		threshold := cfg.FailureThreshold
		if threshold <= 0 {
			threshold = 5
		}
		timeout := cfg.OpenTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		r.breakers = &breakerSet{
			breakers: make(map[string]circuitbreaker.CircuitBreaker[any]),
			newBreaker: func(id string) circuitbreaker.CircuitBreaker[any] {
				return circuitbreaker.New[any](circuitbreaker.Config{
					MaxRequests: 1,
					Interval:    time.Minute,
					Timeout:     timeout,
					ReadyToTrip: func(counts circuitbreaker.Counts) bool {
						return int(counts.ConsecutiveFailures) >= threshold
					},
					// A caller hanging up says nothing about the sandbox.
					IsSuccessful: func(err error) bool {
						return err == nil || errors.Is(err, context.Canceled)
					},
					OnStateChange: func(from, to circuitbreaker.State) {
						r.logger.Warn("runtime circuit breaker state change",
							"sandbox_id", id,
							"from", from.String(),
							"to", to.String())
					},
				})
			},
		}
	}

	if cfg.EnableRetry {
		attempts := cfg.RetryAttempts
		if attempts <= 0 {
			attempts = 3
		}
		r.retrier = retry.New[any](retry.Config{
			MaxAttempts:   attempts,
			InitialDelay:  200 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
			IsRetryable:   isRetryableRuntimeError,
		})
	}

	if cfg.EnableBulkhead {
		maxConcurrent := cfg.MaxConcurrent
		if maxConcurrent <= 0 {
			maxConcurrent = 16
		}
		r.bulkhead = bulkhead.New[any](bulkhead.Config{
			MaxConcurrent: maxConcurrent,
			MaxQueue:      maxConcurrent * 4,
			QueueTimeout:  30 * time.Second,
		})
	}

	return r
}

// breakerSet holds one circuit breaker per sandbox id.
type breakerSet struct {
	mu         sync.Mutex
	breakers   map[string]circuitbreaker.CircuitBreaker[any]
	newBreaker func(id string) circuitbreaker.CircuitBreaker[any]
}

func (b *breakerSet) get(id string) circuitbreaker.CircuitBreaker[any] {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[id]
	if !ok {
		cb = b.newBreaker(id)
		b.breakers[id] = cb
	}
	return cb
}

func (b *breakerSet) forget(id string) {
	b.mu.Lock()
	delete(b.breakers, id)
	b.mu.Unlock()
}

// State reports the breaker state for a sandbox. Sandboxes never called
// through the breaker are closed.
func (r *ResilientRuntime) State(id string) circuitbreaker.State {
	if r.breakers == nil {
		return circuitbreaker.StateClosed
	}
	r.breakers.mu.Lock()
	cb, ok := r.breakers.breakers[id]
	r.breakers.mu.Unlock()
	if !ok {
		return circuitbreaker.StateClosed
	}
	return cb.State()
}

// IsRejected reports whether err came from a resilience guard that refused
// the call, so the runtime was never reached.
func IsRejected(err error) bool {
	return errors.Is(err, ferrors.ErrCircuitOpen) || errors.Is(err, ferrors.ErrBulkheadFull)
}

func isRetryableRuntimeError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

type callOpts struct {
	breaker  bool
	retry    bool
	bulkhead bool
}

var (
	plain      = callOpts{breaker: true, bulkhead: true}
	idempotent = callOpts{breaker: true, retry: true, bulkhead: true}
	longLived  = callOpts{breaker: true}
	// upstream calls reach the sandbox's own service. Its failures are not
	// runtime failures.
	upstream = callOpts{}
)

// call runs fn through the configured patterns: breaker, then retry, then bulkhead.
func call[T any](ctx context.Context, r *ResilientRuntime, id string, opts callOpts, fn func(context.Context) (T, error)) (T, error) {
	operation := func(ctx context.Context) (any, error) {
		return fn(ctx)
	}

	if opts.bulkhead && r.bulkhead != nil {
		inner := operation
		operation = func(ctx context.Context) (any, error) {
			return r.bulkhead.Execute(ctx, inner)
		}
	}

	if opts.retry && r.retrier != nil {
		inner := operation
		operation = func(ctx context.Context) (any, error) {
			return r.retrier.Do(ctx, inner)
		}
	}

	var (
		v   any
		err error
	)
	if opts.breaker && r.breakers != nil {
		v, err = r.breakers.get(id).Execute(ctx, operation)
	} else {
		v, err = operation(ctx)
	}

	var zero T
	if err != nil {
		return zero, err
	}
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	return zero, nil
}

func callErr(ctx context.Context, r *ResilientRuntime, id string, opts callOpts, fn func(context.Context) error) error {
	_, err := call(ctx, r, id, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (r *ResilientRuntime) Create(ctx context.Context, id string) error {
	return callErr(ctx, r, id, plain, func(ctx context.Context) error { return r.runtime.Create(ctx, id) })
}

func (r *ResilientRuntime) Destroy(ctx context.Context, id string) error {
	err := callErr(ctx, r, id, idempotent, func(ctx context.Context) error { return r.runtime.Destroy(ctx, id) })
	if err == nil && r.breakers != nil {
		r.breakers.forget(id)
	}
	return err
}

func (r *ResilientRuntime) Exec(ctx context.Context, id, command string) (*ExecResult, error) {
	return call(ctx, r, id, plain, func(ctx context.Context) (*ExecResult, error) {
		return r.runtime.Exec(ctx, id, command)
	})
}

// ExecStream guards only stream setup; frames flow outside the breaker.
func (r *ResilientRuntime) ExecStream(ctx context.Context, id, command string) (<-chan Frame, error) {
	return call(ctx, r, id, longLived, func(ctx context.Context) (<-chan Frame, error) {
		return r.runtime.ExecStream(ctx, id, command)
	})
}

func (r *ResilientRuntime) WriteFile(ctx context.Context, id, path string, content []byte) error {
	return callErr(ctx, r, id, plain, func(ctx context.Context) error { return r.runtime.WriteFile(ctx, id, path, content) })
}

func (r *ResilientRuntime) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	return call(ctx, r, id, idempotent, func(ctx context.Context) ([]byte, error) {
		return r.runtime.ReadFile(ctx, id, path)
	})
}

func (r *ResilientRuntime) Mkdir(ctx context.Context, id, path string) error {
	return callErr(ctx, r, id, idempotent, func(ctx context.Context) error { return r.runtime.Mkdir(ctx, id, path) })
}

func (r *ResilientRuntime) DeleteFile(ctx context.Context, id, path string) error {
	return callErr(ctx, r, id, plain, func(ctx context.Context) error { return r.runtime.DeleteFile(ctx, id, path) })
}

func (r *ResilientRuntime) RenameFile(ctx context.Context, id, oldPath, newPath string) error {
	return callErr(ctx, r, id, plain, func(ctx context.Context) error { return r.runtime.RenameFile(ctx, id, oldPath, newPath) })
}

func (r *ResilientRuntime) MoveFile(ctx context.Context, id, sourcePath, destinationPath string) error {
	return callErr(ctx, r, id, plain, func(ctx context.Context) error {
		return r.runtime.MoveFile(ctx, id, sourcePath, destinationPath)
	})
}

func (r *ResilientRuntime) StartProcess(ctx context.Context, id, command string) (*Process, error) {
	return call(ctx, r, id, plain, func(ctx context.Context) (*Process, error) {
		return r.runtime.StartProcess(ctx, id, command)
	})
}

func (r *ResilientRuntime) KillProcess(ctx context.Context, id, processID string) error {
	return callErr(ctx, r, id, plain, func(ctx context.Context) error { return r.runtime.KillProcess(ctx, id, processID) })
}

func (r *ResilientRuntime) ProcessLogs(ctx context.Context, id, processID string) (*ProcessLogs, error) {
	return call(ctx, r, id, idempotent, func(ctx context.Context) (*ProcessLogs, error) {
		return r.runtime.ProcessLogs(ctx, id, processID)
	})
}

func (r *ResilientRuntime) ExposePort(ctx context.Context, id string, port int, name, hostname string) (*ExposedPort, error) {
	return call(ctx, r, id, plain, func(ctx context.Context) (*ExposedPort, error) {
		return r.runtime.ExposePort(ctx, id, port, name, hostname)
	})
}

func (r *ResilientRuntime) UnexposePort(ctx context.Context, id string, port int) error {
	return callErr(ctx, r, id, plain, func(ctx context.Context) error { return r.runtime.UnexposePort(ctx, id, port) })
}

func (r *ResilientRuntime) ExposedPorts(ctx context.Context, id, hostname string) ([]ExposedPort, error) {
	return call(ctx, r, id, idempotent, func(ctx context.Context) ([]ExposedPort, error) {
		return r.runtime.ExposedPorts(ctx, id, hostname)
	})
}

func (r *ResilientRuntime) GitCheckout(ctx context.Context, id, repoURL, branch, targetDir string) error {
	return callErr(ctx, r, id, plain, func(ctx context.Context) error {
		return r.runtime.GitCheckout(ctx, id, repoURL, branch, targetDir)
	})
}

func (r *ResilientRuntime) Fetch(ctx context.Context, id string, req *http.Request) (*http.Response, error) {
	return call(ctx, r, id, upstream, func(ctx context.Context) (*http.Response, error) {
		return r.runtime.Fetch(ctx, id, req)
	})
}

var _ Runtime = (*ResilientRuntime)(nil)
