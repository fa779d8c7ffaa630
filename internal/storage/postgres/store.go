// Package postgres stores sandbox sessions, history, startup scripts and the
// lifecycle event log in PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// Connect opens a pool against dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the tables if they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// SandboxStore implements sandbox.Store and sandbox.ScriptStore with pgx.
type SandboxStore struct {
	pool *pgxpool.Pool
}

func NewSandboxStore(pool *pgxpool.Pool) *SandboxStore {
	return &SandboxStore{pool: pool}
}

const sessionColumns = `id, name, status, created_at, last_activity,
	creation_time_ms, total_commands, avg_command_time_ms`

func (s *SandboxStore) Get(ctx context.Context, id string) (*sandbox.Session, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+sessionColumns+" FROM sandboxes WHERE id = $1", id)
	return scanSession(row)
}

func (s *SandboxStore) Put(ctx context.Context, sess *sandbox.Session) error {
	query := `
		INSERT INTO sandboxes (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, status = EXCLUDED.status,
			last_activity = EXCLUDED.last_activity,
			creation_time_ms = EXCLUDED.creation_time_ms,
			total_commands = EXCLUDED.total_commands,
			avg_command_time_ms = EXCLUDED.avg_command_time_ms
	`
	_, err := s.pool.Exec(ctx, query,
		sess.ID, sess.Name, string(sess.Status), sess.CreatedAt, sess.LastActivity,
		sess.Metrics.CreationTimeMs, sess.Metrics.TotalCommands, sess.Metrics.AvgCommandTimeMs,
	)
	if err != nil {
		return fmt.Errorf("upsert sandbox: %w", err)
	}
	return nil
}

func (s *SandboxStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sandboxes WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete sandbox: %w", err)
	}
	return nil
}

func (s *SandboxStore) List(ctx context.Context) ([]*sandbox.Session, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+sessionColumns+" FROM sandboxes ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	defer rows.Close()

	sessions := []*sandbox.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// AppendHistory inserts result and trims older rows in one transaction. The
// session row is locked so concurrent appends for one sandbox serialize.
func (s *SandboxStore) AppendHistory(ctx context.Context, id string, result sandbox.CommandResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists int
	err = tx.QueryRow(ctx, `SELECT 1 FROM sandboxes WHERE id = $1 FOR UPDATE`, id).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return sandbox.ErrSandboxNotFound
	}
	if err != nil {
		return fmt.Errorf("lock sandbox: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO command_history (id, sandbox_id, command, stdout, stderr,
			exit_code, execution_time_ms, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		result.ID, id, result.Command, result.Stdout, result.Stderr,
		result.ExitCode, result.ExecutionTimeMs, result.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM command_history
		WHERE sandbox_id = $1 AND seq NOT IN (
			SELECT seq FROM command_history WHERE sandbox_id = $1
			ORDER BY seq DESC LIMIT $2
		)`, id, sandbox.HistoryCapacity)
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *SandboxStore) History(ctx context.Context, id string, limit int) ([]sandbox.CommandResult, error) {
	if limit <= 0 || limit > sandbox.HistoryCapacity {
		limit = sandbox.HistoryCapacity
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, command, stdout, stderr, exit_code, execution_time_ms, executed_at
		FROM command_history WHERE sandbox_id = $1
		ORDER BY seq DESC LIMIT $2`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	history := []sandbox.CommandResult{}
	for rows.Next() {
		var r sandbox.CommandResult
		if err := rows.Scan(&r.ID, &r.Command, &r.Stdout, &r.Stderr,
			&r.ExitCode, &r.ExecutionTimeMs, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		history = append(history, r)
	}
	return history, rows.Err()
}

func (s *SandboxStore) GetScript(ctx context.Context, id string) (*sandbox.StartupScript, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, content, description, created_at, last_used
		FROM startup_scripts WHERE id = $1`, id)
	return scanScript(row)
}

func (s *SandboxStore) PutScript(ctx context.Context, script *sandbox.StartupScript) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO startup_scripts (id, name, content, description, created_at, last_used)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, content = EXCLUDED.content,
			description = EXCLUDED.description, last_used = EXCLUDED.last_used`,
		script.ID, script.Name, script.Content, script.Description, script.CreatedAt, script.LastUsed,
	)
	if err != nil {
		return fmt.Errorf("upsert startup script: %w", err)
	}
	return nil
}

func (s *SandboxStore) DeleteScript(ctx context.Context, id string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM startup_scripts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete startup script: %w", err)
	}
	if result.RowsAffected() == 0 {
		return sandbox.ErrScriptNotFound
	}
	return nil
}

func (s *SandboxStore) ListScripts(ctx context.Context) ([]*sandbox.StartupScript, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, content, description, created_at, last_used
		FROM startup_scripts ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list startup scripts: %w", err)
	}
	defer rows.Close()

	scripts := []*sandbox.StartupScript{}
	for rows.Next() {
		script, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, script)
	}
	return scripts, rows.Err()
}

func scanSession(row pgx.Row) (*sandbox.Session, error) {
	var (
		sess   sandbox.Session
		status string
	)
	err := row.Scan(&sess.ID, &sess.Name, &status, &sess.CreatedAt, &sess.LastActivity,
		&sess.Metrics.CreationTimeMs, &sess.Metrics.TotalCommands, &sess.Metrics.AvgCommandTimeMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sandbox.ErrSandboxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sandbox: %w", err)
	}
	sess.Status = sandbox.Status(status)
	return &sess, nil
}

func scanScript(row pgx.Row) (*sandbox.StartupScript, error) {
	var script sandbox.StartupScript
	err := row.Scan(&script.ID, &script.Name, &script.Content, &script.Description,
		&script.CreatedAt, &script.LastUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sandbox.ErrScriptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan startup script: %w", err)
	}
	return &script, nil
}

var (
	_ sandbox.Store       = (*SandboxStore)(nil)
	_ sandbox.ScriptStore = (*SandboxStore)(nil)
)
