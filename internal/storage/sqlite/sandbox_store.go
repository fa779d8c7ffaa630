package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
)

// SandboxStore persists sessions and their command history in SQLite.
type SandboxStore struct {
	db *DB
}

// NewSandboxStore creates a SQLite-backed session store.
func NewSandboxStore(db *DB) *SandboxStore {
	return &SandboxStore{db: db}
}

const sessionColumns = `id, name, status, created_at, last_activity,
	creation_time_ms, total_commands, avg_command_time_ms`

func (s *SandboxStore) Get(ctx context.Context, id string) (*sandbox.Session, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sandboxes WHERE id = ?", id)
	return scanSession(row)
}

// Put upserts sess. It never replaces the row, so history survives.
func (s *SandboxStore) Put(ctx context.Context, sess *sandbox.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandboxes (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, status=excluded.status,
			last_activity=excluded.last_activity,
			creation_time_ms=excluded.creation_time_ms,
			total_commands=excluded.total_commands,
			avg_command_time_ms=excluded.avg_command_time_ms`,
		sess.ID, sess.Name, string(sess.Status), sess.CreatedAt.UTC(), sess.LastActivity.UTC(),
		sess.Metrics.CreationTimeMs, sess.Metrics.TotalCommands, sess.Metrics.AvgCommandTimeMs,
	)
	if err != nil {
		return fmt.Errorf("upsert sandbox: %w", err)
	}
	return nil
}

// Delete removes the session; history goes with it through the cascade.
func (s *SandboxStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sandboxes WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete sandbox: %w", err)
	}
	return nil
}

func (s *SandboxStore) List(ctx context.Context) ([]*sandbox.Session, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sessionColumns+" FROM sandboxes ORDER BY created_at, id")
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

// AppendHistory inserts result and trims the oldest rows beyond capacity.
func (s *SandboxStore) AppendHistory(ctx context.Context, id string, result sandbox.CommandResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM sandboxes WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return sandbox.ErrSandboxNotFound
	}
	if err != nil {
		return fmt.Errorf("check sandbox: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO command_history (id, sandbox_id, command, stdout, stderr,
			exit_code, execution_time_ms, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, id, result.Command, result.Stdout, result.Stderr,
		result.ExitCode, result.ExecutionTimeMs, result.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM command_history
		WHERE sandbox_id = ? AND seq NOT IN (
			SELECT seq FROM command_history WHERE sandbox_id = ?
			ORDER BY seq DESC LIMIT ?
		)`, id, id, sandbox.HistoryCapacity)
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}

	return tx.Commit()
}

func (s *SandboxStore) History(ctx context.Context, id string, limit int) ([]sandbox.CommandResult, error) {
	if limit <= 0 || limit > sandbox.HistoryCapacity {
		limit = sandbox.HistoryCapacity
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, stdout, stderr, exit_code, execution_time_ms, executed_at
		FROM command_history WHERE sandbox_id = ?
		ORDER BY seq DESC LIMIT ?`, id, limit)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*sandbox.Session, error) {
	var (
		sess   sandbox.Session
		status string
	)
	err := row.Scan(&sess.ID, &sess.Name, &status, &sess.CreatedAt, &sess.LastActivity,
		&sess.Metrics.CreationTimeMs, &sess.Metrics.TotalCommands, &sess.Metrics.AvgCommandTimeMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sandbox.ErrSandboxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sandbox: %w", err)
	}
	sess.Status = sandbox.Status(status)
	return &sess, nil
}

var _ sandbox.Store = (*SandboxStore)(nil)
