package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
)

// ScriptStore persists saved startup scripts.
type ScriptStore struct {
	db *DB
}

func NewScriptStore(db *DB) *ScriptStore {
	return &ScriptStore{db: db}
}

func (s *ScriptStore) GetScript(ctx context.Context, id string) (*sandbox.StartupScript, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, content, description, created_at, last_used
		FROM startup_scripts WHERE id = ?`, id)
	return scanScript(row)
}

func (s *ScriptStore) PutScript(ctx context.Context, script *sandbox.StartupScript) error {
	var lastUsed sql.NullTime
	if script.LastUsed != nil {
		lastUsed = sql.NullTime{Time: script.LastUsed.UTC(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO startup_scripts (id, name, content, description, created_at, last_used)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, content=excluded.content,
			description=excluded.description, last_used=excluded.last_used`,
		script.ID, script.Name, script.Content, script.Description, script.CreatedAt.UTC(), lastUsed,
	)
	if err != nil {
		return fmt.Errorf("upsert startup script: %w", err)
	}
	return nil
}

func (s *ScriptStore) DeleteScript(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM startup_scripts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete startup script: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sandbox.ErrScriptNotFound
	}
	return nil
}

func (s *ScriptStore) ListScripts(ctx context.Context) ([]*sandbox.StartupScript, error) {
	rows, err := s.db.QueryContext(ctx, `
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

func scanScript(row scanner) (*sandbox.StartupScript, error) {
	var (
		script   sandbox.StartupScript
		lastUsed sql.NullTime
	)
	err := row.Scan(&script.ID, &script.Name, &script.Content, &script.Description, &script.CreatedAt, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sandbox.ErrScriptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan startup script: %w", err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		script.LastUsed = &t
	}
	return &script, nil
}

var _ sandbox.ScriptStore = (*ScriptStore)(nil)
