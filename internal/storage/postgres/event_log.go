package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"
)

// EventLog appends lifecycle events to the sandbox_events table.
type EventLog struct {
	db *sql.DB
}

// OpenEventLog connects to dsn and makes sure the schema exists.
func OpenEventLog(ctx context.Context, dsn string) (*EventLog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping event log: %w", err)
	}
	db.SetMaxOpenConns(4)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &EventLog{db: db}, nil
}

// NewEventLog wraps an existing connection.
func NewEventLog(db *sql.DB) *EventLog {
	return &EventLog{db: db}
}

// Record stores e. Redelivered events with a known id are ignored.
func (l *EventLog) Record(ctx context.Context, e sandbox.Event) error {
	var data pqtype.NullRawMessage
	if len(e.Data) > 0 {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
		data = pqtype.NullRawMessage{RawMessage: raw, Valid: true}
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sandbox_events (id, event_type, sandbox_id, data, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Type), e.SandboxID, data, e.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListBySandbox returns up to limit events for sandboxID, oldest first.
func (l *EventLog) ListBySandbox(ctx context.Context, sandboxID string, limit int) ([]sandbox.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, event_type, sandbox_id, data, occurred_at
		FROM sandbox_events WHERE sandbox_id = $1
		ORDER BY occurred_at, recorded_at
		LIMIT $2`, sandboxID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []sandbox.Event{}
	for rows.Next() {
		var (
			e         sandbox.Event
			id        uuid.UUID
			eventType string
			data      pqtype.NullRawMessage
		)
		if err := rows.Scan(&id, &eventType, &e.SandboxID, &data, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ID = id
		e.Type = sandbox.EventType(eventType)
		if data.Valid {
			if err := json.Unmarshal(data.RawMessage, &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying connection.
func (l *EventLog) Close() error {
	return l.db.Close()
}
