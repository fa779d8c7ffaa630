package sandbox

import "context"

// Store persists sandbox sessions and their command history.
// Writes to a single id are last-write-wins; Manager serializes its own
// read-modify-write cycles per id.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	// Delete removes the session and its history. Unknown ids are not an error.
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)

	// AppendHistory records a result, evicting the oldest beyond HistoryCapacity.
	AppendHistory(ctx context.Context, id string, result CommandResult) error
	// History returns results most-recent-first. limit <= 0 returns all.
	History(ctx context.Context, id string, limit int) ([]CommandResult, error)
}

// ScriptStore persists reusable startup scripts.
type ScriptStore interface {
	GetScript(ctx context.Context, id string) (*StartupScript, error)
	PutScript(ctx context.Context, s *StartupScript) error
	DeleteScript(ctx context.Context, id string) error
	ListScripts(ctx context.Context) ([]*StartupScript, error)
}
