package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// StartupScript is a reusable shell script run during sandbox creation.
type StartupScript struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Content     string     `json:"content"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsed    *time.Time `json:"lastUsed,omitempty"`
}

// Clone returns a copy that shares no state with s.
func (s *StartupScript) Clone() *StartupScript {
	c := *s
	if s.LastUsed != nil {
		t := *s.LastUsed
		c.LastUsed = &t
	}
	return &c
}

// ScriptInput carries the editable fields of a startup script.
type ScriptInput struct {
	Name        string
	Content     string
	Description string
}

func (in ScriptInput) normalize() (ScriptInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Content = strings.TrimSpace(in.Content)
	in.Description = strings.TrimSpace(in.Description)
	if in.Name == "" || in.Content == "" {
		return in, Invalid("", "name and content are required")
	}
	return in, nil
}

// ListScripts returns all saved scripts.
func (m *Manager) ListScripts(ctx context.Context) ([]*StartupScript, error) {
	scripts, err := m.scripts.ListScripts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	return scripts, nil
}

// GetScript returns one saved script.
func (m *Manager) GetScript(ctx context.Context, id string) (*StartupScript, error) {
	return m.scripts.GetScript(ctx, id)
}

// CreateScript saves a new script.
func (m *Manager) CreateScript(ctx context.Context, in ScriptInput) (*StartupScript, error) {
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	now := m.now()
	script := &StartupScript{
		ID:          newID("script", now, 6),
		Name:        in.Name,
		Content:     in.Content,
		Description: in.Description,
		CreatedAt:   now,
	}
	if err := m.scripts.PutScript(ctx, script); err != nil {
		return nil, fmt.Errorf("save script: %w", err)
	}
	slog.Info("startup script created", "script_id", script.ID, "name", script.Name)
	return script, nil
}

// UpdateScript replaces the editable fields of an existing script.
func (m *Manager) UpdateScript(ctx context.Context, id string, in ScriptInput) (*StartupScript, error) {
	script, err := m.scripts.GetScript(ctx, id)
	if err != nil {
		return nil, err
	}
	in, err = in.normalize()
	if err != nil {
		return nil, err
	}
	script.Name = in.Name
	script.Content = in.Content
	script.Description = in.Description
	if err := m.scripts.PutScript(ctx, script); err != nil {
		return nil, fmt.Errorf("save script: %w", err)
	}
	return script, nil
}

// DeleteScript removes a script.
func (m *Manager) DeleteScript(ctx context.Context, id string) error {
	return m.scripts.DeleteScript(ctx, id)
}

// UseScript stamps lastUsed and returns the script.
func (m *Manager) UseScript(ctx context.Context, id string) (*StartupScript, error) {
	script, err := m.scripts.GetScript(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	script.LastUsed = &now
	if err := m.scripts.PutScript(ctx, script); err != nil {
		return nil, fmt.Errorf("save script: %w", err)
	}
	return script, nil
}
