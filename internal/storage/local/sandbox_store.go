package local

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
)

const (
	sessionsCollection = "sessions"
	historyCollection  = "history"
	scriptsCollection  = "scripts"
)

// SandboxStore keeps sessions, history and startup scripts as JSON files.
// It suits a single daemon; the files are not safe to share between processes.
type SandboxStore struct {
	files *Store
	// history appends are read-modify-write on one file
	historyMu sync.Mutex
}

// NewSandboxStore opens a file store rooted at dir.
func NewSandboxStore(dir string) (*SandboxStore, error) {
	files, err := NewStore(dir)
	if err != nil {
		return nil, err
	}
	return &SandboxStore{files: files}, nil
}

func (s *SandboxStore) Get(_ context.Context, id string) (*sandbox.Session, error) {
	var sess sandbox.Session
	if err := s.files.Load(sessionsCollection, id, &sess); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, sandbox.ErrSandboxNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (s *SandboxStore) Put(_ context.Context, sess *sandbox.Session) error {
	return s.files.Save(sessionsCollection, sess.ID, sess)
}

func (s *SandboxStore) Delete(_ context.Context, id string) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	for _, collection := range []string{sessionsCollection, historyCollection} {
		if err := s.files.Delete(collection, id); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

func (s *SandboxStore) List(ctx context.Context) ([]*sandbox.Session, error) {
	ids, err := s.files.List(sessionsCollection)
	if err != nil {
		return nil, err
	}

	out := make([]*sandbox.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, sandbox.ErrSandboxNotFound) {
			// deleted between List and Get
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AppendHistory stores results oldest-first and trims to HistoryCapacity.
func (s *SandboxStore) AppendHistory(ctx context.Context, id string, result sandbox.CommandResult) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	var entries []sandbox.CommandResult
	if err := s.files.Load(historyCollection, id, &entries); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("load history: %w", err)
	}
	entries = append(entries, result)
	if n := len(entries) - sandbox.HistoryCapacity; n > 0 {
		entries = entries[n:]
	}
	return s.files.Save(historyCollection, id, entries)
}

func (s *SandboxStore) History(_ context.Context, id string, limit int) ([]sandbox.CommandResult, error) {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	var entries []sandbox.CommandResult
	if err := s.files.Load(historyCollection, id, &entries); err != nil {
		if errors.Is(err, ErrNotFound) {
			return []sandbox.CommandResult{}, nil
		}
		return nil, fmt.Errorf("load history: %w", err)
	}

	n := len(entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]sandbox.CommandResult, 0, n)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

func (s *SandboxStore) GetScript(_ context.Context, id string) (*sandbox.StartupScript, error) {
	var script sandbox.StartupScript
	if err := s.files.Load(scriptsCollection, id, &script); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, sandbox.ErrScriptNotFound
		}
		return nil, err
	}
	return &script, nil
}

func (s *SandboxStore) PutScript(_ context.Context, script *sandbox.StartupScript) error {
	return s.files.Save(scriptsCollection, script.ID, script)
}

func (s *SandboxStore) DeleteScript(_ context.Context, id string) error {
	if err := s.files.Delete(scriptsCollection, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return sandbox.ErrScriptNotFound
		}
		return err
	}
	return nil
}

func (s *SandboxStore) ListScripts(ctx context.Context) ([]*sandbox.StartupScript, error) {
	ids, err := s.files.List(scriptsCollection)
	if err != nil {
		return nil, err
	}

	out := make([]*sandbox.StartupScript, 0, len(ids))
	for _, id := range ids {
		script, err := s.GetScript(ctx, id)
		if errors.Is(err, sandbox.ErrScriptNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, script)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Ping reports whether the data directory is readable.
func (s *SandboxStore) Ping(context.Context) error {
	_, err := s.files.List(sessionsCollection)
	return err
}

var (
	_ sandbox.Store       = (*SandboxStore)(nil)
	_ sandbox.ScriptStore = (*SandboxStore)(nil)
)
