package sandbox

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps sessions, history and scripts in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	history  map[string]*historyRing
	scripts  map[string]*StartupScript
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		history:  make(map[string]*historyRing),
		scripts:  make(map[string]*StartupScript),
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSandboxNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sess.ID] = sess.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	delete(s.history, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, id string, result CommandResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrSandboxNotFound
	}
	ring, ok := s.history[id]
	if !ok {
		ring = newHistoryRing(HistoryCapacity)
		s.history[id] = ring
	}
	ring.push(result)
	return nil
}

func (s *MemoryStore) History(_ context.Context, id string, limit int) ([]CommandResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ring, ok := s.history[id]
	if !ok {
		return []CommandResult{}, nil
	}
	return ring.newest(limit), nil
}

func (s *MemoryStore) GetScript(_ context.Context, id string) (*StartupScript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	script, ok := s.scripts[id]
	if !ok {
		return nil, ErrScriptNotFound
	}
	return script.Clone(), nil
}

func (s *MemoryStore) PutScript(_ context.Context, script *StartupScript) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scripts[script.ID] = script.Clone()
	return nil
}

func (s *MemoryStore) DeleteScript(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scripts[id]; !ok {
		return ErrScriptNotFound
	}
	delete(s.scripts, id)
	return nil
}

func (s *MemoryStore) ListScripts(_ context.Context) ([]*StartupScript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*StartupScript, 0, len(s.scripts))
	for _, script := range s.scripts {
		out = append(out, script.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ ScriptStore = (*MemoryStore)(nil)
)
