package sandboxtest

import (
	"context"
	"sync"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
)

// Publisher records every published event.
type Publisher struct {
	mu     sync.Mutex
	events []sandbox.Event
	Err    error
}

func (p *Publisher) Publish(_ context.Context, e sandbox.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.Err
}

// Types returns the published event types in order.
func (p *Publisher) Types() []sandbox.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]sandbox.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// Events returns a copy of the published events.
func (p *Publisher) Events() []sandbox.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sandbox.Event(nil), p.events...)
}
