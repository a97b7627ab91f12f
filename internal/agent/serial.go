package agent

import (
	"context"
	"sync"
)

// Runner runs one prompt against a conversation.
type Runner interface {
	Run(ctx context.Context, conversationID, prompt string) (*Result, error)
}

// Serialized wraps a Runner so that calls for the same conversation run
// one at a time. Calls for different conversations proceed in parallel.
type Serialized struct {
	next Runner

	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

// NewSerialized wraps next.
func NewSerialized(next Runner) *Serialized {
	return &Serialized{next: next, locks: make(map[string]*convLock)}
}

// Run waits for any in-flight call on conversationID, then runs.
func (s *Serialized) Run(ctx context.Context, conversationID, prompt string) (*Result, error) {
	unlock := s.lock(conversationID)
	defer unlock()
	return s.next.Run(ctx, conversationID, prompt)
}

func (s *Serialized) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &convLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}
