package client

import (
	"context"
	"sync"
)

// MemoryTokenStore keeps the session in memory.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens Tokens
}

func NewMemoryTokenStore(initial Tokens) *MemoryTokenStore {
	return &MemoryTokenStore{tokens: initial}
}

func (s *MemoryTokenStore) Load(_ context.Context) (Tokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tokens, nil
}

func (s *MemoryTokenStore) Save(_ context.Context, tokens Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = tokens

	return nil
}

func (s *MemoryTokenStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens = Tokens{}

	return nil
}
