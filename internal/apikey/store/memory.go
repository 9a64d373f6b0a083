package store

import (
	"context"
	"sync"

	"agentgate/internal/apikey"
	id "agentgate/pkg/domain"
	dErrors "agentgate/pkg/domain-errors"
)

// InMemoryStore keeps API keys in process memory for development and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	byPrefix map[string]apikey.Key
	byID     map[id.APIKeyID]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byPrefix: make(map[string]apikey.Key),
		byID:     make(map[id.APIKeyID]string),
	}
}

func (s *InMemoryStore) Create(_ context.Context, key apikey.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byPrefix[key.Prefix]; exists {
		return dErrors.Newf(dErrors.CodeConflict, "api key prefix %s already exists", key.Prefix)
	}
	s.byPrefix[key.Prefix] = key
	s.byID[key.ID] = key.Prefix
	return nil
}

func (s *InMemoryStore) GetByPrefix(_ context.Context, prefix string) (*apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byPrefix[prefix]
	if !ok {
		return nil, dErrors.New(dErrors.CodeNotFound, "api key not found")
	}
	return &key, nil
}

func (s *InMemoryStore) Revoke(_ context.Context, keyID id.APIKeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix, ok := s.byID[keyID]
	if !ok {
		return dErrors.New(dErrors.CodeNotFound, "api key not found")
	}
	key := s.byPrefix[prefix]
	key.Revoked = true
	s.byPrefix[prefix] = key
	return nil
}
