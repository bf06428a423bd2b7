// Package inmem provides an in-memory implementation of profile.Store.
//
// It is intended for tests, local development, and single-process
// deployments (spec's Non-goals exclude multi-node distribution, so an
// in-memory store is the default; see profile/redisstore for the optional
// shared-cache backend used when multiple processes must observe the same
// canonical profiles).
package inmem

import (
	"context"
	"sync"

	"github.com/acrylicshrimp/fathom/runtime/agent/profile"
)

// Store is an in-memory implementation of profile.Store. It is safe for
// concurrent use.
type Store struct {
	mu     sync.RWMutex
	agents map[string]profile.AgentProfile
	users  map[string]profile.UserProfile
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		agents: make(map[string]profile.AgentProfile),
		users:  make(map[string]profile.UserProfile),
	}
}

// UpsertAgent implements profile.Store.
func (s *Store) UpsertAgent(_ context.Context, p profile.AgentProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[p.ID] = profile.CloneAgent(p)
	return nil
}

// GetAgent implements profile.Store.
func (s *Store) GetAgent(_ context.Context, id string) (profile.AgentProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.agents[id]
	if !ok {
		return profile.AgentProfile{}, profile.ErrNotFound
	}
	return profile.CloneAgent(p), nil
}

// UpsertUser implements profile.Store.
func (s *Store) UpsertUser(_ context.Context, p profile.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[p.ID] = profile.CloneUser(p)
	return nil
}

// GetUser implements profile.Store.
func (s *Store) GetUser(_ context.Context, id string) (profile.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.users[id]
	if !ok {
		return profile.UserProfile{}, profile.ErrNotFound
	}
	return profile.CloneUser(p), nil
}

// WriteAgentField implements profile.Store.
func (s *Store) WriteAgentField(_ context.Context, id, field, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.agents[id]
	if !ok {
		return profile.ErrNotFound
	}
	if p.ManagedFields == nil {
		p.ManagedFields = make(map[string]string, 1)
	}
	p.ManagedFields[field] = content
	s.agents[id] = p
	return nil
}

// WriteUserField implements profile.Store.
func (s *Store) WriteUserField(_ context.Context, id, field, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[id]
	if !ok {
		return profile.ErrNotFound
	}
	if p.ManagedFields == nil {
		p.ManagedFields = make(map[string]string, 1)
	}
	p.ManagedFields[field] = content
	s.users[id] = p
	return nil
}
