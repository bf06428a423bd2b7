// Package redisstore provides an optional shared-cache implementation of
// profile.Store backed by github.com/redis/go-redis/v9. It lets several
// fathom server processes observe the same canonical profiles; the Task
// Scheduler and Session Actor remain strictly single-process (spec's
// Non-goals exclude multi-node distribution of the turn engine itself).
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/acrylicshrimp/fathom/runtime/agent/profile"
)

const (
	agentKeyPrefix = "fathom:profile:agent:"
	userKeyPrefix  = "fathom:profile:user:"
)

// Store implements profile.Store on top of a *redis.Client. Each profile is
// stored as a single JSON value under a per-id key, so UpsertAgent/UpsertUser
// remain atomic replacements (spec §4.7: no cross-record transactions are
// required).
type Store struct {
	rdb *redis.Client
}

// New constructs a Store backed by rdb. rdb must be non-nil.
func New(rdb *redis.Client) *Store {
	if rdb == nil {
		panic("redisstore: redis client is required")
	}
	return &Store{rdb: rdb}
}

// UpsertAgent implements profile.Store.
func (s *Store) UpsertAgent(ctx context.Context, p profile.AgentProfile) error {
	data, err := json.Marshal(profile.CloneAgent(p))
	if err != nil {
		return fmt.Errorf("redisstore: marshal agent profile: %w", err)
	}
	return s.rdb.Set(ctx, agentKeyPrefix+p.ID, data, 0).Err()
}

// GetAgent implements profile.Store.
func (s *Store) GetAgent(ctx context.Context, id string) (profile.AgentProfile, error) {
	data, err := s.rdb.Get(ctx, agentKeyPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return profile.AgentProfile{}, profile.ErrNotFound
		}
		return profile.AgentProfile{}, fmt.Errorf("redisstore: get agent profile: %w", err)
	}
	var p profile.AgentProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return profile.AgentProfile{}, fmt.Errorf("redisstore: unmarshal agent profile: %w", err)
	}
	return p, nil
}

// UpsertUser implements profile.Store.
func (s *Store) UpsertUser(ctx context.Context, p profile.UserProfile) error {
	data, err := json.Marshal(profile.CloneUser(p))
	if err != nil {
		return fmt.Errorf("redisstore: marshal user profile: %w", err)
	}
	return s.rdb.Set(ctx, userKeyPrefix+p.ID, data, 0).Err()
}

// GetUser implements profile.Store.
func (s *Store) GetUser(ctx context.Context, id string) (profile.UserProfile, error) {
	data, err := s.rdb.Get(ctx, userKeyPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return profile.UserProfile{}, profile.ErrNotFound
		}
		return profile.UserProfile{}, fmt.Errorf("redisstore: get user profile: %w", err)
	}
	var p profile.UserProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return profile.UserProfile{}, fmt.Errorf("redisstore: unmarshal user profile: %w", err)
	}
	return p, nil
}

// WriteAgentField implements profile.Store. It performs a read-modify-write
// under a per-key optimistic-lock watch so concurrent field writes from
// different processes do not clobber one another.
func (s *Store) WriteAgentField(ctx context.Context, id, field, content string) error {
	key := agentKeyPrefix + id
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return profile.ErrNotFound
			}
			return fmt.Errorf("redisstore: get agent profile: %w", err)
		}
		var p profile.AgentProfile
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("redisstore: unmarshal agent profile: %w", err)
		}
		if p.ManagedFields == nil {
			p.ManagedFields = make(map[string]string, 1)
		}
		p.ManagedFields[field] = content
		updated, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("redisstore: marshal agent profile: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)
}

// WriteUserField implements profile.Store. See WriteAgentField for the
// transactional read-modify-write shape.
func (s *Store) WriteUserField(ctx context.Context, id, field, content string) error {
	key := userKeyPrefix + id
	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return profile.ErrNotFound
			}
			return fmt.Errorf("redisstore: get user profile: %w", err)
		}
		var p profile.UserProfile
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("redisstore: unmarshal user profile: %w", err)
		}
		if p.ManagedFields == nil {
			p.ManagedFields = make(map[string]string, 1)
		}
		p.ManagedFields[field] = content
		updated, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("redisstore: marshal user profile: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}, key)
}
