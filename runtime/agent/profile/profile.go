// Package profile defines the canonical profile records owned by the Profile
// Store (spec §3, §4.7): the durable agent/user records that sessions copy
// from at creation and at RefreshProfile turn boundaries. Profiles are
// created on upsert, mutated only via upsert or tool writes to managed://
// paths, and are never destroyed within a process lifetime.
package profile

import (
	"context"
	"errors"
)

type (
	// Kind discriminates the two profile variants.
	Kind string

	// AgentProfile is the canonical record for an agent identity.
	AgentProfile struct {
		// ID is the stable agent identifier.
		ID string
		// Name is the human-readable display name.
		Name string
		// ManagedFields holds the contents of the agent's managed:// fields,
		// keyed by field name ("AGENTS.md", "SOUL.md", "IDENTITY.md").
		ManagedFields map[string]string
		// Memory is free-form long-term memory content accumulated for the
		// agent across sessions.
		Memory string
	}

	// UserProfile is the canonical record for a participant user identity.
	UserProfile struct {
		// ID is the stable user identifier.
		ID string
		// Name is the human-readable display name.
		Name string
		// ManagedFields holds the contents of the user's managed:// fields,
		// keyed by field name ("USER.md").
		ManagedFields map[string]string
		// Memory is free-form long-term memory content accumulated for the
		// user across sessions.
		Memory string
		// Preferences carries caller-supplied key/value preferences (tone,
		// formatting, locale, etc.).
		Preferences map[string]string
	}

	// Store is the canonical, in-memory-or-shared mapping from agent/user id
	// to profile record. Reads return independent copies; upserts are atomic
	// replacements of the whole record (spec §4.7): no cross-record
	// transactions are required. Upserts never retro-mutate session copies;
	// RefreshProfile at a turn boundary is the only path by which a session
	// observes a new value.
	Store interface {
		// UpsertAgent atomically replaces the agent record for p.ID, creating
		// it if absent.
		UpsertAgent(ctx context.Context, p AgentProfile) error
		// GetAgent returns the current agent record. Returns ErrNotFound if
		// no record has ever been upserted for id.
		GetAgent(ctx context.Context, id string) (AgentProfile, error)
		// UpsertUser atomically replaces the user record for p.ID, creating
		// it if absent.
		UpsertUser(ctx context.Context, p UserProfile) error
		// GetUser returns the current user record. Returns ErrNotFound if no
		// record has ever been upserted for id.
		GetUser(ctx context.Context, id string) (UserProfile, error)

		// WriteAgentField updates a single managed field on an existing agent
		// record (used by the fs/managed tool handlers for managed://agent/
		// writes). Returns ErrNotFound if the agent does not exist.
		WriteAgentField(ctx context.Context, id, field, content string) error
		// WriteUserField updates a single managed field on an existing user
		// record (used by the fs/managed tool handlers for managed://user/
		// writes). Returns ErrNotFound if the user does not exist.
		WriteUserField(ctx context.Context, id, field, content string) error
	}
)

const (
	// KindAgent identifies an AgentProfile.
	KindAgent Kind = "agent"
	// KindUser identifies a UserProfile.
	KindUser Kind = "user"
)

// AgentManagedFields lists the fixed managed-field set for AgentProfile,
// matching spec §3.
var AgentManagedFields = []string{"AGENTS.md", "SOUL.md", "IDENTITY.md"}

// UserManagedFields lists the fixed managed-field set for UserProfile,
// matching spec §3.
var UserManagedFields = []string{"USER.md"}

// ErrNotFound indicates no profile has ever been upserted for the requested
// id. The Runtime Facade surfaces this as UnknownProfile (spec §4.1).
var ErrNotFound = errors.New("profile: not found")

// IsManagedField reports whether field belongs to the fixed managed-field set
// for the given profile kind.
func IsManagedField(kind Kind, field string) bool {
	var set []string
	switch kind {
	case KindAgent:
		set = AgentManagedFields
	case KindUser:
		set = UserManagedFields
	default:
		return false
	}
	for _, f := range set {
		if f == field {
			return true
		}
	}
	return false
}

// CloneAgent returns a deep copy of p so callers can safely retain session
// copies independent of future Store mutations.
func CloneAgent(p AgentProfile) AgentProfile {
	out := p
	out.ManagedFields = cloneStringMap(p.ManagedFields)
	return out
}

// CloneUser returns a deep copy of p so callers can safely retain session
// copies independent of future Store mutations.
func CloneUser(p UserProfile) UserProfile {
	out := p
	out.ManagedFields = cloneStringMap(p.ManagedFields)
	out.Preferences = cloneStringMap(p.Preferences)
	return out
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
