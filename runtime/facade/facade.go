// Package facade implements the Runtime Facade (spec §5): the process-wide
// RPC surface for creating sessions, enqueuing triggers, subscribing to
// session events, and reading/writing profiles. It owns the registry of
// live Session Actors and is the only component that constructs one.
package facade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acrylicshrimp/fathom/modelorchestrator"
	"github.com/acrylicshrimp/fathom/runtime/agent/actor"
	"github.com/acrylicshrimp/fathom/runtime/agent/eventbus"
	"github.com/acrylicshrimp/fathom/runtime/agent/model"
	"github.com/acrylicshrimp/fathom/runtime/agent/profile"
	"github.com/acrylicshrimp/fathom/runtime/agent/runlog"
	"github.com/acrylicshrimp/fathom/runtime/agent/scheduler"
	"github.com/acrylicshrimp/fathom/runtime/agent/session"
	"github.com/acrylicshrimp/fathom/runtime/agent/telemetry"
	"github.com/acrylicshrimp/fathom/runtime/agent/toolregistry"
	"github.com/acrylicshrimp/fathom/runtime/agent/trigger"

	"github.com/google/uuid"
)

type (
	// Deps bundles the process-wide collaborators every session's Actor
	// shares: the profile store, the shared Task Scheduler and Tool
	// Registry, run-log storage, telemetry, and the Model Orchestrator.
	Deps struct {
		Sessions     session.Store
		Profiles     profile.Store
		RunLog       runlog.Store
		Scheduler    *scheduler.Scheduler
		Registry     *toolregistry.Registry
		Orchestrator *modelorchestrator.Orchestrator
		Logger       telemetry.Logger
		ModelClass   model.ModelClass
	}

	// liveSession bundles a running Actor with its dedicated event Bus and
	// cancellation handle.
	liveSession struct {
		actor  *actor.Actor
		bus    *eventbus.Bus
		cancel context.CancelFunc
	}

	// Facade is the Runtime Facade: CreateSession, EnqueueTrigger,
	// SubscribeEvents, UpsertProfile, and GetProfile (spec §5).
	Facade struct {
		deps Deps

		mu       sync.RWMutex
		sessions map[string]*liveSession
	}
)

// New constructs a Facade over deps.
func New(deps Deps) *Facade {
	return &Facade{deps: deps, sessions: make(map[string]*liveSession)}
}

// ErrUnknownSession is returned by operations addressing a session id with
// no live Session Actor (spec §4.1's UnknownSession error kind).
var ErrUnknownSession = errors.New("facade: unknown session")

// ErrUnknownProfile is returned by CreateSession when agentID or any of
// userIDs names a profile that has never been upserted (spec §4.1's
// UnknownProfile error kind).
var ErrUnknownProfile = errors.New("facade: unknown profile")

// CreateSession creates (or returns) a durable session and starts its
// Session Actor, bound to agentID's profile and every id in userIDs (spec
// §4.1: "looks up profiles, snapshots them into the new session ... Fails
// with UnknownProfile if any id is absent"). Idempotent for already-live
// sessions.
func (f *Facade) CreateSession(ctx context.Context, sessionID, agentID string, userIDs []string) error {
	f.mu.Lock()
	if _, ok := f.sessions[sessionID]; ok {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	if _, err := f.deps.Profiles.GetAgent(ctx, agentID); err != nil {
		return fmt.Errorf("%w: agent %q: %v", ErrUnknownProfile, agentID, err)
	}
	for _, userID := range userIDs {
		if _, err := f.deps.Profiles.GetUser(ctx, userID); err != nil {
			return fmt.Errorf("%w: user %q: %v", ErrUnknownProfile, userID, err)
		}
	}

	if _, err := f.deps.Sessions.CreateSession(ctx, sessionID, time.Now().UTC()); err != nil {
		return fmt.Errorf("facade: create session: %w", err)
	}

	bus := eventbus.New()
	a := actor.New(actor.Config{
		SessionID:    sessionID,
		AgentID:      agentID,
		UserIDs:      userIDs,
		Profiles:     f.deps.Profiles,
		Bus:          bus,
		RunLog:       f.deps.RunLog,
		Scheduler:    f.deps.Scheduler,
		Registry:     f.deps.Registry,
		Orchestrator: f.deps.Orchestrator,
		Logger:       f.deps.Logger,
		ModelClass:   f.deps.ModelClass,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	go a.Run(runCtx)

	f.mu.Lock()
	f.sessions[sessionID] = &liveSession{actor: a, bus: bus, cancel: cancel}
	f.mu.Unlock()
	return nil
}

// EndSession tears down a session's Actor (canceling its in-flight tasks)
// and marks it ended in durable storage.
func (f *Facade) EndSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	ls, ok := f.sessions[sessionID]
	if ok {
		delete(f.sessions, sessionID)
	}
	f.mu.Unlock()
	if ok {
		ls.actor.Shutdown()
		ls.cancel()
		ls.bus.Close()
	}
	_, err := f.deps.Sessions.EndSession(ctx, sessionID, time.Now().UTC())
	return err
}

// EnqueueTrigger admits t into sessionID's inbox.
func (f *Facade) EnqueueTrigger(sessionID string, t trigger.Trigger) error {
	ls, err := f.lookup(sessionID)
	if err != nil {
		return err
	}
	return ls.actor.EnqueueTrigger(t)
}

// SubscribeEvents returns a live subscription to sessionID's event stream.
// Callers must Close the subscription when done.
func (f *Facade) SubscribeEvents(sessionID string, bufferSize int) (*eventbus.Subscription, error) {
	ls, err := f.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return ls.bus.Subscribe(bufferSize), nil
}

// UpsertProfile writes p (an AgentProfile or UserProfile) to the canonical
// Profile Store and enqueues a RefreshProfile trigger on sessionID so the
// change is folded into the session's next turn (spec §4.7). sessionID may
// be empty to upsert the canonical profile without refreshing any session.
func (f *Facade) UpsertProfile(ctx context.Context, sessionID string, p any) error {
	switch v := p.(type) {
	case profile.AgentProfile:
		if err := f.deps.Profiles.UpsertAgent(ctx, v); err != nil {
			return err
		}
		if sessionID != "" {
			return f.EnqueueTrigger(sessionID, trigger.NewRefreshProfile(uuid.NewString(), trigger.RefreshAgent, "", time.Now().UTC()))
		}
		return nil
	case profile.UserProfile:
		if err := f.deps.Profiles.UpsertUser(ctx, v); err != nil {
			return err
		}
		if sessionID != "" {
			return f.EnqueueTrigger(sessionID, trigger.NewRefreshProfile(uuid.NewString(), trigger.RefreshUser, v.ID, time.Now().UTC()))
		}
		return nil
	default:
		return fmt.Errorf("facade: unsupported profile type %T", p)
	}
}

// GetAgentProfile returns the canonical agent profile.
func (f *Facade) GetAgentProfile(ctx context.Context, id string) (profile.AgentProfile, error) {
	return f.deps.Profiles.GetAgent(ctx, id)
}

// GetUserProfile returns the canonical user profile.
func (f *Facade) GetUserProfile(ctx context.Context, id string) (profile.UserProfile, error) {
	return f.deps.Profiles.GetUser(ctx, id)
}

func (f *Facade) lookup(sessionID string) (*liveSession, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ls, ok := f.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, sessionID)
	}
	return ls, nil
}
