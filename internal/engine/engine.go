// Package engine is the surface the presentation layer talks to. It wires
// the registry, the state channel, and the turn arbiter over one store and
// identity provider, and hands out per-session capability handles so
// application code never touches the store directly.
package engine

import (
	"context"
	"time"

	"github.com/louisbranch/concord/internal/errors"
	"github.com/louisbranch/concord/internal/game"
	"github.com/louisbranch/concord/internal/identity"
	"github.com/louisbranch/concord/internal/platform/retry"
	"github.com/louisbranch/concord/internal/session/channel"
	"github.com/louisbranch/concord/internal/session/domain"
	"github.com/louisbranch/concord/internal/session/registry"
	"github.com/louisbranch/concord/internal/session/turn"
	"github.com/louisbranch/concord/internal/store"
)

// Engine hosts session operations for one client process.
type Engine struct {
	identity identity.Provider
	kinds    *domain.KindRegistry
	games    *game.Registry
	registry *registry.Registry
	channel  *channel.Channel
	arbiter  *turn.Arbiter
}

// Option customizes an Engine.
type Option func(*options)

type options struct {
	clock  func() time.Time
	policy retry.Policy
}

// WithClock overrides the engine clock.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithRetryPolicy overrides the transient-failure retry budget of every
// component.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(o *options) { o.policy = policy }
}

// New creates an engine over the given store and identity provider.
func New(st store.Store, provider identity.Provider, kinds *domain.KindRegistry, games *game.Registry, opts ...Option) *Engine {
	o := options{clock: time.Now, policy: retry.DefaultPolicy}
	for _, opt := range opts {
		opt(&o)
	}
	reg := registry.New(st, kinds, registry.WithClock(o.clock), registry.WithRetryPolicy(o.policy))
	ch := channel.New(st, channel.WithClock(o.clock), channel.WithRetryPolicy(o.policy))
	return &Engine{
		identity: provider,
		kinds:    kinds,
		games:    games,
		registry: reg,
		channel:  ch,
		arbiter:  turn.New(reg, ch),
	}
}

// Registry exposes the session registry for callers that manage rosters
// directly.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Channel exposes the state channel for callers that publish state directly.
func (e *Engine) Channel() *channel.Channel {
	return e.channel
}

// Create creates a session of the given kind with the caller as creator and
// returns its handle.
func (e *Engine) Create(ctx context.Context, kind string) (*Handle, error) {
	selfID, err := e.identity.CurrentID(ctx)
	if err != nil {
		return nil, err
	}
	session, err := e.registry.Create(ctx, kind, selfID)
	if err != nil {
		return nil, err
	}
	return e.handle(session.ID, selfID), nil
}

// Join adds the caller to the session roster and returns its handle.
func (e *Engine) Join(ctx context.Context, sessionID string) (*Handle, error) {
	selfID, err := e.identity.CurrentID(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.registry.Join(ctx, sessionID, selfID); err != nil {
		return nil, err
	}
	return e.handle(sessionID, selfID), nil
}

// Open returns a handle for a session the caller already belongs to.
func (e *Engine) Open(ctx context.Context, sessionID string) (*Handle, error) {
	selfID, err := e.identity.CurrentID(ctx)
	if err != nil {
		return nil, err
	}
	session, err := e.registry.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasMember(selfID) {
		return nil, errors.Newf(errors.CodePermissionDenied, "%s is not a member of session %s", selfID, sessionID)
	}
	return e.handle(sessionID, selfID), nil
}

func (e *Engine) handle(sessionID, selfID string) *Handle {
	return &Handle{engine: e, sessionID: sessionID, selfID: selfID}
}

// Handle is the capability set for one session, parameterized by session id
// and the caller's identity.
type Handle struct {
	engine    *Engine
	sessionID string
	selfID    string
}

// SessionID returns the session this handle is bound to.
func (h *Handle) SessionID() string {
	return h.sessionID
}

// SelfID returns the caller's member id.
func (h *Handle) SelfID() string {
	return h.selfID
}

// Members returns the current roster in join order.
func (h *Handle) Members(ctx context.Context) ([]string, error) {
	session, err := h.engine.registry.Get(ctx, h.sessionID)
	if err != nil {
		return nil, err
	}
	return session.Members, nil
}

// MetadataChanges observes the roster and creator.
func (h *Handle) MetadataChanges(ctx context.Context) (*registry.MetadataSubscription, error) {
	return h.engine.registry.SubscribeMetadata(ctx, h.sessionID)
}

// StateChanges observes the session state.
func (h *Handle) StateChanges(ctx context.Context) (*channel.StateSubscription, error) {
	return h.engine.channel.Subscribe(ctx, h.sessionID)
}

// State returns the current session state.
func (h *Handle) State(ctx context.Context) (store.Document, error) {
	return h.engine.channel.Current(ctx, h.sessionID)
}

// Publish merges a partial update into the session state.
func (h *Handle) Publish(ctx context.Context, partial store.Document) error {
	return h.engine.channel.Publish(ctx, h.sessionID, partial)
}

// AppendLog appends an immutable entry to the session log.
func (h *Handle) AppendLog(ctx context.Context, entry store.Document) (string, error) {
	entry = store.Clone(entry)
	if entry == nil {
		entry = store.Document{}
	}
	if _, ok := entry["memberId"]; !ok {
		entry["memberId"] = h.selfID
	}
	return h.engine.channel.AppendLog(ctx, h.sessionID, entry)
}

// LogEntries returns the session log in display order.
func (h *Handle) LogEntries(ctx context.Context) ([]channel.LogEntry, error) {
	return h.engine.channel.LogEntries(ctx, h.sessionID)
}

// StartTurns seeds turn-based state with the caller as opening holder.
func (h *Handle) StartTurns(ctx context.Context, initial store.Document) (store.Document, error) {
	return h.engine.arbiter.Start(ctx, h.sessionID, h.selfID, initial)
}

// Move applies the session kind's reducer to the caller's input under the
// turn discipline.
func (h *Handle) Move(ctx context.Context, input store.Document) (store.Document, error) {
	session, err := h.engine.registry.Get(ctx, h.sessionID)
	if err != nil {
		return nil, err
	}
	reducer, err := h.engine.games.Lookup(session.Kind)
	if err != nil {
		return nil, err
	}
	return h.engine.arbiter.TakeTurn(ctx, h.sessionID, h.selfID, func(state store.Document) (store.Document, error) {
		return reducer(state, h.selfID, input)
	})
}

// Leave removes the caller from the roster.
func (h *Handle) Leave(ctx context.Context) error {
	return h.engine.registry.Leave(ctx, h.sessionID, h.selfID)
}

// Destroy deletes the session. Only the creator's handle succeeds.
func (h *Handle) Destroy(ctx context.Context) error {
	return h.engine.registry.Destroy(ctx, h.sessionID, h.selfID)
}
