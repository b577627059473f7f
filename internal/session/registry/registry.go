// Package registry owns session metadata and every roster-mutating
// operation.
//
// The roster invariant (each member at most once, membership changes only
// through Join and Leave) holds under any number of concurrent writers
// because every mutation goes through the store's transactional
// read-modify-write; the registry never overwrites a roster wholesale.
package registry

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/concord/internal/errors"
	"github.com/louisbranch/concord/internal/platform/retry"
	"github.com/louisbranch/concord/internal/session/domain"
	"github.com/louisbranch/concord/internal/store"
)

// Registry mutates and observes session metadata.
type Registry struct {
	store store.Store
	kinds *domain.KindRegistry
	clock func() time.Time
	newID func() (string, error)
	retry retry.Policy
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the registry clock.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(gen func() (string, error)) Option {
	return func(r *Registry) { r.newID = gen }
}

// WithRetryPolicy overrides the transient-failure retry budget.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(r *Registry) { r.retry = policy }
}

// New creates a registry over the given store and kind registry.
func New(st store.Store, kinds *domain.KindRegistry, opts ...Option) *Registry {
	r := &Registry{
		store: st,
		kinds: kinds,
		clock: time.Now,
		newID: domain.NewID,
		retry: retry.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a new session of the given kind with creatorID as sole
// member and writes its metadata. The freshly generated id cannot collide
// with a concurrent writer, so a single unconditional write is safe here.
func (r *Registry) Create(ctx context.Context, kindName, creatorID string) (domain.Session, error) {
	kind, err := r.kinds.Lookup(kindName)
	if err != nil {
		return domain.Session{}, err
	}
	session, err := domain.CreateSession(domain.CreateSessionInput{Kind: kind, CreatorID: creatorID}, r.clock, r.newID)
	if err != nil {
		return domain.Session{}, err
	}

	_, err = retry.Do(ctx, r.retry, func() (struct{}, error) {
		return struct{}{}, r.store.Write(ctx, domain.MetadataKey(session.ID), session.Document())
	})
	if err != nil {
		return domain.Session{}, surfaceStoreErr("write session metadata", err)
	}
	return session, nil
}

// Join adds memberID to the session roster. It is idempotent: joining a
// roster the member is already on succeeds without changing it. The member
// cap is checked against the in-transaction read, which is what keeps a full
// session from over-admitting under a join race.
func (r *Registry) Join(ctx context.Context, sessionID, memberID string) error {
	sessionID = strings.TrimSpace(sessionID)
	memberID = strings.TrimSpace(memberID)
	if sessionID == "" {
		return errors.New(errors.CodeSessionNotFound, "session id is required")
	}
	if memberID == "" {
		return errors.New(errors.CodeUnauthenticated, "member id is required")
	}

	_, err := retry.Do(ctx, r.retry, func() (store.Document, error) {
		return r.store.Transact(ctx, domain.MetadataKey(sessionID), func(current store.Document) (store.Document, error) {
			if current == nil {
				return nil, errors.Newf(errors.CodeSessionNotFound, "session %s not found", sessionID)
			}
			session, err := domain.SessionFromDocument(current)
			if err != nil {
				return nil, err
			}
			if session.HasMember(memberID) {
				return nil, nil
			}
			kind, err := r.kinds.Lookup(session.Kind)
			if err != nil {
				return nil, err
			}
			if len(session.Members)+1 > kind.MaxMembers {
				return nil, errors.Newf(errors.CodeSessionFull, "session %s is at its cap of %d members", sessionID, kind.MaxMembers)
			}
			session.Members = append(session.Members, memberID)
			return session.Document(), nil
		})
	})
	if err != nil {
		return surfaceStoreErr("join session", err)
	}
	return nil
}

// Leave removes memberID from the session roster. Leaving a roster the
// member is not on, or a session that no longer exists, is a no-op.
func (r *Registry) Leave(ctx context.Context, sessionID, memberID string) error {
	sessionID = strings.TrimSpace(sessionID)
	memberID = strings.TrimSpace(memberID)
	if sessionID == "" || memberID == "" {
		return nil
	}

	_, err := retry.Do(ctx, r.retry, func() (store.Document, error) {
		return r.store.Transact(ctx, domain.MetadataKey(sessionID), func(current store.Document) (store.Document, error) {
			if current == nil {
				return nil, nil
			}
			session, err := domain.SessionFromDocument(current)
			if err != nil {
				return nil, err
			}
			if !session.HasMember(memberID) {
				return nil, nil
			}
			members := session.Members[:0:0]
			for _, m := range session.Members {
				if m != memberID {
					members = append(members, m)
				}
			}
			session.Members = members
			return session.Document(), nil
		})
	})
	if err != nil {
		return surfaceStoreErr("leave session", err)
	}
	return nil
}

// Destroy deletes the session and all of its state. Only the creator may
// destroy a session. Each key is removed as one atomic subtree removal, with
// metadata first so concurrent joins observe the session gone.
func (r *Registry) Destroy(ctx context.Context, sessionID, requesterID string) error {
	sessionID = strings.TrimSpace(sessionID)
	session, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.CreatorID != strings.TrimSpace(requesterID) {
		return errors.Newf(errors.CodePermissionDenied, "only the creator may destroy session %s", sessionID)
	}

	keys := []string{
		domain.MetadataKey(sessionID),
		domain.StateKey(sessionID),
		domain.LogKey(sessionID),
	}
	for _, key := range keys {
		if _, err := retry.Do(ctx, r.retry, func() (struct{}, error) {
			return struct{}{}, r.store.Delete(ctx, key)
		}); err != nil {
			return surfaceStoreErr("destroy session", err)
		}
	}
	return nil
}

// Get returns the session metadata.
func (r *Registry) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Session{}, errors.New(errors.CodeSessionNotFound, "session id is required")
	}
	doc, err := retry.Do(ctx, r.retry, func() (store.Document, error) {
		return r.store.Read(ctx, domain.MetadataKey(sessionID))
	})
	if err != nil {
		return domain.Session{}, surfaceStoreErr("read session metadata", err)
	}
	if doc == nil {
		return domain.Session{}, errors.Newf(errors.CodeSessionNotFound, "session %s not found", sessionID)
	}
	return domain.SessionFromDocument(doc)
}

// MetadataSubscription is a change feed of a session's metadata. The stream
// ends when the session is destroyed.
type MetadataSubscription struct {
	ch   chan domain.Session
	sub  *store.Subscription
	done chan struct{}
	once sync.Once
}

// Updates returns the delivery channel. The current roster arrives first;
// the channel closes when the session is destroyed or the subscription is
// closed.
func (m *MetadataSubscription) Updates() <-chan domain.Session {
	return m.ch
}

// Close detaches the subscription. It is safe to call more than once.
func (m *MetadataSubscription) Close() {
	m.once.Do(func() {
		close(m.done)
		m.sub.Close()
	})
}

// SubscribeMetadata observes a session's roster and creator. The current
// value is delivered immediately, then every subsequent change.
func (r *Registry) SubscribeMetadata(ctx context.Context, sessionID string) (*MetadataSubscription, error) {
	if _, err := r.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	sub, err := r.store.Subscribe(ctx, domain.MetadataKey(sessionID))
	if err != nil {
		return nil, surfaceStoreErr("subscribe session metadata", err)
	}

	m := &MetadataSubscription{ch: make(chan domain.Session), sub: sub, done: make(chan struct{})}
	go func() {
		defer close(m.ch)
		for doc := range sub.Updates() {
			if doc == nil {
				// Session destroyed; end the stream.
				m.Close()
				return
			}
			session, err := domain.SessionFromDocument(doc)
			if err != nil {
				continue
			}
			select {
			case m.ch <- session:
			case <-m.done:
				return
			}
		}
	}()
	return m, nil
}

// surfaceStoreErr passes typed engine errors through and classifies anything
// left over a transient store failure.
func surfaceStoreErr(op string, err error) error {
	var typed *errors.Error
	if stderrors.As(err, &typed) {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if stderrors.Is(err, store.ErrRevMismatch) {
		return errors.Wrap(errors.CodeConflict, op, err)
	}
	if stderrors.Is(err, store.ErrUnavailable) {
		return errors.Wrap(errors.CodeStoreUnavailable, op, err)
	}
	if stderrors.Is(err, domain.ErrMalformedSession) {
		return err
	}
	return errors.Wrap(errors.CodeStoreUnavailable, op, err)
}
