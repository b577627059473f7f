// Package channel propagates application-defined state for a session:
// subscribe and publish, partial and exclusive updates, and the append-only
// log.
//
// Plain Publish is a merge and races last-write-wins on a contended field.
// Any turn-based mutation must go through PublishExclusive: a destructive
// unconditional write would silently overwrite a concurrent opponent move.
package channel

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/concord/internal/errors"
	"github.com/louisbranch/concord/internal/platform/retry"
	"github.com/louisbranch/concord/internal/session/domain"
	"github.com/louisbranch/concord/internal/store"
)

// Channel publishes and observes session state.
type Channel struct {
	store store.Store
	clock func() time.Time
	retry retry.Policy

	mu    sync.Mutex
	muxes map[string]*stateMux
}

// Option customizes a Channel.
type Option func(*Channel)

// WithClock overrides the channel clock.
func WithClock(clock func() time.Time) Option {
	return func(c *Channel) { c.clock = clock }
}

// WithRetryPolicy overrides the transient-failure retry budget.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(c *Channel) { c.retry = policy }
}

// New creates a state channel over the given store.
func New(st store.Store, opts ...Option) *Channel {
	c := &Channel{
		store: st,
		clock: time.Now,
		retry: retry.DefaultPolicy,
		muxes: make(map[string]*stateMux),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// stateMux shares one store subscription among every local subscriber to a
// session. A single dispatcher goroutine fans values out, so all local
// subscribers observe updates in the same relative order the store delivered
// them.
type stateMux struct {
	key      string
	storeSub *store.Subscription
	hub      *store.Hub

	mu   sync.Mutex
	last store.Document
	refs int
}

// StateSubscription is one local subscriber's view of a session's state. A
// nil value means no state has been published yet. The stream closes after
// the session is destroyed or the subscription is closed.
type StateSubscription struct {
	ch      chan store.Document
	release func()
	once    sync.Once
	done    chan struct{}
}

// Updates returns the delivery channel.
func (s *StateSubscription) Updates() <-chan store.Document {
	return s.ch
}

// Close detaches the subscriber. Once no local subscriber remains for the
// session, the underlying store subscription is torn down. Safe to call more
// than once.
func (s *StateSubscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.release()
	})
}

// Subscribe delivers the session's current state immediately, then every
// subsequent change. Multiple local subscribers to the same session share
// one underlying store subscription.
func (c *Channel) Subscribe(ctx context.Context, sessionID string) (*StateSubscription, error) {
	sessionID = strings.TrimSpace(sessionID)
	if err := c.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	mux, err := c.acquireMux(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	mux.mu.Lock()
	local := mux.hub.Attach(mux.key, mux.last)
	mux.mu.Unlock()

	sub := &StateSubscription{
		ch:   make(chan store.Document),
		done: make(chan struct{}),
	}
	sub.release = func() {
		local.Close()
		c.releaseMux(sessionID)
	}
	go func() {
		defer close(sub.ch)
		seen := false
		for doc := range local.Updates() {
			if doc == nil && seen {
				// State removed after having existed: the session is gone.
				sub.Close()
				return
			}
			if doc != nil {
				seen = true
			}
			select {
			case sub.ch <- doc:
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

// acquireMux returns the shared subscription for sessionID, creating it and
// waiting for its initial store delivery on first use.
func (c *Channel) acquireMux(ctx context.Context, sessionID string) (*stateMux, error) {
	c.mu.Lock()
	if mux, ok := c.muxes[sessionID]; ok {
		mux.mu.Lock()
		mux.refs++
		mux.mu.Unlock()
		c.mu.Unlock()
		return mux, nil
	}
	c.mu.Unlock()

	key := domain.StateKey(sessionID)
	storeSub, err := c.store.Subscribe(ctx, key)
	if err != nil {
		return nil, surfaceStoreErr("subscribe session state", err)
	}

	// The store delivers the current value immediately; seed the mux with it
	// so later local subscribers also get a value up front.
	var initial store.Document
	select {
	case initial = <-storeSub.Updates():
	case <-ctx.Done():
		storeSub.Close()
		return nil, ctx.Err()
	}

	c.mu.Lock()
	if existing, ok := c.muxes[sessionID]; ok {
		// Another subscriber raced us; keep theirs.
		c.mu.Unlock()
		storeSub.Close()
		existing.mu.Lock()
		existing.refs++
		existing.mu.Unlock()
		return existing, nil
	}
	mux := &stateMux{
		key:      key,
		storeSub: storeSub,
		hub:      store.NewHub(),
		last:     initial,
		refs:     1,
	}
	c.muxes[sessionID] = mux
	c.mu.Unlock()

	go func() {
		for doc := range storeSub.Updates() {
			mux.mu.Lock()
			mux.last = doc
			mux.mu.Unlock()
			mux.hub.Publish(key, doc)
		}
		mux.hub.CloseAll()
	}()
	return mux, nil
}

// releaseMux drops one local reference and tears down the store subscription
// once no local subscriber remains. Tearing down twice is harmless.
func (c *Channel) releaseMux(sessionID string) {
	c.mu.Lock()
	mux, ok := c.muxes[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	mux.mu.Lock()
	mux.refs--
	last := mux.refs <= 0
	mux.mu.Unlock()
	if last {
		delete(c.muxes, sessionID)
	}
	c.mu.Unlock()
	if last {
		mux.storeSub.Close()
	}
}

// Current returns the session's current state, or nil when none has been
// published yet.
func (c *Channel) Current(ctx context.Context, sessionID string) (store.Document, error) {
	sessionID = strings.TrimSpace(sessionID)
	if err := c.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}
	doc, err := retry.Do(ctx, c.retry, func() (store.Document, error) {
		return c.store.Read(ctx, domain.StateKey(sessionID))
	})
	if err != nil {
		return nil, surfaceStoreErr("read session state", err)
	}
	return doc, nil
}

// Publish merges the given key/value pairs into the session state without
// clearing keys not mentioned. Concurrent merges on disjoint keys both
// survive; merges on the same key race last-write-wins. Callers needing
// stronger guarantees must use PublishExclusive.
func (c *Channel) Publish(ctx context.Context, sessionID string, partial store.Document) error {
	sessionID = strings.TrimSpace(sessionID)
	if err := c.requireSession(ctx, sessionID); err != nil {
		return err
	}
	_, err := retry.Do(ctx, c.retry, func() (struct{}, error) {
		return struct{}{}, c.store.Write(ctx, domain.StateKey(sessionID), partial)
	})
	if err != nil {
		return surfaceStoreErr("publish session state", err)
	}
	return nil
}

// Recompute derives a replacement value from the fresh state after an
// exclusive publish found the expected value out of date. Returning an error
// aborts the publish.
type Recompute func(current store.Document) (store.Document, error)

// PublishExclusive atomically replaces the session state with next, but only
// if the stored value still equals expected. On a mismatch the fresh value
// is handed to recompute and its result is committed instead; with a nil
// recompute the publish fails with CONFLICT. This is the required mechanism
// for any turn-based mutation.
func (c *Channel) PublishExclusive(ctx context.Context, sessionID string, expected, next store.Document, recompute Recompute) (store.Document, error) {
	sessionID = strings.TrimSpace(sessionID)
	if err := c.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	committed, err := retry.Do(ctx, c.retry, func() (store.Document, error) {
		return c.store.Transact(ctx, domain.StateKey(sessionID), func(current store.Document) (store.Document, error) {
			if store.Equal(current, expected) {
				return next, nil
			}
			if recompute == nil {
				return nil, errors.Newf(errors.CodeConflict, "session %s state changed since it was read", sessionID)
			}
			replacement, err := recompute(store.Clone(current))
			if err != nil {
				return nil, err
			}
			return replacement, nil
		})
	})
	if err != nil {
		return nil, surfaceStoreErr("publish exclusive session state", err)
	}
	return committed, nil
}

// LogEntry is one immutable entry of a session's append-only log.
type LogEntry struct {
	ID    string
	Entry store.Document
}

// AppendLog writes entry under a fresh unique child key of the session's log
// and returns the entry id. Entries carry a caller-supplied "ts" timestamp
// in unix milliseconds; when missing, the channel clock fills it in.
func (c *Channel) AppendLog(ctx context.Context, sessionID string, entry store.Document) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if err := c.requireSession(ctx, sessionID); err != nil {
		return "", err
	}

	entry = store.Clone(entry)
	if entry == nil {
		entry = store.Document{}
	}
	if _, ok := entry["ts"]; !ok {
		entry["ts"] = c.clock().UTC().UnixMilli()
	}

	parent := domain.LogKey(sessionID)
	key, err := retry.Do(ctx, c.retry, func() (string, error) {
		return c.store.Push(ctx, parent, entry)
	})
	if err != nil {
		return "", surfaceStoreErr("append session log", err)
	}
	return strings.TrimPrefix(key, parent+"/"), nil
}

// LogEntries returns every log entry in display order: ascending by
// timestamp, with the entry id breaking ties. Store arrival order across
// independently connecting clients is not guaranteed to match timestamp
// order, so consumers must rely on this sort rather than arrival order.
func (c *Channel) LogEntries(ctx context.Context, sessionID string) ([]LogEntry, error) {
	sessionID = strings.TrimSpace(sessionID)
	if err := c.requireSession(ctx, sessionID); err != nil {
		return nil, err
	}

	parent := domain.LogKey(sessionID)
	children, err := retry.Do(ctx, c.retry, func() (map[string]store.Document, error) {
		return c.store.List(ctx, parent)
	})
	if err != nil {
		return nil, surfaceStoreErr("list session log", err)
	}

	entries := make([]LogEntry, 0, len(children))
	for key, doc := range children {
		entries = append(entries, LogEntry{
			ID:    strings.TrimPrefix(key, parent+"/"),
			Entry: doc,
		})
	}
	SortLog(entries)
	return entries, nil
}

// SortLog orders entries ascending by timestamp, falling back to entry id
// for a stable order between identical timestamps.
func SortLog(entries []LogEntry) {
	sort.Slice(entries, func(i, j int) bool {
		ti, tj := entryMillis(entries[i].Entry), entryMillis(entries[j].Entry)
		if ti != tj {
			return ti < tj
		}
		return entries[i].ID < entries[j].ID
	})
}

func entryMillis(entry store.Document) int64 {
	switch ts := entry["ts"].(type) {
	case int64:
		return ts
	case float64:
		return int64(ts)
	case int:
		return int64(ts)
	default:
		return 0
	}
}

// requireSession rejects operations on sessions that do not exist (never
// created, or already destroyed).
func (c *Channel) requireSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New(errors.CodeSessionNotFound, "session id is required")
	}
	doc, err := retry.Do(ctx, c.retry, func() (store.Document, error) {
		return c.store.Read(ctx, domain.MetadataKey(sessionID))
	})
	if err != nil {
		return surfaceStoreErr("read session metadata", err)
	}
	if doc == nil {
		return errors.Newf(errors.CodeSessionNotFound, "session %s not found", sessionID)
	}
	return nil
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
	return errors.Wrap(errors.CodeStoreUnavailable, op, err)
}
