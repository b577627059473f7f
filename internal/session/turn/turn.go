// Package turn enforces the turn-taking discipline for turn-based sessions.
//
// The arbiter never writes state on its own: every mutation it admits is
// committed through the state channel's exclusive publish, so a concurrent
// opponent move can never be silently overwritten.
package turn

import (
	"context"
	"strings"

	"github.com/louisbranch/concord/internal/errors"
	"github.com/louisbranch/concord/internal/session/channel"
	"github.com/louisbranch/concord/internal/session/domain"
	"github.com/louisbranch/concord/internal/store"
)

// HolderField is the reserved state field naming the member currently
// authorized to advance shared state.
const HolderField = "activeTurnHolder"

// IsMyTurn reports whether selfID currently holds the turn.
func IsMyTurn(state store.Document, selfID string) bool {
	holder, _ := state[HolderField].(string)
	return holder != "" && holder == selfID
}

// Holder returns the current turn holder, or an empty string when none is
// set.
func Holder(state store.Document) string {
	holder, _ := state[HolderField].(string)
	return holder
}

// NextHolder returns the member whose turn follows current: for two-party
// sessions the other member, for larger sessions the next member in join
// order, cycling. A roster with fewer than two members cannot rotate and
// fails with NO_OTHER_MEMBER.
func NextHolder(members []string, current string) (string, error) {
	if len(members) < 2 {
		return "", errors.New(errors.CodeNoOtherMember, "turn rotation needs at least two members")
	}
	for i, m := range members {
		if m == current {
			return members[(i+1)%len(members)], nil
		}
	}
	// The current holder left the roster; restart rotation at the front.
	return members[0], nil
}

// MetadataReader resolves a session's roster.
type MetadataReader interface {
	Get(ctx context.Context, sessionID string) (domain.Session, error)
}

// StatePublisher reads and exclusively replaces session state.
type StatePublisher interface {
	Current(ctx context.Context, sessionID string) (store.Document, error)
	PublishExclusive(ctx context.Context, sessionID string, expected, next store.Document, recompute channel.Recompute) (store.Document, error)
}

// Arbiter composes turn gating with exclusive publication.
type Arbiter struct {
	sessions MetadataReader
	states   StatePublisher
}

// New creates an arbiter over the given registry and state channel.
func New(sessions MetadataReader, states StatePublisher) *Arbiter {
	return &Arbiter{sessions: sessions, states: states}
}

// Move computes a session's next state from its current one.
type Move func(state store.Document) (store.Document, error)

// TakeTurn applies move on behalf of selfID: it reads the current state,
// verifies the caller holds the turn, computes the replacement with the turn
// passed to the next member, and commits it exclusively. If another publish
// interleaves, the move is recomputed from the fresh value and re-gated; a
// caller whose turn is gone by then fails with TURN_LOST instead of
// force-committing.
func (a *Arbiter) TakeTurn(ctx context.Context, sessionID, selfID string, move Move) (store.Document, error) {
	selfID = strings.TrimSpace(selfID)
	session, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasMember(selfID) {
		return nil, errors.Newf(errors.CodePermissionDenied, "%s is not a member of session %s", selfID, sessionID)
	}
	holder, err := NextHolder(session.Members, selfID)
	if err != nil {
		return nil, err
	}

	current, err := a.states.Current(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !IsMyTurn(current, selfID) {
		return nil, errors.Newf(errors.CodeTurnLost, "%s does not hold the turn in session %s", selfID, sessionID)
	}

	next, err := move(store.Clone(current))
	if err != nil {
		return nil, err
	}
	next = store.Clone(next)
	if next == nil {
		next = store.Document{}
	}
	next[HolderField] = holder

	return a.states.PublishExclusive(ctx, sessionID, current, next,
		func(fresh store.Document) (store.Document, error) {
			if !IsMyTurn(fresh, selfID) {
				return nil, errors.Newf(errors.CodeTurnLost, "%s lost the turn in session %s before commit", selfID, sessionID)
			}
			redo, err := move(store.Clone(fresh))
			if err != nil {
				return nil, err
			}
			redo = store.Clone(redo)
			if redo == nil {
				redo = store.Document{}
			}
			redo[HolderField] = holder
			return redo, nil
		})
}

// Start seeds a turn-based session's state with firstHolder as the opening
// turn holder. It refuses to clobber a session whose turn rotation already
// began.
func (a *Arbiter) Start(ctx context.Context, sessionID, firstHolder string, initial store.Document) (store.Document, error) {
	firstHolder = strings.TrimSpace(firstHolder)
	session, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HasMember(firstHolder) {
		return nil, errors.Newf(errors.CodePermissionDenied, "%s is not a member of session %s", firstHolder, sessionID)
	}
	if len(session.Members) < 2 {
		return nil, errors.New(errors.CodeNoOtherMember, "turn rotation needs at least two members")
	}

	current, err := a.states.Current(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if Holder(current) != "" {
		return nil, errors.Newf(errors.CodeConflict, "session %s already has an active turn holder", sessionID)
	}

	next := store.Clone(initial)
	if next == nil {
		next = store.Document{}
	}
	next[HolderField] = firstHolder
	return a.states.PublishExclusive(ctx, sessionID, current, next, nil)
}
