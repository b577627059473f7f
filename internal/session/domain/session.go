package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/concord/internal/store"
)

var (
	// ErrEmptyCreatorID indicates a missing creator identifier.
	ErrEmptyCreatorID = errors.New("creator id is required")
	// ErrMalformedSession indicates a stored session document that cannot be
	// decoded.
	ErrMalformedSession = errors.New("malformed session document")
)

// Session represents metadata for one shared group activity instance.
type Session struct {
	ID        string
	Kind      string
	CreatorID string
	// Members holds each member identifier at most once, in join order.
	Members   []string
	CreatedAt time.Time
}

// CreateSessionInput describes the metadata needed to create a session.
type CreateSessionInput struct {
	Kind      Kind
	CreatorID string
}

// CreateSession creates a new session with a generated id, the creator as
// sole member, and a creation timestamp.
func CreateSession(input CreateSessionInput, now func() time.Time, idGenerator func() (string, error)) (Session, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = NewID
	}

	if err := input.Kind.Validate(); err != nil {
		return Session{}, err
	}
	creatorID := strings.TrimSpace(input.CreatorID)
	if creatorID == "" {
		return Session{}, ErrEmptyCreatorID
	}

	sessionID, err := idGenerator()
	if err != nil {
		return Session{}, fmt.Errorf("generate session id: %w", err)
	}

	return Session{
		ID:        sessionID,
		Kind:      input.Kind.Name,
		CreatorID: creatorID,
		Members:   []string{creatorID},
		CreatedAt: now().UTC(),
	}, nil
}

// HasMember reports whether memberID is on the roster.
func (s Session) HasMember(memberID string) bool {
	for _, m := range s.Members {
		if m == memberID {
			return true
		}
	}
	return false
}

// Document encodes the session as a store document.
func (s Session) Document() store.Document {
	members := make([]any, len(s.Members))
	for i, m := range s.Members {
		members[i] = m
	}
	return store.Document{
		"id":        s.ID,
		"kind":      s.Kind,
		"creatorId": s.CreatorID,
		"members":   members,
		"createdAt": s.CreatedAt.UTC().UnixMilli(),
	}
}

// SessionFromDocument decodes a session from a store document.
func SessionFromDocument(doc store.Document) (Session, error) {
	if doc == nil {
		return Session{}, ErrMalformedSession
	}
	id, ok := asString(doc["id"])
	if !ok || id == "" {
		return Session{}, fmt.Errorf("%w: missing id", ErrMalformedSession)
	}
	kind, ok := asString(doc["kind"])
	if !ok || kind == "" {
		return Session{}, fmt.Errorf("%w: missing kind", ErrMalformedSession)
	}
	creatorID, ok := asString(doc["creatorId"])
	if !ok || creatorID == "" {
		return Session{}, fmt.Errorf("%w: missing creator id", ErrMalformedSession)
	}

	var members []string
	switch raw := doc["members"].(type) {
	case nil:
	case []any:
		members = make([]string, 0, len(raw))
		for _, item := range raw {
			m, ok := asString(item)
			if !ok || m == "" {
				return Session{}, fmt.Errorf("%w: invalid member entry", ErrMalformedSession)
			}
			members = append(members, m)
		}
	case []string:
		members = append(members, raw...)
	default:
		return Session{}, fmt.Errorf("%w: invalid members field", ErrMalformedSession)
	}

	createdAt, err := asMillis(doc["createdAt"])
	if err != nil {
		return Session{}, fmt.Errorf("%w: invalid createdAt", ErrMalformedSession)
	}

	return Session{
		ID:        id,
		Kind:      kind,
		CreatorID: creatorID,
		Members:   members,
		CreatedAt: createdAt,
	}, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asMillis(v any) (time.Time, error) {
	switch typed := v.(type) {
	case int64:
		return time.UnixMilli(typed).UTC(), nil
	case float64:
		return time.UnixMilli(int64(typed)).UTC(), nil
	case int:
		return time.UnixMilli(int64(typed)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}
