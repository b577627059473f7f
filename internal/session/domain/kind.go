package domain

import (
	"errors"
	"strings"
	"sync"
)

var (
	// ErrEmptyKindName indicates a missing kind name.
	ErrEmptyKindName = errors.New("kind name is required")
	// ErrInvalidMemberBounds indicates a kind with unusable member bounds.
	ErrInvalidMemberBounds = errors.New("kind member bounds are invalid")
	// ErrUnknownKind indicates a kind that was never registered.
	ErrUnknownKind = errors.New("unknown session kind")
)

// Kind describes one application-defined activity a session can run and the
// member bounds it enforces.
type Kind struct {
	Name       string
	MinMembers int
	MaxMembers int
}

// Validate checks the kind's name and bounds.
func (k Kind) Validate() error {
	if strings.TrimSpace(k.Name) == "" {
		return ErrEmptyKindName
	}
	if k.MinMembers < 1 || k.MaxMembers < k.MinMembers {
		return ErrInvalidMemberBounds
	}
	return nil
}

// KindRegistry maps kind names to their configuration. It is safe for
// concurrent use.
type KindRegistry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewKindRegistry creates an empty kind registry.
func NewKindRegistry() *KindRegistry {
	return &KindRegistry{kinds: make(map[string]Kind)}
}

// Register adds or replaces a kind.
func (r *KindRegistry) Register(kind Kind) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind.Name] = kind
	return nil
}

// Lookup returns the kind registered under name.
func (r *KindRegistry) Lookup(name string) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.kinds[strings.TrimSpace(name)]
	if !ok {
		return Kind{}, ErrUnknownKind
	}
	return kind, nil
}
