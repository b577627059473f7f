// Package game maps session kinds to their state reducers.
//
// A game variant is a pure function from the current state and a member's
// input to the next state. Rule enforcement beyond state transitions (win
// detection, scoring presentation) belongs to the application layer.
package game

import (
	"errors"
	"strings"
	"sync"

	"github.com/louisbranch/concord/internal/store"
)

// ErrUnknownGame indicates a kind with no registered reducer.
var ErrUnknownGame = errors.New("no reducer registered for kind")

// Reducer computes the next session state from the current state and one
// member's input. It must not mutate its arguments.
type Reducer func(state store.Document, memberID string, input store.Document) (store.Document, error)

// Registry maps kind names to reducers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	reducers map[string]Reducer
}

// NewRegistry creates an empty reducer registry.
func NewRegistry() *Registry {
	return &Registry{reducers: make(map[string]Reducer)}
}

// Register adds or replaces the reducer for a kind.
func (r *Registry) Register(kind string, reducer Reducer) error {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return errors.New("kind name is required")
	}
	if reducer == nil {
		return errors.New("reducer is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reducers[kind] = reducer
	return nil
}

// Lookup returns the reducer registered for kind.
func (r *Registry) Lookup(kind string) (Reducer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reducer, ok := r.reducers[strings.TrimSpace(kind)]
	if !ok {
		return nil, ErrUnknownGame
	}
	return reducer, nil
}

// Counter is a minimal built-in reducer: each move records the mover and
// increments a shared counter. It exists for tests and local tooling.
func Counter(state store.Document, memberID string, input store.Document) (store.Document, error) {
	next := store.Clone(state)
	if next == nil {
		next = store.Document{}
	}
	count, _ := next["count"].(float64)
	next["count"] = count + 1
	next["lastMove"] = memberID
	for k, v := range input {
		next[k] = v
	}
	return next, nil
}
