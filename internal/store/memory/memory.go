// Package memory provides an in-memory store backend.
//
// It is the reference implementation of the store contract and the default
// backend for tests and the store server. All operations are safe for
// concurrent use; commits serialize on a single mutex, so Transact never
// observes a conflicting writer.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/concord/internal/store"
)

// Store implements store.Store and store.Versioned in process memory.
type Store struct {
	mu   sync.Mutex
	data map[string]entry
	hub  *store.Hub
	now  func() time.Time
}

type entry struct {
	doc store.Document
	rev uint64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		data: make(map[string]entry),
		hub:  store.NewHub(),
		now:  time.Now,
	}
}

// Read returns the current value at key, or nil when the key is absent.
func (s *Store) Read(ctx context.Context, key string) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	return store.Clone(ent.doc), nil
}

// ReadRev returns the current value and revision at key. Revision zero means
// the key has never been written.
func (s *Store) ReadRev(ctx context.Context, key string) (store.Document, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.data[key]
	if !ok {
		return nil, 0, nil
	}
	return store.Clone(ent.doc), ent.rev, nil
}

// Write merges doc into the value at key.
func (s *Store) Write(ctx context.Context, key string, doc store.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := store.Normalize(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := store.Merge(s.data[key].doc, normalized)
	s.commitLocked(key, merged)
	return nil
}

// Transact atomically applies fn to the current value at key. The commit lock
// is held for the duration of fn, so fn must not call back into the store.
func (s *Store) Transact(ctx context.Context, key string, fn store.TxFunc) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("transaction function is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current store.Document
	if ent, ok := s.data[key]; ok {
		current = store.Clone(ent.doc)
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}
	normalized, err := store.Normalize(next)
	if err != nil {
		return nil, err
	}
	s.commitLocked(key, normalized)
	return store.Clone(normalized), nil
}

// CompareAndSwap replaces the value at key only if its revision still equals
// rev. It returns the new revision, or store.ErrRevMismatch.
func (s *Store) CompareAndSwap(ctx context.Context, key string, rev uint64, doc store.Document) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	normalized, err := store.Normalize(doc)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[key].rev != rev {
		return 0, store.ErrRevMismatch
	}
	s.commitLocked(key, normalized)
	return s.data[key].rev, nil
}

// Delete removes the key and any pushed children beneath it.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := key + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	var children []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			children = append(children, k)
		}
	}
	sort.Strings(children)
	if _, ok := s.data[key]; ok {
		delete(s.data, key)
		s.hub.Publish(key, nil)
	}
	for _, k := range children {
		delete(s.data, k)
		s.hub.Publish(k, nil)
	}
	return nil
}

// Subscribe registers for changes at key, delivering the current value
// immediately.
func (s *Store) Subscribe(ctx context.Context, key string) (*store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var current store.Document
	if ent, ok := s.data[key]; ok {
		current = ent.doc
	}
	return s.hub.Attach(key, current), nil
}

// Push writes doc under a freshly allocated child key of parent.
func (s *Store) Push(ctx context.Context, parent string, doc store.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	normalized, err := store.Normalize(doc)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := store.NewPushID(s.now())
	key := store.ChildKey(parent, id)
	s.commitLocked(key, normalized)
	return key, nil
}

// List returns all pushed children of parent keyed by child key.
func (s *Store) List(ctx context.Context, parent string) (map[string]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := parent + "/"
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]store.Document)
	for k, ent := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = store.Clone(ent.doc)
		}
	}
	return out, nil
}

// commitLocked stores doc at key, bumps the revision, and notifies
// subscribers. Callers must hold s.mu.
func (s *Store) commitLocked(key string, doc store.Document) {
	ent := s.data[key]
	ent.doc = doc
	ent.rev++
	s.data[key] = ent
	s.hub.Publish(key, doc)
}
