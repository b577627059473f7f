package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrUnavailable indicates a transient infrastructure failure. Callers may
	// retry with backoff.
	ErrUnavailable = errors.New("store unavailable")
	// ErrRevMismatch indicates a compare-and-swap lost against a concurrent
	// committer.
	ErrRevMismatch = errors.New("revision mismatch")
)

// Document is a stored JSON document. A nil Document means the key is absent.
type Document map[string]any

// TxFunc computes the replacement value for a transactional read-modify-write.
// It receives nil when the key is absent. Returning an error aborts the
// transaction without committing; returning a nil Document with a nil error
// leaves the stored value unchanged.
type TxFunc func(current Document) (Document, error)

// Store is the remote document store the engine is written against.
type Store interface {
	// Read returns the current value at key, or nil when the key is absent.
	Read(ctx context.Context, key string) (Document, error)

	// Write merges doc into the value at key without clearing keys not
	// mentioned. A nil value for a field removes that field.
	Write(ctx context.Context, key string, doc Document) error

	// Transact atomically applies fn to the current value at key. The commit
	// succeeds only if no other writer committed since the read; conflicting
	// commits re-run fn against the fresh value up to the implementation's
	// retry budget.
	Transact(ctx context.Context, key string, fn TxFunc) (Document, error)

	// Delete removes the key and any pushed children beneath it as one
	// removal.
	Delete(ctx context.Context, key string) error

	// Subscribe registers for changes at key. The current value is delivered
	// immediately, then every subsequent change, per the package delivery
	// guarantees.
	Subscribe(ctx context.Context, key string) (*Subscription, error)

	// Push writes doc under a freshly allocated child key of parent and
	// returns the child key. Child keys sort by allocation time.
	Push(ctx context.Context, parent string, doc Document) (string, error)

	// List returns all pushed children of parent keyed by child key.
	List(ctx context.Context, parent string) (map[string]Document, error)
}

// Versioned is implemented by stores that track a per-key revision, allowing
// a remote frontend to expose compare-and-swap over the wire. Revision zero
// means the key has never been written.
type Versioned interface {
	ReadRev(ctx context.Context, key string) (Document, uint64, error)
	CompareAndSwap(ctx context.Context, key string, rev uint64, doc Document) (uint64, error)
}

// ChildKey joins a parent key and a pushed child id.
func ChildKey(parent, id string) string {
	return parent + "/" + id
}

// NewPushID allocates a lexicographically time-ordered child id.
func NewPushID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now.UTC()), rand.Reader).String()
}

// Normalize round-trips doc through JSON so that values compare consistently
// regardless of which backend produced them.
func Normalize(doc Document) (Document, error) {
	if doc == nil {
		return nil, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	if out == nil {
		out = Document{}
	}
	return out, nil
}

// Clone returns a deep copy of doc.
func Clone(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	case Document:
		return map[string]any(Clone(typed))
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Merge applies src onto dst key-wise and returns the result. Nested maps
// merge recursively; any other value replaces the previous one; an explicit
// nil removes the field. Neither argument is modified.
func Merge(dst, src Document) Document {
	out := Clone(dst)
	if out == nil {
		out = Document{}
	}
	for k, v := range src {
		if v == nil {
			delete(out, k)
			continue
		}
		srcMap, srcIsMap := asMap(v)
		dstMap, dstIsMap := asMap(out[k])
		if srcIsMap && dstIsMap {
			out[k] = map[string]any(Merge(dstMap, srcMap))
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

func asMap(v any) (Document, bool) {
	switch typed := v.(type) {
	case map[string]any:
		return Document(typed), true
	case Document:
		return typed, true
	default:
		return nil, false
	}
}

// Equal reports whether two documents hold the same normalized value.
func Equal(a, b Document) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	if na == nil || nb == nil {
		return na == nil && nb == nil
	}
	return reflect.DeepEqual(na, nb)
}
