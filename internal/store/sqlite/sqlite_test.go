package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/concord/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Write(ctx, "session/abc", store.Document{"board": []any{"x", nil, "o"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	doc, err := s.Read(ctx, "session/abc")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := store.Document{"board": []any{"x", nil, "o"}}
	if !store.Equal(doc, want) {
		t.Fatalf("expected %v, got %v", want, doc)
	}
}

func TestWriteMergePreservesOtherFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Write(ctx, "k", store.Document{"a": "1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Write(ctx, "k", store.Document{"b": "2"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	doc, err := s.Read(ctx, "k")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !store.Equal(doc, store.Document{"a": "1", "b": "2"}) {
		t.Fatalf("expected merged document, got %v", doc)
	}
}

func TestTransactAbortLeavesValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Write(ctx, "k", store.Document{"n": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}

	abort := errors.New("abort")
	if _, err := s.Transact(ctx, "k", func(store.Document) (store.Document, error) {
		return nil, abort
	}); !errors.Is(err, abort) {
		t.Fatalf("expected abort, got %v", err)
	}

	doc, err := s.Read(ctx, "k")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !store.Equal(doc, store.Document{"n": 1}) {
		t.Fatalf("expected unchanged value, got %v", doc)
	}
}

func TestCompareAndSwapRevMismatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rev, err := s.CompareAndSwap(ctx, "k", 0, store.Document{"n": 1})
	if err != nil {
		t.Fatalf("initial cas: %v", err)
	}
	if _, err := s.CompareAndSwap(ctx, "k", rev-1, store.Document{"n": 2}); !errors.Is(err, store.ErrRevMismatch) {
		t.Fatalf("expected rev mismatch, got %v", err)
	}
}

func TestSubscribeSeesCommit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if doc := waitForValue(t, sub); doc != nil {
		t.Fatalf("expected nil for absent key, got %v", doc)
	}

	if err := s.Write(ctx, "k", store.Document{"n": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if doc := waitForValue(t, sub); !store.Equal(doc, store.Document{"n": 1}) {
		t.Fatalf("expected committed value, got %v", doc)
	}
}

func TestDeleteSubtree(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Write(ctx, "session-log/s1", store.Document{"open": true}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := s.Push(ctx, "session-log/s1", store.Document{"text": "hello"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := s.Delete(ctx, "session-log/s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	doc, err := s.Read(ctx, "session-log/s1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if doc != nil {
		t.Fatalf("expected root removed, got %v", doc)
	}
	children, err := s.List(ctx, "session-log/s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("expected no children, got %v", children)
	}
}

func TestReopenKeepsDocuments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	ctx := context.Background()

	first, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Write(ctx, "k", store.Document{"n": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	doc, err := second.Read(ctx, "k")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !store.Equal(doc, store.Document{"n": 1}) {
		t.Fatalf("expected persisted value, got %v", doc)
	}
}

func waitForValue(t *testing.T, sub *store.Subscription) store.Document {
	t.Helper()
	select {
	case doc := <-sub.Updates():
		return doc
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}
