package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/concord/internal/errors"
	"github.com/louisbranch/concord/internal/session/domain"
	"github.com/louisbranch/concord/internal/store/memory"
)

func testKinds(t *testing.T) *domain.KindRegistry {
	t.Helper()
	kinds := domain.NewKindRegistry()
	if err := kinds.Register(domain.Kind{Name: "tictactoe", MinMembers: 2, MaxMembers: 2}); err != nil {
		t.Fatalf("register kind: %v", err)
	}
	if err := kinds.Register(domain.Kind{Name: "council", MinMembers: 2, MaxMembers: 8}); err != nil {
		t.Fatalf("register kind: %v", err)
	}
	return kinds
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(memory.New(), testKinds(t))
}

func TestCreateSetsCreatorAsSoleMember(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	session, err := r.Create(ctx, "tictactoe", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if session.CreatorID != "alice" {
		t.Fatalf("expected creator alice, got %q", session.CreatorID)
	}

	stored, err := r.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.Members) != 1 || stored.Members[0] != "alice" {
		t.Fatalf("expected [alice], got %v", stored.Members)
	}
}

func TestCreateUnknownKind(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Create(context.Background(), "chess", "alice"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestJoinAppendsMember(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	session, err := r.Create(ctx, "tictactoe", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := r.Join(ctx, session.ID, "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	stored, err := r.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.Members) != 2 || stored.Members[0] != "alice" || stored.Members[1] != "bob" {
		t.Fatalf("expected [alice bob], got %v", stored.Members)
	}
}

func TestJoinIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	session, err := r.Create(ctx, "tictactoe", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := r.Join(ctx, session.ID, "bob"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if err := r.Join(ctx, session.ID, "bob"); err != nil {
		t.Fatalf("second join must succeed: %v", err)
	}
	stored, err := r.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.Members) != 2 {
		t.Fatalf("expected roster unchanged, got %v", stored.Members)
	}
}

func TestJoinSessionFullScenario(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	session, err := r.Create(ctx, "tictactoe", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := r.Join(ctx, session.ID, "bob"); err != nil {
		t.Fatalf("join bob: %v", err)
	}
	err = r.Join(ctx, session.ID, "carol")
	if !errors.HasCode(err, errors.CodeSessionFull) {
		t.Fatalf("expected SESSION_FULL, got %v", err)
	}

	stored, err := r.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.Members) != 2 || stored.Members[0] != "alice" || stored.Members[1] != "bob" {
		t.Fatalf("expected roster unchanged, got %v", stored.Members)
	}
}

func TestJoinNotFound(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Join(context.Background(), "nope", "bob")
	if !errors.HasCode(err, errors.CodeSessionNotFound) {
		t.Fatalf("expected SESSION_NOT_FOUND, got %v", err)
	}
}

func TestConcurrentJoins(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	session, err := r.Create(ctx, "council", "m0")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const joiners = 12
	results := make([]error, joiners)
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Join(ctx, session.ID, fmt.Sprintf("m%d", i+1))
		}(i)
	}
	wg.Wait()

	stored, err := r.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// council caps at 8 members; the creator holds one slot.
	if len(stored.Members) != 8 {
		t.Fatalf("expected roster at cap 8, got %d (%v)", len(stored.Members), stored.Members)
	}
	seen := make(map[string]int)
	for _, m := range stored.Members {
		seen[m]++
	}
	for m, count := range seen {
		if count != 1 {
			t.Fatalf("expected %s exactly once, got %d", m, count)
		}
	}

	var admitted, rejected int
	for i, err := range results {
		switch {
		case err == nil:
			admitted++
		case errors.HasCode(err, errors.CodeSessionFull):
			rejected++
		default:
			t.Fatalf("join %d: unexpected error %v", i, err)
		}
	}
	if admitted != 7 {
		t.Fatalf("expected 7 admitted joiners, got %d", admitted)
	}
	if rejected != joiners-7 {
		t.Fatalf("expected %d rejected joiners, got %d", joiners-7, rejected)
	}
}

func TestLeaveRemovesMember(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	session, err := r.Create(ctx, "tictactoe", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Join(ctx, session.ID, "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := r.Leave(ctx, session.ID, "bob"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	stored, err := r.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.Members) != 1 || stored.Members[0] != "alice" {
		t.Fatalf("expected [alice], got %v", stored.Members)
	}
}

func TestLeaveIsNoOpWhenAbsent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	session, err := r.Create(ctx, "tictactoe", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := r.Leave(ctx, session.ID, "carol"); err != nil {
		t.Fatalf("leave of non-member must be a no-op: %v", err)
	}
	if err := r.Leave(ctx, "long-gone", "carol"); err != nil {
		t.Fatalf("leave of a gone session must be a no-op: %v", err)
	}
}

func TestDestroyRequiresCreator(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	session, err := r.Create(ctx, "tictactoe", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Join(ctx, session.ID, "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	err = r.Destroy(ctx, session.ID, "bob")
	if !errors.HasCode(err, errors.CodePermissionDenied) {
		t.Fatalf("expected PERMISSION_DENIED, got %v", err)
	}

	stored, err := r.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("session must survive a denied destroy: %v", err)
	}
	if len(stored.Members) != 2 {
		t.Fatalf("expected roster unmodified, got %v", stored.Members)
	}
}

func TestDestroyRemovesMetadata(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	session, err := r.Create(ctx, "tictactoe", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := r.Destroy(ctx, session.ID, "alice"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	_, err = r.Get(ctx, session.ID)
	if !errors.HasCode(err, errors.CodeSessionNotFound) {
		t.Fatalf("expected SESSION_NOT_FOUND, got %v", err)
	}
}

func TestDestroyMissingSession(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Destroy(context.Background(), "nope", "alice")
	if !errors.HasCode(err, errors.CodeSessionNotFound) {
		t.Fatalf("expected SESSION_NOT_FOUND, got %v", err)
	}
}

func TestSubscribeMetadataObservesJoin(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	session, err := r.Create(ctx, "tictactoe", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sub, err := r.SubscribeMetadata(ctx, session.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	first := waitForSession(t, sub)
	if len(first.Members) != 1 {
		t.Fatalf("expected the current roster first, got %v", first.Members)
	}

	if err := r.Join(ctx, session.ID, "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	for {
		updated := waitForSession(t, sub)
		if len(updated.Members) == 2 {
			break
		}
	}
}

func TestSubscribeMetadataEndsOnDestroy(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	session, err := r.Create(ctx, "tictactoe", "alice")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sub, err := r.SubscribeMetadata(ctx, session.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitForSession(t, sub)

	if err := r.Destroy(ctx, session.ID, "alice"); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Updates():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("metadata stream never terminated after destroy")
		}
	}
}

func TestSubscribeMetadataMissingSession(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.SubscribeMetadata(context.Background(), "nope"); !errors.HasCode(err, errors.CodeSessionNotFound) {
		t.Fatalf("expected SESSION_NOT_FOUND, got %v", err)
	}
}

func waitForSession(t *testing.T, sub *MetadataSubscription) domain.Session {
	t.Helper()
	select {
	case session, ok := <-sub.Updates():
		if !ok {
			t.Fatal("metadata stream closed unexpectedly")
		}
		return session
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for metadata delivery")
		return domain.Session{}
	}
}
