package engine

import (
	"context"
	"testing"
	"time"

	"github.com/louisbranch/concord/internal/errors"
	"github.com/louisbranch/concord/internal/game"
	"github.com/louisbranch/concord/internal/identity"
	"github.com/louisbranch/concord/internal/session/domain"
	"github.com/louisbranch/concord/internal/store"
	"github.com/louisbranch/concord/internal/store/memory"
)

func testKinds(t *testing.T) *domain.KindRegistry {
	t.Helper()
	kinds := domain.NewKindRegistry()
	if err := kinds.Register(domain.Kind{Name: "counter", MinMembers: 2, MaxMembers: 2}); err != nil {
		t.Fatalf("register kind: %v", err)
	}
	return kinds
}

func testGames(t *testing.T) *game.Registry {
	t.Helper()
	games := game.NewRegistry()
	if err := games.Register("counter", game.Counter); err != nil {
		t.Fatalf("register reducer: %v", err)
	}
	return games
}

// pair wires two engines for alice and bob over one shared store.
func pair(t *testing.T) (*Engine, *Engine) {
	t.Helper()
	st := memory.New()
	kinds := testKinds(t)
	games := testGames(t)
	alice := New(st, identity.Static{ID: "alice"}, kinds, games)
	bob := New(st, identity.Static{ID: "bob"}, kinds, games)
	return alice, bob
}

func TestCreateJoinAndMembers(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	created, err := alice.Create(ctx, "counter")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	joined, err := bob.Join(ctx, created.SessionID())
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	members, err := joined.Members(ctx)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Fatalf("members = %v, want [alice bob]", members)
	}
}

func TestOpenRequiresMembership(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	created, err := alice.Create(ctx, "counter")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := bob.Open(ctx, created.SessionID()); !errors.HasCode(err, errors.CodePermissionDenied) {
		t.Fatalf("open by non-member err = %v, want PERMISSION_DENIED", err)
	}

	reopened, err := alice.Open(ctx, created.SessionID())
	if err != nil {
		t.Fatalf("open by member: %v", err)
	}
	if reopened.SelfID() != "alice" {
		t.Fatalf("self = %q, want alice", reopened.SelfID())
	}
}

func TestOpenUnknownSession(t *testing.T) {
	alice, _ := pair(t)
	if _, err := alice.Open(context.Background(), "missing"); !errors.HasCode(err, errors.CodeSessionNotFound) {
		t.Fatalf("err = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestTurnBasedMoves(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	aliceHandle, err := alice.Create(ctx, "counter")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bobHandle, err := bob.Join(ctx, aliceHandle.SessionID())
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := aliceHandle.StartTurns(ctx, store.Document{"count": 0}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Bob may not move while alice holds the turn.
	if _, err := bobHandle.Move(ctx, nil); !errors.HasCode(err, errors.CodeTurnLost) {
		t.Fatalf("out-of-turn move err = %v, want TURN_LOST", err)
	}

	state, err := aliceHandle.Move(ctx, store.Document{"note": "first"})
	if err != nil {
		t.Fatalf("alice move: %v", err)
	}
	if state["count"] != float64(1) {
		t.Fatalf("count after alice = %v, want 1", state["count"])
	}

	state, err = bobHandle.Move(ctx, nil)
	if err != nil {
		t.Fatalf("bob move: %v", err)
	}
	if state["count"] != float64(2) {
		t.Fatalf("count after bob = %v, want 2", state["count"])
	}
	if state["lastMove"] != "bob" {
		t.Fatalf("lastMove = %v, want bob", state["lastMove"])
	}
}

func TestPublishAndStateChanges(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	aliceHandle, err := alice.Create(ctx, "counter")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bobHandle, err := bob.Join(ctx, aliceHandle.SessionID())
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	watch, err := bobHandle.StateChanges(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer watch.Close()

	if err := aliceHandle.Publish(ctx, store.Document{"phase": "setup"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case state, ok := <-watch.Updates():
			if !ok {
				t.Fatal("stream closed before update arrived")
			}
			if state["phase"] == "setup" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for published state")
		}
	}
}

func TestAppendLogStampsMember(t *testing.T) {
	ctx := context.Background()
	alice, _ := pair(t)

	handle, err := alice.Create(ctx, "counter")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := handle.AppendLog(ctx, store.Document{"event": "joined"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := handle.LogEntries(ctx)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Entry["memberId"] != "alice" {
		t.Fatalf("memberId = %v, want alice", entries[0].Entry["memberId"])
	}
}

func TestDestroyIsCreatorOnly(t *testing.T) {
	ctx := context.Background()
	alice, bob := pair(t)

	aliceHandle, err := alice.Create(ctx, "counter")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bobHandle, err := bob.Join(ctx, aliceHandle.SessionID())
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := bobHandle.Destroy(ctx); !errors.HasCode(err, errors.CodePermissionDenied) {
		t.Fatalf("destroy by joiner err = %v, want PERMISSION_DENIED", err)
	}
	if err := aliceHandle.Destroy(ctx); err != nil {
		t.Fatalf("destroy by creator: %v", err)
	}
	if _, err := aliceHandle.Members(ctx); !errors.HasCode(err, errors.CodeSessionNotFound) {
		t.Fatalf("members after destroy err = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestUnauthenticatedIdentitySurfaces(t *testing.T) {
	st := memory.New()
	eng := New(st, identity.Static{}, testKinds(t), testGames(t))
	if _, err := eng.Create(context.Background(), "counter"); !errors.HasCode(err, errors.CodeUnauthenticated) {
		t.Fatalf("err = %v, want UNAUTHENTICATED", err)
	}
}
