package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	err := New(CodeSessionFull, "roster is at capacity")
	if got := CodeOf(err); got != CodeSessionFull {
		t.Fatalf("expected %q, got %q", CodeSessionFull, got)
	}
}

func TestCodeOfWrapped(t *testing.T) {
	inner := New(CodeTurnLost, "turn no longer held")
	outer := fmt.Errorf("apply move: %w", inner)
	if got := CodeOf(outer); got != CodeTurnLost {
		t.Fatalf("expected %q, got %q", CodeTurnLost, got)
	}
}

func TestCodeOfUntyped(t *testing.T) {
	if got := CodeOf(stderrors.New("boom")); got != CodeUnknown {
		t.Fatalf("expected %q, got %q", CodeUnknown, got)
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Wrap(CodeStoreUnavailable, "commit write", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be found in chain")
	}
}

func TestFromWireStatus(t *testing.T) {
	if got := FromWireStatus("SESSION_FULL"); got != CodeSessionFull {
		t.Fatalf("expected %q, got %q", CodeSessionFull, got)
	}
	if got := FromWireStatus("SOMETHING_ELSE"); got != CodeUnknown {
		t.Fatalf("expected %q, got %q", CodeUnknown, got)
	}
}
