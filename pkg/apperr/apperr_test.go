package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindPredicates(t *testing.T) {
	if !IsValidation(Validation("bad_input")) {
		t.Error("expected validation kind")
	}
	if !IsConflict(Conflict("already_done")) {
		t.Error("expected conflict kind")
	}
	if !IsTransient(Transient("store_error", errors.New("timeout"))) {
		t.Error("expected transient kind")
	}
	if IsConflict(errors.New("plain")) {
		t.Error("foreign error must not match")
	}
}

func TestReasonAndSuggestion(t *testing.T) {
	err := ConflictWithSuggestion("quota_exhausted", "upgrade_premium")
	if Reason(err) != "quota_exhausted" {
		t.Errorf("reason = %q", Reason(err))
	}
	if e := As(err); e == nil || e.Suggestion != "upgrade_premium" {
		t.Errorf("suggestion not carried: %+v", e)
	}
	if Reason(errors.New("plain")) != "" {
		t.Error("foreign error must have empty reason")
	}
}

func TestUnwrapThroughWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("sweep: %w", Transient("store_error", cause))
	if !IsTransient(err) {
		t.Error("kind must survive fmt.Errorf wrapping")
	}
	if !errors.Is(err, cause) {
		t.Error("cause must be reachable via Unwrap")
	}
}

func TestErrorString(t *testing.T) {
	if got := Conflict("banned").Error(); got != "banned" {
		t.Errorf("got %q", got)
	}
	wrapped := Transient("store_error", errors.New("locked"))
	if got := wrapped.Error(); got != "store_error: locked" {
		t.Errorf("got %q", got)
	}
}
