package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestTypedErrorsMatchSentinels(t *testing.T) {
	ce := &ConflictError{ItemID: "42", HeldBy: "alice", RetryAfter: 90*time.Second + 400*time.Millisecond}
	wrapped := fmt.Errorf("begin edit: %w", ce)
	if !errors.Is(wrapped, ErrLockConflict) {
		t.Fatal("conflict should match ErrLockConflict")
	}
	if !strings.Contains(ce.Error(), "retry in 1m30s") {
		t.Fatalf("unexpected message %q", ce.Error())
	}

	oe := &OverloadError{Items: []string{"a", "b"}, Dropped: 3}
	if !errors.Is(oe, ErrSubscriberOverloaded) || !strings.Contains(oe.Error(), "[a,b]") {
		t.Fatalf("unexpected overload error %q", oe.Error())
	}

	be := &SessionBusyError{Holder: "s1", ItemID: "7"}
	if !errors.Is(be, ErrSessionBusy) || errors.Is(be, ErrLockConflict) {
		t.Fatal("busy error matched the wrong sentinel")
	}
}
