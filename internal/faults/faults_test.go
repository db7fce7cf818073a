package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCodeOfThroughWrapping(t *testing.T) {
	base := New("SecretStoreError", CodeNonceNotFound, "no nonce configured")
	wrapped := fmt.Errorf("sign: %w", base)
	if got := CodeOf(wrapped); got != CodeNonceNotFound {
		t.Fatalf("code: %s", got)
	}
	if !HasCode(wrapped, CodeNonceNotFound) {
		t.Fatalf("expected HasCode")
	}
	if HasCode(nil, CodeNonceNotFound) {
		t.Fatalf("nil error has no code")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("plain error has no code")
	}
}

func TestErrorIsMatchesCode(t *testing.T) {
	err := Wrap("BlockCounterError", CodeIncrementFailed, context.DeadlineExceeded, "increment")
	if !errors.Is(err, &Error{Code: CodeIncrementFailed}) {
		t.Fatalf("expected code match")
	}
	if errors.Is(err, &Error{Code: CodeReadFailed}) {
		t.Fatalf("unexpected code match")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cause to unwrap")
	}
}

func TestErrorMessageIncludesContext(t *testing.T) {
	err := New("FPStoreError", CodeDuplicateEvent, "event exists").With("event_id", "e1").With("rule_id", "r1")
	msg := err.Error()
	if !strings.Contains(msg, "DUPLICATE_EVENT") || !strings.Contains(msg, "event_id=e1") {
		t.Fatalf("message: %s", msg)
	}
	if strings.Index(msg, "event_id") > strings.Index(msg, "rule_id") {
		t.Fatalf("context keys not sorted: %s", msg)
	}
}
