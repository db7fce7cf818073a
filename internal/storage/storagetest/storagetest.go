// Package storagetest is a backend-agnostic conformance suite. Every store
// adapter runs the same scenarios so behavior and error codes stay identical
// across memory, sqlite, postgres and redis.
package storagetest

import (
	"sync"
	"testing"
	"time"

	"govoracle/internal/faults"
	"govoracle/internal/storage"
)

// Epoch is the default start of every test clock: mid-hour, so a single
// Advance of an hour crosses exactly one bucket boundary.
var Epoch = time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)

// Clock is a settable time source for storage.Options.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

// Factory builds a fresh, empty store bound to opts. Implementations register
// cleanup on t.
type Factory[T any] func(t *testing.T, opts storage.Options) T

func newStore[T any](t *testing.T, f Factory[T]) (T, *Clock) {
	t.Helper()
	clock := NewClock(Epoch)
	return f(t, storage.Options{Clock: clock.Now, Timeout: 5 * time.Second}), clock
}

func wantCode(t *testing.T, err error, code faults.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if got := faults.CodeOf(err); got != code {
		t.Fatalf("expected %s, got %s (%v)", code, got, err)
	}
}

func mustNot(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
