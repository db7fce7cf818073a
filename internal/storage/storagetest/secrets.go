package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"govoracle/internal/faults"
	"govoracle/internal/storage"
)

func RunSecretStore(t *testing.T, f Factory[storage.SecretStore]) {
	t.Run("Empty", func(t *testing.T) { secretsEmpty(t, f) })
	t.Run("RotateOrdering", func(t *testing.T) { secretsOrdering(t, f) })
	t.Run("ConcurrentRotate", func(t *testing.T) { secretsConcurrent(t, f) })
	t.Run("Validation", func(t *testing.T) { secretsValidation(t, f) })
}

func secretsEmpty(t *testing.T, f Factory[storage.SecretStore]) {
	s, _ := newStore(t, f)
	_, err := s.GetNonce(context.Background())
	wantCode(t, err, faults.CodeNonceNotFound)
	_, err = s.GetNonces(context.Background())
	wantCode(t, err, faults.CodeNonceNotFound)
}

func secretsOrdering(t *testing.T, f Factory[storage.SecretStore]) {
	s, clock := newStore(t, f)
	ctx := context.Background()
	mustNot(t, s.RotateNonce(ctx, "v1-secret", ""))
	clock.Advance(time.Minute)
	mustNot(t, s.RotateNonce(ctx, "v2-secret", "scheduled"))

	n, err := s.GetNonce(ctx)
	mustNot(t, err)
	if n.Value != "v2-secret" || n.Version != 2 {
		t.Fatalf("expected v2-secret@2, got %s@%d", n.Value, n.Version)
	}
	if n.Source != "scheduled" || !n.CreatedAt.Equal(Epoch.Add(time.Minute)) {
		t.Fatalf("unexpected metadata: %+v", n)
	}

	all, err := s.GetNonces(ctx)
	mustNot(t, err)
	if len(all) != 2 || all[0] != "v2-secret" || all[1] != "v1-secret" {
		t.Fatalf("expected [v2-secret v1-secret], got %v", all)
	}

	// Reusing a value still creates a new version.
	mustNot(t, s.RotateNonce(ctx, "v1-secret", ""))
	n, err = s.GetNonce(ctx)
	mustNot(t, err)
	if n.Version != 3 || n.Source != storage.DefaultNonceSource {
		t.Fatalf("expected version 3 with default source, got %+v", n)
	}
}

func secretsConcurrent(t *testing.T, f Factory[storage.SecretStore]) {
	s, _ := newStore(t, f)
	ctx := context.Background()
	const rotations = 10
	var wg sync.WaitGroup
	errs := make(chan error, rotations)
	for i := 0; i < rotations; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.RotateNonce(ctx, fmt.Sprintf("nonce-%d", i), "")
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		mustNot(t, err)
	}
	all, err := s.GetNonces(ctx)
	mustNot(t, err)
	if len(all) != rotations {
		t.Fatalf("expected %d versions, got %d", rotations, len(all))
	}
	seen := make(map[string]bool, rotations)
	for _, v := range all {
		if seen[v] {
			t.Fatalf("duplicate nonce %s in %v", v, all)
		}
		seen[v] = true
	}
	latest, err := s.GetNonce(ctx)
	mustNot(t, err)
	if latest.Version != rotations || latest.Value != all[0] {
		t.Fatalf("latest must be version %d and head of the list, got %+v", rotations, latest)
	}
}

func secretsValidation(t *testing.T, f Factory[storage.SecretStore]) {
	s, _ := newStore(t, f)
	wantCode(t, s.RotateNonce(context.Background(), "  ", ""), faults.CodeValidation)
}
