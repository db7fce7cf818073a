package storagetest

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"govoracle/internal/faults"
	"govoracle/internal/storage"
)

func RunBlockCounter(t *testing.T, f Factory[storage.BlockCounter]) {
	t.Run("IncrementAndThreshold", func(t *testing.T) { counterThreshold(t, f) })
	t.Run("Unseen", func(t *testing.T) { counterUnseen(t, f) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { counterConcurrent(t, f) })
	t.Run("HourRollover", func(t *testing.T) { counterRollover(t, f) })
	t.Run("KeysIndependent", func(t *testing.T) { counterIndependent(t, f) })
	t.Run("Validation", func(t *testing.T) { counterValidation(t, f) })
}

func counterThreshold(t *testing.T, f Factory[storage.BlockCounter]) {
	c, _ := newStore(t, f)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		n, err := c.Increment(ctx, "secrets.aws", "org-1")
		mustNot(t, err)
		if n != int64(i) {
			t.Fatalf("increment %d returned %d", i, n)
		}
	}
	n, err := c.GetCount(ctx, "secrets.aws", "org-1")
	mustNot(t, err)
	if n != 10 {
		t.Fatalf("expected count 10, got %d", n)
	}
	for _, tc := range []struct {
		threshold int64
		want      bool
	}{
		{1, true},
		{10, true},
		{11, false},
	} {
		broken, err := c.IsCircuitBroken(ctx, "secrets.aws", "org-1", tc.threshold)
		mustNot(t, err)
		if broken != tc.want {
			t.Fatalf("threshold %d: expected %v, got %v", tc.threshold, tc.want, broken)
		}
	}
}

func counterUnseen(t *testing.T, f Factory[storage.BlockCounter]) {
	c, _ := newStore(t, f)
	n, err := c.GetCount(context.Background(), "secrets.aws", "org-1")
	mustNot(t, err)
	if n != 0 {
		t.Fatalf("expected 0 for unseen key, got %d", n)
	}
	broken, err := c.IsCircuitBroken(context.Background(), "secrets.aws", "org-1", 1)
	mustNot(t, err)
	if broken {
		t.Fatalf("unseen key must not be broken")
	}
}

func counterConcurrent(t *testing.T, f Factory[storage.BlockCounter]) {
	c, _ := newStore(t, f)
	ctx := context.Background()
	const workers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []int64
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := c.Increment(ctx, "secrets.aws", "org-1")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			results = append(results, n)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		mustNot(t, err)
	}
	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, n := range results {
		if n != int64(i+1) {
			t.Fatalf("results are not a permutation of 1..%d: %v", workers, results)
		}
	}
	n, err := c.GetCount(ctx, "secrets.aws", "org-1")
	mustNot(t, err)
	if n != workers {
		t.Fatalf("expected final count %d, got %d", workers, n)
	}
}

func counterRollover(t *testing.T, f Factory[storage.BlockCounter]) {
	c, clock := newStore(t, f)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := c.Increment(ctx, "secrets.aws", "org-1")
		mustNot(t, err)
	}
	clock.Advance(time.Hour)
	n, err := c.GetCount(ctx, "secrets.aws", "org-1")
	mustNot(t, err)
	if n != 0 {
		t.Fatalf("new hour must start at 0, got %d", n)
	}
	n, err = c.Increment(ctx, "secrets.aws", "org-1")
	mustNot(t, err)
	if n != 1 {
		t.Fatalf("expected 1 in new bucket, got %d", n)
	}
}

func counterIndependent(t *testing.T, f Factory[storage.BlockCounter]) {
	c, _ := newStore(t, f)
	ctx := context.Background()
	_, err := c.Increment(ctx, "secrets.aws", "org-1")
	mustNot(t, err)
	_, err = c.Increment(ctx, "secrets.aws", "org-1")
	mustNot(t, err)
	_, err = c.Increment(ctx, "secrets.gcp", "org-1")
	mustNot(t, err)

	for _, tc := range []struct {
		rule, org string
		want      int64
	}{
		{"secrets.aws", "org-1", 2},
		{"secrets.gcp", "org-1", 1},
		{"secrets.aws", "org-2", 0},
	} {
		n, err := c.GetCount(ctx, tc.rule, tc.org)
		mustNot(t, err)
		if n != tc.want {
			t.Fatalf("%s/%s: expected %d, got %d", tc.rule, tc.org, tc.want, n)
		}
	}
}

func counterValidation(t *testing.T, f Factory[storage.BlockCounter]) {
	c, _ := newStore(t, f)
	ctx := context.Background()
	_, err := c.Increment(ctx, "", "org-1")
	wantCode(t, err, faults.CodeValidation)
	_, err = c.GetCount(ctx, "secrets.aws", "")
	wantCode(t, err, faults.CodeValidation)
	_, err = c.IsCircuitBroken(ctx, "secrets.aws", "org-1", 0)
	wantCode(t, err, faults.CodeValidation)
}
