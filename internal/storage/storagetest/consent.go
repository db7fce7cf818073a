package storagetest

import (
	"context"
	"testing"
	"time"

	"govoracle/internal/faults"
	"govoracle/internal/model"
	"govoracle/internal/storage"
)

func RunConsentStore(t *testing.T, f Factory[storage.ConsentStore]) {
	t.Run("NotRequested", func(t *testing.T) { consentNotRequested(t, f) })
	t.Run("GrantThenRevoke", func(t *testing.T) { consentGrantRevoke(t, f) })
	t.Run("OrgGrantCoversRepos", func(t *testing.T) { consentOrgScope(t, f) })
	t.Run("RepoGrantIsScoped", func(t *testing.T) { consentRepoScope(t, f) })
	t.Run("Expiry", func(t *testing.T) { consentExpiry(t, f) })
	t.Run("RevokedBeatsExpired", func(t *testing.T) { consentRevokedPrecedence(t, f) })
	t.Run("RequestLifecycle", func(t *testing.T) { consentRequest(t, f) })
	t.Run("RevokeIsolation", func(t *testing.T) { consentRevokeIsolation(t, f) })
	t.Run("CheckMultiple", func(t *testing.T) { consentMultiple(t, f) })
	t.Run("Summary", func(t *testing.T) { consentSummary(t, f) })
	t.Run("Validation", func(t *testing.T) { consentValidation(t, f) })
}

func checkState(t *testing.T, store storage.ConsentStore, org, resource, repo string, want model.ConsentState) model.ConsentCheck {
	t.Helper()
	got, err := store.CheckResourceConsent(context.Background(), org, resource, repo)
	mustNot(t, err)
	if got.State != want {
		t.Fatalf("%s/%s/%s: expected %s, got %s", org, resource, repo, want, got.State)
	}
	if got.Granted != (want == model.ConsentGranted) {
		t.Fatalf("%s/%s/%s: granted=%v inconsistent with state %s", org, resource, repo, got.Granted, got.State)
	}
	return got
}

func grant(org, resource, repo string) model.ConsentGrant {
	return model.ConsentGrant{OrgID: org, Resource: resource, RepoID: repo, GrantedBy: "admin"}
}

func consentNotRequested(t *testing.T, f Factory[storage.ConsentStore]) {
	store, _ := newStore(t, f)
	got := checkState(t, store, "org-1", "telemetry", "", model.ConsentNotRequested)
	if got.Record != nil {
		t.Fatalf("expected no record, got %+v", got.Record)
	}
	checkState(t, store, "org-1", "telemetry", "api", model.ConsentNotRequested)
}

func consentGrantRevoke(t *testing.T, f Factory[storage.ConsentStore]) {
	store, clock := newStore(t, f)
	ctx := context.Background()
	mustNot(t, store.GrantConsent(ctx, grant("org-1", "telemetry", "")))
	got := checkState(t, store, "org-1", "telemetry", "", model.ConsentGranted)
	if got.Record == nil || got.Record.GrantedBy != "admin" || got.Record.GrantedAt == nil || !got.Record.GrantedAt.Equal(Epoch) {
		t.Fatalf("unexpected grant record: %+v", got.Record)
	}

	clock.Advance(time.Minute)
	mustNot(t, store.RevokeConsent(ctx, "org-1", "telemetry", "", "security"))
	got = checkState(t, store, "org-1", "telemetry", "", model.ConsentRevoked)
	if got.Record.RevokedBy != "security" || got.Record.RevokedAt == nil || !got.Record.RevokedAt.Equal(Epoch.Add(time.Minute)) {
		t.Fatalf("unexpected revoke record: %+v", got.Record)
	}

	// Revoking twice keeps the first revocation.
	clock.Advance(time.Minute)
	mustNot(t, store.RevokeConsent(ctx, "org-1", "telemetry", "", "someone-else"))
	got = checkState(t, store, "org-1", "telemetry", "", model.ConsentRevoked)
	if got.Record.RevokedBy != "security" {
		t.Fatalf("second revoke must be a no-op, got %s", got.Record.RevokedBy)
	}

	// A fresh grant supersedes the revocation.
	mustNot(t, store.GrantConsent(ctx, grant("org-1", "telemetry", "")))
	got = checkState(t, store, "org-1", "telemetry", "", model.ConsentGranted)
	if got.Record.Revoked || got.Record.RevokedAt != nil {
		t.Fatalf("regrant must clear revocation: %+v", got.Record)
	}
}

func consentOrgScope(t *testing.T, f Factory[storage.ConsentStore]) {
	store, _ := newStore(t, f)
	mustNot(t, store.GrantConsent(context.Background(), grant("org-1", "telemetry", "")))
	for _, repo := range []string{"", "api", "web", "infra"} {
		checkState(t, store, "org-1", "telemetry", repo, model.ConsentGranted)
	}
	checkState(t, store, "org-2", "telemetry", "api", model.ConsentNotRequested)
}

func consentRepoScope(t *testing.T, f Factory[storage.ConsentStore]) {
	store, _ := newStore(t, f)
	ctx := context.Background()
	mustNot(t, store.GrantConsent(ctx, grant("org-1", "telemetry", "api")))
	checkState(t, store, "org-1", "telemetry", "api", model.ConsentGranted)
	checkState(t, store, "org-1", "telemetry", "web", model.ConsentNotRequested)
	checkState(t, store, "org-1", "telemetry", "", model.ConsentNotRequested)

	// A revoked repo record does not hide a live org-level grant.
	mustNot(t, store.RevokeConsent(ctx, "org-1", "telemetry", "api", "security"))
	checkState(t, store, "org-1", "telemetry", "api", model.ConsentRevoked)
	mustNot(t, store.GrantConsent(ctx, grant("org-1", "telemetry", "")))
	checkState(t, store, "org-1", "telemetry", "api", model.ConsentGranted)
}

func consentExpiry(t *testing.T, f Factory[storage.ConsentStore]) {
	store, clock := newStore(t, f)
	ctx := context.Background()

	past := Epoch.Add(-time.Hour)
	g := grant("org-1", "logs", "")
	g.ExpiresAt = &past
	mustNot(t, store.GrantConsent(ctx, g))
	checkState(t, store, "org-1", "logs", "", model.ConsentExpired)

	future := Epoch.Add(time.Hour)
	g = grant("org-1", "metrics", "")
	g.ExpiresAt = &future
	mustNot(t, store.GrantConsent(ctx, g))
	checkState(t, store, "org-1", "metrics", "", model.ConsentGranted)

	clock.Advance(time.Hour)
	checkState(t, store, "org-1", "metrics", "", model.ConsentExpired)
}

func consentRevokedPrecedence(t *testing.T, f Factory[storage.ConsentStore]) {
	store, clock := newStore(t, f)
	ctx := context.Background()
	future := Epoch.Add(10 * time.Minute)
	g := grant("org-1", "telemetry", "")
	g.ExpiresAt = &future
	mustNot(t, store.GrantConsent(ctx, g))
	mustNot(t, store.RevokeConsent(ctx, "org-1", "telemetry", "", "security"))
	clock.Advance(time.Hour)
	checkState(t, store, "org-1", "telemetry", "", model.ConsentRevoked)
}

func consentRequest(t *testing.T, f Factory[storage.ConsentStore]) {
	store, _ := newStore(t, f)
	ctx := context.Background()
	mustNot(t, store.RequestConsent(ctx, "org-1", "telemetry", "", "bot"))
	got := checkState(t, store, "org-1", "telemetry", "", model.ConsentPending)
	if got.Record.RequestedBy != "bot" {
		t.Fatalf("expected requester recorded, got %+v", got.Record)
	}

	mustNot(t, store.GrantConsent(ctx, grant("org-1", "telemetry", "")))
	got = checkState(t, store, "org-1", "telemetry", "", model.ConsentGranted)
	if got.Record.RequestedBy != "bot" {
		t.Fatalf("grant must keep the requester, got %+v", got.Record)
	}

	// Requesting an already granted resource changes nothing.
	mustNot(t, store.RequestConsent(ctx, "org-1", "telemetry", "", "bot-2"))
	checkState(t, store, "org-1", "telemetry", "", model.ConsentGranted)

	mustNot(t, store.RevokeConsent(ctx, "org-1", "telemetry", "", "security"))
	mustNot(t, store.RequestConsent(ctx, "org-1", "telemetry", "", "bot-3"))
	checkState(t, store, "org-1", "telemetry", "", model.ConsentPending)
}

func consentRevokeIsolation(t *testing.T, f Factory[storage.ConsentStore]) {
	store, _ := newStore(t, f)
	ctx := context.Background()
	mustNot(t, store.GrantConsent(ctx, grant("org-1", "telemetry", "")))
	mustNot(t, store.GrantConsent(ctx, grant("org-1", "logs", "")))
	mustNot(t, store.RevokeConsent(ctx, "org-1", "telemetry", "", "security"))
	checkState(t, store, "org-1", "telemetry", "", model.ConsentRevoked)
	checkState(t, store, "org-1", "logs", "", model.ConsentGranted)

	wantCode(t, store.RevokeConsent(ctx, "org-1", "never", "", "security"), faults.CodeConsentNotFound)
}

func consentMultiple(t *testing.T, f Factory[storage.ConsentStore]) {
	store, _ := newStore(t, f)
	ctx := context.Background()
	mustNot(t, store.GrantConsent(ctx, grant("org-1", "telemetry", "")))
	mustNot(t, store.RequestConsent(ctx, "org-1", "logs", "", "bot"))

	got, err := store.CheckMultipleResources(ctx, "org-1", "api", []string{"telemetry", "logs", "metrics", "telemetry"})
	mustNot(t, err)
	if got.AllGranted {
		t.Fatalf("expected not all granted")
	}
	if len(got.MissingConsent) != 2 || got.MissingConsent[0] != "logs" || got.MissingConsent[1] != "metrics" {
		t.Fatalf("unexpected missing list: %v", got.MissingConsent)
	}
	if len(got.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(got.Results))
	}
	if got.Results["logs"].State != model.ConsentPending || got.Results["metrics"].State != model.ConsentNotRequested {
		t.Fatalf("unexpected per-resource states: %+v", got.Results)
	}

	all, err := store.CheckMultipleResources(ctx, "org-1", "", []string{"telemetry"})
	mustNot(t, err)
	if !all.AllGranted || len(all.MissingConsent) != 0 {
		t.Fatalf("expected all granted: %+v", all)
	}

	none, err := store.CheckMultipleResources(ctx, "org-1", "", nil)
	mustNot(t, err)
	if !none.AllGranted {
		t.Fatalf("empty resource list must be granted")
	}
}

func consentSummary(t *testing.T, f Factory[storage.ConsentStore]) {
	store, _ := newStore(t, f)
	ctx := context.Background()
	past := Epoch.Add(-time.Minute)
	expired := grant("org-1", "audit", "")
	expired.ExpiresAt = &past
	mustNot(t, store.GrantConsent(ctx, grant("org-1", "telemetry", "")))
	mustNot(t, store.GrantConsent(ctx, grant("org-1", "telemetry", "api")))
	mustNot(t, store.GrantConsent(ctx, expired))
	mustNot(t, store.RequestConsent(ctx, "org-1", "logs", "", "bot"))
	mustNot(t, store.GrantConsent(ctx, grant("org-2", "telemetry", "")))

	sum, err := store.GetConsentSummary(ctx, "org-1")
	mustNot(t, err)
	if len(sum.Records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(sum.Records))
	}
	order := []string{"audit/", "logs/", "telemetry/", "telemetry/api"}
	for i, rec := range sum.Records {
		if got := rec.Resource + "/" + rec.RepoID; got != order[i] {
			t.Fatalf("record %d: expected %s, got %s", i, order[i], got)
		}
	}
	if sum.States[model.ConsentGranted] != 2 || sum.States[model.ConsentExpired] != 1 || sum.States[model.ConsentPending] != 1 {
		t.Fatalf("unexpected state counts: %v", sum.States)
	}

	empty, err := store.GetConsentSummary(ctx, "org-9")
	mustNot(t, err)
	if len(empty.Records) != 0 {
		t.Fatalf("expected no records, got %d", len(empty.Records))
	}
}

func consentValidation(t *testing.T, f Factory[storage.ConsentStore]) {
	store, _ := newStore(t, f)
	ctx := context.Background()
	wantCode(t, store.GrantConsent(ctx, grant("", "telemetry", "")), faults.CodeValidation)
	wantCode(t, store.GrantConsent(ctx, model.ConsentGrant{OrgID: "org-1", Resource: "telemetry"}), faults.CodeValidation)
	wantCode(t, store.RevokeConsent(ctx, "org-1", "", "", "security"), faults.CodeValidation)
	_, err := store.CheckResourceConsent(ctx, "org-1", "", "")
	wantCode(t, err, faults.CodeValidation)
	_, err = store.CheckMultipleResources(ctx, "", "", []string{"telemetry"})
	wantCode(t, err, faults.CodeValidation)
}
