package storage

import (
	"context"
	"sort"
	"strings"
	"time"

	"govoracle/internal/faults"
	"govoracle/internal/model"
)

const consentErr = "ConsentStoreError"

type consentBackend interface {
	getRecord(ctx context.Context, orgID, resource, repoID string) (*model.ConsentRecord, error)
	putRecord(ctx context.Context, rec model.ConsentRecord) error
	listRecords(ctx context.Context, orgID string) ([]model.ConsentRecord, error)
}

type consentStore struct {
	backend consentBackend
	opts    Options
}

func newConsentStore(b consentBackend, opts Options) *consentStore {
	return &consentStore{backend: b, opts: opts}
}

func consentKeyError(orgID, resource string) error {
	if strings.TrimSpace(orgID) == "" || strings.TrimSpace(resource) == "" {
		return faults.New(consentErr, faults.CodeValidation, "org_id and resource required").
			With("org_id", orgID).With("resource", resource)
	}
	return nil
}

func (s *consentStore) RequestConsent(ctx context.Context, orgID, resource, repoID, requestedBy string) error {
	if err := consentKeyError(orgID, resource); err != nil {
		return err
	}
	ctx, cancel := s.opts.call(ctx)
	defer cancel()
	now := s.opts.now()
	existing, err := s.backend.getRecord(ctx, orgID, resource, repoID)
	if err != nil {
		return faults.Wrap(consentErr, faults.CodeReadFailed, err, "read consent").With("org_id", orgID).With("resource", resource)
	}
	if existing != nil {
		switch existing.State(now) {
		case model.ConsentGranted, model.ConsentPending:
			return nil
		}
	}
	rec := model.ConsentRecord{OrgID: orgID, Resource: resource, RepoID: repoID, RequestedBy: requestedBy, UpdatedAt: now}
	if err := s.backend.putRecord(ctx, rec); err != nil {
		return faults.Wrap(consentErr, faults.CodeWriteFailed, err, "request consent").With("org_id", orgID).With("resource", resource)
	}
	return nil
}

func (s *consentStore) GrantConsent(ctx context.Context, grant model.ConsentGrant) error {
	if err := consentKeyError(grant.OrgID, grant.Resource); err != nil {
		return err
	}
	if strings.TrimSpace(grant.GrantedBy) == "" {
		return faults.New(consentErr, faults.CodeValidation, "granted_by required").With("org_id", grant.OrgID)
	}
	ctx, cancel := s.opts.call(ctx)
	defer cancel()
	existing, err := s.backend.getRecord(ctx, grant.OrgID, grant.Resource, grant.RepoID)
	if err != nil {
		return faults.Wrap(consentErr, faults.CodeReadFailed, err, "read consent").With("org_id", grant.OrgID).With("resource", grant.Resource)
	}
	now := s.opts.now()
	rec := model.ConsentRecord{
		OrgID:     grant.OrgID,
		Resource:  grant.Resource,
		RepoID:    grant.RepoID,
		GrantedBy: grant.GrantedBy,
		GrantedAt: &now,
		UpdatedAt: now,
	}
	if existing != nil {
		rec.RequestedBy = existing.RequestedBy
	}
	if grant.ExpiresAt != nil {
		exp := grant.ExpiresAt.UTC()
		rec.ExpiresAt = &exp
	}
	if err := s.backend.putRecord(ctx, rec); err != nil {
		return faults.Wrap(consentErr, faults.CodeWriteFailed, err, "grant consent").With("org_id", grant.OrgID).With("resource", grant.Resource)
	}
	return nil
}

func (s *consentStore) RevokeConsent(ctx context.Context, orgID, resource, repoID, revokedBy string) error {
	if err := consentKeyError(orgID, resource); err != nil {
		return err
	}
	if strings.TrimSpace(revokedBy) == "" {
		return faults.New(consentErr, faults.CodeValidation, "revoked_by required").With("org_id", orgID)
	}
	ctx, cancel := s.opts.call(ctx)
	defer cancel()
	existing, err := s.backend.getRecord(ctx, orgID, resource, repoID)
	if err != nil {
		return faults.Wrap(consentErr, faults.CodeReadFailed, err, "read consent").With("org_id", orgID).With("resource", resource)
	}
	if existing == nil {
		return faults.New(consentErr, faults.CodeConsentNotFound, "no consent record to revoke").
			With("org_id", orgID).With("resource", resource).With("repo_id", repoID)
	}
	if existing.Revoked {
		return nil
	}
	now := s.opts.now()
	rec := *existing
	rec.Revoked = true
	rec.RevokedBy = revokedBy
	rec.RevokedAt = &now
	rec.UpdatedAt = now
	if err := s.backend.putRecord(ctx, rec); err != nil {
		return faults.Wrap(consentErr, faults.CodeWriteFailed, err, "revoke consent").With("org_id", orgID).With("resource", resource)
	}
	return nil
}

func (s *consentStore) CheckResourceConsent(ctx context.Context, orgID, resource, repoID string) (model.ConsentCheck, error) {
	if err := consentKeyError(orgID, resource); err != nil {
		return model.ConsentCheck{}, err
	}
	ctx, cancel := s.opts.call(ctx)
	defer cancel()
	return s.resolve(ctx, orgID, resource, repoID, s.opts.now())
}

// resolve applies org-level records to every repo: consent is granted when
// any applicable record is granted, otherwise the most specific record
// decides the reported state.
func (s *consentStore) resolve(ctx context.Context, orgID, resource, repoID string, now time.Time) (model.ConsentCheck, error) {
	out := model.ConsentCheck{Resource: resource, State: model.ConsentNotRequested}
	var candidates []*model.ConsentRecord
	if repoID != "" {
		rec, err := s.backend.getRecord(ctx, orgID, resource, repoID)
		if err != nil {
			return out, faults.Wrap(consentErr, faults.CodeReadFailed, err, "read consent").With("org_id", orgID).With("resource", resource)
		}
		if rec != nil {
			candidates = append(candidates, rec)
		}
	}
	rec, err := s.backend.getRecord(ctx, orgID, resource, "")
	if err != nil {
		return out, faults.Wrap(consentErr, faults.CodeReadFailed, err, "read consent").With("org_id", orgID).With("resource", resource)
	}
	if rec != nil {
		candidates = append(candidates, rec)
	}
	for _, c := range candidates {
		if c.State(now) == model.ConsentGranted {
			out.Granted = true
			out.State = model.ConsentGranted
			out.Record = c
			return out, nil
		}
	}
	if len(candidates) > 0 {
		out.State = candidates[0].State(now)
		out.Record = candidates[0]
	}
	return out, nil
}

func (s *consentStore) CheckMultipleResources(ctx context.Context, orgID, repoID string, resources []string) (model.MultiConsentCheck, error) {
	out := model.MultiConsentCheck{AllGranted: true, MissingConsent: []string{}, Results: make(map[string]model.ConsentCheck, len(resources))}
	if strings.TrimSpace(orgID) == "" {
		return out, faults.New(consentErr, faults.CodeValidation, "org_id required")
	}
	ctx, cancel := s.opts.call(ctx)
	defer cancel()
	now := s.opts.now()
	for _, resource := range resources {
		if _, seen := out.Results[resource]; seen {
			continue
		}
		if strings.TrimSpace(resource) == "" {
			return out, faults.New(consentErr, faults.CodeValidation, "empty resource").With("org_id", orgID)
		}
		check, err := s.resolve(ctx, orgID, resource, repoID, now)
		if err != nil {
			return out, err
		}
		out.Results[resource] = check
		if !check.Granted {
			out.AllGranted = false
			out.MissingConsent = append(out.MissingConsent, resource)
		}
	}
	return out, nil
}

func (s *consentStore) GetConsentSummary(ctx context.Context, orgID string) (model.ConsentSummary, error) {
	out := model.ConsentSummary{OrgID: orgID, Records: []model.ConsentRecord{}, States: map[model.ConsentState]int{}}
	if strings.TrimSpace(orgID) == "" {
		return out, faults.New(consentErr, faults.CodeValidation, "org_id required")
	}
	ctx, cancel := s.opts.call(ctx)
	defer cancel()
	records, err := s.backend.listRecords(ctx, orgID)
	if err != nil {
		return out, faults.Wrap(consentErr, faults.CodeReadFailed, err, "list consent").With("org_id", orgID)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Resource != records[j].Resource {
			return records[i].Resource < records[j].Resource
		}
		return records[i].RepoID < records[j].RepoID
	})
	now := s.opts.now()
	for _, rec := range records {
		out.States[rec.State(now)]++
	}
	out.Records = append(out.Records, records...)
	return out, nil
}
