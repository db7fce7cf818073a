package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"govoracle/internal/model"
)

// NewMemory returns in-process implementations of every store. Each store
// guards its own state; no lock spans stores.
func NewMemory(opts Options) *Backends {
	return &Backends{
		FP:           newFPStore(newMemoryFP(), opts),
		Consent:      newConsentStore(newMemoryConsent(), opts),
		BlockCounter: newBlockCounter(newMemoryCounter(), opts),
		Secrets:      newSecretStore(&memorySecrets{}, opts),
	}
}

type memoryFP struct {
	mu     sync.RWMutex
	byID   map[string]*model.FPEvent
	byRule map[string][]*model.FPEvent
}

func newMemoryFP() *memoryFP {
	return &memoryFP{
		byID:   make(map[string]*model.FPEvent),
		byRule: make(map[string][]*model.FPEvent),
	}
}

func (m *memoryFP) insertEvent(ctx context.Context, ev model.FPEvent) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[ev.EventID]; ok {
		return false, nil
	}
	stored := ev
	m.byID[ev.EventID] = &stored
	m.byRule[ev.RuleID] = append(m.byRule[ev.RuleID], &stored)
	return true, nil
}

func (m *memoryFP) latestEvents(ctx context.Context, ruleID string, limit int, since time.Time) ([]model.FPEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.byRule[ruleID]
	// Insertion order breaks timestamp ties, newest insert first.
	idx := make([]int, len(list))
	for i := range idx {
		idx[i] = len(list) - 1 - i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return list[idx[a]].Timestamp.After(list[idx[b]].Timestamp)
	})
	out := make([]model.FPEvent, 0, len(list))
	for _, i := range idx {
		ev := list[i]
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		out = append(out, *ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memoryFP) markEvent(ctx context.Context, eventID, reviewer, ticket string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.byID[eventID]
	if !ok {
		return false, nil
	}
	if ev.IsFalsePositive {
		return true, nil
	}
	ev.IsFalsePositive = true
	ev.ReviewedBy = reviewer
	ev.Ticket = ticket
	reviewed := at
	ev.ReviewedAt = &reviewed
	return true, nil
}

func (m *memoryFP) isFalsePositive(ctx context.Context, orgID, ruleID, findingID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ev := range m.byID {
		if ev.FindingID != findingID || !ev.IsFalsePositive {
			continue
		}
		if orgID != "" && ev.Context.OrgID != orgID {
			continue
		}
		if ruleID == "" || ev.RuleID == ruleID {
			return true, nil
		}
	}
	return false, nil
}

type consentKey struct {
	org, resource, repo string
}

type memoryConsent struct {
	mu      sync.RWMutex
	records map[consentKey]model.ConsentRecord
}

func newMemoryConsent() *memoryConsent {
	return &memoryConsent{records: make(map[consentKey]model.ConsentRecord)}
}

func (m *memoryConsent) getRecord(ctx context.Context, orgID, resource, repoID string) (*model.ConsentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[consentKey{orgID, resource, repoID}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memoryConsent) putRecord(ctx context.Context, rec model.ConsentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[consentKey{rec.OrgID, rec.Resource, rec.RepoID}] = rec
	return nil
}

func (m *memoryConsent) listRecords(ctx context.Context, orgID string) ([]model.ConsentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.ConsentRecord, 0)
	for k, rec := range m.records {
		if k.org == orgID {
			out = append(out, rec)
		}
	}
	return out, nil
}

type counterEntry struct {
	count     int64
	updatedAt time.Time
}

type memoryCounter struct {
	mu      sync.Mutex
	buckets map[string]counterEntry
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{buckets: make(map[string]counterEntry)}
}

func (m *memoryCounter) incr(ctx context.Context, key string, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.buckets[key]
	e.count++
	e.updatedAt = at
	m.buckets[key] = e
	if len(m.buckets) > 10000 {
		m.compact(at)
	}
	return e.count, nil
}

func (m *memoryCounter) get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buckets[key].count, nil
}

func (m *memoryCounter) compact(now time.Time) {
	for k, e := range m.buckets {
		if now.Sub(e.updatedAt) > bucketTTL {
			delete(m.buckets, k)
		}
	}
}

type memorySecrets struct {
	mu     sync.RWMutex
	nonces []model.NonceConfig
}

func (m *memorySecrets) appendNonce(ctx context.Context, value, source string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces = append(m.nonces, model.NonceConfig{
		Value:     value,
		Version:   int64(len(m.nonces)) + 1,
		CreatedAt: at,
		Source:    source,
	})
	return nil
}

func (m *memorySecrets) listNonces(ctx context.Context) ([]model.NonceConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.NonceConfig, 0, len(m.nonces))
	for i := len(m.nonces) - 1; i >= 0; i-- {
		out = append(out, m.nonces[i])
	}
	return out, nil
}

func (m *memorySecrets) latestNonce(ctx context.Context) (*model.NonceConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.nonces) == 0 {
		return nil, nil
	}
	n := m.nonces[len(m.nonces)-1]
	return &n, nil
}
