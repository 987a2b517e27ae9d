package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"signflow/pkg/domain"
)

// MemoryStore keeps envelope aggregates in-process. Used by tests and local
// runs without Postgres. Copy-in/copy-out plus the version check give the
// same one-writer-per-envelope semantics as the DB-backed store.
type MemoryStore struct {
	mu        sync.RWMutex
	envelopes map[string]*domain.Envelope
	byToken   map[string]string // signer token -> envelope ID
	order     []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		envelopes: make(map[string]*domain.Envelope),
		byToken:   make(map[string]string),
	}
}

// CreateEnvelope stores a new aggregate.
func (m *MemoryStore) CreateEnvelope(_ context.Context, env *domain.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	env.Version = 1
	cp := cloneEnvelope(env)
	m.envelopes[env.ID] = cp
	m.order = append(m.order, env.ID)
	for _, s := range cp.Signers {
		m.byToken[s.Token] = cp.ID
	}
	return nil
}

// GetEnvelope returns a copy of the aggregate.
func (m *MemoryStore) GetEnvelope(_ context.Context, id string) (*domain.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.envelopes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEnvelope(env), nil
}

// GetEnvelopeBySignerToken resolves a signer magic-link token.
func (m *MemoryStore) GetEnvelopeBySignerToken(_ context.Context, token string) (*domain.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrNotFound
	}
	env, ok := m.envelopes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEnvelope(env), nil
}

// ListEnvelopes returns the owner's envelopes, newest first.
func (m *MemoryStore) ListEnvelopes(_ context.Context, ownerID string, filter ListFilter) ([]domain.Envelope, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]domain.Envelope, 0)
	for _, id := range m.order {
		env := m.envelopes[id]
		if env.OwnerID != ownerID {
			continue
		}
		if filter.Status != "" && env.Status != filter.Status {
			continue
		}
		matched = append(matched, *cloneEnvelope(env))
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := int64(len(matched))
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if filter.Offset >= len(matched) {
		return nil, total, nil
	}
	end := filter.Offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[filter.Offset:end], total, nil
}

// UpdateEnvelope replaces the aggregate when the caller's version matches.
func (m *MemoryStore) UpdateEnvelope(_ context.Context, env *domain.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.envelopes[env.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != env.Version {
		return ErrVersionConflict
	}
	env.Version++
	for _, s := range current.Signers {
		delete(m.byToken, s.Token)
	}
	cp := cloneEnvelope(env)
	m.envelopes[env.ID] = cp
	for _, s := range cp.Signers {
		m.byToken[s.Token] = cp.ID
	}
	return nil
}

// ListAuditTrail replays audit events in sequence order.
func (m *MemoryStore) ListAuditTrail(_ context.Context, envelopeID string) ([]domain.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.envelopes[envelopeID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]domain.AuditEvent, len(env.Audit))
	copy(out, env.Audit)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ListOverdue returns ids of active envelopes whose expiry has passed.
func (m *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	ids := make([]string, 0)
	for _, id := range m.order {
		env := m.envelopes[id]
		if env.Status != domain.StatusDraft && env.Status != domain.StatusSent {
			continue
		}
		if now.After(env.ExpiresAt) {
			ids = append(ids, id)
		}
		if len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

func cloneEnvelope(env *domain.Envelope) *domain.Envelope {
	cp := *env
	cp.Signers = append([]domain.Signer(nil), env.Signers...)
	cp.Fields = append([]domain.Field(nil), env.Fields...)
	cp.Audit = append([]domain.AuditEvent(nil), env.Audit...)
	return &cp
}
