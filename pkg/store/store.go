package store

import (
	"context"
	"errors"
	"time"

	"signflow/pkg/domain"
)

var (
	// ErrNotFound indicates the envelope does not exist.
	ErrNotFound = errors.New("envelope not found")
	// ErrVersionConflict indicates a concurrent writer updated the envelope
	// first. The caller should reload and retry.
	ErrVersionConflict = errors.New("envelope version conflict")
)

// ListFilter narrows and pages envelope listings.
type ListFilter struct {
	Status domain.EnvelopeStatus
	Limit  int
	Offset int
}

// Store persists envelope aggregates. An envelope plus its signers, fields,
// and audit trail is the unit of consistency: UpdateEnvelope writes all of it
// atomically and enforces optimistic locking on Envelope.Version, which
// serializes concurrent transitions on the same envelope.
type Store interface {
	CreateEnvelope(ctx context.Context, env *domain.Envelope) error
	GetEnvelope(ctx context.Context, id string) (*domain.Envelope, error)
	GetEnvelopeBySignerToken(ctx context.Context, token string) (*domain.Envelope, error)
	ListEnvelopes(ctx context.Context, ownerID string, filter ListFilter) ([]domain.Envelope, int64, error)
	UpdateEnvelope(ctx context.Context, env *domain.Envelope) error

	// ListAuditTrail replays an envelope's audit events in sequence order.
	ListAuditTrail(ctx context.Context, envelopeID string) ([]domain.AuditEvent, error)

	// ListOverdue returns ids of DRAFT or SENT envelopes whose expiry passed,
	// for the external sweep to flip via the normal transition check.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]string, error)
}
