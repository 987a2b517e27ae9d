package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"signflow/pkg/domain"
)

func draftEnvelope(t *testing.T, id string) *domain.Envelope {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env, err := domain.NewEnvelope(domain.EnvelopeParams{
		ID:          id,
		OwnerID:     "owner-1",
		Title:       "Lease",
		DocumentKey: "docs/" + id + ".pdf",
		SigningMode: domain.ModeParallel,
		PageCount:   2,
		Signers: []domain.Signer{{
			ID: "s-1", Email: "a@example.com", Name: "A", Role: domain.RoleRecipient,
			Order: 1, Status: domain.SignerPending, Token: "tok-" + id, TokenExpires: now.Add(time.Hour),
		}},
		Fields: []domain.Field{{
			ID: "f-1", AssigneeEmail: "a@example.com", Type: domain.FieldSignature, Page: 1,
			Rect: domain.NormalizedRect{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.05}, Required: true,
		}},
		ExpiresAt: now.Add(24 * time.Hour),
		Now:       now,
	})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func TestMemoryStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	env := draftEnvelope(t, "env-1")

	if err := s.CreateEnvelope(ctx, env); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetEnvelope(ctx, "env-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Lease" || len(got.Signers) != 1 || len(got.Audit) != 1 {
		t.Fatalf("aggregate not loaded fully: %+v", got)
	}

	byToken, err := s.GetEnvelopeBySignerToken(ctx, "tok-env-1")
	if err != nil || byToken.ID != "env-1" {
		t.Fatalf("token lookup: %v %+v", err, byToken)
	}

	if _, err := s.GetEnvelope(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreVersionConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	env := draftEnvelope(t, "env-1")
	if err := s.CreateEnvelope(ctx, env); err != nil {
		t.Fatalf("create: %v", err)
	}

	// two readers load the same version
	first, _ := s.GetEnvelope(ctx, "env-1")
	second, _ := s.GetEnvelope(ctx, "env-1")

	if err := first.Send(time.Now().UTC(), domain.Actor{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.UpdateEnvelope(ctx, first); err != nil {
		t.Fatalf("first update: %v", err)
	}

	if err := second.Send(time.Now().UTC(), domain.Actor{}); err != nil {
		t.Fatalf("send second copy: %v", err)
	}
	if err := s.UpdateEnvelope(ctx, second); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict for stale writer, got %v", err)
	}

	// stored state reflects only the first writer
	got, _ := s.GetEnvelope(ctx, "env-1")
	if got.Version != 2 || got.Status != domain.StatusSent {
		t.Fatalf("unexpected stored state: version=%d status=%s", got.Version, got.Status)
	}
}

func TestMemoryStoreAuditReplayOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	env := draftEnvelope(t, "env-1")
	if err := s.CreateEnvelope(ctx, env); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC()
	cur, _ := s.GetEnvelope(ctx, "env-1")
	_ = cur.Send(now, domain.Actor{})
	actor := domain.Actor{Email: "a@example.com"}
	if err := cur.CompleteField("f-1", "sig", now, actor); err != nil {
		t.Fatalf("complete field: %v", err)
	}
	if err := cur.Sign(now, actor); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := s.UpdateEnvelope(ctx, cur); err != nil {
		t.Fatalf("update: %v", err)
	}

	trail, err := s.ListAuditTrail(ctx, "env-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	want := []domain.AuditAction{domain.ActionCreated, domain.ActionSent, domain.ActionSigned}
	if len(trail) != len(want) {
		t.Fatalf("trail length = %d, want %d", len(trail), len(want))
	}
	for i, ev := range trail {
		if ev.Action != want[i] || ev.Seq != i+1 {
			t.Fatalf("trail[%d] = %s seq=%d, want %s seq=%d", i, ev.Action, ev.Seq, want[i], i+1)
		}
	}
}

func TestMemoryStoreListAndOverdue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"env-1", "env-2"} {
		env := draftEnvelope(t, id)
		if err := s.CreateEnvelope(ctx, env); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	list, total, err := s.ListEnvelopes(ctx, "owner-1", ListFilter{})
	if err != nil || total != 2 || len(list) != 2 {
		t.Fatalf("list: err=%v total=%d len=%d", err, total, len(list))
	}
	list, _, err = s.ListEnvelopes(ctx, "owner-1", ListFilter{Status: domain.StatusSent})
	if err != nil || len(list) != 0 {
		t.Fatalf("status filter leaked drafts: %v %d", err, len(list))
	}
	if _, total, _ := s.ListEnvelopes(ctx, "other-owner", ListFilter{}); total != 0 {
		t.Fatalf("owner isolation broken")
	}

	farFuture := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ids, err := s.ListOverdue(ctx, farFuture, 10)
	if err != nil || len(ids) != 2 {
		t.Fatalf("overdue: err=%v ids=%v", err, ids)
	}
	if ids, _ := s.ListOverdue(ctx, time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), 10); len(ids) != 0 {
		t.Fatalf("not-yet-due envelopes reported overdue: %v", ids)
	}
}
