package domain

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testRect() NormalizedRect {
	return NormalizedRect{X: 0.1, Y: 0.8, Width: 0.3, Height: 0.05}
}

func testParams(mode SigningMode, signers []Signer, fields []Field) EnvelopeParams {
	return EnvelopeParams{
		ID:          "env-1",
		OwnerID:     "owner-1",
		Title:       "NDA",
		DocumentKey: "docs/env-1.pdf",
		SigningMode: mode,
		PageCount:   3,
		Signers:     signers,
		Fields:      fields,
		ExpiresAt:   t0.Add(14 * 24 * time.Hour),
		Now:         t0,
		Actor:       Actor{UserID: "owner-1", Email: "owner@example.com"},
	}
}

func sigField(id, email string) Field {
	return Field{ID: id, AssigneeEmail: email, Type: FieldSignature, Page: 1, Rect: testRect(), Required: true}
}

func sequentialEnvelope(t *testing.T) *Envelope {
	t.Helper()
	env, err := NewEnvelope(testParams(ModeSequential,
		[]Signer{signer("a@example.com", 1), signer("b@example.com", 2)},
		[]Field{sigField("f-a", "a@example.com"), sigField("f-b", "b@example.com")},
	))
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func signAs(t *testing.T, env *Envelope, email, fieldID string, now time.Time) {
	t.Helper()
	actor := Actor{Email: email, IP: "203.0.113.7"}
	if err := env.CompleteField(fieldID, "sig-data", now, actor); err != nil {
		t.Fatalf("complete field %s as %s: %v", fieldID, email, err)
	}
	if err := env.Sign(now, actor); err != nil {
		t.Fatalf("sign as %s: %v", email, err)
	}
}

func TestNewEnvelopeValidation(t *testing.T) {
	// out-of-bounds rect is rejected before any mutation
	p := testParams(ModeParallel,
		[]Signer{signer("a@example.com", 1)},
		[]Field{{ID: "f", AssigneeEmail: "a@example.com", Type: FieldSignature, Page: 1,
			Rect: NormalizedRect{X: 0.5, Y: 0.5, Width: 0.6, Height: 0.1}, Required: true}},
	)
	if _, err := NewEnvelope(p); !IsValidation(err) {
		t.Fatalf("expected validation error for oversized rect, got %v", err)
	}

	p = testParams(ModeParallel,
		[]Signer{signer("a@example.com", 1)},
		[]Field{{ID: "f", AssigneeEmail: "a@example.com", Type: FieldSignature, Page: 9,
			Rect: testRect(), Required: true}},
	)
	if _, err := NewEnvelope(p); !IsValidation(err) {
		t.Fatalf("expected validation error for page beyond document, got %v", err)
	}

	p = testParams(ModeParallel,
		[]Signer{signer("a@example.com", 1)},
		[]Field{sigField("f", "stranger@example.com")},
	)
	if _, err := NewEnvelope(p); !IsValidation(err) {
		t.Fatalf("expected validation error for unknown assignee, got %v", err)
	}

	p = testParams(ModeParallel, []Signer{signer("a@example.com", 1)}, []Field{sigField("f", "a@example.com")})
	p.ExpiresAt = t0.Add(-time.Hour)
	if _, err := NewEnvelope(p); !IsValidation(err) {
		t.Fatalf("expected validation error for past expiry, got %v", err)
	}

	env, err := NewEnvelope(testParams(ModeParallel, []Signer{signer("a@example.com", 1)}, []Field{sigField("f", "a@example.com")}))
	if err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
	if env.Status != StatusDraft {
		t.Fatalf("new envelope status = %s, want DRAFT", env.Status)
	}
	if len(env.Audit) != 1 || env.Audit[0].Action != ActionCreated {
		t.Fatalf("expected single CREATED audit event, got %+v", env.Audit)
	}
}

func TestSequentialSigningFlow(t *testing.T) {
	env := sequentialEnvelope(t)

	if err := env.Send(t0, Actor{UserID: "owner-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if env.Status != StatusSent || env.SentAt == nil {
		t.Fatalf("send did not transition: status=%s sentAt=%v", env.Status, env.SentAt)
	}
	if order, ok := env.CurrentTurn(); !ok || order != 1 {
		t.Fatalf("expected turn order 1, got %d ok=%v", order, ok)
	}

	// B may not act before A
	bActor := Actor{Email: "b@example.com"}
	if err := env.Sign(t0.Add(time.Minute), bActor); !IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransition for out-of-turn sign, got %v", err)
	}
	if err := env.CompleteField("f-b", "x", t0.Add(time.Minute), bActor); !IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransition for out-of-turn field completion, got %v", err)
	}

	signAs(t, env, "a@example.com", "f-a", t0.Add(2*time.Minute))
	if order, ok := env.CurrentTurn(); !ok || order != 2 {
		t.Fatalf("turn did not advance to 2: %d ok=%v", order, ok)
	}
	// ordering invariant: once order 2 may act, order 1 is SIGNED
	if env.Signers[0].Status != SignerSigned {
		t.Fatalf("signer 1 not SIGNED after their turn")
	}

	signAs(t, env, "b@example.com", "f-b", t0.Add(3*time.Minute))
	if !env.AllSigned() {
		t.Fatalf("all signers signed not detected")
	}
	// still SENT until sealing succeeds
	if env.Status != StatusSent {
		t.Fatalf("status = %s before sealing, want SENT", env.Status)
	}

	ref := SealedDocumentRef{Key: "docs/env-1-sealed.pdf", SHA256: "abc123"}
	if err := env.MarkCompleted(ref, t0.Add(4*time.Minute), Actor{}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if env.Status != StatusCompleted || env.CompletedAt == nil || env.SealedKey != ref.Key {
		t.Fatalf("completion state wrong: %+v", env)
	}
}

func TestSignRequiresCompletedRequiredFields(t *testing.T) {
	env := sequentialEnvelope(t)
	if err := env.Send(t0, Actor{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := env.Sign(t0.Add(time.Minute), Actor{Email: "a@example.com"}); !IsInvalidTransition(err) {
		t.Fatalf("expected InvalidTransition when required field incomplete, got %v", err)
	}
}

func TestParallelDecline(t *testing.T) {
	env, err := NewEnvelope(testParams(ModeParallel,
		[]Signer{signer("a@example.com", 1), signer("b@example.com", 2)},
		[]Field{sigField("f-a", "a@example.com"), sigField("f-b", "b@example.com")},
	))
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := env.Send(t0, Actor{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	// parallel mode has no derived turn
	if _, ok := env.CurrentTurn(); ok {
		t.Fatalf("parallel envelope reported a sequential turn")
	}

	if err := env.Decline("wrong document", t0.Add(time.Minute), Actor{Email: "b@example.com"}); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if env.Status != StatusDeclined {
		t.Fatalf("status = %s after decline, want DECLINED", env.Status)
	}
	b := SignerByEmail(env.Signers, "b@example.com")
	if b.Status != SignerDeclined || b.DeclineReason != "wrong document" {
		t.Fatalf("decline not recorded on signer: %+v", b)
	}

	// A's subsequent sign attempt fails and mutates nothing
	before := len(env.Audit)
	err = env.Sign(t0.Add(2*time.Minute), Actor{Email: "a@example.com"})
	if !errors.Is(err, ErrEnvelopeNotActive) {
		t.Fatalf("expected ErrEnvelopeNotActive after decline, got %v", err)
	}
	if len(env.Audit) != before {
		t.Fatalf("failed sign attempt mutated the audit trail")
	}
	if SignerByEmail(env.Signers, "a@example.com").Status != SignerPending {
		t.Fatalf("failed sign attempt mutated signer status")
	}
}

func TestTerminalIdempotence(t *testing.T) {
	env := sequentialEnvelope(t)
	if err := env.Send(t0, Actor{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := env.Void("changed my mind", t0.Add(time.Minute), Actor{UserID: "owner-1"}); err != nil {
		t.Fatalf("void: %v", err)
	}

	snapshot := len(env.Audit)
	if err := env.Void("again", t0.Add(2*time.Minute), Actor{}); !IsInvalidTransition(err) {
		t.Fatalf("void on terminal: expected InvalidTransition, got %v", err)
	}
	if err := env.Decline("nah", t0.Add(2*time.Minute), Actor{Email: "a@example.com"}); !IsInvalidTransition(err) {
		t.Fatalf("decline on terminal: expected InvalidTransition, got %v", err)
	}
	if err := env.Send(t0.Add(2*time.Minute), Actor{}); !IsInvalidTransition(err) {
		t.Fatalf("send on terminal: expected InvalidTransition, got %v", err)
	}
	if len(env.Audit) != snapshot || env.Status != StatusVoided {
		t.Fatalf("terminal envelope mutated by rejected transitions")
	}
}

func TestLazyExpiry(t *testing.T) {
	env := sequentialEnvelope(t)
	if err := env.Send(t0, Actor{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	late := env.ExpiresAt.Add(time.Hour)
	if !env.ExpireIfOverdue(late, Actor{}) {
		t.Fatalf("overdue envelope not expired")
	}
	if env.Status != StatusExpired {
		t.Fatalf("status = %s, want EXPIRED", env.Status)
	}
	// second check is a no-op
	if env.ExpireIfOverdue(late.Add(time.Hour), Actor{}) {
		t.Fatalf("expiry flipped twice")
	}
	if err := env.Sign(late, Actor{Email: "a@example.com"}); !errors.Is(err, ErrEnvelopeNotActive) {
		t.Fatalf("sign after expiry: expected ErrEnvelopeNotActive, got %v", err)
	}
}

func TestExpiryNotBeforeDeadline(t *testing.T) {
	env := sequentialEnvelope(t)
	if env.ExpireIfOverdue(env.ExpiresAt, Actor{}) {
		t.Fatalf("expired exactly at deadline; expiry requires now > expiresAt")
	}
}

func TestCompleteFieldAuthorization(t *testing.T) {
	env := sequentialEnvelope(t)
	if err := env.Send(t0, Actor{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	// A completing B's field
	err := env.CompleteField("f-b", "forged", t0.Add(time.Minute), Actor{Email: "a@example.com"})
	if !errors.Is(err, ErrNotAssignee) {
		t.Fatalf("expected ErrNotAssignee, got %v", err)
	}
	if env.Fields[1].Value != "" {
		t.Fatalf("rejected completion mutated the field")
	}

	err = env.CompleteField("f-a", "x", t0.Add(time.Minute), Actor{Email: "stranger@example.com"})
	if !errors.Is(err, ErrSignerNotFound) {
		t.Fatalf("expected ErrSignerNotFound, got %v", err)
	}

	err = env.CompleteField("missing", "x", t0.Add(time.Minute), Actor{Email: "a@example.com"})
	if !errors.Is(err, ErrFieldNotFound) {
		t.Fatalf("expected ErrFieldNotFound, got %v", err)
	}
}

func TestCompleteFieldRejectedOnDraft(t *testing.T) {
	env := sequentialEnvelope(t)
	err := env.CompleteField("f-a", "x", t0.Add(time.Minute), Actor{Email: "a@example.com"})
	if !errors.Is(err, ErrEnvelopeNotActive) {
		t.Fatalf("expected ErrEnvelopeNotActive on DRAFT, got %v", err)
	}
}

func TestMarkCompletedGuards(t *testing.T) {
	env := sequentialEnvelope(t)
	if err := env.Send(t0, Actor{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	ref := SealedDocumentRef{Key: "sealed.pdf"}
	if err := env.MarkCompleted(ref, t0, Actor{}); !IsInvalidTransition(err) {
		t.Fatalf("completion before all signed: expected InvalidTransition, got %v", err)
	}

	signAs(t, env, "a@example.com", "f-a", t0.Add(time.Minute))
	signAs(t, env, "b@example.com", "f-b", t0.Add(2*time.Minute))
	if err := env.MarkCompleted(SealedDocumentRef{}, t0.Add(3*time.Minute), Actor{}); !IsInvalidTransition(err) {
		t.Fatalf("completion without sealed ref: expected InvalidTransition, got %v", err)
	}
}

func TestAuditCompleteness(t *testing.T) {
	env := sequentialEnvelope(t)
	_ = env.Send(t0, Actor{UserID: "owner-1"})
	signAs(t, env, "a@example.com", "f-a", t0.Add(time.Minute))
	signAs(t, env, "b@example.com", "f-b", t0.Add(2*time.Minute))
	_ = env.MarkCompleted(SealedDocumentRef{Key: "s.pdf", SHA256: "h"}, t0.Add(3*time.Minute), Actor{})

	want := []AuditAction{ActionCreated, ActionSent, ActionSigned, ActionSigned, ActionPDFSealed, ActionCompleted}
	if len(env.Audit) != len(want) {
		t.Fatalf("audit length = %d, want %d: %+v", len(env.Audit), len(want), env.Audit)
	}
	for i, ev := range env.Audit {
		if ev.Action != want[i] {
			t.Fatalf("audit[%d] = %s, want %s", i, ev.Action, want[i])
		}
		if ev.Seq != i+1 {
			t.Fatalf("audit[%d] seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
}

func TestNextActions(t *testing.T) {
	env := sequentialEnvelope(t)

	owner := env.NextActions("")
	if len(owner) != 2 || owner[0] != NextSend {
		t.Fatalf("draft owner actions = %v", owner)
	}
	if got := env.NextActions("a@example.com"); got != nil {
		t.Fatalf("draft signer actions = %v, want none", got)
	}

	_ = env.Send(t0, Actor{})
	if got := env.NextActions("a@example.com"); len(got) != 2 || got[0] != NextSign {
		t.Fatalf("active signer actions = %v", got)
	}
	// out of turn: decline only
	if got := env.NextActions("b@example.com"); len(got) != 1 || got[0] != NextDecline {
		t.Fatalf("waiting signer actions = %v", got)
	}

	_ = env.Void("", t0.Add(time.Minute), Actor{})
	if got := env.NextActions(""); got != nil {
		t.Fatalf("terminal actions = %v, want none", got)
	}
}

func TestSingleModeBehavesAsOneSignerParallel(t *testing.T) {
	env, err := NewEnvelope(testParams(ModeSingle,
		[]Signer{signer("solo@example.com", 1)},
		[]Field{sigField("f", "solo@example.com")},
	))
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := env.Send(t0, Actor{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, ok := env.CurrentTurn(); ok {
		t.Fatalf("SINGLE mode must not derive sequential turns")
	}
	signAs(t, env, "solo@example.com", "f", t0.Add(time.Minute))
	if !env.AllSigned() {
		t.Fatalf("single signer envelope not all-signed after signing")
	}
}
