package domain

import (
	"fmt"
	"time"
)

// EnvelopeParams carries validated-input for a new draft envelope. IDs and
// signer tokens are generated by the caller so the aggregate stays free of
// randomness.
type EnvelopeParams struct {
	ID          string
	OwnerID     string
	Title       string
	Message     string
	DocumentKey string
	SigningMode SigningMode
	PageCount   int
	Signers     []Signer
	Fields      []Field
	ExpiresAt   time.Time
	Now         time.Time
	Actor       Actor
}

// NewEnvelope validates params and returns a DRAFT envelope with its CREATED
// audit event recorded. No persisted mutation happens on validation failure.
func NewEnvelope(p EnvelopeParams) (*Envelope, error) {
	if p.Title == "" {
		return nil, &ValidationError{Field: "title", Reason: "required"}
	}
	if p.DocumentKey == "" {
		return nil, &ValidationError{Field: "documentKey", Reason: "required"}
	}
	switch p.SigningMode {
	case ModeSequential, ModeParallel, ModeSingle:
	default:
		return nil, &ValidationError{Field: "signingMode", Reason: "unknown mode: " + string(p.SigningMode)}
	}
	if err := ValidateRoster(p.Signers, p.SigningMode); err != nil {
		return nil, err
	}
	if err := ValidateFields(p.Fields, p.Signers, p.PageCount); err != nil {
		return nil, err
	}
	if !p.ExpiresAt.After(p.Now) {
		return nil, &ValidationError{Field: "expiresAt", Reason: "must be after creation time"}
	}

	env := &Envelope{
		ID:          p.ID,
		OwnerID:     p.OwnerID,
		Title:       p.Title,
		Message:     p.Message,
		DocumentKey: p.DocumentKey,
		Status:      StatusDraft,
		SigningMode: p.SigningMode,
		PageCount:   p.PageCount,
		Signers:     p.Signers,
		Fields:      p.Fields,
		CreatedAt:   p.Now,
		UpdatedAt:   p.Now,
		ExpiresAt:   p.ExpiresAt,
	}
	env.record(ActionCreated, p.Now, p.Actor, map[string]any{
		"signersCount": len(p.Signers),
		"fieldsCount":  len(p.Fields),
		"signingMode":  string(p.SigningMode),
	})
	return env, nil
}

// record appends an audit event with the next monotonic sequence number.
// Ordering is by Seq, not wall clock, so same-millisecond events never tie.
func (e *Envelope) record(action AuditAction, now time.Time, actor Actor, details map[string]any) {
	e.Audit = append(e.Audit, AuditEvent{
		Seq:       len(e.Audit) + 1,
		Action:    action,
		Timestamp: now,
		UserID:    actor.UserID,
		Email:     actor.Email,
		IP:        actor.IP,
		UserAgent: actor.UserAgent,
		Details:   details,
	})
	e.UpdatedAt = now
}

// sequential reports whether turn ordering applies. SINGLE behaves as a
// one-signer PARALLEL envelope.
func (e *Envelope) sequential() bool {
	return e.SigningMode == ModeSequential
}

// ExpireIfOverdue lazily flips an overdue DRAFT or SENT envelope to EXPIRED.
// It returns true when the transition happened. Callers must persist the
// envelope when it does.
func (e *Envelope) ExpireIfOverdue(now time.Time, actor Actor) bool {
	if e.Status != StatusDraft && e.Status != StatusSent {
		return false
	}
	if !now.After(e.ExpiresAt) {
		return false
	}
	e.Status = StatusExpired
	e.record(ActionExpired, now, actor, map[string]any{"expiresAt": e.ExpiresAt.Format(time.RFC3339)})
	return true
}

// Send transitions DRAFT to SENT. For SEQUENTIAL mode the active turn is then
// derived as the pending signer with the smallest order.
func (e *Envelope) Send(now time.Time, actor Actor) error {
	if e.Status != StatusDraft {
		return invalidTransition(e.Status, "send", "only DRAFT envelopes can be sent")
	}
	if len(e.Signers) == 0 {
		return invalidTransition(e.Status, "send", "envelope has no signers")
	}
	if len(e.Fields) == 0 {
		return invalidTransition(e.Status, "send", "envelope has no fields")
	}
	e.Status = StatusSent
	sentAt := now
	e.SentAt = &sentAt
	details := map[string]any{"signersCount": len(e.Signers)}
	if e.sequential() {
		if order, ok := NextPendingOrder(e.Signers); ok {
			details["awaitingOrder"] = order
		}
	}
	e.record(ActionSent, now, actor, details)
	return nil
}

// CurrentTurn returns the order of the signer whose turn is active. The
// second result is false for non-sequential envelopes or when nobody is
// pending.
func (e *Envelope) CurrentTurn() (int, bool) {
	if !e.sequential() {
		return 0, false
	}
	return NextPendingOrder(e.Signers)
}

// signerTurnActive reports why the signer may not act now, or nil when their
// turn is active.
func (e *Envelope) signerTurnActive(s *Signer) error {
	if e.Status != StatusSent {
		return ErrEnvelopeNotActive
	}
	if s.Status != SignerPending {
		return invalidTransition(e.Status, "sign", fmt.Sprintf("signer %s already %s", s.Email, s.Status))
	}
	if e.sequential() {
		if order, ok := NextPendingOrder(e.Signers); ok && s.Order != order {
			return invalidTransition(e.Status, "sign", fmt.Sprintf("signer order %d must wait for order %d", s.Order, order))
		}
	}
	return nil
}

// RecordViewed appends a VIEWED event for a signer opening their sign link.
func (e *Envelope) RecordViewed(now time.Time, actor Actor) {
	e.record(ActionViewed, now, actor, nil)
}

// RecordLinkCopied appends a LINK_COPIED event for the owner copying a
// signer's link.
func (e *Envelope) RecordLinkCopied(signerEmail string, now time.Time, actor Actor) {
	e.record(ActionLinkCopied, now, actor, map[string]any{"signerEmail": signerEmail})
}

// RecordReminder appends a REMINDER_SENT event.
func (e *Envelope) RecordReminder(now time.Time, actor Actor, details map[string]any) {
	e.record(ActionReminderSent, now, actor, details)
}

// CompleteField fills a field value on behalf of the acting signer. It fails
// with ErrNotAssignee when the actor does not own the field and with
// ErrEnvelopeNotActive (or InvalidTransitionError) when the signer's turn is
// not active. It mutates nothing on failure.
func (e *Envelope) CompleteField(fieldID, value string, now time.Time, actor Actor) error {
	signer := SignerByEmail(e.Signers, actor.Email)
	if signer == nil {
		return ErrSignerNotFound
	}
	if err := e.signerTurnActive(signer); err != nil {
		return err
	}
	for i := range e.Fields {
		if e.Fields[i].ID != fieldID {
			continue
		}
		if NormalizeEmail(e.Fields[i].AssigneeEmail) != NormalizeEmail(actor.Email) {
			return ErrNotAssignee
		}
		completedAt := now
		e.Fields[i].Value = value
		e.Fields[i].CompletedAt = &completedAt
		e.UpdatedAt = now
		return nil
	}
	return ErrFieldNotFound
}

// Sign marks the acting signer SIGNED. The signer's turn must be active and
// all their required fields completed. For SEQUENTIAL envelopes this advances
// the turn to the next pending order.
func (e *Envelope) Sign(now time.Time, actor Actor) error {
	signer := SignerByEmail(e.Signers, actor.Email)
	if signer == nil {
		return ErrSignerNotFound
	}
	if err := e.signerTurnActive(signer); err != nil {
		return err
	}
	if !RequiredFieldsComplete(e.Fields, signer.Email) {
		return invalidTransition(e.Status, "sign", "required fields not completed")
	}
	signedAt := now
	signer.Status = SignerSigned
	signer.SignedAt = &signedAt
	signer.IP = actor.IP
	signer.UserAgent = actor.UserAgent
	details := map[string]any{"order": signer.Order}
	if e.sequential() {
		if order, ok := NextPendingOrder(e.Signers); ok {
			details["awaitingOrder"] = order
		}
	}
	e.record(ActionSigned, now, actor, details)
	return nil
}

// AllSigned reports whether every signer has reached SIGNED.
func (e *Envelope) AllSigned() bool {
	return AllSigned(e.Signers)
}

// Decline moves the envelope to terminal DECLINED on behalf of the acting
// signer. Any pending signer may decline at any point before completion,
// regardless of turn.
func (e *Envelope) Decline(reason string, now time.Time, actor Actor) error {
	if e.Status.Terminal() {
		return invalidTransition(e.Status, "decline", "envelope is terminal")
	}
	if e.Status != StatusSent {
		return invalidTransition(e.Status, "decline", "envelope not sent")
	}
	signer := SignerByEmail(e.Signers, actor.Email)
	if signer == nil {
		return ErrSignerNotFound
	}
	if signer.Status != SignerPending {
		return invalidTransition(e.Status, "decline", fmt.Sprintf("signer %s already %s", signer.Email, signer.Status))
	}
	declinedAt := now
	signer.Status = SignerDeclined
	signer.DeclinedAt = &declinedAt
	signer.DeclineReason = reason
	signer.IP = actor.IP
	signer.UserAgent = actor.UserAgent
	e.Status = StatusDeclined
	e.record(ActionDeclined, now, actor, map[string]any{"reason": reason})
	return nil
}

// Void cancels the envelope. Legal from DRAFT or SENT, never from terminal
// states.
func (e *Envelope) Void(reason string, now time.Time, actor Actor) error {
	if e.Status.Terminal() {
		return invalidTransition(e.Status, "void", "envelope is terminal")
	}
	if reason == "" {
		reason = "voided by owner"
	}
	voidedAt := now
	e.Status = StatusVoided
	e.VoidedAt = &voidedAt
	e.VoidReason = reason
	e.record(ActionVoided, now, actor, map[string]any{"reason": reason})
	return nil
}

// RecordSealFailure appends a SEAL_FAILED event for one failed sealing
// attempt. The envelope stays in its active state.
func (e *Envelope) RecordSealFailure(attempt int, cause string, now time.Time, actor Actor) {
	e.record(ActionSealFailed, now, actor, map[string]any{
		"attempt": attempt,
		"error":   cause,
	})
}

// MarkCompleted stores the sealed artifact reference and transitions to
// COMPLETED. It is the only path to COMPLETED, so a completed envelope always
// has a sealed document.
func (e *Envelope) MarkCompleted(ref SealedDocumentRef, now time.Time, actor Actor) error {
	if e.Status != StatusSent {
		return invalidTransition(e.Status, "complete", "envelope not active")
	}
	if !e.AllSigned() {
		return invalidTransition(e.Status, "complete", "not all signers have signed")
	}
	if ref.Key == "" {
		return invalidTransition(e.Status, "complete", "sealed document reference missing")
	}
	completedAt := now
	e.SealedKey = ref.Key
	e.SealedHash = ref.SHA256
	e.Status = StatusCompleted
	e.CompletedAt = &completedAt
	e.record(ActionPDFSealed, now, actor, map[string]any{"sealedKey": ref.Key, "sha256": ref.SHA256})
	e.record(ActionCompleted, now, actor, map[string]any{"totalSigners": len(e.Signers)})
	return nil
}

// NextAction is a legal operation the machine exposes for an actor, so the UI
// can render state instead of tracking its own transition logic.
type NextAction string

const (
	NextSend    NextAction = "send"
	NextRemind  NextAction = "remind"
	NextVoid    NextAction = "void"
	NextSign    NextAction = "sign"
	NextDecline NextAction = "decline"
	NextSeal    NextAction = "seal"
)

// NextActions returns the legal action set for an actor. An empty signerEmail
// means the owner is asking.
func (e *Envelope) NextActions(signerEmail string) []NextAction {
	if e.Status.Terminal() {
		return nil
	}
	if signerEmail == "" {
		switch e.Status {
		case StatusDraft:
			return []NextAction{NextSend, NextVoid}
		case StatusSent:
			actions := []NextAction{NextRemind, NextVoid}
			if e.AllSigned() && e.SealedKey == "" {
				actions = append(actions, NextSeal)
			}
			return actions
		}
		return nil
	}
	signer := SignerByEmail(e.Signers, signerEmail)
	if signer == nil {
		return nil
	}
	if err := e.signerTurnActive(signer); err != nil {
		if e.Status == StatusSent && signer.Status == SignerPending {
			// waiting for an earlier turn; declining is still legal
			return []NextAction{NextDecline}
		}
		return nil
	}
	return []NextAction{NextSign, NextDecline}
}
