package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"signflow/internal/ratelimit"
	"signflow/pkg/domain"
	"signflow/pkg/notify"
)

func TestRemindPendingNotifiesActiveSigners(t *testing.T) {
	te := newTestApp(t)
	ctx := context.Background()
	env := mustCreate(t, te, createParams(domain.ModeSequential, "a@example.com", "b@example.com"))
	mustSend(t, te, env.ID)

	if _, err := te.app.RemindPending(ctx, env.ID, testOwner); err != nil {
		t.Fatalf("remind: %v", err)
	}
	reminders := te.events.byKind(notify.EventReminder)
	if len(reminders) != 1 || reminders[0].RecipientEmail != "a@example.com" {
		t.Fatalf("reminders = %+v, want exactly one to the active signer", reminders)
	}
	trail, _ := te.app.AuditTrail(ctx, env.ID, testOwner)
	last := trail[len(trail)-1]
	if last.Action != domain.ActionReminderSent {
		t.Fatalf("last audit action = %s, want REMINDER_SENT", last.Action)
	}
}

func TestRemindPendingRejectsDraft(t *testing.T) {
	te := newTestApp(t)
	env := mustCreate(t, te, createParams(domain.ModeParallel, "a@example.com"))
	if _, err := te.app.RemindPending(context.Background(), env.ID, testOwner); !errors.Is(err, domain.ErrEnvelopeNotActive) {
		t.Fatalf("expected ErrEnvelopeNotActive, got %v", err)
	}
}

func TestRemindPendingThrottled(t *testing.T) {
	te := newTestApp(t)
	redisSrv := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redisSrv.Addr(), "", "test:reminders", 1, time.Hour)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	te.app.reminders = limiter

	ctx := context.Background()
	env := mustCreate(t, te, createParams(domain.ModeParallel, "a@example.com"))
	mustSend(t, te, env.ID)

	if _, err := te.app.RemindPending(ctx, env.ID, testOwner); err != nil {
		t.Fatalf("first remind: %v", err)
	}
	if _, err := te.app.RemindPending(ctx, env.ID, testOwner); !errors.Is(err, ErrReminderThrottled) {
		t.Fatalf("expected ErrReminderThrottled, got %v", err)
	}
}
