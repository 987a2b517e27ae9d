package notify

import (
	"context"
	"sync"
	"testing"
	"time"
)

// Recorder captures published events for assertions.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, ev)
	return nil
}

// Kinds returns the recorded event kinds in publish order.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.Events))
	for _, ev := range r.Events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func TestRecorderCollectsEvents(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()
	if err := rec.Publish(ctx, Event{Kind: EventInvitation, EnvelopeID: "env-1", RecipientEmail: "a@example.com"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := rec.Publish(ctx, Event{Kind: EventSigned, EnvelopeID: "env-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	kinds := rec.Kinds()
	if len(kinds) != 2 || kinds[0] != EventInvitation || kinds[1] != EventSigned {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
}

func TestNopNotifier(t *testing.T) {
	var n NopNotifier
	if err := n.Publish(context.Background(), Event{Kind: EventCompleted, OccurredAt: time.Now()}); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
}
