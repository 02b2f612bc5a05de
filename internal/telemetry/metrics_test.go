package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/buyrs/BM-sub005/internal/domain"
	"github.com/buyrs/BM-sub005/internal/events"
)

func TestObserveCountsTransitions(t *testing.T) {
	bus := events.NewBus(nil)
	Subscribe(bus)
	before := testutil.ToFloat64(LifecycleTransitions.WithLabelValues("in_progress", "incident"))

	bus.Publish(context.Background(), domain.Event{
		Type:    events.BailStatusChanged,
		Payload: map[string]any{"from": "in_progress", "to": "incident"},
	})

	after := testutil.ToFloat64(LifecycleTransitions.WithLabelValues("in_progress", "incident"))
	if after-before != 1 {
		t.Fatalf("expected one transition, got %v", after-before)
	}
}

func TestObserveCancelledCount(t *testing.T) {
	before := testutil.ToFloat64(NotificationsCanceled)
	if err := Observe(context.Background(), domain.Event{Type: events.NotificationsCancelled, Payload: map[string]any{"count": int64(2)}}); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(NotificationsCanceled) - before; got != 2 {
		t.Fatalf("expected 2, got %v", got)
	}
}
