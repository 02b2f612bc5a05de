package telemetry

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buyrs/BM-sub005/internal/domain"
	"github.com/buyrs/BM-sub005/internal/events"
)

var (
	once sync.Once

	LifecycleTransitions  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bm_lifecycle_transitions_total", Help: "Tenancy status changes"}, []string{"from", "to"})
	IncidentsOpened       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bm_incidents_opened_total", Help: "Incident reports created"}, []string{"type", "severity"})
	ActionsCreated        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bm_corrective_actions_created_total", Help: "Corrective actions created"}, []string{"priority"})
	NotificationsQueued   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bm_notifications_scheduled_total", Help: "Notifications created"}, []string{"type"})
	NotificationsCanceled = prometheus.NewCounter(prometheus.CounterOpts{Name: "bm_notifications_cancelled_total", Help: "Pending notifications cancelled"})
	NotificationsSent     = prometheus.NewCounter(prometheus.CounterOpts{Name: "bm_notifications_sent_total", Help: "Notifications marked sent"})
	DeliveryFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "bm_notification_delivery_failures_total", Help: "Failed delivery attempts"})
	SignaturesCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bm_signatures_completed_total", Help: "Invitations completed"})
	WorkflowsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bm_signature_workflows_completed_total", Help: "Signature workflows with all required steps signed"})
	SweepDuration         = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "bm_sweep_duration_seconds", Help: "Duration of the background sweep", Buckets: prometheus.DefBuckets})
)

func register() {
	once.Do(func() {
		prometheus.MustRegister(
			LifecycleTransitions,
			IncidentsOpened,
			ActionsCreated,
			NotificationsQueued,
			NotificationsCanceled,
			NotificationsSent,
			DeliveryFailures,
			SignaturesCompleted,
			WorkflowsCompleted,
			SweepDuration,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}

// Subscribe feeds journal events into the counters.
func Subscribe(bus *events.Bus) {
	register()
	bus.Subscribe("", events.HandlerFunc{Name: "telemetry", Fn: Observe})
}

// Observe updates counters for one committed event.
func Observe(_ context.Context, evt domain.Event) error {
	str := func(k string) string {
		if v, ok := evt.Payload[k].(string); ok {
			return v
		}
		return ""
	}
	switch evt.Type {
	case events.BailStatusChanged:
		LifecycleTransitions.WithLabelValues(str("from"), str("to")).Inc()
	case events.IncidentOpened:
		IncidentsOpened.WithLabelValues(str("type"), str("severity")).Inc()
	case events.ActionCreated:
		ActionsCreated.WithLabelValues(str("priority")).Inc()
	case events.NotificationScheduled:
		NotificationsQueued.WithLabelValues(str("type")).Inc()
	case events.NotificationsCancelled:
		if n, ok := evt.Payload["count"].(int64); ok {
			NotificationsCanceled.Add(float64(n))
		}
	case events.NotificationSent:
		NotificationsSent.Inc()
	case events.SignatureCompleted:
		SignaturesCompleted.Inc()
	case events.SignatureWorkflowDone:
		WorkflowsCompleted.Inc()
	}
	return nil
}
