// Package notify persists reminders and alerts and hands them to delivery
// channels. Rows follow pending -> {sent, cancelled}; delivery outcome is
// tracked separately so a failed mailer never reopens a sent row.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/buyrs/BM-sub005/internal/domain"
	"github.com/buyrs/BM-sub005/internal/events"
	"github.com/buyrs/BM-sub005/internal/repo"
	"github.com/buyrs/BM-sub005/internal/telemetry"
)

const (
	DefaultReminderDays  = 10
	defaultBatch         = 100
	defaultMaxAttempts   = 5
	defaultDispatchLease = 10 * time.Minute
)

// Scheduler owns the notifications table.
type Scheduler struct {
	Repo         repo.Repo
	Events       events.Writer
	Bus          *events.Bus
	Dispatcher   Dispatcher
	Logger       *slog.Logger
	Now          func() time.Time
	ReminderDays int
	BatchSize    int
	MaxAttempts  int
	// DispatchLease is how long a row may sit in dispatching before a
	// retry sweep assumes the delivering process died.
	DispatchLease time.Duration
}

func (s Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ReminderDate is the day an exit reminder fires for a tenancy.
func (s Scheduler) ReminderDate(bm domain.BailMobilite) (time.Time, error) {
	end, err := bm.End()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: end_date %q", domain.ErrInvalid, bm.EndDate)
	}
	days := s.ReminderDays
	if days <= 0 {
		days = DefaultReminderDays
	}
	return end.AddDate(0, 0, -days), nil
}

// ScheduleExitReminder queues one pending EXIT_REMINDER for the ops user.
// A date already in the past is still queued and fires on the next sweep.
func (s Scheduler) ScheduleExitReminder(ctx context.Context, tx *events.Tx, bm domain.BailMobilite, opsUserID, actorID string) (domain.Notification, error) {
	at, err := s.ReminderDate(bm)
	if err != nil {
		return domain.Notification{}, err
	}
	data := domain.NotificationData{
		Version:   domain.NotificationDataVersion,
		Message:   fmt.Sprintf("Exit inspection for %s is due on %s", bm.TenantName, bm.EndDate),
		MissionID: bm.ExitMissionID,
		DueDate:   bm.EndDate,
	}
	return s.insert(ctx, tx, domain.NotificationExitReminder, opsUserID, bm.ID, at, data, false, actorID)
}

// SendOpsAlert records an alert to an ops user as already sent. Delivery
// happens after commit through Deliver.
func (s Scheduler) SendOpsAlert(ctx context.Context, tx *events.Tx, userID string, typ domain.NotificationType, bm *domain.BailMobilite, data domain.NotificationData, actorID string) (domain.Notification, error) {
	bailID := ""
	if bm != nil {
		bailID = bm.ID
	}
	return s.insert(ctx, tx, typ, userID, bailID, s.now(), data, true, actorID)
}

// NotifyChecker tells a checker about a mission, immediately.
func (s Scheduler) NotifyChecker(ctx context.Context, tx *events.Tx, checkerID string, bm domain.BailMobilite, data domain.NotificationData, actorID string) (domain.Notification, error) {
	return s.insert(ctx, tx, domain.NotificationMissionAssigned, checkerID, bm.ID, s.now(), data, true, actorID)
}

func (s Scheduler) insert(ctx context.Context, tx *events.Tx, typ domain.NotificationType, recipientID, bailID string, at time.Time, data domain.NotificationData, sendNow bool, actorID string) (domain.Notification, error) {
	if recipientID == "" {
		return domain.Notification{}, fmt.Errorf("%w: notification recipient is required", domain.ErrInvalid)
	}
	if data.Version == 0 {
		data.Version = domain.NotificationDataVersion
	}
	if err := data.Validate(typ); err != nil {
		return domain.Notification{}, err
	}
	now := s.now()
	n := domain.Notification{
		ID:          uuid.NewString(),
		Type:        typ,
		RecipientID: recipientID,
		ScheduledAt: at.UTC(),
		Status:      domain.NotificationPending,
		Data:        data,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if bailID != "" {
		n.BailMobiliteID = &bailID
	}
	evtType := events.NotificationScheduled
	if sendNow {
		n.Status = domain.NotificationSent
		n.SentAt = &now
		n.DeliveryStatus = domain.DeliveryDispatching
		n.DeliveryAttempts = 1
		evtType = events.NotificationSent
	}
	if err := s.Repo.InsertNotification(ctx, tx.Tx, n); err != nil {
		return domain.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	payload := events.EventPayload{
		"type":         string(n.Type),
		"recipient_id": n.RecipientID,
		"scheduled_at": n.ScheduledAt.Format(time.RFC3339),
	}
	if bailID != "" {
		payload["bail_mobilite_id"] = bailID
	}
	if err := tx.Append(ctx, evtType, string(domain.RefNotification), n.ID, actorID, payload); err != nil {
		return domain.Notification{}, err
	}
	return n, nil
}

// CancelScheduled cancels every notification of the tenancy that is pending
// right now. Sent and cancelled rows are left alone.
func (s Scheduler) CancelScheduled(ctx context.Context, tx *events.Tx, bailID, actorID string) (int64, error) {
	n, err := s.Repo.CancelPendingNotifications(ctx, tx.Tx, bailID, s.now())
	if err != nil {
		return 0, fmt.Errorf("cancel notifications: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	err = tx.Append(ctx, events.NotificationsCancelled, string(domain.RefBailMobilite), bailID, actorID, events.EventPayload{"count": n})
	return n, err
}

// ProcessScheduled claims every due pending row, marks it sent and hands it
// to the dispatcher. Rows are read in batches until a short batch comes
// back. Each row is claimed with a conditional update so concurrent sweeps
// never send the same reminder twice.
func (s Scheduler) ProcessScheduled(ctx context.Context) (int, error) {
	now := s.now()
	limit := s.batch()
	sent := 0
	for {
		due, err := s.Repo.DueNotifications(ctx, now, limit)
		if err != nil {
			return sent, fmt.Errorf("list due notifications: %w", err)
		}
		for _, n := range due {
			if err := ctx.Err(); err != nil {
				return sent, err
			}
			claimed, err := s.claim(ctx, n, now)
			if err != nil {
				return sent, err
			}
			if !claimed {
				continue
			}
			sent++
			n.Status = domain.NotificationSent
			n.SentAt = &now
			n.DeliveryStatus = domain.DeliveryDispatching
			n.DeliveryAttempts++
			_ = s.Deliver(ctx, n)
		}
		if len(due) < limit {
			return sent, nil
		}
	}
}

func (s Scheduler) claim(ctx context.Context, n domain.Notification, now time.Time) (bool, error) {
	tx, err := events.Begin(ctx, s.Repo.DB, s.Events)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if err := domain.EnsureNotificationTransition(n.Status, domain.NotificationSent); err != nil {
		return false, err
	}
	ok, err := s.Repo.ClaimNotification(ctx, tx.Tx, n.ID, now)
	if err != nil {
		return false, fmt.Errorf("claim notification %s: %w", n.ID, err)
	}
	if !ok {
		return false, nil
	}
	payload := events.EventPayload{"type": string(n.Type), "recipient_id": n.RecipientID}
	if err := tx.Append(ctx, events.NotificationSent, string(domain.RefNotification), n.ID, "scheduler", payload); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	s.Bus.Publish(ctx, tx.Emitted...)
	return true, nil
}

// RetryFailed redelivers sent rows whose last attempt failed or was left
// dispatching past the lease, up to the attempt limit.
func (s Scheduler) RetryFailed(ctx context.Context) (int, error) {
	now := s.now()
	stale := now.Add(-s.lease())
	rows, err := s.Repo.RetryableDeliveries(ctx, s.maxAttempts(), s.batch(), stale)
	if err != nil {
		return 0, fmt.Errorf("list failed deliveries: %w", err)
	}
	retried := 0
	for _, n := range rows {
		ok, err := s.Repo.ClaimRetry(ctx, n.ID, now, stale)
		if err != nil {
			return retried, err
		}
		if !ok {
			continue
		}
		retried++
		n.DeliveryAttempts++
		_ = s.Deliver(ctx, n)
	}
	return retried, nil
}

// Deliver pushes a sent notification through the dispatcher and records the
// outcome. Failures are logged and left for RetryFailed.
func (s Scheduler) Deliver(ctx context.Context, n domain.Notification) error {
	var err error
	if s.Dispatcher != nil {
		err = s.Dispatcher.Dispatch(ctx, n)
	}
	return s.record(ctx, n, err)
}

// DeliverOnce is Deliver with a single attempt per channel. Request paths use
// it so a slow channel never holds the caller; the worker retries.
func (s Scheduler) DeliverOnce(ctx context.Context, n domain.Notification) error {
	var err error
	if s.Dispatcher != nil {
		err = DispatchOnce(ctx, s.Dispatcher, n)
	}
	return s.record(ctx, n, err)
}

func (s Scheduler) record(ctx context.Context, n domain.Notification, err error) error {
	if recErr := s.Repo.RecordDelivery(ctx, n.ID, err, s.now()); recErr != nil {
		s.logger().Error("record delivery failed", "notification_id", n.ID, "err", recErr)
	}
	if err != nil {
		telemetry.DeliveryFailures.Inc()
		s.logger().Warn("notification delivery failed", "notification_id", n.ID, "type", n.Type, "attempt", n.DeliveryAttempts, "err", err)
	}
	return err
}

func (s Scheduler) batch() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return defaultBatch
}

func (s Scheduler) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return defaultMaxAttempts
}

func (s Scheduler) lease() time.Duration {
	if s.DispatchLease > 0 {
		return s.DispatchLease
	}
	return defaultDispatchLease
}
