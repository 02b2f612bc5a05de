package engine

import (
	"context"
	"fmt"

	"github.com/buyrs/BM-sub005/internal/domain"
	"github.com/buyrs/BM-sub005/internal/repo"
	"github.com/buyrs/BM-sub005/internal/worker"
)

// ScheduleExitReminder queues the exit reminder of a tenancy for opsUserID,
// or for its ops user when empty.
func (e Engine) ScheduleExitReminder(ctx context.Context, bmID, opsUserID, actorID string) (domain.Notification, error) {
	var n domain.Notification
	err := e.run(ctx, func(u *unit) error {
		bm, err := e.Repo.GetBailMobilite(ctx, u.tx, bmID)
		if err != nil {
			return err
		}
		if opsUserID == "" {
			opsUserID = bm.OpsUserID
		}
		n, err = e.Scheduler().ScheduleExitReminder(ctx, u.ev, bm, opsUserID, actorID)
		return err
	})
	return n, err
}

// SendOpsAlert records and delivers an alert now. bmID may be empty for
// alerts not tied to a tenancy.
func (e Engine) SendOpsAlert(ctx context.Context, userID string, typ domain.NotificationType, bmID string, data domain.NotificationData, actorID string) (domain.Notification, error) {
	var n domain.Notification
	err := e.run(ctx, func(u *unit) error {
		var bm *domain.BailMobilite
		if bmID != "" {
			b, err := e.Repo.GetBailMobilite(ctx, u.tx, bmID)
			if err != nil {
				return err
			}
			bm = &b
		}
		var err error
		if n, err = e.Scheduler().SendOpsAlert(ctx, u.ev, userID, typ, bm, data, actorID); err != nil {
			return err
		}
		u.deliver = append(u.deliver, n)
		return nil
	})
	return n, err
}

func (e Engine) NotifyChecker(ctx context.Context, checkerID, bmID string, data domain.NotificationData, actorID string) (domain.Notification, error) {
	var n domain.Notification
	err := e.run(ctx, func(u *unit) error {
		bm, err := e.Repo.GetBailMobilite(ctx, u.tx, bmID)
		if err != nil {
			return err
		}
		if n, err = e.Scheduler().NotifyChecker(ctx, u.ev, checkerID, bm, data, actorID); err != nil {
			return err
		}
		u.deliver = append(u.deliver, n)
		return nil
	})
	return n, err
}

// CancelScheduledNotifications cancels the tenancy's pending notifications.
func (e Engine) CancelScheduledNotifications(ctx context.Context, bmID, actorID string) (int64, error) {
	var n int64
	err := e.run(ctx, func(u *unit) error {
		if _, err := e.Repo.GetBailMobilite(ctx, u.tx, bmID); err != nil {
			return err
		}
		var err error
		n, err = e.Scheduler().CancelScheduled(ctx, u.ev, bmID, actorID)
		return err
	})
	return n, err
}

func (e Engine) ProcessScheduledNotifications(ctx context.Context) (int, error) {
	return e.Scheduler().ProcessScheduled(ctx)
}

func (e Engine) RetryFailedDeliveries(ctx context.Context) (int, error) {
	return e.Scheduler().RetryFailed(ctx)
}

func (e Engine) ListNotifications(ctx context.Context, f repo.NotificationFilters) ([]domain.Notification, error) {
	return e.Repo.ListNotifications(ctx, nil, f)
}

// Worker builds the background sweep: due reminders, delivery retries,
// invitation expiry and the overdue-mission check.
func (e Engine) Worker() worker.Worker {
	w := worker.Worker{
		Logger: e.logger(),
		Tasks: []worker.Task{
			{Name: "notifications", Run: e.ProcessScheduledNotifications},
			{Name: "delivery_retries", Run: e.RetryFailedDeliveries},
			{Name: "invitations", Run: e.ExpireInvitations},
			{Name: "overdue_missions", Run: func(ctx context.Context) (int, error) {
				n, err := e.FlagOverdueMissions(ctx, "scheduler")
				if err != nil {
					return n, fmt.Errorf("flag overdue missions: %w", err)
				}
				return n, nil
			}},
		},
	}
	if e.Config != nil {
		w.Interval = e.Config.Notifications.SweepInterval
	}
	return w
}
