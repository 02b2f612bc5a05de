package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/buyrs/BM-sub005/internal/domain"
)

const notificationColumns = `id,type,recipient_id,bail_mobilite_id,scheduled_at,sent_at,status,delivery_status,delivery_attempts,COALESCE(last_error,''),data_json,created_at,updated_at`

func scanNotification(row rowScanner) (domain.Notification, error) {
	var n domain.Notification
	var bail, sent sql.NullString
	var scheduled, data, created, updated string
	err := row.Scan(&n.ID, &n.Type, &n.RecipientID, &bail, &scheduled, &sent, &n.Status, &n.DeliveryStatus,
		&n.DeliveryAttempts, &n.LastError, &data, &created, &updated)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.BailMobiliteID = stringPtr(bail)
	var tsc timeScan
	n.ScheduledAt = tsc.at(scheduled)
	n.SentAt = tsc.ptr(sent)
	n.CreatedAt = tsc.at(created)
	n.UpdatedAt = tsc.at(updated)
	if tsc.err != nil {
		return n, tsc.err
	}
	n.Data, err = domain.DecodeNotificationData([]byte(data))
	return n, err
}

func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("marshal notification data: %w", err)
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO notifications(id,type,recipient_id,bail_mobilite_id,scheduled_at,sent_at,status,delivery_status,delivery_attempts,last_error,data_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.Type, n.RecipientID, nullableStringPtr(n.BailMobiliteID), ts(n.ScheduledAt), nullableTime(n.SentAt), n.Status,
		n.DeliveryStatus, n.DeliveryAttempts, nullable(n.LastError), string(data), ts(n.CreatedAt), ts(n.UpdatedAt))
	return err
}

func (r Repo) GetNotification(ctx context.Context, tx *sql.Tx, id string) (domain.Notification, error) {
	return scanNotification(r.q(tx).QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id))
}

type NotificationFilters struct {
	BailMobiliteID string
	RecipientID    string
	Status         string
	Limit          int
}

func (r Repo) ListNotifications(ctx context.Context, tx *sql.Tx, f NotificationFilters) ([]domain.Notification, error) {
	var (
		clauses []string
		args    []any
	)
	if f.BailMobiliteID != "" {
		clauses = append(clauses, "bail_mobilite_id=?")
		args = append(args, f.BailMobiliteID)
	}
	if f.RecipientID != "" {
		clauses = append(clauses, "recipient_id=?")
		args = append(args, f.RecipientID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY scheduled_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryNotifications(ctx, r.q(tx), query, args...)
}

// CancelPendingNotifications cancels only rows still pending for the tenancy.
func (r Repo) CancelPendingNotifications(ctx context.Context, tx *sql.Tx, bailID string, at time.Time) (int64, error) {
	from := domain.NotificationSources(domain.NotificationCancelled)
	args := []any{domain.NotificationCancelled, ts(at), bailID}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE notifications SET status=?, updated_at=? WHERE bail_mobilite_id=? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DueNotifications lists pending rows whose scheduled time has come.
func (r Repo) DueNotifications(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	return r.queryNotifications(ctx, r.DB, `SELECT `+notificationColumns+` FROM notifications
WHERE status='pending' AND scheduled_at <= ? ORDER BY scheduled_at, id LIMIT ?`, ts(now), limit)
}

// ClaimNotification moves a pending row to sent. Exactly one caller wins.
func (r Repo) ClaimNotification(ctx context.Context, tx *sql.Tx, id string, at time.Time) (bool, error) {
	from := domain.NotificationSources(domain.NotificationSent)
	args := []any{domain.NotificationSent, ts(at), ts(at), id}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE notifications SET status=?, sent_at=?, delivery_status='dispatching', delivery_attempts=delivery_attempts+1, updated_at=?
WHERE id=? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RetryableDeliveries lists sent rows whose last delivery failed, plus rows
// stuck in dispatching since before staleBefore.
func (r Repo) RetryableDeliveries(ctx context.Context, maxAttempts, limit int, staleBefore time.Time) ([]domain.Notification, error) {
	return r.queryNotifications(ctx, r.DB, `SELECT `+notificationColumns+` FROM notifications
WHERE status='sent' AND delivery_attempts < ?
  AND (delivery_status='failed' OR (delivery_status='dispatching' AND updated_at <= ?))
ORDER BY updated_at, id LIMIT ?`, maxAttempts, ts(staleBefore), limit)
}

// ClaimRetry takes ownership of a failed or stale delivery for another
// attempt.
func (r Repo) ClaimRetry(ctx context.Context, id string, at, staleBefore time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET delivery_status='dispatching', delivery_attempts=delivery_attempts+1, updated_at=?
WHERE id=? AND status='sent' AND (delivery_status='failed' OR (delivery_status='dispatching' AND updated_at <= ?))`, ts(at), id, ts(staleBefore))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RecordDelivery stores the outcome of a delivery attempt.
func (r Repo) RecordDelivery(ctx context.Context, id string, deliveryErr error, at time.Time) error {
	status, msg := domain.DeliveryDelivered, ""
	if deliveryErr != nil {
		status, msg = domain.DeliveryFailed, deliveryErr.Error()
	}
	_, err := r.DB.ExecContext(ctx, `UPDATE notifications SET delivery_status=?, last_error=?, updated_at=? WHERE id=?`, status, nullable(msg), ts(at), id)
	return err
}

func (r Repo) queryNotifications(ctx context.Context, q DBTX, query string, args ...any) ([]domain.Notification, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
