package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/buyrs/BM-sub005/internal/config"
	"github.com/buyrs/BM-sub005/internal/domain"
)

// Dispatcher is a delivery channel: mail gateway, SMS bridge, queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, n domain.Notification) error
}

// Attempter is implemented by channels that retry inside Dispatch.
// DispatchOnce makes a single attempt and leaves retries to the caller.
type Attempter interface {
	DispatchOnce(ctx context.Context, n domain.Notification) error
}

// DispatchOnce makes one attempt on d, bypassing any internal retry.
func DispatchOnce(ctx context.Context, d Dispatcher, n domain.Notification) error {
	if a, ok := d.(Attempter); ok {
		return a.DispatchOnce(ctx, n)
	}
	return d.Dispatch(ctx, n)
}

// DispatcherFunc adapts a function into a Dispatcher.
type DispatcherFunc func(ctx context.Context, n domain.Notification) error

func (f DispatcherFunc) Dispatch(ctx context.Context, n domain.Notification) error { return f(ctx, n) }

// LogDispatcher writes each notification to the structured log.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Dispatch(ctx context.Context, n domain.Notification) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bailID := ""
	if n.BailMobiliteID != nil {
		bailID = *n.BailMobiliteID
	}
	logger.InfoContext(ctx, "notification",
		"id", n.ID,
		"type", n.Type,
		"recipient_id", n.RecipientID,
		"bail_mobilite_id", bailID,
		"message", n.Data.Message,
	)
	return nil
}

// Multi sends to every channel and joins their errors.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) DispatchOnce(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, d := range m {
		if err := DispatchOnce(ctx, d, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases channels that hold connections.
func (m Multi) Close() error {
	var errs []error
	for _, d := range m {
		if c, ok := d.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// NewDispatcher builds the channels enabled in cfg. The log channel is
// always on.
func NewDispatcher(cfg *config.Config, logger *slog.Logger) (Multi, error) {
	m := Multi{LogDispatcher{Logger: logger}}
	if cfg == nil {
		return m, nil
	}
	if cfg.Notifications.Webhook.URL != "" {
		wh, err := NewWebhookDispatcher(cfg.Notifications.Webhook)
		if err != nil {
			return nil, err
		}
		m = append(m, wh)
	}
	if cfg.Notifications.Redis.Addr != "" {
		m = append(m, NewRedisOutbox(cfg.Notifications.Redis))
	}
	return m, nil
}
