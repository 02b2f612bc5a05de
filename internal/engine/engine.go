package engine

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/buyrs/BM-sub005/internal/config"
	"github.com/buyrs/BM-sub005/internal/corrective"
	"github.com/buyrs/BM-sub005/internal/domain"
	"github.com/buyrs/BM-sub005/internal/events"
	"github.com/buyrs/BM-sub005/internal/incident"
	"github.com/buyrs/BM-sub005/internal/notify"
	"github.com/buyrs/BM-sub005/internal/repo"
	"github.com/buyrs/BM-sub005/internal/signature"
	"github.com/buyrs/BM-sub005/internal/storage"
)

// Engine is the tenancy lifecycle: every caller-facing operation runs as one
// transaction and publishes its journal events after commit.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Bus        *events.Bus
	Config     *config.Config
	Detector   incident.Detector
	Policy     corrective.Policy
	Validator  signature.Validator
	Dispatcher notify.Dispatcher
	Archive    storage.Store
	Logger     *slog.Logger
	Now        func() time.Time
	Rand       io.Reader
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Config:    cfg,
		Detector:  incident.NewDetector(cfg.Incidents.SeverityOverrides),
		Policy:    corrective.PolicyFrom(cfg.CorrectiveActions.DueDays),
		Validator: signature.Validator{RoleRules: cfg.Signatures.RoleRules},
		Logger:    slog.Default(),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) writer() events.Writer {
	return events.Writer{Now: e.now}
}

// Scheduler returns the notification scheduler sharing the engine's clock,
// bus and delivery channel.
func (e Engine) Scheduler() notify.Scheduler {
	s := notify.Scheduler{
		Repo:       e.Repo,
		Events:     e.writer(),
		Bus:        e.Bus,
		Dispatcher: e.Dispatcher,
		Logger:     e.logger(),
		Now:        e.now,
	}
	if e.Config != nil {
		s.ReminderDays = e.Config.Notifications.ExitReminderDaysBefore
		s.BatchSize = e.Config.Notifications.BatchSize
		s.MaxAttempts = e.Config.Notifications.MaxDeliveryAttempts
	}
	return s
}

// unit is one transactional unit of work. Deliveries and after hooks run
// only once the transaction has committed. Deliveries get one attempt; the
// worker's retry task picks up failures.
type unit struct {
	tx      *sql.Tx
	ev      *events.Tx
	deliver []domain.Notification
	after   []func(context.Context)
}

func (u *unit) emit(ctx context.Context, evtType string, kind domain.RefKind, id, actorID string, payload events.EventPayload) error {
	return u.ev.Append(ctx, evtType, string(kind), id, actorID, payload)
}

func (e Engine) run(ctx context.Context, fn func(u *unit) error) error {
	tx, err := events.Begin(ctx, e.DB, e.writer())
	if err != nil {
		return err
	}
	defer tx.Rollback()
	u := &unit{tx: tx.Tx, ev: tx}
	if err := fn(u); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Bus.Publish(ctx, tx.Emitted...)
	if len(u.deliver) > 0 {
		s := e.Scheduler()
		for _, n := range u.deliver {
			_ = s.DeliverOnce(ctx, n)
		}
	}
	for _, fn := range u.after {
		fn(ctx)
	}
	return nil
}

// optional turns a not-found lookup into nil.
func optional[T any](v T, err error) (*T, error) {
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}
