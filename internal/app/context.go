package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/buyrs/BM-sub005/internal/config"
	"github.com/buyrs/BM-sub005/internal/db"
	"github.com/buyrs/BM-sub005/internal/engine"
	"github.com/buyrs/BM-sub005/internal/events"
	"github.com/buyrs/BM-sub005/internal/migrate"
	"github.com/buyrs/BM-sub005/internal/notify"
	"github.com/buyrs/BM-sub005/internal/storage"
	"github.com/buyrs/BM-sub005/internal/telemetry"
)

// Options locate the workspace state. Empty paths fall back to the
// workspace defaults.
type Options struct {
	Workspace  string
	DBPath     string
	ConfigPath string
	Logger     *slog.Logger
}

// App owns the open database and the fully wired engine.
type App struct {
	DB         *sql.DB
	Config     *config.Config
	Engine     engine.Engine
	Migrations []string

	dispatcher notify.Multi
}

// Open opens and migrates the database, loads the policy config and wires
// the engine with its bus, metrics, delivery channels and archive.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for _, name := range applied {
		logger.Info("migration applied", "name", name)
	}
	dispatcher, err := notify.NewDispatcher(cfg, logger)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("build dispatcher: %w", err)
	}
	archive, err := storage.New(ctx, cfg.Storage, opts.Workspace)
	if err != nil {
		dispatcher.Close()
		conn.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}

	bus := events.NewBus(logger)
	telemetry.Subscribe(bus)

	e := engine.New(conn, cfg)
	e.Bus = bus
	e.Dispatcher = dispatcher
	e.Archive = archive
	e.Logger = logger
	return &App{
		DB:         conn,
		Config:     cfg,
		Engine:     e,
		Migrations: applied,
		dispatcher: dispatcher,
	}, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.Load(opts.Workspace)
}

func (a *App) Close() error {
	if a == nil {
		return nil
	}
	return errors.Join(a.dispatcher.Close(), a.DB.Close())
}
