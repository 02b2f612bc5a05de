package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buyrs/BM-sub005/internal/app"
	"github.com/buyrs/BM-sub005/internal/db"
	"github.com/buyrs/BM-sub005/internal/engine"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bm",
		Short: "Bail mobilité lifecycle CLI",
		Long: `bm runs the lifecycle of short furnished tenancies (bail mobilité).
Core concepts:
- Tenancy: opened as assigned with an entry and an exit inspection mission on its start and end dates.
- Missions: a checker is assigned, starts, completes and submits a checklist; ops validates it.
- Entry validation: needs a validated entry checklist and the tenant's entry signature on a signed, active contract template; moves the tenancy to in_progress and schedules the exit reminder.
- Exit validation: runs incident detection; keys not returned, missing checklist or signature open incidents with corrective actions.
- Signing workflows: multi-party templates with ordered steps, one-time signing links and per-role rules.
- Notifications: reminders and alerts swept by the worker and delivered through the configured channels.
- Event log: every change is journaled, view with 'bm log tail'.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if viper.GetString("db") != "" {
				return nil
			}
			_, err := db.EnsureWorkspace(viper.GetString("workspace"))
			return err
		},
	}
	addPersistentFlags(root)
	registerCommands(root)
	return root
}

func main() {
	cobra.OnInitialize(initConfig)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-ops", "actor identifier")
	flags.String("db", "", "database file (defaults to <workspace>/.bailmobilite/bailmobilite.db)")
	flags.String("config", "", "policy config file (defaults to <workspace>/bailmobilite.yml)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.Bool("log-json", false, "log as JSON")
	for _, name := range []string{"workspace", "json", "actor-id", "db", "config", "log-level", "log-json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands(root *cobra.Command) {
	root.AddCommand(bailCmd())
	root.AddCommand(missionCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(incidentCmd())
	root.AddCommand(actionCmd())
	root.AddCommand(templateCmd())
	root.AddCommand(partyCmd())
	root.AddCommand(stepCmd())
	root.AddCommand(inviteCmd())
	root.AddCommand(signCmd())
	root.AddCommand(notifyCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(authCmd())
	root.AddCommand(logCmd())
	root.AddCommand(configCmd())
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if viper.GetBool("log-json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func appOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		DBPath:     viper.GetString("db"),
		ConfigPath: viper.GetString("config"),
		Logger:     newLogger(),
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(w io.Writer, v any) error {
	if viper.GetBool("json") {
		return printJSON(w, v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(b))
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readJSONFile(path string, v any) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func parseMeta(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("metadata %q must be key=value", p)
		}
		meta[k] = v
	}
	return meta, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
