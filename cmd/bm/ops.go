package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/buyrs/BM-sub005/internal/app"
	"github.com/buyrs/BM-sub005/internal/config"
	"github.com/buyrs/BM-sub005/internal/engine"
	"github.com/buyrs/BM-sub005/internal/engine/auth"
	"github.com/buyrs/BM-sub005/internal/repo"
	"github.com/buyrs/BM-sub005/internal/server"
)

func notifyCmd() *cobra.Command {
	n := &cobra.Command{
		Use:   "notify",
		Short: "Inspect and drive notifications",
	}
	n.AddCommand(notifyListCmd())
	n.AddCommand(notifyCancelCmd())
	n.AddCommand(notifySweepCmd())
	return n
}

func notifyListCmd() *cobra.Command {
	var f repo.NotificationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListNotifications(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Type", "Recipient", "Scheduled", "Status", "Delivery", "Attempts"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.Type, n.RecipientID, n.ScheduledAt.Format(time.RFC3339), n.Status, n.DeliveryStatus, n.DeliveryAttempts})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BailMobiliteID, "bail", "", "tenancy filter")
	cmd.Flags().StringVar(&f.RecipientID, "recipient", "", "recipient filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "pending, sent or cancelled")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func notifyCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <bail-id>",
		Short: "Cancel pending notifications of a tenancy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.CancelScheduledNotifications(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), map[string]int64{"cancelled": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d notification(s)\n", n)
				return nil
			})
		},
	}
}

func notifySweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one background sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printCounts(cmd, e.Worker().Sweep(ctx))
			})
		},
	}
}

func printCounts(cmd *cobra.Command, counts map[string]int) error {
	if viper.GetBool("json") {
		return printJSON(cmd.OutOrStdout(), counts)
	}
	names := make([]string, 0, len(counts))
	for k := range counts {
		names = append(names, k)
	}
	sort.Strings(names)
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"Task", "Rows"})
	for _, k := range names {
		tw.AppendRow(table.Row{k, counts[k]})
	}
	tw.Render()
	return nil
}

func workerCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the background sweep until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w := e.Worker()
				if interval > 0 {
					w.Interval = interval
				}
				e.Logger.Info("worker started", "interval", w.Interval)
				return ignoreCanceled(w.Run(ctx))
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "sweep interval (defaults to notifications.sweep_interval)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, secret string
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and the background worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = viper.GetString("jwt-secret")
			}
			if secret == "" {
				return fmt.Errorf("BM_JWT_SECRET or --jwt-secret is required for bearer auth")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				logger := a.Engine.Logger
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, Logger: logger},
					Logger:   logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					logger.Info("serving bail mobilité API", "addr", addr, "base_path", basePath, "docs", "/docs")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if !noWorker {
					g.Go(func() error {
						return ignoreCanceled(a.Engine.Worker().Run(ctx))
					})
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringVar(&secret, "jwt-secret", "", "HS256 secret for bearer tokens (env BM_JWT_SECRET)")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not run the background sweep in-process")
	return cmd
}

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "API credentials"}
	var secret, subject string
	var roles []string
	var ttl time.Duration
	token := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = viper.GetString("jwt-secret")
			}
			if subject == "" {
				subject = actorID()
			}
			known := auth.Service{}.Roles()
			for _, r := range roles {
				if !contains(known, r) {
					return fmt.Errorf("unknown role %q (known: %s)", r, strings.Join(known, ", "))
				}
			}
			tok, err := server.SignToken(secret, subject, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), map[string]any{"token": tok, "subject": subject, "roles": roles})
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	token.Flags().StringVar(&secret, "jwt-secret", "", "HS256 secret (env BM_JWT_SECRET)")
	token.Flags().StringVar(&subject, "subject", "", "token subject (defaults to actor id)")
	token.Flags().StringArrayVar(&roles, "role", []string{auth.RoleOps}, "role (repeatable): admin, ops, checker")
	token.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	a.AddCommand(token)
	return a
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The journal of everything that happened: tenancy transitions, missions, incidents, signatures and notifications.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"#", "Time", "Type", "Entity", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.ID, ev.TS.Format(time.RFC3339), ev.Type, ev.Subject().String(), ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().Int64Var(&f.AfterID, "after", 0, "only events after this id, oldest first")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the policy config",
		Long:  "bailmobilite.yml holds the policy: reminder lead time, corrective action windows, incident severities, signing rules, delivery channels and archive storage.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func loadPolicy() (*config.Config, error) {
	if p := viper.GetString("config"); p != "" {
		return config.FromFile(p)
	}
	return config.Load(viper.GetString("workspace"))
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadPolicy()
			if err != nil {
				return err
			}
			return printJSONOrTable(cmd.OutOrStdout(), cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadPolicy()
			if viper.GetBool("json") {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"ok": err == nil, "error": msg})
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Print the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.OutOrStdout(), config.GenerateDefault())
			return nil
		},
	}
}
