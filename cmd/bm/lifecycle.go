package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buyrs/BM-sub005/internal/corrective"
	"github.com/buyrs/BM-sub005/internal/domain"
	"github.com/buyrs/BM-sub005/internal/engine"
	"github.com/buyrs/BM-sub005/internal/repo"
)

func bailCmd() *cobra.Command {
	bail := &cobra.Command{
		Use:   "bail",
		Short: "Manage tenancies",
		Long:  "A tenancy moves assigned -> in_progress -> completed, or to incident when exit detection finds problems.",
	}
	bail.AddCommand(bailCreateCmd())
	bail.AddCommand(bailShowCmd())
	bail.AddCommand(bailListCmd())
	bail.AddCommand(bailSignCmd())
	return bail
}

func bailCreateCmd() *cobra.Command {
	var opts engine.BailCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a tenancy with its entry and exit missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				bm, err := e.CreateBailMobilite(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), bm)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "tenancy id (generated if omitted)")
	cmd.Flags().StringVar(&opts.StartDate, "start", "", "start date YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.EndDate, "end", "", "end date YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.TenantName, "tenant", "", "tenant name")
	cmd.Flags().StringVar(&opts.TenantEmail, "tenant-email", "", "tenant email")
	cmd.Flags().StringVar(&opts.TenantPhone, "tenant-phone", "", "tenant phone")
	cmd.Flags().StringVar(&opts.Address, "address", "", "property address")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	cmd.Flags().StringVar(&opts.OpsUserID, "ops-user", "", "responsible ops user (defaults to actor)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func bailShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a tenancy with missions, incidents and notifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.GetBailDetail(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), d)
			})
		},
	}
}

func bailListCmd() *cobra.Command {
	var f repo.BailFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tenancies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListBailMobilites(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Tenant", "Start", "End", "Status", "Ops"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.ID, b.TenantName, b.StartDate, b.EndDate, b.Status, b.OpsUserID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.OpsUserID, "ops-user", "", "ops user filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func bailSignCmd() *cobra.Command {
	var in engine.TenantSignatureInput
	var kind string
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Record the tenant's entry or exit signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.BailMobiliteID = args[0]
			in.Kind = domain.MissionKind(kind)
			in.ActorID = actorID()
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sig, err := e.RecordTenantSignature(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), sig)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "entry", "entry or exit")
	cmd.Flags().StringVar(&in.TemplateID, "template", "", "contract template id")
	cmd.Flags().StringVar(&in.Signature, "signature", "", "tenant signature data")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

func missionCmd() *cobra.Command {
	mission := &cobra.Command{
		Use:   "mission",
		Short: "Manage inspection missions",
		Long:  "Missions go unassigned -> assigned -> in_progress -> completed; cancelled is terminal.",
	}
	mission.AddCommand(missionAssignCmd())
	mission.AddCommand(missionMoveCmd("start", "Start a mission"))
	mission.AddCommand(missionMoveCmd("complete", "Complete a mission"))
	mission.AddCommand(missionMoveCmd("cancel", "Cancel a mission"))
	mission.AddCommand(missionChecklistCmd())
	return mission
}

func missionAssignCmd() *cobra.Command {
	var checker, at string
	cmd := &cobra.Command{
		Use:   "assign <bail-id> <entry|exit>",
		Short: "Assign a checker to the entry or exit mission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var scheduled *time.Time
			if at != "" {
				t, err := parseWhen(at, time.Now())
				if err != nil {
					return err
				}
				scheduled = &t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					m   domain.Mission
					err error
				)
				switch domain.MissionKind(args[1]) {
				case domain.MissionEntry:
					m, err = e.AssignEntry(ctx, args[0], checker, scheduled, actorID())
				case domain.MissionExit:
					m, err = e.AssignExit(ctx, args[0], checker, scheduled, actorID())
				default:
					return fmt.Errorf("mission kind must be entry or exit, got %q", args[1])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), m)
			})
		},
	}
	cmd.Flags().StringVar(&checker, "checker", "", "checker id")
	cmd.Flags().StringVar(&at, "at", "", `reschedule, e.g. "2025-03-01 10:00" or "next monday at 9am"`)
	_ = cmd.MarkFlagRequired("checker")
	return cmd
}

func missionMoveCmd(verb, short string) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   verb + " <mission-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					m   domain.Mission
					err error
				)
				switch verb {
				case "start":
					m, err = e.StartMission(ctx, args[0], actorID())
				case "complete":
					m, err = e.CompleteMission(ctx, args[0], notes, actorID())
				default:
					m, err = e.CancelMission(ctx, args[0], notes, actorID())
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), m)
			})
		},
	}
	if verb != "start" {
		cmd.Flags().StringVar(&notes, "notes", "", "notes")
	}
	return cmd
}

func missionChecklistCmd() *cobra.Command {
	var file string
	var keysReturned bool
	cmd := &cobra.Command{
		Use:   "checklist <mission-id>",
		Short: "Submit or show a mission checklist",
		Long:  "With --file, submits the rooms and utility readings (JSON, - for stdin). Without it, prints the stored checklist.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if file == "" {
					c, err := e.GetChecklist(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(cmd.OutOrStdout(), c)
				}
				var areas domain.ChecklistAreas
				if err := readJSONFile(file, &areas); err != nil {
					return err
				}
				c, err := e.SubmitChecklist(ctx, args[0], engine.ChecklistInput{KeysReturned: keysReturned, Areas: areas}, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), c)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "checklist areas JSON file")
	cmd.Flags().BoolVar(&keysReturned, "keys-returned", false, "keys were handed back")
	return cmd
}

// parseWhen accepts an RFC 3339 or "YYYY-MM-DD HH:MM" time, falling back to
// natural language relative to base.
func parseWhen(s string, base time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", domain.DateLayout} {
		if t, err := time.ParseInLocation(layout, s, base.Location()); err == nil {
			return t.UTC(), nil
		}
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, base)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot understand time %q", s)
	}
	return r.Time.UTC(), nil
}

func validateCmd() *cobra.Command {
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Ops validation of entry and exit",
	}
	var entryNotes, exitNotes string
	entry := &cobra.Command{
		Use:   "entry <bail-id>",
		Short: "Validate the entry inspection and start the tenancy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				bm, res, err := e.ValidateEntry(ctx, args[0], entryNotes, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), map[string]any{"bail_mobilite": bm, "gate": res})
			})
		},
	}
	entry.Flags().StringVar(&entryNotes, "notes", "", "validation notes")
	exit := &cobra.Command{
		Use:   "exit <bail-id>",
		Short: "Validate the exit inspection and run incident detection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ValidateExit(ctx, args[0], exitNotes, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), res)
			})
		},
	}
	exit.Flags().StringVar(&exitNotes, "notes", "", "validation notes")
	validate.AddCommand(entry, exit)
	return validate
}

func incidentCmd() *cobra.Command {
	inc := &cobra.Command{
		Use:   "incident",
		Short: "Report, detect and resolve incidents",
	}
	inc.AddCommand(incidentReportCmd())
	inc.AddCommand(incidentResolveCmd())
	inc.AddCommand(incidentListCmd())
	inc.AddCommand(incidentDetectCmd())
	inc.AddCommand(incidentOverdueCmd())
	return inc
}

func incidentReportCmd() *cobra.Command {
	var opts engine.IncidentOptions
	var severity string
	var actions []string
	cmd := &cobra.Command{
		Use:   "report <bail-id>",
		Short: "Report an incident; the tenancy moves to incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Severity = domain.Severity(severity)
			opts.ActorID = actorID()
			for _, title := range actions {
				opts.Actions = append(opts.Actions, corrective.Spec{Title: title})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, created, err := e.HandleIncident(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), map[string]any{"incident": report, "corrective_actions": created})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", "", "incident type")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&severity, "severity", "", "severity (defaults from type)")
	cmd.Flags().StringVar(&opts.MissionID, "mission", "", "related mission id")
	cmd.Flags().StringArrayVar(&actions, "action", nil, "corrective action title (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func incidentResolveCmd() *cobra.Command {
	var target, notes string
	cmd := &cobra.Command{
		Use:   "resolve <bail-id>",
		Short: "Resolve open incidents and move the tenancy on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				bm, err := e.ResolveIncident(ctx, args[0], domain.BailStatus(target), notes, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), bm)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", string(domain.BailCompleted), "target status: in_progress or completed")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func incidentListCmd() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list <bail-id>",
		Short: "List incidents of a tenancy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter []domain.IncidentStatus
			for _, s := range statuses {
				filter = append(filter, domain.IncidentStatus(s))
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListIncidents(ctx, args[0], filter...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Type", "Severity", "Status", "Title", "Detected"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Type, r.Severity, r.Status, r.Title, r.DetectedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&statuses, "status", nil, "status filter (repeatable)")
	return cmd
}

func incidentDetectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect <bail-id>",
		Short: "Run exit incident detection now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ProcessIncidentDetection(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), res)
			})
		},
	}
}

func incidentOverdueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overdue",
		Short: "Open overdue_mission incidents for missions past their schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.FlagOverdueMissions(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), map[string]int{"flagged": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "flagged %d overdue mission(s)\n", n)
				return nil
			})
		},
	}
}

func actionCmd() *cobra.Command {
	act := &cobra.Command{
		Use:   "action",
		Short: "Track corrective actions",
		Long:  "Corrective actions go pending -> in_progress -> completed; cancelled is terminal.",
	}
	act.AddCommand(actionAddCmd())
	act.AddCommand(actionMoveCmd("start", "Start a corrective action"))
	act.AddCommand(actionMoveCmd("complete", "Complete a corrective action"))
	act.AddCommand(actionMoveCmd("cancel", "Cancel a corrective action"))
	act.AddCommand(actionListCmd(true))
	act.AddCommand(actionListCmd(false))
	return act
}

func actionAddCmd() *cobra.Command {
	var spec corrective.Spec
	var priority string
	cmd := &cobra.Command{
		Use:   "add <incident-id>",
		Short: "Add a corrective action to an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Priority = domain.Priority(priority)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AddCorrectiveAction(ctx, args[0], spec, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), a)
			})
		},
	}
	cmd.Flags().StringVar(&spec.Title, "title", "", "title")
	cmd.Flags().StringVar(&spec.Description, "description", "", "description")
	cmd.Flags().StringVar(&spec.AssignedTo, "assign", "", "assignee (defaults to the actor)")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (defaults from incident severity)")
	return cmd
}

func actionMoveCmd(verb, short string) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   verb + " <action-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					a   domain.CorrectiveAction
					err error
				)
				switch verb {
				case "start":
					a, err = e.StartCorrectiveAction(ctx, args[0], actorID())
				case "complete":
					a, err = e.CompleteCorrectiveAction(ctx, args[0], notes, actorID())
				default:
					a, err = e.CancelCorrectiveAction(ctx, args[0], actorID())
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), a)
			})
		},
	}
	if verb == "complete" {
		cmd.Flags().StringVar(&notes, "notes", "", "completion notes")
	}
	return cmd
}

func actionListCmd(overdue bool) *cobra.Command {
	var f repo.ActionFilters
	use, short := "list", "List corrective actions"
	if overdue {
		use, short = "overdue", "List open corrective actions past their due date"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.CorrectiveAction
					err   error
				)
				if overdue {
					items, err = e.ListOverdueCorrectiveActions(ctx)
				} else {
					items, err = e.ListCorrectiveActions(ctx, f)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Incident", "Title", "Priority", "Status", "Assignee", "Due"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.IncidentReportID, a.Title, a.Priority, a.Status, a.AssignedTo, a.DueDate.Format(domain.DateLayout)})
				}
				tw.Render()
				return nil
			})
		},
	}
	if !overdue {
		cmd.Flags().StringVar(&f.BailMobiliteID, "bail", "", "tenancy filter")
		cmd.Flags().StringVar(&f.IncidentReportID, "incident", "", "incident filter")
	}
	return cmd
}
