package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buyrs/BM-sub005/internal/domain"
	"github.com/buyrs/BM-sub005/internal/engine"
)

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage contract templates",
		Long:  "Tenants may only sign against a template that is active and signed by an admin.",
	}
	tpl.AddCommand(templateCreateCmd())
	tpl.AddCommand(templateShowCmd())
	tpl.AddCommand(templateAdminSignCmd())
	return tpl
}

func templateCreateCmd() *cobra.Command {
	var opts engine.TemplateOptions
	var kind, contentFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a contract template",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Kind = domain.MissionKind(kind)
			opts.ActorID = actorID()
			if contentFile != "" {
				b, err := os.ReadFile(contentFile)
				if err != nil {
					return err
				}
				opts.Content = string(b)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateContractTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "template name")
	cmd.Flags().StringVar(&kind, "kind", "entry", "entry or exit")
	cmd.Flags().StringVar(&opts.Content, "content", "", "contract text")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "read contract text from file")
	cmd.Flags().BoolVar(&opts.Active, "active", true, "template is active")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show a template and its signing steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetContractTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				steps, err := e.ListWorkflowSteps(ctx, t.ID)
				if err != nil {
					return err
				}
				progress, err := e.GetWorkflowProgress(ctx, t.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), map[string]any{"template": t, "steps": steps, "progress": progress})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Template: %s (%s) kind=%s ready=%t\n", t.Name, t.ID, t.Kind, t.Ready())
				if progress.CurrentStep != nil {
					fmt.Fprintf(out, "Waiting on step %d: %s\n", progress.CurrentStep.Order, progress.CurrentStep.Name)
				} else if progress.Complete {
					fmt.Fprintln(out, "All required steps signed")
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"Order", "Step", "Party", "Required", "Rules"})
				for _, s := range steps {
					tw.AppendRow(table.Row{s.Order, s.Name, s.PartyID, s.IsRequired, s.ValidationRules})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func templateAdminSignCmd() *cobra.Command {
	var sig string
	cmd := &cobra.Command{
		Use:   "admin-sign <template-id>",
		Short: "Countersign a template as admin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.AdminSignTemplate(ctx, args[0], sig, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), t)
			})
		},
	}
	cmd.Flags().StringVar(&sig, "signature", "", "admin signature data")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

func partyCmd() *cobra.Command {
	party := &cobra.Command{Use: "party", Short: "Manage signing parties"}
	var name, email, phone, role string
	create := &cobra.Command{
		Use:   "create",
		Short: "Register a signing party",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateParty(ctx, name, email, phone, domain.PartyRole(role))
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), p)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "party name")
	create.Flags().StringVar(&email, "email", "", "email")
	create.Flags().StringVar(&phone, "phone", "", "phone")
	create.Flags().StringVar(&role, "role", "", "tenant, landlord, agent, witness, notary, guarantor or ops")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("role")
	party.AddCommand(create)
	return party
}

func stepCmd() *cobra.Command {
	step := &cobra.Command{Use: "step", Short: "Manage signing workflow steps"}
	var opts engine.StepOptions
	var timeout int
	add := &cobra.Command{
		Use:   "add <template-id>",
		Short: "Append a signing step to a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TemplateID = args[0]
			if cmd.Flags().Changed("timeout-hours") {
				opts.TimeoutHours = &timeout
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.AddWorkflowStep(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), s)
			})
		},
	}
	add.Flags().StringVar(&opts.PartyID, "party", "", "party id")
	add.Flags().StringVar(&opts.Name, "name", "", "step name")
	add.Flags().IntVar(&opts.Order, "order", 1, "step order, unique per template")
	add.Flags().BoolVar(&opts.IsRequired, "required", true, "step must be signed for the workflow to complete")
	add.Flags().IntVar(&timeout, "timeout-hours", 0, "signing link lifetime (defaults to config)")
	add.Flags().StringArrayVar(&opts.ValidationRules, "rule", nil, "extra validation rule (repeatable)")
	_ = add.MarkFlagRequired("party")
	_ = add.MarkFlagRequired("name")
	step.AddCommand(add)
	return step
}

func inviteCmd() *cobra.Command {
	invite := &cobra.Command{
		Use:   "invite",
		Short: "Manage signing invitations",
		Long:  "Invitations go pending -> sent -> delivered -> opened -> completed; expired, cancelled and failed end the link.",
	}
	invite.AddCommand(inviteIssueCmd())
	invite.AddCommand(inviteMarkCmd())
	invite.AddCommand(inviteCancelCmd())
	return invite
}

func inviteIssueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "issue <step-id>",
		Short: "Issue a signing link for a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inv, token, err := e.IssueInvitation(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				out := map[string]any{"invitation": inv, "token": token, "url": e.Config.InvitationURL(token)}
				if viper.GetBool("json") {
					return printJSON(cmd.OutOrStdout(), out)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "invitation %s\nlink: %s\n", inv.ID, out["url"])
				return nil
			})
		},
	}
}

func inviteMarkCmd() *cobra.Command {
	var meta []string
	cmd := &cobra.Command{
		Use:       "mark <invitation-id> <sent|delivered|opened|failed>",
		Short:     "Record delivery progress of an invitation",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"sent", "delivered", "opened", "failed"},
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMeta(meta)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var inv domain.SignatureInvitation
				switch domain.InvitationStatus(args[1]) {
				case domain.InvitationSent:
					inv, err = e.MarkInvitationSent(ctx, args[0], m, actorID())
				case domain.InvitationDelivered:
					inv, err = e.MarkInvitationDelivered(ctx, args[0], m, actorID())
				case domain.InvitationOpened:
					inv, err = e.MarkInvitationOpened(ctx, args[0], m, actorID())
				case domain.InvitationFailed:
					inv, err = e.MarkInvitationFailed(ctx, args[0], m, actorID())
				default:
					return fmt.Errorf("unknown invitation mark %q", args[1])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), inv)
			})
		},
	}
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
	return cmd
}

func inviteCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <invitation-id>",
		Short: "Cancel an invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inv, err := e.CancelInvitation(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(cmd.OutOrStdout(), inv)
			})
		},
	}
}

func signCmd() *cobra.Command {
	sign := &cobra.Command{
		Use:   "sign",
		Short: "Act on a signing link token",
	}
	find := &cobra.Command{
		Use:   "find <token>",
		Short: "Look up the invitation behind a signing link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inv, err := e.FindInvitationByToken(ctx, args[0])
				if err != nil {
					return err
				}
				if inv == nil {
					return errors.New(engine.MsgInvitationInvalid)
				}
				return printJSONOrTable(cmd.OutOrStdout(), inv)
			})
		},
	}
	var data domain.SignatureData
	submit := &cobra.Command{
		Use:   "submit <token>",
		Short: "Submit a signature through a signing link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if data.Timestamp == "" {
				data.Timestamp = time.Now().UTC().Format(time.RFC3339)
			}
			if data.UserAgent == "" {
				data.UserAgent = "bm-cli"
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SubmitSignature(ctx, args[0], data)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(cmd.OutOrStdout(), res); err != nil {
						return err
					}
				}
				if len(res.Errors) > 0 {
					return fmt.Errorf("signature rejected: %v", res.Errors)
				}
				if !viper.GetBool("json") {
					fmt.Fprintf(cmd.OutOrStdout(), "signed; workflow complete: %t\n", res.WorkflowComplete)
				}
				return nil
			})
		},
	}
	submit.Flags().StringVar(&data.Signature, "signature", "", "signature data")
	submit.Flags().StringVar(&data.Timestamp, "timestamp", "", "signing time (defaults to now)")
	submit.Flags().StringVar(&data.IPAddress, "ip", "", "signer IP address")
	submit.Flags().StringVar(&data.UserAgent, "user-agent", "", "signer user agent")
	submit.Flags().StringVar(&data.LicenseNumber, "license-number", "", "professional license number")
	submit.Flags().StringVar(&data.SealData, "seal", "", "notary seal data")
	submit.Flags().StringVar(&data.IdentityDocument, "identity-document", "", "identity document reference")
	sign.AddCommand(find, submit)
	return sign
}
