package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/buyrs/BM-sub005/internal/config"
	"github.com/buyrs/BM-sub005/internal/domain"
	"github.com/buyrs/BM-sub005/internal/events"
	"github.com/buyrs/BM-sub005/internal/repo"
	"github.com/buyrs/BM-sub005/internal/signature"
)

// Messages returned by SubmitSignature for invitation problems. They share
// the list with data validation messages.
const (
	MsgInvitationInvalid = "invitation not found or no longer valid"
	MsgAlreadyCompleted  = "invitation has already been completed or has expired"
	MsgStepSigned        = "signature step has already been signed"
)

type TemplateOptions struct {
	Name    string
	Kind    domain.MissionKind
	Content string
	Active  bool
	ActorID string
}

func (e Engine) CreateContractTemplate(ctx context.Context, opts TemplateOptions) (domain.ContractTemplate, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.ContractTemplate{}, fmt.Errorf("%w: template name is required", domain.ErrInvalid)
	}
	if opts.Kind != domain.MissionEntry && opts.Kind != domain.MissionExit {
		return domain.ContractTemplate{}, fmt.Errorf("%w: template kind must be entry or exit", domain.ErrInvalid)
	}
	t := domain.ContractTemplate{
		ID:        uuid.NewString(),
		Name:      opts.Name,
		Kind:      opts.Kind,
		Content:   opts.Content,
		IsActive:  opts.Active,
		CreatedBy: opts.ActorID,
		CreatedAt: e.now(),
	}
	err := e.run(ctx, func(u *unit) error {
		if err := e.Repo.InsertContractTemplate(ctx, u.tx, t); err != nil {
			return fmt.Errorf("insert contract template: %w", err)
		}
		return u.emit(ctx, events.TemplateCreated, domain.RefContractTemplate, t.ID, opts.ActorID, events.EventPayload{
			"name": t.Name,
			"kind": string(t.Kind),
		})
	})
	return t, err
}

func (e Engine) GetContractTemplate(ctx context.Context, id string) (domain.ContractTemplate, error) {
	return e.Repo.GetContractTemplate(ctx, nil, id)
}

// AdminSignTemplate stores the admin signature and activates the template,
// which makes it ready for tenants.
func (e Engine) AdminSignTemplate(ctx context.Context, templateID, sig, actorID string) (domain.ContractTemplate, error) {
	if strings.TrimSpace(sig) == "" {
		return domain.ContractTemplate{}, fmt.Errorf("%w: admin signature is required", domain.ErrInvalid)
	}
	var t domain.ContractTemplate
	err := e.run(ctx, func(u *unit) error {
		var err error
		if t, err = e.Repo.GetContractTemplate(ctx, u.tx, templateID); err != nil {
			return err
		}
		now := e.now()
		t.AdminSignature = &sig
		t.AdminSignedAt = &now
		t.IsActive = true
		if err := e.Repo.UpdateContractTemplate(ctx, u.tx, t); err != nil {
			return err
		}
		return u.emit(ctx, events.TemplateSigned, domain.RefContractTemplate, t.ID, actorID, nil)
	})
	return t, err
}

func (e Engine) CreateParty(ctx context.Context, name, email, phone string, role domain.PartyRole) (domain.SignatureParty, error) {
	if strings.TrimSpace(name) == "" {
		return domain.SignatureParty{}, fmt.Errorf("%w: party name is required", domain.ErrInvalid)
	}
	if !role.Valid() {
		return domain.SignatureParty{}, fmt.Errorf("%w: unknown party role %q", domain.ErrInvalid, role)
	}
	p := domain.SignatureParty{ID: uuid.NewString(), Name: name, Email: email, Phone: phone, Role: role, CreatedAt: e.now()}
	if err := e.Repo.InsertSignatureParty(ctx, nil, p); err != nil {
		return p, fmt.Errorf("insert signature party: %w", err)
	}
	return p, nil
}

type StepOptions struct {
	TemplateID      string
	PartyID         string
	Name            string
	Order           int
	IsRequired      bool
	TimeoutHours    *int
	ValidationRules []string
}

// AddWorkflowStep appends a signing step. Orders are unique per template.
func (e Engine) AddWorkflowStep(ctx context.Context, opts StepOptions) (domain.SignatureWorkflowStep, error) {
	for _, r := range opts.ValidationRules {
		if !config.KnownRule(r) {
			return domain.SignatureWorkflowStep{}, fmt.Errorf("%w: unknown validation rule %s", domain.ErrInvalid, r)
		}
	}
	if opts.TimeoutHours != nil && *opts.TimeoutHours < 0 {
		return domain.SignatureWorkflowStep{}, fmt.Errorf("%w: timeout_hours must be >= 0", domain.ErrInvalid)
	}
	step := domain.SignatureWorkflowStep{
		ID:                 uuid.NewString(),
		ContractTemplateID: opts.TemplateID,
		PartyID:            opts.PartyID,
		Name:               opts.Name,
		Order:              opts.Order,
		IsRequired:         opts.IsRequired,
		TimeoutHours:       opts.TimeoutHours,
		ValidationRules:    opts.ValidationRules,
		CreatedAt:          e.now(),
	}
	err := e.run(ctx, func(u *unit) error {
		if _, err := e.Repo.GetContractTemplate(ctx, u.tx, opts.TemplateID); err != nil {
			return err
		}
		if _, err := e.Repo.GetSignatureParty(ctx, u.tx, opts.PartyID); err != nil {
			return err
		}
		steps, err := e.Repo.ListWorkflowSteps(ctx, u.tx, opts.TemplateID)
		if err != nil {
			return err
		}
		for _, s := range steps {
			if s.Order == opts.Order {
				return fmt.Errorf("%w: step order %d already used by %s", domain.ErrInvalid, opts.Order, s.Name)
			}
		}
		return e.Repo.InsertWorkflowStep(ctx, u.tx, step)
	})
	return step, err
}

func (e Engine) ListWorkflowSteps(ctx context.Context, templateID string) ([]domain.SignatureWorkflowStep, error) {
	return e.Repo.ListWorkflowSteps(ctx, nil, templateID)
}

// WorkflowProgress is the signing state of a template: the step waiting for a
// signature, if any, and whether every required step is signed.
type WorkflowProgress struct {
	CurrentStep *domain.SignatureWorkflowStep `json:"current_step,omitempty"`
	Complete    bool                          `json:"complete"`
}

func (e Engine) GetWorkflowProgress(ctx context.Context, templateID string) (WorkflowProgress, error) {
	steps, err := e.Repo.ListWorkflowSteps(ctx, nil, templateID)
	if err != nil {
		return WorkflowProgress{}, err
	}
	invs, err := e.Repo.ListInvitationsByTemplate(ctx, nil, templateID)
	if err != nil {
		return WorkflowProgress{}, err
	}
	var p WorkflowProgress
	if cur, ok := signature.CurrentStep(steps, invs); ok {
		p.CurrentStep = &cur
	}
	p.Complete = signature.Complete(steps, invs)
	return p, nil
}

// TenantSignatureInput is the tenant's signature on one side of a tenancy.
type TenantSignatureInput struct {
	BailMobiliteID string
	Kind           domain.MissionKind
	TemplateID     string
	Signature      string
	IPAddress      string
	UserAgent      string
	ActorID        string
}

// RecordTenantSignature stores the tenant's entry or exit signature. The
// template must be ready and of the same kind.
func (e Engine) RecordTenantSignature(ctx context.Context, in TenantSignatureInput) (domain.BailMobiliteSignature, error) {
	if strings.TrimSpace(in.Signature) == "" {
		return domain.BailMobiliteSignature{}, fmt.Errorf("%w: tenant signature is required", domain.ErrInvalid)
	}
	var sig domain.BailMobiliteSignature
	err := e.run(ctx, func(u *unit) error {
		if _, err := e.Repo.GetBailMobilite(ctx, u.tx, in.BailMobiliteID); err != nil {
			return err
		}
		tpl, err := e.Repo.GetContractTemplate(ctx, u.tx, in.TemplateID)
		if err != nil {
			return err
		}
		if !tpl.Ready() {
			return fmt.Errorf("%w: contract template %s is not active and admin-signed", domain.ErrInvalid, tpl.ID)
		}
		if tpl.Kind != in.Kind {
			return fmt.Errorf("%w: contract template %s is for %s, not %s", domain.ErrInvalid, tpl.ID, tpl.Kind, in.Kind)
		}
		now := e.now()
		sig = domain.BailMobiliteSignature{
			ID:                 uuid.NewString(),
			BailMobiliteID:     in.BailMobiliteID,
			SignatureType:      in.Kind,
			TenantSignature:    in.Signature,
			TenantSignedAt:     &now,
			ContractTemplateID: tpl.ID,
			IPAddress:          in.IPAddress,
			UserAgent:          in.UserAgent,
			CreatedAt:          now,
		}
		if err := e.Repo.UpsertBailSignature(ctx, u.tx, sig); err != nil {
			return fmt.Errorf("store tenant signature: %w", err)
		}
		if sig, err = e.Repo.GetBailSignature(ctx, u.tx, in.BailMobiliteID, in.Kind); err != nil {
			return err
		}
		return u.emit(ctx, events.TenantSignatureRecorded, domain.RefBailMobilite, in.BailMobiliteID, in.ActorID, events.EventPayload{
			"kind":                 string(in.Kind),
			"contract_template_id": tpl.ID,
		})
	})
	return sig, err
}

// IssueInvitation creates a single-use signing link for a step and returns
// the invitation, carrying the raw token, and its URL. A step that already
// holds a completed invitation gets no new link.
func (e Engine) IssueInvitation(ctx context.Context, stepID, actorID string) (domain.SignatureInvitation, string, error) {
	token, err := signature.NewToken(e.Rand)
	if err != nil {
		return domain.SignatureInvitation{}, "", err
	}
	var inv domain.SignatureInvitation
	err = e.run(ctx, func(u *unit) error {
		step, err := e.Repo.GetWorkflowStep(ctx, u.tx, stepID)
		if err != nil {
			return err
		}
		invs, err := e.Repo.ListInvitationsByTemplate(ctx, u.tx, step.ContractTemplateID)
		if err != nil {
			return err
		}
		if signature.StepSigned(step.ID, invs) {
			return fmt.Errorf("%w: step %s is already signed", domain.ErrInvalid, step.Name)
		}
		now := e.now()
		inv = domain.SignatureInvitation{
			ID:                 uuid.NewString(),
			StepID:             step.ID,
			ContractTemplateID: step.ContractTemplateID,
			PartyID:            step.PartyID,
			Status:             domain.InvitationPending,
			ExpiresAt:          signature.ExpiresAt(step, e.Config.Signatures.DefaultTimeoutHours, now),
			CreatedAt:          now,
			UpdatedAt:          now,
			Token:              token,
		}
		if err := e.Repo.InsertInvitation(ctx, u.tx, inv, repo.HashToken(token)); err != nil {
			return fmt.Errorf("insert invitation: %w", err)
		}
		return u.emit(ctx, events.InvitationIssued, domain.RefSignatureInvitation, inv.ID, actorID, events.EventPayload{
			"step_id":              step.ID,
			"contract_template_id": step.ContractTemplateID,
			"party_id":             step.PartyID,
		})
	})
	if err != nil {
		return domain.SignatureInvitation{}, "", err
	}
	return inv, e.Config.InvitationURL(token), nil
}

func (e Engine) GetInvitation(ctx context.Context, id string) (domain.SignatureInvitation, error) {
	return e.Repo.GetInvitation(ctx, nil, id)
}

func (e Engine) MarkInvitationSent(ctx context.Context, id string, meta map[string]string, actorID string) (domain.SignatureInvitation, error) {
	return e.advanceInvitation(ctx, id, domain.InvitationSent, meta, actorID)
}

func (e Engine) MarkInvitationDelivered(ctx context.Context, id string, meta map[string]string, actorID string) (domain.SignatureInvitation, error) {
	return e.advanceInvitation(ctx, id, domain.InvitationDelivered, meta, actorID)
}

func (e Engine) MarkInvitationOpened(ctx context.Context, id string, meta map[string]string, actorID string) (domain.SignatureInvitation, error) {
	return e.advanceInvitation(ctx, id, domain.InvitationOpened, meta, actorID)
}

func (e Engine) MarkInvitationFailed(ctx context.Context, id string, meta map[string]string, actorID string) (domain.SignatureInvitation, error) {
	return e.advanceInvitation(ctx, id, domain.InvitationFailed, meta, actorID)
}

func (e Engine) CancelInvitation(ctx context.Context, id, actorID string) (domain.SignatureInvitation, error) {
	return e.advanceInvitation(ctx, id, domain.InvitationCancelled, nil, actorID)
}

func (e Engine) advanceInvitation(ctx context.Context, id string, to domain.InvitationStatus, meta map[string]string, actorID string) (domain.SignatureInvitation, error) {
	var inv domain.SignatureInvitation
	err := e.run(ctx, func(u *unit) error {
		cur, err := e.Repo.GetInvitation(ctx, u.tx, id)
		if err != nil {
			return err
		}
		if inv, err = signature.Advance(cur, to, meta, e.now()); err != nil {
			return err
		}
		if to.Terminal() {
			err = e.Repo.SetInvitationStatus(ctx, u.tx, inv)
		} else {
			err = e.Repo.UpdateInvitationProgress(ctx, u.tx, inv)
		}
		if errors.Is(err, repo.ErrNotFound) {
			return &domain.TransitionError{Entity: "signature_invitation", From: string(cur.Status), To: string(to), Reasons: []string{"invitation changed concurrently"}}
		}
		if err != nil {
			return err
		}
		return u.emit(ctx, events.InvitationStatusChanged, domain.RefSignatureInvitation, inv.ID, actorID, events.EventPayload{
			"from": string(cur.Status),
			"to":   string(to),
		})
	})
	return inv, err
}

// FindInvitationByToken returns the invitation only while its link is
// usable. Unknown, completed, cancelled or expired tokens yield nil.
func (e Engine) FindInvitationByToken(ctx context.Context, token string) (*domain.SignatureInvitation, error) {
	if token == "" {
		return nil, nil
	}
	inv, err := optional(e.Repo.GetInvitationByToken(ctx, nil, token))
	if err != nil || inv == nil {
		return nil, err
	}
	if !signature.Usable(*inv, e.now()) {
		return nil, nil
	}
	return inv, nil
}

// ValidateSignatureData checks data against the generic rules, the party
// role rules and the step's own rules.
func (e Engine) ValidateSignatureData(data domain.SignatureData, role domain.PartyRole, stepRules []string) []string {
	return e.Validator.Validate(data, role, stepRules)
}

// SignatureResult is the outcome of a signing attempt. Errors lists every
// reason the signature was refused; empty means it was recorded.
type SignatureResult struct {
	Errors           []string                    `json:"errors,omitempty"`
	Invitation       *domain.SignatureInvitation `json:"invitation,omitempty"`
	WorkflowComplete bool                        `json:"workflow_complete"`
}

// SubmitSignature completes the invitation behind token with data. Invitation
// problems and validation failures are both returned as messages; err is
// reserved for storage failures.
func (e Engine) SubmitSignature(ctx context.Context, token string, data domain.SignatureData) (SignatureResult, error) {
	var res SignatureResult
	err := e.run(ctx, func(u *unit) error {
		inv, err := optional(e.Repo.GetInvitationByToken(ctx, u.tx, token))
		if err != nil {
			return err
		}
		now := e.now()
		if inv == nil || !signature.Usable(*inv, now) {
			res.Errors = []string{MsgInvitationInvalid}
			return nil
		}
		step, err := e.Repo.GetWorkflowStep(ctx, u.tx, inv.StepID)
		if err != nil {
			return err
		}
		party, err := e.Repo.GetSignatureParty(ctx, u.tx, inv.PartyID)
		if err != nil {
			return err
		}
		steps, err := e.Repo.ListWorkflowSteps(ctx, u.tx, inv.ContractTemplateID)
		if err != nil {
			return err
		}
		invs, err := e.Repo.ListInvitationsByTemplate(ctx, u.tx, inv.ContractTemplateID)
		if err != nil {
			return err
		}
		if blocking, ok := signature.BlockingStep(step, steps, invs); ok {
			res.Errors = append(res.Errors, fmt.Sprintf("waiting for previous signature step: %s", blocking.Name))
		}
		if signature.StepSigned(step.ID, invs) {
			res.Errors = append(res.Errors, MsgStepSigned)
		}
		res.Errors = append(res.Errors, e.Validator.Validate(data, party.Role, step.ValidationRules)...)
		if len(res.Errors) > 0 {
			return nil
		}
		wasComplete := signature.Complete(steps, invs)
		ok, err := e.Repo.CompleteInvitation(ctx, u.tx, inv.ID, data, now)
		if err != nil {
			return err
		}
		if !ok {
			res.Errors = []string{MsgAlreadyCompleted}
			return nil
		}
		done, err := e.Repo.GetInvitation(ctx, u.tx, inv.ID)
		if err != nil {
			return err
		}
		res.Invitation = &done
		if err := u.emit(ctx, events.SignatureCompleted, domain.RefSignatureInvitation, done.ID, party.ID, events.EventPayload{
			"step_id":              step.ID,
			"contract_template_id": step.ContractTemplateID,
			"party_role":           string(party.Role),
		}); err != nil {
			return err
		}
		for i := range invs {
			if invs[i].ID == done.ID {
				invs[i] = done
			}
		}
		if wasComplete || !signature.Complete(steps, invs) {
			return nil
		}
		res.WorkflowComplete = true
		if err := u.emit(ctx, events.SignatureWorkflowDone, domain.RefContractTemplate, step.ContractTemplateID, party.ID, events.EventPayload{
			"steps": len(steps),
		}); err != nil {
			return err
		}
		u.after = append(u.after, func(ctx context.Context) {
			e.archiveWorkflow(ctx, step.ContractTemplateID, steps, invs)
		})
		return nil
	})
	if err != nil {
		return SignatureResult{}, err
	}
	return res, nil
}

type workflowRecord struct {
	ContractTemplateID string                         `json:"contract_template_id"`
	CompletedAt        string                         `json:"completed_at"`
	Steps              []domain.SignatureWorkflowStep `json:"steps"`
	Invitations        []domain.SignatureInvitation   `json:"invitations"`
}

// archiveWorkflow writes the signed workflow to the archive store. Failures
// are logged; the signatures are already committed.
func (e Engine) archiveWorkflow(ctx context.Context, templateID string, steps []domain.SignatureWorkflowStep, invs []domain.SignatureInvitation) {
	if e.Archive == nil {
		return
	}
	now := e.now()
	var signed []domain.SignatureInvitation
	for _, inv := range invs {
		if inv.Status == domain.InvitationCompleted {
			signed = append(signed, inv)
		}
	}
	body, err := json.MarshalIndent(workflowRecord{
		ContractTemplateID: templateID,
		CompletedAt:        now.Format(domain.TimestampLayout),
		Steps:              signature.Sorted(steps),
		Invitations:        signed,
	}, "", "  ")
	if err != nil {
		e.logger().Error("archive signed workflow", "template", templateID, "err", err)
		return
	}
	key := fmt.Sprintf("signatures/%s/%s.json", templateID, now.Format("20060102T150405Z"))
	loc, err := e.Archive.Put(ctx, key, body, "application/json")
	if err != nil {
		e.logger().Error("archive signed workflow", "template", templateID, "err", err)
		return
	}
	e.logger().Info("signed workflow archived", "template", templateID, "location", loc)
}

// ExpireInvitations marks open invitations past their expiry. Lookups stay
// lazy; this only keeps stored statuses honest.
func (e Engine) ExpireInvitations(ctx context.Context) (int, error) {
	var n int64
	err := e.run(ctx, func(u *unit) error {
		var err error
		if n, err = e.Repo.ExpireInvitations(ctx, u.tx, e.now()); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		return u.emit(ctx, events.InvitationStatusChanged, domain.RefSignatureInvitation, "*", "scheduler", events.EventPayload{
			"to":    string(domain.InvitationExpired),
			"count": n,
		})
	})
	return int(n), err
}
