package server

import (
	"time"

	"github.com/buyrs/BM-sub005/internal/corrective"
	"github.com/buyrs/BM-sub005/internal/domain"
	"github.com/buyrs/BM-sub005/internal/gate"
)

// Request payloads

type CreateBailRequest struct {
	ID          *string `json:"id,omitempty"`
	StartDate   string  `json:"start_date" format:"date"`
	EndDate     string  `json:"end_date" format:"date"`
	TenantName  string  `json:"tenant_name"`
	TenantEmail string  `json:"tenant_email,omitempty"`
	TenantPhone string  `json:"tenant_phone,omitempty"`
	Address     string  `json:"address,omitempty"`
	Notes       string  `json:"notes,omitempty"`
	OpsUserID   string  `json:"ops_user_id,omitempty"`
}

type AssignMissionRequest struct {
	CheckerID   string     `json:"checker_id"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty" format:"date-time"`
}

type NotesRequest struct {
	Notes string `json:"notes,omitempty"`
}

type ChecklistRequest struct {
	KeysReturned bool                  `json:"keys_returned"`
	Areas        domain.ChecklistAreas `json:"areas"`
}

type ActionRequest struct {
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	Priority    string     `json:"priority,omitempty" enum:"low,medium,high,urgent"`
	DueDate     *time.Time `json:"due_date,omitempty" format:"date-time"`
}

type IncidentRequest struct {
	Type        string          `json:"type"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Severity    string          `json:"severity,omitempty" enum:"low,medium,high,critical"`
	MissionID   string          `json:"mission_id,omitempty"`
	Actions     []ActionRequest `json:"corrective_actions,omitempty"`
}

type ResolveIncidentRequest struct {
	TargetStatus string `json:"target_status" enum:"in_progress,completed"`
	Notes        string `json:"notes,omitempty"`
}

type CreateTemplateRequest struct {
	Name    string `json:"name"`
	Kind    string `json:"kind" enum:"entry,exit"`
	Content string `json:"content"`
	Active  bool   `json:"is_active,omitempty"`
}

type AdminSignRequest struct {
	Signature string `json:"signature"`
}

type CreatePartyRequest struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Role  string `json:"role" enum:"tenant,landlord,agent,witness,notary,guarantor,ops"`
}

type AddStepRequest struct {
	PartyID         string   `json:"party_id"`
	Name            string   `json:"name"`
	Order           int      `json:"step_order"`
	IsRequired      *bool    `json:"is_required,omitempty"`
	TimeoutHours    *int     `json:"timeout_hours,omitempty"`
	ValidationRules []string `json:"validation_rules,omitempty"`
}

type TenantSignatureRequest struct {
	Kind       string `json:"kind" enum:"entry,exit"`
	TemplateID string `json:"contract_template_id"`
	Signature  string `json:"signature"`
}

// SignRequest mirrors domain.SignatureData with every field optional so
// missing values are reported by the signature rules, not the schema.
type SignRequest struct {
	Signature        string            `json:"signature,omitempty"`
	Timestamp        string            `json:"timestamp,omitempty"`
	IPAddress        string            `json:"ip_address,omitempty"`
	UserAgent        string            `json:"user_agent,omitempty"`
	LicenseNumber    string            `json:"license_number,omitempty"`
	SealData         string            `json:"seal_data,omitempty"`
	IdentityDocument string            `json:"identity_document,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

func (r SignRequest) data() domain.SignatureData {
	return domain.SignatureData{
		Signature:        r.Signature,
		Timestamp:        r.Timestamp,
		IPAddress:        r.IPAddress,
		UserAgent:        r.UserAgent,
		LicenseNumber:    r.LicenseNumber,
		SealData:         r.SealData,
		IdentityDocument: r.IdentityDocument,
		Extra:            r.Extra,
	}
}

type InvitationMarkRequest struct {
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Response payloads

type ValidateEntryResponse struct {
	BailMobilite domain.BailMobilite `json:"bail_mobilite"`
	Gate         gate.Result         `json:"gate"`
}

type IssuedInvitationResponse struct {
	Invitation domain.SignatureInvitation `json:"invitation"`
	Token      string                     `json:"token"`
	URL        string                     `json:"url"`
}

// SigningViewResponse is what a party sees when opening a signing link.
type SigningViewResponse struct {
	InvitationID    string                  `json:"invitation_id"`
	Status          domain.InvitationStatus `json:"status"`
	ExpiresAt       *time.Time              `json:"expires_at,omitempty" format:"date-time"`
	StepName        string                  `json:"step_name"`
	StepOrder       int                     `json:"step_order"`
	PartyName       string                  `json:"party_name"`
	PartyRole       domain.PartyRole        `json:"party_role"`
	TemplateName    string                  `json:"template_name"`
	TemplateContent string                  `json:"template_content"`
	ValidationRules []string                `json:"validation_rules"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}

type SweepResponse struct {
	Counts map[string]int `json:"counts"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type RefResponse struct {
	Ref    string `json:"ref"`
	Entity any    `json:"entity"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func actionSpecs(in []ActionRequest) []corrective.Spec {
	out := make([]corrective.Spec, 0, len(in))
	for _, a := range in {
		out = append(out, actionSpec(a))
	}
	return out
}

func actionSpec(a ActionRequest) corrective.Spec {
	return corrective.Spec{
		Title:       a.Title,
		Description: a.Description,
		AssignedTo:  a.AssignedTo,
		Priority:    domain.Priority(a.Priority),
		DueDate:     a.DueDate,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
