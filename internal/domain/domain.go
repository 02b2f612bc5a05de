package domain

import (
	"errors"
	"time"
)

// ErrInvalid marks caller input that can never succeed as given.
var ErrInvalid = errors.New("invalid input")

// DateLayout is the storage and wire layout for tenancy dates.
const DateLayout = "2006-01-02"

// TimestampLayout is the fixed-width UTC layout used in storage so that text
// comparison orders chronologically.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

type BailMobilite struct {
	ID             string     `json:"id"`
	StartDate      string     `json:"start_date" format:"date"`
	EndDate        string     `json:"end_date" format:"date"`
	TenantName     string     `json:"tenant_name"`
	TenantEmail    string     `json:"tenant_email,omitempty"`
	TenantPhone    string     `json:"tenant_phone,omitempty"`
	Address        string     `json:"address,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	Status         BailStatus `json:"status" enum:"assigned,in_progress,completed,incident"`
	OpsUserID      string     `json:"ops_user_id"`
	EntryMissionID string     `json:"entry_mission_id"`
	ExitMissionID  string     `json:"exit_mission_id"`
	CreatedAt      time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time  `json:"updated_at" format:"date-time"`
}

// End returns the parsed end date at 00:00 UTC.
func (b BailMobilite) End() (time.Time, error) {
	return time.Parse(DateLayout, b.EndDate)
}

type MissionKind string

const (
	MissionEntry MissionKind = "entry"
	MissionExit  MissionKind = "exit"
)

type Mission struct {
	ID             string        `json:"id"`
	BailMobiliteID string        `json:"bail_mobilite_id"`
	Kind           MissionKind   `json:"kind" enum:"entry,exit"`
	ScheduledAt    time.Time     `json:"scheduled_at" format:"date-time"`
	Status         MissionStatus `json:"status" enum:"unassigned,assigned,in_progress,completed,cancelled"`
	AgentID        *string       `json:"agent_id,omitempty"`
	Notes          string        `json:"notes,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt      time.Time     `json:"created_at" format:"date-time"`
	UpdatedAt      time.Time     `json:"updated_at" format:"date-time"`
}

type Checklist struct {
	ID              string         `json:"id"`
	MissionID       string         `json:"mission_id"`
	KeysReturned    bool           `json:"keys_returned"`
	OpsValidated    bool           `json:"ops_validated"`
	ValidatedBy     *string        `json:"validated_by,omitempty"`
	ValidatedAt     *time.Time     `json:"validated_at,omitempty" format:"date-time"`
	ValidationNotes string         `json:"validation_notes,omitempty"`
	Areas           ChecklistAreas `json:"areas"`
	CreatedAt       time.Time      `json:"created_at" format:"date-time"`
	UpdatedAt       time.Time      `json:"updated_at" format:"date-time"`
}

type ContractTemplate struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Kind           MissionKind `json:"kind" enum:"entry,exit"`
	Content        string      `json:"content"`
	AdminSignature *string     `json:"admin_signature,omitempty"`
	AdminSignedAt  *time.Time  `json:"admin_signed_at,omitempty" format:"date-time"`
	IsActive       bool        `json:"is_active"`
	CreatedBy      string      `json:"created_by"`
	CreatedAt      time.Time   `json:"created_at" format:"date-time"`
}

// Ready reports whether tenants may sign against the template.
func (t ContractTemplate) Ready() bool {
	return t.IsActive && t.AdminSignature != nil && *t.AdminSignature != ""
}

type PartyRole string

const (
	RoleTenant    PartyRole = "tenant"
	RoleLandlord  PartyRole = "landlord"
	RoleAgent     PartyRole = "agent"
	RoleWitness   PartyRole = "witness"
	RoleNotary    PartyRole = "notary"
	RoleGuarantor PartyRole = "guarantor"
	RoleOps       PartyRole = "ops"
)

func (r PartyRole) Valid() bool {
	switch r {
	case RoleTenant, RoleLandlord, RoleAgent, RoleWitness, RoleNotary, RoleGuarantor, RoleOps:
		return true
	}
	return false
}

type SignatureParty struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Role      PartyRole `json:"role" enum:"tenant,landlord,agent,witness,notary,guarantor,ops"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type SignatureWorkflowStep struct {
	ID                 string    `json:"id"`
	ContractTemplateID string    `json:"contract_template_id"`
	PartyID            string    `json:"party_id"`
	Name               string    `json:"name"`
	Order              int       `json:"step_order"`
	IsRequired         bool      `json:"is_required"`
	TimeoutHours       *int      `json:"timeout_hours,omitempty"`
	ValidationRules    []string  `json:"validation_rules,omitempty"`
	CreatedAt          time.Time `json:"created_at" format:"date-time"`
}

type SignatureInvitation struct {
	ID                 string            `json:"id"`
	StepID             string            `json:"step_id"`
	ContractTemplateID string            `json:"contract_template_id"`
	PartyID            string            `json:"party_id"`
	Status             InvitationStatus  `json:"status" enum:"pending,sent,delivered,opened,completed,expired,cancelled,failed"`
	ExpiresAt          *time.Time        `json:"expires_at,omitempty" format:"date-time"`
	SentAt             *time.Time        `json:"sent_at,omitempty" format:"date-time"`
	DeliveredAt        *time.Time        `json:"delivered_at,omitempty" format:"date-time"`
	OpenedAt           *time.Time        `json:"opened_at,omitempty" format:"date-time"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty" format:"date-time"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	SignatureData      *SignatureData    `json:"signature_data,omitempty"`
	CreatedAt          time.Time         `json:"created_at" format:"date-time"`
	UpdatedAt          time.Time         `json:"updated_at" format:"date-time"`

	// Token is only populated when the invitation is issued; storage keeps a hash.
	Token string `json:"-"`
}

// SignatureData is what a party submits through the signing link.
type SignatureData struct {
	Signature        string            `json:"signature"`
	Timestamp        string            `json:"timestamp"`
	IPAddress        string            `json:"ip_address"`
	UserAgent        string            `json:"user_agent,omitempty"`
	LicenseNumber    string            `json:"license_number,omitempty"`
	SealData         string            `json:"seal_data,omitempty"`
	IdentityDocument string            `json:"identity_document,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

type BailMobiliteSignature struct {
	ID                 string      `json:"id"`
	BailMobiliteID     string      `json:"bail_mobilite_id"`
	SignatureType      MissionKind `json:"signature_type" enum:"entry,exit"`
	TenantSignature    string      `json:"tenant_signature"`
	TenantSignedAt     *time.Time  `json:"tenant_signed_at,omitempty" format:"date-time"`
	ContractTemplateID string      `json:"contract_template_id"`
	PDFPath            string      `json:"pdf_path,omitempty"`
	IPAddress          string      `json:"ip_address,omitempty"`
	UserAgent          string      `json:"user_agent,omitempty"`
	CreatedAt          time.Time   `json:"created_at" format:"date-time"`
}

// Signed reports whether the tenant side of the signature is present.
func (s *BailMobiliteSignature) Signed() bool {
	return s != nil && s.TenantSignature != ""
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type IncidentReport struct {
	ID              string         `json:"id"`
	BailMobiliteID  string         `json:"bail_mobilite_id"`
	MissionID       *string        `json:"mission_id,omitempty"`
	Type            string         `json:"type"`
	Severity        Severity       `json:"severity" enum:"low,medium,high,critical"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Status          IncidentStatus `json:"status" enum:"open,in_progress,resolved,closed"`
	DetectedAt      time.Time      `json:"detected_at" format:"date-time"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy      *string        `json:"resolved_by,omitempty"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
	CreatedBy       string         `json:"created_by"`
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type CorrectiveAction struct {
	ID               string       `json:"id"`
	IncidentReportID string       `json:"incident_report_id"`
	Title            string       `json:"title"`
	Description      string       `json:"description,omitempty"`
	AssignedTo       string       `json:"assigned_to"`
	Priority         Priority     `json:"priority" enum:"low,medium,high,urgent"`
	Status           ActionStatus `json:"status" enum:"pending,in_progress,completed,cancelled"`
	DueDate          time.Time    `json:"due_date" format:"date-time"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty" format:"date-time"`
	CompletionNotes  string       `json:"completion_notes,omitempty"`
	CreatedBy        string       `json:"created_by"`
	CreatedAt        time.Time    `json:"created_at" format:"date-time"`
	UpdatedAt        time.Time    `json:"updated_at" format:"date-time"`
}

type NotificationType string

const (
	NotificationExitReminder        NotificationType = "EXIT_REMINDER"
	NotificationChecklistValidation NotificationType = "CHECKLIST_VALIDATION"
	NotificationIncidentAlert       NotificationType = "INCIDENT_ALERT"
	NotificationMissionAssigned     NotificationType = "MISSION_ASSIGNED"
	NotificationCalendarUpdate      NotificationType = "CALENDAR_UPDATE"
)

type DeliveryStatus string

const (
	DeliveryNone        DeliveryStatus = ""
	DeliveryDispatching DeliveryStatus = "dispatching"
	DeliveryDelivered   DeliveryStatus = "delivered"
	DeliveryFailed      DeliveryStatus = "failed"
)

type Notification struct {
	ID               string             `json:"id"`
	Type             NotificationType   `json:"type"`
	RecipientID      string             `json:"recipient_id"`
	BailMobiliteID   *string            `json:"bail_mobilite_id,omitempty"`
	ScheduledAt      time.Time          `json:"scheduled_at" format:"date-time"`
	SentAt           *time.Time         `json:"sent_at,omitempty" format:"date-time"`
	Status           NotificationStatus `json:"status" enum:"pending,sent,cancelled"`
	DeliveryStatus   DeliveryStatus     `json:"delivery_status,omitempty"`
	DeliveryAttempts int                `json:"delivery_attempts"`
	LastError        string             `json:"last_error,omitempty"`
	Data             NotificationData   `json:"data"`
	CreatedAt        time.Time          `json:"created_at" format:"date-time"`
	UpdatedAt        time.Time          `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         time.Time      `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Subject returns the event's entity as a tagged reference.
func (e Event) Subject() Ref {
	return Ref{Kind: RefKind(e.EntityKind), ID: e.EntityID}
}
