package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buyrs/BM-sub005/internal/domain"
)

// Event types written to the journal.
const (
	BailCreated             = "bail.created"
	BailStatusChanged       = "bail.status_changed"
	MissionAssigned         = "mission.assigned"
	MissionStatusChanged    = "mission.status_changed"
	ChecklistSubmitted      = "checklist.submitted"
	ChecklistValidated      = "checklist.validated"
	IncidentOpened          = "incident.opened"
	IncidentResolved        = "incident.resolved"
	ActionCreated           = "corrective_action.created"
	ActionStatusChanged     = "corrective_action.status_changed"
	NotificationScheduled   = "notification.scheduled"
	NotificationSent        = "notification.sent"
	NotificationsCancelled  = "notification.cancelled"
	TemplateCreated         = "contract_template.created"
	TemplateSigned          = "contract_template.admin_signed"
	InvitationIssued        = "signature.invitation_issued"
	InvitationStatusChanged = "signature.invitation_status_changed"
	SignatureCompleted      = "signature.completed"
	SignatureWorkflowDone   = "signature.workflow_completed"
	TenantSignatureRecorded = "signature.tenant_recorded"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append journals an event inside tx and returns it for post-commit publishing.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC()
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts.Format(domain.TimestampLayout), evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return domain.Event{}, fmt.Errorf("append event %s: %w", evtType, err)
	}
	id, _ := res.LastInsertId()
	return domain.Event{
		ID:         id,
		TS:         ts,
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    payload,
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Tx is an open transaction that remembers the events journaled through it
// so they can be published once it commits.
type Tx struct {
	*sql.Tx
	Writer  Writer
	Emitted []domain.Event
}

// Begin opens a transaction on db.
func Begin(ctx context.Context, db *sql.DB, w Writer) (*Tx, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx, Writer: w}, nil
}

// Append journals an event and records it for publishing.
func (t *Tx) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	evt, err := t.Writer.Append(ctx, t.Tx, evtType, entityKind, entityID, actorID, payload)
	if err != nil {
		return err
	}
	t.Emitted = append(t.Emitted, evt)
	return nil
}
