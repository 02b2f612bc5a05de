package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/buyrs/BM-sub005/internal/corrective"
	"github.com/buyrs/BM-sub005/internal/domain"
	"github.com/buyrs/BM-sub005/internal/events"
	"github.com/buyrs/BM-sub005/internal/gate"
	"github.com/buyrs/BM-sub005/internal/incident"
	"github.com/buyrs/BM-sub005/internal/repo"
)

// BailCreateOptions are parameters for opening a tenancy.
type BailCreateOptions struct {
	ID          string
	StartDate   string
	EndDate     string
	TenantName  string
	TenantEmail string
	TenantPhone string
	Address     string
	Notes       string
	OpsUserID   string
	ActorID     string
}

// CreateBailMobilite opens a tenancy in status assigned together with its
// unassigned entry and exit missions on the start and end dates.
func (e Engine) CreateBailMobilite(ctx context.Context, opts BailCreateOptions) (domain.BailMobilite, error) {
	if strings.TrimSpace(opts.TenantName) == "" {
		return domain.BailMobilite{}, fmt.Errorf("%w: tenant name is required", domain.ErrInvalid)
	}
	start, err := time.Parse(domain.DateLayout, opts.StartDate)
	if err != nil {
		return domain.BailMobilite{}, fmt.Errorf("%w: start_date must be YYYY-MM-DD", domain.ErrInvalid)
	}
	end, err := time.Parse(domain.DateLayout, opts.EndDate)
	if err != nil {
		return domain.BailMobilite{}, fmt.Errorf("%w: end_date must be YYYY-MM-DD", domain.ErrInvalid)
	}
	if !end.After(start) {
		return domain.BailMobilite{}, fmt.Errorf("%w: end_date must be after start_date", domain.ErrInvalid)
	}
	if opts.OpsUserID == "" {
		opts.OpsUserID = opts.ActorID
	}
	if opts.OpsUserID == "" {
		return domain.BailMobilite{}, fmt.Errorf("%w: ops user is required", domain.ErrInvalid)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	bm := domain.BailMobilite{
		ID:             id,
		StartDate:      opts.StartDate,
		EndDate:        opts.EndDate,
		TenantName:     opts.TenantName,
		TenantEmail:    opts.TenantEmail,
		TenantPhone:    opts.TenantPhone,
		Address:        opts.Address,
		Notes:          opts.Notes,
		Status:         domain.BailAssigned,
		OpsUserID:      opts.OpsUserID,
		EntryMissionID: uuid.NewString(),
		ExitMissionID:  uuid.NewString(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	missions := []domain.Mission{
		{ID: bm.EntryMissionID, BailMobiliteID: id, Kind: domain.MissionEntry, ScheduledAt: start, Status: domain.MissionUnassigned, CreatedAt: now, UpdatedAt: now},
		{ID: bm.ExitMissionID, BailMobiliteID: id, Kind: domain.MissionExit, ScheduledAt: end, Status: domain.MissionUnassigned, CreatedAt: now, UpdatedAt: now},
	}
	err = e.run(ctx, func(u *unit) error {
		if err := e.Repo.InsertBailMobilite(ctx, u.tx, bm); err != nil {
			return fmt.Errorf("insert bail mobilite: %w", err)
		}
		for _, m := range missions {
			if err := e.Repo.InsertMission(ctx, u.tx, m); err != nil {
				return fmt.Errorf("insert %s mission: %w", m.Kind, err)
			}
		}
		return u.emit(ctx, events.BailCreated, domain.RefBailMobilite, bm.ID, opts.ActorID, events.EventPayload{
			"status":      string(bm.Status),
			"start_date":  bm.StartDate,
			"end_date":    bm.EndDate,
			"ops_user_id": bm.OpsUserID,
		})
	})
	if err != nil {
		return domain.BailMobilite{}, err
	}
	return bm, nil
}

func (e Engine) GetBailMobilite(ctx context.Context, id string) (domain.BailMobilite, error) {
	return e.Repo.GetBailMobilite(ctx, nil, id)
}

func (e Engine) ListBailMobilites(ctx context.Context, f repo.BailFilters) ([]domain.BailMobilite, error) {
	return e.Repo.ListBailMobilites(ctx, f)
}

// BailDetail is a tenancy with everything hanging off it.
type BailDetail struct {
	BailMobilite   domain.BailMobilite           `json:"bail_mobilite"`
	EntryMission   domain.Mission                `json:"entry_mission"`
	ExitMission    domain.Mission                `json:"exit_mission"`
	EntryChecklist *domain.Checklist             `json:"entry_checklist,omitempty"`
	ExitChecklist  *domain.Checklist             `json:"exit_checklist,omitempty"`
	EntrySignature *domain.BailMobiliteSignature `json:"entry_signature,omitempty"`
	ExitSignature  *domain.BailMobiliteSignature `json:"exit_signature,omitempty"`
	Incidents      []domain.IncidentReport       `json:"incidents"`
	Actions        []domain.CorrectiveAction     `json:"corrective_actions"`
	Notifications  []domain.Notification         `json:"notifications"`
}

func (e Engine) GetBailDetail(ctx context.Context, id string) (BailDetail, error) {
	var d BailDetail
	bm, err := e.Repo.GetBailMobilite(ctx, nil, id)
	if err != nil {
		return d, err
	}
	d.BailMobilite = bm
	if d.EntryMission, err = e.Repo.GetMission(ctx, nil, bm.EntryMissionID); err != nil {
		return d, err
	}
	if d.ExitMission, err = e.Repo.GetMission(ctx, nil, bm.ExitMissionID); err != nil {
		return d, err
	}
	if d.EntryChecklist, err = optional(e.Repo.GetChecklistByMission(ctx, nil, bm.EntryMissionID)); err != nil {
		return d, err
	}
	if d.ExitChecklist, err = optional(e.Repo.GetChecklistByMission(ctx, nil, bm.ExitMissionID)); err != nil {
		return d, err
	}
	if d.EntrySignature, err = optional(e.Repo.GetBailSignature(ctx, nil, bm.ID, domain.MissionEntry)); err != nil {
		return d, err
	}
	if d.ExitSignature, err = optional(e.Repo.GetBailSignature(ctx, nil, bm.ID, domain.MissionExit)); err != nil {
		return d, err
	}
	if d.Incidents, err = e.Repo.ListIncidentReports(ctx, nil, bm.ID); err != nil {
		return d, err
	}
	if d.Actions, err = e.Repo.ListCorrectiveActions(ctx, repo.ActionFilters{BailMobiliteID: bm.ID}); err != nil {
		return d, err
	}
	d.Notifications, err = e.Repo.ListNotifications(ctx, nil, repo.NotificationFilters{BailMobiliteID: bm.ID})
	return d, err
}

// transition applies a lifecycle event through the status table. Pending
// notifications of the tenancy are cancelled in the same unit of work.
func (e Engine) transition(ctx context.Context, u *unit, bm *domain.BailMobilite, ev domain.BailEvent, actorID string) error {
	to, err := domain.NextBailStatus(bm.Status, ev)
	if err != nil {
		return err
	}
	from := bm.Status
	now := e.now()
	if err := e.Repo.UpdateBailStatus(ctx, u.tx, bm.ID, to, now); err != nil {
		return fmt.Errorf("update bail status: %w", err)
	}
	if _, err := e.Scheduler().CancelScheduled(ctx, u.ev, bm.ID, actorID); err != nil {
		return err
	}
	if err := u.emit(ctx, events.BailStatusChanged, domain.RefBailMobilite, bm.ID, actorID, events.EventPayload{
		"from":  string(from),
		"to":    string(to),
		"event": string(ev),
	}); err != nil {
		return err
	}
	bm.Status = to
	bm.UpdatedAt = now
	return nil
}

func gateError(bm domain.BailMobilite, to domain.BailStatus, reasons ...string) error {
	return &domain.TransitionError{Entity: "bail_mobilite", From: string(bm.Status), To: string(to), Reasons: reasons}
}

// ValidateEntry is the ops sign-off of the entry inspection. It marks the
// entry checklist validated and, when the entry gate passes, moves the
// tenancy to in_progress and schedules the exit reminder. A failing gate
// returns a TransitionError carrying the gate reasons and changes nothing.
func (e Engine) ValidateEntry(ctx context.Context, bmID, notes, actorID string) (domain.BailMobilite, gate.Result, error) {
	var (
		bm  domain.BailMobilite
		res gate.Result
	)
	err := e.run(ctx, func(u *unit) error {
		var err error
		if bm, err = e.Repo.GetBailMobilite(ctx, u.tx, bmID); err != nil {
			return err
		}
		if _, err := domain.NextBailStatus(bm.Status, domain.EventEntryValidated); err != nil {
			return err
		}
		mission, err := e.Repo.GetMission(ctx, u.tx, bm.EntryMissionID)
		if err != nil {
			return err
		}
		if mission.Status != domain.MissionCompleted {
			res = gate.EvaluateEntry(&mission, nil, nil)
			return gateError(bm, domain.BailInProgress, "entry mission is not completed")
		}
		now := e.now()
		err = e.Repo.MarkChecklistValidated(ctx, u.tx, mission.ID, actorID, notes, now)
		switch {
		case err == nil:
			if err := u.emit(ctx, events.ChecklistValidated, domain.RefMission, mission.ID, actorID, events.EventPayload{"kind": string(mission.Kind)}); err != nil {
				return err
			}
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		checklist, err := optional(e.Repo.GetChecklistByMission(ctx, u.tx, mission.ID))
		if err != nil {
			return err
		}
		sig, err := optional(e.Repo.GetBailSignature(ctx, u.tx, bm.ID, domain.MissionEntry))
		if err != nil {
			return err
		}
		res = gate.EvaluateEntry(&mission, checklist, sig)
		if !res.Ready {
			return gateError(bm, domain.BailInProgress, res.Messages()...)
		}
		if err := e.transition(ctx, u, &bm, domain.EventEntryValidated, actorID); err != nil {
			return err
		}
		_, err = e.Scheduler().ScheduleExitReminder(ctx, u.ev, bm, bm.OpsUserID, actorID)
		return err
	})
	return bm, res, err
}

// DetectionResult reports what exit processing decided.
type DetectionResult struct {
	HasIncidents bool                      `json:"has_incidents"`
	Status       domain.BailStatus         `json:"status"`
	Gate         gate.Result               `json:"gate"`
	Incidents    []domain.IncidentReport   `json:"incidents,omitempty"`
	Actions      []domain.CorrectiveAction `json:"corrective_actions,omitempty"`
}

// ValidateExit is the ops sign-off of the exit inspection. The tenancy must be
// in_progress with its exit mission completed; the exit checklist is marked
// validated when present and incident detection runs in the same transaction.
func (e Engine) ValidateExit(ctx context.Context, bmID, notes, actorID string) (DetectionResult, error) {
	var res DetectionResult
	err := e.run(ctx, func(u *unit) error {
		bm, err := e.Repo.GetBailMobilite(ctx, u.tx, bmID)
		if err != nil {
			return err
		}
		if bm.Status != domain.BailInProgress {
			return gateError(bm, domain.BailCompleted, "tenancy is not in progress")
		}
		mission, err := e.Repo.GetMission(ctx, u.tx, bm.ExitMissionID)
		if err != nil {
			return err
		}
		if mission.Status != domain.MissionCompleted {
			return gateError(bm, domain.BailCompleted, "exit mission is not completed")
		}
		err = e.Repo.MarkChecklistValidated(ctx, u.tx, mission.ID, actorID, notes, e.now())
		switch {
		case err == nil:
			if err := u.emit(ctx, events.ChecklistValidated, domain.RefMission, mission.ID, actorID, events.EventPayload{"kind": string(mission.Kind)}); err != nil {
				return err
			}
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		res, err = e.processIncidentDetection(ctx, u, &bm, actorID)
		return err
	})
	return res, err
}

// ProcessIncidentDetection runs the exit rules against an in_progress
// tenancy. Any other status is a no-op. A clean run completes the tenancy
// only when the exit gate is also ready.
func (e Engine) ProcessIncidentDetection(ctx context.Context, bmID, actorID string) (DetectionResult, error) {
	var res DetectionResult
	err := e.run(ctx, func(u *unit) error {
		bm, err := e.Repo.GetBailMobilite(ctx, u.tx, bmID)
		if err != nil {
			return err
		}
		res, err = e.processIncidentDetection(ctx, u, &bm, actorID)
		return err
	})
	return res, err
}

func (e Engine) exitState(ctx context.Context, u *unit, bm domain.BailMobilite) (incident.State, *domain.ContractTemplate, error) {
	st := incident.State{Bail: bm}
	var err error
	if st.ExitMission, err = optional(e.Repo.GetMission(ctx, u.tx, bm.ExitMissionID)); err != nil {
		return st, nil, err
	}
	if st.Checklist, err = optional(e.Repo.GetChecklistByMission(ctx, u.tx, bm.ExitMissionID)); err != nil {
		return st, nil, err
	}
	if st.ExitSignature, err = optional(e.Repo.GetBailSignature(ctx, u.tx, bm.ID, domain.MissionExit)); err != nil {
		return st, nil, err
	}
	var tpl *domain.ContractTemplate
	if st.ExitSignature != nil && st.ExitSignature.ContractTemplateID != "" {
		if tpl, err = optional(e.Repo.GetContractTemplate(ctx, u.tx, st.ExitSignature.ContractTemplateID)); err != nil {
			return st, nil, err
		}
	}
	return st, tpl, nil
}

func (e Engine) processIncidentDetection(ctx context.Context, u *unit, bm *domain.BailMobilite, actorID string) (DetectionResult, error) {
	res := DetectionResult{Status: bm.Status}
	if bm.Status != domain.BailInProgress {
		return res, nil
	}
	st, tpl, err := e.exitState(ctx, u, *bm)
	if err != nil {
		return res, err
	}
	res.Gate = gate.EvaluateExit(st.ExitMission, st.Checklist, st.ExitSignature, tpl)
	found := e.Detector.Detect(st)
	if len(found) == 0 {
		if !res.Gate.Ready {
			return res, nil
		}
		if err := e.transition(ctx, u, bm, domain.EventExitCleared, actorID); err != nil {
			return res, err
		}
		res.Status = bm.Status
		return res, nil
	}
	if err := e.transition(ctx, u, bm, domain.EventIncidentsDetected, actorID); err != nil {
		return res, err
	}
	res.HasIncidents = true
	res.Status = bm.Status
	var types []string
	for _, inc := range found {
		report, err := e.openIncident(ctx, u, *bm, inc, &bm.ExitMissionID, actorID)
		if err != nil {
			return res, err
		}
		res.Incidents = append(res.Incidents, report)
		actions, err := e.createActions(ctx, u, report, []corrective.Spec{{AssignedTo: actorID}}, actorID)
		if err != nil {
			return res, err
		}
		res.Actions = append(res.Actions, actions...)
		types = append(types, string(inc.Type))
	}
	return res, e.alertIncident(ctx, u, *bm, types, actorID)
}

func (e Engine) openIncident(ctx context.Context, u *unit, bm domain.BailMobilite, inc incident.Incident, missionID *string, actorID string) (domain.IncidentReport, error) {
	now := e.now()
	report := domain.IncidentReport{
		ID:             uuid.NewString(),
		BailMobiliteID: bm.ID,
		MissionID:      missionID,
		Type:           string(inc.Type),
		Severity:       inc.Severity,
		Title:          inc.Title,
		Description:    inc.Description,
		Status:         domain.IncidentOpen,
		DetectedAt:     now,
		CreatedBy:      actorID,
	}
	if err := e.Repo.InsertIncidentReport(ctx, u.tx, report); err != nil {
		return report, fmt.Errorf("insert incident report: %w", err)
	}
	err := u.emit(ctx, events.IncidentOpened, domain.RefIncidentReport, report.ID, actorID, events.EventPayload{
		"bail_mobilite_id": bm.ID,
		"type":             report.Type,
		"severity":         string(report.Severity),
	})
	return report, err
}

func (e Engine) alertIncident(ctx context.Context, u *unit, bm domain.BailMobilite, types []string, actorID string) error {
	data := domain.NotificationData{
		Message:       fmt.Sprintf("Incident on tenancy of %s: %s", bm.TenantName, strings.Join(types, ", ")),
		IncidentTypes: types,
	}
	n, err := e.Scheduler().SendOpsAlert(ctx, u.ev, bm.OpsUserID, domain.NotificationIncidentAlert, &bm, data, actorID)
	if err != nil {
		return err
	}
	u.deliver = append(u.deliver, n)
	return nil
}

// IncidentOptions describe a manually raised incident.
type IncidentOptions struct {
	Type        string
	Title       string
	Description string
	Severity    domain.Severity
	MissionID   string
	Actions     []corrective.Spec
	ActorID     string
}

// HandleIncident records an operator or automated incident report. It moves
// the tenancy to incident from any state.
func (e Engine) HandleIncident(ctx context.Context, bmID string, opts IncidentOptions) (domain.IncidentReport, []domain.CorrectiveAction, error) {
	var (
		report  domain.IncidentReport
		actions []domain.CorrectiveAction
	)
	err := e.run(ctx, func(u *unit) error {
		var err error
		report, actions, err = e.handleIncident(ctx, u, bmID, opts)
		return err
	})
	return report, actions, err
}

func (e Engine) handleIncident(ctx context.Context, u *unit, bmID string, opts IncidentOptions) (domain.IncidentReport, []domain.CorrectiveAction, error) {
	typ := strings.TrimSpace(opts.Type)
	if typ == "" {
		return domain.IncidentReport{}, nil, fmt.Errorf("%w: incident type is required", domain.ErrInvalid)
	}
	if opts.Severity != "" && !opts.Severity.Valid() {
		return domain.IncidentReport{}, nil, fmt.Errorf("%w: unknown severity %q", domain.ErrInvalid, opts.Severity)
	}
	bm, err := e.Repo.GetBailMobilite(ctx, u.tx, bmID)
	if err != nil {
		return domain.IncidentReport{}, nil, err
	}
	var missionID *string
	if opts.MissionID != "" {
		m, err := e.Repo.GetMission(ctx, u.tx, opts.MissionID)
		if err != nil {
			return domain.IncidentReport{}, nil, err
		}
		if m.BailMobiliteID != bm.ID {
			return domain.IncidentReport{}, nil, fmt.Errorf("%w: mission %s belongs to another tenancy", domain.ErrInvalid, m.ID)
		}
		missionID = &m.ID
	}
	if err := e.transition(ctx, u, &bm, domain.EventIncidentReported, opts.ActorID); err != nil {
		return domain.IncidentReport{}, nil, err
	}
	inc := incident.Incident{
		Type:        incident.Type(typ),
		Severity:    opts.Severity,
		Title:       opts.Title,
		Description: opts.Description,
	}
	if inc.Severity == "" {
		inc.Severity = e.Detector.Severity(inc.Type)
	}
	if inc.Title == "" {
		inc.Title = humanize(typ)
	}
	report, err := e.openIncident(ctx, u, bm, inc, missionID, opts.ActorID)
	if err != nil {
		return report, nil, err
	}
	specs := append([]corrective.Spec(nil), opts.Actions...)
	for i := range specs {
		if specs[i].AssignedTo == "" {
			specs[i].AssignedTo = opts.ActorID
		}
	}
	actions, err := e.createActions(ctx, u, report, specs, opts.ActorID)
	if err != nil {
		return report, nil, err
	}
	return report, actions, e.alertIncident(ctx, u, bm, []string{typ}, opts.ActorID)
}

func humanize(typ string) string {
	s := strings.ReplaceAll(typ, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// ResolveIncident closes the open incident reports of a tenancy and moves it
// explicitly to in_progress or completed. Resuming reschedules the exit
// reminder unless it was already sent.
func (e Engine) ResolveIncident(ctx context.Context, bmID string, target domain.BailStatus, notes, actorID string) (domain.BailMobilite, error) {
	var ev domain.BailEvent
	switch target {
	case domain.BailInProgress:
		ev = domain.EventResumed
	case domain.BailCompleted:
		ev = domain.EventClosed
	default:
		return domain.BailMobilite{}, fmt.Errorf("%w: resolution target must be in_progress or completed", domain.ErrInvalid)
	}
	var bm domain.BailMobilite
	err := e.run(ctx, func(u *unit) error {
		var err error
		if bm, err = e.Repo.GetBailMobilite(ctx, u.tx, bmID); err != nil {
			return err
		}
		if err := e.transition(ctx, u, &bm, ev, actorID); err != nil {
			return err
		}
		reports, err := e.Repo.ListIncidentReports(ctx, u.tx, bm.ID, domain.IncidentSources(domain.IncidentResolved)...)
		if err != nil {
			return err
		}
		for _, ir := range reports {
			if err := domain.EnsureIncidentTransition(ir.Status, domain.IncidentResolved); err != nil {
				return err
			}
			if err := e.Repo.ResolveIncidentReport(ctx, u.tx, ir, actorID, notes, e.now()); err != nil {
				return fmt.Errorf("resolve incident %s: %w", ir.ID, err)
			}
		}
		if err := u.emit(ctx, events.IncidentResolved, domain.RefBailMobilite, bm.ID, actorID, events.EventPayload{
			"count":  len(reports),
			"status": string(target),
		}); err != nil {
			return err
		}
		if target != domain.BailInProgress {
			return nil
		}
		sent, err := e.Repo.ListNotifications(ctx, u.tx, repo.NotificationFilters{BailMobiliteID: bm.ID, Status: string(domain.NotificationSent)})
		if err != nil {
			return err
		}
		for _, n := range sent {
			if n.Type == domain.NotificationExitReminder {
				return nil
			}
		}
		_, err = e.Scheduler().ScheduleExitReminder(ctx, u.ev, bm, bm.OpsUserID, actorID)
		return err
	})
	return bm, err
}

// FlagOverdueMissions raises an overdue_mission incident for every mission
// still open past its scheduled time plus the configured grace period.
func (e Engine) FlagOverdueMissions(ctx context.Context, actorID string) (int, error) {
	grace := 0
	if e.Config != nil {
		grace = e.Config.Incidents.OverdueMissionGraceHours
	}
	cutoff := e.now().Add(-time.Duration(grace) * time.Hour)
	missions, err := e.Repo.ListOverdueMissions(ctx, nil, cutoff)
	if err != nil {
		return 0, err
	}
	flagged := 0
	for _, m := range missions {
		bm, err := e.Repo.GetBailMobilite(ctx, nil, m.BailMobiliteID)
		if err != nil {
			return flagged, err
		}
		_, _, err = e.HandleIncident(ctx, m.BailMobiliteID, IncidentOptions{
			Type:        string(incident.OverdueMission),
			Title:       fmt.Sprintf("Overdue %s mission", m.Kind),
			Description: fmt.Sprintf("The %s inspection scheduled for %s has not been completed.", m.Kind, m.ScheduledAt.Format(time.RFC3339)),
			MissionID:   m.ID,
			Actions:     []corrective.Spec{{AssignedTo: bm.OpsUserID}},
			ActorID:     actorID,
		})
		if err != nil {
			return flagged, err
		}
		flagged++
	}
	return flagged, nil
}
