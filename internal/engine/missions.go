package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/buyrs/BM-sub005/internal/domain"
	"github.com/buyrs/BM-sub005/internal/events"
)

// AssignEntry gives the entry inspection to a checker, optionally moving its
// scheduled time, and notifies the checker.
func (e Engine) AssignEntry(ctx context.Context, bmID, checkerID string, at *time.Time, actorID string) (domain.Mission, error) {
	return e.assign(ctx, bmID, domain.MissionEntry, checkerID, at, actorID)
}

// AssignExit is AssignEntry for the exit inspection.
func (e Engine) AssignExit(ctx context.Context, bmID, checkerID string, at *time.Time, actorID string) (domain.Mission, error) {
	return e.assign(ctx, bmID, domain.MissionExit, checkerID, at, actorID)
}

func (e Engine) assign(ctx context.Context, bmID string, kind domain.MissionKind, checkerID string, at *time.Time, actorID string) (domain.Mission, error) {
	checkerID = strings.TrimSpace(checkerID)
	if checkerID == "" {
		return domain.Mission{}, fmt.Errorf("%w: checker is required", domain.ErrInvalid)
	}
	var m domain.Mission
	err := e.run(ctx, func(u *unit) error {
		bm, err := e.Repo.GetBailMobilite(ctx, u.tx, bmID)
		if err != nil {
			return err
		}
		id := bm.EntryMissionID
		if kind == domain.MissionExit {
			id = bm.ExitMissionID
		}
		if m, err = e.Repo.GetMission(ctx, u.tx, id); err != nil {
			return err
		}
		if err := domain.EnsureMissionTransition(m.Status, domain.MissionAssigned); err != nil {
			return err
		}
		from := m.Status
		m.Status = domain.MissionAssigned
		m.AgentID = &checkerID
		if at != nil {
			m.ScheduledAt = at.UTC()
		}
		m.UpdatedAt = e.now()
		if err := e.Repo.UpdateMission(ctx, u.tx, m); err != nil {
			return err
		}
		if err := u.emit(ctx, events.MissionAssigned, domain.RefMission, m.ID, actorID, events.EventPayload{
			"bail_mobilite_id": bm.ID,
			"kind":             string(kind),
			"agent_id":         checkerID,
			"from":             string(from),
			"scheduled_at":     m.ScheduledAt.Format(time.RFC3339),
		}); err != nil {
			return err
		}
		n, err := e.Scheduler().NotifyChecker(ctx, u.ev, checkerID, bm, domain.NotificationData{
			Message:   fmt.Sprintf("You have been assigned the %s inspection at %s on %s", kind, bm.Address, m.ScheduledAt.Format("2006-01-02 15:04")),
			MissionID: m.ID,
		}, actorID)
		if err != nil {
			return err
		}
		u.deliver = append(u.deliver, n)
		return nil
	})
	return m, err
}

func (e Engine) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return e.Repo.GetMission(ctx, nil, id)
}

// StartMission marks the checker on site.
func (e Engine) StartMission(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	return e.moveMission(ctx, missionID, domain.MissionInProgress, "", actorID)
}

// CompleteMission closes the inspection. Gates only accept completed missions.
func (e Engine) CompleteMission(ctx context.Context, missionID, notes, actorID string) (domain.Mission, error) {
	return e.moveMission(ctx, missionID, domain.MissionCompleted, notes, actorID)
}

func (e Engine) CancelMission(ctx context.Context, missionID, notes, actorID string) (domain.Mission, error) {
	return e.moveMission(ctx, missionID, domain.MissionCancelled, notes, actorID)
}

func (e Engine) moveMission(ctx context.Context, missionID string, to domain.MissionStatus, notes, actorID string) (domain.Mission, error) {
	var m domain.Mission
	err := e.run(ctx, func(u *unit) error {
		var err error
		if m, err = e.Repo.GetMission(ctx, u.tx, missionID); err != nil {
			return err
		}
		if err := domain.EnsureMissionTransition(m.Status, to); err != nil {
			return err
		}
		from := m.Status
		now := e.now()
		m.Status = to
		m.UpdatedAt = now
		if notes != "" {
			m.Notes = notes
		}
		if to == domain.MissionCompleted {
			m.CompletedAt = &now
		}
		if err := e.Repo.UpdateMission(ctx, u.tx, m); err != nil {
			return err
		}
		return u.emit(ctx, events.MissionStatusChanged, domain.RefMission, m.ID, actorID, events.EventPayload{
			"bail_mobilite_id": m.BailMobiliteID,
			"kind":             string(m.Kind),
			"from":             string(from),
			"to":               string(to),
		})
	})
	return m, err
}

// ChecklistInput is what the checker submits at the end of an inspection.
type ChecklistInput struct {
	KeysReturned bool
	Areas        domain.ChecklistAreas
}

// SubmitChecklist stores the checker's record for a mission and asks the ops
// user of the tenancy to validate it. Resubmitting replaces the record but
// keeps any ops validation already given.
func (e Engine) SubmitChecklist(ctx context.Context, missionID string, in ChecklistInput, actorID string) (domain.Checklist, error) {
	if in.Areas.Version == 0 {
		in.Areas.Version = domain.ChecklistAreasVersion
	}
	if err := in.Areas.Validate(); err != nil {
		return domain.Checklist{}, err
	}
	var c domain.Checklist
	err := e.run(ctx, func(u *unit) error {
		m, err := e.Repo.GetMission(ctx, u.tx, missionID)
		if err != nil {
			return err
		}
		if m.Status == domain.MissionCancelled {
			return &domain.TransitionError{Entity: "mission", From: string(m.Status), To: "checklist_submitted", Reasons: []string{"mission is cancelled"}}
		}
		bm, err := e.Repo.GetBailMobilite(ctx, u.tx, m.BailMobiliteID)
		if err != nil {
			return err
		}
		now := e.now()
		if err := e.Repo.UpsertChecklist(ctx, u.tx, domain.Checklist{
			ID:           uuid.NewString(),
			MissionID:    m.ID,
			KeysReturned: in.KeysReturned,
			Areas:        in.Areas,
			CreatedAt:    now,
			UpdatedAt:    now,
		}); err != nil {
			return fmt.Errorf("store checklist: %w", err)
		}
		if c, err = e.Repo.GetChecklistByMission(ctx, u.tx, m.ID); err != nil {
			return err
		}
		if err := u.emit(ctx, events.ChecklistSubmitted, domain.RefChecklist, c.ID, actorID, events.EventPayload{
			"mission_id":    m.ID,
			"kind":          string(m.Kind),
			"keys_returned": c.KeysReturned,
			"rooms":         len(c.Areas.Rooms),
		}); err != nil {
			return err
		}
		n, err := e.Scheduler().SendOpsAlert(ctx, u.ev, bm.OpsUserID, domain.NotificationChecklistValidation, &bm, domain.NotificationData{
			Message:   fmt.Sprintf("The %s checklist for %s is ready for validation", m.Kind, bm.TenantName),
			MissionID: m.ID,
		}, actorID)
		if err != nil {
			return err
		}
		u.deliver = append(u.deliver, n)
		return nil
	})
	return c, err
}

func (e Engine) GetChecklist(ctx context.Context, missionID string) (domain.Checklist, error) {
	return e.Repo.GetChecklistByMission(ctx, nil, missionID)
}
