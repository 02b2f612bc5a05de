package engine

import (
	"context"
	"fmt"

	"github.com/buyrs/BM-sub005/internal/corrective"
	"github.com/buyrs/BM-sub005/internal/domain"
	"github.com/buyrs/BM-sub005/internal/events"
	"github.com/buyrs/BM-sub005/internal/repo"
)

func (e Engine) createActions(ctx context.Context, u *unit, report domain.IncidentReport, specs []corrective.Spec, actorID string) ([]domain.CorrectiveAction, error) {
	out := make([]domain.CorrectiveAction, 0, len(specs))
	for _, spec := range specs {
		a, err := e.Policy.New(report, spec, actorID, e.now())
		if err != nil {
			return nil, err
		}
		if err := e.Repo.InsertCorrectiveAction(ctx, u.tx, a); err != nil {
			return nil, fmt.Errorf("insert corrective action: %w", err)
		}
		if err := u.emit(ctx, events.ActionCreated, domain.RefCorrectiveAction, a.ID, actorID, events.EventPayload{
			"incident_report_id": report.ID,
			"assigned_to":        a.AssignedTo,
			"priority":           string(a.Priority),
		}); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// AddCorrectiveAction attaches one more remediation task to an existing
// incident report.
func (e Engine) AddCorrectiveAction(ctx context.Context, incidentID string, spec corrective.Spec, actorID string) (domain.CorrectiveAction, error) {
	var a domain.CorrectiveAction
	err := e.run(ctx, func(u *unit) error {
		report, err := e.Repo.GetIncidentReport(ctx, u.tx, incidentID)
		if err != nil {
			return err
		}
		if spec.AssignedTo == "" {
			spec.AssignedTo = actorID
		}
		actions, err := e.createActions(ctx, u, report, []corrective.Spec{spec}, actorID)
		if err != nil {
			return err
		}
		a = actions[0]
		return nil
	})
	return a, err
}

func (e Engine) StartCorrectiveAction(ctx context.Context, id, actorID string) (domain.CorrectiveAction, error) {
	return e.moveAction(ctx, id, domain.ActionInProgress, "", actorID)
}

func (e Engine) CompleteCorrectiveAction(ctx context.Context, id, notes, actorID string) (domain.CorrectiveAction, error) {
	return e.moveAction(ctx, id, domain.ActionCompleted, notes, actorID)
}

func (e Engine) CancelCorrectiveAction(ctx context.Context, id, actorID string) (domain.CorrectiveAction, error) {
	return e.moveAction(ctx, id, domain.ActionCancelled, "", actorID)
}

func (e Engine) moveAction(ctx context.Context, id string, to domain.ActionStatus, notes, actorID string) (domain.CorrectiveAction, error) {
	var a domain.CorrectiveAction
	err := e.run(ctx, func(u *unit) error {
		cur, err := e.Repo.GetCorrectiveAction(ctx, u.tx, id)
		if err != nil {
			return err
		}
		if a, err = corrective.Transition(cur, to, notes, e.now()); err != nil {
			return err
		}
		if err := e.Repo.UpdateCorrectiveAction(ctx, u.tx, a); err != nil {
			return err
		}
		return u.emit(ctx, events.ActionStatusChanged, domain.RefCorrectiveAction, a.ID, actorID, events.EventPayload{
			"from": string(cur.Status),
			"to":   string(to),
		})
	})
	return a, err
}

func (e Engine) ListCorrectiveActions(ctx context.Context, f repo.ActionFilters) ([]domain.CorrectiveAction, error) {
	return e.Repo.ListCorrectiveActions(ctx, f)
}

// ListOverdueCorrectiveActions returns unfinished actions past their due date.
func (e Engine) ListOverdueCorrectiveActions(ctx context.Context) ([]domain.CorrectiveAction, error) {
	now := e.now()
	actions, err := e.Repo.ListCorrectiveActions(ctx, repo.ActionFilters{
		Statuses:  []domain.ActionStatus{domain.ActionPending, domain.ActionInProgress},
		DueBefore: &now,
	})
	if err != nil {
		return nil, err
	}
	out := actions[:0]
	for _, a := range actions {
		if corrective.IsOverdue(a, now) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (e Engine) ListIncidents(ctx context.Context, bmID string, statuses ...domain.IncidentStatus) ([]domain.IncidentReport, error) {
	return e.Repo.ListIncidentReports(ctx, nil, bmID, statuses...)
}
