// Package corrective turns incidents into prioritized, dated remediation work.
package corrective

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/buyrs/BM-sub005/internal/domain"
)

// Policy holds due-date windows in days per priority.
type Policy struct {
	DueDays map[domain.Priority]int
}

// DefaultPolicy is used when no configuration is supplied.
func DefaultPolicy() Policy {
	return Policy{DueDays: map[domain.Priority]int{
		domain.PriorityUrgent: 1,
		domain.PriorityHigh:   3,
		domain.PriorityMedium: 7,
		domain.PriorityLow:    14,
	}}
}

// PolicyFrom builds a policy from string-keyed day counts.
func PolicyFrom(days map[string]int) Policy {
	p := DefaultPolicy()
	for k, v := range days {
		if pr := domain.Priority(k); pr.Valid() && v > 0 {
			p.DueDays[pr] = v
		}
	}
	return p
}

// PriorityFor maps an incident severity onto an action priority.
func PriorityFor(s domain.Severity) domain.Priority {
	switch s {
	case domain.SeverityCritical:
		return domain.PriorityUrgent
	case domain.SeverityHigh:
		return domain.PriorityHigh
	case domain.SeverityLow:
		return domain.PriorityLow
	default:
		return domain.PriorityMedium
	}
}

// DueDate computes when an action of the given priority is due.
func (p Policy) DueDate(priority domain.Priority, now time.Time) time.Time {
	days, ok := p.DueDays[priority]
	if !ok {
		days = p.DueDays[domain.PriorityMedium]
	}
	return now.AddDate(0, 0, days)
}

// Spec describes a corrective action before it is stored.
type Spec struct {
	Title       string
	Description string
	AssignedTo  string
	Priority    domain.Priority
	DueDate     *time.Time
}

// New builds a pending action for an incident report.
func (p Policy) New(report domain.IncidentReport, spec Spec, actorID string, now time.Time) (domain.CorrectiveAction, error) {
	if strings.TrimSpace(spec.AssignedTo) == "" {
		return domain.CorrectiveAction{}, fmt.Errorf("%w: corrective action needs an assignee", domain.ErrInvalid)
	}
	priority := spec.Priority
	if priority == "" {
		priority = PriorityFor(report.Severity)
	}
	if !priority.Valid() {
		return domain.CorrectiveAction{}, fmt.Errorf("%w: unknown priority %q", domain.ErrInvalid, priority)
	}
	title := spec.Title
	if title == "" {
		title = "Resolve: " + report.Title
	}
	due := p.DueDate(priority, now)
	if spec.DueDate != nil {
		due = spec.DueDate.UTC()
	}
	return domain.CorrectiveAction{
		ID:               uuid.NewString(),
		IncidentReportID: report.ID,
		Title:            title,
		Description:      spec.Description,
		AssignedTo:       spec.AssignedTo,
		Priority:         priority,
		Status:           domain.ActionPending,
		DueDate:          due,
		CreatedBy:        actorID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Transition applies a status change, stamping completion details.
func Transition(a domain.CorrectiveAction, to domain.ActionStatus, notes string, now time.Time) (domain.CorrectiveAction, error) {
	if err := domain.EnsureActionTransition(a.Status, to); err != nil {
		return a, err
	}
	a.Status = to
	a.UpdatedAt = now
	if to == domain.ActionCompleted {
		a.CompletedAt = &now
		a.CompletionNotes = notes
	}
	return a, nil
}

// IsOverdue reports whether an unfinished action is past its due date.
func IsOverdue(a domain.CorrectiveAction, now time.Time) bool {
	if a.Status == domain.ActionCompleted || a.Status == domain.ActionCancelled {
		return false
	}
	return now.After(a.DueDate)
}
