package corrective

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buyrs/BM-sub005/internal/domain"
)

var now = time.Date(2025, 2, 28, 10, 0, 0, 0, time.UTC)

func TestPriorityFor(t *testing.T) {
	assert.Equal(t, domain.PriorityUrgent, PriorityFor(domain.SeverityCritical))
	assert.Equal(t, domain.PriorityHigh, PriorityFor(domain.SeverityHigh))
	assert.Equal(t, domain.PriorityMedium, PriorityFor(domain.SeverityMedium))
	assert.Equal(t, domain.PriorityLow, PriorityFor(domain.SeverityLow))
}

func TestNewUsesSeverityAndPolicy(t *testing.T) {
	report := domain.IncidentReport{ID: "ir", Title: "Keys not returned", Severity: domain.SeverityHigh}
	a, err := DefaultPolicy().New(report, Spec{AssignedTo: "ops-1"}, "ops-1", now)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPending, a.Status)
	assert.Equal(t, domain.PriorityHigh, a.Priority)
	assert.Equal(t, now.AddDate(0, 0, 3), a.DueDate)
	assert.Equal(t, "Resolve: Keys not returned", a.Title)
}

func TestNewRequiresAssignee(t *testing.T) {
	_, err := DefaultPolicy().New(domain.IncidentReport{ID: "ir"}, Spec{}, "ops", now)
	assert.True(t, errors.Is(err, domain.ErrInvalid))
}

func TestPolicyFromOverrides(t *testing.T) {
	p := PolicyFrom(map[string]int{"urgent": 2, "bogus": 9})
	assert.Equal(t, now.AddDate(0, 0, 2), p.DueDate(domain.PriorityUrgent, now))
	assert.Equal(t, now.AddDate(0, 0, 14), p.DueDate(domain.PriorityLow, now))
}

func TestTransitionAndOverdue(t *testing.T) {
	a := domain.CorrectiveAction{Status: domain.ActionPending, DueDate: now.Add(-time.Hour)}
	assert.True(t, IsOverdue(a, now))

	a, err := Transition(a, domain.ActionInProgress, "", now)
	require.NoError(t, err)
	assert.True(t, IsOverdue(a, now))

	a, err = Transition(a, domain.ActionCompleted, "fixed", now)
	require.NoError(t, err)
	require.NotNil(t, a.CompletedAt)
	assert.Equal(t, "fixed", a.CompletionNotes)
	assert.False(t, IsOverdue(a, now))

	_, err = Transition(a, domain.ActionPending, "", now)
	var te *domain.TransitionError
	assert.ErrorAs(t, err, &te)
}
