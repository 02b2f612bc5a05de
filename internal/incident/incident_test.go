package incident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buyrs/BM-sub005/internal/domain"
)

func cleanState() State {
	return State{
		Bail:          domain.BailMobilite{ID: "bm", Status: domain.BailInProgress},
		ExitMission:   &domain.Mission{Status: domain.MissionCompleted},
		Checklist:     &domain.Checklist{KeysReturned: true, OpsValidated: true},
		ExitSignature: &domain.BailMobiliteSignature{TenantSignature: "sig"},
	}
}

func types(incs []Incident) []Type {
	var out []Type
	for _, i := range incs {
		out = append(out, i.Type)
	}
	return out
}

func TestDetectCleanExit(t *testing.T) {
	assert.Empty(t, Detect(cleanState()))
}

func TestDetectSingleFailures(t *testing.T) {
	cases := map[Type]func(*State){
		KeysNotReturned:       func(s *State) { s.Checklist.KeysReturned = false },
		MissingSignature:      func(s *State) { s.ExitSignature = nil },
		ChecklistNotValidated: func(s *State) { s.Checklist.OpsValidated = false },
	}
	for want, mutate := range cases {
		s := cleanState()
		mutate(&s)
		got := Detect(s)
		require.Len(t, got, 1, "type %s", want)
		assert.Equal(t, want, got[0].Type)
	}
}

func TestDetectAllThreeFailing(t *testing.T) {
	s := cleanState()
	s.Checklist.KeysReturned = false
	s.Checklist.OpsValidated = false
	s.ExitSignature = &domain.BailMobiliteSignature{}

	got := Detect(s)
	assert.Equal(t, []Type{KeysNotReturned, MissingSignature, ChecklistNotValidated}, types(got))
	assert.Equal(t, domain.SeverityHigh, got[0].Severity)
	assert.Equal(t, domain.SeverityHigh, got[1].Severity)
	assert.Equal(t, domain.SeverityMedium, got[2].Severity)
}

func TestDetectMissingChecklistCountsAsFailure(t *testing.T) {
	s := cleanState()
	s.Checklist = nil
	assert.Equal(t, []Type{KeysNotReturned, ChecklistNotValidated}, types(Detect(s)))
}

func TestDetectIsIdempotent(t *testing.T) {
	s := cleanState()
	s.Checklist.KeysReturned = false
	assert.Equal(t, Detect(s), Detect(s))
}

func TestSeverityTable(t *testing.T) {
	assert.Equal(t, domain.SeverityCritical, SeverityOf(MissingContractSignature))
	assert.Equal(t, domain.SeverityMedium, SeverityOf(Type("something_new")))

	d := NewDetector(map[string]string{"checklist_not_validated": "low", "keys_not_returned": "bogus"})
	assert.Equal(t, domain.SeverityLow, d.Severity(ChecklistNotValidated))
	assert.Equal(t, domain.SeverityHigh, d.Severity(KeysNotReturned))
}
