package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/buyrs/BM-sub005/internal/domain"
)

func completed() *domain.Mission {
	return &domain.Mission{Status: domain.MissionCompleted}
}

func codes(r Result) []string {
	var out []string
	for _, reason := range r.Reasons {
		out = append(out, reason.Code)
	}
	return out
}

func TestEvaluateEntryReady(t *testing.T) {
	res := EvaluateEntry(completed(), &domain.Checklist{OpsValidated: true}, &domain.BailMobiliteSignature{TenantSignature: "sig"})
	assert.True(t, res.Ready)
	assert.Empty(t, res.Reasons)
}

func TestEvaluateEntryMissingEverything(t *testing.T) {
	res := EvaluateEntry(&domain.Mission{Status: domain.MissionAssigned}, nil, nil)
	assert.False(t, res.Ready)
	assert.Equal(t, []string{MissionNotCompleted, MissingChecklist, MissingSignature}, codes(res))
}

func TestEvaluateEntryEmptySignatureIsMissing(t *testing.T) {
	res := EvaluateEntry(completed(), &domain.Checklist{OpsValidated: true}, &domain.BailMobiliteSignature{})
	assert.Equal(t, []string{MissingSignature}, codes(res))
}

func TestEvaluateExit(t *testing.T) {
	sig := "admin"
	tpl := &domain.ContractTemplate{IsActive: true, AdminSignature: &sig}
	res := EvaluateExit(completed(), &domain.Checklist{KeysReturned: true, OpsValidated: true}, &domain.BailMobiliteSignature{TenantSignature: "t"}, tpl)
	assert.True(t, res.Ready)
	assert.True(t, res.ContractFinalized)

	res = EvaluateExit(completed(), &domain.Checklist{KeysReturned: false, OpsValidated: false}, nil, nil)
	assert.False(t, res.Ready)
	assert.False(t, res.ContractFinalized)
	assert.Equal(t, []string{KeysNotReturned, ChecklistNotValidated, MissingSignature}, codes(res))
	assert.Len(t, res.Messages(), 3)
}

func TestEvaluateExitUnsignedTemplateDoesNotGate(t *testing.T) {
	tpl := &domain.ContractTemplate{IsActive: true}
	res := EvaluateExit(completed(), &domain.Checklist{KeysReturned: true, OpsValidated: true}, &domain.BailMobiliteSignature{TenantSignature: "t"}, tpl)
	assert.True(t, res.Ready)
	assert.False(t, res.ContractFinalized)
}
