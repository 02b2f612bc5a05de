// Package gate evaluates whether an entry or exit mission satisfies its
// completion contract. Evaluation is pure: missing inputs become reasons.
package gate

import "github.com/buyrs/BM-sub005/internal/domain"

// Reason codes.
const (
	MissionNotCompleted   = "mission_not_completed"
	MissingChecklist      = "missing_checklist"
	ChecklistNotValidated = "checklist_not_validated"
	KeysNotReturned       = "keys_not_returned"
	MissingSignature      = "missing_signature"
)

type Reason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Result struct {
	Ready   bool     `json:"ready"`
	Reasons []Reason `json:"reasons,omitempty"`
	// ContractFinalized is informational: the template is ready and the
	// tenant has signed against it.
	ContractFinalized bool `json:"contract_finalized"`
}

// Messages flattens the reasons for error reporting.
func (r Result) Messages() []string {
	out := make([]string, 0, len(r.Reasons))
	for _, reason := range r.Reasons {
		out = append(out, reason.Message)
	}
	return out
}

func (r *Result) add(code, msg string) {
	r.Reasons = append(r.Reasons, Reason{Code: code, Message: msg})
}

// EvaluateEntry checks the entry mission, its checklist and the entry signature.
func EvaluateEntry(mission *domain.Mission, checklist *domain.Checklist, sig *domain.BailMobiliteSignature) Result {
	var res Result
	checkMission(&res, mission)
	if checklist == nil {
		res.add(MissingChecklist, "entry checklist has not been submitted")
	} else if !checklist.OpsValidated {
		res.add(ChecklistNotValidated, "entry checklist is not validated by ops")
	}
	if !sig.Signed() {
		res.add(MissingSignature, "tenant has not signed the entry contract")
	}
	res.Ready = len(res.Reasons) == 0
	return res
}

// EvaluateExit checks the exit mission, key return, validation and signature.
func EvaluateExit(mission *domain.Mission, checklist *domain.Checklist, sig *domain.BailMobiliteSignature, tpl *domain.ContractTemplate) Result {
	var res Result
	checkMission(&res, mission)
	if checklist == nil {
		res.add(MissingChecklist, "exit checklist has not been submitted")
	} else {
		if !checklist.KeysReturned {
			res.add(KeysNotReturned, "keys were not returned")
		}
		if !checklist.OpsValidated {
			res.add(ChecklistNotValidated, "exit checklist is not validated by ops")
		}
	}
	if !sig.Signed() {
		res.add(MissingSignature, "tenant has not signed the exit contract")
	}
	res.Ready = len(res.Reasons) == 0
	res.ContractFinalized = sig.Signed() && tpl != nil && tpl.Ready()
	return res
}

func checkMission(res *Result, mission *domain.Mission) {
	if mission == nil || mission.Status != domain.MissionCompleted {
		res.add(MissionNotCompleted, "mission is not completed")
	}
}
