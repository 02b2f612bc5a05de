// Package incident classifies exit-gate failures into typed incidents.
package incident

import "github.com/buyrs/BM-sub005/internal/domain"

// Type identifies an incident category.
type Type string

const (
	KeysNotReturned          Type = "keys_not_returned"
	MissingSignature         Type = "missing_signature"
	ChecklistNotValidated    Type = "checklist_not_validated"
	MissingChecklist         Type = "missing_checklist"
	IncompleteChecklist      Type = "incomplete_checklist"
	MissingRequiredPhotos    Type = "missing_required_photos"
	MissingContractSignature Type = "missing_contract_signature"
	OverdueMission           Type = "overdue_mission"
	ValidationTimeout        Type = "validation_timeout"
)

var severities = map[Type]domain.Severity{
	KeysNotReturned:          domain.SeverityHigh,
	MissingSignature:         domain.SeverityHigh,
	ChecklistNotValidated:    domain.SeverityMedium,
	MissingChecklist:         domain.SeverityHigh,
	IncompleteChecklist:      domain.SeverityMedium,
	MissingRequiredPhotos:    domain.SeverityMedium,
	MissingContractSignature: domain.SeverityCritical,
	OverdueMission:           domain.SeverityHigh,
	ValidationTimeout:        domain.SeverityMedium,
}

// Incident is a detected problem, not yet persisted.
type Incident struct {
	Type        Type
	Severity    domain.Severity
	Title       string
	Description string
}

// State is the exit-side snapshot the rules look at.
type State struct {
	Bail          domain.BailMobilite
	ExitMission   *domain.Mission
	Checklist     *domain.Checklist
	ExitSignature *domain.BailMobiliteSignature
}

// Rule is one independent predicate. Rules never short-circuit each other.
type Rule interface {
	Type() Type
	Check(State) (Incident, bool)
}

type ruleFunc struct {
	typ   Type
	title string
	check func(State) (string, bool)
}

func (r ruleFunc) Type() Type { return r.typ }

func (r ruleFunc) Check(s State) (Incident, bool) {
	desc, hit := r.check(s)
	if !hit {
		return Incident{}, false
	}
	return Incident{Type: r.typ, Title: r.title, Description: desc}, true
}

// DefaultRules is the active rule set, in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		ruleFunc{typ: KeysNotReturned, title: "Keys not returned", check: func(s State) (string, bool) {
			if s.Checklist != nil && s.Checklist.KeysReturned {
				return "", false
			}
			return "The tenant did not return the keys at the exit inspection.", true
		}},
		ruleFunc{typ: MissingSignature, title: "Missing exit signature", check: func(s State) (string, bool) {
			if s.ExitSignature.Signed() {
				return "", false
			}
			return "The tenant has not signed the exit contract.", true
		}},
		ruleFunc{typ: ChecklistNotValidated, title: "Exit checklist not validated", check: func(s State) (string, bool) {
			if s.Checklist != nil && s.Checklist.OpsValidated {
				return "", false
			}
			return "The exit checklist has not been validated by ops.", true
		}},
	}
}

// Detector runs rules and assigns severities.
type Detector struct {
	Rules     []Rule
	Overrides map[string]string
}

// NewDetector builds a detector with the default rules and optional
// per-type severity overrides.
func NewDetector(overrides map[string]string) Detector {
	return Detector{Rules: DefaultRules(), Overrides: overrides}
}

// Detect evaluates every rule against s. It is pure and idempotent.
func (d Detector) Detect(s State) []Incident {
	var out []Incident
	for _, rule := range d.Rules {
		inc, ok := rule.Check(s)
		if !ok {
			continue
		}
		inc.Severity = d.Severity(inc.Type)
		out = append(out, inc)
	}
	return out
}

// Severity looks up the configured severity, falling back to the built-in
// table and then to medium.
func (d Detector) Severity(t Type) domain.Severity {
	if s, ok := d.Overrides[string(t)]; ok && domain.Severity(s).Valid() {
		return domain.Severity(s)
	}
	return SeverityOf(t)
}

// SeverityOf returns the built-in severity for a type.
func SeverityOf(t Type) domain.Severity {
	if s, ok := severities[t]; ok {
		return s
	}
	return domain.SeverityMedium
}

// Detect runs the default rule set.
func Detect(s State) []Incident {
	return NewDetector(nil).Detect(s)
}
