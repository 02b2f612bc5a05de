package domain

import (
	"fmt"
	"strings"
)

// RefKind is the entity tag of a polymorphic reference.
type RefKind string

const (
	RefBailMobilite        RefKind = "bail_mobilite"
	RefMission             RefKind = "mission"
	RefChecklist           RefKind = "checklist"
	RefIncidentReport      RefKind = "incident_report"
	RefCorrectiveAction    RefKind = "corrective_action"
	RefNotification        RefKind = "notification"
	RefSignatureInvitation RefKind = "signature_invitation"
	RefContractTemplate    RefKind = "contract_template"
)

// Ref points at any entity by kind and id.
type Ref struct {
	Kind RefKind `json:"kind"`
	ID   string  `json:"id"`
}

func (r Ref) String() string {
	return string(r.Kind) + ":" + r.ID
}

// ParseRef reads the "kind:id" form produced by String.
func ParseRef(s string) (Ref, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || kind == "" || id == "" {
		return Ref{}, fmt.Errorf("%w: ref %q must look like kind:id", ErrInvalid, s)
	}
	return Ref{Kind: RefKind(kind), ID: id}, nil
}
