// Package signature holds the pure rules of the multi-party signing workflow:
// step ordering, token generation, invitation usability and data validation.
package signature

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/buyrs/BM-sub005/internal/domain"
)

// TokenBytes is the amount of entropy in an invitation token.
const TokenBytes = 32

// NewToken reads TokenBytes from src (crypto/rand when nil) and hex-encodes them.
func NewToken(src io.Reader) (string, error) {
	if src == nil {
		src = rand.Reader
	}
	buf := make([]byte, TokenBytes)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", fmt.Errorf("generate invitation token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Sorted returns steps ordered by step_order.
func Sorted(steps []domain.SignatureWorkflowStep) []domain.SignatureWorkflowStep {
	out := make([]domain.SignatureWorkflowStep, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func completedSteps(invs []domain.SignatureInvitation) map[string]bool {
	done := map[string]bool{}
	for _, inv := range invs {
		if inv.Status == domain.InvitationCompleted {
			done[inv.StepID] = true
		}
	}
	return done
}

// StepSigned reports whether step already has a completed invitation.
func StepSigned(stepID string, invs []domain.SignatureInvitation) bool {
	return completedSteps(invs)[stepID]
}

// CurrentStep returns the lowest-ordered step without a completed invitation.
func CurrentStep(steps []domain.SignatureWorkflowStep, invs []domain.SignatureInvitation) (domain.SignatureWorkflowStep, bool) {
	done := completedSteps(invs)
	for _, s := range Sorted(steps) {
		if !done[s.ID] {
			return s, true
		}
	}
	return domain.SignatureWorkflowStep{}, false
}

// Complete reports whether every required step has a completed invitation.
func Complete(steps []domain.SignatureWorkflowStep, invs []domain.SignatureInvitation) bool {
	done := completedSteps(invs)
	for _, s := range steps {
		if s.IsRequired && !done[s.ID] {
			return false
		}
	}
	return len(steps) > 0
}

// BlockingStep returns the first earlier required step that is not completed.
func BlockingStep(step domain.SignatureWorkflowStep, steps []domain.SignatureWorkflowStep, invs []domain.SignatureInvitation) (domain.SignatureWorkflowStep, bool) {
	done := completedSteps(invs)
	for _, s := range Sorted(steps) {
		if s.Order >= step.Order {
			break
		}
		if s.IsRequired && !done[s.ID] {
			return s, true
		}
	}
	return domain.SignatureWorkflowStep{}, false
}

// NextStep returns the step with the smallest order greater than step's.
func NextStep(step domain.SignatureWorkflowStep, steps []domain.SignatureWorkflowStep) (domain.SignatureWorkflowStep, bool) {
	for _, s := range Sorted(steps) {
		if s.ContractTemplateID == step.ContractTemplateID && s.Order > step.Order {
			return s, true
		}
	}
	return domain.SignatureWorkflowStep{}, false
}

// PreviousStep returns the step with the largest order smaller than step's.
func PreviousStep(step domain.SignatureWorkflowStep, steps []domain.SignatureWorkflowStep) (domain.SignatureWorkflowStep, bool) {
	sorted := Sorted(steps)
	for i := len(sorted) - 1; i >= 0; i-- {
		s := sorted[i]
		if s.ContractTemplateID == step.ContractTemplateID && s.Order < step.Order {
			return s, true
		}
	}
	return domain.SignatureWorkflowStep{}, false
}

func IsFirstStep(step domain.SignatureWorkflowStep, steps []domain.SignatureWorkflowStep) bool {
	_, ok := PreviousStep(step, steps)
	return !ok
}

func IsLastStep(step domain.SignatureWorkflowStep, steps []domain.SignatureWorkflowStep) bool {
	_, ok := NextStep(step, steps)
	return !ok
}

// Usable reports whether a link may still be used at now. Expiry is
// checked lazily here even if the sweep has not marked the row yet.
func Usable(inv domain.SignatureInvitation, now time.Time) bool {
	switch inv.Status {
	case domain.InvitationCompleted, domain.InvitationExpired, domain.InvitationCancelled, domain.InvitationFailed:
		return false
	}
	if inv.ExpiresAt != nil && !now.Before(*inv.ExpiresAt) {
		return false
	}
	return true
}

// ExpiresAt computes the expiry for an invitation on step, using fallback
// hours when the step has no timeout. Zero hours means no expiry.
func ExpiresAt(step domain.SignatureWorkflowStep, fallbackHours int, now time.Time) *time.Time {
	hours := fallbackHours
	if step.TimeoutHours != nil {
		hours = *step.TimeoutHours
	}
	if hours <= 0 {
		return nil
	}
	t := now.Add(time.Duration(hours) * time.Hour)
	return &t
}

// Advance moves an invitation along its state machine, stamping the matching
// timestamp and merging metadata.
func Advance(inv domain.SignatureInvitation, to domain.InvitationStatus, meta map[string]string, now time.Time) (domain.SignatureInvitation, error) {
	if err := domain.EnsureInvitationTransition(inv.Status, to); err != nil {
		return inv, err
	}
	inv.Status = to
	inv.UpdatedAt = now
	switch to {
	case domain.InvitationSent:
		inv.SentAt = &now
	case domain.InvitationDelivered:
		inv.DeliveredAt = &now
	case domain.InvitationOpened:
		inv.OpenedAt = &now
	}
	if len(meta) > 0 {
		merged := make(map[string]string, len(inv.Metadata)+len(meta))
		for k, v := range inv.Metadata {
			merged[k] = v
		}
		for k, v := range meta {
			merged[k] = v
		}
		inv.Metadata = merged
	}
	return inv, nil
}

// Validator checks submitted signature data.
type Validator struct {
	RoleRules map[string][]string
}

var genericRules = []string{"signature_required", "timestamp_required", "ip_address_required"}

// Validate applies the generic rules, the role rules and the step's own
// rules. It returns one message per failed rule; empty means accepted.
func (v Validator) Validate(data domain.SignatureData, role domain.PartyRole, stepRules []string) []string {
	seen := map[string]bool{}
	var rules []string
	for _, group := range [][]string{genericRules, v.RoleRules[string(role)], stepRules} {
		for _, r := range group {
			if !seen[r] {
				seen[r] = true
				rules = append(rules, r)
			}
		}
	}
	var errs []string
	for _, r := range rules {
		if msg := checkRule(r, data, role); msg != "" {
			errs = append(errs, msg)
		}
	}
	return errs
}

func checkRule(rule string, d domain.SignatureData, role domain.PartyRole) string {
	blank := func(s string) bool { return strings.TrimSpace(s) == "" }
	switch rule {
	case "signature_required":
		if blank(d.Signature) {
			return "signature is required"
		}
	case "timestamp_required":
		if blank(d.Timestamp) {
			return "timestamp is required"
		}
		if _, err := time.Parse(time.RFC3339, d.Timestamp); err != nil {
			return "timestamp must be RFC3339"
		}
	case "ip_address_required":
		if blank(d.IPAddress) {
			return "ip address is required"
		}
	case "license_number_required":
		if blank(d.LicenseNumber) {
			return fmt.Sprintf("license number is required for %s", role)
		}
	case "seal_data_required":
		if blank(d.SealData) {
			return fmt.Sprintf("seal data is required for %s", role)
		}
	case "identity_document_required":
		if blank(d.IdentityDocument) {
			return fmt.Sprintf("identity document is required for %s", role)
		}
	default:
		return fmt.Sprintf("unknown validation rule %s", rule)
	}
	return ""
}
