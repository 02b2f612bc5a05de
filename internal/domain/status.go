package domain

import (
	"fmt"
	"slices"
	"strings"
)

type BailStatus string

const (
	BailAssigned   BailStatus = "assigned"
	BailInProgress BailStatus = "in_progress"
	BailCompleted  BailStatus = "completed"
	BailIncident   BailStatus = "incident"
)

// BailEvent names the lifecycle triggers that move a tenancy between states.
type BailEvent string

const (
	EventEntryValidated    BailEvent = "entry_validated"
	EventExitCleared       BailEvent = "exit_cleared"
	EventIncidentsDetected BailEvent = "incidents_detected"
	EventIncidentReported  BailEvent = "incident_reported"
	EventResumed           BailEvent = "resumed"
	EventClosed            BailEvent = "closed"
)

var bailTransitions = map[BailStatus]map[BailEvent]BailStatus{
	BailAssigned: {
		EventEntryValidated:   BailInProgress,
		EventIncidentReported: BailIncident,
	},
	BailInProgress: {
		EventExitCleared:       BailCompleted,
		EventIncidentsDetected: BailIncident,
		EventIncidentReported:  BailIncident,
	},
	BailCompleted: {
		EventIncidentReported: BailIncident,
	},
	BailIncident: {
		EventIncidentReported: BailIncident,
		EventResumed:          BailInProgress,
		EventClosed:           BailCompleted,
	},
}

// NextBailStatus resolves the lifecycle table for a trigger.
func NextBailStatus(from BailStatus, ev BailEvent) (BailStatus, error) {
	if to, ok := bailTransitions[from][ev]; ok {
		return to, nil
	}
	return "", &TransitionError{Entity: "bail_mobilite", From: string(from), To: string(ev)}
}

type MissionStatus string

const (
	MissionUnassigned MissionStatus = "unassigned"
	MissionAssigned   MissionStatus = "assigned"
	MissionInProgress MissionStatus = "in_progress"
	MissionCompleted  MissionStatus = "completed"
	MissionCancelled  MissionStatus = "cancelled"
)

var missionTransitions = map[MissionStatus][]MissionStatus{
	MissionUnassigned: {MissionAssigned, MissionCancelled},
	MissionAssigned:   {MissionAssigned, MissionInProgress, MissionCompleted, MissionCancelled},
	MissionInProgress: {MissionCompleted, MissionCancelled},
}

type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "pending"
	InvitationSent      InvitationStatus = "sent"
	InvitationDelivered InvitationStatus = "delivered"
	InvitationOpened    InvitationStatus = "opened"
	InvitationCompleted InvitationStatus = "completed"
	InvitationExpired   InvitationStatus = "expired"
	InvitationCancelled InvitationStatus = "cancelled"
	InvitationFailed    InvitationStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s InvitationStatus) Terminal() bool {
	switch s {
	case InvitationCompleted, InvitationExpired, InvitationCancelled, InvitationFailed:
		return true
	}
	return false
}

var invitationTransitions = map[InvitationStatus][]InvitationStatus{
	InvitationPending:   {InvitationSent, InvitationCompleted, InvitationExpired, InvitationCancelled, InvitationFailed},
	InvitationSent:      {InvitationDelivered, InvitationOpened, InvitationCompleted, InvitationExpired, InvitationCancelled, InvitationFailed},
	InvitationDelivered: {InvitationOpened, InvitationCompleted, InvitationExpired, InvitationCancelled, InvitationFailed},
	InvitationOpened:    {InvitationCompleted, InvitationExpired, InvitationCancelled, InvitationFailed},
}

type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSent      NotificationStatus = "sent"
	NotificationCancelled NotificationStatus = "cancelled"
)

var notificationTransitions = map[NotificationStatus][]NotificationStatus{
	NotificationPending: {NotificationSent, NotificationCancelled},
}

type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionInProgress ActionStatus = "in_progress"
	ActionCompleted  ActionStatus = "completed"
	ActionCancelled  ActionStatus = "cancelled"
)

var actionTransitions = map[ActionStatus][]ActionStatus{
	ActionPending:    {ActionInProgress, ActionCompleted, ActionCancelled},
	ActionInProgress: {ActionCompleted, ActionCancelled},
}

type IncidentStatus string

const (
	IncidentOpen       IncidentStatus = "open"
	IncidentInProgress IncidentStatus = "in_progress"
	IncidentResolved   IncidentStatus = "resolved"
	IncidentClosed     IncidentStatus = "closed"
)

var incidentTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentOpen:       {IncidentInProgress, IncidentResolved, IncidentClosed},
	IncidentInProgress: {IncidentResolved, IncidentClosed},
	IncidentResolved:   {IncidentClosed},
}

func ensure[S ~string](entity string, table map[S][]S, from, to S) error {
	if slices.Contains(table[from], to) {
		return nil
	}
	return &TransitionError{Entity: entity, From: string(from), To: string(to)}
}

// sources lists, in sorted order, every status allowed to move to to.
func sources[S ~string](table map[S][]S, to S) []S {
	var out []S
	for from, next := range table {
		if slices.Contains(next, to) {
			out = append(out, from)
		}
	}
	slices.Sort(out)
	return out
}

func EnsureMissionTransition(from, to MissionStatus) error {
	return ensure("mission", missionTransitions, from, to)
}

func EnsureInvitationTransition(from, to InvitationStatus) error {
	return ensure("signature_invitation", invitationTransitions, from, to)
}

func EnsureNotificationTransition(from, to NotificationStatus) error {
	return ensure("notification", notificationTransitions, from, to)
}

// NotificationSources lists the statuses a notification may leave for to.
// Storage guards its conditional updates with it.
func NotificationSources(to NotificationStatus) []NotificationStatus {
	return sources(notificationTransitions, to)
}

func EnsureActionTransition(from, to ActionStatus) error {
	return ensure("corrective_action", actionTransitions, from, to)
}

func EnsureIncidentTransition(from, to IncidentStatus) error {
	return ensure("incident_report", incidentTransitions, from, to)
}

// IncidentSources lists the statuses an incident report may leave for to.
func IncidentSources(to IncidentStatus) []IncidentStatus {
	return sources(incidentTransitions, to)
}

// TransitionError reports a rejected state change. State is left unchanged.
type TransitionError struct {
	Entity  string
	From    string
	To      string
	Reasons []string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
	if len(e.Reasons) > 0 {
		msg += ": " + strings.Join(e.Reasons, "; ")
	}
	return msg
}
