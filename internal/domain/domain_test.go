package domain

import (
	"errors"
	"slices"
	"testing"
)

func TestNextBailStatus(t *testing.T) {
	cases := []struct {
		from BailStatus
		ev   BailEvent
		want BailStatus
		ok   bool
	}{
		{BailAssigned, EventEntryValidated, BailInProgress, true},
		{BailInProgress, EventExitCleared, BailCompleted, true},
		{BailInProgress, EventIncidentsDetected, BailIncident, true},
		{BailCompleted, EventIncidentReported, BailIncident, true},
		{BailIncident, EventResumed, BailInProgress, true},
		{BailIncident, EventClosed, BailCompleted, true},
		{BailAssigned, EventExitCleared, "", false},
		{BailCompleted, EventEntryValidated, "", false},
		{BailAssigned, EventResumed, "", false},
	}
	for _, tc := range cases {
		got, err := NextBailStatus(tc.from, tc.ev)
		if tc.ok {
			if err != nil || got != tc.want {
				t.Fatalf("%s/%s: got %s, %v", tc.from, tc.ev, got, err)
			}
			continue
		}
		var te *TransitionError
		if !errors.As(err, &te) {
			t.Fatalf("%s/%s: expected TransitionError, got %v", tc.from, tc.ev, err)
		}
	}
}

func TestInvitationTransitions(t *testing.T) {
	if err := EnsureInvitationTransition(InvitationSent, InvitationOpened); err != nil {
		t.Fatalf("sent -> opened should be allowed: %v", err)
	}
	if err := EnsureInvitationTransition(InvitationCompleted, InvitationOpened); err == nil {
		t.Fatalf("completed is terminal")
	}
	if err := EnsureInvitationTransition(InvitationOpened, InvitationSent); err == nil {
		t.Fatalf("status must not move backwards")
	}
}

func TestIncidentAndNotificationSources(t *testing.T) {
	if got := IncidentSources(IncidentResolved); !slices.Equal(got, []IncidentStatus{IncidentInProgress, IncidentOpen}) {
		t.Fatalf("resolved sources: %v", got)
	}
	if err := EnsureIncidentTransition(IncidentClosed, IncidentResolved); err == nil {
		t.Fatalf("closed is terminal")
	}
	if got := NotificationSources(NotificationSent); !slices.Equal(got, []NotificationStatus{NotificationPending}) {
		t.Fatalf("sent sources: %v", got)
	}
	if err := EnsureNotificationTransition(NotificationCancelled, NotificationSent); err == nil {
		t.Fatalf("cancelled notifications must never be sent")
	}
}

func TestActionTransitions(t *testing.T) {
	if err := EnsureActionTransition(ActionPending, ActionCompleted); err != nil {
		t.Fatalf("pending -> completed: %v", err)
	}
	if err := EnsureActionTransition(ActionCompleted, ActionInProgress); err == nil {
		t.Fatalf("completed -> in_progress must be rejected")
	}
}

func TestDecodeChecklistAreasLegacy(t *testing.T) {
	raw := []byte(`{"kitchen":{"condition":"damaged","notes":"oven"},"bedroom":{}}`)
	areas, err := DecodeChecklistAreas(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if areas.Version != ChecklistAreasVersion || len(areas.Rooms) != 2 {
		t.Fatalf("unexpected areas %+v", areas)
	}
	if areas.Rooms[0].Name != "bedroom" || areas.Rooms[0].Condition != "good" {
		t.Fatalf("rooms should be sorted and defaulted: %+v", areas.Rooms)
	}
	if areas.Rooms[1].Condition != "damaged" {
		t.Fatalf("kitchen condition lost: %+v", areas.Rooms[1])
	}
	if err := areas.Validate(); err != nil {
		t.Fatalf("migrated areas should validate: %v", err)
	}
}

func TestDecodeChecklistAreasRejectsFutureVersion(t *testing.T) {
	if _, err := DecodeChecklistAreas([]byte(`{"version":9,"rooms":[]}`)); err == nil {
		t.Fatalf("expected error for unknown version")
	}
}

func TestNotificationDataValidate(t *testing.T) {
	if err := (NotificationData{Message: "x"}).Validate(NotificationExitReminder); !errors.Is(err, ErrInvalid) {
		t.Fatalf("reminder without due date should be invalid, got %v", err)
	}
	if err := (NotificationData{IncidentTypes: []string{"keys_not_returned"}}).Validate(NotificationIncidentAlert); err != nil {
		t.Fatalf("alert: %v", err)
	}
	d, err := DecodeNotificationData([]byte(`{"message":"legacy"}`))
	if err != nil || d.Version != NotificationDataVersion || d.Message != "legacy" {
		t.Fatalf("legacy decode: %+v %v", d, err)
	}
}

func TestParseRef(t *testing.T) {
	r, err := ParseRef("mission:abc")
	if err != nil || r.Kind != RefMission || r.ID != "abc" {
		t.Fatalf("parse: %+v %v", r, err)
	}
	if _, err := ParseRef("mission"); err == nil {
		t.Fatalf("expected error")
	}
}
