package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ChecklistAreasVersion is the payload version written by this build.
const ChecklistAreasVersion = 1

// ChecklistAreas records the state of the property as seen by the checker.
type ChecklistAreas struct {
	Version   int              `json:"version"`
	Rooms     []RoomCondition  `json:"rooms"`
	Utilities []UtilityReading `json:"utilities,omitempty"`
}

type RoomCondition struct {
	Name      string   `json:"name"`
	Condition string   `json:"condition" enum:"good,fair,damaged,missing"`
	Notes     string   `json:"notes,omitempty"`
	Photos    []string `json:"photos,omitempty"`
}

type UtilityReading struct {
	Kind    string `json:"kind"`
	Reading string `json:"reading"`
}

func (a ChecklistAreas) Validate() error {
	for i, room := range a.Rooms {
		if strings.TrimSpace(room.Name) == "" {
			return fmt.Errorf("%w: room %d has no name", ErrInvalid, i)
		}
		switch room.Condition {
		case "good", "fair", "damaged", "missing":
		default:
			return fmt.Errorf("%w: room %s has unknown condition %q", ErrInvalid, room.Name, room.Condition)
		}
	}
	for _, u := range a.Utilities {
		if u.Kind == "" {
			return fmt.Errorf("%w: utility reading without kind", ErrInvalid)
		}
	}
	return nil
}

// DecodeChecklistAreas reads any stored version of the areas payload.
// Version 0 is the legacy flat object keyed by room name.
func DecodeChecklistAreas(raw []byte) (ChecklistAreas, error) {
	if len(raw) == 0 {
		return ChecklistAreas{Version: ChecklistAreasVersion}, nil
	}
	var head struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ChecklistAreas{}, fmt.Errorf("decode checklist areas: %w", err)
	}
	if head.Version == nil {
		return migrateLegacyAreas(raw)
	}
	switch *head.Version {
	case ChecklistAreasVersion:
		var a ChecklistAreas
		if err := json.Unmarshal(raw, &a); err != nil {
			return ChecklistAreas{}, fmt.Errorf("decode checklist areas: %w", err)
		}
		return a, nil
	default:
		return ChecklistAreas{}, fmt.Errorf("unsupported checklist areas version %d", *head.Version)
	}
}

func migrateLegacyAreas(raw []byte) (ChecklistAreas, error) {
	var legacy map[string]struct {
		Condition string   `json:"condition"`
		Notes     string   `json:"notes"`
		Photos    []string `json:"photos"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return ChecklistAreas{}, fmt.Errorf("decode legacy checklist areas: %w", err)
	}
	names := make([]string, 0, len(legacy))
	for name := range legacy {
		names = append(names, name)
	}
	sort.Strings(names)
	out := ChecklistAreas{Version: ChecklistAreasVersion}
	for _, name := range names {
		room := legacy[name]
		cond := room.Condition
		if cond == "" {
			cond = "good"
		}
		out.Rooms = append(out.Rooms, RoomCondition{Name: name, Condition: cond, Notes: room.Notes, Photos: room.Photos})
	}
	return out, nil
}

// NotificationDataVersion is the payload version written by this build.
const NotificationDataVersion = 1

// NotificationData is the structured body carried by a notification.
type NotificationData struct {
	Version       int               `json:"version"`
	Message       string            `json:"message"`
	MissionID     string            `json:"mission_id,omitempty"`
	IncidentTypes []string          `json:"incident_types,omitempty"`
	DueDate       string            `json:"due_date,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Validate checks the fields each notification type depends on.
func (d NotificationData) Validate(t NotificationType) error {
	switch t {
	case NotificationExitReminder:
		if d.Message == "" || d.DueDate == "" {
			return fmt.Errorf("%w: %s requires message and due_date", ErrInvalid, t)
		}
	case NotificationMissionAssigned:
		if d.MissionID == "" {
			return fmt.Errorf("%w: %s requires mission_id", ErrInvalid, t)
		}
	case NotificationIncidentAlert:
		if len(d.IncidentTypes) == 0 {
			return fmt.Errorf("%w: %s requires incident_types", ErrInvalid, t)
		}
	case NotificationChecklistValidation, NotificationCalendarUpdate:
		if d.Message == "" {
			return fmt.Errorf("%w: %s requires message", ErrInvalid, t)
		}
	default:
		return fmt.Errorf("%w: unknown notification type %q", ErrInvalid, t)
	}
	return nil
}

// DecodeNotificationData reads any stored version of the payload.
func DecodeNotificationData(raw []byte) (NotificationData, error) {
	var d NotificationData
	if len(raw) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("decode notification data: %w", err)
	}
	switch d.Version {
	case 0:
		d.Version = NotificationDataVersion
	case NotificationDataVersion:
	default:
		return NotificationData{}, fmt.Errorf("unsupported notification data version %d", d.Version)
	}
	return d, nil
}
