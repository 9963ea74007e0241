// ABOUTME: Sealed variant linking a calendar event to the CRM record it mirrors
// ABOUTME: Converts between the in-memory variant and its two-column storage form
package models

import (
	"fmt"

	"github.com/google/uuid"
)

// SyncableLink points a CalendarEvent at the CRM Task or Appointment it mirrors.
// The only implementations are NoLink, TaskLink and AppointmentLink.
type SyncableLink interface {
	syncableKind() string
}

type NoLink struct{}

type TaskLink struct {
	TaskID uuid.UUID
}

type AppointmentLink struct {
	AppointmentID uuid.UUID
}

func (NoLink) syncableKind() string { return "" }
func (TaskLink) syncableKind() string { return "task" }
func (AppointmentLink) syncableKind() string { return "appointment" }

// LinkColumns returns the (syncable_type, syncable_id) pair persisted for a link.
// A nil link is stored the same way as NoLink.
func LinkColumns(link SyncableLink) (kind *string, id *string) {
	switch l := link.(type) {
	case TaskLink:
		k, v := l.syncableKind(), l.TaskID.String()
		return &k, &v
	case AppointmentLink:
		k, v := l.syncableKind(), l.AppointmentID.String()
		return &k, &v
	default:
		return nil, nil
	}
}

// LinkFromColumns rebuilds a link from its stored columns.
func LinkFromColumns(kind, id *string) (SyncableLink, error) {
	if kind == nil || *kind == "" {
		return NoLink{}, nil
	}
	if id == nil {
		return nil, fmt.Errorf("syncable %q has no id", *kind)
	}
	parsed, err := uuid.Parse(*id)
	if err != nil {
		return nil, fmt.Errorf("invalid syncable id: %w", err)
	}
	switch *kind {
	case "task":
		return TaskLink{TaskID: parsed}, nil
	case "appointment":
		return AppointmentLink{AppointmentID: parsed}, nil
	default:
		return nil, fmt.Errorf("unknown syncable type %q", *kind)
	}
}
