package document

import (
	"github.com/google/uuid"

	"github.com/ryanbastic/go-cosync/internal/users"
)

// EventKind enumerates the host notifications the engine consumes.
type EventKind int

const (
	EventAddObject EventKind = iota + 1
	EventUndeleteObject
	EventDeleteObject
	EventBeginTransform
	EventSelectObjects
	EventDeselectObjects
	EventDeselectAll
	EventModifyAttributes
	EventBeginCommand
	EventEndCommand
	EventBeginUndo
	EventEndUndo
	EventBeginRedo
	EventEndRedo
	EventCameraChanged
	EventIdle
)

var eventNames = map[EventKind]string{
	EventAddObject:        "add_object",
	EventUndeleteObject:   "undelete_object",
	EventDeleteObject:     "delete_object",
	EventBeginTransform:   "begin_transform",
	EventSelectObjects:    "select_objects",
	EventDeselectObjects:  "deselect_objects",
	EventDeselectAll:      "deselect_all",
	EventModifyAttributes: "modify_attributes",
	EventBeginCommand:     "begin_command",
	EventEndCommand:       "end_command",
	EventBeginUndo:        "begin_undo",
	EventEndUndo:          "end_undo",
	EventBeginRedo:        "begin_redo",
	EventEndRedo:          "end_redo",
	EventCameraChanged:    "camera_changed",
	EventIdle:             "idle",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one host notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// Objects carries the affected objects (add, delete, transform, select).
	Objects []Object
	// Transform and Copy describe a BeginTransform.
	Transform Transform
	Copy      bool
	// OldAttributes and NewAttributes describe a ModifyAttributes.
	OldAttributes Attributes
	NewAttributes Attributes
	// Command names the command for BeginCommand/EndCommand.
	Command string
	// Camera is set for CameraChanged.
	Camera users.Camera
}

// ObjectIDs returns the native ids of ev.Objects.
func (ev Event) ObjectIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(ev.Objects))
	for i, o := range ev.Objects {
		ids[i] = o.ID
	}
	return ids
}
