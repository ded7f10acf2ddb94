// Package document describes the host document the sync engine mutates. The
// host is single-threaded and non-reentrant; the engine only touches it from
// the idle queue.
package document

import (
	"encoding/json"
	"errors"
	"maps"

	"github.com/google/uuid"

	"github.com/ryanbastic/go-cosync/internal/users"
)

var ErrObjectNotFound = errors.New("object not found")

// Attributes are the host's per-object attributes (name, layer, user strings).
type Attributes map[string]string

func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	return maps.Clone(a)
}

// Object is a snapshot of one native object. Geometry is opaque to the engine.
type Object struct {
	ID         uuid.UUID       `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Attributes Attributes      `json:"attributes,omitempty"`
	Transform  Transform       `json:"transform"`
	Locked     bool            `json:"locked,omitempty"`
}

// Clone returns a deep copy so snapshots held by undo records never alias
// host state.
func (o Object) Clone() Object {
	out := o
	if o.Geometry != nil {
		out.Geometry = append(json.RawMessage(nil), o.Geometry...)
	}
	out.Attributes = o.Attributes.Clone()
	return out
}

// Document is the apply surface and lookup the engine needs from the host.
type Document interface {
	// Object returns the current state of a native object.
	Object(id uuid.UUID) (Object, bool)
	// AddObject realizes obj and returns its native id. A zero obj.ID asks
	// the host to assign one.
	AddObject(obj Object) (uuid.UUID, error)
	DeleteObject(id uuid.UUID) error
	TransformObject(id uuid.UUID, xform Transform) error
	ModifyAttributes(id uuid.UUID, attrs Attributes) error
	LockObject(id uuid.UUID) error
	UnlockObject(id uuid.UUID) error
}

// Viewer is implemented by hosts that can move their active viewport.
type Viewer interface {
	SetCamera(c users.Camera) error
}

// Handler receives host notifications. Implementations must not panic into
// the host; the capture layer recovers its own failures.
type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev Event)

func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }
