// Package undo holds the reversible records captured from host events and
// the bounded undo/redo ledger they live on.
package undo

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ryanbastic/go-cosync/internal/document"
)

// ErrNoInverse is returned for records that cannot be reversed. Update
// records never have an inverse; transform records have none when the
// matrix is singular.
var ErrNoInverse = errors.New("record has no inverse")

type Kind int

const (
	KindAdd Kind = iota + 1
	KindDelete
	KindTransform
	KindUpdate
	KindModifyGeometry
)

func (k Kind) String() string {
	switch k {
	case KindAdd:
		return "add"
	case KindDelete:
		return "delete"
	case KindTransform:
		return "transform"
	case KindUpdate:
		return "update"
	case KindModifyGeometry:
		return "modify_geometry"
	default:
		return "unknown"
	}
}

// Record is one reversible capture. The set of implementations is closed.
type Record interface {
	Kind() Kind
	record()
}

// AddRecord captures objects that appeared in the document.
type AddRecord struct {
	Objects []document.Object
}

// DeleteRecord captures objects that left the document.
type DeleteRecord struct {
	Objects []document.Object
}

// TransformRecord captures a transform applied to existing objects.
type TransformRecord struct {
	IDs       []uuid.UUID
	Transform document.Transform
}

// UpdateRecord captures an attribute change.
type UpdateRecord struct {
	ID  uuid.UUID
	Old document.Attributes
	New document.Attributes
}

// ModifyGeometryRecord is one command that both created and removed objects.
type ModifyGeometryRecord struct {
	Added   []document.Object
	Removed []document.Object
}

func (AddRecord) Kind() Kind            { return KindAdd }
func (DeleteRecord) Kind() Kind         { return KindDelete }
func (TransformRecord) Kind() Kind      { return KindTransform }
func (UpdateRecord) Kind() Kind         { return KindUpdate }
func (ModifyGeometryRecord) Kind() Kind { return KindModifyGeometry }

func (AddRecord) record()            {}
func (DeleteRecord) record()         {}
func (TransformRecord) record()      {}
func (UpdateRecord) record()         {}
func (ModifyGeometryRecord) record() {}

// Inverse returns the record that undoes r. Inverse(Inverse(r)) is
// equivalent to r for every kind except Update.
func Inverse(r Record) (Record, error) {
	switch r := r.(type) {
	case AddRecord:
		return DeleteRecord{Objects: cloneObjects(r.Objects)}, nil
	case DeleteRecord:
		return AddRecord{Objects: cloneObjects(r.Objects)}, nil
	case TransformRecord:
		inv, ok := r.Transform.Inverse()
		if !ok {
			return nil, fmt.Errorf("transform of %d objects: %w", len(r.IDs), ErrNoInverse)
		}
		return TransformRecord{IDs: append([]uuid.UUID(nil), r.IDs...), Transform: inv}, nil
	case ModifyGeometryRecord:
		return ModifyGeometryRecord{
			Added:   cloneObjects(r.Removed),
			Removed: cloneObjects(r.Added),
		}, nil
	case UpdateRecord:
		return nil, fmt.Errorf("update of %s: %w", r.ID, ErrNoInverse)
	case nil:
		return nil, fmt.Errorf("nil record: %w", ErrNoInverse)
	default:
		return nil, fmt.Errorf("unknown record %T: %w", r, ErrNoInverse)
	}
}

// Collapse folds a command's records into one. Records that are not adds or
// deletes keep the command from collapsing and ok is false.
func Collapse(records []Record) (ModifyGeometryRecord, bool) {
	var out ModifyGeometryRecord
	for _, r := range records {
		switch r := r.(type) {
		case AddRecord:
			out.Added = append(out.Added, r.Objects...)
		case DeleteRecord:
			out.Removed = append(out.Removed, r.Objects...)
		default:
			return ModifyGeometryRecord{}, false
		}
	}
	if len(out.Added) == 0 || len(out.Removed) == 0 {
		return ModifyGeometryRecord{}, false
	}
	return out, true
}

func cloneObjects(objs []document.Object) []document.Object {
	if objs == nil {
		return nil
	}
	out := make([]document.Object, len(objs))
	for i, o := range objs {
		out[i] = o.Clone()
	}
	return out
}
