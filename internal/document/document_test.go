package document

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/ryanbastic/go-cosync/internal/users"
)

func TestTransformInverseRoundTrip(t *testing.T) {
	xforms := []Transform{
		Identity(),
		Translation(1, -2, 3.5),
		Scale(4),
		Translation(3, 0, 0).Multiply(Scale(0.5)),
	}
	for _, x := range xforms {
		inv, ok := x.Inverse()
		if !ok {
			t.Fatalf("Inverse(%v) reported singular", x)
		}
		if got := x.Multiply(inv); !got.IsIdentity() {
			t.Errorf("x * inverse(x) = %v, want identity", got)
		}
	}
}

func TestTransformSingular(t *testing.T) {
	if _, ok := Scale(0).Inverse(); ok {
		t.Error("expected Scale(0) to be singular")
	}
	if _, ok := (Transform{}).Inverse(); ok {
		t.Error("expected zero transform to be singular")
	}
}

type recorder struct {
	events []Event
}

func (r *recorder) HandleEvent(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) kinds() []EventKind {
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func equalKinds(a, b []EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMemoryAddDelete(t *testing.T) {
	m := NewMemory()
	rec := &recorder{}
	m.Subscribe(rec)

	id, err := m.AddObject(Object{Geometry: []byte(`{"point":[0,0,0]}`)})
	if err != nil {
		t.Fatalf("AddObject: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("expected an assigned id")
	}
	obj, ok := m.Object(id)
	if !ok {
		t.Fatal("expected object to exist")
	}
	if !obj.Transform.IsIdentity() {
		t.Errorf("got transform %v, want identity", obj.Transform)
	}

	if _, err := m.AddObject(obj); err == nil {
		t.Error("expected error adding duplicate id")
	}

	if err := m.DeleteObject(id); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if err := m.DeleteObject(id); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("got %v, want ErrObjectNotFound", err)
	}

	want := []EventKind{EventAddObject, EventDeleteObject}
	if got := rec.kinds(); !equalKinds(got, want) {
		t.Errorf("got events %v, want %v", got, want)
	}
}

func TestMemoryTransformReplaces(t *testing.T) {
	m := NewMemory()
	id, _ := m.AddObject(Object{})
	rec := &recorder{}
	m.Subscribe(rec)

	if err := m.TransformObject(id, Translation(5, 0, 0)); err != nil {
		t.Fatalf("TransformObject: %v", err)
	}
	obj, _ := m.Object(id)
	if !obj.Transform.ApproxEqual(Translation(5, 0, 0), 1e-9) {
		t.Errorf("got transform %v, want translation", obj.Transform)
	}

	want := []EventKind{EventBeginTransform, EventDeleteObject, EventAddObject}
	if got := rec.kinds(); !equalKinds(got, want) {
		t.Errorf("got events %v, want %v", got, want)
	}
	if rec.events[1].Objects[0].ID != id || rec.events[2].Objects[0].ID != id {
		t.Error("expected replace events to carry the same id")
	}
}

func TestMemoryLockAndAttributes(t *testing.T) {
	m := NewMemory()
	id, _ := m.AddObject(Object{Attributes: Attributes{"name": "a"}})

	if err := m.LockObject(id); err != nil {
		t.Fatalf("LockObject: %v", err)
	}
	if obj, _ := m.Object(id); !obj.Locked {
		t.Error("expected object to be locked")
	}
	if err := m.UnlockObject(id); err != nil {
		t.Fatalf("UnlockObject: %v", err)
	}
	if obj, _ := m.Object(id); obj.Locked {
		t.Error("expected object to be unlocked")
	}

	rec := &recorder{}
	m.Subscribe(rec)
	if err := m.ModifyAttributes(id, Attributes{"name": "b"}); err != nil {
		t.Fatalf("ModifyAttributes: %v", err)
	}
	ev := rec.events[0]
	if ev.OldAttributes["name"] != "a" || ev.NewAttributes["name"] != "b" {
		t.Errorf("got old=%v new=%v", ev.OldAttributes, ev.NewAttributes)
	}
}

func TestMemoryNativeUndoRedo(t *testing.T) {
	m := NewMemory()
	id, err := m.UserAdd(Object{})
	if err != nil {
		t.Fatalf("UserAdd: %v", err)
	}

	rec := &recorder{}
	m.Subscribe(rec)

	if !m.Undo() {
		t.Fatal("expected undo to run")
	}
	if _, ok := m.Object(id); ok {
		t.Error("expected object removed by undo")
	}
	want := []EventKind{EventBeginUndo, EventDeleteObject, EventEndUndo}
	if got := rec.kinds(); !equalKinds(got, want) {
		t.Errorf("got events %v, want %v", got, want)
	}

	if !m.Redo() {
		t.Fatal("expected redo to run")
	}
	if _, ok := m.Object(id); !ok {
		t.Error("expected object restored by redo")
	}
	if m.Redo() {
		t.Error("expected empty redo stack")
	}
}

func TestMemoryUserAddIsCommand(t *testing.T) {
	m := NewMemory()
	rec := &recorder{}
	m.Subscribe(rec)

	if _, err := m.UserAdd(Object{}); err != nil {
		t.Fatalf("UserAdd: %v", err)
	}
	want := []EventKind{EventBeginCommand, EventAddObject, EventEndCommand}
	if got := rec.kinds(); !equalKinds(got, want) {
		t.Errorf("got events %v, want %v", got, want)
	}
}

func TestMemorySelection(t *testing.T) {
	m := NewMemory()
	id, _ := m.AddObject(Object{})
	rec := &recorder{}
	m.Subscribe(rec)

	m.UserSelect(id, uuid.New())
	m.UserDeselect(id)
	m.UserDeselectAll()

	want := []EventKind{EventSelectObjects, EventDeselectObjects, EventDeselectAll}
	if got := rec.kinds(); !equalKinds(got, want) {
		t.Errorf("got events %v, want %v", got, want)
	}
	if n := len(rec.events[0].Objects); n != 1 {
		t.Errorf("got %d selected objects, want 1", n)
	}
}

func TestMemoryCamera(t *testing.T) {
	m := NewMemory()
	c := users.Camera{Location: users.Point{X: 1}, Target: users.Point{}}
	rec := &recorder{}
	m.Subscribe(rec)

	m.UserCamera(c)
	if got := m.Camera(); got.Location != c.Location {
		t.Errorf("got %v, want %v", got.Location, c.Location)
	}
	if rec.events[0].Kind != EventCameraChanged {
		t.Errorf("got %v, want camera_changed", rec.events[0].Kind)
	}
}
