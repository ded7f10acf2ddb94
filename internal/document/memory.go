package document

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ryanbastic/go-cosync/internal/users"
)

// Memory is an in-process host document. It raises the same notifications a
// desktop host raises, keeps a native undo history for user operations, and
// backs the demo client and the end-to-end tests.
type Memory struct {
	mu       sync.Mutex
	objects  map[uuid.UUID]Object
	selected map[uuid.UUID]struct{}
	camera   users.Camera
	handler  Handler

	undo []step
	redo []step
}

type step struct {
	name string
	undo func()
	redo func()
}

func NewMemory() *Memory {
	return &Memory{
		objects:  make(map[uuid.UUID]Object),
		selected: make(map[uuid.UUID]struct{}),
	}
}

// Subscribe sets the handler that receives notifications.
func (m *Memory) Subscribe(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *Memory) emit(ev Event) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h.HandleEvent(ev)
	}
}

// --- Document ---

func (m *Memory) Object(id uuid.UUID) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[id]
	if !ok {
		return Object{}, false
	}
	return o.Clone(), true
}

func (m *Memory) AddObject(obj Object) (uuid.UUID, error) {
	obj = obj.Clone()
	if obj.ID == uuid.Nil {
		obj.ID = uuid.New()
	}
	if obj.Transform == (Transform{}) {
		obj.Transform = Identity()
	}

	m.mu.Lock()
	if _, exists := m.objects[obj.ID]; exists {
		m.mu.Unlock()
		return uuid.Nil, fmt.Errorf("add object %s: already exists", obj.ID)
	}
	m.objects[obj.ID] = obj
	m.mu.Unlock()

	m.emit(Event{Kind: EventAddObject, Objects: []Object{obj.Clone()}})
	return obj.ID, nil
}

func (m *Memory) DeleteObject(id uuid.UUID) error {
	m.mu.Lock()
	obj, ok := m.objects[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("delete object %s: %w", id, ErrObjectNotFound)
	}
	delete(m.objects, id)
	delete(m.selected, id)
	m.mu.Unlock()

	m.emit(Event{Kind: EventDeleteObject, Objects: []Object{obj}})
	return nil
}

// TransformObject raises BeginTransform and then replaces the object, which
// the host reports as a delete followed by an add of the same id.
func (m *Memory) TransformObject(id uuid.UUID, xform Transform) error {
	m.mu.Lock()
	before, ok := m.objects[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("transform object %s: %w", id, ErrObjectNotFound)
	}

	m.emit(Event{Kind: EventBeginTransform, Objects: []Object{before.Clone()}, Transform: xform})

	after := before.Clone()
	after.Transform = xform.Multiply(before.Transform)

	m.mu.Lock()
	m.objects[id] = after
	m.mu.Unlock()

	m.emit(Event{Kind: EventDeleteObject, Objects: []Object{before}})
	m.emit(Event{Kind: EventAddObject, Objects: []Object{after.Clone()}})
	return nil
}

func (m *Memory) ModifyAttributes(id uuid.UUID, attrs Attributes) error {
	m.mu.Lock()
	obj, ok := m.objects[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("modify attributes %s: %w", id, ErrObjectNotFound)
	}
	old := obj.Attributes.Clone()
	obj.Attributes = attrs.Clone()
	m.objects[id] = obj
	m.mu.Unlock()

	m.emit(Event{
		Kind:          EventModifyAttributes,
		Objects:       []Object{obj.Clone()},
		OldAttributes: old,
		NewAttributes: attrs.Clone(),
	})
	return nil
}

func (m *Memory) LockObject(id uuid.UUID) error {
	return m.setLocked(id, true)
}

func (m *Memory) UnlockObject(id uuid.UUID) error {
	return m.setLocked(id, false)
}

func (m *Memory) setLocked(id uuid.UUID, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[id]
	if !ok {
		return fmt.Errorf("lock object %s: %w", id, ErrObjectNotFound)
	}
	obj.Locked = locked
	m.objects[id] = obj
	return nil
}

// SetCamera implements Viewer.
func (m *Memory) SetCamera(c users.Camera) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.camera = c
	return nil
}

// Camera returns the current view.
func (m *Memory) Camera() users.Camera {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.camera
}

// Objects returns every object ordered by id.
func (m *Memory) Objects() []Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Object, 0, len(m.objects))
	for _, o := range m.objects {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// --- user operations ---

// Command wraps fn in BeginCommand/EndCommand notifications.
func (m *Memory) Command(name string, fn func() error) error {
	m.emit(Event{Kind: EventBeginCommand, Command: name})
	err := fn()
	m.emit(Event{Kind: EventEndCommand, Command: name})
	return err
}

// UserAdd adds an object the way an interactive command would.
func (m *Memory) UserAdd(obj Object) (uuid.UUID, error) {
	var id uuid.UUID
	err := m.Command("Add", func() error {
		var err error
		id, err = m.AddObject(obj)
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	added, _ := m.Object(id)
	m.record("Add",
		func() { m.DeleteObject(id) },
		func() { m.AddObject(added) },
	)
	return id, nil
}

func (m *Memory) UserDelete(id uuid.UUID) error {
	before, ok := m.Object(id)
	if !ok {
		return fmt.Errorf("delete object %s: %w", id, ErrObjectNotFound)
	}
	if err := m.Command("Delete", func() error { return m.DeleteObject(id) }); err != nil {
		return err
	}
	m.record("Delete",
		func() { m.AddObject(before) },
		func() { m.DeleteObject(id) },
	)
	return nil
}

func (m *Memory) UserTransform(id uuid.UUID, xform Transform) error {
	inverse, ok := xform.Inverse()
	if !ok {
		return fmt.Errorf("transform object %s: singular transform", id)
	}
	if err := m.Command("Move", func() error { return m.TransformObject(id, xform) }); err != nil {
		return err
	}
	m.record("Move",
		func() { m.TransformObject(id, inverse) },
		func() { m.TransformObject(id, xform) },
	)
	return nil
}

func (m *Memory) UserModify(id uuid.UUID, attrs Attributes) error {
	before, ok := m.Object(id)
	if !ok {
		return fmt.Errorf("modify attributes %s: %w", id, ErrObjectNotFound)
	}
	if err := m.Command("Properties", func() error { return m.ModifyAttributes(id, attrs) }); err != nil {
		return err
	}
	m.record("Properties",
		func() { m.ModifyAttributes(id, before.Attributes) },
		func() { m.ModifyAttributes(id, attrs) },
	)
	return nil
}

// UserReplace deletes removed and adds added inside one command, the way
// explode or boolean commands do.
func (m *Memory) UserReplace(name string, removed []uuid.UUID, added []Object) ([]uuid.UUID, error) {
	var before []Object
	for _, id := range removed {
		if o, ok := m.Object(id); ok {
			before = append(before, o)
		}
	}
	var ids []uuid.UUID
	err := m.Command(name, func() error {
		for _, id := range removed {
			if err := m.DeleteObject(id); err != nil {
				return err
			}
		}
		for _, o := range added {
			id, err := m.AddObject(o)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var after []Object
	for _, id := range ids {
		o, _ := m.Object(id)
		after = append(after, o)
	}
	m.record(name,
		func() {
			for _, o := range after {
				m.DeleteObject(o.ID)
			}
			for _, o := range before {
				m.AddObject(o)
			}
		},
		func() {
			for _, o := range before {
				m.DeleteObject(o.ID)
			}
			for _, o := range after {
				m.AddObject(o)
			}
		},
	)
	return ids, nil
}

func (m *Memory) UserSelect(ids ...uuid.UUID) {
	objs := m.markSelected(ids, true)
	if len(objs) > 0 {
		m.emit(Event{Kind: EventSelectObjects, Objects: objs})
	}
}

func (m *Memory) UserDeselect(ids ...uuid.UUID) {
	objs := m.markSelected(ids, false)
	if len(objs) > 0 {
		m.emit(Event{Kind: EventDeselectObjects, Objects: objs})
	}
}

func (m *Memory) UserDeselectAll() {
	m.mu.Lock()
	m.selected = make(map[uuid.UUID]struct{})
	m.mu.Unlock()
	m.emit(Event{Kind: EventDeselectAll})
}

func (m *Memory) markSelected(ids []uuid.UUID, selected bool) []Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	var objs []Object
	for _, id := range ids {
		o, ok := m.objects[id]
		if !ok {
			continue
		}
		if selected {
			m.selected[id] = struct{}{}
		} else {
			delete(m.selected, id)
		}
		objs = append(objs, o.Clone())
	}
	return objs
}

// UserCamera moves the local view.
func (m *Memory) UserCamera(c users.Camera) {
	m.SetCamera(c)
	m.emit(Event{Kind: EventCameraChanged, Camera: c})
}

// Undo reverts the most recent user operation with host-native undo.
func (m *Memory) Undo() bool {
	m.mu.Lock()
	if len(m.undo) == 0 {
		m.mu.Unlock()
		return false
	}
	s := m.undo[len(m.undo)-1]
	m.undo = m.undo[:len(m.undo)-1]
	m.redo = append(m.redo, s)
	m.mu.Unlock()

	m.emit(Event{Kind: EventBeginUndo, Command: s.name})
	s.undo()
	m.emit(Event{Kind: EventEndUndo, Command: s.name})
	return true
}

// Redo replays the most recently undone user operation.
func (m *Memory) Redo() bool {
	m.mu.Lock()
	if len(m.redo) == 0 {
		m.mu.Unlock()
		return false
	}
	s := m.redo[len(m.redo)-1]
	m.redo = m.redo[:len(m.redo)-1]
	m.undo = append(m.undo, s)
	m.mu.Unlock()

	m.emit(Event{Kind: EventBeginRedo, Command: s.name})
	s.redo()
	m.emit(Event{Kind: EventEndRedo, Command: s.name})
	return true
}

// Idle raises the idle notification that drives the engine's queue.
func (m *Memory) Idle() {
	m.emit(Event{Kind: EventIdle})
}

func (m *Memory) record(name string, undo, redo func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = append(m.undo, step{name: name, undo: undo, redo: redo})
	m.redo = nil
}
