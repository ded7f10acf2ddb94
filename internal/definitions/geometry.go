// Package definitions holds the built-in Change types: geometry and camera.
package definitions

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/dispatch"
	"github.com/ryanbastic/go-cosync/internal/document"
)

const GeometryType = "geometry"

// placementTolerance is how far a realized placement may drift from the
// stored one before a resync moves the object.
const placementTolerance = 1e-9

// GeometryPayload is the payload of a geometry Change. Placement is the
// object's absolute transform; Delta is the relative transform a Transform
// change applies. Fields are merged key by key when stored.
type GeometryPayload struct {
	Geometry   json.RawMessage     `json:"geometry,omitempty"`
	Attributes document.Attributes `json:"attributes,omitempty"`
	Placement  *document.Transform `json:"placement,omitempty"`
	Delta      *document.Transform `json:"delta,omitempty"`
}

func (p GeometryPayload) encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeGeometry(c change.Change) (GeometryPayload, error) {
	var p GeometryPayload
	if c.Payload == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(c.Payload), &p); err != nil {
		return p, fmt.Errorf("decode geometry payload %s: %w", c.ID, err)
	}
	return p, nil
}

// Geometry returns the definition for host objects.
func Geometry() dispatch.Definition {
	return dispatch.Definition{
		ChangeName: GeometryType,
		CreateActions: []dispatch.CreateAction{
			geometryAdd{},
			geometryRemove{},
			geometryTransform{},
			geometryUpdate{},
			geometryLock{flag: change.Locked, kind: document.EventSelectObjects},
			geometryLock{flag: change.Unlocked, kind: document.EventDeselectObjects},
		},
		ReceiveActions: []dispatch.ReceiveAction{
			receiveRemove{},
			receiveAdd{},
			receiveTransform{},
			receiveUpdate{},
			receiveLock{flag: change.Locked},
			receiveLock{flag: change.Unlocked},
			receiveLock{flag: change.Release},
		},
		ResyncAction: resyncGeometry{},
	}
}

// --- create ---

type geometryAdd struct{}

func (geometryAdd) Action() change.ActionFlags { return change.Add }

func (geometryAdd) CanConvert(ev document.Event) bool {
	return (ev.Kind == document.EventAddObject || ev.Kind == document.EventUndeleteObject) && len(ev.Objects) > 0
}

// Convert creates a temporary Change per object and pairs it with the
// native id. Objects that are already paired were realized from a Change
// and are skipped.
func (geometryAdd) Convert(env *dispatch.Env, ev document.Event) ([]change.Change, error) {
	var out []change.Change
	for _, o := range ev.Objects {
		if _, ok := env.Identity.TryGetChangeID(o.ID); ok {
			continue
		}
		placement := o.Transform
		payload, err := GeometryPayload{Geometry: o.Geometry, Attributes: o.Attributes, Placement: &placement}.encode()
		if err != nil {
			return out, err
		}
		c, err := change.NewWithID(uuid.New(), env.Owner, GeometryType, change.Add|change.Temporary, payload, env.MaxPayload)
		if err != nil {
			return out, err
		}
		env.Identity.AddPair(c.ID, o.ID)
		out = append(out, c)
	}
	return out, nil
}

type geometryRemove struct{}

func (geometryRemove) Action() change.ActionFlags { return change.Remove }

func (geometryRemove) CanConvert(ev document.Event) bool {
	return ev.Kind == document.EventDeleteObject
}

func (geometryRemove) Convert(env *dispatch.Env, ev document.Event) ([]change.Change, error) {
	var out []change.Change
	for _, o := range ev.Objects {
		id, ok := env.Identity.TryGetChangeID(o.ID)
		if !ok {
			continue
		}
		c, err := change.NewWithID(id, env.Owner, GeometryType, change.Remove, "", env.MaxPayload)
		if err != nil {
			return out, err
		}
		env.Identity.RemoveByNativeID(o.ID)
		out = append(out, c)
	}
	return out, nil
}

type geometryTransform struct{}

func (geometryTransform) Action() change.ActionFlags { return change.Transform }

func (geometryTransform) CanConvert(ev document.Event) bool {
	return ev.Kind == document.EventBeginTransform && !ev.Copy
}

func (geometryTransform) Convert(env *dispatch.Env, ev document.Event) ([]change.Change, error) {
	var out []change.Change
	delta := ev.Transform
	for _, o := range ev.Objects {
		id, ok := env.Identity.TryGetChangeID(o.ID)
		if !ok {
			continue
		}
		// The host has finished the transform by the time this runs.
		placement := delta.Multiply(o.Transform)
		if current, ok := env.Document.Object(o.ID); ok {
			placement = current.Transform
		}
		payload, err := GeometryPayload{Placement: &placement, Delta: &delta}.encode()
		if err != nil {
			return out, err
		}
		c, err := change.NewWithID(id, env.Owner, GeometryType, change.Transform|change.Update, payload, env.MaxPayload)
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, nil
}

type geometryUpdate struct{}

func (geometryUpdate) Action() change.ActionFlags { return change.Update }

func (geometryUpdate) CanConvert(ev document.Event) bool {
	return ev.Kind == document.EventModifyAttributes
}

func (geometryUpdate) Convert(env *dispatch.Env, ev document.Event) ([]change.Change, error) {
	var out []change.Change
	for _, o := range ev.Objects {
		id, ok := env.Identity.TryGetChangeID(o.ID)
		if !ok {
			continue
		}
		attrs := ev.NewAttributes
		if attrs == nil {
			attrs = o.Attributes
		}
		payload, err := GeometryPayload{Attributes: attrs}.encode()
		if err != nil {
			return out, err
		}
		c, err := change.NewWithID(id, env.Owner, GeometryType, change.Update, payload, env.MaxPayload)
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, nil
}

// geometryLock turns a selection flush into Locked or Unlocked Changes.
type geometryLock struct {
	flag change.ActionFlags
	kind document.EventKind
}

func (a geometryLock) Action() change.ActionFlags { return a.flag }

func (a geometryLock) CanConvert(ev document.Event) bool { return ev.Kind == a.kind }

func (a geometryLock) Convert(env *dispatch.Env, ev document.Event) ([]change.Change, error) {
	var out []change.Change
	for _, o := range ev.Objects {
		id, ok := env.Identity.TryGetChangeID(o.ID)
		if !ok {
			continue
		}
		c, err := change.NewWithID(id, env.Owner, GeometryType, a.flag, "", env.MaxPayload)
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, nil
}

// --- receive ---

type receiveRemove struct{}

func (receiveRemove) CanReceive(a change.ActionFlags) bool { return a.Has(change.Remove) }

func (receiveRemove) Receive(env *dispatch.Env, c change.Change) error {
	native, ok := env.Identity.TryGetNativeID(c.ID)
	if !ok {
		env.Logger.Debug("remove for unrealized change", "change_id", c.ID)
		return nil
	}
	env.Identity.RemoveByChangeID(c.ID)
	if err := env.Document.DeleteObject(native); err != nil {
		return fmt.Errorf("remove %s: %w", c.ID, err)
	}
	return nil
}

type receiveAdd struct{}

func (receiveAdd) CanReceive(a change.ActionFlags) bool { return a.Has(change.Add) }

// Receive realizes the Change as a native object. Foreign temporary objects
// stay locked until their owner releases them.
func (receiveAdd) Receive(env *dispatch.Env, c change.Change) error {
	if native, ok := env.Identity.TryGetNativeID(c.ID); ok {
		env.Logger.Debug("change already realized", "change_id", c.ID, "native_id", native)
		return nil
	}
	p, err := decodeGeometry(c)
	if err != nil {
		return err
	}
	obj := document.Object{Geometry: p.Geometry, Attributes: p.Attributes}
	if p.Placement != nil {
		obj.Transform = *p.Placement
	}
	native, err := env.Document.AddObject(obj)
	if err != nil {
		return fmt.Errorf("add %s: %w", c.ID, err)
	}
	env.Identity.AddPair(c.ID, native)

	foreign := !sameUser(c.Owner, env.Owner)
	if c.Action.Has(change.Locked) || (foreign && c.Action.Has(change.Temporary)) {
		if err := env.Document.LockObject(native); err != nil {
			return fmt.Errorf("lock %s: %w", c.ID, err)
		}
	}
	return nil
}

type receiveTransform struct{}

func (receiveTransform) CanReceive(a change.ActionFlags) bool { return a.Has(change.Transform) }

func (receiveTransform) Receive(env *dispatch.Env, c change.Change) error {
	native, ok := env.Identity.TryGetNativeID(c.ID)
	if !ok {
		return nil
	}
	p, err := decodeGeometry(c)
	if err != nil {
		return err
	}
	if p.Delta == nil {
		return fmt.Errorf("transform %s: payload has no delta", c.ID)
	}
	if err := env.Document.TransformObject(native, *p.Delta); err != nil {
		return fmt.Errorf("transform %s: %w", c.ID, err)
	}
	return nil
}

type receiveUpdate struct{}

func (receiveUpdate) CanReceive(a change.ActionFlags) bool { return a.Has(change.Update) }

func (receiveUpdate) Receive(env *dispatch.Env, c change.Change) error {
	native, ok := env.Identity.TryGetNativeID(c.ID)
	if !ok {
		return nil
	}
	p, err := decodeGeometry(c)
	if err != nil {
		return err
	}
	if err := env.Document.ModifyAttributes(native, p.Attributes); err != nil {
		return fmt.Errorf("update %s: %w", c.ID, err)
	}
	return nil
}

// receiveLock handles Locked, Unlocked and Release. Release unlocks.
type receiveLock struct {
	flag change.ActionFlags
}

func (r receiveLock) CanReceive(a change.ActionFlags) bool { return a.Has(r.flag) }

func (r receiveLock) Receive(env *dispatch.Env, c change.Change) error {
	native, ok := env.Identity.TryGetNativeID(c.ID)
	if !ok {
		return nil
	}
	var err error
	if r.flag == change.Locked {
		err = env.Document.LockObject(native)
	} else {
		err = env.Document.UnlockObject(native)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", r.flag, c.ID, err)
	}
	return nil
}

// resyncGeometry moves a realized object to the placement and attributes
// stored on the server and applies the lock a foreign owner holds.
type resyncGeometry struct{}

func (resyncGeometry) CanReceive(a change.ActionFlags) bool { return a.Has(change.Add) }

func (resyncGeometry) Receive(env *dispatch.Env, c change.Change) error {
	native, ok := env.Identity.TryGetNativeID(c.ID)
	if !ok {
		return nil
	}
	obj, ok := env.Document.Object(native)
	if !ok {
		return fmt.Errorf("resync %s: %w", c.ID, document.ErrObjectNotFound)
	}
	p, err := decodeGeometry(c)
	if err != nil {
		return err
	}
	if p.Placement != nil && !p.Placement.ApproxEqual(obj.Transform, placementTolerance) {
		inverse, ok := obj.Transform.Inverse()
		if !ok {
			return fmt.Errorf("resync %s: singular transform", c.ID)
		}
		if err := env.Document.TransformObject(native, p.Placement.Multiply(inverse)); err != nil {
			return fmt.Errorf("resync %s: %w", c.ID, err)
		}
	}
	if p.Attributes != nil && !maps.Equal(p.Attributes, obj.Attributes) {
		if err := env.Document.ModifyAttributes(native, p.Attributes); err != nil {
			return fmt.Errorf("resync %s: %w", c.ID, err)
		}
	}

	if sameUser(c.Owner, env.Owner) {
		return nil
	}
	locked := c.Action.Has(change.Locked) || c.Action.Has(change.Temporary)
	switch {
	case locked && !obj.Locked:
		err = env.Document.LockObject(native)
	case !locked && obj.Locked:
		err = env.Document.UnlockObject(native)
	}
	if err != nil {
		return fmt.Errorf("resync lock %s: %w", c.ID, err)
	}
	return nil
}
