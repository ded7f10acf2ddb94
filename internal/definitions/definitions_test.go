package definitions

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/dispatch"
	"github.com/ryanbastic/go-cosync/internal/document"
	"github.com/ryanbastic/go-cosync/internal/identity"
	"github.com/ryanbastic/go-cosync/internal/idle"
	"github.com/ryanbastic/go-cosync/internal/users"
)

type captureServer struct {
	sent []change.Change
}

func (s *captureServer) add(c change.Change) error {
	s.sent = append(s.sent, c)
	return nil
}

func (s *captureServer) AddChange(c change.Change) error    { return s.add(c) }
func (s *captureServer) DeleteChange(c change.Change) error { return s.add(c) }
func (s *captureServer) UpdateChange(c change.Change) error { return s.add(c) }
func (s *captureServer) LockChange(c change.Change) error   { return s.add(c) }
func (s *captureServer) UnlockChange(c change.Change) error { return s.add(c) }
func (s *captureServer) DoneChange(c change.Change) error   { return s.add(c) }

type peer struct {
	doc    *document.Memory
	env    *dispatch.Env
	d      *dispatch.Dispatcher
	queue  *idle.Queue
	server *captureServer
}

func newPeer(t *testing.T, owner string) *peer {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	p := &peer{
		doc:    document.NewMemory(),
		queue:  idle.NewQueue(logger),
		server: &captureServer{},
	}
	p.env = &dispatch.Env{
		Owner:      owner,
		Document:   p.doc,
		Identity:   identity.New(),
		Users:      users.NewTable(),
		Cameras:    users.NewCameraTable(0),
		Logger:     logger,
		MaxPayload: change.DefaultMaxPayloadBytes,
	}
	p.d = dispatch.New(p.env, p.server, p.queue)
	for _, def := range All() {
		if err := p.d.RegisterDefinition(def); err != nil {
			t.Fatalf("RegisterDefinition: %v", err)
		}
	}
	return p
}

// deliver hands every Change p sent to other and applies them.
func (p *peer) deliver(t *testing.T, other *peer) {
	t.Helper()
	for _, c := range p.server.sent {
		if err := other.d.NotifyDispatcher(c); err != nil {
			t.Fatalf("NotifyDispatcher: %v", err)
		}
	}
	p.server.sent = nil
	other.queue.Drain()
}

func TestGeometryAddPairsAndReceiverLocks(t *testing.T) {
	a, b := newPeer(t, "alice"), newPeer(t, "bob")

	obj := document.Object{ID: uuid.New(), Geometry: []byte(`{"line":[0,1]}`), Transform: document.Translation(1, 0, 0)}
	pushed, err := a.d.NotifyServer(change.Add, document.Event{Kind: document.EventAddObject, Objects: []document.Object{obj}})
	if err != nil {
		t.Fatalf("NotifyServer: %v", err)
	}
	if len(pushed) != 1 {
		t.Fatalf("got %d changes, want 1", len(pushed))
	}
	c := pushed[0]
	if c.Action != change.Add|change.Temporary || c.Type != GeometryType {
		t.Errorf("got %v %q, want Add|Temporary geometry", c.Action, c.Type)
	}
	if native, ok := a.env.Identity.TryGetNativeID(c.ID); !ok || native != obj.ID {
		t.Errorf("got %s %v, want pair with %s", native, ok, obj.ID)
	}

	a.deliver(t, b)
	native, ok := b.env.Identity.TryGetNativeID(c.ID)
	if !ok {
		t.Fatal("expected receiver to pair the change")
	}
	got, ok := b.doc.Object(native)
	if !ok {
		t.Fatal("expected receiver to realize the object")
	}
	if !got.Locked {
		t.Error("expected a foreign temporary object to be locked")
	}
	if !got.Transform.ApproxEqual(obj.Transform, 1e-12) {
		t.Errorf("got placement %v, want %v", got.Transform, obj.Transform)
	}
	if string(got.Geometry) != string(obj.Geometry) {
		t.Errorf("got geometry %s, want %s", got.Geometry, obj.Geometry)
	}
	if _, ok := b.env.Users.Get("alice"); !ok {
		t.Error("expected owner registered on the receiver")
	}

	release, _ := change.NewWithID(c.ID, "alice", GeometryType, change.Release, "", 0)
	if err := a.d.Push(release); err != nil {
		t.Fatalf("Push: %v", err)
	}
	a.deliver(t, b)
	if got, _ := b.doc.Object(native); got.Locked {
		t.Error("expected release to unlock")
	}
}

func TestGeometryAddSkipsRealized(t *testing.T) {
	a := newPeer(t, "alice")
	native := uuid.New()
	a.env.Identity.AddPair(uuid.New(), native)
	pushed, err := a.d.NotifyServer(change.Add, document.Event{Kind: document.EventAddObject, Objects: []document.Object{{ID: native}}})
	if err != nil || len(pushed) != 0 {
		t.Errorf("got %v, %v; want no changes for a realized object", pushed, err)
	}
}

func TestGeometryResyncMovesRealized(t *testing.T) {
	a, b := newPeer(t, "alice"), newPeer(t, "bob")

	obj := document.Object{ID: uuid.New(), Geometry: []byte(`{"line":[0,1]}`), Transform: document.Translation(1, 0, 0)}
	pushed, err := a.d.NotifyServer(change.Add, document.Event{Kind: document.EventAddObject, Objects: []document.Object{obj}})
	if err != nil || len(pushed) != 1 {
		t.Fatalf("NotifyServer: %v, %d changes", err, len(pushed))
	}
	a.deliver(t, b)

	placement := document.Translation(3, 0, 0)
	payload, err := GeometryPayload{Geometry: obj.Geometry, Attributes: document.Attributes{"layer": "walls"}, Placement: &placement}.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	stored, err := change.NewWithID(pushed[0].ID, "alice", GeometryType, change.Add, payload, 0)
	if err != nil {
		t.Fatalf("NewWithID: %v", err)
	}
	b.d.NotifyResync([]change.Change{stored}, nil)
	b.queue.Drain()

	native, ok := b.env.Identity.TryGetNativeID(stored.ID)
	if !ok {
		t.Fatal("resync should keep the pair")
	}
	got, _ := b.doc.Object(native)
	if !got.Transform.ApproxEqual(placement, 1e-9) {
		t.Errorf("got placement %v, want %v", got.Transform, placement)
	}
	if got.Attributes["layer"] != "walls" {
		t.Errorf("got attributes %v", got.Attributes)
	}
	if got.Locked {
		t.Error("released change should unlock on resync")
	}
	if b.doc.Len() != 1 {
		t.Errorf("objects: got %d, want 1", b.doc.Len())
	}
}

func TestGeometryOwnChangeNotLocked(t *testing.T) {
	a := newPeer(t, "alice")
	c, _ := change.New("Alice", GeometryType, change.Add|change.Temporary, `{"geometry":{"p":1}}`)
	a.d.NotifyDispatcher(c)
	a.queue.Drain()
	native, _ := a.env.Identity.TryGetNativeID(c.ID)
	if obj, _ := a.doc.Object(native); obj.Locked {
		t.Error("expected own change to stay unlocked")
	}
}

func TestGeometryRemoveRoundTrip(t *testing.T) {
	a, b := newPeer(t, "alice"), newPeer(t, "bob")
	obj := document.Object{ID: uuid.New()}
	a.d.NotifyServer(change.Add, document.Event{Kind: document.EventAddObject, Objects: []document.Object{obj}})
	a.deliver(t, b)
	changeID, _ := a.env.Identity.TryGetChangeID(obj.ID)
	native, _ := b.env.Identity.TryGetNativeID(changeID)

	pushed, err := a.d.NotifyServer(change.Remove, document.Event{Kind: document.EventDeleteObject, Objects: []document.Object{obj}})
	if err != nil || len(pushed) != 1 {
		t.Fatalf("got %v, %v; want one Remove", pushed, err)
	}
	if pushed[0].ID != changeID || pushed[0].Action != change.Remove {
		t.Errorf("got %s %v, want Remove of %s", pushed[0].ID, pushed[0].Action, changeID)
	}
	if _, ok := a.env.Identity.TryGetChangeID(obj.ID); ok {
		t.Error("expected sender pair cleared")
	}

	a.deliver(t, b)
	if _, ok := b.doc.Object(native); ok {
		t.Error("expected receiver object deleted")
	}
	if _, ok := b.env.Identity.TryGetNativeID(changeID); ok {
		t.Error("expected receiver pair cleared")
	}
}

func TestGeometryTransformAndUpdate(t *testing.T) {
	a, b := newPeer(t, "alice"), newPeer(t, "bob")
	id, _ := a.doc.AddObject(document.Object{Attributes: document.Attributes{"name": "one"}})
	obj, _ := a.doc.Object(id)
	a.d.NotifyServer(change.Add, document.Event{Kind: document.EventAddObject, Objects: []document.Object{obj}})
	a.deliver(t, b)
	changeID, _ := a.env.Identity.TryGetChangeID(id)
	native, _ := b.env.Identity.TryGetNativeID(changeID)

	xform := document.Translation(0, 0, 4)
	a.doc.TransformObject(id, xform)
	pushed, err := a.d.NotifyServer(change.Transform, document.Event{
		Kind:      document.EventBeginTransform,
		Objects:   []document.Object{obj},
		Transform: xform,
	})
	if err != nil || len(pushed) != 1 {
		t.Fatalf("got %v, %v; want one change", pushed, err)
	}
	if pushed[0].Action != change.Transform|change.Update {
		t.Errorf("got %v, want Transform|Update", pushed[0].Action)
	}
	var p GeometryPayload
	if err := json.Unmarshal([]byte(pushed[0].Payload), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Placement == nil || !p.Placement.ApproxEqual(xform, 1e-12) {
		t.Errorf("got placement %v, want %v", p.Placement, xform)
	}

	a.d.NotifyServer(change.Update, document.Event{
		Kind:          document.EventModifyAttributes,
		Objects:       []document.Object{obj},
		NewAttributes: document.Attributes{"name": "two"},
	})
	a.deliver(t, b)

	got, _ := b.doc.Object(native)
	if !got.Transform.ApproxEqual(xform, 1e-12) {
		t.Errorf("got transform %v, want %v", got.Transform, xform)
	}
	if got.Attributes["name"] != "two" {
		t.Errorf("got name %q, want two", got.Attributes["name"])
	}
}

func TestGeometryLockUnlock(t *testing.T) {
	a, b := newPeer(t, "alice"), newPeer(t, "bob")
	obj := document.Object{ID: uuid.New()}
	a.d.NotifyServer(change.Add, document.Event{Kind: document.EventAddObject, Objects: []document.Object{obj}})
	a.deliver(t, b)
	changeID, _ := a.env.Identity.TryGetChangeID(obj.ID)
	native, _ := b.env.Identity.TryGetNativeID(changeID)
	b.doc.UnlockObject(native)

	a.d.NotifyServer(change.Locked, document.Event{Kind: document.EventSelectObjects, Objects: []document.Object{obj}})
	a.deliver(t, b)
	if got, _ := b.doc.Object(native); !got.Locked {
		t.Error("expected Locked to lock")
	}

	a.d.NotifyServer(change.Unlocked, document.Event{Kind: document.EventDeselectObjects, Objects: []document.Object{obj}})
	a.deliver(t, b)
	if got, _ := b.doc.Object(native); got.Locked {
		t.Error("expected Unlocked to unlock")
	}
}

func TestCameraFollow(t *testing.T) {
	a, b := newPeer(t, "alice"), newPeer(t, "bob")
	cam := users.Camera{Location: users.Point{X: 10}, Target: users.Point{Z: 1}, Stamp: time.Now().UTC()}

	pushed, err := a.d.NotifyServer(change.Add, document.Event{Kind: document.EventCameraChanged, Camera: cam})
	if err != nil || len(pushed) != 1 {
		t.Fatalf("got %v, %v; want one camera change", pushed, err)
	}
	if pushed[0].Type != CameraType || pushed[0].ID != CameraID("Alice") {
		t.Errorf("got %q %s, want camera %s", pushed[0].Type, pushed[0].ID, CameraID("alice"))
	}

	a.deliver(t, b)
	if _, ok := b.env.Cameras.Latest("alice"); !ok {
		t.Fatal("expected camera stored")
	}
	if got := b.doc.Camera(); got.Location == cam.Location {
		t.Error("view moved without following")
	}

	b.env.Users.SetCamera("alice", users.CameraFollow)
	cam.Stamp = cam.Stamp.Add(time.Second)
	cam.Location = users.Point{X: 20}
	a.d.NotifyServer(change.Add, document.Event{Kind: document.EventCameraChanged, Camera: cam})
	a.deliver(t, b)
	if got := b.doc.Camera(); got.Location != cam.Location {
		t.Errorf("got view %v, want %v", got.Location, cam.Location)
	}
}
