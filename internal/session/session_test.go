package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/connection"
	"github.com/ryanbastic/go-cosync/internal/definitions"
	"github.com/ryanbastic/go-cosync/internal/document"
	"github.com/ryanbastic/go-cosync/internal/hub"
	"github.com/ryanbastic/go-cosync/internal/storage"
	"github.com/ryanbastic/go-cosync/internal/users"
)

type countingObserver struct {
	pushed   atomic.Int32
	received atomic.Int32
}

func (o *countingObserver) ChangePushed(string)           { o.pushed.Add(1) }
func (o *countingObserver) ChangeReceived(string)         { o.received.Add(1) }
func (o *countingObserver) StateChanged(connection.State) {}
func (o *countingObserver) Reconnecting(int)              {}
func (o *countingObserver) PushFailed(int)                {}
func (o *countingObserver) QueueDepth(int)                {}

type peer struct {
	doc *document.Memory
	s   *Session
	obs *countingObserver
}

func newRelay(t *testing.T) *hub.Hub {
	t.Helper()
	h := hub.New(storage.NewMemoryStore(), hub.Options{Logger: slog.New(slog.DiscardHandler)})
	t.Cleanup(h.Close)
	return h
}

func join(t *testing.T, h *hub.Hub, user string) *peer {
	t.Helper()
	return joinWith(t, user, Options{Transport: &hub.LocalTransport{Hub: h}})
}

func joinWith(t *testing.T, user string, opts Options) *peer {
	t.Helper()
	p := &peer{doc: document.NewMemory(), obs: &countingObserver{}}
	opts.User = user
	opts.URL = "ws://relay/sync"
	opts.Logger = slog.New(slog.DiscardHandler)
	opts.Observer = p.obs
	s, err := New(p.doc, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("session never initialized")
	}
	p.s = s
	return p
}

// droppable dials the hub in process and can cut the latest stream.
type droppable struct {
	hub.LocalTransport
	mu   sync.Mutex
	last connection.Stream
}

func (d *droppable) Dial(ctx context.Context, url string) (connection.Stream, error) {
	s, err := d.LocalTransport.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.last = s
	d.mu.Unlock()
	return s, nil
}

func (d *droppable) drop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last.Close()
}

// settle drains every peer until cond holds, standing in for the hosts'
// idle loops.
func settle(t *testing.T, cond func() bool, peers ...*peer) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, p := range peers {
			p.s.Drain()
		}
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("peers did not converge")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func box() document.Object {
	return document.Object{Geometry: json.RawMessage(`{"kind":"box"}`)}
}

func only(t *testing.T, doc *document.Memory) document.Object {
	t.Helper()
	objs := doc.Objects()
	if len(objs) != 1 {
		t.Fatalf("objects: got %d, want 1", len(objs))
	}
	return objs[0]
}

func TestNew_Validates(t *testing.T) {
	if _, err := New(nil, Options{User: "a", URL: "ws://x/sync", Transport: &hub.LocalTransport{}}); err == nil {
		t.Error("expected error for nil document")
	}
	_, err := New(document.NewMemory(), Options{URL: "ws://x/sync", Transport: &hub.LocalTransport{}})
	if connection.KindOf(err) != connection.KindMissingUser {
		t.Errorf("got %v, want missing user", err)
	}
}

func TestAddPropagatesLocked(t *testing.T) {
	h := newRelay(t)
	a := join(t, h, "alice")
	b := join(t, h, "bob")

	if _, err := a.doc.UserAdd(box()); err != nil {
		t.Fatalf("UserAdd: %v", err)
	}
	settle(t, func() bool { return b.doc.Len() == 1 }, a, b)

	got := only(t, b.doc)
	if !got.Locked {
		t.Error("foreign temporary object should be locked")
	}
	if string(got.Geometry) != `{"kind":"box"}` {
		t.Errorf("geometry: got %s", got.Geometry)
	}
	if n := a.obs.pushed.Load(); n != 1 {
		t.Errorf("alice pushes: got %d, want 1", n)
	}
	if n := b.obs.pushed.Load(); n != 0 {
		t.Errorf("bob pushes: got %d, want 0", n)
	}
	if a.s.Temporaries() != 1 {
		t.Errorf("alice temporaries: got %d, want 1", a.s.Temporaries())
	}
	if _, ok := b.s.Users().Get("alice"); !ok {
		t.Error("bob should know alice")
	}
}

func TestDeleteAndTransformPropagate(t *testing.T) {
	h := newRelay(t)
	a := join(t, h, "alice")
	b := join(t, h, "bob")

	id, err := a.doc.UserAdd(box())
	if err != nil {
		t.Fatalf("UserAdd: %v", err)
	}
	settle(t, func() bool { return b.doc.Len() == 1 }, a, b)

	move := document.Translation(1, 2, 3)
	if err := a.doc.UserTransform(id, move); err != nil {
		t.Fatalf("UserTransform: %v", err)
	}
	settle(t, func() bool {
		return only(t, b.doc).Transform.ApproxEqual(move, 1e-9)
	}, a, b)

	if err := a.doc.UserDelete(id); err != nil {
		t.Fatalf("UserDelete: %v", err)
	}
	settle(t, func() bool { return b.doc.Len() == 0 }, a, b)

	if n := b.obs.pushed.Load(); n != 0 {
		t.Errorf("bob pushes: got %d, want 0", n)
	}
	if a.s.Temporaries() != 0 {
		t.Errorf("alice temporaries after delete: got %d, want 0", a.s.Temporaries())
	}
}

func TestReleaseUnlocks(t *testing.T) {
	h := newRelay(t)
	a := join(t, h, "alice")
	b := join(t, h, "bob")

	if _, err := a.doc.UserAdd(box()); err != nil {
		t.Fatalf("UserAdd: %v", err)
	}
	settle(t, func() bool { return b.doc.Len() == 1 }, a, b)

	n, err := a.s.Release(context.Background())
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if n != 1 {
		t.Errorf("released: got %d, want 1", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.s.Flush(ctx, time.Millisecond); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	settle(t, func() bool { return !only(t, b.doc).Locked }, a, b)

	if a.s.Temporaries() != 0 {
		t.Errorf("temporaries: got %d, want 0", a.s.Temporaries())
	}
}

func TestReleaseCanceled(t *testing.T) {
	h := newRelay(t)
	a := join(t, h, "alice")
	if _, err := a.doc.UserAdd(box()); err != nil {
		t.Fatalf("UserAdd: %v", err)
	}
	a.s.Drain()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := a.s.Release(ctx)
	if !errors.Is(err, context.Canceled) || n != 0 {
		t.Errorf("got %d, %v; want 0, canceled", n, err)
	}
	if a.s.Temporaries() != 1 {
		t.Errorf("temporaries kept: got %d, want 1", a.s.Temporaries())
	}
}

func TestUndoPropagates(t *testing.T) {
	h := newRelay(t)
	a := join(t, h, "alice")
	b := join(t, h, "bob")

	if _, err := a.doc.UserAdd(box()); err != nil {
		t.Fatalf("UserAdd: %v", err)
	}
	settle(t, func() bool { return b.doc.Len() == 1 }, a, b)

	if !a.doc.Undo() {
		t.Fatal("Undo: nothing to undo")
	}
	settle(t, func() bool { return b.doc.Len() == 0 }, a, b)
}

func TestLateJoinerRealizesSnapshot(t *testing.T) {
	h := newRelay(t)
	a := join(t, h, "alice")
	if _, err := a.doc.UserAdd(box()); err != nil {
		t.Fatalf("UserAdd: %v", err)
	}
	a.s.Drain()

	// The relay applies pushes asynchronously; retry until the snapshot
	// carries the object.
	var c *peer
	deadline := time.Now().Add(2 * time.Second)
	for {
		c = join(t, h, "carol")
		c.s.Drain()
		if c.doc.Len() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("snapshot never carried the object")
		}
		c.s.Close()
		time.Sleep(5 * time.Millisecond)
	}
	if !only(t, c.doc).Locked {
		t.Error("snapshot temporary should be locked")
	}
	if _, ok := c.s.Users().Get("alice"); !ok {
		t.Error("carol should know alice from the user snapshot")
	}
}

func TestSelectionLocksRemotely(t *testing.T) {
	h := newRelay(t)
	a := join(t, h, "alice")
	b := join(t, h, "bob")

	id, err := a.doc.UserAdd(box())
	if err != nil {
		t.Fatalf("UserAdd: %v", err)
	}
	settle(t, func() bool { return b.doc.Len() == 1 && a.s.Temporaries() == 1 }, a, b)
	if _, err := a.s.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	settle(t, func() bool { return !only(t, b.doc).Locked }, a, b)

	a.doc.UserSelect(id)
	a.doc.Idle()
	settle(t, func() bool { return only(t, b.doc).Locked }, a, b)

	a.doc.UserDeselect(id)
	a.doc.Idle()
	settle(t, func() bool { return !only(t, b.doc).Locked }, a, b)
}

func TestSelectJustAddedObject(t *testing.T) {
	h := newRelay(t)
	a := join(t, h, "alice")

	id, err := a.doc.UserAdd(box())
	if err != nil {
		t.Fatalf("UserAdd: %v", err)
	}
	a.doc.UserSelect(id)
	a.doc.Idle()
	settle(t, func() bool { return len(a.s.Identity().GetSelected()) == 1 }, a)

	changeID, ok := a.s.Identity().TryGetChangeID(id)
	if !ok {
		t.Fatal("added object never paired")
	}
	if got := a.s.Identity().GetSelected()[0]; got != changeID {
		t.Errorf("selected: got %s, want %s", got, changeID)
	}
}

// Work done on either side while a session is disconnected must converge
// once it reconnects.
func TestReconnectCatchesUp(t *testing.T) {
	store := storage.NewMemoryStore()
	h := hub.New(store, hub.Options{Logger: slog.New(slog.DiscardHandler)})
	t.Cleanup(h.Close)

	resume := make(chan struct{})
	tr := &droppable{LocalTransport: hub.LocalTransport{Hub: h}}
	a := joinWith(t, "alice", Options{
		Transport: tr,
		Delays:    []time.Duration{time.Millisecond},
		Sleep: func(ctx context.Context, _ time.Duration) error {
			select {
			case <-resume:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	b := join(t, h, "bob")

	x, err := b.doc.UserAdd(box())
	if err != nil {
		t.Fatalf("UserAdd: %v", err)
	}
	y, err := b.doc.UserAdd(box())
	if err != nil {
		t.Fatalf("UserAdd: %v", err)
	}
	settle(t, func() bool { return a.doc.Len() == 2 }, a, b)
	xID, _ := b.s.Identity().TryGetChangeID(x)
	yID, _ := b.s.Identity().TryGetChangeID(y)

	tr.drop()
	settle(t, func() bool { return a.s.State() == connection.Reconnecting }, a)

	if err := b.doc.UserDelete(x); err != nil {
		t.Fatalf("UserDelete: %v", err)
	}
	move := document.Translation(1, 0, 0)
	if err := b.doc.UserTransform(y, move); err != nil {
		t.Fatalf("UserTransform: %v", err)
	}
	v, err := b.doc.UserAdd(box())
	if err != nil {
		t.Fatalf("UserAdd: %v", err)
	}
	// The relay applies one connection's pushes in order, so once the
	// last add is stored the delete and the move are too.
	var vID uuid.UUID
	settle(t, func() bool {
		id, ok := b.s.Identity().TryGetChangeID(v)
		if !ok {
			return false
		}
		vID = id
		_, err := store.Get(context.Background(), id)
		return err == nil
	}, b)

	if _, err := a.doc.UserAdd(box()); err != nil {
		t.Fatalf("UserAdd: %v", err)
	}
	a.s.Drain()
	close(resume)

	settle(t, func() bool {
		_, hasV := a.s.Identity().TryGetNativeID(vID)
		_, hasX := a.s.Identity().TryGetNativeID(xID)
		return hasV && !hasX && a.doc.Len() == 3 && b.doc.Len() == 3
	}, a, b)

	native, ok := a.s.Identity().TryGetNativeID(yID)
	if !ok {
		t.Fatal("moved object lost on reconnect")
	}
	got, _ := a.doc.Object(native)
	if !got.Transform.ApproxEqual(move, 1e-9) {
		t.Errorf("moved object: got %v, want %v", got.Transform, move)
	}
	if a.s.State() != connection.Connected {
		t.Errorf("state: got %s, want connected", a.s.State())
	}
}

func TestPushFailedSentAgainOnConnect(t *testing.T) {
	h := newRelay(t)
	a := join(t, h, "alice")
	b := join(t, h, "bob")

	c, err := change.New("alice", definitions.GeometryType, change.Add|change.Temporary, `{"geometry":{"kind":"box"}}`)
	if err != nil {
		t.Fatalf("new change: %v", err)
	}
	a.s.OnEvent(connection.Event{Kind: connection.EventPushFailed, Changes: []change.Change{c}, Err: errors.New("stream lost")})
	if n := a.s.Unsent(); n != 1 {
		t.Fatalf("unsent: got %d, want 1", n)
	}
	if b.doc.Len() != 0 {
		t.Fatalf("bob objects before reconnect: got %d, want 0", b.doc.Len())
	}

	a.s.OnEvent(connection.Event{Kind: connection.EventStateChanged, State: connection.Connected})
	settle(t, func() bool { return b.doc.Len() == 1 }, a, b)
	if n := a.s.Unsent(); n != 0 {
		t.Errorf("unsent after connect: got %d, want 0", n)
	}
}

func TestFollowCamera(t *testing.T) {
	h := newRelay(t)
	a := join(t, h, "alice")
	b := join(t, h, "bob")

	if !b.s.Follow("alice") {
		t.Fatal("Follow: alice unknown")
	}
	cam := users.Camera{Location: users.Point{X: 4, Y: 5, Z: 6}, Target: users.Point{Z: 1}, Stamp: time.Now().UTC()}
	a.doc.UserCamera(cam)
	settle(t, func() bool { return b.doc.Camera().Location == cam.Location }, a, b)

	if latest, ok := b.s.Cameras().Latest("alice"); !ok || latest.Location != cam.Location {
		t.Errorf("camera table: got %+v, %v", latest, ok)
	}
	if a.s.Temporaries() != 0 {
		t.Errorf("camera changes are not tracked for release, got %d", a.s.Temporaries())
	}
}
