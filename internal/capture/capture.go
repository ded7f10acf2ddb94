// Package capture turns host document notifications into undo records and
// outbound captures. Every capture is handed to the sink from the idle
// queue, never from inside the host's event dispatch.
package capture

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/document"
	"github.com/ryanbastic/go-cosync/internal/identity"
	"github.com/ryanbastic/go-cosync/internal/idle"
	"github.com/ryanbastic/go-cosync/internal/undo"
)

// selectionAction is the idle action name for selection flushes. Flushes
// requested while one is queued coalesce.
const selectionAction = "capture:selection"

// Captured is one local mutation waiting to be converted into Changes.
type Captured struct {
	Action change.ActionFlags
	Event  document.Event
}

// Sink receives captures on the idle queue.
type Sink func(Captured)

// Layer is the capture layer for one document.
type Layer struct {
	logger   *slog.Logger
	queue    *idle.Queue
	ledger   *undo.Ledger
	identity *identity.Map
	sink     Sink

	suppress suppressor

	mu        sync.Mutex
	inCommand bool
	mark      int
	// windows holds the layer's own tokens, released when the window ends.
	windows map[Reason]func()
	// selection holds the latest requested state per native id. It is
	// resolved to change ids on flush, after pending adds have paired.
	selection map[uuid.UUID]bool
}

func New(logger *slog.Logger, queue *idle.Queue, ledger *undo.Ledger, ids *identity.Map, sink Sink) *Layer {
	return &Layer{
		logger:    logger,
		queue:     queue,
		ledger:    ledger,
		identity:  ids,
		sink:      sink,
		windows:   make(map[Reason]func()),
		selection: make(map[uuid.UUID]bool),
	}
}

// Suppress opens a window for r. The returned func closes it and may be
// called more than once.
func (l *Layer) Suppress(r Reason) func() {
	return l.suppress.acquire(r)
}

// Suppressed reports whether any window for r is open.
func (l *Layer) Suppressed(r Reason) bool {
	return l.suppress.active(r)
}

// HandleEvent implements document.Handler. Failures are logged and never
// reach the host.
func (l *Layer) HandleEvent(ev document.Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("capture handler failed", "event", ev.Kind.String(), "error", fmt.Sprint(r))
		}
	}()

	switch ev.Kind {
	case document.EventBeginCommand:
		l.beginCommand()
		return
	case document.EventEndCommand:
		l.endCommand()
		return
	case document.EventBeginUndo:
		l.open(Undo)
		return
	case document.EventEndUndo:
		l.close(Undo)
		l.replay(l.ledger.Undo())
		return
	case document.EventBeginRedo:
		l.open(Redo)
		return
	case document.EventEndRedo:
		l.close(Redo)
		l.replay(l.ledger.Redo())
		return
	case document.EventIdle:
		l.idle()
		return
	}

	if l.Suppressed(Busy) {
		return
	}

	if ev.Kind == document.EventCameraChanged {
		l.emit(Captured{Action: change.Add, Event: ev})
		return
	}

	if l.Suppressed(Undo) || l.Suppressed(Redo) {
		return
	}

	switch ev.Kind {
	case document.EventAddObject, document.EventUndeleteObject:
		if l.Suppressed(Transform) {
			return
		}
		l.ledger.Push(undo.AddRecord{Objects: cloneObjects(ev.Objects)})
		l.emit(Captured{Action: change.Add, Event: ev})

	case document.EventDeleteObject:
		if l.Suppressed(Transform) {
			return
		}
		l.ledger.Push(undo.DeleteRecord{Objects: cloneObjects(ev.Objects)})
		l.emit(Captured{Action: change.Remove, Event: ev})

	case document.EventBeginTransform:
		// A copy leaves the source in place; its adds are captured as such.
		if ev.Copy {
			return
		}
		l.ledger.Push(undo.TransformRecord{IDs: ev.ObjectIDs(), Transform: ev.Transform})
		l.emit(Captured{Action: change.Transform, Event: ev})
		l.open(Transform)

	case document.EventModifyAttributes:
		if len(ev.Objects) == 0 {
			return
		}
		l.ledger.Push(undo.UpdateRecord{
			ID:  ev.Objects[0].ID,
			Old: ev.OldAttributes.Clone(),
			New: ev.NewAttributes.Clone(),
		})
		l.emit(Captured{Action: change.Update, Event: ev})

	case document.EventSelectObjects:
		l.selectObjects(ev.Objects, true)
	case document.EventDeselectObjects:
		l.selectObjects(ev.Objects, false)
	case document.EventDeselectAll:
		l.deselectAll()
	}
}

func (l *Layer) beginCommand() {
	mark := l.ledger.Mark()
	l.mu.Lock()
	l.inCommand = true
	l.mark = mark
	l.mu.Unlock()
}

// endCommand closes the command's windows, folds a mixed add/delete command
// into one undo step and flushes the selection.
func (l *Layer) endCommand() {
	l.mu.Lock()
	wasInCommand := l.inCommand
	mark := l.mark
	l.inCommand = false
	l.mu.Unlock()

	l.close(Transform)

	if wasInCommand {
		records := l.ledger.Retract(mark)
		if mg, ok := undo.Collapse(records); ok {
			l.ledger.Push(mg)
		} else {
			for _, r := range records {
				l.ledger.Push(r)
			}
		}
	}
	l.requestSelectionFlush()
}

// idle ends windows left open by operations outside any command.
func (l *Layer) idle() {
	l.mu.Lock()
	inCommand := l.inCommand
	l.mu.Unlock()
	if inCommand {
		return
	}
	l.close(Transform)
	l.requestSelectionFlush()
}

func (l *Layer) open(r Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.windows[r]; ok {
		return
	}
	l.windows[r] = l.suppress.acquire(r)
}

func (l *Layer) close(r Reason) {
	l.mu.Lock()
	release, ok := l.windows[r]
	delete(l.windows, r)
	l.mu.Unlock()
	if ok {
		release()
	}
}

// replay forwards the result of a ledger undo or redo to peers.
func (l *Layer) replay(r undo.Record, err error) {
	if err != nil {
		l.logger.Warn("undo step dropped", "error", err)
		return
	}
	for _, c := range Replay(r) {
		l.emit(c)
	}
}

// Replay expresses a record as the captures that reproduce it on peers.
func Replay(r undo.Record) []Captured {
	switch r := r.(type) {
	case undo.AddRecord:
		return []Captured{{Action: change.Add, Event: document.Event{Kind: document.EventAddObject, Objects: r.Objects}}}
	case undo.DeleteRecord:
		return []Captured{{Action: change.Remove, Event: document.Event{Kind: document.EventDeleteObject, Objects: r.Objects}}}
	case undo.TransformRecord:
		objs := make([]document.Object, len(r.IDs))
		for i, id := range r.IDs {
			objs[i] = document.Object{ID: id}
		}
		return []Captured{{Action: change.Transform, Event: document.Event{
			Kind:      document.EventBeginTransform,
			Objects:   objs,
			Transform: r.Transform,
		}}}
	case undo.ModifyGeometryRecord:
		var out []Captured
		if len(r.Removed) > 0 {
			out = append(out, Captured{Action: change.Remove, Event: document.Event{Kind: document.EventDeleteObject, Objects: r.Removed}})
		}
		if len(r.Added) > 0 {
			out = append(out, Captured{Action: change.Add, Event: document.Event{Kind: document.EventAddObject, Objects: r.Added}})
		}
		return out
	default:
		return nil
	}
}

func (l *Layer) selectObjects(objs []document.Object, selected bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range objs {
		l.selection[o.ID] = selected
	}
}

func (l *Layer) deselectAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for native := range l.selection {
		l.selection[native] = false
	}
	for _, id := range l.identity.GetSelected() {
		if native, ok := l.identity.TryGetNativeID(id); ok {
			l.selection[native] = false
		}
	}
}

func (l *Layer) requestSelectionFlush() {
	l.mu.Lock()
	pending := len(l.selection) > 0
	l.mu.Unlock()
	if !pending {
		return
	}
	l.queue.AddAction(idle.NewAction(selectionAction, l.flushSelection))
}

// flushSelection runs on the queue after every capture queued before it, so
// objects added earlier in the same tick are already paired.
func (l *Layer) flushSelection() {
	l.mu.Lock()
	pending := l.selection
	l.selection = make(map[uuid.UUID]bool)
	l.mu.Unlock()

	var locked, unlocked []document.Object
	for _, native := range sortedIDs(pending) {
		id, ok := l.identity.TryGetChangeID(native)
		if !ok {
			continue
		}
		selected := pending[native]
		if l.identity.IsSelected(id) == selected {
			continue
		}
		if selected {
			l.identity.AddSelected(id)
			locked = append(locked, document.Object{ID: native})
		} else {
			l.identity.RemoveSelected(id)
			unlocked = append(unlocked, document.Object{ID: native})
		}
	}
	if len(locked) > 0 {
		l.deliver(Captured{Action: change.Locked, Event: document.Event{Kind: document.EventSelectObjects, Objects: locked}})
	}
	if len(unlocked) > 0 {
		l.deliver(Captured{Action: change.Unlocked, Event: document.Event{Kind: document.EventDeselectObjects, Objects: unlocked}})
	}
}

func (l *Layer) emit(c Captured) {
	c.Event.Objects = cloneObjects(c.Event.Objects)
	l.queue.AddAction(idle.NewAction("", func() { l.deliver(c) }))
}

func (l *Layer) deliver(c Captured) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("capture sink failed", "action", c.Action.String(), "error", fmt.Sprint(r))
		}
	}()
	l.sink(c)
}

func sortedIDs(m map[uuid.UUID]bool) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
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
