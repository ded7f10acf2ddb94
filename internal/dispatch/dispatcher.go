package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/document"
	"github.com/ryanbastic/go-cosync/internal/idle"
)

var (
	ErrDuplicateDefinition = errors.New("change definition already registered")
	ErrNoReceiveAction     = errors.New("no receive action for change")
)

// Outbound method names, also used as metric labels.
const (
	MethodAdd    = "add"
	MethodDelete = "delete"
	MethodUpdate = "update"
	MethodLock   = "lock"
	MethodUnlock = "unlock"
	MethodDone   = "done"
)

// Dispatcher is the action registry of one session.
type Dispatcher struct {
	env    *Env
	server Server
	queue  *idle.Queue

	busy        func() func()
	onTransform func(change.Change)
	observer    Observer

	mu      sync.RWMutex
	names   map[string]struct{}
	create  map[change.ActionFlags][]CreateAction
	receive map[string][]ReceiveAction
	resync  map[string]ReceiveAction
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBusy sets the guard held while a received Change is applied, so the
// host events it causes are not captured again.
func WithBusy(fn func() func()) Option {
	return func(d *Dispatcher) { d.busy = fn }
}

// WithTransformHook handles Changes that carry Transform and nothing the
// server routes on.
func WithTransformHook(fn func(change.Change)) Option {
	return func(d *Dispatcher) { d.onTransform = fn }
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

func New(env *Env, server Server, queue *idle.Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		env:         env,
		server:      server,
		queue:       queue,
		busy:        func() func() { return func() {} },
		onTransform: func(change.Change) {},
		observer:    nopObserver{},
		names:       make(map[string]struct{}),
		create:      make(map[change.ActionFlags][]CreateAction),
		receive:     make(map[string][]ReceiveAction),
		resync:      make(map[string]ReceiveAction),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RegisterDefinition indexes def's create actions by their capture kind and
// its receive actions by its change name.
func (d *Dispatcher) RegisterDefinition(def Definition) error {
	if def.ChangeName == "" {
		return fmt.Errorf("register definition: %w", change.ErrMissingType)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.names[def.ChangeName]; ok {
		return fmt.Errorf("register %q: %w", def.ChangeName, ErrDuplicateDefinition)
	}
	d.names[def.ChangeName] = struct{}{}
	for _, ca := range def.CreateActions {
		d.create[ca.Action()] = append(d.create[ca.Action()], ca)
	}
	d.receive[def.ChangeName] = append(d.receive[def.ChangeName], def.ReceiveActions...)
	if def.ResyncAction != nil {
		d.resync[def.ChangeName] = def.ResyncAction
	}
	return nil
}

// NotifyServer converts a captured event with the first create action whose
// CanConvert accepts it and pushes each resulting Change. Changes that fail
// validation are not pushed. The pushed Changes are returned.
func (d *Dispatcher) NotifyServer(action change.ActionFlags, ev document.Event) ([]change.Change, error) {
	d.mu.RLock()
	var chosen CreateAction
	for _, ca := range d.create[action] {
		if ca.CanConvert(ev) {
			chosen = ca
			break
		}
	}
	d.mu.RUnlock()
	if chosen == nil {
		d.env.Logger.Debug("no create action", "action", action.String(), "event", ev.Kind.String())
		return nil, nil
	}

	changes, err := chosen.Convert(d.env, ev)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", ev.Kind, err)
	}

	pushed := make([]change.Change, 0, len(changes))
	var errs []error
	for _, c := range changes {
		if err := d.Push(c); err != nil {
			errs = append(errs, err)
			continue
		}
		pushed = append(pushed, c)
	}
	return pushed, errors.Join(errs...)
}

// Push validates c and routes it to one outbound call. Precedence follows
// the flags a Change can combine: Remove, Add, Locked, Unlocked, Release,
// Update.
func (d *Dispatcher) Push(c change.Change) error {
	if err := c.Validate(d.env.MaxPayload); err != nil {
		return err
	}
	var (
		method string
		send   func(change.Change) error
	)
	switch {
	case c.Action.Has(change.Remove):
		method, send = MethodDelete, d.server.DeleteChange
	case c.Action.Has(change.Add):
		method, send = MethodAdd, d.server.AddChange
	case c.Action.Has(change.Locked):
		method, send = MethodLock, d.server.LockChange
	case c.Action.Has(change.Unlocked):
		method, send = MethodUnlock, d.server.UnlockChange
	case c.Action.Has(change.Release):
		method, send = MethodDone, d.server.DoneChange
	case c.Action.Has(change.Update):
		method, send = MethodUpdate, d.server.UpdateChange
	case c.Action.Has(change.Transform):
		d.onTransform(c)
		return nil
	default:
		d.env.Logger.Debug("change has no routable action", "change_id", c.ID, "action", c.Action.String())
		return nil
	}
	if err := send(c); err != nil {
		return fmt.Errorf("%s change %s: %w", method, c.ID, err)
	}
	d.observer.ChangePushed(method)
	d.env.Logger.Debug("change pushed", "change_id", c.ID, "method", method, "type", c.Type)
	return nil
}

// NotifyDispatcher schedules an inbound Change. The owner is registered
// first; the first receive action that accepts the Change's flags is then
// queued and runs on the next idle tick under the busy guard.
func (d *Dispatcher) NotifyDispatcher(c change.Change) error {
	d.env.Users.Register(c.Owner)
	d.observer.ChangeReceived(c.Type)

	chosen := d.receiverFor(c)
	if chosen == nil {
		return fmt.Errorf("change %s type %q action %s: %w", c.ID, c.Type, c.Action, ErrNoReceiveAction)
	}

	// Redelivery of the same Change coalesces; successive edits do not.
	name := fmt.Sprintf("receive:%s:%d:%d", c.ID, c.Action, c.Stamp.UnixNano())
	d.queue.AddAction(idle.NewAction(name, func() {
		release := d.busy()
		defer release()
		if err := chosen.Receive(d.env, c); err != nil {
			d.env.Logger.Error("receive action failed", "change_id", c.ID, "type", c.Type, "error", err)
		}
	}))
	return nil
}

func (d *Dispatcher) receiverFor(c change.Change) ReceiveAction {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, ra := range d.receive[c.Type] {
		if ra.CanReceive(c.Action) {
			return ra
		}
	}
	return nil
}

// NotifyResync schedules reconciliation against the snapshot of a later
// stream. Unrealized Changes are received as usual and realized ones go to
// their type's resync action. Realized Changes missing from the snapshot
// were deleted while disconnected and are retracted, unless keep reports
// them as local work the server has not seen yet.
func (d *Dispatcher) NotifyResync(snapshot []change.Change, keep func(changeID uuid.UUID) bool) {
	present := make(map[uuid.UUID]struct{}, len(snapshot))
	for _, c := range snapshot {
		present[c.ID] = struct{}{}
		d.env.Users.Register(c.Owner)
		d.observer.ChangeReceived(c.Type)
	}
	d.queue.AddAction(idle.NewAction("", func() {
		release := d.busy()
		defer release()
		for _, c := range snapshot {
			if err := d.reconcile(c); err != nil {
				d.env.Logger.Error("resync change failed", "change_id", c.ID, "type", c.Type, "error", err)
			}
		}
		for _, id := range d.env.Identity.ChangeIDs() {
			if _, ok := present[id]; ok {
				continue
			}
			if keep != nil && keep(id) {
				continue
			}
			d.retract(id)
		}
	}))
}

func (d *Dispatcher) reconcile(c change.Change) error {
	if _, ok := d.env.Identity.TryGetNativeID(c.ID); ok {
		d.mu.RLock()
		ra := d.resync[c.Type]
		d.mu.RUnlock()
		if ra == nil {
			return nil
		}
		return ra.Receive(d.env, c)
	}
	ra := d.receiverFor(c)
	if ra == nil {
		return fmt.Errorf("type %q action %s: %w", c.Type, c.Action, ErrNoReceiveAction)
	}
	return ra.Receive(d.env, c)
}

func (d *Dispatcher) retract(changeID uuid.UUID) {
	native, ok := d.env.Identity.TryGetNativeID(changeID)
	if !ok {
		return
	}
	d.env.Identity.RemoveByChangeID(changeID)
	if err := d.env.Document.DeleteObject(native); err != nil {
		d.env.Logger.Warn("retract deleted change", "change_id", changeID, "error", err)
		return
	}
	d.env.Logger.Info("retracted change deleted while disconnected", "change_id", changeID)
}

// Env returns the environment actions run against.
func (d *Dispatcher) Env() *Env { return d.env }
