package idle

import "sync/atomic"

// Action is one deferred unit of work. Its name is used to coalesce
// duplicate requests while it is queued.
type Action struct {
	name    string
	fn      func()
	invoked atomic.Bool
}

func NewAction(name string, fn func()) *Action {
	return &Action{name: name, fn: fn}
}

func (a *Action) Name() string { return a.name }

// Invoked reports whether the action has already run.
func (a *Action) Invoked() bool { return a.invoked.Load() }

// Invoke runs the action once. Later calls do nothing and return false.
func (a *Action) Invoke() bool {
	if !a.invoked.CompareAndSwap(false, true) {
		return false
	}
	if a.fn != nil {
		a.fn()
	}
	return true
}
