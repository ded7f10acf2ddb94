package connection

import (
	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/users"
)

// State is the connection lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	EventStateChanged EventKind = iota + 1
	// EventInitializeChanges and EventInitializeUsers carry the one-shot
	// snapshot streams. Each is delivered once per client.
	EventInitializeChanges
	EventInitializeUsers
	// EventInitialized follows once both snapshots have been delivered.
	EventInitialized
	// EventChange carries one relayed Change.
	EventChange
	// EventPushFailed carries every Change that was queued when a send failed.
	EventPushFailed
	// EventServerClosed fires once when reconnecting gives up.
	EventServerClosed
	EventServerError
	// EventResyncChanges and EventResyncUsers carry the snapshot a later
	// stream delivers after a reconnect.
	EventResyncChanges
	EventResyncUsers
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventInitializeChanges:
		return "initialize_changes"
	case EventInitializeUsers:
		return "initialize_users"
	case EventInitialized:
		return "initialized"
	case EventChange:
		return "change"
	case EventPushFailed:
		return "push_failed"
	case EventServerClosed:
		return "server_closed"
	case EventServerError:
		return "server_error"
	case EventResyncChanges:
		return "resync_changes"
	case EventResyncUsers:
		return "resync_users"
	default:
		return "unknown"
	}
}

// Event is delivered to the Listener. Events are delivered one at a time
// from the connection's goroutines; listeners must not block or call Close.
type Event struct {
	Kind    EventKind
	State   State
	Changes []change.Change
	Users   []users.User
	Err     error
}

type Listener interface {
	OnEvent(ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev Event)

func (f ListenerFunc) OnEvent(ev Event) { f(ev) }

// Observer receives connection metrics.
type Observer interface {
	StateChanged(s State)
	Reconnecting(attempt int)
	PushFailed(n int)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State) {}
func (nopObserver) Reconnecting(int)   {}
func (nopObserver) PushFailed(int)     {}
