// Package dispatch converts between host events and Changes through a
// per-type table of create and receive actions.
package dispatch

import (
	"log/slog"

	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/document"
	"github.com/ryanbastic/go-cosync/internal/identity"
	"github.com/ryanbastic/go-cosync/internal/users"
)

// Env is the session state actions work against.
type Env struct {
	Owner      string
	Document   document.Document
	Identity   *identity.Map
	Users      *users.Table
	Cameras    *users.CameraTable
	Logger     *slog.Logger
	MaxPayload int
}

// CreateAction converts a captured host event into Changes.
type CreateAction interface {
	// Action is the capture kind this action is indexed under.
	Action() change.ActionFlags
	CanConvert(ev document.Event) bool
	Convert(env *Env, ev document.Event) ([]change.Change, error)
}

// ReceiveAction applies an inbound Change to the host document. Receive
// always runs on the idle queue.
type ReceiveAction interface {
	CanReceive(action change.ActionFlags) bool
	Receive(env *Env, c change.Change) error
}

// Definition registers how one Change type is created and consumed. Order
// within each slice is precedence.
type Definition struct {
	ChangeName     string
	CreateActions  []CreateAction
	ReceiveActions []ReceiveAction
	// ResyncAction brings an already realized Change up to the stored state
	// carried by a later snapshot. Nil leaves realized Changes untouched.
	ResyncAction ReceiveAction
}

// Server is the outbound side of the connection.
type Server interface {
	AddChange(c change.Change) error
	DeleteChange(c change.Change) error
	UpdateChange(c change.Change) error
	LockChange(c change.Change) error
	UnlockChange(c change.Change) error
	DoneChange(c change.Change) error
}

// Observer is notified of traffic through the dispatcher.
type Observer interface {
	ChangePushed(method string)
	ChangeReceived(changeType string)
}

type nopObserver struct{}

func (nopObserver) ChangePushed(string)   {}
func (nopObserver) ChangeReceived(string) {}
