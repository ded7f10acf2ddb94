// Package wire defines the JSON envelopes exchanged over the sync stream.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/users"
)

// SessionPath is the endpoint every connection must target.
const SessionPath = "/sync"

type Method string

const (
	MethodRegister          Method = "register"
	MethodRegistered        Method = "registered"
	MethodInitializeChanges Method = "initialize_changes"
	MethodInitializeUsers   Method = "initialize_users"

	// Client to server pushes.
	MethodAdd    Method = "add"
	MethodDelete Method = "delete"
	MethodUpdate Method = "update"
	MethodLock   Method = "lock"
	MethodUnlock Method = "unlock"
	MethodDone   Method = "done"

	// Server to client relay of another user's push.
	MethodChange Method = "change"
	MethodError  Method = "error"
)

var (
	ErrMissingMethod = errors.New("message method is required")
	ErrMissingChange = errors.New("message change is required")
)

// IsPush reports whether m is one of the client push methods.
func (m Method) IsPush() bool {
	switch m {
	case MethodAdd, MethodDelete, MethodUpdate, MethodLock, MethodUnlock, MethodDone:
		return true
	}
	return false
}

// Message is one frame on the stream. Only the fields relevant to Method
// are set.
type Message struct {
	Method  Method          `json:"method"`
	User    string          `json:"user,omitempty"`
	Change  *change.Change  `json:"change,omitempty"`
	Changes []change.Change `json:"changes,omitempty"`
	Users   []users.User    `json:"users,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func Register(user string) Message {
	return Message{Method: MethodRegister, User: user}
}

// Push wraps c in a push frame for the given method.
func Push(m Method, c change.Change) Message {
	return Message{Method: m, Change: &c}
}

func Errorf(format string, args ...any) Message {
	return Message{Method: MethodError, Error: fmt.Sprintf(format, args...)}
}

// Decode parses a frame and checks the fields its method requires.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) Validate() error {
	if m.Method == "" {
		return ErrMissingMethod
	}
	if (m.Method.IsPush() || m.Method == MethodChange) && m.Change == nil {
		return fmt.Errorf("%s: %w", m.Method, ErrMissingChange)
	}
	return nil
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}
