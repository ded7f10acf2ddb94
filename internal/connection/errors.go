package connection

import (
	"errors"
	"fmt"
)

// ErrorKind classifies connection failures so callers can branch without
// inspecting messages.
type ErrorKind int

const (
	KindGeneric ErrorKind = iota
	KindMissingConnection
	KindInvalidURL
	KindMissingUser
	KindHandshake
	KindClosed
)

func (k ErrorKind) String() string {
	switch k {
	case KindMissingConnection:
		return "missing_connection"
	case KindInvalidURL:
		return "invalid_url"
	case KindMissingUser:
		return "missing_user"
	case KindHandshake:
		return "handshake"
	case KindClosed:
		return "closed"
	default:
		return "generic"
	}
}

// Error is returned by RegisterConnection, Start and the push methods.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "connection: " + e.Kind.String()
	}
	return fmt.Sprintf("connection: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a connection error, or KindGeneric.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindGeneric
}

var (
	ErrOutboundFull = errors.New("outbound buffer full")
	ErrNotStarted   = errors.New("connection not started")
	// ErrMalformed marks a frame that could not be decoded. The stream
	// stays usable.
	ErrMalformed = errors.New("malformed message")
)
