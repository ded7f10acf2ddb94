package change

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes is the payload ceiling used when none is configured.
const DefaultMaxPayloadBytes = 1 << 20

var (
	ErrMissingOwner = errors.New("change owner is required")
	ErrMissingType  = errors.New("change type is required")
)

// PayloadTooLargeError rejects a Change at creation time. Such a Change is
// never handed to the connection.
type PayloadTooLargeError struct {
	ID    uuid.UUID
	Size  int
	Limit int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("change %s payload is %d bytes, limit is %d", e.ID, e.Size, e.Limit)
}

// Change is one atomic, replayable mutation. It is a value type and is never
// modified after creation; Supersede derives a successor with the same ID.
type Change struct {
	ID      uuid.UUID
	Owner   string
	Stamp   time.Time
	Action  ActionFlags
	Type    string
	Payload string
}

// New creates a Change with a fresh ID and the current time, enforcing the
// default payload limit.
func New(owner, typ string, action ActionFlags, payload string) (Change, error) {
	return NewWithID(uuid.New(), owner, typ, action, payload, DefaultMaxPayloadBytes)
}

// NewWithID creates a Change for an existing identity (e.g. a Remove for an
// object that was added earlier). limit <= 0 disables the size check.
func NewWithID(id uuid.UUID, owner, typ string, action ActionFlags, payload string, limit int) (Change, error) {
	c := Change{
		ID:      id,
		Owner:   strings.TrimSpace(owner),
		Stamp:   time.Now().UTC(),
		Action:  action,
		Type:    typ,
		Payload: payload,
	}
	if err := c.Validate(limit); err != nil {
		return Change{}, err
	}
	return c, nil
}

// Validate checks the invariants a Change must hold before it is sent.
func (c Change) Validate(limit int) error {
	if c.Owner == "" {
		return ErrMissingOwner
	}
	if c.Type == "" {
		return ErrMissingType
	}
	if limit > 0 && len(c.Payload) > limit {
		return &PayloadTooLargeError{ID: c.ID, Size: len(c.Payload), Limit: limit}
	}
	return nil
}

// Supersede returns a new Change with the same ID and type, a fresh stamp and
// the given owner, action and payload.
func (c Change) Supersede(owner string, action ActionFlags, payload string) Change {
	return Change{
		ID:      c.ID,
		Owner:   owner,
		Stamp:   time.Now().UTC(),
		Action:  action,
		Type:    c.Type,
		Payload: payload,
	}
}

type jsonChange struct {
	ID      uuid.UUID   `json:"id"`
	Owner   string      `json:"owner"`
	Stamp   time.Time   `json:"stamp"`
	Action  ActionFlags `json:"action"`
	Type    string      `json:"type"`
	Payload *string     `json:"payload"`
}

// MarshalJSON writes {id, owner, stamp, action, type, payload}; an empty
// payload is written as null.
func (c Change) MarshalJSON() ([]byte, error) {
	jc := jsonChange{ID: c.ID, Owner: c.Owner, Stamp: c.Stamp, Action: c.Action, Type: c.Type}
	if c.Payload != "" {
		p := c.Payload
		jc.Payload = &p
	}
	return json.Marshal(jc)
}

func (c *Change) UnmarshalJSON(data []byte) error {
	var jc jsonChange
	if err := json.Unmarshal(data, &jc); err != nil {
		return err
	}
	*c = Change{ID: jc.ID, Owner: jc.Owner, Stamp: jc.Stamp, Action: jc.Action, Type: jc.Type}
	if jc.Payload != nil {
		c.Payload = *jc.Payload
	}
	return nil
}
