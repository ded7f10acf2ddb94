package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ryanbastic/go-cosync/internal/change"
)

// ErrChangeNotFound is returned when an operation targets a Change the store
// does not hold.
var ErrChangeNotFound = errors.New("change not found")

// DefaultPageSize is used when List is called with a non-positive limit.
const DefaultPageSize = 1000

// Op is a relayed client call applied to the store.
type Op string

const (
	OpAdd    Op = "add"
	OpDelete Op = "delete"
	OpUpdate Op = "update"
	OpLock   Op = "lock"
	OpUnlock Op = "unlock"
	OpDone   Op = "done"
)

// ChangeStore holds the latest Change per id for one document. Operations
// are applied in arrival order; the last writer wins.
type ChangeStore interface {
	// Apply folds one client call into the stored state. Add upserts,
	// Update merges payload keys, Delete removes, Lock and Unlock toggle
	// the Locked flag, Done clears Temporary.
	Apply(ctx context.Context, op Op, c change.Change) error

	// Get returns the stored Change with the given id.
	Get(ctx context.Context, id uuid.UUID) (change.Change, error)

	// Snapshot returns every stored Change in write order.
	Snapshot(ctx context.Context) ([]change.Change, error)

	// List pages through stored Changes in write order.
	List(ctx context.Context, cursor string, limit int) (*Page, error)

	// RegisterUser records a user name. Registering twice is a no-op.
	RegisterUser(ctx context.Context, name string) error

	// Users returns registered user names sorted by name.
	Users(ctx context.Context) ([]string, error)
}

// Page is one page of a List call.
type Page struct {
	Changes    []change.Change
	NextCursor string
	HasMore    bool
}

// fold computes the stored Change after op. stored is nil when the id is
// unknown. A nil result means the entry is removed.
func fold(op Op, stored *change.Change, c change.Change) (*change.Change, error) {
	switch op {
	case OpAdd:
		return &c, nil
	case OpDelete:
		if stored == nil {
			return nil, ErrChangeNotFound
		}
		return nil, nil
	}

	if stored == nil {
		return nil, ErrChangeNotFound
	}
	next := *stored
	switch op {
	case OpUpdate:
		next.Payload = mergePayload(stored.Payload, c.Payload)
		next.Stamp = c.Stamp
		next.Owner = c.Owner
	case OpLock:
		next.Action |= change.Locked
	case OpUnlock:
		next.Action &^= change.Locked
	case OpDone:
		next.Action &^= change.Temporary
	default:
		return nil, fmt.Errorf("unknown op %q", op)
	}
	return &next, nil
}

// mergePayload overlays the top-level keys of update onto base when both
// are JSON objects, and otherwise returns update.
func mergePayload(base, update string) string {
	var b, u map[string]json.RawMessage
	if json.Unmarshal([]byte(base), &b) != nil || json.Unmarshal([]byte(update), &u) != nil || b == nil || u == nil {
		return update
	}
	for k, v := range u {
		b[k] = v
	}
	merged, err := json.Marshal(b)
	if err != nil {
		return update
	}
	return string(merged)
}
