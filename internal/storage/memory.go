package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/users"
)

type memoryEntry struct {
	seq    int64
	change change.Change
}

// MemoryStore is a process-local ChangeStore. It is the relay's default
// when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	seq     int64
	changes map[uuid.UUID]memoryEntry
	users   map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		changes: make(map[uuid.UUID]memoryEntry),
		users:   make(map[string]struct{}),
	}
}

func (s *MemoryStore) Apply(_ context.Context, op Op, c change.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored *change.Change
	if e, ok := s.changes[c.ID]; ok {
		stored = &e.change
	}
	next, err := fold(op, stored, c)
	if err != nil {
		return fmt.Errorf("apply %s %s: %w", op, c.ID, err)
	}
	if next == nil {
		delete(s.changes, c.ID)
		return nil
	}
	s.seq++
	s.changes[c.ID] = memoryEntry{seq: s.seq, change: *next}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (change.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.changes[id]
	if !ok {
		return change.Change{}, ErrChangeNotFound
	}
	return e.change, nil
}

func (s *MemoryStore) Snapshot(_ context.Context) ([]change.Change, error) {
	entries := s.ordered(0)
	out := make([]change.Change, len(entries))
	for i, e := range entries {
		out[i] = e.change
	}
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, cursor string, limit int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	cur, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}

	entries := s.ordered(cur.Seq)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	page := &Page{Changes: make([]change.Change, len(entries))}
	var last int64
	for i, e := range entries {
		page.Changes[i] = e.change
		last = e.seq
	}
	if err := nextPage(page, last, limit); err != nil {
		return nil, err
	}
	return page, nil
}

// ordered returns entries written after seq, oldest first.
func (s *MemoryStore) ordered(after int64) []memoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]memoryEntry, 0, len(s.changes))
	for _, e := range s.changes {
		if e.seq > after {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *MemoryStore) RegisterUser(_ context.Context, name string) error {
	name = users.NormalizeName(name)
	if name == "" {
		return change.ErrMissingOwner
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[name] = struct{}{}
	return nil
}

func (s *MemoryStore) Users(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.users))
	for name := range s.users {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }
