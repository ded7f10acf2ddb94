// Package identity pairs native document objects with the Changes that
// produced them.
package identity

import (
	"sync"

	"github.com/google/uuid"
)

// Map is a bijection between change ids and native object ids, plus the set
// of change ids the local user has selected. The selection set is independent
// of the host's selection model so it survives reconnects.
type Map struct {
	mu       sync.RWMutex
	native   map[uuid.UUID]uuid.UUID // change id -> native id
	change   map[uuid.UUID]uuid.UUID // native id -> change id
	selected map[uuid.UUID]struct{}
}

func New() *Map {
	return &Map{
		native:   make(map[uuid.UUID]uuid.UUID),
		change:   make(map[uuid.UUID]uuid.UUID),
		selected: make(map[uuid.UUID]struct{}),
	}
}

// AddPair records changeID <-> nativeID. If either id is already paired the
// call is a no-op and returns false; existing pairs are never overwritten.
func (m *Map) AddPair(changeID, nativeID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.native[changeID]; ok {
		return false
	}
	if _, ok := m.change[nativeID]; ok {
		return false
	}
	m.native[changeID] = nativeID
	m.change[nativeID] = changeID
	return true
}

func (m *Map) TryGetNativeID(changeID uuid.UUID) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.native[changeID]
	return id, ok
}

func (m *Map) TryGetChangeID(nativeID uuid.UUID) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.change[nativeID]
	return id, ok
}

// RemoveByChangeID removes the pair containing changeID, and its selection.
func (m *Map) RemoveByChangeID(changeID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	nativeID, ok := m.native[changeID]
	if !ok {
		return false
	}
	delete(m.native, changeID)
	delete(m.change, nativeID)
	delete(m.selected, changeID)
	return true
}

// RemoveByNativeID removes the pair containing nativeID, and its selection.
func (m *Map) RemoveByNativeID(nativeID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	changeID, ok := m.change[nativeID]
	if !ok {
		return false
	}
	delete(m.change, nativeID)
	delete(m.native, changeID)
	delete(m.selected, changeID)
	return true
}

// ChangeIDs returns a snapshot of every paired change id.
func (m *Map) ChangeIDs() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(m.native))
	for id := range m.native {
		out = append(out, id)
	}
	return out
}

func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.native)
}

func (m *Map) AddSelected(changeID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selected[changeID] = struct{}{}
}

func (m *Map) RemoveSelected(changeID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.selected, changeID)
}

func (m *Map) ClearSelected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selected = make(map[uuid.UUID]struct{})
}

func (m *Map) IsSelected(changeID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.selected[changeID]
	return ok
}

// GetSelected returns a snapshot of the selected change ids.
func (m *Map) GetSelected() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(m.selected))
	for id := range m.selected {
		out = append(out, id)
	}
	return out
}
