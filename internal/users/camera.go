package users

import (
	"sync"
	"time"
)

// DefaultCameraHistory is how many cameras are kept per user.
const DefaultCameraHistory = 5

// Point is a 3D location.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Camera is a viewport location and target shared by a collaborator.
type Camera struct {
	Location Point     `json:"location"`
	Target   Point     `json:"target"`
	Stamp    time.Time `json:"stamp"`
}

// CameraTable keeps a bounded, newest-first camera history per user.
type CameraTable struct {
	mu      sync.RWMutex
	limit   int
	cameras map[string][]Camera
}

func NewCameraTable(limit int) *CameraTable {
	if limit <= 0 {
		limit = DefaultCameraHistory
	}
	return &CameraTable{limit: limit, cameras: make(map[string][]Camera)}
}

// Push records a camera for the user. Cameras older than the newest stored
// one are ignored so out-of-order delivery cannot rewind a view.
func (t *CameraTable) Push(name string, c Camera) bool {
	key := NormalizeName(name)

	t.mu.Lock()
	defer t.mu.Unlock()
	history := t.cameras[key]
	if len(history) > 0 && c.Stamp.Before(history[0].Stamp) {
		return false
	}
	history = append([]Camera{c}, history...)
	if len(history) > t.limit {
		history = history[:t.limit]
	}
	t.cameras[key] = history
	return true
}

// Latest returns the newest camera for the user.
func (t *CameraTable) Latest(name string) (Camera, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	history := t.cameras[NormalizeName(name)]
	if len(history) == 0 {
		return Camera{}, false
	}
	return history[0], true
}

// History returns a copy of the user's cameras, newest first.
func (t *CameraTable) History(name string) []Camera {
	t.mu.RLock()
	defer t.mu.RUnlock()
	history := t.cameras[NormalizeName(name)]
	out := make([]Camera, len(history))
	copy(out, history)
	return out
}
