package users

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
)

// CameraState controls how a collaborator's camera is shown locally.
type CameraState int

const (
	CameraNone CameraState = iota
	CameraVisible
	CameraFollow
)

func (s CameraState) String() string {
	switch s {
	case CameraVisible:
		return "visible"
	case CameraFollow:
		return "follow"
	default:
		return "none"
	}
}

// Color is an opaque RGB triple derived from a user name.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// User is a collaborator identity. Name is the case-normalized key.
type User struct {
	Name    string      `json:"name"`
	Visible bool        `json:"visible"`
	Camera  CameraState `json:"camera"`
}

// Color is derived from the name on every call; it is never stored.
func (u User) Color() Color {
	return ColorFor(u.Name)
}

func (u User) MarshalJSON() ([]byte, error) {
	type alias User
	return json.Marshal(struct {
		alias
		Color string `json:"color"`
	}{alias(u), u.Color().Hex()})
}

// NormalizeName trims and lower-cases a user name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ColorFor hashes a name into a color. Equal names (ignoring case and
// surrounding whitespace) always produce the same color.
func ColorFor(name string) Color {
	h := fnv.New32a()
	h.Write([]byte(NormalizeName(name)))
	sum := h.Sum32()
	// keep every channel off pure black so the color stays visible on dark backgrounds
	return Color{
		R: uint8(sum>>16) | 0x30,
		G: uint8(sum>>8) | 0x30,
		B: uint8(sum) | 0x30,
	}
}

// Table holds every user seen during a session. Users are never removed.
type Table struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewTable() *Table {
	return &Table{users: make(map[string]*User)}
}

// Register ensures a user exists and returns it. The bool is true when the
// user was created by this call. Blank names are rejected.
func (t *Table) Register(name string) (User, bool) {
	key := NormalizeName(name)
	if key == "" {
		return User{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.users[key]; ok {
		return *u, false
	}
	u := &User{Name: key, Visible: true, Camera: CameraVisible}
	t.users[key] = u
	return *u, true
}

// Get returns a copy of the named user.
func (t *Table) Get(name string) (User, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	u, ok := t.users[NormalizeName(name)]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// List returns users ordered by name.
func (t *Table) List() []User {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]User, 0, len(t.users))
	for _, u := range t.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetVisible toggles whether the user's objects and camera are shown.
func (t *Table) SetVisible(name string, visible bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[NormalizeName(name)]
	if !ok {
		return false
	}
	u.Visible = visible
	return true
}

// SetCamera sets a user's camera state. At most one user is followed at a
// time; following a user demotes the previous one to CameraVisible.
func (t *Table) SetCamera(name string, state CameraState) bool {
	key := NormalizeName(name)

	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[key]
	if !ok {
		return false
	}
	if state == CameraFollow {
		for k, other := range t.users {
			if k != key && other.Camera == CameraFollow {
				other.Camera = CameraVisible
			}
		}
	}
	u.Camera = state
	return true
}

// Followed returns the user currently followed, if any.
func (t *Table) Followed() (User, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, u := range t.users {
		if u.Camera == CameraFollow {
			return *u, true
		}
	}
	return User{}, false
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users)
}
