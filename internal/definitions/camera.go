package definitions

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/dispatch"
	"github.com/ryanbastic/go-cosync/internal/document"
	"github.com/ryanbastic/go-cosync/internal/users"
)

const CameraType = "camera"

// cameraNamespace derives one stable change id per user so the server keeps
// only the latest camera.
var cameraNamespace = uuid.MustParse("6f1c2a4e-8d3b-4f5a-9c7e-2b1d0e3f4a5b")

// CameraID returns the change id carrying the named user's camera.
func CameraID(owner string) uuid.UUID {
	return uuid.NewSHA1(cameraNamespace, []byte(users.NormalizeName(owner)))
}

// Camera returns the definition for shared viewports.
func Camera() dispatch.Definition {
	return dispatch.Definition{
		ChangeName:     CameraType,
		CreateActions:  []dispatch.CreateAction{cameraCreate{}},
		ReceiveActions: []dispatch.ReceiveAction{cameraReceive{}},
	}
}

type cameraCreate struct{}

func (cameraCreate) Action() change.ActionFlags { return change.Add }

func (cameraCreate) CanConvert(ev document.Event) bool {
	return ev.Kind == document.EventCameraChanged
}

func (cameraCreate) Convert(env *dispatch.Env, ev document.Event) ([]change.Change, error) {
	cam := ev.Camera
	if cam.Stamp.IsZero() {
		cam.Stamp = time.Now().UTC()
	}
	b, err := json.Marshal(cam)
	if err != nil {
		return nil, err
	}
	c, err := change.NewWithID(CameraID(env.Owner), env.Owner, CameraType, change.Add|change.Temporary, string(b), env.MaxPayload)
	if err != nil {
		return nil, err
	}
	return []change.Change{c}, nil
}

type cameraReceive struct{}

func (cameraReceive) CanReceive(a change.ActionFlags) bool { return a.Has(change.Add) }

// Receive stores the camera and moves the local view when its owner is
// followed.
func (cameraReceive) Receive(env *dispatch.Env, c change.Change) error {
	var cam users.Camera
	if err := json.Unmarshal([]byte(c.Payload), &cam); err != nil {
		return fmt.Errorf("decode camera %s: %w", c.ID, err)
	}
	if !env.Cameras.Push(c.Owner, cam) {
		return nil
	}
	if sameUser(c.Owner, env.Owner) {
		return nil
	}
	u, ok := env.Users.Get(c.Owner)
	if !ok || u.Camera != users.CameraFollow {
		return nil
	}
	viewer, ok := env.Document.(document.Viewer)
	if !ok {
		return nil
	}
	if err := viewer.SetCamera(cam); err != nil {
		return fmt.Errorf("follow %s: %w", u.Name, err)
	}
	return nil
}

func sameUser(a, b string) bool {
	return users.NormalizeName(a) == users.NormalizeName(b)
}

// All returns every built-in definition in registration order.
func All() []dispatch.Definition {
	return []dispatch.Definition{Geometry(), Camera()}
}
