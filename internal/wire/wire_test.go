package wire

import (
	"errors"
	"strings"
	"testing"

	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/users"
)

func TestDecodePush(t *testing.T) {
	c, err := change.New("alice", "geometry", change.Add|change.Temporary, `{"a":1}`)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := Encode(Push(MethodAdd, c))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), `"action":"Add, Temporary"`) {
		t.Errorf("got %s, want string action flags", data)
	}

	m, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Method != MethodAdd || m.Change == nil || m.Change.ID != c.ID {
		t.Errorf("got %+v, want add of %s", m, c.ID)
	}
}

func TestDecodeRejects(t *testing.T) {
	cases := map[string]struct {
		input string
		want  error
	}{
		"no method":     {`{"user":"a"}`, ErrMissingMethod},
		"push w/o body": {`{"method":"add"}`, ErrMissingChange},
		"change w/o":    {`{"method":"change"}`, ErrMissingChange},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(tc.input))
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed frame")
	}
}

func TestInitializeUsersCarriesColor(t *testing.T) {
	data, err := Encode(Message{Method: MethodInitializeUsers, Users: []users.User{{Name: "bob", Visible: true}}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(data), `"color"`) {
		t.Errorf("got %s, want derived color", data)
	}
	m, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(m.Users) != 1 || m.Users[0].Name != "bob" {
		t.Errorf("got %+v, want bob", m.Users)
	}
}

func TestIsPush(t *testing.T) {
	for _, m := range []Method{MethodAdd, MethodDelete, MethodUpdate, MethodLock, MethodUnlock, MethodDone} {
		if !m.IsPush() {
			t.Errorf("%s: expected push", m)
		}
	}
	for _, m := range []Method{MethodRegister, MethodChange, MethodError, MethodInitializeUsers} {
		if m.IsPush() {
			t.Errorf("%s: expected not push", m)
		}
	}
}
