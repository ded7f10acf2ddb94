package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/wire"
)

// echoServer registers the client and relays every push back as a change.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc(wire.SessionPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stream := NewWebSocketStream(conn, time.Second, time.Second)
		defer stream.Close()
		ctx := r.Context()
		for {
			m, err := stream.Receive(ctx)
			if err != nil {
				return
			}
			switch {
			case m.Method == wire.MethodRegister:
				stream.Send(ctx, wire.Message{Method: wire.MethodRegistered})
			case m.Method.IsPush():
				stream.Send(ctx, wire.Message{Method: wire.MethodChange, Change: m.Change})
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv := echoServer(t)
	events := newEventLog()
	c, err := RegisterConnection("alice", srv.URL, &WebSocketTransport{}, events, testOptions())
	if err != nil {
		t.Fatalf("RegisterConnection: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()

	ch, _ := change.New("alice", "geometry", change.Add|change.Temporary, `{"geometry":{}}`)
	if err := c.AddChange(ch); err != nil {
		t.Fatalf("AddChange: %v", err)
	}
	ev := events.wait(t, EventChange)
	if len(ev.Changes) != 1 || ev.Changes[0].ID != ch.ID {
		t.Fatalf("got %+v, want echo of %s", ev.Changes, ch.ID)
	}
	if ev.Changes[0].Action != change.Add|change.Temporary {
		t.Errorf("got action %v, want Add|Temporary", ev.Changes[0].Action)
	}
}

func TestWebSocketDialRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	c, _ := RegisterConnection("alice", srv.URL, &WebSocketTransport{}, nil, testOptions())
	if err := c.Start(context.Background()); KindOf(err) != KindHandshake {
		t.Errorf("got %v, want handshake error", err)
	}
}
