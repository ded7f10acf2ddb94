package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryanbastic/go-cosync/internal/wire"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultPingInterval = 15 * time.Second
)

// WebSocketTransport dials the relay with gorilla/websocket.
type WebSocketTransport struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (t *WebSocketTransport) Dial(ctx context.Context, url string) (Stream, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return NewWebSocketStream(conn, t.WriteTimeout, t.PingInterval), nil
}

// WebSocketStream frames wire messages as websocket text messages. Writes
// are serialized; a background ping keeps the read deadline moving.
type WebSocketStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pingInterval time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketStream wraps an established connection. It is used by the
// client transport and by the relay after upgrade.
func NewWebSocketStream(conn *websocket.Conn, writeTimeout, pingInterval time.Duration) *WebSocketStream {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	s := &WebSocketStream{
		conn:         conn,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		done:         make(chan struct{}),
	}
	readTimeout := 2 * pingInterval
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go s.ping()
	return s
}

func (s *WebSocketStream) ping() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *WebSocketStream) Send(ctx context.Context, m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive reads the next message. Pings and pongs are handled by the
// underlying connection; any data frame resets the read deadline.
func (s *WebSocketStream) Receive(_ context.Context) (wire.Message, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return wire.Message{}, err
		}
		s.conn.SetReadDeadline(time.Now().Add(2 * s.pingInterval))
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		m, err := wire.Decode(data)
		if err != nil {
			return wire.Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return m, nil
	}
}

func (s *WebSocketStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
