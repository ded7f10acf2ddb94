// Package hub is the reference relay: it registers users, hands out the
// stored snapshot and fans every applied Change out to the other
// connections of the document.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/connection"
	"github.com/ryanbastic/go-cosync/internal/storage"
	"github.com/ryanbastic/go-cosync/internal/users"
	"github.com/ryanbastic/go-cosync/internal/wire"
)

const (
	DefaultRegisterTimeout = 5 * time.Second
	DefaultPeerBuffer      = 256
)

var (
	ErrNotRegistered = errors.New("first message must be register")
	ErrClosed        = errors.New("hub closed")
)

// Observer counts open relay connections.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
}

// Publisher forwards applied Changes to other relay replicas.
type Publisher interface {
	Publish(ctx context.Context, c change.Change) error
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened() {}
func (nopObserver) ConnectionClosed() {}

// Options tunes a Hub. Zero values select defaults.
type Options struct {
	Logger          *slog.Logger
	Observer        Observer
	Publisher       Publisher
	RegisterTimeout time.Duration
	PeerBuffer      int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	// CheckOrigin is passed to the websocket upgrader. Nil accepts every
	// origin.
	CheckOrigin func(r *http.Request) bool
}

// Hub relays one document.
type Hub struct {
	store     storage.ChangeStore
	logger    *slog.Logger
	observer  Observer
	publisher Publisher

	registerTimeout time.Duration
	peerBuffer      int
	writeTimeout    time.Duration
	pingInterval    time.Duration
	upgrader        websocket.Upgrader

	// mu orders store writes with broadcasts and snapshot hand-out.
	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
}

func New(store storage.ChangeStore, opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = DefaultRegisterTimeout
	}
	if opts.PeerBuffer <= 0 {
		opts.PeerBuffer = DefaultPeerBuffer
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		store:           store,
		logger:          opts.Logger,
		observer:        opts.Observer,
		publisher:       opts.Publisher,
		registerTimeout: opts.RegisterTimeout,
		peerBuffer:      opts.PeerBuffer,
		writeTimeout:    opts.WriteTimeout,
		pingInterval:    opts.PingInterval,
		upgrader:        websocket.Upgrader{CheckOrigin: checkOrigin},
		peers:           make(map[*peer]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the websocket until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	stream := connection.NewWebSocketStream(conn, h.writeTimeout, h.pingInterval)
	if err := h.Serve(r.Context(), stream); err != nil {
		h.logger.Debug("session ended", "error", err, "remote_addr", r.RemoteAddr)
	}
}

// Serve runs one client session over stream. It returns when the stream
// fails or the hub is closed, and always closes stream.
func (h *Hub) Serve(ctx context.Context, stream connection.Stream) error {
	defer stream.Close()

	user, err := h.register(ctx, stream)
	if err != nil {
		stream.Send(ctx, wire.Errorf("%v", err))
		return err
	}

	p := newPeer(user, stream, h.peerBuffer)
	go p.writeLoop(ctx, h.logger)
	defer p.close()

	if err := h.join(ctx, p); err != nil {
		return err
	}
	defer h.leave(p)

	h.observer.ConnectionOpened()
	defer h.observer.ConnectionClosed()
	h.logger.Info("user joined", "user", user)

	for {
		m, err := stream.Receive(ctx)
		if err != nil {
			if errors.Is(err, connection.ErrMalformed) {
				h.logger.Warn("malformed message", "user", user, "error", err)
				p.enqueue(wire.Errorf("malformed message"))
				continue
			}
			h.logger.Info("user left", "user", user)
			return fmt.Errorf("receive: %w", err)
		}
		h.handle(ctx, p, m)
	}
}

func (h *Hub) register(ctx context.Context, stream connection.Stream) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, h.registerTimeout)
	defer cancel()

	type result struct {
		m   wire.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := stream.Receive(rctx)
		ch <- result{m, err}
	}()

	var r result
	select {
	case <-rctx.Done():
		stream.Close()
		return "", fmt.Errorf("await register: %w", rctx.Err())
	case r = <-ch:
	}
	if r.err != nil {
		return "", fmt.Errorf("await register: %w", r.err)
	}
	if r.m.Method != wire.MethodRegister {
		return "", fmt.Errorf("%w, got %q", ErrNotRegistered, r.m.Method)
	}
	user := users.NormalizeName(r.m.User)
	if user == "" {
		return "", fmt.Errorf("register: %w", change.ErrMissingOwner)
	}
	if err := h.store.RegisterUser(ctx, user); err != nil {
		return "", fmt.Errorf("register %s: %w", user, err)
	}
	return user, nil
}

// join queues Registered and both snapshot streams, then starts relaying to
// p. Holding mu keeps a concurrent write out of the gap between them.
func (h *Hub) join(ctx context.Context, p *peer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	changes, err := h.store.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	names, err := h.store.Users(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	list := make([]users.User, len(names))
	for i, name := range names {
		list[i] = users.User{Name: name, Visible: true}
	}

	p.enqueue(wire.Message{Method: wire.MethodRegistered, User: p.user})
	p.enqueue(wire.Message{Method: wire.MethodInitializeChanges, Changes: changes})
	p.enqueue(wire.Message{Method: wire.MethodInitializeUsers, Users: list})
	h.peers[p] = struct{}{}
	return nil
}

func (h *Hub) leave(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, p)
}

var opFor = map[wire.Method]storage.Op{
	wire.MethodAdd:    storage.OpAdd,
	wire.MethodDelete: storage.OpDelete,
	wire.MethodUpdate: storage.OpUpdate,
	wire.MethodLock:   storage.OpLock,
	wire.MethodUnlock: storage.OpUnlock,
	wire.MethodDone:   storage.OpDone,
}

func (h *Hub) handle(ctx context.Context, from *peer, m wire.Message) {
	op, ok := opFor[m.Method]
	if !ok {
		h.logger.Debug("ignoring message", "user", from.user, "method", string(m.Method))
		return
	}
	c := *m.Change

	h.mu.Lock()
	err := h.store.Apply(ctx, op, c)
	switch {
	case errors.Is(err, storage.ErrChangeNotFound):
		h.logger.Warn("apply change", "user", from.user, "change_id", c.ID, "op", string(op), "error", err)
	case err != nil:
		h.mu.Unlock()
		h.logger.Error("apply change", "user", from.user, "change_id", c.ID, "op", string(op), "error", err)
		from.enqueue(wire.Errorf("%s %s not stored", op, c.ID))
		return
	}
	h.broadcast(c, from)
	h.mu.Unlock()

	h.logger.Debug("change relayed", "user", from.user, "change_id", c.ID, "op", string(op))
	if h.publisher != nil {
		if err := h.publisher.Publish(ctx, c); err != nil {
			h.logger.Error("publish change", "change_id", c.ID, "error", err)
		}
	}
}

// Deliver relays a Change that was applied by another replica.
func (h *Hub) Deliver(c change.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcast(c, nil)
}

// broadcast must be called with mu held.
func (h *Hub) broadcast(c change.Change, except *peer) {
	m := wire.Message{Method: wire.MethodChange, Change: &c}
	for p := range h.peers {
		if p == except {
			continue
		}
		if !p.enqueue(m) {
			h.logger.Warn("dropping slow peer", "user", p.user)
			delete(h.peers, p)
			p.close()
		}
	}
}

// Peers returns the number of registered connections.
func (h *Hub) Peers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Close disconnects every peer and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for p := range h.peers {
		p.close()
		delete(h.peers, p)
	}
}
