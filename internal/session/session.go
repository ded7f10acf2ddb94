// Package session owns every component of one document's sync session and
// wires host events, the idle queue and the connection together.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryanbastic/go-cosync/internal/capture"
	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/connection"
	"github.com/ryanbastic/go-cosync/internal/definitions"
	"github.com/ryanbastic/go-cosync/internal/dispatch"
	"github.com/ryanbastic/go-cosync/internal/document"
	"github.com/ryanbastic/go-cosync/internal/identity"
	"github.com/ryanbastic/go-cosync/internal/idle"
	"github.com/ryanbastic/go-cosync/internal/undo"
	"github.com/ryanbastic/go-cosync/internal/users"
)

// Observer receives engine metrics.
type Observer interface {
	dispatch.Observer
	connection.Observer
	QueueDepth(n int)
}

type nopObserver struct{}

func (nopObserver) ChangePushed(string)           {}
func (nopObserver) ChangeReceived(string)         {}
func (nopObserver) StateChanged(connection.State) {}
func (nopObserver) Reconnecting(int)              {}
func (nopObserver) PushFailed(int)                {}
func (nopObserver) QueueDepth(int)                {}

// Options configures a Session. User, URL and Transport are required.
type Options struct {
	User      string
	URL       string
	Transport connection.Transport

	Logger           *slog.Logger
	Observer         Observer
	HandshakeTimeout time.Duration
	OutboundBuffer   int
	Delays           []time.Duration
	Sleep            func(ctx context.Context, d time.Duration) error
	UndoLimit        int
	MaxPayload       int
	// Definitions replaces the built-in change types.
	Definitions []dispatch.Definition
	// OnEvent observes connection events after the session has handled
	// them. It must not block.
	OnEvent func(ev connection.Event)
}

// Session is one user's live view of one shared document.
type Session struct {
	doc    document.Document
	user   string
	logger *slog.Logger

	identity   *identity.Map
	users      *users.Table
	cameras    *users.CameraTable
	queue      *idle.Queue
	ledger     *undo.Ledger
	capture    *capture.Layer
	dispatcher *dispatch.Dispatcher
	conn       *connection.Client

	onEvent func(connection.Event)

	mu          sync.Mutex
	temporaries map[uuid.UUID]string
	// local holds ids of Changes this user added that no snapshot has
	// confirmed yet. A resync never retracts them.
	local map[uuid.UUID]struct{}
	// unsent holds pushes the connection failed to send. They are pushed
	// again once the connection is back.
	unsent []change.Change

	ready     chan struct{}
	readyOnce sync.Once
}

// New builds a session for doc. Hosts that expose Subscribe are subscribed
// to the session automatically.
func New(doc document.Document, opts Options) (*Session, error) {
	if doc == nil {
		return nil, fmt.Errorf("new session: document is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = change.DefaultMaxPayloadBytes
	}
	if opts.Definitions == nil {
		opts.Definitions = definitions.All()
	}

	s := &Session{
		doc:         doc,
		logger:      opts.Logger,
		identity:    identity.New(),
		users:       users.NewTable(),
		cameras:     users.NewCameraTable(0),
		ledger:      undo.NewLedger(opts.UndoLimit),
		onEvent:     opts.OnEvent,
		temporaries: make(map[uuid.UUID]string),
		local:       make(map[uuid.UUID]struct{}),
		ready:       make(chan struct{}),
	}

	conn, err := connection.RegisterConnection(users.NormalizeName(opts.User), opts.URL, opts.Transport, s, connection.Options{
		HandshakeTimeout: opts.HandshakeTimeout,
		OutboundBuffer:   opts.OutboundBuffer,
		Delays:           opts.Delays,
		Sleep:            opts.Sleep,
		Logger:           opts.Logger,
		Observer:         opts.Observer,
	})
	if err != nil {
		return nil, err
	}
	s.conn = conn
	s.user = conn.User()
	s.logger = opts.Logger.With("user", s.user)
	s.users.Register(s.user)

	s.queue = idle.NewQueue(s.logger, idle.WithDepthObserver(opts.Observer.QueueDepth))
	s.capture = capture.New(s.logger, s.queue, s.ledger, s.identity, s.captured)

	env := &dispatch.Env{
		Owner:      s.user,
		Document:   doc,
		Identity:   s.identity,
		Users:      s.users,
		Cameras:    s.cameras,
		Logger:     s.logger,
		MaxPayload: opts.MaxPayload,
	}
	s.dispatcher = dispatch.New(env, conn, s.queue,
		dispatch.WithBusy(func() func() { return s.capture.Suppress(capture.Busy) }),
		dispatch.WithTransformHook(func(c change.Change) {
			s.logger.Debug("transform-only change not sent", "change_id", c.ID)
		}),
		dispatch.WithObserver(opts.Observer),
	)
	for _, def := range opts.Definitions {
		if err := s.dispatcher.RegisterDefinition(def); err != nil {
			return nil, fmt.Errorf("new session: %w", err)
		}
	}

	if sub, ok := doc.(interface{ Subscribe(document.Handler) }); ok {
		sub.Subscribe(s)
	}
	return s, nil
}

// Start connects to the server. The returned error is a *connection.Error.
func (s *Session) Start(ctx context.Context) error {
	return s.conn.Start(ctx)
}

// Close disconnects. It does not release temporaries.
func (s *Session) Close() error {
	return s.conn.Close()
}

// HandleEvent implements document.Handler. The idle notification also
// ticks the queue.
func (s *Session) HandleEvent(ev document.Event) {
	s.capture.HandleEvent(ev)
	if ev.Kind == document.EventIdle {
		s.Tick()
	}
}

// Tick runs one queued action. It must be called from the host's thread.
func (s *Session) Tick() bool {
	return s.queue.RunNextAction()
}

// Drain runs every queued action, including ones queued while draining.
func (s *Session) Drain() int {
	return s.queue.Drain()
}

// captured is the capture sink. It runs on the idle queue.
func (s *Session) captured(c capture.Captured) {
	pushed, err := s.dispatcher.NotifyServer(c.Action, c.Event)
	if err != nil {
		s.logger.Error("push change", "action", c.Action.String(), "error", err)
	}
	for _, ch := range pushed {
		switch {
		case ch.Action.Has(change.Remove):
			s.forget(ch.ID)
		case ch.Action.Has(change.Add):
			s.markLocal(ch.ID)
			if ch.Action.Has(change.Temporary) {
				s.remember(ch)
			}
		}
	}
}

// OnEvent implements connection.Listener. Inbound work is only enqueued.
func (s *Session) OnEvent(ev connection.Event) {
	switch ev.Kind {
	case connection.EventInitializeChanges:
		s.logger.Info("snapshot received", "changes", len(ev.Changes))
		for _, c := range ev.Changes {
			if c.Action.Has(change.Temporary) && users.NormalizeName(c.Owner) == s.user {
				s.remember(c)
			}
			s.receive(c)
		}
	case connection.EventInitializeUsers:
		for _, u := range ev.Users {
			s.users.Register(u.Name)
		}
	case connection.EventInitialized:
		s.readyOnce.Do(func() { close(s.ready) })
	case connection.EventResyncChanges:
		s.logger.Info("resync snapshot received", "changes", len(ev.Changes))
		s.mu.Lock()
		for _, c := range ev.Changes {
			delete(s.local, c.ID)
		}
		s.mu.Unlock()
		for _, c := range ev.Changes {
			if c.Action.Has(change.Temporary) && users.NormalizeName(c.Owner) == s.user {
				s.remember(c)
			}
		}
		s.dispatcher.NotifyResync(ev.Changes, s.isLocal)
	case connection.EventResyncUsers:
		for _, u := range ev.Users {
			s.users.Register(u.Name)
		}
	case connection.EventChange:
		for _, c := range ev.Changes {
			s.receive(c)
		}
	case connection.EventStateChanged:
		if ev.State == connection.Connected {
			s.repush()
		}
	case connection.EventPushFailed:
		s.logger.Warn("changes not sent, keeping them for the next connection", "changes", len(ev.Changes), "error", ev.Err)
		s.mu.Lock()
		s.unsent = append(s.unsent, ev.Changes...)
		s.mu.Unlock()
	case connection.EventServerClosed:
		s.logger.Error("server closed the session", "error", ev.Err)
	case connection.EventServerError:
		s.logger.Warn("server error", "error", ev.Err)
	}
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}

func (s *Session) receive(c change.Change) {
	if err := s.dispatcher.NotifyDispatcher(c); err != nil {
		s.logger.Warn("change not applied", "change_id", c.ID, "error", err)
	}
}

func (s *Session) remember(c change.Change) {
	if c.Type == definitions.CameraType {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temporaries[c.ID] = c.Type
}

func (s *Session) forget(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.temporaries, id)
	delete(s.local, id)
}

func (s *Session) markLocal(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[id] = struct{}{}
}

func (s *Session) isLocal(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.local[id]
	return ok
}

// repush sends the pushes a failed stream dropped, in their original order.
// Whatever cannot be queued stays for the next connection.
func (s *Session) repush() {
	s.mu.Lock()
	pending := s.unsent
	s.unsent = nil
	s.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	for i, c := range pending {
		if err := s.dispatcher.Push(c); err != nil {
			s.logger.Warn("push again failed", "change_id", c.ID, "error", err)
			s.mu.Lock()
			s.unsent = append(append([]change.Change(nil), pending[i:]...), s.unsent...)
			s.mu.Unlock()
			return
		}
	}
	s.logger.Info("pushed changes again", "changes", len(pending))
}

// Unsent returns how many pushes are waiting for the connection to return.
func (s *Session) Unsent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unsent)
}

// Release marks every temporary Change this user created as done so peers
// unlock the objects. It returns how many were released.
func (s *Session) Release(ctx context.Context) (int, error) {
	s.mu.Lock()
	pending := s.temporaries
	s.temporaries = make(map[uuid.UUID]string)
	s.mu.Unlock()

	n := 0
	var firstErr error
	for id, typ := range pending {
		err := ctx.Err()
		if err == nil {
			var c change.Change
			if c, err = change.NewWithID(id, s.user, typ, change.Release, "", 0); err == nil {
				err = s.dispatcher.Push(c)
			}
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("release %s: %w", id, err)
			}
			s.mu.Lock()
			s.temporaries[id] = typ
			s.mu.Unlock()
			continue
		}
		n++
	}
	return n, firstErr
}

// Flush waits until the connection has picked up every queued push, polling
// at interval. It is best effort: the last message may still be in flight.
func (s *Session) Flush(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for s.conn.Pending() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush: %d pending: %w", s.conn.Pending(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Temporaries returns how many of this user's Changes are still temporary.
func (s *Session) Temporaries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.temporaries)
}

// Follow makes the local view track name's camera. The view moves on the
// next idle tick if a camera for name is known.
func (s *Session) Follow(name string) bool {
	if !s.users.SetCamera(name, users.CameraFollow) {
		return false
	}
	viewer, ok := s.doc.(document.Viewer)
	if !ok {
		return true
	}
	if cam, ok := s.cameras.Latest(name); ok {
		s.queue.AddAction(idle.NewAction("follow:"+users.NormalizeName(name), func() {
			release := s.capture.Suppress(capture.Busy)
			defer release()
			if err := viewer.SetCamera(cam); err != nil {
				s.logger.Warn("follow camera", "user", name, "error", err)
			}
		}))
	}
	return true
}

// Unfollow returns name's camera to plain visibility.
func (s *Session) Unfollow(name string) bool {
	return s.users.SetCamera(name, users.CameraVisible)
}

// Ready is closed once both snapshot streams have been applied to the queue.
func (s *Session) Ready() <-chan struct{} { return s.ready }

func (s *Session) User() string                     { return s.user }
func (s *Session) State() connection.State          { return s.conn.State() }
func (s *Session) Identity() *identity.Map          { return s.identity }
func (s *Session) Users() *users.Table              { return s.users }
func (s *Session) Cameras() *users.CameraTable      { return s.cameras }
func (s *Session) Ledger() *undo.Ledger             { return s.ledger }
func (s *Session) QueueLen() int                    { return s.queue.Len() }
func (s *Session) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }
