// Package connection is the client side of the sync stream: validation,
// handshake, ordered push, snapshot delivery and reconnect.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryanbastic/go-cosync/internal/backoff"
	"github.com/ryanbastic/go-cosync/internal/change"
	"github.com/ryanbastic/go-cosync/internal/wire"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultOutboundBuffer   = 256
)

// Stream is one open duplex channel of wire messages.
type Stream interface {
	Send(ctx context.Context, m wire.Message) error
	// Receive blocks until a message arrives or the stream is closed.
	Receive(ctx context.Context) (wire.Message, error)
	Close() error
}

// Transport opens streams.
type Transport interface {
	Dial(ctx context.Context, url string) (Stream, error)
}

// Options tunes a Client. Zero values select defaults.
type Options struct {
	HandshakeTimeout time.Duration
	OutboundBuffer   int
	Delays           []time.Duration
	Sleep            backoff.SleepFunc
	Logger           *slog.Logger
	Observer         Observer
}

// Client is one user's connection to one document stream.
type Client struct {
	user      string
	url       string
	transport Transport
	listener  Listener
	logger    *slog.Logger
	observer  Observer
	timeout   time.Duration
	backoff   *backoff.Table

	state        atomic.Int32
	closedByUser atomic.Bool
	started      atomic.Bool

	outbound chan wire.Message

	mu     sync.Mutex
	stream Stream
	cancel context.CancelFunc
	done   chan struct{}

	emitMu      sync.Mutex
	gotChanges  bool
	gotUsers    bool
	initialized bool
	// streamChanges and streamUsers track the snapshots of the current
	// stream only.
	streamChanges bool
	streamUsers   bool
}

// RegisterConnection validates user and rawURL and prepares a Client. No
// network traffic happens until Start.
func RegisterConnection(user, rawURL string, transport Transport, listener Listener, opts Options) (*Client, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, &Error{Kind: KindMissingUser}
	}
	endpoint, err := SessionURL(rawURL)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, &Error{Kind: KindGeneric, Err: errors.New("transport is required")}
	}
	if listener == nil {
		listener = ListenerFunc(func(Event) {})
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = DefaultOutboundBuffer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	c := &Client{
		user:      user,
		url:       endpoint,
		transport: transport,
		listener:  listener,
		logger:    opts.Logger.With("user", user),
		observer:  opts.Observer,
		timeout:   opts.HandshakeTimeout,
		outbound:  make(chan wire.Message, opts.OutboundBuffer),
	}
	boOpts := []backoff.Option{backoff.WithOnRetry(c.onRetry)}
	if opts.Sleep != nil {
		boOpts = append(boOpts, backoff.WithSleep(opts.Sleep))
	}
	c.backoff = backoff.New(opts.Delays, boOpts...)
	return c, nil
}

// SessionURL normalizes rawURL to the websocket session endpoint. http and
// https are mapped to ws and wss; an empty path selects the session path.
func SessionURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", &Error{Kind: KindMissingConnection}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &Error{Kind: KindInvalidURL, Err: err}
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", &Error{Kind: KindInvalidURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return "", &Error{Kind: KindInvalidURL, Err: errors.New("missing host")}
	}
	path := strings.TrimSuffix(u.Path, "/")
	switch {
	case path == "":
		u.Path = wire.SessionPath
	case strings.HasSuffix(path, wire.SessionPath):
		u.Path = path
	default:
		return "", &Error{Kind: KindInvalidURL, Err: fmt.Errorf("path %q is not the session endpoint", u.Path)}
	}
	return u.String(), nil
}

func (c *Client) User() string { return c.user }
func (c *Client) URL() string  { return c.url }

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.logger.Info("connection state", "state", s.String())
	c.observer.StateChanged(s)
	c.emit(Event{Kind: EventStateChanged, State: s})
}

// Start performs the handshake and starts the stream. Failures are returned
// as *Error and leave the client disconnected.
func (c *Client) Start(ctx context.Context) error {
	if c.closedByUser.Load() {
		return &Error{Kind: KindClosed}
	}
	if !c.started.CompareAndSwap(false, true) {
		return &Error{Kind: KindGeneric, Err: errors.New("already started")}
	}

	c.setState(Connecting)
	stream, err := c.dial(ctx)
	if err != nil {
		c.started.Store(false)
		c.setState(Disconnected)
		return err
	}

	c.backoff.Reset()

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.stream = stream
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.setState(Connected)
	go c.run(runCtx, done)
	return nil
}

// dial opens a stream and completes the Register/Registered exchange within
// the handshake timeout.
func (c *Client) dial(ctx context.Context) (Stream, error) {
	hctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.transport.Dial(hctx, c.url)
	if err != nil {
		return nil, &Error{Kind: KindHandshake, Err: fmt.Errorf("dial %s: %w", c.url, err)}
	}
	if err := c.handshake(hctx, stream); err != nil {
		stream.Close()
		return nil, &Error{Kind: KindHandshake, Err: err}
	}
	return stream, nil
}

func (c *Client) handshake(ctx context.Context, stream Stream) error {
	if err := stream.Send(ctx, wire.Register(c.user)); err != nil {
		return fmt.Errorf("send register: %w", err)
	}

	type result struct {
		m   wire.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := stream.Receive(ctx)
		ch <- result{m, err}
	}()

	select {
	case <-ctx.Done():
		stream.Close()
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("await registered: %w", r.err)
		}
		switch r.m.Method {
		case wire.MethodRegistered:
			return nil
		case wire.MethodError:
			return fmt.Errorf("server rejected register: %s", r.m.Error)
		default:
			return fmt.Errorf("unexpected %s before registered", r.m.Method)
		}
	}
}

// run serves the current stream and reconnects when it fails.
func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		c.mu.Lock()
		stream := c.stream
		c.mu.Unlock()

		err := c.serve(ctx, stream)
		if ctx.Err() != nil || c.closedByUser.Load() {
			c.setState(Disconnected)
			return
		}
		c.logger.Warn("stream lost", "error", err)
		c.setState(Reconnecting)

		err = c.backoff.Retry(ctx, c.redial)
		if err != nil {
			c.setState(Disconnected)
			if !c.closedByUser.Load() {
				c.started.Store(false)
			}
			if errors.Is(err, backoff.ErrExhausted) && !c.closedByUser.Load() {
				c.logger.Error("server closed", "error", err)
				c.emit(Event{Kind: EventServerClosed, Err: &Error{Kind: KindClosed, Err: err}})
			}
			return
		}
		c.setState(Connected)
	}
}

func (c *Client) redial(ctx context.Context) error {
	stream, err := c.dial(ctx)
	if err != nil {
		c.logger.Warn("reconnect failed", "error", err)
		return err
	}
	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()
	return nil
}

func (c *Client) onRetry(attempt int, delay time.Duration) {
	c.logger.Warn("reconnecting", "attempt", attempt, "delay", delay)
	c.observer.Reconnecting(attempt)
}

// serve runs the read and write loops until either fails.
func (c *Client) serve(ctx context.Context, stream Stream) error {
	c.emitMu.Lock()
	c.streamChanges, c.streamUsers = false, false
	c.emitMu.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 2)
	go func() { errc <- c.readLoop(sctx, stream) }()
	go func() { errc <- c.writeLoop(sctx, stream) }()

	err := <-errc
	cancel()
	stream.Close()
	<-errc
	return err
}

func (c *Client) writeLoop(ctx context.Context, stream Stream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c.outbound:
			if err := stream.Send(ctx, m); err != nil {
				c.pushFailed(m, err)
				return fmt.Errorf("send %s: %w", m.Method, err)
			}
		}
	}
}

// pushFailed reports the failed message together with everything still
// queued behind it.
func (c *Client) pushFailed(first wire.Message, err error) {
	var failed []change.Change
	if first.Change != nil {
		failed = append(failed, *first.Change)
	}
drain:
	for {
		select {
		case m := <-c.outbound:
			if m.Change != nil {
				failed = append(failed, *m.Change)
			}
		default:
			break drain
		}
	}
	c.logger.Error("push failed", "changes", len(failed), "error", err)
	c.observer.PushFailed(len(failed))
	c.emit(Event{Kind: EventPushFailed, Changes: failed, Err: err})
}

func (c *Client) readLoop(ctx context.Context, stream Stream) error {
	for {
		m, err := stream.Receive(ctx)
		if errors.Is(err, ErrMalformed) {
			c.logger.Warn("dropping frame", "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		c.handle(m)
	}
}

func (c *Client) handle(m wire.Message) {
	switch m.Method {
	case wire.MethodInitializeChanges:
		c.initialize(EventInitializeChanges, m)
	case wire.MethodInitializeUsers:
		c.initialize(EventInitializeUsers, m)
	case wire.MethodChange:
		if m.Change == nil {
			return
		}
		c.logger.Debug("change received", "change_id", m.Change.ID, "type", m.Change.Type)
		c.emit(Event{Kind: EventChange, Changes: []change.Change{*m.Change}})
	case wire.MethodError:
		c.emit(Event{Kind: EventServerError, Err: errors.New(m.Error)})
	default:
		c.logger.Debug("ignoring message", "method", string(m.Method))
	}
}

// initialize delivers the first snapshot of each stream. The first ever is
// an Initialize event and signals Initialized once both have been seen;
// snapshots of later streams are Resync events.
func (c *Client) initialize(kind EventKind, m wire.Message) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	seen, onStream, resync := &c.gotChanges, &c.streamChanges, EventResyncChanges
	if kind == EventInitializeUsers {
		seen, onStream, resync = &c.gotUsers, &c.streamUsers, EventResyncUsers
	}
	if *onStream {
		c.logger.Debug("snapshot already consumed", "stream", kind.String())
		return
	}
	*onStream = true
	if *seen {
		c.listener.OnEvent(Event{Kind: resync, Changes: m.Changes, Users: m.Users})
		return
	}
	*seen = true
	c.listener.OnEvent(Event{Kind: kind, Changes: m.Changes, Users: m.Users})

	if c.gotChanges && c.gotUsers && !c.initialized {
		c.initialized = true
		c.listener.OnEvent(Event{Kind: EventInitialized})
	}
}

func (c *Client) emit(ev Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.listener.OnEvent(ev)
}

// Push queues m for the stream without blocking. Messages queued while
// reconnecting are sent once the stream is back.
func (c *Client) Push(m wire.Message) error {
	if c.closedByUser.Load() {
		return &Error{Kind: KindClosed}
	}
	if !c.started.Load() {
		return &Error{Kind: KindGeneric, Err: ErrNotStarted}
	}
	select {
	case c.outbound <- m:
		return nil
	default:
		return &Error{Kind: KindGeneric, Err: ErrOutboundFull}
	}
}

// Pending reports how many messages are waiting for the writer.
func (c *Client) Pending() int { return len(c.outbound) }

func (c *Client) AddChange(ch change.Change) error    { return c.Push(wire.Push(wire.MethodAdd, ch)) }
func (c *Client) DeleteChange(ch change.Change) error { return c.Push(wire.Push(wire.MethodDelete, ch)) }
func (c *Client) UpdateChange(ch change.Change) error { return c.Push(wire.Push(wire.MethodUpdate, ch)) }
func (c *Client) LockChange(ch change.Change) error   { return c.Push(wire.Push(wire.MethodLock, ch)) }
func (c *Client) UnlockChange(ch change.Change) error { return c.Push(wire.Push(wire.MethodUnlock, ch)) }
func (c *Client) DoneChange(ch change.Change) error   { return c.Push(wire.Push(wire.MethodDone, ch)) }

// Close stops the stream and any reconnect loop. A user close never raises
// EventServerClosed.
func (c *Client) Close() error {
	if c.closedByUser.Swap(true) {
		return nil
	}
	c.mu.Lock()
	cancel, stream, done := c.cancel, c.stream, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if stream != nil {
		err = stream.Close()
	}
	if done != nil {
		<-done
	}
	c.setState(Disconnected)
	return err
}
