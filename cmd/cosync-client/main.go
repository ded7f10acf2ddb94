package main

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ryanbastic/go-cosync/internal/config"
	"github.com/ryanbastic/go-cosync/internal/connection"
	"github.com/ryanbastic/go-cosync/internal/document"
	"github.com/ryanbastic/go-cosync/internal/metrics"
	"github.com/ryanbastic/go-cosync/internal/session"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doc := document.NewMemory()
	sess, err := session.New(doc, session.Options{
		User:             cfg.User,
		URL:              cfg.URL,
		Transport:        &connection.WebSocketTransport{},
		Logger:           logger,
		Observer:         metrics.Engine{},
		HandshakeTimeout: cfg.HandshakeTimeout,
		OutboundBuffer:   cfg.OutboundBuffer,
		UndoLimit:        cfg.UndoLimit,
		MaxPayload:       cfg.MaxPayload,
		OnEvent: func(ev connection.Event) {
			switch ev.Kind {
			case connection.EventChange:
				for _, c := range ev.Changes {
					logger.Info("change received", "change_id", c.ID, "owner", c.Owner, "type", c.Type, "action", c.Action.String())
				}
			case connection.EventStateChanged:
				logger.Info("connection state", "state", ev.State.String())
			}
		},
	})
	if err != nil {
		logger.Error("failed to create session", "error", err)
		os.Exit(1)
	}

	if err := sess.Start(ctx); err != nil {
		logger.Error("failed to connect", "url", cfg.URL, "error", err)
		os.Exit(1)
	}
	defer sess.Close()
	logger.Info("connected", "url", cfg.URL, "user", sess.User())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), cfg.MaxPayload)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	sh := &shell{doc: doc, session: sess, out: os.Stdout}

	// The document and the idle queue are only touched from this loop.
	for {
		select {
		case <-ticker.C:
			doc.Idle()
			sess.Drain()
		case line, ok := <-lines:
			if !ok {
				shutdown(logger, sess, doc)
				return
			}
			if err := sh.exec(ctx, line); err != nil {
				logger.Warn("command failed", "error", err)
			}
		case <-sigCh:
			shutdown(logger, sess, doc)
			return
		}
	}
}

// shutdown releases this user's locks before disconnecting.
func shutdown(logger *slog.Logger, sess *session.Session, doc *document.Memory) {
	logger.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if n, err := sess.Release(ctx); err != nil {
		logger.Error("release failed", "error", err)
	} else if n > 0 {
		logger.Info("released temporary changes", "count", n)
	}
	doc.Idle()
	sess.Drain()
	if err := sess.Flush(ctx, 10*time.Millisecond); err != nil {
		logger.Warn("pending changes dropped", "error", err)
	}
}
