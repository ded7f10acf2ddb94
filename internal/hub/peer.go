package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ryanbastic/go-cosync/internal/connection"
	"github.com/ryanbastic/go-cosync/internal/wire"
)

type peer struct {
	user   string
	stream connection.Stream
	send   chan wire.Message

	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(user string, stream connection.Stream, buffer int) *peer {
	return &peer{
		user:   user,
		stream: stream,
		send:   make(chan wire.Message, buffer),
		done:   make(chan struct{}),
	}
}

// enqueue never blocks. It reports false when the peer is closed or its
// buffer is full.
func (p *peer) enqueue(m wire.Message) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- m:
		return true
	default:
		return false
	}
}

func (p *peer) writeLoop(ctx context.Context, logger *slog.Logger) {
	for {
		select {
		case <-p.done:
			return
		case m := <-p.send:
			if err := p.stream.Send(ctx, m); err != nil {
				logger.Debug("send to peer", "user", p.user, "error", err)
				p.close()
				return
			}
		}
	}
}

// close stops the writer and the stream, which ends the peer's read loop.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.stream.Close()
	})
}
