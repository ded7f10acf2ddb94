package connection

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ryanbastic/go-cosync/internal/wire"
)

const pipeBuffer = 64

// Pipe returns the two ends of an in-process stream. Messages are encoded
// on Send and decoded on Receive so each end sees its own copy. Closing
// either end closes both.
func Pipe() (Stream, Stream) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	shared := &pipeState{done: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, state: shared}, &pipeEnd{in: ab, out: ba, state: shared}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

func (p *pipeEnd) Send(ctx context.Context, m wire.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	select {
	case <-p.state.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case <-p.state.done:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	case p.out <- data:
		return nil
	}
}

// Receive drains messages sent before a close ahead of reporting EOF.
func (p *pipeEnd) Receive(ctx context.Context) (wire.Message, error) {
	select {
	case data := <-p.in:
		return decodePiped(data)
	default:
	}
	select {
	case data := <-p.in:
		return decodePiped(data)
	case <-p.state.done:
		return wire.Message{}, io.EOF
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	}
}

func decodePiped(data []byte) (wire.Message, error) {
	m, err := wire.Decode(data)
	if err != nil {
		return wire.Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

func (p *pipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
