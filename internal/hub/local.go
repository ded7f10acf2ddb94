package hub

import (
	"context"

	"github.com/ryanbastic/go-cosync/internal/connection"
)

// LocalTransport connects clients to a Hub in the same process.
type LocalTransport struct {
	Hub *Hub
}

func (t *LocalTransport) Dial(ctx context.Context, _ string) (connection.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := connection.Pipe()
	go t.Hub.Serve(context.Background(), server)
	return client, nil
}
