package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ryanbastic/go-cosync/internal/change"
)

// ChannelPrefix prefixes the pub/sub channel of every document.
const ChannelPrefix = "cosync:"

type envelope struct {
	Instance string        `json:"instance"`
	Change   change.Change `json:"change"`
}

// RedisRelay shares one document's Change stream between relay replicas.
// Each replica publishes what it applied and re-broadcasts what the others
// published.
type RedisRelay struct {
	client   *redis.Client
	channel  string
	instance string
	logger   *slog.Logger
}

func NewRedisRelay(client *redis.Client, document string, logger *slog.Logger) *RedisRelay {
	return &RedisRelay{
		client:   client,
		channel:  ChannelPrefix + document,
		instance: uuid.NewString(),
		logger:   logger,
	}
}

func (r *RedisRelay) Channel() string  { return r.channel }
func (r *RedisRelay) Instance() string { return r.instance }

func (r *RedisRelay) Publish(ctx context.Context, c change.Change) error {
	data, err := json.Marshal(envelope{Instance: r.instance, Change: c})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}
	return nil
}

// Run subscribes to the document channel and hands every Change published
// by another replica to deliver. It blocks until ctx is done.
func (r *RedisRelay) Run(ctx context.Context, deliver func(change.Change)) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("relay subscribed", "channel", r.channel, "instance", r.instance)

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("malformed relay message", "channel", r.channel, "error", err)
				continue
			}
			if env.Instance == r.instance {
				continue
			}
			deliver(env.Change)
		}
	}
}

// Ping checks the Redis connection.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
