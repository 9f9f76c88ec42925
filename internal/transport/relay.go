package transport

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-redis/redis/v8"

	"crdt-editor/internal/logging"
	"crdt-editor/internal/session"
)

const channelPrefix = "collab:session:"

// RedisRelay implements session.Relay on Redis pub/sub with one channel per
// session.
type RedisRelay struct {
	client *redis.Client
	log    *logging.Logger
}

func NewRedisRelay(client *redis.Client, log *logging.Logger) *RedisRelay {
	return &RedisRelay{client: client, log: log}
}

func channelFor(sessionID string) string {
	return channelPrefix + sessionID
}

// Publish sends env to every instance subscribed to the session channel.
func (r *RedisRelay) Publish(ctx context.Context, env session.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channelFor(env.SessionID), b).Err()
}

// Run subscribes to every session channel and hands each envelope to handle
// until ctx is done.
func (r *RedisRelay) Run(ctx context.Context, handle func(session.Envelope)) error {
	pubsub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env session.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warnf("relay: bad message on %s: %v", msg.Channel, err)
				continue
			}
			if env.SessionID == "" {
				env.SessionID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			handle(env)
		}
	}
}

func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}
