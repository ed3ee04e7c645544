package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "docsync:"

type Redis struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedis(ctx context.Context, addr string, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	return &Redis{rdb: rdb, log: logger}, nil
}

func (r *Redis) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := r.rdb.Publish(ctx, channelPrefix+msg.Document, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, document string, fn Handler) (func(), error) {
	pubsub := r.rdb.Subscribe(ctx, channelPrefix+document)
	// wait for the subscription to be confirmed so nothing published after
	// return is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range pubsub.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.log.Warn("skipping undecodable bus message", "channel", m.Channel, "err", err)
				continue
			}
			fn(msg)
		}
	}()
	return func() {
		_ = pubsub.Close()
		<-done
	}, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
