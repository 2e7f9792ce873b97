package pushchan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "atelier:dossiers"

// Redis is a Channel over Redis PUBLISH/SUBSCRIBE.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// RedisOptions configures NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Logger   *slog.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewRedisFromClient(client, opts.Channel, opts.Logger), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, channel string, logger *slog.Logger) *Redis {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, channel: channel, logger: logger}
}

// Channel returns the pub/sub channel name.
func (r *Redis) Channel() string { return r.channel }

func (r *Redis) Publish(ctx context.Context, payload []byte) error {
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed, then delivers
// messages on a dedicated goroutine until cancelled.
func (r *Redis) Subscribe(ctx context.Context, h Handler) (func(), error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	msgs := sub.Channel()

	go func() {
		defer close(done)
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				h([]byte(msg.Payload))
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := sub.Close(); err != nil {
				r.logger.Debug("closing redis subscription", "channel", r.channel, "error", err)
			}
		})
	}, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
