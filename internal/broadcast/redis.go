package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "pulse:"
	publishTimeout = 5 * time.Second
)

// Channel returns the Redis channel for a session.
func Channel(sessionID string) string {
	return channelPrefix + sessionID
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Redis carries messages for one session over Redis pub/sub, reaching
// processes on other devices.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
	owned   bool
}

// NewRedis creates a bus on the session's channel. The client stays owned
// by the caller.
func NewRedis(client *redis.Client, sessionID string, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, channel: Channel(sessionID), logger: logger}
}

// DialRedis connects to redisURL and returns a bus that closes the client
// on Close.
func DialRedis(ctx context.Context, redisURL, sessionID string, logger *zap.Logger) (*Redis, error) {
	client, err := Connect(ctx, redisURL)
	if err != nil {
		return nil, err
	}
	b := NewRedis(client, sessionID, logger)
	b.owned = true
	return b, nil
}

// Publish sends m on the session channel.
func (b *Redis) Publish(ctx context.Context, m Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe listens on the session channel and calls h for each message.
// Returns a cancel function to stop the subscription.
func (b *Redis) Subscribe(h Handler) (func(), error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					b.logger.Debug("drop malformed broadcast", zap.String("channel", b.channel), zap.Error(err))
					continue
				}
				h(m)
			}
		}
	}()
	return cancelCtx, nil
}

// Close releases the client when the bus dialed it.
func (b *Redis) Close() error {
	if b.owned {
		return b.client.Close()
	}
	return nil
}
