package relay

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-todolock/v1/broadcast"
)

const defaultRedisTimeout = 5 * time.Second

// RedisSink publishes events on a Redis pub/sub channel.
type RedisSink struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

// NewRedisSink returns a RedisSink. An empty channel means
// DefaultRedisChannel.
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel, timeout: defaultRedisTimeout}
}

// Name implements broadcast.Sink.
func (s *RedisSink) Name() string { return "redis" }

// Forward implements broadcast.Sink.
func (s *RedisSink) Forward(ctx context.Context, ev broadcast.ChangeEvent) error {
	data, err := encode(ev)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Publish(cctx, s.channel, data).Err()
}

// SubscribeRedis feeds events published on channel by other nodes into b
// until ctx is done. It returns once the subscription is confirmed.
func SubscribeRedis(ctx context.Context, client *redis.Client, channel string, b *broadcast.Broadcaster, logger *slog.Logger) error {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	ps := client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	ch := ps.Channel()
	go func() {
		defer ps.Close()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				deliver(b, logger, "redis", []byte(msg.Payload))
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
