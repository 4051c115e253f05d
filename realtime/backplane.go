package realtime

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const reconnectDelay = time.Second

// RedisBackplane relays envelopes between instances over a Redis pub/sub
// channel. Every instance, the publisher included, delivers from its
// subscription.
type RedisBackplane struct {
	rc      *redis.Client
	channel string
	log     *log.Logger
}

func NewRedisBackplane(rc *redis.Client, channel string, logger *log.Logger) *RedisBackplane {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisBackplane{rc: rc, channel: channel, log: logger}
}

func (b *RedisBackplane) Publish(ctx context.Context, env Envelope) error {
	data, err := sonic.Marshal(env)
	if err != nil {
		return err
	}
	return b.rc.Publish(ctx, b.channel, data).Err()
}

// Run subscribes to the channel and calls deliver for every envelope until
// ctx is cancelled, resubscribing when the channel closes.
func (b *RedisBackplane) Run(ctx context.Context, deliver func(Envelope)) {
	for {
		sub := b.rc.Subscribe(ctx, b.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var env Envelope
				if err := sonic.UnmarshalString(msg.Payload, &env); err != nil {
					b.log.WithError(err).Error("unable to parse envelope")
					continue
				}
				deliver(env)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.log.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}
