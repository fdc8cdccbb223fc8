package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var _ Broadcaster = (*RedisBroadcaster)(nil)

// RedisBroadcaster uses redis pub/sub as the cross-process channel. It allows
// processes on different hosts to observe FID changes when they share a
// network store.
type RedisBroadcaster struct {
	client *redis.Client
	prefix string
}

// NewRedisBroadcaster uses client; prefix namespaces the channel name.
func NewRedisBroadcaster(client *redis.Client, prefix string) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, prefix: prefix}
}

// RedisBroadcasterFromURL parses a redis:// URL.
func RedisBroadcasterFromURL(rawURL, prefix string) (*RedisBroadcaster, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return NewRedisBroadcaster(redis.NewClient(opts), prefix), nil
}

func (b *RedisBroadcaster) Open(ctx context.Context, name string) (Channel, error) {
	channel := b.prefix + name
	ps := b.client.Subscribe(ctx, channel)
	// wait for the subscription confirmation so early publishes are not lost
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to '%s': %w", channel, err)
	}

	ch := &redisChannel{
		client:  b.client,
		ps:      ps,
		channel: channel,
		msgs:    make(chan Message, localBufferSize),
	}
	go ch.forward()
	return ch, nil
}

// Close releases the redis client.
func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}

type redisChannel struct {
	client  *redis.Client
	ps      *redis.PubSub
	channel string
	msgs    chan Message
}

func (c *redisChannel) forward() {
	defer close(c.msgs)
	for m := range c.ps.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			log.Debug().Err(err).Str("channel", c.channel).Msg("ignoring malformed fid change message")
			continue
		}
		select {
		case c.msgs <- msg:
		default:
			log.Debug().Str("channel", c.channel).Msg("dropping fid change message, receiver is not keeping up")
		}
	}
}

func (c *redisChannel) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	if err := c.client.Publish(ctx, c.channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to '%s': %w", c.channel, err)
	}
	return nil
}

func (c *redisChannel) Messages() <-chan Message {
	return c.msgs
}

func (c *redisChannel) Close() error {
	return c.ps.Close()
}
