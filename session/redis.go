package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisChannel = "session-life"

type redisPubSub interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisBroadcaster shares session messages between processes over a Redis
// Pub/Sub channel.
type RedisBroadcaster struct {
	rdb     redisPubSub
	channel string
	log     *slog.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

var _ Broadcaster = (*RedisBroadcaster)(nil)

func NewRedisBroadcaster(rdb redisPubSub, channel string, log *slog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisBroadcaster{rdb: rdb, channel: channel, log: log}
}

func (b *RedisBroadcaster) Post(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal session message: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish session message: %w", err)
	}
	return nil
}

func (b *RedisBroadcaster) Listen(ctx context.Context) (<-chan Message, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBroadcasterClosed
	}
	b.mu.Unlock()

	ps := b.rdb.Subscribe(ctx, b.channel)
	// wait for the subscription confirmation so no message posted after
	// Listen returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ps.Close()
		return nil, ErrBroadcasterClosed
	}
	b.subs = append(b.subs, ps)
	b.mu.Unlock()

	out := make(chan Message, listenBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					b.log.Warn("dropping malformed session message", "error", err)
					continue
				}
				offer(out, msg)
			}
		}
	}()
	return out, nil
}

// Close unsubscribes every listener. The Redis client itself is owned by the
// caller.
func (b *RedisBroadcaster) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()

	var firstErr error
	for _, ps := range subs {
		if err := ps.Close(); err != nil && !errors.Is(err, redis.ErrClosed) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
