// Package redisbus implements the Bus over Redis pub/sub so fan-out crosses
// process boundaries when the API runs with more than one instance.
package redisbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/plantsocial/backend/internal/bus"
	"github.com/plantsocial/backend/internal/logger"
)

const subscriberBufSize = 256

type Bus struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{cli: cli}, nil
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.cli.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("bus publish %s: %w", channel, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channels ...string) (bus.Subscription, error) {
	ps := b.cli.Subscribe(ctx, channels...)
	// Wait for subscription confirmation so a Publish right after Subscribe
	// is not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("bus subscribe: %w", err)
	}
	s := &subscription{
		ps:     ps,
		events: make(chan bus.Event, subscriberBufSize),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (b *Bus) Close() error {
	return b.cli.Close()
}

type subscription struct {
	ps     *redis.PubSub
	events chan bus.Event
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) pump() {
	defer close(s.events)
	for msg := range s.ps.Channel() {
		select {
		case s.events <- bus.Event{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-s.done:
			return
		default:
			// Slow consumer: drop instead of stalling the pub/sub reader.
			logger.Errorf("bus: subscriber buffer full, dropping event channel=%s", msg.Channel)
		}
	}
}

func (s *subscription) Events() <-chan bus.Event { return s.events }

func (s *subscription) Subscribe(channels ...string) error {
	return s.ps.Subscribe(context.Background(), channels...)
}

func (s *subscription) Unsubscribe(channels ...string) error {
	return s.ps.Unsubscribe(context.Background(), channels...)
}

func (s *subscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ps.Close()
}
