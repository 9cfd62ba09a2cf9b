// Package memory is the in-process Bus implementation, used in -dev mode and
// tests. Delivery to each subscriber goes through a buffered channel; a full
// buffer drops the event for that subscriber rather than blocking the
// publisher.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/plantsocial/backend/internal/bus"
	"github.com/plantsocial/backend/internal/logger"
)

const subscriberBufSize = 256

var errClosed = errors.New("bus: subscription closed")

type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[string]map[*subscription]struct{})}
}

// Publish delivers payload to every current subscriber of channel, at most
// once each. Per-channel order is publish order: delivery happens under the
// read lock into per-subscriber buffers, so two publishes to one channel
// cannot reorder.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errClosed
	}
	for s := range b.subs[channel] {
		select {
		case s.events <- bus.Event{Channel: channel, Payload: payload}:
		case <-s.done:
		default:
			// Backpressure: subscriber buffer full, drop for this one.
			logger.Errorf("bus: subscriber buffer full, dropping event channel=%s", channel)
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, channels ...string) (bus.Subscription, error) {
	s := &subscription{
		bus:      b,
		events:   make(chan bus.Event, subscriberBufSize),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}, len(channels)),
	}
	if err := s.Subscribe(channels...); err != nil {
		return nil, err
	}
	return s, nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			s.closeLocked()
		}
	}
	b.subs = make(map[string]map[*subscription]struct{})
	return nil
}

type subscription struct {
	bus      *Bus
	events   chan bus.Event
	done     chan struct{}
	once     sync.Once
	channels map[string]struct{}
}

func (s *subscription) Events() <-chan bus.Event { return s.events }

func (s *subscription) Subscribe(channels ...string) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.bus.closed || s.isDone() {
		return errClosed
	}
	for _, ch := range channels {
		if _, ok := s.channels[ch]; ok {
			continue
		}
		s.channels[ch] = struct{}{}
		set, ok := s.bus.subs[ch]
		if !ok {
			set = make(map[*subscription]struct{})
			s.bus.subs[ch] = set
		}
		set[s] = struct{}{}
	}
	return nil
}

func (s *subscription) Unsubscribe(channels ...string) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.isDone() {
		return errClosed
	}
	for _, ch := range channels {
		delete(s.channels, ch)
		if set, ok := s.bus.subs[ch]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, ch)
			}
		}
	}
	return nil
}

func (s *subscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *subscription) closeLocked() {
	s.once.Do(func() {
		for ch := range s.channels {
			if set, ok := s.bus.subs[ch]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(s.bus.subs, ch)
				}
			}
		}
		close(s.done)
		close(s.events)
	})
}

func (s *subscription) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
