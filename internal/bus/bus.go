// Package bus defines the publish/subscribe fabric used for real-time
// fan-out: room message and typing channels, the global presence channel,
// and per-user notification channels. Implementations: memory (single
// process) and redisbus (Redis pub/sub, multi-node).
package bus

import "context"

// Event is one published payload as seen by a subscriber.
type Event struct {
	Channel string
	Payload []byte
}

// Subscription is a live set of channel subscriptions. Events stops yielding
// after Close. Adding or removing channels on a closed subscription is an
// error.
type Subscription interface {
	Events() <-chan Event
	Subscribe(channels ...string) error
	Unsubscribe(channels ...string) error
	Close() error
}

// Bus is the outbound publish primitive. Publish is best-effort towards
// subscribers: a slow subscriber may miss events, delivery to each current
// subscriber is at most once, and per-channel order follows publish order.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}
