// Package events provides the publish/subscribe fan-out that carries
// dispatched server frames and connection-status changes to listeners.
// Listeners register and unregister explicitly; there is no global bus.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cskr/pubsub"
)

// Topics carried on the bus. Frame topics receive the typed payload decoded
// by the dispatcher; TopicStatus receives StatusEvent.
const (
	TopicNotification    = "frame:notification"
	TopicChatMessage     = "frame:chat_message"
	TopicDeliveryReceipt = "frame:delivery_receipt"
	TopicPresenceChanged = "frame:presence_changed"
	TopicServerError     = "frame:error"
	TopicPong            = "frame:pong"
	TopicStatus          = "conn:status"
)

// Status names a connection lifecycle transition.
type Status string

const (
	StatusConnected       Status = "connected"
	StatusDisconnected    Status = "disconnected"
	StatusReconnecting    Status = "reconnecting"
	StatusReconnectFailed Status = "reconnect_failed"
	StatusAuthFailed      Status = "auth_failed"
)

// StatusEvent is published on TopicStatus for every state transition.
type StatusEvent struct {
	Status  Status
	Attempt int           // reconnect attempt number, when reconnecting
	Delay   time.Duration // scheduled backoff delay, when reconnecting
	Err     string        // underlying error text, when one applies
}

const defaultQueueLength = 16

type busConfig struct {
	logger      *slog.Logger
	queueLength int
}

// Bus is a topic-based fan-out. Each subscription gets its own buffered
// channel, so a listener sees events in publish order.
type Bus struct {
	config busConfig
	ps     *pubsub.PubSub

	closedMu sync.RWMutex
	closed   bool
}

// Option configures the Bus.
type Option func(*Bus)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.config.logger = logger
		}
	}
}

// WithQueueLength sets the per-subscription channel buffer.
func WithQueueLength(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.config.queueLength = n
		}
	}
}

// NewBus creates a bus with the given options.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		config: busConfig{
			logger:      slog.Default(),
			queueLength: defaultQueueLength,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ps = pubsub.New(b.config.queueLength)
	return b
}

// Publish delivers v to every current subscriber of topic. Publishing on a
// closed bus is a no-op.
func (b *Bus) Publish(topic string, v any) {
	// The read lock is held across Pub so Close cannot shut the pubsub
	// down between the check and the publish.
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	if b.closed {
		b.config.logger.Debug("events: publish on closed bus dropped", "topic", topic)
		return
	}
	b.ps.Pub(v, topic)
}

// Subscribe returns a channel of events for topic and an unsubscribe func.
// The unsubscribe func is idempotent.
func (b *Bus) Subscribe(topic string) (<-chan any, func()) {
	ch := b.ps.Sub(topic)
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.closedMu.RLock()
			defer b.closedMu.RUnlock()
			if !b.closed {
				b.ps.Unsub(ch, topic)
			}
		})
	}
	return ch, unsub
}

// PublishStatus publishes ev on TopicStatus.
func (b *Bus) PublishStatus(ev StatusEvent) {
	b.Publish(TopicStatus, ev)
}

// Close shuts the bus down and closes all subscription channels.
func (b *Bus) Close() {
	b.closedMu.Lock()
	defer b.closedMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}

// Listen subscribes to topic and converts events to T on a dedicated
// channel, preserving publish order. Events of another type are dropped
// with a log line.
func Listen[T any](b *Bus, topic string) (<-chan T, func()) {
	raw, unsub := b.Subscribe(topic)
	out := make(chan T, b.config.queueLength)
	go func() {
		defer close(out)
		for v := range raw {
			tv, ok := v.(T)
			if !ok {
				b.config.logger.Warn("events: unexpected event type on topic", "topic", topic)
				continue
			}
			out <- tv
		}
	}()
	return out, unsub
}
