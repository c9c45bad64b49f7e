// Package dispatch parses inbound frames and routes them by discriminator to
// typed event topics. It never propagates an error back to the receive loop:
// malformed or unknown frames are logged and dropped so a server-introduced
// message type cannot crash the client.
package dispatch

import (
	"log/slog"

	"github.com/fluxline/wirelink/pkg/events"
	"github.com/fluxline/wirelink/pkg/frame"
)

// Dispatcher routes raw inbound frames onto the event bus.
type Dispatcher struct {
	bus    *events.Bus
	logger *slog.Logger
}

// New creates a Dispatcher publishing to bus. A nil logger falls back to
// slog.Default().
func New(bus *events.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{bus: bus, logger: logger}
}

// Dispatch parses raw and publishes the typed payload for its discriminator.
// Frames in arrival order produce events in the same order per topic.
func (d *Dispatcher) Dispatch(raw []byte) {
	env, err := frame.Decode(raw)
	if err != nil {
		d.logger.Warn("dispatch: dropping unparseable frame", "error", err)
		return
	}

	switch env.Type {
	case frame.TypeNotification:
		publish[frame.Notification](d, env, events.TopicNotification)
	case frame.TypeChatMessage:
		publish[frame.ChatMessage](d, env, events.TopicChatMessage)
	case frame.TypeDeliveryReceipt:
		publish[frame.DeliveryReceipt](d, env, events.TopicDeliveryReceipt)
	case frame.TypePresenceChanged:
		publish[frame.PresenceChanged](d, env, events.TopicPresenceChanged)
	case frame.TypeError:
		publish[frame.ServerError](d, env, events.TopicServerError)
	case frame.TypePong:
		publish[frame.Pong](d, env, events.TopicPong)
	default:
		d.logger.Debug("dispatch: dropping frame with unknown type", "type", env.Type)
	}
}

func publish[T any](d *Dispatcher, env *frame.Envelope, topic string) {
	var payload T
	if err := env.DecodePayload(&payload); err != nil {
		d.logger.Warn("dispatch: dropping frame with malformed payload",
			"type", env.Type, "error", err)
		return
	}
	d.bus.Publish(topic, payload)
}
