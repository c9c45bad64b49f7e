package dispatch

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/wirelink/pkg/events"
	"github.com/fluxline/wirelink/pkg/frame"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(bus, logger), bus
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched event")
		panic("unreachable")
	}
}

func TestDispatchRoutesByType(t *testing.T) {
	d, bus := newTestDispatcher(t)

	notifs, unsubN := events.Listen[frame.Notification](bus, events.TopicNotification)
	defer unsubN()
	receipts, unsubR := events.Listen[frame.DeliveryReceipt](bus, events.TopicDeliveryReceipt)
	defer unsubR()
	presence, unsubP := events.Listen[frame.PresenceChanged](bus, events.TopicPresenceChanged)
	defer unsubP()

	d.Dispatch([]byte(`{"type":"notification","payload":{"title":"t1"}}`))
	d.Dispatch([]byte(`{"type":"delivery.receipt","payload":{"messageId":"m1","status":"read"}}`))
	d.Dispatch([]byte(`{"type":"presence.changed","payload":{"userId":"u1","status":"online"}}`))

	assert.Equal(t, "t1", recv(t, notifs).Title)
	r := recv(t, receipts)
	assert.Equal(t, "m1", r.MessageID)
	assert.Equal(t, "read", r.Status)
	assert.Equal(t, "online", recv(t, presence).Status)
}

func TestDispatchUnknownTypeProducesNothing(t *testing.T) {
	d, bus := newTestDispatcher(t)

	notifs, unsub := events.Listen[frame.Notification](bus, events.TopicNotification)
	defer unsub()

	d.Dispatch([]byte(`{"type":"server.experiment.v2","payload":{"anything":true}}`))

	select {
	case v := <-notifs:
		t.Fatalf("unknown frame type produced an event: %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchSurvivesMalformedFrames(t *testing.T) {
	d, bus := newTestDispatcher(t)

	notifs, unsub := events.Listen[frame.Notification](bus, events.TopicNotification)
	defer unsub()

	// None of these may panic or stall the dispatcher.
	d.Dispatch([]byte(`not json at all`))
	d.Dispatch([]byte(`{"payload":{}}`))
	d.Dispatch([]byte(`{"type":"notification","payload":"not an object"}`))
	d.Dispatch(nil)

	d.Dispatch([]byte(`{"type":"notification","payload":{"title":"after the noise"}}`))
	assert.Equal(t, "after the noise", recv(t, notifs).Title)
}

func TestDispatchPreservesOrderPerTopic(t *testing.T) {
	d, bus := newTestDispatcher(t)

	msgs, unsub := events.Listen[frame.ChatMessage](bus, events.TopicChatMessage)
	defer unsub()

	d.Dispatch([]byte(`{"type":"chat.message","payload":{"id":"a","conversationId":"c","senderId":"s","content":"1"}}`))
	d.Dispatch([]byte(`{"type":"chat.message","payload":{"id":"b","conversationId":"c","senderId":"s","content":"2"}}`))
	d.Dispatch([]byte(`{"type":"chat.message","payload":{"id":"c","conversationId":"c","senderId":"s","content":"3"}}`))

	require.Equal(t, "a", recv(t, msgs).ID)
	require.Equal(t, "b", recv(t, msgs).ID)
	require.Equal(t, "c", recv(t, msgs).ID)
}

func TestDispatchServerError(t *testing.T) {
	d, bus := newTestDispatcher(t)

	errs, unsub := events.Listen[frame.ServerError](bus, events.TopicServerError)
	defer unsub()

	d.Dispatch([]byte(`{"type":"error","payload":{"code":429,"message":"slow down"}}`))

	ev := recv(t, errs)
	assert.Equal(t, 429, ev.Code)
	assert.Equal(t, "slow down", ev.Message)
}
