// wirelink.go
package wirelink

import (
	"context"
	"log/slog"

	"github.com/fluxline/wirelink/pkg/config"
	"github.com/fluxline/wirelink/pkg/conn"
	"github.com/fluxline/wirelink/pkg/dispatch"
	"github.com/fluxline/wirelink/pkg/events"
	"github.com/fluxline/wirelink/pkg/frame"
	"github.com/fluxline/wirelink/pkg/netmon"
	"github.com/fluxline/wirelink/pkg/outbox"
	"github.com/fluxline/wirelink/pkg/rest"
	"github.com/fluxline/wirelink/pkg/session"
)

// Re-export core types
type (
	Envelope        = frame.Envelope
	Notification    = frame.Notification
	ChatMessage     = frame.ChatMessage
	DeliveryReceipt = frame.DeliveryReceipt
	PresenceChanged = frame.PresenceChanged
	Bus             = events.Bus
	StatusEvent     = events.StatusEvent
	Session         = session.Session
	TokenSource     = session.TokenSource
	Manager         = conn.Manager
	ReconnectPolicy = conn.ReconnectPolicy
	Executor        = rest.Executor
	Buffer          = outbox.Buffer
	Pending         = outbox.Pending
	Config          = config.Config
)

// Re-export error values
var (
	ErrConnectInProgress = conn.ErrConnectInProgress
	ErrAuthFailed        = conn.ErrAuthFailed
	ErrNotConnected      = conn.ErrNotConnected
	ErrQueueExpired      = outbox.ErrQueueExpired
)

// Re-export connection status values
const (
	StatusConnected       = events.StatusConnected
	StatusDisconnected    = events.StatusDisconnected
	StatusReconnecting    = events.StatusReconnecting
	StatusReconnectFailed = events.StatusReconnectFailed
	StatusAuthFailed      = events.StatusAuthFailed
)

// Client bundles the full stack: session, event bus, message dispatch,
// the websocket connection manager, the REST executor, and the offline
// buffer, wired from one Config.
type Client struct {
	Session *session.Session
	Bus     *events.Bus
	Monitor *netmon.Tracker
	Conn    *conn.Manager
	REST    *rest.Executor
	Outbox  *outbox.Buffer
}

// NewClient assembles a Client from cfg. The returned client is idle;
// call Connect to bring the websocket up.
func NewClient(cfg config.Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	sess := session.New(cfg.Auth.UserID, session.NewStaticTokenSource(cfg.Auth.Token))
	bus := events.NewBus(events.WithLogger(logger))
	monitor := netmon.NewTracker(true)
	disp := dispatch.New(bus, logger)

	mgr := conn.New(cfg.Server.WebSocketURL, sess, bus, disp,
		conn.WithLogger(logger),
		conn.WithDialTimeout(cfg.Server.DialTimeout.Std()),
		conn.WithHeartbeatInterval(cfg.Server.HeartbeatInterval.Std()),
		conn.WithReconnectPolicy(conn.ReconnectPolicy{
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			BaseDelay:   cfg.Reconnect.BaseDelay.Std(),
			MaxDelay:    cfg.Reconnect.MaxDelay.Std(),
		}),
	)

	exec := rest.New(cfg.Server.APIBaseURL, sess, monitor, rest.WithLogger(logger))
	buf := outbox.New(exec, monitor,
		outbox.WithLogger(logger),
		outbox.WithTTL(cfg.Outbox.TTL.Std()),
		outbox.WithSweepInterval(cfg.Outbox.SweepInterval.Std()),
	)
	exec.SetBuffer(buf)

	c := &Client{
		Session: sess,
		Bus:     bus,
		Monitor: monitor,
		Conn:    mgr,
		REST:    exec,
		Outbox:  buf,
	}
	c.trackConnectivity()
	return c, nil
}

// trackConnectivity mirrors connection status onto the network monitor
// so the offline buffer drains when the socket comes back.
func (c *Client) trackConnectivity() {
	statuses, _ := events.Listen[events.StatusEvent](c.Bus, events.TopicStatus)
	go func() {
		for ev := range statuses {
			switch ev.Status {
			case events.StatusConnected:
				c.Monitor.SetOnline(true)
			case events.StatusDisconnected, events.StatusReconnecting, events.StatusReconnectFailed:
				c.Monitor.SetOnline(false)
			}
		}
	}()
}

// Connect brings the websocket up. See conn.Manager.Connect for the
// concurrency contract.
func (c *Client) Connect(ctx context.Context) error {
	return c.Conn.Connect(ctx)
}

// Disconnect tears the websocket down without reconnecting.
func (c *Client) Disconnect(sendCloseFrame bool) {
	c.Conn.Disconnect(sendCloseFrame)
}

// Close shuts the whole client down. Queued outbox entries resolve
// with outbox.ErrClosed.
func (c *Client) Close() {
	c.Conn.Close()
	c.Outbox.Close()
	c.Bus.Close()
}
