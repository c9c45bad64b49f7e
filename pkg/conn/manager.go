// Package conn owns the persistent realtime connection: the
// connect/disconnect/reconnect state machine, the receive loop feeding the
// dispatcher, and the keepalive heartbeat.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/fluxline/wirelink/pkg/dispatch"
	"github.com/fluxline/wirelink/pkg/events"
	"github.com/fluxline/wirelink/pkg/frame"
	"github.com/fluxline/wirelink/pkg/session"
)

// State is the connection lifecycle state. Exactly one socket is open per
// Manager, and only while the state is Connected.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

var (
	// ErrConnectInProgress is the fast-fail returned to a caller whose
	// Connect raced an in-flight attempt.
	ErrConnectInProgress = errors.New("conn: connect already in progress")
	// ErrAuthFailed means the handshake was rejected even after a token
	// refresh; the manager will not retry against the same token.
	ErrAuthFailed = errors.New("conn: authentication failed")
	// ErrNotConnected is returned by Send when no socket is open.
	ErrNotConnected = errors.New("conn: not connected")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("conn: manager closed")
)

const (
	defaultDialTimeout       = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
	defaultCloseGrace        = 3 * time.Second
	maxFrameSize             = 1 << 20 // 1MB
)

type managerConfig struct {
	logger            *slog.Logger
	dialOptions       *websocket.DialOptions
	dialTimeout       time.Duration
	writeTimeout      time.Duration
	heartbeatInterval time.Duration // <= 0 disables the heartbeat loop
	closeGrace        time.Duration
	policy            ReconnectPolicy
}

// Manager owns one persistent socket connection.
type Manager struct {
	config managerConfig
	urlStr string
	sess   *session.Session
	bus    *events.Bus
	disp   *dispatch.Dispatcher

	conn   *websocket.Conn
	connMu sync.RWMutex

	state   State
	stateMu sync.Mutex

	// Overall manager lifetime context.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	// Context for the current connection's pumps (read/heartbeat). Cancelled
	// and recreated on every (re)connect.
	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	pumpWg     sync.WaitGroup

	// Serializes connect attempts; the flag gives concurrent callers a
	// fast-fail instead of queueing behind the lock.
	connectMu      sync.Mutex
	connectingMu   sync.Mutex
	isConnecting   bool
	reconnectingMu sync.Mutex
	isReconnecting bool

	intentionalMu    sync.Mutex
	intentionalClose bool

	closedMu sync.Mutex
	isClosed bool
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.config.logger = logger
		}
	}
}

// WithDialOptions sets custom websocket.DialOptions. The Authorization
// header is still managed by the Manager.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(m *Manager) {
		m.config.dialOptions = opts
	}
}

// WithDialTimeout bounds each handshake attempt.
func WithDialTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.config.dialTimeout = timeout
		}
	}
}

// WithWriteTimeout bounds each outbound frame write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.config.writeTimeout = timeout
		}
	}
}

// WithHeartbeatInterval sets the keepalive ping interval.
// interval <= 0 disables client pings.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(m *Manager) {
		m.config.heartbeatInterval = interval
	}
}

// WithReconnectPolicy overrides the reconnect schedule.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(m *Manager) {
		if p.MaxAttempts > 0 && p.BaseDelay > 0 && p.MaxDelay >= p.BaseDelay {
			m.config.policy = p
		}
	}
}

// WithCloseGrace bounds the graceful close handshake during Disconnect.
func WithCloseGrace(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.config.closeGrace = timeout
		}
	}
}

// New creates a Manager for the given endpoint. Nothing is dialled until
// Connect is called.
func New(urlStr string, sess *session.Session, bus *events.Bus, disp *dispatch.Dispatcher, opts ...Option) *Manager {
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	m := &Manager{
		config: managerConfig{
			logger:            slog.Default(),
			dialTimeout:       defaultDialTimeout,
			writeTimeout:      defaultWriteTimeout,
			heartbeatInterval: defaultHeartbeatInterval,
			closeGrace:        defaultCloseGrace,
			policy:            DefaultReconnectPolicy(),
		},
		urlStr:     urlStr,
		sess:       sess,
		bus:        bus,
		disp:       disp,
		state:      StateDisconnected,
		lifeCtx:    lifeCtx,
		lifeCancel: lifeCancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.config.dialOptions == nil {
		m.config.dialOptions = &websocket.DialOptions{HTTPClient: http.DefaultClient}
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

// connAlive reports whether a socket is currently installed. The read pump
// clears the slot when a connection dies, so a non-nil conn is a live one.
func (m *Manager) connAlive() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.conn != nil
}

func (m *Manager) closed() bool {
	m.closedMu.Lock()
	defer m.closedMu.Unlock()
	return m.isClosed
}

func (m *Manager) setIntentional(v bool) {
	m.intentionalMu.Lock()
	m.intentionalClose = v
	m.intentionalMu.Unlock()
}

func (m *Manager) intentional() bool {
	m.intentionalMu.Lock()
	defer m.intentionalMu.Unlock()
	return m.intentionalClose
}

// Connect establishes the connection. Exactly one attempt may be in flight:
// a concurrent caller gets ErrConnectInProgress immediately rather than
// queueing. Calling Connect while already connected is a no-op. Connect is
// also the explicit external trigger that re-arms reconnection after the
// policy was exhausted.
func (m *Manager) Connect(ctx context.Context) error {
	if m.closed() {
		return ErrClosed
	}
	if m.State() == StateConnected {
		return nil
	}

	m.connectingMu.Lock()
	if m.isConnecting {
		m.connectingMu.Unlock()
		return ErrConnectInProgress
	}
	m.isConnecting = true
	m.connectingMu.Unlock()
	defer func() {
		m.connectingMu.Lock()
		m.isConnecting = false
		m.connectingMu.Unlock()
	}()

	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.setIntentional(false)
	return m.establish(ctx)
}

// establish performs one connect attempt: token, dial (with a single
// refresh-and-retry on an auth rejection), pump startup, initial ping.
// Callers hold connectMu.
func (m *Manager) establish(ctx context.Context) error {
	if m.closed() {
		return ErrClosed
	}
	m.setState(StateConnecting)

	token, err := m.sess.Token(ctx)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("conn: obtaining token: %w", err)
	}

	wsConn, err := m.dial(ctx, token)
	if err != nil {
		if isAuthRejection(err) {
			wsConn, err = m.refreshAndRedial(ctx)
		}
		if err != nil {
			m.setState(StateDisconnected)
			if errors.Is(err, ErrAuthFailed) {
				m.bus.PublishStatus(events.StatusEvent{Status: events.StatusAuthFailed, Err: err.Error()})
			}
			return err
		}
	}

	// Stop pumps of any previous connection before installing the new one.
	m.connMu.Lock()
	if m.pumpCancel != nil {
		m.pumpCancel()
		m.connMu.Unlock()
		m.pumpWg.Wait()
		m.connMu.Lock()
	}
	if m.conn != nil {
		_ = m.conn.CloseNow()
	}
	m.conn = wsConn
	m.pumpCtx, m.pumpCancel = context.WithCancel(m.lifeCtx)
	m.pumpWg.Add(1)
	go m.readPump(wsConn, m.pumpCtx)
	if m.config.heartbeatInterval > 0 {
		m.pumpWg.Add(1)
		go m.heartbeatLoop(m.pumpCtx)
	}
	m.connMu.Unlock()

	m.setState(StateConnected)
	m.config.logger.Info("conn: connected", "url", m.urlStr)

	if err := m.Send(frame.NewPing()); err != nil {
		m.config.logger.Debug("conn: initial ping failed", "error", err)
	}
	m.bus.PublishStatus(events.StatusEvent{Status: events.StatusConnected})
	return nil
}

type authRejectionError struct {
	status int
	cause  error
}

func (e *authRejectionError) Error() string {
	return fmt.Sprintf("handshake rejected with status %d: %v", e.status, e.cause)
}

func (e *authRejectionError) Unwrap() error { return e.cause }

func isAuthRejection(err error) bool {
	var ar *authRejectionError
	return errors.As(err, &ar)
}

func (m *Manager) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	dialOpts := *m.config.dialOptions
	header := http.Header{}
	for k, v := range dialOpts.HTTPHeader {
		header[k] = v
	}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialOpts.HTTPHeader = header

	dialCtx, cancel := context.WithTimeout(ctx, m.config.dialTimeout)
	defer cancel()
	// Close cancels lifeCtx; an in-flight handshake must die with it.
	stop := context.AfterFunc(m.lifeCtx, cancel)
	defer stop()

	wsConn, resp, err := websocket.Dial(dialCtx, m.urlStr, &dialOpts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &authRejectionError{status: resp.StatusCode, cause: err}
		}
		if resp != nil {
			return nil, fmt.Errorf("conn: dial %s (status %s): %w", m.urlStr, resp.Status, err)
		}
		return nil, fmt.Errorf("conn: dial %s: %w", m.urlStr, err)
	}
	return wsConn, nil
}

// refreshAndRedial is the single permitted retry after an auth rejection. A
// source that cannot refresh, or a second rejection, is fatal.
func (m *Manager) refreshAndRedial(ctx context.Context) (*websocket.Conn, error) {
	m.config.logger.Info("conn: handshake rejected, refreshing token")
	token, err := m.sess.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: token refresh unavailable: %w", ErrAuthFailed, err)
	}
	wsConn, err := m.dial(ctx, token)
	if err != nil {
		if isAuthRejection(err) {
			return nil, fmt.Errorf("%w: rejected after refresh: %w", ErrAuthFailed, err)
		}
		return nil, err
	}
	return wsConn, nil
}

// Send marshals v and writes it to the active connection. When no socket is
// open the message is dropped with a log line and ErrNotConnected returned.
func (m *Manager) Send(v any) error {
	m.connMu.RLock()
	wsConn := m.conn
	pumpCtx := m.pumpCtx
	m.connMu.RUnlock()

	if wsConn == nil || pumpCtx == nil {
		m.config.logger.Warn("conn: send while not connected, message dropped")
		return ErrNotConnected
	}
	writeCtx, cancel := context.WithTimeout(pumpCtx, m.config.writeTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, wsConn, v); err != nil {
		return fmt.Errorf("conn: write: %w", err)
	}
	return nil
}

func (m *Manager) readPump(wsConn *websocket.Conn, pumpCtx context.Context) {
	unclean := false
	defer func() {
		m.connMu.Lock()
		if m.pumpCancel != nil {
			m.pumpCancel()
		}
		_ = wsConn.CloseNow()
		if m.conn == wsConn {
			m.conn = nil
		}
		m.connMu.Unlock()
		m.pumpWg.Done()

		if unclean && !m.intentional() && !m.closed() {
			m.scheduleReconnect()
		}
	}()

	wsConn.SetReadLimit(maxFrameSize)
	for {
		_, data, err := wsConn.Read(pumpCtx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case pumpCtx.Err() != nil || m.lifeCtx.Err() != nil:
				m.config.logger.Debug("conn: read pump stopping", "reason", pumpCtx.Err())
			case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
				// A close the client did not ask for still counts as an
				// unexpected close.
				m.config.logger.Info("conn: server closed connection", "status", status)
				m.bus.PublishStatus(events.StatusEvent{Status: events.StatusDisconnected, Err: err.Error()})
				unclean = true
			default:
				m.config.logger.Warn("conn: read error, connection lost", "error", err)
				m.bus.PublishStatus(events.StatusEvent{Status: events.StatusDisconnected, Err: err.Error()})
				unclean = true
			}
			return
		}
		m.disp.Dispatch(data)
	}
}

func (m *Manager) heartbeatLoop(pumpCtx context.Context) {
	defer m.pumpWg.Done()
	ticker := time.NewTicker(m.config.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.Send(frame.NewPing()); err != nil {
				// The read pump detects a dead socket; missing pongs are
				// not themselves fatal.
				m.config.logger.Debug("conn: heartbeat send failed", "error", err)
			}
		case <-pumpCtx.Done():
			return
		}
	}
}

// scheduleReconnect starts the reconnect loop unless one is already active.
func (m *Manager) scheduleReconnect() {
	m.reconnectingMu.Lock()
	if m.isReconnecting {
		m.reconnectingMu.Unlock()
		return
	}
	m.isReconnecting = true
	m.reconnectingMu.Unlock()
	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	defer func() {
		m.reconnectingMu.Lock()
		m.isReconnecting = false
		m.reconnectingMu.Unlock()
	}()

	policy := m.config.policy
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if m.closed() || m.intentional() {
			return
		}
		if m.State() == StateConnected {
			// An external Connect restored the connection; stand down.
			return
		}
		delay := policy.DelayForAttempt(attempt)
		m.setState(StateReconnecting)
		m.config.logger.Info("conn: scheduling reconnect", "attempt", attempt, "delay", delay)
		m.bus.PublishStatus(events.StatusEvent{Status: events.StatusReconnecting, Attempt: attempt, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-m.lifeCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.connectMu.Lock()
		if m.connAlive() {
			// An external Connect won the race during the backoff window.
			// Never tear down a live socket.
			m.connectMu.Unlock()
			m.setState(StateConnected)
			return
		}
		err := m.establish(m.lifeCtx)
		m.connectMu.Unlock()
		if err == nil {
			m.config.logger.Info("conn: reconnected", "attempt", attempt)
			return
		}
		if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrClosed) {
			// Never loop against an invalid token.
			m.setState(StateDisconnected)
			return
		}
		m.config.logger.Warn("conn: reconnect attempt failed", "attempt", attempt, "error", err)
	}

	m.setState(StateDisconnected)
	m.config.logger.Error("conn: reconnection failed, giving up", "attempts", policy.MaxAttempts)
	m.bus.PublishStatus(events.StatusEvent{Status: events.StatusReconnectFailed, Attempt: policy.MaxAttempts})
}

// Disconnect cleanly stops the current connection without scheduling a
// reconnect. With sendCloseFrame the close handshake is attempted for at
// most the configured grace period before the socket is released abruptly.
// The socket is always released; Disconnect never panics.
func (m *Manager) Disconnect(sendCloseFrame bool) {
	m.setIntentional(true)

	m.connMu.Lock()
	wsConn := m.conn
	m.conn = nil
	pumpCancel := m.pumpCancel
	m.connMu.Unlock()

	if pumpCancel != nil {
		pumpCancel()
	}
	if wsConn != nil {
		if sendCloseFrame {
			m.closeGracefully(wsConn)
		} else if err := wsConn.CloseNow(); err != nil {
			m.config.logger.Debug("conn: abrupt close", "error", err)
		}
	}
	m.pumpWg.Wait()

	m.setState(StateDisconnected)
	m.bus.PublishStatus(events.StatusEvent{Status: events.StatusDisconnected})
	m.config.logger.Info("conn: disconnected")
}

func (m *Manager) closeGracefully(wsConn *websocket.Conn) {
	done := make(chan struct{})
	go func() {
		if err := wsConn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			m.config.logger.Debug("conn: graceful close", "error", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.config.closeGrace):
		m.config.logger.Warn("conn: graceful close timed out, releasing socket")
		if err := wsConn.CloseNow(); err != nil {
			m.config.logger.Debug("conn: forced close", "error", err)
		}
		<-done
	}
}

// Close permanently shuts the manager down: cancels the receive loop and any
// in-flight handshake, releases the socket, and prevents further connects.
// Teardown never panics and always completes.
func (m *Manager) Close() error {
	m.closedMu.Lock()
	if m.isClosed {
		m.closedMu.Unlock()
		return ErrClosed
	}
	m.isClosed = true
	m.closedMu.Unlock()

	m.setIntentional(true)
	m.lifeCancel()

	m.connMu.Lock()
	wsConn := m.conn
	m.conn = nil
	m.connMu.Unlock()
	if wsConn != nil {
		if err := wsConn.CloseNow(); err != nil {
			m.config.logger.Debug("conn: close during shutdown", "error", err)
		}
	}
	m.pumpWg.Wait()
	m.setState(StateDisconnected)
	m.config.logger.Info("conn: closed")
	return nil
}
