package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is one of the WebSocket engine's lifecycle states, per spec
// §4.4.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateReady          State = "ready"
	StateDisconnecting  State = "disconnecting"
	StateClosed         State = "closed"
)

// Options configures a Connection.
type Options struct {
	URL                 string
	Headers             HeaderProvider
	PingInterval        time.Duration
	MaxPingInterval     time.Duration
	MaxConnectionAttempts int // 0 defaults to 10, per spec §4.4
	RestartOnClose      bool
	RestartOnCritical   bool
	Unwrap              UnwrapFunc
	Logger              Logger
}

// Logger is the minimal structured-logging surface Connection needs,
// satisfied directly by *slog.Logger without this package importing
// log/slog's parent gateway wrapper type.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) Debug(string, ...any) {}

// Connection is the self-healing duplex WebSocket channel described in
// spec §4.4. Grounded on the teacher's SaxoWebSocketClient +
// ConnectionManager pair in adapter/websocket/saxo_websocket.go and
// adapter/websocket/connection_manager.go: the separated reader/
// processor goroutines, the exponential-backoff reconnect loop bounded
// by a max-attempts counter, and the close-handler-driven cleanup are
// all carried over, generalized from Saxo's ping/pong-less heartbeat
// polling into the explicit ping+max-ping-interval hard-reset rule
// spec §4.4 requires.
type Connection struct {
	opts   Options
	hub    *Hub
	reg    *Registry
	logger Logger

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	reconnectAttempts int
	reconnecting      bool

	tsMu             sync.RWMutex
	lastPingResponse time.Time
	lastHeartbeat    time.Time
}

// NewConnection builds a Connection bound to hub (for routed frame
// delivery) and reg (for confirmation bookkeeping and reconnect
// replay).
func NewConnection(opts Options, hub *Hub, reg *Registry) *Connection {
	if opts.MaxConnectionAttempts <= 0 {
		opts.MaxConnectionAttempts = 10
	}
	if opts.Unwrap == nil {
		opts.Unwrap = identityUnwrap
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Connection{opts: opts, hub: hub, reg: reg, logger: logger, state: StateIdle}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start transitions idle -> connecting and dials the socket, per spec
// §4.4's "idle -> connecting on start" rule.
func (c *Connection) Start(ctx context.Context) error {
	if c.State() != StateIdle && c.State() != StateClosed {
		return fmt.Errorf("cpgateway/stream: connection already started")
	}
	c.setState(StateConnecting)
	return c.dial(ctx)
}

func (c *Connection) dial(ctx context.Context) error {
	var headers http.Header
	if c.opts.Headers != nil {
		hdrs, err := c.opts.Headers()
		if err != nil {
			return fmt.Errorf("cpgateway/stream: failed to build dial headers: %w", err)
		}
		headers = http.Header{}
		for k, v := range hdrs {
			headers.Set(k, v)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.opts.URL, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("cpgateway/stream: websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("cpgateway/stream: websocket dial failed: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.ctx = runCtx
	c.cancel = cancel
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.mu.Unlock()

	// Seed both timestamps at dial time so pingLoop's staleness check has
	// a real grace period before its first tick, instead of comparing
	// against the zero time and hard-resetting immediately.
	c.tsMu.Lock()
	c.lastPingResponse = time.Now()
	c.lastHeartbeat = time.Now()
	c.tsMu.Unlock()

	conn.SetCloseHandler(func(code int, text string) error {
		c.logger.Info("websocket close received", "code", code, "text", text)
		c.handleUnexpectedClose()
		return nil
	})

	go c.readLoop(runCtx, conn)
	go c.pingLoop(runCtx)

	return nil
}

// readLoop is the dedicated I/O worker: it only reads and dispatches,
// never invoking hard_reset directly (it signals via
// handleUnexpectedClose, and dispatch runs a critical-error HardReset
// on a separate goroutine), per spec §9's
// "hard_reset cannot run on the I/O worker" rule.
func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.logger.Warn("websocket read failed", "error", err)
			c.handleUnexpectedClose()
			return
		}
		frame := parseFrame(data)
		c.dispatch(frame)
	}
}

func (c *Connection) pingLoop(ctx context.Context) {
	interval := c.opts.PingInterval
	if interval <= 0 {
		interval = 45 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendPing(); err != nil {
				c.logger.Warn("failed to send ping", "error", err)
			}
			if time.Since(c.LastPingResponse()) > c.maxPingInterval() {
				c.logger.Warn("ping response overdue, triggering hard reset")
				go func() {
					if err := c.HardReset(context.Background(), true); err != nil {
						c.logger.Error("hard reset after ping timeout failed", "error", err)
					}
				}()
				return
			}
		}
	}
}

func (c *Connection) maxPingInterval() time.Duration {
	if c.opts.MaxPingInterval > 0 {
		return c.opts.MaxPingInterval
	}
	return 90 * time.Second
}

// sendPing only writes the ping frame; it deliberately does not stamp
// lastPingResponse, which must reflect the server's reply, not the
// local send. The gateway has no distinct pong topic, so any inbound
// "system" frame recorded by recordHeartbeat is the evidence of a live
// server and resets both timestamps.
func (c *Connection) sendPing() error {
	return c.SendText("ping")
}

// SendText writes a text frame, serialized against concurrent writers
// since gorilla/websocket requires at most one writer at a time.
func (c *Connection) SendText(payload string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("cpgateway/stream: connection not established")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// LastPingResponse satisfies gateway.ConnectionHealth.
func (c *Connection) LastPingResponse() time.Time {
	c.tsMu.RLock()
	defer c.tsMu.RUnlock()
	return c.lastPingResponse
}

// LastHeartbeat satisfies gateway.ConnectionHealth.
func (c *Connection) LastHeartbeat() time.Time {
	c.tsMu.RLock()
	defer c.tsMu.RUnlock()
	return c.lastHeartbeat
}

// recordHeartbeat marks the connection as alive. Apart from the seed
// that dial writes at connect time, it is the only writer of
// lastPingResponse: this package has no dedicated pong frame, so any
// inbound "system" frame is treated as evidence the server answered the
// outstanding ping, per spec §4.4's "no response within max_ping_interval
// triggers hard_reset" rule.
func (c *Connection) recordHeartbeat() {
	c.tsMu.Lock()
	c.lastHeartbeat = time.Now()
	c.lastPingResponse = time.Now()
	c.tsMu.Unlock()

	if c.State() == StateConnected {
		c.setState(StateReady)
	}
}

func (c *Connection) handleUnexpectedClose() {
	c.closeSocket()
	if c.opts.RestartOnClose {
		c.triggerReconnect()
	}
}

// HardReset satisfies gateway.ConnectionHealth and spec §4.4's
// hard_reset operation: it forcibly closes the current socket and, if
// restart is true, re-enters the connecting state. Always called from
// outside the read loop's own goroutine.
func (c *Connection) HardReset(ctx context.Context, restart bool) error {
	c.closeSocket()
	if restart {
		c.triggerReconnect()
	}
	return nil
}

func (c *Connection) closeSocket() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateConnecting
	c.mu.Unlock()
}

func (c *Connection) triggerReconnect() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	go c.reconnectWithBackoff()
}

func (c *Connection) reconnectWithBackoff() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	const baseDelay = 2 * time.Second
	const maxDelay = 5 * time.Minute

	for {
		c.mu.Lock()
		c.reconnectAttempts++
		attempt := c.reconnectAttempts
		c.mu.Unlock()

		if attempt > c.opts.MaxConnectionAttempts {
			c.logger.Error("max reconnection attempts reached, latching closed")
			c.setState(StateClosed)
			return
		}

		delay := baseDelay
		for i := 1; i < attempt && delay < maxDelay; i++ {
			delay *= 2
		}
		if delay > maxDelay {
			delay = maxDelay
		}
		time.Sleep(delay)

		if err := c.dial(context.Background()); err != nil {
			c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		c.replaySubscriptions()
		c.logger.Info("websocket reconnected", "attempt", attempt)
		return
	}
}

// replaySubscriptions re-issues subscribe for every desired record,
// per spec §4.4's "after a successful reconnect" rule and §8's
// "subscription replay" scenario.
func (c *Connection) replaySubscriptions() {
	for _, snap := range c.reg.Snapshot() {
		payload := snap.Processor.MakeSubscribePayload(snap.Channel, snap.Data)
		if err := c.SendText(payload); err != nil {
			c.logger.Warn("failed to replay subscription", "channel", snap.Channel, "error", err)
		}
	}
}

// Shutdown gracefully closes the connection: disconnecting -> closed.
func (c *Connection) Shutdown() error {
	c.setState(StateDisconnecting)
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	c.setState(StateClosed)
	return nil
}
