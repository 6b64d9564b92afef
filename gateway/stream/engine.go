package stream

import (
	"context"
	"time"
)

// Engine composes a Connection, Registry, Hub, and Controller into the
// single object callers construct, mirroring the teacher's
// NewSaxoWebSocketClient composition of ConnectionManager +
// SubscriptionManager + MessageHandler in
// adapter/websocket/saxo_websocket.go.
type Engine struct {
	Connection *Connection
	Registry   *Registry
	Hub        *Hub
	Controller *Controller
}

// EngineOptions configures New.
type EngineOptions struct {
	URL                   string
	Headers               HeaderProvider
	PingInterval          time.Duration
	MaxPingInterval       time.Duration
	MaxConnectionAttempts int
	RestartOnClose        bool
	RestartOnCritical     bool
	Unwrap                UnwrapFunc
	Logger                Logger
	SubscriptionRetries   int
	SubscriptionTimeout   time.Duration
}

// New builds a ready-to-Start Engine.
func New(opts EngineOptions) *Engine {
	hub := NewHub()
	reg := NewRegistry()
	conn := NewConnection(Options{
		URL:                   opts.URL,
		Headers:               opts.Headers,
		PingInterval:          opts.PingInterval,
		MaxPingInterval:       opts.MaxPingInterval,
		MaxConnectionAttempts: opts.MaxConnectionAttempts,
		RestartOnClose:        opts.RestartOnClose,
		RestartOnCritical:     opts.RestartOnCritical,
		Unwrap:                opts.Unwrap,
		Logger:                opts.Logger,
	}, hub, reg)
	controller := NewController(conn, reg, opts.SubscriptionRetries, opts.SubscriptionTimeout)
	return &Engine{Connection: conn, Registry: reg, Hub: hub, Controller: controller}
}

// Start dials the socket and begins the reader/ping workers.
func (e *Engine) Start(ctx context.Context) error {
	return e.Connection.Start(ctx)
}

// Shutdown gracefully closes the socket.
func (e *Engine) Shutdown() error {
	return e.Connection.Shutdown()
}

// Subscribe is a convenience forwarder to Controller.Subscribe.
func (e *Engine) Subscribe(ctx context.Context, channel string, data map[string]any, needsConfirmation bool, processor PayloadProcessor) (bool, error) {
	return e.Controller.Subscribe(ctx, channel, data, needsConfirmation, processor)
}

// Unsubscribe is a convenience forwarder to Controller.Unsubscribe.
func (e *Engine) Unsubscribe(channel string, data map[string]any, processor PayloadProcessor) error {
	return e.Controller.Unsubscribe(channel, data, processor)
}

// Get pulls the next frame for topic from the hub.
func (e *Engine) Get(topic Topic, block bool, timeout time.Duration) (Frame, bool) {
	return e.Hub.Get(topic, block, timeout)
}
