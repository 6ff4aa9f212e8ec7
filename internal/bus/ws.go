package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pulse/internal/interfaces"
	"pulse/internal/logger"
	"pulse/internal/models"
)

const (
	dialTimeout      = 10 * time.Second
	initialBackoff   = time.Second
	maxBackoff       = 30 * time.Second
	writeWaitTimeout = 10 * time.Second
)

// WSMessageBus implements MessageBus over a websocket connection to the
// signaling relay. It reconnects with backoff until stopped and reports
// connect/disconnect transitions to its handler so the synchronizer can run
// a reconciliation pass.
type WSMessageBus struct {
	config  interfaces.Configuration
	logger  *logger.Logger
	handler interfaces.BusEventHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	writeMu sync.Mutex
}

// NewWSMessageBus creates a new websocket message bus
func NewWSMessageBus(config interfaces.Configuration, log *logger.Logger) interfaces.MessageBus {
	return &WSMessageBus{
		config: config,
		logger: log.WithComponent("ws-bus"),
	}
}

// SetEventHandler sets the callback sink for bus events
func (b *WSMessageBus) SetEventHandler(handler interfaces.BusEventHandler) {
	b.handler = handler
}

// Start connects to the relay and begins delivering events
func (b *WSMessageBus) Start(ctx context.Context) error {
	b.logger.Info("Starting message bus", "url", b.config.GetServerURL())

	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.run()

	return nil
}

// Stop closes the connection and stops reconnect attempts
func (b *WSMessageBus) Stop() error {
	b.logger.Info("Stopping message bus")

	if b.cancel != nil {
		b.cancel()
	}

	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.connected = false
	b.mu.Unlock()

	return nil
}

// IsConnected reports whether the bus currently has a live connection
func (b *WSMessageBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Send publishes an event to the relay
func (b *WSMessageBus) Send(event *models.Event) error {
	b.mu.RLock()
	conn := b.conn
	connected := b.connected
	b.mu.RUnlock()

	if !connected || conn == nil {
		return fmt.Errorf("bus is not connected")
	}

	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWaitTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send %s event: %w", event.Kind, err)
	}

	b.logger.Debug("Event sent", "kind", event.Kind)
	return nil
}

// run dials the relay and reads events until stopped, reconnecting with
// exponential backoff on failure
func (b *WSMessageBus) run() {
	backoff := initialBackoff

	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		conn, err := b.dial()
		if err != nil {
			b.logger.Warn("Failed to connect to relay", "error", err, "retry_in", backoff)
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		backoff = initialBackoff

		b.mu.Lock()
		b.conn = conn
		b.connected = true
		b.mu.Unlock()

		b.logger.Info("Connected to relay")
		if b.handler != nil {
			b.handler.OnBusConnected()
		}

		readErr := b.readPump(conn)

		b.mu.Lock()
		b.conn = nil
		b.connected = false
		b.mu.Unlock()

		conn.Close()

		if b.ctx.Err() != nil {
			return
		}

		b.logger.Warn("Disconnected from relay", "error", readErr)
		if b.handler != nil {
			b.handler.OnBusDisconnected(readErr)
		}
	}
}

func (b *WSMessageBus) dial() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(b.ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, b.config.GetServerURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", b.config.GetServerURL(), err)
	}
	return conn, nil
}

// readPump delivers inbound events to the handler until the connection fails
func (b *WSMessageBus) readPump(conn *websocket.Conn) error {
	for {
		select {
		case <-b.ctx.Done():
			return b.ctx.Err()
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		event, err := models.EventFromJSON(data)
		if err != nil {
			b.logger.Error("Failed to parse bus event", "error", err)
			continue
		}

		// Unknown kinds are dropped at the boundary, before the engine
		if !event.Known() {
			b.logger.Warn("Dropping unknown bus event", "kind", event.Kind)
			continue
		}

		if b.handler != nil {
			b.handler.OnBusEvent(event)
		}
	}
}
