package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/normanking/avatarengine/internal/bus"
)

const defaultWSPath = "/api/v1/avatar/ws"

// WSClient reads signal messages from a host WebSocket and writes status
// messages back on the same connection.
type WSClient struct {
	cfg    Config
	bus    *bus.EventBus
	logger zerolog.Logger
	dialer *websocket.Dialer

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}

	writeMu sync.Mutex
	once    sync.Once
}

func NewWSClient(cfg Config, b *bus.EventBus, logger zerolog.Logger) *WSClient {
	cfg.fill(defaultWSPath)
	return &WSClient{
		cfg:    cfg,
		bus:    b,
		logger: logger.With().Str("component", "signals-ws").Logger(),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Connect starts the connection loop in the background.
func (c *WSClient) Connect(ctx context.Context) error {
	target, err := c.endpoint()
	if err != nil {
		return err
	}
	c.once.Do(func() {
		c.bus.Subscribe(bus.EventTypeStatusChanged, func(e bus.Event) {
			if err := c.Send(StatusMessage(e)); err != nil {
				c.logger.Debug().Err(err).Msg("status not forwarded")
			}
		})
	})

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go func() {
		defer close(done)
		reconnectLoop(ctx, c.cfg, c.logger, c.bus, func(ctx context.Context) (bool, error) {
			return c.connectWS(ctx, target)
		})
	}()
	return nil
}

// Disconnect closes the connection and waits for the loop to exit.
func (c *WSClient) Disconnect() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
}

func (c *WSClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Send writes a message to the host.
func (c *WSClient) Send(m Message) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(m); err != nil {
		return fmt.Errorf("write %s: %w", m.Type, err)
	}
	return nil
}

func (c *WSClient) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported signal url %q", c.cfg.URL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + c.cfg.Path
	return u.String(), nil
}

func (c *WSClient) connectWS(ctx context.Context, target string) (bool, error) {
	c.logger.Info().Str("url", target).Msg("connecting to signal websocket")
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connected = false
		c.mu.Unlock()
	}()

	c.logger.Info().Msg("connected to signal websocket")
	c.bus.Publish(bus.Event{Type: bus.EventTypeConnected, Data: map[string]any{bus.KeyURL: target}})

	// Unblock ReadJSON when the context ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, nil
			}
			return true, fmt.Errorf("read: %w", err)
		}
		c.handleMessage(raw)
	}
}

func (c *WSClient) handleMessage(raw json.RawMessage) {
	e, err := Decode(raw)
	if err != nil {
		c.logger.Warn().Err(err).Msg("ignoring signal message")
		c.bus.Publish(bus.Event{Type: bus.EventTypeError, Data: map[string]any{bus.KeyError: err.Error()}})
		return
	}
	c.logger.Debug().Str("type", string(e.Type)).Msg("signal received")
	// Sync so consecutive signals reach subscribers in order.
	c.bus.PublishSync(e)
}
