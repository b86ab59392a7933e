package signals

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/normanking/avatarengine/internal/bus"
)

// Client is a running signal transport.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}

// New returns the transport cfg.Transport names.
func New(cfg Config, b *bus.EventBus, logger zerolog.Logger) (Client, error) {
	switch strings.ToLower(cfg.Transport) {
	case "", "websocket", "ws":
		return NewWSClient(cfg, b, logger), nil
	case "sse":
		return NewSSEClient(cfg, b, logger), nil
	default:
		return nil, fmt.Errorf("unknown signal transport %q", cfg.Transport)
	}
}
