package signals

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/avatarengine/internal/bus"
)

// Config is shared by both transports.
type Config struct {
	// URL is the host base URL, http(s) or ws(s).
	URL string `mapstructure:"url" yaml:"url"`
	// Transport selects "websocket" or "sse".
	Transport  string        `mapstructure:"transport" yaml:"transport"`
	Path       string        `mapstructure:"path" yaml:"path"`
	MinBackoff time.Duration `mapstructure:"min_backoff" yaml:"min_backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

func DefaultConfig() Config {
	return Config{
		Transport:  "websocket",
		MinBackoff: 3 * time.Second,
		MaxBackoff: 60 * time.Second,
	}
}

func (c *Config) fill(path string) {
	if c.Path == "" {
		c.Path = path
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 3 * time.Second
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
}

// reconnectLoop runs connect until ctx is done, backing off exponentially
// between failed attempts. connect reports whether it got as far as a live
// connection, which resets the backoff. After three failures in a row it
// waits the maximum and logs at debug level only.
func reconnectLoop(ctx context.Context, cfg Config, log zerolog.Logger, b *bus.EventBus, connect func(context.Context) (bool, error)) {
	backoff := cfg.MinBackoff
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = cfg.MinBackoff
			failures = 0
		}
		if b != nil {
			data := map[string]any{}
			if err != nil {
				data[bus.KeyError] = err.Error()
			}
			b.Publish(bus.Event{Type: bus.EventTypeDisconnected, Data: data})
		}
		switch {
		case err == nil:
			log.Info().Msg("signal stream closed by host")
		case connected:
			log.Warn().Err(err).Msg("signal connection lost, reconnecting")
		case failures < 2:
			failures++
			log.Warn().Err(err).Msg("signal connection failed, reconnecting")
		case failures == 2:
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("signal endpoint not available, will retry less frequently")
			backoff = cfg.MaxBackoff
		default:
			failures++
			log.Debug().Int("failures", failures).Msg("signal endpoint still unavailable")
			backoff = cfg.MaxBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if err != nil && !connected && backoff < cfg.MaxBackoff {
			backoff = min(backoff*2, cfg.MaxBackoff)
		}
	}
}
