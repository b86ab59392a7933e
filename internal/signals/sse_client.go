package signals

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/normanking/avatarengine/internal/bus"
)

const defaultSSEPath = "/api/v1/avatar/events"

// SSEClient reads signal messages from a server-sent event stream. The
// event name stands in for the message type when the payload has none.
// The stream is one-way, so status is not sent back.
type SSEClient struct {
	cfg    Config
	bus    *bus.EventBus
	logger zerolog.Logger
	client *http.Client

	mu        sync.RWMutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewSSEClient(cfg Config, b *bus.EventBus, logger zerolog.Logger) *SSEClient {
	cfg.fill(defaultSSEPath)
	return &SSEClient{
		cfg:    cfg,
		bus:    b,
		logger: logger.With().Str("component", "signals-sse").Logger(),
		client: &http.Client{
			Timeout: 0, // No timeout for SSE
		},
	}
}

// Connect starts the SSE connection loop in the background.
func (s *SSEClient) Connect(ctx context.Context) error {
	if !strings.HasPrefix(s.cfg.URL, "http://") && !strings.HasPrefix(s.cfg.URL, "https://") {
		return fmt.Errorf("unsupported signal url %q", s.cfg.URL)
	}
	target := strings.TrimSuffix(s.cfg.URL, "/") + s.cfg.Path

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		reconnectLoop(ctx, s.cfg, s.logger, s.bus, func(ctx context.Context) (bool, error) {
			return s.connectSSE(ctx, target)
		})
	}()
	return nil
}

// Disconnect stops the SSE connection and waits for the loop to exit.
func (s *SSEClient) Disconnect() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.connected = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *SSEClient) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *SSEClient) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *SSEClient) connectSSE(ctx context.Context, target string) (bool, error) {
	s.logger.Info().Str("url", target).Msg("connecting to signal event stream")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		return false, fmt.Errorf("unexpected content-type: %s (expected text/event-stream)", ct)
	}

	s.setConnected(true)
	defer s.setConnected(false)
	s.logger.Info().Msg("connected to signal event stream")
	s.bus.Publish(bus.Event{Type: bus.EventTypeConnected, Data: map[string]any{bus.KeyURL: target}})

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var eventType string
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "" && len(dataLines) > 0:
			s.handleEvent(eventType, strings.Join(dataLines, "\n"))
			eventType = ""
			dataLines = nil
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return true, fmt.Errorf("read stream: %w", err)
	}
	return true, nil
}

func (s *SSEClient) handleEvent(eventType, data string) {
	var m Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to parse signal event")
		return
	}
	if m.Type == "" {
		m.Type = eventType
	}
	e, err := m.Event()
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("ignoring signal event")
		s.bus.Publish(bus.Event{Type: bus.EventTypeError, Data: map[string]any{bus.KeyError: err.Error()}})
		return
	}
	s.bus.PublishSync(e)
}
