// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
)

// EventType identifies different event types
type EventType string

// Event types for the avatar engine
const (
	// Signal client connection events
	EventTypeConnected    EventType = "connection.connected"
	EventTypeDisconnected EventType = "connection.disconnected"
	EventTypeError        EventType = "connection.error"

	// Presentation signals, consumed by avatar controllers
	EventTypeAvatarChanged     EventType = "signal.avatar"
	EventTypeAvatarReload      EventType = "signal.reload"
	EventTypeEmotionChanged    EventType = "signal.emotion"
	EventTypeEmotionCleared    EventType = "signal.emotion_cleared"
	EventTypeMoodChanged       EventType = "signal.mood"
	EventTypeSpeakingStarted   EventType = "signal.speaking_started"
	EventTypeSpeakingStopped   EventType = "signal.speaking_stopped"
	EventTypeVisemes           EventType = "signal.visemes"
	EventTypeBackgroundChanged EventType = "signal.background"
	EventTypeResized           EventType = "signal.resize"

	// Engine state, published by avatar controllers
	EventTypeStatusChanged EventType = "avatar.status"

	// Asset events
	EventTypeAssetChanged EventType = "asset.changed"
)

// Payload keys of signal and status events
const (
	KeyURL        = "url"
	KeyEmotion    = "emotion"
	KeyIntensity  = "intensity"
	KeyMood       = "score"
	KeySpeaking   = "speaking"
	KeyVisemes    = "visemes"
	KeyPhonemes   = "phonemes"
	KeyBackground = "background"
	KeyWidth      = "width"
	KeyHeight     = "height"
	KeyStatus     = "status"
	KeyError      = "error"
	KeyInstance   = "instance"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeMultiple adds a handler for multiple event types
func (b *EventBus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	for _, et := range eventTypes {
		b.Subscribe(et, handler)
	}
}

// Publish sends an event to all subscribed handlers
func (b *EventBus) Publish(event Event) {
	for _, handler := range b.snapshot(event.Type) {
		// Call handlers in goroutines to avoid blocking
		go handler(event)
	}
}

// PublishSync sends an event and waits for all handlers to complete
func (b *EventBus) PublishSync(event Event) {
	var wg sync.WaitGroup
	for _, handler := range b.snapshot(event.Type) {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(event)
		}(handler)
	}
	wg.Wait()
}

func (b *EventBus) snapshot(t EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handlers := make([]Handler, len(b.handlers[t]))
	copy(handlers, b.handlers[t])
	return handlers
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
}

// Float reads a numeric field that may have been decoded from JSON or set
// directly.
func (e Event) Float(key string) (float64, bool) {
	switch v := e.Data[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	default:
		return 0, false
	}
}

func (e Event) Str(key string) string {
	s, _ := e.Data[key].(string)
	return s
}
