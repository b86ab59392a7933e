// Package signals connects the engine to a host application. Clients read
// JSON signal messages over WebSocket or server-sent events and publish
// them on the event bus, and send controller status back where the
// transport allows it.
package signals

import (
	"encoding/json"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/normanking/avatarengine/internal/bus"
	"github.com/normanking/avatarengine/internal/expression"
	"github.com/normanking/avatarengine/internal/scene"
)

// Message types accepted from the host.
const (
	TypeAvatar     = "avatar"
	TypeReload     = "reload"
	TypeEmotion    = "emotion"
	TypeClear      = "clear_emotion"
	TypeMood       = "mood"
	TypeSpeaking   = "speaking"
	TypeVisemes    = "visemes"
	TypeBackground = "background"
	TypeResize     = "resize"
	TypeStatus     = "status"
)

// Message is the wire form of a host signal, for example
// {"type":"emotion","emotion":"happy","intensity":80}.
type Message struct {
	Type string `json:"type"`

	URL       string   `json:"url,omitempty"`
	Emotion   string   `json:"emotion,omitempty"`
	Intensity *float64 `json:"intensity,omitempty"`
	Score     *float64 `json:"score,omitempty"`
	Speaking  *bool    `json:"speaking,omitempty"`

	Visemes    []WireViseme         `json:"visemes,omitempty"`
	Phonemes   []expression.Phoneme `json:"phonemes,omitempty"`
	Background *WireBackground      `json:"background,omitempty"`

	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// Status fields, sent to the host.
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// WireViseme names its mouth shape ("aa", "ih", "ou", "ee", "oh") and
// times it in milliseconds from the moment it is received.
type WireViseme struct {
	Shape      string  `json:"shape"`
	Weight     float32 `json:"weight"`
	OffsetMs   int     `json:"offsetMs"`
	DurationMs int     `json:"durationMs"`
}

// WireBackground is a background descriptor with colors as hex strings.
// The config file uses the same form.
type WireBackground struct {
	Mode   string  `json:"mode" mapstructure:"mode" yaml:"mode"`
	Color  string  `json:"color,omitempty" mapstructure:"color" yaml:"color,omitempty"`
	Top    string  `json:"top,omitempty" mapstructure:"top" yaml:"top,omitempty"`
	Bottom string  `json:"bottom,omitempty" mapstructure:"bottom" yaml:"bottom,omitempty"`
	Image  string  `json:"image,omitempty" mapstructure:"image" yaml:"image,omitempty"`
	Blur   float64 `json:"blur,omitempty" mapstructure:"blur" yaml:"blur,omitempty"`
}

// Decode parses one message and converts it to a bus event.
func Decode(data []byte) (bus.Event, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return bus.Event{}, fmt.Errorf("decode signal: %w", err)
	}
	return m.Event()
}

// Event converts the message to the bus event the controller consumes.
func (m *Message) Event() (bus.Event, error) {
	data := map[string]any{}
	e := bus.Event{Data: data}

	switch m.Type {
	case TypeAvatar:
		e.Type = bus.EventTypeAvatarChanged
		data[bus.KeyURL] = m.URL
	case TypeReload:
		e.Type = bus.EventTypeAvatarReload
	case TypeEmotion:
		if _, err := expression.ParseEmotion(m.Emotion); err != nil {
			return bus.Event{}, err
		}
		e.Type = bus.EventTypeEmotionChanged
		data[bus.KeyEmotion] = m.Emotion
		if m.Intensity != nil {
			data[bus.KeyIntensity] = *m.Intensity
		}
	case TypeClear:
		e.Type = bus.EventTypeEmotionCleared
	case TypeMood:
		if m.Score == nil {
			return bus.Event{}, fmt.Errorf("mood signal without score")
		}
		e.Type = bus.EventTypeMoodChanged
		data[bus.KeyMood] = *m.Score
	case TypeSpeaking:
		if m.Speaking == nil {
			return bus.Event{}, fmt.Errorf("speaking signal without speaking flag")
		}
		e.Type = bus.EventTypeSpeakingStopped
		if *m.Speaking {
			e.Type = bus.EventTypeSpeakingStarted
		}
		if err := m.track(data); err != nil {
			return bus.Event{}, err
		}
	case TypeVisemes:
		e.Type = bus.EventTypeVisemes
		if err := m.track(data); err != nil {
			return bus.Event{}, err
		}
	case TypeBackground:
		if m.Background == nil {
			return bus.Event{}, fmt.Errorf("background signal without background")
		}
		bg, err := m.Background.Background()
		if err != nil {
			return bus.Event{}, err
		}
		e.Type = bus.EventTypeBackgroundChanged
		data[bus.KeyBackground] = bg
	case TypeResize:
		if m.Width <= 0 || m.Height <= 0 {
			return bus.Event{}, fmt.Errorf("invalid size %dx%d", m.Width, m.Height)
		}
		e.Type = bus.EventTypeResized
		data[bus.KeyWidth] = m.Width
		data[bus.KeyHeight] = m.Height
	default:
		return bus.Event{}, fmt.Errorf("unknown signal type %q", m.Type)
	}
	return e, nil
}

func (m *Message) track(data map[string]any) error {
	if len(m.Visemes) > 0 {
		track := make([]expression.Viseme, 0, len(m.Visemes))
		for _, v := range m.Visemes {
			shape, ok := expression.ParseViseme(v.Shape)
			if !ok {
				return fmt.Errorf("unknown viseme %q", v.Shape)
			}
			track = append(track, expression.Viseme{
				Shape:    shape,
				Weight:   v.Weight,
				Offset:   float32(v.OffsetMs) / 1000,
				Duration: float32(v.DurationMs) / 1000,
			})
		}
		data[bus.KeyVisemes] = track
	}
	if len(m.Phonemes) > 0 {
		data[bus.KeyPhonemes] = m.Phonemes
	}
	return nil
}

// Background resolves the descriptor. Image backgrounds carry only the
// reference; the controller fetches and decodes them.
func (w *WireBackground) Background() (scene.Background, error) {
	mode, err := scene.ParseBackgroundMode(w.Mode)
	if err != nil {
		return scene.Background{}, err
	}
	bg := scene.DefaultBackground()
	bg.Mode = mode
	bg.Blur = w.Blur
	bg.ImageRef = w.Image
	colors := []struct {
		src string
		dst *mgl32.Vec4
	}{{w.Color, &bg.Color}, {w.Top, &bg.Top}, {w.Bottom, &bg.Bottom}}
	for _, c := range colors {
		if c.src == "" {
			continue
		}
		v, err := scene.ParseColor(c.src)
		if err != nil {
			return scene.Background{}, err
		}
		*c.dst = v
	}
	if mode == scene.BackgroundImage && bg.ImageRef == "" {
		return scene.Background{}, fmt.Errorf("image background without image")
	}
	return bg, nil
}

// StatusMessage builds the message sent to the host for a status event.
func StatusMessage(e bus.Event) Message {
	return Message{
		Type:     TypeStatus,
		Status:   e.Str(bus.KeyStatus),
		URL:      e.Str(bus.KeyURL),
		Error:    e.Str(bus.KeyError),
		Instance: e.Str(bus.KeyInstance),
	}
}
