package avatar

import (
	"github.com/normanking/avatarengine/internal/bus"
	"github.com/normanking/avatarengine/internal/expression"
	"github.com/normanking/avatarengine/internal/scene"
)

// SubscribeBus routes signal events from b into the controller. Handlers
// only post to the mailbox, so they are safe on the bus goroutines.
func (c *Controller) SubscribeBus(b *bus.EventBus) {
	b.Subscribe(bus.EventTypeAvatarChanged, func(e bus.Event) {
		c.SetAvatarURL(e.Str(bus.KeyURL))
	})
	b.Subscribe(bus.EventTypeAvatarReload, func(bus.Event) { c.Reload() })
	b.Subscribe(bus.EventTypeAssetChanged, func(e bus.Event) {
		c.AssetChanged(e.Str(bus.KeyURL))
	})

	b.Subscribe(bus.EventTypeEmotionChanged, func(e bus.Event) {
		em, err := expression.ParseEmotion(e.Str(bus.KeyEmotion))
		if err != nil {
			c.log.Warn().Err(err).Msg("ignoring emotion signal")
			return
		}
		intensity, ok := e.Float(bus.KeyIntensity)
		if !ok {
			intensity = 100
		}
		c.SetEmotion(em, float32(intensity))
	})
	b.Subscribe(bus.EventTypeEmotionCleared, func(bus.Event) { c.ClearEmotion() })
	b.Subscribe(bus.EventTypeMoodChanged, func(e bus.Event) {
		if score, ok := e.Float(bus.KeyMood); ok {
			c.SetMood(float32(score))
		}
	})

	b.Subscribe(bus.EventTypeSpeakingStarted, func(e bus.Event) {
		c.SetSpeaking(true)
		c.queueTrack(e)
	})
	b.Subscribe(bus.EventTypeSpeakingStopped, func(bus.Event) { c.SetSpeaking(false) })
	b.Subscribe(bus.EventTypeVisemes, c.queueTrack)

	b.Subscribe(bus.EventTypeBackgroundChanged, func(e bus.Event) {
		if bg, ok := e.Data[bus.KeyBackground].(scene.Background); ok {
			c.SetBackground(bg)
		}
	})
	b.Subscribe(bus.EventTypeResized, func(e bus.Event) {
		w, okW := e.Float(bus.KeyWidth)
		h, okH := e.Float(bus.KeyHeight)
		if okW && okH {
			c.Resize(int(w), int(h))
		}
	})
}

func (c *Controller) queueTrack(e bus.Event) {
	if v, ok := e.Data[bus.KeyVisemes].([]expression.Viseme); ok {
		c.QueueVisemes(v)
		return
	}
	if p, ok := e.Data[bus.KeyPhonemes].([]expression.Phoneme); ok {
		c.QueueVisemes(expression.PhonemesToVisemes(p))
	}
}
