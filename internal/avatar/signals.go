package avatar

import (
	"github.com/normanking/avatarengine/internal/expression"
	"github.com/normanking/avatarengine/internal/scene"
)

type emotionSignal struct {
	emotion   expression.Emotion
	intensity float32
}

// mailbox holds the latest value of every signal posted since the last
// tick. Later posts of the same signal replace earlier ones.
type mailbox struct {
	url          *string
	reload       bool
	changed      []string
	emotion      *emotionSignal
	clearEmotion bool
	mood         *float32
	speaking     *bool
	visemes      []expression.Viseme
	hasVisemes   bool
	background   *scene.Background
	size         *[2]int
}

func (m *mailbox) empty() bool {
	return m.url == nil && !m.reload && len(m.changed) == 0 && m.emotion == nil && !m.clearEmotion &&
		m.mood == nil && m.speaking == nil && !m.hasVisemes && m.background == nil && m.size == nil
}

func (c *Controller) post(fn func(m *mailbox)) {
	c.mu.Lock()
	fn(&c.inbox)
	c.mu.Unlock()
}

// SetAvatarURL requests a different avatar. The current one stays on
// screen until the new one is ready.
func (c *Controller) SetAvatarURL(url string) {
	c.post(func(m *mailbox) {
		m.url = &url
		m.reload = false
	})
}

// Reload evicts the current avatar from the cache and loads it again.
func (c *Controller) Reload() {
	c.post(func(m *mailbox) { m.reload = true })
}

// AssetChanged reports that the asset at url changed at its source. The
// avatar reloads if it is the one on screen.
func (c *Controller) AssetChanged(url string) {
	c.post(func(m *mailbox) { m.changed = append(m.changed, url) })
}

// SetEmotion sets a discrete emotion with an intensity in 0..100. It takes
// precedence over the mood score until ClearEmotion.
func (c *Controller) SetEmotion(e expression.Emotion, intensity float32) {
	c.post(func(m *mailbox) {
		m.emotion = &emotionSignal{emotion: e, intensity: intensity}
		m.clearEmotion = false
	})
}

func (c *Controller) ClearEmotion() {
	c.post(func(m *mailbox) {
		m.emotion = nil
		m.clearEmotion = true
	})
}

// SetMood sets the mood score in -100..100, used when no discrete emotion
// is set.
func (c *Controller) SetMood(score float32) {
	c.post(func(m *mailbox) { m.mood = &score })
}

func (c *Controller) SetSpeaking(on bool) {
	c.post(func(m *mailbox) { m.speaking = &on })
}

func (c *Controller) QueueVisemes(track []expression.Viseme) {
	track = append([]expression.Viseme(nil), track...)
	c.post(func(m *mailbox) {
		m.visemes = track
		m.hasVisemes = true
	})
}

// SetBackground switches the background. Image backgrounds with only an
// ImageRef are fetched and decoded off the frame loop.
func (c *Controller) SetBackground(bg scene.Background) {
	c.post(func(m *mailbox) { m.background = &bg })
}

func (c *Controller) Resize(width, height int) {
	c.post(func(m *mailbox) { m.size = &[2]int{width, height} })
}
