package expression

import (
	"math/rand"
	"time"

	"github.com/chewxy/math32"
	"github.com/rs/zerolog"

	"github.com/normanking/avatarengine/internal/rig"
)

// Config holds emotion transition, blink and mouth timing.
type Config struct {
	// Transition is how long the face takes to reach a new emotion. Zero
	// switches immediately.
	Transition    time.Duration `mapstructure:"transition" yaml:"transition"`
	BlinkMin      time.Duration `mapstructure:"blink_min" yaml:"blink_min"`
	BlinkMax      time.Duration `mapstructure:"blink_max" yaml:"blink_max"`
	BlinkDuration time.Duration `mapstructure:"blink_duration" yaml:"blink_duration"`
	// SpeechRate is the angular speed of the mouth wave in radians per second.
	SpeechRate      float32 `mapstructure:"speech_rate" yaml:"speech_rate"`
	SpeechAmplitude float32 `mapstructure:"speech_amplitude" yaml:"speech_amplitude"`
	// VisemeSmoothing is the exponential approach rate of viseme tracks.
	VisemeSmoothing float32 `mapstructure:"viseme_smoothing" yaml:"viseme_smoothing"`
	Seed            int64   `mapstructure:"seed" yaml:"seed"`
}

func DefaultConfig() Config {
	return Config{
		Transition:      300 * time.Millisecond,
		BlinkMin:        2 * time.Second,
		BlinkMax:        5 * time.Second,
		BlinkDuration:   150 * time.Millisecond,
		SpeechRate:      14,
		SpeechAmplitude: 0.8,
		VisemeSmoothing: 12,
		Seed:            1,
	}
}

// Option customizes a Manager.
type Option func(*Manager)

func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log.With().Str("component", "expression").Logger()
	}
}

// WithRand replaces the blink interval generator.
func WithRand(rng *rand.Rand) Option {
	return func(m *Manager) {
		m.rng = rng
	}
}

// Manager owns the facial channels of the attached rig. It is driven from
// the frame loop and is not safe for concurrent use.
type Manager struct {
	cfg Config
	log zerolog.Logger
	rng *rand.Rand
	rig *rig.Rig

	emotion   Emotion
	intensity float32

	from, target, face rig.Weights
	elapsed            float32
	duration           float32
	transitioning      bool

	blink *blinker
	lips  lipSync

	out rig.Weights
}

// New fills unset blink and mouth settings from DefaultConfig. A zero
// Transition is kept and switches emotions immediately.
func New(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.BlinkMax <= 0 {
		cfg.BlinkMin, cfg.BlinkMax = def.BlinkMin, def.BlinkMax
	}
	if cfg.BlinkDuration <= 0 {
		cfg.BlinkDuration = def.BlinkDuration
	}
	if cfg.SpeechRate <= 0 {
		cfg.SpeechRate = def.SpeechRate
	}
	if cfg.SpeechAmplitude <= 0 {
		cfg.SpeechAmplitude = def.SpeechAmplitude
	}
	if cfg.VisemeSmoothing <= 0 {
		cfg.VisemeSmoothing = def.VisemeSmoothing
	}

	m := &Manager{
		cfg:       cfg,
		log:       zerolog.Nop(),
		emotion:   Neutral,
		intensity: 0,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(cfg.Seed))
	}
	m.blink = newBlinker(m.rng, cfg.BlinkMin, cfg.BlinkMax, cfg.BlinkDuration)
	m.lips = lipSync{
		rate:      cfg.SpeechRate,
		amplitude: rig.Clamp(cfg.SpeechAmplitude, 0, 1),
		smoothing: cfg.VisemeSmoothing,
	}

	m.target = Target(Neutral, 0)
	m.face = m.target
	m.compose()
	return m
}

// Attach makes r the rig whose channels Update writes. Timers restart and
// the face jumps to the current emotion without a transition.
func (m *Manager) Attach(r *rig.Rig) {
	m.rig = r
	m.face = m.target
	m.transitioning = false
	m.blink.reset()
	m.lips.clear()
	m.compose()
	if r != nil {
		r.Weights = m.out
	}
}

func (m *Manager) Detach() {
	m.rig = nil
}

func (m *Manager) Rig() *rig.Rig {
	return m.rig
}

// ApplyEmotion sets the emotion and its intensity (0..100). Every emotion
// channel is recomputed from the recipe, so no weight survives from a
// previous emotion. Repeating the current emotion does nothing.
func (m *Manager) ApplyEmotion(e Emotion, intensity float32) {
	if !e.Valid() {
		e = Neutral
	}
	intensity = rig.Clamp(intensity, 0, 100)
	target := Target(e, intensity)

	m.emotion, m.intensity = e, intensity
	if target == m.target {
		return
	}
	m.log.Debug().Stringer("emotion", e).Float32("intensity", intensity).Msg("emotion changed")

	m.from = m.face
	m.target = target
	m.elapsed = 0
	m.duration = float32(m.cfg.Transition.Seconds())
	m.transitioning = m.duration > 0
	if !m.transitioning {
		m.face = target
	}
}

// Emotion reports the emotion bookkeeping, which blinking and speaking
// never change.
func (m *Manager) Emotion() (Emotion, float32) {
	return m.emotion, m.intensity
}

// Target returns the emotion weights the face is heading to.
func (m *Manager) Target() rig.Weights {
	return m.target
}

// Weights returns the channel weights produced by the last Update.
func (m *Manager) Weights() rig.Weights {
	return m.out
}

func (m *Manager) Transitioning() bool {
	return m.transitioning
}

// Blink closes the eyes now.
func (m *Manager) Blink() {
	m.blink.trigger()
}

func (m *Manager) Blinking() bool {
	return m.blink.closed
}

// Blinks counts completed and current blinks.
func (m *Manager) Blinks() int {
	return m.blink.count
}

// SetSpeaking toggles lip-sync. Turning it off closes the mouth on the next
// Update and drops any queued visemes.
func (m *Manager) SetSpeaking(on bool) {
	m.lips.setSpeaking(on)
}

func (m *Manager) Speaking() bool {
	return m.lips.speaking
}

// QueueVisemes replaces the viseme track. Visemes play only while
// speaking.
func (m *Manager) QueueVisemes(track []Viseme) {
	m.lips.queue(track)
}

// Update advances the transition, blink and lip-sync timers by dt seconds
// and writes every channel of the attached rig. Without a rig it does
// nothing.
func (m *Manager) Update(dt float32) {
	if m.rig == nil {
		return
	}
	if dt < 0 {
		dt = 0
	}

	if m.transitioning {
		m.elapsed += dt
		p := m.elapsed / m.duration
		if p >= 1 {
			m.face = m.target
			m.transitioning = false
		} else {
			m.face = m.from.Lerp(&m.target, easeInOutCubic(p))
		}
	}
	m.blink.update(dt)
	m.lips.update(dt)

	m.compose()
	m.rig.Weights = m.out
}

func (m *Manager) compose() {
	m.out = rig.Weights{}
	for _, c := range EmotionChannels {
		m.out[c] = m.face[c]
	}
	m.out[rig.Blink] = m.blink.weight()
	m.lips.apply(&m.out)
}

// Clear returns to neutral, stops speaking and detaches the rig.
func (m *Manager) Clear() {
	m.emotion, m.intensity = Neutral, 0
	m.target = Target(Neutral, 0)
	m.face = m.target
	m.transitioning = false
	m.lips.setSpeaking(false)
	m.lips.clear()
	m.blink.reset()
	m.compose()
	m.rig = nil
}

func easeInOutCubic(t float32) float32 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math32.Pow(-2*t+2, 3)/2
}
