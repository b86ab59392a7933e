// Package animation composes procedural skeletal layers onto a rig's bind
// pose every frame.
package animation

import (
	"github.com/rs/zerolog"

	"github.com/normanking/avatarengine/internal/expression"
	"github.com/normanking/avatarengine/internal/rig"
)

// Config tunes the procedural layers. Amounts scale each layer; zero
// turns it off.
type Config struct {
	// ArmDown is how far below horizontal the upper arms are brought, in
	// degrees. Arms already lower than that are left alone.
	ArmDown   float32 `mapstructure:"arm_down" yaml:"arm_down"`
	ElbowBend float32 `mapstructure:"elbow_bend" yaml:"elbow_bend"`
	// BreathRate is in breaths per second.
	BreathRate    float32 `mapstructure:"breath_rate" yaml:"breath_rate"`
	BreathAmount  float32 `mapstructure:"breath_amount" yaml:"breath_amount"`
	IdleAmount    float32 `mapstructure:"idle_amount" yaml:"idle_amount"`
	PostureAmount float32 `mapstructure:"posture_amount" yaml:"posture_amount"`
	// PostureRate is the exponential approach rate of emotion posture.
	PostureRate float32 `mapstructure:"posture_rate" yaml:"posture_rate"`
}

// DefaultConfig returns the standing idle used by the engine.
func DefaultConfig() Config {
	return Config{
		ArmDown:       70,
		ElbowBend:     8,
		BreathRate:    0.25,
		BreathAmount:  1,
		IdleAmount:    1,
		PostureAmount: 1,
		PostureRate:   3,
	}
}

// Input carries the per-frame emotion the posture layer follows.
type Input struct {
	Emotion   expression.Emotion
	Intensity float32
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger; the component field is added.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log.With().Str("component", "animation").Logger()
	}
}

// Manager owns the pose of the attached rig. It is driven from the frame
// loop and is not safe for concurrent use.
type Manager struct {
	log    zerolog.Logger
	layers []layer
	poser  poser
}

// New builds a manager with the correction, breathing, idle and posture
// layers in that order.
func New(cfg Config, opts ...Option) *Manager {
	if cfg.PostureRate <= 0 {
		cfg.PostureRate = DefaultConfig().PostureRate
	}
	m := &Manager{
		log: zerolog.Nop(),
		layers: []layer{
			&correction{armDown: cfg.ArmDown, elbow: cfg.ElbowBend},
			&breathing{rate: cfg.BreathRate, amount: cfg.BreathAmount},
			&idle{amount: cfg.IdleAmount},
			&posture{amount: cfg.PostureAmount, rate: cfg.PostureRate},
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Layers lists the layer names in application order.
func (m *Manager) Layers() []string {
	names := make([]string, len(m.layers))
	for i, l := range m.layers {
		names[i] = l.name()
	}
	return names
}

// Attach makes r the animated rig and restarts every layer clock.
func (m *Manager) Attach(r *rig.Rig) {
	m.poser = poser{}
	for _, l := range m.layers {
		l.reset()
	}
	if r == nil || len(r.Pose) != len(r.Nodes) {
		return
	}
	m.poser = poser{rig: r, frame: newFrame(r)}
	m.log.Debug().Str("rig", r.Name).Msg("animation attached")
	m.compose(nil)
}

func (m *Manager) Detach() {
	m.poser = poser{}
}

func (m *Manager) Rig() *rig.Rig {
	return m.poser.rig
}

// Update advances every layer clock by dt seconds and rebuilds the pose
// from the bind pose. Negative dt counts as zero. Without a rig it does
// nothing.
func (m *Manager) Update(dt float32, in *Input) {
	if m.poser.rig == nil {
		return
	}
	if dt < 0 {
		dt = 0
	}
	for _, l := range m.layers {
		l.advance(dt, in)
	}
	m.compose(in)
}

func (m *Manager) compose(in *Input) {
	m.poser.rig.ResetPose()
	for _, l := range m.layers {
		l.apply(&m.poser, in)
	}
}

// Clear restarts the layers and detaches the rig, leaving its pose as is.
func (m *Manager) Clear() {
	for _, l := range m.layers {
		l.reset()
	}
	m.poser = poser{}
}
