package rig

import (
	"strings"

	"github.com/chewxy/math32"
)

// Channel is one facial expression weight slot. The set is fixed so that
// every emotion recipe and every loader binding refers to a known index.
type Channel int

const (
	Neutral Channel = iota
	Happy
	Angry
	Sad
	Relaxed
	Surprised
	Blink
	BlinkLeft
	BlinkRight
	Aa
	Ih
	Ou
	Ee
	Oh
	LookUp
	LookDown
	LookLeft
	LookRight
	ChannelCount
)

var ChannelNames = [ChannelCount]string{
	"neutral",
	"happy",
	"angry",
	"sad",
	"relaxed",
	"surprised",
	"blink",
	"blinkLeft",
	"blinkRight",
	"aa",
	"ih",
	"ou",
	"ee",
	"oh",
	"lookUp",
	"lookDown",
	"lookLeft",
	"lookRight",
}

// MouthChannels are the viseme channels driven by lip-sync.
var MouthChannels = [...]Channel{Aa, Ih, Ou, Ee, Oh}

func (c Channel) String() string {
	if c < 0 || c >= ChannelCount {
		return "unknown"
	}
	return ChannelNames[c]
}

// channelAliases maps VRM 0.x preset names and common morph target names
// onto the fixed channel set.
var channelAliases = map[string]Channel{
	"joy":       Happy,
	"fun":       Relaxed,
	"sorrow":    Sad,
	"surprise":  Surprised,
	"a":         Aa,
	"i":         Ih,
	"u":         Ou,
	"e":         Ee,
	"o":         Oh,
	"blink_l":   BlinkLeft,
	"blink_r":   BlinkRight,
	"lookup":    LookUp,
	"lookdown":  LookDown,
	"lookleft":  LookLeft,
	"lookright": LookRight,
	"mouthopen": Aa,
	"jawopen":   Aa,
	"smile":     Happy,
}

// ChannelFromName resolves a channel by canonical name or alias,
// case-insensitively. It returns -1 when nothing matches.
func ChannelFromName(name string) Channel {
	lower := strings.ToLower(strings.TrimSpace(name))
	for i, n := range ChannelNames {
		if strings.ToLower(n) == lower {
			return Channel(i)
		}
	}
	if c, ok := channelAliases[lower]; ok {
		return c
	}
	return -1
}

// Weights holds one value in [0, 1] per expression channel.
type Weights [ChannelCount]float32

func (w *Weights) Set(c Channel, value float32) {
	w[c] = Clamp(value, 0, 1)
}

func (w *Weights) Get(c Channel) float32 {
	return w[c]
}

func (w *Weights) Reset() {
	for i := range w {
		w[i] = 0
	}
}

func (w *Weights) Lerp(target *Weights, t float32) Weights {
	if t <= 0 {
		return *w
	}
	if t >= 1 {
		return *target
	}

	var result Weights
	for i := range w {
		result[i] = w[i] + (target[i]-w[i])*t
	}
	return result
}

func (w *Weights) Add(other *Weights) Weights {
	var result Weights
	for i := range w {
		result[i] = Clamp(w[i]+other[i], 0, 1)
	}
	return result
}

func (w *Weights) Scale(factor float32) Weights {
	var result Weights
	for i := range w {
		result[i] = Clamp(w[i]*factor, 0, 1)
	}
	return result
}

// Sum returns the total of all channel weights.
func (w *Weights) Sum() float32 {
	var s float32
	for _, v := range w {
		s += v
	}
	return s
}

func (w *Weights) ToSlice() []float32 {
	return w[:]
}

// Clamp limits v to [min, max]. NaN is treated as zero.
func Clamp(v, min, max float32) float32 {
	if math32.IsNaN(v) {
		v = 0
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
