package expression

import (
	"github.com/chewxy/math32"

	"github.com/normanking/avatarengine/internal/rig"
)

// Viseme is one timed mouth shape. Offset and Duration are seconds from
// the moment the track is queued.
type Viseme struct {
	Shape    rig.Channel `json:"shape"`
	Weight   float32     `json:"weight"`
	Offset   float32     `json:"offset"`
	Duration float32     `json:"duration"`
}

// ParseViseme resolves a mouth shape name such as "aa" or "o". It returns
// false for names that are not mouth channels.
func ParseViseme(name string) (rig.Channel, bool) {
	c := rig.ChannelFromName(name)
	for _, m := range rig.MouthChannels {
		if c == m {
			return c, true
		}
	}
	return -1, false
}

// lipSync drives the mouth channels while speaking, from a queued viseme
// track when there is one and from a composed periodic wave otherwise.
type lipSync struct {
	rate      float32
	amplitude float32
	smoothing float32

	speaking bool
	t        float32

	track []Viseme
	clock float32
	mouth [len(rig.MouthChannels)]float32
}

// speechWave is a smooth pseudo-random signal in [0, 1].
func speechWave(t float32) float32 {
	v := math32.Sin(t) + 0.5*math32.Sin(2.3*t+1.7) + 0.25*math32.Sin(4.1*t+3.2)
	return (v/1.75 + 1) / 2
}

func (l *lipSync) setSpeaking(on bool) {
	if on == l.speaking {
		return
	}
	l.speaking = on
	if !on {
		l.clear()
	}
}

func (l *lipSync) queue(track []Viseme) {
	l.track = append(l.track[:0], track...)
	l.clock = 0
}

func (l *lipSync) clear() {
	l.track = l.track[:0]
	l.clock = 0
	l.t = 0
	l.mouth = [len(rig.MouthChannels)]float32{}
}

func (l *lipSync) update(dt float32) {
	if !l.speaking {
		l.mouth = [len(rig.MouthChannels)]float32{}
		return
	}
	l.t += dt

	if len(l.track) == 0 {
		l.mouth = [len(rig.MouthChannels)]float32{}
		l.mouth[0] = speechWave(l.t*l.rate) * l.amplitude
		return
	}

	l.clock += dt
	var target [len(rig.MouthChannels)]float32
	for _, v := range l.track {
		if l.clock < v.Offset || l.clock >= v.Offset+v.Duration || v.Duration <= 0 {
			continue
		}
		progress := (l.clock - v.Offset) / v.Duration
		for i, m := range rig.MouthChannels {
			if m == v.Shape {
				target[i] = rig.Clamp(v.Weight*envelope(progress), 0, 1)
			}
		}
		break
	}

	k := 1 - math32.Exp(-l.smoothing*dt)
	for i := range l.mouth {
		l.mouth[i] += (target[i] - l.mouth[i]) * k
	}

	n := 0
	for _, v := range l.track {
		if l.clock < v.Offset+v.Duration {
			l.track[n] = v
			n++
		}
	}
	l.track = l.track[:n]
}

// envelope ramps a viseme in over the first 10% and out over the last 20%.
func envelope(progress float32) float32 {
	const attack, release = 0.1, 0.2
	if progress < attack {
		return progress / attack
	}
	if progress > 1-release {
		return (1 - progress) / release
	}
	return 1
}

func (l *lipSync) apply(w *rig.Weights) {
	for i, c := range rig.MouthChannels {
		w[c] = l.mouth[i]
	}
}
