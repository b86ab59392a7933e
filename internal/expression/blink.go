package expression

import (
	"math/rand"
	"time"
)

// blinker closes the eyes for a fixed duration on a randomized interval.
// Its timers only advance through update.
type blinker struct {
	rng      *rand.Rand
	min, max float32
	duration float32

	untilNext float32
	elapsed   float32
	closed    bool
	count     int
}

func newBlinker(rng *rand.Rand, minGap, maxGap, duration time.Duration) *blinker {
	b := &blinker{
		rng:      rng,
		min:      float32(minGap.Seconds()),
		max:      float32(maxGap.Seconds()),
		duration: float32(duration.Seconds()),
	}
	if b.max < b.min {
		b.min, b.max = b.max, b.min
	}
	b.schedule()
	return b
}

func (b *blinker) schedule() {
	b.untilNext = b.min + b.rng.Float32()*(b.max-b.min)
}

// trigger starts a blink now unless one is already in progress.
func (b *blinker) trigger() {
	if b.closed {
		return
	}
	b.closed = true
	b.elapsed = 0
	b.count++
}

func (b *blinker) update(dt float32) {
	if b.closed {
		b.elapsed += dt
		if b.elapsed >= b.duration {
			b.closed = false
			b.schedule()
		}
		return
	}
	b.untilNext -= dt
	if b.untilNext <= 0 {
		b.trigger()
	}
}

func (b *blinker) reset() {
	b.closed = false
	b.elapsed = 0
	b.schedule()
}

func (b *blinker) weight() float32 {
	if b.closed {
		return 1
	}
	return 0
}
