package animation

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/normanking/avatarengine/internal/expression"
	"github.com/normanking/avatarengine/internal/rig"
)

// layer is one additive contribution to the pose. Each layer keeps its own
// clock; advance is the only place it moves.
type layer interface {
	name() string
	advance(dt float32, in *Input)
	apply(p *poser, in *Input)
	reset()
}

// correction lowers the arms out of a T or A bind pose and bends the
// elbows slightly. It has no timer.
type correction struct {
	armDown float32
	elbow   float32
}

func (c *correction) name() string { return "correction" }
func (c *correction) advance(float32, *Input) {}
func (c *correction) reset() {}

var arms = [...][2]rig.HumanBone{
	{rig.LeftUpperArm, rig.LeftLowerArm},
	{rig.RightUpperArm, rig.RightLowerArm},
}

func (c *correction) apply(p *poser, _ *Input) {
	f := p.frame
	down := f.up.Mul(-1)
	for _, arm := range arms {
		upper, lower := arm[0], arm[1]
		if !f.has[upper] || !f.has[lower] {
			continue
		}
		dir := f.rest[lower].Sub(f.rest[upper])
		if dir.Len() < 1e-5 {
			continue
		}
		dir = dir.Normalize()

		// Elevation above the horizontal, negative when already lowered.
		elevation := mgl32.RadToDeg(math32.Asin(rig.Clamp(dir.Dot(f.up), -1, 1)))
		angle := elevation + c.armDown
		axis := dir.Cross(down)
		if angle <= 0 || axis.Len() < 1e-4 {
			continue
		}
		p.rotate(upper, axis.Normalize(), angle)
		p.rotate(lower, f.right, c.elbow)
	}
}

// breathing rocks the spine and chest and lifts the chest slightly.
type breathing struct {
	rate   float32
	amount float32
	t      float32
}

func (b *breathing) name() string { return "breathing" }
func (b *breathing) advance(dt float32, _ *Input) { b.t += dt }
func (b *breathing) reset() { b.t = 0 }

func (b *breathing) apply(p *poser, _ *Input) {
	if b.amount == 0 {
		return
	}
	s := math32.Sin(2 * math32.Pi * b.rate * b.t)
	f := p.frame
	p.rotate(rig.Spine, f.right, 0.5*s*b.amount)
	p.rotate(rig.Chest, f.right, 0.9*s*b.amount)
	p.translate(rig.Chest, f.up.Mul(0.003*(s+1)*b.amount))
	p.rotate(rig.LeftShoulder, f.forward, -0.8*s*b.amount)
	p.rotate(rig.RightShoulder, f.forward, 0.8*s*b.amount)
}

// idle sways the hips and turns the head with composed sines so the motion
// never visibly repeats yet replays identically.
type idle struct {
	amount float32
	t      float32
}

func (l *idle) name() string { return "idle" }
func (l *idle) advance(dt float32, _ *Input) { l.t += dt }
func (l *idle) reset() { l.t = 0 }

func (l *idle) apply(p *poser, _ *Input) {
	if l.amount == 0 {
		return
	}
	f, t, a := p.frame, l.t, l.amount

	sway := wave(t, [3]float32{1, 2 * math32.Pi / 6.5, 0}, [3]float32{0.3, 2 * math32.Pi / 2.9, 1.1})
	p.rotate(rig.Hips, f.forward, 1.2*sway*a)
	p.translate(rig.Hips, f.right.Mul(0.008*sway*a))
	p.rotate(rig.Spine, f.forward, -0.7*sway*a)

	yaw := wave(t, [3]float32{1, 0.37, 0.5}, [3]float32{0.5, 0.83, 1.3}, [3]float32{0.25, 1.9, 2.2})
	pitch := wave(t, [3]float32{1, 0.29, 2.1}, [3]float32{0.5, 0.71, 0.4})
	p.rotate(rig.Neck, f.up, 2*yaw*a)
	p.rotate(rig.Head, f.up, 4*yaw*a)
	p.rotate(rig.Head, f.right, 2.5*pitch*a)
}

// bias is a posture offset in degrees. Positive pitch leans back or
// raises the head.
type bias struct {
	spinePitch float32
	neckPitch  float32
	headRoll   float32
	headYaw    float32
}

func (b bias) scale(s float32) bias {
	return bias{b.spinePitch * s, b.neckPitch * s, b.headRoll * s, b.headYaw * s}
}

func (b bias) lerp(to bias, k float32) bias {
	return bias{
		b.spinePitch + (to.spinePitch-b.spinePitch)*k,
		b.neckPitch + (to.neckPitch-b.neckPitch)*k,
		b.headRoll + (to.headRoll-b.headRoll)*k,
		b.headYaw + (to.headYaw-b.headYaw)*k,
	}
}

// postures is indexed by expression.Emotion.
var postures = [expression.EmotionCount]bias{
	expression.Neutral:   {},
	expression.Happy:     {spinePitch: 3, neckPitch: 1.5, headRoll: 2},
	expression.Sad:       {spinePitch: -4, neckPitch: -9},
	expression.Angry:     {spinePitch: -2.5, neckPitch: -4},
	expression.Surprised: {spinePitch: 4, neckPitch: 3},
	expression.Love:      {spinePitch: 2, neckPitch: 1, headRoll: 5},
	expression.Relaxed:   {spinePitch: 1.5, headRoll: 3},
	expression.Excited:   {spinePitch: 4.5, neckPitch: 2.5},
	expression.Shy:       {neckPitch: -6, headRoll: 6, headYaw: -8},
	expression.Thinking:  {neckPitch: 3, headRoll: 6, headYaw: 5},
	expression.Worried:   {spinePitch: -2, neckPitch: -4, headRoll: -2},
}

// posture eases toward the bias of the current emotion scaled by
// intensity.
type posture struct {
	amount  float32
	rate    float32
	current bias
}

func (l *posture) name() string { return "posture" }
func (l *posture) reset() { l.current = bias{} }

func (l *posture) advance(dt float32, in *Input) {
	target := bias{}
	if in != nil && in.Emotion.Valid() {
		target = postures[in.Emotion].scale(rig.Clamp(in.Intensity, 0, 100) / 100 * l.amount)
	}
	k := 1 - math32.Exp(-l.rate*dt)
	l.current = l.current.lerp(target, k)
}

func (l *posture) apply(p *poser, _ *Input) {
	f, b := p.frame, l.current
	p.rotate(rig.Spine, f.right, b.spinePitch*0.6)
	p.rotate(rig.Chest, f.right, b.spinePitch*0.4)
	p.rotate(rig.Neck, f.right, b.neckPitch)
	p.rotate(rig.Head, f.forward, b.headRoll)
	p.rotate(rig.Head, f.up, b.headYaw)
}
