package animation

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/normanking/avatarengine/internal/rig"
)

// frame holds rest-space facts about a rig that every layer needs: bone
// rest positions and the figure's own right, up and forward axes.
type frame struct {
	rest    [rig.BoneCount]mgl32.Vec3
	has     [rig.BoneCount]bool
	right   mgl32.Vec3
	up      mgl32.Vec3
	forward mgl32.Vec3
}

func newFrame(r *rig.Rig) *frame {
	f := &frame{
		right: mgl32.Vec3{1, 0, 0},
		up:    mgl32.Vec3{0, 1, 0},
	}
	world := r.RestWorldMatrices()
	for b := rig.HumanBone(0); b < rig.BoneCount; b++ {
		idx, ok := r.Bone(b)
		if !ok || idx >= len(world) {
			continue
		}
		f.rest[b] = world[idx].Col(3).Vec3()
		f.has[b] = true
	}

	// The figure's right is from its left arm to its right arm. Rigs
	// without arms are assumed to face -Z.
	if f.has[rig.LeftUpperArm] && f.has[rig.RightUpperArm] {
		side := f.rest[rig.RightUpperArm].Sub(f.rest[rig.LeftUpperArm])
		side[1] = 0
		if side.Len() > 1e-4 {
			f.right = side.Normalize()
		}
	}
	f.forward = f.up.Cross(f.right)
	return f
}

// poser applies world-space rotation and translation deltas to bones of
// the current pose, converting them into each bone's parent space.
type poser struct {
	rig   *rig.Rig
	frame *frame
}

// parentRotation is the current world rotation of a node's parent, root
// correction excluded.
func (p *poser) parentRotation(node int) mgl32.Quat {
	q := mgl32.QuatIdent()
	for n := p.rig.Nodes[node].Parent; n >= 0; n = p.rig.Nodes[n].Parent {
		q = p.rig.Pose[n].Rotation.Mul(q)
	}
	return q
}

// rotate turns bone b by angle degrees about a world axis through the
// bone's pivot.
func (p *poser) rotate(b rig.HumanBone, axis mgl32.Vec3, angle float32) {
	if angle == 0 {
		return
	}
	idx, ok := p.rig.Bone(b)
	if !ok || idx >= len(p.rig.Pose) {
		return
	}
	parent := p.parentRotation(idx)
	delta := mgl32.QuatRotate(mgl32.DegToRad(angle), axis)
	local := parent.Inverse().Mul(delta).Mul(parent)
	pose := &p.rig.Pose[idx]
	pose.Rotation = local.Mul(pose.Rotation).Normalize()
}

// translate moves bone b by a world-space offset.
func (p *poser) translate(b rig.HumanBone, offset mgl32.Vec3) {
	if offset == (mgl32.Vec3{}) {
		return
	}
	idx, ok := p.rig.Bone(b)
	if !ok || idx >= len(p.rig.Pose) {
		return
	}
	local := p.parentRotation(idx).Inverse().Rotate(offset)
	pose := &p.rig.Pose[idx]
	pose.Translation = pose.Translation.Add(local)
}

// wave is a sum of sines with fixed frequencies and phases normalized to
// [-1, 1].
func wave(t float32, terms ...[3]float32) float32 {
	var sum, norm float32
	for _, k := range terms {
		amp, freq, phase := k[0], k[1], k[2]
		sum += amp * math32.Sin(freq*t+phase)
		norm += amp
	}
	if norm == 0 {
		return 0
	}
	return sum / norm
}
