package rig

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// placeholderSkeleton lists bones in HumanBone order with the rest offset
// from their parent. The figure faces -Z like a VRM 0.x export.
var placeholderSkeleton = [BoneCount]struct {
	parent HumanBone
	offset mgl32.Vec3
}{
	Hips:          {-1, mgl32.Vec3{0, 0.95, 0}},
	Spine:         {Hips, mgl32.Vec3{0, 0.1, 0}},
	Chest:         {Spine, mgl32.Vec3{0, 0.15, 0}},
	UpperChest:    {Chest, mgl32.Vec3{0, 0.12, 0}},
	Neck:          {UpperChest, mgl32.Vec3{0, 0.13, 0}},
	Head:          {Neck, mgl32.Vec3{0, 0.08, 0}},
	LeftShoulder:  {UpperChest, mgl32.Vec3{-0.04, 0.08, 0}},
	LeftUpperArm:  {LeftShoulder, mgl32.Vec3{-0.12, 0, 0}},
	LeftLowerArm:  {LeftUpperArm, mgl32.Vec3{-0.26, 0, 0}},
	LeftHand:      {LeftLowerArm, mgl32.Vec3{-0.24, 0, 0}},
	RightShoulder: {UpperChest, mgl32.Vec3{0.04, 0.08, 0}},
	RightUpperArm: {RightShoulder, mgl32.Vec3{0.12, 0, 0}},
	RightLowerArm: {RightUpperArm, mgl32.Vec3{0.26, 0, 0}},
	RightHand:     {RightLowerArm, mgl32.Vec3{0.24, 0, 0}},
	LeftUpperLeg:  {Hips, mgl32.Vec3{-0.09, -0.05, 0}},
	LeftLowerLeg:  {LeftUpperLeg, mgl32.Vec3{0, -0.42, 0}},
	LeftFoot:      {LeftLowerLeg, mgl32.Vec3{0, -0.42, 0}},
	RightUpperLeg: {Hips, mgl32.Vec3{0.09, -0.05, 0}},
	RightLowerLeg: {RightUpperLeg, mgl32.Vec3{0, -0.42, 0}},
	RightFoot:     {RightLowerLeg, mgl32.Vec3{0, -0.42, 0}},
}

// Face morph target slots on the placeholder head.
const (
	faceAa = iota
	faceBlink
	faceSmile
	faceFrown
	faceBrowDown
	faceBrowUp
	faceTargetCount
)

const headRadius = 0.11

// Placeholder builds the procedural fallback humanoid shown when an avatar
// cannot be loaded. It has the full humanoid bone map, one skin, and a head
// with enough morph targets to show emotion, blink and mouth movement.
func Placeholder() *Rig {
	r := New("placeholder")
	r.Placeholder = true
	r.Source = "placeholder"

	r.Nodes = make([]Node, BoneCount)
	for b := HumanBone(0); b < BoneCount; b++ {
		def := placeholderSkeleton[b]
		rest := IdentityTransform()
		rest.Translation = def.offset
		r.Nodes[b] = Node{Name: BoneNames[b], Rest: rest, Mesh: -1, Skin: -1}
		r.Bones[b] = int(b)
		if def.parent >= 0 {
			r.Nodes[def.parent].Children = append(r.Nodes[def.parent].Children, int(b))
		}
	}
	r.Roots = []int{int(Hips)}

	// Rest world positions are needed before Prepare to place geometry.
	var world [BoneCount]mgl32.Vec3
	for b := HumanBone(0); b < BoneCount; b++ {
		def := placeholderSkeleton[b]
		if def.parent >= 0 {
			world[b] = world[def.parent].Add(def.offset)
		} else {
			world[b] = def.offset
		}
	}

	r.Materials = []Material{
		{Name: "skin", BaseColor: mgl32.Vec4{0.87, 0.72, 0.62, 1}, Static: true},
		{Name: "cloth", BaseColor: mgl32.Vec4{0.32, 0.38, 0.55, 1}, Static: true},
	}

	var body Primitive
	body.Material = 1
	segment := func(from, to HumanBone, thick float32) {
		a, b := world[from], world[to]
		center := a.Add(b).Mul(0.5)
		size := b.Sub(a)
		for i := range size {
			size[i] = math32.Abs(size[i])
			if size[i] < thick {
				size[i] = thick
			}
		}
		appendBox(&body, center, size, uint16(from))
	}
	segment(Hips, Spine, 0.2)
	segment(Spine, Chest, 0.2)
	segment(Chest, UpperChest, 0.22)
	segment(UpperChest, Neck, 0.24)
	segment(Neck, Head, 0.06)
	segment(LeftUpperArm, LeftLowerArm, 0.07)
	segment(LeftLowerArm, LeftHand, 0.06)
	segment(RightUpperArm, RightLowerArm, 0.07)
	segment(RightLowerArm, RightHand, 0.06)
	segment(LeftUpperLeg, LeftLowerLeg, 0.1)
	segment(LeftLowerLeg, LeftFoot, 0.08)
	segment(RightUpperLeg, RightLowerLeg, 0.1)
	segment(RightLowerLeg, RightFoot, 0.08)
	appendBox(&body, world[LeftHand].Add(mgl32.Vec3{-0.04, 0, 0}), mgl32.Vec3{0.08, 0.05, 0.05}, uint16(LeftHand))
	appendBox(&body, world[RightHand].Add(mgl32.Vec3{0.04, 0, 0}), mgl32.Vec3{0.08, 0.05, 0.05}, uint16(RightHand))
	appendBox(&body, world[LeftFoot].Add(mgl32.Vec3{0, -0.03, -0.04}), mgl32.Vec3{0.08, 0.06, 0.18}, uint16(LeftFoot))
	appendBox(&body, world[RightFoot].Add(mgl32.Vec3{0, -0.03, -0.04}), mgl32.Vec3{0.08, 0.06, 0.18}, uint16(RightFoot))

	head := sphere(world[Head].Add(mgl32.Vec3{0, headRadius, 0}), headRadius, 24, 16, uint16(Head))
	head.Material = 0

	r.Meshes = []Mesh{
		{Name: "body", Primitives: []Primitive{body}},
		{Name: "face", Primitives: []Primitive{head}, TargetNames: []string{"aa", "blink", "smile", "frown", "browDown", "browUp"}},
	}

	skin := Skin{Name: "humanoid", Joints: make([]int, BoneCount), InverseBind: make([]mgl32.Mat4, BoneCount)}
	for b := HumanBone(0); b < BoneCount; b++ {
		skin.Joints[b] = int(b)
		skin.InverseBind[b] = mgl32.Translate3D(-world[b][0], -world[b][1], -world[b][2])
	}
	r.Skins = []Skin{skin}

	// Mesh nodes hang off the hips; skinned meshes ignore their node
	// transform so the placement is irrelevant.
	for i := range r.Meshes {
		r.Nodes = append(r.Nodes, Node{Name: r.Meshes[i].Name, Rest: IdentityTransform(), Mesh: i, Skin: 0})
		r.Roots = append(r.Roots, len(r.Nodes)-1)
	}

	bind := func(c Channel, target int, w float32) {
		r.Expressions[c] = append(r.Expressions[c], Binding{Mesh: 1, Target: target, Weight: w})
	}
	bind(Aa, faceAa, 1)
	bind(Ih, faceAa, 0.45)
	bind(Ou, faceAa, 0.6)
	bind(Ee, faceAa, 0.4)
	bind(Oh, faceAa, 0.8)
	bind(Blink, faceBlink, 1)
	bind(BlinkLeft, faceBlink, 0.5)
	bind(BlinkRight, faceBlink, 0.5)
	bind(Happy, faceSmile, 1)
	bind(Relaxed, faceSmile, 0.5)
	bind(Sad, faceFrown, 1)
	bind(Sad, faceBrowUp, 0.4)
	bind(Angry, faceBrowDown, 1)
	bind(Angry, faceFrown, 0.4)
	bind(Surprised, faceBrowUp, 1)
	bind(Surprised, faceAa, 0.35)

	r.Bounds = EmptyBounds()
	for _, m := range r.Meshes {
		for _, p := range m.Primitives {
			for _, v := range p.Vertices {
				r.Bounds.Extend(v.Position)
			}
		}
	}

	if err := r.Prepare(); err != nil {
		panic(fmt.Sprintf("rig: placeholder skeleton is invalid: %v", err))
	}
	return r
}

var boxFaces = [6]struct {
	normal mgl32.Vec3
	u, v   mgl32.Vec3
}{
	{mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, -1}, mgl32.Vec3{0, 1, 0}},
	{mgl32.Vec3{-1, 0, 0}, mgl32.Vec3{0, 0, 1}, mgl32.Vec3{0, 1, 0}},
	{mgl32.Vec3{0, 1, 0}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, -1}},
	{mgl32.Vec3{0, -1, 0}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 0, 1}},
	{mgl32.Vec3{0, 0, 1}, mgl32.Vec3{1, 0, 0}, mgl32.Vec3{0, 1, 0}},
	{mgl32.Vec3{0, 0, -1}, mgl32.Vec3{-1, 0, 0}, mgl32.Vec3{0, 1, 0}},
}

func appendBox(p *Primitive, center, size mgl32.Vec3, joint uint16) {
	half := size.Mul(0.5)
	for _, f := range boxFaces {
		base := uint32(len(p.Vertices))
		c := center.Add(mgl32.Vec3{f.normal[0] * half[0], f.normal[1] * half[1], f.normal[2] * half[2]})
		du := mgl32.Vec3{f.u[0] * half[0], f.u[1] * half[1], f.u[2] * half[2]}
		dv := mgl32.Vec3{f.v[0] * half[0], f.v[1] * half[1], f.v[2] * half[2]}
		corners := [4]mgl32.Vec3{
			c.Sub(du).Sub(dv),
			c.Add(du).Sub(dv),
			c.Add(du).Add(dv),
			c.Sub(du).Add(dv),
		}
		uvs := [4]mgl32.Vec2{{0, 1}, {1, 1}, {1, 0}, {0, 0}}
		for i, pos := range corners {
			p.Vertices = append(p.Vertices, Vertex{
				Position: pos,
				Normal:   f.normal,
				TexCoord: uvs[i],
				Joints:   [4]uint16{joint},
				Weights:  [4]float32{1},
			})
		}
		p.Indices = append(p.Indices, base, base+1, base+2, base, base+2, base+3)
	}
}

func sphere(center mgl32.Vec3, radius float32, segments, rings int, joint uint16) Primitive {
	var p Primitive
	targets := make([]MorphTarget, faceTargetCount)

	for y := 0; y <= rings; y++ {
		for x := 0; x <= segments; x++ {
			xSeg := float32(x) / float32(segments)
			ySeg := float32(y) / float32(rings)

			xPos := math32.Cos(2*math32.Pi*xSeg) * math32.Sin(math32.Pi*ySeg)
			yPos := math32.Cos(math32.Pi * ySeg)
			zPos := math32.Sin(2*math32.Pi*xSeg) * math32.Sin(math32.Pi*ySeg)

			n := mgl32.Vec3{xPos, yPos, zPos}
			p.Vertices = append(p.Vertices, Vertex{
				Position: center.Add(n.Mul(radius)),
				Normal:   n,
				TexCoord: mgl32.Vec2{xSeg, ySeg},
				Joints:   [4]uint16{joint},
				Weights:  [4]float32{1},
			})
			for t := range targets {
				targets[t].PositionDeltas = append(targets[t].PositionDeltas, faceDelta(t, n).Mul(radius))
			}
		}
	}

	for y := 0; y < rings; y++ {
		for x := 0; x < segments; x++ {
			first := uint32(y*(segments+1) + x)
			second := first + uint32(segments+1)

			p.Indices = append(p.Indices, first, second, first+1)
			p.Indices = append(p.Indices, second, second+1, first+1)
		}
	}

	names := [faceTargetCount]string{"aa", "blink", "smile", "frown", "browDown", "browUp"}
	for t := range targets {
		targets[t].Name = names[t]
	}
	p.Targets = targets
	return p
}

// faceDelta is the unit-sphere displacement of a face target at normal n.
// The face looks down -Z.
func faceDelta(target int, n mgl32.Vec3) mgl32.Vec3 {
	front := -n[2]
	if front <= 0.2 {
		return mgl32.Vec3{}
	}
	switch target {
	case faceAa:
		if n[1] < -0.2 {
			return mgl32.Vec3{0, -0.35 * front * (-n[1]), 0}
		}
	case faceBlink:
		if n[1] > 0.1 && n[1] < 0.45 {
			return mgl32.Vec3{0, (0.25 - n[1]) * 0.8 * front, 0}
		}
	case faceSmile:
		if n[1] < -0.15 && n[1] > -0.6 {
			return mgl32.Vec3{0, 0.12 * math32.Abs(n[0]) * front, 0}
		}
	case faceFrown:
		if n[1] < -0.15 && n[1] > -0.6 {
			return mgl32.Vec3{0, -0.12 * math32.Abs(n[0]) * front, 0}
		}
	case faceBrowDown:
		if n[1] > 0.45 && n[1] < 0.75 {
			return mgl32.Vec3{0, -0.1 * front, 0}
		}
	case faceBrowUp:
		if n[1] > 0.45 && n[1] < 0.75 {
			return mgl32.Vec3{0, 0.1 * front, 0}
		}
	}
	return mgl32.Vec3{}
}
