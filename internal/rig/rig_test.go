package rig

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightsSetClamps(t *testing.T) {
	var w Weights
	assert.Zero(t, w.Get(Happy))

	w.Set(Happy, 0.5)
	assert.Equal(t, float32(0.5), w.Get(Happy))

	w.Set(Happy, 1.5)
	assert.Equal(t, float32(1), w.Get(Happy))

	w.Set(Happy, -0.5)
	assert.Equal(t, float32(0), w.Get(Happy))

	w.Set(Happy, math32.NaN())
	assert.Equal(t, float32(0), w.Get(Happy))
}

func TestClampTreatsNaNAsZero(t *testing.T) {
	assert.Equal(t, float32(0), Clamp(math32.NaN(), -100, 100))
	assert.Equal(t, float32(10), Clamp(math32.NaN(), 10, 20))
	assert.Equal(t, float32(0.5), Clamp(0.5, 0, 1))
}

func TestWeightsLerp(t *testing.T) {
	var a, b Weights
	b.Set(Sad, 1)

	mid := a.Lerp(&b, 0.5)
	assert.InDelta(t, 0.5, mid.Get(Sad), 1e-6)
	assert.Equal(t, a, a.Lerp(&b, 0))
	assert.Equal(t, b, a.Lerp(&b, 1))
}

func TestChannelFromName(t *testing.T) {
	tests := []struct {
		name string
		want Channel
	}{
		{"happy", Happy},
		{"Joy", Happy},
		{"sorrow", Sad},
		{"fun", Relaxed},
		{"A", Aa},
		{"blink_l", BlinkLeft},
		{"blinkRight", BlinkRight},
		{"nothing", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChannelFromName(tt.name))
		})
	}
}

func TestBoneFromName(t *testing.T) {
	assert.Equal(t, Hips, BoneFromName("Hips"))
	assert.Equal(t, LeftUpperArm, BoneFromName("mixamorig:LeftArm"))
	assert.Equal(t, RightLowerLeg, BoneFromName("J_Bip_R_LowerLeg"))
	assert.Equal(t, UpperChest, BoneFromName("upper_chest"))
	assert.Equal(t, HumanBone(-1), BoneFromName("Tail"))
}

func TestPlaceholderHasFullSkeleton(t *testing.T) {
	r := Placeholder()
	require.True(t, r.Placeholder)

	for b := HumanBone(0); b < BoneCount; b++ {
		idx, ok := r.Bone(b)
		require.True(t, ok, b.String())
		assert.Equal(t, b.String(), r.Nodes[idx].Name)
	}
	assert.True(t, r.Bounds.Valid())
	assert.Greater(t, r.Bounds.Size().Y(), float32(1.5))
	assert.True(t, r.HasChannel(Aa))
	assert.True(t, r.HasChannel(Blink))
	assert.False(t, r.HasChannel(Neutral))
	assert.Len(t, r.Pose, len(r.Nodes))
}

func TestWorldMatricesChainParents(t *testing.T) {
	r := Placeholder()
	world := r.WorldMatrices(nil)

	head, _ := r.Bone(Head)
	pos := mgl32.TransformCoordinate(mgl32.Vec3{}, world[head])
	assert.InDelta(t, 0.95+0.1+0.15+0.12+0.13+0.08, pos.Y(), 1e-4)

	r.PoseOf(Hips).Translation = mgl32.Vec3{0, 1.95, 0}
	world = r.WorldMatrices(world)
	moved := mgl32.TransformCoordinate(mgl32.Vec3{}, world[head])
	assert.InDelta(t, pos.Y()+1, moved.Y(), 1e-4)

	r.ResetPose()
	world = r.WorldMatrices(world)
	back := mgl32.TransformCoordinate(mgl32.Vec3{}, world[head])
	assert.InDelta(t, pos.Y(), back.Y(), 1e-4)
}

func TestDeformAtRestIsIdentity(t *testing.T) {
	r := Placeholder()
	world := r.WorldMatrices(nil)
	joints := r.JointMatrices(0, world)

	prim := &r.Meshes[0].Primitives[0]
	out := Deform(prim, nil, joints, nil)
	require.Len(t, out, len(prim.Vertices))
	for i := range out {
		assert.InDelta(t, prim.Vertices[i].Position.Y(), out[i].Position.Y(), 1e-4)
	}
}

func TestDeformAppliesMorphTargets(t *testing.T) {
	p := &Primitive{
		Vertices: []Vertex{{Position: mgl32.Vec3{0, 0, 0}}},
		Targets: []MorphTarget{
			{PositionDeltas: []mgl32.Vec3{{0, 1, 0}}},
			{PositionDeltas: []mgl32.Vec3{{1, 0, 0}}},
		},
	}
	out := Deform(p, []float32{0.5, 0.25}, nil, nil)
	assert.InDelta(t, 0.5, out[0].Position.Y(), 1e-6)
	assert.InDelta(t, 0.25, out[0].Position.X(), 1e-6)
	assert.Equal(t, mgl32.Vec3{}, p.Vertices[0].Position, "source vertices must not change")
}

func TestMorphWeightsFoldBindings(t *testing.T) {
	r := Placeholder()
	r.Weights.Set(Happy, 0.8)
	r.Weights.Set(Relaxed, 0.4)
	r.Weights.Set(Aa, 1)

	w := r.MorphWeights(1)
	assert.InDelta(t, 1.0, w[faceSmile], 1e-6, "0.8 + 0.4*0.5 clamps at 1")
	assert.InDelta(t, 1.0, w[faceAa], 1e-6)
	assert.Zero(t, w[faceBrowDown])
}

func TestPrepareRejectsSharedChild(t *testing.T) {
	r := New("bad")
	r.Nodes = []Node{
		{Name: "a", Children: []int{2}, Rest: IdentityTransform()},
		{Name: "b", Children: []int{2}, Rest: IdentityTransform()},
		{Name: "c", Rest: IdentityTransform()},
	}
	assert.Error(t, r.Prepare())
}

func TestInstanceSharesGeometryAndOwnsPose(t *testing.T) {
	asset := Placeholder()
	a, b := asset.Instance(), asset.Instance()
	require.NotSame(t, a, b)
	assert.Same(t, asset, a.Asset())
	assert.Same(t, asset, b.Instance().Asset(), "instances of instances share the asset")
	assert.Same(t, asset, asset.Asset())

	head := a.PoseOf(Head)
	require.NotNil(t, head)
	head.Rotation = mgl32.QuatRotate(0.5, mgl32.Vec3{0, 1, 0})
	a.Weights.Set(Happy, 1)

	assert.Equal(t, b.Nodes[b.Bones[Head]].Rest, *b.PoseOf(Head))
	assert.Zero(t, b.Weights.Get(Happy))
	assert.Equal(t, asset.Nodes[asset.Bones[Head]].Rest, *asset.PoseOf(Head))
	assert.Zero(t, asset.Weights.Get(Happy))

	require.NoError(t, a.Dispose())
	assert.True(t, a.Disposed())
	assert.False(t, b.Disposed())
	assert.NotNil(t, asset.Materials, "disposing an instance leaves the asset intact")

	require.NoError(t, asset.Dispose())
	assert.True(t, b.Disposed())
}

func TestAlphaModeResolve(t *testing.T) {
	tests := []struct {
		mode     AlphaMode
		alpha    float32
		coverage float32
		keep     bool
	}{
		{AlphaOpaque, 0, 1, true},
		{AlphaOpaque, 0.4, 1, true},
		{AlphaMask, 0.29, 1, false},
		{AlphaMask, 0.3, 1, true},
		{AlphaMask, 0.9, 1, true},
		{AlphaBlend, 0.01, 0, false},
		{AlphaBlend, 0.4, 0.4, true},
		{AlphaBlend, 1, 1, true},
	}
	for _, tt := range tests {
		coverage, keep := tt.mode.Resolve(tt.alpha, 0.3)
		assert.Equal(t, tt.keep, keep, "%s at %v", tt.mode, tt.alpha)
		if keep {
			assert.InDelta(t, tt.coverage, coverage, 1e-6, "%s at %v", tt.mode, tt.alpha)
		}
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	r := Placeholder()
	require.NoError(t, r.Dispose())
	assert.True(t, r.Disposed())
	assert.Nil(t, r.Meshes)
	assert.NoError(t, r.Dispose())
}
