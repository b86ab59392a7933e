package scene

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/avatarengine/internal/rig"
)

// fakeDevice records resource lifetimes without drawing anything.
type fakeDevice struct {
	w, h     int
	textures map[TextureID]*image.RGBA
	meshes   map[MeshID]*rig.Primitive
	next     uint32
	frames   []Frame
	released int

	failCreate bool
	failDelete bool
}

func newFakeDevice(w, h int) *fakeDevice {
	return &fakeDevice{
		w:        w,
		h:        h,
		textures: make(map[TextureID]*image.RGBA),
		meshes:   make(map[MeshID]*rig.Primitive),
	}
}

func (d *fakeDevice) Size() (int, int) { return d.w, d.h }

func (d *fakeDevice) Resize(w, h int) error {
	d.w, d.h = w, h
	return nil
}

func (d *fakeDevice) CreateTexture(img *image.RGBA) (TextureID, error) {
	if d.failCreate {
		return 0, errors.New("out of video memory")
	}
	d.next++
	d.textures[TextureID(d.next)] = img
	return TextureID(d.next), nil
}

func (d *fakeDevice) DeleteTexture(id TextureID) error {
	if d.failDelete {
		return errors.New("context lost")
	}
	if _, ok := d.textures[id]; !ok {
		return fmt.Errorf("unknown texture %d", id)
	}
	delete(d.textures, id)
	return nil
}

func (d *fakeDevice) UploadMesh(p *rig.Primitive) (MeshID, error) {
	d.next++
	d.meshes[MeshID(d.next)] = p
	return MeshID(d.next), nil
}

func (d *fakeDevice) DeleteMesh(id MeshID) error {
	if d.failDelete {
		return errors.New("context lost")
	}
	if _, ok := d.meshes[id]; !ok {
		return fmt.Errorf("unknown mesh %d", id)
	}
	delete(d.meshes, id)
	return nil
}

func (d *fakeDevice) Draw(f *Frame) error {
	cp := *f
	cp.Draws = append([]Draw(nil), f.Draws...)
	d.frames = append(d.frames, cp)
	return nil
}

func (d *fakeDevice) Release() error {
	d.released++
	return nil
}

func primitiveCount(r *rig.Rig) int {
	n := 0
	for _, m := range r.Meshes {
		n += len(m.Primitives)
	}
	return n
}

func newTestScene(t *testing.T, dev *fakeDevice, bg Background) *Scene {
	t.Helper()
	s, err := New(dev, Config{Background: bg})
	require.NoError(t, err)
	return s
}

func solid() Background {
	return Background{Mode: BackgroundColor, Color: mgl32.Vec4{0.2, 0.2, 0.2, 1}}
}

func TestNewWithoutDevice(t *testing.T) {
	_, err := New(nil, Config{})
	var rce *RenderContextError
	require.ErrorAs(t, err, &rce)
	assert.Equal(t, "open", rce.Op)
}

func TestNewWithEmptySurface(t *testing.T) {
	_, err := New(newFakeDevice(0, 0), Config{})
	var rce *RenderContextError
	assert.ErrorAs(t, err, &rce)
}

func TestNewResizesToConfig(t *testing.T) {
	dev := newFakeDevice(10, 10)
	_, err := New(dev, Config{Width: 320, Height: 240})
	require.NoError(t, err)
	assert.Equal(t, 320, dev.w)
	assert.Equal(t, 240, dev.h)
}

func TestNewDefaultsToGradient(t *testing.T) {
	dev := newFakeDevice(64, 64)
	s := newTestScene(t, dev, Background{})
	assert.Equal(t, BackgroundGradient, s.Background().Mode)
	assert.Len(t, dev.textures, 1)
}

func TestAddToSceneReplacesPrevious(t *testing.T) {
	dev := newFakeDevice(64, 64)
	s := newTestScene(t, dev, solid())

	a := rig.Placeholder()
	b := rig.Placeholder()
	require.NoError(t, s.AddToScene(a))
	assert.Len(t, dev.meshes, primitiveCount(a))

	require.NoError(t, s.AddToScene(b))
	assert.Same(t, b, s.Attached())
	assert.Len(t, dev.meshes, primitiveCount(b))
	for _, p := range dev.meshes {
		found := false
		for mi := range b.Meshes {
			for pi := range b.Meshes[mi].Primitives {
				if p == &b.Meshes[mi].Primitives[pi] {
					found = true
				}
			}
		}
		assert.True(t, found, "mesh from replaced rig still resident")
	}
}

func TestAddToSceneSameRigIsNoop(t *testing.T) {
	dev := newFakeDevice(64, 64)
	s := newTestScene(t, dev, solid())
	r := rig.Placeholder()
	require.NoError(t, s.AddToScene(r))
	uploads := dev.next
	require.NoError(t, s.AddToScene(r))
	assert.Equal(t, uploads, dev.next)
}

func TestAddToSceneRejectsDisposedRig(t *testing.T) {
	dev := newFakeDevice(64, 64)
	s := newTestScene(t, dev, solid())
	r := rig.Placeholder()
	r.Dispose()
	assert.Error(t, s.AddToScene(r))
	assert.Nil(t, s.Attached())
	assert.Empty(t, dev.meshes)
}

func TestRemoveFromScene(t *testing.T) {
	dev := newFakeDevice(64, 64)
	s := newTestScene(t, dev, solid())
	r := rig.Placeholder()
	require.NoError(t, s.AddToScene(r))

	require.NoError(t, s.RemoveFromScene(rig.Placeholder()))
	assert.Same(t, r, s.Attached())

	require.NoError(t, s.RemoveFromScene(r))
	assert.Nil(t, s.Attached())
	assert.Empty(t, dev.meshes)
}

func TestRenderDoesNotChangeRig(t *testing.T) {
	dev := newFakeDevice(64, 64)
	s := newTestScene(t, dev, solid())
	r := rig.Placeholder()
	r.Weights.Set(rig.Happy, 0.8)
	r.Pose[rig.Head].Rotation = mgl32.QuatRotate(0.3, mgl32.Vec3{0, 1, 0})
	require.NoError(t, s.AddToScene(r))

	pose := append([]rig.Transform(nil), r.Pose...)
	weights := r.Weights
	require.NoError(t, s.Render())
	require.NoError(t, s.Render())

	assert.Equal(t, pose, r.Pose)
	assert.Equal(t, weights, r.Weights)
	require.Len(t, dev.frames, 2)
	assert.Equal(t, dev.frames[0].Draws[0].Joints, dev.frames[1].Draws[0].Joints)
}

func TestFrameDraws(t *testing.T) {
	dev := newFakeDevice(64, 64)
	s := newTestScene(t, dev, solid())
	r := rig.Placeholder()
	r.Weights.Set(rig.Aa, 1)
	require.NoError(t, s.AddToScene(r))

	f := s.Frame()
	require.Len(t, f.Draws, primitiveCount(r))
	for _, d := range f.Draws {
		assert.NotZero(t, d.Mesh)
		assert.NotNil(t, d.Joints)
		assert.Equal(t, mgl32.Ident4(), d.Model)
	}

	var mouth float32
	for _, d := range f.Draws {
		for _, w := range d.Morph {
			mouth += w
		}
	}
	assert.InDelta(t, 1, mouth, 1e-6)
	assert.Empty(t, dev.frames, "Frame must not draw")
}

func TestFrameOrdersDrawsByAlphaMode(t *testing.T) {
	dev := newFakeDevice(64, 64)
	s := newTestScene(t, dev, solid())
	r := rig.Placeholder()
	cloth := r.Meshes[0].Primitives[0].Material
	r.Materials[cloth].AlphaMode = rig.AlphaBlend
	r.Materials[cloth].AlphaCutoff = 0.25
	require.NoError(t, s.AddToScene(r))

	f := s.Frame()
	require.Len(t, f.Draws, 2)
	assert.Equal(t, rig.AlphaOpaque, f.Draws[0].AlphaMode)
	assert.Same(t, &r.Meshes[1].Primitives[0], f.Draws[0].Primitive)
	assert.Equal(t, rig.AlphaBlend, f.Draws[1].AlphaMode)
	assert.Same(t, &r.Meshes[0].Primitives[0], f.Draws[1].Primitive)
	assert.InDelta(t, 0.25, f.Draws[1].AlphaCutoff, 1e-6)

	r.Materials[cloth].AlphaMode = rig.AlphaMask
	f = s.Frame()
	assert.Equal(t, []rig.AlphaMode{rig.AlphaOpaque, rig.AlphaMask}, []rig.AlphaMode{f.Draws[0].AlphaMode, f.Draws[1].AlphaMode})
}

func TestFrameWithoutRig(t *testing.T) {
	s := newTestScene(t, newFakeDevice(64, 64), solid())
	s.SetOverlay(Overlay{Kind: OverlayLoading, Message: "loading"})
	f := s.Frame()
	assert.Empty(t, f.Draws)
	assert.Equal(t, OverlayLoading, f.Overlay.Kind)
	assert.Equal(t, BackgroundColor, f.Background.Mode)
}

func testImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 80, A: 255})
		}
	}
	return img
}

func TestBackgroundSwitchReleasesTextures(t *testing.T) {
	dev := newFakeDevice(64, 48)
	s := newTestScene(t, dev, DefaultBackground())
	require.Len(t, dev.textures, 1)

	require.NoError(t, s.UpdateBackground(solid()))
	assert.Empty(t, dev.textures)

	img := Background{Mode: BackgroundImage, ImageRef: "bg.png", Image: testImage(200, 100), Blur: 2}
	require.NoError(t, s.UpdateBackground(img))
	require.Len(t, dev.textures, 1)
	for _, tex := range dev.textures {
		assert.Equal(t, image.Rect(0, 0, 64, 48), tex.Bounds())
	}

	require.NoError(t, s.UpdateBackground(DefaultBackground()))
	assert.Len(t, dev.textures, 1)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.UpdateBackground(img))
	}
	assert.Len(t, dev.textures, 1)
}

func TestUpdateBackgroundFailureKeepsPrevious(t *testing.T) {
	dev := newFakeDevice(64, 64)
	s := newTestScene(t, dev, DefaultBackground())
	dev.failCreate = true

	err := s.UpdateBackground(Background{Mode: BackgroundImage, Image: testImage(8, 8)})
	require.Error(t, err)
	assert.Equal(t, BackgroundGradient, s.Background().Mode)
	assert.Len(t, dev.textures, 1)
}

func TestUpdateBackgroundRequiresImage(t *testing.T) {
	s := newTestScene(t, newFakeDevice(64, 64), solid())
	assert.Error(t, s.UpdateBackground(Background{Mode: BackgroundImage, ImageRef: "missing.png"}))
	assert.Equal(t, BackgroundColor, s.Background().Mode)
}

func TestResizeRebuildsImageBackground(t *testing.T) {
	dev := newFakeDevice(64, 64)
	s := newTestScene(t, dev, Background{Mode: BackgroundImage, Image: testImage(50, 50)})
	require.NoError(t, s.Resize(128, 32))

	require.Len(t, dev.textures, 1)
	for _, tex := range dev.textures {
		assert.Equal(t, image.Rect(0, 0, 128, 32), tex.Bounds())
	}
	assert.InDelta(t, 4, s.Camera().AspectRatio, 1e-6)
	assert.Error(t, s.Resize(0, 10))
}

func TestDisposeIsIdempotent(t *testing.T) {
	dev := newFakeDevice(64, 64)
	s := newTestScene(t, dev, DefaultBackground())
	require.NoError(t, s.AddToScene(rig.Placeholder()))

	require.NoError(t, s.Dispose())
	assert.Empty(t, dev.meshes)
	assert.Empty(t, dev.textures)
	assert.Equal(t, 1, dev.released)

	require.NoError(t, s.Dispose())
	assert.Equal(t, 1, dev.released)

	assert.ErrorIs(t, s.Render(), ErrDisposed)
	assert.ErrorIs(t, s.AddToScene(rig.Placeholder()), ErrDisposed)
	assert.ErrorIs(t, s.UpdateBackground(solid()), ErrDisposed)
}

func TestDisposeReportsFailures(t *testing.T) {
	dev := newFakeDevice(64, 64)
	s := newTestScene(t, dev, DefaultBackground())
	require.NoError(t, s.AddToScene(rig.Placeholder()))
	dev.failDelete = true

	err := s.Dispose()
	var de *DisposalError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, dev.released, "device released despite failures")
}

func TestAutoFrameAimsAtRig(t *testing.T) {
	dev := newFakeDevice(64, 64)
	s, err := New(dev, Config{Background: solid(), AutoFrame: true})
	require.NoError(t, err)
	before := s.Camera().Target

	r := rig.Placeholder()
	require.NoError(t, s.AddToScene(r))
	target := s.Camera().Target
	assert.NotEqual(t, before, target)

	b := r.Bounds.Transform(r.Root.Matrix())
	assert.GreaterOrEqual(t, target.Y(), b.Min.Y())
	assert.LessOrEqual(t, target.Y(), b.Max.Y())
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in   string
		want mgl32.Vec4
		err  bool
	}{
		{"#fff", mgl32.Vec4{1, 1, 1, 1}, false},
		{"#ff0000", mgl32.Vec4{1, 0, 0, 1}, false},
		{"00ff0080", mgl32.Vec4{0, 1, 0, 128.0 / 255}, false},
		{" #000000 ", mgl32.Vec4{0, 0, 0, 1}, false},
		{"#12345", mgl32.Vec4{}, true},
		{"#gggggg", mgl32.Vec4{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseColor(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			for i := range got {
				assert.InDelta(t, tt.want[i], got[i], 1e-6)
			}
		})
	}
}

func TestParseBackgroundMode(t *testing.T) {
	for _, m := range []BackgroundMode{BackgroundColor, BackgroundGradient, BackgroundImage} {
		got, err := ParseBackgroundMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseBackgroundMode("video")
	assert.Error(t, err)
}

func TestGradientImage(t *testing.T) {
	img := gradientImage(mgl32.Vec4{1, 1, 1, 1}, mgl32.Vec4{0, 0, 0, 1})
	assert.Equal(t, uint8(255), img.RGBAAt(0, 0).R)
	assert.Equal(t, uint8(0), img.RGBAAt(0, gradientHeight-1).R)
}

func TestCoverImageCrops(t *testing.T) {
	out := coverImage(testImage(200, 100), 50, 50, 0)
	assert.Equal(t, image.Rect(0, 0, 50, 50), out.Bounds())

	blurred := coverImage(testImage(200, 100), 50, 50, 3)
	assert.Equal(t, image.Rect(0, 0, 50, 50), blurred.Bounds())
	assert.NotEqual(t, out.Pix, blurred.Pix)
}
