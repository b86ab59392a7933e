package softrender

import (
	"image"
	"image/color"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/avatarengine/internal/loader"
	"github.com/normanking/avatarengine/internal/rig"
	"github.com/normanking/avatarengine/internal/scene"
)

var testBackground = scene.Background{Mode: scene.BackgroundColor, Color: mgl32.Vec4{0, 0, 1, 1}}

func newScene(t *testing.T, w, h int, bg scene.Background) (*Device, *scene.Scene) {
	t.Helper()
	dev, err := New(w, h)
	require.NoError(t, err)
	s, err := scene.New(dev, scene.Config{Background: bg, AutoFrame: true})
	require.NoError(t, err)
	return dev, s
}

func countNot(img *image.RGBA, c color.RGBA) int {
	n := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.RGBAAt(x, y) != c {
				n++
			}
		}
	}
	return n
}

func TestNewInvalidSize(t *testing.T) {
	_, err := New(0, 10)
	assert.Error(t, err)
}

func TestClearToColor(t *testing.T) {
	dev, s := newScene(t, 32, 24, testBackground)
	require.NoError(t, s.Render())

	img := dev.Image()
	assert.Equal(t, 0, countNot(img, color.RGBA{B: 255, A: 255}))
	assert.Equal(t, 1, dev.Frames())
	assert.Zero(t, dev.Stats().Draws)
}

func TestGradientBackground(t *testing.T) {
	dev, s := newScene(t, 16, 64, scene.DefaultBackground())
	require.NoError(t, s.Render())

	img := dev.Image()
	top, bottom := img.RGBAAt(8, 0), img.RGBAAt(8, 63)
	assert.Greater(t, top.R, bottom.R)
	assert.Greater(t, top.B, bottom.B)
}

func TestDrawPlaceholder(t *testing.T) {
	dev, s := newScene(t, 96, 96, testBackground)
	r := rig.Placeholder()
	require.NoError(t, s.AddToScene(r))
	require.NoError(t, s.Render())

	st := dev.Stats()
	assert.Equal(t, 2, st.Draws)
	assert.Positive(t, st.Triangles)
	assert.Positive(t, st.Culled)

	img := dev.Image()
	assert.Greater(t, countNot(img, color.RGBA{B: 255, A: 255}), 200)
	assert.Equal(t, 2, dev.Meshes())
}

func TestMaskedMaterialsCutOut(t *testing.T) {
	render := func(cutoff float32) (*Device, *image.RGBA) {
		dev, s := newScene(t, 96, 96, testBackground)
		r := rig.Placeholder()
		for i := range r.Materials {
			r.Materials[i].BaseColor[3] = 0.2
			r.Materials[i].AlphaMode = rig.AlphaMask
			r.Materials[i].AlphaCutoff = cutoff
		}
		require.NoError(t, s.AddToScene(r))
		require.NoError(t, s.Render())
		return dev, dev.Image()
	}

	dev, img := render(0.5)
	assert.Positive(t, dev.Stats().Triangles)
	assert.Zero(t, countNot(img, color.RGBA{B: 255, A: 255}))

	_, img = render(0.1)
	assert.Greater(t, countNot(img, color.RGBA{B: 255, A: 255}), 200)
}

func TestBlendedMaterialShowsBackground(t *testing.T) {
	render := func(mode rig.AlphaMode) *image.RGBA {
		dev, s := newScene(t, 96, 96, testBackground)
		r := rig.Placeholder()
		face := r.Meshes[1].Primitives[0].Material
		r.Materials[face].BaseColor[3] = 0.5
		r.Materials[face].AlphaMode = mode
		require.NoError(t, s.AddToScene(r))
		require.NoError(t, s.Render())
		return dev.Image()
	}
	opaque := render(rig.AlphaOpaque)
	blended := render(rig.AlphaBlend)

	bg := color.RGBA{B: 255, A: 255}
	assert.Equal(t, countNot(opaque, bg), countNot(blended, bg))
	bluer := 0
	b := opaque.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			o, c := opaque.RGBAAt(x, y), blended.RGBAAt(x, y)
			assert.Equal(t, uint8(255), c.A)
			if c.B > o.B {
				bluer++
			}
		}
	}
	assert.Greater(t, bluer, 20, "the blue background shows through the face")
}

func TestBlendOver(t *testing.T) {
	px := []uint8{0, 0, 255, 255}
	blendOver(px, 255, 0, 0, 0.5)
	assert.Equal(t, []uint8{128, 0, 128, 255}, px)

	clear := []uint8{0, 0, 0, 0}
	blendOver(clear, 255, 0, 0, 0.5)
	assert.Equal(t, []uint8{255, 0, 0, 128}, clear)
}

func TestMorphChangesPixels(t *testing.T) {
	dev, s := newScene(t, 160, 160, testBackground)
	r := loader.Placeholder(loader.DefaultYaw)
	require.NoError(t, s.AddToScene(r))
	require.NoError(t, s.Render())
	rest := dev.Image()

	r.Weights.Set(rig.Surprised, 1)
	require.NoError(t, s.Render())
	assert.NotEqual(t, rest.Pix, dev.Image().Pix)
}

func TestOverlayDimsFrame(t *testing.T) {
	dev, s := newScene(t, 64, 64, testBackground)
	require.NoError(t, s.Render())
	plain := dev.Image()

	s.SetOverlay(scene.Overlay{Kind: scene.OverlayLoading, Message: "Loading avatar"})
	require.NoError(t, s.Render())
	dimmed := dev.Image()
	assert.Less(t, dimmed.RGBAAt(0, 0).B, plain.RGBAAt(0, 0).B)

	s.SetOverlay(scene.Overlay{Kind: scene.OverlayError, Message: "load failed"})
	require.NoError(t, s.Render())
	bar := dev.Image().RGBAAt(32, 48)
	assert.Greater(t, bar.R, bar.B, "error bar is red")

	s.SetOverlay(scene.Overlay{})
	require.NoError(t, s.Render())
	assert.Equal(t, plain.Pix, dev.Image().Pix)
}

func TestReleaseIsIdempotent(t *testing.T) {
	dev, s := newScene(t, 32, 32, scene.DefaultBackground())
	require.NoError(t, s.AddToScene(rig.Placeholder()))
	require.Equal(t, 1, dev.Textures())

	require.NoError(t, s.Dispose())
	assert.Zero(t, dev.Meshes())
	assert.Zero(t, dev.Textures())
	require.NoError(t, s.Dispose())

	assert.ErrorIs(t, dev.Release(), ErrReleased)
	assert.ErrorIs(t, dev.Draw(&scene.Frame{}), ErrReleased)
	_, err := dev.UploadMesh(&rig.Primitive{})
	assert.ErrorIs(t, err, ErrReleased)
}

func TestDrawUnknownMesh(t *testing.T) {
	dev, err := New(8, 8)
	require.NoError(t, err)
	err = dev.Draw(&scene.Frame{Draws: []scene.Draw{{Mesh: 42, Primitive: &rig.Primitive{}}}})
	assert.Error(t, err)
}

func TestDeleteUnknownResources(t *testing.T) {
	dev, err := New(8, 8)
	require.NoError(t, err)
	assert.Error(t, dev.DeleteMesh(7))
	assert.Error(t, dev.DeleteTexture(7))
	_, err = dev.CreateTexture(image.NewRGBA(image.Rectangle{}))
	assert.Error(t, err)
}

func TestResize(t *testing.T) {
	dev, s := newScene(t, 32, 32, testBackground)
	require.NoError(t, s.Resize(80, 20))
	w, h := dev.Size()
	assert.Equal(t, 80, w)
	assert.Equal(t, 20, h)
	require.NoError(t, s.Render())
	assert.Equal(t, image.Rect(0, 0, 80, 20), dev.Image().Bounds())
}

func TestSampleTextureWraps(t *testing.T) {
	tex := image.NewRGBA(image.Rect(0, 0, 2, 2))
	tex.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	tex.SetRGBA(1, 0, color.RGBA{G: 255, A: 255})
	tex.SetRGBA(0, 1, color.RGBA{B: 255, A: 255})
	tex.SetRGBA(1, 1, color.RGBA{R: 255, G: 255, B: 255, A: 255})

	c := sampleTexture(tex, 0, 0)
	assert.InDelta(t, 1, c[0], 1e-6)
	assert.InDelta(t, 0, c[1], 1e-6)

	wrapped := sampleTexture(tex, 1, 2)
	assert.Equal(t, c, wrapped)

	mid := sampleTexture(tex, 0.5, 0)
	assert.InDelta(t, 0.5, mid[0], 1e-6)
	assert.InDelta(t, 0.5, mid[1], 1e-6)
}

func TestTonemapRange(t *testing.T) {
	assert.InDelta(t, 0, tonemap(0), 1e-6)
	assert.Less(t, tonemap(100), float32(1.04))
	assert.Greater(t, tonemap(1), tonemap(0.5))
}

func TestDrawOverlayOnTransparentImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 120, 80))
	DrawOverlay(img, scene.Overlay{})
	assert.Equal(t, 0, countNot(img, color.RGBA{}), "no overlay leaves the image untouched")

	DrawOverlay(img, scene.Overlay{Kind: scene.OverlayError, Message: "failed"})
	assert.Equal(t, overlayShade, img.RGBAAt(2, 2))
	assert.Equal(t, overlayError, img.RGBAAt(60, 60))
}
