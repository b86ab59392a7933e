package softrender

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/normanking/avatarengine/internal/scene"
)

var (
	overlayLoading = color.RGBA{R: 230, G: 232, B: 240, A: 255}
	overlayError   = color.RGBA{R: 220, G: 90, B: 80, A: 255}
	overlayShade   = color.RGBA{A: 110}
)

func (d *Device) drawOverlay(o scene.Overlay) {
	DrawOverlay(d.fb, o)
}

// DrawOverlay dims dst and draws a status bar with the overlay message
// under it. On a transparent dst the result is an image to composite over
// a frame.
func DrawOverlay(dst *image.RGBA, o scene.Overlay) {
	if o.Kind == scene.OverlayNone {
		return
	}
	w, h := dst.Bounds().Dx(), dst.Bounds().Dy()
	draw.Draw(dst, dst.Bounds(), image.NewUniform(overlayShade), image.Point{}, draw.Over)

	fg := overlayLoading
	if o.Kind == scene.OverlayError {
		fg = overlayError
	}
	barW, barH := max(w*2/5, 4), max(h/60, 2)
	bar := image.Rect((w-barW)/2, h*3/4, (w+barW)/2, h*3/4+barH)
	draw.Draw(dst, bar, image.NewUniform(fg), image.Point{}, draw.Src)

	if o.Message == "" {
		return
	}
	face := basicfont.Face7x13
	drawer := &font.Drawer{Dst: dst, Src: image.NewUniform(fg), Face: face}
	textW := drawer.MeasureString(o.Message).Ceil()
	drawer.Dot = fixed.P((w-textW)/2, bar.Max.Y+face.Ascent+4)
	drawer.DrawString(o.Message)
}
