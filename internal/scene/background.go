package scene

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strconv"
	"strings"

	"github.com/anthonynsimon/bild/blur"
	_ "github.com/ftrvxmtrx/tga"
	"github.com/go-gl/mathgl/mgl32"
	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

type BackgroundMode int

const (
	BackgroundColor BackgroundMode = iota
	BackgroundGradient
	BackgroundImage
)

func (m BackgroundMode) String() string {
	switch m {
	case BackgroundGradient:
		return "gradient"
	case BackgroundImage:
		return "image"
	default:
		return "color"
	}
}

// ParseBackgroundMode accepts the names returned by String.
func ParseBackgroundMode(s string) (BackgroundMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "color", "solid":
		return BackgroundColor, nil
	case "gradient":
		return BackgroundGradient, nil
	case "image":
		return BackgroundImage, nil
	default:
		return BackgroundColor, fmt.Errorf("unknown background mode %q", s)
	}
}

// Background describes what is drawn behind the avatar. Image mode needs
// Image to be set; ImageRef only records where it came from.
type Background struct {
	Mode   BackgroundMode
	Color  mgl32.Vec4
	Top    mgl32.Vec4
	Bottom mgl32.Vec4

	ImageRef string
	Image    image.Image
	// Blur is a gaussian radius in pixels applied after scaling.
	Blur float64
}

// DefaultBackground is a soft vertical gradient.
func DefaultBackground() Background {
	return Background{
		Mode:   BackgroundGradient,
		Color:  mgl32.Vec4{0.12, 0.13, 0.16, 1},
		Top:    mgl32.Vec4{0.30, 0.34, 0.42, 1},
		Bottom: mgl32.Vec4{0.10, 0.11, 0.14, 1},
	}
}

// ParseColor reads #rgb, #rrggbb or #rrggbbaa.
func ParseColor(s string) (mgl32.Vec4, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) == 6 {
		h += "ff"
	}
	if len(h) != 8 {
		return mgl32.Vec4{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return mgl32.Vec4{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return mgl32.Vec4{
		float32(v>>24&0xff) / 255,
		float32(v>>16&0xff) / 255,
		float32(v>>8&0xff) / 255,
		float32(v&0xff) / 255,
	}, nil
}

// DecodeBackgroundImage decodes png, jpeg, gif, webp, bmp or tga bytes.
func DecodeBackgroundImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode background: %w", err)
	}
	return img, nil
}

const gradientHeight = 64

// gradientImage renders a 1 pixel wide vertical two-stop gradient, top row
// first.
func gradientImage(top, bottom mgl32.Vec4) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 1, gradientHeight))
	for y := 0; y < gradientHeight; y++ {
		t := float32(y) / float32(gradientHeight-1)
		c := top.Mul(1 - t).Add(bottom.Mul(t))
		img.SetRGBA(0, y, toRGBA8(c))
	}
	return img
}

func toRGBA8(c mgl32.Vec4) color.RGBA {
	b := func(v float32) uint8 {
		return uint8(mgl32.Clamp(v, 0, 1)*255 + 0.5)
	}
	return color.RGBA{R: b(c[0]), G: b(c[1]), B: b(c[2]), A: b(c[3])}
}

// coverImage scales src to fill w x h, cropping the overflow, then blurs.
func coverImage(src image.Image, w, h int, radius float64) *image.RGBA {
	sb := src.Bounds()
	if w <= 0 || h <= 0 || sb.Empty() {
		return image.NewRGBA(image.Rect(0, 0, 1, 1))
	}

	scale := float64(w) / float64(sb.Dx())
	if s := float64(h) / float64(sb.Dy()); s > scale {
		scale = s
	}
	cw := int(float64(w) / scale)
	ch := int(float64(h) / scale)
	x0 := sb.Min.X + (sb.Dx()-cw)/2
	y0 := sb.Min.Y + (sb.Dy()-ch)/2
	crop := image.Rect(x0, y0, x0+cw, y0+ch)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, xdraw.Src, nil)

	if radius > 0 {
		dst = blur.Gaussian(dst, radius)
	}
	return dst
}
