// Package softrender is a CPU implementation of scene.Device. It draws
// into an in-memory RGBA image with a z-buffer and is used for headless
// snapshots and tests.
package softrender

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/normanking/avatarengine/internal/rig"
	"github.com/normanking/avatarengine/internal/scene"
)

var ErrReleased = errors.New("softrender: device released")

// Stats counts work done by the last Draw.
type Stats struct {
	Draws     int
	Triangles int
	Culled    int
}

type Device struct {
	fb    *image.RGBA
	depth []float32

	textures map[scene.TextureID]*image.RGBA
	meshes   map[scene.MeshID]*rig.Primitive
	nextTex  scene.TextureID
	nextMesh scene.MeshID

	scratch  []rig.Vertex
	screen   []screenVert
	stats    Stats
	frames   int
	released bool
}

var _ scene.Device = (*Device)(nil)

func New(width, height int) (*Device, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("softrender: invalid size %dx%d", width, height)
	}
	d := &Device{
		textures: make(map[scene.TextureID]*image.RGBA),
		meshes:   make(map[scene.MeshID]*rig.Primitive),
	}
	d.allocate(width, height)
	return d, nil
}

func (d *Device) allocate(width, height int) {
	d.fb = image.NewRGBA(image.Rect(0, 0, width, height))
	d.depth = make([]float32, width*height)
}

func (d *Device) Size() (int, int) {
	b := d.fb.Bounds()
	return b.Dx(), b.Dy()
}

func (d *Device) Resize(width, height int) error {
	if d.released {
		return ErrReleased
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("softrender: invalid size %dx%d", width, height)
	}
	d.allocate(width, height)
	return nil
}

func (d *Device) CreateTexture(img *image.RGBA) (scene.TextureID, error) {
	if d.released {
		return 0, ErrReleased
	}
	if img == nil || img.Bounds().Empty() {
		return 0, errors.New("softrender: empty texture")
	}
	d.nextTex++
	d.textures[d.nextTex] = img
	return d.nextTex, nil
}

func (d *Device) DeleteTexture(id scene.TextureID) error {
	if d.released {
		return ErrReleased
	}
	if _, ok := d.textures[id]; !ok {
		return fmt.Errorf("softrender: unknown texture %d", id)
	}
	delete(d.textures, id)
	return nil
}

func (d *Device) UploadMesh(p *rig.Primitive) (scene.MeshID, error) {
	if d.released {
		return 0, ErrReleased
	}
	d.nextMesh++
	d.meshes[d.nextMesh] = p
	return d.nextMesh, nil
}

func (d *Device) DeleteMesh(id scene.MeshID) error {
	if d.released {
		return ErrReleased
	}
	if _, ok := d.meshes[id]; !ok {
		return fmt.Errorf("softrender: unknown mesh %d", id)
	}
	delete(d.meshes, id)
	return nil
}

// Release drops every resource. Later calls return ErrReleased.
func (d *Device) Release() error {
	if d.released {
		return ErrReleased
	}
	d.released = true
	d.textures = nil
	d.meshes = nil
	return nil
}

// Textures and Meshes report live resource counts.
func (d *Device) Textures() int { return len(d.textures) }
func (d *Device) Meshes() int   { return len(d.meshes) }

func (d *Device) Stats() Stats { return d.stats }

// Frames counts completed Draw calls.
func (d *Device) Frames() int { return d.frames }

// Image returns a copy of the last drawn frame.
func (d *Device) Image() *image.RGBA {
	out := image.NewRGBA(d.fb.Bounds())
	copy(out.Pix, d.fb.Pix)
	return out
}

func (d *Device) Draw(f *scene.Frame) error {
	if d.released {
		return ErrReleased
	}
	d.stats = Stats{}
	d.clear(f.Background)
	for i := range d.depth {
		d.depth[i] = math.MaxFloat32
	}

	viewProj := f.Projection.Mul4(f.View)
	for i := range f.Draws {
		dr := &f.Draws[i]
		if _, ok := d.meshes[dr.Mesh]; !ok {
			return fmt.Errorf("softrender: draw of unknown mesh %d", dr.Mesh)
		}
		var tex *image.RGBA
		if dr.Texture != 0 {
			tex = d.textures[dr.Texture]
		}
		d.drawPrimitive(dr, viewProj, &f.Lights, tex)
		d.stats.Draws++
	}

	d.drawOverlay(f.Overlay)
	d.frames++
	return nil
}

func (d *Device) clear(bg scene.FrameBackground) {
	w, h := d.Size()
	tex := d.textures[bg.Texture]
	if bg.Texture == 0 || tex == nil {
		c := toRGBA8(bg.Color)
		for i := 0; i < len(d.fb.Pix); i += 4 {
			d.fb.Pix[i], d.fb.Pix[i+1], d.fb.Pix[i+2], d.fb.Pix[i+3] = c[0], c[1], c[2], c[3]
		}
		return
	}

	tb := tex.Bounds()
	for y := 0; y < h; y++ {
		ty := tb.Min.Y + y*tb.Dy()/h
		row := y * d.fb.Stride
		for x := 0; x < w; x++ {
			tx := tb.Min.X + x*tb.Dx()/w
			src := tex.PixOffset(tx, ty)
			copy(d.fb.Pix[row+x*4:row+x*4+4], tex.Pix[src:src+4])
		}
	}
}

func toRGBA8(c mgl32.Vec4) [4]uint8 {
	var out [4]uint8
	for i := range out {
		out[i] = clamp255(c[i] * 255)
	}
	return out
}

func clamp255(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}
