package softrender

import (
	"image"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/normanking/avatarengine/internal/rig"
	"github.com/normanking/avatarengine/internal/scene"
)

// screenVert is a projected vertex. Attributes are pre-divided by w for
// perspective correct interpolation.
type screenVert struct {
	x, y, z float32
	invW    float32
	u, v    float32
	light   mgl32.Vec3
	ndcX    float32
	ndcY    float32
	clipped bool
}

func (d *Device) drawPrimitive(dr *scene.Draw, viewProj mgl32.Mat4, lights *scene.Lighting, tex *image.RGBA) {
	verts := rig.Deform(dr.Primitive, dr.Morph, dr.Joints, d.scratch)
	d.scratch = verts

	w, h := d.Size()
	mvp := viewProj.Mul4(dr.Model)
	if cap(d.screen) < len(verts) {
		d.screen = make([]screenVert, len(verts))
	}
	screen := d.screen[:len(verts)]

	for i, v := range verts {
		clip := mvp.Mul4x1(v.Position.Vec4(1))
		sv := &screen[i]
		if clip.W() <= 1e-5 {
			sv.clipped = true
			continue
		}
		sv.clipped = false
		iw := 1 / clip.W()
		sv.ndcX, sv.ndcY = clip.X()*iw, clip.Y()*iw
		sv.x = (sv.ndcX*0.5 + 0.5) * float32(w)
		sv.y = (0.5 - sv.ndcY*0.5) * float32(h)
		sv.z = clip.Z() * iw
		sv.invW = iw
		sv.u, sv.v = v.TexCoord.X()*iw, v.TexCoord.Y()*iw

		n := mgl32.TransformNormal(v.Normal, dr.Model)
		if l := n.Len(); l > 0 {
			n = n.Mul(1 / l)
		}
		sv.light = lights.Shade(n).Mul(iw)
	}

	idx := dr.Primitive.Indices
	for t := 0; t+2 < len(idx); t += 3 {
		a, b, c := &screen[idx[t]], &screen[idx[t+1]], &screen[idx[t+2]]
		if a.clipped || b.clipped || c.clipped {
			continue
		}
		if a.z < -1 && b.z < -1 && c.z < -1 || a.z > 1 && b.z > 1 && c.z > 1 {
			continue
		}
		ndcArea := (b.ndcX-a.ndcX)*(c.ndcY-a.ndcY) - (b.ndcY-a.ndcY)*(c.ndcX-a.ndcX)
		if ndcArea <= 0 && !dr.DoubleSided {
			d.stats.Culled++
			continue
		}
		d.rasterize(a, b, c, tex, dr)
		d.stats.Triangles++
	}
}

func edge(a, b *screenVert, px, py float32) float32 {
	return (b.x-a.x)*(py-a.y) - (b.y-a.y)*(px-a.x)
}

// rasterize fills one triangle with a bounding box scan and barycentric
// weights. Blended fragments are composited over the framebuffer and test
// the z-buffer without writing it.
func (d *Device) rasterize(a, b, c *screenVert, tex *image.RGBA, dr *scene.Draw) {
	w, h := d.Size()

	minX := int(math.Floor(float64(min(a.x, b.x, c.x))))
	maxX := int(math.Ceil(float64(max(a.x, b.x, c.x))))
	minY := int(math.Floor(float64(min(a.y, b.y, c.y))))
	maxY := int(math.Ceil(float64(max(a.y, b.y, c.y))))
	minX, minY = max(minX, 0), max(minY, 0)
	maxX, maxY = min(maxX, w-1), min(maxY, h-1)
	if minX > maxX || minY > maxY {
		return
	}

	area := edge(a, b, c.x, c.y)
	if area > -1e-8 && area < 1e-8 {
		return
	}
	invArea := 1 / area

	for sy := minY; sy <= maxY; sy++ {
		py := float32(sy) + 0.5
		row := sy * w
		for sx := minX; sx <= maxX; sx++ {
			px := float32(sx) + 0.5
			w0 := edge(b, c, px, py) * invArea
			w1 := edge(c, a, px, py) * invArea
			w2 := 1 - w0 - w1
			if w0 < 0 || w1 < 0 || w2 < 0 {
				continue
			}

			z := w0*a.z + w1*b.z + w2*c.z
			if z < -1 || z > 1 || z >= d.depth[row+sx] {
				continue
			}

			iw := w0*a.invW + w1*b.invW + w2*c.invW
			if iw <= 0 {
				continue
			}
			pw := 1 / iw
			light := a.light.Mul(w0).Add(b.light.Mul(w1)).Add(c.light.Mul(w2)).Mul(pw)

			col := dr.BaseColor
			if tex != nil {
				u := (w0*a.u + w1*b.u + w2*c.u) * pw
				v := (w0*a.v + w1*b.v + w2*c.v) * pw
				t := sampleTexture(tex, u, v)
				col = mgl32.Vec4{col[0] * t[0], col[1] * t[1], col[2] * t[2], col[3] * t[3]}
			}
			coverage, keep := dr.AlphaMode.Resolve(col[3], dr.AlphaCutoff)
			if !keep {
				continue
			}

			o := d.fb.PixOffset(sx, sy)
			pix := d.fb.Pix[o : o+4 : o+4]
			r := tonemap(col[0]*light[0]) * 255
			g := tonemap(col[1]*light[1]) * 255
			bl := tonemap(col[2]*light[2]) * 255
			if dr.AlphaMode != rig.AlphaBlend {
				d.depth[row+sx] = z
				pix[0], pix[1], pix[2], pix[3] = clamp255(r), clamp255(g), clamp255(bl), 255
				continue
			}
			blendOver(pix, r, g, bl, coverage)
		}
	}
}

// blendOver composites a straight-alpha color with the given coverage over
// the pixel.
func blendOver(px []uint8, r, g, b, coverage float32) {
	dstA := float32(px[3]) / 255
	outA := coverage + dstA*(1-coverage)
	if outA <= 0 {
		return
	}
	keep := dstA * (1 - coverage)
	px[0] = clamp255((r*coverage + float32(px[0])*keep) / outA)
	px[1] = clamp255((g*coverage + float32(px[1])*keep) / outA)
	px[2] = clamp255((b*coverage + float32(px[2])*keep) / outA)
	px[3] = clamp255(outA * 255)
}

// tonemap is the ACES filmic curve.
func tonemap(x float32) float32 {
	return (x * (2.51*x + 0.03)) / (x*(2.43*x+0.59) + 0.14)
}

// sampleTexture does bilinear filtering with wrapped UVs and returns
// normalized RGBA.
func sampleTexture(tex *image.RGBA, u, v float32) mgl32.Vec4 {
	b := tex.Bounds()
	tw, th := b.Dx(), b.Dy()

	u -= float32(math.Floor(float64(u)))
	v -= float32(math.Floor(float64(v)))

	fx := u * float32(tw-1)
	fy := v * float32(th-1)
	x0, y0 := int(fx), int(fy)
	x1, y1 := (x0+1)%tw, (y0+1)%th
	dx, dy := fx-float32(x0), fy-float32(y0)

	i00 := tex.PixOffset(b.Min.X+x0, b.Min.Y+y0)
	i10 := tex.PixOffset(b.Min.X+x1, b.Min.Y+y0)
	i01 := tex.PixOffset(b.Min.X+x0, b.Min.Y+y1)
	i11 := tex.PixOffset(b.Min.X+x1, b.Min.Y+y1)

	w00 := (1 - dx) * (1 - dy)
	w10 := dx * (1 - dy)
	w01 := (1 - dx) * dy
	w11 := dx * dy

	pix := tex.Pix
	var out mgl32.Vec4
	for c := 0; c < 4; c++ {
		out[c] = (float32(pix[i00+c])*w00 + float32(pix[i10+c])*w10 +
			float32(pix[i01+c])*w01 + float32(pix[i11+c])*w11) / 255
	}
	return out
}
