package rig

import "github.com/go-gl/mathgl/mgl32"

// Deform applies morph weights and linear blend skinning to a primitive on
// the CPU. joints may be nil for unskinned primitives, in which case the
// result stays in mesh space. dst is reused when large enough.
func Deform(p *Primitive, morph []float32, joints []mgl32.Mat4, dst []Vertex) []Vertex {
	n := len(p.Vertices)
	if cap(dst) < n {
		dst = make([]Vertex, n)
	}
	dst = dst[:n]
	copy(dst, p.Vertices)

	for ti, target := range p.Targets {
		if ti >= len(morph) {
			break
		}
		weight := morph[ti]
		if weight < 0.001 {
			continue
		}
		for vi, delta := range target.PositionDeltas {
			if vi < n {
				dst[vi].Position = dst[vi].Position.Add(delta.Mul(weight))
			}
		}
		for vi, delta := range target.NormalDeltas {
			if vi < n {
				dst[vi].Normal = dst[vi].Normal.Add(delta.Mul(weight))
			}
		}
	}

	if len(joints) == 0 {
		return dst
	}

	for i := range dst {
		v := &dst[i]
		var skin mgl32.Mat4
		var total float32
		for k := 0; k < 4; k++ {
			w := v.Weights[k]
			j := int(v.Joints[k])
			if w == 0 || j >= len(joints) {
				continue
			}
			m := joints[j]
			for e := range skin {
				skin[e] += m[e] * w
			}
			total += w
		}
		if total == 0 {
			continue
		}
		if total != 1 {
			for e := range skin {
				skin[e] /= total
			}
		}
		v.Position = mgl32.TransformCoordinate(v.Position, skin)
		v.Normal = mgl32.TransformNormal(v.Normal, skin)
		if l := v.Normal.Len(); l > 0 {
			v.Normal = v.Normal.Mul(1 / l)
		}
	}
	return dst
}
