package loader

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/normanking/avatarengine/internal/rig"
)

// OptimizeStats reports what the optimization pass removed.
type OptimizeStats struct {
	VerticesBefore int
	VerticesAfter  int
	JointsRemoved  int
}

// Optimize runs the one-time pass over a freshly parsed rig: it merges
// duplicate vertices, strips skin joints no vertex is weighted to, computes
// the rest-pose bounds and marks every material static.
func Optimize(r *rig.Rig) OptimizeStats {
	var stats OptimizeStats
	for mi := range r.Meshes {
		for pi := range r.Meshes[mi].Primitives {
			p := &r.Meshes[mi].Primitives[pi]
			stats.VerticesBefore += len(p.Vertices)
			mergeVertices(p)
			stats.VerticesAfter += len(p.Vertices)
		}
	}
	stats.JointsRemoved = stripJoints(r)
	r.Bounds = restBounds(r)
	for i := range r.Materials {
		r.Materials[i].Static = true
	}
	return stats
}

// mergeVertices collapses vertices that are identical in every attribute
// and every morph delta, rewriting indices and targets.
func mergeVertices(p *rig.Primitive) {
	n := len(p.Vertices)
	remap := make([]uint32, n)
	keep := make([]int, 0, n)
	seen := make(map[rig.Vertex][]int, n)

	for i, v := range p.Vertices {
		merged := false
		for _, k := range seen[v] {
			if sameDeltas(p.Targets, i, keep[k]) {
				remap[i] = uint32(k)
				merged = true
				break
			}
		}
		if merged {
			continue
		}
		remap[i] = uint32(len(keep))
		seen[v] = append(seen[v], len(keep))
		keep = append(keep, i)
	}
	if len(keep) == n {
		return
	}

	verts := make([]rig.Vertex, len(keep))
	for k, i := range keep {
		verts[k] = p.Vertices[i]
	}
	p.Vertices = verts
	for i, ix := range p.Indices {
		p.Indices[i] = remap[ix]
	}
	for ti := range p.Targets {
		t := &p.Targets[ti]
		t.PositionDeltas = compact(t.PositionDeltas, keep)
		t.NormalDeltas = compact(t.NormalDeltas, keep)
	}
}

func sameDeltas(targets []rig.MorphTarget, a, b int) bool {
	for _, t := range targets {
		if deltaAt(t.PositionDeltas, a) != deltaAt(t.PositionDeltas, b) ||
			deltaAt(t.NormalDeltas, a) != deltaAt(t.NormalDeltas, b) {
			return false
		}
	}
	return true
}

func deltaAt(d []mgl32.Vec3, i int) mgl32.Vec3 {
	if i < len(d) {
		return d[i]
	}
	return mgl32.Vec3{}
}

func compact(d []mgl32.Vec3, keep []int) []mgl32.Vec3 {
	if d == nil {
		return nil
	}
	out := make([]mgl32.Vec3, len(keep))
	for k, i := range keep {
		out[k] = deltaAt(d, i)
	}
	return out
}

// stripJoints drops joints with no weighted vertex from skins whose meshes
// are only ever bound to that skin.
func stripJoints(r *rig.Rig) int {
	meshSkin := make(map[int]int)
	shared := make(map[int]bool)
	for _, n := range r.Nodes {
		if n.Mesh < 0 || n.Skin < 0 {
			continue
		}
		if s, ok := meshSkin[n.Mesh]; ok && s != n.Skin {
			shared[n.Skin] = true
			shared[s] = true
		}
		meshSkin[n.Mesh] = n.Skin
	}

	removed := 0
	for si := range r.Skins {
		if shared[si] {
			continue
		}
		skin := &r.Skins[si]
		used := make([]bool, len(skin.Joints))
		var meshes []int
		for m, s := range meshSkin {
			if s != si {
				continue
			}
			meshes = append(meshes, m)
			for _, p := range r.Meshes[m].Primitives {
				for _, v := range p.Vertices {
					for k := 0; k < 4; k++ {
						if v.Weights[k] > 0 && int(v.Joints[k]) < len(used) {
							used[v.Joints[k]] = true
						}
					}
				}
			}
		}
		if len(meshes) == 0 {
			continue
		}

		remap := make([]uint16, len(skin.Joints))
		var joints []int
		var ibms []mgl32.Mat4
		for j, u := range used {
			if !u {
				continue
			}
			remap[j] = uint16(len(joints))
			joints = append(joints, skin.Joints[j])
			if j < len(skin.InverseBind) {
				ibms = append(ibms, skin.InverseBind[j])
			} else {
				ibms = append(ibms, mgl32.Ident4())
			}
		}
		if len(joints) == len(skin.Joints) {
			continue
		}
		removed += len(skin.Joints) - len(joints)
		skin.Joints = joints
		skin.InverseBind = ibms

		for _, m := range meshes {
			for pi := range r.Meshes[m].Primitives {
				verts := r.Meshes[m].Primitives[pi].Vertices
				for vi := range verts {
					for k := 0; k < 4; k++ {
						j := int(verts[vi].Joints[k])
						if verts[vi].Weights[k] > 0 && j < len(remap) {
							verts[vi].Joints[k] = remap[j]
						} else {
							verts[vi].Joints[k] = 0
							verts[vi].Weights[k] = 0
						}
					}
				}
			}
		}
	}
	return removed
}

// restBounds computes node-space bounds of all geometry in the rest pose,
// before the root correction.
func restBounds(r *rig.Rig) rig.Bounds {
	b := rig.EmptyBounds()
	world := r.RestWorldMatrices()
	var scratch []rig.Vertex
	for ni, n := range r.Nodes {
		if n.Mesh < 0 || n.Mesh >= len(r.Meshes) {
			continue
		}
		var joints []mgl32.Mat4
		if n.Skin >= 0 && n.Skin < len(r.Skins) {
			joints = r.JointMatrices(n.Skin, world)
		}
		for pi := range r.Meshes[n.Mesh].Primitives {
			p := &r.Meshes[n.Mesh].Primitives[pi]
			scratch = rig.Deform(p, nil, joints, scratch)
			for _, v := range scratch {
				pos := v.Position
				if joints == nil {
					pos = mgl32.TransformCoordinate(pos, world[ni])
				}
				b.Extend(pos)
			}
		}
	}
	return b
}
