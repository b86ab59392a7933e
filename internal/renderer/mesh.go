package renderer

import (
	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/normanking/avatarengine/internal/rig"
	"github.com/normanking/avatarengine/internal/scene"
)

// vertexFloats is position, normal and texcoord. Skinning and morphs are
// applied on the CPU, so joints and weights never reach the GPU.
const vertexFloats = 8

// gpuMesh holds the buffers of one primitive. The vertex buffer is
// rewritten each frame with the deformed vertices.
type gpuMesh struct {
	VAO        uint32
	VBO        uint32
	EBO        uint32
	IndexCount int32

	prim    *rig.Primitive
	scratch []rig.Vertex
	packed  []float32
}

func newGPUMesh(p *rig.Primitive) *gpuMesh {
	m := &gpuMesh{prim: p, IndexCount: int32(len(p.Indices))}
	m.packed = packVertices(p.Vertices, m.packed)

	gl.GenVertexArrays(1, &m.VAO)
	gl.GenBuffers(1, &m.VBO)
	gl.GenBuffers(1, &m.EBO)

	gl.BindVertexArray(m.VAO)
	gl.BindBuffer(gl.ARRAY_BUFFER, m.VBO)
	if len(m.packed) > 0 {
		gl.BufferData(gl.ARRAY_BUFFER, len(m.packed)*4, gl.Ptr(m.packed), gl.DYNAMIC_DRAW)
	}

	stride := int32(vertexFloats * 4)
	gl.VertexAttribPointerWithOffset(0, 3, gl.FLOAT, false, stride, 0)
	gl.EnableVertexAttribArray(0)
	gl.VertexAttribPointerWithOffset(1, 3, gl.FLOAT, false, stride, 3*4)
	gl.EnableVertexAttribArray(1)
	gl.VertexAttribPointerWithOffset(2, 2, gl.FLOAT, false, stride, 6*4)
	gl.EnableVertexAttribArray(2)

	if len(p.Indices) > 0 {
		gl.BindBuffer(gl.ELEMENT_ARRAY_BUFFER, m.EBO)
		gl.BufferData(gl.ELEMENT_ARRAY_BUFFER, len(p.Indices)*4, gl.Ptr(p.Indices), gl.STATIC_DRAW)
	}

	gl.BindVertexArray(0)
	return m
}

// update deforms the primitive for the draw and rewrites the vertex buffer.
// It returns the deformed vertices for bounds and shadow fitting.
func (m *gpuMesh) update(dr *scene.Draw) []rig.Vertex {
	m.scratch = rig.Deform(m.prim, dr.Morph, dr.Joints, m.scratch)
	m.packed = packVertices(m.scratch, m.packed)
	if len(m.packed) == 0 {
		return m.scratch
	}
	gl.BindBuffer(gl.ARRAY_BUFFER, m.VBO)
	gl.BufferSubData(gl.ARRAY_BUFFER, 0, len(m.packed)*4, gl.Ptr(m.packed))
	return m.scratch
}

func (m *gpuMesh) draw() {
	if m.IndexCount == 0 {
		return
	}
	gl.BindVertexArray(m.VAO)
	gl.DrawElements(gl.TRIANGLES, m.IndexCount, gl.UNSIGNED_INT, nil)
	gl.BindVertexArray(0)
}

func (m *gpuMesh) delete() {
	gl.DeleteVertexArrays(1, &m.VAO)
	gl.DeleteBuffers(1, &m.VBO)
	gl.DeleteBuffers(1, &m.EBO)
}

// packVertices interleaves vertices into dst, reusing it when large enough.
func packVertices(verts []rig.Vertex, dst []float32) []float32 {
	n := len(verts) * vertexFloats
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i, v := range verts {
		o := dst[i*vertexFloats : (i+1)*vertexFloats]
		o[0], o[1], o[2] = v.Position[0], v.Position[1], v.Position[2]
		o[3], o[4], o[5] = v.Normal[0], v.Normal[1], v.Normal[2]
		o[6], o[7] = v.TexCoord[0], v.TexCoord[1]
	}
	return dst
}

// bounds accumulates world space extents of deformed vertices.
type bounds struct {
	min, max mgl32.Vec3
	empty    bool
}

func newBounds() bounds {
	return bounds{empty: true}
}

func (b *bounds) add(verts []rig.Vertex, model mgl32.Mat4) {
	for _, v := range verts {
		p := mgl32.TransformCoordinate(v.Position, model)
		if b.empty {
			b.min, b.max, b.empty = p, p, false
			continue
		}
		for i := 0; i < 3; i++ {
			b.min[i] = min(b.min[i], p[i])
			b.max[i] = max(b.max[i], p[i])
		}
	}
}
