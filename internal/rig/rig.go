// Package rig holds the in-memory avatar model: a node hierarchy with a
// humanoid bone map, skinned meshes with morph targets, materials, and the
// fixed facial expression channel set.
package rig

import (
	"fmt"
	"image"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
)

type Transform struct {
	Translation mgl32.Vec3
	Rotation    mgl32.Quat
	Scale       mgl32.Vec3
}

func IdentityTransform() Transform {
	return Transform{
		Rotation: mgl32.QuatIdent(),
		Scale:    mgl32.Vec3{1, 1, 1},
	}
}

// Matrix returns T * R * S.
func (t Transform) Matrix() mgl32.Mat4 {
	m := mgl32.Translate3D(t.Translation[0], t.Translation[1], t.Translation[2])
	m = m.Mul4(t.Rotation.Normalize().Mat4())
	return m.Mul4(mgl32.Scale3D(t.Scale[0], t.Scale[1], t.Scale[2]))
}

type Node struct {
	Name     string
	Parent   int
	Children []int
	Rest     Transform
	Mesh     int
	Skin     int
}

type Vertex struct {
	Position mgl32.Vec3
	Normal   mgl32.Vec3
	TexCoord mgl32.Vec2
	Joints   [4]uint16
	Weights  [4]float32
}

type MorphTarget struct {
	Name           string
	PositionDeltas []mgl32.Vec3
	NormalDeltas   []mgl32.Vec3
}

type Primitive struct {
	Vertices []Vertex
	Indices  []uint32
	Targets  []MorphTarget
	Material int
}

type Mesh struct {
	Name       string
	Primitives []Primitive
	// TargetNames is shared by all primitives of the mesh.
	TargetNames []string
}

type Skin struct {
	Name        string
	Joints      []int
	InverseBind []mgl32.Mat4
}

// AlphaMode is how a material's alpha is interpreted, as in glTF.
type AlphaMode int

const (
	// AlphaOpaque ignores alpha.
	AlphaOpaque AlphaMode = iota
	// AlphaMask keeps fragments at or above the cutoff, fully opaque.
	AlphaMask
	// AlphaBlend composites fragments over what is already drawn.
	AlphaBlend
)

// DefaultAlphaCutoff is the glTF default for masked materials.
const DefaultAlphaCutoff = 0.5

// MinBlendAlpha is the coverage below which blended fragments are dropped.
const MinBlendAlpha = 8.0 / 255

func (m AlphaMode) String() string {
	switch m {
	case AlphaMask:
		return "mask"
	case AlphaBlend:
		return "blend"
	default:
		return "opaque"
	}
}

// Resolve returns the coverage a fragment with the given alpha is drawn
// with, and false when the fragment is discarded.
func (m AlphaMode) Resolve(alpha, cutoff float32) (float32, bool) {
	switch m {
	case AlphaMask:
		return 1, alpha >= cutoff
	case AlphaBlend:
		if alpha < MinBlendAlpha {
			return 0, false
		}
		return min(alpha, 1), true
	default:
		return 1, true
	}
}

type Material struct {
	Name        string
	BaseColor   mgl32.Vec4
	Texture     *image.RGBA
	DoubleSided bool
	AlphaMode   AlphaMode
	// AlphaCutoff applies to AlphaMask only.
	AlphaCutoff float32
	// Static materials never change after load, so devices may upload
	// them once and share them between draws.
	Static bool
}

// Binding maps one expression channel onto one morph target of a mesh.
type Binding struct {
	Mesh   int
	Target int
	Weight float32
}

type Rig struct {
	Name   string
	Source string

	// Root carries the orientation correction applied at load time.
	Root      Transform
	Nodes     []Node
	Roots     []int
	Meshes    []Mesh
	Skins     []Skin
	Materials []Material

	Bones       [BoneCount]int
	Expressions [ChannelCount][]Binding
	Bounds      Bounds

	// Placeholder is set on the procedural fallback rig.
	Placeholder bool

	// Pose is the current local transform of every node. Animation resets
	// it to the rest pose and layers offsets on top each frame.
	Pose []Transform
	// Weights are the current expression channel values.
	Weights Weights

	order []int
	// asset is the rig an instance was made from, nil on assets.
	asset *Rig

	mu       sync.Mutex
	disposed bool
}

// New returns an empty rig with no humanoid bones assigned.
func New(name string) *Rig {
	r := &Rig{Name: name}
	for i := range r.Bones {
		r.Bones[i] = -1
	}
	r.Root = IdentityTransform()
	return r
}

// Prepare links parents, computes the traversal order and initializes the
// pose from the rest transforms. It must be called after the node list is
// final and before the rig is animated or rendered.
func (r *Rig) Prepare() error {
	for i := range r.Nodes {
		r.Nodes[i].Parent = -1
	}
	for i, n := range r.Nodes {
		for _, c := range n.Children {
			if c < 0 || c >= len(r.Nodes) {
				return fmt.Errorf("node %d: child %d out of range", i, c)
			}
			if r.Nodes[c].Parent != -1 {
				return fmt.Errorf("node %d has more than one parent", c)
			}
			r.Nodes[c].Parent = i
		}
	}

	if len(r.Roots) == 0 {
		for i, n := range r.Nodes {
			if n.Parent == -1 {
				r.Roots = append(r.Roots, i)
			}
		}
	}

	r.order = r.order[:0]
	visited := make([]bool, len(r.Nodes))
	stack := make([]int, 0, len(r.Nodes))
	for i := len(r.Roots) - 1; i >= 0; i-- {
		stack = append(stack, r.Roots[i])
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			return fmt.Errorf("node %d visited twice", n)
		}
		visited[n] = true
		r.order = append(r.order, n)
		children := r.Nodes[n].Children
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, children[i])
		}
	}

	r.Pose = make([]Transform, len(r.Nodes))
	r.ResetPose()
	return nil
}

// ResetPose copies the rest transforms into the pose.
func (r *Rig) ResetPose() {
	for i := range r.Nodes {
		r.Pose[i] = r.Nodes[i].Rest
	}
}

// Bone returns the node index mapped to a humanoid bone.
func (r *Rig) Bone(b HumanBone) (int, bool) {
	idx := r.Bones[b]
	return idx, idx >= 0
}

// PoseOf returns a pointer to the pose of a humanoid bone, or nil when the
// rig has no such bone.
func (r *Rig) PoseOf(b HumanBone) *Transform {
	idx, ok := r.Bone(b)
	if !ok || idx >= len(r.Pose) {
		return nil
	}
	return &r.Pose[idx]
}

// WorldMatrices resolves the current pose into world space, root included.
// dst is reused when large enough.
func (r *Rig) WorldMatrices(dst []mgl32.Mat4) []mgl32.Mat4 {
	if cap(dst) < len(r.Nodes) {
		dst = make([]mgl32.Mat4, len(r.Nodes))
	}
	dst = dst[:len(r.Nodes)]
	root := r.Root.Matrix()
	for _, i := range r.order {
		local := r.Pose[i].Matrix()
		if p := r.Nodes[i].Parent; p >= 0 {
			dst[i] = dst[p].Mul4(local)
		} else {
			dst[i] = root.Mul4(local)
		}
	}
	return dst
}

// RestWorldMatrices resolves the rest pose into world space without the
// root correction.
func (r *Rig) RestWorldMatrices() []mgl32.Mat4 {
	out := make([]mgl32.Mat4, len(r.Nodes))
	for _, i := range r.order {
		local := r.Nodes[i].Rest.Matrix()
		if p := r.Nodes[i].Parent; p >= 0 {
			out[i] = out[p].Mul4(local)
		} else {
			out[i] = local
		}
	}
	return out
}

// JointMatrices returns the skinning palette of a skin for the given world
// matrices.
func (r *Rig) JointMatrices(skin int, world []mgl32.Mat4) []mgl32.Mat4 {
	s := r.Skins[skin]
	out := make([]mgl32.Mat4, len(s.Joints))
	for i, j := range s.Joints {
		ibm := mgl32.Ident4()
		if i < len(s.InverseBind) {
			ibm = s.InverseBind[i]
		}
		out[i] = world[j].Mul4(ibm)
	}
	return out
}

// MorphWeights folds the current channel weights through the expression
// bindings into per-target weights for one mesh.
func (r *Rig) MorphWeights(mesh int) []float32 {
	m := r.Meshes[mesh]
	n := len(m.TargetNames)
	for _, p := range m.Primitives {
		if len(p.Targets) > n {
			n = len(p.Targets)
		}
	}
	out := make([]float32, n)
	for c := Channel(0); c < ChannelCount; c++ {
		w := r.Weights[c]
		if w == 0 {
			continue
		}
		for _, b := range r.Expressions[c] {
			if b.Mesh != mesh || b.Target < 0 || b.Target >= n {
				continue
			}
			out[b.Target] += w * b.Weight
		}
	}
	for i := range out {
		out[i] = Clamp(out[i], 0, 1)
	}
	return out
}

// HasChannel reports whether any morph target is bound to c.
func (r *Rig) HasChannel(c Channel) bool {
	return len(r.Expressions[c]) > 0
}

// VertexCount sums vertices over all primitives.
func (r *Rig) VertexCount() int {
	n := 0
	for _, m := range r.Meshes {
		for _, p := range m.Primitives {
			n += len(p.Vertices)
		}
	}
	return n
}

// Instance returns a rig that shares r's nodes, meshes, skins, materials
// and bindings and owns a fresh pose and zero weights. The shared data is
// read-only once the rig is prepared, so instances of one asset can be
// animated on different goroutines.
func (r *Rig) Instance() *Rig {
	src := r.Asset()
	inst := &Rig{
		Name:        src.Name,
		Source:      src.Source,
		Root:        src.Root,
		Nodes:       src.Nodes,
		Roots:       src.Roots,
		Meshes:      src.Meshes,
		Skins:       src.Skins,
		Materials:   src.Materials,
		Bones:       src.Bones,
		Expressions: src.Expressions,
		Bounds:      src.Bounds,
		Placeholder: src.Placeholder,
		order:       src.order,
		asset:       src,
	}
	inst.Pose = make([]Transform, len(src.Nodes))
	inst.ResetPose()
	return inst
}

// Asset returns the rig an instance was made from, or r itself.
func (r *Rig) Asset() *Rig {
	if r.asset != nil {
		return r.asset
	}
	return r
}

// Dispose drops the rig's geometry and texture memory. It is safe to call
// more than once; only the first call releases anything. Disposing an
// instance only drops its own references.
func (r *Rig) Dispose() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil
	}
	r.disposed = true
	if r.asset == nil {
		for i := range r.Materials {
			r.Materials[i].Texture = nil
		}
	}
	r.Meshes = nil
	r.Skins = nil
	r.Materials = nil
	return nil
}

// Disposed reports whether r, or the asset it was made from, is disposed.
func (r *Rig) Disposed() bool {
	r.mu.Lock()
	d := r.disposed
	r.mu.Unlock()
	if !d && r.asset != nil {
		return r.asset.Disposed()
	}
	return d
}
