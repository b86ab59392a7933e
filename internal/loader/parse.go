package loader

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/qmuntal/gltf"
	_ "golang.org/x/image/webp"

	"github.com/normanking/avatarengine/internal/rig"
)

// Format identifies the flavour of humanoid metadata found in an asset.
type Format int

const (
	FormatGLTF Format = iota
	FormatVRM0
	FormatVRM1
)

func (f Format) String() string {
	switch f {
	case FormatVRM0:
		return "vrm0"
	case FormatVRM1:
		return "vrm1"
	default:
		return "gltf"
	}
}

var errNoGeometry = errors.New("asset has no triangle geometry")

// Parse decodes glTF JSON or GLB bytes into a prepared rig. Humanoid bones
// and expression bindings come from the VRMC_vrm or VRM extension when
// present and from node and morph target names otherwise.
func Parse(data []byte, name string) (*rig.Rig, Format, error) {
	doc := new(gltf.Document)
	if err := gltf.NewDecoder(bytes.NewReader(data)).Decode(doc); err != nil {
		return nil, FormatGLTF, fmt.Errorf("decode gltf: %w", err)
	}

	r := rig.New(name)
	if err := readNodes(doc, r); err != nil {
		return nil, FormatGLTF, err
	}
	if err := readMaterials(doc, r); err != nil {
		return nil, FormatGLTF, err
	}
	if err := readMeshes(doc, r); err != nil {
		return nil, FormatGLTF, err
	}
	if err := readSkins(doc, r); err != nil {
		return nil, FormatGLTF, err
	}
	if r.VertexCount() == 0 {
		return nil, FormatGLTF, errNoGeometry
	}

	format, err := readHumanoid(doc, r)
	if err != nil {
		return nil, format, err
	}
	if format == FormatGLTF {
		bindBonesByName(r)
		bindExpressionsByName(r)
	}

	if err := r.Prepare(); err != nil {
		return nil, format, fmt.Errorf("prepare rig: %w", err)
	}
	return r, format, nil
}

func readNodes(doc *gltf.Document, r *rig.Rig) error {
	r.Nodes = make([]rig.Node, len(doc.Nodes))
	for i, n := range doc.Nodes {
		node := rig.Node{
			Name: n.Name,
			Rest: nodeTransform(n),
			Mesh: -1,
			Skin: -1,
		}
		if node.Name == "" {
			node.Name = fmt.Sprintf("node%d", i)
		}
		for _, c := range n.Children {
			node.Children = append(node.Children, int(c))
		}
		if n.Mesh != nil {
			node.Mesh = int(*n.Mesh)
			if node.Mesh >= len(doc.Meshes) {
				return fmt.Errorf("node %d: mesh %d out of range", i, node.Mesh)
			}
		}
		if n.Skin != nil {
			node.Skin = int(*n.Skin)
			if node.Skin >= len(doc.Skins) {
				return fmt.Errorf("node %d: skin %d out of range", i, node.Skin)
			}
		}
		r.Nodes[i] = node
	}

	if len(doc.Scenes) > 0 {
		scene := 0
		if doc.Scene != nil {
			scene = int(*doc.Scene)
		}
		if scene < len(doc.Scenes) {
			for _, n := range doc.Scenes[scene].Nodes {
				if int(n) >= len(r.Nodes) {
					return fmt.Errorf("scene node %d out of range", n)
				}
				r.Roots = append(r.Roots, int(n))
			}
		}
	}
	return nil
}

func nodeTransform(n *gltf.Node) rig.Transform {
	t := rig.IdentityTransform()

	var m mgl32.Mat4
	for i := range m {
		m[i] = float32(n.Matrix[i])
	}
	if m != (mgl32.Mat4{}) && m != mgl32.Ident4() {
		t.Translation = m.Col(3).Vec3()
		sx := m.Col(0).Vec3().Len()
		sy := m.Col(1).Vec3().Len()
		sz := m.Col(2).Vec3().Len()
		t.Scale = mgl32.Vec3{sx, sy, sz}
		if sx > 0 && sy > 0 && sz > 0 {
			rot := mgl32.Mat3FromCols(
				m.Col(0).Vec3().Mul(1/sx),
				m.Col(1).Vec3().Mul(1/sy),
				m.Col(2).Vec3().Mul(1/sz),
			)
			t.Rotation = mgl32.Mat4ToQuat(rot.Mat4()).Normalize()
		}
		return t
	}

	t.Translation = mgl32.Vec3{float32(n.Translation[0]), float32(n.Translation[1]), float32(n.Translation[2])}
	q := mgl32.Quat{
		W: float32(n.Rotation[3]),
		V: mgl32.Vec3{float32(n.Rotation[0]), float32(n.Rotation[1]), float32(n.Rotation[2])},
	}
	if q.Len() > 0 {
		t.Rotation = q.Normalize()
	}
	s := mgl32.Vec3{float32(n.Scale[0]), float32(n.Scale[1]), float32(n.Scale[2])}
	if s != (mgl32.Vec3{}) {
		t.Scale = s
	}
	return t
}

func readMaterials(doc *gltf.Document, r *rig.Rig) error {
	for i, m := range doc.Materials {
		mat := rig.Material{
			Name:        m.Name,
			BaseColor:   mgl32.Vec4{1, 1, 1, 1},
			DoubleSided: m.DoubleSided,
			AlphaMode:   alphaMode(m.AlphaMode),
			AlphaCutoff: float32(m.AlphaCutoffOrDefault()),
		}
		if pbr := m.PBRMetallicRoughness; pbr != nil {
			c := pbr.BaseColorFactorOrDefault()
			mat.BaseColor = mgl32.Vec4{float32(c[0]), float32(c[1]), float32(c[2]), float32(c[3])}
			if info := pbr.BaseColorTexture; info != nil {
				tex, err := readTexture(doc, int(info.Index))
				if err != nil {
					return fmt.Errorf("material %d: %w", i, err)
				}
				mat.Texture = tex
			}
		}
		r.Materials = append(r.Materials, mat)
	}
	// Primitives without a material use a trailing default.
	r.Materials = append(r.Materials, rig.Material{
		Name:        "default",
		BaseColor:   mgl32.Vec4{0.8, 0.8, 0.8, 1},
		AlphaCutoff: rig.DefaultAlphaCutoff,
	})
	return nil
}

func alphaMode(m gltf.AlphaMode) rig.AlphaMode {
	switch m {
	case gltf.AlphaMask:
		return rig.AlphaMask
	case gltf.AlphaBlend:
		return rig.AlphaBlend
	default:
		return rig.AlphaOpaque
	}
}

func readTexture(doc *gltf.Document, idx int) (*image.RGBA, error) {
	if idx < 0 || idx >= len(doc.Textures) {
		return nil, fmt.Errorf("texture %d out of range", idx)
	}
	texture := doc.Textures[idx]
	if texture.Source == nil {
		return nil, nil
	}
	imgIdx := int(*texture.Source)
	if imgIdx >= len(doc.Images) {
		return nil, fmt.Errorf("image %d out of range", imgIdx)
	}
	img := doc.Images[imgIdx]

	var raw []byte
	switch {
	case img.BufferView != nil:
		bvIdx := int(*img.BufferView)
		if bvIdx >= len(doc.BufferViews) {
			return nil, fmt.Errorf("image %d: buffer view out of range", imgIdx)
		}
		bufferView := doc.BufferViews[bvIdx]
		data, err := bufferData(doc.Buffers[int(bufferView.Buffer)])
		if err != nil {
			return nil, err
		}
		offset := int(bufferView.ByteOffset)
		length := int(bufferView.ByteLength)
		if offset+length > len(data) {
			return nil, fmt.Errorf("image %d: buffer view past end of buffer", imgIdx)
		}
		raw = data[offset : offset+length]
	case strings.HasPrefix(img.URI, "data:"):
		data, err := fetchDataURI(img.URI)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", imgIdx, err)
		}
		raw = data
	default:
		return nil, fmt.Errorf("image %d: external image %q is not supported", imgIdx, img.URI)
	}

	decoded, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("image %d: %w", imgIdx, err)
	}
	return toRGBA(decoded), nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	return rgba
}

func readMeshes(doc *gltf.Document, r *rig.Rig) error {
	defaultMaterial := len(r.Materials) - 1
	for mi, m := range doc.Meshes {
		mesh := rig.Mesh{Name: m.Name, TargetNames: targetNames(m.Extras)}
		for pi, prim := range m.Primitives {
			if prim.Mode != gltf.PrimitiveTriangles {
				continue
			}
			p, err := readPrimitive(doc, prim)
			if err != nil {
				return fmt.Errorf("mesh %d primitive %d: %w", mi, pi, err)
			}
			p.Material = defaultMaterial
			if prim.Material != nil && int(*prim.Material) < defaultMaterial {
				p.Material = int(*prim.Material)
			}
			mesh.Primitives = append(mesh.Primitives, p)
		}
		for i, name := range mesh.TargetNames {
			for pi := range mesh.Primitives {
				if i < len(mesh.Primitives[pi].Targets) {
					mesh.Primitives[pi].Targets[i].Name = name
				}
			}
		}
		r.Meshes = append(r.Meshes, mesh)
	}
	return nil
}

func readPrimitive(doc *gltf.Document, prim *gltf.Primitive) (rig.Primitive, error) {
	var p rig.Primitive

	posIdx, ok := prim.Attributes[gltf.POSITION]
	if !ok {
		return p, errors.New("missing POSITION")
	}
	positions, err := readAccessorVec3(doc, int(posIdx))
	if err != nil {
		return p, fmt.Errorf("read positions: %w", err)
	}
	p.Vertices = make([]rig.Vertex, len(positions))
	for i, pos := range positions {
		p.Vertices[i].Position = pos
	}

	if idx, ok := prim.Attributes[gltf.NORMAL]; ok {
		normals, err := readAccessorVec3(doc, int(idx))
		if err != nil {
			return p, fmt.Errorf("read normals: %w", err)
		}
		for i := range p.Vertices {
			if i < len(normals) {
				p.Vertices[i].Normal = normals[i]
			}
		}
	}
	if idx, ok := prim.Attributes[gltf.TEXCOORD_0]; ok {
		uvs, err := readAccessorVec2(doc, int(idx))
		if err != nil {
			return p, fmt.Errorf("read texcoords: %w", err)
		}
		for i := range p.Vertices {
			if i < len(uvs) {
				p.Vertices[i].TexCoord = uvs[i]
			}
		}
	}
	if idx, ok := prim.Attributes[gltf.JOINTS_0]; ok {
		joints, err := readAccessorJoints(doc, int(idx))
		if err != nil {
			return p, fmt.Errorf("read joints: %w", err)
		}
		for i := range p.Vertices {
			if i < len(joints) {
				p.Vertices[i].Joints = joints[i]
			}
		}
	}
	if idx, ok := prim.Attributes[gltf.WEIGHTS_0]; ok {
		weights, err := readAccessorVec4(doc, int(idx))
		if err != nil {
			return p, fmt.Errorf("read weights: %w", err)
		}
		for i := range p.Vertices {
			if i < len(weights) {
				p.Vertices[i].Weights = weights[i]
			}
		}
	}

	if prim.Indices != nil {
		p.Indices, err = readAccessorIndices(doc, int(*prim.Indices))
		if err != nil {
			return p, fmt.Errorf("read indices: %w", err)
		}
		for _, ix := range p.Indices {
			if int(ix) >= len(p.Vertices) {
				return p, fmt.Errorf("index %d out of range", ix)
			}
		}
	} else {
		p.Indices = make([]uint32, len(p.Vertices))
		for i := range p.Indices {
			p.Indices[i] = uint32(i)
		}
	}
	p.Indices = p.Indices[:len(p.Indices)/3*3]

	for ti, target := range prim.Targets {
		var mt rig.MorphTarget
		if idx, ok := target[gltf.POSITION]; ok {
			if mt.PositionDeltas, err = readAccessorVec3(doc, int(idx)); err != nil {
				return p, fmt.Errorf("target %d positions: %w", ti, err)
			}
		}
		if idx, ok := target[gltf.NORMAL]; ok {
			if mt.NormalDeltas, err = readAccessorVec3(doc, int(idx)); err != nil {
				return p, fmt.Errorf("target %d normals: %w", ti, err)
			}
		}
		p.Targets = append(p.Targets, mt)
	}
	return p, nil
}

// targetNames reads the de facto extras.targetNames convention.
func targetNames(extras any) []string {
	if extras == nil {
		return nil
	}
	raw, err := json.Marshal(extras)
	if err != nil {
		return nil
	}
	var ex struct {
		TargetNames []string `json:"targetNames"`
	}
	if json.Unmarshal(raw, &ex) != nil {
		return nil
	}
	return ex.TargetNames
}

func readSkins(doc *gltf.Document, r *rig.Rig) error {
	for si, s := range doc.Skins {
		skin := rig.Skin{Name: s.Name}
		for _, j := range s.Joints {
			if int(j) >= len(r.Nodes) {
				return fmt.Errorf("skin %d: joint %d out of range", si, j)
			}
			skin.Joints = append(skin.Joints, int(j))
		}
		if s.InverseBindMatrices != nil {
			ibm, err := readAccessorMat4(doc, int(*s.InverseBindMatrices))
			if err != nil {
				return fmt.Errorf("skin %d: %w", si, err)
			}
			skin.InverseBind = ibm
		}
		r.Skins = append(r.Skins, skin)
	}
	return nil
}

// bindBonesByName maps humanoid bones from node names. The first node that
// matches a bone wins.
func bindBonesByName(r *rig.Rig) {
	for i, n := range r.Nodes {
		b := rig.BoneFromName(n.Name)
		if b < 0 || r.Bones[b] >= 0 {
			continue
		}
		r.Bones[b] = i
	}
}

// bindExpressionsByName binds channels to morph targets whose names match a
// channel, either whole or by the part after the last underscore.
func bindExpressionsByName(r *rig.Rig) {
	for mi, m := range r.Meshes {
		names := m.TargetNames
		if len(names) == 0 && len(m.Primitives) > 0 {
			for _, t := range m.Primitives[0].Targets {
				names = append(names, t.Name)
			}
		}
		for ti, name := range names {
			c := rig.ChannelFromName(name)
			if c < 0 {
				if u := strings.LastIndexByte(name, '_'); u >= 0 {
					c = rig.ChannelFromName(name[u+1:])
				}
			}
			if c < 0 {
				continue
			}
			r.Expressions[c] = append(r.Expressions[c], rig.Binding{Mesh: mi, Target: ti, Weight: 1})
		}
	}
}
