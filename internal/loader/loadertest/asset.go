// Package loadertest builds small self-contained humanoid glTF assets for
// tests.
package loadertest

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

type Flavor int

const (
	GLTF Flavor = iota
	VRM0
	VRM1
)

// Options tune the generated asset.
type Options struct {
	Name   string
	Flavor Flavor
	// AlphaMode, when set, gives the body a material with that glTF alpha
	// mode ("OPAQUE", "MASK" or "BLEND") and AlphaCutoff.
	AlphaMode   string
	AlphaCutoff float32
}

// Joint node indices of the generated skeleton.
const (
	NodeHips = iota
	NodeSpine
	NodeNeck
	NodeHead
	NodeLeftUpperArm
	NodeLeftLowerArm
	NodeRightUpperArm
	NodeRightLowerArm
	NodeTail
	NodeBody
)

// Vertex counts before and after duplicate merging, and the number of skin
// joints with no weighted vertex.
const (
	RawVertices    = 12
	MergedVertices = 8
	UnusedJoints   = 7
)

type skeletonNode struct {
	name     string
	vrmName  string
	offset   [3]float32
	children []int
}

var skeleton = []skeletonNode{
	NodeHips:          {"Hips", "hips", [3]float32{0, 1, 0}, []int{NodeSpine, NodeTail}},
	NodeSpine:         {"Spine", "spine", [3]float32{0, 0.2, 0}, []int{NodeNeck, NodeLeftUpperArm, NodeRightUpperArm}},
	NodeNeck:          {"Neck", "neck", [3]float32{0, 0.3, 0}, []int{NodeHead}},
	NodeHead:          {"Head", "head", [3]float32{0, 0.1, 0}, nil},
	NodeLeftUpperArm:  {"LeftUpperArm", "leftUpperArm", [3]float32{-0.15, 0.25, 0}, []int{NodeLeftLowerArm}},
	NodeLeftLowerArm:  {"LeftLowerArm", "leftLowerArm", [3]float32{-0.25, 0, 0}, nil},
	NodeRightUpperArm: {"RightUpperArm", "rightUpperArm", [3]float32{0.15, 0.25, 0}, []int{NodeRightLowerArm}},
	NodeRightLowerArm: {"RightLowerArm", "rightLowerArm", [3]float32{0.25, 0, 0}, nil},
	NodeTail:          {"Tail", "", [3]float32{0, -0.1, 0}, nil},
}

type binWriter struct {
	buf   bytes.Buffer
	views []map[string]any
}

func (w *binWriter) view(data any) int {
	start := w.buf.Len()
	if err := binary.Write(&w.buf, binary.LittleEndian, data); err != nil {
		panic(err)
	}
	w.views = append(w.views, map[string]any{
		"buffer":     0,
		"byteOffset": start,
		"byteLength": w.buf.Len() - start,
	})
	for w.buf.Len()%4 != 0 {
		w.buf.WriteByte(0)
	}
	return len(w.views) - 1
}

// Asset returns glTF JSON with an embedded buffer: a nine joint skeleton,
// a head quad skinned to the head and a body quad skinned to the hips, two
// morph targets (mouth open, blink) and the humanoid metadata of the
// requested flavor.
func Asset(opts Options) []byte {
	if opts.Name == "" {
		opts.Name = "Test Avatar"
	}

	var w binWriter
	var accessors []map[string]any
	accessor := func(view, count, ctype int, typ string) int {
		accessors = append(accessors, map[string]any{
			"bufferView":    view,
			"componentType": ctype,
			"count":         count,
			"type":          typ,
		})
		return len(accessors) - 1
	}
	const (
		float  = 5126
		ushort = 5123
	)

	quad := func(x0, y0, x1, y1 float32) [][3]float32 {
		return [][3]float32{
			{x0, y0, 0}, {x1, y0, 0}, {x0, y1, 0},
			{x1, y0, 0}, {x1, y1, 0}, {x0, y1, 0},
		}
	}
	var positions [][3]float32
	positions = append(positions, quad(-0.1, 1.5, 0.1, 1.7)...)
	positions = append(positions, quad(-0.15, 0.9, 0.15, 1.5)...)

	normals := make([][3]float32, len(positions))
	joints := make([][4]uint16, len(positions))
	weights := make([][4]float32, len(positions))
	mouth := make([][3]float32, len(positions))
	blink := make([][3]float32, len(positions))
	for i := range positions {
		normals[i] = [3]float32{0, 0, -1}
		weights[i] = [4]float32{1, 0, 0, 0}
		if i < 6 {
			joints[i] = [4]uint16{NodeHead, 0, 0, 0}
			mouth[i] = [3]float32{0, -0.02, 0}
			blink[i] = [3]float32{0, 0.01, 0}
		} else {
			joints[i] = [4]uint16{NodeHips, 0, 0, 0}
		}
	}

	var world [NodeTail + 1][3]float32
	parent := make(map[int]int)
	for i, n := range skeleton {
		for _, c := range n.children {
			parent[c] = i
		}
	}
	for i, n := range skeleton {
		world[i] = n.offset
		if p, ok := parent[i]; ok {
			for k := 0; k < 3; k++ {
				world[i][k] += world[p][k]
			}
		}
	}
	ibms := make([][16]float32, len(skeleton))
	for i := range skeleton {
		ibms[i] = [16]float32{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, -world[i][0], -world[i][1], -world[i][2], 1}
	}

	n := len(positions)
	posAcc := accessor(w.view(positions), n, float, "VEC3")
	normAcc := accessor(w.view(normals), n, float, "VEC3")
	jointAcc := accessor(w.view(joints), n, ushort, "VEC4")
	weightAcc := accessor(w.view(weights), n, float, "VEC4")
	mouthAcc := accessor(w.view(mouth), n, float, "VEC3")
	blinkAcc := accessor(w.view(blink), n, float, "VEC3")
	ibmAcc := accessor(w.view(ibms), len(ibms), float, "MAT4")

	var nodes []map[string]any
	jointList := make([]int, len(skeleton))
	for i, sn := range skeleton {
		node := map[string]any{"name": sn.name, "translation": sn.offset}
		if len(sn.children) > 0 {
			node["children"] = sn.children
		}
		nodes = append(nodes, node)
		jointList[i] = i
	}
	nodes = append(nodes, map[string]any{"name": "Body", "mesh": 0, "skin": 0})

	doc := map[string]any{
		"asset":       map[string]any{"version": "2.0"},
		"scene":       0,
		"scenes":      []any{map[string]any{"nodes": []int{NodeHips, NodeBody}}},
		"nodes":       nodes,
		"accessors":   accessors,
		"bufferViews": w.views,
		"buffers": []any{map[string]any{
			"byteLength": w.buf.Len(),
			"uri":        "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(w.buf.Bytes()),
		}},
		"meshes": []any{map[string]any{
			"name": "Body",
			"primitives": []any{map[string]any{
				"attributes": map[string]int{
					"POSITION":  posAcc,
					"NORMAL":    normAcc,
					"JOINTS_0":  jointAcc,
					"WEIGHTS_0": weightAcc,
				},
				"targets": []any{
					map[string]int{"POSITION": mouthAcc},
					map[string]int{"POSITION": blinkAcc},
				},
			}},
			"extras": map[string]any{"targetNames": []string{"Fcl_MTH_A", "Fcl_EYE_Blink"}},
		}},
		"skins": []any{map[string]any{
			"joints":              jointList,
			"inverseBindMatrices": ibmAcc,
		}},
	}

	if opts.AlphaMode != "" {
		mat := map[string]any{"name": "Body", "alphaMode": opts.AlphaMode, "doubleSided": true}
		if opts.AlphaCutoff > 0 {
			mat["alphaCutoff"] = opts.AlphaCutoff
		}
		doc["materials"] = []any{mat}
		prim := doc["meshes"].([]any)[0].(map[string]any)["primitives"].([]any)[0].(map[string]any)
		prim["material"] = 0
	}

	switch opts.Flavor {
	case VRM0:
		var bones []map[string]any
		for i, sn := range skeleton {
			if sn.vrmName != "" {
				bones = append(bones, map[string]any{"bone": sn.vrmName, "node": i})
			}
		}
		bind := func(index int, weight float32) []any {
			return []any{map[string]any{"mesh": 0, "index": index, "weight": weight}}
		}
		doc["extensionsUsed"] = []string{"VRM"}
		doc["extensions"] = map[string]any{"VRM": map[string]any{
			"meta":     map[string]any{"title": opts.Name},
			"humanoid": map[string]any{"humanBones": bones},
			"blendShapeMaster": map[string]any{"blendShapeGroups": []any{
				map[string]any{"name": "A", "presetName": "a", "binds": bind(0, 100)},
				map[string]any{"name": "Blink", "presetName": "blink", "binds": bind(1, 100)},
				map[string]any{"name": "Joy", "presetName": "joy", "binds": bind(0, 30)},
			}},
		}}
	case VRM1:
		bones := make(map[string]any)
		for i, sn := range skeleton {
			if sn.vrmName != "" {
				bones[sn.vrmName] = map[string]any{"node": i}
			}
		}
		bind := func(index int, weight float32) map[string]any {
			return map[string]any{"morphTargetBinds": []any{
				map[string]any{"node": NodeBody, "index": index, "weight": weight},
			}}
		}
		doc["extensionsUsed"] = []string{"VRMC_vrm"}
		doc["extensions"] = map[string]any{"VRMC_vrm": map[string]any{
			"specVersion": "1.0",
			"meta":        map[string]any{"name": opts.Name},
			"humanoid":    map[string]any{"humanBones": bones},
			"expressions": map[string]any{"preset": map[string]any{
				"aa":    bind(0, 1),
				"blink": bind(1, 1),
				"happy": bind(0, 0.3),
			}},
		}}
	}

	out, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("loadertest: %v", err))
	}
	return out
}
