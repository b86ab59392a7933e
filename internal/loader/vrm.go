package loader

import (
	"encoding/json"
	"fmt"

	"github.com/qmuntal/gltf"

	"github.com/normanking/avatarengine/internal/rig"
)

const (
	extVRM0 = "VRM"
	extVRM1 = "VRMC_vrm"
)

type vrm0Extension struct {
	Meta struct {
		Title string `json:"title"`
	} `json:"meta"`
	Humanoid struct {
		HumanBones []struct {
			Bone string `json:"bone"`
			Node int    `json:"node"`
		} `json:"humanBones"`
	} `json:"humanoid"`
	BlendShapeMaster struct {
		BlendShapeGroups []struct {
			Name       string `json:"name"`
			PresetName string `json:"presetName"`
			Binds      []struct {
				Mesh   int     `json:"mesh"`
				Index  int     `json:"index"`
				Weight float32 `json:"weight"`
			} `json:"binds"`
		} `json:"blendShapeGroups"`
	} `json:"blendShapeMaster"`
}

type vrm1Expression struct {
	MorphTargetBinds []struct {
		Node   int     `json:"node"`
		Index  int     `json:"index"`
		Weight float32 `json:"weight"`
	} `json:"morphTargetBinds"`
}

type vrm1Extension struct {
	Meta struct {
		Name string `json:"name"`
	} `json:"meta"`
	Humanoid struct {
		HumanBones map[string]struct {
			Node int `json:"node"`
		} `json:"humanBones"`
	} `json:"humanoid"`
	Expressions struct {
		Preset map[string]vrm1Expression `json:"preset"`
		Custom map[string]vrm1Expression `json:"custom"`
	} `json:"expressions"`
}

// extension re-encodes a raw extension value into dst. Unknown extensions
// arrive from the decoder as raw JSON or generic maps.
func extension(ext gltf.Extensions, name string, dst any) (bool, error) {
	v, ok := ext[name]
	if !ok {
		return false, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return true, fmt.Errorf("encode %s extension: %w", name, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode %s extension: %w", name, err)
	}
	return true, nil
}

func readHumanoid(doc *gltf.Document, r *rig.Rig) (Format, error) {
	var v1 vrm1Extension
	ok, err := extension(doc.Extensions, extVRM1, &v1)
	if err != nil {
		return FormatVRM1, err
	}
	if ok {
		if v1.Meta.Name != "" {
			r.Name = v1.Meta.Name
		}
		for name, hb := range v1.Humanoid.HumanBones {
			bindBone(r, name, hb.Node)
		}
		for name, expr := range v1.Expressions.Preset {
			bindVRM1Expression(doc, r, name, expr)
		}
		for name, expr := range v1.Expressions.Custom {
			bindVRM1Expression(doc, r, name, expr)
		}
		return FormatVRM1, nil
	}

	var v0 vrm0Extension
	ok, err = extension(doc.Extensions, extVRM0, &v0)
	if err != nil {
		return FormatVRM0, err
	}
	if !ok {
		return FormatGLTF, nil
	}
	if v0.Meta.Title != "" {
		r.Name = v0.Meta.Title
	}
	for _, hb := range v0.Humanoid.HumanBones {
		bindBone(r, hb.Bone, hb.Node)
	}
	for _, g := range v0.BlendShapeMaster.BlendShapeGroups {
		c := rig.Channel(-1)
		if g.PresetName != "" && g.PresetName != "unknown" {
			c = rig.ChannelFromName(g.PresetName)
		}
		if c < 0 {
			c = rig.ChannelFromName(g.Name)
		}
		if c < 0 {
			continue
		}
		for _, b := range g.Binds {
			if b.Mesh < 0 || b.Mesh >= len(r.Meshes) {
				continue
			}
			// VRM 0.x weights are percentages.
			r.Expressions[c] = append(r.Expressions[c], rig.Binding{
				Mesh:   b.Mesh,
				Target: b.Index,
				Weight: b.Weight / 100,
			})
		}
	}
	return FormatVRM0, nil
}

func bindBone(r *rig.Rig, name string, node int) {
	b := rig.BoneFromName(name)
	if b < 0 || node < 0 || node >= len(r.Nodes) {
		return
	}
	r.Bones[b] = node
}

func bindVRM1Expression(doc *gltf.Document, r *rig.Rig, name string, expr vrm1Expression) {
	c := rig.ChannelFromName(name)
	if c < 0 || len(r.Expressions[c]) > 0 {
		return
	}
	for _, b := range expr.MorphTargetBinds {
		if b.Node < 0 || b.Node >= len(doc.Nodes) || doc.Nodes[b.Node].Mesh == nil {
			continue
		}
		r.Expressions[c] = append(r.Expressions[c], rig.Binding{
			Mesh:   int(*doc.Nodes[b.Node].Mesh),
			Target: b.Index,
			Weight: b.Weight,
		})
	}
}
