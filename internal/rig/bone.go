package rig

import "strings"

// HumanBone identifies a humanoid skeleton slot, named after the VRM
// humanoid bone set.
type HumanBone int

const (
	Hips HumanBone = iota
	Spine
	Chest
	UpperChest
	Neck
	Head
	LeftShoulder
	LeftUpperArm
	LeftLowerArm
	LeftHand
	RightShoulder
	RightUpperArm
	RightLowerArm
	RightHand
	LeftUpperLeg
	LeftLowerLeg
	LeftFoot
	RightUpperLeg
	RightLowerLeg
	RightFoot
	BoneCount
)

var BoneNames = [BoneCount]string{
	"hips",
	"spine",
	"chest",
	"upperChest",
	"neck",
	"head",
	"leftShoulder",
	"leftUpperArm",
	"leftLowerArm",
	"leftHand",
	"rightShoulder",
	"rightUpperArm",
	"rightLowerArm",
	"rightHand",
	"leftUpperLeg",
	"leftLowerLeg",
	"leftFoot",
	"rightUpperLeg",
	"rightLowerLeg",
	"rightFoot",
}

func (b HumanBone) String() string {
	if b < 0 || b >= BoneCount {
		return "unknown"
	}
	return BoneNames[b]
}

// boneAliases lists node-name spellings seen in exporters other than VRM
// (Mixamo, VRoid J_Bip, Blender rigify-lite). Keys are normalized.
var boneAliases = map[string]HumanBone{
	"pelvis":          Hips,
	"jbipchips":       Hips,
	"jbipcspine":      Spine,
	"jbipcchest":      Chest,
	"jbipcupperchest": UpperChest,
	"spine1":          Chest,
	"spine2":          UpperChest,
	"jbipcneck":       Neck,
	"jbipchead":       Head,
	"leftarm":         LeftUpperArm,
	"leftforearm":     LeftLowerArm,
	"rightarm":        RightUpperArm,
	"rightforearm":    RightLowerArm,
	"leftupleg":       LeftUpperLeg,
	"leftleg":         LeftLowerLeg,
	"rightupleg":      RightUpperLeg,
	"rightleg":        RightLowerLeg,
	"jbiplshoulder":   LeftShoulder,
	"jbiplupperarm":   LeftUpperArm,
	"jbipllowerarm":   LeftLowerArm,
	"jbiplhand":       LeftHand,
	"jbiprshoulder":   RightShoulder,
	"jbiprupperarm":   RightUpperArm,
	"jbiprlowerarm":   RightLowerArm,
	"jbiprhand":       RightHand,
	"jbiplupperleg":   LeftUpperLeg,
	"jbipllowerleg":   LeftLowerLeg,
	"jbiplfoot":       LeftFoot,
	"jbiprupperleg":   RightUpperLeg,
	"jbiprlowerleg":   RightLowerLeg,
	"jbiprfoot":       RightFoot,
}

// BoneFromName resolves a humanoid bone from a node name. Separators, case
// and a "mixamorig" prefix are ignored. It returns -1 when nothing matches.
func BoneFromName(name string) HumanBone {
	key := normalizeBoneName(name)
	for i, n := range BoneNames {
		if strings.ToLower(n) == key {
			return HumanBone(i)
		}
	}
	if b, ok := boneAliases[key]; ok {
		return b
	}
	return -1
}

func normalizeBoneName(name string) string {
	name = strings.ToLower(name)
	name = strings.TrimPrefix(name, "mixamorig:")
	name = strings.TrimPrefix(name, "mixamorig")
	var sb strings.Builder
	for _, r := range name {
		if r == '_' || r == '.' || r == ' ' || r == '-' || r == ':' {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
