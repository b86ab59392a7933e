package loader

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/normanking/avatarengine/internal/rig"
)

// DefaultYaw turns a -Z facing model toward a camera on +Z.
const DefaultYaw = 180

// BuildOptions configure Build.
type BuildOptions struct {
	Name   string
	Source string
	// Yaw is the orientation correction in degrees about +Y, applied to
	// assets in the -Z facing convention.
	Yaw float32
}

// Build parses, optimizes and orients an asset.
func Build(data []byte, opts BuildOptions) (*rig.Rig, OptimizeStats, error) {
	r, format, err := Parse(data, opts.Name)
	if err != nil {
		return nil, OptimizeStats{}, err
	}
	r.Source = opts.Source
	stats := Optimize(r)
	Orient(r, format, opts.Yaw)
	return r, stats, nil
}

// Orient writes the orientation correction into the rig root. VRM 1.0
// models face +Z and are turned half a revolution first so every format
// shares the -Z convention.
func Orient(r *rig.Rig, format Format, yaw float32) {
	if format == FormatVRM1 {
		yaw += 180
	}
	r.Root.Rotation = mgl32.QuatRotate(mgl32.DegToRad(yaw), mgl32.Vec3{0, 1, 0})
}

// Placeholder returns a fresh procedural rig oriented like a loaded one.
func Placeholder(yaw float32) *rig.Rig {
	r := rig.Placeholder()
	Orient(r, FormatVRM0, yaw)
	return r
}
