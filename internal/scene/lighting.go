package scene

import "github.com/go-gl/mathgl/mgl32"

// Light is a directional light. Direction points from the light toward the
// subject.
type Light struct {
	Direction  mgl32.Vec3
	Color      mgl32.Vec3
	Intensity  float32
	CastShadow bool
}

const (
	KeyLight = iota
	FillLight
	RimLight
	lightCount
)

// Lighting is the fixed studio rig: ambient plus key, fill and rim.
type Lighting struct {
	Ambient mgl32.Vec3
	Lights  [lightCount]Light
}

// StudioLighting keeps a humanoid subject facing +Z readably lit against
// any background. Only the key light casts shadows.
func StudioLighting() Lighting {
	return Lighting{
		Ambient: mgl32.Vec3{0.32, 0.32, 0.36},
		Lights: [lightCount]Light{
			KeyLight: {
				Direction:  mgl32.Vec3{-0.5, -0.6, -0.8}.Normalize(),
				Color:      mgl32.Vec3{1.0, 0.97, 0.92},
				Intensity:  1.1,
				CastShadow: true,
			},
			FillLight: {
				Direction: mgl32.Vec3{0.7, -0.2, -0.7}.Normalize(),
				Color:     mgl32.Vec3{0.85, 0.9, 1.0},
				Intensity: 0.45,
			},
			RimLight: {
				Direction: mgl32.Vec3{0.2, -0.4, 1.0}.Normalize(),
				Color:     mgl32.Vec3{1.0, 0.95, 0.9},
				Intensity: 0.6,
			},
		},
	}
}

// Shade returns the diffuse light reaching a surface with world normal n,
// rim light included.
func (l *Lighting) Shade(n mgl32.Vec3) mgl32.Vec3 {
	out := l.Ambient
	for _, light := range l.Lights {
		ndl := -n.Dot(light.Direction)
		if ndl <= 0 {
			continue
		}
		out = out.Add(light.Color.Mul(ndl * light.Intensity))
	}
	return out
}
