package renderer

import (
	"fmt"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/normanking/avatarengine/internal/scene"
)

const shadowMapSize = 2048

// setLightUniforms sets the studio rig on a shader. Directions point from
// the light toward the subject.
func setLightUniforms(s *Shader, l *scene.Lighting) {
	for i, light := range l.Lights {
		prefix := fmt.Sprintf("uLights[%d].", i)
		s.SetVec3(prefix+"direction", light.Direction)
		s.SetVec3(prefix+"color", light.Color)
		s.SetFloat(prefix+"intensity", light.Intensity)
	}
	s.SetInt("uLightCount", int32(len(l.Lights)))
	s.SetVec3("uAmbientColor", l.Ambient)
}

// shadowCaster returns the index of the first light that casts shadows.
func shadowCaster(l *scene.Lighting) (int, bool) {
	for i, light := range l.Lights {
		if light.CastShadow {
			return i, true
		}
	}
	return 0, false
}

// lightSpaceMatrix fits an orthographic projection along dir around b, so
// the whole avatar lands in the shadow map.
func lightSpaceMatrix(dir mgl32.Vec3, b bounds) mgl32.Mat4 {
	center := b.min.Add(b.max).Mul(0.5)
	radius := b.max.Sub(b.min).Len() * 0.5
	if radius < 1e-3 {
		radius = 1
	}
	if dir.Len() < 1e-6 {
		dir = mgl32.Vec3{0, -1, 0}
	}
	dir = dir.Normalize()

	up := mgl32.Vec3{0, 1, 0}
	if abs32(dir.Dot(up)) > 0.99 {
		up = mgl32.Vec3{0, 0, 1}
	}
	eye := center.Sub(dir.Mul(radius * 2))
	view := mgl32.LookAtV(eye, center, up)
	proj := mgl32.Ortho(-radius, radius, -radius, radius, radius*0.5, radius*3.5)
	return proj.Mul4(view)
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// shadowMap is the depth target rendered from the key light.
type shadowMap struct {
	fbo   uint32
	depth uint32
}

func newShadowMap() (*shadowMap, error) {
	sm := &shadowMap{}
	gl.GenFramebuffers(1, &sm.fbo)
	gl.BindFramebuffer(gl.FRAMEBUFFER, sm.fbo)

	gl.GenTextures(1, &sm.depth)
	gl.BindTexture(gl.TEXTURE_2D, sm.depth)
	gl.TexImage2D(gl.TEXTURE_2D, 0, gl.DEPTH_COMPONENT24,
		shadowMapSize, shadowMapSize,
		0, gl.DEPTH_COMPONENT, gl.FLOAT, nil)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_BORDER)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_BORDER)
	border := []float32{1, 1, 1, 1}
	gl.TexParameterfv(gl.TEXTURE_2D, gl.TEXTURE_BORDER_COLOR, &border[0])
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_COMPARE_MODE, gl.COMPARE_REF_TO_TEXTURE)
	gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_COMPARE_FUNC, gl.LEQUAL)
	gl.FramebufferTexture2D(gl.FRAMEBUFFER, gl.DEPTH_ATTACHMENT, gl.TEXTURE_2D, sm.depth, 0)
	gl.DrawBuffer(gl.NONE)
	gl.ReadBuffer(gl.NONE)

	status := gl.CheckFramebufferStatus(gl.FRAMEBUFFER)
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	if status != gl.FRAMEBUFFER_COMPLETE {
		sm.delete()
		return nil, fmt.Errorf("shadow framebuffer incomplete: 0x%x", status)
	}
	return sm, nil
}

func (sm *shadowMap) begin() {
	gl.BindFramebuffer(gl.FRAMEBUFFER, sm.fbo)
	gl.Viewport(0, 0, shadowMapSize, shadowMapSize)
	gl.Clear(gl.DEPTH_BUFFER_BIT)
	gl.Enable(gl.POLYGON_OFFSET_FILL)
	gl.PolygonOffset(2, 4)
}

func (sm *shadowMap) end() {
	gl.Disable(gl.POLYGON_OFFSET_FILL)
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
}

func (sm *shadowMap) delete() {
	gl.DeleteFramebuffers(1, &sm.fbo)
	gl.DeleteTextures(1, &sm.depth)
}
