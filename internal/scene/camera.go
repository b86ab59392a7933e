package scene

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/normanking/avatarengine/internal/rig"
)

// CameraPose is the configurable part of the camera.
type CameraPose struct {
	Position mgl32.Vec3 `mapstructure:"position" yaml:"position"`
	Target   mgl32.Vec3 `mapstructure:"target" yaml:"target"`
	FOV      float32    `mapstructure:"fov" yaml:"fov"`
}

// DefaultCameraPose frames the head and shoulders of a 1.6m avatar standing
// at the origin.
func DefaultCameraPose() CameraPose {
	return CameraPose{
		Position: mgl32.Vec3{0, 1.35, 1.6},
		Target:   mgl32.Vec3{0, 1.25, 0},
		FOV:      30,
	}
}

type Camera struct {
	Position mgl32.Vec3
	Target   mgl32.Vec3
	Up       mgl32.Vec3

	FOV         float32
	AspectRatio float32
	NearPlane   float32
	FarPlane    float32

	viewMatrix       mgl32.Mat4
	projectionMatrix mgl32.Mat4
	dirty            bool
}

func NewCamera(position, target, up mgl32.Vec3, fov, aspect, near, far float32) *Camera {
	c := &Camera{
		Position:    position,
		Target:      target,
		Up:          up,
		FOV:         fov,
		AspectRatio: aspect,
		NearPlane:   near,
		FarPlane:    far,
		dirty:       true,
	}
	c.updateMatrices()
	return c
}

// NewPoseCamera builds a camera from a configured pose.
func NewPoseCamera(pose CameraPose, aspect float32) *Camera {
	if pose.FOV <= 0 {
		pose.FOV = DefaultCameraPose().FOV
	}
	return NewCamera(pose.Position, pose.Target, mgl32.Vec3{0, 1, 0}, pose.FOV, aspect, 0.05, 20)
}

func (c *Camera) ViewMatrix() mgl32.Mat4 {
	if c.dirty {
		c.updateMatrices()
	}
	return c.viewMatrix
}

func (c *Camera) ProjectionMatrix() mgl32.Mat4 {
	if c.dirty {
		c.updateMatrices()
	}
	return c.projectionMatrix
}

func (c *Camera) updateMatrices() {
	c.viewMatrix = mgl32.LookAtV(c.Position, c.Target, c.Up)
	c.projectionMatrix = mgl32.Perspective(
		mgl32.DegToRad(c.FOV),
		c.AspectRatio,
		c.NearPlane,
		c.FarPlane,
	)
	c.dirty = false
}

func (c *Camera) SetPosition(pos mgl32.Vec3) {
	c.Position = pos
	c.dirty = true
}

func (c *Camera) SetTarget(target mgl32.Vec3) {
	c.Target = target
	c.dirty = true
}

func (c *Camera) SetAspectRatio(aspect float32) {
	c.AspectRatio = aspect
	c.dirty = true
}

func (c *Camera) Forward() mgl32.Vec3 {
	return c.Target.Sub(c.Position).Normalize()
}

func (c *Camera) Right() mgl32.Vec3 {
	return c.Forward().Cross(c.Up).Normalize()
}

// Orbit rotates the camera around the target, in degrees.
func (c *Camera) Orbit(deltaYaw, deltaPitch float32) {
	yawRad := float64(mgl32.DegToRad(deltaYaw))
	pitchRad := float64(mgl32.DegToRad(deltaPitch))

	relPos := c.Position.Sub(c.Target)
	distance := relPos.Len()
	if distance == 0 {
		return
	}

	theta := math.Atan2(float64(relPos.X()), float64(relPos.Z()))
	phi := math.Acos(float64(relPos.Y()) / float64(distance))

	theta += yawRad
	phi += pitchRad

	// Clamp pitch to avoid gimbal lock
	phi = math.Max(0.1, math.Min(math.Pi-0.1, phi))

	newPos := mgl32.Vec3{
		float32(math.Sin(phi) * math.Sin(theta)),
		float32(math.Cos(phi)),
		float32(math.Sin(phi) * math.Cos(theta)),
	}.Mul(distance)

	c.Position = c.Target.Add(newPos)
	c.dirty = true
}

// Zoom moves the camera toward the target, never closer than 10cm.
func (c *Camera) Zoom(delta float32) {
	direction := c.Target.Sub(c.Position).Normalize()
	c.Position = c.Position.Add(direction.Mul(delta))

	if c.Position.Sub(c.Target).Len() < 0.1 {
		c.Position = c.Target.Add(direction.Mul(-0.1))
	}
	c.dirty = true
}

// Pan moves both position and target.
func (c *Camera) Pan(deltaX, deltaY float32) {
	offset := c.Right().Mul(deltaX).Add(c.Up.Mul(deltaY))
	c.Position = c.Position.Add(offset)
	c.Target = c.Target.Add(offset)
	c.dirty = true
}

// FrameUpperBody aims the camera at the head and shoulders of world-space
// bounds, keeping the current viewing direction.
func (c *Camera) FrameUpperBody(b rig.Bounds) {
	if !b.Valid() {
		return
	}
	height := b.Size().Y()
	if height <= 0 {
		return
	}
	center := b.Center()
	target := mgl32.Vec3{center.X(), b.Max.Y() - height*0.2, center.Z()}

	// Fit roughly the top 45% of the figure vertically.
	span := height * 0.45
	half := mgl32.DegToRad(c.FOV) / 2
	distance := span / 2 / float32(math.Tan(float64(half)))

	dir := c.Position.Sub(c.Target)
	if dir.Len() == 0 {
		dir = mgl32.Vec3{0, 0, 1}
	}
	dir = dir.Normalize()
	c.Target = target
	c.Position = target.Add(dir.Mul(distance))
	c.dirty = true
}

// OrbitController turns mouse movement into camera orbit, pan and zoom.
type OrbitController struct {
	camera *Camera

	OrbitSensitivity float32
	ZoomSensitivity  float32
	PanSensitivity   float32

	lastMouseX float32
	lastMouseY float32
	isOrbiting bool
	isPanning  bool
}

func NewOrbitController(camera *Camera) *OrbitController {
	return &OrbitController{
		camera:           camera,
		OrbitSensitivity: 0.5,
		ZoomSensitivity:  0.1,
		PanSensitivity:   0.01,
	}
}

func (oc *OrbitController) ProcessMouse(x, y float32, leftButton, rightButton, middleButton bool) {
	deltaX := x - oc.lastMouseX
	deltaY := y - oc.lastMouseY

	if leftButton {
		if !oc.isOrbiting {
			oc.isOrbiting = true
		} else {
			oc.camera.Orbit(-deltaX*oc.OrbitSensitivity, -deltaY*oc.OrbitSensitivity)
		}
	} else {
		oc.isOrbiting = false
	}

	if middleButton || rightButton {
		if !oc.isPanning {
			oc.isPanning = true
		} else {
			oc.camera.Pan(-deltaX*oc.PanSensitivity, deltaY*oc.PanSensitivity)
		}
	} else {
		oc.isPanning = false
	}

	oc.lastMouseX = x
	oc.lastMouseY = y
}

func (oc *OrbitController) ProcessScroll(delta float32) {
	oc.camera.Zoom(delta * oc.ZoomSensitivity)
}
