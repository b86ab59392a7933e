// Package scene owns the render surface, camera, lighting rig and
// background, and turns the attached avatar rig into a frame of draws for a
// Device each time Render is called.
package scene

import (
	"errors"
	"fmt"
	"image"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/normanking/avatarengine/internal/rig"
)

// TextureID and MeshID are device handles. Zero is never a valid handle.
type (
	TextureID uint32
	MeshID    uint32
)

// Device is a render surface. Implementations exist for OpenGL and for a
// CPU rasterizer. All methods are called from the frame goroutine.
type Device interface {
	Size() (width, height int)
	Resize(width, height int) error

	CreateTexture(img *image.RGBA) (TextureID, error)
	DeleteTexture(id TextureID) error

	// UploadMesh stores the rest geometry of a primitive. Draw calls pass
	// the same primitive along with the current joint and morph state.
	UploadMesh(p *rig.Primitive) (MeshID, error)
	DeleteMesh(id MeshID) error

	Draw(f *Frame) error
	Release() error
}

// Frame is everything a device needs to draw one image.
type Frame struct {
	Width, Height int

	View       mgl32.Mat4
	Projection mgl32.Mat4
	CameraPos  mgl32.Vec3

	Lights     Lighting
	Background FrameBackground
	Draws      []Draw
	Overlay    Overlay
}

// FrameBackground is a background resolved to device resources.
type FrameBackground struct {
	Mode    BackgroundMode
	Color   mgl32.Vec4
	Texture TextureID
}

// Draw is one primitive of the attached rig in its current state.
type Draw struct {
	Mesh      MeshID
	Primitive *rig.Primitive
	// Model places unskinned primitives in world space. Skinned primitives
	// use the identity and carry Joints instead.
	Model       mgl32.Mat4
	Joints      []mgl32.Mat4
	Morph       []float32
	BaseColor   mgl32.Vec4
	Texture     TextureID
	DoubleSided bool
	AlphaMode   rig.AlphaMode
	AlphaCutoff float32
}

// OverlayKind selects the status panel drawn over the scene.
type OverlayKind int

const (
	OverlayNone OverlayKind = iota
	OverlayLoading
	OverlayError
)

func (k OverlayKind) String() string {
	switch k {
	case OverlayLoading:
		return "loading"
	case OverlayError:
		return "error"
	default:
		return "none"
	}
}

type Overlay struct {
	Kind    OverlayKind
	Message string
}

// ErrDisposed is returned by operations on a disposed scene.
var ErrDisposed = errors.New("scene disposed")

// RenderContextError means the render surface is unavailable. It is not
// retried.
type RenderContextError struct {
	Op  string
	Err error
}

func (e *RenderContextError) Error() string {
	return fmt.Sprintf("render context: %s: %v", e.Op, e.Err)
}

func (e *RenderContextError) Unwrap() error {
	return e.Err
}

// DisposalError reports a resource that failed to release. Teardown keeps
// going past it.
type DisposalError struct {
	Resource string
	Err      error
}

func (e *DisposalError) Error() string {
	return fmt.Sprintf("dispose %s: %v", e.Resource, e.Err)
}

func (e *DisposalError) Unwrap() error {
	return e.Err
}
