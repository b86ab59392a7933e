package scene

import (
	"cmp"
	"errors"
	"fmt"
	"image"
	"slices"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/rs/zerolog"

	"github.com/normanking/avatarengine/internal/rig"
)

// Config is the initial scene setup.
type Config struct {
	Width      int
	Height     int
	Background Background
	Camera     CameraPose
	// AutoFrame re-aims the camera at every newly attached rig.
	AutoFrame bool
}

type Option func(*Scene)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Scene) {
		s.log = log.With().Str("component", "scene").Logger()
	}
}

// WithLighting replaces the studio lighting.
func WithLighting(l Lighting) Option {
	return func(s *Scene) {
		s.lights = l
	}
}

type attachment struct {
	rig *rig.Rig
	// meshes holds one handle per primitive, per mesh.
	meshes   [][]MeshID
	textures []TextureID
	morph    [][]float32
}

// Scene is driven from a single goroutine; it is not safe for concurrent
// use.
type Scene struct {
	dev    Device
	log    zerolog.Logger
	camera *Camera
	lights Lighting

	autoFrame bool

	bg      Background
	bgTex   TextureID
	overlay Overlay

	attached *attachment

	frame    Frame
	world    []mgl32.Mat4
	disposed bool
}

// New creates a scene on dev. A nil device, or one whose surface
// cannot be sized, yields a *RenderContextError.
func New(dev Device, cfg Config, opts ...Option) (*Scene, error) {
	if dev == nil {
		return nil, &RenderContextError{Op: "open", Err: errors.New("no render device")}
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		if w, h := dev.Size(); w != cfg.Width || h != cfg.Height {
			if err := dev.Resize(cfg.Width, cfg.Height); err != nil {
				return nil, &RenderContextError{Op: "resize", Err: err}
			}
		}
	}
	w, h := dev.Size()
	if w <= 0 || h <= 0 {
		return nil, &RenderContextError{Op: "open", Err: fmt.Errorf("surface is %dx%d", w, h)}
	}

	pose := cfg.Camera
	if pose == (CameraPose{}) {
		pose = DefaultCameraPose()
	}

	s := &Scene{
		dev:       dev,
		log:       zerolog.Nop(),
		camera:    NewPoseCamera(pose, float32(w)/float32(h)),
		lights:    StudioLighting(),
		autoFrame: cfg.AutoFrame,
		bg:        Background{Color: DefaultBackground().Color},
	}
	for _, opt := range opts {
		opt(s)
	}

	bg := cfg.Background
	if bg.Mode == BackgroundColor && bg.Color == (mgl32.Vec4{}) {
		bg = DefaultBackground()
	}
	if err := s.UpdateBackground(bg); err != nil {
		s.log.Warn().Err(err).Msg("initial background rejected, using solid color")
	}
	return s, nil
}

func (s *Scene) Camera() *Camera {
	return s.camera
}

func (s *Scene) Lighting() Lighting {
	return s.lights
}

// Attached returns the rig currently in the scene, or nil.
func (s *Scene) Attached() *rig.Rig {
	if s.attached == nil {
		return nil
	}
	return s.attached.rig
}

// AddToScene uploads r and makes it the attached rig. A different rig that
// was attached is removed first, so exactly one rig is ever attached.
func (s *Scene) AddToScene(r *rig.Rig) error {
	if s.disposed {
		return ErrDisposed
	}
	if s.attached != nil {
		if s.attached.rig == r {
			return nil
		}
		if err := s.RemoveFromScene(s.attached.rig); err != nil {
			s.log.Warn().Err(err).Msg("detach previous rig")
		}
	}
	if r.Disposed() {
		return fmt.Errorf("attach %s: rig already disposed", r.Name)
	}

	a := &attachment{rig: r}
	for _, m := range r.Materials {
		var id TextureID
		if m.Texture != nil {
			var err error
			if id, err = s.dev.CreateTexture(m.Texture); err != nil {
				s.release(a)
				return fmt.Errorf("upload texture %s: %w", m.Name, err)
			}
		}
		a.textures = append(a.textures, id)
	}
	for mi := range r.Meshes {
		ids := make([]MeshID, 0, len(r.Meshes[mi].Primitives))
		for pi := range r.Meshes[mi].Primitives {
			id, err := s.dev.UploadMesh(&r.Meshes[mi].Primitives[pi])
			if err != nil {
				a.meshes = append(a.meshes, ids)
				s.release(a)
				return fmt.Errorf("upload mesh %s: %w", r.Meshes[mi].Name, err)
			}
			ids = append(ids, id)
		}
		a.meshes = append(a.meshes, ids)
	}
	a.morph = make([][]float32, len(r.Meshes))

	s.attached = a
	if s.autoFrame {
		s.camera.FrameUpperBody(r.Bounds.Transform(r.Root.Matrix()))
	}
	s.log.Debug().Str("rig", r.Name).Int("meshes", len(r.Meshes)).Msg("rig attached")
	return nil
}

// RemoveFromScene detaches r and releases its device buffers and textures.
// Removing a rig that is not attached does nothing.
func (s *Scene) RemoveFromScene(r *rig.Rig) error {
	if s.attached == nil || s.attached.rig != r {
		return nil
	}
	a := s.attached
	s.attached = nil
	return s.release(a)
}

func (s *Scene) release(a *attachment) error {
	var errs []error
	for mi, ids := range a.meshes {
		for pi, id := range ids {
			if err := s.dev.DeleteMesh(id); err != nil {
				errs = append(errs, &DisposalError{Resource: fmt.Sprintf("mesh %d/%d", mi, pi), Err: err})
			}
		}
	}
	for i, id := range a.textures {
		if id == 0 {
			continue
		}
		if err := s.dev.DeleteTexture(id); err != nil {
			errs = append(errs, &DisposalError{Resource: fmt.Sprintf("texture %d", i), Err: err})
		}
	}
	a.meshes, a.textures = nil, nil
	return errors.Join(errs...)
}

// SetOverlay selects the status panel drawn over the next frames.
func (s *Scene) SetOverlay(o Overlay) {
	s.overlay = o
}

// Resize changes the surface size and rebuilds size dependent resources.
func (s *Scene) Resize(width, height int) error {
	if s.disposed {
		return ErrDisposed
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid size %dx%d", width, height)
	}
	if err := s.dev.Resize(width, height); err != nil {
		return fmt.Errorf("resize device: %w", err)
	}
	s.camera.SetAspectRatio(float32(width) / float32(height))
	if s.bg.Mode == BackgroundImage {
		return s.UpdateBackground(s.bg)
	}
	return nil
}

// UpdateBackground switches the background. The new texture is created
// before the previous one is deleted, so a failure leaves the old
// background in place.
func (s *Scene) UpdateBackground(bg Background) error {
	if s.disposed {
		return ErrDisposed
	}

	var img *image.RGBA
	switch bg.Mode {
	case BackgroundColor:
	case BackgroundGradient:
		img = gradientImage(bg.Top, bg.Bottom)
	case BackgroundImage:
		if bg.Image == nil {
			return fmt.Errorf("image background %q has no decoded image", bg.ImageRef)
		}
		w, h := s.dev.Size()
		img = coverImage(bg.Image, w, h, bg.Blur)
	default:
		return fmt.Errorf("unknown background mode %d", bg.Mode)
	}

	var tex TextureID
	if img != nil {
		var err error
		if tex, err = s.dev.CreateTexture(img); err != nil {
			return fmt.Errorf("create background texture: %w", err)
		}
	}

	old := s.bgTex
	s.bg, s.bgTex = bg, tex
	if old != 0 {
		if err := s.dev.DeleteTexture(old); err != nil {
			return &DisposalError{Resource: "background texture", Err: err}
		}
	}
	return nil
}

func (s *Scene) Background() Background {
	return s.bg
}

// Render assembles the frame for the current rig state and draws it. It
// reads the rig but never changes it.
func (s *Scene) Render() error {
	if s.disposed {
		return ErrDisposed
	}
	f := s.assemble()
	if err := s.dev.Draw(f); err != nil {
		return fmt.Errorf("draw: %w", err)
	}
	return nil
}

// Frame assembles the frame Render would draw, without drawing it.
func (s *Scene) Frame() *Frame {
	return s.assemble()
}

func (s *Scene) assemble() *Frame {
	w, h := s.dev.Size()
	f := &s.frame
	f.Width, f.Height = w, h
	f.View = s.camera.ViewMatrix()
	f.Projection = s.camera.ProjectionMatrix()
	f.CameraPos = s.camera.Position
	f.Lights = s.lights
	f.Background = FrameBackground{Mode: s.bg.Mode, Color: s.bg.Color, Texture: s.bgTex}
	f.Overlay = s.overlay
	f.Draws = f.Draws[:0]

	a := s.attached
	if a == nil || a.rig.Disposed() {
		return f
	}
	r := a.rig
	s.world = r.WorldMatrices(s.world)

	for mi := range r.Meshes {
		a.morph[mi] = r.MorphWeights(mi)
	}
	for ni, n := range r.Nodes {
		if n.Mesh < 0 || n.Mesh >= len(a.meshes) {
			continue
		}
		model := s.world[ni]
		var joints []mgl32.Mat4
		if n.Skin >= 0 && n.Skin < len(r.Skins) {
			joints = r.JointMatrices(n.Skin, s.world)
			model = mgl32.Ident4()
		}
		mesh := &r.Meshes[n.Mesh]
		for pi := range mesh.Primitives {
			p := &mesh.Primitives[pi]
			d := Draw{
				Mesh:      a.meshes[n.Mesh][pi],
				Primitive: p,
				Model:     model,
				Joints:    joints,
				Morph:     a.morph[n.Mesh],
				BaseColor: mgl32.Vec4{1, 1, 1, 1},
			}
			if p.Material >= 0 && p.Material < len(r.Materials) {
				m := r.Materials[p.Material]
				d.BaseColor = m.BaseColor
				d.Texture = a.textures[p.Material]
				d.DoubleSided = m.DoubleSided
				d.AlphaMode = m.AlphaMode
				d.AlphaCutoff = m.AlphaCutoff
			}
			f.Draws = append(f.Draws, d)
		}
	}
	// Opaque first, then masked, then blended, each in file order.
	slices.SortStableFunc(f.Draws, func(a, b Draw) int {
		return cmp.Compare(a.AlphaMode, b.AlphaMode)
	})
	return f
}

// Dispose releases the attached rig's buffers, the background texture and
// the device. It is idempotent; later calls return nil. Failures are
// collected as *DisposalError values.
func (s *Scene) Dispose() error {
	if s.disposed {
		return nil
	}
	s.disposed = true

	var errs []error
	if s.attached != nil {
		a := s.attached
		s.attached = nil
		if err := s.release(a); err != nil {
			errs = append(errs, err)
		}
	}
	if s.bgTex != 0 {
		if err := s.dev.DeleteTexture(s.bgTex); err != nil {
			errs = append(errs, &DisposalError{Resource: "background texture", Err: err})
		}
		s.bgTex = 0
	}
	if err := s.dev.Release(); err != nil {
		errs = append(errs, &DisposalError{Resource: "device", Err: err})
	}
	return errors.Join(errs...)
}
