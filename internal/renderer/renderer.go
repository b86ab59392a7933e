// Package renderer is the OpenGL 4.1 implementation of scene.Device. It owns
// a GLFW window, deforms rig primitives on the CPU each frame and draws them
// with a lit, shadowed mesh shader over the scene background.
package renderer

import (
	"errors"
	"fmt"
	"image"
	"path/filepath"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/rs/zerolog"

	"github.com/normanking/avatarengine/internal/rig"
	"github.com/normanking/avatarengine/internal/scene"
	"github.com/normanking/avatarengine/internal/softrender"
)

var ErrReleased = errors.New("renderer: device released")

type Config struct {
	Width       int
	Height      int
	Title       string
	VSync       bool
	MSAA        int
	Transparent bool
	Resizable   bool
	Shadows     bool
	// ShaderDir holds mesh.vert and mesh.frag overrides, watched for
	// changes. Empty uses the built-in sources.
	ShaderDir string
}

func DefaultConfig() Config {
	return Config{
		Width:     500,
		Height:    700,
		Title:     "Avatar",
		VSync:     true,
		MSAA:      4,
		Resizable: true,
		Shadows:   true,
	}
}

// Stats counts work done by the last Draw.
type Stats struct {
	Draws     int
	Triangles int
}

type overlayKey struct {
	kind    scene.OverlayKind
	message string
	w, h    int
}

// Renderer implements scene.Device. Every method must be called from the
// goroutine that created it, with that goroutine locked to its OS thread.
type Renderer struct {
	window *glfw.Window
	config Config
	logger zerolog.Logger

	meshShader  *Shader
	depthShader *Shader
	quadShader  *Shader
	watcher     *ShaderWatcher

	shadow   *shadowMap
	white    uint32
	quadVAO  uint32
	textures map[scene.TextureID]uint32
	meshes   map[scene.MeshID]*gpuMesh
	nextMesh scene.MeshID

	overlayTex  uint32
	overlayKey  overlayKey
	overlayW    int32
	overlayH    int32
	overlayDone bool

	width, height int
	stats         Stats
	frames        int
	released      bool
}

var _ scene.Device = (*Renderer)(nil)

// New opens the window and compiles shaders. glfw.Init must have been
// called on the current thread. Window or context failures come back as
// *scene.RenderContextError.
func New(cfg Config, logger zerolog.Logger) (*Renderer, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("renderer: invalid size %dx%d", cfg.Width, cfg.Height)
	}

	glfw.WindowHint(glfw.ContextVersionMajor, 4)
	glfw.WindowHint(glfw.ContextVersionMinor, 1)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	glfw.WindowHint(glfw.OpenGLForwardCompatible, glfw.True)
	if cfg.Resizable {
		glfw.WindowHint(glfw.Resizable, glfw.True)
	} else {
		glfw.WindowHint(glfw.Resizable, glfw.False)
	}
	if cfg.MSAA > 0 {
		glfw.WindowHint(glfw.Samples, cfg.MSAA)
	}
	if cfg.Transparent {
		glfw.WindowHint(glfw.TransparentFramebuffer, glfw.True)
	}

	window, err := glfw.CreateWindow(cfg.Width, cfg.Height, cfg.Title, nil, nil)
	if err != nil {
		return nil, &scene.RenderContextError{Op: "create window", Err: err}
	}
	window.MakeContextCurrent()

	if err := gl.Init(); err != nil {
		window.Destroy()
		return nil, &scene.RenderContextError{Op: "gl init", Err: err}
	}

	if cfg.VSync {
		glfw.SwapInterval(1)
	} else {
		glfw.SwapInterval(0)
	}

	r := &Renderer{
		window:   window,
		config:   cfg,
		logger:   logger.With().Str("component", "renderer").Logger(),
		textures: make(map[scene.TextureID]uint32),
		meshes:   make(map[scene.MeshID]*gpuMesh),
		width:    cfg.Width,
		height:   cfg.Height,
	}

	if err := r.initShaders(); err != nil {
		r.destroy()
		return nil, &scene.RenderContextError{Op: "init shaders", Err: err}
	}
	if cfg.Shadows {
		if r.shadow, err = newShadowMap(); err != nil {
			r.logger.Warn().Err(err).Msg("shadows disabled")
		}
	}
	r.white = createSolidTexture(255, 255, 255, 255)
	gl.GenVertexArrays(1, &r.quadVAO)
	gl.GenTextures(1, &r.overlayTex)

	gl.Enable(gl.DEPTH_TEST)
	gl.DepthFunc(gl.LESS)
	gl.CullFace(gl.BACK)
	gl.BlendFunc(gl.SRC_ALPHA, gl.ONE_MINUS_SRC_ALPHA)
	if cfg.MSAA > 0 {
		gl.Enable(gl.MULTISAMPLE)
	}

	r.logger.Info().
		Str("gl", gl.GoStr(gl.GetString(gl.VERSION))).
		Int("width", cfg.Width).
		Int("height", cfg.Height).
		Bool("shadows", r.shadow != nil).
		Msg("render context created")
	return r, nil
}

func (r *Renderer) initShaders() error {
	var err error
	if r.config.ShaderDir != "" {
		r.meshShader, err = NewShaderFromFiles(
			filepath.Join(r.config.ShaderDir, "mesh.vert"),
			filepath.Join(r.config.ShaderDir, "mesh.frag"))
		if err != nil {
			r.logger.Warn().Err(err).Msg("shader files unusable, using built-in mesh shader")
		} else if r.watcher, err = NewShaderWatcher(r.logger); err == nil {
			if err := r.watcher.Watch(r.meshShader); err != nil {
				r.logger.Warn().Err(err).Msg("shader hot-reload disabled")
			}
		}
	}
	if r.meshShader == nil {
		if r.meshShader, err = NewShaderFromSource(meshVertSrc, meshFragSrc); err != nil {
			return fmt.Errorf("mesh shader: %w", err)
		}
	}
	if r.depthShader, err = NewShaderFromSource(depthVertSrc, depthFragSrc); err != nil {
		return fmt.Errorf("depth shader: %w", err)
	}
	if r.quadShader, err = NewShaderFromSource(quadVertSrc, quadFragSrc); err != nil {
		return fmt.Errorf("quad shader: %w", err)
	}
	return nil
}

// Window exposes the GLFW window for input and close handling.
func (r *Renderer) Window() *glfw.Window {
	return r.window
}

// ShouldClose reports whether the user asked to close the window.
func (r *Renderer) ShouldClose() bool {
	return r.released || r.window.ShouldClose()
}

// Present swaps the back buffer and polls window events.
func (r *Renderer) Present() {
	if r.released {
		return
	}
	r.window.SwapBuffers()
	glfw.PollEvents()
}

// OnResize registers fn for window size changes made by the user.
func (r *Renderer) OnResize(fn func(width, height int)) {
	r.window.SetSizeCallback(func(_ *glfw.Window, w, h int) {
		if w > 0 && h > 0 {
			fn(w, h)
		}
	})
}

func (r *Renderer) Size() (int, int) {
	return r.width, r.height
}

func (r *Renderer) Resize(width, height int) error {
	if r.released {
		return ErrReleased
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("renderer: invalid size %dx%d", width, height)
	}
	if w, h := r.window.GetSize(); w != width || h != height {
		r.window.SetSize(width, height)
	}
	r.width, r.height = width, height
	return nil
}

func (r *Renderer) CreateTexture(img *image.RGBA) (scene.TextureID, error) {
	if r.released {
		return 0, ErrReleased
	}
	if img == nil || img.Bounds().Empty() {
		return 0, errors.New("renderer: empty texture")
	}
	tex := createTextureFromImage(img)
	if tex == 0 {
		return 0, errors.New("renderer: texture allocation failed")
	}
	id := scene.TextureID(tex)
	r.textures[id] = tex
	return id, nil
}

func (r *Renderer) DeleteTexture(id scene.TextureID) error {
	if r.released {
		return ErrReleased
	}
	tex, ok := r.textures[id]
	if !ok {
		return fmt.Errorf("renderer: unknown texture %d", id)
	}
	gl.DeleteTextures(1, &tex)
	delete(r.textures, id)
	return nil
}

func (r *Renderer) UploadMesh(p *rig.Primitive) (scene.MeshID, error) {
	if r.released {
		return 0, ErrReleased
	}
	r.nextMesh++
	r.meshes[r.nextMesh] = newGPUMesh(p)
	return r.nextMesh, nil
}

func (r *Renderer) DeleteMesh(id scene.MeshID) error {
	if r.released {
		return ErrReleased
	}
	m, ok := r.meshes[id]
	if !ok {
		return fmt.Errorf("renderer: unknown mesh %d", id)
	}
	m.delete()
	delete(r.meshes, id)
	return nil
}

func (r *Renderer) Stats() Stats { return r.stats }

// Frames counts completed Draw calls.
func (r *Renderer) Frames() int { return r.frames }

func (r *Renderer) Draw(f *scene.Frame) error {
	if r.released {
		return ErrReleased
	}
	if r.watcher != nil {
		r.watcher.Apply()
	}
	r.stats = Stats{}

	meshes := make([]*gpuMesh, len(f.Draws))
	box := newBounds()
	for i := range f.Draws {
		dr := &f.Draws[i]
		m, ok := r.meshes[dr.Mesh]
		if !ok {
			return fmt.Errorf("renderer: draw of unknown mesh %d", dr.Mesh)
		}
		box.add(m.update(dr), dr.Model)
		meshes[i] = m
	}

	lightSpace := mgl32.Ident4()
	caster, hasCaster := shadowCaster(&f.Lights)
	shadows := r.shadow != nil && hasCaster && !box.empty
	if shadows {
		lightSpace = lightSpaceMatrix(f.Lights.Lights[caster].Direction, box)
		r.drawShadows(f, meshes, lightSpace)
	}

	fbW, fbH := r.window.GetFramebufferSize()
	gl.BindFramebuffer(gl.FRAMEBUFFER, 0)
	gl.Viewport(0, 0, int32(fbW), int32(fbH))
	r.drawBackground(f.Background)

	gl.Enable(gl.DEPTH_TEST)
	s := r.meshShader
	s.Use()
	s.SetMat4("uView", f.View)
	s.SetMat4("uProjection", f.Projection)
	s.SetMat4("uLightSpace", lightSpace)
	s.SetVec3("uCameraPos", f.CameraPos)
	s.SetBool("uShadows", shadows)
	s.SetInt("uShadowLight", int32(caster))
	s.SetInt("uAlbedo", 0)
	s.SetInt("uShadowMap", 1)
	setLightUniforms(s, &f.Lights)

	gl.ActiveTexture(gl.TEXTURE1)
	if r.shadow != nil {
		gl.BindTexture(gl.TEXTURE_2D, r.shadow.depth)
	}
	for i := range f.Draws {
		dr := &f.Draws[i]
		if dr.DoubleSided {
			gl.Disable(gl.CULL_FACE)
		} else {
			gl.Enable(gl.CULL_FACE)
		}
		tex := r.white
		if t, ok := r.textures[dr.Texture]; ok && dr.Texture != 0 {
			tex = t
		}
		gl.ActiveTexture(gl.TEXTURE0)
		gl.BindTexture(gl.TEXTURE_2D, tex)
		s.SetMat4("uModel", dr.Model)
		s.SetVec4("uBaseColor", dr.BaseColor)
		s.SetInt("uAlphaMode", int32(dr.AlphaMode))
		s.SetFloat("uAlphaCutoff", dr.AlphaCutoff)
		setAlphaState(dr.AlphaMode)
		meshes[i].draw()

		r.stats.Draws++
		r.stats.Triangles += int(meshes[i].IndexCount) / 3
	}
	gl.Disable(gl.CULL_FACE)
	gl.DepthMask(true)

	gl.Enable(gl.BLEND)
	r.drawOverlay(f.Overlay, fbW, fbH)
	gl.Disable(gl.BLEND)

	if code := gl.GetError(); code != gl.NO_ERROR {
		return &scene.RenderContextError{Op: "draw", Err: fmt.Errorf("gl error 0x%x", code)}
	}
	r.frames++
	return nil
}

// setAlphaState enables blending for blended draws. They test depth but
// do not write it, so later blended layers are not hidden by earlier ones.
func setAlphaState(mode rig.AlphaMode) {
	if mode == rig.AlphaBlend {
		gl.Enable(gl.BLEND)
		gl.DepthMask(false)
		return
	}
	gl.Disable(gl.BLEND)
	gl.DepthMask(true)
}

func (r *Renderer) drawShadows(f *scene.Frame, meshes []*gpuMesh, lightSpace mgl32.Mat4) {
	r.shadow.begin()
	gl.Enable(gl.DEPTH_TEST)
	gl.Disable(gl.CULL_FACE)
	r.depthShader.Use()
	r.depthShader.SetMat4("uLightSpace", lightSpace)
	for i := range f.Draws {
		r.depthShader.SetMat4("uModel", f.Draws[i].Model)
		meshes[i].draw()
	}
	r.shadow.end()
}

func (r *Renderer) drawBackground(bg scene.FrameBackground) {
	c := bg.Color
	if r.config.Transparent {
		c = mgl32.Vec4{}
	}
	gl.ClearColor(c[0], c[1], c[2], c[3])
	gl.Clear(gl.COLOR_BUFFER_BIT | gl.DEPTH_BUFFER_BIT)

	tex, ok := r.textures[bg.Texture]
	if bg.Texture == 0 || !ok {
		return
	}
	gl.Disable(gl.DEPTH_TEST)
	r.drawQuad(tex)
}

// drawOverlay composites the status panel. The panel image is redrawn only
// when its content or the framebuffer size changes.
func (r *Renderer) drawOverlay(o scene.Overlay, fbW, fbH int) {
	if o.Kind == scene.OverlayNone || fbW <= 0 || fbH <= 0 {
		return
	}
	key := overlayKey{kind: o.Kind, message: o.Message, w: fbW, h: fbH}
	if !r.overlayDone || key != r.overlayKey {
		img := image.NewRGBA(image.Rect(0, 0, fbW, fbH))
		softrender.DrawOverlay(img, o)
		gl.ActiveTexture(gl.TEXTURE0)
		updateTexture(r.overlayTex, img, r.overlayW, r.overlayH)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MIN_FILTER, gl.NEAREST)
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAG_FILTER, gl.NEAREST)
		r.overlayKey, r.overlayDone = key, true
		r.overlayW, r.overlayH = int32(fbW), int32(fbH)
	}
	gl.Disable(gl.DEPTH_TEST)
	r.drawQuad(r.overlayTex)
}

func (r *Renderer) drawQuad(tex uint32) {
	r.quadShader.Use()
	r.quadShader.SetInt("uImage", 0)
	gl.ActiveTexture(gl.TEXTURE0)
	gl.BindTexture(gl.TEXTURE_2D, tex)
	gl.BindVertexArray(r.quadVAO)
	gl.DrawArrays(gl.TRIANGLES, 0, 3)
	gl.BindVertexArray(0)
}

// Release drops every GL resource and destroys the window. Later calls
// return ErrReleased.
func (r *Renderer) Release() error {
	if r.released {
		return ErrReleased
	}
	r.destroy()
	return nil
}

func (r *Renderer) destroy() {
	r.released = true
	var errs []error
	if r.watcher != nil {
		errs = append(errs, r.watcher.Close())
	}
	for _, m := range r.meshes {
		m.delete()
	}
	for _, tex := range r.textures {
		gl.DeleteTextures(1, &tex)
	}
	r.meshes, r.textures = nil, nil
	if r.shadow != nil {
		r.shadow.delete()
	}
	for _, tex := range []uint32{r.white, r.overlayTex} {
		if tex != 0 {
			gl.DeleteTextures(1, &tex)
		}
	}
	if r.quadVAO != 0 {
		gl.DeleteVertexArrays(1, &r.quadVAO)
	}
	for _, s := range []*Shader{r.meshShader, r.depthShader, r.quadShader} {
		if s != nil {
			s.Delete()
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Warn().Err(err).Msg("renderer teardown")
	}
	r.window.Destroy()
	r.logger.Debug().Int("frames", r.frames).Msg("render context released")
}
