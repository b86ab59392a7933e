package avatar

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/avatarengine/internal/animation"
	"github.com/normanking/avatarengine/internal/bus"
	"github.com/normanking/avatarengine/internal/expression"
	"github.com/normanking/avatarengine/internal/loader"
	"github.com/normanking/avatarengine/internal/rig"
	"github.com/normanking/avatarengine/internal/scene"
)

// Observer receives frame and status notifications. Calls come from the
// frame loop and must not block.
type Observer interface {
	FrameRendered(update, render time.Duration, err error)
	StatusChanged(status string)
}

type nopObserver struct{}

func (nopObserver) FrameRendered(time.Duration, time.Duration, error) {}
func (nopObserver) StatusChanged(string)                             {}

type Options struct {
	// Cache is shared between controllers and owned by the caller.
	Cache *loader.Cache
	// Device is the render target. The controller's scene releases it on
	// Unmount.
	Device scene.Device
	// Fetcher retrieves background images. Nil means a SchemeFetcher rooted
	// at the working directory.
	Fetcher loader.Fetcher

	AvatarURL  string
	Scene      scene.Config
	Expression expression.Config
	Animation  animation.Config

	// FrameRate is the Run loop rate. Zero means 60.
	FrameRate int
	// MaxDelta caps the frame delta Run passes to Tick.
	MaxDelta time.Duration
	// CancelSuperseded abandons the wait for a load once a newer avatar is
	// requested. Whether the fetch itself stops is up to the cache.
	CancelSuperseded bool
	// NoFallback shows a failure panel instead of the placeholder avatar.
	NoFallback bool
	// EvictOnUnmount drops the current avatar from the cache on Unmount
	// instead of keeping it for reuse.
	EvictOnUnmount bool

	Bus      *bus.EventBus
	Logger   zerolog.Logger
	Observer Observer
}

type loadResult struct {
	gen uint64
	url string
	rig *rig.Rig
	err error
}

type backgroundResult struct {
	gen uint64
	bg  scene.Background
	err error
}

// Controller drives one avatar on one render surface. Signal methods are
// safe from any goroutine; Mount, Tick, Run and Unmount belong to the frame
// loop goroutine.
type Controller struct {
	id   string
	opts Options
	log  zerolog.Logger
	obs  Observer

	cache *loader.Cache
	fetch loader.Fetcher

	mu        sync.Mutex
	inbox     mailbox
	completed []loadResult
	images    []backgroundResult

	frame    sync.Mutex
	scene    *scene.Scene
	expr     *expression.Manager
	anim     *animation.Manager
	ctx      context.Context
	cancel   context.CancelFunc
	loads    sync.WaitGroup
	mounted  bool
	finished bool

	url        string
	gen        uint64
	bgGen      uint64
	loadCancel context.CancelFunc
	current    *rig.Rig

	hasEmotion bool
	emotion    emotionSignal
	mood       float32
	hasMood    bool

	status  atomic.Int32
	lastErr atomic.Pointer[errorBox]
	frames  atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
	running  sync.WaitGroup
}

type errorBox struct{ err error }

func New(opts Options) (*Controller, error) {
	if opts.Cache == nil {
		return nil, errors.New("avatar: cache is required")
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = 60
	}
	if opts.MaxDelta <= 0 {
		opts.MaxDelta = 100 * time.Millisecond
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	id := uuid.NewString()
	c := &Controller{
		id:    id,
		opts:  opts,
		log:   opts.Logger.With().Str("component", "avatar").Str("instance", id[:8]).Logger(),
		obs:   opts.Observer,
		cache: opts.Cache,
		fetch: opts.Fetcher,
		url:   opts.AvatarURL,
		stop:  make(chan struct{}),
	}
	if c.fetch == nil {
		c.fetch = loader.NewSchemeFetcher("", 30*time.Second)
	}
	return c, nil
}

func (c *Controller) ID() string {
	return c.id
}

func (c *Controller) Status() Status {
	return Status(c.status.Load())
}

// Err returns the error behind the latest fallback or failed status.
func (c *Controller) Err() error {
	if b := c.lastErr.Load(); b != nil {
		return b.err
	}
	return nil
}

// Frames counts rendered frames.
func (c *Controller) Frames() uint64 {
	return c.frames.Load()
}

// Scene is the controller's scene, nil before Mount.
func (c *Controller) Scene() *scene.Scene {
	return c.scene
}

// Rig returns the attached rig, if any.
func (c *Controller) Rig() *rig.Rig {
	return c.current
}

// Expression and Animation expose the managers for inspection.
func (c *Controller) Expression() *expression.Manager { return c.expr }
func (c *Controller) Animation() *animation.Manager   { return c.anim }

// Mount creates the scene and managers and starts loading the configured
// avatar. A *scene.RenderContextError leaves the controller in
// StatusFailed for good.
func (c *Controller) Mount(ctx context.Context) error {
	c.frame.Lock()
	defer c.frame.Unlock()
	if c.mounted || c.finished {
		return ErrAlreadyMounted
	}

	s, err := scene.New(c.opts.Device, c.opts.Scene, scene.WithLogger(c.opts.Logger))
	if err != nil {
		c.setStatus(StatusFailed, err)
		c.log.Error().Err(err).Msg("render context unavailable")
		return fmt.Errorf("mount: %w", err)
	}
	c.scene = s
	c.expr = expression.New(c.opts.Expression, expression.WithLogger(c.opts.Logger))
	c.anim = animation.New(c.opts.Animation, animation.WithLogger(c.opts.Logger))
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mounted = true

	if bg := c.opts.Scene.Background; bg.Mode == scene.BackgroundImage && bg.Image == nil && bg.ImageRef != "" {
		c.fetchBackground(bg)
	}
	if c.url != "" {
		c.startLoad(c.url)
	} else {
		c.setStatus(StatusIdle, nil)
	}
	c.log.Info().Str("url", c.url).Msg("mounted")
	return nil
}

// Tick advances one frame: pending signals and finished loads are applied,
// expression and animation advance by dt seconds, then the scene renders.
// It does nothing after Unmount.
func (c *Controller) Tick(dt float32) error {
	c.frame.Lock()
	defer c.frame.Unlock()
	if c.finished {
		return nil
	}
	if !c.mounted {
		return ErrNotMounted
	}
	if dt < 0 {
		dt = 0
	}

	start := time.Now()
	c.drain()

	e, intensity := c.currentEmotion()
	c.expr.ApplyEmotion(e, intensity)
	c.expr.Update(dt)
	c.anim.Update(dt, &animation.Input{Emotion: e, Intensity: intensity})
	updated := time.Now()

	err := c.scene.Render()
	c.obs.FrameRendered(updated.Sub(start), time.Since(updated), err)
	if err != nil {
		c.log.Warn().Err(err).Msg("render failed")
		return err
	}
	c.frames.Add(1)
	return nil
}

func (c *Controller) currentEmotion() (expression.Emotion, float32) {
	switch {
	case c.hasEmotion:
		return c.emotion.emotion, c.emotion.intensity
	case c.hasMood:
		return expression.EmotionFromMood(c.mood)
	default:
		return expression.Neutral, 0
	}
}

// Run ticks at the configured frame rate until ctx is done or Unmount is
// called. It must run on the goroutine that owns the render device.
func (c *Controller) Run(ctx context.Context) error {
	c.running.Add(1)
	defer c.running.Done()

	ticker := time.NewTicker(time.Second / time.Duration(c.opts.FrameRate))
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			if dt > c.opts.MaxDelta {
				dt = c.opts.MaxDelta
			}
			if err := c.Tick(float32(dt.Seconds())); errors.Is(err, ErrNotMounted) {
				return err
			}
		}
	}
}

// drain applies queued signals and finished background work. Called with
// the frame lock held.
func (c *Controller) drain() {
	c.mu.Lock()
	in := c.inbox
	c.inbox = mailbox{}
	completed := c.completed
	c.completed = nil
	images := c.images
	c.images = nil
	c.mu.Unlock()

	for _, res := range completed {
		c.attach(res)
	}
	for _, res := range images {
		c.applyBackground(res)
	}
	if in.empty() {
		return
	}

	switch {
	case in.url != nil && *in.url != c.url:
		c.url = *in.url
		if c.url == "" {
			c.detach()
		} else {
			c.startLoad(c.url)
		}
	case in.reload && c.url != "", c.url != "" && slices.Contains(in.changed, c.url):
		c.cache.Evict(c.url)
		c.startLoad(c.url)
	}

	if in.size != nil {
		if err := c.scene.Resize(in.size[0], in.size[1]); err != nil {
			c.log.Warn().Err(err).Ints("size", in.size[:]).Msg("resize rejected")
		}
	}
	if in.background != nil {
		bg := *in.background
		c.bgGen++
		if bg.Mode == scene.BackgroundImage && bg.Image == nil && bg.ImageRef != "" {
			c.fetchBackground(bg)
		} else if err := c.scene.UpdateBackground(bg); err != nil {
			c.log.Warn().Err(err).Stringer("mode", bg.Mode).Msg("background rejected")
		}
	}

	if in.emotion != nil {
		c.hasEmotion, c.emotion = true, *in.emotion
	}
	if in.clearEmotion {
		c.hasEmotion = false
	}
	if in.mood != nil {
		c.hasMood, c.mood = true, *in.mood
	}
	if in.speaking != nil {
		c.expr.SetSpeaking(*in.speaking)
	}
	if in.hasVisemes {
		c.expr.QueueVisemes(in.visemes)
	}
}

func (c *Controller) startLoad(url string) {
	if c.loadCancel != nil && c.opts.CancelSuperseded {
		c.loadCancel()
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(c.ctx)
	c.loadCancel = cancel

	c.setStatus(StatusLoading, nil)
	c.scene.SetOverlay(scene.Overlay{Kind: scene.OverlayLoading, Message: "Loading avatar"})
	c.log.Debug().Str("url", url).Uint64("gen", gen).Msg("loading avatar")

	c.loads.Add(1)
	go func() {
		defer c.loads.Done()
		defer cancel()
		r, err := c.cache.LoadOrPlaceholder(ctx, url)
		c.mu.Lock()
		c.completed = append(c.completed, loadResult{gen: gen, url: url, rig: r, err: err})
		c.mu.Unlock()
	}()
}

// attach installs a finished load, or releases it when a newer request
// superseded it.
func (c *Controller) attach(res loadResult) {
	if res.gen != c.gen {
		c.log.Debug().Str("url", res.url).Uint64("gen", res.gen).Msg("dropping superseded avatar")
		c.cache.Release(res.rig)
		if res.err == nil && res.url != c.url {
			c.cache.Evict(res.url)
		}
		return
	}
	c.loadCancel = nil

	failed := res.err != nil
	if failed && c.opts.NoFallback {
		c.cache.Release(res.rig)
		c.detach()
		c.fail(res.err)
		return
	}

	if err := c.scene.AddToScene(res.rig); err != nil {
		c.cache.Release(res.rig)
		c.fail(err)
		return
	}
	if old := c.current; old != nil {
		c.cache.Release(old)
	}
	c.current = res.rig
	c.expr.Attach(res.rig)
	c.anim.Attach(res.rig)
	c.scene.SetOverlay(scene.Overlay{})

	if failed {
		c.log.Warn().Err(res.err).Str("url", res.url).Msg("avatar failed, showing placeholder")
		c.setStatus(StatusFallback, res.err)
		return
	}
	c.log.Info().Str("url", res.url).Int("vertices", res.rig.VertexCount()).Msg("avatar ready")
	c.setStatus(StatusReady, nil)
}

func (c *Controller) fail(err error) {
	c.log.Error().Err(err).Msg("avatar unavailable")
	c.scene.SetOverlay(scene.Overlay{Kind: scene.OverlayError, Message: "Avatar failed to load"})
	c.setStatus(StatusFailed, err)
}

// detach removes the current rig from the scene and returns it to the
// cache.
func (c *Controller) detach() {
	if c.loadCancel != nil && c.opts.CancelSuperseded {
		c.loadCancel()
	}
	c.gen++
	c.loadCancel = nil
	if c.current != nil {
		if err := c.scene.RemoveFromScene(c.current); err != nil {
			c.log.Warn().Err(err).Msg("detach avatar")
		}
		c.cache.Release(c.current)
		c.current = nil
	}
	c.expr.Detach()
	c.anim.Detach()
	c.scene.SetOverlay(scene.Overlay{})
	c.setStatus(StatusIdle, nil)
}

func (c *Controller) fetchBackground(bg scene.Background) {
	gen := c.bgGen
	ref := bg.ImageRef
	ctx := c.ctx
	c.loads.Add(1)
	go func() {
		defer c.loads.Done()
		data, err := c.fetch.Fetch(ctx, ref)
		if err == nil {
			bg.Image, err = scene.DecodeBackgroundImage(data)
		}
		c.mu.Lock()
		c.images = append(c.images, backgroundResult{gen: gen, bg: bg, err: err})
		c.mu.Unlock()
	}()
}

func (c *Controller) applyBackground(res backgroundResult) {
	if res.gen != c.bgGen {
		return
	}
	if res.err != nil {
		c.log.Warn().Err(res.err).Str("image", res.bg.ImageRef).Msg("background image unavailable")
		return
	}
	if err := c.scene.UpdateBackground(res.bg); err != nil {
		c.log.Warn().Err(err).Str("image", res.bg.ImageRef).Msg("background rejected")
	}
}

func (c *Controller) setStatus(s Status, err error) {
	if err != nil {
		c.lastErr.Store(&errorBox{err: err})
	} else if s == StatusReady || s == StatusIdle {
		c.lastErr.Store(nil)
	}
	if Status(c.status.Swap(int32(s))) == s {
		return
	}
	c.obs.StatusChanged(s.String())
	if c.opts.Bus != nil {
		data := map[string]any{bus.KeyStatus: s.String(), bus.KeyURL: c.url, bus.KeyInstance: c.id}
		if err != nil {
			data[bus.KeyError] = err.Error()
		}
		c.opts.Bus.Publish(bus.Event{Type: bus.EventTypeStatusChanged, Data: data})
	}
}

// Unmount stops the frame loop, waits for outstanding loads, clears the
// managers, returns the avatar to the cache and disposes the scene last.
// Disposal failures are logged and returned joined. Later calls do
// nothing.
func (c *Controller) Unmount() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.running.Wait()

	c.frame.Lock()
	defer c.frame.Unlock()
	if c.finished {
		return nil
	}
	c.finished = true
	if !c.mounted {
		return nil
	}

	c.cancel()
	c.loads.Wait()
	c.mu.Lock()
	orphans := c.completed
	c.completed, c.images = nil, nil
	c.mu.Unlock()
	for _, res := range orphans {
		c.cache.Release(res.rig)
	}

	c.anim.Clear()
	c.expr.Clear()

	var errs []error
	if r := c.current; r != nil {
		c.current = nil
		if err := c.scene.RemoveFromScene(r); err != nil {
			errs = append(errs, err)
		}
		c.cache.Release(r)
		if c.opts.EvictOnUnmount && c.url != "" {
			c.cache.Evict(c.url)
		}
	}
	if err := c.scene.Dispose(); err != nil {
		errs = append(errs, err)
	}
	c.setStatus(StatusIdle, nil)

	err := errors.Join(errs...)
	if err != nil {
		c.log.Warn().Err(err).Msg("unmount finished with disposal errors")
	} else {
		c.log.Info().Uint64("frames", c.frames.Load()).Msg("unmounted")
	}
	return err
}
