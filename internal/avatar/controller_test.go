package avatar

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/avatarengine/internal/bus"
	"github.com/normanking/avatarengine/internal/expression"
	"github.com/normanking/avatarengine/internal/loader"
	"github.com/normanking/avatarengine/internal/loader/loadertest"
	"github.com/normanking/avatarengine/internal/rig"
	"github.com/normanking/avatarengine/internal/scene"
	"github.com/normanking/avatarengine/internal/softrender"
)

// gatedFetcher serves generated assets. URLs with a gate block until it is
// closed.
type gatedFetcher struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
	fail  map[string]error
	calls map[string]int
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{
		gates: make(map[string]chan struct{}),
		fail:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (f *gatedFetcher) gate(url string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	f.gates[url] = g
	return g
}

func (f *gatedFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls[url]++
	g := f.gates[url]
	err := f.fail[url]
	f.mu.Unlock()
	if g != nil {
		select {
		case <-g:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return loadertest.Asset(loadertest.Options{Name: url, Flavor: loadertest.VRM0}), nil
}

type recordingObserver struct {
	mu       sync.Mutex
	frames   int
	statuses []string
}

func (o *recordingObserver) FrameRendered(_, _ time.Duration, _ error) {
	o.mu.Lock()
	o.frames++
	o.mu.Unlock()
}

func (o *recordingObserver) StatusChanged(s string) {
	o.mu.Lock()
	o.statuses = append(o.statuses, s)
	o.mu.Unlock()
}

func newCache(t *testing.T, f loader.Fetcher, cancel bool) *loader.Cache {
	t.Helper()
	c, err := loader.NewCache(loader.Options{Fetcher: f, Yaw: loader.DefaultYaw, CancelSuperseded: cancel, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func newController(t *testing.T, cache *loader.Cache, opts Options) *Controller {
	t.Helper()
	dev, err := softrender.New(48, 48)
	require.NoError(t, err)
	opts.Cache = cache
	opts.Device = dev
	opts.Scene.Width, opts.Scene.Height = 48, 48
	opts.Scene.Background = scene.DefaultBackground()
	opts.Expression = expression.DefaultConfig()
	opts.Logger = zerolog.Nop()
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

// tickUntil ticks at 60 Hz until cond holds or a wall-clock second passes.
func tickUntil(t *testing.T, c *Controller, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached, status %s", c.Status())
		require.NoError(t, c.Tick(1.0/60))
		time.Sleep(time.Millisecond)
	}
}

func emotionOf(c *Controller) expression.Emotion {
	e, _ := c.Expression().Emotion()
	return e
}

func TestNewRequiresCache(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestTickBeforeMount(t *testing.T) {
	c := newController(t, newCache(t, newGatedFetcher(), false), Options{})
	assert.ErrorIs(t, c.Tick(0.016), ErrNotMounted)
}

func TestMountWithoutURLIsIdle(t *testing.T) {
	c := newController(t, newCache(t, newGatedFetcher(), false), Options{})
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()

	require.NoError(t, c.Tick(0.016))
	assert.Equal(t, StatusIdle, c.Status())
	assert.Nil(t, c.Rig())
	assert.ErrorIs(t, c.Mount(context.Background()), ErrAlreadyMounted)
}

func TestHappyEmotionSettles(t *testing.T) {
	cache := newCache(t, newGatedFetcher(), false)
	c := newController(t, cache, Options{AvatarURL: "a.vrm"})
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()

	tickUntil(t, c, func() bool { return c.Status() != StatusLoading })
	require.Equal(t, StatusReady, c.Status())
	r := c.Rig()
	require.NotNil(t, r)
	assert.Equal(t, scene.OverlayNone, c.Scene().Frame().Overlay.Kind)

	before := c.Frames()
	c.SetEmotion(expression.Happy, 80)
	for i := 0; i < 300; i++ {
		require.NoError(t, c.Tick(1.0/60))
	}

	want := expression.Target(expression.Happy, 80)
	for _, ch := range expression.EmotionChannels {
		assert.InDelta(t, want[ch], r.Weights[ch], 1e-4, ch.String())
	}
	assert.InDelta(t, 0.8, r.Weights[rig.Happy], 1e-4)
	assert.InDelta(t, 0.2, r.Weights[rig.Neutral], 1e-4)
	blink := r.Weights[rig.Blink]
	assert.True(t, blink == 0 || blink == 1, "blink %v", blink)
	assert.Equal(t, before+300, c.Frames())
}

func TestControllersSharingACacheKeepTheirOwnFace(t *testing.T) {
	f := newGatedFetcher()
	cache := newCache(t, f, false)
	happy := newController(t, cache, Options{AvatarURL: "a.vrm"})
	sad := newController(t, cache, Options{AvatarURL: "a.vrm"})
	for _, c := range []*Controller{happy, sad} {
		require.NoError(t, c.Mount(context.Background()))
		defer c.Unmount()
		tickUntil(t, c, func() bool { return c.Status() == StatusReady })
	}
	require.NotSame(t, happy.Rig(), sad.Rig())
	assert.Same(t, happy.Rig().Asset(), sad.Rig().Asset())
	f.mu.Lock()
	assert.Equal(t, 1, f.calls["a.vrm"])
	f.mu.Unlock()

	happy.SetEmotion(expression.Happy, 100)
	sad.SetEmotion(expression.Sad, 100)

	var wg sync.WaitGroup
	for _, c := range []*Controller{happy, sad} {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			for i := 0; i < 300; i++ {
				assert.NoError(t, c.Tick(1.0/60))
			}
		}(c)
	}
	wg.Wait()

	wantHappy := expression.Target(expression.Happy, 100)
	wantSad := expression.Target(expression.Sad, 100)
	for _, ch := range expression.EmotionChannels {
		assert.InDelta(t, wantHappy[ch], happy.Rig().Weights[ch], 1e-4, "happy "+ch.String())
		assert.InDelta(t, wantSad[ch], sad.Rig().Weights[ch], 1e-4, "sad "+ch.String())
	}

	// A hold per controller on one cached asset.
	assert.Equal(t, 1, cache.Stats().Held)
	require.NoError(t, happy.Unmount())
	assert.False(t, sad.Rig().Disposed())
}

func TestSupersededLoadIsNeverAttached(t *testing.T) {
	f := newGatedFetcher()
	gateA := f.gate("a.vrm")
	cache := newCache(t, f, false)
	c := newController(t, cache, Options{AvatarURL: "a.vrm"})
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()

	require.NoError(t, c.Tick(1.0/60))
	c.SetAvatarURL("b.vrm")
	tickUntil(t, c, func() bool { return c.Status() == StatusReady })
	b := c.Rig()
	require.NotNil(t, b)
	assert.Equal(t, "b.vrm", b.Name)

	close(gateA)
	// Give A's result time to be delivered and dropped.
	deadline := time.Now().Add(2 * time.Second)
	for cache.Stats().Pending > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Tick(1.0/60))
		time.Sleep(time.Millisecond)
	}
	assert.Same(t, b, c.Rig())
	assert.Same(t, b, c.Scene().Attached())
	_, cached := cache.Get("a.vrm")
	assert.False(t, cached, "superseded avatar stays cached")
	assert.Equal(t, StatusReady, c.Status())
}

func TestSupersededLoadCancelled(t *testing.T) {
	f := newGatedFetcher()
	f.gate("a.vrm")
	cache := newCache(t, f, true)
	c := newController(t, cache, Options{AvatarURL: "a.vrm", CancelSuperseded: true})
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()

	require.NoError(t, c.Tick(1.0/60))
	c.SetAvatarURL("b.vrm")
	tickUntil(t, c, func() bool { return c.Status() == StatusReady })
	assert.Equal(t, "b.vrm", c.Rig().Name)

	deadline := time.Now().Add(2 * time.Second)
	for cache.Stats().Pending > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Zero(t, cache.Stats().Pending)
}

func TestSpeakingToggleWithinOneTick(t *testing.T) {
	c := newController(t, newCache(t, newGatedFetcher(), false), Options{AvatarURL: "a.vrm"})
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()
	tickUntil(t, c, func() bool { return c.Status() == StatusReady })

	c.SetSpeaking(true)
	for i := 0; i < 30; i++ {
		require.NoError(t, c.Tick(1.0/60))
	}
	assert.True(t, c.Expression().Speaking())

	c.SetSpeaking(true)
	c.SetSpeaking(false)
	require.NoError(t, c.Tick(1.0/60))
	for _, ch := range rig.MouthChannels {
		assert.Zero(t, c.Rig().Weights[ch], ch.String())
	}
	assert.False(t, c.Expression().Speaking())
}

func TestMoodDrivesEmotionUntilExplicit(t *testing.T) {
	c := newController(t, newCache(t, newGatedFetcher(), false), Options{AvatarURL: "a.vrm"})
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()
	tickUntil(t, c, func() bool { return c.Status() == StatusReady })

	c.SetMood(-80)
	require.NoError(t, c.Tick(1.0/60))
	assert.Equal(t, expression.Sad, emotionOf(c))

	c.SetEmotion(expression.Surprised, 50)
	require.NoError(t, c.Tick(1.0/60))
	assert.Equal(t, expression.Surprised, emotionOf(c))

	c.ClearEmotion()
	require.NoError(t, c.Tick(1.0/60))
	assert.Equal(t, expression.Sad, emotionOf(c))
}

func TestFailedLoadFallsBackToPlaceholder(t *testing.T) {
	f := newGatedFetcher()
	f.fail["broken.vrm"] = errors.New("404")
	obs := &recordingObserver{}
	c := newController(t, newCache(t, f, false), Options{AvatarURL: "broken.vrm", Observer: obs})
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()

	tickUntil(t, c, func() bool { return c.Status() != StatusLoading })
	assert.Equal(t, StatusFallback, c.Status())
	require.Error(t, c.Err())
	var le *loader.LoadError
	assert.ErrorAs(t, c.Err(), &le)
	require.NotNil(t, c.Rig())
	assert.Equal(t, "placeholder", c.Rig().Source)

	obs.mu.Lock()
	assert.Equal(t, []string{"loading", "fallback"}, obs.statuses)
	assert.Positive(t, obs.frames)
	obs.mu.Unlock()
}

func TestFailedLoadWithoutFallback(t *testing.T) {
	f := newGatedFetcher()
	f.fail["broken.vrm"] = errors.New("404")
	c := newController(t, newCache(t, f, false), Options{AvatarURL: "broken.vrm", NoFallback: true})
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()

	tickUntil(t, c, func() bool { return c.Status() != StatusLoading })
	assert.Equal(t, StatusFailed, c.Status())
	assert.Nil(t, c.Rig())
	assert.Equal(t, scene.OverlayError, c.Scene().Frame().Overlay.Kind)
}

func TestRetryAfterFailure(t *testing.T) {
	f := newGatedFetcher()
	f.fail["a.vrm"] = errors.New("flaky")
	c := newController(t, newCache(t, f, false), Options{AvatarURL: "a.vrm"})
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()
	tickUntil(t, c, func() bool { return c.Status() == StatusFallback })

	f.mu.Lock()
	delete(f.fail, "a.vrm")
	f.mu.Unlock()
	c.Reload()
	tickUntil(t, c, func() bool { return c.Status() == StatusReady })
	assert.Equal(t, "a.vrm", c.Rig().Name)
	assert.NoError(t, c.Err())
}

func TestRenderContextFailure(t *testing.T) {
	cache := newCache(t, newGatedFetcher(), false)
	c, err := New(Options{Cache: cache, Logger: zerolog.Nop()})
	require.NoError(t, err)

	err = c.Mount(context.Background())
	var rce *scene.RenderContextError
	require.ErrorAs(t, err, &rce)
	assert.Equal(t, StatusFailed, c.Status())
	assert.ErrorIs(t, c.Tick(0.016), ErrNotMounted)
	assert.NoError(t, c.Unmount())
}

func TestUnmountReleasesAndIsIdempotent(t *testing.T) {
	cache := newCache(t, newGatedFetcher(), false)
	c := newController(t, cache, Options{AvatarURL: "a.vrm", EvictOnUnmount: true})
	require.NoError(t, c.Mount(context.Background()))
	tickUntil(t, c, func() bool { return c.Status() == StatusReady })
	r := c.Rig()

	require.NoError(t, c.Unmount())
	assert.True(t, r.Disposed())
	assert.Zero(t, cache.Stats().Held)
	assert.Equal(t, StatusIdle, c.Status())

	assert.NoError(t, c.Unmount())
	assert.NoError(t, c.Tick(0.016))
	assert.ErrorIs(t, c.Mount(context.Background()), ErrAlreadyMounted)
}

func TestUnmountKeepsCachedAvatar(t *testing.T) {
	f := newGatedFetcher()
	cache := newCache(t, f, false)
	c := newController(t, cache, Options{AvatarURL: "a.vrm"})
	require.NoError(t, c.Mount(context.Background()))
	tickUntil(t, c, func() bool { return c.Status() == StatusReady })
	r := c.Rig()
	require.NoError(t, c.Unmount())
	assert.False(t, r.Disposed())

	// A second controller reuses the cached rig without fetching.
	c2 := newController(t, cache, Options{AvatarURL: "a.vrm"})
	require.NoError(t, c2.Mount(context.Background()))
	defer c2.Unmount()
	tickUntil(t, c2, func() bool { return c2.Status() == StatusReady })
	assert.Same(t, r, c2.Rig())
	f.mu.Lock()
	assert.Equal(t, 1, f.calls["a.vrm"])
	f.mu.Unlock()
}

func TestUnmountDuringLoad(t *testing.T) {
	f := newGatedFetcher()
	f.gate("a.vrm")
	cache := newCache(t, f, true)
	c := newController(t, cache, Options{AvatarURL: "a.vrm"})
	require.NoError(t, c.Mount(context.Background()))
	require.NoError(t, c.Tick(1.0/60))
	assert.Equal(t, StatusLoading, c.Status())
	assert.Equal(t, scene.OverlayLoading, c.Scene().Frame().Overlay.Kind)

	done := make(chan error, 1)
	go func() { done <- c.Unmount() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("unmount blocked on pending load")
	}
	assert.Zero(t, cache.Stats().Held)
}

func TestRunStopsOnUnmount(t *testing.T) {
	c := newController(t, newCache(t, newGatedFetcher(), false), Options{AvatarURL: "a.vrm", FrameRate: 200})
	require.NoError(t, c.Mount(context.Background()))

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	deadline := time.Now().Add(2 * time.Second)
	for c.Status() != StatusReady && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, StatusReady, c.Status())

	require.NoError(t, c.Unmount())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Positive(t, c.Frames())
}

func TestBusPublishesStatus(t *testing.T) {
	b := bus.NewEventBus()
	got := make(chan string, 8)
	b.Subscribe(bus.EventTypeStatusChanged, func(e bus.Event) { got <- e.Str("status") })

	c := newController(t, newCache(t, newGatedFetcher(), false), Options{AvatarURL: "a.vrm", Bus: b})
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()
	tickUntil(t, c, func() bool { return c.Status() == StatusReady })

	seen := map[string]bool{}
	timeout := time.After(time.Second)
	for !seen["ready"] || !seen["loading"] {
		select {
		case s := <-got:
			seen[s] = true
		case <-timeout:
			t.Fatalf("statuses seen: %v", seen)
		}
	}
}

func TestSignalsCoalesceToLatest(t *testing.T) {
	c := newController(t, newCache(t, newGatedFetcher(), false), Options{})
	require.NoError(t, c.Mount(context.Background()))
	defer c.Unmount()

	c.SetEmotion(expression.Sad, 100)
	c.SetEmotion(expression.Angry, 40)
	c.Resize(32, 16)
	c.Resize(64, 32)
	c.SetBackground(scene.Background{Mode: scene.BackgroundColor, Color: [4]float32{1, 0, 0, 1}})
	require.NoError(t, c.Tick(1.0/60))

	assert.Equal(t, expression.Angry, emotionOf(c))
	f := c.Scene().Frame()
	assert.Equal(t, 64, f.Width)
	assert.Equal(t, scene.BackgroundColor, c.Scene().Background().Mode)
}
