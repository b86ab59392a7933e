package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/avatarengine/internal/loader/loadertest"
	"github.com/normanking/avatarengine/internal/rig"
)

// countingFetcher serves the test asset and counts fetches per URL.
type countingFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	gate  chan struct{}
	fail  map[string]error
}

func newCountingFetcher() *countingFetcher {
	return &countingFetcher{calls: make(map[string]int), fail: make(map[string]error)}
}

func (f *countingFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls[url]++
	gate := f.gate
	err := f.fail[url]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return loadertest.Asset(loadertest.Options{Name: url, Flavor: loadertest.VRM0}), nil
}

func (f *countingFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func newTestCache(t *testing.T, f Fetcher, opts Options) *Cache {
	t.Helper()
	opts.Fetcher = f
	opts.Logger = zerolog.Nop()
	c, err := NewCache(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCacheConcurrentLoadsFetchOnce(t *testing.T) {
	f := newCountingFetcher()
	f.gate = make(chan struct{})
	c := newTestCache(t, f, Options{})

	const callers = 10
	results := make([]*rig.Rig, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := c.Load(context.Background(), "a.vrm")
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}

	require.Eventually(t, func() bool {
		return c.Stats().Shared == callers-1
	}, 2*time.Second, 5*time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, 1, f.count("a.vrm"))
	for _, r := range results[1:] {
		assert.NotSame(t, results[0], r)
		assert.Same(t, results[0].Asset(), r.Asset())
	}
	assert.Equal(t, 1, c.Stats().Held)
}

func TestCacheHitDoesNoFetch(t *testing.T) {
	f := newCountingFetcher()
	c := newTestCache(t, f, Options{})

	r1, err := c.Load(context.Background(), "a.vrm")
	require.NoError(t, err)
	c.Release(r1)

	r2, err := c.Load(context.Background(), "a.vrm")
	require.NoError(t, err)
	assert.Same(t, r1.Asset(), r2.Asset())
	assert.Equal(t, 1, f.count("a.vrm"))

	stats := c.Stats()
	assert.Equal(t, 1, stats.Hits)
	assert.Equal(t, 1, stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestCacheInstancesOwnTheirPose(t *testing.T) {
	c := newTestCache(t, newCountingFetcher(), Options{})

	a, err := c.Load(context.Background(), "a.vrm")
	require.NoError(t, err)
	b, ok := c.Get("a.vrm")
	require.True(t, ok)
	require.NotSame(t, a, b)
	require.NotEmpty(t, a.Pose)

	a.Weights[rig.Happy] = 1
	a.Pose[0].Translation = mgl32.Vec3{1, 2, 3}
	assert.Zero(t, b.Weights[rig.Happy])
	assert.Equal(t, b.Nodes[0].Rest.Translation, b.Pose[0].Translation)
	assert.Equal(t, a.VertexCount(), b.VertexCount())

	// Releasing one instance leaves the other usable.
	c.Release(a)
	assert.False(t, b.Disposed())
	assert.Equal(t, 1, c.Stats().Held)
	c.Release(b)
	assert.Zero(t, c.Stats().Held)
}

func TestCacheFailuresAreNotCached(t *testing.T) {
	f := newCountingFetcher()
	f.fail["a.vrm"] = errors.New("connection refused")
	c := newTestCache(t, f, Options{})

	_, err := c.Load(context.Background(), "a.vrm")
	require.Error(t, err)
	assert.True(t, IsLoadError(err, Unreachable))
	assert.Zero(t, c.Stats().Entries)

	f.mu.Lock()
	delete(f.fail, "a.vrm")
	f.mu.Unlock()

	r, err := c.Load(context.Background(), "a.vrm")
	require.NoError(t, err)
	assert.NotNil(t, r)
	assert.Equal(t, 2, f.count("a.vrm"))
	assert.Equal(t, 1, c.Stats().Failures)
}

func TestCacheMalformedAsset(t *testing.T) {
	f := FetcherFunc(func(context.Context, string) ([]byte, error) {
		return []byte("{not json"), nil
	})
	c := newTestCache(t, f, Options{})

	_, err := c.Load(context.Background(), "broken.glb")
	require.Error(t, err)
	assert.True(t, IsLoadError(err, Malformed))

	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "broken.glb", le.URL)
}

func TestLoadOrPlaceholderFallsBack(t *testing.T) {
	f := newCountingFetcher()
	f.fail["gone.vrm"] = errors.New("404")
	c := newTestCache(t, f, Options{Yaw: DefaultYaw})

	r, err := c.LoadOrPlaceholder(context.Background(), "gone.vrm")
	require.Error(t, err)
	require.NotNil(t, r)
	assert.True(t, r.Placeholder)

	c.Release(r)
	assert.True(t, r.Disposed(), "placeholders are owned by the caller")
}

func TestCacheEvictDisposesWhenUnheld(t *testing.T) {
	c := newTestCache(t, newCountingFetcher(), Options{})

	r, err := c.Load(context.Background(), "a.vrm")
	require.NoError(t, err)
	c.Release(r)

	c.Evict("a.vrm")
	assert.True(t, r.Disposed())
	_, ok := c.Get("a.vrm")
	assert.False(t, ok)
}

func TestCacheEvictWaitsForLastHolder(t *testing.T) {
	c := newTestCache(t, newCountingFetcher(), Options{})

	r1, err := c.Load(context.Background(), "a.vrm")
	require.NoError(t, err)
	r2, ok := c.Get("a.vrm")
	require.True(t, ok)

	c.Evict("a.vrm")
	assert.False(t, r1.Disposed())

	c.Release(r1)
	assert.False(t, r1.Disposed())
	c.Release(r2)
	assert.True(t, r1.Disposed())

	// A second release of the same rig is harmless.
	c.Release(r2)
}

func TestCacheClearDisposesEverything(t *testing.T) {
	c := newTestCache(t, newCountingFetcher(), Options{})
	require.NoError(t, c.Preload(context.Background(), "a.vrm", "b.vrm"))
	assert.Equal(t, 2, c.Stats().Entries)
	assert.Zero(t, c.Stats().Held)

	a, _ := c.Get("a.vrm")
	c.Release(a)
	c.Clear()
	assert.True(t, a.Disposed())
	assert.Zero(t, c.Stats().Entries)
}

func TestCacheMaxEntriesEvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, newCountingFetcher(), Options{MaxEntries: 2})
	ctx := context.Background()

	load := func(url string) *rig.Rig {
		r, err := c.Load(ctx, url)
		require.NoError(t, err)
		c.Release(r)
		return r
	}
	a := load("a.vrm")
	load("b.vrm")
	load("a.vrm")
	load("c.vrm")

	_, ok := c.Get("b.vrm")
	assert.False(t, ok, "b was least recently used")
	got, ok := c.Get("a.vrm")
	require.True(t, ok)
	assert.Same(t, a.Asset(), got.Asset())
	c.Release(got)
	assert.Equal(t, 2, c.Stats().Entries)
}

func TestCachePutAndGet(t *testing.T) {
	c := newTestCache(t, newCountingFetcher(), Options{})
	old := rig.Placeholder()
	c.Put("mem://a", old)

	got, ok := c.Get("mem://a")
	require.True(t, ok)
	assert.Same(t, old, got.Asset())
	c.Release(got)

	c.Put("mem://a", rig.Placeholder())
	assert.True(t, old.Disposed(), "replaced entries are evicted")
}

func TestSupersededLoadCompletesByDefault(t *testing.T) {
	f := newCountingFetcher()
	f.gate = make(chan struct{})
	c := newTestCache(t, f, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Load(ctx, "a.vrm")
		errc <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().Pending == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	close(f.gate)

	require.Eventually(t, func() bool { return c.Stats().Entries == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.count("a.vrm"))
}

func TestSupersededLoadCancelledWhenConfigured(t *testing.T) {
	f := newCountingFetcher()
	f.gate = make(chan struct{})
	defer close(f.gate)
	c := newTestCache(t, f, Options{CancelSuperseded: true})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Load(ctx, "a.vrm")
		errc <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().Pending == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.Pending == 0 && s.Entries == 0 && s.Failures == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEvictedPendingLoadIsDisposedOnCompletion(t *testing.T) {
	f := newCountingFetcher()
	f.gate = make(chan struct{})
	c := newTestCache(t, f, Options{})

	done := make(chan *rig.Rig, 1)
	go func() {
		r, err := c.Load(context.Background(), "a.vrm")
		assert.NoError(t, err)
		done <- r
	}()
	require.Eventually(t, func() bool { return c.Stats().Pending == 1 }, time.Second, 5*time.Millisecond)

	c.Evict("a.vrm")
	close(f.gate)
	r := <-done
	require.NotNil(t, r)
	assert.False(t, r.Disposed(), "the waiter still holds it")

	c.Release(r)
	assert.True(t, r.Disposed())
	assert.Zero(t, c.Stats().Entries)
}

func TestCacheLoadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.gltf"), loadertest.Asset(loadertest.Options{}), 0o644))

	c := newTestCache(t, NewSchemeFetcher(dir, time.Second), Options{})
	r, err := c.Load(context.Background(), "a.gltf")
	require.NoError(t, err)
	assert.Equal(t, "a.gltf", r.Name)

	_, err = c.Load(context.Background(), "missing.gltf")
	assert.True(t, IsLoadError(err, Unreachable))
}

var _ Observer = (*recordingObserver)(nil)

type recordingObserver struct {
	hits, misses, loads, evictions atomic.Int32
}

func (o *recordingObserver) CacheHit()                         { o.hits.Add(1) }
func (o *recordingObserver) CacheMiss()                        { o.misses.Add(1) }
func (o *recordingObserver) LoadFinished(time.Duration, error) { o.loads.Add(1) }
func (o *recordingObserver) Evicted()                          { o.evictions.Add(1) }

func TestCacheReportsToObserver(t *testing.T) {
	obs := &recordingObserver{}
	c := newTestCache(t, newCountingFetcher(), Options{Observer: obs})

	r, err := c.Load(context.Background(), "a.vrm")
	require.NoError(t, err)
	c.Release(r)
	r, err = c.Load(context.Background(), "a.vrm")
	require.NoError(t, err)
	c.Release(r)
	c.Evict("a.vrm")

	assert.Equal(t, int32(1), obs.misses.Load())
	assert.Equal(t, int32(1), obs.hits.Load())
	assert.Equal(t, int32(1), obs.loads.Load())
	assert.Equal(t, int32(1), obs.evictions.Load())
}
