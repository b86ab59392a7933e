package loader

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/avatarengine/internal/rig"
)

// Observer receives cache instrumentation events.
type Observer interface {
	CacheHit()
	CacheMiss()
	LoadFinished(d time.Duration, err error)
	Evicted()
}

type nopObserver struct{}

func (nopObserver) CacheHit()                         {}
func (nopObserver) CacheMiss()                        {}
func (nopObserver) LoadFinished(time.Duration, error) {}
func (nopObserver) Evicted()                          {}

// Options configure a Cache.
type Options struct {
	Fetcher Fetcher
	// Yaw is the orientation correction in degrees.
	Yaw float32
	// MaxEntries bounds the number of ready entries, evicting the least
	// recently used. Zero means unbounded.
	MaxEntries int
	// CancelSuperseded cancels an in-flight load once every caller waiting
	// on it has given up. By default such loads run to completion and are
	// cached.
	CancelSuperseded bool
	// PreloadConcurrency limits Preload. Zero means 4.
	PreloadConcurrency int
	Logger             zerolog.Logger
	Observer           Observer
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries   int
	Pending   int
	// Held counts assets with at least one outstanding instance.
	Held      int
	Hits      int
	Misses    int
	Shared    int
	Failures  int
	Evictions int
}

type entry struct {
	url    string
	done   chan struct{}
	cancel context.CancelFunc

	rig *rig.Rig
	err error

	waiters  int
	holders  int
	evicted  bool
	disposed bool
}

func (e *entry) finished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Cache loads avatar rigs by URL and memoizes them. Concurrent loads of the
// same URL share one fetch; the pending entry is the in-flight result.
//
// Every rig handed out by Load, LoadOrPlaceholder or Get is a separate
// instance of the cached asset and carries a hold that must be returned
// with Release. Evicted assets are disposed once the last hold is released.
type Cache struct {
	opts Options
	log  zerolog.Logger
	obs  Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	held    map[*rig.Rig]*entry
	lru     *simplelru.LRU[string, struct{}]
	stats   Stats
	closed  bool
}

// NewCache creates a cache. A nil Fetcher reads local files and http(s)
// URLs with a 30 second timeout.
func NewCache(opts Options) (*Cache, error) {
	if opts.Fetcher == nil {
		opts.Fetcher = NewSchemeFetcher("", 30*time.Second)
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.PreloadConcurrency <= 0 {
		opts.PreloadConcurrency = 4
	}

	c := &Cache{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "asset-cache").Logger(),
		obs:     opts.Observer,
		entries: make(map[string]*entry),
		held:    make(map[*rig.Rig]*entry),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if opts.MaxEntries > 0 {
		lru, err := simplelru.NewLRU[string, struct{}](opts.MaxEntries, func(url string, _ struct{}) {
			c.dropLocked(url)
		})
		if err != nil {
			return nil, fmt.Errorf("create lru: %w", err)
		}
		c.lru = lru
	}
	return c, nil
}

// Load returns the rig for url, starting a load when none is cached or in
// flight. Failures are returned as *LoadError and are not cached.
func (c *Cache) Load(ctx context.Context, url string) (*rig.Rig, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, unreachable(url, fmt.Errorf("cache closed"))
	}
	e, ok := c.entries[url]
	if ok && e.finished() {
		c.stats.Hits++
		inst := c.acquireLocked(e)
		c.mu.Unlock()
		c.obs.CacheHit()
		return inst, nil
	}
	if ok {
		c.stats.Shared++
	} else {
		c.stats.Misses++
		e = c.startLocked(url)
	}
	e.waiters++
	c.mu.Unlock()
	if !ok {
		c.obs.CacheMiss()
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		c.mu.Lock()
		e.waiters--
		abandon := e.waiters == 0 && !e.finished() && c.opts.CancelSuperseded
		dispose := c.settleLocked(e)
		c.mu.Unlock()
		if abandon {
			c.log.Debug().Str("url", url).Msg("cancelling abandoned load")
			e.cancel()
		}
		if dispose {
			c.dispose(e)
		}
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e.waiters--
	if e.err != nil {
		return nil, e.err
	}
	return c.acquireLocked(e), nil
}

// LoadOrPlaceholder behaves like Load but never returns a nil rig: on
// failure it returns a fresh placeholder along with the error.
func (c *Cache) LoadOrPlaceholder(ctx context.Context, url string) (*rig.Rig, error) {
	r, err := c.Load(ctx, url)
	if err == nil {
		return r, nil
	}
	c.log.Warn().Err(err).Str("url", url).Msg("using placeholder avatar")
	return Placeholder(c.opts.Yaw), err
}

// Get returns a cached rig without loading.
func (c *Cache) Get(url string) (*rig.Rig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[url]
	if !ok || !e.finished() || e.err != nil {
		return nil, false
	}
	return c.acquireLocked(e), true
}

// Put stores a ready rig under url, evicting whatever was there. The cache
// takes ownership of r and hands out instances of it.
func (c *Cache) Put(url string, r *rig.Rig) {
	e := &entry{url: url, done: make(chan struct{}), cancel: func() {}, rig: r.Asset()}
	close(e.done)

	c.mu.Lock()
	victim := c.removeLocked(url)
	c.entries[url] = e
	if c.lru != nil {
		c.lru.Add(url, struct{}{})
	}
	c.mu.Unlock()

	if victim != nil {
		c.dispose(victim)
	}
}

// Evict removes url from the cache. The rig is disposed now if nobody
// holds it, otherwise when the last holder releases it. A pending load is
// detached and its result disposed when it completes unclaimed.
func (c *Cache) Evict(url string) {
	c.mu.Lock()
	victim := c.removeLocked(url)
	c.mu.Unlock()
	if victim != nil {
		c.dispose(victim)
	}
}

// Clear evicts every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	var victims []*entry
	for url := range c.entries {
		if v := c.removeLocked(url); v != nil {
			victims = append(victims, v)
		}
	}
	c.mu.Unlock()
	for _, v := range victims {
		c.dispose(v)
	}
}

// Release returns a hold on r. Rigs the cache does not know, such as
// placeholders or instances already released, are disposed directly.
func (c *Cache) Release(r *rig.Rig) {
	if r == nil {
		return
	}
	c.mu.Lock()
	e, ok := c.held[r]
	if !ok {
		c.mu.Unlock()
		if err := r.Dispose(); err != nil {
			c.log.Warn().Err(err).Str("rig", r.Name).Msg("dispose untracked rig")
		}
		return
	}
	delete(c.held, r)
	e.holders--
	dispose := c.settleLocked(e)
	c.mu.Unlock()
	if dispose {
		c.dispose(e)
	}
}

// Preload warms the cache with urls concurrently and returns the first
// error. Loaded rigs stay cached without holds.
func (c *Cache) Preload(ctx context.Context, urls ...string) error {
	var g errgroup.Group
	g.SetLimit(c.opts.PreloadConcurrency)
	for _, url := range urls {
		g.Go(func() error {
			r, err := c.Load(ctx, url)
			if err != nil {
				return err
			}
			c.Release(r)
			return nil
		})
	}
	return g.Wait()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries, s.Pending = 0, 0
	for _, e := range c.entries {
		if e.finished() {
			s.Entries++
		} else {
			s.Pending++
		}
	}
	held := make(map[*entry]struct{}, len(c.held))
	for _, e := range c.held {
		held[e] = struct{}{}
	}
	s.Held = len(held)
	return s
}

// Close cancels pending loads, evicts every entry and waits for loader
// goroutines to exit.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	c.Clear()
}

func (c *Cache) startLocked(url string) *entry {
	ctx, cancel := context.WithCancel(c.ctx)
	e := &entry{url: url, done: make(chan struct{}), cancel: cancel}
	c.entries[url] = e

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(ctx, e)
	}()
	return e
}

func (c *Cache) run(ctx context.Context, e *entry) {
	start := time.Now()
	r, err := c.build(ctx, e.url)
	elapsed := time.Since(start)

	c.mu.Lock()
	e.rig, e.err = r, err
	current := c.entries[e.url] == e
	switch {
	case err != nil:
		c.stats.Failures++
		if current {
			delete(c.entries, e.url)
		}
	case !current:
		e.evicted = true
	case c.lru != nil:
		c.lru.Add(e.url, struct{}{})
	}
	close(e.done)
	dispose := c.settleLocked(e)
	c.mu.Unlock()

	c.obs.LoadFinished(elapsed, err)
	if err != nil {
		c.log.Warn().Err(err).Str("url", e.url).Dur("elapsed", elapsed).Msg("avatar load failed")
	} else {
		c.log.Info().Str("url", e.url).Str("name", r.Name).Int("vertices", r.VertexCount()).
			Dur("elapsed", elapsed).Msg("avatar loaded")
	}
	if dispose {
		c.dispose(e)
	}
}

func (c *Cache) build(ctx context.Context, url string) (r *rig.Rig, err error) {
	defer func() {
		if p := recover(); p != nil {
			r, err = nil, malformed(url, fmt.Errorf("parser panic: %v", p))
		}
	}()

	data, err := c.opts.Fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, unreachable(url, err)
	}
	r, stats, err := Build(data, BuildOptions{Name: path.Base(url), Source: url, Yaw: c.opts.Yaw})
	if err != nil {
		return nil, malformed(url, err)
	}
	c.log.Debug().Str("url", url).
		Int("vertices_before", stats.VerticesBefore).
		Int("vertices_after", stats.VerticesAfter).
		Int("joints_removed", stats.JointsRemoved).
		Msg("optimized avatar")
	return r, nil
}

// acquireLocked hands out a new instance of e's rig under a hold. Each
// caller animates its own instance; the cached asset is never posed.
func (c *Cache) acquireLocked(e *entry) *rig.Rig {
	inst := e.rig.Instance()
	e.holders++
	c.held[inst] = e
	if c.lru != nil {
		c.lru.Get(e.url)
	}
	return inst
}

// removeLocked detaches url from the map and returns the entry when it
// should be disposed right away.
func (c *Cache) removeLocked(url string) *entry {
	e, ok := c.entries[url]
	if !ok {
		return nil
	}
	delete(c.entries, url)
	if c.lru != nil {
		c.lru.Remove(url)
	}
	e.evicted = true
	c.stats.Evictions++
	if c.settleLocked(e) {
		return e
	}
	return nil
}

// dropLocked is the LRU eviction callback.
func (c *Cache) dropLocked(url string) {
	e, ok := c.entries[url]
	if !ok || !e.finished() {
		return
	}
	delete(c.entries, url)
	e.evicted = true
	c.stats.Evictions++
	if c.settleLocked(e) {
		// Disposal only drops memory, so doing it under the lock is fine.
		c.disposeLocked(e)
	}
}

// settleLocked reports whether e is an evicted, completed, unclaimed rig
// and marks it disposed so only one caller releases it.
func (c *Cache) settleLocked(e *entry) bool {
	if !e.evicted || e.disposed || !e.finished() || e.err != nil || e.rig == nil {
		return false
	}
	if e.waiters > 0 || e.holders > 0 {
		return false
	}
	e.disposed = true
	return true
}

func (c *Cache) dispose(e *entry) {
	c.obs.Evicted()
	if err := e.rig.Dispose(); err != nil {
		c.log.Warn().Err(err).Str("url", e.url).Msg("dispose rig")
		return
	}
	c.log.Debug().Str("url", e.url).Msg("disposed rig")
}

func (c *Cache) disposeLocked(e *entry) {
	c.obs.Evicted()
	if err := e.rig.Dispose(); err != nil {
		c.log.Warn().Err(err).Str("url", e.url).Msg("dispose rig")
	}
}
