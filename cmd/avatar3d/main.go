package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/rs/zerolog"

	"github.com/normanking/avatarengine/internal/avatar"
	"github.com/normanking/avatarengine/internal/bus"
	"github.com/normanking/avatarengine/internal/config"
	"github.com/normanking/avatarengine/internal/loader"
	"github.com/normanking/avatarengine/internal/logging"
	"github.com/normanking/avatarengine/internal/metrics"
	"github.com/normanking/avatarengine/internal/renderer"
	"github.com/normanking/avatarengine/internal/scene"
	"github.com/normanking/avatarengine/internal/signals"
)

func init() {
	// GLFW and GL must stay on the main thread.
	runtime.LockOSThread()
}

type flags struct {
	ConfigPath  string
	AvatarURL   string
	SignalURL   string
	Width       int
	Height      int
	Title       string
	VSync       bool
	MSAA        int
	Transparent bool
	Shadows     bool
	ShaderDir   string
	ShowFPS     bool
}

func main() {
	f := parseFlags()
	if err := run(f); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(f *flags) error {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	applyFlags(cfg, f)

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()
	log := logger.Component("main")
	log.Info().Str("avatar", cfg.Avatar.URL).Str("log", logger.GetLogPath()).Msg("avatar engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := glfw.Init(); err != nil {
		return fmt.Errorf("failed to initialize GLFW: %w", err)
	}
	defer glfw.Terminate()

	rend, err := renderer.New(renderer.Config{
		Width:       cfg.Scene.Width,
		Height:      cfg.Scene.Height,
		Title:       f.Title,
		VSync:       f.VSync,
		MSAA:        f.MSAA,
		Transparent: f.Transparent,
		Resizable:   true,
		Shadows:     f.Shadows,
		ShaderDir:   f.ShaderDir,
	}, logger.Zerolog())
	if err != nil {
		return fmt.Errorf("failed to create renderer: %w", err)
	}

	m := metrics.New()
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics, m, log)
		defer srv.Close()
	}

	fetcher := cfg.Fetcher()
	cacheOpts := cfg.CacheOptions(fetcher)
	cacheOpts.Logger = logger.Zerolog()
	cacheOpts.Observer = m
	cache, err := loader.NewCache(cacheOpts)
	if err != nil {
		rend.Release()
		return err
	}
	defer cache.Close()

	if len(cfg.Loader.Preload) > 0 {
		go func() {
			if err := cache.Preload(ctx, cfg.Loader.Preload...); err != nil {
				log.Warn().Err(err).Msg("preload incomplete")
			}
		}()
	}

	sceneCfg, err := cfg.SceneConfig()
	if err != nil {
		rend.Release()
		return err
	}

	events := bus.NewEventBus()
	ctrl, err := avatar.New(avatar.Options{
		Cache:            cache,
		Device:           rend,
		Fetcher:          fetcher,
		AvatarURL:        cfg.Avatar.URL,
		Scene:            sceneCfg,
		Expression:       cfg.Expression,
		Animation:        cfg.Animation,
		FrameRate:        cfg.Frame.Rate,
		MaxDelta:         cfg.Frame.MaxDelta,
		CancelSuperseded: cfg.Loader.CancelSuperseded,
		NoFallback:       cfg.Avatar.NoFallback,
		EvictOnUnmount:   cfg.Avatar.EvictOnUnmount,
		Bus:              events,
		Logger:           logger.Zerolog(),
		Observer:         m,
	})
	if err != nil {
		rend.Release()
		return err
	}
	ctrl.SubscribeBus(events)
	rend.OnResize(ctrl.Resize)

	if cfg.Loader.Watch {
		w, err := watchAssets(cache, fetcher.File, events, logger.Zerolog())
		if err != nil {
			log.Warn().Err(err).Msg("asset watching disabled")
		} else {
			defer w.Close()
		}
	}

	if cfg.Signals.URL != "" {
		client, err := signals.New(cfg.Signals, events, logger.Zerolog())
		if err != nil {
			rend.Release()
			return err
		}
		if err := client.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("signal client not started")
		} else {
			defer client.Disconnect()
		}
	}

	if err := ctrl.Mount(ctx); err != nil {
		rend.Release()
		return err
	}
	defer func() {
		if err := ctrl.Unmount(); err != nil {
			log.Warn().Err(err).Msg("unmount incomplete")
		}
	}()

	log.Info().Msg("press Ctrl+C or close the window to exit")
	renderLoop(ctx, rend, ctrl, cfg.Frame.MaxDelta, f.ShowFPS, log)
	log.Info().Uint64("frames", ctrl.Frames()).Msg("render loop ended")
	return nil
}

// renderLoop ticks once per swap. VSync paces it; deltas are capped so a
// stall does not fast-forward blinks and transitions.
func renderLoop(ctx context.Context, rend *renderer.Renderer, ctrl *avatar.Controller, maxDelta time.Duration, showFPS bool, log zerolog.Logger) {
	last := time.Now()
	frameCount := 0
	fpsTimer := last

	for !rend.ShouldClose() {
		if ctx.Err() != nil {
			log.Info().Msg("shutdown signal received")
			return
		}

		now := time.Now()
		dt := min(now.Sub(last), maxDelta)
		last = now

		if err := ctrl.Tick(float32(dt.Seconds())); err != nil {
			var rc *scene.RenderContextError
			if errors.As(err, &rc) {
				log.Error().Err(err).Msg("render context lost")
				return
			}
		}
		rend.Present()

		frameCount++
		if showFPS && time.Since(fpsTimer) >= time.Second {
			stats := rend.Stats()
			log.Info().
				Int("fps", frameCount).
				Int("draws", stats.Draws).
				Int("triangles", stats.Triangles).
				Str("status", ctrl.Status().String()).
				Msg("frame stats")
			frameCount = 0
			fpsTimer = time.Now()
		}
	}
}

// watchAssets watches every avatar file the controller shows and publishes
// an asset change when one is rewritten.
func watchAssets(cache *loader.Cache, files loader.FileFetcher, events *bus.EventBus, log zerolog.Logger) (*loader.Watcher, error) {
	w, err := loader.NewWatcher(cache, files, func(url string) {
		events.Publish(bus.Event{Type: bus.EventTypeAssetChanged, Data: map[string]any{bus.KeyURL: url}})
	}, log)
	if err != nil {
		return nil, err
	}
	events.Subscribe(bus.EventTypeStatusChanged, func(e bus.Event) {
		url := e.Str(bus.KeyURL)
		if url == "" || e.Str(bus.KeyStatus) != avatar.StatusReady.String() {
			return
		}
		if err := w.Watch(url); err != nil {
			log.Warn().Err(err).Str("url", url).Msg("cannot watch avatar file")
		}
	})
	return w, nil
}

func serveMetrics(cfg config.MetricsConfig, m *metrics.Metrics, log zerolog.Logger) *http.Server {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.Handler())
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", cfg.Addr).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", cfg.Addr).Str("path", cfg.Path).Msg("metrics endpoint listening")
	return srv
}

func applyFlags(cfg *config.Config, f *flags) {
	if f.AvatarURL != "" {
		cfg.Avatar.URL = f.AvatarURL
	}
	if f.SignalURL != "" {
		cfg.Signals.URL = f.SignalURL
	}
	if f.Width > 0 {
		cfg.Scene.Width = f.Width
	}
	if f.Height > 0 {
		cfg.Scene.Height = f.Height
	}
}

func parseFlags() *flags {
	f := &flags{}

	flag.StringVar(&f.ConfigPath, "config", "", "Config file (default ~/.avatarengine/config.yaml)")
	flag.StringVar(&f.AvatarURL, "avatar", "", "Avatar URL or path, overrides avatar.url")
	flag.StringVar(&f.SignalURL, "signals", "", "Host signal URL, overrides signals.url")
	flag.IntVar(&f.Width, "width", 0, "Window width, overrides scene.width")
	flag.IntVar(&f.Height, "height", 0, "Window height, overrides scene.height")
	flag.StringVar(&f.Title, "title", "Avatar", "Window title")
	flag.BoolVar(&f.VSync, "vsync", true, "Enable VSync")
	flag.IntVar(&f.MSAA, "msaa", 4, "MSAA samples")
	flag.BoolVar(&f.Transparent, "transparent", false, "Transparent background")
	flag.BoolVar(&f.Shadows, "shadows", true, "Key light shadows")
	flag.StringVar(&f.ShaderDir, "shaders", "", "Directory with mesh.vert and mesh.frag to hot-reload")
	flag.BoolVar(&f.ShowFPS, "fps", false, "Log frame stats every second")

	flag.Parse()

	return f
}
