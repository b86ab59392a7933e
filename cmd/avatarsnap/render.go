package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/HugoSmits86/nativewebp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/avatarengine/internal/avatar"
	"github.com/normanking/avatarengine/internal/config"
	"github.com/normanking/avatarengine/internal/expression"
	"github.com/normanking/avatarengine/internal/loader"
	"github.com/normanking/avatarengine/internal/softrender"
)

type renderOptions struct {
	Out       string
	Width     int
	Height    int
	Emotion   string
	Intensity float32
	Mood      float32
	HasMood   bool
	Speaking  bool
	Phonemes  string
	Warmup    time.Duration
	Frames    int
	FPS       int
	Timeout   time.Duration
}

func newRenderCmd() *cobra.Command {
	opts := renderOptions{}
	cmd := &cobra.Command{
		Use:   "render [avatar-url]",
		Short: "Render frames of an avatar to PNG or WebP",
		Long: `Render loads the avatar, applies the requested expression state,
simulates --warmup of animation and then writes --frames frames.

The output format follows the file extension (.png or .webp). With more than
one frame the output name must contain a printf verb, e.g. frame_%03d.png.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, done, err := setup()
			if err != nil {
				return err
			}
			defer done()
			if len(args) == 1 {
				cfg.Avatar.URL = args[0]
			}
			opts.HasMood = cmd.Flags().Changed("mood")
			paths, err := runRender(cmd.Context(), cfg, opts, log)
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.Out, "out", "o", "avatar.png", "output file")
	f.IntVar(&opts.Width, "width", 0, "image width (default scene.width)")
	f.IntVar(&opts.Height, "height", 0, "image height (default scene.height)")
	f.StringVar(&opts.Emotion, "emotion", "", "discrete emotion, e.g. happy, sad, surprised")
	f.Float32Var(&opts.Intensity, "intensity", 100, "emotion intensity 0..100")
	f.Float32Var(&opts.Mood, "mood", 0, "mood score -100..100, used without --emotion")
	f.BoolVar(&opts.Speaking, "speaking", false, "animate the mouth as if speaking")
	f.StringVar(&opts.Phonemes, "phonemes", "", "comma separated ARPAbet phonemes spoken 100ms apart, e.g. HH,AH,L,OW")
	f.DurationVar(&opts.Warmup, "warmup", time.Second, "animation time simulated before the first frame")
	f.IntVar(&opts.Frames, "frames", 1, "number of frames to write")
	f.IntVar(&opts.FPS, "fps", 30, "frame rate of the simulated clock")
	f.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "maximum wait for the avatar to load")
	return cmd
}

// runRender returns the paths written so far, even on error.
func runRender(ctx context.Context, cfg *config.Config, opts renderOptions, log zerolog.Logger) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Frames < 1 {
		return nil, fmt.Errorf("frames must be at least 1")
	}
	if opts.FPS <= 0 {
		return nil, fmt.Errorf("fps must be positive")
	}
	if opts.Frames > 1 && !strings.Contains(opts.Out, "%") {
		return nil, fmt.Errorf("output %q needs a printf verb for %d frames", opts.Out, opts.Frames)
	}
	if _, err := encoderFor(opts.Out); err != nil {
		return nil, err
	}
	if opts.Width > 0 {
		cfg.Scene.Width = opts.Width
	}
	if opts.Height > 0 {
		cfg.Scene.Height = opts.Height
	}

	sceneCfg, err := cfg.SceneConfig()
	if err != nil {
		return nil, err
	}
	dev, err := softrender.New(cfg.Scene.Width, cfg.Scene.Height)
	if err != nil {
		return nil, err
	}

	fetcher := cfg.Fetcher()
	cacheOpts := cfg.CacheOptions(fetcher)
	cacheOpts.Logger = log
	cache, err := loader.NewCache(cacheOpts)
	if err != nil {
		return nil, err
	}
	defer cache.Close()

	ctrl, err := avatar.New(avatar.Options{
		Cache:      cache,
		Device:     dev,
		Fetcher:    fetcher,
		AvatarURL:  cfg.Avatar.URL,
		Scene:      sceneCfg,
		Expression: cfg.Expression,
		Animation:  cfg.Animation,
		NoFallback: cfg.Avatar.NoFallback,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	if err := ctrl.Mount(ctx); err != nil {
		return nil, err
	}
	defer ctrl.Unmount()

	if err := applyExpression(ctrl, opts); err != nil {
		return nil, err
	}
	if err := waitSettled(ctx, ctrl, opts.Timeout); err != nil {
		return nil, err
	}

	dt := 1 / float32(opts.FPS)
	for t := time.Duration(0); t < opts.Warmup; t += time.Second / time.Duration(opts.FPS) {
		if err := ctrl.Tick(dt); err != nil {
			return nil, err
		}
	}

	var written []string
	for i := 0; i < opts.Frames; i++ {
		if err := ctrl.Tick(dt); err != nil {
			return written, err
		}
		path := opts.Out
		if opts.Frames > 1 {
			path = fmt.Sprintf(opts.Out, i)
		}
		if err := writeImage(path, dev.Image()); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	log.Info().Int("frames", len(written)).Str("status", ctrl.Status().String()).Msg("render complete")
	return written, nil
}

func applyExpression(ctrl *avatar.Controller, opts renderOptions) error {
	if opts.Emotion != "" {
		e, err := expression.ParseEmotion(opts.Emotion)
		if err != nil {
			return err
		}
		ctrl.SetEmotion(e, opts.Intensity)
	}
	if opts.HasMood {
		ctrl.SetMood(opts.Mood)
	}
	if opts.Speaking || opts.Phonemes != "" {
		ctrl.SetSpeaking(true)
	}
	if opts.Phonemes != "" {
		var track []expression.Phoneme
		for i, sym := range strings.Split(opts.Phonemes, ",") {
			start := i * 100
			track = append(track, expression.Phoneme{Symbol: strings.TrimSpace(sym), StartMs: start, EndMs: start + 100})
		}
		ctrl.QueueVisemes(expression.PhonemesToVisemes(track))
	}
	return nil
}

// waitSettled ticks with a zero delta until the load finishes, so waiting
// does not advance the animation clock.
func waitSettled(ctx context.Context, ctrl *avatar.Controller, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctrl.Tick(0); err != nil {
			return err
		}
		switch ctrl.Status() {
		case avatar.StatusReady, avatar.StatusFallback, avatar.StatusIdle:
			return nil
		case avatar.StatusFailed:
			if err := ctrl.Err(); err != nil {
				return err
			}
			return errors.New("avatar failed to load")
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("avatar not loaded after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

type encoder func(w io.Writer, img image.Image) error

func encoderFor(path string) (encoder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return png.Encode, nil
	case ".webp":
		return func(w io.Writer, img image.Image) error {
			return nativewebp.Encode(w, img, nil)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q (use .png or .webp)", filepath.Ext(path))
	}
}

func writeImage(path string, img image.Image) error {
	enc, err := encoderFor(path)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := enc(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
