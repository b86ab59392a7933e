// Package config provides configuration management for the avatar engine
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/avatarengine/internal/animation"
	"github.com/normanking/avatarengine/internal/expression"
	"github.com/normanking/avatarengine/internal/loader"
	"github.com/normanking/avatarengine/internal/logging"
	"github.com/normanking/avatarengine/internal/scene"
	"github.com/normanking/avatarengine/internal/signals"
)

// Config holds all application configuration
type Config struct {
	Avatar     AvatarConfig      `mapstructure:"avatar" yaml:"avatar"`
	Loader     LoaderConfig      `mapstructure:"loader" yaml:"loader"`
	Scene      SceneConfig       `mapstructure:"scene" yaml:"scene"`
	Expression expression.Config `mapstructure:"expression" yaml:"expression"`
	Animation  animation.Config  `mapstructure:"animation" yaml:"animation"`
	Frame      FrameConfig       `mapstructure:"frame" yaml:"frame"`
	Signals    signals.Config    `mapstructure:"signals" yaml:"signals"`
	Logging    logging.Config    `mapstructure:"logging" yaml:"logging"`
	Metrics    MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// AvatarConfig configures the controller
type AvatarConfig struct {
	URL            string `mapstructure:"url" yaml:"url"`
	NoFallback     bool   `mapstructure:"no_fallback" yaml:"no_fallback"`
	EvictOnUnmount bool   `mapstructure:"evict_on_unmount" yaml:"evict_on_unmount"`
}

// LoaderConfig configures fetching and the asset cache
type LoaderConfig struct {
	// Root resolves relative file paths.
	Root             string        `mapstructure:"root" yaml:"root"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout" yaml:"http_timeout"`
	MaxEntries       int           `mapstructure:"max_entries" yaml:"max_entries"`
	CancelSuperseded bool          `mapstructure:"cancel_superseded" yaml:"cancel_superseded"`
	Concurrency      int           `mapstructure:"preload_concurrency" yaml:"preload_concurrency"`
	Preload          []string      `mapstructure:"preload" yaml:"preload,omitempty"`
	// Watch evicts and reloads local avatars when their file changes.
	Watch bool `mapstructure:"watch" yaml:"watch"`
	// Yaw overrides the facing correction in degrees.
	Yaw float32 `mapstructure:"yaw" yaml:"yaw"`
}

// SceneConfig configures the render surface
type SceneConfig struct {
	Width      int                    `mapstructure:"width" yaml:"width"`
	Height     int                    `mapstructure:"height" yaml:"height"`
	AutoFrame  bool                   `mapstructure:"auto_frame" yaml:"auto_frame"`
	Camera     scene.CameraPose       `mapstructure:"camera" yaml:"camera"`
	Background signals.WireBackground `mapstructure:"background" yaml:"background"`
}

// FrameConfig configures the frame loop
type FrameConfig struct {
	Rate     int           `mapstructure:"rate" yaml:"rate"`
	MaxDelta time.Duration `mapstructure:"max_delta" yaml:"max_delta"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables
// it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	Path string `mapstructure:"path" yaml:"path"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Loader: LoaderConfig{
			HTTPTimeout: 30 * time.Second,
			Concurrency: 4,
			Yaw:         loader.DefaultYaw,
		},
		Scene: SceneConfig{
			Width:     500,
			Height:    700,
			AutoFrame: true,
			Camera:    scene.DefaultCameraPose(),
			Background: signals.WireBackground{
				Mode:   "gradient",
				Top:    "#4d576b",
				Bottom: "#1a1c24",
			},
		},
		Expression: expression.DefaultConfig(),
		Animation:  animation.DefaultConfig(),
		Frame: FrameConfig{
			Rate:     60,
			MaxDelta: 100 * time.Millisecond,
		},
		Signals: signals.DefaultConfig(),
		Logging: logging.DefaultConfig(),
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// Load reads configuration from path, or from config.yaml in the config
// directory or the working directory when path is empty. Environment
// variables prefixed AVATAR_ override file values, with dots in the key
// replaced by underscores (AVATAR_SCENE_WIDTH).
func Load(path string) (*Config, error) {
	v := viper.New()
	if err := setDefaults(v); err != nil {
		return nil, err
	}

	v.SetEnvPrefix("AVATAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if dir, err := GetConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key of DefaultConfig so environment
// variables can override keys absent from the file.
func setDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return err
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			key := prefix + k
			if sub, ok := val.(map[string]any); ok {
				walk(key+".", sub)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
	return nil
}

// Validate checks values the engine cannot start with.
func (c *Config) Validate() error {
	if c.Scene.Width <= 0 || c.Scene.Height <= 0 {
		return fmt.Errorf("invalid scene size %dx%d", c.Scene.Width, c.Scene.Height)
	}
	if c.Frame.Rate <= 0 {
		return fmt.Errorf("invalid frame rate %d", c.Frame.Rate)
	}
	if c.Loader.MaxEntries < 0 {
		return fmt.Errorf("invalid loader max_entries %d", c.Loader.MaxEntries)
	}
	if _, err := c.Scene.Background.Background(); err != nil {
		return fmt.Errorf("scene background: %w", err)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// SceneConfig resolves the scene section. Image backgrounds carry only
// their reference.
func (c *Config) SceneConfig() (scene.Config, error) {
	bg, err := c.Scene.Background.Background()
	if err != nil {
		return scene.Config{}, err
	}
	return scene.Config{
		Width:      c.Scene.Width,
		Height:     c.Scene.Height,
		Background: bg,
		Camera:     c.Scene.Camera,
		AutoFrame:  c.Scene.AutoFrame,
	}, nil
}

// Fetcher builds the fetcher for the loader section.
func (c *Config) Fetcher() *loader.SchemeFetcher {
	return loader.NewSchemeFetcher(c.Loader.Root, c.Loader.HTTPTimeout)
}

// CacheOptions builds cache options sharing f.
func (c *Config) CacheOptions(f loader.Fetcher) loader.Options {
	return loader.Options{
		Fetcher:            f,
		Yaw:                c.Loader.Yaw,
		MaxEntries:         c.Loader.MaxEntries,
		CancelSuperseded:   c.Loader.CancelSuperseded,
		PreloadConcurrency: c.Loader.Concurrency,
	}
}

// Save writes the configuration as YAML, creating the directory.
func Save(cfg *Config, path string) error {
	if path == "" {
		dir, err := GetConfigDir()
		if err != nil {
			return err
		}
		path = filepath.Join(dir, "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Marshal encodes the configuration as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".avatarengine"), nil
}
