package core

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

type RendererConfig struct {
	// Number of frames the CPU may record ahead of the GPU.
	FramesInFlight uint32 `toml:"frames_in_flight"`
	// Size of the shared bindless descriptor table.
	BindlessCapacity uint32 `toml:"bindless_capacity"`
	Width            uint32 `toml:"width"`
	Height           uint32 `toml:"height"`
}

type JobsConfig struct {
	Workers   int `toml:"workers"`
	QueueSize int `toml:"queue_size"`
}

type AssetsConfig struct {
	Scene string `toml:"scene"`
	Watch bool   `toml:"watch"`
}

type DeviceConfig struct {
	// "headless" or "vulkan".
	Backend string `toml:"backend"`
	// Vulkan only: load the Khronos validation layer.
	Validation bool `toml:"validation"`
}

type Config struct {
	Name     string         `toml:"name"`
	LogLevel string         `toml:"log_level"`
	Renderer RendererConfig `toml:"renderer"`
	Jobs     JobsConfig     `toml:"jobs"`
	Assets   AssetsConfig   `toml:"assets"`
	Device   DeviceConfig   `toml:"device"`
}

func DefaultConfig() *Config {
	return &Config{
		Name:     "framegraph",
		LogLevel: "info",
		Renderer: RendererConfig{
			FramesInFlight:   2,
			BindlessCapacity: 32768,
			Width:            1280,
			Height:           720,
		},
		Jobs: JobsConfig{
			Workers:   2,
			QueueSize: 64,
		},
		Assets: AssetsConfig{
			Scene: "assets/scene.toml",
			Watch: true,
		},
		Device: DeviceConfig{
			Backend: "headless",
		},
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig. Keys missing from the
// file keep their default value.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Renderer.FramesInFlight == 0 {
		return fmt.Errorf("%w: renderer.frames_in_flight must be at least 1", ErrInvalidConfig)
	}
	if c.Renderer.BindlessCapacity == 0 {
		return fmt.Errorf("%w: renderer.bindless_capacity must be at least 1", ErrInvalidConfig)
	}
	if c.Renderer.Width == 0 || c.Renderer.Height == 0 {
		return fmt.Errorf("%w: renderer size must not be zero", ErrInvalidConfig)
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("%w: jobs.workers must be at least 1", ErrInvalidConfig)
	}
	if c.Jobs.QueueSize < 0 {
		return fmt.Errorf("%w: jobs.queue_size must not be negative", ErrInvalidConfig)
	}
	switch c.Device.Backend {
	case "headless", "vulkan":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Device.Backend)
	}
	return nil
}
