/*
Renders frames with the engine package, either on a real GPU or on the
headless device.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spaghettifunk/framegraph/engine"
	"github.com/spaghettifunk/framegraph/engine/core"
	"github.com/spaghettifunk/framegraph/engine/renderer/headless"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
	"github.com/spaghettifunk/framegraph/engine/renderer/vulkan"
)

func openDevice(cfg *core.Config) (metadata.Device, error) {
	switch cfg.Device.Backend {
	case "vulkan":
		dev, err := vulkan.New(vulkan.Options{AppName: cfg.Name, Validation: cfg.Device.Validation})
		if err != nil {
			return nil, err
		}
		return dev, nil
	default:
		return headless.New(), nil
	}
}

func main() {
	configPath := flag.String("config", "config.toml", "path to the engine configuration")
	frames := flag.Int("frames", 0, "stop after this many frames, 0 runs until interrupted")
	flag.Parse()

	logger := core.Logger("main")

	cfg, err := core.LoadConfig(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("config not found, using defaults", "path", *configPath)
		cfg, err = core.DefaultConfig(), nil
	}
	if err != nil {
		core.LogFatal("loading config: %s", err)
	}

	device, err := openDevice(cfg)
	if err != nil {
		core.LogFatal("opening %s device: %s", cfg.Device.Backend, err)
	}

	e, err := engine.New(cfg, device)
	if err != nil {
		_ = device.Close()
		core.LogFatal("creating engine: %s", err)
	}
	if err := e.Initialize(); err != nil {
		core.LogFatal("initializing engine: %s", err)
	}

	// capture sigterm and other system calls here
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	runErr := e.Run(ctx, *frames)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
	if runErr != nil {
		core.LogFatal("run: %s", runErr)
	}
}
