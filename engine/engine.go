package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/spaghettifunk/framegraph/engine/assets"
	"github.com/spaghettifunk/framegraph/engine/core"
	"github.com/spaghettifunk/framegraph/engine/renderer/bindless"
	"github.com/spaghettifunk/framegraph/engine/renderer/graph"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
	"github.com/spaghettifunk/framegraph/engine/systems"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine completed construction and is ready to be initialized
	EngineStageBootComplete
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
	// Engine released everything it owns
	EngineStageShutdown
)

type Engine struct {
	currentStage Stage
	config       *core.Config
	logger       *log.Logger

	device   metadata.Device
	events   *core.EventBus
	jobs     *systems.JobSystem
	registry *bindless.Registry
	renderer *systems.RendererSystem
	loader   *assets.SceneLoader
	watcher  *assets.SceneWatcher

	scene   *metadata.Scene
	pending *assets.SceneFuture
	// latest manifest requested while pending was in flight
	reloadPath string

	isRunning     atomic.Bool
	resizePending bool
	width         uint32
	height        uint32

	// invoked on construction contract violations; exits the process by default
	fatal func(msg string, args ...interface{})
}

/**
 * @brief Creates an engine that renders with device. The engine owns device
 * from now on and closes it on Shutdown.
 */
func New(cfg *core.Config, device metadata.Device) (*Engine, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := core.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("%w: %s", core.ErrInvalidConfig, err)
	}

	heap, err := device.NewDescriptorHeap(cfg.Renderer.BindlessCapacity)
	if err != nil {
		return nil, err
	}
	registry := bindless.New(heap)

	renderer, err := systems.NewRendererSystem(device, registry, int(cfg.Renderer.FramesInFlight), cfg.Renderer.Width, cfg.Renderer.Height)
	if err != nil {
		return nil, err
	}

	jobs, err := systems.NewJobSystem(cfg.Jobs.Workers, cfg.Jobs.QueueSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		currentStage: EngineStageBootComplete,
		config:       cfg,
		logger:       core.Logger("engine"),
		device:       device,
		events:       core.NewEventBus(),
		jobs:         jobs,
		registry:     registry,
		renderer:     renderer,
		loader:       assets.NewSceneLoader(jobs, device, registry),
		width:        cfg.Renderer.Width,
		height:       cfg.Renderer.Height,
		fatal:        core.LogFatal,
	}

	e.events.Register(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	e.events.Register(core.EVENT_CODE_RESIZED, e, e.onResized)
	e.events.Register(core.EVENT_CODE_SCENE_CHANGED, e, e.onSceneChanged)
	return e, nil
}

/**
 * @brief Starts loading the configured scene and, if enabled, watching it.
 */
func (e *Engine) Initialize() error {
	if e.currentStage != EngineStageBootComplete {
		return fmt.Errorf("%w: initialize called in stage %d", core.ErrEngineNotReady, e.currentStage)
	}

	if path := e.config.Assets.Scene; path != "" {
		e.LoadScene(path)
		if e.config.Assets.Watch {
			w, err := assets.NewSceneWatcher(path)
			if err != nil {
				// Rendering works without hot reload.
				e.logger.Warn("not watching scene manifest", "path", path, "err", err)
			} else {
				e.watcher = w
			}
		}
	}

	e.currentStage = EngineStageInitialized
	return nil
}

func (e *Engine) Events() *core.EventBus {
	return e.events
}

func (e *Engine) Registry() *bindless.Registry {
	return e.registry
}

func (e *Engine) Renderer() *systems.RendererSystem {
	return e.renderer
}

// Scene is the scene being drawn, or nil before the first load completed.
func (e *Engine) Scene() *metadata.Scene {
	return e.scene
}

func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.width, e.height
}

// LoadScene starts a background load of the manifest at path. The current
// scene stays on screen until the new one is ready. A request made while a
// load is in flight is started once that load finishes; only the latest such
// request is kept.
func (e *Engine) LoadScene(path string) bool {
	if e.pending != nil {
		e.logger.Debug("scene load in progress, queueing reload", "path", path)
		e.reloadPath = path
		return false
	}
	e.pending = e.loader.LoadAsync(path)
	return true
}

/**
 * @brief Renders frames until ctx is done, a quit event arrives or, when
 * frames is positive, that many frames were submitted.
 */
func (e *Engine) Run(ctx context.Context, frames int) error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("%w: run called in stage %d", core.ErrEngineNotReady, e.currentStage)
	}
	e.currentStage = EngineStageRunning
	e.isRunning.Store(true)
	defer func() {
		if e.currentStage == EngineStageRunning {
			e.currentStage = EngineStageInitialized
		}
	}()

	for n := 0; e.isRunning.Load() && (frames <= 0 || n < frames); n++ {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := e.Frame(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if n > 0 && n%120 == 0 {
			fps, ms := e.renderer.Metrics().Frame()
			e.logger.Debug("frame stats", "frame", e.renderer.FrameNumber(), "fps", fps, "ms", ms)
		}
	}
	return nil
}

/**
 * @brief Polls background work, then builds, records and submits one frame.
 */
func (e *Engine) Frame(ctx context.Context) error {
	e.pollWatcher()
	if err := e.pollScene(ctx); err != nil {
		return err
	}
	if e.resizePending {
		e.resizePending = false
		if err := e.renderer.Resize(ctx, e.width, e.height); err != nil {
			return err
		}
	}

	frame, err := e.renderer.BeginFrame(ctx)
	if err != nil {
		return err
	}

	g := graph.New(graph.Desc{
		Allocator: e.device,
		Recorder:  frame.Commands,
		Logger:    e.logger.WithPrefix("graph"),
	})
	if err := e.buildFrameGraph(g); err != nil {
		g.Release()
		return errors.Join(e.check(err), e.renderer.EndFrame(frame))
	}
	// Frame targets live exactly as long as the frame's generation.
	if err := e.registerTargets(g, frame.Generation); err != nil {
		g.Release()
		return errors.Join(e.check(err), e.renderer.EndFrame(frame))
	}
	if err := g.Execute(); err != nil {
		return errors.Join(e.check(err), e.renderer.EndFrame(frame))
	}
	return e.renderer.EndFrame(frame)
}

// check reports a construction contract violation through the fatal hook.
func (e *Engine) check(err error) error {
	if err != nil {
		e.fatal("frame graph: %s", err)
	}
	return err
}

func (e *Engine) registerTargets(g *graph.Graph, gen metadata.Generation) error {
	for _, res := range g.Resources() {
		if _, err := e.registry.RegisterScoped(res, metadata.ViewDesc{Kind: metadata.ViewShaderResource}, gen); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pollWatcher() {
	if e.watcher == nil {
		return
	}
	select {
	case path := <-e.watcher.Changes():
		e.events.Fire(core.EVENT_CODE_SCENE_CHANGED, e.watcher, core.EventContext{Str: path})
	default:
	}
}

// pollScene swaps in a finished scene load. It never blocks on the load itself.
func (e *Engine) pollScene(ctx context.Context) error {
	if e.pending == nil || !e.pending.Ready() {
		return nil
	}
	scene, err := e.pending.Take()
	e.pending = nil
	if next := e.reloadPath; next != "" {
		e.reloadPath = ""
		e.pending = e.loader.LoadAsync(next)
	}
	if err != nil {
		e.logger.Error("scene load failed", "err", err)
		return nil
	}

	if old := e.scene; old != nil {
		// In-flight frames may still read the old buffers.
		if err := e.renderer.Drain(ctx); err != nil {
			if releaseErr := scene.Release(e.registry); releaseErr != nil {
				e.logger.Warn("releasing unused scene", "scene", scene.Name, "err", releaseErr)
			}
			return err
		}
		if err := old.Release(e.registry); err != nil {
			e.logger.Warn("releasing previous scene", "scene", old.Name, "err", err)
		}
	}
	e.scene = scene
	e.events.Fire(core.EVENT_CODE_SCENE_LOADED, e, core.EventContext{U32: [4]uint32{uint32(len(scene.Instances))}})
	return nil
}

/**
 * @brief Drains the GPU and releases everything the engine owns, device included.
 */
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.currentStage == EngineStageShutdown || e.currentStage == EngineStageShuttingDown {
		return core.ErrAlreadyShutdown
	}
	e.currentStage = EngineStageShuttingDown
	e.isRunning.Store(false)

	var errs []error
	if e.watcher != nil {
		errs = append(errs, e.watcher.Close())
	}
	// Waits for a scene load still running on a worker.
	errs = append(errs, e.jobs.Shutdown())
	if e.pending != nil {
		<-e.pending.Done()
		if scene, err := e.pending.Take(); err == nil {
			errs = append(errs, scene.Release(e.registry))
		}
		e.pending = nil
	}

	errs = append(errs, e.renderer.Shutdown(ctx))
	if e.scene != nil {
		errs = append(errs, e.scene.Release(e.registry))
		e.scene = nil
	}
	e.events.Shutdown()
	errs = append(errs, e.device.Close())

	e.currentStage = EngineStageShutdown
	e.logger.Info("shut down", "frames", e.renderer.FrameNumber())
	return errors.Join(errs...)
}

func (e *Engine) onEvent(code core.SystemEventCode, sender interface{}, data core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		e.logger.Info("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
		e.isRunning.Store(false)
		return true
	}
	return false
}

func (e *Engine) onResized(code core.SystemEventCode, sender interface{}, data core.EventContext) bool {
	width, height := data.U32[0], data.U32[1]
	if width == 0 || height == 0 {
		e.logger.Info("window minimized, keeping previous size")
		return true
	}
	if width != e.width || height != e.height {
		e.width, e.height = width, height
		e.resizePending = true
	}
	return false
}

func (e *Engine) onSceneChanged(code core.SystemEventCode, sender interface{}, data core.EventContext) bool {
	e.logger.Info("scene manifest changed, reloading", "path", data.Str)
	e.LoadScene(data.Str)
	return false
}
