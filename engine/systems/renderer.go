package systems

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spaghettifunk/framegraph/engine/containers"
	"github.com/spaghettifunk/framegraph/engine/core"
	"github.com/spaghettifunk/framegraph/engine/renderer/bindless"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
)

var (
	ErrFrameInProgress = errors.New("a frame is already being recorded")
	ErrNoFrame         = errors.New("no frame is being recorded")
	ErrStaleFrame      = errors.New("frame does not belong to the current recording")
)

// frameSlot is one backbuffer's worth of recording state.
type frameSlot struct {
	commands metadata.CommandList
	// fence value signalled after the last submission from this slot
	fenceValue uint64
}

type inFlightGeneration struct {
	generation metadata.Generation
	fenceValue uint64
}

/**
 * @brief The frame being recorded. Passes record into Commands; resources
 * created only for this frame register under Generation.
 */
type Frame struct {
	Generation metadata.Generation
	Slot       int
	Commands   metadata.CommandList
	Number     uint64
}

type RendererSystem struct {
	device   metadata.Device
	queue    metadata.Queue
	registry *bindless.Registry
	logger   *log.Logger

	slots []frameSlot
	// generations submitted and not yet retired, oldest first
	inFlight *containers.RingQueue[inFlightGeneration]

	fenceValue     uint64
	nextGeneration metadata.Generation
	frameNumber    uint64
	current        *Frame

	// The current framebuffer width.
	FramebufferWidth uint32
	// The current framebuffer height.
	FramebufferHeight uint32

	clock   *core.Clock
	metrics *core.Metrics
}

/**
 * @brief Creates a renderer system with framesInFlight recording slots.
 * @param device The device commands are recorded for and submitted to.
 * @param registry The bindless registry whose generations follow the frames.
 */
func NewRendererSystem(device metadata.Device, registry *bindless.Registry, framesInFlight int, width, height uint32) (*RendererSystem, error) {
	if framesInFlight < 1 {
		return nil, fmt.Errorf("%w: frames in flight must be at least 1, got %d", core.ErrInvalidConfig, framesInFlight)
	}

	r := &RendererSystem{
		device:            device,
		queue:             device.Queue(),
		registry:          registry,
		logger:            core.Logger("renderer"),
		slots:             make([]frameSlot, framesInFlight),
		inFlight:          containers.NewRingQueue[inFlightGeneration](framesInFlight),
		nextGeneration:    1,
		FramebufferWidth:  width,
		FramebufferHeight: height,
		clock:             core.NewClock(),
		metrics:           core.NewMetrics(),
	}
	for i := range r.slots {
		cl, err := device.NewCommandList()
		if err != nil {
			return nil, fmt.Errorf("creating command list for frame slot %d: %w", i, err)
		}
		r.slots[i].commands = cl
	}
	return r, nil
}

func (r *RendererSystem) Registry() *bindless.Registry {
	return r.registry
}

func (r *RendererSystem) Device() metadata.Device {
	return r.device
}

func (r *RendererSystem) Metrics() *core.Metrics {
	return r.metrics
}

// FramesInFlight is the number of recording slots.
func (r *RendererSystem) FramesInFlight() int {
	return len(r.slots)
}

// InFlight is the number of submitted generations not yet retired.
func (r *RendererSystem) InFlight() int {
	return r.inFlight.Len()
}

// FrameNumber counts the frames submitted so far.
func (r *RendererSystem) FrameNumber() uint64 {
	return r.frameNumber
}

/**
 * @brief Starts recording a frame. Waits until the GPU is done with the slot's
 * previous submission, retires every generation whose work completed and opens
 * a new one.
 */
func (r *RendererSystem) BeginFrame(ctx context.Context) (*Frame, error) {
	if r.current != nil {
		return nil, ErrFrameInProgress
	}

	index := int(r.frameNumber % uint64(len(r.slots)))
	slot := &r.slots[index]
	if err := r.queue.Wait(ctx, slot.fenceValue); err != nil {
		return nil, fmt.Errorf("waiting for frame slot %d (fence %d): %w", index, slot.fenceValue, err)
	}
	if err := r.retire(r.queue.CompletedValue()); err != nil {
		return nil, err
	}

	gen := r.nextGeneration
	if err := r.registry.BeginGeneration(gen); err != nil {
		return nil, err
	}
	r.nextGeneration++

	if err := slot.commands.Reset(); err != nil {
		// Nothing was submitted under gen, so it can go right away.
		return nil, errors.Join(
			fmt.Errorf("resetting command list of frame slot %d: %w", index, err),
			r.registry.RetireGeneration(gen),
		)
	}

	r.clock.Start()
	r.current = &Frame{
		Generation: gen,
		Slot:       index,
		Commands:   slot.commands,
		Number:     r.frameNumber,
	}
	return r.current, nil
}

/**
 * @brief Closes and submits the frame's commands, then signals the fence the
 * frame's generation is retired on.
 */
func (r *RendererSystem) EndFrame(frame *Frame) error {
	if r.current == nil {
		return ErrNoFrame
	}
	if frame != r.current {
		return ErrStaleFrame
	}
	r.current = nil

	closeErr := frame.Commands.Close()
	if closeErr == nil {
		if err := r.queue.Submit(frame.Commands); err != nil {
			closeErr = fmt.Errorf("submitting frame %d: %w", frame.Number, err)
		}
	} else {
		closeErr = fmt.Errorf("closing command list of frame %d: %w", frame.Number, closeErr)
	}

	// Signal even when nothing was submitted so the generation still retires.
	r.fenceValue++
	if err := r.queue.Signal(r.fenceValue); err != nil {
		return errors.Join(closeErr, fmt.Errorf("signalling fence %d: %w", r.fenceValue, err))
	}
	r.slots[frame.Slot].fenceValue = r.fenceValue
	if err := r.inFlight.Enqueue(inFlightGeneration{generation: frame.Generation, fenceValue: r.fenceValue}); err != nil {
		return errors.Join(closeErr, fmt.Errorf("tracking generation %d: %w", frame.Generation, err))
	}
	r.frameNumber++

	r.clock.Update()
	r.metrics.Update(r.clock.Elapsed())
	r.clock.Stop()
	return closeErr
}

// retire retires the in-flight generations whose fence value is at most completed.
func (r *RendererSystem) retire(completed uint64) error {
	for !r.inFlight.IsEmpty() {
		oldest, err := r.inFlight.Peek()
		if err != nil {
			return err
		}
		if oldest.fenceValue > completed {
			return nil
		}
		if _, err := r.inFlight.Dequeue(); err != nil {
			return err
		}
		if err := r.registry.RetireGeneration(oldest.generation); err != nil {
			return err
		}
	}
	return nil
}

/**
 * @brief Blocks until the GPU is idle and retires every in-flight generation.
 * Must not be called while a frame is being recorded.
 */
func (r *RendererSystem) Drain(ctx context.Context) error {
	if r.current != nil {
		return ErrFrameInProgress
	}
	if err := r.queue.WaitIdle(ctx); err != nil {
		return fmt.Errorf("draining queue: %w", err)
	}
	pending := r.inFlight.Len()
	if err := r.retire(r.fenceValue); err != nil {
		return err
	}
	r.logger.Debug("drained", "generations", pending, "fence", r.fenceValue)
	return nil
}

/**
 * @brief Drains outstanding work, then records the new framebuffer size.
 */
func (r *RendererSystem) Resize(ctx context.Context, width, height uint32) error {
	if err := r.Drain(ctx); err != nil {
		return err
	}
	r.FramebufferWidth = width
	r.FramebufferHeight = height
	r.logger.Info("resized", "width", width, "height", height)
	return nil
}

func (r *RendererSystem) Shutdown(ctx context.Context) error {
	return r.Drain(ctx)
}
