package systems

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spaghettifunk/framegraph/engine/core"
	"github.com/spaghettifunk/framegraph/engine/renderer/bindless"
	"github.com/spaghettifunk/framegraph/engine/renderer/headless"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRenderer(t *testing.T, framesInFlight int, opts ...headless.Option) (*RendererSystem, *headless.Device) {
	t.Helper()
	dev := headless.New(opts...)
	heap, err := dev.NewDescriptorHeap(64)
	require.NoError(t, err)
	r, err := NewRendererSystem(dev, bindless.New(heap), framesInFlight, 640, 480)
	require.NoError(t, err)
	return r, dev
}

func TestNewRendererSystemValidatesFrames(t *testing.T) {
	dev := headless.New()
	heap, err := dev.NewDescriptorHeap(4)
	require.NoError(t, err)
	_, err = NewRendererSystem(dev, bindless.New(heap), 0, 1, 1)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestFramesRotateSlotsAndGenerations(t *testing.T) {
	r, dev := newTestRenderer(t, 2)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		frame, err := r.BeginFrame(ctx)
		require.NoError(t, err)
		assert.Equal(t, i%2, frame.Slot)
		assert.Equal(t, metadata.Generation(i+1), frame.Generation)
		assert.Equal(t, uint64(i), frame.Number)
		require.NoError(t, r.EndFrame(frame))
	}
	assert.Equal(t, uint64(5), r.FrameNumber())
	assert.Len(t, dev.HeadlessQueue().Submitted(), 5)
	assert.Equal(t, uint64(5), dev.HeadlessQueue().SignaledValue())
}

func TestGenerationRetiresOnlyAfterFenceCompletes(t *testing.T) {
	r, dev := newTestRenderer(t, 2, headless.WithManualFence())
	q := dev.HeadlessQueue()
	ctx := context.Background()

	first, err := r.BeginFrame(ctx)
	require.NoError(t, err)
	transient, err := dev.CreateBuffer("transient", metadata.BufferDesc{Size: 16})
	require.NoError(t, err)
	_, err = r.Registry().RegisterScoped(transient, metadata.ViewDesc{Kind: metadata.ViewShaderResource}, first.Generation)
	require.NoError(t, err)
	require.NoError(t, r.EndFrame(first))

	second, err := r.BeginFrame(ctx)
	require.NoError(t, err)
	require.NoError(t, r.EndFrame(second))
	assert.Equal(t, []metadata.Generation{1, 2}, r.Registry().Generations())
	assert.False(t, transient.Released())

	// The third frame reuses slot 0 and must wait for the first frame's fence.
	started := make(chan *Frame, 1)
	go func() {
		frame, err := r.BeginFrame(ctx)
		assert.NoError(t, err)
		started <- frame
	}()
	select {
	case <-started:
		t.Fatal("frame started before its slot was free")
	case <-time.After(20 * time.Millisecond):
	}

	q.Complete(1)
	third := <-started
	require.NotNil(t, third)
	assert.Equal(t, 0, third.Slot)
	assert.True(t, transient.Released())
	assert.Equal(t, []metadata.Generation{2, 3}, r.Registry().Generations())
	require.NoError(t, r.EndFrame(third))
	assert.Equal(t, 2, r.InFlight())
}

func TestDrainRetiresEverything(t *testing.T) {
	r, _ := newTestRenderer(t, 3)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		frame, err := r.BeginFrame(ctx)
		require.NoError(t, err)
		require.NoError(t, r.EndFrame(frame))
	}

	require.NoError(t, r.Resize(ctx, 1920, 1080))
	assert.Zero(t, r.InFlight())
	assert.Empty(t, r.Registry().Generations())
	assert.Equal(t, uint32(1920), r.FramebufferWidth)
	assert.Equal(t, uint32(1080), r.FramebufferHeight)
}

func TestDrainHonoursContext(t *testing.T) {
	r, _ := newTestRenderer(t, 2, headless.WithManualFence())
	frame, err := r.BeginFrame(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.EndFrame(frame))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Drain(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, r.InFlight())
}

func TestFrameMisuse(t *testing.T) {
	r, _ := newTestRenderer(t, 2)
	ctx := context.Background()

	assert.ErrorIs(t, r.EndFrame(&Frame{}), ErrNoFrame)

	frame, err := r.BeginFrame(ctx)
	require.NoError(t, err)
	_, err = r.BeginFrame(ctx)
	assert.ErrorIs(t, err, ErrFrameInProgress)
	assert.ErrorIs(t, r.Drain(ctx), ErrFrameInProgress)
	assert.ErrorIs(t, r.EndFrame(&Frame{}), ErrStaleFrame)
	require.NoError(t, r.EndFrame(frame))
}

func TestFailedCloseStillRetiresGeneration(t *testing.T) {
	r, _ := newTestRenderer(t, 2)
	ctx := context.Background()

	frame, err := r.BeginFrame(ctx)
	require.NoError(t, err)
	// Closing twice makes EndFrame's close fail.
	require.NoError(t, frame.Commands.Close())
	assert.ErrorIs(t, r.EndFrame(frame), headless.ErrListClosed)

	require.NoError(t, r.Drain(ctx))
	assert.Empty(t, r.Registry().Generations())
}

type failingReset struct {
	metadata.CommandList
	err error
}

func (f failingReset) Reset() error {
	return f.err
}

func TestFailedResetRetiresGeneration(t *testing.T) {
	r, _ := newTestRenderer(t, 2)
	ctx := context.Background()

	boom := errors.New("command pool lost")
	list := r.slots[0].commands
	r.slots[0].commands = failingReset{CommandList: list, err: boom}

	_, err := r.BeginFrame(ctx)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, r.Registry().Generations())

	r.slots[0].commands = list
	frame, err := r.BeginFrame(ctx)
	require.NoError(t, err)
	assert.Equal(t, []metadata.Generation{frame.Generation}, r.Registry().Generations())
	require.NoError(t, r.EndFrame(frame))
	require.NoError(t, r.Drain(ctx))
}
