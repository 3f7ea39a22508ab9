package headless

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateValidatesDescriptions(t *testing.T) {
	d := New()

	_, err := d.CreateBuffer("empty", metadata.BufferDesc{})
	assert.ErrorIs(t, err, ErrInvalidDesc)
	_, err = d.CreateImage("flat", metadata.ImageDesc{Width: 4, Format: metadata.FormatR8G8B8A8Unorm})
	assert.ErrorIs(t, err, ErrInvalidDesc)
	_, err = d.CreateImage("formatless", metadata.ImageDesc{Width: 4, Height: 4})
	assert.ErrorIs(t, err, ErrInvalidDesc)

	img, err := d.CreateImage("albedo", metadata.ImageDesc{
		Width: 4, Height: 2, Format: metadata.FormatR16G16B16A16Float, State: metadata.StateRenderTarget,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4*2*8), img.Size)
	assert.Equal(t, metadata.StateRenderTarget, img.State())
	assert.EqualValues(t, 1, d.LiveAllocations())

	img.Release()
	img.Release()
	assert.Zero(t, d.LiveAllocations())
}

func TestFailNextCreate(t *testing.T) {
	d := New()
	boom := errors.New("out of memory")
	d.FailNextCreate(boom)

	_, err := d.CreateBuffer("a", metadata.BufferDesc{Size: 4})
	assert.ErrorIs(t, err, boom)
	_, err = d.CreateBuffer("b", metadata.BufferDesc{Size: 4})
	assert.NoError(t, err)
}

func TestClosedDeviceRejectsWork(t *testing.T) {
	d := New()
	require.NoError(t, d.Close())
	assert.ErrorIs(t, d.Close(), ErrDeviceClosed)

	_, err := d.CreateBuffer("late", metadata.BufferDesc{Size: 4})
	assert.ErrorIs(t, err, ErrDeviceClosed)
	_, err = d.NewCommandList()
	assert.ErrorIs(t, err, ErrDeviceClosed)
}

func TestDescriptorHeapRejectsDepthUAV(t *testing.T) {
	d := New()
	heap := NewDescriptorHeap(2)
	depth, err := d.CreateImage("depth", metadata.ImageDesc{Width: 1, Height: 1, Format: metadata.FormatD32Float})
	require.NoError(t, err)

	assert.Error(t, heap.Write(0, depth, metadata.ViewDesc{Kind: metadata.ViewUnorderedAccess}))
	assert.NoError(t, heap.Write(0, depth, metadata.ViewDesc{Kind: metadata.ViewShaderResource}))
	assert.Error(t, heap.Write(2, depth, metadata.ViewDesc{Kind: metadata.ViewShaderResource}))
	assert.Equal(t, 1, heap.Writes())
}

func TestCommandListLifecycle(t *testing.T) {
	cl := NewCommandList()
	cl.Marker("begin")
	cl.Dispatch(8, 8, 1)
	require.NoError(t, cl.Close())
	assert.ErrorIs(t, cl.Close(), ErrListClosed)

	cl.Dispatch(1, 1, 1)
	assert.ErrorIs(t, cl.Err(), ErrListClosed)
	assert.Len(t, cl.Commands(), 2)

	require.NoError(t, cl.Reset())
	assert.Empty(t, cl.Commands())
	assert.NoError(t, cl.Err())
}

func TestQueueSubmitRequiresClosedList(t *testing.T) {
	q := New().HeadlessQueue()
	cl := NewCommandList()
	assert.Error(t, q.Submit(cl))
	require.NoError(t, cl.Close())
	require.NoError(t, q.Submit(cl))
	assert.Len(t, q.Submitted(), 1)
}

func TestQueueKeepsOnlyRecentSubmissions(t *testing.T) {
	q := New().HeadlessQueue()
	lists := make([]*CommandList, RetainedSubmissions+10)
	for i := range lists {
		lists[i] = NewCommandList()
		require.NoError(t, lists[i].Close())
		require.NoError(t, q.Submit(lists[i]))
	}
	got := q.Submitted()
	require.Len(t, got, RetainedSubmissions)
	assert.Same(t, lists[10], got[0])
	assert.Same(t, lists[len(lists)-1], got[len(got)-1])
}

func TestQueueSignalCompletesImmediately(t *testing.T) {
	q := New().HeadlessQueue()
	require.NoError(t, q.Signal(1))
	assert.Equal(t, uint64(1), q.CompletedValue())
	assert.ErrorIs(t, q.Signal(1), ErrFenceRegression)
	assert.NoError(t, q.Wait(context.Background(), 1))
}

func TestManualFenceBlocksWaiters(t *testing.T) {
	q := New(WithManualFence()).HeadlessQueue()
	require.NoError(t, q.Signal(1))
	require.NoError(t, q.Signal(2))
	assert.Zero(t, q.CompletedValue())

	done := make(chan error, 1)
	go func() { done <- q.Wait(context.Background(), 2) }()

	q.Complete(1)
	select {
	case <-done:
		t.Fatal("wait returned before the fence reached its value")
	case <-time.After(20 * time.Millisecond):
	}

	q.Complete(5)
	require.NoError(t, <-done)
	assert.Equal(t, uint64(2), q.CompletedValue())
}

func TestWaitHonoursContext(t *testing.T) {
	q := New(WithManualFence()).HeadlessQueue()
	require.NoError(t, q.Signal(1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.WaitIdle(ctx), context.DeadlineExceeded)
}

func TestWriteBuffer(t *testing.T) {
	d := New()
	upload, err := d.CreateBuffer("upload", metadata.BufferDesc{Size: 8, Heap: metadata.HeapUpload})
	require.NoError(t, err)
	local, err := d.CreateBuffer("local", metadata.BufferDesc{Size: 8})
	require.NoError(t, err)

	require.NoError(t, d.WriteBuffer(upload, 2, []byte{1, 2, 3}))
	assert.Equal(t, []byte{0, 0, 1, 2, 3, 0, 0, 0}, d.Contents(upload))
	assert.ErrorIs(t, d.WriteBuffer(upload, 6, []byte{1, 2, 3}), ErrInvalidDesc)
	assert.ErrorIs(t, d.WriteBuffer(local, 0, []byte{1}), ErrInvalidDesc)
}
