package vulkan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
)

var ErrFenceRegression = errors.New("fence value must increase")

type signalPoint struct {
	value uint64
	fence *VulkanFence
}

/**
 * @brief metadata.Queue on top of a Vulkan queue. The monotonically increasing
 * fence value is emulated with one binary fence per signal, submitted with an
 * empty batch so it completes after everything submitted before it.
 */
type VulkanQueue struct {
	context *VulkanContext

	mu        sync.Mutex
	signaled  uint64
	completed uint64
	pending   []signalPoint
	free      []*VulkanFence
}

func newVulkanQueue(context *VulkanContext) *VulkanQueue {
	return &VulkanQueue{context: context}
}

func (q *VulkanQueue) submit(cmds []vk.CommandBuffer, fence vk.Fence) error {
	return q.context.Locks.SafeCall(QueueManagement, func() error {
		info := []vk.SubmitInfo{{
			SType:              vk.StructureTypeSubmitInfo,
			CommandBufferCount: uint32(len(cmds)),
			PCommandBuffers:    cmds,
		}}
		if len(cmds) == 0 {
			return check("vkQueueSubmit", vk.QueueSubmit(q.context.Device.Queue, 0, nil, fence))
		}
		return check("vkQueueSubmit", vk.QueueSubmit(q.context.Device.Queue, 1, info, fence))
	})
}

func (q *VulkanQueue) Submit(list metadata.CommandList) error {
	cb, ok := list.(*VulkanCommandBuffer)
	if !ok {
		return fmt.Errorf("vulkan queue cannot submit %T", list)
	}
	if cb.State != COMMAND_BUFFER_STATE_RECORDING_ENDED {
		return fmt.Errorf("submitting a command buffer that is not closed")
	}
	if err := q.submit([]vk.CommandBuffer{cb.Handle}, vk.NullFence); err != nil {
		return err
	}
	cb.UpdateSubmitted()
	return nil
}

func (q *VulkanQueue) Signal(value uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if value <= q.signaled {
		return fmt.Errorf("%w: %d after %d", ErrFenceRegression, value, q.signaled)
	}
	fence, err := q.takeFence()
	if err != nil {
		return err
	}
	if err := q.submit(nil, fence.Handle); err != nil {
		q.free = append(q.free, fence)
		return err
	}
	q.signaled = value
	q.pending = append(q.pending, signalPoint{value: value, fence: fence})
	return nil
}

// takeFence must be called with the lock held.
func (q *VulkanQueue) takeFence() (*VulkanFence, error) {
	if n := len(q.free); n > 0 {
		fence := q.free[n-1]
		q.free = q.free[:n-1]
		return fence, nil
	}
	return NewFence(q.context, false)
}

// poll retires signal points the GPU reached. Must be called with the lock held.
func (q *VulkanQueue) poll() error {
	for len(q.pending) > 0 {
		point := q.pending[0]
		done, err := point.fence.Poll(q.context)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		q.retire(point)
	}
	return nil
}

func (q *VulkanQueue) retire(point signalPoint) {
	q.pending = q.pending[1:]
	q.completed = point.value
	if err := point.fence.FenceReset(q.context); err != nil {
		point.fence.FenceDestroy(q.context)
		return
	}
	q.free = append(q.free, point.fence)
}

func (q *VulkanQueue) CompletedValue() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	// A lost device shows up on the next Wait.
	_ = q.poll()
	return q.completed
}

func (q *VulkanQueue) Wait(ctx context.Context, value uint64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := q.waitSlice(value)
		if err != nil || done {
			return err
		}
	}
}

// waitSlice waits a bounded time for the first signal point at or past value.
func (q *VulkanQueue) waitSlice(value uint64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.poll(); err != nil {
		return false, err
	}
	if q.completed >= value {
		return true, nil
	}
	for len(q.pending) > 0 {
		point := q.pending[0]
		signaled, err := point.fence.FenceWait(q.context, fenceWaitSliceNs)
		if err != nil {
			return false, err
		}
		if !signaled {
			return false, nil
		}
		q.retire(point)
		if point.value >= value {
			return true, nil
		}
	}
	// Nothing signaled reaches value.
	return false, fmt.Errorf("waiting for fence value %d, last signaled %d", value, q.signaled)
}

func (q *VulkanQueue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	target := q.signaled
	q.mu.Unlock()
	return q.Wait(ctx, target)
}

func (q *VulkanQueue) destroy() {
	q.context.Locks.SafeCall(QueueManagement, func() error {
		return check("vkQueueWaitIdle", vk.QueueWaitIdle(q.context.Device.Queue))
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, point := range q.pending {
		point.fence.FenceDestroy(q.context)
	}
	for _, fence := range q.free {
		fence.FenceDestroy(q.context)
	}
	q.pending, q.free = nil, nil
}
