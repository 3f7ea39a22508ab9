package vulkan

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
)

type VulkanCommandBufferState int

const (
	COMMAND_BUFFER_STATE_READY VulkanCommandBufferState = iota
	COMMAND_BUFFER_STATE_RECORDING
	COMMAND_BUFFER_STATE_RECORDING_ENDED
	COMMAND_BUFFER_STATE_SUBMITTED
	COMMAND_BUFFER_STATE_NOT_ALLOCATED
)

var ErrNotRecording = errors.New("command buffer is not recording")

/**
 * @brief A primary command buffer implementing metadata.CommandList. Recording
 * errors are kept and returned by Close, since CommandRecorder methods cannot
 * fail.
 */
type VulkanCommandBuffer struct {
	Handle vk.CommandBuffer
	// Command buffer state.
	State VulkanCommandBufferState

	context *VulkanContext
	logger  *log.Logger
	err     error
	skipped int
}

func NewVulkanCommandBuffer(context *VulkanContext, logger *log.Logger) (*VulkanCommandBuffer, error) {
	cb := &VulkanCommandBuffer{
		State:   COMMAND_BUFFER_STATE_NOT_ALLOCATED,
		context: context,
		logger:  logger,
	}

	allocateInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        context.Device.CommandPool,
		CommandBufferCount: 1,
		Level:              vk.CommandBufferLevelPrimary,
	}

	handles := make([]vk.CommandBuffer, 1)
	err := context.Locks.SafeCall(CommandPoolManagement, func() error {
		return check("vkAllocateCommandBuffers", vk.AllocateCommandBuffers(context.Device.LogicalDevice, &allocateInfo, handles))
	})
	if err != nil {
		return nil, err
	}
	cb.Handle = handles[0]
	cb.State = COMMAND_BUFFER_STATE_READY
	return cb, nil
}

func (v *VulkanCommandBuffer) Free() {
	if v.Handle == nil {
		return
	}
	v.context.Locks.SafeCall(CommandPoolManagement, func() error {
		vk.FreeCommandBuffers(v.context.Device.LogicalDevice, v.context.Device.CommandPool, 1, []vk.CommandBuffer{v.Handle})
		return nil
	})
	v.Handle = nil
	v.State = COMMAND_BUFFER_STATE_NOT_ALLOCATED
}

func (v *VulkanCommandBuffer) Begin(isSingleUse, isSimultaneousUse bool) error {
	beginInfo := &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
	}
	if isSingleUse {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit)
	}
	if isSimultaneousUse {
		beginInfo.Flags |= vk.CommandBufferUsageFlags(vk.CommandBufferUsageSimultaneousUseBit)
	}

	if err := check("vkBeginCommandBuffer", vk.BeginCommandBuffer(v.Handle, beginInfo)); err != nil {
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING
	return nil
}

func (v *VulkanCommandBuffer) End() error {
	if err := check("vkEndCommandBuffer", vk.EndCommandBuffer(v.Handle)); err != nil {
		return err
	}
	v.State = COMMAND_BUFFER_STATE_RECORDING_ENDED
	return nil
}

func (v *VulkanCommandBuffer) UpdateSubmitted() {
	v.State = COMMAND_BUFFER_STATE_SUBMITTED
}

// Reset starts a new recording. The caller guarantees the GPU is done with
// the previous one.
func (v *VulkanCommandBuffer) Reset() error {
	switch v.State {
	case COMMAND_BUFFER_STATE_NOT_ALLOCATED:
		return fmt.Errorf("%w: command buffer was freed", ErrNotRecording)
	case COMMAND_BUFFER_STATE_RECORDING:
		return fmt.Errorf("reset while recording")
	}
	if err := check("vkResetCommandBuffer", vk.ResetCommandBuffer(v.Handle, 0)); err != nil {
		return err
	}
	v.State = COMMAND_BUFFER_STATE_READY
	v.err = nil
	v.skipped = 0
	return v.Begin(true, false)
}

func (v *VulkanCommandBuffer) Close() error {
	if v.State != COMMAND_BUFFER_STATE_RECORDING {
		return ErrNotRecording
	}
	if err := v.End(); err != nil {
		return err
	}
	if v.skipped > 0 {
		v.logger.Debug("work left unrecorded without a pipeline", "commands", v.skipped)
	}
	return v.err
}

// Skipped counts dispatches and draws dropped since the last Reset.
func (v *VulkanCommandBuffer) Skipped() int {
	return v.skipped
}

func (v *VulkanCommandBuffer) recording(op string) bool {
	if v.State == COMMAND_BUFFER_STATE_RECORDING {
		return true
	}
	v.fail(fmt.Errorf("%w: %s", ErrNotRecording, op))
	return false
}

func (v *VulkanCommandBuffer) fail(err error) {
	if v.err == nil {
		v.err = err
	}
}

func (v *VulkanCommandBuffer) Barrier(res *metadata.Resource, before, after metadata.ResourceState) {
	if !v.recording("barrier") {
		return
	}
	src, dst := scopeOf(before), scopeOf(after)

	switch native := res.Native.(type) {
	case *VulkanImage:
		v.imageBarrier(native, src, dst)
	case *VulkanBuffer:
		vk.CmdPipelineBarrier(v.Handle,
			vk.PipelineStageFlags(src.Stage), vk.PipelineStageFlags(dst.Stage),
			0, 0, nil, 1, []vk.BufferMemoryBarrier{{
				SType:               vk.StructureTypeBufferMemoryBarrier,
				SrcAccessMask:       vk.AccessFlags(src.Access),
				DstAccessMask:       vk.AccessFlags(dst.Access),
				SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
				DstQueueFamilyIndex: vk.QueueFamilyIgnored,
				Buffer:              native.Handle,
				Size:                vk.DeviceSize(vk.WholeSize),
			}}, 0, nil)
	default:
		v.fail(fmt.Errorf("%w: barrier on %s", ErrInvalidDesc, res))
	}
}

func (v *VulkanCommandBuffer) imageBarrier(img *VulkanImage, src, dst barrierScope) {
	vk.CmdPipelineBarrier(v.Handle,
		vk.PipelineStageFlags(src.Stage), vk.PipelineStageFlags(dst.Stage),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       vk.AccessFlags(src.Access),
			DstAccessMask:       vk.AccessFlags(dst.Access),
			OldLayout:           img.Layout,
			NewLayout:           dst.Layout,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               img.Handle,
			SubresourceRange:    img.subresourceRange(),
		}})
	img.Layout = dst.Layout
}

// ensureLayout moves an image that was never transitioned, or left in a layout
// the copy cannot use, into the layout of state.
func (v *VulkanCommandBuffer) ensureLayout(img *VulkanImage, state metadata.ResourceState) {
	want := scopeOf(state)
	if img.Layout == want.Layout || img.Layout == vk.ImageLayoutGeneral {
		return
	}
	v.imageBarrier(img, scopeOf(metadata.StateCommon), want)
}

func (v *VulkanCommandBuffer) BindDescriptorHeap(heap metadata.DescriptorHeap) {
	if !v.recording("bind descriptor heap") {
		return
	}
	h, ok := heap.(*VulkanDescriptorHeap)
	if !ok {
		v.fail(fmt.Errorf("%w: cannot bind %T", ErrInvalidDesc, heap))
		return
	}
	sets := []vk.DescriptorSet{h.Set}
	vk.CmdBindDescriptorSets(v.Handle, vk.PipelineBindPointCompute, h.PipelineLayout, 0, 1, sets, 0, nil)
	vk.CmdBindDescriptorSets(v.Handle, vk.PipelineBindPointGraphics, h.PipelineLayout, 0, 1, sets, 0, nil)
}

// TODO: record Dispatch and DrawIndirect once passes can hand pipelines to the
// command list; until then they are counted in Skipped.
func (v *VulkanCommandBuffer) Dispatch(x, y, z uint32) {
	if !v.recording("dispatch") {
		return
	}
	v.skipped++
}

func (v *VulkanCommandBuffer) DrawIndirect(args *metadata.Resource, count uint32) {
	if !v.recording("draw indirect") {
		return
	}
	if _, ok := args.Native.(*VulkanBuffer); !ok {
		v.fail(fmt.Errorf("%w: indirect arguments %s are not a buffer", ErrInvalidDesc, args))
		return
	}
	v.skipped++
}

func (v *VulkanCommandBuffer) CopyResource(dst, src *metadata.Resource) {
	if !v.recording("copy") {
		return
	}
	switch d := dst.Native.(type) {
	case *VulkanBuffer:
		s, ok := src.Native.(*VulkanBuffer)
		if !ok {
			break
		}
		size := d.Size
		if s.Size < size {
			size = s.Size
		}
		vk.CmdCopyBuffer(v.Handle, s.Handle, d.Handle, 1, []vk.BufferCopy{{Size: vk.DeviceSize(size)}})
		return
	case *VulkanImage:
		s, ok := src.Native.(*VulkanImage)
		if !ok {
			break
		}
		layers := func(img *VulkanImage) vk.ImageSubresourceLayers {
			return vk.ImageSubresourceLayers{AspectMask: vk.ImageAspectFlags(img.Aspect), LayerCount: 1}
		}
		v.ensureLayout(s, metadata.StateCopySource)
		v.ensureLayout(d, metadata.StateCopyDest)
		vk.CmdCopyImage(v.Handle, s.Handle, s.Layout, d.Handle, d.Layout, 1, []vk.ImageCopy{{
			SrcSubresource: layers(s),
			DstSubresource: layers(d),
			Extent: vk.Extent3D{
				Width:  min(s.Width, d.Width),
				Height: min(s.Height, d.Height),
				Depth:  1,
			},
		}})
		return
	}
	v.fail(fmt.Errorf("%w: cannot copy %s into %s", ErrInvalidDesc, src, dst))
}
