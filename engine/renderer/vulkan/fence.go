package vulkan

import (
	vk "github.com/goki/vulkan"
)

type VulkanFence struct {
	Handle     vk.Fence
	IsSignaled bool
}

func NewFence(vc *VulkanContext, createSignaled bool) (*VulkanFence, error) {
	fence := &VulkanFence{
		// Make sure to signal the fence if required.
		IsSignaled: createSignaled,
	}

	fenceCreateInfo := vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}
	if fence.IsSignaled {
		fenceCreateInfo.Flags = vk.FenceCreateFlags(vk.FenceCreateSignaledBit)
	}

	if err := check("vkCreateFence", vk.CreateFence(vc.Device.LogicalDevice, &fenceCreateInfo, vc.Allocator, &fence.Handle)); err != nil {
		return nil, err
	}
	return fence, nil
}

func (vf *VulkanFence) FenceDestroy(vc *VulkanContext) {
	if vf.Handle != nil {
		vk.DestroyFence(vc.Device.LogicalDevice, vf.Handle, vc.Allocator)
		vf.Handle = nil
	}
	vf.IsSignaled = false
}

// Poll reports whether the GPU signaled the fence, without blocking.
func (vf *VulkanFence) Poll(vc *VulkanContext) (bool, error) {
	if vf.IsSignaled {
		return true, nil
	}
	switch result := vk.GetFenceStatus(vc.Device.LogicalDevice, vf.Handle); result {
	case vk.Success:
		vf.IsSignaled = true
		return true, nil
	case vk.NotReady:
		return false, nil
	default:
		return false, check("vkGetFenceStatus", result)
	}
}

// FenceWait blocks for at most timeoutNs and reports whether the fence got
// signaled in that time.
func (vf *VulkanFence) FenceWait(vc *VulkanContext, timeoutNs uint64) (bool, error) {
	if vf.IsSignaled {
		return true, nil
	}
	switch result := vk.WaitForFences(vc.Device.LogicalDevice, 1, []vk.Fence{vf.Handle}, vk.True, timeoutNs); result {
	case vk.Success:
		vf.IsSignaled = true
		return true, nil
	case vk.Timeout:
		return false, nil
	default:
		return false, check("vkWaitForFences", result)
	}
}

func (vf *VulkanFence) FenceReset(vc *VulkanContext) error {
	if vf.IsSignaled {
		if err := check("vkResetFences", vk.ResetFences(vc.Device.LogicalDevice, 1, []vk.Fence{vf.Handle})); err != nil {
			return err
		}
		vf.IsSignaled = false
	}
	return nil
}
