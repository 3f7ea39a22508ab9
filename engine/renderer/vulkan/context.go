package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
)

type VulkanContext struct {
	Instance  vk.Instance
	Allocator *vk.AllocationCallbacks

	Device *VulkanDevice

	Locks *VulkanLockPool
}

// FindMemoryIndex returns the first memory type allowed by typeFilter that has
// every bit of propertyFlags.
func (vc *VulkanContext) FindMemoryIndex(typeFilter uint32, propertyFlags vk.MemoryPropertyFlagBits) (uint32, error) {
	memoryProperties := vc.Device.Memory

	for i := uint32(0); i < memoryProperties.MemoryTypeCount; i++ {
		// Check each memory type to see if its bit is set to 1.
		memoryProperties.MemoryTypes[i].Deref()
		flags := vk.MemoryPropertyFlagBits(memoryProperties.MemoryTypes[i].PropertyFlags)
		if (typeFilter&(1<<i)) != 0 && flags&propertyFlags == propertyFlags {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: filter %b, properties %b", ErrNoMemoryType, typeFilter, propertyFlags)
}

// allocateMemory allocates and returns memory for requirements. Readback memory
// falls back to uncached host memory when the device has no cached type.
func (vc *VulkanContext) allocateMemory(reqs vk.MemoryRequirements, props vk.MemoryPropertyFlagBits) (vk.DeviceMemory, error) {
	reqs.Deref()
	index, err := vc.FindMemoryIndex(reqs.MemoryTypeBits, props)
	if err != nil && props&vk.MemoryPropertyHostCachedBit != 0 {
		index, err = vc.FindMemoryIndex(reqs.MemoryTypeBits, props&^vk.MemoryPropertyHostCachedBit)
	}
	if err != nil {
		return vk.NullDeviceMemory, err
	}

	var memory vk.DeviceMemory
	res := vk.AllocateMemory(vc.Device.LogicalDevice, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: index,
	}, vc.Allocator, &memory)
	if err := check("vkAllocateMemory", res); err != nil {
		return vk.NullDeviceMemory, err
	}
	return memory, nil
}
