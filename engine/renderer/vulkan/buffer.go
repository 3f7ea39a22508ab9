package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
)

type VulkanBuffer struct {
	Handle vk.Buffer
	Memory vk.DeviceMemory
	Size   uint64
	// Persistent mapping of host visible buffers, nil for device local ones.
	Mapped unsafe.Pointer
}

func NewVulkanBuffer(context *VulkanContext, desc metadata.BufferDesc) (*VulkanBuffer, error) {
	dev := context.Device.LogicalDevice
	buffer := &VulkanBuffer{Size: desc.Size}

	res := vk.CreateBuffer(dev, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Usage:       vk.BufferUsageFlags(bufferUsage()),
		Size:        vk.DeviceSize(desc.Size),
		SharingMode: vk.SharingModeExclusive,
	}, context.Allocator, &buffer.Handle)
	if err := check("vkCreateBuffer", res); err != nil {
		return nil, err
	}

	var memReqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(dev, buffer.Handle, &memReqs)
	memory, err := context.allocateMemory(memReqs, memoryProperties(desc.Heap))
	if err != nil {
		buffer.Destroy(context)
		return nil, err
	}
	buffer.Memory = memory
	if err := check("vkBindBufferMemory", vk.BindBufferMemory(dev, buffer.Handle, memory, 0)); err != nil {
		buffer.Destroy(context)
		return nil, err
	}

	if desc.Heap != metadata.HeapDefault {
		var ptr unsafe.Pointer
		if err := check("vkMapMemory", vk.MapMemory(dev, memory, 0, vk.DeviceSize(vk.WholeSize), 0, &ptr)); err != nil {
			buffer.Destroy(context)
			return nil, err
		}
		buffer.Mapped = ptr
	}
	return buffer, nil
}

// Write copies data into the mapped memory at offset.
func (vb *VulkanBuffer) Write(offset uint64, data []byte) error {
	if vb.Mapped == nil {
		return fmt.Errorf("%w: buffer is not host visible", ErrInvalidDesc)
	}
	if offset+uint64(len(data)) > vb.Size {
		return fmt.Errorf("%w: writing %d bytes at %d overflows %d byte buffer", ErrInvalidDesc, len(data), offset, vb.Size)
	}
	vk.Memcopy(unsafe.Add(vb.Mapped, offset), data)
	return nil
}

func (vb *VulkanBuffer) Destroy(context *VulkanContext) {
	dev := context.Device.LogicalDevice
	if vb.Mapped != nil {
		vk.UnmapMemory(dev, vb.Memory)
		vb.Mapped = nil
	}
	if vb.Handle != vk.NullBuffer {
		vk.DestroyBuffer(dev, vb.Handle, context.Allocator)
		vb.Handle = vk.NullBuffer
	}
	if vb.Memory != vk.NullDeviceMemory {
		vk.FreeMemory(dev, vb.Memory, context.Allocator)
		vb.Memory = vk.NullDeviceMemory
	}
}
