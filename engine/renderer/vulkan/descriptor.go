package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
)

/**
 * @brief The bindless descriptor table: a single descriptor set whose bindings
 * are arrays of capacity elements, one per view type. A slot index addresses
 * the same element in every binding; the view decides which binding is written.
 */
type VulkanDescriptorHeap struct {
	context  *VulkanContext
	capacity uint32

	Pool           vk.DescriptorPool
	Layout         vk.DescriptorSetLayout
	Set            vk.DescriptorSet
	PipelineLayout vk.PipelineLayout
}

func NewVulkanDescriptorHeap(context *VulkanContext, capacity uint32) (*VulkanDescriptorHeap, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("%w: descriptor heap capacity is zero", ErrInvalidDesc)
	}
	dev := context.Device.LogicalDevice
	heap := &VulkanDescriptorHeap{context: context, capacity: capacity}

	types := []vk.DescriptorType{
		BINDLESS_BINDING_UNIFORM_BUFFER: vk.DescriptorTypeUniformBuffer,
		BINDLESS_BINDING_STORAGE_BUFFER: vk.DescriptorTypeStorageBuffer,
		BINDLESS_BINDING_SAMPLED_IMAGE:  vk.DescriptorTypeSampledImage,
		BINDLESS_BINDING_STORAGE_IMAGE:  vk.DescriptorTypeStorageImage,
	}
	bindings := make([]vk.DescriptorSetLayoutBinding, len(types))
	pools := make([]vk.DescriptorPoolSize, len(types))
	for i, t := range types {
		bindings[i] = vk.DescriptorSetLayoutBinding{
			Binding:         uint32(i),
			DescriptorType:  t,
			DescriptorCount: capacity,
			StageFlags:      vk.ShaderStageFlags(vk.ShaderStageAll),
		}
		pools[i] = vk.DescriptorPoolSize{Type: t, DescriptorCount: capacity}
	}

	res := vk.CreateDescriptorPool(dev, &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       1,
		PoolSizeCount: uint32(len(pools)),
		PPoolSizes:    pools,
	}, context.Allocator, &heap.Pool)
	if err := check("vkCreateDescriptorPool", res); err != nil {
		return nil, err
	}

	res = vk.CreateDescriptorSetLayout(dev, &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(bindings)),
		PBindings:    bindings,
	}, context.Allocator, &heap.Layout)
	if err := check("vkCreateDescriptorSetLayout", res); err != nil {
		heap.Destroy()
		return nil, err
	}

	res = vk.AllocateDescriptorSets(dev, &vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     heap.Pool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{heap.Layout},
	}, &heap.Set)
	if err := check("vkAllocateDescriptorSets", res); err != nil {
		heap.Destroy()
		return nil, err
	}

	res = vk.CreatePipelineLayout(dev, &vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: 1,
		PSetLayouts:    []vk.DescriptorSetLayout{heap.Layout},
	}, context.Allocator, &heap.PipelineLayout)
	if err := check("vkCreatePipelineLayout", res); err != nil {
		heap.Destroy()
		return nil, err
	}
	return heap, nil
}

func (h *VulkanDescriptorHeap) Capacity() uint32 {
	return h.capacity
}

func (h *VulkanDescriptorHeap) Write(index uint32, res *metadata.Resource, view metadata.ViewDesc) error {
	if index >= h.capacity {
		return fmt.Errorf("descriptor index %d out of range (capacity %d)", index, h.capacity)
	}
	binding, descriptorType := descriptorBinding(res.Kind, view.Kind)
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          h.Set,
		DstBinding:      binding,
		DstArrayElement: index,
		DescriptorCount: 1,
		DescriptorType:  descriptorType,
	}

	switch native := res.Native.(type) {
	case *VulkanBuffer:
		size := vk.DeviceSize(vk.WholeSize)
		if view.NumElements > 0 {
			stride := view.ElementSize
			if stride == 0 {
				stride = 4
			}
			size = vk.DeviceSize(uint64(view.NumElements) * uint64(stride))
		}
		write.PBufferInfo = []vk.DescriptorBufferInfo{{
			Buffer: native.Handle,
			Offset: 0,
			Range:  size,
		}}
	case *VulkanImage:
		if view.Kind == metadata.ViewUnorderedAccess && res.Format.IsDepth() {
			return fmt.Errorf("%w: depth image %q cannot be bound for unordered access", ErrInvalidDesc, res.Name)
		}
		layout := vk.ImageLayoutShaderReadOnlyOptimal
		if descriptorType == vk.DescriptorTypeStorageImage {
			layout = vk.ImageLayoutGeneral
		} else if res.Format.IsDepth() {
			layout = vk.ImageLayoutDepthStencilReadOnlyOptimal
		}
		write.PImageInfo = []vk.DescriptorImageInfo{{
			ImageView:   native.View,
			ImageLayout: layout,
		}}
	default:
		return fmt.Errorf("%w: %s is not a vulkan resource", ErrInvalidDesc, res)
	}

	// Descriptor sets need external synchronization.
	return h.context.Locks.SafeCall(DescriptorManagement, func() error {
		vk.UpdateDescriptorSets(h.context.Device.LogicalDevice, 1, []vk.WriteDescriptorSet{write}, 0, nil)
		return nil
	})
}

func (h *VulkanDescriptorHeap) Destroy() {
	dev := h.context.Device.LogicalDevice
	if h.PipelineLayout != nil {
		vk.DestroyPipelineLayout(dev, h.PipelineLayout, h.context.Allocator)
		h.PipelineLayout = nil
	}
	if h.Layout != nil {
		vk.DestroyDescriptorSetLayout(dev, h.Layout, h.context.Allocator)
		h.Layout = nil
	}
	// Destroying the pool frees the set.
	if h.Pool != nil {
		vk.DestroyDescriptorPool(dev, h.Pool, h.context.Allocator)
		h.Pool = nil
		h.Set = nil
	}
}
