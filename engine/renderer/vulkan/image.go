package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
)

type VulkanImage struct {
	Handle vk.Image
	Memory vk.DeviceMemory
	View   vk.ImageView
	Width  uint32
	Height uint32
	Aspect vk.ImageAspectFlagBits
	// Layout after the last recorded barrier. Command lists update it while
	// recording, in submission order.
	Layout vk.ImageLayout
}

func NewVulkanImage(context *VulkanContext, desc metadata.ImageDesc) (*VulkanImage, error) {
	dev := context.Device.LogicalDevice
	format := vulkanFormat(desc.Format)
	image := &VulkanImage{
		Width:  desc.Width,
		Height: desc.Height,
		Aspect: aspectOf(desc.Format),
		Layout: vk.ImageLayoutUndefined,
	}

	res := vk.CreateImage(dev, &vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    format,
		Extent: vk.Extent3D{
			Width:  desc.Width,
			Height: desc.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(imageUsage(desc)),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}, context.Allocator, &image.Handle)
	if err := check("vkCreateImage", res); err != nil {
		return nil, err
	}

	var memReqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(dev, image.Handle, &memReqs)
	memory, err := context.allocateMemory(memReqs, vk.MemoryPropertyDeviceLocalBit)
	if err != nil {
		image.Destroy(context)
		return nil, err
	}
	image.Memory = memory
	if err := check("vkBindImageMemory", vk.BindImageMemory(dev, image.Handle, memory, 0)); err != nil {
		image.Destroy(context)
		return nil, err
	}

	res = vk.CreateImageView(dev, &vk.ImageViewCreateInfo{
		SType:            vk.StructureTypeImageViewCreateInfo,
		Image:            image.Handle,
		ViewType:         vk.ImageViewType2d,
		Format:           format,
		SubresourceRange: image.subresourceRange(),
	}, context.Allocator, &image.View)
	if err := check("vkCreateImageView", res); err != nil {
		image.Destroy(context)
		return nil, err
	}
	return image, nil
}

func (vi *VulkanImage) subresourceRange() vk.ImageSubresourceRange {
	return vk.ImageSubresourceRange{
		AspectMask: vk.ImageAspectFlags(vi.Aspect),
		LevelCount: 1,
		LayerCount: 1,
	}
}

func (vi *VulkanImage) Destroy(context *VulkanContext) {
	dev := context.Device.LogicalDevice
	if vi.View != nil {
		vk.DestroyImageView(dev, vi.View, context.Allocator)
		vi.View = nil
	}
	if vi.Handle != nil {
		vk.DestroyImage(dev, vi.Handle, context.Allocator)
		vi.Handle = nil
	}
	if vi.Memory != vk.NullDeviceMemory {
		vk.FreeMemory(dev, vi.Memory, context.Allocator)
		vi.Memory = vk.NullDeviceMemory
	}
}
