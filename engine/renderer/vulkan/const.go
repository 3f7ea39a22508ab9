package vulkan

import (
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
)

/**
 * @brief Descriptor set bindings of the bindless table. Every binding is an
 * array as large as the heap capacity, all indexed by the same slot.
 */
const (
	BINDLESS_BINDING_UNIFORM_BUFFER uint32 = iota
	BINDLESS_BINDING_STORAGE_BUFFER
	BINDLESS_BINDING_SAMPLED_IMAGE
	BINDLESS_BINDING_STORAGE_IMAGE
	BINDLESS_BINDING_COUNT
)

// fence polling interval while a Wait observes its context
const fenceWaitSliceNs uint64 = 2_000_000

type barrierScope struct {
	Access vk.AccessFlagBits
	Stage  vk.PipelineStageFlagBits
	Layout vk.ImageLayout
}

var stateScopes = []struct {
	state metadata.ResourceState
	scope barrierScope
}{
	{metadata.StateVertexAndConstantBuffer, barrierScope{
		vk.AccessVertexAttributeReadBit | vk.AccessUniformReadBit,
		vk.PipelineStageVertexInputBit | vk.PipelineStageVertexShaderBit | vk.PipelineStageFragmentShaderBit | vk.PipelineStageComputeShaderBit,
		vk.ImageLayoutGeneral,
	}},
	{metadata.StateIndexBuffer, barrierScope{vk.AccessIndexReadBit, vk.PipelineStageVertexInputBit, vk.ImageLayoutGeneral}},
	{metadata.StateRenderTarget, barrierScope{
		vk.AccessColorAttachmentReadBit | vk.AccessColorAttachmentWriteBit,
		vk.PipelineStageColorAttachmentOutputBit,
		vk.ImageLayoutColorAttachmentOptimal,
	}},
	{metadata.StateUnorderedAccess, barrierScope{
		vk.AccessShaderReadBit | vk.AccessShaderWriteBit,
		vk.PipelineStageComputeShaderBit | vk.PipelineStageFragmentShaderBit,
		vk.ImageLayoutGeneral,
	}},
	{metadata.StateDepthWrite, barrierScope{
		vk.AccessDepthStencilAttachmentReadBit | vk.AccessDepthStencilAttachmentWriteBit,
		vk.PipelineStageEarlyFragmentTestsBit | vk.PipelineStageLateFragmentTestsBit,
		vk.ImageLayoutDepthStencilAttachmentOptimal,
	}},
	{metadata.StateDepthRead, barrierScope{
		vk.AccessDepthStencilAttachmentReadBit | vk.AccessShaderReadBit,
		vk.PipelineStageEarlyFragmentTestsBit | vk.PipelineStageFragmentShaderBit | vk.PipelineStageComputeShaderBit,
		vk.ImageLayoutDepthStencilReadOnlyOptimal,
	}},
	{metadata.StateShaderResource, barrierScope{
		vk.AccessShaderReadBit,
		vk.PipelineStageFragmentShaderBit | vk.PipelineStageComputeShaderBit,
		vk.ImageLayoutShaderReadOnlyOptimal,
	}},
	{metadata.StateIndirectArgument, barrierScope{vk.AccessIndirectCommandReadBit, vk.PipelineStageDrawIndirectBit, vk.ImageLayoutGeneral}},
	{metadata.StateCopyDest, barrierScope{vk.AccessTransferWriteBit, vk.PipelineStageTransferBit, vk.ImageLayoutTransferDstOptimal}},
	{metadata.StateCopySource, barrierScope{vk.AccessTransferReadBit, vk.PipelineStageTransferBit, vk.ImageLayoutTransferSrcOptimal}},
	{metadata.StatePresent, barrierScope{vk.AccessMemoryReadBit, vk.PipelineStageBottomOfPipeBit, vk.ImageLayoutPresentSrc}},
}

/**
 * @brief Translates a resource state into the access mask, pipeline stages and
 * image layout used on one side of a pipeline barrier. Combined read states
 * merge their masks; an image in several read states uses the general layout.
 */
func scopeOf(state metadata.ResourceState) barrierScope {
	if state == metadata.StateCommon {
		return barrierScope{
			Access: vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit,
			Stage:  vk.PipelineStageAllCommandsBit,
			Layout: vk.ImageLayoutGeneral,
		}
	}
	var out barrierScope
	matched := 0
	for _, s := range stateScopes {
		if state&s.state == 0 {
			continue
		}
		out.Access |= s.scope.Access
		out.Stage |= s.scope.Stage
		out.Layout = s.scope.Layout
		matched++
	}
	if matched != 1 {
		out.Layout = vk.ImageLayoutGeneral
	}
	if out.Stage == 0 {
		out.Stage = vk.PipelineStageTopOfPipeBit
	}
	return out
}

func vulkanFormat(f metadata.Format) vk.Format {
	switch f {
	case metadata.FormatR8G8B8A8Unorm:
		return vk.FormatR8g8b8a8Unorm
	case metadata.FormatR16G16B16A16Float:
		return vk.FormatR16g16b16a16Sfloat
	case metadata.FormatR32G32B32A32Float:
		return vk.FormatR32g32b32a32Sfloat
	case metadata.FormatR32Uint:
		return vk.FormatR32Uint
	case metadata.FormatD32Float:
		return vk.FormatD32Sfloat
	default:
		return vk.FormatUndefined
	}
}

func aspectOf(f metadata.Format) vk.ImageAspectFlagBits {
	if f.IsDepth() {
		return vk.ImageAspectDepthBit
	}
	return vk.ImageAspectColorBit
}

// Buffers may end up in any bindless view or be copied.
func bufferUsage() vk.BufferUsageFlagBits {
	return vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit |
		vk.BufferUsageUniformBufferBit | vk.BufferUsageStorageBufferBit |
		vk.BufferUsageIndexBufferBit | vk.BufferUsageVertexBufferBit |
		vk.BufferUsageIndirectBufferBit
}

func imageUsage(desc metadata.ImageDesc) vk.ImageUsageFlagBits {
	usage := vk.ImageUsageTransferSrcBit | vk.ImageUsageTransferDstBit
	if desc.Usage&metadata.UsageDepthStencil != 0 || desc.Format.IsDepth() {
		return usage | vk.ImageUsageDepthStencilAttachmentBit | vk.ImageUsageSampledBit
	}
	usage |= vk.ImageUsageSampledBit
	if desc.Usage&metadata.UsageRenderTarget != 0 {
		usage |= vk.ImageUsageColorAttachmentBit
	}
	if desc.Usage&metadata.UsageUnorderedAccess != 0 {
		usage |= vk.ImageUsageStorageBit
	}
	return usage
}

func memoryProperties(heap metadata.HeapType) vk.MemoryPropertyFlagBits {
	switch heap {
	case metadata.HeapUpload:
		return vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit
	case metadata.HeapReadback:
		return vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit | vk.MemoryPropertyHostCachedBit
	default:
		return vk.MemoryPropertyDeviceLocalBit
	}
}

// descriptorBinding picks the bindless array a view is written to.
func descriptorBinding(kind metadata.ResourceKind, view metadata.ViewKind) (uint32, vk.DescriptorType) {
	if kind == metadata.ResourceKindImage {
		if view == metadata.ViewUnorderedAccess {
			return BINDLESS_BINDING_STORAGE_IMAGE, vk.DescriptorTypeStorageImage
		}
		return BINDLESS_BINDING_SAMPLED_IMAGE, vk.DescriptorTypeSampledImage
	}
	if view == metadata.ViewConstantBuffer {
		return BINDLESS_BINDING_UNIFORM_BUFFER, vk.DescriptorTypeUniformBuffer
	}
	return BINDLESS_BINDING_STORAGE_BUFFER, vk.DescriptorTypeStorageBuffer
}
