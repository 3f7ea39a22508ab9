package metadata

import "strings"

/** @brief The access state a resource is in, as seen by the GPU. Values can be combined for read-only states. */
type ResourceState uint32

const (
	StateCommon                  ResourceState = 0
	StateVertexAndConstantBuffer ResourceState = 1 << iota
	StateIndexBuffer
	StateRenderTarget
	StateUnorderedAccess
	StateDepthWrite
	StateDepthRead
	StateShaderResource
	StateIndirectArgument
	StateCopyDest
	StateCopySource
	StatePresent
)

var stateNames = []struct {
	state ResourceState
	name  string
}{
	{StateVertexAndConstantBuffer, "vertex_and_constant_buffer"},
	{StateIndexBuffer, "index_buffer"},
	{StateRenderTarget, "render_target"},
	{StateUnorderedAccess, "unordered_access"},
	{StateDepthWrite, "depth_write"},
	{StateDepthRead, "depth_read"},
	{StateShaderResource, "shader_resource"},
	{StateIndirectArgument, "indirect_argument"},
	{StateCopyDest, "copy_dest"},
	{StateCopySource, "copy_source"},
	{StatePresent, "present"},
}

func (s ResourceState) String() string {
	if s == StateCommon {
		return "common"
	}
	var parts []string
	for _, n := range stateNames {
		if s&n.state != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

/** @brief Whether the state allows the GPU to write to the resource. */
func (s ResourceState) IsWrite() bool {
	return s&(StateRenderTarget|StateUnorderedAccess|StateDepthWrite|StateCopyDest) != 0
}

type HeapType uint8

const (
	/** @brief GPU-local memory, not CPU visible. */
	HeapDefault HeapType = iota
	/** @brief CPU-writable memory read by the GPU. */
	HeapUpload
	/** @brief GPU-writable memory read back by the CPU. */
	HeapReadback
)

type Format uint32

const (
	FormatUnknown Format = iota
	FormatR8G8B8A8Unorm
	FormatR16G16B16A16Float
	FormatR32G32B32A32Float
	FormatR32Uint
	FormatD32Float
)

/** @brief Bytes per texel, 0 for FormatUnknown. */
func (f Format) Size() uint32 {
	switch f {
	case FormatR8G8B8A8Unorm, FormatR32Uint, FormatD32Float:
		return 4
	case FormatR16G16B16A16Float:
		return 8
	case FormatR32G32B32A32Float:
		return 16
	default:
		return 0
	}
}

func (f Format) IsDepth() bool {
	return f == FormatD32Float
}

/** @brief Extra capabilities requested at creation time. */
type UsageFlags uint32

const (
	UsageNone         UsageFlags = 0
	UsageRenderTarget UsageFlags = 1 << iota
	UsageDepthStencil
	UsageUnorderedAccess
)
