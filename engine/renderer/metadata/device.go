package metadata

import "context"

/** @brief Creates GPU memory allocations. */
type Allocator interface {
	CreateBuffer(name string, desc BufferDesc) (*Resource, error)
	CreateImage(name string, desc ImageDesc) (*Resource, error)
}

type ViewKind uint8

const (
	ViewConstantBuffer ViewKind = iota
	ViewShaderResource
	ViewUnorderedAccess
)

func (v ViewKind) String() string {
	switch v {
	case ViewConstantBuffer:
		return "cbv"
	case ViewShaderResource:
		return "srv"
	case ViewUnorderedAccess:
		return "uav"
	default:
		return "unknown"
	}
}

/**
 * @brief How a resource is exposed through a descriptor.
 */
type ViewDesc struct {
	Kind ViewKind
	/** @brief Number of elements for buffer views. */
	NumElements uint32
	/** @brief Element stride for structured buffer views. 0 means a raw 32-bit view. */
	ElementSize uint32
}

/**
 * @brief A fixed-size, shader visible descriptor table.
 */
type DescriptorHeap interface {
	Capacity() uint32
	// Write creates the descriptor for res at index.
	Write(index uint32, res *Resource, view ViewDesc) error
}

/**
 * @brief Records GPU commands. Pass execute callbacks only see this interface.
 */
type CommandRecorder interface {
	Barrier(res *Resource, before, after ResourceState)
	BindDescriptorHeap(heap DescriptorHeap)
	Dispatch(x, y, z uint32)
	DrawIndirect(args *Resource, count uint32)
	CopyResource(dst, src *Resource)
}

type CommandList interface {
	CommandRecorder
	// Reset prepares the list for recording. Must only be called once the GPU
	// finished the previous submission of this list.
	Reset() error
	Close() error
}

/**
 * @brief A GPU queue with a single monotonically increasing fence.
 */
type Queue interface {
	Submit(list CommandList) error
	// Signal makes the fence reach value once all prior submissions complete.
	Signal(value uint64) error
	CompletedValue() uint64
	// Wait blocks until the fence reaches value.
	Wait(ctx context.Context, value uint64) error
	WaitIdle(ctx context.Context) error
}

type Device interface {
	Allocator
	NewDescriptorHeap(capacity uint32) (DescriptorHeap, error)
	NewCommandList() (CommandList, error)
	Queue() Queue
	Close() error
}

/**
 * @brief Implemented by devices whose upload heap is CPU visible.
 */
type BufferWriter interface {
	// WriteBuffer copies data into res starting at offset.
	WriteBuffer(res *Resource, offset uint64, data []byte) error
}
