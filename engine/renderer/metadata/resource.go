package metadata

import (
	"fmt"
	"sync/atomic"
)

type ResourceKind uint8

const (
	ResourceKindBuffer ResourceKind = iota
	ResourceKindImage
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceKindBuffer:
		return "buffer"
	case ResourceKindImage:
		return "image"
	default:
		return fmt.Sprintf("ResourceKind(%d)", k)
	}
}

/**
 * @brief Describes a linear GPU allocation.
 */
type BufferDesc struct {
	/** @brief The size of the buffer in bytes. */
	Size uint64
	/** @brief Which memory the buffer lives in. */
	Heap HeapType
	Usage UsageFlags
	/** @brief The state the buffer is created in, or the state a consumer wants it in. */
	State ResourceState
}

type ClearValue struct {
	Color   [4]float32
	Depth   float32
	Stencil uint8
}

/**
 * @brief Describes a 2D GPU image.
 */
type ImageDesc struct {
	Width  uint32
	Height uint32
	Format Format
	Usage  UsageFlags
	/** @brief The state the image is created in, or the state a consumer wants it in. */
	State ResourceState
	/** @brief Optional optimized clear value for render targets and depth buffers. */
	ClearValue *ClearValue
}

/**
 * @brief Declarative description of either a buffer or an image. Nothing is
 * allocated until an allocator turns it into a Resource.
 */
type ResourceDesc struct {
	Kind   ResourceKind
	Buffer BufferDesc
	Image  ImageDesc
}

func BufferResourceDesc(desc BufferDesc) ResourceDesc {
	return ResourceDesc{Kind: ResourceKindBuffer, Buffer: desc}
}

func ImageResourceDesc(desc ImageDesc) ResourceDesc {
	return ResourceDesc{Kind: ResourceKindImage, Image: desc}
}

// State is the access state the description asks for.
func (d ResourceDesc) State() ResourceState {
	if d.Kind == ResourceKindImage {
		return d.Image.State
	}
	return d.Buffer.State
}

// Allocate creates the described resource with a.
func (d ResourceDesc) Allocate(a Allocator, name string) (*Resource, error) {
	switch d.Kind {
	case ResourceKindBuffer:
		return a.CreateBuffer(name, d.Buffer)
	case ResourceKindImage:
		return a.CreateImage(name, d.Image)
	default:
		return nil, fmt.Errorf("cannot allocate %s: unknown kind %s", name, d.Kind)
	}
}

/** @brief A monotonically increasing submission counter, one per frame. */
type Generation uint64

/**
 * @brief Records that a resource occupies a slot of a bindless descriptor table.
 */
type Binding struct {
	/** @brief The registry that handed out the slot. */
	Owner interface{}
	/** @brief The slot index in the descriptor table. */
	Index uint32
	/** @brief Whether the slot lifetime is tied to Generation. */
	Scoped     bool
	Generation Generation
}

/**
 * @brief One GPU allocation, either a buffer or an image.
 */
type Resource struct {
	Name   string
	Kind   ResourceKind
	Size   uint64
	Heap   HeapType
	Width  uint32
	Height uint32
	Format Format
	/** @brief Backend specific handle. */
	Native interface{}

	state    ResourceState
	binding  atomic.Pointer[Binding]
	released atomic.Bool
	destroy  func()
}

// NewBuffer wraps a backend buffer allocation. destroy may be nil.
func NewBuffer(name string, desc BufferDesc, native interface{}, destroy func()) *Resource {
	return &Resource{
		Name:    name,
		Kind:    ResourceKindBuffer,
		Size:    desc.Size,
		Heap:    desc.Heap,
		Native:  native,
		state:   desc.State,
		destroy: destroy,
	}
}

// NewImage wraps a backend image allocation. destroy may be nil.
func NewImage(name string, desc ImageDesc, native interface{}, destroy func()) *Resource {
	return &Resource{
		Name:    name,
		Kind:    ResourceKindImage,
		Size:    uint64(desc.Width) * uint64(desc.Height) * uint64(desc.Format.Size()),
		Width:   desc.Width,
		Height:  desc.Height,
		Format:  desc.Format,
		Native:  native,
		state:   desc.State,
		destroy: destroy,
	}
}

// State is the last known access state. Only the render thread changes it.
func (r *Resource) State() ResourceState {
	return r.state
}

func (r *Resource) SetState(s ResourceState) {
	r.state = s
}

// Binding returns the active bindless association, or nil.
func (r *Resource) Binding() *Binding {
	return r.binding.Load()
}

// BindlessIndex returns the descriptor slot of the resource, if registered.
func (r *Resource) BindlessIndex() (uint32, bool) {
	b := r.binding.Load()
	if b == nil {
		return 0, false
	}
	return b.Index, true
}

// Attach installs b as the bindless association. It fails if one is already active.
func (r *Resource) Attach(b *Binding) bool {
	return r.binding.CompareAndSwap(nil, b)
}

// Detach clears the association if it is still b.
func (r *Resource) Detach(b *Binding) bool {
	return r.binding.CompareAndSwap(b, nil)
}

// Release destroys the backend allocation. Calling it more than once is a no-op.
func (r *Resource) Release() {
	if r.released.Swap(true) {
		return
	}
	if r.destroy != nil {
		r.destroy()
	}
}

func (r *Resource) Released() bool {
	return r.released.Load()
}

func (r *Resource) String() string {
	if r.Kind == ResourceKindImage {
		return fmt.Sprintf("image %q %dx%d", r.Name, r.Width, r.Height)
	}
	return fmt.Sprintf("buffer %q %dB", r.Name, r.Size)
}
