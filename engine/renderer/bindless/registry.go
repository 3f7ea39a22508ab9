// Package bindless hands out stable slots of a shared, shader visible
// descriptor table. Slots are either unscoped or tied to a frame generation;
// a slot freed while its generation is in flight is only recycled once that
// generation is retired.
package bindless

import (
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/spaghettifunk/framegraph/engine/core"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
	"golang.org/x/exp/slices"
)

var (
	ErrAlreadyRegistered = errors.New("resource already holds a bindless index")
	ErrNotRegistered     = errors.New("resource holds no bindless index")
	ErrForeignRegistry   = errors.New("resource is registered with another registry")
	ErrCapacityExhausted = errors.New("bindless descriptor table is full")
	ErrUnknownGeneration = errors.New("generation is not live")
	ErrGenerationExists  = errors.New("generation already begun")
)

type generation struct {
	free []uint32
	live map[uint32]*metadata.Resource
}

type Stats struct {
	Capacity uint32
	// HighWater is the number of slots ever handed out.
	HighWater   uint32
	DefaultFree int
	Live        int
	Generations int
}

type Registry struct {
	mu       sync.Mutex
	heap     metadata.DescriptorHeap
	capacity uint32
	// next is the high-water mark: slots >= next were never allocated.
	next        uint32
	free        []uint32
	generations map[metadata.Generation]*generation
	live        int
	logger      *log.Logger
}

func New(heap metadata.DescriptorHeap) *Registry {
	return &Registry{
		heap:        heap,
		capacity:    heap.Capacity(),
		generations: make(map[metadata.Generation]*generation),
		logger:      core.Logger("bindless"),
	}
}

// Heap is the descriptor table pass execute callbacks bind before using indices.
func (r *Registry) Heap() metadata.DescriptorHeap {
	return r.heap
}

// Register allocates an unscoped slot for res and writes its descriptor.
func (r *Registry) Register(res *metadata.Resource, view metadata.ViewDesc) (uint32, error) {
	return r.register(res, view, nil)
}

// RegisterScoped allocates a slot whose lifetime ends with gen.
func (r *Registry) RegisterScoped(res *metadata.Resource, view metadata.ViewDesc, gen metadata.Generation) (uint32, error) {
	return r.register(res, view, &gen)
}

func (r *Registry) RegisterCBV(buf *metadata.Resource) (uint32, error) {
	return r.Register(buf, metadata.ViewDesc{Kind: metadata.ViewConstantBuffer})
}

func (r *Registry) RegisterSRV(buf *metadata.Resource, numElements, elementSize uint32) (uint32, error) {
	return r.Register(buf, metadata.ViewDesc{
		Kind:        metadata.ViewShaderResource,
		NumElements: numElements,
		ElementSize: elementSize,
	})
}

func (r *Registry) RegisterUAV(image *metadata.Resource) (uint32, error) {
	return r.Register(image, metadata.ViewDesc{Kind: metadata.ViewUnorderedAccess})
}

func (r *Registry) register(res *metadata.Resource, view metadata.ViewDesc, scope *metadata.Generation) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	binding, err := r.reserve(res, scope)
	if err != nil {
		return 0, err
	}
	// The slot must not be freed or reissued before its descriptor exists.
	if err := r.heap.Write(binding.Index, res, view); err != nil {
		r.release(res, binding)
		return 0, fmt.Errorf("writing %s descriptor for %s at %d: %w", view.Kind, res, binding.Index, err)
	}
	return binding.Index, nil
}

// reserve must be called with the lock held.
func (r *Registry) reserve(res *metadata.Resource, scope *metadata.Generation) (*metadata.Binding, error) {
	if res.Binding() != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, res)
	}

	var gen *generation
	if scope != nil {
		var ok bool
		if gen, ok = r.generations[*scope]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownGeneration, *scope)
		}
	}

	index, err := r.pop(gen)
	if err != nil {
		return nil, err
	}

	binding := &metadata.Binding{Owner: r, Index: index}
	if scope != nil {
		binding.Scoped = true
		binding.Generation = *scope
	}
	if !res.Attach(binding) {
		// Lost a race against another registry.
		r.push(gen, index)
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, res)
	}

	if gen != nil {
		gen.live[index] = res
	}
	r.live++
	return binding, nil
}

// pop prefers the scope's own list, then the default list, then a fresh slot.
func (r *Registry) pop(gen *generation) (uint32, error) {
	if gen != nil && len(gen.free) > 0 {
		index := gen.free[len(gen.free)-1]
		gen.free = gen.free[:len(gen.free)-1]
		return index, nil
	}
	if len(r.free) > 0 {
		index := r.free[len(r.free)-1]
		r.free = r.free[:len(r.free)-1]
		return index, nil
	}
	if r.next >= r.capacity {
		return 0, fmt.Errorf("%w: capacity %d", ErrCapacityExhausted, r.capacity)
	}
	index := r.next
	r.next++
	return index, nil
}

func (r *Registry) push(gen *generation, index uint32) {
	if gen != nil {
		gen.free = append(gen.free, index)
		return
	}
	r.free = append(r.free, index)
}

// Unregister returns the slot of res. A slot scoped to a live generation goes
// back to that generation's list; otherwise it goes to the default list.
func (r *Registry) Unregister(res *metadata.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	binding := res.Binding()
	if binding == nil {
		return fmt.Errorf("%w: %s", ErrNotRegistered, res)
	}
	if binding.Owner != r {
		return fmt.Errorf("%w: %s", ErrForeignRegistry, res)
	}
	r.release(res, binding)
	return nil
}

// release must be called with the lock held.
func (r *Registry) release(res *metadata.Resource, binding *metadata.Binding) {
	var gen *generation
	if binding.Scoped {
		if g, ok := r.generations[binding.Generation]; ok {
			gen = g
			delete(g.live, binding.Index)
		}
	}
	r.push(gen, binding.Index)
	res.Detach(binding)
	r.live--
}

// BeginGeneration opens a scoped free list for gen.
func (r *Registry) BeginGeneration(gen metadata.Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.generations[gen]; ok {
		return fmt.Errorf("%w: %d", ErrGenerationExists, gen)
	}
	r.generations[gen] = &generation{
		live: make(map[uint32]*metadata.Resource),
	}
	return nil
}

// RetireGeneration must only be called once the GPU finished every submission
// of gen. Resources still registered under gen are detached and released, and
// all of gen's slots join the default free list.
func (r *Registry) RetireGeneration(gen metadata.Generation) error {
	r.mu.Lock()
	g, ok := r.generations[gen]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownGeneration, gen)
	}
	delete(r.generations, gen)

	indices := make([]uint32, 0, len(g.live))
	for index := range g.live {
		indices = append(indices, index)
	}
	slices.Sort(indices)

	orphans := make([]*metadata.Resource, 0, len(indices))
	for _, index := range indices {
		res := g.live[index]
		res.Detach(res.Binding())
		g.free = append(g.free, index)
		orphans = append(orphans, res)
	}
	r.live -= len(orphans)
	r.free = append(r.free, g.free...)
	r.mu.Unlock()

	// Destroying backend objects can be slow; keep it outside the lock.
	for _, res := range orphans {
		res.Release()
	}
	if len(orphans) > 0 {
		r.logger.Debug("retired generation", "generation", gen, "released", len(orphans))
	}
	return nil
}

// Generations returns the live generations in ascending order.
func (r *Registry) Generations() []metadata.Generation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]metadata.Generation, 0, len(r.generations))
	for gen := range r.generations {
		out = append(out, gen)
	}
	slices.Sort(out)
	return out
}

// DefaultFreeList returns a copy of the unscoped free list.
func (r *Registry) DefaultFreeList() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.free)
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Capacity:    r.capacity,
		HighWater:   r.next,
		DefaultFree: len(r.free),
		Live:        r.live,
		Generations: len(r.generations),
	}
}
