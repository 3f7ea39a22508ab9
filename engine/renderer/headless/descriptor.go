package headless

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
)

type Descriptor struct {
	Resource *metadata.Resource
	View     metadata.ViewDesc
}

type DescriptorHeap struct {
	mu        sync.Mutex
	slots     []Descriptor
	writes    int
	failWrite error
}

func NewDescriptorHeap(capacity uint32) *DescriptorHeap {
	return &DescriptorHeap{
		slots: make([]Descriptor, capacity),
	}
}

func (h *DescriptorHeap) Capacity() uint32 {
	return uint32(len(h.slots))
}

func (h *DescriptorHeap) Write(index uint32, res *metadata.Resource, view metadata.ViewDesc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.failWrite; err != nil {
		h.failWrite = nil
		return err
	}
	if index >= uint32(len(h.slots)) {
		return fmt.Errorf("descriptor index %d out of range (capacity %d)", index, len(h.slots))
	}
	if view.Kind == metadata.ViewUnorderedAccess && res.Kind == metadata.ResourceKindImage && res.Format.IsDepth() {
		return fmt.Errorf("depth image %q cannot be bound for unordered access", res.Name)
	}
	h.slots[index] = Descriptor{Resource: res, View: view}
	h.writes++
	return nil
}

// FailNextWrite makes the next Write return err.
func (h *DescriptorHeap) FailNextWrite(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failWrite = err
}

func (h *DescriptorHeap) Slot(index uint32) Descriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slots[index]
}

func (h *DescriptorHeap) Writes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writes
}
