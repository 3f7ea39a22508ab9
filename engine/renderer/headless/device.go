// Package headless implements the device layer on the CPU. Allocations carry no
// memory, descriptors and commands are recorded so they can be inspected, and
// the queue fence either completes on signal or is advanced by hand.
package headless

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
)

var (
	ErrInvalidDesc  = errors.New("invalid resource description")
	ErrDeviceClosed = errors.New("device closed")
)

// Native is the backend handle stored in metadata.Resource.Native.
type Native struct {
	ID uint64
	// CPU copy of upload heap buffers, filled by WriteBuffer
	Data []byte
}

type Device struct {
	nextID atomic.Uint64
	live   atomic.Int64
	closed atomic.Bool
	queue  *Queue

	mu sync.Mutex
	// returned by the next allocation, then cleared
	failCreate error
}

type Option func(*Device)

// WithManualFence makes the queue fence advance only through Queue.Complete.
func WithManualFence() Option {
	return func(d *Device) {
		d.queue.manual = true
	}
}

func New(opts ...Option) *Device {
	d := &Device{
		queue: newQueue(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// FailNextCreate makes the next CreateBuffer or CreateImage return err.
func (d *Device) FailNextCreate(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failCreate = err
}

func (d *Device) takeFailure() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.failCreate
	d.failCreate = nil
	return err
}

// LiveAllocations counts resources created and not yet released.
func (d *Device) LiveAllocations() int64 {
	return d.live.Load()
}

func (d *Device) newNative() (*Native, func()) {
	d.live.Add(1)
	return &Native{ID: d.nextID.Add(1)}, func() { d.live.Add(-1) }
}

func (d *Device) CreateBuffer(name string, desc metadata.BufferDesc) (*metadata.Resource, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	if err := d.takeFailure(); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: buffer %q has zero size", ErrInvalidDesc, name)
	}
	native, destroy := d.newNative()
	return metadata.NewBuffer(name, desc, native, destroy), nil
}

func (d *Device) CreateImage(name string, desc metadata.ImageDesc) (*metadata.Resource, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	if err := d.takeFailure(); err != nil {
		return nil, err
	}
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("%w: image %q is %dx%d", ErrInvalidDesc, name, desc.Width, desc.Height)
	}
	if desc.Format == metadata.FormatUnknown {
		return nil, fmt.Errorf("%w: image %q has no format", ErrInvalidDesc, name)
	}
	native, destroy := d.newNative()
	return metadata.NewImage(name, desc, native, destroy), nil
}

// WriteBuffer copies data into an upload heap buffer.
func (d *Device) WriteBuffer(res *metadata.Resource, offset uint64, data []byte) error {
	native, ok := res.Native.(*Native)
	if !ok || res.Kind != metadata.ResourceKindBuffer {
		return fmt.Errorf("%w: %s is not a headless buffer", ErrInvalidDesc, res)
	}
	if res.Heap != metadata.HeapUpload {
		return fmt.Errorf("%w: %s is not CPU visible", ErrInvalidDesc, res)
	}
	if offset+uint64(len(data)) > res.Size {
		return fmt.Errorf("%w: writing %d bytes at %d overflows %s", ErrInvalidDesc, len(data), offset, res)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if native.Data == nil {
		native.Data = make([]byte, res.Size)
	}
	copy(native.Data[offset:], data)
	return nil
}

// Contents returns the bytes written to an upload heap buffer.
func (d *Device) Contents(res *metadata.Resource) []byte {
	native, ok := res.Native.(*Native)
	if !ok {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), native.Data...)
}

func (d *Device) NewDescriptorHeap(capacity uint32) (metadata.DescriptorHeap, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("%w: descriptor heap capacity is zero", ErrInvalidDesc)
	}
	return NewDescriptorHeap(capacity), nil
}

func (d *Device) NewCommandList() (metadata.CommandList, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	return NewCommandList(), nil
}

func (d *Device) Queue() metadata.Queue {
	return d.queue
}

// HeadlessQueue gives tests access to the manual fence controls.
func (d *Device) HeadlessQueue() *Queue {
	return d.queue
}

func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return ErrDeviceClosed
	}
	return nil
}
