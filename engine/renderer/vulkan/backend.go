// Package vulkan implements the device layer with goki/vulkan. It runs without
// a window: images are offscreen and "present" is only a layout.
package vulkan

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/charmbracelet/log"
	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/framegraph/engine/core"
	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
)

var (
	loaderOnce sync.Once
	loaderErr  error
)

// loadVulkan finds the Vulkan library. Safe to call more than once.
func loadVulkan() error {
	loaderOnce.Do(func() {
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			loaderErr = fmt.Errorf("%w: failed to load Vulkan library: %s", ErrNoDevice, err)
			return
		}
		if err := vk.Init(); err != nil {
			loaderErr = fmt.Errorf("%w: failed to initialize Vulkan loader: %s", ErrNoDevice, err)
		}
	})
	return loaderErr
}

type Options struct {
	AppName string
	// Enables VK_LAYER_KHRONOS_validation and forwards its reports to the log.
	Validation bool
}

/**
 * @brief A metadata.Device backed by the first Vulkan GPU with a graphics and
 * compute queue.
 */
type Device struct {
	context *VulkanContext
	logger  *log.Logger
	queue   *VulkanQueue

	debugCallback vk.DebugReportCallback

	mu sync.Mutex
	// destroyed with the device
	heaps []*VulkanDescriptorHeap

	live   atomic.Int64
	closed atomic.Bool
}

func New(opts Options) (*Device, error) {
	if err := loadVulkan(); err != nil {
		return nil, err
	}
	d := &Device{
		context: &VulkanContext{
			// TODO: custom allocator.
			Allocator: nil,
			Device:    &VulkanDevice{},
			Locks:     NewVulkanLockPool(),
		},
		logger: core.Logger("vulkan"),
	}

	if err := d.createInstance(opts); err != nil {
		return nil, err
	}
	if err := DeviceCreate(d.context, d.logger); err != nil {
		d.destroyInstance()
		return nil, err
	}
	d.queue = newVulkanQueue(d.context)
	return d, nil
}

func (d *Device) createInstance(opts Options) error {
	appName := opts.AppName
	if appName == "" {
		appName = "framegraph"
	}
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(appName),
		PEngineName:        VulkanSafeString("framegraph"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	var extensions, layers []string
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		// VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT_KHR
		createInfo.Flags |= 1
	}
	if opts.Validation {
		const validationLayer = "VK_LAYER_KHRONOS_validation"
		if !layerAvailable(validationLayer) {
			return fmt.Errorf("%w: required validation layer is missing: %s", ErrNoDevice, validationLayer)
		}
		layers = append(layers, validationLayer)
		extensions = append(extensions, vk.ExtDebugReportExtensionName)
		d.logger.Info("validation layers enabled")
	}

	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = safeStrings(extensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = safeStrings(layers)

	if err := check("vkCreateInstance", vk.CreateInstance(&createInfo, d.context.Allocator, &d.context.Instance)); err != nil {
		return err
	}
	if err := vk.InitInstance(d.context.Instance); err != nil {
		d.destroyInstance()
		return err
	}
	d.logger.Debug("instance created", "extensions", extensions)

	if opts.Validation {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if err := check("vkCreateDebugReportCallback", vk.CreateDebugReportCallback(d.context.Instance, &debugCreateInfo, nil, &dbg)); err != nil {
			d.destroyInstance()
			return err
		}
		d.debugCallback = dbg
	}
	return nil
}

func layerAvailable(name string) bool {
	var count uint32
	if vk.EnumerateInstanceLayerProperties(&count, nil) != vk.Success {
		return false
	}
	available := make([]vk.LayerProperties, count)
	if vk.EnumerateInstanceLayerProperties(&count, available) != vk.Success {
		return false
	}
	for i := range available {
		available[i].Deref()
		if vk.ToString(available[i].LayerName[:]) == name {
			return true
		}
	}
	return false
}

func safeStrings(list []string) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = VulkanSafeString(s)
	}
	return out
}

func (d *Device) destroyInstance() {
	if d.debugCallback != nil {
		vk.DestroyDebugReportCallback(d.context.Instance, d.debugCallback, nil)
		d.debugCallback = nil
	}
	if d.context.Instance != nil {
		vk.DestroyInstance(d.context.Instance, d.context.Allocator)
		d.context.Instance = nil
	}
}

// LiveAllocations counts resources created and not yet released.
func (d *Device) LiveAllocations() int64 {
	return d.live.Load()
}

func (d *Device) track(destroy func()) func() {
	d.live.Add(1)
	return func() {
		destroy()
		d.live.Add(-1)
	}
}

func (d *Device) CreateBuffer(name string, desc metadata.BufferDesc) (*metadata.Resource, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("%w: buffer %q has zero size", ErrInvalidDesc, name)
	}
	buffer, err := NewVulkanBuffer(d.context, desc)
	if err != nil {
		return nil, fmt.Errorf("buffer %q: %w", name, err)
	}
	return metadata.NewBuffer(name, desc, buffer, d.track(func() { buffer.Destroy(d.context) })), nil
}

func (d *Device) CreateImage(name string, desc metadata.ImageDesc) (*metadata.Resource, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("%w: image %q is %dx%d", ErrInvalidDesc, name, desc.Width, desc.Height)
	}
	if desc.Format == metadata.FormatUnknown {
		return nil, fmt.Errorf("%w: image %q has no format", ErrInvalidDesc, name)
	}
	image, err := NewVulkanImage(d.context, desc)
	if err != nil {
		return nil, fmt.Errorf("image %q: %w", name, err)
	}
	return metadata.NewImage(name, desc, image, d.track(func() { image.Destroy(d.context) })), nil
}

// WriteBuffer copies data into a host visible buffer.
func (d *Device) WriteBuffer(res *metadata.Resource, offset uint64, data []byte) error {
	buffer, ok := res.Native.(*VulkanBuffer)
	if !ok {
		return fmt.Errorf("%w: %s is not a vulkan buffer", ErrInvalidDesc, res)
	}
	if err := buffer.Write(offset, data); err != nil {
		return fmt.Errorf("%s: %w", res, err)
	}
	return nil
}

func (d *Device) NewDescriptorHeap(capacity uint32) (metadata.DescriptorHeap, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	heap, err := NewVulkanDescriptorHeap(d.context, capacity)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.heaps = append(d.heaps, heap)
	d.mu.Unlock()
	return heap, nil
}

func (d *Device) NewCommandList() (metadata.CommandList, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	cb, err := NewVulkanCommandBuffer(d.context, d.logger)
	if err != nil {
		return nil, err
	}
	return cb, nil
}

func (d *Device) Queue() metadata.Queue {
	return d.queue
}

// Close waits for the GPU and destroys the device together with its heaps
// and command lists. Resources must be released before.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return ErrDeviceClosed
	}
	if n := d.live.Load(); n > 0 {
		d.logger.Warn("closing device with live allocations", "count", n)
	}
	d.queue.destroy()
	vk.DeviceWaitIdle(d.context.Device.LogicalDevice)
	d.mu.Lock()
	for _, heap := range d.heaps {
		heap.Destroy()
	}
	d.heaps = nil
	d.mu.Unlock()
	// Destroying the command pool frees every command buffer.
	DeviceDestroy(d.context)
	d.destroyInstance()
	d.logger.Info("device closed")
	return nil
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	logger := core.Logger("vulkan")
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		logger.Error(pMessage, "layer", pLayerPrefix, "code", messageCode)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		logger.Warn(pMessage, "layer", pLayerPrefix, "code", messageCode)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		logger.Warn(pMessage, "layer", pLayerPrefix, "code", messageCode, "performance", true)
	default:
		logger.Debug(pMessage, "layer", pLayerPrefix, "code", messageCode)
	}
	return vk.False
}
