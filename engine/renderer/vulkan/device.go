package vulkan

import (
	"fmt"
	"runtime"

	"github.com/charmbracelet/log"
	vk "github.com/goki/vulkan"
)

type VulkanDevice struct {
	PhysicalDevice vk.PhysicalDevice
	LogicalDevice  vk.Device

	// One family serves graphics, compute and transfer work.
	QueueIndex uint32
	Queue      vk.Queue

	CommandPool vk.CommandPool

	Properties vk.PhysicalDeviceProperties
	Memory     vk.PhysicalDeviceMemoryProperties
}

type VulkanPhysicalDeviceRequirements struct {
	Graphics    bool
	Compute     bool
	DiscreteGPU bool
}

// queueFamilyFor returns the first family supporting every required queue type.
func queueFamilyFor(families []vk.QueueFamilyProperties, requirements VulkanPhysicalDeviceRequirements) (uint32, bool) {
	for i := range families {
		families[i].Deref()
		flags := vk.QueueFlagBits(families[i].QueueFlags)
		if requirements.Graphics && flags&vk.QueueGraphicsBit == 0 {
			continue
		}
		if requirements.Compute && flags&vk.QueueComputeBit == 0 {
			continue
		}
		return uint32(i), true
	}
	return 0, false
}

func SelectPhysicalDevice(context *VulkanContext, logger *log.Logger) error {
	var physicalDeviceCount uint32
	if err := check("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(context.Instance, &physicalDeviceCount, nil)); err != nil {
		return err
	}
	if physicalDeviceCount == 0 {
		return fmt.Errorf("%w: no devices which support Vulkan were found", ErrNoDevice)
	}
	physicalDevices := make([]vk.PhysicalDevice, physicalDeviceCount)
	if err := check("vkEnumeratePhysicalDevices", vk.EnumeratePhysicalDevices(context.Instance, &physicalDeviceCount, physicalDevices)); err != nil {
		return err
	}

	requirements := VulkanPhysicalDeviceRequirements{
		Graphics:    true,
		Compute:     true,
		DiscreteGPU: runtime.GOOS != "darwin",
	}

	// A discrete GPU is preferred; the second round accepts anything.
	for _, discrete := range []bool{requirements.DiscreteGPU, false} {
		for _, physical := range physicalDevices {
			var properties vk.PhysicalDeviceProperties
			vk.GetPhysicalDeviceProperties(physical, &properties)
			properties.Deref()
			if discrete && properties.DeviceType != vk.PhysicalDeviceTypeDiscreteGpu {
				continue
			}

			var queueFamilyCount uint32
			vk.GetPhysicalDeviceQueueFamilyProperties(physical, &queueFamilyCount, nil)
			queueFamilies := make([]vk.QueueFamilyProperties, queueFamilyCount)
			vk.GetPhysicalDeviceQueueFamilyProperties(physical, &queueFamilyCount, queueFamilies)
			family, ok := queueFamilyFor(queueFamilies, requirements)
			if !ok {
				continue
			}

			var memory vk.PhysicalDeviceMemoryProperties
			vk.GetPhysicalDeviceMemoryProperties(physical, &memory)
			memory.Deref()

			context.Device.PhysicalDevice = physical
			context.Device.QueueIndex = family
			context.Device.Properties = properties
			context.Device.Memory = memory

			logger.Info("selected device",
				"name", vk.ToString(properties.DeviceName[:]),
				"type", deviceTypeName(properties.DeviceType),
				"api", fmt.Sprintf("%d.%d.%d",
					vk.Version(properties.ApiVersion).Major(),
					vk.Version(properties.ApiVersion).Minor(),
					vk.Version(properties.ApiVersion).Patch()),
				"queue_family", family)
			for j := uint32(0); j < memory.MemoryHeapCount; j++ {
				memory.MemoryHeaps[j].Deref()
				gib := float64(memory.MemoryHeaps[j].Size) / 1024 / 1024 / 1024
				if vk.MemoryHeapFlagBits(memory.MemoryHeaps[j].Flags)&vk.MemoryHeapDeviceLocalBit != 0 {
					logger.Debug("local GPU memory", "gib", gib)
				} else {
					logger.Debug("shared system memory", "gib", gib)
				}
			}
			return nil
		}
	}
	return fmt.Errorf("%w: no device has a graphics and compute queue", ErrNoDevice)
}

func deviceTypeName(t vk.PhysicalDeviceType) string {
	switch t {
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return "integrated"
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return "discrete"
	case vk.PhysicalDeviceTypeVirtualGpu:
		return "virtual"
	case vk.PhysicalDeviceTypeCpu:
		return "cpu"
	default:
		return "unknown"
	}
}

func DeviceCreate(context *VulkanContext, logger *log.Logger) error {
	if err := SelectPhysicalDevice(context, logger); err != nil {
		return err
	}

	queueCreateInfos := []vk.DeviceQueueCreateInfo{{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: context.Device.QueueIndex,
		QueueCount:       1,
		PQueuePriorities: []float32{1.0},
	}}

	deviceCreateInfo := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: uint32(len(queueCreateInfos)),
		PQueueCreateInfos:    queueCreateInfos,
		PEnabledFeatures:     []vk.PhysicalDeviceFeatures{{}},
	}

	var device vk.Device
	if err := check("vkCreateDevice", vk.CreateDevice(context.Device.PhysicalDevice, &deviceCreateInfo, context.Allocator, &device)); err != nil {
		return err
	}
	context.Device.LogicalDevice = device
	logger.Debug("logical device created")

	var queue vk.Queue
	vk.GetDeviceQueue(device, context.Device.QueueIndex, 0, &queue)
	context.Device.Queue = queue

	poolCreateInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: context.Device.QueueIndex,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	if err := check("vkCreateCommandPool", vk.CreateCommandPool(device, &poolCreateInfo, context.Allocator, &context.Device.CommandPool)); err != nil {
		DeviceDestroy(context)
		return err
	}
	logger.Debug("command pool created")
	return nil
}

func DeviceDestroy(context *VulkanContext) {
	context.Device.Queue = nil

	if context.Device.CommandPool != nil {
		vk.DestroyCommandPool(context.Device.LogicalDevice, context.Device.CommandPool, context.Allocator)
		context.Device.CommandPool = nil
	}
	if context.Device.LogicalDevice != nil {
		vk.DestroyDevice(context.Device.LogicalDevice, context.Allocator)
		context.Device.LogicalDevice = nil
	}
	// Physical devices are not destroyed.
	context.Device.PhysicalDevice = nil
}
