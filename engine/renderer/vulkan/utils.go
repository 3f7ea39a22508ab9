package vulkan

import (
	"errors"
	"fmt"

	vk "github.com/goki/vulkan"
)

var (
	ErrVulkan       = errors.New("vulkan call failed")
	ErrNoDevice     = errors.New("no suitable vulkan device")
	ErrNoMemoryType = errors.New("no suitable memory type")
	ErrInvalidDesc  = errors.New("invalid resource description")
	ErrDeviceClosed = errors.New("device closed")
)

var resultNames = map[vk.Result]string{
	vk.Success:                   "VK_SUCCESS",
	vk.NotReady:                  "VK_NOT_READY",
	vk.Timeout:                   "VK_TIMEOUT",
	vk.EventSet:                  "VK_EVENT_SET",
	vk.EventReset:                "VK_EVENT_RESET",
	vk.Incomplete:                "VK_INCOMPLETE",
	vk.ErrorOutOfHostMemory:      "VK_ERROR_OUT_OF_HOST_MEMORY",
	vk.ErrorOutOfDeviceMemory:    "VK_ERROR_OUT_OF_DEVICE_MEMORY",
	vk.ErrorInitializationFailed: "VK_ERROR_INITIALIZATION_FAILED",
	vk.ErrorDeviceLost:           "VK_ERROR_DEVICE_LOST",
	vk.ErrorMemoryMapFailed:      "VK_ERROR_MEMORY_MAP_FAILED",
	vk.ErrorLayerNotPresent:      "VK_ERROR_LAYER_NOT_PRESENT",
	vk.ErrorExtensionNotPresent:  "VK_ERROR_EXTENSION_NOT_PRESENT",
	vk.ErrorFeatureNotPresent:    "VK_ERROR_FEATURE_NOT_PRESENT",
	vk.ErrorIncompatibleDriver:   "VK_ERROR_INCOMPATIBLE_DRIVER",
	vk.ErrorTooManyObjects:       "VK_ERROR_TOO_MANY_OBJECTS",
	vk.ErrorFormatNotSupported:   "VK_ERROR_FORMAT_NOT_SUPPORTED",
	vk.ErrorFragmentedPool:       "VK_ERROR_FRAGMENTED_POOL",
	vk.ErrorOutOfPoolMemory:      "VK_ERROR_OUT_OF_POOL_MEMORY",
	vk.ErrorFragmentation:        "VK_ERROR_FRAGMENTATION",
	vk.ErrorUnknown:              "VK_ERROR_UNKNOWN",
}

func VulkanResultString(result vk.Result) string {
	if name, ok := resultNames[result]; ok {
		return name
	}
	return fmt.Sprintf("VkResult(%d)", int32(result))
}

// VulkanResultIsSuccess reports whether result is a success code. Vulkan error
// codes are negative.
func VulkanResultIsSuccess(result vk.Result) bool {
	return result >= 0
}

// check turns a failed result into an error wrapping ErrVulkan.
func check(op string, result vk.Result) error {
	if VulkanResultIsSuccess(result) {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrVulkan, op, VulkanResultString(result))
}

var end = "\x00"
var endChar byte = '\x00'

func VulkanSafeString(s string) string {
	if len(s) == 0 {
		return end
	}
	if s[len(s)-1] != endChar {
		return s + end
	}
	return s
}
