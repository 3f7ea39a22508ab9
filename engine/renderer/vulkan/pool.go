package vulkan

import "sync"

type LockGroup string

// Vulkan objects that need external synchronization when touched from more
// than one goroutine.
const (
	CommandPoolManagement LockGroup = "command_pool_management"
	DescriptorManagement  LockGroup = "descriptor_management"
	QueueManagement       LockGroup = "queue_management"
)

// Mutex pool
type VulkanLockPool struct {
	locks map[LockGroup]*sync.Mutex
	mu    sync.Mutex // Protects access to the locks map
}

func NewVulkanLockPool() *VulkanLockPool {
	return &VulkanLockPool{
		locks: make(map[LockGroup]*sync.Mutex),
	}
}

func (vs *VulkanLockPool) lock(group LockGroup) *sync.Mutex {
	vs.mu.Lock()
	l, exists := vs.locks[group]
	if !exists {
		l = &sync.Mutex{}
		vs.locks[group] = l
	}
	vs.mu.Unlock()

	l.Lock()
	return l
}

// SafeCall runs fn while holding the lock of group.
func (vs *VulkanLockPool) SafeCall(group LockGroup, fn func() error) error {
	l := vs.lock(group)
	defer l.Unlock()

	return fn()
}
