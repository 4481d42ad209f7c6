// Package pal declares the narrow capability surface this module consumes
// from the platform abstraction layer. The memory manager never reserves
// physical memory itself- it asks a Device for per-device heap allocations
// and works with the opaque GpuMemory handles it gets back.
package pal

import "unsafe"

const (
	// MaxDevices is the maximum number of physical devices that can
	// cooperate in one device group.
	MaxDevices = 4
	// DefaultDeviceIndex is the device slot that is always populated, even
	// when no device group is active.
	DefaultDeviceIndex = 0
)

// GpuHeap identifies one kind of memory heap exposed by a device.
type GpuHeap int

const (
	// GpuHeapLocal is device-local memory that is also CPU-visible.
	GpuHeapLocal GpuHeap = iota
	// GpuHeapInvisible is device-local memory with no CPU access.
	GpuHeapInvisible
	// GpuHeapGartUswc is system memory with uncached speculative write
	// combining, remote to the GPU.
	GpuHeapGartUswc
	// GpuHeapGartCacheable is cacheable system memory, remote to the GPU.
	GpuHeapGartCacheable

	GpuHeapCount
)

var gpuHeapMapping = map[GpuHeap]string{
	GpuHeapLocal:         "GpuHeapLocal",
	GpuHeapInvisible:     "GpuHeapInvisible",
	GpuHeapGartUswc:      "GpuHeapGartUswc",
	GpuHeapGartCacheable: "GpuHeapGartCacheable",
}

func (h GpuHeap) String() string {
	str, ok := gpuHeapMapping[h]
	if !ok {
		return "unknown GpuHeap"
	}

	return str
}

// CpuVisible reports whether allocations placed in this heap can be mapped
// for host access.
func (h GpuHeap) CpuVisible() bool {
	return h != GpuHeapInvisible
}

// VaRange classifies the virtual address range an allocation's GPU virtual
// address must be assigned from. Allocations from different ranges can never
// share a base allocation.
type VaRange int

const (
	VaRangeDefault VaRange = iota
	// VaRangeDescriptorTable is the range reserved for descriptor set
	// tables.
	VaRangeDescriptorTable
	// VaRangeShadowDescriptorTable is the range reserved for CPU-updated
	// shadow copies of descriptor tables. It mirrors
	// VaRangeDescriptorTable at a fixed offset.
	VaRangeShadowDescriptorTable
)

var vaRangeMapping = map[VaRange]string{
	VaRangeDefault:               "VaRangeDefault",
	VaRangeDescriptorTable:       "VaRangeDescriptorTable",
	VaRangeShadowDescriptorTable: "VaRangeShadowDescriptorTable",
}

func (v VaRange) String() string {
	str, ok := vaRangeMapping[v]
	if !ok {
		return "unknown VaRange"
	}

	return str
}

// GpuMemoryHeapProperties describes one heap kind as reported by a device.
type GpuMemoryHeapProperties struct {
	// HeapSize is the total size in bytes of the heap.
	HeapSize int
	// CpuReadable indicates the CPU can read mapped allocations from this
	// heap at reasonable speed.
	CpuReadable bool
}

// GpuMemoryCreateInfo describes one physical reservation request.
type GpuMemoryCreateInfo struct {
	// Size in bytes of the reservation. Must be a multiple of Alignment.
	Size int
	// Alignment is the required base alignment in bytes; zero means the
	// device default.
	Alignment uint
	// VaRange the reservation's virtual address is assigned from.
	VaRange VaRange
	// Heap the reservation is placed in.
	Heap GpuHeap
	// ReadOnly marks the memory GPU-read-only once bound.
	ReadOnly bool
}

// GpuMemoryDesc reports the resolved properties of a reservation.
type GpuMemoryDesc struct {
	Size        int
	Alignment   uint
	GpuVirtAddr uint64
	Heap        GpuHeap
}

// GpuMemory is one physical memory reservation owned by a single device.
type GpuMemory interface {
	Desc() GpuMemoryDesc
	// Map makes the whole reservation host-visible and returns the host
	// pointer. Fails for heaps without CPU access.
	Map() (unsafe.Pointer, Result, error)
	Unmap() (Result, error)
	// Destroy releases the reservation. The handle must not be used
	// afterwards.
	Destroy()
}

// Device is the heap backend for one logical device, covering every
// physical device in its group.
type Device interface {
	// NumDevices returns the number of physical devices in the group,
	// between 1 and MaxDevices.
	NumDevices() int
	// HeapProperties reports the properties of every heap kind.
	HeapProperties() ([GpuHeapCount]GpuMemoryHeapProperties, Result, error)
	// CreateGpuMemory makes one physical reservation on the physical
	// device at deviceIdx.
	CreateGpuMemory(deviceIdx int, createInfo *GpuMemoryCreateInfo) (GpuMemory, Result, error)
}

// GpuMemoryRequirements describes what a bindable object needs from the
// memory that will back it.
type GpuMemoryRequirements struct {
	Size      int
	Alignment uint
	// Heaps lists acceptable heaps in preference order.
	Heaps []GpuHeap
}

// GpuMemoryBindable is an object that must be attached to GPU memory before
// use, such as an image or a queue's scratch ring.
type GpuMemoryBindable interface {
	GpuMemoryRequirements() GpuMemoryRequirements
	// BindGpuMemory attaches the object to mem at offset on the physical
	// device at deviceIdx.
	BindGpuMemory(deviceIdx int, mem GpuMemory, offset int) (Result, error)
}
