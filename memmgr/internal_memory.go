package memmgr

import (
	"fmt"
	"unsafe"

	"github.com/gflegar/xgl/pal"
)

// InternalMemory is a live claim on a byte range within a base allocation.
// It borrows the base allocation- freeing the InternalMemory through the
// manager returns the range, it never destroys memory owned by another
// handle. A zero InternalMemory is invalid until populated by a successful
// AllocGpuMem.
type InternalMemory struct {
	pool *memoryPool

	gpuVA     [pal.MaxDevices]uint64
	offset    int
	size      int
	alignment uint
}

func (m *InternalMemory) checkIndex(idx int) {
	if m.pool == nil {
		panic("use of an InternalMemory that was never allocated or was already freed")
	}
	if idx < 0 || idx >= m.pool.groupMemory.numDevices {
		panic(fmt.Sprintf("device index %d out of range for a device group of size %d", idx, m.pool.groupMemory.numDevices))
	}
}

// PalMemory returns the backend memory object the suballocation lives in on
// one device.
func (m *InternalMemory) PalMemory(idx int) pal.GpuMemory {
	m.checkIndex(idx)
	return m.pool.groupMemory.PalMemory(idx)
}

// GpuVirtAddr returns the GPU virtual address of the start of the
// suballocation on one device.
func (m *InternalMemory) GpuVirtAddr(idx int) uint64 {
	m.checkIndex(idx)
	return m.gpuVA[idx]
}

// Offset returns the byte offset of the suballocation within its base
// allocation. The offset is the same on every device in the group.
func (m *InternalMemory) Offset() int { return m.offset }

func (m *InternalMemory) Size() int { return m.size }

func (m *InternalMemory) Alignment() uint { return m.alignment }

// PersistentCpuAddr returns the host pointer to the start of the
// suballocation on one device, or nil when the base allocation is not
// persistently mapped.
func (m *InternalMemory) PersistentCpuAddr(idx int) unsafe.Pointer {
	m.checkIndex(idx)

	base := m.pool.groupMemory.CpuAddr(idx)
	if base == nil {
		return nil
	}
	return unsafe.Add(base, m.offset)
}

// Map returns a host pointer to the suballocation's range on one device,
// mapping the backing memory if it is not persistently mapped already.
// Every successful Map must be balanced by an Unmap.
func (m *InternalMemory) Map(idx int) (unsafe.Pointer, pal.Result, error) {
	m.checkIndex(idx)

	if addr := m.pool.groupMemory.CpuAddr(idx); addr != nil {
		return unsafe.Add(addr, m.offset), pal.Success, nil
	}

	base, res, err := m.pool.groupMemory.PalMemory(idx).Map()
	if err != nil {
		return nil, res, err
	}

	return unsafe.Add(base, m.offset), res, nil
}

// Unmap releases a mapping obtained from Map. It is a no-op for
// persistently mapped base allocations.
func (m *InternalMemory) Unmap(idx int) (pal.Result, error) {
	m.checkIndex(idx)

	if m.pool.groupMemory.CpuAddr(idx) != nil {
		return pal.Success, nil
	}

	return m.pool.groupMemory.PalMemory(idx).Unmap()
}
