package memmgr

import (
	"fmt"
	"unsafe"

	"github.com/gflegar/xgl/pal"
)

// deviceGroupMemory is one physical reservation mirrored across every device
// in the active device group. Each populated slot holds an equal-size
// reservation; virtual addresses may differ between devices, but logical
// offsets are identical. Creation, mapping and destruction always cover all
// populated slots- a partial failure unwinds the slots that had already
// succeeded.
type deviceGroupMemory struct {
	memory            [pal.MaxDevices]pal.GpuMemory
	persistentCpuAddr [pal.MaxDevices]unsafe.Pointer
	numDevices        int
}

func (g *deviceGroupMemory) checkIndex(idx int) {
	if idx < 0 || idx >= g.numDevices {
		panic(fmt.Sprintf("device index %d out of range for a device group of size %d", idx, g.numDevices))
	}
}

func (g *deviceGroupMemory) PalMemory(idx int) pal.GpuMemory {
	g.checkIndex(idx)
	return g.memory[idx]
}

// CpuAddr returns the persistently-mapped host pointer for one device, or
// nil when the memory is not persistently mapped.
func (g *deviceGroupMemory) CpuAddr(idx int) unsafe.Pointer {
	g.checkIndex(idx)
	return g.persistentCpuAddr[idx]
}

func (g *deviceGroupMemory) GpuVirtAddr(idx int) uint64 {
	g.checkIndex(idx)
	return g.memory[idx].Desc().GpuVirtAddr
}

// Map maps every device's reservation and retains the host pointers. If any
// device fails, the mappings made so far are undone before returning.
func (g *deviceGroupMemory) Map() (pal.Result, error) {
	for idx := 0; idx < g.numDevices; idx++ {
		addr, res, err := g.memory[idx].Map()
		if err != nil {
			for unwind := idx - 1; unwind >= 0; unwind-- {
				_, _ = g.memory[unwind].Unmap()
				g.persistentCpuAddr[unwind] = nil
			}
			return res, err
		}
		g.persistentCpuAddr[idx] = addr
	}

	return pal.Success, nil
}

func (g *deviceGroupMemory) Unmap() (pal.Result, error) {
	for idx := 0; idx < g.numDevices; idx++ {
		if g.persistentCpuAddr[idx] == nil {
			continue
		}

		res, err := g.memory[idx].Unmap()
		if err != nil {
			return res, err
		}
		g.persistentCpuAddr[idx] = nil
	}

	return pal.Success, nil
}

// Destroy releases every populated reservation. Persistent mappings are
// dropped implicitly with the memory.
func (g *deviceGroupMemory) Destroy() {
	for idx := 0; idx < g.numDevices; idx++ {
		g.memory[idx].Destroy()
		g.memory[idx] = nil
		g.persistentCpuAddr[idx] = nil
	}
	g.numDevices = 0
}
