package memmgr

import (
	"github.com/gflegar/xgl/pal"
)

// InternalSubAllocPool identifies a commonly used pool configuration that
// can be fetched through InternalMemMgr.GetCommonPool instead of building a
// create info and calling CalcSubAllocationPool.
type InternalSubAllocPool int

const (
	// InternalPoolGpuReadOnlyRemote covers read-only persistent mapped
	// CPU-visible pools in system memory.
	InternalPoolGpuReadOnlyRemote InternalSubAllocPool = iota
	// InternalPoolGpuReadOnlyCpuVisible covers read-only persistent mapped
	// CPU-visible pools, including local visible memory.
	InternalPoolGpuReadOnlyCpuVisible
	// InternalPoolCpuVisible covers all CPU-visible pools.
	InternalPoolCpuVisible
	// InternalPoolDescriptorTable is the persistent mapped pool used for
	// descriptor set main tables.
	InternalPoolDescriptorTable
	// InternalPoolShadowDescriptorTable is the persistent mapped pool used
	// for descriptor set shadow tables.
	InternalPoolShadowDescriptorTable

	InternalPoolCount
)

var internalSubAllocPoolMapping = map[InternalSubAllocPool]string{
	InternalPoolGpuReadOnlyRemote:     "InternalPoolGpuReadOnlyRemote",
	InternalPoolGpuReadOnlyCpuVisible: "InternalPoolGpuReadOnlyCpuVisible",
	InternalPoolCpuVisible:            "InternalPoolCpuVisible",
	InternalPoolDescriptorTable:       "InternalPoolDescriptorTable",
	InternalPoolShadowDescriptorTable: "InternalPoolShadowDescriptorTable",
}

func (p InternalSubAllocPool) String() string {
	str, ok := internalSubAllocPoolMapping[p]
	if !ok {
		return "unknown InternalSubAllocPool"
	}

	return str
}

// commonPoolCreateInfo returns the allocation shape for one well-known pool.
// Sizes are left zero for the caller to fill in.
func commonPoolCreateInfo(poolID InternalSubAllocPool) InternalMemCreateInfo {
	switch poolID {
	case InternalPoolGpuReadOnlyRemote:
		return InternalMemCreateInfo{
			Flags: InternalMemCreateFlags{ReadOnly: true, PersistentMapped: true},
			Heaps: []pal.GpuHeap{pal.GpuHeapGartUswc, pal.GpuHeapGartCacheable},
		}
	case InternalPoolGpuReadOnlyCpuVisible:
		return InternalMemCreateInfo{
			Flags: InternalMemCreateFlags{ReadOnly: true, PersistentMapped: true},
			Heaps: []pal.GpuHeap{pal.GpuHeapLocal, pal.GpuHeapGartUswc, pal.GpuHeapGartCacheable},
		}
	case InternalPoolCpuVisible:
		return InternalMemCreateInfo{
			Flags: InternalMemCreateFlags{PersistentMapped: true},
			Heaps: []pal.GpuHeap{pal.GpuHeapLocal, pal.GpuHeapGartUswc, pal.GpuHeapGartCacheable},
		}
	case InternalPoolDescriptorTable:
		return InternalMemCreateInfo{
			Flags:   InternalMemCreateFlags{ReadOnly: true, PersistentMapped: true},
			VaRange: pal.VaRangeDescriptorTable,
			Heaps:   []pal.GpuHeap{pal.GpuHeapLocal, pal.GpuHeapGartUswc},
		}
	case InternalPoolShadowDescriptorTable:
		return InternalMemCreateInfo{
			Flags:   InternalMemCreateFlags{PersistentMapped: true},
			VaRange: pal.VaRangeShadowDescriptorTable,
			Heaps:   []pal.GpuHeap{pal.GpuHeapGartUswc, pal.GpuHeapGartCacheable},
		}
	}

	panic("unknown common pool id")
}
