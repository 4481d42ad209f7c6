package memmgr

import (
	"github.com/pkg/errors"

	"github.com/gflegar/xgl/pal"
)

// InternalMemCreateFlags describes how an internal allocation will be used.
// It is a comparable value type and participates in pool signature equality.
type InternalMemCreateFlags struct {
	// ReadOnly marks the allocation GPU-read-only.
	ReadOnly bool
	// PersistentMapped keeps a host pointer to the allocation for its whole
	// lifetime. Set this for frequently mapped allocations.
	PersistentMapped bool
	// NoSuballocation gives the caller a dedicated base allocation instead
	// of a range carved out of a shared one.
	NoSuballocation bool
}

// InternalMemCreateInfo describes one internal memory allocation request.
type InternalMemCreateInfo struct {
	// Size in bytes of the requested range.
	Size int
	// Alignment in bytes; must be a power of two. Zero means no alignment
	// requirement beyond the suballocation granularity.
	Alignment uint
	// VaRange the allocation's GPU virtual address must come from.
	VaRange pal.VaRange
	// Heaps lists acceptable heaps in preference order. Must not be empty.
	Heaps []pal.GpuHeap

	Flags InternalMemCreateFlags

	// Pool optionally carries the result of a previous CalcSubAllocationPool
	// or GetCommonPool call, skipping the signature lookup when many
	// allocations share one shape. It is revalidated against the rest of
	// this struct on every use.
	Pool *SubAllocPool
}

// MemoryPoolProperties is the signature identifying which base allocations
// are interchangeable for a request: two requests with equal properties may
// share a pool. It is immutable once built and serves as the registry's
// hash key.
type MemoryPoolProperties struct {
	Flags     InternalMemCreateFlags
	VaRange   pal.VaRange
	HeapCount int
	Heaps     [pal.GpuHeapCount]pal.GpuHeap
}

func calcPoolProperties(createInfo *InternalMemCreateInfo) (MemoryPoolProperties, pal.Result, error) {
	heapCount := len(createInfo.Heaps)
	if heapCount == 0 || heapCount > int(pal.GpuHeapCount) {
		return MemoryPoolProperties{}, pal.ErrorUnknown, errors.Errorf("allocation request must name between 1 and %d heaps, got %d", pal.GpuHeapCount, heapCount)
	}

	props := MemoryPoolProperties{
		Flags:     createInfo.Flags,
		VaRange:   createInfo.VaRange,
		HeapCount: heapCount,
	}
	copy(props.Heaps[:], createInfo.Heaps)

	return props, pal.Success, nil
}
