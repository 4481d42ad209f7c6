package buddy

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/gflegar/xgl/memutils"
)

// ErrOutOfSpace is returned from Allocate when no free block of the required
// order is available, even after splitting larger blocks. The caller is
// expected to respond by obtaining a new backing allocation.
var ErrOutOfSpace = errors.New("no free block large enough for the requested allocation")

// Allocator hands out offsets within a fixed-size linear range using the
// classic buddy scheme: blocks are split into equal halves on demand and
// merged back together when both halves are free.
//
// Allocation is deterministic- for an identical sequence of Allocate and Free
// calls, block placement is always the same. Free lists are kept sorted and
// Allocate always takes the lowest eligible offset.
//
// Allocator is not safe for concurrent use; the owning manager serializes
// access.
type Allocator struct {
	size         int
	minBlockSize int
	maxOrder     int

	// freeLists[order] holds the sorted offsets of free blocks of size
	// minBlockSize << order.
	freeLists [][]int

	freeBytes       int
	allocationCount int
	allocatedBytes  int
}

// New creates an Allocator managing offsets in [0, size). size must be a
// power of two and a multiple of minBlockSize; minBlockSize must be a power
// of two as well.
func New(size int, minBlockSize int) (*Allocator, error) {
	if size <= 0 || minBlockSize <= 0 {
		return nil, errors.Errorf("allocator size (%d) and minimum block size (%d) must be positive", size, minBlockSize)
	}
	err := memutils.CheckPow2(size, "buddy allocator size")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckPow2(minBlockSize, "buddy allocator minimum block size")
	if err != nil {
		return nil, err
	}
	if minBlockSize > size {
		return nil, errors.Errorf("minimum block size %d exceeds allocator size %d", minBlockSize, size)
	}

	maxOrder := bits.TrailingZeros(uint(size)) - bits.TrailingZeros(uint(minBlockSize))

	a := &Allocator{
		size:         size,
		minBlockSize: minBlockSize,
		maxOrder:     maxOrder,
		freeLists:    make([][]int, maxOrder+1),
		freeBytes:    size,
	}
	a.freeLists[maxOrder] = []int{0}

	return a, nil
}

// Size returns the total size in bytes of the managed range.
func (a *Allocator) Size() int { return a.size }

// MinBlockSize returns the allocation granularity of the allocator.
func (a *Allocator) MinBlockSize() int { return a.minBlockSize }

// SumFreeSize returns the number of free bytes in the managed range. Because
// allocations are rounded up to block sizes, this counts the rounded sizes,
// not the sizes originally requested.
func (a *Allocator) SumFreeSize() int { return a.freeBytes }

// AllocationCount returns the number of live allocations.
func (a *Allocator) AllocationCount() int { return a.allocationCount }

// IsEmpty returns true if no allocations are live.
func (a *Allocator) IsEmpty() bool { return a.allocationCount == 0 }

// MaximumAllocationSize returns the size of the largest single allocation
// that could currently succeed.
func (a *Allocator) MaximumAllocationSize() int {
	for order := a.maxOrder; order >= 0; order-- {
		if len(a.freeLists[order]) > 0 {
			return a.minBlockSize << order
		}
	}
	return 0
}

// orderFor returns the free-list order for a request, or -1 if the request
// cannot fit in the managed range even when it is entirely free.
func (a *Allocator) orderFor(size int, alignment uint) int {
	blockSize := size
	if int(alignment) > blockSize {
		blockSize = int(alignment)
	}
	if blockSize < a.minBlockSize {
		blockSize = a.minBlockSize
	}
	blockSize = memutils.NextPow2(blockSize)

	if blockSize > a.size {
		return -1
	}

	return bits.TrailingZeros(uint(blockSize)) - bits.TrailingZeros(uint(a.minBlockSize))
}

// MayAllocate reports whether Allocate would succeed for a request of the
// provided size and alignment, without mutating the allocator.
func (a *Allocator) MayAllocate(size int, alignment uint) bool {
	order := a.orderFor(size, alignment)
	if order < 0 {
		return false
	}

	for o := order; o <= a.maxOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			return true
		}
	}
	return false
}

// Allocate grants an offset for at least size bytes aligned to alignment.
// alignment must be a power of two no larger than the managed range. The
// granted block is the smallest power-of-two block that covers
// max(size, alignment), so the returned offset is always aligned at least as
// strictly as requested.
func (a *Allocator) Allocate(size int, alignment uint) (int, error) {
	if size <= 0 {
		return 0, errors.Errorf("allocation size must be positive, got %d", size)
	}
	memutils.DebugCheckPow2(alignment, "allocation alignment")

	order := a.orderFor(size, alignment)
	if order < 0 {
		return 0, cerrors.Wrapf(ErrOutOfSpace, "request of size %d exceeds the %d-byte range", size, a.size)
	}

	// Find the smallest free block that covers the request, preferring the
	// lowest offset within an order.
	foundOrder := -1
	for o := order; o <= a.maxOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			foundOrder = o
			break
		}
	}
	if foundOrder < 0 {
		return 0, cerrors.Wrapf(ErrOutOfSpace, "no free block of order %d (size %d)", order, a.minBlockSize<<order)
	}

	offset := a.freeLists[foundOrder][0]
	a.freeLists[foundOrder] = a.freeLists[foundOrder][1:]

	// Split the block down to the requested order. The left half keeps the
	// offset; the right half goes on the lower order's free list.
	for foundOrder > order {
		foundOrder--
		right := offset + (a.minBlockSize << foundOrder)
		a.insertFree(foundOrder, right)
	}

	blockSize := a.minBlockSize << order
	a.freeBytes -= blockSize
	a.allocationCount++
	a.allocatedBytes += blockSize

	return offset, nil
}

// Free returns the block granted at offset to the allocator. size and
// alignment must match the values passed to the Allocate call that produced
// the offset; they determine which block order is released. The freed block
// is merged with its buddy whenever the buddy is also free, recursively up to
// the full range.
func (a *Allocator) Free(offset int, size int, alignment uint) {
	order := a.orderFor(size, alignment)
	if order < 0 {
		panic("freed block does not belong to this allocator")
	}

	blockSize := a.minBlockSize << order
	if memutils.AlignDown(offset, uint(blockSize)) != offset || offset+blockSize > a.size {
		panic("freed offset is misaligned for the block size being released")
	}

	a.freeBytes += blockSize
	a.allocationCount--
	a.allocatedBytes -= blockSize

	for order < a.maxOrder {
		buddyOffset := offset ^ (a.minBlockSize << order)

		index, present := slices.BinarySearch(a.freeLists[order], buddyOffset)
		if !present {
			break
		}

		a.freeLists[order] = slices.Delete(a.freeLists[order], index, index+1)
		if buddyOffset < offset {
			offset = buddyOffset
		}
		order++
	}

	a.insertFree(order, offset)
}

func (a *Allocator) insertFree(order int, offset int) {
	index, _ := slices.BinarySearch(a.freeLists[order], offset)
	a.freeLists[order] = slices.Insert(a.freeLists[order], index, offset)
}

// VisitFreeRegions calls the provided callback once for each free block,
// in increasing order size. Used for diagnostics.
func (a *Allocator) VisitFreeRegions(visit func(offset int, size int)) {
	for order := 0; order <= a.maxOrder; order++ {
		blockSize := a.minBlockSize << order
		for _, offset := range a.freeLists[order] {
			visit(offset, blockSize)
		}
	}
}

// AddStatistics sums this allocator's usage into the provided statistics
// object, counting the managed range as one block.
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += a.size
	stats.AllocationCount += a.allocationCount
	stats.AllocationBytes += a.allocatedBytes
}

// AddDetailedStatistics sums this allocator's usage, including free ranges,
// into the provided statistics object.
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += a.size
	stats.AllocationCount += a.allocationCount
	stats.AllocationBytes += a.allocatedBytes

	a.VisitFreeRegions(func(offset, size int) {
		stats.AddUnusedRange(size)
	})
}

// Validate performs internal consistency checks on the free lists. When the
// allocator is functioning correctly this cannot fail.
func (a *Allocator) Validate() error {
	freeBytes := 0

	for order := 0; order <= a.maxOrder; order++ {
		blockSize := a.minBlockSize << order
		list := a.freeLists[order]

		for i, offset := range list {
			if offset%blockSize != 0 {
				return errors.Errorf("free block at offset %d is misaligned for order %d", offset, order)
			}
			if offset+blockSize > a.size {
				return errors.Errorf("free block at offset %d of order %d extends past the managed range", offset, order)
			}
			if i > 0 && list[i-1] >= offset {
				return errors.Errorf("free list for order %d is not sorted at index %d", order, i)
			}

			// Eager merging means two free buddies can never coexist.
			if order < a.maxOrder {
				buddyOffset := offset ^ blockSize
				if _, present := slices.BinarySearch(list, buddyOffset); present {
					return errors.Errorf("free buddies at offsets %d and %d were left unmerged", offset, buddyOffset)
				}
			}

			freeBytes += blockSize
		}
	}

	if freeBytes != a.freeBytes {
		return errors.Errorf("free list total %d does not match tracked free bytes %d", freeBytes, a.freeBytes)
	}
	if a.freeBytes+a.allocatedBytes != a.size {
		return errors.Errorf("free bytes %d + allocated bytes %d does not cover the %d-byte range", a.freeBytes, a.allocatedBytes, a.size)
	}

	return nil
}
