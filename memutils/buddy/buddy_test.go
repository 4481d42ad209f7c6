package buddy_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gflegar/xgl/memutils"
	"github.com/gflegar/xgl/memutils/buddy"
)

func TestBuddyBasicAllocFree(t *testing.T) {
	a, err := buddy.New(1024, 16)
	require.NoError(t, err)

	require.Equal(t, 1024, a.Size())
	require.Equal(t, 1024, a.SumFreeSize())
	require.True(t, a.IsEmpty())
	require.Equal(t, 1024, a.MaximumAllocationSize())

	offset, err := a.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	// 100 bytes rounds up to a 128-byte block.
	require.Equal(t, 1024-128, a.SumFreeSize())
	require.Equal(t, 1, a.AllocationCount())
	require.False(t, a.IsEmpty())
	require.NoError(t, a.Validate())

	a.Free(offset, 100, 1)
	require.Equal(t, 1024, a.SumFreeSize())
	require.True(t, a.IsEmpty())
	require.Equal(t, 1024, a.MaximumAllocationSize())
	require.NoError(t, a.Validate())

	// Round trip: the allocator behaves as if the allocation never happened.
	offset, err = a.Allocate(100, 1)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
}

func TestBuddyRejectsBadConfig(t *testing.T) {
	_, err := buddy.New(1000, 16)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, err = buddy.New(1024, 24)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, err = buddy.New(16, 1024)
	require.Error(t, err)

	_, err = buddy.New(0, 16)
	require.Error(t, err)
}

func TestBuddySplitPlacement(t *testing.T) {
	a, err := buddy.New(1024, 16)
	require.NoError(t, err)

	// Splitting always keeps the left half, so placement walks up from the
	// bottom of the range.
	offsets := []int{}
	for _, size := range []int{16, 16, 32, 16} {
		offset, err := a.Allocate(size, 1)
		require.NoError(t, err)
		offsets = append(offsets, offset)
	}
	require.Equal(t, []int{0, 16, 32, 64}, offsets)
	require.NoError(t, a.Validate())
}

func TestBuddyMergeEitherOrder(t *testing.T) {
	for _, freeLowFirst := range []bool{true, false} {
		a, err := buddy.New(64, 16)
		require.NoError(t, err)

		first, err := a.Allocate(16, 1)
		require.NoError(t, err)
		second, err := a.Allocate(16, 1)
		require.NoError(t, err)
		require.Equal(t, 0, first)
		require.Equal(t, 16, second)

		if freeLowFirst {
			a.Free(first, 16, 1)
			a.Free(second, 16, 1)
		} else {
			a.Free(second, 16, 1)
			a.Free(first, 16, 1)
		}

		// Both frees must coalesce all the way back up to the full range.
		require.NoError(t, a.Validate())
		require.Equal(t, 64, a.MaximumAllocationSize())

		offset, err := a.Allocate(64, 1)
		require.NoError(t, err)
		require.Equal(t, 0, offset)
	}
}

func TestBuddyOutOfSpace(t *testing.T) {
	a, err := buddy.New(64, 16)
	require.NoError(t, err)

	_, err = a.Allocate(128, 1)
	require.ErrorIs(t, err, buddy.ErrOutOfSpace)

	offset, err := a.Allocate(64, 1)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	_, err = a.Allocate(16, 1)
	require.ErrorIs(t, err, buddy.ErrOutOfSpace)
	require.False(t, a.MayAllocate(16, 1))

	// The failed calls must not have disturbed any state.
	require.Equal(t, 0, a.SumFreeSize())
	require.Equal(t, 1, a.AllocationCount())
	require.NoError(t, a.Validate())
}

func TestBuddyAlignment(t *testing.T) {
	a, err := buddy.New(1024, 16)
	require.NoError(t, err)

	offset, err := a.Allocate(16, 256)
	require.NoError(t, err)
	require.Equal(t, 0, offset%256)

	next, err := a.Allocate(16, 1)
	require.NoError(t, err)

	// The aligned request consumed a full 256-byte block, so the following
	// allocation cannot land inside it.
	require.True(t, next < offset || next >= offset+256)
	require.NoError(t, a.Validate())
}

func TestBuddyDeterministicPlacement(t *testing.T) {
	run := func() []int {
		a, err := buddy.New(4096, 16)
		require.NoError(t, err)

		var offsets []int
		live := map[int][2]int{}

		sizes := []int{48, 16, 130, 16, 512, 70, 16, 256, 90, 33}
		for i, size := range sizes {
			offset, err := a.Allocate(size, 1)
			require.NoError(t, err)
			offsets = append(offsets, offset)
			live[offset] = [2]int{size, i}

			if i%3 == 2 {
				// Free the lowest live allocation.
				lowest := math.MaxInt
				for off := range live {
					if off < lowest {
						lowest = off
					}
				}
				a.Free(lowest, live[lowest][0], 1)
				delete(live, lowest)
			}
		}

		require.NoError(t, a.Validate())
		return offsets
	}

	require.Equal(t, run(), run())
}

func TestBuddyNoOverlappingRanges(t *testing.T) {
	a, err := buddy.New(8192, 16)
	require.NoError(t, err)

	type span struct{ offset, size int }
	var live []span

	checkNoOverlap := func(offset, size int) {
		for _, s := range live {
			overlaps := offset < s.offset+s.size && s.offset < offset+size
			require.False(t, overlaps, "range [%d, %d) overlaps live range [%d, %d)", offset, offset+size, s.offset, s.offset+s.size)
		}
	}

	sizes := []int{100, 30, 16, 700, 45, 16, 256, 2000, 16, 33, 90, 128}
	for i, size := range sizes {
		offset, err := a.Allocate(size, 1)
		require.NoError(t, err)
		checkNoOverlap(offset, size)
		live = append(live, span{offset, size})

		if i%4 == 3 {
			victim := live[0]
			live = live[1:]
			a.Free(victim.offset, victim.size, 1)
		}
	}

	for _, s := range live {
		a.Free(s.offset, s.size, 1)
	}
	require.True(t, a.IsEmpty())
	require.Equal(t, 8192, a.SumFreeSize())
	require.NoError(t, a.Validate())
}

func TestBuddyMayAllocateAgreesWithAllocate(t *testing.T) {
	a, err := buddy.New(256, 16)
	require.NoError(t, err)

	for {
		if !a.MayAllocate(48, 1) {
			_, err = a.Allocate(48, 1)
			require.ErrorIs(t, err, buddy.ErrOutOfSpace)
			break
		}

		_, err := a.Allocate(48, 1)
		require.NoError(t, err)
	}
}

func TestBuddyStatistics(t *testing.T) {
	a, err := buddy.New(1024, 16)
	require.NoError(t, err)

	_, err = a.Allocate(100, 1)
	require.NoError(t, err)
	_, err = a.Allocate(16, 1)
	require.NoError(t, err)

	var stats memutils.Statistics
	a.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		BlockBytes:      1024,
		AllocationCount: 2,
		AllocationBytes: 128 + 16,
	}, stats)

	var detailed memutils.DetailedStatistics
	detailed.Clear()
	a.AddDetailedStatistics(&detailed)
	require.Equal(t, 2, detailed.AllocationCount)

	freeTotal := 0
	a.VisitFreeRegions(func(offset, size int) {
		freeTotal += size
	})
	require.Equal(t, a.SumFreeSize(), freeTotal)
	require.True(t, detailed.UnusedRangeCount > 0)
}

func TestBuddyFreeMisalignedPanics(t *testing.T) {
	a, err := buddy.New(256, 16)
	require.NoError(t, err)

	_, err = a.Allocate(32, 1)
	require.NoError(t, err)

	require.Panics(t, func() {
		a.Free(8, 32, 1)
	})
}
