package memmgr

import (
	"github.com/gflegar/xgl/memutils"
	"github.com/gflegar/xgl/memutils/buddy"
)

// memoryPool is one base allocation: a device-group-mirrored physical
// reservation, plus the buddy allocator that carves suballocations out of
// it. buddy is nil when the pool was created for a NoSuballocation request;
// such a pool is used whole by exactly one caller.
type memoryPool struct {
	groupMemory deviceGroupMemory
	buddy       *buddy.Allocator
	owner       *memoryPoolList
}

func (p *memoryPool) isDedicated() bool {
	return p.buddy == nil
}

// size returns the per-device size in bytes of the backing reservation.
func (p *memoryPool) size() int {
	return p.groupMemory.PalMemory(0).Desc().Size
}

// memoryPoolList is one registry entry: the ordered base allocations sharing
// a single pool signature. New pools are appended; freed dedicated pools are
// removed; the list itself lives until the manager is destroyed.
type memoryPoolList struct {
	props MemoryPoolProperties
	pools []*memoryPool
}

func (l *memoryPoolList) append(pool *memoryPool) {
	pool.owner = l
	l.pools = append(l.pools, pool)
}

func (l *memoryPoolList) remove(pool *memoryPool) {
	for i := 0; i < len(l.pools); i++ {
		if l.pools[i] == pool {
			l.pools = append(l.pools[:i], l.pools[i+1:]...)
			pool.owner = nil
			return
		}
	}

	panic("attempted to remove a pool from a list that did not own it")
}

// findForRequest returns the first pool with room for the request, in
// creation order. Dedicated pools are never reused.
func (l *memoryPoolList) findForRequest(size int, alignment uint) *memoryPool {
	for _, pool := range l.pools {
		if pool.isDedicated() {
			continue
		}
		if pool.buddy.MayAllocate(size, alignment) {
			return pool
		}
	}

	return nil
}

func (l *memoryPoolList) addStatistics(stats *memutils.Statistics) {
	for _, pool := range l.pools {
		if pool.isDedicated() {
			stats.BlockCount++
			stats.BlockBytes += pool.size()
			stats.AllocationCount++
			stats.AllocationBytes += pool.size()
			continue
		}
		pool.buddy.AddStatistics(stats)
	}
}

func (l *memoryPoolList) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, pool := range l.pools {
		if pool.isDedicated() {
			stats.BlockCount++
			stats.BlockBytes += pool.size()
			stats.AddAllocation(pool.size())
			continue
		}
		pool.buddy.AddDetailedStatistics(stats)
	}
}
