// Package memmgr implements the internal memory manager: the subsystem that
// turns a small number of large heap allocations into the many small memory
// regions the driver needs for its own bookkeeping (descriptor tables,
// shadow tables, scratch buffers). Base allocations are mirrored across the
// active device group and grouped into pools by a signature of creation
// flags, virtual address range and heap preferences; a buddy allocator
// carves suballocations out of each pool.
package memmgr

import (
	"context"
	"strconv"
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/gflegar/xgl/memutils"
	"github.com/gflegar/xgl/memutils/buddy"
	"github.com/gflegar/xgl/pal"
)

// SubAllocPool is a precomputed, validated reference to the pool list that
// serves one allocation shape. Callers that make many allocations of the
// same shape obtain one from CalcSubAllocationPool or GetCommonPool and pass
// it back through InternalMemCreateInfo.Pool to skip the signature lookup.
// It is revalidated on every use; a reference whose shape no longer matches
// the rest of the create info is rejected with ErrorInvalidPoolSignature.
type SubAllocPool struct {
	props MemoryPoolProperties
	list  *memoryPoolList
}

// InternalMemMgr hands out internal GPU memory. All public operations are
// serialized by one manager-wide lock; these are driver-internal,
// comparatively low-frequency allocations, so coarse locking is a deliberate
// simplicity trade.
//
// The manager exclusively owns every base allocation and the pool registry.
// InternalMemory handles are non-owning views; callers must free each handle
// exactly once and not use it afterwards.
type InternalMemMgr struct {
	device   pal.Device
	logger   *slog.Logger
	settings RuntimeSettings

	numDevices int
	heapProps  [pal.GpuHeapCount]pal.GpuMemoryHeapProperties

	allocatorLock sync.Mutex
	poolListMap   *swiss.Map[MemoryPoolProperties, *memoryPoolList]

	commonPools [InternalPoolCount]InternalMemCreateInfo

	initialized bool
}

// NewInternalMemMgr creates a manager for the provided device. The manager
// is unusable until Init succeeds. settings is read once here and never
// reinterpreted. A nil logger falls back to slog.Default.
func NewInternalMemMgr(device pal.Device, settings RuntimeSettings, logger *slog.Logger) *InternalMemMgr {
	if logger == nil {
		logger = slog.Default()
	}

	return &InternalMemMgr{
		device:   device,
		logger:   logger,
		settings: settings,
	}
}

// Init queries heap properties and precomputes the common pools. It is
// all-or-nothing: on failure the manager stays uninitialized and holds no
// resources.
func (m *InternalMemMgr) Init() (pal.Result, error) {
	m.logger.Debug("InternalMemMgr::Init")

	m.allocatorLock.Lock()
	defer m.allocatorLock.Unlock()

	if m.initialized {
		panic("attempted to initialize an InternalMemMgr twice")
	}

	err := memutils.CheckPow2(m.settings.PoolAllocationSize, "settings.PoolAllocationSize")
	if err != nil {
		return pal.ErrorUnknown, err
	}
	err = memutils.CheckPow2(m.settings.SuballocationGranularity, "settings.SuballocationGranularity")
	if err != nil {
		return pal.ErrorUnknown, err
	}
	if m.settings.SuballocationGranularity > m.settings.PoolAllocationSize {
		return pal.ErrorUnknown, errors.Errorf("suballocation granularity %d exceeds the pool allocation size %d",
			m.settings.SuballocationGranularity, m.settings.PoolAllocationSize)
	}

	numDevices := m.device.NumDevices()
	if numDevices < 1 || numDevices > pal.MaxDevices {
		return pal.ErrorUnknown, errors.Errorf("device reported a group of %d devices, must be between 1 and %d", numDevices, pal.MaxDevices)
	}
	m.numDevices = numDevices

	heapProps, res, err := m.device.HeapProperties()
	if err != nil {
		return res, err
	}
	m.heapProps = heapProps

	m.poolListMap = swiss.NewMap[MemoryPoolProperties, *memoryPoolList](16)

	for poolID := InternalSubAllocPool(0); poolID < InternalPoolCount; poolID++ {
		info := commonPoolCreateInfo(poolID)

		props, res, err := calcPoolProperties(&info)
		if err != nil {
			m.poolListMap = nil
			return res, err
		}

		info.Pool = &SubAllocPool{
			props: props,
			list:  m.findOrCreatePoolList(props),
		}
		m.commonPools[poolID] = info
	}

	m.initialized = true
	return pal.Success, nil
}

// Destroy releases every base allocation and clears the registry. Live
// suballocations at this point are caller bugs and are logged before their
// backing memory is released.
func (m *InternalMemMgr) Destroy() {
	m.logger.Debug("InternalMemMgr::Destroy")

	m.allocatorLock.Lock()
	defer m.allocatorLock.Unlock()

	if !m.initialized {
		return
	}

	m.poolListMap.Iter(func(props MemoryPoolProperties, list *memoryPoolList) bool {
		for _, pool := range list.pools {
			if pool.isDedicated() {
				m.logger.LogAttrs(context.Background(), slog.LevelError,
					"[UNRELEASED MEMORY] dedicated allocation still live at manager teardown",
					slog.Int("size", pool.size()),
					slog.String("vaRange", props.VaRange.String()))
			} else if !pool.buddy.IsEmpty() {
				m.logger.LogAttrs(context.Background(), slog.LevelError,
					"[UNRELEASED MEMORY] pool still has live suballocations at manager teardown",
					slog.Int("allocationCount", pool.buddy.AllocationCount()),
					slog.Int("poolSize", pool.size()),
					slog.String("vaRange", props.VaRange.String()))
			}

			pool.groupMemory.Destroy()
		}
		list.pools = nil
		return false
	})

	m.poolListMap = nil
	m.commonPools = [InternalPoolCount]InternalMemCreateInfo{}
	m.initialized = false
}

// GetCommonPool returns the precomputed create info for one of the
// well-known pool configurations. The caller fills in Size and Alignment.
func (m *InternalMemMgr) GetCommonPool(poolID InternalSubAllocPool) InternalMemCreateInfo {
	if poolID < 0 || poolID >= InternalPoolCount {
		panic("unknown common pool id")
	}

	m.allocatorLock.Lock()
	defer m.allocatorLock.Unlock()
	m.checkInitialized()

	return m.commonPools[poolID]
}

// CalcSubAllocationPool resolves the pool list serving the provided
// properties, creating an empty one if none exists yet, and returns a
// reference that accelerates future allocations of the same shape.
func (m *InternalMemMgr) CalcSubAllocationPool(props MemoryPoolProperties) (*SubAllocPool, pal.Result, error) {
	m.logger.Debug("InternalMemMgr::CalcSubAllocationPool")

	if props.HeapCount < 1 || props.HeapCount > int(pal.GpuHeapCount) {
		return nil, pal.ErrorUnknown, errors.Errorf("pool properties must name between 1 and %d heaps, got %d", pal.GpuHeapCount, props.HeapCount)
	}

	m.allocatorLock.Lock()
	defer m.allocatorLock.Unlock()
	m.checkInitialized()

	return &SubAllocPool{
		props: props,
		list:  m.findOrCreatePoolList(props),
	}, pal.Success, nil
}

// AllocGpuMem grants a memory range satisfying createInfo and populates
// internalMemory with the resulting handle. On failure the registry is left
// exactly as it was before the call.
func (m *InternalMemMgr) AllocGpuMem(createInfo *InternalMemCreateInfo, internalMemory *InternalMemory) (pal.Result, error) {
	m.logger.Debug("InternalMemMgr::AllocGpuMem")

	if createInfo.Size <= 0 {
		return pal.ErrorUnknown, errors.Errorf("allocation size must be positive, got %d", createInfo.Size)
	}
	alignment := createInfo.Alignment
	if alignment == 0 {
		alignment = 1
	}
	err := memutils.CheckPow2(alignment, "createInfo.Alignment")
	if err != nil {
		return pal.ErrorUnknown, err
	}

	m.allocatorLock.Lock()
	defer m.allocatorLock.Unlock()
	m.checkInitialized()

	props, res, err := calcPoolProperties(createInfo)
	if err != nil {
		return res, err
	}

	var list *memoryPoolList
	if createInfo.Pool != nil {
		if createInfo.Pool.props != props || createInfo.Pool.list == nil {
			return pal.ErrorInvalidPoolSignature, cerrors.Wrapf(pal.ErrorInvalidPoolSignature.ToError(),
				"precomputed pool was built for %+v", createInfo.Pool.props)
		}
		list = createInfo.Pool.list
	} else {
		list = m.findOrCreatePoolList(props)
	}

	if createInfo.Flags.NoSuballocation || m.settings.DisableSuballocation {
		return m.allocDedicated(createInfo, props, list, alignment, internalMemory)
	}

	pool := list.findForRequest(createInfo.Size, alignment)
	if pool == nil {
		poolSize := m.settings.PoolAllocationSize
		required := memutils.NextPow2(createInfo.Size)
		if int(alignment) > required {
			required = memutils.NextPow2(int(alignment))
		}
		if required > poolSize {
			poolSize = required
		}

		pool, res, err = m.createBaseAllocation(props, poolSize, 0, true)
		if err != nil {
			return res, err
		}
		list.append(pool)
	}

	offset, err := pool.buddy.Allocate(createInfo.Size, alignment)
	if err != nil {
		return pal.ErrorOutOfDeviceMemory, cerrors.Wrapf(err, "pool accepted a request of size %d but could not place it", createInfo.Size)
	}
	memutils.DebugValidate(pool.buddy)

	m.initMemory(internalMemory, pool, offset, createInfo.Size, alignment)
	return pal.Success, nil
}

func (m *InternalMemMgr) allocDedicated(
	createInfo *InternalMemCreateInfo,
	props MemoryPoolProperties,
	list *memoryPoolList,
	alignment uint,
	internalMemory *InternalMemory,
) (pal.Result, error) {
	pool, res, err := m.createBaseAllocation(props, memutils.AlignUp(createInfo.Size, alignment), alignment, false)
	if err != nil {
		return res, err
	}
	list.append(pool)

	m.initMemory(internalMemory, pool, 0, createInfo.Size, alignment)
	return pal.Success, nil
}

// AllocAndBindGpuMem allocates memory for a bindable object based on its own
// reported requirements and binds the object to the granted range on every
// device in the group. removeInvisibleHeap drops GPU-invisible heaps from
// the object's preference list, for objects the CPU must be able to read
// back. No partial state survives a failure: an allocation made but not
// bound is freed before returning.
func (m *InternalMemMgr) AllocAndBindGpuMem(
	bindable pal.GpuMemoryBindable,
	readOnly bool,
	internalMemory *InternalMemory,
	removeInvisibleHeap bool,
) (pal.Result, error) {
	m.logger.Debug("InternalMemMgr::AllocAndBindGpuMem")

	reqs := bindable.GpuMemoryRequirements()

	heaps := reqs.Heaps
	if removeInvisibleHeap {
		heaps = make([]pal.GpuHeap, 0, len(reqs.Heaps))
		for _, heap := range reqs.Heaps {
			if heap.CpuVisible() {
				heaps = append(heaps, heap)
			}
		}
	}
	if len(heaps) == 0 {
		return pal.ErrorOutOfDeviceMemory, cerrors.Wrap(pal.ErrorOutOfDeviceMemory.ToError(),
			"no eligible heaps remain for the bindable object")
	}

	createInfo := InternalMemCreateInfo{
		Size:      reqs.Size,
		Alignment: reqs.Alignment,
		Heaps:     heaps,
		Flags:     InternalMemCreateFlags{ReadOnly: readOnly},
	}

	res, err := m.AllocGpuMem(&createInfo, internalMemory)
	if err != nil {
		return res, err
	}

	for idx := 0; idx < m.numDevices; idx++ {
		_, err = bindable.BindGpuMemory(idx, internalMemory.PalMemory(idx), internalMemory.Offset())
		if err != nil {
			m.FreeGpuMem(internalMemory)
			return pal.ErrorBindFailure, cerrors.Wrapf(err, "failed to bind object on device %d", idx)
		}
	}

	return pal.Success, nil
}

// FreeGpuMem returns the handle's range to its base allocation, or releases
// the base allocation outright if it was dedicated. It never fails for a
// valid handle; freeing a handle twice or freeing a foreign handle is caller
// error and panics where detectable.
func (m *InternalMemMgr) FreeGpuMem(internalMemory *InternalMemory) {
	m.logger.Debug("InternalMemMgr::FreeGpuMem")

	m.allocatorLock.Lock()
	defer m.allocatorLock.Unlock()
	m.checkInitialized()

	pool := internalMemory.pool
	if pool == nil {
		panic("attempted to free an InternalMemory that was never allocated or was already freed")
	}

	if pool.isDedicated() {
		pool.owner.remove(pool)
		pool.groupMemory.Destroy()
	} else {
		pool.buddy.Free(internalMemory.offset, internalMemory.size, internalMemory.alignment)
		memutils.DebugValidate(pool.buddy)
		// Empty pools stay registered so their capacity can be reused.
	}

	*internalMemory = InternalMemory{}
}

// CalculateStatistics sums block and allocation counts across the whole
// registry.
func (m *InternalMemMgr) CalculateStatistics() memutils.Statistics {
	m.allocatorLock.Lock()
	defer m.allocatorLock.Unlock()
	m.checkInitialized()

	var stats memutils.Statistics
	m.poolListMap.Iter(func(props MemoryPoolProperties, list *memoryPoolList) bool {
		list.addStatistics(&stats)
		return false
	})

	return stats
}

// CalculateDetailedStatistics sums usage across the whole registry,
// including allocation size extremes for dedicated allocations and free
// range information for suballocated pools.
func (m *InternalMemMgr) CalculateDetailedStatistics() memutils.DetailedStatistics {
	m.allocatorLock.Lock()
	defer m.allocatorLock.Unlock()
	m.checkInitialized()

	var total memutils.DetailedStatistics
	total.Clear()

	m.poolListMap.Iter(func(props MemoryPoolProperties, list *memoryPoolList) bool {
		var listStats memutils.DetailedStatistics
		listStats.Clear()
		list.addDetailedStatistics(&listStats)

		total.AddDetailedStatistics(&listStats)
		return false
	})

	return total
}

// BuildStatsString renders a JSON description of every heap, pool list and
// free region for diagnostics.
func (m *InternalMemMgr) BuildStatsString() string {
	m.allocatorLock.Lock()
	defer m.allocatorLock.Unlock()
	m.checkInitialized()

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	heapsObj := rootObj.Name("Heaps").Object()
	for heap := pal.GpuHeap(0); heap < pal.GpuHeapCount; heap++ {
		heapObj := heapsObj.Name(heap.String()).Object()
		heapObj.Name("HeapSize").Int(m.heapProps[heap].HeapSize)
		heapObj.Name("CpuReadable").Bool(m.heapProps[heap].CpuReadable)
		heapObj.End()
	}
	heapsObj.End()

	listsArray := rootObj.Name("PoolLists").Array()
	m.poolListMap.Iter(func(props MemoryPoolProperties, list *memoryPoolList) bool {
		listObj := listsArray.Object()
		listObj.Name("VaRange").String(props.VaRange.String())
		listObj.Name("ReadOnly").Bool(props.Flags.ReadOnly)
		listObj.Name("PersistentMapped").Bool(props.Flags.PersistentMapped)
		listObj.Name("NoSuballocation").Bool(props.Flags.NoSuballocation)

		heapsArray := listObj.Name("Heaps").Array()
		for i := 0; i < props.HeapCount; i++ {
			heapsArray.String(props.Heaps[i].String())
		}
		heapsArray.End()

		poolsObj := listObj.Name("Pools").Object()
		for i, pool := range list.pools {
			poolObj := poolsObj.Name(strconv.Itoa(i)).Object()
			poolObj.Name("Size").Int(pool.size())
			poolObj.Name("Dedicated").Bool(pool.isDedicated())

			if !pool.isDedicated() {
				poolObj.Name("AllocationCount").Int(pool.buddy.AllocationCount())
				poolObj.Name("FreeBytes").Int(pool.buddy.SumFreeSize())

				freeArray := poolObj.Name("FreeRegions").Array()
				pool.buddy.VisitFreeRegions(func(offset, size int) {
					regionObj := freeArray.Object()
					regionObj.Name("Offset").Int(offset)
					regionObj.Name("Size").Int(size)
					regionObj.End()
				})
				freeArray.End()
			}

			poolObj.End()
		}
		poolsObj.End()

		listObj.End()
		return false
	})
	listsArray.End()

	rootObj.End()
	return string(writer.Bytes())
}

func (m *InternalMemMgr) checkInitialized() {
	if !m.initialized {
		panic("InternalMemMgr used before Init or after Destroy")
	}
}

func (m *InternalMemMgr) findOrCreatePoolList(props MemoryPoolProperties) *memoryPoolList {
	list, ok := m.poolListMap.Get(props)
	if ok {
		return list
	}

	list = &memoryPoolList{props: props}
	m.poolListMap.Put(props, list)
	return list
}

// createBaseAllocation obtains one device-group-mirrored physical
// reservation, trying the signature's heaps in preference order and
// accepting the first with sufficient headroom. It reports
// ErrorOutOfDeviceMemory only when every preferred heap is exhausted.
// Nothing is attached to the registry here; the caller appends the pool
// only after complete success.
func (m *InternalMemMgr) createBaseAllocation(
	props MemoryPoolProperties,
	size int,
	alignment uint,
	withBuddy bool,
) (*memoryPool, pal.Result, error) {
	var lastErr error

	for i := 0; i < props.HeapCount; i++ {
		heap := props.Heaps[i]
		if m.heapProps[heap].HeapSize < size {
			continue
		}

		memCreateInfo := pal.GpuMemoryCreateInfo{
			Size:      size,
			Alignment: alignment,
			VaRange:   props.VaRange,
			Heap:      heap,
			ReadOnly:  props.Flags.ReadOnly,
		}

		groupMemory, res, err := m.allocBaseGpuMem(&memCreateInfo)
		if err != nil {
			if res == pal.ErrorOutOfDeviceMemory {
				lastErr = err
				continue
			}
			return nil, res, err
		}

		pool := &memoryPool{groupMemory: groupMemory}

		if props.Flags.PersistentMapped {
			res, err = pool.groupMemory.Map()
			if err != nil {
				pool.groupMemory.Destroy()
				return nil, res, err
			}
		}

		if withBuddy {
			pool.buddy, err = buddy.New(size, m.settings.SuballocationGranularity)
			if err != nil {
				pool.groupMemory.Destroy()
				return nil, pal.ErrorOutOfHostMemory, err
			}
		}

		m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created base allocation",
			slog.Int("size", size),
			slog.String("heap", heap.String()),
			slog.Bool("dedicated", !withBuddy))

		return pool, pal.Success, nil
	}

	if lastErr == nil {
		lastErr = cerrors.Wrapf(pal.ErrorOutOfDeviceMemory.ToError(),
			"no heap in the preference list can hold %d bytes", size)
	}
	return nil, pal.ErrorOutOfDeviceMemory, lastErr
}

// allocBaseGpuMem makes one physical reservation per device in the group.
// Partial failure unwinds the reservations already made, leaving no state.
func (m *InternalMemMgr) allocBaseGpuMem(createInfo *pal.GpuMemoryCreateInfo) (deviceGroupMemory, pal.Result, error) {
	group := deviceGroupMemory{numDevices: m.numDevices}

	for idx := 0; idx < m.numDevices; idx++ {
		mem, res, err := m.device.CreateGpuMemory(idx, createInfo)
		if err != nil {
			for unwind := idx - 1; unwind >= 0; unwind-- {
				group.memory[unwind].Destroy()
				group.memory[unwind] = nil
			}
			return deviceGroupMemory{}, res, err
		}
		group.memory[idx] = mem
	}

	return group, pal.Success, nil
}

func (m *InternalMemMgr) initMemory(mem *InternalMemory, pool *memoryPool, offset int, size int, alignment uint) {
	*mem = InternalMemory{
		pool:      pool,
		offset:    offset,
		size:      size,
		alignment: alignment,
	}

	for idx := 0; idx < pool.groupMemory.numDevices; idx++ {
		mem.gpuVA[idx] = pool.groupMemory.GpuVirtAddr(idx) + uint64(offset)
	}
}
