package memmgr_test

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/gflegar/xgl/pal"
)

// fakeDevice is an in-memory stand-in for the heap backend. It enforces
// per-device heap capacities, hands out monotonically increasing virtual
// addresses, and tracks live reservations so tests can assert that failed
// operations leave nothing behind.
type fakeDevice struct {
	numDevices int
	heapProps  [pal.GpuHeapCount]pal.GpuMemoryHeapProperties

	heapUsed  [pal.MaxDevices][pal.GpuHeapCount]int
	liveCount int
	nextVA    uint64

	// failCreateAt makes the Nth CreateGpuMemory call (counting from 1)
	// fail with out-of-device-memory. Zero disables the failure.
	failCreateAt int
	createCalls  int
}

func newFakeDevice(numDevices int, heapSizes map[pal.GpuHeap]int) *fakeDevice {
	d := &fakeDevice{
		numDevices: numDevices,
		nextVA:     0x1000000,
	}
	for heap, size := range heapSizes {
		d.heapProps[heap] = pal.GpuMemoryHeapProperties{
			HeapSize:    size,
			CpuReadable: heap != pal.GpuHeapGartUswc && heap != pal.GpuHeapInvisible,
		}
	}
	return d
}

func (d *fakeDevice) NumDevices() int { return d.numDevices }

func (d *fakeDevice) HeapProperties() ([pal.GpuHeapCount]pal.GpuMemoryHeapProperties, pal.Result, error) {
	return d.heapProps, pal.Success, nil
}

func (d *fakeDevice) CreateGpuMemory(deviceIdx int, createInfo *pal.GpuMemoryCreateInfo) (pal.GpuMemory, pal.Result, error) {
	d.createCalls++
	if d.failCreateAt != 0 && d.createCalls == d.failCreateAt {
		return nil, pal.ErrorOutOfDeviceMemory, errors.New("injected reservation failure")
	}

	if deviceIdx < 0 || deviceIdx >= d.numDevices {
		return nil, pal.ErrorUnknown, errors.Errorf("bad device index %d", deviceIdx)
	}

	if d.heapUsed[deviceIdx][createInfo.Heap]+createInfo.Size > d.heapProps[createInfo.Heap].HeapSize {
		return nil, pal.ErrorOutOfDeviceMemory, errors.Errorf("heap %s exhausted on device %d", createInfo.Heap, deviceIdx)
	}

	d.heapUsed[deviceIdx][createInfo.Heap] += createInfo.Size
	d.liveCount++

	va := d.nextVA
	d.nextVA += uint64(createInfo.Size) + 0x10000

	return &fakeGpuMemory{
		device:    d,
		deviceIdx: deviceIdx,
		backing:   make([]byte, createInfo.Size),
		desc: pal.GpuMemoryDesc{
			Size:        createInfo.Size,
			Alignment:   createInfo.Alignment,
			GpuVirtAddr: va,
			Heap:        createInfo.Heap,
		},
	}, pal.Success, nil
}

type fakeGpuMemory struct {
	device    *fakeDevice
	deviceIdx int
	desc      pal.GpuMemoryDesc
	backing   []byte
	mapped    bool
	destroyed bool
}

func (m *fakeGpuMemory) Desc() pal.GpuMemoryDesc { return m.desc }

func (m *fakeGpuMemory) Map() (unsafe.Pointer, pal.Result, error) {
	if m.destroyed {
		return nil, pal.ErrorUnknown, errors.New("map of destroyed memory")
	}
	if !m.desc.Heap.CpuVisible() {
		return nil, pal.ErrorUnknown, errors.New("heap is not CPU visible")
	}
	m.mapped = true
	return unsafe.Pointer(&m.backing[0]), pal.Success, nil
}

func (m *fakeGpuMemory) Unmap() (pal.Result, error) {
	m.mapped = false
	return pal.Success, nil
}

func (m *fakeGpuMemory) Destroy() {
	if m.destroyed {
		panic("double destroy of fake gpu memory")
	}
	m.destroyed = true
	m.device.heapUsed[m.deviceIdx][m.desc.Heap] -= m.desc.Size
	m.device.liveCount--
}

// fakeBindable is a bindable object with fixed requirements that records
// every bind call.
type fakeBindable struct {
	reqs  pal.GpuMemoryRequirements
	binds []bindRecord

	// failBindAt makes the Nth BindGpuMemory call (counting from 1) fail.
	failBindAt int
	bindCalls  int
}

type bindRecord struct {
	deviceIdx int
	mem       pal.GpuMemory
	offset    int
}

func (b *fakeBindable) GpuMemoryRequirements() pal.GpuMemoryRequirements {
	return b.reqs
}

func (b *fakeBindable) BindGpuMemory(deviceIdx int, mem pal.GpuMemory, offset int) (pal.Result, error) {
	b.bindCalls++
	if b.failBindAt != 0 && b.bindCalls == b.failBindAt {
		return pal.ErrorUnknown, errors.New("injected bind failure")
	}

	b.binds = append(b.binds, bindRecord{deviceIdx: deviceIdx, mem: mem, offset: offset})
	return pal.Success, nil
}
