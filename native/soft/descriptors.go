package soft

import (
	"github.com/cockroachdb/errors"
	"github.com/lunaengine/rhi/native"
)

// gpuHandleBit distinguishes GPU handles from CPU handles of the same heap
const gpuHandleBit uint64 = 1 << 63

var descriptorIncrements = [native.DescriptorHeapTypeCount]uint32{32, 16, 32, 32}

type descriptorKind uint8

const (
	descriptorEmpty descriptorKind = iota
	descriptorView
	descriptorSampler
)

type descriptorRecord struct {
	kind     descriptorKind
	view     native.ViewDesc
	resource *Resource
	sampler  native.SamplerDesc
}

// DescriptorHeap is the software native.DescriptorHeap
type DescriptorHeap struct {
	device        *Device
	id            uint32
	name          string
	heapType      native.DescriptorHeapType
	shaderVisible bool
	entries       []descriptorRecord
}

var _ native.DescriptorHeap = &DescriptorHeap{}

func (h *DescriptorHeap) Name() string                    { return h.name }
func (h *DescriptorHeap) SetName(name string)             { h.name = name }
func (h *DescriptorHeap) Type() native.DescriptorHeapType { return h.heapType }
func (h *DescriptorHeap) NumDescriptors() uint32          { return uint32(len(h.entries)) }
func (h *DescriptorHeap) ShaderVisible() bool             { return h.shaderVisible }
func (h *DescriptorHeap) CPUStart() native.CPUHandle      { return native.CPUHandle(uint64(h.id) << 32) }
func (h *DescriptorHeap) increment() uint32               { return descriptorIncrements[h.heapType] }
func (h *DescriptorHeap) contains(index uint32, count uint32) bool {
	return uint64(index)+uint64(count) <= uint64(len(h.entries))
}

func (h *DescriptorHeap) GPUStart() native.GPUHandle {
	if !h.shaderVisible {
		return 0
	}
	return native.GPUHandle(gpuHandleBit | uint64(h.id)<<32)
}

func (h *DescriptorHeap) Release() {
	h.device.mutex.Lock()
	defer h.device.mutex.Unlock()

	h.device.heaps.Delete(h.id)
	h.entries = nil
}

// Populated reports whether the descriptor at index holds a view or sampler
func (h *DescriptorHeap) Populated(index uint32) bool {
	h.device.mutex.Lock()
	defer h.device.mutex.Unlock()

	return h.contains(index, 1) && h.entries[index].kind != descriptorEmpty
}

func (d *Device) CreateDescriptorHeap(heapType native.DescriptorHeapType, numDescriptors uint32, shaderVisible bool) (native.DescriptorHeap, error) {
	if heapType >= native.DescriptorHeapTypeCount {
		return nil, errors.Newf("unknown descriptor heap type %d", heapType)
	}
	if numDescriptors == 0 {
		return nil, errors.New("descriptor heaps must hold at least one descriptor")
	}
	if shaderVisible && !heapType.ShaderVisible() {
		return nil, errors.Newf("%s heaps cannot be shader visible", heapType)
	}

	heap := &DescriptorHeap{
		device:        d,
		id:            d.newID(),
		heapType:      heapType,
		shaderVisible: shaderVisible,
		entries:       make([]descriptorRecord, numDescriptors),
	}

	d.mutex.Lock()
	d.heaps.Put(heap.id, heap)
	d.mutex.Unlock()

	return heap, nil
}

func (d *Device) DescriptorIncrementSize(heapType native.DescriptorHeapType) uint32 {
	return descriptorIncrements[heapType]
}

// resolveCPULocked finds the heap and index a CPU handle addresses
func (d *Device) resolveCPULocked(handle native.CPUHandle) (*DescriptorHeap, uint32, bool) {
	heap, ok := d.heaps.Get(uint32(uint64(handle) >> 32))
	if !ok {
		return nil, 0, false
	}

	offset := uint32(uint64(handle))
	inc := heap.increment()
	if offset%inc != 0 || !heap.contains(offset/inc, 1) {
		return nil, 0, false
	}
	return heap, offset / inc, true
}

// resolveGPULocked finds the heap and index a GPU handle addresses
func (d *Device) resolveGPULocked(handle native.GPUHandle) (*DescriptorHeap, uint32, bool) {
	if uint64(handle)&gpuHandleBit == 0 {
		return nil, 0, false
	}
	heap, ok := d.heaps.Get(uint32((uint64(handle) &^ gpuHandleBit) >> 32))
	if !ok || !heap.shaderVisible {
		return nil, 0, false
	}

	offset := uint32(uint64(handle))
	inc := heap.increment()
	if offset%inc != 0 || !heap.contains(offset/inc, 1) {
		return nil, 0, false
	}
	return heap, offset / inc, true
}

func (d *Device) CreateView(resource native.Resource, desc native.ViewDesc, dst native.CPUHandle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	heap, index, ok := d.resolveCPULocked(dst)
	if !ok {
		d.failLocked("CreateView: destination handle %#x does not address a live heap", uint64(dst))
		return
	}
	if heap.heapType != desc.Kind.HeapType() {
		d.failLocked("CreateView: %s views cannot be written into a %s heap", desc.Kind, heap.heapType)
		return
	}

	var res *Resource
	if resource != nil {
		res = resource.(*Resource)
		if res.released.Load() {
			d.failLocked("CreateView: resource %q was released", res.name)
		}
	} else if desc.Kind != native.ViewCBV {
		d.failLocked("CreateView: %s views require a resource", desc.Kind)
		return
	}

	heap.entries[index] = descriptorRecord{kind: descriptorView, view: desc, resource: res}
}

func (d *Device) CreateSampler(desc native.SamplerDesc, dst native.CPUHandle) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	heap, index, ok := d.resolveCPULocked(dst)
	if !ok {
		d.failLocked("CreateSampler: destination handle %#x does not address a live heap", uint64(dst))
		return
	}
	if heap.heapType != native.DescriptorHeapSampler {
		d.failLocked("CreateSampler: samplers cannot be written into a %s heap", heap.heapType)
		return
	}

	heap.entries[index] = descriptorRecord{kind: descriptorSampler, sampler: desc}
}

func (d *Device) collectLocked(starts []native.CPUHandle, sizes []uint32, heapType native.DescriptorHeapType, what string) ([]*DescriptorHeap, []uint32, bool) {
	var heaps []*DescriptorHeap
	var indices []uint32

	for i, start := range starts {
		size := uint32(1)
		if sizes != nil {
			size = sizes[i]
		}

		heap, index, ok := d.resolveCPULocked(start)
		if !ok {
			d.failLocked("CopyDescriptors: %s range %d handle %#x does not address a live heap", what, i, uint64(start))
			return nil, nil, false
		}
		if heap.heapType != heapType {
			d.failLocked("CopyDescriptors: %s range %d is in a %s heap, expected %s", what, i, heap.heapType, heapType)
			return nil, nil, false
		}
		if !heap.contains(index, size) {
			d.failLocked("CopyDescriptors: %s range %d of %d descriptors overruns its heap", what, i, size)
			return nil, nil, false
		}

		for j := uint32(0); j < size; j++ {
			heaps = append(heaps, heap)
			indices = append(indices, index+j)
		}
	}

	return heaps, indices, true
}

func (d *Device) CopyDescriptors(dstStarts []native.CPUHandle, dstSizes []uint32, srcStarts []native.CPUHandle, srcSizes []uint32, heapType native.DescriptorHeapType) {
	d.counters.copyDescriptors.Add(1)

	d.mutex.Lock()
	defer d.mutex.Unlock()

	srcHeaps, srcIndices, ok := d.collectLocked(srcStarts, srcSizes, heapType, "source")
	if !ok {
		return
	}
	dstHeaps, dstIndices, ok := d.collectLocked(dstStarts, dstSizes, heapType, "destination")
	if !ok {
		return
	}
	if len(srcIndices) != len(dstIndices) {
		d.failLocked("CopyDescriptors: %d source descriptors but %d destination descriptors", len(srcIndices), len(dstIndices))
		return
	}

	for i := range srcIndices {
		if srcHeaps[i].shaderVisible {
			d.failLocked("CopyDescriptors: source descriptors must come from a heap that is not shader visible")
			return
		}
		dstHeaps[i].entries[dstIndices[i]] = srcHeaps[i].entries[srcIndices[i]]
	}
	d.counters.descriptorsCopied.Add(int64(len(srcIndices)))
}

func (d *Device) CopyDescriptorsSimple(count uint32, dst, src native.CPUHandle, heapType native.DescriptorHeapType) {
	d.counters.copyDescriptorsSimple.Add(1)

	d.mutex.Lock()
	defer d.mutex.Unlock()

	srcHeaps, srcIndices, ok := d.collectLocked([]native.CPUHandle{src}, []uint32{count}, heapType, "source")
	if !ok {
		return
	}
	dstHeaps, dstIndices, ok := d.collectLocked([]native.CPUHandle{dst}, []uint32{count}, heapType, "destination")
	if !ok {
		return
	}

	for i := range srcIndices {
		dstHeaps[i].entries[dstIndices[i]] = srcHeaps[i].entries[srcIndices[i]]
	}
	d.counters.descriptorsCopied.Add(int64(count))
}
