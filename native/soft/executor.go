package soft

import (
	"github.com/lunaengine/rhi/native"
)

// executor holds the command list state visible to the GPU while one list executes
type executor struct {
	device    *Device
	queueType native.QueueType
	list      string

	heaps          [2]*DescriptorHeap
	pipeline       *PipelineState
	rootSignatures [2]*RootSignature
	tables         [2]map[uint32]native.GPUHandle

	renderTargets []*Resource
	depthTarget   *Resource
	viewports     int
	indexBuffer   bool
	events        int
}

func newExecutor(device *Device, queueType native.QueueType, list string) *executor {
	return &executor{
		device:    device,
		queueType: queueType,
		list:      list,
		tables: [2]map[uint32]native.GPUHandle{
			{}, {},
		},
	}
}

func (e *executor) fail(format string, args ...any) {
	e.device.fail("list %q: "+format, append([]any{e.list}, args...)...)
}

func (e *executor) failLocked(format string, args ...any) {
	e.device.failLocked("list %q: "+format, append([]any{e.list}, args...)...)
}

func (e *executor) resourceBarrier(barriers []native.Barrier) {
	d := e.device
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, b := range barriers {
		d.counters.barriers.Add(1)
		d.barrierLog = append(d.barrierLog, b)

		res, _ := b.Resource.(*Resource)
		if res == nil {
			if b.Type != native.BarrierUAV {
				e.failLocked("%v barrier without a resource", b.Type)
			}
			continue
		}
		if res.released.Load() {
			e.failLocked("barrier on released resource %q", res.name)
			continue
		}

		if b.Type != native.BarrierTransition {
			continue
		}

		if !b.Before.LegalOn(e.queueType) || !b.After.LegalOn(e.queueType) {
			e.failLocked("transition of %q from %s to %s is not legal on a %s queue", res.name, b.Before, b.After, e.queueType)
		}
		if b.Before == b.After {
			e.failLocked("transition of %q from %s to itself", res.name, b.Before)
		}
		if res.state != b.Before {
			e.failLocked("transition of %q declares before state %s but the resource is in %s", res.name, b.Before, res.state)
		}
		if b.Flags&native.BarrierBeginOnly == 0 {
			res.state = b.After
		}
	}
}

func (e *executor) setDescriptorHeaps(heaps []native.DescriptorHeap) {
	e.heaps = [2]*DescriptorHeap{}
	for _, h := range heaps {
		heap, ok := h.(*DescriptorHeap)
		if !ok || !heap.shaderVisible {
			e.fail("SetDescriptorHeaps: heap %v is not a shader visible heap", h)
			continue
		}
		slot := 0
		if heap.heapType == native.DescriptorHeapSampler {
			slot = 1
		}
		if e.heaps[slot] != nil {
			e.fail("SetDescriptorHeaps: two %s heaps bound at once", heap.heapType)
		}
		e.heaps[slot] = heap
	}
}

func (e *executor) checkRootParameter(bindPoint native.BindPoint, rootIndex uint32, expected native.RootParameterType) {
	rs := e.rootSignatures[bindPoint]
	if rs == nil {
		e.fail("root parameter %d set before a %s root signature", rootIndex, bindPoint)
		return
	}
	if int(rootIndex) >= len(rs.desc.Parameters) {
		e.fail("root parameter %d is out of range for root signature %q", rootIndex, rs.name)
		return
	}
	if actual := rs.desc.Parameters[rootIndex].Type; actual != expected {
		e.fail("root parameter %d is a %s, not a %s", rootIndex, actual, expected)
	}
}

func (e *executor) setRenderTargets(rtvs []native.CPUHandle, dsv native.CPUHandle) {
	d := e.device
	d.mutex.Lock()
	defer d.mutex.Unlock()

	e.renderTargets = e.renderTargets[:0]
	e.depthTarget = nil

	for _, rtv := range rtvs {
		rec, ok := e.viewLocked(rtv, native.ViewRTV)
		if ok {
			e.renderTargets = append(e.renderTargets, rec.resource)
		}
	}
	if dsv != 0 {
		rec, ok := e.viewLocked(dsv, native.ViewDSV)
		if ok {
			e.depthTarget = rec.resource
		}
	}
}

func (e *executor) viewLocked(handle native.CPUHandle, kind native.ViewKind) (descriptorRecord, bool) {
	heap, index, ok := e.device.resolveCPULocked(handle)
	if !ok {
		e.failLocked("%s handle %#x does not address a live heap", kind, uint64(handle))
		return descriptorRecord{}, false
	}
	rec := heap.entries[index]
	if rec.kind != descriptorView || rec.view.Kind != kind {
		e.failLocked("handle %#x does not hold a %s", uint64(handle), kind)
		return descriptorRecord{}, false
	}
	if rec.resource == nil || rec.resource.released.Load() {
		e.failLocked("%s at %#x references a released resource", kind, uint64(handle))
		return descriptorRecord{}, false
	}
	return rec, true
}

func (e *executor) clearView(handle native.CPUHandle, kind native.ViewKind, required native.ResourceState) {
	d := e.device
	d.mutex.Lock()
	defer d.mutex.Unlock()

	rec, ok := e.viewLocked(handle, kind)
	if !ok {
		return
	}
	if rec.resource.state != required {
		e.failLocked("clear of %q requires %s but the resource is in %s", rec.resource.name, required, rec.resource.state)
	}
}

func (e *executor) clearUAV(gpu native.GPUHandle, cpu native.CPUHandle) {
	d := e.device
	d.mutex.Lock()
	defer d.mutex.Unlock()

	rec, ok := e.viewLocked(cpu, native.ViewUAV)
	if !ok {
		return
	}

	heap, index, ok := d.resolveGPULocked(gpu)
	if !ok || heap != e.heaps[0] {
		e.failLocked("ClearUnorderedAccessView GPU handle %#x is not in the bound CBV_SRV_UAV heap", uint64(gpu))
		return
	}
	if heap.entries[index].kind != descriptorView || heap.entries[index].resource != rec.resource {
		e.failLocked("ClearUnorderedAccessView GPU handle %#x does not hold the UAV being cleared", uint64(gpu))
	}
	if rec.resource.state != native.ResourceStateUnorderedAccess {
		e.failLocked("UAV clear of %q requires UnorderedAccess but the resource is in %s", rec.resource.name, rec.resource.state)
	}
}

func (e *executor) draw(indexed bool) {
	if e.queueType != native.QueueGraphics {
		e.fail("draw recorded on a %s list", e.queueType)
		return
	}
	if indexed && !e.indexBuffer {
		e.fail("indexed draw without an index buffer")
	}
	if e.viewports == 0 {
		e.fail("draw without a viewport")
	}

	d := e.device
	d.mutex.Lock()
	if len(e.renderTargets) == 0 && e.depthTarget == nil {
		e.failLocked("draw without a render target or depth target")
	}
	for _, rt := range e.renderTargets {
		if rt.state != native.ResourceStateRenderTarget {
			e.failLocked("render target %q is in %s during a draw", rt.name, rt.state)
		}
	}
	if e.depthTarget != nil && e.depthTarget.state&(native.ResourceStateDepthWrite|native.ResourceStateDepthRead) == 0 {
		e.failLocked("depth target %q is in %s during a draw", e.depthTarget.name, e.depthTarget.state)
	}
	d.mutex.Unlock()

	e.validateBindings(native.BindGraphics)
}

// validateBindings checks that the bound pipeline matches the bound root signature and that
// every descriptor table of the root signature points at populated descriptors
func (e *executor) validateBindings(bindPoint native.BindPoint) {
	rs := e.rootSignatures[bindPoint]
	if rs == nil {
		e.fail("%s work without a root signature", bindPoint)
		return
	}
	if e.pipeline == nil {
		e.fail("%s work without a pipeline state", bindPoint)
	} else {
		if e.pipeline.bindPoint != bindPoint {
			e.fail("%v bound for %s work", e.pipeline, bindPoint)
		}
		if e.pipeline.rootSignature != nil && e.pipeline.rootSignature != rs {
			e.fail("%v was created with a different root signature than the bound one", e.pipeline)
		}
	}

	d := e.device
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for i, param := range rs.desc.Parameters {
		if param.Type != native.RootParameterDescriptorTable {
			continue
		}

		base, ok := e.tables[bindPoint][uint32(i)]
		if !ok {
			e.failLocked("root parameter %d has no descriptor table bound", i)
			continue
		}
		e.validateTableLocked(uint32(i), param, base)
	}
}

func (e *executor) validateTableLocked(rootIndex uint32, param native.RootParameter, base native.GPUHandle) {
	heap, start, ok := e.device.resolveGPULocked(base)
	if !ok {
		e.failLocked("descriptor table %d handle %#x does not address a live shader visible heap", rootIndex, uint64(base))
		return
	}

	sampler := param.Ranges[0].Type == native.RangeSampler
	slot := 0
	if sampler {
		slot = 1
	}
	if e.heaps[slot] != heap {
		e.failLocked("descriptor table %d lives in a heap that is not bound", rootIndex)
		return
	}

	size := param.TableSize()
	if !heap.contains(start, size) {
		e.failLocked("descriptor table %d of %d descriptors overruns its heap", rootIndex, size)
		return
	}

	for offset := uint32(0); offset < size; offset++ {
		r, ok := param.RangeAt(offset)
		if !ok {
			continue
		}

		rec := heap.entries[start+offset]
		switch {
		case rec.kind == descriptorEmpty:
			e.failLocked("descriptor table %d entry %d is not populated", rootIndex, offset)
		case r.Type == native.RangeSampler:
			if rec.kind != descriptorSampler {
				e.failLocked("descriptor table %d entry %d holds a view where a sampler is expected", rootIndex, offset)
			}
		default:
			if rec.kind != descriptorView || rec.view.Kind != rangeViewKind(r.Type) {
				e.failLocked("descriptor table %d entry %d does not hold a %s", rootIndex, offset, r.Type)
			} else if rec.resource != nil && rec.resource.released.Load() {
				e.failLocked("descriptor table %d entry %d references released resource %q", rootIndex, offset, rec.resource.name)
			}
		}
	}
}

func rangeViewKind(t native.DescriptorRangeType) native.ViewKind {
	switch t {
	case native.RangeUAV:
		return native.ViewUAV
	case native.RangeCBV:
		return native.ViewCBV
	default:
		return native.ViewSRV
	}
}

func (e *executor) copyBufferRegion(dst *Resource, dstOffset uint64, src *Resource, srcOffset uint64, numBytes uint64) {
	d := e.device
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if dst.released.Load() || src.released.Load() {
		e.failLocked("copy between %q and %q after release", dst.name, src.name)
		return
	}
	if dst.state != native.ResourceStateCopyDest && dst.state != native.ResourceStateCommon {
		e.failLocked("copy destination %q is in %s", dst.name, dst.state)
	}
	if src.state&native.ResourceStateCopySource == 0 && src.state != native.ResourceStateCommon {
		e.failLocked("copy source %q is in %s", src.name, src.state)
	}
	if dstOffset+numBytes > uint64(len(dst.data)) || srcOffset+numBytes > uint64(len(src.data)) {
		e.failLocked("copy of %d bytes from %q+%d to %q+%d is out of bounds", numBytes, src.name, srcOffset, dst.name, dstOffset)
		return
	}

	copy(dst.data[dstOffset:dstOffset+numBytes], src.data[srcOffset:srcOffset+numBytes])
}
