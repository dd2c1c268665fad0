package soft

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/lunaengine/rhi/native"
)

// CommandAllocator is the software native.CommandAllocator
type CommandAllocator struct {
	device    *Device
	queueType native.QueueType
	name      string

	// pending counts submitted lists recorded with this allocator that have not executed
	pending atomic.Int32
	resets  atomic.Int32
}

var _ native.CommandAllocator = &CommandAllocator{}

func (a *CommandAllocator) Name() string           { return a.name }
func (a *CommandAllocator) SetName(name string)    { a.name = name }
func (a *CommandAllocator) Type() native.QueueType { return a.queueType }
func (a *CommandAllocator) Release()               {}

// Resets returns the number of successful resets
func (a *CommandAllocator) Resets() int {
	return int(a.resets.Load())
}

func (a *CommandAllocator) Reset() error {
	if pending := a.pending.Load(); pending > 0 {
		a.device.fail("command allocator %q reset while %d of its lists are still executing", a.name, pending)
		return errors.Newf("command allocator %q is still in use by the GPU", a.name)
	}

	a.resets.Add(1)
	return nil
}

type op func(e *executor)

type recording struct {
	name      string
	ops       []op
	resources []*Resource
	allocator *CommandAllocator
}

// CommandList is the software native.CommandList. Commands are recorded as closures and
// replayed by the queue at execution time.
type CommandList struct {
	device    *Device
	queueType native.QueueType
	name      string
	allocator *CommandAllocator
	closed    bool

	ops       []op
	resources []*Resource
}

var _ native.CommandList = &CommandList{}

func (l *CommandList) Name() string           { return l.name }
func (l *CommandList) SetName(name string)    { l.name = name }
func (l *CommandList) Type() native.QueueType { return l.queueType }
func (l *CommandList) Release()               {}

func (l *CommandList) snapshot() recording {
	return recording{
		name:      l.name,
		ops:       l.ops,
		resources: l.resources,
		allocator: l.allocator,
	}
}

func (l *CommandList) Close() error {
	if l.closed {
		return errors.Newf("command list %q is already closed", l.name)
	}
	l.closed = true
	return nil
}

func (l *CommandList) Reset(allocator native.CommandAllocator, initialState native.PipelineState) error {
	if !l.closed {
		return errors.Newf("command list %q must be closed before it is reset", l.name)
	}
	alloc, ok := allocator.(*CommandAllocator)
	if !ok || alloc.queueType != l.queueType {
		return errors.Newf("command list %q cannot be reset with allocator %v", l.name, allocator)
	}

	l.allocator = alloc
	l.closed = false
	// Submitted recordings keep the previous slices
	l.ops = nil
	l.resources = nil

	if initialState != nil {
		l.SetPipelineState(initialState)
	}
	return nil
}

func (l *CommandList) record(o op, resources ...native.Resource) {
	if l.closed {
		l.device.fail("command recorded into closed list %q", l.name)
		return
	}
	for _, r := range resources {
		if res, ok := r.(*Resource); ok && res != nil {
			l.resources = append(l.resources, res)
		}
	}
	l.ops = append(l.ops, o)
}

func (l *CommandList) ResourceBarrier(barriers []native.Barrier) {
	copied := append([]native.Barrier(nil), barriers...)
	resources := make([]native.Resource, 0, len(copied))
	for _, b := range copied {
		if b.Resource != nil {
			resources = append(resources, b.Resource)
		}
	}

	l.record(func(e *executor) { e.resourceBarrier(copied) }, resources...)
}

func (l *CommandList) SetDescriptorHeaps(heaps []native.DescriptorHeap) {
	copied := append([]native.DescriptorHeap(nil), heaps...)
	l.record(func(e *executor) { e.setDescriptorHeaps(copied) })
}

func (l *CommandList) SetPipelineState(pso native.PipelineState) {
	p, _ := pso.(*PipelineState)
	l.record(func(e *executor) { e.pipeline = p })
}

func (l *CommandList) SetRootSignature(bindPoint native.BindPoint, rootSignature native.RootSignature) {
	rs, _ := rootSignature.(*RootSignature)
	l.record(func(e *executor) {
		e.rootSignatures[bindPoint] = rs
		e.tables[bindPoint] = map[uint32]native.GPUHandle{}
	})
}

func (l *CommandList) SetRootDescriptorTable(bindPoint native.BindPoint, rootIndex uint32, base native.GPUHandle) {
	l.device.counters.tablesSet.Add(1)
	l.record(func(e *executor) { e.tables[bindPoint][rootIndex] = base })
}

func (l *CommandList) SetRoot32BitConstants(bindPoint native.BindPoint, rootIndex uint32, values []uint32, destOffset uint32) {
	l.record(func(e *executor) { e.checkRootParameter(bindPoint, rootIndex, native.RootParameterConstants) })
}

func (l *CommandList) SetRootView(bindPoint native.BindPoint, rootIndex uint32, viewType native.RootParameterType, address native.GPUVirtualAddress) {
	l.record(func(e *executor) {
		e.checkRootParameter(bindPoint, rootIndex, viewType)
		if address == native.NullAddress {
			e.fail("root %s at parameter %d bound to the null address", viewType, rootIndex)
		}
	})
}

func (l *CommandList) OMSetRenderTargets(rtvs []native.CPUHandle, dsv *native.CPUHandle) {
	copied := append([]native.CPUHandle(nil), rtvs...)
	var depth native.CPUHandle
	if dsv != nil {
		depth = *dsv
	}
	l.record(func(e *executor) { e.setRenderTargets(copied, depth) })
}

func (l *CommandList) OMSetStencilRef(ref uint32)         { l.record(func(e *executor) {}) }
func (l *CommandList) OMSetBlendFactor(factor [4]float32) { l.record(func(e *executor) {}) }

func (l *CommandList) RSSetViewports(viewports []native.Viewport) {
	count := len(viewports)
	l.record(func(e *executor) { e.viewports = count })
}

func (l *CommandList) RSSetScissorRects(rects []native.Rect) {
	l.record(func(e *executor) {})
}

func (l *CommandList) IASetPrimitiveTopology(topology gputypes.PrimitiveTopology) {
	l.record(func(e *executor) {})
}

func (l *CommandList) IASetVertexBuffers(startSlot uint32, views []native.VertexBufferView) {
	l.record(func(e *executor) {})
}

func (l *CommandList) IASetIndexBuffer(view *native.IndexBufferView) {
	bound := view != nil && view.Location != native.NullAddress
	l.record(func(e *executor) { e.indexBuffer = bound })
}

func (l *CommandList) ClearRenderTargetView(rtv native.CPUHandle, color [4]float32) {
	l.record(func(e *executor) { e.clearView(rtv, native.ViewRTV, native.ResourceStateRenderTarget) })
}

func (l *CommandList) ClearDepthStencilView(dsv native.CPUHandle, flags native.ClearFlags, depth float32, stencil uint8) {
	l.record(func(e *executor) { e.clearView(dsv, native.ViewDSV, native.ResourceStateDepthWrite) })
}

func (l *CommandList) ClearUnorderedAccessViewFloat(gpu native.GPUHandle, cpu native.CPUHandle, resource native.Resource, values [4]float32) {
	l.record(func(e *executor) { e.clearUAV(gpu, cpu) }, resource)
}

func (l *CommandList) DrawInstanced(vertexCountPerInstance, instanceCount, startVertex, startInstance uint32) {
	l.device.counters.draws.Add(1)
	l.record(func(e *executor) { e.draw(false) })
}

func (l *CommandList) DrawIndexedInstanced(indexCountPerInstance, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32) {
	l.device.counters.draws.Add(1)
	l.record(func(e *executor) { e.draw(true) })
}

func (l *CommandList) Dispatch(groupsX, groupsY, groupsZ uint32) {
	l.device.counters.dispatches.Add(1)
	l.record(func(e *executor) {
		if groupsX == 0 || groupsY == 0 || groupsZ == 0 {
			e.fail("dispatch of an empty grid %dx%dx%d", groupsX, groupsY, groupsZ)
		}
		e.validateBindings(native.BindCompute)
	})
}

func (l *CommandList) CopyBufferRegion(dst native.Resource, dstOffset uint64, src native.Resource, srcOffset uint64, numBytes uint64) {
	l.record(func(e *executor) {
		e.copyBufferRegion(dst.(*Resource), dstOffset, src.(*Resource), srcOffset, numBytes)
	}, dst, src)
}

func (l *CommandList) CopyResource(dst, src native.Resource) {
	l.record(func(e *executor) {
		d, s := dst.(*Resource), src.(*Resource)
		if d.desc != s.desc {
			e.fail("CopyResource between %q and %q with different descriptions", d.name, s.name)
			return
		}
		e.copyBufferRegion(d, 0, s, 0, uint64(len(s.data)))
	}, dst, src)
}

func (l *CommandList) BeginEvent(name string) { l.record(func(e *executor) { e.events++ }) }

func (l *CommandList) EndEvent() {
	l.record(func(e *executor) {
		e.events--
		if e.events < 0 {
			e.fail("EndEvent without a matching BeginEvent")
			e.events = 0
		}
	})
}

func (l *CommandList) SetMarker(name string) { l.record(func(e *executor) {}) }
