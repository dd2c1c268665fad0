package rhi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/google/uuid"
	"github.com/lunaengine/rhi/descriptor"
	"github.com/lunaengine/rhi/linear"
	"github.com/lunaengine/rhi/memutils"
	"github.com/lunaengine/rhi/native"
)

const maxPendingBarriers = 16

// retainer is implemented by the public resource wrappers. Contexts hold a reference to
// every wrapper they record until the recording is submitted.
type retainer interface {
	retain() releaser
}

func (b *ColorBuffer) retain() releaser      { return b.Retain() }
func (b *DepthBuffer) retain() releaser      { return b.Retain() }
func (b *GpuBuffer) retain() releaser        { return b.Retain() }
func (r *RootSignature) retain() releaser    { return r.Retain() }
func (s *DescriptorSet) retain() releaser    { return s.Retain() }
func (p *GraphicsPipeline) retain() releaser { return p.Retain() }
func (p *ComputePipeline) retain() releaser  { return p.Retain() }

// CommandContext records commands for one queue. A context is used by one goroutine at a
// time from Begin* until Finish, after which it returns to the device's pool.
type CommandContext struct {
	device    *Device
	logger    *slog.Logger
	id        uuid.UUID
	name      string
	queueType native.QueueType
	bindPoint native.BindPoint

	list      native.CommandList
	allocator native.CommandAllocator

	barriers    [maxPendingBarriers]native.Barrier
	numBarriers int

	cpuLinear       *linear.Allocator
	gpuLinear       *linear.Allocator
	dynamicViews    *descriptor.DynamicHeap
	dynamicSamplers *descriptor.DynamicHeap
	heaps           [2]native.DescriptorHeap

	rootSignature *RootSignature
	pipeline      native.PipelineState
	rendering     bool
	pendingEvent  bool

	held map[releaser]struct{}
}

func newCommandContext(device *Device, queueType native.QueueType) *CommandContext {
	c := &CommandContext{
		device:    device,
		logger:    device.logger,
		id:        uuid.New(),
		queueType: queueType,
		cpuLinear: linear.NewAllocator(device.logger, device.cpuPages),
		gpuLinear: linear.NewAllocator(device.logger, device.gpuPages),
		held:      make(map[releaser]struct{}),
	}
	c.dynamicViews = descriptor.NewDynamicHeap(device.logger, device.native, device.shaderVisible, c, native.DescriptorHeapCBVSRVUAV)
	c.dynamicSamplers = descriptor.NewDynamicHeap(device.logger, device.native, device.shaderVisible, c, native.DescriptorHeapSampler)
	return c
}

func (c *CommandContext) assertSucceeded(err error, message string) {
	if err == nil {
		return
	}

	c.logger.LogAttrs(context.Background(), slog.LevelError, message,
		slog.String("context", c.name),
		slog.String("queue", c.queueType.String()),
		slog.Any("error", err))
	panic(errors.Wrap(err, message))
}

// begin readies the context for recording with a fresh command allocator
func (c *CommandContext) begin(name string, bindPoint native.BindPoint) {
	c.name = name
	c.bindPoint = bindPoint

	q := c.device.queues.Queue(c.queueType)
	allocator, err := q.RequestAllocator()
	c.assertSucceeded(err, "failed to request a command allocator")
	c.allocator = allocator

	if c.list == nil {
		c.list, err = c.device.native.CreateCommandList(c.queueType, allocator)
		c.assertSucceeded(err, "failed to create a command list")
		c.list.SetName(fmt.Sprintf("%s%s CommandList %s", c.device.namePrefix(), c.queueType, c.id))
	} else {
		c.assertSucceeded(c.list.Reset(allocator, nil), "failed to reset a command list")
	}

	c.numBarriers = 0
	c.heaps = [2]native.DescriptorHeap{}
	c.rootSignature = nil
	c.pipeline = nil
	c.rendering = false
	c.pendingEvent = false

	if name != "" && c.debugEvents() {
		c.list.BeginEvent(name)
		c.pendingEvent = true
	}
}

func (c *CommandContext) debugEvents() bool {
	return c.device.flags&CreateDisableDebugEvents == 0
}

// ID is the debug identity of the context, stable across reuse
func (c *CommandContext) ID() uuid.UUID { return c.id }

func (c *CommandContext) Name() string                { return c.name }
func (c *CommandContext) QueueType() native.QueueType { return c.queueType }
func (c *CommandContext) BindPoint() native.BindPoint { return c.bindPoint }

// GetNativeObject returns the command list being recorded
func (c *CommandContext) GetNativeObject() native.CommandList { return c.list }

func (c *CommandContext) hold(object any) {
	if r, ok := object.(retainer); ok {
		if _, held := c.held[r.(releaser)]; !held {
			c.held[r.retain()] = struct{}{}
		}
	}
}

func (c *CommandContext) releaseHeld() {
	for r := range c.held {
		r.Release()
	}
	clear(c.held)
}

// Finish submits the recorded commands and returns the fence value signaled after they
// execute. Transient memory and descriptor heaps used by the context are recycled once that
// value completes. If wait is set, Finish blocks until then.
func (c *CommandContext) Finish(wait bool) FenceValue {
	if c.rendering {
		panic(fmt.Sprintf("context %q finished inside a render scope", c.name))
	}

	c.FlushResourceBarriers()
	if c.pendingEvent {
		c.list.EndEvent()
		c.pendingEvent = false
	}

	q := c.device.queues.Queue(c.queueType)
	fence := q.ExecuteCommandList(c.list)
	q.DiscardAllocator(fence, c.allocator)
	c.allocator = nil

	c.cpuLinear.CleanupUsedPages(fence)
	c.gpuLinear.CleanupUsedPages(fence)
	c.dynamicViews.CleanupUsedHeaps(fence)
	c.dynamicSamplers.CleanupUsedHeaps(fence)

	// held resources are released after submission so their retirement waits on fence
	c.releaseHeld()

	c.logger.Debug("CommandContext::Finish",
		slog.String("context", c.name),
		slog.String("fence", fence.String()),
		slog.Bool("wait", wait))

	if wait {
		c.assertSucceeded(q.WaitForFence(context.Background(), fence), "failed to wait for context fence")
	}

	c.device.contexts.free(c)
	return fence
}

func (c *CommandContext) appendBarrier(barrier native.Barrier) {
	if c.numBarriers >= maxPendingBarriers {
		panic(errors.AssertionFailedf("exceeded the limit of %d buffered barriers", maxPendingBarriers))
	}
	c.barriers[c.numBarriers] = barrier
	c.numBarriers++
}

func (c *CommandContext) assertLegalState(resource GpuResource, state native.ResourceState) {
	if !state.LegalOn(c.queueType) {
		panic(fmt.Sprintf("resource %q cannot be transitioned to or from %s on a %s queue",
			resource.GetNativeObject().Name(), state, c.queueType))
	}
}

// TransitionResource records a transition of resource to newState. Resources already in
// UnorderedAccess get a UAV barrier instead. Barriers are buffered until flush is set, the
// buffer fills or a command that depends on them is recorded.
func (c *CommandContext) TransitionResource(resource GpuResource, newState ResourceState, flush bool) {
	c.hold(resource)

	state := resource.state()
	oldState := state.usage

	c.assertLegalState(resource, oldState)
	c.assertLegalState(resource, newState)

	if oldState != newState {
		barrier := native.Barrier{
			Type:        native.BarrierTransition,
			Resource:    resource.GetNativeObject(),
			Subresource: native.AllSubresources,
			Before:      oldState,
			After:       newState,
		}

		// the end of a split barrier started by BeginResourceTransition
		if state.transitioning != native.ResourceStateUndefined && newState == state.transitioning {
			barrier.Flags = native.BarrierEndOnly
			state.transitioning = native.ResourceStateUndefined
		}

		c.appendBarrier(barrier)
		state.usage = newState
	} else if newState == native.ResourceStateUnorderedAccess {
		c.InsertUAVBarrier(resource, flush)
	}

	if flush || c.numBarriers == maxPendingBarriers {
		c.FlushResourceBarriers()
	}
}

// BeginResourceTransition records the first half of a split transition to newState. The
// matching TransitionResource call records the second half.
func (c *CommandContext) BeginResourceTransition(resource GpuResource, newState ResourceState, flush bool) {
	c.hold(resource)

	state := resource.state()

	// finish a split transition that is still open
	if state.transitioning != native.ResourceStateUndefined {
		c.TransitionResource(resource, state.transitioning, false)
	}

	oldState := state.usage
	c.assertLegalState(resource, oldState)
	c.assertLegalState(resource, newState)

	if oldState != newState {
		c.appendBarrier(native.Barrier{
			Type:        native.BarrierTransition,
			Flags:       native.BarrierBeginOnly,
			Resource:    resource.GetNativeObject(),
			Subresource: native.AllSubresources,
			Before:      oldState,
			After:       newState,
		})
		state.transitioning = newState
	}

	if flush || c.numBarriers == maxPendingBarriers {
		c.FlushResourceBarriers()
	}
}

// InsertUAVBarrier orders unordered access to resource before and after the barrier. A nil
// resource orders all unordered access.
func (c *CommandContext) InsertUAVBarrier(resource GpuResource, flush bool) {
	barrier := native.Barrier{Type: native.BarrierUAV}
	if resource != nil {
		c.hold(resource)
		barrier.Resource = resource.GetNativeObject()
	}
	c.appendBarrier(barrier)

	if flush || c.numBarriers == maxPendingBarriers {
		c.FlushResourceBarriers()
	}
}

func (c *CommandContext) FlushResourceBarriers() {
	if c.numBarriers == 0 {
		return
	}

	c.list.ResourceBarrier(append([]native.Barrier(nil), c.barriers[:c.numBarriers]...))
	c.numBarriers = 0
}

// SetDescriptorHeap binds a shader-visible heap, rebinding the heaps of both types when it
// changes
func (c *CommandContext) SetDescriptorHeap(heapType native.DescriptorHeapType, heap native.DescriptorHeap) {
	slot := 0
	if heapType == native.DescriptorHeapSampler {
		slot = 1
	}
	if c.heaps[slot] == heap {
		return
	}

	c.heaps[slot] = heap
	c.bindDescriptorHeaps()
}

func (c *CommandContext) bindDescriptorHeaps() {
	heaps := make([]native.DescriptorHeap, 0, len(c.heaps))
	for _, heap := range c.heaps {
		if heap != nil {
			heaps = append(heaps, heap)
		}
	}
	if len(heaps) > 0 {
		c.list.SetDescriptorHeaps(heaps)
	}
}

func (c *CommandContext) assertBindable() {
	if c.queueType == native.QueueCopy {
		panic(fmt.Sprintf("copy context %q cannot bind shader state", c.name))
	}
}

func (c *CommandContext) assertGraphics(operation string) {
	if c.bindPoint != native.BindGraphics || c.queueType != native.QueueGraphics {
		panic(fmt.Sprintf("%s recorded on %s context %q", operation, c.bindPoint, c.name))
	}
}

// SetRootSignature binds rs and lays out the context's dynamic descriptor caches from its
// descriptor tables
func (c *CommandContext) SetRootSignature(rs *RootSignature) {
	c.assertBindable()
	if c.rootSignature == rs {
		return
	}

	c.hold(rs)
	c.rootSignature = rs
	c.list.SetRootSignature(c.bindPoint, rs.GetNativeObject())

	layout := rs.Layout()
	if c.bindPoint == native.BindCompute {
		c.dynamicViews.ParseComputeRootSignature(layout)
		c.dynamicSamplers.ParseComputeRootSignature(layout)
	} else {
		c.dynamicViews.ParseGraphicsRootSignature(layout)
		c.dynamicSamplers.ParseGraphicsRootSignature(layout)
	}
}

func (c *CommandContext) SetGraphicsPipeline(pipeline *GraphicsPipeline) {
	c.assertGraphics("graphics pipeline")

	pso := pipeline.GetNativeObject()
	if c.pipeline == pso {
		return
	}

	c.hold(pipeline)
	c.pipeline = pso
	c.list.SetPipelineState(pso)
	c.list.IASetPrimitiveTopology(pipeline.Topology())
}

func (c *CommandContext) SetComputePipeline(pipeline *ComputePipeline) {
	c.assertBindable()
	if c.bindPoint != native.BindCompute {
		panic(fmt.Sprintf("compute pipeline bound on graphics context %q", c.name))
	}

	pso := pipeline.GetNativeObject()
	if c.pipeline == pso {
		return
	}

	c.hold(pipeline)
	c.pipeline = pso
	c.list.SetPipelineState(pso)
}

func (c *CommandContext) dynamicHeap(heapType native.DescriptorHeapType) *descriptor.DynamicHeap {
	if heapType == native.DescriptorHeapSampler {
		return c.dynamicSamplers
	}
	return c.dynamicViews
}

func (c *CommandContext) stageHandles(heap *descriptor.DynamicHeap, rootIndex, offset uint32, handles []native.CPUHandle) {
	if c.bindPoint == native.BindCompute {
		heap.SetComputeDescriptorHandles(rootIndex, offset, handles)
	} else {
		heap.SetGraphicsDescriptorHandles(rootIndex, offset, handles)
	}
}

// SetDescriptors binds the descriptors of set to the root parameter at rootIndex. Table
// entries are staged and copied to a shader-visible heap by the next draw or dispatch.
func (c *CommandContext) SetDescriptors(rootIndex uint32, set *DescriptorSet) {
	c.assertBindable()
	if c.rootSignature == nil {
		panic(fmt.Sprintf("descriptors set on context %q before a root signature", c.name))
	}

	data := set.data()
	if set.RootIndex() != rootIndex {
		panic(fmt.Sprintf("descriptor set of root parameter %d bound to root parameter %d on context %q", set.RootIndex(), rootIndex, c.name))
	}
	if data.rootSignature.handle != c.rootSignature.handle {
		panic(fmt.Sprintf("descriptor set of root signature %q bound on context %q with root signature %q",
			data.rootSignature.Name(), c.name, c.rootSignature.Name()))
	}

	c.hold(set)
	for _, resource := range data.resources {
		if resource != nil {
			c.hold(resource)
		}
	}

	if data.isRootBuffer {
		c.list.SetRootView(c.bindPoint, rootIndex, data.parameter.Type, set.GPUAddress())
		return
	}

	heap := c.dynamicHeap(data.heapType)
	data.written.Runs(func(start, length int) {
		c.stageHandles(heap, rootIndex, uint32(start), data.handles[start:start+length])
	})
}

// SetResources binds every descriptor set of set at its root parameter
func (c *CommandContext) SetResources(set *ResourceSet) {
	for rootIndex, descriptors := range set.sets {
		if descriptors != nil {
			c.SetDescriptors(uint32(rootIndex), descriptors)
		}
	}
}

// SetDynamicDescriptors stages CBV, SRV or UAV handles into the table at rootIndex
func (c *CommandContext) SetDynamicDescriptors(rootIndex, offset uint32, handles ...native.CPUHandle) {
	c.assertBindable()
	c.stageHandles(c.dynamicViews, rootIndex, offset, handles)
}

// SetDynamicSamplers stages sampler handles into the table at rootIndex
func (c *CommandContext) SetDynamicSamplers(rootIndex, offset uint32, handles ...native.CPUHandle) {
	c.assertBindable()
	c.stageHandles(c.dynamicSamplers, rootIndex, offset, handles)
}

func (c *CommandContext) SetRootCBV(rootIndex uint32, address native.GPUVirtualAddress) {
	c.assertBindable()
	c.list.SetRootView(c.bindPoint, rootIndex, native.RootParameterCBV, address)
}

func (c *CommandContext) SetRootSRV(rootIndex uint32, address native.GPUVirtualAddress) {
	c.assertBindable()
	c.list.SetRootView(c.bindPoint, rootIndex, native.RootParameterSRV, address)
}

func (c *CommandContext) SetRootUAV(rootIndex uint32, address native.GPUVirtualAddress) {
	c.assertBindable()
	c.list.SetRootView(c.bindPoint, rootIndex, native.RootParameterUAV, address)
}

// SetConstants writes root constants starting at the first constant of rootIndex
func (c *CommandContext) SetConstants(rootIndex uint32, values ...uint32) {
	c.SetConstantArray(rootIndex, values, 0)
}

func (c *CommandContext) SetConstantArray(rootIndex uint32, values []uint32, offset uint32) {
	c.assertBindable()
	c.list.SetRoot32BitConstants(c.bindPoint, rootIndex, values, offset)
}

// AllocateUploadMemory suballocates CPU-writable memory that stays valid until the context's
// submission completes
func (c *CommandContext) AllocateUploadMemory(size uint64) (linear.DynAlloc, error) {
	return c.cpuLinear.Allocate(size, linear.DefaultAlignment)
}

// AllocateScratchMemory suballocates GPU-exclusive, UAV-capable memory with the lifetime of
// the context's submission
func (c *CommandContext) AllocateScratchMemory(size, alignment uint64) (linear.DynAlloc, error) {
	return c.gpuLinear.Allocate(size, alignment)
}

func (c *CommandContext) upload(data []byte, alignment uint64) linear.DynAlloc {
	alloc, err := c.cpuLinear.Allocate(uint64(len(data)), alignment)
	c.assertSucceeded(err, "failed to allocate upload memory")
	copy(alloc.Data, data)
	return alloc
}

// SetDynamicConstantBufferView copies data into upload memory and binds it as the root CBV
// at rootIndex
func (c *CommandContext) SetDynamicConstantBufferView(rootIndex uint32, data []byte) {
	c.assertBindable()
	alloc := c.upload(data, constantBufferAlignment)
	c.list.SetRootView(c.bindPoint, rootIndex, native.RootParameterCBV, alloc.GPUAddress)
}

func (c *CommandContext) SetVertexBuffer(slot uint32, buffer *GpuBuffer) {
	c.assertGraphics("vertex buffer")
	c.hold(buffer)
	c.list.IASetVertexBuffers(slot, []native.VertexBufferView{buffer.VertexBufferView()})
}

func (c *CommandContext) SetIndexBuffer(buffer *GpuBuffer) {
	c.assertGraphics("index buffer")
	c.hold(buffer)
	view := buffer.IndexBufferView()
	c.list.IASetIndexBuffer(&view)
}

// SetDynamicVB copies vertex data into upload memory and binds it at slot
func (c *CommandContext) SetDynamicVB(slot uint32, stride uint32, data []byte) {
	c.assertGraphics("vertex buffer")
	alloc := c.upload(data, 16)
	c.list.IASetVertexBuffers(slot, []native.VertexBufferView{{
		Location:      alloc.GPUAddress,
		SizeInBytes:   uint32(len(data)),
		StrideInBytes: stride,
	}})
}

// SetDynamicIB copies index data into upload memory and binds it
func (c *CommandContext) SetDynamicIB(data []byte, is32Bit bool) {
	c.assertGraphics("index buffer")
	alloc := c.upload(data, 16)
	c.list.IASetIndexBuffer(&native.IndexBufferView{
		Location:    alloc.GPUAddress,
		SizeInBytes: uint32(len(data)),
		Is32Bit:     is32Bit,
	})
}

func (c *CommandContext) SetViewport(viewport Viewport) {
	c.assertGraphics("viewport")
	c.list.RSSetViewports([]native.Viewport{viewport})
}

func (c *CommandContext) SetScissor(rect Rect) {
	c.assertGraphics("scissor")
	c.list.RSSetScissorRects([]native.Rect{rect})
}

// SetViewportAndScissor sets a viewport with the full depth range and a matching scissor
func (c *CommandContext) SetViewportAndScissor(x, y, width, height uint32) {
	c.SetViewport(Viewport{X: float32(x), Y: float32(y), Width: float32(width), Height: float32(height), MaxDepth: 1})
	c.SetScissor(Rect{Left: int32(x), Top: int32(y), Right: int32(x + width), Bottom: int32(y + height)})
}

func (c *CommandContext) SetStencilRef(ref uint32) {
	c.assertGraphics("stencil reference")
	c.list.OMSetStencilRef(ref)
}

func (c *CommandContext) SetBlendFactor(factor [4]float32) {
	c.assertGraphics("blend factor")
	c.list.OMSetBlendFactor(factor)
}

func (c *CommandContext) SetPrimitiveTopology(topology gputypes.PrimitiveTopology) {
	c.assertGraphics("primitive topology")
	c.list.IASetPrimitiveTopology(topology)
}

func depthState(aspect DepthStencilAspect) native.ResourceState {
	if aspect == DepthStencilReadOnly || aspect == DepthReadOnly {
		return native.ResourceStateDepthRead
	}
	return native.ResourceStateDepthWrite
}

// BeginRendering transitions and binds the render targets and sets a viewport and scissor
// covering the first of them. depth may be nil. Draws are legal until EndRendering.
func (c *CommandContext) BeginRendering(colors []*ColorBuffer, depth *DepthBuffer, aspect DepthStencilAspect) {
	c.assertGraphics("render scope")
	if c.rendering {
		panic(fmt.Sprintf("context %q began rendering inside a render scope", c.name))
	}
	if len(colors) == 0 && depth == nil {
		panic(fmt.Sprintf("context %q began rendering without targets", c.name))
	}

	var width uint64
	var height uint32

	rtvs := make([]native.CPUHandle, 0, len(colors))
	for _, color := range colors {
		c.TransitionResource(color, native.ResourceStateRenderTarget, false)
		rtvs = append(rtvs, color.RTV())
		if width == 0 {
			width, height = color.Width(), color.Height()
		}
	}

	var dsv *native.CPUHandle
	if depth != nil {
		c.TransitionResource(depth, depthState(aspect), false)
		handle := depth.DSV(aspect)
		dsv = &handle
		if width == 0 {
			width, height = depth.Width(), depth.Height()
		}
	}

	c.FlushResourceBarriers()
	c.list.OMSetRenderTargets(rtvs, dsv)
	c.SetViewportAndScissor(0, 0, uint32(width), height)
	c.rendering = true
}

func (c *CommandContext) EndRendering() {
	if !c.rendering {
		panic(fmt.Sprintf("context %q ended rendering outside a render scope", c.name))
	}
	c.rendering = false
}

// ClearColor clears buffer to its clear color. The buffer must be in RenderTarget.
func (c *CommandContext) ClearColor(buffer *ColorBuffer) {
	c.ClearColorValue(buffer, buffer.ClearColor())
}

func (c *CommandContext) ClearColorValue(buffer *ColorBuffer, color [4]float32) {
	c.assertGraphics("clear")
	c.hold(buffer)
	c.FlushResourceBarriers()
	c.list.ClearRenderTargetView(buffer.RTV(), color)
}

func (c *CommandContext) clearDepthStencil(buffer *DepthBuffer, flags native.ClearFlags) {
	c.assertGraphics("clear")
	c.hold(buffer)
	c.FlushResourceBarriers()
	c.list.ClearDepthStencilView(buffer.DSV(DepthStencilReadWrite), flags, buffer.ClearDepth(), buffer.ClearStencil())
}

func (c *CommandContext) ClearDepth(buffer *DepthBuffer) {
	c.clearDepthStencil(buffer, native.ClearDepth)
}

func (c *CommandContext) ClearStencil(buffer *DepthBuffer) {
	c.clearDepthStencil(buffer, native.ClearStencil)
}

func (c *CommandContext) ClearDepthAndStencil(buffer *DepthBuffer) {
	c.clearDepthStencil(buffer, native.ClearDepth|native.ClearStencil)
}

// ClearUAV fills the unordered access view of resource with values. The resource must be in
// UnorderedAccess.
func (c *CommandContext) ClearUAV(resource interface {
	GpuResource
	UAVSource
}, values [4]float32) {
	c.assertBindable()
	c.hold(resource)

	cpu := resource.UAV()
	if cpu == 0 {
		panic(fmt.Sprintf("resource %q has no unordered access view", resource.GetNativeObject().Name()))
	}

	c.FlushResourceBarriers()
	gpu := c.dynamicViews.UploadDirect(cpu)
	c.list.ClearUnorderedAccessViewFloat(gpu, cpu, resource.GetNativeObject(), values)
}

func (c *CommandContext) prepareDraw() {
	c.assertGraphics("draw")
	if !c.rendering {
		panic(fmt.Sprintf("draw recorded on context %q outside a render scope", c.name))
	}

	c.FlushResourceBarriers()
	c.dynamicViews.CommitGraphicsRootDescriptorTables(c.list)
	c.dynamicSamplers.CommitGraphicsRootDescriptorTables(c.list)
}

func (c *CommandContext) Draw(vertexCount, startVertex uint32) {
	c.DrawInstanced(vertexCount, 1, startVertex, 0)
}

func (c *CommandContext) DrawIndexed(indexCount, startIndex uint32, baseVertex int32) {
	c.DrawIndexedInstanced(indexCount, 1, startIndex, baseVertex, 0)
}

func (c *CommandContext) DrawInstanced(vertexCountPerInstance, instanceCount, startVertex, startInstance uint32) {
	c.prepareDraw()
	c.list.DrawInstanced(vertexCountPerInstance, instanceCount, startVertex, startInstance)
}

func (c *CommandContext) DrawIndexedInstanced(indexCountPerInstance, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32) {
	c.prepareDraw()
	c.list.DrawIndexedInstanced(indexCountPerInstance, instanceCount, startIndex, baseVertex, startInstance)
}

// Dispatch records a compute dispatch. It is legal on compute contexts inside and outside
// render scopes.
func (c *CommandContext) Dispatch(groupsX, groupsY, groupsZ uint32) {
	c.assertBindable()
	if c.bindPoint != native.BindCompute {
		panic(fmt.Sprintf("dispatch recorded on graphics context %q", c.name))
	}

	c.FlushResourceBarriers()
	c.dynamicViews.CommitComputeRootDescriptorTables(c.list)
	c.dynamicSamplers.CommitComputeRootDescriptorTables(c.list)
	c.list.Dispatch(groupsX, groupsY, groupsZ)
}

// Dispatch1D dispatches enough groups of groupSizeX threads to cover threadCountX
func (c *CommandContext) Dispatch1D(threadCountX, groupSizeX uint32) {
	c.Dispatch(memutils.DivideRoundingUp(threadCountX, groupSizeX), 1, 1)
}

func (c *CommandContext) Dispatch2D(threadCountX, threadCountY, groupSizeX, groupSizeY uint32) {
	c.Dispatch(
		memutils.DivideRoundingUp(threadCountX, groupSizeX),
		memutils.DivideRoundingUp(threadCountY, groupSizeY),
		1)
}

func (c *CommandContext) Dispatch3D(threadCountX, threadCountY, threadCountZ, groupSizeX, groupSizeY, groupSizeZ uint32) {
	c.Dispatch(
		memutils.DivideRoundingUp(threadCountX, groupSizeX),
		memutils.DivideRoundingUp(threadCountY, groupSizeY),
		memutils.DivideRoundingUp(threadCountZ, groupSizeZ))
}

// CopyBuffer copies the whole of src into dst, which must have the same size
func (c *CommandContext) CopyBuffer(dst, src GpuResource) {
	c.TransitionResource(dst, native.ResourceStateCopyDest, false)
	c.TransitionResource(src, native.ResourceStateCopySource, false)
	c.FlushResourceBarriers()
	c.list.CopyResource(dst.GetNativeObject(), src.GetNativeObject())
}

func (c *CommandContext) CopyBufferRegion(dst GpuResource, dstOffset uint64, src GpuResource, srcOffset uint64, numBytes uint64) {
	c.TransitionResource(dst, native.ResourceStateCopyDest, false)
	c.TransitionResource(src, native.ResourceStateCopySource, false)
	c.FlushResourceBarriers()
	c.list.CopyBufferRegion(dst.GetNativeObject(), dstOffset, src.GetNativeObject(), srcOffset, numBytes)
}

// InitializeBuffer copies data into dest at offset through upload memory. dest ends in
// GenericRead, or Common on copy contexts.
func (c *CommandContext) InitializeBuffer(dest GpuResource, data []byte, offset uint64) error {
	staging, err := c.cpuLinear.Allocate(uint64(len(data)), 0)
	if err != nil {
		return errors.Wrapf(err, "failed to stage %d bytes for %q", len(data), dest.GetNativeObject().Name())
	}
	copy(staging.Data, data)

	c.TransitionResource(dest, native.ResourceStateCopyDest, true)
	c.list.CopyBufferRegion(dest.GetNativeObject(), offset, staging.Buffer, staging.Offset, uint64(len(data)))

	final := native.ResourceStateGenericRead
	if c.queueType == native.QueueCopy {
		final = native.ResourceStateCommon
	}
	c.TransitionResource(dest, final, true)
	return nil
}

func (c *CommandContext) BeginEvent(name string) {
	if c.debugEvents() {
		c.list.BeginEvent(name)
	}
}

func (c *CommandContext) EndEvent() {
	if c.debugEvents() {
		c.list.EndEvent()
	}
}

func (c *CommandContext) SetMarker(name string) {
	if c.debugEvents() {
		c.list.SetMarker(name)
	}
}
