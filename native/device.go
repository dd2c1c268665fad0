package native

import "github.com/gogpu/gputypes"

//go:generate mockgen -destination=mocks/mocks.go -package=mocks github.com/lunaengine/rhi/native Fence,CommandQueue

// Object is implemented by every native object
type Object interface {
	Name() string
	SetName(name string)
	// Release drops the object. Releasing an object the GPU may still access is a usage error.
	Release()
}

// Device creates native objects and performs CPU-timeline descriptor operations
type Device interface {
	CreateCommandQueue(queueType QueueType) (CommandQueue, error)
	CreateFence(initialValue uint64) (Fence, error)
	CreateCommandAllocator(queueType QueueType) (CommandAllocator, error)
	// CreateCommandList returns a list in the recording state using the provided allocator
	CreateCommandList(queueType QueueType, allocator CommandAllocator) (CommandList, error)

	CreateDescriptorHeap(heapType DescriptorHeapType, numDescriptors uint32, shaderVisible bool) (DescriptorHeap, error)
	// DescriptorIncrementSize is the distance between adjacent descriptor handles of a heap type
	DescriptorIncrementSize(heapType DescriptorHeapType) uint32
	// CopyDescriptors copies descriptor ranges between heaps. The total number of source and
	// destination descriptors must match. A nil size slice treats every range as one descriptor.
	CopyDescriptors(dstStarts []CPUHandle, dstSizes []uint32, srcStarts []CPUHandle, srcSizes []uint32, heapType DescriptorHeapType)
	CopyDescriptorsSimple(count uint32, dst, src CPUHandle, heapType DescriptorHeapType)

	CreateCommittedResource(heap HeapKind, desc ResourceDesc, initialState ResourceState, clear *ClearValue) (Resource, error)
	// CreateView writes a view of resource into dst. Constant buffer views pass a nil resource.
	CreateView(resource Resource, desc ViewDesc, dst CPUHandle)
	CreateSampler(desc SamplerDesc, dst CPUHandle)

	CreateRootSignature(desc RootSignatureDesc) (RootSignature, error)
	CreateGraphicsPipelineState(desc GraphicsPipelineDesc) (PipelineState, error)
	CreateComputePipelineState(desc ComputePipelineDesc) (PipelineState, error)
}

// CommandQueue executes command lists in submission order
type CommandQueue interface {
	Object
	Type() QueueType
	ExecuteCommandLists(lists ...CommandList)
	// Signal sets fence to value on the GPU timeline once all previously submitted work completes
	Signal(fence Fence, value uint64) error
}

// Fence is a GPU/CPU synchronization counter
type Fence interface {
	Object
	CompletedValue() uint64
	// Signal sets the fence value from the CPU
	Signal(value uint64) error
	// SetEventOnCompletion returns a channel closed once the completed value reaches value
	SetEventOnCompletion(value uint64) <-chan struct{}
}

// CommandAllocator backs the memory of recorded command lists
type CommandAllocator interface {
	Object
	Type() QueueType
	// Reset reclaims the allocator's memory. It fails while the GPU may still execute lists
	// recorded with it.
	Reset() error
}

// DescriptorHeap is a contiguous array of descriptors
type DescriptorHeap interface {
	Object
	Type() DescriptorHeapType
	NumDescriptors() uint32
	ShaderVisible() bool
	CPUStart() CPUHandle
	// GPUStart is the null handle for heaps that are not shader visible
	GPUStart() GPUHandle
}

// Resource is a committed GPU resource
type Resource interface {
	Object
	Desc() ResourceDesc
	Heap() HeapKind
	// GPUVirtualAddress is the null address for textures
	GPUVirtualAddress() GPUVirtualAddress
	// Map returns the CPU view of an upload or readback resource
	Map() ([]byte, error)
	Unmap()
}

type RootSignature interface {
	Object
}

type PipelineState interface {
	Object
}

// BindPoint selects the graphics or compute root binding state of a command list
type BindPoint uint8

const (
	BindGraphics BindPoint = iota
	BindCompute
)

func (b BindPoint) String() string {
	if b == BindCompute {
		return "Compute"
	}
	return "Graphics"
}

// BarrierType is the kind of resource barrier
type BarrierType uint8

const (
	BarrierTransition BarrierType = iota
	BarrierUAV
	BarrierAliasing
)

// BarrierFlags splits a transition barrier into a begin and an end half
type BarrierFlags uint8

const (
	BarrierBeginOnly BarrierFlags = 1 << iota
	BarrierEndOnly
)

// AllSubresources addresses every subresource of a resource
const AllSubresources uint32 = 0xffffffff

// Barrier is a resource barrier
type Barrier struct {
	Type        BarrierType
	Flags       BarrierFlags
	Resource    Resource
	Subresource uint32
	Before      ResourceState
	After       ResourceState
}

type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

type Rect struct {
	Left, Top, Right, Bottom int32
}

type VertexBufferView struct {
	Location      GPUVirtualAddress
	SizeInBytes   uint32
	StrideInBytes uint32
}

type IndexBufferView struct {
	Location    GPUVirtualAddress
	SizeInBytes uint32
	Is32Bit     bool
}

// ClearFlags selects the aspects ClearDepthStencilView clears
type ClearFlags uint8

const (
	ClearDepth ClearFlags = 1 << iota
	ClearStencil
)

// CommandList records GPU commands
type CommandList interface {
	Object
	Type() QueueType
	Close() error
	Reset(allocator CommandAllocator, initialState PipelineState) error

	ResourceBarrier(barriers []Barrier)

	SetDescriptorHeaps(heaps []DescriptorHeap)
	SetPipelineState(pso PipelineState)
	SetRootSignature(bindPoint BindPoint, rootSignature RootSignature)
	SetRootDescriptorTable(bindPoint BindPoint, rootIndex uint32, base GPUHandle)
	SetRoot32BitConstants(bindPoint BindPoint, rootIndex uint32, values []uint32, destOffset uint32)
	SetRootView(bindPoint BindPoint, rootIndex uint32, viewType RootParameterType, address GPUVirtualAddress)

	OMSetRenderTargets(rtvs []CPUHandle, dsv *CPUHandle)
	OMSetStencilRef(ref uint32)
	OMSetBlendFactor(factor [4]float32)
	RSSetViewports(viewports []Viewport)
	RSSetScissorRects(rects []Rect)
	IASetPrimitiveTopology(topology gputypes.PrimitiveTopology)
	IASetVertexBuffers(startSlot uint32, views []VertexBufferView)
	IASetIndexBuffer(view *IndexBufferView)

	ClearRenderTargetView(rtv CPUHandle, color [4]float32)
	ClearDepthStencilView(dsv CPUHandle, flags ClearFlags, depth float32, stencil uint8)
	ClearUnorderedAccessViewFloat(gpu GPUHandle, cpu CPUHandle, resource Resource, values [4]float32)

	DrawInstanced(vertexCountPerInstance, instanceCount, startVertex, startInstance uint32)
	DrawIndexedInstanced(indexCountPerInstance, instanceCount, startIndex uint32, baseVertex int32, startInstance uint32)
	Dispatch(groupsX, groupsY, groupsZ uint32)

	CopyBufferRegion(dst Resource, dstOffset uint64, src Resource, srcOffset uint64, numBytes uint64)
	CopyResource(dst, src Resource)

	BeginEvent(name string)
	EndEvent()
	SetMarker(name string)
}
