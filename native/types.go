// Package native declares the object model of the explicit graphics API the RHI core drives:
// queues, fences, command allocators and lists, descriptor heaps, committed resources, root
// signatures and pipeline state objects. Implementations adapt a real driver; the soft
// subpackage provides an in-process one.
package native

import (
	"fmt"

	"github.com/vkngwrapper/core/v2/common"
)

// QueueType identifies a hardware engine class
type QueueType uint8

const (
	QueueGraphics QueueType = iota
	QueueCompute
	QueueCopy

	// QueueTypeCount is the number of queue types
	QueueTypeCount = 3
)

var queueTypeNames = [QueueTypeCount]string{"Graphics", "Compute", "Copy"}

func (t QueueType) String() string {
	if int(t) < len(queueTypeNames) {
		return queueTypeNames[t]
	}
	return fmt.Sprintf("QueueType(%d)", t)
}

// DescriptorHeapType identifies which kind of descriptor a heap stores
type DescriptorHeapType uint8

const (
	DescriptorHeapCBVSRVUAV DescriptorHeapType = iota
	DescriptorHeapSampler
	DescriptorHeapRTV
	DescriptorHeapDSV

	// DescriptorHeapTypeCount is the number of descriptor heap types
	DescriptorHeapTypeCount = 4
)

var descriptorHeapTypeNames = [DescriptorHeapTypeCount]string{"CBV_SRV_UAV", "Sampler", "RTV", "DSV"}

func (t DescriptorHeapType) String() string {
	if int(t) < len(descriptorHeapTypeNames) {
		return descriptorHeapTypeNames[t]
	}
	return fmt.Sprintf("DescriptorHeapType(%d)", t)
}

// ShaderVisible reports whether heaps of this type may be bound for shader access
func (t DescriptorHeapType) ShaderVisible() bool {
	return t == DescriptorHeapCBVSRVUAV || t == DescriptorHeapSampler
}

// CPUHandle addresses a descriptor in a heap from the CPU. Zero is the null handle.
type CPUHandle uint64

// Offset returns the handle count descriptors further along a heap with the given increment
func (h CPUHandle) Offset(count, increment uint32) CPUHandle {
	return h + CPUHandle(uint64(count)*uint64(increment))
}

// GPUHandle addresses a descriptor in a shader-visible heap from the GPU. Zero is the null handle.
type GPUHandle uint64

func (h GPUHandle) Offset(count, increment uint32) GPUHandle {
	return h + GPUHandle(uint64(count)*uint64(increment))
}

// GPUVirtualAddress is the GPU address of buffer memory
type GPUVirtualAddress uint64

const (
	// NullAddress is the GPU address of no resource
	NullAddress GPUVirtualAddress = 0
)

// HeapKind selects the memory pool a committed resource is placed in
type HeapKind uint8

const (
	// HeapDefault is GPU-local memory, not CPU accessible
	HeapDefault HeapKind = iota
	// HeapUpload is CPU-writable, GPU-readable memory
	HeapUpload
	// HeapReadback is GPU-writable, CPU-readable memory
	HeapReadback
)

var heapKindNames = [...]string{"Default", "Upload", "Readback"}

func (k HeapKind) String() string {
	if int(k) < len(heapKindNames) {
		return heapKindNames[k]
	}
	return fmt.Sprintf("HeapKind(%d)", k)
}

// ResourceState is the usage a resource is prepared for on the GPU timeline
type ResourceState int32

var resourceStateMapping = common.NewFlagStringMapping[ResourceState]()

func (s ResourceState) Register(str string) {
	resourceStateMapping.Register(s, str)
}
func (s ResourceState) String() string {
	if s == ResourceStateUndefined {
		return "Undefined"
	}
	return resourceStateMapping.FlagsToString(s)
}

const (
	ResourceStateUndefined ResourceState = 0
	ResourceStateCommon    ResourceState = 1 << (iota - 1)
	ResourceStateConstantBuffer
	ResourceStateVertexBuffer
	ResourceStateIndexBuffer
	ResourceStateIndirectArgument
	ResourceStateNonPixelShaderResource
	ResourceStatePixelShaderResource
	ResourceStateUnorderedAccess
	ResourceStateRenderTarget
	ResourceStateDepthWrite
	ResourceStateDepthRead
	ResourceStateStreamOut
	ResourceStateCopyDest
	ResourceStateCopySource
	ResourceStateResolveDest
	ResourceStateResolveSource
	ResourceStatePresent

	// ResourceStateShaderResource is readable from every shader stage
	ResourceStateShaderResource = ResourceStateNonPixelShaderResource | ResourceStatePixelShaderResource
	// ResourceStateGenericRead is the required state of upload heap resources
	ResourceStateGenericRead = ResourceStateConstantBuffer | ResourceStateVertexBuffer |
		ResourceStateIndexBuffer | ResourceStateIndirectArgument | ResourceStateShaderResource |
		ResourceStateCopySource
)

func init() {
	ResourceStateCommon.Register("Common")
	ResourceStateConstantBuffer.Register("ConstantBuffer")
	ResourceStateVertexBuffer.Register("VertexBuffer")
	ResourceStateIndexBuffer.Register("IndexBuffer")
	ResourceStateIndirectArgument.Register("IndirectArgument")
	ResourceStateNonPixelShaderResource.Register("NonPixelShaderResource")
	ResourceStatePixelShaderResource.Register("PixelShaderResource")
	ResourceStateUnorderedAccess.Register("UnorderedAccess")
	ResourceStateRenderTarget.Register("RenderTarget")
	ResourceStateDepthWrite.Register("DepthWrite")
	ResourceStateDepthRead.Register("DepthRead")
	ResourceStateStreamOut.Register("StreamOut")
	ResourceStateCopyDest.Register("CopyDest")
	ResourceStateCopySource.Register("CopySource")
	ResourceStateResolveDest.Register("ResolveDest")
	ResourceStateResolveSource.Register("ResolveSource")
	ResourceStatePresent.Register("Present")
}

const (
	// computeQueueStates are the only states a compute queue may transition between
	computeQueueStates = ResourceStateCommon | ResourceStateUnorderedAccess |
		ResourceStateNonPixelShaderResource | ResourceStateCopyDest | ResourceStateCopySource |
		ResourceStateIndirectArgument | ResourceStateConstantBuffer
	// copyQueueStates are the only states a copy queue may transition between
	copyQueueStates = ResourceStateCommon | ResourceStateCopyDest | ResourceStateCopySource
)

// LegalOn reports whether a resource may be transitioned to or from this state by a command
// list of the given queue type
func (s ResourceState) LegalOn(t QueueType) bool {
	switch t {
	case QueueCompute:
		return s&^computeQueueStates == 0
	case QueueCopy:
		return s&^copyQueueStates == 0
	default:
		return true
	}
}
