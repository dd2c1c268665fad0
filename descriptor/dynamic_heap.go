package descriptor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lunaengine/rhi/native"
	"github.com/lunaengine/rhi/queue"
)

// HeapBinder binds shader-visible descriptor heaps on the command list a dynamic heap
// records into
type HeapBinder interface {
	SetDescriptorHeap(heapType native.DescriptorHeapType, heap native.DescriptorHeap)
}

// DynamicHeap gathers descriptors staged from CPU-only heaps into a shader-visible heap when
// a draw or dispatch is recorded. It belongs to one command context and is not safe for
// concurrent use. Exhausted heaps are retired and returned to the owning ShaderVisiblePool
// by CleanupUsedHeaps once the context has been submitted.
type DynamicHeap struct {
	logger    *slog.Logger
	device    native.Device
	pool      *ShaderVisiblePool
	binder    HeapBinder
	heapType  native.DescriptorHeapType
	increment uint32

	current native.DescriptorHeap
	first   Handle
	offset  uint32
	retired []native.DescriptorHeap

	graphics handleCache
	compute  handleCache
}

func NewDynamicHeap(logger *slog.Logger, device native.Device, pool *ShaderVisiblePool, binder HeapBinder, heapType native.DescriptorHeapType) *DynamicHeap {
	if !heapType.ShaderVisible() {
		panic(fmt.Sprintf("%s descriptor heaps cannot be shader visible", heapType))
	}

	return &DynamicHeap{
		logger:    logger,
		device:    device,
		pool:      pool,
		binder:    binder,
		heapType:  heapType,
		increment: device.DescriptorIncrementSize(heapType),
	}
}

func (h *DynamicHeap) Type() native.DescriptorHeapType {
	return h.heapType
}

// CleanupUsedHeaps hands every heap this context has written to back to the pool at fence
// and clears the staged tables
func (h *DynamicHeap) CleanupUsedHeaps(fence queue.FenceValue) {
	h.retireCurrentHeap()
	h.retireUsedHeaps(fence)
	h.graphics.clear()
	h.compute.clear()
}

func (h *DynamicHeap) ParseGraphicsRootSignature(layout TableLayout) {
	h.graphics.parse(h.heapType, layout)
}

func (h *DynamicHeap) ParseComputeRootSignature(layout TableLayout) {
	h.compute.parse(h.heapType, layout)
}

// SetGraphicsDescriptorHandles stages handles into the descriptor table at rootIndex starting
// at offset
func (h *DynamicHeap) SetGraphicsDescriptorHandles(rootIndex, offset uint32, handles []native.CPUHandle) {
	h.graphics.stage(h.heapType, rootIndex, offset, handles)
}

func (h *DynamicHeap) SetComputeDescriptorHandles(rootIndex, offset uint32, handles []native.CPUHandle) {
	h.compute.stage(h.heapType, rootIndex, offset, handles)
}

// CommitGraphicsRootDescriptorTables copies stale graphics tables into the shader-visible
// heap and binds them. Nothing is recorded when no table changed since the last commit.
func (h *DynamicHeap) CommitGraphicsRootDescriptorTables(list native.CommandList) {
	if !h.graphics.stale.Empty() {
		h.copyAndBindStagedTables(&h.graphics, list, native.BindGraphics)
	}
}

func (h *DynamicHeap) CommitComputeRootDescriptorTables(list native.CommandList) {
	if !h.compute.stale.Empty() {
		h.copyAndBindStagedTables(&h.compute, list, native.BindCompute)
	}
}

// UploadDirect copies one descriptor into the shader-visible heap and returns its GPU handle
func (h *DynamicHeap) UploadDirect(handle native.CPUHandle) native.GPUHandle {
	if !h.hasSpace(1) {
		h.retireCurrentHeap()
		h.UnbindAllValid()
	}

	h.binder.SetDescriptorHeap(h.heapType, h.heap())

	dest := h.allocate(1)
	h.device.CopyDescriptorsSimple(1, dest.CPU, handle, h.heapType)

	return dest.GPU
}

// UnbindAllValid marks every table with staged descriptors stale so the next commit copies
// them into the current heap
func (h *DynamicHeap) UnbindAllValid() {
	h.graphics.unbindAllValid()
	h.compute.unbindAllValid()
}

func (h *DynamicHeap) copyAndBindStagedTables(cache *handleCache, list native.CommandList, bindPoint native.BindPoint) {
	needed := cache.stagedSize()
	if !h.hasSpace(needed) {
		h.retireCurrentHeap()
		h.UnbindAllValid()
		needed = cache.stagedSize()
	}

	if needed > h.pool.DescriptorsPerHeap() {
		panic(fmt.Sprintf("%d staged %s descriptors do not fit in a dynamic heap of %d", needed, h.heapType, h.pool.DescriptorsPerHeap()))
	}

	h.binder.SetDescriptorHeap(h.heapType, h.heap())
	cache.copyAndBindStaleTables(h.device, h.heapType, h.increment, h.allocate(needed), list, bindPoint)
}

func (h *DynamicHeap) hasSpace(count uint32) bool {
	return h.current != nil && h.offset+count <= h.pool.DescriptorsPerHeap()
}

func (h *DynamicHeap) heap() native.DescriptorHeap {
	if h.current == nil {
		heap, err := h.pool.RequestHeap(h.heapType)
		if err != nil {
			h.logger.LogAttrs(context.Background(), slog.LevelError, "failed to request dynamic descriptor heap",
				slog.String("type", h.heapType.String()),
				slog.Any("error", err))
			panic(err)
		}

		h.current = heap
		h.offset = 0
		h.first = Handle{CPU: heap.CPUStart(), GPU: heap.GPUStart()}
	}
	return h.current
}

func (h *DynamicHeap) allocate(count uint32) Handle {
	handle := h.first.Offset(h.offset, h.increment)
	h.offset += count
	return handle
}

func (h *DynamicHeap) retireCurrentHeap() {
	// unused heaps stay current
	if h.offset == 0 {
		return
	}

	h.retired = append(h.retired, h.current)
	h.current = nil
	h.offset = 0
}

func (h *DynamicHeap) retireUsedHeaps(fence queue.FenceValue) {
	if len(h.retired) == 0 {
		return
	}

	h.logger.Debug("DynamicDescriptorHeap::RetireUsedHeaps",
		slog.String("type", h.heapType.String()),
		slog.Int("heaps", len(h.retired)),
		slog.String("fence", fence.String()))

	h.pool.DiscardHeaps(h.heapType, fence, h.retired)
	h.retired = nil
}
