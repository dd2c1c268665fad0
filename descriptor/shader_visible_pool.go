package descriptor

import (
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/lunaengine/rhi/internal/utils"
	"github.com/lunaengine/rhi/memutils"
	"github.com/lunaengine/rhi/native"
	"github.com/lunaengine/rhi/queue"
)

// DefaultDynamicDescriptorsPerHeap is the shader-visible heap size used when none is provided
const DefaultDynamicDescriptorsPerHeap uint32 = 1024

type retiredHeap struct {
	fence queue.FenceValue
	heap  native.DescriptorHeap
}

type heapPool struct {
	all       []native.DescriptorHeap
	retired   []retiredHeap
	available []native.DescriptorHeap
}

// ShaderVisiblePool recycles the shader-visible heaps used by dynamic heaps. A heap handed
// back with DiscardHeaps is only given out again once the fence value it was retired at has
// completed.
type ShaderVisiblePool struct {
	logger  *slog.Logger
	device  native.Device
	tracker queue.Tracker
	perHeap uint32

	mutex utils.OptionalMutex
	pools [2]heapPool
}

func NewShaderVisiblePool(logger *slog.Logger, device native.Device, tracker queue.Tracker, descriptorsPerHeap uint32, useMutex bool) *ShaderVisiblePool {
	if descriptorsPerHeap == 0 {
		descriptorsPerHeap = DefaultDynamicDescriptorsPerHeap
	}

	return &ShaderVisiblePool{
		logger:  logger,
		device:  device,
		tracker: tracker,
		perHeap: descriptorsPerHeap,
		mutex:   utils.NewOptionalMutex(useMutex),
	}
}

func poolIndex(heapType native.DescriptorHeapType) int {
	switch heapType {
	case native.DescriptorHeapCBVSRVUAV:
		return 0
	case native.DescriptorHeapSampler:
		return 1
	}
	panic(fmt.Sprintf("%s descriptor heaps cannot be shader visible", heapType))
}

func (p *ShaderVisiblePool) DescriptorsPerHeap() uint32 {
	return p.perHeap
}

// RequestHeap returns a shader-visible heap the GPU no longer reads, creating one if none is
// available
func (p *ShaderVisiblePool) RequestHeap(heapType native.DescriptorHeapType) (native.DescriptorHeap, error) {
	idx := poolIndex(heapType)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	pool := &p.pools[idx]
	for len(pool.retired) > 0 && p.tracker.IsFenceComplete(pool.retired[0].fence) {
		pool.available = append(pool.available, pool.retired[0].heap)
		pool.retired = pool.retired[1:]
	}

	if len(pool.available) > 0 {
		heap := pool.available[0]
		pool.available = pool.available[1:]
		return heap, nil
	}

	heap, err := p.device.CreateDescriptorHeap(heapType, p.perHeap, true)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create shader-visible %s descriptor heap", heapType)
	}
	heap.SetName(fmt.Sprintf("DynamicDescriptorHeap [%s] %d", heapType, len(pool.all)))
	pool.all = append(pool.all, heap)

	p.logger.Debug("ShaderVisiblePool::RequestHeap created heap",
		slog.String("type", heapType.String()),
		slog.Int("heaps", len(pool.all)))

	return heap, nil
}

// DiscardHeaps hands heaps back to the pool. They are reused after fence completes.
func (p *ShaderVisiblePool) DiscardHeaps(heapType native.DescriptorHeapType, fence queue.FenceValue, heaps []native.DescriptorHeap) {
	idx := poolIndex(heapType)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, heap := range heaps {
		p.pools[idx].retired = append(p.pools[idx].retired, retiredHeap{fence: fence, heap: heap})
	}
}

// HeapCount returns the number of heaps of heapType created by the pool
func (p *ShaderVisiblePool) HeapCount(heapType native.DescriptorHeapType) int {
	idx := poolIndex(heapType)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.pools[idx].all)
}

// AddStatistics adds the heaps of heapType to stats. Heaps that are neither retired nor
// available count as allocations.
func (p *ShaderVisiblePool) AddStatistics(heapType native.DescriptorHeapType, stats *memutils.Statistics) {
	idx := poolIndex(heapType)

	p.mutex.Lock()
	defer p.mutex.Unlock()

	pool := &p.pools[idx]
	inUse := len(pool.all) - len(pool.retired) - len(pool.available)
	stats.PageCount += len(pool.all)
	stats.PageUnits += len(pool.all) * int(p.perHeap)
	stats.AllocationCount += inUse
	stats.AllocationUnits += inUse * int(p.perHeap)
}

func (p *ShaderVisiblePool) Destroy() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for i := range p.pools {
		for _, heap := range p.pools[i].all {
			heap.Release()
		}
		p.pools[i] = heapPool{}
	}
}
