package descriptor

import (
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/lunaengine/rhi/internal/utils"
	"github.com/lunaengine/rhi/memutils"
	"github.com/lunaengine/rhi/native"
)

// DefaultDescriptorsPerHeap is the heap size of an Allocator created with a zero size
const DefaultDescriptorsPerHeap uint32 = 256

// Allocator is a bump allocator over CPU-only descriptor heaps of one type. When the current
// heap cannot fit a request, a brand-new heap is created and the remainder of the old one is
// abandoned. Heaps are never freed before the allocator is destroyed, so descriptors created
// through it stay valid for the lifetime of the device.
type Allocator struct {
	logger    *slog.Logger
	device    native.Device
	heapType  native.DescriptorHeapType
	perHeap   uint32
	increment uint32

	mutex     utils.OptionalMutex
	heaps     []native.DescriptorHeap
	current   native.CPUHandle
	remaining uint32

	allocationCount int
	allocated       int
}

// NewAllocator creates an allocator over heaps of descriptorsPerHeap descriptors
func NewAllocator(logger *slog.Logger, device native.Device, heapType native.DescriptorHeapType, descriptorsPerHeap uint32, useMutex bool) *Allocator {
	if descriptorsPerHeap == 0 {
		descriptorsPerHeap = DefaultDescriptorsPerHeap
	}

	return &Allocator{
		logger:    logger,
		device:    device,
		heapType:  heapType,
		perHeap:   descriptorsPerHeap,
		increment: device.DescriptorIncrementSize(heapType),
		mutex:     utils.NewOptionalMutex(useMutex),
	}
}

func (a *Allocator) Type() native.DescriptorHeapType {
	return a.heapType
}

func (a *Allocator) DescriptorsPerHeap() uint32 {
	return a.perHeap
}

// IncrementSize is the distance between adjacent handles returned by this allocator
func (a *Allocator) IncrementSize() uint32 {
	return a.increment
}

// Allocate returns the first of count contiguous descriptors. Requesting more descriptors
// than fit in one heap is a fatal usage error.
func (a *Allocator) Allocate(count uint32) (native.CPUHandle, error) {
	if count == 0 || count > a.perHeap {
		panic(errors.AssertionFailedf("cannot allocate %d %s descriptors from heaps of %d", count, a.heapType, a.perHeap))
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if len(a.heaps) == 0 || a.remaining < count {
		err := a.requestNewHeapLocked()
		if err != nil {
			return 0, err
		}
	}

	handle := a.current
	a.current = a.current.Offset(count, a.increment)
	a.remaining -= count
	a.allocationCount++
	a.allocated += int(count)

	return handle, nil
}

func (a *Allocator) requestNewHeapLocked() error {
	heap, err := a.device.CreateDescriptorHeap(a.heapType, a.perHeap, false)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s descriptor heap", a.heapType)
	}
	heap.SetName(fmt.Sprintf("DescriptorAllocator [%s] %d", a.heapType, len(a.heaps)))

	a.heaps = append(a.heaps, heap)
	a.current = heap.CPUStart()
	a.remaining = a.perHeap

	a.logger.Debug("DescriptorAllocator::RequestNewHeap",
		slog.String("type", a.heapType.String()),
		slog.Int("heaps", len(a.heaps)))
	return nil
}

// HeapCount returns the number of heaps created so far
func (a *Allocator) HeapCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return len(a.heaps)
}

// Heap returns the heap at index in creation order
func (a *Allocator) Heap(index int) native.DescriptorHeap {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.heaps[index]
}

// AddStatistics adds the allocator's heaps to stats. Units are descriptors.
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.PageCount += len(a.heaps)
	stats.PageUnits += len(a.heaps) * int(a.perHeap)
	stats.AllocationCount += a.allocationCount
	stats.AllocationUnits += a.allocated
}

func (a *Allocator) PrintJson(json *jwriter.ObjectState) {
	var stats memutils.Statistics
	a.AddStatistics(&stats)

	json.Name("Type").String(a.heapType.String())
	json.Name("DescriptorsPerHeap").Int(int(a.perHeap))
	stats.PrintJson(json)
}

func (a *Allocator) Destroy() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, heap := range a.heaps {
		heap.Release()
	}
	a.heaps = nil
	a.current = 0
	a.remaining = 0
}
