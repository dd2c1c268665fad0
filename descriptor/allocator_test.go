package descriptor

import (
	"io"
	"log/slog"
	"testing"

	"github.com/lunaengine/rhi/memutils"
	"github.com/lunaengine/rhi/native"
	"github.com/lunaengine/rhi/native/soft"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testDevice(t *testing.T) *soft.Device {
	device := soft.NewDevice(testLogger(), soft.Options{ManualExecution: true})
	t.Cleanup(device.Close)
	return device
}

func TestAllocatorSpillsIntoNewHeap(t *testing.T) {
	device := testDevice(t)
	allocator := NewAllocator(testLogger(), device, native.DescriptorHeapCBVSRVUAV, 256, true)
	t.Cleanup(allocator.Destroy)

	increment := device.DescriptorIncrementSize(native.DescriptorHeapCBVSRVUAV)

	handles := make([]native.CPUHandle, 300)
	for i := range handles {
		handle, err := allocator.Allocate(1)
		require.NoError(t, err)
		handles[i] = handle
	}

	require.Equal(t, 2, allocator.HeapCount())
	require.Equal(t, allocator.Heap(0).CPUStart(), handles[0])
	require.Equal(t, allocator.Heap(0).CPUStart().Offset(255, increment), handles[255])
	// descriptor 257 begins the second heap
	require.Equal(t, allocator.Heap(1).CPUStart(), handles[256])
	require.Equal(t, allocator.Heap(1).CPUStart().Offset(43, increment), handles[299])

	for i := 1; i < 256; i++ {
		require.Equal(t, handles[i-1].Offset(1, increment), handles[i])
	}

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)
	require.Equal(t, 2, stats.PageCount)
	require.Equal(t, 512, stats.PageUnits)
	require.Equal(t, 300, stats.AllocationCount)
	require.Equal(t, 300, stats.AllocationUnits)
}

func TestAllocatorAbandonsHeapTail(t *testing.T) {
	device := testDevice(t)
	allocator := NewAllocator(testLogger(), device, native.DescriptorHeapRTV, 256, false)
	t.Cleanup(allocator.Destroy)

	first, err := allocator.Allocate(212)
	require.NoError(t, err)
	require.Equal(t, allocator.Heap(0).CPUStart(), first)

	second, err := allocator.Allocate(88)
	require.NoError(t, err)
	require.Equal(t, 2, allocator.HeapCount())
	require.Equal(t, allocator.Heap(1).CPUStart(), second)

	third, err := allocator.Allocate(168)
	require.NoError(t, err)
	require.Equal(t, 2, allocator.HeapCount())
	require.Equal(t, second.Offset(88, allocator.IncrementSize()), third)
}

func TestAllocatorRejectsOversizedRequest(t *testing.T) {
	device := testDevice(t)
	allocator := NewAllocator(testLogger(), device, native.DescriptorHeapDSV, 0, false)
	require.Equal(t, DefaultDescriptorsPerHeap, allocator.DescriptorsPerHeap())

	require.Panics(t, func() {
		_, _ = allocator.Allocate(DefaultDescriptorsPerHeap + 1)
	})
	require.Panics(t, func() {
		_, _ = allocator.Allocate(0)
	})
	require.Equal(t, 0, allocator.HeapCount())
}

func TestAllocatorHeapsAreNotShaderVisible(t *testing.T) {
	device := testDevice(t)
	allocator := NewAllocator(testLogger(), device, native.DescriptorHeapSampler, 16, false)
	t.Cleanup(allocator.Destroy)

	_, err := allocator.Allocate(4)
	require.NoError(t, err)
	require.False(t, allocator.Heap(0).ShaderVisible())
	require.Equal(t, native.DescriptorHeapSampler, allocator.Heap(0).Type())
	require.Equal(t, uint32(16), allocator.Heap(0).NumDescriptors())
}
