package soft

import (
	"io"
	"log/slog"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/lunaengine/rhi/native"
	"github.com/stretchr/testify/require"
)

func readyDevice(t *testing.T, manual bool) *Device {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	device := NewDevice(logger, Options{ManualExecution: manual})
	t.Cleanup(device.Close)
	return device
}

func recordingList(t *testing.T, device *Device, queueType native.QueueType) (*CommandList, *CommandAllocator) {
	alloc, err := device.CreateCommandAllocator(queueType)
	require.NoError(t, err)
	list, err := device.CreateCommandList(queueType, alloc)
	require.NoError(t, err)
	return list.(*CommandList), alloc.(*CommandAllocator)
}

func TestFenceEvents(t *testing.T) {
	fence := &Fence{value: 5}

	done := fence.SetEventOnCompletion(3)
	require.Len(t, fence.waiters, 0)
	<-done

	pending := fence.SetEventOnCompletion(7)
	select {
	case <-pending:
		t.Fatal("event fired before the fence reached its value")
	default:
	}

	require.NoError(t, fence.Signal(7))
	<-pending
	require.Equal(t, uint64(7), fence.CompletedValue())
}

func TestCopyDescriptors(t *testing.T) {
	device := readyDevice(t, false)

	src, err := device.CreateDescriptorHeap(native.DescriptorHeapCBVSRVUAV, 8, false)
	require.NoError(t, err)
	dst, err := device.CreateDescriptorHeap(native.DescriptorHeapCBVSRVUAV, 8, true)
	require.NoError(t, err)

	buffer, err := device.CreateCommittedResource(native.HeapDefault, native.ResourceDesc{
		Dimension: native.DimensionBuffer,
		Width:     256,
	}, native.ResourceStateCommon, nil)
	require.NoError(t, err)

	inc := device.DescriptorIncrementSize(native.DescriptorHeapCBVSRVUAV)
	for i := uint32(0); i < 4; i++ {
		device.CreateView(buffer, native.ViewDesc{Kind: native.ViewSRV, Raw: true, NumElements: 64}, src.CPUStart().Offset(i, inc))
	}

	device.CopyDescriptors(
		[]native.CPUHandle{dst.CPUStart().Offset(2, inc)}, []uint32{4},
		[]native.CPUHandle{src.CPUStart(), src.CPUStart().Offset(2, inc)}, []uint32{2, 2},
		native.DescriptorHeapCBVSRVUAV,
	)

	heap := dst.(*DescriptorHeap)
	require.False(t, heap.Populated(1))
	for i := uint32(2); i < 6; i++ {
		require.True(t, heap.Populated(i))
	}
	require.False(t, heap.Populated(6))

	counters := device.Counters()
	require.Equal(t, 1, counters.CopyDescriptorsCalls)
	require.Equal(t, 4, counters.DescriptorsCopied)
	require.Empty(t, device.ValidationErrors())
}

func TestCopyDescriptorsMismatch(t *testing.T) {
	device := readyDevice(t, false)

	src, err := device.CreateDescriptorHeap(native.DescriptorHeapSampler, 4, false)
	require.NoError(t, err)
	dst, err := device.CreateDescriptorHeap(native.DescriptorHeapSampler, 4, true)
	require.NoError(t, err)

	device.CopyDescriptors(
		[]native.CPUHandle{dst.CPUStart()}, []uint32{3},
		[]native.CPUHandle{src.CPUStart()}, []uint32{2},
		native.DescriptorHeapSampler,
	)
	require.Len(t, device.ValidationErrors(), 1)
}

func TestBarrierValidation(t *testing.T) {
	device := readyDevice(t, false)

	texture, err := device.CreateCommittedResource(native.HeapDefault, native.ResourceDesc{
		Dimension:        native.DimensionTexture2D,
		Width:            64,
		Height:           64,
		DepthOrArraySize: 1,
		MipLevels:        1,
		Format:           gputypes.TextureFormatRGBA8Unorm,
		SampleCount:      1,
		Flags:            native.ResourceAllowRenderTarget,
	}, native.ResourceStateCommon, nil)
	require.NoError(t, err)

	queue, err := device.CreateCommandQueue(native.QueueGraphics)
	require.NoError(t, err)

	list, _ := recordingList(t, device, native.QueueGraphics)
	list.ResourceBarrier([]native.Barrier{{
		Type:     native.BarrierTransition,
		Resource: texture,
		Before:   native.ResourceStateCommon,
		After:    native.ResourceStateRenderTarget,
	}})
	list.ResourceBarrier([]native.Barrier{{
		Type:     native.BarrierTransition,
		Resource: texture,
		Before:   native.ResourceStateCommon,
		After:    native.ResourceStatePixelShaderResource,
	}})
	require.NoError(t, list.Close())

	queue.ExecuteCommandLists(list)
	device.Drain()

	require.Equal(t, native.ResourceStatePixelShaderResource, texture.(*Resource).State())
	require.Len(t, device.ValidationErrors(), 1)
	require.Len(t, device.ExecutedBarriers(), 2)
}

func TestManualExecutionGatesAllocatorReset(t *testing.T) {
	device := readyDevice(t, true)

	q, err := device.CreateCommandQueue(native.QueueCopy)
	require.NoError(t, err)
	fence, err := device.CreateFence(0)
	require.NoError(t, err)

	list, alloc := recordingList(t, device, native.QueueCopy)
	require.NoError(t, list.Close())

	q.ExecuteCommandLists(list)
	require.NoError(t, q.Signal(fence, 1))

	require.Equal(t, uint64(0), fence.CompletedValue())
	require.Error(t, alloc.Reset())

	queue := device.Queue(native.QueueCopy)
	require.Equal(t, 2, queue.Pending())
	require.Equal(t, 1, queue.Advance(1))
	require.Equal(t, uint64(0), fence.CompletedValue())
	require.NoError(t, alloc.Reset())

	queue.Drain()
	require.Equal(t, uint64(1), fence.CompletedValue())
	require.Len(t, device.ValidationErrors(), 1)
}

func TestReleaseWhileReferenced(t *testing.T) {
	device := readyDevice(t, true)

	q, err := device.CreateCommandQueue(native.QueueCopy)
	require.NoError(t, err)

	src, err := device.CreateCommittedResource(native.HeapUpload, native.ResourceDesc{
		Dimension: native.DimensionBuffer,
		Width:     16,
	}, native.ResourceStateGenericRead, nil)
	require.NoError(t, err)
	dst, err := device.CreateCommittedResource(native.HeapDefault, native.ResourceDesc{
		Dimension: native.DimensionBuffer,
		Width:     16,
	}, native.ResourceStateCommon, nil)
	require.NoError(t, err)

	data, err := src.Map()
	require.NoError(t, err)
	copy(data, []byte("0123456789abcdef"))
	src.Unmap()

	list, _ := recordingList(t, device, native.QueueCopy)
	list.CopyBufferRegion(dst, 0, src, 0, 16)
	require.NoError(t, list.Close())
	q.ExecuteCommandLists(list)

	src.Release()
	require.Len(t, device.ValidationErrors(), 1)

	device.Drain()
	require.Len(t, device.ValidationErrors(), 2)
	require.Equal(t, make([]byte, 16), dst.(*Resource).Data())
}

func TestCopyBufferRegion(t *testing.T) {
	device := readyDevice(t, false)

	q, err := device.CreateCommandQueue(native.QueueCopy)
	require.NoError(t, err)

	src, err := device.CreateCommittedResource(native.HeapUpload, native.ResourceDesc{
		Dimension: native.DimensionBuffer,
		Width:     16,
	}, native.ResourceStateGenericRead, nil)
	require.NoError(t, err)
	dst, err := device.CreateCommittedResource(native.HeapDefault, native.ResourceDesc{
		Dimension: native.DimensionBuffer,
		Width:     32,
	}, native.ResourceStateCommon, nil)
	require.NoError(t, err)

	data, err := src.Map()
	require.NoError(t, err)
	copy(data, []byte("0123456789abcdef"))
	src.Unmap()

	list, _ := recordingList(t, device, native.QueueCopy)
	list.CopyBufferRegion(dst, 8, src, 4, 8)
	require.NoError(t, list.Close())
	q.ExecuteCommandLists(list)
	device.Drain()

	require.Equal(t, []byte("456789ab"), dst.(*Resource).Data()[8:16])
	require.Empty(t, device.ValidationErrors())
}
