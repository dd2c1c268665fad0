package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/lunaengine/rhi/native"
	"github.com/lunaengine/rhi/native/mocks"
	"github.com/lunaengine/rhi/native/soft"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func manualDevice(t *testing.T) *soft.Device {
	device := soft.NewDevice(testLogger(), soft.Options{ManualExecution: true})
	t.Cleanup(device.Close)
	return device
}

func recordingList(t *testing.T, device *soft.Device, q *Queue) (native.CommandList, native.CommandAllocator) {
	allocator, err := q.RequestAllocator()
	require.NoError(t, err)
	list, err := device.CreateCommandList(q.Type(), allocator)
	require.NoError(t, err)
	return list, allocator
}

func TestFenceValueEncoding(t *testing.T) {
	value := MakeFenceValue(native.QueueCompute, 42)
	require.Equal(t, native.QueueCompute, value.Queue())
	require.Equal(t, uint64(42), value.Counter())
	require.Equal(t, FenceValue(1<<56|42), value)
	require.Equal(t, "Compute:42", value.String())

	require.NotEqual(t, MakeFenceValue(native.QueueGraphics, 1), MakeFenceValue(native.QueueCopy, 1))
	require.Less(t, MakeFenceValue(native.QueueCopy, 1), MakeFenceValue(native.QueueCopy, 2))
}

func TestExecuteSignalsIncreasingValues(t *testing.T) {
	device := manualDevice(t)
	q, err := New(testLogger(), device, native.QueueGraphics, true)
	require.NoError(t, err)
	t.Cleanup(q.Destroy)

	require.Equal(t, MakeFenceValue(native.QueueGraphics, 1), q.NextFenceValue())
	require.True(t, q.IsFenceComplete(MakeFenceValue(native.QueueGraphics, 0)))

	list, _ := recordingList(t, device, q)
	first := q.ExecuteCommandList(list)
	second := q.IncrementFence()

	require.Equal(t, MakeFenceValue(native.QueueGraphics, 1), first)
	require.Equal(t, MakeFenceValue(native.QueueGraphics, 2), second)
	require.Equal(t, second, q.LastSubmitted())
	require.False(t, q.IsFenceComplete(first))

	// list, then signal
	device.Queue(native.QueueGraphics).Advance(2)
	require.True(t, q.IsFenceComplete(first))
	require.False(t, q.IsFenceComplete(second))

	device.Drain()
	require.True(t, q.IsFenceComplete(second))
	require.Equal(t, second, q.LastCompleted())
	require.Empty(t, device.ValidationErrors())
}

func TestAllocatorReusedAfterFence(t *testing.T) {
	device := manualDevice(t)
	q, err := New(testLogger(), device, native.QueueCompute, true)
	require.NoError(t, err)
	t.Cleanup(q.Destroy)

	list, allocator := recordingList(t, device, q)
	fence := q.ExecuteCommandList(list)
	q.DiscardAllocator(fence, allocator)

	// the GPU has not reached fence yet
	other, err := q.RequestAllocator()
	require.NoError(t, err)
	require.NotSame(t, allocator, other)
	require.Equal(t, 2, q.allocators.Size())

	device.Drain()

	reused, err := q.RequestAllocator()
	require.NoError(t, err)
	require.Same(t, allocator, reused)
	require.Equal(t, 1, allocator.(*soft.CommandAllocator).Resets())
	require.Equal(t, 0, q.allocators.Ready())
	require.Empty(t, device.ValidationErrors())
}

func TestIsFenceCompleteCachesCompletedValue(t *testing.T) {
	ctrl := gomock.NewController(t)
	fence := mocks.NewMockFence(ctrl)
	commandQueue := mocks.NewMockCommandQueue(ctrl)

	q := newQueue(testLogger(), manualDevice(t), native.QueueCopy, commandQueue, fence, false)

	fence.EXPECT().CompletedValue().Return(uint64(MakeFenceValue(native.QueueCopy, 5))).Times(1)

	require.True(t, q.IsFenceComplete(MakeFenceValue(native.QueueCopy, 5)))
	// answered from the cached value
	require.True(t, q.IsFenceComplete(MakeFenceValue(native.QueueCopy, 3)))
	require.Equal(t, MakeFenceValue(native.QueueCopy, 5), q.LastCompleted())

	fence.EXPECT().CompletedValue().Return(uint64(MakeFenceValue(native.QueueCopy, 5))).Times(1)
	require.False(t, q.IsFenceComplete(MakeFenceValue(native.QueueCopy, 6)))
}

func TestIsFenceCompleteRejectsForeignValue(t *testing.T) {
	ctrl := gomock.NewController(t)
	q := newQueue(testLogger(), manualDevice(t), native.QueueCopy, mocks.NewMockCommandQueue(ctrl), mocks.NewMockFence(ctrl), false)

	require.Panics(t, func() {
		q.IsFenceComplete(MakeFenceValue(native.QueueGraphics, 1))
	})
}

func TestSignalFailurePanics(t *testing.T) {
	ctrl := gomock.NewController(t)
	fence := mocks.NewMockFence(ctrl)
	commandQueue := mocks.NewMockCommandQueue(ctrl)

	q := newQueue(testLogger(), manualDevice(t), native.QueueGraphics, commandQueue, fence, false)

	commandQueue.EXPECT().Signal(fence, uint64(MakeFenceValue(native.QueueGraphics, 1))).Return(context.DeadlineExceeded)
	require.Panics(t, func() {
		q.IncrementFence()
	})
}

func TestWaitForFenceCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	fence := mocks.NewMockFence(ctrl)
	commandQueue := mocks.NewMockCommandQueue(ctrl)

	q := newQueue(testLogger(), manualDevice(t), native.QueueGraphics, commandQueue, fence, false)
	target := MakeFenceValue(native.QueueGraphics, 1)

	fence.EXPECT().CompletedValue().Return(uint64(MakeFenceValue(native.QueueGraphics, 0)))
	fence.EXPECT().SetEventOnCompletion(uint64(target)).Return(make(chan struct{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := q.WaitForFence(ctx, target)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaitForFenceCompletes(t *testing.T) {
	ctrl := gomock.NewController(t)
	fence := mocks.NewMockFence(ctrl)
	commandQueue := mocks.NewMockCommandQueue(ctrl)

	q := newQueue(testLogger(), manualDevice(t), native.QueueGraphics, commandQueue, fence, false)
	target := MakeFenceValue(native.QueueGraphics, 4)

	done := make(chan struct{})
	close(done)
	fence.EXPECT().CompletedValue().Return(uint64(MakeFenceValue(native.QueueGraphics, 1)))
	fence.EXPECT().SetEventOnCompletion(uint64(target)).Return(done)

	require.NoError(t, q.WaitForFence(context.Background(), target))
	require.Equal(t, target, q.LastCompleted())
}

func TestManagerRoutesByQueueType(t *testing.T) {
	device := soft.NewDevice(testLogger(), soft.Options{})
	t.Cleanup(device.Close)

	m, err := NewManager(testLogger(), device, true)
	require.NoError(t, err)
	t.Cleanup(m.Destroy)

	require.Equal(t, native.QueueGraphics, m.Graphics().Type())
	require.Equal(t, native.QueueCompute, m.Compute().Type())
	require.Equal(t, native.QueueCopy, m.Copy().Type())

	computeFence := m.Compute().IncrementFence()
	copyFence := m.Copy().IncrementFence()

	ctx := context.Background()
	require.NoError(t, m.WaitForFence(ctx, computeFence))
	require.True(t, m.IsFenceComplete(computeFence))
	require.NoError(t, m.WaitForFence(ctx, copyFence))

	submitted := m.LastSubmitted()
	require.Equal(t, MakeFenceValue(native.QueueGraphics, 0), submitted[native.QueueGraphics])
	require.Equal(t, computeFence, submitted[native.QueueCompute])
	require.Equal(t, copyFence, submitted[native.QueueCopy])
	require.True(t, submitted.Complete(m))

	require.NoError(t, m.WaitForGpu(ctx))
	require.Equal(t, MakeFenceValue(native.QueueGraphics, 1), m.Graphics().LastCompleted())
}
