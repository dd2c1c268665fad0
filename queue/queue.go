// Package queue owns the hardware command queues, their fences and the per-engine command
// allocator pools. Every queue signals a monotonically increasing fence value after each
// submission; everything retired at a value may be reused once the value completes.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/lunaengine/rhi/internal/utils"
	"github.com/lunaengine/rhi/native"
)

// Queue is one hardware command queue with its fence and command allocator pool
type Queue struct {
	logger    *slog.Logger
	queueType native.QueueType
	native    native.CommandQueue
	fence     native.Fence

	fenceMutex     utils.OptionalMutex
	nextFenceValue FenceValue
	// lastCompleted caches the highest completed fence value observed, it never decreases
	lastCompleted atomic.Uint64

	allocators commandAllocatorPool
}

// New creates a queue of the provided type
func New(logger *slog.Logger, device native.Device, queueType native.QueueType, useMutex bool) (*Queue, error) {
	commandQueue, err := device.CreateCommandQueue(queueType)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s command queue", queueType)
	}
	commandQueue.SetName(queueType.String() + "Queue")

	fence, err := device.CreateFence(uint64(MakeFenceValue(queueType, 0)))
	if err != nil {
		commandQueue.Release()
		return nil, errors.Wrapf(err, "failed to create %s queue fence", queueType)
	}
	fence.SetName(queueType.String() + "Fence")

	return newQueue(logger, device, queueType, commandQueue, fence, useMutex), nil
}

func newQueue(logger *slog.Logger, device native.Device, queueType native.QueueType, commandQueue native.CommandQueue, fence native.Fence, useMutex bool) *Queue {
	q := &Queue{
		logger:         logger,
		queueType:      queueType,
		native:         commandQueue,
		fence:          fence,
		fenceMutex:     utils.NewOptionalMutex(useMutex),
		nextFenceValue: MakeFenceValue(queueType, 1),
	}
	q.lastCompleted.Store(uint64(MakeFenceValue(queueType, 0)))
	q.allocators.Init(logger, device, queueType, useMutex)

	return q
}

func (q *Queue) Type() native.QueueType {
	return q.queueType
}

// Native returns the underlying command queue
func (q *Queue) Native() native.CommandQueue {
	return q.native
}

func (q *Queue) Destroy() {
	q.logger.Debug("Queue::Destroy", slog.String("queue", q.queueType.String()))

	q.allocators.Destroy()
	q.fence.Release()
	q.native.Release()
}

func (q *Queue) assertOwned(value FenceValue) {
	if value.Queue() != q.queueType {
		panic(fmt.Sprintf("fence value %s does not belong to the %s queue", value, q.queueType))
	}
}

func (q *Queue) signalLocked() FenceValue {
	value := q.nextFenceValue

	err := q.native.Signal(q.fence, uint64(value))
	if err != nil {
		q.logger.LogAttrs(context.Background(), slog.LevelError, "failed to signal queue fence",
			slog.String("queue", q.queueType.String()),
			slog.Any("error", err))
		panic(errors.Wrapf(err, "failed to signal %s queue fence", q.queueType))
	}

	q.nextFenceValue++
	return value
}

// ExecuteCommandList closes and submits the list, then signals and returns the next fence value.
// A list that fails to close is a fatal recording error.
func (q *Queue) ExecuteCommandList(list native.CommandList) FenceValue {
	q.fenceMutex.Lock()
	defer q.fenceMutex.Unlock()

	err := list.Close()
	if err != nil {
		q.logger.LogAttrs(context.Background(), slog.LevelError, "failed to close command list",
			slog.String("queue", q.queueType.String()),
			slog.String("list", list.Name()),
			slog.Any("error", err))
		panic(errors.Wrapf(err, "failed to close command list %q", list.Name()))
	}

	q.native.ExecuteCommandLists(list)
	return q.signalLocked()
}

// IncrementFence signals the next fence value without submitting work
func (q *Queue) IncrementFence() FenceValue {
	q.fenceMutex.Lock()
	defer q.fenceMutex.Unlock()

	return q.signalLocked()
}

// NextFenceValue is the value the next submission will signal
func (q *Queue) NextFenceValue() FenceValue {
	q.fenceMutex.Lock()
	defer q.fenceMutex.Unlock()

	return q.nextFenceValue
}

// LastSubmitted is the value signaled by the most recent submission
func (q *Queue) LastSubmitted() FenceValue {
	q.fenceMutex.Lock()
	defer q.fenceMutex.Unlock()

	return q.nextFenceValue - 1
}

// LastCompleted is the highest completed value observed so far, without querying the fence
func (q *Queue) LastCompleted() FenceValue {
	return FenceValue(q.lastCompleted.Load())
}

func (q *Queue) advanceCompleted(value uint64) FenceValue {
	for {
		current := q.lastCompleted.Load()
		if value <= current {
			return FenceValue(current)
		}
		if q.lastCompleted.CompareAndSwap(current, value) {
			return FenceValue(value)
		}
	}
}

func (q *Queue) pollFence() FenceValue {
	return q.advanceCompleted(q.fence.CompletedValue())
}

// IsFenceComplete reports whether the GPU has reached value. The native fence is only queried
// when the cached completed value is older than value.
func (q *Queue) IsFenceComplete(value FenceValue) bool {
	q.assertOwned(value)

	if value <= q.LastCompleted() {
		return true
	}
	return value <= q.pollFence()
}

// WaitForFence blocks until the GPU reaches value or ctx is done. Cancelling ctx abandons the
// wait but not the GPU work.
func (q *Queue) WaitForFence(ctx context.Context, value FenceValue) error {
	if q.IsFenceComplete(value) {
		return nil
	}

	q.logger.Debug("Queue::WaitForFence",
		slog.String("queue", q.queueType.String()),
		slog.Uint64("value", value.Counter()))

	select {
	case <-q.fence.SetEventOnCompletion(uint64(value)):
		q.advanceCompleted(uint64(value))
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "abandoned wait for fence %s", value)
	}
}

// WaitForIdle signals a new fence value and waits for it
func (q *Queue) WaitForIdle(ctx context.Context) error {
	return q.WaitForFence(ctx, q.IncrementFence())
}

// RequestAllocator returns a reset command allocator that the GPU no longer uses
func (q *Queue) RequestAllocator() (native.CommandAllocator, error) {
	return q.allocators.Request(q.pollFence())
}

// DiscardAllocator returns an allocator to the pool. It is reused after fence completes.
func (q *Queue) DiscardAllocator(fence FenceValue, allocator native.CommandAllocator) {
	q.allocators.Discard(fence, allocator)
}

func (q *Queue) PrintJson(json *jwriter.ObjectState) {
	json.Name("Type").String(q.queueType.String())
	json.Name("NextFenceValue").Int(int(q.NextFenceValue().Counter()))
	json.Name("LastCompletedFenceValue").Int(int(q.LastCompleted().Counter()))
	json.Name("CommandAllocators").Int(q.allocators.Size())
	json.Name("ReadyCommandAllocators").Int(q.allocators.Ready())
}
