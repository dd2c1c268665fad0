package queue

import (
	"fmt"

	"github.com/lunaengine/rhi/native"
)

const (
	// queueShift is the bit position of the queue type inside a fence value
	queueShift  = 56
	counterMask = (uint64(1) << queueShift) - 1
)

// FenceValue is a point on one queue's timeline. The queue type that produced the value is
// encoded in the high byte, so values from different queues never compare equal.
type FenceValue uint64

// MakeFenceValue combines a queue type and a per-queue counter
func MakeFenceValue(queueType native.QueueType, counter uint64) FenceValue {
	return FenceValue(uint64(queueType)<<queueShift | counter&counterMask)
}

// Queue returns the type of the queue that produced the value
func (v FenceValue) Queue() native.QueueType {
	return native.QueueType(uint64(v) >> queueShift)
}

// Counter returns the per-queue part of the value
func (v FenceValue) Counter() uint64 {
	return uint64(v) & counterMask
}

func (v FenceValue) String() string {
	return fmt.Sprintf("%s:%d", v.Queue(), v.Counter())
}

// Tracker answers whether a fence value has been reached by the GPU
type Tracker interface {
	IsFenceComplete(value FenceValue) bool
}

// FenceSet holds one fence value per queue type
type FenceSet [native.QueueTypeCount]FenceValue

// Complete reports whether every value in the set has been reached
func (s FenceSet) Complete(tracker Tracker) bool {
	for _, value := range s {
		if !tracker.IsFenceComplete(value) {
			return false
		}
	}
	return true
}
