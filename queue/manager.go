package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/lunaengine/rhi/native"
)

// Manager owns one queue per queue type and routes fence queries to the queue that produced
// the value
type Manager struct {
	logger *slog.Logger
	queues [native.QueueTypeCount]*Queue
}

// NewManager creates graphics, compute and copy queues on device
func NewManager(logger *slog.Logger, device native.Device, useMutex bool) (*Manager, error) {
	m := &Manager{logger: logger}

	for i := range m.queues {
		q, err := New(logger, device, native.QueueType(i), useMutex)
		if err != nil {
			m.Destroy()
			return nil, err
		}
		m.queues[i] = q
	}

	return m, nil
}

func (m *Manager) Queue(queueType native.QueueType) *Queue {
	if int(queueType) >= len(m.queues) {
		panic(fmt.Sprintf("unknown queue type %d", queueType))
	}
	return m.queues[queueType]
}

func (m *Manager) Graphics() *Queue { return m.queues[native.QueueGraphics] }
func (m *Manager) Compute() *Queue  { return m.queues[native.QueueCompute] }
func (m *Manager) Copy() *Queue     { return m.queues[native.QueueCopy] }

func (m *Manager) IsFenceComplete(value FenceValue) bool {
	return m.Queue(value.Queue()).IsFenceComplete(value)
}

func (m *Manager) WaitForFence(ctx context.Context, value FenceValue) error {
	return m.Queue(value.Queue()).WaitForFence(ctx, value)
}

// LastSubmitted returns the most recently signaled value of every queue
func (m *Manager) LastSubmitted() FenceSet {
	var set FenceSet
	for i, q := range m.queues {
		set[i] = q.LastSubmitted()
	}
	return set
}

// WaitForGpu blocks until every queue is idle
func (m *Manager) WaitForGpu(ctx context.Context) error {
	m.logger.Debug("Manager::WaitForGpu")

	for _, q := range m.queues {
		err := q.WaitForIdle(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Destroy() {
	for i, q := range m.queues {
		if q != nil {
			q.Destroy()
			m.queues[i] = nil
		}
	}
}

func (m *Manager) BuildStatsString(writer *jwriter.Writer) {
	s := writer.Array()
	defer s.End()

	for _, q := range m.queues {
		o := s.Object()
		q.PrintJson(&o)
		o.End()
	}
}
