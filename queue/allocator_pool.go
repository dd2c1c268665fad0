package queue

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/lunaengine/rhi/internal/utils"
	"github.com/lunaengine/rhi/native"
)

type retiredAllocator struct {
	fence     FenceValue
	allocator native.CommandAllocator
}

// commandAllocatorPool hands out command allocators, reusing discarded ones once the fence
// value they were discarded at has completed
type commandAllocatorPool struct {
	logger    *slog.Logger
	device    native.Device
	queueType native.QueueType

	mutex utils.OptionalMutex
	pool  []native.CommandAllocator
	ready []retiredAllocator
}

func (p *commandAllocatorPool) Init(logger *slog.Logger, device native.Device, queueType native.QueueType, useMutex bool) {
	p.logger = logger
	p.device = device
	p.queueType = queueType
	p.mutex = utils.NewOptionalMutex(useMutex)
}

func (p *commandAllocatorPool) Request(completed FenceValue) (native.CommandAllocator, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.ready) > 0 && p.ready[0].fence <= completed {
		retired := p.ready[0]
		p.ready = p.ready[1:]

		err := retired.allocator.Reset()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to reset %s command allocator", p.queueType)
		}
		return retired.allocator, nil
	}

	allocator, err := p.device.CreateCommandAllocator(p.queueType)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s command allocator", p.queueType)
	}
	allocator.SetName(p.queueType.String() + "CommandAllocator")
	p.pool = append(p.pool, allocator)

	p.logger.Debug("CommandAllocatorPool::Request created allocator",
		slog.String("queue", p.queueType.String()),
		slog.Int("count", len(p.pool)))

	return allocator, nil
}

func (p *commandAllocatorPool) Discard(fence FenceValue, allocator native.CommandAllocator) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.ready = append(p.ready, retiredAllocator{fence: fence, allocator: allocator})
}

// Size returns the number of allocators created by the pool
func (p *commandAllocatorPool) Size() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.pool)
}

// Ready returns the number of discarded allocators waiting for reuse
func (p *commandAllocatorPool) Ready() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.ready)
}

func (p *commandAllocatorPool) Destroy() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, allocator := range p.pool {
		allocator.Release()
	}
	p.pool = nil
	p.ready = nil
}
