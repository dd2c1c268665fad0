// Package pool implements fixed-capacity slot pools for GPU resources. A slot's native
// objects are built by a Factory on Create and torn down only after the last handle is
// released and every queue has passed the fence values submitted at that time.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/lunaengine/rhi/internal/utils"
	"github.com/lunaengine/rhi/memutils"
	"github.com/lunaengine/rhi/queue"
)

// Factory builds and destroys the native objects stored in a pool slot
type Factory[D any, T any] interface {
	Create(index int, desc D) (T, error)
	Destroy(index int, desc D, data T)
}

// FenceTracker reports the GPU progress used to gate slot reuse
type FenceTracker interface {
	queue.Tracker
	LastSubmitted() queue.FenceSet
}

type retiredSlot struct {
	index  int
	fences queue.FenceSet
}

// Pool is a fixed-capacity array of slots with a FIFO free list
type Pool[D any, T any] struct {
	logger   *slog.Logger
	name     string
	factory  Factory[D, T]
	tracker  FenceTracker
	capacity int

	mutex   utils.OptionalMutex
	descs   []D
	data    []T
	handles []*Handle[D, T]
	free    []int
	retired []retiredSlot
}

// New creates a pool of capacity slots. A nil tracker reclaims released slots immediately.
func New[D any, T any](logger *slog.Logger, name string, capacity int, factory Factory[D, T], tracker FenceTracker, useMutex bool) *Pool[D, T] {
	if capacity <= 0 {
		panic(fmt.Sprintf("%s pool capacity must be positive, got %d", name, capacity))
	}

	p := &Pool[D, T]{
		logger:   logger,
		name:     name,
		factory:  factory,
		tracker:  tracker,
		capacity: capacity,
		mutex:    utils.NewOptionalMutex(useMutex),
		descs:    make([]D, capacity),
		data:     make([]T, capacity),
		handles:  make([]*Handle[D, T], capacity),
		free:     make([]int, capacity),
	}
	for i := range p.free {
		p.free[i] = i
	}

	return p
}

func (p *Pool[D, T]) Name() string {
	return p.name
}

func (p *Pool[D, T]) Capacity() int {
	return p.capacity
}

// Create reclaims completed retirements, then takes the oldest free slot and builds its
// objects. Running out of slots is fatal.
func (p *Pool[D, T]) Create(desc D) (*Handle[D, T], error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.retired) > 0 {
		p.reclaimLocked()
	}
	if len(p.free) == 0 {
		panic(errors.AssertionFailedf("%s pool exhausted: all %d slots are live or awaiting retirement", p.name, p.capacity))
	}

	index := p.free[0]

	data, err := p.factory.Create(index, desc)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", p.name)
	}
	p.free = p.free[1:]

	p.descs[index] = desc
	p.data[index] = data

	handle := &Handle[D, T]{pool: p, index: index}
	handle.refs.Store(1)
	p.handles[index] = handle

	return handle, nil
}

// Desc returns the description the slot at index was created with
func (p *Pool[D, T]) Desc(index int) D {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.descs[index]
}

// Data returns the objects stored in the slot at index
func (p *Pool[D, T]) Data(index int) T {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.data[index]
}

func (p *Pool[D, T]) retire(index int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.handles[index] = nil

	var fences queue.FenceSet
	if p.tracker != nil {
		fences = p.tracker.LastSubmitted()
	}
	p.retired = append(p.retired, retiredSlot{index: index, fences: fences})

	p.logger.Debug("Pool::Retire",
		slog.String("pool", p.name),
		slog.Int("index", index))
}

func (p *Pool[D, T]) destroySlotLocked(index int) {
	var zeroDesc D
	var zeroData T

	p.factory.Destroy(index, p.descs[index], p.data[index])
	p.descs[index] = zeroDesc
	p.data[index] = zeroData
}

// reclaimLocked destroys every retired slot whose fences completed and returns it to the free
// list. Retirement order is kept for the slots that remain.
func (p *Pool[D, T]) reclaimLocked() int {
	kept := p.retired[:0]
	reclaimed := 0

	for _, r := range p.retired {
		if p.tracker != nil && !r.fences.Complete(p.tracker) {
			kept = append(kept, r)
			continue
		}

		p.destroySlotLocked(r.index)
		p.free = append(p.free, r.index)
		reclaimed++
	}

	p.retired = kept
	return reclaimed
}

// ReleaseDeferred reclaims the retired slots whose fences completed and returns how many
func (p *Pool[D, T]) ReleaseDeferred() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.reclaimLocked()
}

// Live returns the number of slots referenced by a handle
func (p *Pool[D, T]) Live() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.capacity - len(p.free) - len(p.retired)
}

// Retired returns the number of released slots waiting on their fences
func (p *Pool[D, T]) Retired() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.retired)
}

// ForEachLive calls fn for every live slot in index order
func (p *Pool[D, T]) ForEachLive(fn func(index int, desc D, data T)) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for index, handle := range p.handles {
		if handle != nil {
			fn(index, p.descs[index], p.data[index])
		}
	}
}

// AddStatistics adds the pool to stats. Units are slots.
func (p *Pool[D, T]) AddStatistics(stats *memutils.Statistics) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	live := p.capacity - len(p.free) - len(p.retired)
	stats.PageCount++
	stats.PageUnits += p.capacity
	stats.AllocationCount += live
	stats.AllocationUnits += live + len(p.retired)
}

func (p *Pool[D, T]) PrintJson(json *jwriter.ObjectState) {
	var stats memutils.Statistics
	p.AddStatistics(&stats)

	json.Name("Name").String(p.name)
	json.Name("Capacity").Int(p.capacity)
	json.Name("Live").Int(stats.AllocationCount)
	json.Name("Retired").Int(stats.AllocationUnits - stats.AllocationCount)
}

// Destroy tears down every slot. The GPU must be idle. Slots that are still referenced are
// logged and destroyed, and reported in the returned error.
func (p *Pool[D, T]) Destroy() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, r := range p.retired {
		p.destroySlotLocked(r.index)
		p.free = append(p.free, r.index)
	}
	p.retired = nil

	unreleased := 0
	for index, handle := range p.handles {
		if handle == nil {
			continue
		}

		unreleased++
		p.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED RESOURCE] pool slot is still referenced",
			slog.String("pool", p.name),
			slog.Int("index", index),
			slog.Int("refs", int(handle.refs.Load())))

		handle.refs.Store(0)
		p.handles[index] = nil
		p.destroySlotLocked(index)
		p.free = append(p.free, index)
	}

	if unreleased > 0 {
		return errors.Newf("%d %s resources were not released", unreleased, p.name)
	}
	return nil
}

// Handle is a reference-counted reference to a pool slot. Retain shares the handle and
// Release drops one reference; the slot is retired when the last reference is dropped.
type Handle[D any, T any] struct {
	pool  *Pool[D, T]
	index int
	refs  atomic.Int32
}

func (h *Handle[D, T]) checkLive() {
	if h.refs.Load() <= 0 {
		panic(fmt.Sprintf("use of released %s handle %d", h.pool.name, h.index))
	}
}

func (h *Handle[D, T]) Index() int {
	return h.index
}

func (h *Handle[D, T]) Desc() D {
	h.checkLive()
	return h.pool.Desc(h.index)
}

func (h *Handle[D, T]) Data() T {
	h.checkLive()
	return h.pool.Data(h.index)
}

// RefCount returns the number of outstanding references
func (h *Handle[D, T]) RefCount() int {
	return int(h.refs.Load())
}

// Retain adds a reference and returns the handle
func (h *Handle[D, T]) Retain() *Handle[D, T] {
	if h.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("retain of released %s handle %d", h.pool.name, h.index))
	}
	return h
}

// Release drops a reference, retiring the slot when none remain
func (h *Handle[D, T]) Release() {
	refs := h.refs.Add(-1)
	if refs < 0 {
		panic(fmt.Sprintf("%s handle %d released more times than it was retained", h.pool.name, h.index))
	}
	if refs == 0 {
		h.pool.retire(h.index)
	}
}
