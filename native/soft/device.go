// Package soft is an in-process implementation of the native object model. Descriptor heaps are
// arrays of descriptor records, buffers are byte slices and each queue executes its submissions
// in order on a worker goroutine. While executing it checks the rules a real driver leaves to
// the debug layer: barrier before-states, populated descriptor tables, render target binding and
// object lifetime. Violations are recorded and returned by ValidationErrors.
package soft

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/gogpu/gputypes"
	"github.com/lunaengine/rhi/native"
)

// Options configures a software device
type Options struct {
	// ManualExecution holds submitted work until Queue.Advance or Queue.Drain is called
	ManualExecution bool
}

// Counters are running totals of interesting device calls
type Counters struct {
	CopyDescriptorsCalls       int
	CopyDescriptorsSimpleCalls int
	DescriptorsCopied          int
	DescriptorTablesSet        int
	Draws                      int
	Dispatches                 int
	ExecutedLists              int
	Barriers                   int
}

type counters struct {
	copyDescriptors       atomic.Int64
	copyDescriptorsSimple atomic.Int64
	descriptorsCopied     atomic.Int64
	tablesSet             atomic.Int64
	draws                 atomic.Int64
	dispatches            atomic.Int64
	executedLists         atomic.Int64
	barriers              atomic.Int64
}

// Device is the software native.Device
type Device struct {
	logger  *slog.Logger
	options Options

	nextID   atomic.Uint32
	counters counters

	// mutex guards descriptor records, GPU-timeline resource states and the logs below
	mutex      sync.Mutex
	heaps      *swiss.Map[uint32, *DescriptorHeap]
	queues     []*Queue
	validation []error
	barrierLog []native.Barrier
}

var _ native.Device = &Device{}

// NewDevice creates a software device
func NewDevice(logger *slog.Logger, options Options) *Device {
	return &Device{
		logger:  logger,
		options: options,
		heaps:   swiss.NewMap[uint32, *DescriptorHeap](64),
	}
}

func (d *Device) newID() uint32 {
	return d.nextID.Add(1)
}

// fail records a validation error. The device mutex must not be held by the caller.
func (d *Device) fail(format string, args ...any) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.failLocked(format, args...)
}

func (d *Device) failLocked(format string, args ...any) {
	err := errors.Newf(format, args...)
	d.validation = append(d.validation, err)
	d.logger.LogAttrs(context.Background(), slog.LevelError, "[VALIDATION] "+err.Error())
}

// ValidationErrors returns every rule violation observed so far
func (d *Device) ValidationErrors() []error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return append([]error(nil), d.validation...)
}

// ExecutedBarriers returns every barrier executed on the GPU timeline, in execution order
func (d *Device) ExecutedBarriers() []native.Barrier {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return append([]native.Barrier(nil), d.barrierLog...)
}

// Counters returns a snapshot of the call counters
func (d *Device) Counters() Counters {
	return Counters{
		CopyDescriptorsCalls:       int(d.counters.copyDescriptors.Load()),
		CopyDescriptorsSimpleCalls: int(d.counters.copyDescriptorsSimple.Load()),
		DescriptorsCopied:          int(d.counters.descriptorsCopied.Load()),
		DescriptorTablesSet:        int(d.counters.tablesSet.Load()),
		Draws:                      int(d.counters.draws.Load()),
		Dispatches:                 int(d.counters.dispatches.Load()),
		ExecutedLists:              int(d.counters.executedLists.Load()),
		Barriers:                   int(d.counters.barriers.Load()),
	}
}

// Queue returns the first queue created of the provided type, or nil
func (d *Device) Queue(queueType native.QueueType) *Queue {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, q := range d.queues {
		if q.queueType == queueType {
			return q
		}
	}
	return nil
}

// Drain blocks until every queue has executed all submitted work. In manual execution mode
// the work is executed on the calling goroutine.
func (d *Device) Drain() {
	d.mutex.Lock()
	queues := append([]*Queue(nil), d.queues...)
	d.mutex.Unlock()

	for _, q := range queues {
		q.Drain()
	}
}

// Close stops the queue workers. Work still pending is dropped.
func (d *Device) Close() {
	d.mutex.Lock()
	queues := d.queues
	d.queues = nil
	d.mutex.Unlock()

	for _, q := range queues {
		q.stop()
	}
}

func (d *Device) CreateCommandQueue(queueType native.QueueType) (native.CommandQueue, error) {
	if queueType >= native.QueueTypeCount {
		return nil, errors.Newf("unknown queue type %d", queueType)
	}

	q := newQueue(d, queueType, d.options.ManualExecution)

	d.mutex.Lock()
	d.queues = append(d.queues, q)
	d.mutex.Unlock()

	return q, nil
}

func (d *Device) CreateFence(initialValue uint64) (native.Fence, error) {
	return &Fence{value: initialValue}, nil
}

func (d *Device) CreateCommandAllocator(queueType native.QueueType) (native.CommandAllocator, error) {
	return &CommandAllocator{device: d, queueType: queueType}, nil
}

func (d *Device) CreateCommandList(queueType native.QueueType, allocator native.CommandAllocator) (native.CommandList, error) {
	alloc, ok := allocator.(*CommandAllocator)
	if !ok || alloc == nil {
		return nil, errors.New("command lists require a soft command allocator")
	}
	if alloc.queueType != queueType {
		return nil, errors.Newf("cannot record a %s command list with a %s allocator", queueType, alloc.queueType)
	}

	return &CommandList{device: d, queueType: queueType, allocator: alloc}, nil
}

func (d *Device) CreateCommittedResource(heap native.HeapKind, desc native.ResourceDesc, initialState native.ResourceState, clear *native.ClearValue) (native.Resource, error) {
	if desc.Width == 0 {
		return nil, errors.New("resource width must be non-zero")
	}
	if desc.Dimension != native.DimensionBuffer && desc.Format == gputypes.TextureFormatUndefined {
		return nil, errors.New("textures require a format")
	}

	switch heap {
	case native.HeapUpload:
		if desc.Dimension != native.DimensionBuffer {
			return nil, errors.New("upload heap resources must be buffers")
		}
		if initialState != native.ResourceStateGenericRead {
			return nil, errors.Newf("upload heap resources must start in GenericRead, not %s", initialState)
		}
	case native.HeapReadback:
		if desc.Dimension != native.DimensionBuffer {
			return nil, errors.New("readback heap resources must be buffers")
		}
		if initialState != native.ResourceStateCopyDest {
			return nil, errors.Newf("readback heap resources must start in CopyDest, not %s", initialState)
		}
	}

	id := d.newID()
	resource := &Resource{
		device: d,
		id:     id,
		desc:   desc,
		heap:   heap,
		state:  initialState,
	}
	if clear != nil {
		resource.clear = *clear
	}
	if desc.Dimension == native.DimensionBuffer {
		resource.data = make([]byte, desc.Width)
		resource.address = native.GPUVirtualAddress(uint64(id) << 32)
	}

	return resource, nil
}

func (d *Device) CreateRootSignature(desc native.RootSignatureDesc) (native.RootSignature, error) {
	for i, param := range desc.Parameters {
		if param.Type == native.RootParameterDescriptorTable && len(param.Ranges) == 0 {
			return nil, errors.Newf("root parameter %d is a descriptor table with no ranges", i)
		}
	}

	params := make([]native.RootParameter, len(desc.Parameters))
	copy(params, desc.Parameters)
	desc.Parameters = params

	return &RootSignature{desc: desc}, nil
}

func (d *Device) CreateGraphicsPipelineState(desc native.GraphicsPipelineDesc) (native.PipelineState, error) {
	if len(desc.VS) == 0 {
		return nil, errors.New("graphics pipelines require a vertex shader")
	}

	pso := &PipelineState{bindPoint: native.BindGraphics}
	if rs, ok := desc.RootSignature.(*RootSignature); ok {
		pso.rootSignature = rs
	}
	return pso, nil
}

func (d *Device) CreateComputePipelineState(desc native.ComputePipelineDesc) (native.PipelineState, error) {
	if len(desc.CS) == 0 {
		return nil, errors.New("compute pipelines require a compute shader")
	}

	pso := &PipelineState{bindPoint: native.BindCompute}
	if rs, ok := desc.RootSignature.(*RootSignature); ok {
		pso.rootSignature = rs
	}
	return pso, nil
}

// RootSignature is the software native.RootSignature
type RootSignature struct {
	name string
	desc native.RootSignatureDesc
}

func (r *RootSignature) Name() string        { return r.name }
func (r *RootSignature) SetName(name string) { r.name = name }
func (r *RootSignature) Release()            {}

// Desc returns the layout the root signature was created with
func (r *RootSignature) Desc() native.RootSignatureDesc { return r.desc }

// PipelineState is the software native.PipelineState
type PipelineState struct {
	name          string
	bindPoint     native.BindPoint
	rootSignature *RootSignature
}

func (p *PipelineState) Name() string        { return p.name }
func (p *PipelineState) SetName(name string) { p.name = name }
func (p *PipelineState) Release()            {}

func (p *PipelineState) String() string {
	return fmt.Sprintf("%s pipeline %q", p.bindPoint, p.name)
}
