// Package rhi is the device layer of the renderer. A Device creates pooled GPU resources and
// deduplicated pipeline state, and CommandContext records work for its queues.
package rhi

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/uuid"
	"github.com/lunaengine/rhi/descriptor"
	"github.com/lunaengine/rhi/internal/pool"
	"github.com/lunaengine/rhi/internal/utils"
	"github.com/lunaengine/rhi/linear"
	"github.com/lunaengine/rhi/native"
	"github.com/lunaengine/rhi/queue"
)

// descriptorAllocators holds the CPU-only descriptor allocator of every heap type
type descriptorAllocators [native.DescriptorHeapTypeCount]*descriptor.Allocator

func (a *descriptorAllocators) allocate(heapType native.DescriptorHeapType) (native.CPUHandle, error) {
	return a[heapType].Allocate(1)
}

// Device owns every object the RHI creates on a native device: the queues, descriptor
// allocators and shader-visible heap pools, linear allocator pages, resource pools, the
// root signature and pipeline caches and the command contexts. Objects are destroyed by
// releasing their last reference; their native objects are torn down once the GPU can no
// longer access them.
type Device struct {
	logger   *slog.Logger
	id       uuid.UUID
	name     string
	flags    CreateFlags
	native   native.Device
	useMutex bool

	queues        *queue.Manager
	descriptors   descriptorAllocators
	shaderVisible *descriptor.ShaderVisiblePool
	gpuPages      *linear.PageManager
	cpuPages      *linear.PageManager

	colorBuffers   *pool.Pool[ColorBufferDesc, *colorBufferData]
	depthBuffers   *pool.Pool[DepthBufferDesc, *depthBufferData]
	gpuBuffers     *pool.Pool[GpuBufferDesc, *gpuBufferData]
	rootSignatures *pool.Pool[RootSignatureDesc, *rootSignatureData]
	descriptorSets *pool.Pool[DescriptorSetDesc, *descriptorSetData]
	pipelines      *pool.Pool[pipelineDesc, *pipelineData]

	rootSignatureCache    *objectCache[*RootSignature]
	graphicsPipelineCache *objectCache[*GraphicsPipeline]
	computePipelineCache  *objectCache[*ComputePipeline]

	samplerMutex utils.OptionalMutex
	samplers     *swiss.Map[native.SamplerDesc, *Sampler]

	contexts contextManager
}

// New creates a device around nativeDevice. Zero fields of options select defaults.
func New(logger *slog.Logger, nativeDevice native.Device, options CreateOptions) (*Device, error) {
	err := options.validate()
	if err != nil {
		return nil, err
	}
	options = options.withDefaults()

	useMutex := options.Flags&CreateExternallySynchronized == 0
	d := &Device{
		logger:       logger,
		id:           uuid.New(),
		name:         options.Name,
		flags:        options.Flags,
		native:       nativeDevice,
		useMutex:     useMutex,
		samplerMutex: utils.NewOptionalMutex(useMutex),
		samplers:     swiss.NewMap[native.SamplerDesc, *Sampler](16),
	}

	logger.Debug("Device::New",
		slog.String("name", d.name),
		slog.String("id", d.id.String()),
		slog.String("flags", d.flags.String()))

	d.queues, err = queue.NewManager(logger, nativeDevice, useMutex)
	if err != nil {
		return nil, err
	}

	for i := range d.descriptors {
		d.descriptors[i] = descriptor.NewAllocator(logger, nativeDevice, native.DescriptorHeapType(i), options.DescriptorsPerHeap, useMutex)
	}
	d.shaderVisible = descriptor.NewShaderVisiblePool(logger, nativeDevice, d.queues, options.DynamicDescriptorsPerHeap, useMutex)
	d.gpuPages = linear.NewPageManager(logger, nativeDevice, d.queues, linear.GpuExclusive, useMutex)
	d.cpuPages = linear.NewPageManager(logger, nativeDevice, d.queues, linear.CpuWritable, useMutex)

	capacities := options.PoolCapacities
	d.colorBuffers = pool.New[ColorBufferDesc, *colorBufferData](logger, "ColorBuffer", capacities.ColorBuffers,
		&colorBufferFactory{logger: logger, device: nativeDevice, descriptors: &d.descriptors}, d.queues, useMutex)
	d.depthBuffers = pool.New[DepthBufferDesc, *depthBufferData](logger, "DepthBuffer", capacities.DepthBuffers,
		&depthBufferFactory{logger: logger, device: nativeDevice, descriptors: &d.descriptors}, d.queues, useMutex)
	d.gpuBuffers = pool.New[GpuBufferDesc, *gpuBufferData](logger, "GpuBuffer", capacities.GpuBuffers,
		&gpuBufferFactory{logger: logger, device: nativeDevice, descriptors: &d.descriptors, d.queues, useMutex)
	d.rootSignatures = pool.New[RootSignatureDesc, *rootSignatureData](logger, "RootSignature", capacities.RootSignatures,
		&rootSignatureFactory{logger: logger, device: nativeDevice}, d.queues, useMutex)
	d.descriptorSets = pool.New[DescriptorSetDesc, *descriptorSetData](logger, "DescriptorSet", capacities.DescriptorSets,
		&descriptorSetFactory{logger: logger}, d.queues, useMutex)
	d.pipelines = pool.New[pipelineDesc, *pipelineData](logger, "PipelineState", capacities.Pipelines,
		&pipelineFactory{logger: logger, device: nativeDevice}, d.queues, useMutex)

	d.rootSignatureCache = newObjectCache[*RootSignature](logger, "RootSignature", useMutex)
	d.graphicsPipelineCache = newObjectCache[*GraphicsPipeline](logger, "GraphicsPipeline", useMutex)
	d.computePipelineCache = newObjectCache[*ComputePipeline](logger, "ComputePipeline", useMutex)

	d.contexts.Init(logger, d, useMutex)

	return d, nil
}

// ID is the debug identity of the device
func (d *Device) ID() uuid.UUID { return d.id }

func (d *Device) Name() string { return d.name }

// GetNativeObject returns the native device
func (d *Device) GetNativeObject() native.Device { return d.native }

// Queues returns the device's queue manager
func (d *Device) Queues() *queue.Manager { return d.queues }

func (d *Device) namePrefix() string {
	if d.name == "" {
		return ""
	}
	return d.name + " "
}

// uploadBuffer fills a default-heap buffer through a copy context and waits for the copy
func (d *Device) uploadBuffer(dest GpuResource, data []byte) error {
	c := d.BeginCopy("InitializeBuffer")
	err := c.InitializeBuffer(dest, data, 0)
	c.Finish(true)
	return err
}

// CreateColorBuffer creates a render target texture. The caller owns the returned reference.
func (d *Device) CreateColorBuffer(desc ColorBufferDesc) (*ColorBuffer, error) {
	desc.imported = nil
	handle, err := d.colorBuffers.Create(desc)
	if err != nil {
		return nil, err
	}
	return &ColorBuffer{handle: handle}, nil
}

// CreateColorBufferFromNative wraps an existing resource, usually a swap chain image, as a
// color buffer in the Present state. The resource is not released when the buffer is
// destroyed.
func (d *Device) CreateColorBufferFromNative(name string, resource native.Resource) (*ColorBuffer, error) {
	if resource == nil {
		return nil, errors.Newf("color buffer %q imported from a nil resource", name)
	}

	resourceDesc := resource.Desc()
	handle, err := d.colorBuffers.Create(ColorBufferDesc{
		Name:             name,
		Width:            resourceDesc.Width,
		Height:           resourceDesc.Height,
		Format:           resourceDesc.Format,
		ArraySizeOrDepth: uint32(resourceDesc.DepthOrArraySize),
		NumSamples:       resourceDesc.SampleCount,
		imported:         resource,
	})
	if err != nil {
		return nil, err
	}
	return &ColorBuffer{handle: handle}, nil
}

func (d *Device) CreateDepthBuffer(desc DepthBufferDesc) (*DepthBuffer, error) {
	handle, err := d.depthBuffers.Create(desc)
	if err != nil {
		return nil, err
	}
	return &DepthBuffer{handle: handle}, nil
}

// CreateGpuBuffer creates a buffer. Initial data of GPU-only buffers is copied through the
// copy queue before CreateGpuBuffer returns.
func (d *Device) CreateGpuBuffer(desc GpuBufferDesc) (*GpuBuffer, error) {
	handle, err := d.gpuBuffers.Create(desc)
	if err != nil {
		return nil, err
	}
	buffer := &GpuBuffer{handle: handle}

	if heap, _ := bufferHeap(desc); heap == native.HeapDefault && len(desc.InitialData) > 0 {
		if err := d.uploadBuffer(buffer, desc.InitialData); err != nil {
			buffer.Release()
			return nil, errors.Wrapf(err, "failed to upload initial data of buffer %q", desc.Name)
		}
	}
	return buffer, nil
}

func cloneRootSignatureDesc(desc RootSignatureDesc) RootSignatureDesc {
	desc.Parameters = slices.Clone(desc.Parameters)
	for i := range desc.Parameters {
		desc.Parameters[i].Ranges = slices.Clone(desc.Parameters[i].Ranges)
	}
	desc.StaticSamplers = slices.Clone(desc.StaticSamplers)
	return desc
}

// CreateRootSignature returns the root signature matching desc, creating it on first use.
// Root signatures with the same layout are shared, so the name of a later request is ignored.
func (d *Device) CreateRootSignature(desc RootSignatureDesc) (*RootSignature, error) {
	desc = cloneRootSignatureDesc(desc)

	rs, err := d.rootSignatureCache.getOrCreate(desc.hash(), func() (*RootSignature, error) {
		handle, err := d.rootSignatures.Create(desc)
		if err != nil {
			return nil, err
		}
		return &RootSignature{owner: d, handle: handle}, nil
	})
	if err != nil {
		return nil, err
	}
	return rs.Retain(), nil
}

func (d *Device) createDescriptorSet(rs *RootSignature, rootIndex uint32) (*DescriptorSet, error) {
	handle, err := d.descriptorSets.Create(DescriptorSetDesc{RootSignature: rs, RootIndex: rootIndex})
	if err != nil {
		return nil, err
	}
	return &DescriptorSet{handle: handle}, nil
}

// CreateGraphicsPipeline returns the pipeline matching desc, creating it on first use
func (d *Device) CreateGraphicsPipeline(desc GraphicsPipelineDesc) (*GraphicsPipeline, error) {
	if desc.RootSignature == nil {
		return nil, errors.Newf("graphics pipeline %q has no root signature", desc.Name)
	}
	desc.InputLayout = slices.Clone(desc.InputLayout)
	desc.RTVFormats = slices.Clone(desc.RTVFormats)

	p, err := d.graphicsPipelineCache.getOrCreate(desc.hash(), func() (*GraphicsPipeline, error) {
		handle, err := d.pipelines.Create(pipelineDesc{bindPoint: native.BindGraphics, graphics: desc})
		if err != nil {
			return nil, err
		}
		return &GraphicsPipeline{handle: handle}, nil
	})
	if err != nil {
		return nil, err
	}
	return p.Retain(), nil
}

func (d *Device) CreateComputePipeline(desc ComputePipelineDesc) (*ComputePipeline, error) {
	if desc.RootSignature == nil {
		return nil, errors.Newf("compute pipeline %q has no root signature", desc.Name)
	}

	p, err := d.computePipelineCache.getOrCreate(desc.hash(), func() (*ComputePipeline, error) {
		handle, err := d.pipelines.Create(pipelineDesc{bindPoint: native.BindCompute, compute: desc})
		if err != nil {
			return nil, err
		}
		return &ComputePipeline{handle: handle}, nil
	})
	if err != nil {
		return nil, err
	}
	return p.Retain(), nil
}

// CreateSampler returns the sampler descriptor matching desc. Samplers live until the device
// is destroyed.
func (d *Device) CreateSampler(desc SamplerDesc) (*Sampler, error) {
	d.samplerMutex.Lock()
	defer d.samplerMutex.Unlock()

	if sampler, ok := d.samplers.Get(desc); ok {
		return sampler, nil
	}

	handle, err := d.descriptors.allocate(native.DescriptorHeapSampler)
	if err != nil {
		return nil, err
	}
	d.native.CreateSampler(desc, handle)

	sampler := &Sampler{desc: desc, handle: handle}
	d.samplers.Put(desc, sampler)
	return sampler, nil
}

// BeginGraphics returns a context recording into the graphics queue
func (d *Device) BeginGraphics(name string) *CommandContext {
	return d.begin(native.QueueGraphics, native.BindGraphics, name)
}

// BeginCompute returns a context binding compute state. Async contexts record into the
// compute queue, others into the graphics queue.
func (d *Device) BeginCompute(name string, async bool) *CommandContext {
	queueType := native.QueueGraphics
	if async {
		queueType = native.QueueCompute
	}
	return d.begin(queueType, native.BindCompute, name)
}

// BeginCopy returns a context recording into the copy queue
func (d *Device) BeginCopy(name string) *CommandContext {
	return d.begin(native.QueueCopy, native.BindGraphics, name)
}

func (d *Device) begin(queueType native.QueueType, bindPoint native.BindPoint, name string) *CommandContext {
	c := d.contexts.allocate(queueType)
	c.begin(name, bindPoint)

	d.logger.Debug("Device::Begin",
		slog.String("queue", queueType.String()),
		slog.String("bindPoint", bindPoint.String()),
		slog.String("context", name))
	return c
}

func (d *Device) IsFenceComplete(value FenceValue) bool {
	return d.queues.IsFenceComplete(value)
}

// WaitForFence blocks until the GPU reaches value or ctx is done
func (d *Device) WaitForFence(ctx context.Context, value FenceValue) error {
	return d.queues.WaitForFence(ctx, value)
}

// WaitForGpu blocks until every queue is idle
func (d *Device) WaitForGpu(ctx context.Context) error {
	return d.queues.WaitForGpu(ctx)
}

// ReleaseDeferred destroys released resources the GPU has finished with and returns how many
// were destroyed. Pools referencing other pools are drained first, so a descriptor set
// released in this call lets its root signature be destroyed in the same call once its
// fences have completed.
func (d *Device) ReleaseDeferred() int {
	released := d.descriptorSets.ReleaseDeferred()
	released += d.pipelines.ReleaseDeferred()
	released += d.gpuBuffers.ReleaseDeferred()
	released += d.depthBuffers.ReleaseDeferred()
	released += d.colorBuffers.ReleaseDeferred()
	released += d.rootSignatures.ReleaseDeferred()

	if released > 0 {
		d.logger.Debug("Device::ReleaseDeferred", slog.Int("released", released))
	}
	return released
}

// Destroy waits for the GPU, then tears down every object owned by the device. Resources
// that were never released are destroyed anyway and reported in the returned error.
func (d *Device) Destroy(ctx context.Context) error {
	d.logger.Debug("Device::Destroy", slog.String("name", d.name))

	err := d.WaitForGpu(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to wait for the GPU before destroying the device")
	}

	d.contexts.Destroy()

	d.graphicsPipelineCache.purge()
	d.computePipelineCache.purge()
	d.rootSignatureCache.purge()

	for _, destroy := range []func() error{
		d.descriptorSets.Destroy,
		d.pipelines.Destroy,
		d.gpuBuffers.Destroy,
		d.depthBuffers.Destroy,
		d.colorBuffers.Destroy,
		d.rootSignatures.Destroy,
	} {
		err = errors.CombineErrors(err, destroy())
	}

	d.gpuPages.Destroy()
	d.cpuPages.Destroy()
	d.shaderVisible.Destroy()
	for _, allocator := range d.descriptors {
		allocator.Destroy()
	}

	d.samplerMutex.Lock()
	d.samplers.Clear()
	d.samplerMutex.Unlock()

	d.queues.Destroy()
	return err
}

func (d *Device) String() string {
	return fmt.Sprintf("Device(%s %s)", d.name, d.id)
}
