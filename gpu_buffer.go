package rhi

import (
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/lunaengine/rhi/internal/pool"
	"github.com/lunaengine/rhi/memutils"
	"github.com/lunaengine/rhi/native"
)

// GpuBufferKind selects the views a buffer is created with
type GpuBufferKind uint8

const (
	VertexBuffer GpuBufferKind = iota
	IndexBuffer
	ConstantBuffer
	ByteAddressBuffer
	StructuredBuffer
	TypedBuffer
	IndirectArgsBuffer
	ReadbackBuffer
)

var gpuBufferKindNames = [...]string{"VertexBuffer", "IndexBuffer", "ConstantBuffer", "ByteAddressBuffer",
	"StructuredBuffer", "TypedBuffer", "IndirectArgsBuffer", "ReadbackBuffer"}

func (k GpuBufferKind) String() string {
	if int(k) < len(gpuBufferKindNames) {
		return gpuBufferKindNames[k]
	}
	return fmt.Sprintf("GpuBufferKind(%d)", k)
}

// MemoryAccess selects the heap a buffer lives in
type MemoryAccess uint8

const (
	// MemoryGpuOnly buffers live in the default heap and are filled by GPU copies
	MemoryGpuOnly MemoryAccess = iota
	// MemoryCpuWrite buffers live in the upload heap and can be mapped for writing
	MemoryCpuWrite
	// MemoryCpuRead buffers live in the readback heap and can be mapped for reading
	MemoryCpuRead
)

const constantBufferAlignment = 256

// GpuBufferDesc describes a buffer. Constant buffer elements are padded to 256 bytes.
type GpuBufferDesc struct {
	Name         string
	Kind         GpuBufferKind
	ElementCount uint64
	ElementSize  uint64
	// Format is the element format of typed buffers
	Format       gputypes.TextureFormat
	MemoryAccess MemoryAccess
	// InitialData is copied into the buffer before Create returns
	InitialData []byte
}

type gpuBufferData struct {
	resource    native.Resource
	usage       resourceState
	elementSize uint64
	size        uint64

	srv native.CPUHandle
	uav native.CPUHandle
	cbv native.CPUHandle
}

// GpuBuffer is a reference-counted buffer
type GpuBuffer struct {
	handle *pool.Handle[GpuBufferDesc, *gpuBufferData]
}

var _ GpuResource = &GpuBuffer{}

func (b *GpuBuffer) data() *gpuBufferData { return b.handle.Data() }

func (b *GpuBuffer) GetNativeObject() native.Resource { return b.data().resource }
func (b *GpuBuffer) state() *resourceState            { return &b.data().usage }

func (b *GpuBuffer) Retain() *GpuBuffer {
	b.handle.Retain()
	return b
}

func (b *GpuBuffer) Release() {
	b.handle.Release()
}

func (b *GpuBuffer) Name() string                         { return b.handle.Desc().Name }
func (b *GpuBuffer) Kind() GpuBufferKind                  { return b.handle.Desc().Kind }
func (b *GpuBuffer) ElementCount() uint64                 { return b.handle.Desc().ElementCount }
func (b *GpuBuffer) ElementSize() uint64                  { return b.data().elementSize }
func (b *GpuBuffer) Size() uint64                         { return b.data().size }
func (b *GpuBuffer) GPUAddress() native.GPUVirtualAddress { return b.data().resource.GPUVirtualAddress() }
func (b *GpuBuffer) UsageState() ResourceState            { return b.data().usage.usage }

// SRV, UAV and CBV return the null handle when the buffer kind has no such view
func (b *GpuBuffer) SRV() native.CPUHandle { return b.data().srv }
func (b *GpuBuffer) UAV() native.CPUHandle { return b.data().uav }
func (b *GpuBuffer) CBV() native.CPUHandle { return b.data().cbv }

func (b *GpuBuffer) VertexBufferView() native.VertexBufferView {
	data := b.data()
	return native.VertexBufferView{
		Location:      data.resource.GPUVirtualAddress(),
		SizeInBytes:   uint32(data.size),
		StrideInBytes: uint32(data.elementSize),
	}
}

func (b *GpuBuffer) IndexBufferView() native.IndexBufferView {
	data := b.data()
	return native.IndexBufferView{
		Location:    data.resource.GPUVirtualAddress(),
		SizeInBytes: uint32(data.size),
		Is32Bit:     data.elementSize == 4,
	}
}

// Map returns the CPU view of an upload or readback buffer. Every Map must be paired with
// an Unmap.
func (b *GpuBuffer) Map() ([]byte, error) {
	data, err := b.data().resource.Map()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map buffer %q", b.Name())
	}
	return data, nil
}

func (b *GpuBuffer) Unmap() {
	b.data().resource.Unmap()
}

// Update writes data into an upload buffer at offset. The GPU must not be reading the
// written range.
func (b *GpuBuffer) Update(data []byte, offset uint64) error {
	if b.handle.Desc().MemoryAccess != MemoryCpuWrite {
		return errors.Newf("buffer %q is not CPU writable", b.Name())
	}
	if offset+uint64(len(data)) > b.Size() {
		return errors.Newf("update of %d bytes at offset %d overruns buffer %q of %d bytes", len(data), offset, b.Name(), b.Size())
	}

	mapped, err := b.Map()
	if err != nil {
		return err
	}
	defer b.Unmap()

	copy(mapped[offset:], data)
	return nil
}

type gpuBufferFactory struct {
	logger      *slog.Logger
	device      native.Device
	descriptors *descriptorAllocators
}

func bufferHeap(desc GpuBufferDesc) (native.HeapKind, native.ResourceState) {
	if desc.Kind == ReadbackBuffer || desc.MemoryAccess == MemoryCpuRead {
		return native.HeapReadback, native.ResourceStateCopyDest
	}
	if desc.MemoryAccess == MemoryCpuWrite {
		return native.HeapUpload, native.ResourceStateGenericRead
	}
	return native.HeapDefault, native.ResourceStateCommon
}

func (f *gpuBufferFactory) Create(index int, desc GpuBufferDesc) (*gpuBufferData, error) {
	f.logger.Debug("GpuBufferFactory::Create",
		slog.String("name", desc.Name),
		slog.String("kind", desc.Kind.String()),
		slog.Int("index", index))

	if desc.ElementCount == 0 || desc.ElementSize == 0 {
		return nil, errors.Newf("buffer %q has %d elements of %d bytes", desc.Name, desc.ElementCount, desc.ElementSize)
	}
	if desc.Kind == IndexBuffer && desc.ElementSize != 2 && desc.ElementSize != 4 {
		return nil, errors.Newf("index buffer %q has %d byte indices, expected 2 or 4", desc.Name, desc.ElementSize)
	}

	elementSize := desc.ElementSize
	if desc.Kind == ConstantBuffer {
		elementSize = memutils.AlignUp(elementSize, constantBufferAlignment)
	}
	size := desc.ElementCount * elementSize
	if uint64(len(desc.InitialData)) > size {
		return nil, errors.Newf("%d bytes of initial data overrun buffer %q of %d bytes", len(desc.InitialData), desc.Name, size)
	}

	heap, initialState := bufferHeap(desc)
	unordered := heap == native.HeapDefault && desc.Kind != VertexBuffer && desc.Kind != IndexBuffer && desc.Kind != ConstantBuffer

	var flags native.ResourceFlags
	if unordered {
		flags |= native.ResourceAllowUnorderedAccess
	}

	resource, err := f.device.CreateCommittedResource(heap, native.ResourceDesc{
		Dimension:        native.DimensionBuffer,
		Width:            size,
		Height:           1,
		DepthOrArraySize: 1,
		MipLevels:        1,
		SampleCount:      1,
		Flags:            flags,
	}, initialState, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create buffer %q", desc.Name)
	}
	resource.SetName(desc.Name)

	data := &gpuBufferData{
		resource:    resource,
		usage:       resourceState{usage: initialState},
		elementSize: elementSize,
		size:        size,
	}

	err = f.createViews(data, desc, unordered)
	if err == nil && len(desc.InitialData) > 0 {
		err = f.initialize(data, heap, desc.InitialData)
	}
	if err != nil {
		resource.Release()
		return nil, err
	}

	return data, nil
}

func (f *gpuBufferFactory) createView(resource native.Resource, desc native.ViewDesc) (native.CPUHandle, error) {
	handle, err := f.descriptors.allocate(native.DescriptorHeapCBVSRVUAV)
	if err != nil {
		return 0, err
	}
	f.device.CreateView(resource, desc, handle)
	return handle, nil
}

func (f *gpuBufferFactory) createViews(data *gpuBufferData, desc GpuBufferDesc, unordered bool) error {
	var srv, uav native.ViewDesc

	switch desc.Kind {
	case ConstantBuffer:
		var err error
		data.cbv, err = f.createView(nil, native.ViewDesc{
			Kind:           native.ViewCBV,
			BufferLocation: data.resource.GPUVirtualAddress(),
			SizeInBytes:    uint32(data.size),
		})
		return err
	case ByteAddressBuffer, IndirectArgsBuffer:
		srv = native.ViewDesc{Kind: native.ViewSRV, NumElements: uint32(data.size / 4), Raw: true}
		uav = native.ViewDesc{Kind: native.ViewUAV, NumElements: uint32(data.size / 4), Raw: true}
	case StructuredBuffer:
		srv = native.ViewDesc{Kind: native.ViewSRV, NumElements: uint32(desc.ElementCount), StructureByteStride: uint32(desc.ElementSize)}
		uav = native.ViewDesc{Kind: native.ViewUAV, NumElements: uint32(desc.ElementCount), StructureByteStride: uint32(desc.ElementSize)}
	case TypedBuffer:
		srv = native.ViewDesc{Kind: native.ViewSRV, Format: desc.Format, NumElements: uint32(desc.ElementCount)}
		uav = native.ViewDesc{Kind: native.ViewUAV, Format: desc.Format, NumElements: uint32(desc.ElementCount)}
	default:
		// vertex, index and readback buffers are bound by address
		return nil
	}

	var err error
	data.srv, err = f.createView(data.resource, srv)
	if err != nil {
		return err
	}
	if unordered {
		data.uav, err = f.createView(data.resource, uav)
	}
	return err
}

func (f *gpuBufferFactory) initialize(data *gpuBufferData, heap native.HeapKind, initial []byte) error {
	switch heap {
	case native.HeapUpload:
		mapped, err := data.resource.Map()
		if err != nil {
			return errors.Wrap(err, "failed to map buffer for initial data")
		}
		copy(mapped, initial)
		data.resource.Unmap()
		return nil
	case native.HeapReadback:
		return errors.New("readback buffers cannot be created with initial data")
	default:
		// default heap buffers are filled by the device once the pool slot is published
		return nil
	}
}

func (f *gpuBufferFactory) Destroy(index int, desc GpuBufferDesc, data *gpuBufferData) {
	f.logger.Debug("GpuBufferFactory::Destroy",
		slog.String("name", desc.Name),
		slog.Int("index", index))

	data.resource.Release()
}
