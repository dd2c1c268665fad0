package rhi

import (
	"log/slog"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/lunaengine/rhi/internal/pool"
	"github.com/lunaengine/rhi/native"
)

// TextureDimension is the shape of a color buffer
type TextureDimension uint8

const (
	Texture2D TextureDimension = iota
	Texture2DArray
	Texture3D
)

var textureDimensionNames = [...]string{"Texture2D", "Texture2DArray", "Texture3D"}

func (d TextureDimension) String() string {
	if int(d) < len(textureDimensionNames) {
		return textureDimensionNames[d]
	}
	return "TextureDimension(?)"
}

// ColorBufferDesc describes a render target texture
type ColorBufferDesc struct {
	Name      string
	Dimension TextureDimension
	Width     uint64
	Height    uint32
	// ArraySizeOrDepth is the slice count of arrays and the depth of 3D textures. Zero means one.
	ArraySizeOrDepth uint32
	// NumMips is the mip count. Zero selects the full chain.
	NumMips uint32
	// NumSamples is the MSAA sample count. Zero means one.
	NumSamples uint32
	Format     gputypes.TextureFormat
	ClearColor [4]float32

	// imported is set for buffers wrapping a native resource owned by the caller
	imported native.Resource
}

type colorBufferData struct {
	resource native.Resource
	usage    resourceState
	rtv      native.CPUHandle
	srv      native.CPUHandle
	uavs     []native.CPUHandle
	numMips  uint32
}

func (d *colorBufferData) GetNativeObject() native.Resource { return d.resource }
func (d *colorBufferData) state() *resourceState            { return &d.usage }

// ColorBuffer is a reference-counted render target texture
type ColorBuffer struct {
	handle *pool.Handle[ColorBufferDesc, *colorBufferData]
}

var _ GpuResource = &ColorBuffer{}

func (b *ColorBuffer) data() *colorBufferData { return b.handle.Data() }

func (b *ColorBuffer) GetNativeObject() native.Resource { return b.data().resource }
func (b *ColorBuffer) state() *resourceState            { return &b.data().usage }

// Retain adds a reference to the buffer
func (b *ColorBuffer) Retain() *ColorBuffer {
	b.handle.Retain()
	return b
}

// Release drops a reference. The texture and its views are destroyed once the last
// reference is gone and the GPU is done with it.
func (b *ColorBuffer) Release() {
	b.handle.Release()
}

func (b *ColorBuffer) Name() string    { return b.handle.Desc().Name }
func (b *ColorBuffer) Width() uint64   { return b.handle.Desc().Width }
func (b *ColorBuffer) Height() uint32  { return b.handle.Desc().Height }
func (b *ColorBuffer) NumMips() uint32 { return b.data().numMips }
func (b *ColorBuffer) Format() gputypes.TextureFormat {
	return b.handle.Desc().Format
}
func (b *ColorBuffer) ClearColor() [4]float32 { return b.handle.Desc().ClearColor }

// DepthOrArraySize is the slice count of arrays and the depth of 3D textures
func (b *ColorBuffer) DepthOrArraySize() uint32 {
	return max(b.handle.Desc().ArraySizeOrDepth, 1)
}

func (b *ColorBuffer) NumSamples() uint32 {
	return max(b.handle.Desc().NumSamples, 1)
}

// PlaneCount is the number of format planes. Color formats have one.
func (b *ColorBuffer) PlaneCount() uint8 {
	return formatPlaneCount(b.handle.Desc().Format)
}

// UsageState is the state the buffer will be in after every recorded transition
func (b *ColorBuffer) UsageState() ResourceState { return b.data().usage.usage }

func (b *ColorBuffer) RTV() native.CPUHandle { return b.data().rtv }
func (b *ColorBuffer) SRV() native.CPUHandle { return b.data().srv }

// UAV returns the unordered access view of the top mip. Multisampled buffers have none.
func (b *ColorBuffer) UAV() native.CPUHandle { return b.MipUAV(0) }

// MipUAV returns the unordered access view of one mip level
func (b *ColorBuffer) MipUAV(mip uint32) native.CPUHandle {
	uavs := b.data().uavs
	if int(mip) >= len(uavs) {
		return 0
	}
	return uavs[mip]
}

// mipChainLength is the number of mips down to 1x1
func mipChainLength(width uint64, height uint32) uint32 {
	return uint32(bits.Len64(max(width, uint64(height), 1)))
}

type colorBufferFactory struct {
	logger      *slog.Logger
	device      native.Device
	descriptors *descriptorAllocators
}

func (f *colorBufferFactory) Create(index int, desc ColorBufferDesc) (*colorBufferData, error) {
	f.logger.Debug("ColorBufferFactory::Create",
		slog.String("name", desc.Name),
		slog.Int("index", index))

	if desc.imported != nil {
		return f.importResource(desc)
	}

	if desc.Width == 0 || desc.Height == 0 {
		return nil, errors.Newf("color buffer %q has zero extent %dx%d", desc.Name, desc.Width, desc.Height)
	}

	numMips := desc.NumMips
	if numMips == 0 {
		numMips = mipChainLength(desc.Width, desc.Height)
	}
	samples := max(desc.NumSamples, 1)
	slices := max(desc.ArraySizeOrDepth, 1)

	flags := native.ResourceAllowRenderTarget
	if samples == 1 {
		flags |= native.ResourceAllowUnorderedAccess
	}

	dimension := native.DimensionTexture2D
	if desc.Dimension == Texture3D {
		dimension = native.DimensionTexture3D
	}

	resource, err := f.device.CreateCommittedResource(native.HeapDefault, native.ResourceDesc{
		Dimension:        dimension,
		Width:            desc.Width,
		Height:           desc.Height,
		DepthOrArraySize: uint16(slices),
		MipLevels:        uint16(numMips),
		Format:           desc.Format,
		SampleCount:      samples,
		Flags:            flags,
	}, native.ResourceStateCommon, &native.ClearValue{Format: desc.Format, Color: desc.ClearColor})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create color buffer %q", desc.Name)
	}
	resource.SetName(desc.Name)

	data := &colorBufferData{
		resource: resource,
		usage:    resourceState{usage: native.ResourceStateCommon},
		numMips:  numMips,
	}

	err = f.createViews(data, desc.Format, slices, samples)
	if err != nil {
		resource.Release()
		return nil, err
	}

	return data, nil
}

func (f *colorBufferFactory) importResource(desc ColorBufferDesc) (*colorBufferData, error) {
	resourceDesc := desc.imported.Desc()

	data := &colorBufferData{
		resource: desc.imported,
		usage:    resourceState{usage: native.ResourceStatePresent},
		numMips:  uint32(max(resourceDesc.MipLevels, 1)),
	}

	var err error
	data.rtv, err = f.descriptors.allocate(native.DescriptorHeapRTV)
	if err != nil {
		return nil, err
	}
	f.device.CreateView(data.resource, native.ViewDesc{Kind: native.ViewRTV, Format: resourceDesc.Format}, data.rtv)

	data.srv, err = f.descriptors.allocate(native.DescriptorHeapCBVSRVUAV)
	if err != nil {
		return nil, err
	}
	f.device.CreateView(data.resource, native.ViewDesc{
		Kind:      native.ViewSRV,
		Format:    resourceDesc.Format,
		MipLevels: data.numMips,
	}, data.srv)

	return data, nil
}

func (f *colorBufferFactory) createViews(data *colorBufferData, format gputypes.TextureFormat, slices, samples uint32) error {
	var err error

	data.rtv, err = f.descriptors.allocate(native.DescriptorHeapRTV)
	if err != nil {
		return err
	}
	f.device.CreateView(data.resource, native.ViewDesc{
		Kind:      native.ViewRTV,
		Format:    format,
		ArraySize: slices,
	}, data.rtv)

	data.srv, err = f.descriptors.allocate(native.DescriptorHeapCBVSRVUAV)
	if err != nil {
		return err
	}
	f.device.CreateView(data.resource, native.ViewDesc{
		Kind:      native.ViewSRV,
		Format:    format,
		MipLevels: data.numMips,
		ArraySize: slices,
	}, data.srv)

	if samples > 1 {
		return nil
	}

	data.uavs = make([]native.CPUHandle, data.numMips)
	for mip := range data.uavs {
		data.uavs[mip], err = f.descriptors.allocate(native.DescriptorHeapCBVSRVUAV)
		if err != nil {
			return err
		}
		f.device.CreateView(data.resource, native.ViewDesc{
			Kind:      native.ViewUAV,
			Format:    format,
			MipSlice:  uint32(mip),
			ArraySize: slices,
		}, data.uavs[mip])
	}

	return nil
}

func (f *colorBufferFactory) Destroy(index int, desc ColorBufferDesc, data *colorBufferData) {
	f.logger.Debug("ColorBufferFactory::Destroy",
		slog.String("name", desc.Name),
		slog.Int("index", index))

	// imported resources belong to the caller
	if desc.imported == nil {
		data.resource.Release()
	}
}
