package rhi

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/lunaengine/rhi/internal/pool"
	"github.com/lunaengine/rhi/native"
)

// DepthStencilAspect selects which aspects of a depth buffer a render scope writes
type DepthStencilAspect uint8

const (
	DepthStencilReadWrite DepthStencilAspect = iota
	DepthReadOnly
	StencilReadOnly
	DepthStencilReadOnly
)

// DepthBufferDesc describes a depth-stencil texture
type DepthBufferDesc struct {
	Name   string
	Width  uint64
	Height uint32
	// ArraySize is the slice count. Zero means one.
	ArraySize uint32
	// NumSamples is the MSAA sample count. Zero means one.
	NumSamples   uint32
	Format       gputypes.TextureFormat
	ClearDepth   float32
	ClearStencil uint8
}

type depthBufferData struct {
	resource native.Resource
	usage    resourceState
	// dsvs is indexed by DepthStencilAspect
	dsvs       [4]native.CPUHandle
	depthSRV   native.CPUHandle
	stencilSRV native.CPUHandle
}

func (d *depthBufferData) GetNativeObject() native.Resource { return d.resource }
func (d *depthBufferData) state() *resourceState            { return &d.usage }

// DepthBuffer is a reference-counted depth-stencil texture
type DepthBuffer struct {
	handle *pool.Handle[DepthBufferDesc, *depthBufferData]
}

var _ GpuResource = &DepthBuffer{}

func (b *DepthBuffer) data() *depthBufferData { return b.handle.Data() }

func (b *DepthBuffer) GetNativeObject() native.Resource { return b.data().resource }
func (b *DepthBuffer) state() *resourceState            { return &b.data().usage }

func (b *DepthBuffer) Retain() *DepthBuffer {
	b.handle.Retain()
	return b
}

func (b *DepthBuffer) Release() {
	b.handle.Release()
}

func (b *DepthBuffer) Name() string                   { return b.handle.Desc().Name }
func (b *DepthBuffer) Width() uint64                  { return b.handle.Desc().Width }
func (b *DepthBuffer) Height() uint32                 { return b.handle.Desc().Height }
func (b *DepthBuffer) Format() gputypes.TextureFormat { return b.handle.Desc().Format }
func (b *DepthBuffer) ClearDepth() float32            { return b.handle.Desc().ClearDepth }
func (b *DepthBuffer) ClearStencil() uint8            { return b.handle.Desc().ClearStencil }
func (b *DepthBuffer) UsageState() ResourceState      { return b.data().usage.usage }
func (b *DepthBuffer) PlaneCount() uint8              { return formatPlaneCount(b.handle.Desc().Format) }

func (b *DepthBuffer) ArraySize() uint32 {
	return max(b.handle.Desc().ArraySize, 1)
}

func (b *DepthBuffer) NumSamples() uint32 {
	return max(b.handle.Desc().NumSamples, 1)
}

// DSV returns the depth-stencil view for the given aspect. Formats without stencil use the
// depth view for the stencil aspects.
func (b *DepthBuffer) DSV(aspect DepthStencilAspect) native.CPUHandle {
	return b.data().dsvs[aspect]
}

// SRV returns the depth plane shader resource view
func (b *DepthBuffer) SRV() native.CPUHandle { return b.data().depthSRV }

// StencilSRV returns the stencil plane shader resource view, or the null handle for formats
// without stencil
func (b *DepthBuffer) StencilSRV() native.CPUHandle { return b.data().stencilSRV }

func hasStencil(format gputypes.TextureFormat) bool {
	return format == gputypes.TextureFormatDepth24PlusStencil8
}

func formatPlaneCount(format gputypes.TextureFormat) uint8 {
	if hasStencil(format) {
		return 2
	}
	return 1
}

type depthBufferFactory struct {
	logger      *slog.Logger
	device      native.Device
	descriptors *descriptorAllocators
}

func (f *depthBufferFactory) Create(index int, desc DepthBufferDesc) (*depthBufferData, error) {
	f.logger.Debug("DepthBufferFactory::Create",
		slog.String("name", desc.Name),
		slog.Int("index", index))

	if desc.Width == 0 || desc.Height == 0 {
		return nil, errors.Newf("depth buffer %q has zero extent %dx%d", desc.Name, desc.Width, desc.Height)
	}

	slices := max(desc.ArraySize, 1)
	resource, err := f.device.CreateCommittedResource(native.HeapDefault, native.ResourceDesc{
		Dimension:        native.DimensionTexture2D,
		Width:            desc.Width,
		Height:           desc.Height,
		DepthOrArraySize: uint16(slices),
		MipLevels:        1,
		Format:           desc.Format,
		SampleCount:      max(desc.NumSamples, 1),
		Flags:            native.ResourceAllowDepthStencil,
	}, native.ResourceStateDepthWrite, &native.ClearValue{
		Format:  desc.Format,
		Depth:   desc.ClearDepth,
		Stencil: desc.ClearStencil,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create depth buffer %q", desc.Name)
	}
	resource.SetName(desc.Name)

	data := &depthBufferData{
		resource: resource,
		usage:    resourceState{usage: native.ResourceStateDepthWrite},
	}

	err = f.createViews(data, desc.Format, slices)
	if err != nil {
		resource.Release()
		return nil, err
	}
	return data, nil
}

func (f *depthBufferFactory) createView(data *depthBufferData, desc native.ViewDesc) (native.CPUHandle, error) {
	handle, err := f.descriptors.allocate(desc.Kind.HeapType())
	if err != nil {
		return 0, err
	}
	f.device.CreateView(data.resource, desc, handle)
	return handle, nil
}

func (f *depthBufferFactory) createViews(data *depthBufferData, format gputypes.TextureFormat, slices uint32) error {
	stencil := hasStencil(format)

	var err error
	data.dsvs[DepthStencilReadWrite], err = f.createView(data, native.ViewDesc{Kind: native.ViewDSV, Format: format, ArraySize: slices})
	if err != nil {
		return err
	}
	data.dsvs[DepthStencilReadOnly], err = f.createView(data, native.ViewDesc{
		Kind:            native.ViewDSV,
		Format:          format,
		ArraySize:       slices,
		ReadOnlyDepth:   true,
		ReadOnlyStencil: stencil,
	})
	if err != nil {
		return err
	}

	if stencil {
		data.dsvs[DepthReadOnly], err = f.createView(data, native.ViewDesc{Kind: native.ViewDSV, Format: format, ArraySize: slices, ReadOnlyDepth: true})
		if err != nil {
			return err
		}
		data.dsvs[StencilReadOnly], err = f.createView(data, native.ViewDesc{Kind: native.ViewDSV, Format: format, ArraySize: slices, ReadOnlyStencil: true})
		if err != nil {
			return err
		}
	} else {
		data.dsvs[DepthReadOnly] = data.dsvs[DepthStencilReadOnly]
		data.dsvs[StencilReadOnly] = data.dsvs[DepthStencilReadWrite]
	}

	data.depthSRV, err = f.createView(data, native.ViewDesc{Kind: native.ViewSRV, Format: format, MipLevels: 1, ArraySize: slices})
	if err != nil {
		return err
	}

	if stencil {
		data.stencilSRV, err = f.createView(data, native.ViewDesc{Kind: native.ViewSRV, Format: format, MipLevels: 1, ArraySize: slices, PlaneSlice: 1})
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *depthBufferFactory) Destroy(index int, desc DepthBufferDesc, data *depthBufferData) {
	f.logger.Debug("DepthBufferFactory::Destroy",
		slog.String("name", desc.Name),
		slog.Int("index", index))

	data.resource.Release()
}
