package native

import (
	"github.com/gogpu/gputypes"
	"github.com/vkngwrapper/core/v2/common"
)

// ResourceDimension is the shape of a committed resource
type ResourceDimension uint8

const (
	DimensionBuffer ResourceDimension = iota
	DimensionTexture1D
	DimensionTexture2D
	DimensionTexture3D
)

// ResourceFlags declares the views a resource must support
type ResourceFlags int32

var resourceFlagsMapping = common.NewFlagStringMapping[ResourceFlags]()

func (f ResourceFlags) Register(str string) {
	resourceFlagsMapping.Register(f, str)
}
func (f ResourceFlags) String() string {
	return resourceFlagsMapping.FlagsToString(f)
}

const (
	ResourceAllowRenderTarget ResourceFlags = 1 << iota
	ResourceAllowDepthStencil
	ResourceAllowUnorderedAccess
	ResourceDenyShaderResource
)

func init() {
	ResourceAllowRenderTarget.Register("AllowRenderTarget")
	ResourceAllowDepthStencil.Register("AllowDepthStencil")
	ResourceAllowUnorderedAccess.Register("AllowUnorderedAccess")
	ResourceDenyShaderResource.Register("DenyShaderResource")
}

// ResourceDesc describes a committed resource. Buffers use Width as their byte size and
// leave Format undefined.
type ResourceDesc struct {
	Dimension        ResourceDimension
	Width            uint64
	Height           uint32
	DepthOrArraySize uint16
	MipLevels        uint16
	Format           gputypes.TextureFormat
	SampleCount      uint32
	Flags            ResourceFlags
}

// ClearValue is the optimized clear value of a render target or depth target
type ClearValue struct {
	Format  gputypes.TextureFormat
	Color   [4]float32
	Depth   float32
	Stencil uint8
}

// ViewKind selects which descriptor CreateView writes
type ViewKind uint8

const (
	ViewSRV ViewKind = iota + 1
	ViewUAV
	ViewCBV
	ViewRTV
	ViewDSV
)

var viewKindNames = [...]string{"None", "SRV", "UAV", "CBV", "RTV", "DSV"}

func (k ViewKind) String() string {
	if int(k) < len(viewKindNames) {
		return viewKindNames[k]
	}
	return "ViewKind(?)"
}

// HeapType is the descriptor heap type views of this kind are written into
func (k ViewKind) HeapType() DescriptorHeapType {
	switch k {
	case ViewRTV:
		return DescriptorHeapRTV
	case ViewDSV:
		return DescriptorHeapDSV
	default:
		return DescriptorHeapCBVSRVUAV
	}
}

// ViewDesc describes a resource view. Fields that do not apply to Kind and the resource's
// dimension are ignored.
type ViewDesc struct {
	Kind   ViewKind
	Format gputypes.TextureFormat

	// Texture views
	MostDetailedMip uint32
	MipLevels       uint32
	MipSlice        uint32
	FirstArraySlice uint32
	ArraySize       uint32
	PlaneSlice      uint32
	ReadOnlyDepth   bool
	ReadOnlyStencil bool

	// Buffer views
	FirstElement        uint64
	NumElements         uint32
	StructureByteStride uint32
	Raw                 bool

	// Constant buffer views
	BufferLocation GPUVirtualAddress
	SizeInBytes    uint32
}

// SamplerDesc describes a sampler descriptor
type SamplerDesc struct {
	MinFilter     gputypes.FilterMode
	MagFilter     gputypes.FilterMode
	MipFilter     gputypes.FilterMode
	AddressU      gputypes.AddressMode
	AddressV      gputypes.AddressMode
	AddressW      gputypes.AddressMode
	MipLODBias    float32
	MaxAnisotropy uint32
	Compare       gputypes.CompareFunction
	BorderColor   [4]float32
	MinLOD        float32
	MaxLOD        float32
}
