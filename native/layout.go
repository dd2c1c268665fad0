package native

import "fmt"

// RootParameterType is the kind of binding slot in a root signature
type RootParameterType uint8

const (
	RootParameterDescriptorTable RootParameterType = iota
	RootParameterConstants
	RootParameterCBV
	RootParameterSRV
	RootParameterUAV
)

var rootParameterTypeNames = [...]string{"DescriptorTable", "Constants", "CBV", "SRV", "UAV"}

func (t RootParameterType) String() string {
	if int(t) < len(rootParameterTypeNames) {
		return rootParameterTypeNames[t]
	}
	return fmt.Sprintf("RootParameterType(%d)", t)
}

// IsRootView reports whether the parameter binds a buffer by GPU address
func (t RootParameterType) IsRootView() bool {
	return t == RootParameterCBV || t == RootParameterSRV || t == RootParameterUAV
}

// DescriptorRangeType is the kind of descriptors a table range holds
type DescriptorRangeType uint8

const (
	RangeSRV DescriptorRangeType = iota
	RangeUAV
	RangeCBV
	RangeSampler
)

var rangeTypeNames = [...]string{"SRV", "UAV", "CBV", "Sampler"}

func (t DescriptorRangeType) String() string {
	if int(t) < len(rangeTypeNames) {
		return rangeTypeNames[t]
	}
	return fmt.Sprintf("DescriptorRangeType(%d)", t)
}

// AppendAligned places a range directly after the previous one in its table
const AppendAligned uint32 = 0xffffffff

// DescriptorRange is a run of descriptors of one type inside a descriptor table
type DescriptorRange struct {
	Type               DescriptorRangeType
	NumDescriptors     uint32
	BaseShaderRegister uint32
	RegisterSpace      uint32
	// OffsetInTable is the descriptor offset of the range from the table start, or AppendAligned
	OffsetInTable uint32
}

// ShaderVisibility restricts a root parameter to one shader stage
type ShaderVisibility uint8

const (
	VisibilityAll ShaderVisibility = iota
	VisibilityVertex
	VisibilityHull
	VisibilityDomain
	VisibilityGeometry
	VisibilityPixel
)

// RootParameter is one binding slot of a root signature
type RootParameter struct {
	Type       RootParameterType
	Visibility ShaderVisibility

	// Ranges is used by descriptor tables
	Ranges []DescriptorRange

	// ShaderRegister and RegisterSpace are used by root constants and root views
	ShaderRegister uint32
	RegisterSpace  uint32
	// Num32BitValues is used by root constants
	Num32BitValues uint32
}

// TableSize returns the number of descriptors a descriptor table parameter spans
func (p RootParameter) TableSize() uint32 {
	var size, cursor uint32
	for _, r := range p.Ranges {
		start := cursor
		if r.OffsetInTable != AppendAligned {
			start = r.OffsetInTable
		}
		cursor = start + r.NumDescriptors
		size = max(size, cursor)
	}
	return size
}

// RangeAt returns the range containing the descriptor at offset in a descriptor table
func (p RootParameter) RangeAt(offset uint32) (DescriptorRange, bool) {
	var cursor uint32
	for _, r := range p.Ranges {
		start := cursor
		if r.OffsetInTable != AppendAligned {
			start = r.OffsetInTable
		}
		cursor = start + r.NumDescriptors
		if offset >= start && offset < cursor {
			return r, true
		}
	}
	return DescriptorRange{}, false
}

// StaticSampler is a sampler baked into the root signature
type StaticSampler struct {
	SamplerDesc
	ShaderRegister uint32
	RegisterSpace  uint32
	Visibility     ShaderVisibility
}

// RootSignatureFlags toggles optional root signature features
type RootSignatureFlags uint32

const (
	RootSignatureAllowInputAssemblerInputLayout RootSignatureFlags = 1 << iota
	RootSignatureDenyVertexShaderRootAccess
	RootSignatureDenyPixelShaderRootAccess
)

// RootSignatureDesc describes the binding layout of a pipeline
type RootSignatureDesc struct {
	Parameters     []RootParameter
	StaticSamplers []StaticSampler
	Flags          RootSignatureFlags
}
