package native

import "github.com/gogpu/gputypes"

// InputElement is one vertex attribute of an input layout
type InputElement struct {
	SemanticName      string
	SemanticIndex     uint32
	Format            gputypes.VertexFormat
	InputSlot         uint32
	AlignedByteOffset uint32
	PerInstance       bool
	InstanceStepRate  uint32
}

// GraphicsPipelineDesc describes a graphics pipeline state object
type GraphicsPipelineDesc struct {
	RootSignature RootSignature

	VS []byte
	PS []byte
	DS []byte
	HS []byte
	GS []byte

	InputLayout []InputElement
	Topology    gputypes.PrimitiveTopology

	CullMode  gputypes.CullMode
	FrontFace gputypes.FrontFace
	Wireframe bool

	DepthTestEnable  bool
	DepthWriteEnable bool
	DepthCompare     gputypes.CompareFunction
	StencilEnable    bool

	BlendEnable bool

	RTVFormats  []gputypes.TextureFormat
	DSVFormat   gputypes.TextureFormat
	SampleCount uint32
}

// ComputePipelineDesc describes a compute pipeline state object
type ComputePipelineDesc struct {
	RootSignature RootSignature
	CS            []byte
}
