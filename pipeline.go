package rhi

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/lunaengine/rhi/internal/pool"
	"github.com/lunaengine/rhi/native"
)

// GraphicsPipelineDesc describes a graphics pipeline state object
type GraphicsPipelineDesc struct {
	Name          string
	RootSignature *RootSignature

	VS []byte
	PS []byte
	HS []byte
	DS []byte
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
	BlendEnable      bool

	RTVFormats  []gputypes.TextureFormat
	DSVFormat   gputypes.TextureFormat
	SampleCount uint32
}

// ComputePipelineDesc describes a compute pipeline state object
type ComputePipelineDesc struct {
	Name          string
	RootSignature *RootSignature
	CS            []byte
}

const (
	graphicsPipelineSalt uint64 = 0x6772617068696373
	computePipelineSalt  uint64 = 0x636f6d7075746531
)

// hash covers every field but the name, so identical state under different names is
// created once
func (d *GraphicsPipelineDesc) hash() uint64 {
	h := newHasher().u64(graphicsPipelineSalt).u64(d.RootSignature.data().hash)
	h.bytes(d.VS).bytes(d.PS).bytes(d.HS).bytes(d.DS).bytes(d.GS)

	h.u32(uint32(len(d.InputLayout)))
	for _, e := range d.InputLayout {
		h.str(e.SemanticName).u32(e.SemanticIndex).u32(uint32(e.Format)).u32(e.InputSlot)
		h.u32(e.AlignedByteOffset).boolean(e.PerInstance).u32(e.InstanceStepRate)
	}

	h.u32(uint32(d.Topology)).u32(uint32(d.CullMode)).u32(uint32(d.FrontFace)).boolean(d.Wireframe)
	h.boolean(d.DepthTestEnable).boolean(d.DepthWriteEnable).u32(uint32(d.DepthCompare))
	h.boolean(d.StencilEnable).boolean(d.BlendEnable)

	h.u32(uint32(len(d.RTVFormats)))
	for _, f := range d.RTVFormats {
		h.u32(uint32(f))
	}
	return h.u32(uint32(d.DSVFormat)).u32(d.SampleCount).sum()
}

func (d *ComputePipelineDesc) hash() uint64 {
	return newHasher().u64(computePipelineSalt).u64(d.RootSignature.data().hash).bytes(d.CS).sum()
}

// pipelineDesc is stored in the shared pipeline pool. Exactly one of graphics and compute is
// used, selected by bindPoint.
type pipelineDesc struct {
	bindPoint native.BindPoint
	graphics  GraphicsPipelineDesc
	compute   ComputePipelineDesc
}

func (d pipelineDesc) name() string {
	if d.bindPoint == native.BindCompute {
		return d.compute.Name
	}
	return d.graphics.Name
}

type pipelineData struct {
	pso           native.PipelineState
	rootSignature *RootSignature
}

// GraphicsPipeline is a reference-counted graphics pipeline state object
type GraphicsPipeline struct {
	handle *pool.Handle[pipelineDesc, *pipelineData]
}

func (p *GraphicsPipeline) GetNativeObject() native.PipelineState { return p.handle.Data().pso }

func (p *GraphicsPipeline) Retain() *GraphicsPipeline {
	p.handle.Retain()
	return p
}

func (p *GraphicsPipeline) Release() {
	p.handle.Release()
}

func (p *GraphicsPipeline) Name() string                         { return p.handle.Desc().graphics.Name }
func (p *GraphicsPipeline) Desc() GraphicsPipelineDesc           { return p.handle.Desc().graphics }
func (p *GraphicsPipeline) RootSignature() *RootSignature        { return p.handle.Data().rootSignature }
func (p *GraphicsPipeline) Topology() gputypes.PrimitiveTopology { return p.handle.Desc().graphics.Topology }

// ComputePipeline is a reference-counted compute pipeline state object
type ComputePipeline struct {
	handle *pool.Handle[pipelineDesc, *pipelineData]
}

func (p *ComputePipeline) GetNativeObject() native.PipelineState { return p.handle.Data().pso }

func (p *ComputePipeline) Retain() *ComputePipeline {
	p.handle.Retain()
	return p
}

func (p *ComputePipeline) Release() {
	p.handle.Release()
}

func (p *ComputePipeline) Name() string                  { return p.handle.Desc().compute.Name }
func (p *ComputePipeline) RootSignature() *RootSignature { return p.handle.Data().rootSignature }

type pipelineFactory struct {
	logger *slog.Logger
	device native.Device
}

func (f *pipelineFactory) Create(index int, desc pipelineDesc) (*pipelineData, error) {
	f.logger.Debug("PipelineStateFactory::Create",
		slog.String("name", desc.name()),
		slog.String("bindPoint", desc.bindPoint.String()),
		slog.Int("index", index))

	var rs *RootSignature
	var pso native.PipelineState
	var err error

	if desc.bindPoint == native.BindCompute {
		c := desc.compute
		rs = c.RootSignature
		pso, err = f.device.CreateComputePipelineState(native.ComputePipelineDesc{
			RootSignature: rs.GetNativeObject(),
			CS:            c.CS,
		})
	} else {
		g := desc.graphics
		rs = g.RootSignature
		pso, err = f.device.CreateGraphicsPipelineState(native.GraphicsPipelineDesc{
			RootSignature:    rs.GetNativeObject(),
			VS:               g.VS,
			PS:               g.PS,
			DS:               g.DS,
			HS:               g.HS,
			GS:               g.GS,
			InputLayout:      g.InputLayout,
			Topology:         g.Topology,
			CullMode:         g.CullMode,
			FrontFace:        g.FrontFace,
			Wireframe:        g.Wireframe,
			DepthTestEnable:  g.DepthTestEnable,
			DepthWriteEnable: g.DepthWriteEnable,
			DepthCompare:     g.DepthCompare,
			StencilEnable:    g.StencilEnable,
			BlendEnable:      g.BlendEnable,
			RTVFormats:       g.RTVFormats,
			DSVFormat:        g.DSVFormat,
			SampleCount:      max(g.SampleCount, 1),
		})
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s pipeline %q", desc.bindPoint, desc.name())
	}
	pso.SetName(desc.name())

	return &pipelineData{pso: pso, rootSignature: rs.Retain()}, nil
}

func (f *pipelineFactory) Destroy(index int, desc pipelineDesc, data *pipelineData) {
	f.logger.Debug("PipelineStateFactory::Destroy",
		slog.String("name", desc.name()),
		slog.Int("index", index))

	data.pso.Release()
	data.rootSignature.Release()
}

// Sampler is a sampler descriptor in a CPU-only heap. Samplers are deduplicated by
// description and live as long as the device.
type Sampler struct {
	desc   SamplerDesc
	handle native.CPUHandle
}

func (s *Sampler) Desc() SamplerDesc        { return s.desc }
func (s *Sampler) Handle() native.CPUHandle { return s.handle }
