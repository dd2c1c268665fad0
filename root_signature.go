package rhi

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/lunaengine/rhi/descriptor"
	"github.com/lunaengine/rhi/internal/pool"
	"github.com/lunaengine/rhi/native"
)

// RootSignatureDesc describes the binding layout shared by pipelines and descriptor sets
type RootSignatureDesc struct {
	Name           string
	Flags          native.RootSignatureFlags
	Parameters     []RootParameter
	StaticSamplers []StaticSampler
}

func (d *RootSignatureDesc) hash() uint64 {
	h := newHasher().u32(uint32(d.Flags)).u32(uint32(len(d.Parameters)))
	for _, p := range d.Parameters {
		h.u32(uint32(p.Type)).u32(uint32(p.Visibility)).u32(p.ShaderRegister).u32(p.RegisterSpace).u32(p.Num32BitValues)
		h.u32(uint32(len(p.Ranges)))
		for _, r := range p.Ranges {
			h.u32(uint32(r.Type)).u32(r.NumDescriptors).u32(r.BaseShaderRegister).u32(r.RegisterSpace).u32(r.OffsetInTable)
		}
	}

	h.u32(uint32(len(d.StaticSamplers)))
	for _, s := range d.StaticSamplers {
		h.u32(s.ShaderRegister).u32(s.RegisterSpace).u32(uint32(s.Visibility))
		hashSampler(h, s.SamplerDesc)
	}
	return h.sum()
}

func hashSampler(h *hasher, s native.SamplerDesc) {
	h.u32(uint32(s.MinFilter)).u32(uint32(s.MagFilter)).u32(uint32(s.MipFilter))
	h.u32(uint32(s.AddressU)).u32(uint32(s.AddressV)).u32(uint32(s.AddressW))
	h.f32(s.MipLODBias).u32(s.MaxAnisotropy).u32(uint32(s.Compare))
	for _, c := range s.BorderColor {
		h.f32(c)
	}
	h.f32(s.MinLOD).f32(s.MaxLOD)
}

// tableLayout validates the descriptor tables of desc and computes the layout dynamic
// descriptor heaps stage them with
func (d *RootSignatureDesc) tableLayout() (descriptor.TableLayout, error) {
	layout := descriptor.TableLayout{TableSizes: make([]uint32, len(d.Parameters))}

	if len(d.Parameters) > descriptor.MaxDescriptorTables {
		return layout, errors.Newf("root signature %q has %d parameters, at most %d are supported", d.Name, len(d.Parameters), descriptor.MaxDescriptorTables)
	}

	var views, samplers uint32
	for i, p := range d.Parameters {
		if p.Type != native.RootParameterDescriptorTable {
			continue
		}
		if len(p.Ranges) == 0 {
			return layout, errors.Newf("root signature %q parameter %d is a descriptor table without ranges", d.Name, i)
		}

		sampler := p.Ranges[0].Type == native.RangeSampler
		for _, r := range p.Ranges[1:] {
			if (r.Type == native.RangeSampler) != sampler {
				return layout, errors.Newf("root signature %q parameter %d mixes sampler and non-sampler ranges", d.Name, i)
			}
		}

		size := p.TableSize()
		if size == 0 || size > descriptor.MaxTableSize {
			return layout, errors.Newf("root signature %q parameter %d spans %d descriptors, tables hold 1 to %d", d.Name, i, size, descriptor.MaxTableSize)
		}

		layout.TableSizes[i] = size
		if sampler {
			layout.SamplerTableBitmap |= 1 << uint(i)
			samplers += size
		} else {
			layout.DescriptorTableBitmap |= 1 << uint(i)
			views += size
		}
	}

	if views > descriptor.MaxCachedDescriptors || samplers > descriptor.MaxCachedDescriptors {
		return layout, errors.Newf("root signature %q declares %d view and %d sampler descriptors, at most %d of each are supported",
			d.Name, views, samplers, descriptor.MaxCachedDescriptors)
	}
	return layout, nil
}

type rootSignatureData struct {
	native native.RootSignature
	layout descriptor.TableLayout
	hash   uint64
}

// RootSignature is a reference-counted binding layout
type RootSignature struct {
	owner  *Device
	handle *pool.Handle[RootSignatureDesc, *rootSignatureData]
}

func (r *RootSignature) data() *rootSignatureData { return r.handle.Data() }

func (r *RootSignature) GetNativeObject() native.RootSignature { return r.data().native }

func (r *RootSignature) Retain() *RootSignature {
	r.handle.Retain()
	return r
}

func (r *RootSignature) Release() {
	r.handle.Release()
}

func (r *RootSignature) Name() string { return r.handle.Desc().Name }

func (r *RootSignature) NumParameters() int { return len(r.handle.Desc().Parameters) }

// Parameter returns the root parameter at rootIndex
func (r *RootSignature) Parameter(rootIndex uint32) RootParameter {
	return r.handle.Desc().Parameters[rootIndex]
}

// Layout returns the descriptor table layout of the root signature
func (r *RootSignature) Layout() descriptor.TableLayout { return r.data().layout }

// CreateDescriptorSet creates a set of descriptors for the root parameter at rootIndex
func (r *RootSignature) CreateDescriptorSet(rootIndex uint32) (*DescriptorSet, error) {
	return r.owner.createDescriptorSet(r, rootIndex)
}

type rootSignatureFactory struct {
	logger *slog.Logger
	device native.Device
}

func (f *rootSignatureFactory) Create(index int, desc RootSignatureDesc) (*rootSignatureData, error) {
	f.logger.Debug("RootSignatureFactory::Create",
		slog.String("name", desc.Name),
		slog.Int("index", index))

	layout, err := desc.tableLayout()
	if err != nil {
		return nil, err
	}

	rs, err := f.device.CreateRootSignature(native.RootSignatureDesc{
		Parameters:     desc.Parameters,
		StaticSamplers: desc.StaticSamplers,
		Flags:          desc.Flags,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create root signature %q", desc.Name)
	}
	rs.SetName(desc.Name)

	return &rootSignatureData{native: rs, layout: layout, hash: desc.hash()}, nil
}

func (f *rootSignatureFactory) Destroy(index int, desc RootSignatureDesc, data *rootSignatureData) {
	f.logger.Debug("RootSignatureFactory::Destroy",
		slog.String("name", desc.Name),
		slog.Int("index", index))

	data.native.Release()
}
