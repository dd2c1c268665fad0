package rhi

import (
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/lunaengine/rhi/native"
	"github.com/stretchr/testify/require"
)

func materialSignature() RootSignatureDesc {
	return RootSignatureDesc{
		Name: "Material",
		Parameters: []RootParameter{
			{Type: native.RootParameterCBV},
			{Type: native.RootParameterConstants, Num32BitValues: 4},
			{
				Type:   native.RootParameterDescriptorTable,
				Ranges: []DescriptorRange{{Type: native.RangeSRV, NumDescriptors: 2, OffsetInTable: native.AppendAligned}},
			},
			{
				Type:   native.RootParameterDescriptorTable,
				Ranges: []DescriptorRange{{Type: native.RangeSampler, NumDescriptors: 1, OffsetInTable: native.AppendAligned}},
			},
		},
	}
}

func TestResourceSet(t *testing.T) {
	f := newDrawFixture(t, materialSignature(), CreateOptions{})

	constants, err := f.device.CreateGpuBuffer(GpuBufferDesc{Name: "PerObject", Kind: ConstantBuffer, ElementCount: 2, ElementSize: 256, MemoryAccess: MemoryCpuWrite})
	require.NoError(t, err)
	defer constants.Release()
	texture := createTarget(t, f.device, "Albedo")
	sampler, err := f.device.CreateSampler(SamplerDesc{MinFilter: gputypes.FilterModeLinear})
	require.NoError(t, err)

	resources, err := f.rs.CreateResourceSet()
	require.NoError(t, err)
	defer resources.Release()

	require.Same(t, f.rs, resources.RootSignature())
	require.Equal(t, 4, resources.NumDescriptorSets())
	require.True(t, resources.DescriptorSet(0).IsRootBuffer())
	require.Equal(t, native.DescriptorHeapSampler, resources.DescriptorSet(3).HeapType())
	require.Panics(t, func() { resources.DescriptorSet(1) })
	require.Panics(t, func() { resources.DescriptorSet(4) })
	require.False(t, resources.IsComplete())

	resources.SetCBV(0, 0, constants)
	resources.SetDynamicOffset(0, 256)
	resources.SetSRV(2, 0, texture)
	resources.SetSRV(2, 1, texture)
	require.False(t, resources.IsComplete())
	resources.SetSampler(3, 0, sampler)
	require.True(t, resources.IsComplete())
	require.Equal(t, constants.GPUAddress()+256, resources.DescriptorSet(0).GPUAddress())
	require.Panics(t, func() { resources.SetSRV(1, 0, texture) })
	require.Panics(t, func() { resources.SetDynamicOffset(2, 16) })

	before := f.backend.Counters()

	c := f.begin("Material")
	c.TransitionResource(texture, native.ResourceStatePixelShaderResource, true)
	c.SetResources(resources)
	c.SetConstants(1, 1, 2, 3, 4)
	c.Draw(3, 0)
	c.EndRendering()
	c.Finish(true)

	requireValid(t, f.backend)

	after := f.backend.Counters()
	require.Equal(t, 2, after.DescriptorTablesSet-before.DescriptorTablesSet)
	require.Equal(t, 3, after.DescriptorsCopied-before.DescriptorsCopied)
	require.Equal(t, 1, after.Draws-before.Draws)
}

func TestResourceSetRequiresMatchingRootSignature(t *testing.T) {
	f := newDrawFixture(t, srvTableSignature("Scene", 1, 1), CreateOptions{})

	other, err := f.device.CreateRootSignature(materialSignature())
	require.NoError(t, err)
	defer other.Release()

	resources, err := other.CreateResourceSet()
	require.NoError(t, err)
	defer resources.Release()

	c := f.begin("Mismatch")
	require.Panics(t, func() { c.SetResources(resources) })
	c.EndRendering()
	c.Finish(true)
}
