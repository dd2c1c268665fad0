package rhi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/lunaengine/rhi/linear"
	"github.com/lunaengine/rhi/native"
	"github.com/lunaengine/rhi/native/soft"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// readyDevice creates a device over a free-running soft backend and destroys it when the
// test ends
func readyDevice(t *testing.T, options CreateOptions) (*Device, *soft.Device) {
	logger := testLogger()
	backend := soft.NewDevice(logger, soft.Options{})
	t.Cleanup(backend.Close)

	device, err := New(logger, backend, options)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = device.Destroy(context.Background())
	})
	return device, backend
}

// manualDevice creates a device whose GPU work only executes when the test advances the soft
// queues. It is never destroyed, since waiting for the GPU would block.
func manualDevice(t *testing.T) (*Device, *soft.Device) {
	logger := testLogger()
	backend := soft.NewDevice(logger, soft.Options{ManualExecution: true})
	t.Cleanup(backend.Close)

	device, err := New(logger, backend, CreateOptions{})
	require.NoError(t, err)
	return device, backend
}

func requireValid(t *testing.T, backend *soft.Device) {
	backend.Drain()
	require.Empty(t, backend.ValidationErrors())
}

func createTarget(t *testing.T, device *Device, name string) *ColorBuffer {
	target, err := device.CreateColorBuffer(ColorBufferDesc{
		Name:   name,
		Width:  64,
		Height: 64,
		Format: gputypes.TextureFormatRGBA8Unorm,
	})
	require.NoError(t, err)
	t.Cleanup(target.Release)
	return target
}

func srvTableSignature(name string, tables int, descriptorsPerTable uint32) RootSignatureDesc {
	desc := RootSignatureDesc{Name: name}
	for i := 0; i < tables; i++ {
		desc.Parameters = append(desc.Parameters, RootParameter{
			Type: native.RootParameterDescriptorTable,
			Ranges: []DescriptorRange{{
				Type:               native.RangeSRV,
				NumDescriptors:     descriptorsPerTable,
				BaseShaderRegister: uint32(i) * descriptorsPerTable,
				OffsetInTable:      native.AppendAligned,
			}},
		})
	}
	return desc
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	backend := soft.NewDevice(testLogger(), soft.Options{})
	t.Cleanup(backend.Close)

	_, err := New(testLogger(), backend, CreateOptions{PoolCapacities: PoolCapacities{GpuBuffers: 3}})
	require.ErrorContains(t, err, "gpu_buffers")
}

func TestLoadOptions(t *testing.T) {
	options, err := LoadOptions(strings.NewReader(`
name = "Renderer"
externally_synchronized = true
descriptors_per_heap = 512

[pools]
gpu_buffers = 8192
`))
	require.NoError(t, err)
	require.Equal(t, "Renderer", options.Name)
	require.Equal(t, CreateExternallySynchronized, options.Flags)
	require.Equal(t, uint32(512), options.DescriptorsPerHeap)
	require.Equal(t, 8192, options.PoolCapacities.GpuBuffers)
	require.Zero(t, options.PoolCapacities.ColorBuffers)

	_, err = LoadOptions(strings.NewReader(`descriptor_heaps = 3`))
	require.Error(t, err)

	_, err = LoadOptions(strings.NewReader("[pools]\ncolor_buffers = 1"))
	require.ErrorContains(t, err, "color_buffers")
}

func TestColorBufferViews(t *testing.T) {
	device, _ := readyDevice(t, CreateOptions{})

	target := createTarget(t, device, "Scene")
	require.Equal(t, uint32(7), target.NumMips())
	require.Equal(t, native.ResourceStateCommon, target.UsageState())
	require.NotZero(t, target.RTV())
	require.NotZero(t, target.SRV())
	for mip := uint32(0); mip < target.NumMips(); mip++ {
		require.NotZero(t, target.MipUAV(mip))
	}

	msaa, err := device.CreateColorBuffer(ColorBufferDesc{
		Name:       "Resolve",
		Width:      32,
		Height:     32,
		NumMips:    1,
		NumSamples: 4,
		Format:     gputypes.TextureFormatRGBA8Unorm,
	})
	require.NoError(t, err)
	defer msaa.Release()
	require.Zero(t, msaa.UAV())
}

func TestImportedColorBufferOutlivesDestroy(t *testing.T) {
	device, backend := readyDevice(t, CreateOptions{})

	image, err := backend.CreateCommittedResource(native.HeapDefault, native.ResourceDesc{
		Dimension:        native.DimensionTexture2D,
		Width:            128,
		Height:           72,
		DepthOrArraySize: 1,
		MipLevels:        1,
		Format:           gputypes.TextureFormatBGRA8Unorm,
		SampleCount:      1,
		Flags:            native.ResourceAllowRenderTarget,
	}, native.ResourceStatePresent, nil)
	require.NoError(t, err)

	buffer, err := device.CreateColorBufferFromNative("SwapChain0", image)
	require.NoError(t, err)
	require.Equal(t, native.ResourceStatePresent, buffer.UsageState())
	require.Equal(t, uint64(128), buffer.Width())
	require.Equal(t, uint32(72), buffer.Height())
	require.Equal(t, uint32(1), buffer.DepthOrArraySize())
	require.Equal(t, uint32(1), buffer.NumSamples())
	require.Equal(t, gputypes.TextureFormatBGRA8Unorm, buffer.Format())

	buffer.Release()
	require.NoError(t, device.WaitForGpu(context.Background()))
	device.ReleaseDeferred()
	require.False(t, image.(*soft.Resource).Released())
}

func TestDepthBufferViews(t *testing.T) {
	device, _ := readyDevice(t, CreateOptions{})

	depth, err := device.CreateDepthBuffer(DepthBufferDesc{
		Name:       "SceneDepth",
		Width:      64,
		Height:     64,
		Format:     gputypes.TextureFormatDepth24PlusStencil8,
		ClearDepth: 1,
	})
	require.NoError(t, err)
	defer depth.Release()

	require.Equal(t, native.ResourceStateDepthWrite, depth.UsageState())
	require.Equal(t, uint8(2), depth.PlaneCount())
	require.NotZero(t, depth.StencilSRV())
	require.NotEqual(t, depth.DSV(DepthStencilReadWrite), depth.DSV(DepthStencilReadOnly))
	require.NotEqual(t, depth.DSV(DepthReadOnly), depth.DSV(StencilReadOnly))
}

func TestGpuBufferInitialData(t *testing.T) {
	device, backend := readyDevice(t, CreateOptions{})

	payload := []byte("vertex data that must reach the GPU-only buffer")
	buffer, err := device.CreateGpuBuffer(GpuBufferDesc{
		Name:         "Vertices",
		Kind:         StructuredBuffer,
		ElementCount: 16,
		ElementSize:  4,
		InitialData:  payload,
	})
	require.NoError(t, err)
	defer buffer.Release()

	resource := buffer.GetNativeObject().(*soft.Resource)
	require.Equal(t, payload, resource.Data()[:len(payload)])
	require.Equal(t, native.ResourceStateCommon, buffer.UsageState())
	require.Equal(t, native.ResourceStateCommon, resource.State())
	require.NotZero(t, buffer.SRV())
	require.NotZero(t, buffer.UAV())

	requireValid(t, backend)
}

func TestGpuBufferUploadDoesNotBlockPool(t *testing.T) {
	device, backend := manualDevice(t)
	copyQueue := backend.Queue(native.QueueCopy)

	payload := []byte("streamed geometry")
	uploaded := make(chan *GpuBuffer, 1)
	go func() {
		buffer, err := device.CreateGpuBuffer(GpuBufferDesc{Name: "Streamed", Kind: StructuredBuffer, ElementCount: 8, ElementSize: 4, InitialData: payload})
		if err != nil {
			t.Error(err)
		}
		uploaded <- buffer
	}()

	require.Eventually(t, func() bool { return copyQueue.Pending() == 2 }, time.Second, time.Millisecond)

	created := make(chan *GpuBuffer, 1)
	go func() {
		buffer, err := device.CreateGpuBuffer(GpuBufferDesc{Name: "Staging", Kind: StructuredBuffer, ElementCount: 8, ElementSize: 4, MemoryAccess: MemoryCpuWrite})
		if err != nil {
			t.Error(err)
		}
		created <- buffer
	}()

	select {
	case staging := <-created:
		require.NotNil(t, staging)
		require.Equal(t, uint64(32), staging.Size())
		staging.Release()
	case <-time.After(time.Second):
		copyQueue.Drain()
		require.FailNow(t, "buffer creation waited on another buffer's upload")
	}

	copyQueue.Drain()
	streamed := <-uploaded
	require.NotNil(t, streamed)
	defer streamed.Release()
	require.Equal(t, payload, streamed.GetNativeObject().(*soft.Resource).Data()[:len(payload)])
	require.Empty(t, backend.ValidationErrors())
}

func TestGpuBufferUpdate(t *testing.T) {
	device, _ := readyDevice(t, CreateOptions{})

	constants, err := device.CreateGpuBuffer(GpuBufferDesc{
		Name:         "Constants",
		Kind:         ConstantBuffer,
		ElementCount: 1,
		ElementSize:  64,
		MemoryAccess: MemoryCpuWrite,
	})
	require.NoError(t, err)
	defer constants.Release()

	require.Equal(t, uint64(256), constants.Size())
	require.NotZero(t, constants.CBV())
	require.NoError(t, constants.Update([]byte{1, 2, 3, 4}, 16))
	require.Error(t, constants.Update(make([]byte, 8), 252))

	resource := constants.GetNativeObject().(*soft.Resource)
	require.Equal(t, []byte{1, 2, 3, 4}, resource.Data()[16:20])

	gpuOnly, err := device.CreateGpuBuffer(GpuBufferDesc{Name: "Scratch", Kind: ByteAddressBuffer, ElementCount: 64, ElementSize: 4})
	require.NoError(t, err)
	defer gpuOnly.Release()
	require.Error(t, gpuOnly.Update([]byte{1}, 0))

	_, err = device.CreateGpuBuffer(GpuBufferDesc{Name: "Indices", Kind: IndexBuffer, ElementCount: 3, ElementSize: 1})
	require.Error(t, err)
}

func TestRootSignatureCache(t *testing.T) {
	device, _ := readyDevice(t, CreateOptions{})

	first, err := device.CreateRootSignature(srvTableSignature("First", 2, 4))
	require.NoError(t, err)
	defer first.Release()

	second, err := device.CreateRootSignature(srvTableSignature("Second", 2, 4))
	require.NoError(t, err)
	defer second.Release()

	require.Same(t, first, second)
	require.Equal(t, 1, device.rootSignatureCache.Len())
	require.Equal(t, uint32(0b11), first.Layout().DescriptorTableBitmap)
	require.Equal(t, []uint32{4, 4}, first.Layout().TableSizes)

	other, err := device.CreateRootSignature(srvTableSignature("Other", 3, 4))
	require.NoError(t, err)
	defer other.Release()
	require.NotSame(t, first, other)
	require.Equal(t, 2, device.rootSignatureCache.Len())
}

func TestRootSignatureRejectsMixedTables(t *testing.T) {
	device, _ := readyDevice(t, CreateOptions{})

	_, err := device.CreateRootSignature(RootSignatureDesc{
		Name: "Mixed",
		Parameters: []RootParameter{{
			Type: native.RootParameterDescriptorTable,
			Ranges: []DescriptorRange{
				{Type: native.RangeSRV, NumDescriptors: 2, OffsetInTable: native.AppendAligned},
				{Type: native.RangeSampler, NumDescriptors: 1, OffsetInTable: native.AppendAligned},
			},
		}},
	})
	require.ErrorContains(t, err, "mixes sampler and non-sampler ranges")
	require.Zero(t, device.rootSignatureCache.Len())
}

func TestPipelineCache(t *testing.T) {
	device, _ := readyDevice(t, CreateOptions{})

	rs, err := device.CreateRootSignature(srvTableSignature("Pipeline", 1, 1))
	require.NoError(t, err)
	defer rs.Release()

	desc := GraphicsPipelineDesc{
		Name:          "Opaque",
		RootSignature: rs,
		VS:            []byte{0x44, 0x58, 0x42, 0x43},
		Topology:      gputypes.PrimitiveTopologyTriangleList,
		RTVFormats:    []gputypes.TextureFormat{gputypes.TextureFormatRGBA8Unorm},
	}
	first, err := device.CreateGraphicsPipeline(desc)
	require.NoError(t, err)
	defer first.Release()

	desc.Name = "OpaqueAgain"
	second, err := device.CreateGraphicsPipeline(desc)
	require.NoError(t, err)
	defer second.Release()
	require.Same(t, first, second)

	desc.Wireframe = true
	third, err := device.CreateGraphicsPipeline(desc)
	require.NoError(t, err)
	defer third.Release()
	require.NotSame(t, first, third)

	compute, err := device.CreateComputePipeline(ComputePipelineDesc{Name: "Blur", RootSignature: rs, CS: []byte{1}})
	require.NoError(t, err)
	defer compute.Release()
	require.Same(t, rs, compute.RootSignature())

	_, err = device.CreateComputePipeline(ComputePipelineDesc{Name: "Empty", RootSignature: rs})
	require.Error(t, err)
	_, err = device.CreateGraphicsPipeline(GraphicsPipelineDesc{Name: "Unbound"})
	require.Error(t, err)
}

func TestSamplerDeduplication(t *testing.T) {
	device, _ := readyDevice(t, CreateOptions{})

	desc := SamplerDesc{
		MinFilter: gputypes.FilterModeLinear,
		MagFilter: gputypes.FilterModeLinear,
		AddressU:  gputypes.AddressModeClampToEdge,
		AddressV:  gputypes.AddressModeClampToEdge,
		AddressW:  gputypes.AddressModeClampToEdge,
		MaxLOD:    16,
	}
	first, err := device.CreateSampler(desc)
	require.NoError(t, err)
	second, err := device.CreateSampler(desc)
	require.NoError(t, err)
	require.Same(t, first, second)

	desc.MaxAnisotropy = 8
	third, err := device.CreateSampler(desc)
	require.NoError(t, err)
	require.NotEqual(t, first.Handle(), third.Handle())
}

func TestDescriptorSetBindings(t *testing.T) {
	device, _ := readyDevice(t, CreateOptions{})

	rs, err := device.CreateRootSignature(RootSignatureDesc{
		Name: "Material",
		Parameters: []RootParameter{
			{Type: native.RootParameterCBV},
			{
				Type: native.RootParameterDescriptorTable,
				Ranges: []DescriptorRange{
					{Type: native.RangeCBV, NumDescriptors: 1, OffsetInTable: native.AppendAligned},
					{Type: native.RangeSRV, NumDescriptors: 2, OffsetInTable: native.AppendAligned},
				},
			},
			{
				Type:   native.RootParameterDescriptorTable,
				Ranges: []DescriptorRange{{Type: native.RangeSampler, NumDescriptors: 1, OffsetInTable: native.AppendAligned}},
			},
			{Type: native.RootParameterConstants, Num32BitValues: 4},
		},
	})
	require.NoError(t, err)
	defer rs.Release()

	constants, err := device.CreateGpuBuffer(GpuBufferDesc{Name: "Constants", Kind: ConstantBuffer, ElementCount: 1, ElementSize: 256, MemoryAccess: MemoryCpuWrite})
	require.NoError(t, err)
	defer constants.Release()
	texture := createTarget(t, device, "Albedo")
	sampler, err := device.CreateSampler(SamplerDesc{MinFilter: gputypes.FilterModeLinear})
	require.NoError(t, err)

	root, err := rs.CreateDescriptorSet(0)
	require.NoError(t, err)
	defer root.Release()
	require.True(t, root.IsRootBuffer())
	require.False(t, root.IsComplete())
	root.SetCBV(0, constants)
	root.SetDynamicOffset(64)
	require.Equal(t, constants.GPUAddress()+64, root.GPUAddress())
	require.True(t, root.IsComplete())
	require.Panics(t, func() { root.SetCBV(1, constants) })
	require.Panics(t, func() { root.SetSRV(0, texture) })

	table, err := rs.CreateDescriptorSet(1)
	require.NoError(t, err)
	defer table.Release()
	require.Equal(t, uint32(3), table.NumDescriptors())
	require.Equal(t, native.DescriptorHeapCBVSRVUAV, table.HeapType())
	table.SetCBV(0, constants)
	table.SetSRV(1, texture)
	require.False(t, table.IsComplete())
	table.SetSRV(2, texture)
	require.True(t, table.IsComplete())
	require.Panics(t, func() { table.SetSRV(0, texture) })
	require.Panics(t, func() { table.SetSRV(3, texture) })
	require.Panics(t, func() { table.SetSampler(0, sampler) })
	require.Panics(t, func() { table.SetDynamicOffset(4) })

	samplers, err := rs.CreateDescriptorSet(2)
	require.NoError(t, err)
	defer samplers.Release()
	require.Equal(t, native.DescriptorHeapSampler, samplers.HeapType())
	samplers.SetSampler(0, sampler)
	require.Panics(t, func() { samplers.SetCBV(0, constants) })

	require.Panics(t, func() { _, _ = rs.CreateDescriptorSet(3) })
	require.Panics(t, func() { _, _ = rs.CreateDescriptorSet(4) })
}

func TestDeferredDestructionWaitsForGpu(t *testing.T) {
	device, backend := manualDevice(t)

	target, err := device.CreateColorBuffer(ColorBufferDesc{Name: "Deferred", Width: 16, Height: 16, Format: gputypes.TextureFormatRGBA8Unorm})
	require.NoError(t, err)
	resource := target.GetNativeObject().(*soft.Resource)

	c := device.BeginGraphics("Frame")
	c.TransitionResource(target, native.ResourceStateRenderTarget, true)
	fence := c.Finish(false)

	target.Release()
	require.Equal(t, 1, device.colorBuffers.Retired())
	require.Zero(t, device.ReleaseDeferred())
	require.False(t, resource.Released())
	require.False(t, device.IsFenceComplete(fence))

	backend.Queue(native.QueueGraphics).Drain()
	require.True(t, device.IsFenceComplete(fence))
	require.Equal(t, 1, device.ReleaseDeferred())
	require.True(t, resource.Released())

	replacement, err := device.CreateColorBuffer(ColorBufferDesc{Name: "Replacement", Width: 16, Height: 16, Format: gputypes.TextureFormatRGBA8Unorm})
	require.NoError(t, err)
	defer replacement.Release()
	require.Zero(t, device.colorBuffers.Retired())

	require.Empty(t, backend.ValidationErrors())
}

func TestDescriptorSetKeepsResourcesAlive(t *testing.T) {
	device, backend := manualDevice(t)

	rs, err := device.CreateRootSignature(srvTableSignature("Material", 1, 1))
	require.NoError(t, err)
	defer rs.Release()

	texture, err := device.CreateColorBuffer(ColorBufferDesc{Name: "Albedo", Width: 16, Height: 16, Format: gputypes.TextureFormatRGBA8Unorm})
	require.NoError(t, err)
	resource := texture.GetNativeObject().(*soft.Resource)

	set, err := rs.CreateDescriptorSet(0)
	require.NoError(t, err)
	set.SetSRV(0, texture)

	texture.Release()
	require.Zero(t, device.colorBuffers.Retired())

	c := device.BeginGraphics("Frame")
	c.TransitionResource(texture, native.ResourceStatePixelShaderResource, true)
	c.SetRootSignature(rs)
	c.SetDescriptors(0, set)
	fence := c.Finish(false)

	set.Release()
	require.Zero(t, device.ReleaseDeferred())
	require.False(t, resource.Released())

	backend.Queue(native.QueueGraphics).Drain()
	require.True(t, device.IsFenceComplete(fence))
	require.Equal(t, 2, device.ReleaseDeferred())
	require.True(t, resource.Released())
	require.Empty(t, backend.ValidationErrors())
}

func TestDescriptorSetReleasesOverwrittenResources(t *testing.T) {
	device, _ := readyDevice(t, CreateOptions{})

	rs, err := device.CreateRootSignature(RootSignatureDesc{
		Name:       "Overwrite",
		Parameters: []RootParameter{{Type: native.RootParameterCBV}},
	})
	require.NoError(t, err)
	defer rs.Release()

	first, err := device.CreateGpuBuffer(GpuBufferDesc{Name: "First", Kind: ConstantBuffer, ElementCount: 1, ElementSize: 256, MemoryAccess: MemoryCpuWrite})
	require.NoError(t, err)
	second, err := device.CreateGpuBuffer(GpuBufferDesc{Name: "Second", Kind: ConstantBuffer, ElementCount: 1, ElementSize: 256, MemoryAccess: MemoryCpuWrite})
	require.NoError(t, err)
	defer second.Release()

	set, err := rs.CreateDescriptorSet(0)
	require.NoError(t, err)
	set.SetCBV(0, first)
	require.Equal(t, 2, first.handle.RefCount())

	set.SetCBV(0, second)
	require.Equal(t, 1, first.handle.RefCount())
	require.Equal(t, 2, second.handle.RefCount())

	first.Release()
	set.Release()
	require.NoError(t, device.WaitForGpu(context.Background()))
	device.ReleaseDeferred()
	require.Equal(t, 1, second.handle.RefCount())
	require.Zero(t, device.gpuBuffers.Retired())
}

func TestDestroyReportsUnreleasedResources(t *testing.T) {
	logger := testLogger()
	backend := soft.NewDevice(logger, soft.Options{})
	t.Cleanup(backend.Close)

	device, err := New(logger, backend, CreateOptions{Name: "Leaky"})
	require.NoError(t, err)

	leaked, err := device.CreateColorBuffer(ColorBufferDesc{Name: "Leaked", Width: 8, Height: 8, Format: gputypes.TextureFormatRGBA8Unorm})
	require.NoError(t, err)
	resource := leaked.GetNativeObject().(*soft.Resource)

	rs, err := device.CreateRootSignature(srvTableSignature("Cached", 1, 1))
	require.NoError(t, err)
	rs.Release()

	err = device.Destroy(context.Background())
	require.ErrorContains(t, err, "ColorBuffer")
	require.NotContains(t, err.Error(), "RootSignature")
	require.True(t, resource.Released())
}

func TestBuildStatsString(t *testing.T) {
	device, _ := readyDevice(t, CreateOptions{Name: "Stats"})

	target := createTarget(t, device, "Backbuffer")
	c := device.BeginGraphics("Frame")
	c.TransitionResource(target, native.ResourceStateRenderTarget, true)
	_, err := c.AllocateUploadMemory(256)
	require.NoError(t, err)
	c.Finish(true)

	type pageStats struct {
		PageCount          int
		AllocationCount    int
		UnusedRangeCount   int
		UnusedRangeSizeMax int
	}
	var stats struct {
		Name        string
		LinearPages []struct {
			Type     string
			Detailed pageStats
		}
		Pools []struct {
			Name          string
			Live          int
			LiveResources []struct{ Name string }
		}
		Contexts map[string]int
	}
	require.NoError(t, json.Unmarshal([]byte(device.BuildStatsString(true)), &stats))
	require.Equal(t, "Stats", stats.Name)
	require.Equal(t, 1, stats.Contexts["Graphics"])
	require.Zero(t, stats.Contexts["Recording"])

	require.Len(t, stats.LinearPages, 2)
	require.Equal(t, "CpuWritable", stats.LinearPages[1].Type)
	require.Equal(t, pageStats{PageCount: 1, UnusedRangeCount: 1, UnusedRangeSizeMax: int(linear.CpuPageSize)}, stats.LinearPages[1].Detailed)
	require.Zero(t, stats.LinearPages[0].Detailed.PageCount)

	require.Len(t, stats.Pools, 6)
	require.Equal(t, "ColorBuffer", stats.Pools[0].Name)
	require.Equal(t, 1, stats.Pools[0].Live)
	require.Len(t, stats.Pools[0].LiveResources, 1)
	require.Equal(t, "Backbuffer", stats.Pools[0].LiveResources[0].Name)

	summary := device.BuildStatsString(false)
	require.NotContains(t, summary, "LiveResources")
	require.NotContains(t, summary, "UnusedRangeCount")
}
