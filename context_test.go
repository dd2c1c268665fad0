package rhi

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/lunaengine/rhi/linear"
	"github.com/lunaengine/rhi/native"
	"github.com/lunaengine/rhi/native/soft"
	"github.com/stretchr/testify/require"
)

func barriersOn(backend *soft.Device, resource native.Resource) []native.Barrier {
	var barriers []native.Barrier
	for _, b := range backend.ExecutedBarriers() {
		if b.Resource == resource {
			barriers = append(barriers, b)
		}
	}
	return barriers
}

func TestTransitionsAcrossContexts(t *testing.T) {
	device, backend := readyDevice(t, CreateOptions{})
	target := createTarget(t, device, "Scene")

	first := device.BeginGraphics("Render")
	first.TransitionResource(target, native.ResourceStateRenderTarget, true)
	first.Finish(false)

	second := device.BeginGraphics("Sample")
	second.TransitionResource(target, native.ResourceStatePixelShaderResource, true)
	second.Finish(true)

	requireValid(t, backend)

	barriers := barriersOn(backend, target.GetNativeObject())
	require.Len(t, barriers, 2)
	require.Equal(t, native.ResourceStateCommon, barriers[0].Before)
	require.Equal(t, native.ResourceStateRenderTarget, barriers[0].After)
	require.Equal(t, native.ResourceStateRenderTarget, barriers[1].Before)
	require.Equal(t, native.ResourceStatePixelShaderResource, barriers[1].After)
	require.Equal(t, native.ResourceStatePixelShaderResource, target.UsageState())
}

func TestContextsAreRecycled(t *testing.T) {
	device, _ := readyDevice(t, CreateOptions{})

	first := device.BeginGraphics("First")
	id := first.ID()
	first.Finish(true)

	second := device.BeginGraphics("Second")
	require.Same(t, first, second)
	require.Equal(t, id, second.ID())
	require.Equal(t, "Second", second.Name())

	concurrent := device.BeginGraphics("Concurrent")
	require.NotSame(t, second, concurrent)
	concurrent.Finish(false)
	second.Finish(true)

	copyContext := device.BeginCopy("Upload")
	require.Equal(t, native.QueueCopy, copyContext.QueueType())
	copyContext.Finish(true)
}

func TestWaitingContextIsNotRecycled(t *testing.T) {
	device, backend := manualDevice(t)
	queue := backend.Queue(native.QueueGraphics)

	waiting := device.BeginGraphics("Waiting")
	done := make(chan struct{})
	go func() {
		defer close(done)
		waiting.Finish(true)
	}()

	// the command list and its fence signal
	require.Eventually(t, func() bool { return queue.Pending() == 2 }, time.Second, time.Millisecond)

	other := device.BeginGraphics("Other")
	require.NotSame(t, waiting, other)
	require.Equal(t, "Waiting", waiting.Name())

	queue.Drain()
	<-done

	other.Finish(false)
	queue.Drain()
	require.Empty(t, backend.ValidationErrors())
}

func TestBarrierBufferFlushesWhenFull(t *testing.T) {
	device, backend := readyDevice(t, CreateOptions{})

	c := device.BeginGraphics("Many")
	var buffers []*GpuBuffer
	for i := 0; i < maxPendingBarriers+1; i++ {
		buffer, err := device.CreateGpuBuffer(GpuBufferDesc{Name: "Buffer", Kind: ByteAddressBuffer, ElementCount: 16, ElementSize: 4})
		require.NoError(t, err)
		defer buffer.Release()
		buffers = append(buffers, buffer)

		c.TransitionResource(buffer, native.ResourceStateUnorderedAccess, false)
	}
	require.Equal(t, 1, c.numBarriers)

	// a second transition to UnorderedAccess orders the accesses instead
	c.TransitionResource(buffers[0], native.ResourceStateUnorderedAccess, true)
	require.Zero(t, c.numBarriers)
	c.Finish(true)

	requireValid(t, backend)
	executed := barriersOn(backend, buffers[0].GetNativeObject())
	require.Len(t, executed, 2)
	require.Equal(t, native.BarrierTransition, executed[0].Type)
	require.Equal(t, native.BarrierUAV, executed[1].Type)
}

func TestSplitBarrier(t *testing.T) {
	device, backend := readyDevice(t, CreateOptions{})
	target := createTarget(t, device, "Shadow")

	c := device.BeginGraphics("Split")
	c.BeginResourceTransition(target, native.ResourceStateRenderTarget, true)
	require.Equal(t, native.ResourceStateCommon, target.UsageState())
	c.TransitionResource(target, native.ResourceStateRenderTarget, true)
	c.Finish(true)

	requireValid(t, backend)
	barriers := barriersOn(backend, target.GetNativeObject())
	require.Len(t, barriers, 2)
	require.Equal(t, native.BarrierBeginOnly, barriers[0].Flags)
	require.Equal(t, native.BarrierEndOnly, barriers[1].Flags)
	require.Equal(t, native.ResourceStateRenderTarget, target.UsageState())
}

func TestComputeQueueStates(t *testing.T) {
	device, backend := readyDevice(t, CreateOptions{})
	target := createTarget(t, device, "Lighting")

	c := device.BeginCompute("Async", true)
	require.Equal(t, native.QueueCompute, c.QueueType())
	require.Equal(t, native.BindCompute, c.BindPoint())

	c.TransitionResource(target, native.ResourceStateUnorderedAccess, true)
	require.Panics(t, func() { c.TransitionResource(target, native.ResourceStatePixelShaderResource, true) })
	require.Panics(t, func() { c.BeginRendering([]*ColorBuffer{target}, nil, DepthStencilReadWrite) })
	c.Finish(true)

	requireValid(t, backend)
}

func TestRenderScope(t *testing.T) {
	device, _ := readyDevice(t, CreateOptions{})
	target := createTarget(t, device, "Scene")

	c := device.BeginGraphics("Scope")
	require.Panics(t, func() { c.Draw(3, 0) })
	require.Panics(t, func() { c.EndRendering() })

	c.BeginRendering([]*ColorBuffer{target}, nil, DepthStencilReadWrite)
	require.Panics(t, func() { c.BeginRendering([]*ColorBuffer{target}, nil, DepthStencilReadWrite) })
	require.Panics(t, func() { c.Finish(false) })
	c.EndRendering()
	c.Finish(true)
}

type drawFixture struct {
	device   *Device
	backend  *soft.Device
	target   *ColorBuffer
	rs       *RootSignature
	pipeline *GraphicsPipeline
}

func newDrawFixture(t *testing.T, rsDesc RootSignatureDesc, options CreateOptions) *drawFixture {
	device, backend := readyDevice(t, options)

	rs, err := device.CreateRootSignature(rsDesc)
	require.NoError(t, err)
	t.Cleanup(rs.Release)

	pipeline, err := device.CreateGraphicsPipeline(GraphicsPipelineDesc{
		Name:          rsDesc.Name,
		RootSignature: rs,
		VS:            []byte{0x44, 0x58, 0x42, 0x43},
		PS:            []byte{0x44, 0x58, 0x42, 0x43},
		Topology:      gputypes.PrimitiveTopologyTriangleList,
		RTVFormats:    []gputypes.TextureFormat{gputypes.TextureFormatRGBA8Unorm},
	})
	require.NoError(t, err)
	t.Cleanup(pipeline.Release)

	return &drawFixture{
		device:   device,
		backend:  backend,
		target:   createTarget(t, device, "Target"),
		rs:       rs,
		pipeline: pipeline,
	}
}

func (f *drawFixture) begin(name string) *CommandContext {
	c := f.device.BeginGraphics(name)
	c.BeginRendering([]*ColorBuffer{f.target}, nil, DepthStencilReadWrite)
	c.SetRootSignature(f.rs)
	c.SetGraphicsPipeline(f.pipeline)
	return c
}

func TestDrawCopiesStaleTablesOnce(t *testing.T) {
	const tables, perTable = 5, 8
	f := newDrawFixture(t, srvTableSignature("Tables", tables, perTable), CreateOptions{DynamicDescriptorsPerHeap: 1024})

	// consecutive creations give the buffers adjacent views
	var sources []*GpuBuffer
	for i := 0; i < perTable; i++ {
		buffer, err := f.device.CreateGpuBuffer(GpuBufferDesc{
			Name:         "Instances",
			Kind:         StructuredBuffer,
			ElementCount: 4,
			ElementSize:  16,
			MemoryAccess: MemoryCpuWrite,
		})
		require.NoError(t, err)
		defer buffer.Release()
		sources = append(sources, buffer)
	}

	var sets []*DescriptorSet
	for rootIndex := uint32(0); rootIndex < tables; rootIndex++ {
		set, err := f.rs.CreateDescriptorSet(rootIndex)
		require.NoError(t, err)
		defer set.Release()
		for slot, source := range sources {
			set.SetSRV(uint32(slot), source)
		}
		require.True(t, set.IsComplete())
		sets = append(sets, set)
	}

	before := f.backend.Counters()

	c := f.begin("Tables")
	for rootIndex, set := range sets {
		c.SetDescriptors(uint32(rootIndex), set)
	}
	c.Draw(3, 0)
	c.Draw(3, 0)
	c.EndRendering()
	c.Finish(true)

	requireValid(t, f.backend)

	after := f.backend.Counters()
	require.Equal(t, 1, after.CopyDescriptorsCalls-before.CopyDescriptorsCalls)
	require.Equal(t, tables*perTable, after.DescriptorsCopied-before.DescriptorsCopied)
	require.Equal(t, tables, after.DescriptorTablesSet-before.DescriptorTablesSet)
	require.Equal(t, 2, after.Draws-before.Draws)
}

func TestDrawRebindsTablesAfterEachFinish(t *testing.T) {
	f := newDrawFixture(t, srvTableSignature("PerFrame", 1, 1), CreateOptions{})

	source, err := f.device.CreateGpuBuffer(GpuBufferDesc{Name: "Lights", Kind: StructuredBuffer, ElementCount: 4, ElementSize: 16})
	require.NoError(t, err)
	defer source.Release()

	for frame := 0; frame < 3; frame++ {
		c := f.begin("Frame")
		c.SetDynamicDescriptors(0, 0, source.SRV())
		c.Draw(3, 0)
		c.EndRendering()
		c.Finish(frame == 2)
	}

	requireValid(t, f.backend)
	require.Equal(t, 3, f.backend.Counters().DescriptorTablesSet)
}

func TestDynamicConstantsAndGeometry(t *testing.T) {
	f := newDrawFixture(t, RootSignatureDesc{
		Name:  "Constants",
		Flags: native.RootSignatureAllowInputAssemblerInputLayout,
		Parameters: []RootParameter{
			{Type: native.RootParameterCBV},
			{Type: native.RootParameterConstants, Num32BitValues: 2},
		},
	}, CreateOptions{})

	constants := make([]byte, 64)
	binary.LittleEndian.PutUint32(constants, 0x3f800000)

	vertices := make([]byte, 3*16)
	indices := []byte{0, 0, 1, 0, 2, 0}

	c := f.begin("Dynamic")
	c.SetDynamicConstantBufferView(0, constants)
	c.SetConstants(1, 7, 9)
	c.SetDynamicVB(0, 16, vertices)
	c.SetDynamicIB(indices, false)
	c.SetStencilRef(1)
	c.SetBlendFactor([4]float32{1, 1, 1, 1})
	c.DrawIndexed(3, 0, 0)
	c.EndRendering()
	c.Finish(true)

	requireValid(t, f.backend)
}

func TestClears(t *testing.T) {
	device, backend := readyDevice(t, CreateOptions{})
	target := createTarget(t, device, "Clear")

	depth, err := device.CreateDepthBuffer(DepthBufferDesc{Name: "Depth", Width: 64, Height: 64, Format: gputypes.TextureFormatDepth24PlusStencil8, ClearDepth: 1})
	require.NoError(t, err)
	defer depth.Release()

	c := device.BeginGraphics("Clears")
	c.TransitionResource(target, native.ResourceStateRenderTarget, false)
	c.ClearColor(target)
	c.ClearDepthAndStencil(depth)
	c.TransitionResource(target, native.ResourceStateUnorderedAccess, false)
	c.ClearUAV(target, [4]float32{0, 0, 0, 1})
	c.Finish(true)

	requireValid(t, backend)
}

func TestCopyBufferRegion(t *testing.T) {
	device, backend := readyDevice(t, CreateOptions{})

	src, err := device.CreateGpuBuffer(GpuBufferDesc{Name: "Source", Kind: ByteAddressBuffer, ElementCount: 4, ElementSize: 4, InitialData: []byte{1, 2, 3, 4, 5, 6, 7, 8}})
	require.NoError(t, err)
	defer src.Release()

	readback, err := device.CreateGpuBuffer(GpuBufferDesc{Name: "Readback", Kind: ReadbackBuffer, ElementCount: 4, ElementSize: 4})
	require.NoError(t, err)
	defer readback.Release()

	c := device.BeginGraphics("Readback")
	c.CopyBufferRegion(readback, 0, src, 4, 4)
	c.Finish(true)

	requireValid(t, backend)

	mapped, err := readback.Map()
	require.NoError(t, err)
	require.Equal(t, []byte{5, 6, 7, 8}, mapped[:4])
	readback.Unmap()
}

func TestDispatch(t *testing.T) {
	device, backend := readyDevice(t, CreateOptions{})

	rs, err := device.CreateRootSignature(RootSignatureDesc{
		Name: "Blur",
		Parameters: []RootParameter{{
			Type:   native.RootParameterDescriptorTable,
			Ranges: []DescriptorRange{{Type: native.RangeUAV, NumDescriptors: 1, OffsetInTable: native.AppendAligned}},
		}},
	})
	require.NoError(t, err)
	defer rs.Release()

	pipeline, err := device.CreateComputePipeline(ComputePipelineDesc{Name: "Blur", RootSignature: rs, CS: []byte{1}})
	require.NoError(t, err)
	defer pipeline.Release()

	output, err := device.CreateGpuBuffer(GpuBufferDesc{Name: "Output", Kind: StructuredBuffer, ElementCount: 256, ElementSize: 16})
	require.NoError(t, err)
	defer output.Release()

	table, err := rs.CreateDescriptorSet(0)
	require.NoError(t, err)
	defer table.Release()
	table.SetUAV(0, output)

	c := device.BeginCompute("Blur", false)
	c.TransitionResource(output, native.ResourceStateUnorderedAccess, false)
	c.SetRootSignature(rs)
	c.SetComputePipeline(pipeline)
	c.SetDescriptors(0, table)
	c.Dispatch1D(1000, 64)

	scratch, err := c.AllocateScratchMemory(1024, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1024), scratch.Size)
	c.Finish(true)

	requireValid(t, backend)
	require.Equal(t, 1, backend.Counters().Dispatches)
}

func TestSetDescriptorsChecksRootParameter(t *testing.T) {
	f := newDrawFixture(t, srvTableSignature("Scene", 2, 1), CreateOptions{})

	source, err := f.device.CreateGpuBuffer(GpuBufferDesc{Name: "Lights", Kind: StructuredBuffer, ElementCount: 4, ElementSize: 16})
	require.NoError(t, err)
	defer source.Release()

	other, err := f.device.CreateRootSignature(srvTableSignature("Other", 1, 4))
	require.NoError(t, err)
	defer other.Release()

	// same layout, so the cached root signature is shared
	shared, err := f.device.CreateRootSignature(srvTableSignature("Shared", 2, 1))
	require.NoError(t, err)
	defer shared.Release()

	first, err := f.rs.CreateDescriptorSet(0)
	require.NoError(t, err)
	defer first.Release()
	first.SetSRV(0, source)

	second, err := shared.CreateDescriptorSet(1)
	require.NoError(t, err)
	defer second.Release()
	second.SetSRV(0, source)

	foreign, err := other.CreateDescriptorSet(0)
	require.NoError(t, err)
	defer foreign.Release()
	for slot := uint32(0); slot < 4; slot++ {
		foreign.SetSRV(slot, source)
	}

	c := f.begin("Bind")
	require.Panics(t, func() { c.SetDescriptors(1, first) })
	require.Panics(t, func() { c.SetDescriptors(0, foreign) })
	c.SetDescriptors(0, first)
	c.SetDescriptors(1, second)
	c.Draw(3, 0)
	c.EndRendering()
	c.Finish(true)

	requireValid(t, f.backend)
	require.Equal(t, 2, f.backend.Counters().DescriptorTablesSet)
}

func TestUploadMemoryIsRecycled(t *testing.T) {
	device, _ := readyDevice(t, CreateOptions{})

	c := device.BeginGraphics("Upload")
	first, err := c.AllocateUploadMemory(256)
	require.NoError(t, err)
	require.Len(t, first.Data, 256)
	c.Finish(true)

	// the page retired by the first context is handed out again once its fence completes
	c = device.BeginGraphics("Upload")
	second, err := c.AllocateUploadMemory(256)
	require.NoError(t, err)
	require.Same(t, first.Buffer, second.Buffer)

	large, err := c.AllocateUploadMemory(linear.CpuPageSize + 1)
	require.NoError(t, err)
	require.NotSame(t, first.Buffer, large.Buffer)
	c.Finish(true)
}

func TestDebugEventsCanBeDisabled(t *testing.T) {
	device, backend := readyDevice(t, CreateOptions{Flags: CreateDisableDebugEvents})

	c := device.BeginGraphics("Silent")
	c.BeginEvent("Pass")
	c.SetMarker("Marker")
	c.Finish(true)

	requireValid(t, backend)
}
