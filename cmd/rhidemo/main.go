// Command rhidemo renders a few frames against the software backend and prints the device
// statistics.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/lunaengine/rhi"
	"github.com/lunaengine/rhi/native"
	"github.com/lunaengine/rhi/native/soft"
)

func main() {
	var (
		config  = flag.String("config", "", "TOML file with device options")
		frames  = flag.Int("frames", 3, "number of frames to render")
		width   = flag.Uint("width", 320, "render target width")
		height  = flag.Uint("height", 240, "render target height")
		stats   = flag.Bool("stats", true, "print device statistics")
		verbose = flag.Bool("verbose", false, "log debug messages")
	)
	flag.Parse()

	handler := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Prefix:          "rhidemo",
	})
	if *verbose {
		handler.SetLevel(log.DebugLevel)
	}
	logger := slog.New(handler)

	if err := run(logger, *config, *frames, uint32(*width), uint32(*height), *stats); err != nil {
		logger.Error("demo failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func loadOptions(path string) (rhi.CreateOptions, error) {
	if path == "" {
		return rhi.CreateOptions{Name: "Demo"}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return rhi.CreateOptions{}, errors.Wrap(err, "failed to open config")
	}
	defer f.Close()

	return rhi.LoadOptions(f)
}

type scene struct {
	color    *rhi.ColorBuffer
	depth    *rhi.DepthBuffer
	lights   *rhi.GpuBuffer
	rs       *rhi.RootSignature
	pipeline *rhi.GraphicsPipeline
	sampler  *rhi.Sampler
	views    *rhi.DescriptorSet
	samplers *rhi.DescriptorSet
}

func (s *scene) release() {
	if s.samplers != nil {
		s.samplers.Release()
	}
	if s.views != nil {
		s.views.Release()
	}
	if s.pipeline != nil {
		s.pipeline.Release()
	}
	if s.rs != nil {
		s.rs.Release()
	}
	if s.lights != nil {
		s.lights.Release()
	}
	if s.depth != nil {
		s.depth.Release()
	}
	if s.color != nil {
		s.color.Release()
	}
}

func createScene(device *rhi.Device, width, height uint32) (*scene, error) {
	s := &scene{}
	var err error

	s.color, err = device.CreateColorBuffer(rhi.ColorBufferDesc{
		Name:       "SceneColor",
		Width:      uint64(width),
		Height:     height,
		Format:     gputypes.TextureFormatRGBA8Unorm,
		ClearColor: [4]float32{0.1, 0.1, 0.2, 1},
	})
	if err != nil {
		return s, err
	}

	s.depth, err = device.CreateDepthBuffer(rhi.DepthBufferDesc{
		Name:       "SceneDepth",
		Width:      uint64(width),
		Height:     height,
		Format:     gputypes.TextureFormatDepth24PlusStencil8,
		ClearDepth: 1,
	})
	if err != nil {
		return s, err
	}

	lights := make([]byte, 4*16)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(lights[i*16:], math.Float32bits(float32(i)))
	}
	s.lights, err = device.CreateGpuBuffer(rhi.GpuBufferDesc{
		Name:         "Lights",
		Kind:         rhi.StructuredBuffer,
		ElementCount: 4,
		ElementSize:  16,
		InitialData:  lights,
	})
	if err != nil {
		return s, err
	}

	s.rs, err = device.CreateRootSignature(rhi.RootSignatureDesc{
		Name:  "Forward",
		Flags: native.RootSignatureAllowInputAssemblerInputLayout,
		Parameters: []rhi.RootParameter{
			{Type: native.RootParameterCBV, Visibility: native.VisibilityAll},
			{
				Type:       native.RootParameterDescriptorTable,
				Visibility: native.VisibilityPixel,
				Ranges:     []rhi.DescriptorRange{{Type: native.RangeSRV, NumDescriptors: 1, OffsetInTable: native.AppendAligned}},
			},
			{
				Type:       native.RootParameterDescriptorTable,
				Visibility: native.VisibilityPixel,
				Ranges:     []rhi.DescriptorRange{{Type: native.RangeSampler, NumDescriptors: 1, OffsetInTable: native.AppendAligned}},
			},
		},
	})
	if err != nil {
		return s, err
	}

	s.pipeline, err = device.CreateGraphicsPipeline(rhi.GraphicsPipelineDesc{
		Name:             "Forward",
		RootSignature:    s.rs,
		VS:               []byte("forward.vs"),
		PS:               []byte("forward.ps"),
		Topology:         gputypes.PrimitiveTopologyTriangleList,
		CullMode:         gputypes.CullModeNone,
		DepthTestEnable:  true,
		DepthWriteEnable: true,
		RTVFormats:       []gputypes.TextureFormat{gputypes.TextureFormatRGBA8Unorm},
		DSVFormat:        gputypes.TextureFormatDepth24PlusStencil8,
	})
	if err != nil {
		return s, err
	}

	s.sampler, err = device.CreateSampler(rhi.SamplerDesc{
		MinFilter: gputypes.FilterModeLinear,
		MagFilter: gputypes.FilterModeLinear,
		MipFilter: gputypes.FilterModeLinear,
		AddressU:  gputypes.AddressModeClampToEdge,
		AddressV:  gputypes.AddressModeClampToEdge,
		AddressW:  gputypes.AddressModeClampToEdge,
		MaxLOD:    math.MaxFloat32,
	})
	if err != nil {
		return s, err
	}

	if s.views, err = s.rs.CreateDescriptorSet(1); err != nil {
		return s, err
	}
	s.views.SetSRV(0, s.lights)

	if s.samplers, err = s.rs.CreateDescriptorSet(2); err != nil {
		return s, err
	}
	s.samplers.SetSampler(0, s.sampler)

	return s, nil
}

func renderFrame(device *rhi.Device, s *scene, frame int) rhi.FenceValue {
	c := device.BeginGraphics(fmt.Sprintf("Frame %d", frame))

	c.TransitionResource(s.lights, native.ResourceStatePixelShaderResource, false)
	c.TransitionResource(s.color, native.ResourceStateRenderTarget, true)
	c.ClearColor(s.color)
	c.ClearDepthAndStencil(s.depth)

	c.BeginRendering([]*rhi.ColorBuffer{s.color}, s.depth, rhi.DepthStencilReadWrite)
	c.SetRootSignature(s.rs)
	c.SetGraphicsPipeline(s.pipeline)

	constants := make([]byte, 16)
	binary.LittleEndian.PutUint32(constants, uint32(frame))
	c.SetDynamicConstantBufferView(0, constants)
	c.SetDescriptors(1, s.views)
	c.SetDescriptors(2, s.samplers)
	c.Draw(3, 0)
	c.EndRendering()

	c.TransitionResource(s.color, native.ResourceStatePixelShaderResource, false)
	return c.Finish(false)
}

func run(logger *slog.Logger, config string, frames int, width, height uint32, printStats bool) error {
	options, err := loadOptions(config)
	if err != nil {
		return err
	}

	backend := soft.NewDevice(logger, soft.Options{})
	defer backend.Close()

	device, err := rhi.New(logger, backend, options)
	if err != nil {
		return err
	}

	s, err := createScene(device, width, height)
	if err != nil {
		s.release()
		_ = device.Destroy(context.Background())
		return errors.Wrap(err, "failed to create scene")
	}

	for frame := 0; frame < frames; frame++ {
		fence := renderFrame(device, s, frame)
		logger.Info("submitted frame", slog.Int("frame", frame), slog.String("fence", fence.String()))
		device.ReleaseDeferred()
	}

	if err := device.WaitForGpu(context.Background()); err != nil {
		return errors.Wrap(err, "failed to wait for the GPU")
	}

	if printStats {
		fmt.Println(device.BuildStatsString(true))
	}

	s.release()
	if err := device.Destroy(context.Background()); err != nil {
		return err
	}

	backend.Drain()
	if validation := backend.ValidationErrors(); len(validation) > 0 {
		return errors.Newf("%d validation errors, first: %v", len(validation), validation[0])
	}
	return nil
}
