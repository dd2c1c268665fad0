package rhi

import (
	"github.com/lunaengine/rhi/native"
	"github.com/lunaengine/rhi/queue"
)

type (
	ResourceState     = native.ResourceState
	QueueType         = native.QueueType
	RootParameter     = native.RootParameter
	RootParameterType = native.RootParameterType
	DescriptorRange   = native.DescriptorRange
	DescriptorType    = native.DescriptorRangeType
	ShaderVisibility  = native.ShaderVisibility
	StaticSampler     = native.StaticSampler
	InputElement      = native.InputElement
	SamplerDesc       = native.SamplerDesc
	Viewport          = native.Viewport
	Rect              = native.Rect
	FenceValue        = queue.FenceValue
)

// resourceState is the usage of a resource as seen by the command contexts recording it. It
// is updated at record time, so it describes the state the resource will be in once every
// recorded transition has executed.
type resourceState struct {
	usage         native.ResourceState
	transitioning native.ResourceState
}

// GpuResource is implemented by every resource a command context can transition
type GpuResource interface {
	// GetNativeObject returns the underlying native resource
	GetNativeObject() native.Resource
	state() *resourceState
}

// UsageState returns the usage state a resource will be in after every recorded transition
func UsageState(resource GpuResource) ResourceState {
	return resource.state().usage
}
