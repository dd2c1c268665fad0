package rhi

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/lunaengine/rhi/descriptor"
	"github.com/pelletier/go-toml/v2"
	"github.com/vkngwrapper/core/v2/common"
)

// CreateFlags indicate specific device behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that the device and all objects created from it will
	// not be synchronized internally. The consumer must guarantee that pools, allocators and
	// queues are used from only one goroutine at a time or are synchronized by some other
	// mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateDisableDebugEvents drops BeginEvent, EndEvent and SetMarker calls instead of
	// forwarding them to the command list
	CreateDisableDebugEvents
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
	CreateDisableDebugEvents.Register("CreateDisableDebugEvents")
}

const (
	defaultColorBufferCapacity   int = 256
	defaultDepthBufferCapacity   int = 256
	defaultGpuBufferCapacity     int = 4096
	defaultRootSignatureCapacity int = 256
	defaultDescriptorSetCapacity int = 16384
	defaultPipelineCapacity      int = 1024

	minPoolCapacity int = 1 << 8
	maxPoolCapacity int = 1 << 16
)

// PoolCapacities sets the fixed number of slots of every resource pool. Zero selects the
// default for that pool.
type PoolCapacities struct {
	ColorBuffers   int `toml:"color_buffers"`
	DepthBuffers   int `toml:"depth_buffers"`
	GpuBuffers     int `toml:"gpu_buffers"`
	RootSignatures int `toml:"root_signatures"`
	DescriptorSets int `toml:"descriptor_sets"`
	Pipelines      int `toml:"pipelines"`
}

// CreateOptions contains optional settings when creating a device. It is valid to leave all
// the fields blank.
type CreateOptions struct {
	// Flags indicates specific device behaviors to activate or deactivate
	Flags CreateFlags `toml:"-"`
	// Name prefixes the debug names of the native objects the device creates
	Name string `toml:"name"`
	// DescriptorsPerHeap is the size of the CPU-only heaps backing every descriptor allocator
	DescriptorsPerHeap uint32 `toml:"descriptors_per_heap"`
	// DynamicDescriptorsPerHeap is the size of the shader-visible heaps used by command contexts
	DynamicDescriptorsPerHeap uint32 `toml:"dynamic_descriptors_per_heap"`
	// PoolCapacities overrides the number of slots of the resource pools
	PoolCapacities PoolCapacities `toml:"pools"`
}

type tomlOptions struct {
	CreateOptions
	ExternallySynchronized bool `toml:"externally_synchronized"`
	DisableDebugEvents     bool `toml:"disable_debug_events"`
}

// LoadOptions decodes CreateOptions from a TOML document. Unknown keys are an error.
//
//	name = "Renderer"
//	externally_synchronized = false
//	descriptors_per_heap = 256
//
//	[pools]
//	gpu_buffers = 8192
func LoadOptions(r io.Reader) (CreateOptions, error) {
	var doc tomlOptions

	decoder := toml.NewDecoder(r)
	decoder.DisallowUnknownFields()
	err := decoder.Decode(&doc)
	if err != nil {
		return CreateOptions{}, errors.Wrap(err, "failed to decode device options")
	}

	options := doc.CreateOptions
	if doc.ExternallySynchronized {
		options.Flags |= CreateExternallySynchronized
	}
	if doc.DisableDebugEvents {
		options.Flags |= CreateDisableDebugEvents
	}

	return options, options.validate()
}

func (o CreateOptions) validate() error {
	capacities := []struct {
		name  string
		value int
	}{
		{"color_buffers", o.PoolCapacities.ColorBuffers},
		{"depth_buffers", o.PoolCapacities.DepthBuffers},
		{"gpu_buffers", o.PoolCapacities.GpuBuffers},
		{"root_signatures", o.PoolCapacities.RootSignatures},
		{"descriptor_sets", o.PoolCapacities.DescriptorSets},
		{"pipelines", o.PoolCapacities.Pipelines},
	}
	for _, c := range capacities {
		if c.value != 0 && (c.value < minPoolCapacity || c.value > maxPoolCapacity) {
			return errors.Newf("pool capacity %s must be between %d and %d, got %d", c.name, minPoolCapacity, maxPoolCapacity, c.value)
		}
	}

	if o.DescriptorsPerHeap > 0 && o.DescriptorsPerHeap < descriptor.MaxTableSize {
		return errors.Newf("descriptors_per_heap must be at least %d, got %d", descriptor.MaxTableSize, o.DescriptorsPerHeap)
	}
	if o.DynamicDescriptorsPerHeap > 0 && o.DynamicDescriptorsPerHeap < descriptor.MaxCachedDescriptors {
		return errors.Newf("dynamic_descriptors_per_heap must be at least %d, got %d", descriptor.MaxCachedDescriptors, o.DynamicDescriptorsPerHeap)
	}
	return nil
}

func withDefault[T int | uint32](value, fallback T) T {
	if value == 0 {
		return fallback
	}
	return value
}

func (o CreateOptions) withDefaults() CreateOptions {
	o.DescriptorsPerHeap = withDefault(o.DescriptorsPerHeap, descriptor.DefaultDescriptorsPerHeap)
	o.DynamicDescriptorsPerHeap = withDefault(o.DynamicDescriptorsPerHeap, descriptor.DefaultDynamicDescriptorsPerHeap)

	p := &o.PoolCapacities
	p.ColorBuffers = withDefault(p.ColorBuffers, defaultColorBufferCapacity)
	p.DepthBuffers = withDefault(p.DepthBuffers, defaultDepthBufferCapacity)
	p.GpuBuffers = withDefault(p.GpuBuffers, defaultGpuBufferCapacity)
	p.RootSignatures = withDefault(p.RootSignatures, defaultRootSignatureCapacity)
	p.DescriptorSets = withDefault(p.DescriptorSets, defaultDescriptorSetCapacity)
	p.Pipelines = withDefault(p.Pipelines, defaultPipelineCapacity)
	return o
}
