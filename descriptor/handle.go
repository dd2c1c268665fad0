// Package descriptor manages descriptor heap memory: CPU-only staging heaps that hold the
// long-lived views of resources, and the per-context dynamic heaps that gather staged
// descriptors into shader-visible tables right before a draw or dispatch.
package descriptor

import "github.com/lunaengine/rhi/native"

// Handle addresses one descriptor. The GPU half is only set for shader-visible heaps.
// A handle never owns the heap it points into.
type Handle struct {
	CPU native.CPUHandle
	GPU native.GPUHandle
}

func (h Handle) IsNull() bool {
	return h.CPU == 0
}

func (h Handle) IsShaderVisible() bool {
	return h.GPU != 0
}

// Offset returns the handle count descriptors further along the heap
func (h Handle) Offset(count, increment uint32) Handle {
	next := Handle{CPU: h.CPU.Offset(count, increment)}
	if h.GPU != 0 {
		next.GPU = h.GPU.Offset(count, increment)
	}
	return next
}
