package soft

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/lunaengine/rhi/native"
)

// Resource is the software native.Resource. Buffers are backed by a byte slice; textures
// carry no texel storage.
type Resource struct {
	device  *Device
	id      uint32
	name    string
	desc    native.ResourceDesc
	heap    native.HeapKind
	clear   native.ClearValue
	data    []byte
	address native.GPUVirtualAddress

	// state is the GPU-timeline state, guarded by the device mutex
	state native.ResourceState

	// pending counts submitted command lists referencing the resource that have not executed
	pending  atomic.Int32
	released atomic.Bool
	mapped   atomic.Int32
}

var _ native.Resource = &Resource{}

func (r *Resource) Name() string        { return r.name }
func (r *Resource) SetName(name string) { r.name = name }

func (r *Resource) Desc() native.ResourceDesc { return r.desc }
func (r *Resource) Heap() native.HeapKind     { return r.heap }

func (r *Resource) GPUVirtualAddress() native.GPUVirtualAddress { return r.address }

func (r *Resource) Release() {
	if r.released.Swap(true) {
		r.device.fail("resource %q released twice", r.name)
		return
	}
	if r.pending.Load() > 0 {
		r.device.fail("resource %q released while %d submitted command lists still reference it", r.name, r.pending.Load())
	}
}

func (r *Resource) Map() ([]byte, error) {
	if r.heap == native.HeapDefault {
		return nil, errors.Newf("resource %q lives in the default heap and cannot be mapped", r.name)
	}
	if r.released.Load() {
		return nil, errors.Newf("resource %q was released", r.name)
	}
	r.mapped.Add(1)
	return r.data, nil
}

func (r *Resource) Unmap() {
	if r.mapped.Add(-1) < 0 {
		r.device.fail("resource %q unmapped more times than it was mapped", r.name)
		r.mapped.Store(0)
	}
}

// State returns the state the resource is in on the GPU timeline, after all executed barriers
func (r *Resource) State() native.ResourceState {
	r.device.mutex.Lock()
	defer r.device.mutex.Unlock()

	return r.state
}

// Data returns the buffer contents as seen by the GPU
func (r *Resource) Data() []byte {
	return r.data
}

// Released reports whether Release was called
func (r *Resource) Released() bool {
	return r.released.Load()
}

// ClearValue returns the optimized clear value the resource was created with
func (r *Resource) ClearValue() native.ClearValue {
	return r.clear
}
