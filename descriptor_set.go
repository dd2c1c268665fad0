package rhi

import (
	"fmt"
	"log/slog"

	"github.com/lunaengine/rhi/internal/bitset"
	"github.com/lunaengine/rhi/internal/pool"
	"github.com/lunaengine/rhi/native"
)

// SRVSource is implemented by resources with a shader resource view
type SRVSource interface {
	SRV() native.CPUHandle
}

// UAVSource is implemented by resources with an unordered access view
type UAVSource interface {
	UAV() native.CPUHandle
}

// CBVSource is implemented by resources with a constant buffer view
type CBVSource interface {
	CBV() native.CPUHandle
}

// addressSource is implemented by buffers bound as root views
type addressSource interface {
	GPUAddress() native.GPUVirtualAddress
}

// DescriptorSetDesc identifies the root parameter a descriptor set is created for
type DescriptorSetDesc struct {
	RootSignature *RootSignature
	RootIndex     uint32
}

type descriptorSetData struct {
	rootSignature *RootSignature
	parameter     native.RootParameter
	heapType      native.DescriptorHeapType
	isRootBuffer  bool

	// handles and written are used by descriptor table sets
	handles []native.CPUHandle
	written bitset.Bits

	// gpuAddress and dynamicOffset are used by root buffer sets
	gpuAddress    native.GPUVirtualAddress
	dynamicOffset uint32

	// resources holds a reference to the resource written into each slot
	resources []releaser
}

// keep retains resource for slot and releases the resource it replaces. Samplers are not
// reference counted and leave the slot empty.
func (d *descriptorSetData) keep(slot uint32, resource any) {
	var kept releaser
	if r, ok := resource.(retainer); ok {
		kept = r.retain()
	}
	if previous := d.resources[slot]; previous != nil {
		previous.Release()
	}
	d.resources[slot] = kept
}

// DescriptorSet holds the descriptors bound to one root parameter. Tables record CPU
// descriptor handles which command contexts copy into shader-visible heaps; root buffer
// sets record a GPU address.
type DescriptorSet struct {
	handle *pool.Handle[DescriptorSetDesc, *descriptorSetData]
}

func (s *DescriptorSet) data() *descriptorSetData { return s.handle.Data() }

func (s *DescriptorSet) Retain() *DescriptorSet {
	s.handle.Retain()
	return s
}

func (s *DescriptorSet) Release() {
	s.handle.Release()
}

func (s *DescriptorSet) RootIndex() uint32 { return s.handle.Desc().RootIndex }

// NumDescriptors is the table size, or one for root buffers
func (s *DescriptorSet) NumDescriptors() uint32 {
	data := s.data()
	if data.isRootBuffer {
		return 1
	}
	return uint32(len(data.handles))
}

func (s *DescriptorSet) HeapType() native.DescriptorHeapType { return s.data().heapType }
func (s *DescriptorSet) IsRootBuffer() bool                  { return s.data().isRootBuffer }

// IsComplete reports whether every descriptor of the table's ranges has been written
func (s *DescriptorSet) IsComplete() bool {
	data := s.data()
	if data.isRootBuffer {
		return data.gpuAddress != native.NullAddress
	}
	for i := range data.handles {
		if _, ok := data.parameter.RangeAt(uint32(i)); ok && !data.written.Has(i) {
			return false
		}
	}
	return true
}

func (s *DescriptorSet) SetSRV(slot uint32, resource SRVSource) {
	s.set(slot, native.RangeSRV, native.RootParameterSRV, resource.SRV(), resource)
}

func (s *DescriptorSet) SetUAV(slot uint32, resource UAVSource) {
	s.set(slot, native.RangeUAV, native.RootParameterUAV, resource.UAV(), resource)
}

func (s *DescriptorSet) SetCBV(slot uint32, resource CBVSource) {
	s.set(slot, native.RangeCBV, native.RootParameterCBV, resource.CBV(), resource)
}

func (s *DescriptorSet) SetSampler(slot uint32, sampler *Sampler) {
	data := s.data()
	if data.isRootBuffer || data.heapType != native.DescriptorHeapSampler {
		panic(fmt.Sprintf("sampler written into %s descriptor set of root parameter %d", data.heapType, s.RootIndex()))
	}
	s.writeHandle(data, slot, native.RangeSampler, sampler.Handle())
	data.keep(slot, nil)
}

// SetDynamicOffset sets the byte offset added to the address of a root buffer set
func (s *DescriptorSet) SetDynamicOffset(offset uint32) {
	data := s.data()
	if !data.isRootBuffer {
		panic(fmt.Sprintf("dynamic offset set on descriptor table set of root parameter %d", s.RootIndex()))
	}
	data.dynamicOffset = offset
}

// GPUAddress is the root buffer address including the dynamic offset
func (s *DescriptorSet) GPUAddress() native.GPUVirtualAddress {
	data := s.data()
	return data.gpuAddress + native.GPUVirtualAddress(data.dynamicOffset)
}

func (s *DescriptorSet) set(slot uint32, rangeType native.DescriptorRangeType, rootType native.RootParameterType, handle native.CPUHandle, resource any) {
	data := s.data()

	if data.isRootBuffer {
		if data.parameter.Type != rootType {
			panic(fmt.Sprintf("%s written into root %s parameter %d", rangeType, data.parameter.Type, s.RootIndex()))
		}
		if slot != 0 {
			panic(fmt.Sprintf("slot %d written into root buffer parameter %d, root buffers have one slot", slot, s.RootIndex()))
		}
		buffer, ok := resource.(addressSource)
		if !ok {
			panic(fmt.Sprintf("root %s parameter %d requires a buffer", data.parameter.Type, s.RootIndex()))
		}
		data.gpuAddress = buffer.GPUAddress()
		data.keep(0, resource)
		return
	}

	if data.heapType != native.DescriptorHeapCBVSRVUAV {
		panic(fmt.Sprintf("%s written into sampler descriptor set of root parameter %d", rangeType, s.RootIndex()))
	}
	if handle == 0 {
		panic(fmt.Sprintf("%T has no %s to write into slot %d of root parameter %d", resource, rangeType, slot, s.RootIndex()))
	}
	s.writeHandle(data, slot, rangeType, handle)
	data.keep(slot, resource)
}

func (s *DescriptorSet) writeHandle(data *descriptorSetData, slot uint32, rangeType native.DescriptorRangeType, handle native.CPUHandle) {
	if int(slot) >= len(data.handles) {
		panic(fmt.Sprintf("slot %d is out of range for the %d descriptor table of root parameter %d", slot, len(data.handles), s.RootIndex()))
	}

	r, ok := data.parameter.RangeAt(slot)
	if !ok || r.Type != rangeType {
		panic(fmt.Sprintf("slot %d of root parameter %d does not hold a %s", slot, s.RootIndex(), rangeType))
	}

	data.handles[slot] = handle
	data.written.Set(int(slot))
}

type descriptorSetFactory struct {
	logger *slog.Logger
}

func (f *descriptorSetFactory) Create(index int, desc DescriptorSetDesc) (*descriptorSetData, error) {
	numParams := desc.RootSignature.NumParameters()
	if int(desc.RootIndex) >= numParams {
		panic(fmt.Sprintf("root index %d is out of range for root signature %q with %d parameters", desc.RootIndex, desc.RootSignature.Name(), numParams))
	}

	param := desc.RootSignature.Parameter(desc.RootIndex)
	data := &descriptorSetData{
		parameter: param,
		heapType:  native.DescriptorHeapCBVSRVUAV,
	}

	switch {
	case param.Type == native.RootParameterDescriptorTable:
		size := param.TableSize()
		data.handles = make([]native.CPUHandle, size)
		data.written = bitset.NewBits(int(size))
		if param.Ranges[0].Type == native.RangeSampler {
			data.heapType = native.DescriptorHeapSampler
		}
		data.resources = make([]releaser, size)
	case param.Type.IsRootView():
		data.isRootBuffer = true
		data.resources = make([]releaser, 1)
	default:
		panic(fmt.Sprintf("root parameter %d of %q holds %s, which are not bound through descriptor sets", desc.RootIndex, desc.RootSignature.Name(), param.Type))
	}

	data.rootSignature = desc.RootSignature.Retain()

	f.logger.Debug("DescriptorSetFactory::Create",
		slog.String("rootSignature", desc.RootSignature.Name()),
		slog.Int("rootIndex", int(desc.RootIndex)),
		slog.Int("index", index))
	return data, nil
}

func (f *descriptorSetFactory) Destroy(index int, desc DescriptorSetDesc, data *descriptorSetData) {
	for _, resource := range data.resources {
		if resource != nil {
			resource.Release()
		}
	}
	data.rootSignature.Release()
}
