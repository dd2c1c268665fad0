package rhi

import (
	"fmt"

	"github.com/lunaengine/rhi/native"
)

// ResourceSet holds one descriptor set for every descriptor table and root buffer parameter
// of a root signature. Root constants have no set.
type ResourceSet struct {
	rootSignature *RootSignature
	sets          []*DescriptorSet
}

// CreateResourceSet creates the descriptor sets for every bindable parameter of r. The caller
// owns the returned set.
func (r *RootSignature) CreateResourceSet() (*ResourceSet, error) {
	s := &ResourceSet{
		rootSignature: r.Retain(),
		sets:          make([]*DescriptorSet, r.NumParameters()),
	}

	for i := range s.sets {
		param := r.Parameter(uint32(i))
		if param.Type != native.RootParameterDescriptorTable && !param.Type.IsRootView() {
			continue
		}

		set, err := r.CreateDescriptorSet(uint32(i))
		if err != nil {
			s.Release()
			return nil, err
		}
		s.sets[i] = set
	}
	return s, nil
}

func (s *ResourceSet) RootSignature() *RootSignature { return s.rootSignature }

func (s *ResourceSet) NumDescriptorSets() int { return len(s.sets) }

// DescriptorSet returns the set of the root parameter at param
func (s *ResourceSet) DescriptorSet(param uint32) *DescriptorSet {
	if int(param) >= len(s.sets) {
		panic(fmt.Sprintf("root parameter %d is out of range for resource set of %q with %d parameters", param, s.rootSignature.Name(), len(s.sets)))
	}
	set := s.sets[param]
	if set == nil {
		panic(fmt.Sprintf("root parameter %d of %q holds root constants and has no descriptor set", param, s.rootSignature.Name()))
	}
	return set
}

func (s *ResourceSet) SetSRV(param, slot uint32, resource SRVSource) {
	s.DescriptorSet(param).SetSRV(slot, resource)
}

func (s *ResourceSet) SetUAV(param, slot uint32, resource UAVSource) {
	s.DescriptorSet(param).SetUAV(slot, resource)
}

func (s *ResourceSet) SetCBV(param, slot uint32, resource CBVSource) {
	s.DescriptorSet(param).SetCBV(slot, resource)
}

func (s *ResourceSet) SetSampler(param, slot uint32, sampler *Sampler) {
	s.DescriptorSet(param).SetSampler(slot, sampler)
}

func (s *ResourceSet) SetDynamicOffset(param, offset uint32) {
	s.DescriptorSet(param).SetDynamicOffset(offset)
}

// IsComplete reports whether every descriptor set has been fully written
func (s *ResourceSet) IsComplete() bool {
	for _, set := range s.sets {
		if set != nil && !set.IsComplete() {
			return false
		}
	}
	return true
}

// Release releases every descriptor set. Sets already bound on a context stay alive until
// the context's work completes.
func (s *ResourceSet) Release() {
	for _, set := range s.sets {
		if set != nil {
			set.Release()
		}
	}
	s.rootSignature.Release()
}
