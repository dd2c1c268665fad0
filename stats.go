package rhi

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/lunaengine/rhi/internal/pool"
	"github.com/lunaengine/rhi/linear"
	"github.com/lunaengine/rhi/memutils"
	"github.com/lunaengine/rhi/native"
)

type statsPool interface {
	Name() string
	AddStatistics(stats *memutils.Statistics)
	PrintJson(json *jwriter.ObjectState)
}

func (d *Device) statsPools() []statsPool {
	return []statsPool{d.colorBuffers, d.depthBuffers, d.gpuBuffers, d.rootSignatures, d.descriptorSets, d.pipelines}
}

// BuildStatsString returns a JSON summary of the device's queues, descriptor heaps, linear
// allocator pages, pools, caches and contexts. With detailed set, the size ranges of the
// linear pages and the names of the live resources of every pool are included.
func (d *Device) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()

	obj := writer.Object()
	obj.Name("Name").String(d.name)
	obj.Name("ID").String(d.id.String())
	obj.Name("Flags").String(d.flags.String())

	d.queues.BuildStatsString(obj.Name("Queues"))

	var total memutils.Statistics

	allocators := obj.Name("DescriptorAllocators").Array()
	for _, allocator := range d.descriptors {
		o := allocators.Object()
		allocator.PrintJson(&o)
		o.End()
		allocator.AddStatistics(&total)
	}
	allocators.End()

	heaps := obj.Name("ShaderVisibleHeaps").Object()
	heaps.Name("DescriptorsPerHeap").Int(int(d.shaderVisible.DescriptorsPerHeap()))
	for _, heapType := range []native.DescriptorHeapType{native.DescriptorHeapCBVSRVUAV, native.DescriptorHeapSampler} {
		var stats memutils.Statistics
		d.shaderVisible.AddStatistics(heapType, &stats)
		total.AddStatistics(&stats)

		o := heaps.Name(heapType.String()).Object()
		stats.PrintJson(&o)
		o.End()
	}
	heaps.End()

	pages := obj.Name("LinearPages").Array()
	for _, manager := range []*linear.PageManager{d.gpuPages, d.cpuPages} {
		o := pages.Object()
		manager.PrintJson(&o)
		if detailed {
			var pageStats memutils.DetailedStatistics
			pageStats.Clear()
			manager.AddDetailedStatistics(&pageStats)

			detail := o.Name("Detailed").Object()
			pageStats.PrintJson(&detail)
			detail.End()
		}
		o.End()
		manager.AddStatistics(&total)
	}
	pages.End()

	pools := obj.Name("Pools").Array()
	for _, p := range d.statsPools() {
		o := pools.Object()
		p.PrintJson(&o)
		p.AddStatistics(&total)
		if detailed {
			d.printLiveResources(p, &o)
		}
		o.End()
	}
	pools.End()

	caches := obj.Name("Caches").Object()
	caches.Name("RootSignatures").Int(d.rootSignatureCache.Len())
	caches.Name("GraphicsPipelines").Int(d.graphicsPipelineCache.Len())
	caches.Name("ComputePipelines").Int(d.computePipelineCache.Len())
	d.samplerMutex.Lock()
	caches.Name("Samplers").Int(d.samplers.Count())
	d.samplerMutex.Unlock()
	caches.End()

	contexts := obj.Name("Contexts").Object()
	d.contexts.PrintJson(&contexts)
	contexts.End()

	totalObj := obj.Name("Total").Object()
	total.PrintJson(&totalObj)
	totalObj.End()

	obj.End()
	return string(writer.Bytes())
}

func liveNames[D any, T any](p *pool.Pool[D, T], name func(D) string, json *jwriter.ObjectState) {
	arr := json.Name("LiveResources").Array()
	defer arr.End()

	p.ForEachLive(func(index int, desc D, _ T) {
		o := arr.Object()
		o.Name("Index").Int(index)
		o.Name("Name").String(name(desc))
		o.End()
	})
}

func (d *Device) printLiveResources(p statsPool, json *jwriter.ObjectState) {
	switch p := p.(type) {
	case *pool.Pool[ColorBufferDesc, *colorBufferData]:
		liveNames(p, func(desc ColorBufferDesc) string { return desc.Name }, json)
	case *pool.Pool[DepthBufferDesc, *depthBufferData]:
		liveNames(p, func(desc DepthBufferDesc) string { return desc.Name }, json)
	case *pool.Pool[GpuBufferDesc, *gpuBufferData]:
		liveNames(p, func(desc GpuBufferDesc) string { return desc.Name }, json)
	case *pool.Pool[RootSignatureDesc, *rootSignatureData]:
		liveNames(p, func(desc RootSignatureDesc) string { return desc.Name }, json)
	case *pool.Pool[DescriptorSetDesc, *descriptorSetData]:
		liveNames(p, func(desc DescriptorSetDesc) string { return desc.RootSignature.Name() }, json)
	case *pool.Pool[pipelineDesc, *pipelineData]:
		liveNames(p, pipelineDesc.name, json)
	}
}
