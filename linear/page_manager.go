// Package linear provides transient GPU memory: bump allocators over fixed-size buffer pages
// that are recycled once the fence value they were retired at completes. Requests larger than
// a page are served by dedicated pages that are destroyed instead of recycled.
package linear

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/lunaengine/rhi/internal/utils"
	"github.com/lunaengine/rhi/memutils"
	"github.com/lunaengine/rhi/native"
	"github.com/lunaengine/rhi/queue"
)

// AllocatorType selects the memory pages of a PageManager live in
type AllocatorType uint8

const (
	// GpuExclusive pages live in GPU-local memory and are writable through unordered access
	GpuExclusive AllocatorType = iota
	// CpuWritable pages live in upload memory and stay mapped for their whole lifetime
	CpuWritable
)

const (
	GpuPageSize uint64 = 0x10000
	CpuPageSize uint64 = 0x200000
)

func (t AllocatorType) String() string {
	if t == CpuWritable {
		return "CpuWritable"
	}
	return "GpuExclusive"
}

// Page is one buffer owned by a PageManager
type Page struct {
	resource native.Resource
	state    native.ResourceState
	size     uint64
	data     []byte
	address  native.GPUVirtualAddress
}

func (p *Page) Resource() native.Resource {
	return p.resource
}

// State is the state the page's buffer was created in and is kept in
func (p *Page) State() native.ResourceState {
	return p.state
}

func (p *Page) Size() uint64 {
	return p.size
}

func (p *Page) release() {
	if p.data != nil {
		p.resource.Unmap()
		p.data = nil
	}
	p.resource.Release()
}

type retiredPage struct {
	fence queue.FenceValue
	page  *Page
}

// PageManager creates and recycles the pages of one AllocatorType. It is shared by every
// Allocator of that type.
type PageManager struct {
	logger    *slog.Logger
	device    native.Device
	tracker   queue.Tracker
	allocType AllocatorType

	mutex     utils.OptionalMutex
	pool      []*Page
	retired   []retiredPage
	available []*Page
	deletion  []retiredPage
	large     int
}

func NewPageManager(logger *slog.Logger, device native.Device, tracker queue.Tracker, allocType AllocatorType, useMutex bool) *PageManager {
	return &PageManager{
		logger:    logger,
		device:    device,
		tracker:   tracker,
		allocType: allocType,
		mutex:     utils.NewOptionalMutex(useMutex),
	}
}

func (m *PageManager) Type() AllocatorType {
	return m.allocType
}

// PageSize is the size of the recycled pages
func (m *PageManager) PageSize() uint64 {
	if m.allocType == CpuWritable {
		return CpuPageSize
	}
	return GpuPageSize
}

// RequestPage returns a recycled page whose retire fence completed or a new one
func (m *PageManager) RequestPage() (*Page, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for len(m.retired) > 0 && m.tracker.IsFenceComplete(m.retired[0].fence) {
		m.available = append(m.available, m.retired[0].page)
		m.retired = m.retired[1:]
	}

	if len(m.available) > 0 {
		page := m.available[0]
		m.available = m.available[1:]
		return page, nil
	}

	page, err := m.CreateNewPage(0)
	if err != nil {
		return nil, err
	}
	m.pool = append(m.pool, page)

	m.logger.Debug("LinearAllocatorPageManager::RequestPage created page",
		slog.String("type", m.allocType.String()),
		slog.Int("pages", len(m.pool)))

	return page, nil
}

// CreateNewPage creates a page of size bytes, or of the manager's page size when size is zero.
// The page is not tracked by the manager until it is handed to FreeLargePages.
func (m *PageManager) CreateNewPage(size uint64) (*Page, error) {
	if size == 0 {
		size = m.PageSize()
	}

	desc := native.ResourceDesc{
		Dimension:        native.DimensionBuffer,
		Width:            size,
		Height:           1,
		DepthOrArraySize: 1,
		MipLevels:        1,
		SampleCount:      1,
	}

	heap := native.HeapUpload
	state := native.ResourceStateGenericRead
	if m.allocType == GpuExclusive {
		heap = native.HeapDefault
		state = native.ResourceStateUnorderedAccess
		desc.Flags = native.ResourceAllowUnorderedAccess
	}

	resource, err := m.device.CreateCommittedResource(heap, desc, state, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s linear allocator page of %d bytes", m.allocType, size)
	}
	resource.SetName("LinearAllocator Page")

	page := &Page{
		resource: resource,
		state:    state,
		size:     size,
		address:  resource.GPUVirtualAddress(),
	}

	if m.allocType == CpuWritable {
		page.data, err = resource.Map()
		if err != nil {
			resource.Release()
			return nil, errors.Wrap(err, "failed to map linear allocator page")
		}
	}

	return page, nil
}

// DiscardPages hands fixed-size pages back for reuse after fence completes
func (m *PageManager) DiscardPages(fence queue.FenceValue, pages []*Page) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, page := range pages {
		m.retired = append(m.retired, retiredPage{fence: fence, page: page})
	}
}

// FreeLargePages queues dedicated pages for destruction after fence completes. Pages queued by
// earlier calls whose fence already completed are destroyed now.
func (m *PageManager) FreeLargePages(fence queue.FenceValue, pages []*Page) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for len(m.deletion) > 0 && m.tracker.IsFenceComplete(m.deletion[0].fence) {
		m.deletion[0].page.release()
		m.deletion = m.deletion[1:]
		m.large--
	}

	for _, page := range pages {
		m.deletion = append(m.deletion, retiredPage{fence: fence, page: page})
		m.large++
	}
}

// AddStatistics adds the manager's pages to stats. Units are bytes; pages owned by an
// allocator count as allocations.
func (m *PageManager) AddStatistics(stats *memutils.Statistics) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	pageSize := int(m.PageSize())
	inUse := len(m.pool) - len(m.retired) - len(m.available)

	stats.PageCount += len(m.pool)
	stats.PageUnits += len(m.pool) * pageSize
	stats.AllocationCount += inUse
	stats.AllocationUnits += inUse * pageSize

	for _, pending := range m.deletion {
		stats.PageCount++
		stats.PageUnits += int(pending.page.size)
	}
}

// AddDetailedStatistics adds the manager's pages to stats along with their size ranges. Pages
// waiting for reuse or destruction count as unused ranges.
func (m *PageManager) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	pageSize := int(m.PageSize())
	idle := len(m.retired) + len(m.available)

	stats.PageCount += len(m.pool)
	stats.PageUnits += len(m.pool) * pageSize
	for i := 0; i < len(m.pool)-idle; i++ {
		stats.AddAllocation(pageSize)
	}
	for i := 0; i < idle; i++ {
		stats.AddUnusedRange(pageSize)
	}

	for _, pending := range m.deletion {
		stats.PageCount++
		stats.PageUnits += int(pending.page.size)
		stats.AddUnusedRange(int(pending.page.size))
	}
}

func (m *PageManager) PrintJson(json *jwriter.ObjectState) {
	var stats memutils.Statistics
	m.AddStatistics(&stats)

	json.Name("Type").String(m.allocType.String())
	json.Name("PageSize").Int(int(m.PageSize()))
	stats.PrintJson(json)
}

// Destroy releases every page. The GPU must be idle.
func (m *PageManager) Destroy() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	inUse := len(m.pool) - len(m.retired) - len(m.available)
	if inUse > 0 {
		m.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED LINEAR PAGE] pages are still owned by an allocator",
			slog.String("type", m.allocType.String()),
			slog.Int("pages", inUse))
	}

	for _, page := range m.pool {
		page.release()
	}
	for _, pending := range m.deletion {
		pending.page.release()
	}

	m.pool = nil
	m.retired = nil
	m.available = nil
	m.deletion = nil
	m.large = 0
}

func (m *PageManager) String() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return fmt.Sprintf("%s pages: %d pooled, %d retired, %d available, %d large", m.allocType, len(m.pool), len(m.retired), len(m.available), m.large)
}
