package linear

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/lunaengine/rhi/memutils"
	"github.com/lunaengine/rhi/native"
	"github.com/lunaengine/rhi/queue"
)

// DefaultAlignment is the alignment used when Allocate is passed zero
const DefaultAlignment uint64 = 256

// DynAlloc is a transient suballocation of a page. It stays valid until the fence value the
// owning allocator was cleaned up at completes.
type DynAlloc struct {
	Buffer native.Resource
	Offset uint64
	Size   uint64
	// Data is the mapped CPU view of the allocation, nil for GPU-exclusive memory
	Data       []byte
	GPUAddress native.GPUVirtualAddress
}

type guard struct {
	page   *Page
	offset int
}

// Allocator bumps through pages from a PageManager. It belongs to one command context and is
// not safe for concurrent use.
type Allocator struct {
	logger   *slog.Logger
	manager  *PageManager
	pageSize uint64

	current *Page
	offset  uint64
	retired []*Page
	large   []*Page
	guards  []guard
}

func NewAllocator(logger *slog.Logger, manager *PageManager) *Allocator {
	return &Allocator{
		logger:   logger,
		manager:  manager,
		pageSize: manager.PageSize(),
	}
}

func (a *Allocator) Type() AllocatorType {
	return a.manager.Type()
}

func (a *Allocator) margin() uint64 {
	if a.manager.Type() == CpuWritable {
		return uint64(memutils.DebugMargin)
	}
	return 0
}

// Allocate returns size bytes aligned to alignment, which must be a power of two. Requests
// larger than a page get a dedicated page.
func (a *Allocator) Allocate(size, alignment uint64) (DynAlloc, error) {
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return DynAlloc{}, err
	}

	alignedSize := memutils.AlignUp(size, alignment)
	margin := a.margin()

	if alignedSize+margin > a.pageSize {
		return a.allocateLargePage(alignedSize, margin)
	}

	a.offset = memutils.AlignUp(a.offset, alignment)
	if a.current != nil && a.offset+alignedSize+margin > a.pageSize {
		a.retired = append(a.retired, a.current)
		a.current = nil
	}

	if a.current == nil {
		page, err := a.manager.RequestPage()
		if err != nil {
			return DynAlloc{}, err
		}
		a.current = page
		a.offset = 0
	}

	alloc := a.suballocate(a.current, a.offset, alignedSize)
	a.offset += alignedSize + margin

	memutils.DebugValidate(a)
	return alloc, nil
}

func (a *Allocator) allocateLargePage(alignedSize, margin uint64) (DynAlloc, error) {
	page, err := a.manager.CreateNewPage(alignedSize + margin)
	if err != nil {
		return DynAlloc{}, err
	}
	a.large = append(a.large, page)

	a.logger.Debug("LinearAllocator::AllocateLargePage",
		slog.String("type", a.manager.Type().String()),
		slog.Uint64("size", alignedSize))

	return a.suballocate(page, 0, alignedSize), nil
}

func (a *Allocator) suballocate(page *Page, offset, size uint64) DynAlloc {
	alloc := DynAlloc{
		Buffer:     page.resource,
		Offset:     offset,
		Size:       size,
		GPUAddress: page.address + native.GPUVirtualAddress(offset),
	}

	if page.data != nil {
		alloc.Data = page.data[offset : offset+size : offset+size]

		if memutils.DebugMargin > 0 {
			end := int(offset + size)
			memutils.WriteMagicValue(page.data, end)
			a.guards = append(a.guards, guard{page: page, offset: end})
		}
	}

	return alloc
}

// CleanupUsedPages retires every page used since the last cleanup at fence. Fixed-size pages
// are recycled and dedicated pages destroyed once fence completes.
func (a *Allocator) CleanupUsedPages(fence queue.FenceValue) {
	a.manager.FreeLargePages(fence, a.large)
	a.large = nil
	a.guards = a.guards[:0]

	if a.current != nil {
		a.retired = append(a.retired, a.current)
		a.current = nil
		a.offset = 0
	}

	if len(a.retired) > 0 {
		a.manager.DiscardPages(fence, a.retired)
		a.retired = nil
	}
}

// CheckCorruption validates the guard bytes written after every CPU-writable allocation made
// since the last cleanup. Guards are only written in debug_rhi builds.
func (a *Allocator) CheckCorruption() error {
	for _, g := range a.guards {
		if !memutils.ValidateMagicValue(g.page.data, g.offset) {
			return errors.Wrapf(memutils.CorruptionError, "guard at offset %d of a %d byte page", g.offset, g.page.size)
		}
	}
	return nil
}

func (a *Allocator) Validate() error {
	if a.current == nil {
		return nil
	}
	if a.current.size != a.pageSize {
		return errors.Newf("current page is %d bytes, expected %d", a.current.size, a.pageSize)
	}
	if a.offset > a.pageSize {
		return errors.Newf("offset %d runs past the end of a %d byte page", a.offset, a.pageSize)
	}
	return nil
}
