package descriptor

import (
	"fmt"

	"github.com/lunaengine/rhi/internal/bitset"
	"github.com/lunaengine/rhi/native"
)

const (
	// MaxDescriptorTables is the number of root parameters a dynamic heap can track
	MaxDescriptorTables = 16
	// MaxCachedDescriptors is the total number of staged descriptors across all tables
	MaxCachedDescriptors = 256
	// MaxTableSize is the largest descriptor table whose entries can be staged individually
	MaxTableSize = 64

	maxRangesPerCopy = 16
)

// TableLayout describes the descriptor tables of a root signature
type TableLayout struct {
	// DescriptorTableBitmap has a bit set for every CBV/SRV/UAV descriptor table parameter
	DescriptorTableBitmap uint32
	// SamplerTableBitmap has a bit set for every sampler descriptor table parameter
	SamplerTableBitmap uint32
	// TableSizes holds the descriptor count of every root parameter, zero for non-tables
	TableSizes []uint32
}

type tableCache struct {
	assigned bitset.Set64
	start    int
	size     uint32
}

// handleCache stages CPU handles for the descriptor tables of one bind point
type handleCache struct {
	handles     [MaxCachedDescriptors]native.CPUHandle
	tables      [MaxDescriptorTables]tableCache
	tableParams bitset.Set32
	stale       bitset.Set32
	maxCached   uint32
}

func (c *handleCache) clear() {
	c.tableParams = 0
	c.stale = 0
	c.maxCached = 0
}

func (c *handleCache) parse(heapType native.DescriptorHeapType, layout TableLayout) {
	if len(layout.TableSizes) > MaxDescriptorTables {
		panic(fmt.Sprintf("root signature has %d parameters, dynamic descriptor heaps track at most %d", len(layout.TableSizes), MaxDescriptorTables))
	}

	c.stale = 0
	if heapType == native.DescriptorHeapSampler {
		c.tableParams = bitset.Set32(layout.SamplerTableBitmap)
	} else {
		c.tableParams = bitset.Set32(layout.DescriptorTableBitmap)
	}

	offset := 0
	c.tableParams.ForEach(func(rootIndex int) {
		size := layout.TableSizes[rootIndex]
		if size == 0 || size > MaxTableSize {
			panic(fmt.Sprintf("descriptor table %d has %d descriptors, expected 1 to %d", rootIndex, size, MaxTableSize))
		}

		c.tables[rootIndex] = tableCache{start: offset, size: size}
		offset += int(size)
	})

	if offset > MaxCachedDescriptors {
		panic(fmt.Sprintf("root signature tables hold %d descriptors, exceeding the cache size of %d", offset, MaxCachedDescriptors))
	}
	c.maxCached = uint32(offset)
}

func (c *handleCache) stage(heapType native.DescriptorHeapType, rootIndex, offset uint32, handles []native.CPUHandle) {
	if rootIndex >= MaxDescriptorTables || !c.tableParams.Has(int(rootIndex)) {
		panic(fmt.Sprintf("root parameter %d is not a %s descriptor table", rootIndex, heapType))
	}

	table := &c.tables[rootIndex]
	if len(handles) == 0 {
		return
	}
	if offset+uint32(len(handles)) > table.size {
		panic(fmt.Sprintf("staging %d descriptors at offset %d overflows descriptor table %d of size %d", len(handles), offset, rootIndex, table.size))
	}

	copy(c.handles[table.start+int(offset):], handles)
	table.assigned |= bitset.Range64(int(offset), len(handles))
	c.stale.Set(int(rootIndex))
}

// stagedSize sums the span of every stale table up to its highest assigned descriptor
func (c *handleCache) stagedSize() uint32 {
	var size uint32
	c.stale.ForEach(func(rootIndex int) {
		highest := c.tables[rootIndex].assigned.Highest()
		if highest < 0 {
			panic(fmt.Sprintf("root parameter %d is stale but has no assigned descriptors", rootIndex))
		}
		size += uint32(highest + 1)
	})
	return size
}

// unbindAllValid marks every table with assigned descriptors stale
func (c *handleCache) unbindAllValid() {
	c.stale = 0
	c.tableParams.ForEach(func(rootIndex int) {
		if !c.tables[rootIndex].assigned.Empty() {
			c.stale.Set(rootIndex)
		}
	})
}

type copyBatch struct {
	device   native.Device
	heapType native.DescriptorHeapType

	count     int
	dstStarts [maxRangesPerCopy]native.CPUHandle
	dstSizes  [maxRangesPerCopy]uint32
	srcStarts [maxRangesPerCopy]native.CPUHandle
	srcSizes  [maxRangesPerCopy]uint32
}

func (b *copyBatch) add(dst, src native.CPUHandle, size uint32) {
	if b.count == maxRangesPerCopy {
		b.flush()
	}

	b.dstStarts[b.count] = dst
	b.dstSizes[b.count] = size
	b.srcStarts[b.count] = src
	b.srcSizes[b.count] = size
	b.count++
}

func (b *copyBatch) flush() {
	if b.count == 0 {
		return
	}

	b.device.CopyDescriptors(b.dstStarts[:b.count], b.dstSizes[:b.count], b.srcStarts[:b.count], b.srcSizes[:b.count], b.heapType)
	b.count = 0
}

// copyAndBindStaleTables copies every stale table into consecutive space starting at dest and
// binds each one on list. Source handles that sit next to each other in their heap are copied
// as one range.
func (c *handleCache) copyAndBindStaleTables(device native.Device, heapType native.DescriptorHeapType, increment uint32, dest Handle, list native.CommandList, bindPoint native.BindPoint) {
	batch := copyBatch{device: device, heapType: heapType}

	stale := c.stale
	c.stale = 0

	stale.ForEach(func(rootIndex int) {
		table := &c.tables[rootIndex]
		span := uint32(table.assigned.Highest() + 1)

		list.SetRootDescriptorTable(bindPoint, uint32(rootIndex), dest.GPU)

		tableStart := dest.CPU
		table.assigned.Runs(func(start, length int) {
			src := c.handles[table.start+start : table.start+start+length]

			for i := 0; i < length; {
				j := i + 1
				for j < length && src[j] == src[j-1].Offset(1, increment) {
					j++
				}

				batch.add(tableStart.Offset(uint32(start+i), increment), src[i], uint32(j-i))
				i = j
			}
		})

		dest = dest.Offset(span, increment)
	})

	batch.flush()
}
