package metadata

import (
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/subbuf/memutils"
)

const ledgerDegree = 16

var (
	// UnknownAllocationError is returned when a block is freed or grown that is not a live allocation
	UnknownAllocationError error = errors.New("no live allocation matches the requested block")
	// ShrinkUnsupportedError is returned when Grow is asked for a size no larger than the allocation's current size
	ShrinkUnsupportedError error = errors.New("allocations can only be grown, not shrunk")
)

// FirstFitBlockMetadata manages the free and used space of a single fixed-size block. Space is
// tracked in two ledgers keyed and ordered by offset: one for free blocks and one for blocks that
// have been handed out. Between calls, the two ledgers exactly partition [0, Size()) and no two
// free blocks are adjacent to each other.
//
// Allocations are placed in the free block with the lowest offset that can hold them after
// alignment padding is applied. No best-fit search is performed.
type FirstFitBlockMetadata struct {
	BlockMetadataBase

	sumFreeSize int
	free        *btree.BTreeG[Block]
	used        *btree.BTreeG[Block]
}

var _ memutils.Validatable = &FirstFitBlockMetadata{}

func NewFirstFitBlockMetadata() *FirstFitBlockMetadata {
	return &FirstFitBlockMetadata{
		free: btree.NewG[Block](ledgerDegree, blockLess),
		used: btree.NewG[Block](ledgerDegree, blockLess),
	}
}

// Init sizes the block and resets it to a single free block covering the whole range
func (m *FirstFitBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.Clear()
}

// Clear instantly frees all allocations
func (m *FirstFitBlockMetadata) Clear() {
	m.free.Clear(false)
	m.used.Clear(false)
	m.sumFreeSize = m.size

	if m.size > 0 {
		m.free.ReplaceOrInsert(Block{Offset: 0, Size: m.size})
	}
}

// SumFreeSize returns the number of free bytes of memory in the block.
func (m *FirstFitBlockMetadata) SumFreeSize() int { return m.sumFreeSize }

// AllocationCount returns the number of live allocations in the block
func (m *FirstFitBlockMetadata) AllocationCount() int { return m.used.Len() }

// FreeRegionsCount returns the number of free blocks in the free ledger
func (m *FirstFitBlockMetadata) FreeRegionsCount() int { return m.free.Len() }

// IsEmpty will return true if this block has no live allocations
func (m *FirstFitBlockMetadata) IsEmpty() bool { return m.used.Len() == 0 }

// Alloc places an allocation of size bytes whose offset is a multiple of alignment. It returns
// false if no free block can hold the allocation.
func (m *FirstFitBlockMetadata) Alloc(size int, alignment uint) (Block, bool) {
	if size < 1 {
		return Block{}, false
	}

	var candidate Block
	var padding int
	found := false
	m.free.Ascend(func(item Block) bool {
		pad := memutils.AlignPadding(item.Offset, alignment)
		// Written so that a size near math.MaxInt cannot overflow
		if pad <= item.Size && size <= item.Size-pad {
			candidate = item
			padding = pad
			found = true
			return false
		}
		return true
	})

	if !found {
		return Block{}, false
	}

	// The candidate's key changes even when some of it stays free, so it always has to come out
	m.free.Delete(candidate)
	m.sumFreeSize -= size

	if padding == 0 && size == candidate.Size {
		m.used.ReplaceOrInsert(candidate)
		return candidate, true
	}

	allocated := Block{Offset: candidate.Offset + padding, Size: size}
	m.used.ReplaceOrInsert(allocated)

	// Slack left in front of the allocation by the alignment requirement
	if padding > 0 {
		m.free.ReplaceOrInsert(Block{Offset: candidate.Offset, Size: padding})
	}

	remainder := candidate.Size - padding - size
	if remainder > 0 {
		m.free.ReplaceOrInsert(Block{Offset: allocated.End(), Size: remainder})
	}

	return allocated, true
}

// Grow attempts to extend the allocation beginning at offset to newSize bytes without moving it,
// by consuming the front of the free block immediately after it. It returns false, and leaves the
// ledgers untouched, if there is no such free block or it is too small.
func (m *FirstFitBlockMetadata) Grow(offset int, newSize int) (Block, bool, error) {
	used, ok := m.used.Get(Block{Offset: offset})
	if !ok {
		return Block{}, false, errors.Wrapf(UnknownAllocationError, "no allocation begins at offset %d", offset)
	}

	if newSize <= used.Size {
		return used, false, errors.Wrapf(ShrinkUnsupportedError, "requested size %d for the allocation at offset %d of size %d", newSize, offset, used.Size)
	}

	neighbor, ok := m.free.Get(Block{Offset: used.End()})
	if !ok || used.Size+neighbor.Size < newSize {
		return used, false, nil
	}

	amount := newSize - used.Size
	m.free.Delete(neighbor)
	if amount != neighbor.Size {
		m.free.ReplaceOrInsert(Block{Offset: neighbor.Offset + amount, Size: neighbor.Size - amount})
	}

	used.Size = newSize
	m.used.ReplaceOrInsert(used)
	m.sumFreeSize -= amount

	return used, true, nil
}

// Free returns the allocation at offset to the free ledger and merges it with any free block
// directly before or after it. The size must match the live allocation at that offset.
func (m *FirstFitBlockMetadata) Free(offset int, size int) error {
	released, ok := m.used.Get(Block{Offset: offset})
	if !ok {
		return errors.Wrapf(UnknownAllocationError, "no allocation begins at offset %d", offset)
	}
	if released.Size != size {
		return errors.Wrapf(UnknownAllocationError, "the allocation at offset %d has size %d, not %d", offset, released.Size, size)
	}

	m.used.Delete(released)
	m.sumFreeSize += released.Size

	// The free ledger is always fully merged, so only the direct neighbors of the released
	// block can need merging
	merged := released

	var prev Block
	hasPrev := false
	m.free.DescendLessOrEqual(Block{Offset: released.Offset}, func(item Block) bool {
		prev = item
		hasPrev = true
		return false
	})
	if hasPrev && prev.Adjacent(merged) {
		m.free.Delete(prev)
		merged = Block{Offset: prev.Offset, Size: prev.Size + merged.Size}
	}

	next, hasNext := m.free.Get(Block{Offset: merged.End()})
	if hasNext {
		m.free.Delete(next)
		merged.Size += next.Size
	}

	m.free.ReplaceOrInsert(merged)
	return nil
}

// FindAllocation retrieves the live allocation that begins at offset, if any
func (m *FirstFitBlockMetadata) FindAllocation(offset int) (Block, bool) {
	return m.used.Get(Block{Offset: offset})
}

// FreeBlocks returns the free ledger in ascending offset order
func (m *FirstFitBlockMetadata) FreeBlocks() []Block {
	return ledgerBlocks(m.free)
}

// UsedBlocks returns the used ledger in ascending offset order
func (m *FirstFitBlockMetadata) UsedBlocks() []Block {
	return ledgerBlocks(m.used)
}

func ledgerBlocks(ledger *btree.BTreeG[Block]) []Block {
	blocks := make([]Block, 0, ledger.Len())
	ledger.Ascend(func(item Block) bool {
		blocks = append(blocks, item)
		return true
	})
	return blocks
}

// VisitAllRegions calls handleBlock once for every free and used block in ascending offset order.
// This walks both ledgers in their entirety and should generally be kept to diagnostics.
func (m *FirstFitBlockMetadata) VisitAllRegions(handleBlock func(block Block, free bool) error) error {
	freeBlocks := m.FreeBlocks()
	usedBlocks := m.UsedBlocks()

	freeIndex, usedIndex := 0, 0
	for freeIndex < len(freeBlocks) || usedIndex < len(usedBlocks) {
		if usedIndex >= len(usedBlocks) ||
			(freeIndex < len(freeBlocks) && freeBlocks[freeIndex].Offset < usedBlocks[usedIndex].Offset) {
			err := handleBlock(freeBlocks[freeIndex], true)
			if err != nil {
				return err
			}
			freeIndex++
			continue
		}

		err := handleBlock(usedBlocks[usedIndex], false)
		if err != nil {
			return err
		}
		usedIndex++
	}

	return nil
}

// Validate performs internal consistency checks on the ledgers. It returns an error if the free and
// used blocks do not exactly partition the block, if any block is empty, or if two free blocks are
// adjacent to one another.
func (m *FirstFitBlockMetadata) Validate() error {
	nextOffset := 0
	calculatedFreeSize := 0
	prevFree := false

	err := m.VisitAllRegions(func(block Block, free bool) error {
		if block.Size < 1 {
			return errors.Newf("block at offset %d has invalid size %d", block.Offset, block.Size)
		}
		if block.Offset < nextOffset {
			return errors.Newf("block at offset %d overlaps the previous block, which ends at %d", block.Offset, nextOffset)
		}
		if block.Offset > nextOffset {
			return errors.Newf("there is a gap between offset %d and the block at offset %d", nextOffset, block.Offset)
		}
		if free && prevFree {
			return errors.Newf("free block at offset %d should have been merged with the free block before it", block.Offset)
		}

		if free {
			calculatedFreeSize += block.Size
		}
		prevFree = free
		nextOffset = block.End()
		return nil
	})
	if err != nil {
		return err
	}

	if nextOffset != m.size {
		return errors.Newf("the full size of the metadata is %d, but the blocks only added up to %d", m.size, nextOffset)
	}

	if calculatedFreeSize != m.sumFreeSize {
		return errors.Newf("the free size of the metadata is %d, but the free blocks only added up to %d", m.sumFreeSize, calculatedFreeSize)
	}

	return nil
}

// AddStatistics sums this block's allocation statistics into the provided memutils.Statistics object
func (m *FirstFitBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BufferCount++
	stats.BufferBytes += m.size
	stats.AllocationCount += m.used.Len()
	stats.AllocationBytes += m.size - m.sumFreeSize
}

// AddDetailedStatistics sums this block's allocation statistics into the provided
// memutils.DetailedStatistics object
func (m *FirstFitBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BufferCount++
	stats.BufferBytes += m.size

	m.used.Ascend(func(item Block) bool {
		stats.AddAllocation(item.Size)
		return true
	})
	m.free.Ascend(func(item Block) bool {
		stats.AddUnusedRange(item.Size)
		return true
	})
}

// BlockJsonData populates a json object with information about this block
func (m *FirstFitBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.sumFreeSize, m.AllocationCount(), m.FreeRegionsCount())
}

// PrintDetailedMap writes every free and used block into a "Blocks" array of the provided json object
func (m *FirstFitBlockMetadata) PrintDetailedMap(json jwriter.ObjectState) {
	arrayState := json.Name("Blocks").Array()
	defer arrayState.End()

	_ = m.VisitAllRegions(func(block Block, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(block.Offset)
		obj.Name("Size").Int(block.Size)
		if free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("USED")
		}
		return nil
	})
}
