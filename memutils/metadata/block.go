package metadata

import "fmt"

// Block is a contiguous [Offset, Offset+Size) range of bytes within a single backing buffer. Blocks
// are stored in the free and used ledgers of FirstFitBlockMetadata, keyed by their own offset.
type Block struct {
	Offset int
	Size   int
}

// End returns the first offset past the end of the block
func (b Block) End() int {
	return b.Offset + b.Size
}

// Adjacent returns true if next begins exactly where this block ends
func (b Block) Adjacent(next Block) bool {
	return b.End() == next.Offset
}

func (b Block) String() string {
	return fmt.Sprintf("Block { offset: %d, size: %d }", b.Offset, b.Size)
}

func blockLess(left, right Block) bool {
	return left.Offset < right.Offset
}
