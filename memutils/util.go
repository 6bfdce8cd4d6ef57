package memutils

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// CheckAlignment verifies that an alignment value can be used to place allocations. Alignments do not
// need to be a power of two, since some platforms report uniform buffer alignments that are not.
func CheckAlignment[T constraints.Integer](alignment T, name string) error {
	if alignment < 1 {
		return errors.Wrapf(ZeroAlignmentError, "%s is %d", name, alignment)
	}
	return nil
}

// AlignPadding returns the number of bytes that must be skipped after offset so that the next byte
// lands on a multiple of alignment. An alignment of 0 is treated as 1.
func AlignPadding(offset int, alignment uint) int {
	if alignment <= 1 {
		return 0
	}

	align := int(alignment)
	return (align - offset%align) % align
}

// AlignUp rounds value up to the next multiple of alignment
func AlignUp(value int, alignment uint) int {
	return value + AlignPadding(value, alignment)
}
