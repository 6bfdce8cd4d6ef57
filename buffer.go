package subbuf

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/subbuf/driver"
	"github.com/vkngwrapper/subbuf/memutils"
	"github.com/vkngwrapper/subbuf/memutils/metadata"
)

// Buffer is a single backing buffer object of fixed capacity, along with the ledgers of which of
// its bytes are leased out as sub-buffers
type Buffer struct {
	logger   *slog.Logger
	id       driver.BufferID
	metadata *metadata.FirstFitBlockMetadata
}

var _ memutils.Validatable = &Buffer{}

func newBuffer(logger *slog.Logger, id driver.BufferID, capacity int) *Buffer {
	md := metadata.NewFirstFitBlockMetadata()
	md.Init(capacity)

	return &Buffer{
		logger:   logger,
		id:       id,
		metadata: md,
	}
}

// ID is the driver's identifier for the buffer object
func (b *Buffer) ID() driver.BufferID { return b.id }

// Capacity is the size of the buffer object in bytes
func (b *Buffer) Capacity() int { return b.metadata.Size() }

// FreeBytes is the number of bytes not currently leased to a sub-buffer
func (b *Buffer) FreeBytes() int { return b.metadata.SumFreeSize() }

// IsEmpty returns true if no sub-buffers are leased from this buffer
func (b *Buffer) IsEmpty() bool { return b.metadata.IsEmpty() }

// Contains returns true if sub was allocated from this buffer
func (b *Buffer) Contains(sub SubBuffer) bool {
	return sub.Buffer == b.id
}

// Alloc leases size bytes at an offset that is a multiple of alignment. It returns false if no free
// range of the buffer can fit the request.
func (b *Buffer) Alloc(size int, alignment uint) (SubBuffer, bool) {
	block, ok := b.metadata.Alloc(size, alignment)
	if !ok {
		return SubBuffer{}, false
	}

	return SubBuffer{
		Offset: block.Offset,
		Size:   block.Size,
		Buffer: b.id,
	}, true
}

// Grow attempts to extend sub to newSize bytes without moving it, using free space that directly
// follows it. sub is updated and true is returned on success. If there is not enough free space
// after sub, false is returned and nothing changes. Sub-buffers cannot be shrunk: a newSize no
// larger than sub.Size returns an error.
func (b *Buffer) Grow(sub *SubBuffer, newSize int) (bool, error) {
	if !b.Contains(*sub) {
		return false, errors.Wrapf(ErrForeignSubBuffer, "%s does not belong to %s", *sub, b.id)
	}

	if block, ok := b.metadata.FindAllocation(sub.Offset); !ok || block.Size != sub.Size {
		return false, errors.Wrapf(ErrUnknownSubBuffer, "%s", *sub)
	}

	block, grown, err := b.metadata.Grow(sub.Offset, newSize)
	if err != nil || !grown {
		return false, err
	}

	sub.Size = block.Size
	memutils.DebugValidate(b)
	return true, nil
}

// Release returns sub's bytes to the buffer's free space, merging them with neighboring free ranges.
// An error is returned if sub was not allocated from this buffer or has already been released.
func (b *Buffer) Release(sub SubBuffer) error {
	if !b.Contains(sub) {
		return errors.Wrapf(ErrForeignSubBuffer, "%s does not belong to %s", sub, b.id)
	}

	err := b.metadata.Free(sub.Offset, sub.Size)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "could not release %s", sub), ErrUnknownSubBuffer)
	}

	memutils.DebugValidate(b)
	return nil
}

// Validate checks that the buffer's free and used ranges exactly cover the buffer, with no
// overlap and no adjacent free ranges
func (b *Buffer) Validate() error {
	if b.id == driver.NullBuffer {
		return errors.New("buffer does not have a valid buffer object")
	}
	if b.metadata.Size() < 1 {
		return errors.New("buffer's metadata has an invalid size")
	}

	return b.metadata.Validate()
}

// AddStatistics sums this buffer's statistics into stats
func (b *Buffer) AddStatistics(stats *memutils.Statistics) {
	b.metadata.AddStatistics(stats)
}

// AddDetailedStatistics sums this buffer's detailed statistics into stats
func (b *Buffer) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	b.metadata.AddDetailedStatistics(stats)
}

func (b *Buffer) printDetailedMap(json jwriter.ObjectState) {
	b.metadata.BlockJsonData(json)
	b.metadata.PrintDetailedMap(json)
}

// String dumps both of the buffer's ledgers
func (b *Buffer) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Buffer { id: %d, capacity: %d }\n", uint32(b.id), b.Capacity())
	sb.WriteString("\tfree blocks:\n")
	for _, block := range b.metadata.FreeBlocks() {
		fmt.Fprintf(&sb, "\t\t%s\n", block)
	}
	sb.WriteString("\tused blocks:\n")
	for _, block := range b.metadata.UsedBlocks() {
		fmt.Fprintf(&sb, "\t\t%s\n", block)
	}

	return sb.String()
}

func (b *Buffer) logUnreleasedMemory() {
	for _, block := range b.metadata.UsedBlocks() {
		b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unreleased sub-buffer",
			slog.Any("buffer", b.id),
			slog.Int("offset", block.Offset),
			slog.Int("size", block.Size),
		)
	}
}

// destroy releases the buffer object. It returns an error if sub-buffers were still leased, but the
// buffer object is released regardless.
func (b *Buffer) destroy(drv driver.Driver) error {
	var leaked error
	if !b.IsEmpty() {
		b.logUnreleasedMemory()
		leaked = errors.Newf("%d sub-buffers of %s were not released before it was destroyed", b.metadata.AllocationCount(), b.id)
	}

	err := drv.DestroyBuffer(b.id)
	if err != nil {
		return errors.CombineErrors(leaked, errors.Wrapf(err, "failed to destroy %s", b.id))
	}

	b.metadata.Clear()
	return leaked
}
