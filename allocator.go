package subbuf

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/subbuf/driver"
	"github.com/vkngwrapper/subbuf/memutils"
)

// BufferAllocator hands out sub-buffers: small, aligned ranges of a few large backing buffer
// objects. Backing buffers are created on demand and live until Destroy is called. Sub-buffers can
// be grown after they are allocated, in which case they may move to a new range, with their contents
// carried over by a device copy.
//
// BufferAllocator is not safe for concurrent use.
type BufferAllocator struct {
	logger  *slog.Logger
	driver  driver.Driver
	metrics *allocatorMetrics

	chunkCapacity int
	alignments    [alignmentCategoryCount]uint

	// buffers is only ever appended to, so an index into it stays valid for the allocator's lifetime
	buffers       []*Buffer
	bufferIndices *swiss.Map[driver.BufferID, int]
}

var _ memutils.Validatable = &BufferAllocator{}

// Alignment returns the offset alignment the device requires for the given use
func (a *BufferAllocator) Alignment(category BufferAlignment) uint {
	if category < 0 || int(category) >= alignmentCategoryCount {
		panic(fmt.Sprintf("unknown buffer alignment category: %d", int(category)))
	}

	return a.alignments[category]
}

// ChunkCapacity is the capacity of each backing buffer the allocator creates for ordinary requests
func (a *BufferAllocator) ChunkCapacity() int {
	return a.chunkCapacity
}

// BufferCount is the number of backing buffers the allocator has created
func (a *BufferAllocator) BufferCount() int {
	return len(a.buffers)
}

// Buffer retrieves the backing buffer with the provided id, or nil if the allocator did not create it
func (a *BufferAllocator) Buffer(id driver.BufferID) *Buffer {
	index, ok := a.bufferIndices.Get(id)
	if !ok {
		return nil
	}

	return a.buffers[index]
}

func (a *BufferAllocator) createBuffer(capacity int) (int, error) {
	a.logger.Debug("BufferAllocator::createBuffer", slog.Int("Capacity", capacity))

	id, err := a.driver.CreateBuffer(capacity)
	if err != nil {
		return -1, errors.Wrapf(err, "failed to create a backing buffer of %d bytes", capacity)
	}

	index := len(a.buffers)
	a.buffers = append(a.buffers, newBuffer(a.logger, id, capacity))
	a.bufferIndices.Put(id, index)
	a.metrics.bufferCreated(capacity)

	return index, nil
}

// Alloc leases size bytes at an offset that is a multiple of alignment. An alignment of 0 is treated
// as 1.
//
// Backing buffers are tried in the order they were created. If none of them can fit the request, a
// new backing buffer is created with the larger of the chunk capacity and size, so Alloc does not
// fail unless the driver cannot create a buffer object. That case is unrecoverable and panics.
// Requesting fewer than 1 byte also panics.
func (a *BufferAllocator) Alloc(size int, alignment uint) SubBuffer {
	a.logger.Debug("BufferAllocator::Alloc", slog.Int("Size", size), slog.Uint64("Alignment", uint64(alignment)))

	if size < 1 {
		panic(fmt.Sprintf("attempted to allocate a sub-buffer of %d bytes", size))
	}

	sub := a.alloc(size, alignment)
	a.metrics.allocated(sub.Size)
	return sub
}

// AllocAligned leases size bytes suitably aligned for the provided use
func (a *BufferAllocator) AllocAligned(size int, category BufferAlignment) SubBuffer {
	return a.Alloc(size, a.Alignment(category))
}

func (a *BufferAllocator) alloc(size int, alignment uint) SubBuffer {
	for _, buffer := range a.buffers {
		sub, ok := buffer.Alloc(size, alignment)
		if ok {
			return sub
		}
	}

	index, err := a.createBuffer(max(a.chunkCapacity, size))
	if err != nil {
		panic(err)
	}

	// A fresh buffer has a single free block at offset 0 that is at least size bytes long, so this
	// cannot fail
	sub, ok := a.buffers[index].Alloc(size, alignment)
	if !ok {
		panic(fmt.Sprintf("failed to allocate %d bytes from a new backing buffer of %d bytes", size, a.buffers[index].Capacity()))
	}
	return sub
}

// Grow resizes sub to newSize bytes. If the bytes following sub are free, sub grows in place.
// Otherwise, a new range of newSize bytes aligned to alignment is allocated, a device copy of sub's
// current contents into it is enqueued, the old range is released and sub is updated to the new
// range. The copy runs asynchronously on the driver's command stream, so any map issued afterward
// observes it.
//
// Sub-buffers cannot be shrunk. Requests for a newSize no larger than sub.Size, and requests for
// sub-buffers that this allocator did not allocate, are logged and ignored.
func (a *BufferAllocator) Grow(sub *SubBuffer, newSize int, alignment uint) {
	a.logger.Debug("BufferAllocator::Grow",
		slog.String("SubBuffer", sub.String()),
		slog.Int("NewSize", newSize),
		slog.Uint64("Alignment", uint64(alignment)),
	)

	if !sub.IsValid() {
		a.logger.Warn("ignoring request to grow an invalid sub-buffer", slog.String("SubBuffer", sub.String()))
		a.metrics.rejected("grow", "invalid")
		return
	}

	owner := a.Buffer(sub.Buffer)
	if owner == nil {
		a.logger.Warn("ignoring request to grow a sub-buffer that was not allocated by this allocator", slog.String("SubBuffer", sub.String()))
		a.metrics.rejected("grow", "foreign")
		return
	}

	if newSize <= sub.Size {
		a.logger.Warn("ignoring request to shrink a sub-buffer, sub-buffers can only grow",
			slog.String("SubBuffer", sub.String()),
			slog.Int("NewSize", newSize),
		)
		a.metrics.rejected("grow", "shrink")
		return
	}

	oldSize := sub.Size
	grown, err := owner.Grow(sub, newSize)
	if err != nil {
		a.logger.Warn("ignoring request to grow a sub-buffer", slog.String("SubBuffer", sub.String()), slog.Any("error", err))
		a.metrics.rejected("grow", "unknown")
		return
	}

	if grown {
		a.metrics.grewInPlace(oldSize, newSize)
		return
	}

	old := *sub
	relocated := a.alloc(newSize, alignment)
	a.metrics.allocated(relocated.Size)

	err = a.driver.CopyBufferSubData(old.Buffer, old.Offset, relocated.Buffer, relocated.Offset, old.Size)
	if err != nil {
		// The contents could not be carried over, so leave the sub-buffer where it is
		a.logger.Error("failed to enqueue the copy of a relocated sub-buffer",
			slog.String("SubBuffer", old.String()),
			slog.String("Destination", relocated.String()),
			slog.Any("error", err),
		)
		a.release(relocated)
		return
	}

	a.metrics.relocated(old.Size)
	a.release(old)
	*sub = relocated
}

// GrowAligned grows sub to newSize bytes, suitably aligned for the provided use if it has to move
func (a *BufferAllocator) GrowAligned(sub *SubBuffer, newSize int, category BufferAlignment) {
	a.Grow(sub, newSize, a.Alignment(category))
}

// Release returns sub's bytes to its backing buffer and sets sub.Size to 0. Sub-buffers that were not
// allocated by this allocator or were already released are logged and ignored.
func (a *BufferAllocator) Release(sub *SubBuffer) {
	a.logger.Debug("BufferAllocator::Release", slog.String("SubBuffer", sub.String()))

	if !sub.IsValid() {
		a.logger.Warn("ignoring request to release an invalid sub-buffer", slog.String("SubBuffer", sub.String()))
		a.metrics.rejected("release", "invalid")
		return
	}

	if !a.release(*sub) {
		return
	}

	sub.Size = 0
}

func (a *BufferAllocator) release(sub SubBuffer) bool {
	owner := a.Buffer(sub.Buffer)
	if owner == nil {
		a.logger.Warn("ignoring request to release a sub-buffer that was not allocated by this allocator", slog.String("SubBuffer", sub.String()))
		a.metrics.rejected("release", "foreign")
		return false
	}

	err := owner.Release(sub)
	if err != nil {
		a.logger.Warn("ignoring request to release a sub-buffer", slog.String("SubBuffer", sub.String()), slog.Any("error", err))
		a.metrics.rejected("release", "unknown")
		return false
	}

	a.metrics.released(sub.Size)
	return true
}

// Destroy releases every backing buffer object. An error is returned if sub-buffers were still
// leased, but the buffer objects are released regardless. The allocator cannot be used afterward.
func (a *BufferAllocator) Destroy() error {
	a.logger.Debug("BufferAllocator::Destroy")

	var err error
	for _, buffer := range a.buffers {
		capacity := buffer.Capacity()
		err = errors.CombineErrors(err, buffer.destroy(a.driver))
		a.metrics.bufferDestroyed(capacity)
	}

	a.buffers = nil
	a.bufferIndices.Clear()
	return err
}

// Validate checks the ledgers of every backing buffer
func (a *BufferAllocator) Validate() error {
	for index, buffer := range a.buffers {
		mappedIndex, ok := a.bufferIndices.Get(buffer.ID())
		if !ok || mappedIndex != index {
			return errors.Newf("%s is not indexed at position %d", buffer.ID(), index)
		}

		err := buffer.Validate()
		if err != nil {
			return errors.Wrapf(err, "invalid backing buffer %s", buffer.ID())
		}
	}

	return nil
}

// CalculateStatistics populates stats with the combined statistics of every backing buffer
func (a *BufferAllocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()

	for _, buffer := range a.buffers {
		buffer.AddDetailedStatistics(stats)
	}
}

// BuildStatsString returns a json string with the allocator's statistics. If detailedMap is true,
// the free and used ranges of every backing buffer are listed as well.
func (a *BufferAllocator) BuildStatsString(detailedMap bool) string {
	writer := jwriter.NewWriter()
	objState := writer.Object()

	var stats memutils.DetailedStatistics
	a.CalculateStatistics(&stats)

	totalObj := objState.Name("Total").Object()
	printDetailedStatistics(totalObj, &stats)
	totalObj.End()

	alignmentObj := objState.Name("Alignments").Object()
	for category, alignment := range a.alignments {
		alignmentObj.Name(BufferAlignment(category).String()).Int(int(alignment))
	}
	alignmentObj.End()

	objState.Name("ChunkCapacity").Int(a.chunkCapacity)

	if detailedMap {
		buffersObj := objState.Name("Buffers").Object()
		for _, buffer := range a.buffers {
			bufferObj := buffersObj.Name(strconv.Itoa(int(buffer.ID()))).Object()
			buffer.printDetailedMap(bufferObj)
			bufferObj.End()
		}
		buffersObj.End()
	}

	objState.End()
	return string(writer.Bytes())
}

func printDetailedStatistics(json jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BufferCount").Int(stats.BufferCount)
	json.Name("BufferBytes").Int(stats.BufferBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// String dumps the ledgers of every backing buffer
func (a *BufferAllocator) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "BufferAllocator { chunk capacity: %d, buffers: %d }\n", a.chunkCapacity, len(a.buffers))
	for _, buffer := range a.buffers {
		sb.WriteString(buffer.String())
	}

	return sb.String()
}
