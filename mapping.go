package subbuf

import (
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/subbuf/driver"
)

type mappedRange struct {
	offset int
	end    int
	ptr    unsafe.Pointer
}

// MapMultiple maps several sub-buffers into host memory at once and returns one pointer per
// sub-buffer, in the same order. A buffer object can only have one range mapped at a time, so
// sub-buffers are grouped by buffer and each buffer is mapped exactly once, over the smallest range
// that covers all of its sub-buffers.
//
// Because the covering range may include bytes that belong to sub-buffers that were not requested,
// driver.MapInvalidateRange and driver.MapInvalidateBuffer are removed from access, and a warning is
// logged, if either is present. All
// sub-buffers must be valid. If any buffer fails to map, the buffers that were already mapped are
// unmapped again.
func MapMultiple(drv driver.Driver, logger *slog.Logger, subBuffers []SubBuffer, access driver.MapAccessFlags) ([]unsafe.Pointer, error) {
	const discardFlags = driver.MapInvalidateRange | driver.MapInvalidateBuffer
	if access&discardFlags != 0 {
		logger.Warn("MapInvalidateRange and MapInvalidateBuffer would discard the contents of sub-buffers that were not requested, so they have been removed",
			slog.String("Access", access.String()),
		)
		access &^= discardFlags
	}

	ranges := swiss.NewMap[driver.BufferID, *mappedRange](uint32(len(subBuffers)))
	var order []driver.BufferID

	for _, sub := range subBuffers {
		if !sub.IsValid() {
			return nil, errors.Wrapf(ErrInvalidSubBuffer, "cannot map %s", sub)
		}

		bufferRange, ok := ranges.Get(sub.Buffer)
		if !ok {
			ranges.Put(sub.Buffer, &mappedRange{offset: sub.Offset, end: sub.End()})
			order = append(order, sub.Buffer)
			continue
		}

		bufferRange.offset = min(bufferRange.offset, sub.Offset)
		bufferRange.end = max(bufferRange.end, sub.End())
	}

	for mappedCount, id := range order {
		bufferRange, _ := ranges.Get(id)

		ptr, err := drv.MapRange(id, bufferRange.offset, bufferRange.end-bufferRange.offset, access)
		if err != nil {
			err = errors.Wrapf(err, "failed to map range [%d, %d) of %s", bufferRange.offset, bufferRange.end, id)
			for _, mappedID := range order[:mappedCount] {
				err = errors.CombineErrors(err, drv.Unmap(mappedID))
			}
			return nil, err
		}

		bufferRange.ptr = ptr
	}

	pointers := make([]unsafe.Pointer, len(subBuffers))
	for i, sub := range subBuffers {
		bufferRange, _ := ranges.Get(sub.Buffer)
		pointers[i] = unsafe.Add(bufferRange.ptr, sub.Offset-bufferRange.offset)
	}

	return pointers, nil
}

// UnmapMultiple unmaps every buffer mapped by MapMultiple for the same sub-buffers
func UnmapMultiple(drv driver.Driver, subBuffers []SubBuffer) error {
	unmapped := swiss.NewMap[driver.BufferID, struct{}](uint32(len(subBuffers)))

	var err error
	for _, sub := range subBuffers {
		if unmapped.Has(sub.Buffer) {
			continue
		}
		unmapped.Put(sub.Buffer, struct{}{})

		err = errors.CombineErrors(err, drv.Unmap(sub.Buffer))
	}

	return err
}

// MapMultiple maps several sub-buffers allocated by this allocator at once. See the package-level
// MapMultiple.
func (a *BufferAllocator) MapMultiple(subBuffers []SubBuffer, access driver.MapAccessFlags) ([]unsafe.Pointer, error) {
	a.logger.Debug("BufferAllocator::MapMultiple", slog.Int("SubBufferCount", len(subBuffers)))

	return MapMultiple(a.driver, a.logger, subBuffers, access)
}

// UnmapMultiple unmaps the sub-buffers mapped by MapMultiple
func (a *BufferAllocator) UnmapMultiple(subBuffers []SubBuffer) error {
	a.logger.Debug("BufferAllocator::UnmapMultiple", slog.Int("SubBufferCount", len(subBuffers)))

	return UnmapMultiple(a.driver, subBuffers)
}

// Flush submits every device copy enqueued by Grow and waits for them to complete
func (a *BufferAllocator) Flush() error {
	return a.driver.Flush()
}
