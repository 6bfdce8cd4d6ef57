package subbuf

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/subbuf/driver"
)

// SubBuffer is a contiguous range of bytes leased from one of a BufferAllocator's backing buffers.
// The zero value is not a valid sub-buffer, and BufferAllocator.Release resets a released
// sub-buffer's Size to 0.
type SubBuffer struct {
	Offset int
	Size   int
	Buffer driver.BufferID
}

// IsValid returns true if this sub-buffer refers to leased memory
func (s SubBuffer) IsValid() bool {
	return s.Size > 0
}

// End returns the first offset past the end of the sub-buffer
func (s SubBuffer) End() int {
	return s.Offset + s.Size
}

func (s SubBuffer) String() string {
	return fmt.Sprintf("SubBuffer { offset: %d, size: %d, buffer: %d }", s.Offset, s.Size, uint32(s.Buffer))
}

// Map maps this sub-buffer's bytes into host memory. When mapping several sub-buffers at once,
// MapMultiple should be preferred, since a buffer object can only have one range mapped at a time.
func (s SubBuffer) Map(drv driver.Driver, access driver.MapAccessFlags) (unsafe.Pointer, error) {
	if !s.IsValid() {
		return nil, errors.Wrapf(ErrInvalidSubBuffer, "cannot map %s", s)
	}

	return drv.MapRange(s.Buffer, s.Offset, s.Size, access)
}

// Unmap releases a mapping made with Map
func (s SubBuffer) Unmap(drv driver.Driver) error {
	if !s.IsValid() {
		return errors.Wrapf(ErrInvalidSubBuffer, "cannot unmap %s", s)
	}

	return drv.Unmap(s.Buffer)
}
