package driver

import "github.com/cockroachdb/errors"

var (
	// ErrUnknownBuffer is returned when an operation names a BufferID the driver did not create or
	// has already destroyed
	ErrUnknownBuffer = errors.New("unknown buffer object")
	// ErrOutOfRange is returned when a map or copy reaches past the end of a buffer object
	ErrOutOfRange = errors.New("range is outside of the buffer object")
	// ErrAlreadyMapped is returned when a buffer object that is already mapped is mapped again
	ErrAlreadyMapped = errors.New("buffer object is already mapped")
	// ErrNotMapped is returned when a buffer object that is not mapped is unmapped
	ErrNotMapped = errors.New("buffer object is not mapped")
)

// CheckRange returns ErrOutOfRange, wrapped with a description of the request, if [offset, offset+size)
// does not fit within a buffer object of bufferSize bytes
func CheckRange(id BufferID, bufferSize, offset, size int) error {
	if offset < 0 || size < 0 || offset+size > bufferSize {
		return errors.Wrapf(ErrOutOfRange, "%s has size %d but the range [%d, %d) was requested", id, bufferSize, offset, offset+size)
	}
	return nil
}
