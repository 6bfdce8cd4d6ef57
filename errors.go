package subbuf

import "github.com/cockroachdb/errors"

var (
	// ErrForeignSubBuffer is returned when a sub-buffer is handed to a Buffer that did not allocate it
	ErrForeignSubBuffer = errors.New("sub-buffer does not belong to this buffer")
	// ErrUnknownSubBuffer is returned when a sub-buffer names its Buffer correctly but does not match
	// any live allocation in it, most often because it was already released
	ErrUnknownSubBuffer = errors.New("sub-buffer is not a live allocation")
	// ErrInvalidSubBuffer is returned when a zero-size sub-buffer is used where a live one is required
	ErrInvalidSubBuffer = errors.New("sub-buffer is not valid")
)
