//go:build linux || darwin

package hostmem

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// allocateStorage maps size bytes of zeroed anonymous memory for a buffer object
func allocateStorage(size int) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap of %d bytes failed", size)
	}

	return data, nil
}

func releaseStorage(data []byte) error {
	return unix.Munmap(data)
}
