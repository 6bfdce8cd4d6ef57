//go:build !linux && !darwin

package hostmem

func allocateStorage(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func releaseStorage(data []byte) error {
	return nil
}
