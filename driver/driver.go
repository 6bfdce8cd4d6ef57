package driver

import (
	"fmt"
	"unsafe"
)

// BufferID identifies a single GPU buffer object created by a Driver. The zero value never refers to
// a live buffer.
type BufferID uint32

// NullBuffer is the BufferID of no buffer at all
const NullBuffer BufferID = 0

func (id BufferID) String() string {
	return fmt.Sprintf("Buffer(%d)", uint32(id))
}

// AlignmentLimits are the offset alignments the device requires when a range of a buffer object is
// bound for a particular use. Every value is at least 1.
type AlignmentLimits struct {
	UniformBuffer       uint
	TextureBuffer       uint
	ShaderStorageBuffer uint
}

// Driver is the set of GPU operations the buffer allocator depends on. A Driver owns every buffer
// object it creates and records device copies on a single in-order command stream, so a copy
// enqueued with CopyBufferSubData is observed by every copy and map that follows it.
//
// Drivers are not safe for concurrent use.
type Driver interface {
	// AlignmentLimits reports the offset alignments of the device. The allocator queries these once.
	AlignmentLimits() AlignmentLimits

	// CreateBuffer creates a buffer object of exactly size bytes. An error indicates the host or the
	// device could not provide the memory.
	CreateBuffer(size int) (BufferID, error)
	// DestroyBuffer releases a buffer object. Copies that reference it and have not executed yet are
	// executed first.
	DestroyBuffer(id BufferID) error

	// MapRange maps size bytes of a buffer beginning at offset into host address space. Only one
	// range of a buffer may be mapped at a time.
	MapRange(id BufferID, offset, size int, access MapAccessFlags) (unsafe.Pointer, error)
	// Unmap releases the range mapped with MapRange
	Unmap(id BufferID) error

	// CopyBufferSubData enqueues a device copy of size bytes between two buffers. The copy happens
	// asynchronously, in the order it was enqueued.
	CopyBufferSubData(src BufferID, srcOffset int, dst BufferID, dstOffset int, size int) error
	// Flush submits every enqueued copy and waits for them to complete
	Flush() error
}
