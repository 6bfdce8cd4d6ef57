package hostmem

import (
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/subbuf/driver"
)

// ErrOutOfHostMemory is returned from CreateBuffer when Options.MaxBufferCount or Options.MaxTotalBytes
// would be exceeded
var ErrOutOfHostMemory = errors.New("host memory limit reached")

type hostBuffer struct {
	data   []byte
	mapped bool
}

type copyCommand struct {
	src       driver.BufferID
	srcOffset int
	dst       driver.BufferID
	dstOffset int
	size      int
}

// Driver is a driver.Driver whose buffer objects live in anonymous host memory. Device copies are
// queued in submission order and executed by Flush, or before a map observes the memory.
type Driver struct {
	logger  *slog.Logger
	options Options
	limits  driver.AlignmentLimits

	nextID     driver.BufferID
	buffers    *swiss.Map[driver.BufferID, *hostBuffer]
	totalBytes int

	pending []copyCommand
}

var _ driver.Driver = &Driver{}

// New creates a host-memory driver
func New(logger *slog.Logger, options Options) *Driver {
	return &Driver{
		logger:  logger,
		options: options,
		limits:  options.limits(),
		nextID:  driver.NullBuffer + 1,
		buffers: swiss.NewMap[driver.BufferID, *hostBuffer](8),
	}
}

func (d *Driver) AlignmentLimits() driver.AlignmentLimits {
	return d.limits
}

func (d *Driver) CreateBuffer(size int) (driver.BufferID, error) {
	d.logger.Debug("HostDriver::CreateBuffer", slog.Int("Size", size))

	if size < 1 {
		return driver.NullBuffer, errors.Newf("buffer objects must have a positive size, but %d was requested", size)
	}

	if d.options.MaxBufferCount > 0 && d.buffers.Count() >= d.options.MaxBufferCount {
		return driver.NullBuffer, errors.Wrapf(ErrOutOfHostMemory, "%d buffer objects are already live", d.buffers.Count())
	}

	if d.options.MaxTotalBytes > 0 && d.totalBytes+size > d.options.MaxTotalBytes {
		return driver.NullBuffer, errors.Wrapf(ErrOutOfHostMemory, "%d bytes are already live and %d more were requested", d.totalBytes, size)
	}

	data, err := allocateStorage(size)
	if err != nil {
		return driver.NullBuffer, err
	}

	id := d.nextID
	d.nextID++

	d.buffers.Put(id, &hostBuffer{data: data})
	d.totalBytes += size

	return id, nil
}

func (d *Driver) DestroyBuffer(id driver.BufferID) error {
	d.logger.Debug("HostDriver::DestroyBuffer", slog.Any("Buffer", id))

	buffer, err := d.buffer(id)
	if err != nil {
		return err
	}

	// Queued copies may still read from or write to this buffer
	err = d.executePending()
	if err != nil {
		return err
	}

	d.buffers.Delete(id)
	d.totalBytes -= len(buffer.data)

	return releaseStorage(buffer.data)
}

func (d *Driver) MapRange(id driver.BufferID, offset, size int, access driver.MapAccessFlags) (unsafe.Pointer, error) {
	d.logger.Debug("HostDriver::MapRange",
		slog.Any("Buffer", id),
		slog.Int("Offset", offset),
		slog.Int("Size", size),
		slog.String("Access", access.String()),
	)

	buffer, err := d.buffer(id)
	if err != nil {
		return nil, err
	}

	if size < 1 {
		return nil, errors.Wrapf(driver.ErrOutOfRange, "cannot map an empty range of %s", id)
	}

	err = driver.CheckRange(id, len(buffer.data), offset, size)
	if err != nil {
		return nil, err
	}

	if buffer.mapped {
		return nil, errors.Wrapf(driver.ErrAlreadyMapped, "%s", id)
	}

	if access&driver.MapUnsynchronized == 0 {
		err = d.executePending()
		if err != nil {
			return nil, err
		}
	}

	buffer.mapped = true
	return unsafe.Pointer(&buffer.data[offset]), nil
}

func (d *Driver) Unmap(id driver.BufferID) error {
	d.logger.Debug("HostDriver::Unmap", slog.Any("Buffer", id))

	buffer, err := d.buffer(id)
	if err != nil {
		return err
	}

	if !buffer.mapped {
		return errors.Wrapf(driver.ErrNotMapped, "%s", id)
	}

	buffer.mapped = false
	return nil
}

func (d *Driver) CopyBufferSubData(src driver.BufferID, srcOffset int, dst driver.BufferID, dstOffset int, size int) error {
	d.logger.Debug("HostDriver::CopyBufferSubData",
		slog.Any("Source", src),
		slog.Int("SourceOffset", srcOffset),
		slog.Any("Destination", dst),
		slog.Int("DestinationOffset", dstOffset),
		slog.Int("Size", size),
	)

	srcBuffer, err := d.buffer(src)
	if err != nil {
		return err
	}
	dstBuffer, err := d.buffer(dst)
	if err != nil {
		return err
	}

	err = driver.CheckRange(src, len(srcBuffer.data), srcOffset, size)
	if err != nil {
		return err
	}
	err = driver.CheckRange(dst, len(dstBuffer.data), dstOffset, size)
	if err != nil {
		return err
	}

	d.pending = append(d.pending, copyCommand{
		src:       src,
		srcOffset: srcOffset,
		dst:       dst,
		dstOffset: dstOffset,
		size:      size,
	})
	return nil
}

func (d *Driver) Flush() error {
	d.logger.Debug("HostDriver::Flush", slog.Int("PendingCopies", len(d.pending)))

	return d.executePending()
}

// PendingCopies is the number of copies that have been enqueued but not executed
func (d *Driver) PendingCopies() int {
	return len(d.pending)
}

// BufferCount is the number of live buffer objects
func (d *Driver) BufferCount() int {
	return d.buffers.Count()
}

// TotalBytes is the number of bytes held by live buffer objects
func (d *Driver) TotalBytes() int {
	return d.totalBytes
}

func (d *Driver) buffer(id driver.BufferID) (*hostBuffer, error) {
	buffer, ok := d.buffers.Get(id)
	if !ok {
		return nil, errors.Wrapf(driver.ErrUnknownBuffer, "%s", id)
	}

	return buffer, nil
}

func (d *Driver) executePending() error {
	for i, command := range d.pending {
		src, err := d.buffer(command.src)
		if err != nil {
			d.pending = d.pending[i+1:]
			return err
		}
		dst, err := d.buffer(command.dst)
		if err != nil {
			d.pending = d.pending[i+1:]
			return err
		}

		copy(dst.data[command.dstOffset:command.dstOffset+command.size], src.data[command.srcOffset:command.srcOffset+command.size])
	}

	d.pending = d.pending[:0]
	return nil
}
