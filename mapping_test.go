package subbuf

import (
	"bytes"
	"log/slog"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/subbuf/driver"
	"github.com/vkngwrapper/subbuf/driver/hostmem"
)

type mapCall struct {
	id     driver.BufferID
	offset int
	size   int
	access driver.MapAccessFlags
}

var errInjected = errors.New("injected driver failure")

// spyDriver records the calls that reach the wrapped driver and can be told to fail some of them
type spyDriver struct {
	driver.Driver

	maps   []mapCall
	unmaps []driver.BufferID

	failMap  driver.BufferID
	failCopy bool
}

func (d *spyDriver) MapRange(id driver.BufferID, offset, size int, access driver.MapAccessFlags) (unsafe.Pointer, error) {
	d.maps = append(d.maps, mapCall{id: id, offset: offset, size: size, access: access})
	if id == d.failMap {
		return nil, errInjected
	}

	return d.Driver.MapRange(id, offset, size, access)
}

func (d *spyDriver) Unmap(id driver.BufferID) error {
	d.unmaps = append(d.unmaps, id)
	return d.Driver.Unmap(id)
}

func (d *spyDriver) CopyBufferSubData(src driver.BufferID, srcOffset int, dst driver.BufferID, dstOffset int, size int) error {
	if d.failCopy {
		return errInjected
	}

	return d.Driver.CopyBufferSubData(src, srcOffset, dst, dstOffset, size)
}

func readySpyAllocator(t *testing.T, chunkCapacity int) (*spyDriver, *BufferAllocator) {
	drv := &spyDriver{Driver: hostmem.New(testLogger(), hostmem.Options{})}

	allocator, err := New(testLogger(), drv, CreateOptions{ChunkCapacity: chunkCapacity})
	require.NoError(t, err)

	return drv, allocator
}

func TestMapMultipleMapsEachBufferOnce(t *testing.T) {
	drv, allocator := readySpyAllocator(t, 64)

	a := allocator.Alloc(16, 1)
	b := allocator.Alloc(16, 1)
	c := allocator.Alloc(64, 1)
	d := allocator.Alloc(16, 1)
	require.Equal(t, a.Buffer, b.Buffer)
	require.Equal(t, a.Buffer, d.Buffer)
	require.NotEqual(t, a.Buffer, c.Buffer)

	subBuffers := []SubBuffer{b, c, a}
	pointers, err := allocator.MapMultiple(subBuffers, driver.MapWrite)
	require.NoError(t, err)
	require.Len(t, pointers, 3)

	// d lies past the requested sub-buffers and is not covered
	require.Equal(t, []mapCall{
		{id: a.Buffer, offset: 0, size: 32, access: driver.MapWrite},
		{id: c.Buffer, offset: 0, size: 64, access: driver.MapWrite},
	}, drv.maps)

	require.Equal(t, unsafe.Add(pointers[2], 16), pointers[0])

	for i, sub := range subBuffers {
		copy(unsafe.Slice((*byte)(pointers[i]), sub.Size), pattern(sub.Size, byte(i*50)))
	}

	require.NoError(t, allocator.UnmapMultiple(subBuffers))
	require.Equal(t, []driver.BufferID{a.Buffer, c.Buffer}, drv.unmaps)

	require.Equal(t, pattern(16, 100), readSubBuffer(t, drv, a))
	require.Equal(t, pattern(16, 0), readSubBuffer(t, drv, b))
	require.Equal(t, pattern(64, 50), readSubBuffer(t, drv, c))
}

func TestMapMultipleStripsInvalidateRange(t *testing.T) {
	drv, allocator := readySpyAllocator(t, 64)

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	sub := allocator.Alloc(16, 1)
	_, err := MapMultiple(drv, logger, []SubBuffer{sub}, driver.MapWrite|driver.MapInvalidateRange)
	require.NoError(t, err)

	require.Len(t, drv.maps, 1)
	require.Equal(t, driver.MapWrite, drv.maps[0].access)
	require.Contains(t, logs.String(), "MapInvalidateRange")
	require.Contains(t, logs.String(), `"level":"WARN"`)

	require.NoError(t, UnmapMultiple(drv, []SubBuffer{sub}))
}

func TestMapMultipleStripsInvalidateBuffer(t *testing.T) {
	drv, allocator := readySpyAllocator(t, 64)

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	first := allocator.Alloc(16, 1)
	second := allocator.Alloc(16, 1)
	writeSubBuffer(t, drv, second, pattern(16, 7))

	_, err := MapMultiple(drv, logger, []SubBuffer{first}, driver.MapWrite|driver.MapInvalidateBuffer|driver.MapInvalidateRange)
	require.NoError(t, err)

	require.Equal(t, driver.MapWrite, drv.maps[len(drv.maps)-1].access)
	require.Contains(t, logs.String(), "MapInvalidateBuffer")
	require.Contains(t, logs.String(), `"level":"WARN"`)

	require.NoError(t, UnmapMultiple(drv, []SubBuffer{first}))
	require.Equal(t, pattern(16, 7), readSubBuffer(t, drv, second))
}

func TestMapMultipleRollsBackOnFailure(t *testing.T) {
	drv, allocator := readySpyAllocator(t, 32)

	a := allocator.Alloc(32, 1)
	b := allocator.Alloc(32, 1)
	drv.failMap = b.Buffer

	_, err := allocator.MapMultiple([]SubBuffer{a, b}, driver.MapRead)
	require.True(t, errors.Is(err, errInjected))
	require.Equal(t, []driver.BufferID{a.Buffer}, drv.unmaps)

	// Nothing is left mapped
	drv.failMap = driver.NullBuffer
	pointers, err := allocator.MapMultiple([]SubBuffer{a}, driver.MapRead)
	require.NoError(t, err)
	require.Len(t, pointers, 1)
	require.NoError(t, allocator.UnmapMultiple([]SubBuffer{a}))
}

func TestMapMultipleRejectsInvalidSubBuffer(t *testing.T) {
	drv, allocator := readySpyAllocator(t, 64)

	sub := allocator.Alloc(16, 1)
	released := allocator.Alloc(16, 1)
	allocator.Release(&released)

	_, err := allocator.MapMultiple([]SubBuffer{sub, released}, driver.MapRead)
	require.True(t, errors.Is(err, ErrInvalidSubBuffer))
	require.Empty(t, drv.maps)

	_, err = released.Map(drv, driver.MapRead)
	require.True(t, errors.Is(err, ErrInvalidSubBuffer))
	require.True(t, errors.Is(released.Unmap(drv), ErrInvalidSubBuffer))
}

func TestGrowCopyFailureLeavesSubBuffer(t *testing.T) {
	drv, allocator := readySpyAllocator(t, 64)

	sub := allocator.Alloc(16, 1)
	_ = allocator.Alloc(16, 1)
	drv.failCopy = true

	allocator.Grow(&sub, 40, 1)
	require.Equal(t, SubBuffer{Offset: 0, Size: 16, Buffer: 1}, sub)

	// The range allocated for the move was handed back
	var total int
	for _, buffer := range allocator.buffers {
		total += buffer.FreeBytes()
	}
	require.Equal(t, allocator.BufferCount()*64-32, total)
	require.Equal(t, float64(0), testutil.ToFloat64(allocator.metrics.relocations))
	require.NoError(t, allocator.Validate())
}
