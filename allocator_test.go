package subbuf

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/subbuf/driver"
	"github.com/vkngwrapper/subbuf/driver/hostmem"
	"github.com/vkngwrapper/subbuf/memutils"
)

func readyAllocator(t *testing.T, driverOptions hostmem.Options, options CreateOptions) (*hostmem.Driver, *BufferAllocator) {
	drv := hostmem.New(testLogger(), driverOptions)

	allocator, err := New(testLogger(), drv, options)
	require.NoError(t, err)
	require.NoError(t, allocator.Validate())

	return drv, allocator
}

func writeSubBuffer(t *testing.T, drv driver.Driver, sub SubBuffer, data []byte) {
	ptr, err := sub.Map(drv, driver.MapWrite)
	require.NoError(t, err)
	copy(unsafe.Slice((*byte)(ptr), sub.Size), data)
	require.NoError(t, sub.Unmap(drv))
}

func readSubBuffer(t *testing.T, drv driver.Driver, sub SubBuffer) []byte {
	ptr, err := sub.Map(drv, driver.MapRead)
	require.NoError(t, err)
	data := make([]byte, sub.Size)
	copy(data, unsafe.Slice((*byte)(ptr), sub.Size))
	require.NoError(t, sub.Unmap(drv))
	return data
}

func pattern(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = seed + byte(i)
	}
	return data
}

func TestNewCreatesInitialBuffer(t *testing.T) {
	drv, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{})

	require.Equal(t, defaultChunkCapacity, allocator.ChunkCapacity())
	require.Equal(t, 1, allocator.BufferCount())
	require.Equal(t, 1, drv.BufferCount())
	require.Equal(t, defaultChunkCapacity, drv.TotalBytes())

	drv, allocator = readyAllocator(t, hostmem.Options{}, CreateOptions{ChunkCapacity: 64, MinBufferCount: -1})
	require.Equal(t, 0, allocator.BufferCount())
	require.Equal(t, 0, drv.BufferCount())

	sub := allocator.Alloc(8, 1)
	require.Equal(t, SubBuffer{Offset: 0, Size: 8, Buffer: 1}, sub)
	require.Equal(t, 1, allocator.BufferCount())
}

func TestNewRejectsBadOptions(t *testing.T) {
	drv := hostmem.New(testLogger(), hostmem.Options{})

	_, err := New(testLogger(), drv, CreateOptions{ChunkCapacity: -1})
	require.Error(t, err)

	drv = hostmem.New(testLogger(), hostmem.Options{MaxTotalBytes: 10})
	_, err = New(testLogger(), drv, CreateOptions{ChunkCapacity: 64})
	require.True(t, errors.Is(err, hostmem.ErrOutOfHostMemory))
}

type limitsDriver struct {
	driver.Driver
	limits driver.AlignmentLimits
}

func (d limitsDriver) AlignmentLimits() driver.AlignmentLimits {
	return d.limits
}

func TestNewRejectsZeroAlignment(t *testing.T) {
	drv := limitsDriver{
		Driver: hostmem.New(testLogger(), hostmem.Options{}),
		limits: driver.AlignmentLimits{UniformBuffer: 256, TextureBuffer: 0, ShaderStorageBuffer: 16},
	}

	_, err := New(testLogger(), drv, CreateOptions{})
	require.True(t, errors.Is(err, memutils.ZeroAlignmentError))
	require.Contains(t, err.Error(), "AlignTextureBuffer")
}

func TestAlignmentCategories(t *testing.T) {
	_, allocator := readyAllocator(t, hostmem.Options{
		Limits: driver.AlignmentLimits{
			UniformBuffer:       48,
			TextureBuffer:       4,
			ShaderStorageBuffer: 32,
		},
	}, CreateOptions{ChunkCapacity: 256})

	require.Equal(t, uint(48), allocator.Alignment(AlignUniformBuffer))
	require.Equal(t, uint(4), allocator.Alignment(AlignTextureBuffer))
	require.Equal(t, uint(32), allocator.Alignment(AlignShaderStorageBuffer))

	require.Panics(t, func() {
		allocator.Alignment(BufferAlignment(7))
	})

	first := allocator.Alloc(10, 1)
	require.Equal(t, 0, first.Offset)

	uniform := allocator.AllocAligned(10, AlignUniformBuffer)
	require.Equal(t, 48, uniform.Offset)

	texture := allocator.AllocAligned(10, AlignTextureBuffer)
	require.Equal(t, 12, texture.Offset)

	// Fits in the gap between the texture and uniform sub-buffers
	storage := allocator.AllocAligned(10, AlignShaderStorageBuffer)
	require.Equal(t, 32, storage.Offset)

	require.NoError(t, allocator.Validate())
}

func TestAllocGrowthGuarantee(t *testing.T) {
	drv, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{ChunkCapacity: 64})

	sub := allocator.Alloc(100, 1)
	require.Equal(t, 0, sub.Offset)
	require.Equal(t, 100, sub.Size)
	require.Equal(t, 2, allocator.BufferCount())

	owner := allocator.Buffer(sub.Buffer)
	require.NotNil(t, owner)
	require.Equal(t, 100, owner.Capacity())
	require.Equal(t, 164, drv.TotalBytes())
	require.True(t, allocator.Buffer(1).IsEmpty())
}

func TestAllocTriesBuffersInOrder(t *testing.T) {
	_, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{ChunkCapacity: 64})

	first := allocator.Alloc(48, 1)
	second := allocator.Alloc(48, 1)
	require.NotEqual(t, first.Buffer, second.Buffer)

	// Fits in the remainder of the first buffer
	third := allocator.Alloc(16, 1)
	require.Equal(t, SubBuffer{Offset: 48, Size: 16, Buffer: first.Buffer}, third)

	// Only the second buffer has room
	fourth := allocator.Alloc(16, 1)
	require.Equal(t, SubBuffer{Offset: 48, Size: 16, Buffer: second.Buffer}, fourth)

	require.Equal(t, 2, allocator.BufferCount())
}

func TestAllocPanics(t *testing.T) {
	_, allocator := readyAllocator(t, hostmem.Options{MaxBufferCount: 1}, CreateOptions{ChunkCapacity: 64})

	require.Panics(t, func() {
		allocator.Alloc(0, 1)
	})

	allocator.Alloc(64, 1)

	// The driver refuses to create a second buffer object
	require.Panics(t, func() {
		allocator.Alloc(1, 1)
	})
}

func TestGrowInPlace(t *testing.T) {
	drv, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{ChunkCapacity: 60})

	sub := allocator.Alloc(10, 1)
	allocator.Grow(&sub, 30, 1)

	require.Equal(t, SubBuffer{Offset: 0, Size: 30, Buffer: 1}, sub)
	require.Equal(t, 0, drv.PendingCopies())
	require.Equal(t, 30, allocator.Buffer(1).FreeBytes())
	require.Equal(t, float64(1), testutil.ToFloat64(allocator.metrics.growsInPlace))
	require.Equal(t, float64(0), testutil.ToFloat64(allocator.metrics.relocations))
	require.NoError(t, allocator.Validate())
}

func TestGrowRelocatesToNewBuffer(t *testing.T) {
	registry := prometheus.NewRegistry()
	drv, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{
		ChunkCapacity: 64,
		Registerer:    registry,
	})

	sub := allocator.Alloc(16, 1)
	blocker := allocator.Alloc(16, 1)
	writeSubBuffer(t, drv, sub, pattern(16, 100))

	allocator.Grow(&sub, 40, 1)

	require.Equal(t, SubBuffer{Offset: 0, Size: 40, Buffer: 2}, sub)
	require.Equal(t, 1, drv.PendingCopies())

	// The old range went back to the first buffer
	require.Equal(t, 48, allocator.Buffer(1).FreeBytes())
	require.Equal(t, SubBuffer{Offset: 16, Size: 16, Buffer: 1}, blocker)

	require.NoError(t, allocator.Flush())
	require.Equal(t, 0, drv.PendingCopies())

	data := readSubBuffer(t, drv, sub)
	require.Equal(t, pattern(16, 100), data[:16])

	require.Equal(t, float64(1), testutil.ToFloat64(allocator.metrics.relocations))
	require.Equal(t, float64(16), testutil.ToFloat64(allocator.metrics.relocatedBytes))
	require.Equal(t, float64(3), testutil.ToFloat64(allocator.metrics.allocations))
	require.Equal(t, float64(1), testutil.ToFloat64(allocator.metrics.releases))
	require.Equal(t, float64(2), testutil.ToFloat64(allocator.metrics.liveSubBuffers))
	require.Equal(t, float64(56), testutil.ToFloat64(allocator.metrics.allocatedBytes))
	require.Equal(t, float64(2), testutil.ToFloat64(allocator.metrics.buffers))
	require.Equal(t, float64(128), testutil.ToFloat64(allocator.metrics.bufferBytes))

	count, err := testutil.GatherAndCount(registry, "subbuf_relocations_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.NoError(t, allocator.Validate())
}

func TestGrowRelocatesWithinBuffer(t *testing.T) {
	drv, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{ChunkCapacity: 100})

	sub := allocator.Alloc(10, 1)
	_ = allocator.Alloc(10, 1)
	writeSubBuffer(t, drv, sub, pattern(10, 1))

	allocator.Grow(&sub, 20, 1)
	require.Equal(t, SubBuffer{Offset: 20, Size: 20, Buffer: 1}, sub)
	require.Equal(t, 1, allocator.BufferCount())

	// Mapping waits for the copy
	data := readSubBuffer(t, drv, sub)
	require.Equal(t, pattern(10, 1), data[:10])

	// The freed range at the front can be reused
	reused := allocator.Alloc(10, 1)
	require.Equal(t, SubBuffer{Offset: 0, Size: 10, Buffer: 1}, reused)
}

func TestGrowRejectsShrink(t *testing.T) {
	drv, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{ChunkCapacity: 64})

	sub := allocator.Alloc(16, 1)

	// Shrinking is unsupported and leaves the sub-buffer untouched
	allocator.Grow(&sub, 8, 1)
	require.Equal(t, SubBuffer{Offset: 0, Size: 16, Buffer: 1}, sub)

	allocator.Grow(&sub, 16, 1)
	require.Equal(t, SubBuffer{Offset: 0, Size: 16, Buffer: 1}, sub)

	require.Equal(t, 0, drv.PendingCopies())
	require.Equal(t, float64(2), testutil.ToFloat64(allocator.metrics.rejectedRequests.WithLabelValues("grow", "shrink")))
	require.Equal(t, 48, allocator.Buffer(1).FreeBytes())
}

func TestForeignSubBufferIgnored(t *testing.T) {
	drv := hostmem.New(testLogger(), hostmem.Options{})

	allocator, err := New(testLogger(), drv, CreateOptions{ChunkCapacity: 64})
	require.NoError(t, err)
	other, err := New(testLogger(), drv, CreateOptions{ChunkCapacity: 64})
	require.NoError(t, err)

	foreign := other.Alloc(16, 1)
	original := foreign

	allocator.Release(&foreign)
	require.Equal(t, original, foreign)

	allocator.Grow(&foreign, 32, 1)
	require.Equal(t, original, foreign)

	require.Equal(t, float64(1), testutil.ToFloat64(allocator.metrics.rejectedRequests.WithLabelValues("release", "foreign")))
	require.Equal(t, float64(1), testutil.ToFloat64(allocator.metrics.rejectedRequests.WithLabelValues("grow", "foreign")))

	// Still live in the allocator that owns it
	require.False(t, other.Buffer(foreign.Buffer).IsEmpty())
	other.Release(&foreign)
	require.False(t, foreign.IsValid())
	require.True(t, other.Buffer(original.Buffer).IsEmpty())
}

func TestDoubleReleaseIgnored(t *testing.T) {
	_, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{ChunkCapacity: 64})

	sub := allocator.Alloc(16, 1)
	duplicate := sub

	allocator.Release(&sub)
	require.Equal(t, 0, sub.Size)
	require.False(t, sub.IsValid())

	allocator.Release(&duplicate)
	require.Equal(t, 16, duplicate.Size)

	allocator.Release(&sub)

	require.Equal(t, float64(1), testutil.ToFloat64(allocator.metrics.rejectedRequests.WithLabelValues("release", "unknown")))
	require.Equal(t, float64(1), testutil.ToFloat64(allocator.metrics.rejectedRequests.WithLabelValues("release", "invalid")))
	require.Equal(t, 64, allocator.Buffer(1).FreeBytes())
	require.NoError(t, allocator.Validate())
}

func TestDestroy(t *testing.T) {
	drv, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{ChunkCapacity: 64})

	sub := allocator.Alloc(100, 1)
	allocator.Release(&sub)

	require.Equal(t, 2, drv.BufferCount())
	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, drv.BufferCount())
	require.Equal(t, 0, allocator.BufferCount())
}

func TestDestroyReportsUnreleased(t *testing.T) {
	drv, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{ChunkCapacity: 64})

	_ = allocator.Alloc(16, 1)

	require.Error(t, allocator.Destroy())
	require.Equal(t, 0, drv.BufferCount())
}

func TestCalculateStatistics(t *testing.T) {
	_, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{ChunkCapacity: 100})

	_ = allocator.Alloc(10, 16)
	_ = allocator.Alloc(5, 16)
	_ = allocator.Alloc(150, 1)

	var stats memutils.DetailedStatistics
	allocator.CalculateStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BufferCount:     2,
			BufferBytes:     250,
			AllocationCount: 3,
			AllocationBytes: 165,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  5,
		AllocationSizeMax:  150,
		UnusedRangeSizeMin: 6,
		UnusedRangeSizeMax: 79,
	}, stats)
}

func TestBuildStatsString(t *testing.T) {
	_, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{ChunkCapacity: 100})

	_ = allocator.Alloc(10, 16)
	_ = allocator.Alloc(5, 16)

	require.JSONEq(t, `{
		"Total": {
			"BufferCount": 1,
			"BufferBytes": 100,
			"AllocationCount": 2,
			"AllocationBytes": 15,
			"UnusedRangeCount": 2,
			"AllocationSizeMin": 5,
			"AllocationSizeMax": 10,
			"UnusedRangeSizeMin": 6,
			"UnusedRangeSizeMax": 79
		},
		"Alignments": {
			"AlignUniformBuffer": 256,
			"AlignTextureBuffer": 16,
			"AlignShaderStorageBuffer": 16
		},
		"ChunkCapacity": 100
	}`, allocator.BuildStatsString(false))

	require.JSONEq(t, `{
		"Total": {
			"BufferCount": 1,
			"BufferBytes": 100,
			"AllocationCount": 2,
			"AllocationBytes": 15,
			"UnusedRangeCount": 2,
			"AllocationSizeMin": 5,
			"AllocationSizeMax": 10,
			"UnusedRangeSizeMin": 6,
			"UnusedRangeSizeMax": 79
		},
		"Alignments": {
			"AlignUniformBuffer": 256,
			"AlignTextureBuffer": 16,
			"AlignShaderStorageBuffer": 16
		},
		"ChunkCapacity": 100,
		"Buffers": {
			"1": {
				"TotalBytes": 100,
				"UnusedBytes": 85,
				"Allocations": 2,
				"UnusedRanges": 2,
				"Blocks": [
					{"Offset": 0, "Size": 10, "Type": "USED"},
					{"Offset": 10, "Size": 6, "Type": "FREE"},
					{"Offset": 16, "Size": 5, "Type": "USED"},
					{"Offset": 21, "Size": 79, "Type": "FREE"}
				]
			}
		}
	}`, allocator.BuildStatsString(true))
}

func TestAllocatorString(t *testing.T) {
	_, allocator := readyAllocator(t, hostmem.Options{}, CreateOptions{ChunkCapacity: 32})

	_ = allocator.Alloc(8, 1)

	require.Equal(t, "BufferAllocator { chunk capacity: 32, buffers: 1 }\n"+
		"Buffer { id: 1, capacity: 32 }\n"+
		"\tfree blocks:\n"+
		"\t\tBlock { offset: 8, size: 24 }\n"+
		"\tused blocks:\n"+
		"\t\tBlock { offset: 0, size: 8 }\n", allocator.String())
}

type liveSubBuffer struct {
	sub  SubBuffer
	seed byte
}

// Random traffic must keep every buffer's ledgers consistent and must never lose the contents of a
// sub-buffer when it grows.
func TestRandomTrafficPreservesContents(t *testing.T) {
	drv, allocator := readyAllocator(t, hostmem.Options{
		Limits: driver.AlignmentLimits{
			UniformBuffer:       64,
			TextureBuffer:       4,
			ShaderStorageBuffer: 16,
		},
	}, CreateOptions{ChunkCapacity: 512})

	rng := rand.New(rand.NewSource(42))
	var live []*liveSubBuffer

	for iteration := 0; iteration < 2000; iteration++ {
		switch op := rng.Intn(10); {
		case op < 4 || len(live) == 0:
			category := BufferAlignment(rng.Intn(alignmentCategoryCount))
			entry := &liveSubBuffer{
				sub:  allocator.AllocAligned(rng.Intn(96)+1, category),
				seed: byte(rng.Intn(256)),
			}
			require.Zero(t, entry.sub.Offset%int(allocator.Alignment(category)))
			writeSubBuffer(t, drv, entry.sub, pattern(entry.sub.Size, entry.seed))
			live = append(live, entry)

		case op < 7:
			entry := live[rng.Intn(len(live))]
			oldSize := entry.sub.Size
			allocator.Grow(&entry.sub, oldSize+rng.Intn(128)+1, 16)

			data := readSubBuffer(t, drv, entry.sub)
			require.Equal(t, pattern(oldSize, entry.seed), data[:oldSize])
			writeSubBuffer(t, drv, entry.sub, pattern(entry.sub.Size, entry.seed))

		default:
			index := rng.Intn(len(live))
			allocator.Release(&live[index].sub)
			require.False(t, live[index].sub.IsValid())
			live = append(live[:index], live[index+1:]...)
		}

		require.NoError(t, allocator.Validate())
	}

	for _, entry := range live {
		require.Equal(t, pattern(entry.sub.Size, entry.seed), readSubBuffer(t, drv, entry.sub))
		allocator.Release(&entry.sub)
	}

	var stats memutils.DetailedStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, stats.BufferCount, stats.UnusedRangeCount)

	require.NoError(t, allocator.Destroy())
}
