package subbuf

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/subbuf/driver"
	"github.com/vkngwrapper/subbuf/memutils"
)

const (
	// defaultChunkCapacity is the value used as the ChunkCapacity when none is provided via
	// CreateOptions. It is equal to 1Mb.
	defaultChunkCapacity int = 1024 * 1024
	// defaultMinBufferCount is the value used as the MinBufferCount when none is provided via
	// CreateOptions
	defaultMinBufferCount int = 1
)

// CreateOptions contains optional settings when creating a BufferAllocator
type CreateOptions struct {
	// ChunkCapacity is the capacity of each backing buffer created by the allocator, in bytes.
	// Requests larger than this get a backing buffer of exactly their own size.
	ChunkCapacity int
	// MinBufferCount is the number of backing buffers created up front. Set it to -1 to create
	// backing buffers only when the first sub-buffer is allocated.
	MinBufferCount int
	// Registerer is an optional prometheus registerer that the allocator's metrics will be
	// registered with
	Registerer prometheus.Registerer
}

// New creates a new BufferAllocator
//
// logger - Receives warnings about ignored requests and debug traces of every operation
//
// drv - The driver that creates buffer objects and performs device copies. The allocator does not
// take ownership of the driver, but it does destroy the buffer objects it creates in Destroy.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, drv driver.Driver, options CreateOptions) (*BufferAllocator, error) {
	allocator := &BufferAllocator{
		logger:        logger,
		driver:        drv,
		metrics:       newAllocatorMetrics(options.Registerer),
		bufferIndices: swiss.NewMap[driver.BufferID, int](8),
	}

	if options.ChunkCapacity < 0 {
		return nil, errors.Newf("subbuf.CreateOptions.ChunkCapacity must be positive, but was %d", options.ChunkCapacity)
	} else if options.ChunkCapacity == 0 {
		allocator.chunkCapacity = defaultChunkCapacity
	} else {
		allocator.chunkCapacity = options.ChunkCapacity
	}

	limits := drv.AlignmentLimits()
	allocator.alignments[AlignUniformBuffer] = limits.UniformBuffer
	allocator.alignments[AlignTextureBuffer] = limits.TextureBuffer
	allocator.alignments[AlignShaderStorageBuffer] = limits.ShaderStorageBuffer

	for category, alignment := range allocator.alignments {
		err := memutils.CheckAlignment(alignment, BufferAlignment(category).String())
		if err != nil {
			return nil, err
		}
	}

	minBufferCount := options.MinBufferCount
	if minBufferCount == 0 {
		minBufferCount = defaultMinBufferCount
	}

	for i := 0; i < minBufferCount; i++ {
		_, err := allocator.createBuffer(allocator.chunkCapacity)
		if err != nil {
			return nil, errors.CombineErrors(err, allocator.Destroy())
		}
	}

	return allocator, nil
}
