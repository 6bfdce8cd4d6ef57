package replay

import (
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/subbuf"
	"github.com/vkngwrapper/subbuf/driver"
	"github.com/vkngwrapper/subbuf/driver/hostmem"
	"github.com/vkngwrapper/subbuf/memutils"
)

// ErrCorruptContents is returned when Options.Verify is set and a grow did not preserve the
// contents of a sub-buffer
var ErrCorruptContents = errors.New("sub-buffer contents were not preserved")

// Options contains optional settings for a Replayer
type Options struct {
	// Verify fills every sub-buffer with a known pattern when it is allocated and checks, after each
	// grow, that the pattern survived
	Verify bool
	// Registerer receives the allocator's metrics
	Registerer prometheus.Registerer
}

type liveSubBuffer struct {
	sub  subbuf.SubBuffer
	seed byte
}

// Replayer runs a Trace against a BufferAllocator whose buffer objects live in host memory
type Replayer struct {
	logger    *slog.Logger
	trace     *Trace
	options   Options
	driver    *hostmem.Driver
	allocator *subbuf.BufferAllocator

	live     *swiss.Map[string, *liveSubBuffer]
	nextSeed byte
}

// New creates the driver and allocator described by trace's settings
func New(logger *slog.Logger, trace *Trace, options Options) (*Replayer, error) {
	drv := hostmem.New(logger, hostmem.Options{
		Limits: driver.AlignmentLimits{
			UniformBuffer:       trace.AlignmentLimits.UniformBuffer,
			TextureBuffer:       trace.AlignmentLimits.TextureBuffer,
			ShaderStorageBuffer: trace.AlignmentLimits.ShaderStorageBuffer,
		},
		MaxBufferCount: trace.MaxBufferCount,
		MaxTotalBytes:  int(trace.MaxTotalBytes.Bytes()),
	})

	allocator, err := subbuf.New(logger, drv, subbuf.CreateOptions{
		ChunkCapacity:  int(trace.ChunkCapacity.Bytes()),
		MinBufferCount: trace.MinBufferCount,
		Registerer:     options.Registerer,
	})
	if err != nil {
		return nil, err
	}

	return &Replayer{
		logger:    logger,
		trace:     trace,
		options:   options,
		driver:    drv,
		allocator: allocator,
		live:      swiss.NewMap[string, *liveSubBuffer](uint32(len(trace.Ops))),
	}, nil
}

func (r *Replayer) Allocator() *subbuf.BufferAllocator {
	return r.allocator
}

func (r *Replayer) Driver() *hostmem.Driver {
	return r.driver
}

// LiveCount is the number of sub-buffers allocated by the trace and not yet released
func (r *Replayer) LiveCount() int {
	return r.live.Count()
}

// SubBuffer returns the current location of the sub-buffer with the provided trace id
func (r *Replayer) SubBuffer(id string) (subbuf.SubBuffer, bool) {
	entry, ok := r.live.Get(id)
	if !ok {
		return subbuf.SubBuffer{}, false
	}
	return entry.sub, true
}

// Run replays every op of the trace and flushes outstanding device copies. It stops at the first
// op that refers to an unknown id, reuses a live id, or fails verification.
func (r *Replayer) Run() error {
	for index, op := range r.trace.Ops {
		err := r.step(op)
		if err != nil {
			return errors.Wrapf(err, "op %d (%s %s)", index, op.Op, op.ID)
		}
	}

	return r.allocator.Flush()
}

func (r *Replayer) step(op Op) error {
	switch op.Op {
	case OpAlloc:
		if r.live.Has(op.ID) {
			return errors.Newf("sub-buffer %q is already live", op.ID)
		}

		entry := &liveSubBuffer{
			sub:  r.allocator.Alloc(int(op.Size.Bytes()), op.Align.resolve(r.allocator)),
			seed: r.nextSeed,
		}
		r.nextSeed++
		r.live.Put(op.ID, entry)

		return r.fill(entry)

	case OpGrow:
		entry, ok := r.live.Get(op.ID)
		if !ok {
			return errors.Newf("sub-buffer %q is not live", op.ID)
		}

		oldSize := entry.sub.Size
		r.allocator.Grow(&entry.sub, int(op.Size.Bytes()), op.Align.resolve(r.allocator))

		err := r.verify(entry, oldSize)
		if err != nil {
			return err
		}
		return r.fill(entry)

	case OpRelease:
		entry, ok := r.live.Get(op.ID)
		if !ok {
			return errors.Newf("sub-buffer %q is not live", op.ID)
		}

		r.allocator.Release(&entry.sub)
		r.live.Delete(op.ID)
		return nil

	case OpFlush:
		return r.allocator.Flush()
	}

	return errors.Newf("unknown op type %q", op.Op)
}

func (r *Replayer) fill(entry *liveSubBuffer) error {
	if !r.options.Verify {
		return nil
	}

	ptr, err := entry.sub.Map(r.driver, driver.MapWrite)
	if err != nil {
		return err
	}

	data := unsafe.Slice((*byte)(ptr), entry.sub.Size)
	for i := range data {
		data[i] = entry.seed + byte(i)
	}

	return entry.sub.Unmap(r.driver)
}

func (r *Replayer) verify(entry *liveSubBuffer, size int) error {
	if !r.options.Verify {
		return nil
	}

	ptr, err := entry.sub.Map(r.driver, driver.MapRead)
	if err != nil {
		return err
	}

	data := unsafe.Slice((*byte)(ptr), size)
	for i := range data {
		if data[i] != entry.seed+byte(i) {
			return errors.CombineErrors(
				errors.Wrapf(ErrCorruptContents, "byte %d of %s", i, entry.sub),
				entry.sub.Unmap(r.driver),
			)
		}
	}

	return entry.sub.Unmap(r.driver)
}

// Statistics returns the allocator's current statistics
func (r *Replayer) Statistics() memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	r.allocator.CalculateStatistics(&stats)
	return stats
}

// Close releases every sub-buffer the trace left live and destroys the allocator
func (r *Replayer) Close() error {
	if r.live.Count() > 0 {
		r.logger.Info("releasing sub-buffers left live by the trace", slog.Int("Count", r.live.Count()))
	}

	r.live.Iter(func(id string, entry *liveSubBuffer) bool {
		r.allocator.Release(&entry.sub)
		return false
	})
	r.live.Clear()

	return r.allocator.Destroy()
}
