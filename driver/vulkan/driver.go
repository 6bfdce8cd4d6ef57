package vulkan

import (
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/core1_0"
	vkdriver "github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/subbuf/driver"
	"github.com/vkngwrapper/subbuf/memutils"
)

const defaultBufferUsage = core1_0.BufferUsageTransferSrc | core1_0.BufferUsageTransferDst |
	core1_0.BufferUsageUniformBuffer | core1_0.BufferUsageStorageBuffer |
	core1_0.BufferUsageUniformTexelBuffer | core1_0.BufferUsageStorageTexelBuffer |
	core1_0.BufferUsageVertexBuffer | core1_0.BufferUsageIndexBuffer

const requiredMemoryFlags = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent

// Options configures a Vulkan Driver
type Options struct {
	// Queue is the queue that buffer copies are submitted to. It is required.
	Queue core1_0.Queue
	// QueueFamilyIndex is the family Queue belongs to. The driver's command pool is created for this family.
	QueueFamilyIndex int
	// Usage is the usage of every buffer object the driver creates. It must include
	// BufferUsageTransferSrc and BufferUsageTransferDst so that regions can be relocated. If left
	// at 0, buffers may be used for any purpose a sub-allocated region can serve.
	Usage core1_0.BufferUsageFlags
	// AllocationCallbacks is an optional set of callbacks that will be passed to every Vulkan call
	// that creates or destroys an object
	AllocationCallbacks *vkdriver.AllocationCallbacks
}

type deviceBuffer struct {
	buffer core1_0.Buffer
	memory core1_0.DeviceMemory
	size   int
	mapped bool
}

type pendingCopy struct {
	src, dst core1_0.Buffer
	region   core1_0.BufferCopy
}

// Driver is a driver.Driver that creates each buffer object as a core1_0.Buffer bound to its own
// host-visible, host-coherent core1_0.DeviceMemory. Copies are recorded into a single one-time
// command buffer when the driver is flushed, which also happens before any synchronized map.
type Driver struct {
	logger *slog.Logger

	device              core1_0.Device
	queue               core1_0.Queue
	usage               core1_0.BufferUsageFlags
	allocationCallbacks *vkdriver.AllocationCallbacks

	limits           driver.AlignmentLimits
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
	commandPool      core1_0.CommandPool

	nextID  driver.BufferID
	buffers *swiss.Map[driver.BufferID, *deviceBuffer]
	pending []pendingCopy
}

var _ driver.Driver = &Driver{}

// New creates a Vulkan driver. The alignment limits and memory types of physicalDevice are read
// once, here.
func New(logger *slog.Logger, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options Options) (*Driver, error) {
	if options.Queue == nil {
		return nil, errors.New("vulkan.Options.Queue must be provided")
	}

	usage := options.Usage
	if usage == 0 {
		usage = defaultBufferUsage
	}
	if usage&(core1_0.BufferUsageTransferSrc|core1_0.BufferUsageTransferDst) !=
		core1_0.BufferUsageTransferSrc|core1_0.BufferUsageTransferDst {
		return nil, errors.New("vulkan.Options.Usage must include both BufferUsageTransferSrc and BufferUsageTransferDst")
	}

	properties, err := physicalDevice.Properties()
	if err != nil {
		return nil, err
	}

	limits := driver.AlignmentLimits{
		UniformBuffer:       uint(properties.Limits.MinUniformBufferOffsetAlignment),
		TextureBuffer:       uint(properties.Limits.MinTexelBufferOffsetAlignment),
		ShaderStorageBuffer: uint(properties.Limits.MinStorageBufferOffsetAlignment),
	}
	err = memutils.CheckAlignment(limits.UniformBuffer, "device minUniformBufferOffsetAlignment")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckAlignment(limits.TextureBuffer, "device minTexelBufferOffsetAlignment")
	if err != nil {
		return nil, err
	}
	err = memutils.CheckAlignment(limits.ShaderStorageBuffer, "device minStorageBufferOffsetAlignment")
	if err != nil {
		return nil, err
	}

	commandPool, _, err := device.CreateCommandPool(options.AllocationCallbacks, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateTransient,
		QueueFamilyIndex: options.QueueFamilyIndex,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the copy command pool")
	}

	return &Driver{
		logger: logger,

		device:              device,
		queue:               options.Queue,
		usage:               usage,
		allocationCallbacks: options.AllocationCallbacks,

		limits:           limits,
		memoryProperties: physicalDevice.MemoryProperties(),
		commandPool:      commandPool,

		nextID:  driver.NullBuffer + 1,
		buffers: swiss.NewMap[driver.BufferID, *deviceBuffer](8),
	}, nil
}

func (d *Driver) AlignmentLimits() driver.AlignmentLimits {
	return d.limits
}

func (d *Driver) findMemoryTypeIndex(memoryTypeBits uint32) (int, error) {
	for memTypeIndex, memoryType := range d.memoryProperties.MemoryTypes {
		if memoryTypeBits&(1<<memTypeIndex) == 0 {
			continue
		}

		if memoryType.PropertyFlags&requiredMemoryFlags == requiredMemoryFlags {
			return memTypeIndex, nil
		}
	}

	return -1, core1_0.VKErrorOutOfDeviceMemory.ToError()
}

func (d *Driver) CreateBuffer(size int) (driver.BufferID, error) {
	d.logger.Debug("VulkanDriver::CreateBuffer", slog.Int("Size", size))

	if size < 1 {
		return driver.NullBuffer, errors.Newf("buffer objects must have a positive size, but %d was requested", size)
	}

	buffer, _, err := d.device.CreateBuffer(d.allocationCallbacks, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       d.usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return driver.NullBuffer, errors.Wrapf(err, "failed to create a buffer of %d bytes", size)
	}

	memReqs := buffer.MemoryRequirements()
	memTypeIndex, err := d.findMemoryTypeIndex(memReqs.MemoryTypeBits)
	if err != nil {
		buffer.Destroy(d.allocationCallbacks)
		return driver.NullBuffer, errors.Wrap(err, "no host-visible, host-coherent memory type can back the buffer")
	}

	memory, _, err := d.device.AllocateMemory(d.allocationCallbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memTypeIndex,
	})
	if err != nil {
		buffer.Destroy(d.allocationCallbacks)
		return driver.NullBuffer, errors.Wrapf(err, "failed to allocate %d bytes of device memory", memReqs.Size)
	}

	_, err = buffer.BindBufferMemory(memory, 0)
	if err != nil {
		buffer.Destroy(d.allocationCallbacks)
		memory.Free(d.allocationCallbacks)
		return driver.NullBuffer, errors.Wrap(err, "failed to bind buffer memory")
	}

	id := d.nextID
	d.nextID++

	d.buffers.Put(id, &deviceBuffer{
		buffer: buffer,
		memory: memory,
		size:   size,
	})

	return id, nil
}

func (d *Driver) DestroyBuffer(id driver.BufferID) error {
	d.logger.Debug("VulkanDriver::DestroyBuffer", slog.Any("Buffer", id))

	buffer, err := d.buffer(id)
	if err != nil {
		return err
	}

	err = d.Flush()
	if err != nil {
		return err
	}

	if buffer.mapped {
		buffer.memory.Unmap()
	}

	d.buffers.Delete(id)
	buffer.buffer.Destroy(d.allocationCallbacks)
	buffer.memory.Free(d.allocationCallbacks)

	return nil
}

func (d *Driver) MapRange(id driver.BufferID, offset, size int, access driver.MapAccessFlags) (unsafe.Pointer, error) {
	d.logger.Debug("VulkanDriver::MapRange",
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

	err = driver.CheckRange(id, buffer.size, offset, size)
	if err != nil {
		return nil, err
	}

	if buffer.mapped {
		return nil, errors.Wrapf(driver.ErrAlreadyMapped, "%s", id)
	}

	if access&driver.MapUnsynchronized == 0 {
		err = d.Flush()
		if err != nil {
			return nil, err
		}
	}

	ptr, _, err := buffer.memory.Map(offset, size, 0)
	if err != nil {
		return nil, err
	}

	buffer.mapped = true
	return ptr, nil
}

func (d *Driver) Unmap(id driver.BufferID) error {
	d.logger.Debug("VulkanDriver::Unmap", slog.Any("Buffer", id))

	buffer, err := d.buffer(id)
	if err != nil {
		return err
	}

	if !buffer.mapped {
		return errors.Wrapf(driver.ErrNotMapped, "%s", id)
	}

	buffer.memory.Unmap()
	buffer.mapped = false
	return nil
}

func (d *Driver) CopyBufferSubData(src driver.BufferID, srcOffset int, dst driver.BufferID, dstOffset int, size int) error {
	d.logger.Debug("VulkanDriver::CopyBufferSubData",
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

	err = driver.CheckRange(src, srcBuffer.size, srcOffset, size)
	if err != nil {
		return err
	}
	err = driver.CheckRange(dst, dstBuffer.size, dstOffset, size)
	if err != nil {
		return err
	}

	d.pending = append(d.pending, pendingCopy{
		src: srcBuffer.buffer,
		dst: dstBuffer.buffer,
		region: core1_0.BufferCopy{
			SrcOffset: srcOffset,
			DstOffset: dstOffset,
			Size:      size,
		},
	})
	return nil
}

// Flush records every pending copy into a one-time command buffer, submits it and waits for the
// queue to go idle
func (d *Driver) Flush() error {
	if len(d.pending) == 0 {
		return nil
	}

	d.logger.Debug("VulkanDriver::Flush", slog.Int("PendingCopies", len(d.pending)))

	commandBuffers, _, err := d.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        d.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return errors.Wrap(err, "failed to allocate a copy command buffer")
	}
	defer d.device.FreeCommandBuffers(commandBuffers)

	commandBuffer := commandBuffers[0]
	_, err = commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		return err
	}

	for _, command := range d.pending {
		err = commandBuffer.CmdCopyBuffer(command.src, command.dst, []core1_0.BufferCopy{command.region})
		if err != nil {
			return err
		}
	}

	// Make the copied bytes visible to host reads and writes through mapped memory
	err = commandBuffer.CmdPipelineBarrier(core1_0.PipelineStageTransfer, core1_0.PipelineStageHost, 0,
		[]core1_0.MemoryBarrier{
			{
				SrcAccessMask: core1_0.AccessTransferWrite,
				DstAccessMask: core1_0.AccessHostRead | core1_0.AccessHostWrite,
			},
		}, nil, nil)
	if err != nil {
		return err
	}

	_, err = commandBuffer.End()
	if err != nil {
		return err
	}

	_, err = d.queue.Submit(nil, []core1_0.SubmitInfo{
		{
			CommandBuffers: commandBuffers,
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to submit buffer copies")
	}

	// The copies are on the queue now and must not be submitted again
	d.pending = d.pending[:0]

	_, err = d.queue.WaitIdle()
	if err != nil {
		return errors.Wrap(err, "failed to wait for buffer copies")
	}

	return nil
}

// Destroy flushes pending copies, then destroys every remaining buffer object and the command pool.
// The driver cannot be used afterward.
func (d *Driver) Destroy() error {
	d.logger.Debug("VulkanDriver::Destroy")

	err := d.Flush()
	if err != nil {
		return err
	}

	var ids []driver.BufferID
	d.buffers.Iter(func(id driver.BufferID, _ *deviceBuffer) bool {
		ids = append(ids, id)
		return false
	})

	for _, id := range ids {
		err = d.DestroyBuffer(id)
		if err != nil {
			return err
		}
	}

	d.commandPool.Destroy(d.allocationCallbacks)
	return nil
}

func (d *Driver) buffer(id driver.BufferID) (*deviceBuffer, error) {
	buffer, ok := d.buffers.Get(id)
	if !ok {
		return nil, errors.Wrapf(driver.ErrUnknownBuffer, "%s", id)
	}

	return buffer, nil
}
