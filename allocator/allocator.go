package allocator

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/foundry/gpu"
	"github.com/vkngwrapper/foundry/internal/utils"
)

const defaultBlockSize = 16 * 1024 * 1024

// CreateOptions configures a new Allocator.
type CreateOptions struct {
	// BlockSize is the byte size of device buffer blocks pools carve
	// suballocations from. Defaults to 16MB.
	BlockSize int
	// SharedAccess must be set when the allocator will be used from more
	// than one goroutine. The single-threaded recording path leaves it off
	// and pays no lock cost.
	SharedAccess bool
	// Logger will be used to log allocator activity. Defaults to slog.Default()
	Logger *slog.Logger
}

// Allocator owns device memory for the engine: buffer suballocations are
// carved from per-usage-class block pools, images get dedicated allocations.
// Free is only legal once no in-flight frame can reference the resource;
// that discipline is enforced by the retirement protocol in the bindless
// heap, not here.
type Allocator struct {
	logger    *slog.Logger
	device    gpu.Device
	blockSize int

	pools map[gpu.UsageClass]*pool

	imageCount int
	imageBytes int
}

type pool struct {
	class     gpu.UsageClass
	usage     core1_0.BufferUsageFlags
	alignment uint
	blockSize int
	mutex     utils.OptionalMutex

	blocks []*poolBlock
}

type poolBlock struct {
	buffer gpu.Buffer
	list   *freeList
}

// GpuBuffer is one suballocation within a pool block. The device buffer and
// offset it resolves to are stable for the lifetime of the allocation.
type GpuBuffer struct {
	pool   *pool
	block  *poolBlock
	id     uint64
	offset int
	size   int
}

func (b *GpuBuffer) Buffer() gpu.Buffer { return b.block.buffer }

func (b *GpuBuffer) Offset() int { return b.offset }

func (b *GpuBuffer) Size() int { return b.size }

func (b *GpuBuffer) Class() gpu.UsageClass { return b.pool.class }

// Write copies data into the allocation at the provided relative offset.
func (b *GpuBuffer) Write(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > b.size {
		return errors.Newf("write of %d bytes at offset %d overruns allocation of size %d", len(data), offset, b.size)
	}
	return b.block.buffer.Write(b.offset+offset, data)
}

// GpuImage is a dedicated image allocation.
type GpuImage struct {
	allocator *Allocator
	image     gpu.Image
	byteSize  int
}

func (i *GpuImage) Image() gpu.Image { return i.image }

var classUsageFlags = map[gpu.UsageClass]core1_0.BufferUsageFlags{
	gpu.UsageUniform: core1_0.BufferUsageUniformBuffer | core1_0.BufferUsageTransferDst,
	gpu.UsageStorage: core1_0.BufferUsageStorageBuffer | core1_0.BufferUsageTransferDst,
	gpu.UsageVertex:  core1_0.BufferUsageVertexBuffer | core1_0.BufferUsageTransferDst,
	gpu.UsageIndex:   core1_0.BufferUsageIndexBuffer | core1_0.BufferUsageTransferDst,
	gpu.UsageStaging: core1_0.BufferUsageTransferSrc,
}

// CreateAllocator builds an Allocator for the provided device.
func CreateAllocator(device gpu.Device, options CreateOptions) *Allocator {
	if device == nil {
		panic("attempted to create an allocator with a nil device")
	}
	if options.BlockSize == 0 {
		options.BlockSize = defaultBlockSize
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	allocator := &Allocator{
		logger:    options.Logger,
		device:    device,
		blockSize: options.BlockSize,
		pools:     map[gpu.UsageClass]*pool{},
	}

	for class, usage := range classUsageFlags {
		alignment := device.MinAlignment(class)
		err := utils.CheckPow2(alignment, "device minimum alignment")
		if err != nil {
			panic(err)
		}

		allocator.pools[class] = &pool{
			class:     class,
			usage:     usage,
			alignment: alignment,
			blockSize: options.BlockSize,
			mutex:     utils.OptionalMutex{UseMutex: options.SharedAccess},
		}
	}

	return allocator
}

// Alignment reports the minimum alignment used for the provided usage class.
func (a *Allocator) Alignment(class gpu.UsageClass) uint {
	return a.pools[class].alignment
}

// Allocate carves a buffer allocation of the requested size from the pool
// for the provided usage class, using the device's minimum alignment for
// that class. Out-of-memory is fatal to the render loop and is returned as
// VKErrorOutOfDeviceMemory.
func (a *Allocator) Allocate(size int, class gpu.UsageClass) (*GpuBuffer, common.VkResult, error) {
	return a.AllocateAligned(size, a.pools[class].alignment, class)
}

// AllocateAligned is Allocate with an explicit alignment. The alignment must
// be a power of two no smaller than the device minimum for the class -
// violating either is a programmer error and panics at the call site.
func (a *Allocator) AllocateAligned(size int, alignment uint, class gpu.UsageClass) (*GpuBuffer, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateAligned",
		slog.Int("Size", size),
		slog.Int("Alignment", int(alignment)),
		slog.String("Class", class.String()),
	)

	if size < 1 {
		panic("attempted to allocate a non-positive size")
	}
	err := utils.CheckPow2(alignment, "alignment")
	if err != nil {
		panic(err)
	}

	targetPool, ok := a.pools[class]
	if !ok {
		panic("attempted to allocate from an unknown usage class")
	}
	if alignment < targetPool.alignment {
		panic(errors.Newf("alignment %d is below the device minimum %d for class %s", alignment, targetPool.alignment, class))
	}

	targetPool.mutex.Lock()
	defer targetPool.mutex.Unlock()

	for _, block := range targetPool.blocks {
		id, offset, ok := block.list.allocate(size, alignment)
		if ok {
			return &GpuBuffer{
				pool:   targetPool,
				block:  block,
				id:     id,
				offset: offset,
				size:   size,
			}, core1_0.VKSuccess, nil
		}
	}

	// No existing block fits - grow the pool. Allocations larger than the
	// standard block get a dedicated block of their own size.
	blockSize := targetPool.blockSize
	if size > blockSize {
		blockSize = size
	}

	buffer, res, err := a.device.CreateBuffer(gpu.BufferInfo{
		Size:  blockSize,
		Usage: targetPool.usage,
		Class: class,
	})
	if err != nil {
		a.logger.Debug("  Allocate FAILED - could not create pool block",
			slog.Int("BlockSize", blockSize),
			slog.String("Class", class.String()),
		)
		return nil, res, errors.Wrapf(err, "allocating a %d-byte %s block", blockSize, class)
	}

	block := &poolBlock{
		buffer: buffer,
		list:   newFreeList(blockSize),
	}
	targetPool.blocks = append(targetPool.blocks, block)

	id, offset, ok := block.list.allocate(size, alignment)
	if !ok {
		// A fresh block always fits a request no larger than itself
		panic("newly-created pool block rejected its first allocation")
	}

	return &GpuBuffer{
		pool:   targetPool,
		block:  block,
		id:     id,
		offset: offset,
		size:   size,
	}, core1_0.VKSuccess, nil
}

// AllocateImage creates a dedicated image allocation.
func (a *Allocator) AllocateImage(info gpu.ImageInfo) (*GpuImage, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateImage",
		slog.Int("Width", info.Extent.Width),
		slog.Int("Height", info.Extent.Height),
	)

	if info.Extent.Width < 1 || info.Extent.Height < 1 {
		panic("attempted to allocate an image with a degenerate extent")
	}

	image, res, err := a.device.CreateImage(info)
	if err != nil {
		return nil, res, errors.Wrapf(err, "allocating a %dx%d image", info.Extent.Width, info.Extent.Height)
	}

	byteSize := info.Extent.Width * info.Extent.Height * 4
	a.imageCount++
	a.imageBytes += byteSize

	return &GpuImage{
		allocator: a,
		image:     image,
		byteSize:  byteSize,
	}, res, nil
}

// Free returns a buffer allocation to its pool. Only callable when no frame
// can still reference the allocation.
func (a *Allocator) Free(buffer *GpuBuffer) {
	if buffer == nil {
		panic("attempted to free a nil allocation")
	}

	buffer.pool.mutex.Lock()
	defer buffer.pool.mutex.Unlock()

	if !buffer.block.list.free(buffer.id) {
		panic("attempted to free an allocation twice")
	}
}

// FreeImage destroys a dedicated image allocation.
func (a *Allocator) FreeImage(image *GpuImage) {
	if image == nil {
		panic("attempted to free a nil image")
	}

	image.image.Destroy()
	a.imageCount--
	a.imageBytes -= image.byteSize
}

// CalculateStatistics sums usage across every pool.
func (a *Allocator) CalculateStatistics(stats *Statistics) {
	stats.Clear()

	for _, targetPool := range a.pools {
		targetPool.mutex.Lock()
		for _, block := range targetPool.blocks {
			stats.BlockCount++
			stats.BlockBytes += block.list.totalSize
			stats.AllocationCount += block.list.allocationCount()
			stats.AllocationBytes += block.list.allocatedBytes()
		}
		targetPool.mutex.Unlock()
	}

	stats.ImageCount = a.imageCount
	stats.ImageBytes = a.imageBytes
}

// Destroy releases every pool block. It is an error to destroy an allocator
// that still has live suballocations.
func (a *Allocator) Destroy() error {
	for _, targetPool := range a.pools {
		targetPool.mutex.Lock()
		for _, block := range targetPool.blocks {
			if block.list.allocationCount() > 0 {
				targetPool.mutex.Unlock()
				return errors.Newf("destroyed allocator still has %d live allocations in its %s pool", block.list.allocationCount(), targetPool.class)
			}
		}
		for _, block := range targetPool.blocks {
			block.buffer.Destroy()
		}
		targetPool.blocks = nil
		targetPool.mutex.Unlock()
	}

	if a.imageCount > 0 {
		return errors.Newf("destroyed allocator still has %d live images", a.imageCount)
	}

	return nil
}
