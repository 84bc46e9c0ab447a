package vulkan

import (
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/vkngwrapper/foundry/gpu"
)

// CreateBuffer creates a buffer with dedicated memory. Uniform and staging
// class buffers live in host-visible coherent memory and stay persistently
// mapped; everything else is device-local.
func (d *Device) CreateBuffer(info gpu.BufferInfo) (gpu.Buffer, common.VkResult, error) {
	buffer, res, err := d.device.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        info.Size,
		Usage:       info.Usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, res, errors.Wrap(err, "creating buffer")
	}

	hostVisible := info.Class == gpu.UsageUniform || info.Class == gpu.UsageStaging
	memoryProperties := core1_0.MemoryPropertyDeviceLocal
	if hostVisible {
		memoryProperties = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	}

	memRequirements := buffer.MemoryRequirements()
	memoryTypeIndex, err := d.findMemoryType(memRequirements.MemoryTypeBits, memoryProperties)
	if err != nil {
		buffer.Destroy(nil)
		return nil, core1_0.VKErrorOutOfDeviceMemory, err
	}

	memory, res, err := d.device.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  memRequirements.Size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		buffer.Destroy(nil)
		return nil, res, errors.Wrap(err, "allocating buffer memory")
	}

	_, err = buffer.BindBufferMemory(memory, 0)
	if err != nil {
		buffer.Destroy(nil)
		memory.Free(nil)
		return nil, core1_0.VKErrorUnknown, errors.Wrap(err, "binding buffer memory")
	}

	vulkanBuffer := &Buffer{
		info:   info,
		buffer: buffer,
		memory: memory,
	}

	if hostVisible {
		ptr, res, err := memory.Map(0, info.Size, 0)
		if err != nil {
			buffer.Destroy(nil)
			memory.Free(nil)
			return nil, res, errors.Wrap(err, "mapping buffer memory")
		}
		vulkanBuffer.mapped = unsafe.Slice((*byte)(ptr), info.Size)
	}

	return vulkanBuffer, core1_0.VKSuccess, nil
}

// Buffer is a device buffer with dedicated, optionally host-mapped memory.
type Buffer struct {
	info   gpu.BufferInfo
	buffer core1_0.Buffer
	memory core1_0.DeviceMemory
	mapped []byte
}

func (b *Buffer) Size() int            { return b.info.Size }
func (b *Buffer) Info() gpu.BufferInfo { return b.info }

func (b *Buffer) Write(offset int, data []byte) error {
	if b.mapped == nil {
		return errors.Newf("write to non-host-visible %s buffer", b.info.Class)
	}
	if offset < 0 || offset+len(data) > len(b.mapped) {
		return errors.Newf("write of %d bytes at offset %d overruns buffer of size %d", len(data), offset, len(b.mapped))
	}
	copy(b.mapped[offset:], data)
	return nil
}

func (b *Buffer) Destroy() {
	if b.mapped != nil {
		b.memory.Unmap()
		b.mapped = nil
	}
	b.buffer.Destroy(nil)
	b.memory.Free(nil)
}

// CreateImage creates a 2D image with dedicated device-local memory and a
// single full-subresource view.
func (d *Device) CreateImage(info gpu.ImageInfo) (gpu.Image, common.VkResult, error) {
	mipLevels := info.MipLevels
	if mipLevels < 1 {
		mipLevels = 1
	}

	image, res, err := d.device.CreateImage(nil, core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Extent: core1_0.Extent3D{
			Width:  info.Extent.Width,
			Height: info.Extent.Height,
			Depth:  1,
		},
		MipLevels:     mipLevels,
		ArrayLayers:   1,
		Format:        info.Format,
		Tiling:        core1_0.ImageTilingOptimal,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         info.Usage,
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       core1_0.Samples1,
	})
	if err != nil {
		return nil, res, errors.Wrap(err, "creating image")
	}

	memRequirements := image.MemoryRequirements()
	memoryTypeIndex, err := d.findMemoryType(memRequirements.MemoryTypeBits, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		image.Destroy(nil)
		return nil, core1_0.VKErrorOutOfDeviceMemory, err
	}

	memory, res, err := d.device.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  memRequirements.Size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		image.Destroy(nil)
		return nil, res, errors.Wrap(err, "allocating image memory")
	}

	_, err = image.BindImageMemory(memory, 0)
	if err != nil {
		image.Destroy(nil)
		memory.Free(nil)
		return nil, core1_0.VKErrorUnknown, errors.Wrap(err, "binding image memory")
	}

	view, res, err := d.device.CreateImageView(nil, core1_0.ImageViewCreateInfo{
		Image:    image,
		ViewType: core1_0.ImageViewType2D,
		Format:   info.Format,
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask:     core1_0.ImageAspectColor,
			BaseMipLevel:   0,
			LevelCount:     mipLevels,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	})
	if err != nil {
		image.Destroy(nil)
		memory.Free(nil)
		return nil, res, errors.Wrap(err, "creating image view")
	}

	return &Image{
		info:   info,
		image:  image,
		view:   view,
		memory: memory,
	}, core1_0.VKSuccess, nil
}

// Image is a device image with dedicated memory and one view.
type Image struct {
	info   gpu.ImageInfo
	image  core1_0.Image
	view   core1_0.ImageView
	memory core1_0.DeviceMemory
}

func (i *Image) Info() gpu.ImageInfo { return i.info }

func (i *Image) Destroy() {
	i.view.Destroy(nil)
	i.image.Destroy(nil)
	i.memory.Free(nil)
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, common.VkResult, error) {
	var flags core1_0.FenceCreateFlags
	if signaled {
		flags = core1_0.FenceCreateSignaled
	}

	fence, res, err := d.device.CreateFence(nil, core1_0.FenceCreateInfo{Flags: flags})
	if err != nil {
		return nil, res, errors.Wrap(err, "creating fence")
	}
	return &Fence{device: d.device, fence: fence}, res, nil
}

// Fence wraps a device fence.
type Fence struct {
	device core1_0.Device
	fence  core1_0.Fence
}

func (f *Fence) Wait(timeout time.Duration) (common.VkResult, error) {
	return f.fence.Wait(timeout)
}

func (f *Fence) Reset() error {
	_, err := f.device.ResetFences([]core1_0.Fence{f.fence})
	return err
}

func (f *Fence) Destroy() {
	f.fence.Destroy(nil)
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, common.VkResult, error) {
	semaphore, res, err := d.device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return nil, res, errors.Wrap(err, "creating semaphore")
	}
	return &Semaphore{semaphore: semaphore}, res, nil
}

// Semaphore wraps a device semaphore.
type Semaphore struct {
	semaphore core1_0.Semaphore
}

func (s *Semaphore) Destroy() {
	s.semaphore.Destroy(nil)
}

// CreateDescriptorTable allocates one descriptor set holding the bindless
// buffer and image arrays. Capacity may not exceed the array size the
// pipeline layout was built with.
func (d *Device) CreateDescriptorTable(capacity int) (gpu.DescriptorTable, common.VkResult, error) {
	if capacity < 1 || capacity > d.descriptorCapacity {
		return nil, core1_0.VKErrorUnknown, errors.Newf("descriptor table capacity %d outside layout bound %d", capacity, d.descriptorCapacity)
	}

	pool, res, err := d.device.CreateDescriptorPool(nil, core1_0.DescriptorPoolCreateInfo{
		MaxSets: 1,
		PoolSizes: []core1_0.DescriptorPoolSize{
			{
				Type:            core1_0.DescriptorTypeStorageBuffer,
				DescriptorCount: d.descriptorCapacity,
			},
			{
				Type:            core1_0.DescriptorTypeCombinedImageSampler,
				DescriptorCount: d.descriptorCapacity,
			},
		},
	})
	if err != nil {
		return nil, res, errors.Wrap(err, "creating descriptor pool")
	}

	sets, res, err := d.device.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: pool,
		SetLayouts:     []core1_0.DescriptorSetLayout{d.setLayout},
	})
	if err != nil {
		pool.Destroy(nil)
		return nil, res, errors.Wrap(err, "allocating descriptor set")
	}

	return &DescriptorTable{
		device:   d,
		capacity: capacity,
		pool:     pool,
		set:      sets[0],
	}, core1_0.VKSuccess, nil
}

// DescriptorTable is one descriptor set with bindless buffer and image
// arrays at bindings 0 and 1.
type DescriptorTable struct {
	device   *Device
	capacity int
	pool     core1_0.DescriptorPool
	set      core1_0.DescriptorSet
}

func (t *DescriptorTable) Capacity() int { return t.capacity }

func (t *DescriptorTable) WriteBuffer(slotIndex int, buffer gpu.Buffer, offset, size int) error {
	if slotIndex < 0 || slotIndex >= t.capacity {
		return errors.Newf("descriptor write to slot %d outside table capacity %d", slotIndex, t.capacity)
	}

	return t.device.device.UpdateDescriptorSets([]core1_0.WriteDescriptorSet{
		{
			DstSet:          t.set,
			DstBinding:      0,
			DstArrayElement: slotIndex,

			DescriptorType: core1_0.DescriptorTypeStorageBuffer,

			BufferInfo: []core1_0.DescriptorBufferInfo{
				{
					Buffer: buffer.(*Buffer).buffer,
					Offset: offset,
					Range:  size,
				},
			},
		},
	}, nil)
}

func (t *DescriptorTable) WriteImage(slotIndex int, image gpu.Image) error {
	if slotIndex < 0 || slotIndex >= t.capacity {
		return errors.Newf("descriptor write to slot %d outside table capacity %d", slotIndex, t.capacity)
	}

	return t.device.device.UpdateDescriptorSets([]core1_0.WriteDescriptorSet{
		{
			DstSet:          t.set,
			DstBinding:      1,
			DstArrayElement: slotIndex,

			DescriptorType: core1_0.DescriptorTypeCombinedImageSampler,

			ImageInfo: []core1_0.DescriptorImageInfo{
				{
					ImageView:   image.(*Image).view,
					Sampler:     t.device.sampler,
					ImageLayout: core1_0.ImageLayoutShaderReadOnlyOptimal,
				},
			},
		},
	}, nil)
}

func (t *DescriptorTable) Destroy() {
	t.pool.Destroy(nil)
}

// Queue wraps the device's graphics queue.
type Queue struct {
	queue core1_0.Queue
}

func (q *Queue) Submit(info gpu.SubmitInfo) (common.VkResult, error) {
	waitSemaphores := make([]core1_0.Semaphore, 0, len(info.WaitSemaphores))
	waitStages := make([]core1_0.PipelineStageFlags, 0, len(info.WaitSemaphores))
	for _, semaphore := range info.WaitSemaphores {
		waitSemaphores = append(waitSemaphores, semaphore.(*Semaphore).semaphore)
		waitStages = append(waitStages, core1_0.PipelineStageColorAttachmentOutput)
	}

	signalSemaphores := make([]core1_0.Semaphore, 0, len(info.SignalSemaphores))
	for _, semaphore := range info.SignalSemaphores {
		signalSemaphores = append(signalSemaphores, semaphore.(*Semaphore).semaphore)
	}

	var fence core1_0.Fence
	if info.SignalFence != nil {
		fence = info.SignalFence.(*Fence).fence
	}

	return q.queue.Submit(fence, []core1_0.SubmitInfo{
		{
			WaitSemaphores:   waitSemaphores,
			WaitDstStageMask: waitStages,
			CommandBuffers:   []core1_0.CommandBuffer{info.CommandBuffer.(*CommandBuffer).buffer},
			SignalSemaphores: signalSemaphores,
		},
	})
}
