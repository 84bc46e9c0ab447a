// Package mocks provides a fully in-memory gpu.Device for tests. It follows
// the dummy-object style of the vkngwrapper mocks packages: behavior is
// stateful and directly controllable (fences signal on demand, swapchains
// play back scripted acquire results) rather than expectation-based.
package mocks

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/foundry/gpu"
)

// DummyDevice implements gpu.Device entirely on the host. MemoryBudget
// bounds the total bytes of live buffer and image allocations; 0 means
// unbounded.
type DummyDevice struct {
	MemoryBudget int

	mutex     sync.Mutex
	allocated int

	queue *DummyQueue

	BuffersCreated        int
	ImagesCreated         int
	PipelinesBuilt        int
	CommandBuffersCreated int
	BuffersDestroyed      int
	ImagesDestroyed       int
}

func NewDummyDevice() *DummyDevice {
	device := &DummyDevice{}
	device.queue = &DummyQueue{AutoSignal: true}
	return device
}

func (d *DummyDevice) CreateBuffer(info gpu.BufferInfo) (gpu.Buffer, common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.MemoryBudget > 0 && d.allocated+info.Size > d.MemoryBudget {
		return nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}
	d.allocated += info.Size
	d.BuffersCreated++

	return &DummyBuffer{
		device: d,
		info:   info,
		data:   make([]byte, info.Size),
	}, core1_0.VKSuccess, nil
}

func (d *DummyDevice) CreateImage(info gpu.ImageInfo) (gpu.Image, common.VkResult, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	size := imageByteSize(info)
	if d.MemoryBudget > 0 && d.allocated+size > d.MemoryBudget {
		return nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}
	d.allocated += size
	d.ImagesCreated++

	return &DummyImage{device: d, info: info, size: size}, core1_0.VKSuccess, nil
}

// 4 bytes per texel regardless of format keeps budget accounting simple
func imageByteSize(info gpu.ImageInfo) int {
	return info.Extent.Width * info.Extent.Height * 4
}

func (d *DummyDevice) CreateFence(signaled bool) (gpu.Fence, common.VkResult, error) {
	return NewDummyFence(signaled), core1_0.VKSuccess, nil
}

func (d *DummyDevice) CreateSemaphore() (gpu.Semaphore, common.VkResult, error) {
	return &DummySemaphore{}, core1_0.VKSuccess, nil
}

func (d *DummyDevice) CreateCommandBuffer() (gpu.CommandBuffer, common.VkResult, error) {
	d.mutex.Lock()
	d.CommandBuffersCreated++
	d.mutex.Unlock()

	return &DummyCommandBuffer{}, core1_0.VKSuccess, nil
}

func (d *DummyDevice) CreateDescriptorTable(capacity int) (gpu.DescriptorTable, common.VkResult, error) {
	return &DummyDescriptorTable{
		capacity:     capacity,
		bufferWrites: map[int]gpu.Buffer{},
		imageWrites:  map[int]gpu.Image{},
	}, core1_0.VKSuccess, nil
}

func (d *DummyDevice) CreateGraphicsPipeline(state gpu.PipelineState) (gpu.Pipeline, common.VkResult, error) {
	d.mutex.Lock()
	d.PipelinesBuilt++
	d.mutex.Unlock()

	return &DummyPipeline{State: state}, core1_0.VKSuccess, nil
}

func (d *DummyDevice) GraphicsQueue() gpu.Queue { return d.queue }

// Queue exposes the concrete dummy queue for submission inspection.
func (d *DummyDevice) Queue() *DummyQueue { return d.queue }

func (d *DummyDevice) MinAlignment(class gpu.UsageClass) uint {
	switch class {
	case gpu.UsageUniform:
		return 256
	case gpu.UsageStorage:
		return 64
	case gpu.UsageVertex, gpu.UsageIndex:
		return 4
	default:
		return 4
	}
}

func (d *DummyDevice) WaitIdle() (common.VkResult, error) {
	return core1_0.VKSuccess, nil
}

// AllocatedBytes reports the bytes of live allocations for budget assertions.
func (d *DummyDevice) AllocatedBytes() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.allocated
}

type DummyBuffer struct {
	device    *DummyDevice
	info      gpu.BufferInfo
	data      []byte
	destroyed bool
}

func (b *DummyBuffer) Size() int            { return b.info.Size }
func (b *DummyBuffer) Info() gpu.BufferInfo { return b.info }

func (b *DummyBuffer) Write(offset int, data []byte) error {
	if b.destroyed {
		return errors.New("write to destroyed buffer")
	}
	if offset < 0 || offset+len(data) > len(b.data) {
		return errors.Newf("write of %d bytes at offset %d overruns buffer of size %d", len(data), offset, len(b.data))
	}
	copy(b.data[offset:], data)
	return nil
}

// Bytes exposes buffer contents for test assertions.
func (b *DummyBuffer) Bytes() []byte { return b.data }

func (b *DummyBuffer) Destroy() {
	if b.destroyed {
		panic("buffer destroyed twice")
	}
	b.destroyed = true
	b.device.mutex.Lock()
	b.device.allocated -= b.info.Size
	b.device.BuffersDestroyed++
	b.device.mutex.Unlock()
}

type DummyImage struct {
	device    *DummyDevice
	info      gpu.ImageInfo
	size      int
	destroyed bool
}

func (i *DummyImage) Info() gpu.ImageInfo { return i.info }

func (i *DummyImage) Destroy() {
	if i.destroyed {
		panic("image destroyed twice")
	}
	i.destroyed = true
	i.device.mutex.Lock()
	i.device.allocated -= i.size
	i.device.ImagesDestroyed++
	i.device.mutex.Unlock()
}

// DummyFence starts unsignaled (or signaled) and flips when Signal is called
// or when work submitted with it to an auto-signaling DummyQueue completes.
type DummyFence struct {
	mutex    sync.Mutex
	signaled bool
	waiters  []chan struct{}
}

func NewDummyFence(signaled bool) *DummyFence {
	return &DummyFence{signaled: signaled}
}

func (f *DummyFence) Signal() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.signaled = true
	for _, waiter := range f.waiters {
		close(waiter)
	}
	f.waiters = nil
}

func (f *DummyFence) Signaled() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.signaled
}

func (f *DummyFence) Wait(timeout time.Duration) (common.VkResult, error) {
	f.mutex.Lock()
	if f.signaled {
		f.mutex.Unlock()
		return core1_0.VKSuccess, nil
	}
	waiter := make(chan struct{})
	f.waiters = append(f.waiters, waiter)
	f.mutex.Unlock()

	select {
	case <-waiter:
		return core1_0.VKSuccess, nil
	case <-time.After(timeout):
		return core1_0.VKTimeout, nil
	}
}

func (f *DummyFence) Reset() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.signaled = false
	return nil
}

func (f *DummyFence) Destroy() {}

type DummySemaphore struct{}

func (s *DummySemaphore) Destroy() {}

// DummyCommandBuffer records a readable op log for assertions.
type DummyCommandBuffer struct {
	Ops       []string
	recording bool
}

func (c *DummyCommandBuffer) Begin() (common.VkResult, error) {
	if c.recording {
		return core1_0.VKErrorUnknown, errors.New("Begin called on a command buffer already recording")
	}
	c.recording = true
	c.Ops = append(c.Ops, "begin")
	return core1_0.VKSuccess, nil
}

func (c *DummyCommandBuffer) End() (common.VkResult, error) {
	if !c.recording {
		return core1_0.VKErrorUnknown, errors.New("End called on a command buffer that is not recording")
	}
	c.recording = false
	c.Ops = append(c.Ops, "end")
	return core1_0.VKSuccess, nil
}

func (c *DummyCommandBuffer) Reset() error {
	c.recording = false
	c.Ops = nil
	return nil
}

func (c *DummyCommandBuffer) CopyBuffer(src, dst gpu.Buffer, srcOffset, dstOffset, size int) {
	srcDummy := src.(*DummyBuffer)
	dstDummy := dst.(*DummyBuffer)
	copy(dstDummy.data[dstOffset:dstOffset+size], srcDummy.data[srcOffset:srcOffset+size])
	c.Ops = append(c.Ops, fmt.Sprintf("copyBuffer size=%d", size))
}

func (c *DummyCommandBuffer) CopyBufferToImage(src gpu.Buffer, srcOffset int, dst gpu.Image) {
	c.Ops = append(c.Ops, "copyBufferToImage")
}

func (c *DummyCommandBuffer) BeginRenderPass(target gpu.RenderTarget) {
	extent := target.Extent()
	c.Ops = append(c.Ops, fmt.Sprintf("beginRenderPass %dx%d", extent.Width, extent.Height))
}

func (c *DummyCommandBuffer) EndRenderPass() {
	c.Ops = append(c.Ops, "endRenderPass")
}

func (c *DummyCommandBuffer) BindPipeline(pipeline gpu.Pipeline) {
	dummy := pipeline.(*DummyPipeline)
	c.Ops = append(c.Ops, "bindPipeline "+dummy.State.Vertex.Name+"/"+dummy.State.Fragment.Name)
}

func (c *DummyCommandBuffer) BindDescriptorTable(table gpu.DescriptorTable) {
	c.Ops = append(c.Ops, "bindTable")
}

func (c *DummyCommandBuffer) PushConstants(offset int, data []byte) {
	c.Ops = append(c.Ops, fmt.Sprintf("pushConstants offset=%d size=%d", offset, len(data)))
}

func (c *DummyCommandBuffer) BindVertexBuffer(buffer gpu.Buffer, offset int) {
	c.Ops = append(c.Ops, fmt.Sprintf("bindVertex offset=%d", offset))
}

func (c *DummyCommandBuffer) BindIndexBuffer(buffer gpu.Buffer, offset int) {
	c.Ops = append(c.Ops, fmt.Sprintf("bindIndex offset=%d", offset))
}

func (c *DummyCommandBuffer) DrawIndexed(indexCount, instanceCount, firstIndex, vertexOffset int) {
	c.Ops = append(c.Ops, fmt.Sprintf("drawIndexed count=%d first=%d", indexCount, firstIndex))
}

// CountOps returns how many logged ops start with the provided prefix.
func (c *DummyCommandBuffer) CountOps(prefix string) int {
	count := 0
	for _, op := range c.Ops {
		if len(op) >= len(prefix) && op[:len(prefix)] == prefix {
			count++
		}
	}
	return count
}

type DummyPipeline struct {
	State     gpu.PipelineState
	Destroyed bool
}

func (p *DummyPipeline) Destroy() {
	if p.Destroyed {
		panic("pipeline destroyed twice")
	}
	p.Destroyed = true
}

type DummyDescriptorTable struct {
	capacity     int
	bufferWrites map[int]gpu.Buffer
	imageWrites  map[int]gpu.Image
	WriteCount   int
}

func (t *DummyDescriptorTable) Capacity() int { return t.capacity }

func (t *DummyDescriptorTable) WriteBuffer(slotIndex int, buffer gpu.Buffer, offset, size int) error {
	if slotIndex < 0 || slotIndex >= t.capacity {
		return errors.Newf("descriptor write to slot %d outside table capacity %d", slotIndex, t.capacity)
	}
	t.bufferWrites[slotIndex] = buffer
	t.WriteCount++
	return nil
}

func (t *DummyDescriptorTable) WriteImage(slotIndex int, image gpu.Image) error {
	if slotIndex < 0 || slotIndex >= t.capacity {
		return errors.Newf("descriptor write to slot %d outside table capacity %d", slotIndex, t.capacity)
	}
	t.imageWrites[slotIndex] = image
	t.WriteCount++
	return nil
}

func (t *DummyDescriptorTable) Destroy() {}

// Submission captures one queue submit for inspection.
type Submission struct {
	Info gpu.SubmitInfo
}

// DummyQueue signals submit fences immediately when AutoSignal is set,
// modeling a GPU that never falls behind. Clear AutoSignal and call
// CompleteOldest to step the GPU timeline by hand.
type DummyQueue struct {
	AutoSignal bool

	mutex   sync.Mutex
	pending []Submission

	SubmitCount int
}

func (q *DummyQueue) Submit(info gpu.SubmitInfo) (common.VkResult, error) {
	q.mutex.Lock()
	q.SubmitCount++
	autoSignal := q.AutoSignal
	if !autoSignal {
		q.pending = append(q.pending, Submission{Info: info})
	}
	q.mutex.Unlock()

	if autoSignal && info.SignalFence != nil {
		info.SignalFence.(*DummyFence).Signal()
	}
	return core1_0.VKSuccess, nil
}

// CompleteOldest retires the oldest held submission, signaling its fence.
// Returns false if nothing is pending.
func (q *DummyQueue) CompleteOldest() bool {
	q.mutex.Lock()
	if len(q.pending) == 0 {
		q.mutex.Unlock()
		return false
	}
	submission := q.pending[0]
	q.pending = q.pending[1:]
	q.mutex.Unlock()

	if submission.Info.SignalFence != nil {
		submission.Info.SignalFence.(*DummyFence).Signal()
	}
	return true
}

// PendingCount reports submissions held while AutoSignal is off.
func (q *DummyQueue) PendingCount() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.pending)
}

// AcquireScript is one scripted result for DummySwapchain.AcquireNextImage.
type AcquireScript struct {
	ImageIndex int
	Result     common.VkResult
	Block      bool
}

// DummySwapchain plays back scripted acquire and present results, cycling
// image indices on success when no script is queued.
type DummySwapchain struct {
	mutex          sync.Mutex
	extent         core1_0.Extent2D
	imageCount     int
	nextImage      int
	acquireScripts []AcquireScript
	presentScripts []common.VkResult

	Recreated    int
	PresentCount int
}

func NewDummySwapchain(extent core1_0.Extent2D, imageCount int) *DummySwapchain {
	return &DummySwapchain{extent: extent, imageCount: imageCount}
}

// ScriptAcquire queues a result returned by the next AcquireNextImage call.
func (s *DummySwapchain) ScriptAcquire(script AcquireScript) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.acquireScripts = append(s.acquireScripts, script)
}

// ScriptPresent queues a result returned by the next Present call.
func (s *DummySwapchain) ScriptPresent(result common.VkResult) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.presentScripts = append(s.presentScripts, result)
}

func (s *DummySwapchain) AcquireNextImage(timeout time.Duration, signal gpu.Semaphore) (int, common.VkResult, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.acquireScripts) > 0 {
		script := s.acquireScripts[0]
		s.acquireScripts = s.acquireScripts[1:]
		if script.Block {
			return -1, core1_0.VKTimeout, nil
		}
		if script.Result < 0 {
			return -1, script.Result, script.Result.ToError()
		}
		// Positive non-success codes (suboptimal) still acquire an image
		return script.ImageIndex, script.Result, nil
	}

	index := s.nextImage
	s.nextImage = (s.nextImage + 1) % s.imageCount
	return index, core1_0.VKSuccess, nil
}

func (s *DummySwapchain) Present(queue gpu.Queue, imageIndex int, wait gpu.Semaphore) (common.VkResult, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.PresentCount++
	if len(s.presentScripts) > 0 {
		result := s.presentScripts[0]
		s.presentScripts = s.presentScripts[1:]
		if result < 0 {
			return result, result.ToError()
		}
		return result, nil
	}
	return core1_0.VKSuccess, nil
}

// DummyRenderTarget is what DummySwapchain hands out per image index.
type DummyRenderTarget struct {
	ImageIndex int
	extent     core1_0.Extent2D
}

func (t *DummyRenderTarget) Extent() core1_0.Extent2D { return t.extent }

func (s *DummySwapchain) RenderTarget(imageIndex int) gpu.RenderTarget {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return &DummyRenderTarget{ImageIndex: imageIndex, extent: s.extent}
}

func (s *DummySwapchain) Extent() core1_0.Extent2D {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.extent
}

func (s *DummySwapchain) ImageCount() int { return s.imageCount }

func (s *DummySwapchain) Recreate(extent core1_0.Extent2D) (common.VkResult, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.extent = extent
	s.Recreated++
	s.nextImage = 0
	return core1_0.VKSuccess, nil
}

func (s *DummySwapchain) Destroy() {}

var _ gpu.Device = (*DummyDevice)(nil)
var _ gpu.Swapchain = (*DummySwapchain)(nil)
