package gpu

import (
	"time"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// UsageClass identifies the alignment class a buffer allocation belongs to.
// The device reports a separate minimum alignment for each class.
type UsageClass int32

const (
	// UsageUniform is for uniform buffer data read by shaders
	UsageUniform UsageClass = iota
	// UsageStorage is for storage buffer data read or written by shaders
	UsageStorage
	// UsageVertex is for vertex data consumed by the input assembler
	UsageVertex
	// UsageIndex is for index data consumed by the input assembler
	UsageIndex
	// UsageStaging is for host-visible upload scratch
	UsageStaging
)

var usageClassNames = map[UsageClass]string{
	UsageUniform: "Uniform",
	UsageStorage: "Storage",
	UsageVertex:  "Vertex",
	UsageIndex:   "Index",
	UsageStaging: "Staging",
}

func (c UsageClass) String() string {
	return usageClassNames[c]
}

// BufferInfo describes a device buffer to be created.
type BufferInfo struct {
	Size  int
	Usage core1_0.BufferUsageFlags
	Class UsageClass
}

// ImageInfo describes a device image to be created.
type ImageInfo struct {
	Extent    core1_0.Extent2D
	Format    core1_0.Format
	Usage     core1_0.ImageUsageFlags
	MipLevels int
}

// Buffer is a device buffer bound to backing memory. Write is only legal on
// buffers whose UsageClass is host-visible (uniform and staging classes on
// every supported device).
type Buffer interface {
	Size() int
	Info() BufferInfo
	Write(offset int, data []byte) error
	Destroy()
}

// Image is a device image with a single view covering all subresources.
type Image interface {
	Info() ImageInfo
	Destroy()
}

// Fence is a CPU-waitable synchronization object signaled on GPU completion
// of submitted work. Wait returns core1_0.VKTimeout when the timeout elapses
// before the fence signals.
type Fence interface {
	Wait(timeout time.Duration) (common.VkResult, error)
	Reset() error
	Destroy()
}

// Semaphore orders GPU work against other GPU work; it is never waited on
// the CPU timeline.
type Semaphore interface {
	Destroy()
}

// Pipeline is a compiled fixed-function + shader-stage configuration.
type Pipeline interface {
	Destroy()
}

// DescriptorTable is a fixed-capacity descriptor array indexed by bindless
// slot. Writes to a slot take effect for command buffers recorded afterward;
// the caller is responsible for not overwriting a slot still referenced by
// in-flight work.
type DescriptorTable interface {
	Capacity() int
	WriteBuffer(slotIndex int, buffer Buffer, offset, size int) error
	WriteImage(slotIndex int, image Image) error
	Destroy()
}

// RenderTarget is one presentable image's attachment set, handed out by the
// swapchain per acquired image index.
type RenderTarget interface {
	Extent() core1_0.Extent2D
}

// CommandBuffer records a frame's command stream. Draw commands are only
// legal between BeginRenderPass and EndRenderPass.
type CommandBuffer interface {
	Begin() (common.VkResult, error)
	End() (common.VkResult, error)
	Reset() error

	BeginRenderPass(target RenderTarget)
	EndRenderPass()

	// CopyBuffer and CopyBufferToImage record transfer commands; they are
	// only legal outside a render pass
	CopyBuffer(src, dst Buffer, srcOffset, dstOffset, size int)
	CopyBufferToImage(src Buffer, srcOffset int, dst Image)

	BindPipeline(pipeline Pipeline)
	BindDescriptorTable(table DescriptorTable)
	PushConstants(offset int, data []byte)
	BindVertexBuffer(buffer Buffer, offset int)
	BindIndexBuffer(buffer Buffer, offset int)
	DrawIndexed(indexCount, instanceCount, firstIndex, vertexOffset int)
}

// SubmitInfo describes a queue submission for one recorded frame.
type SubmitInfo struct {
	CommandBuffer    CommandBuffer
	WaitSemaphores   []Semaphore
	SignalSemaphores []Semaphore
	// SignalFence is signaled when the submitted work completes on the GPU
	SignalFence Fence
}

// Queue accepts recorded command buffers for asynchronous execution.
type Queue interface {
	Submit(info SubmitInfo) (common.VkResult, error)
}

// Swapchain owns the presentable surface images. AcquireNextImage and
// Present return khr_swapchain.VKErrorOutOfDate when the surface no longer
// matches the swapchain extent.
type Swapchain interface {
	AcquireNextImage(timeout time.Duration, signal Semaphore) (int, common.VkResult, error)
	Present(queue Queue, imageIndex int, wait Semaphore) (common.VkResult, error)
	RenderTarget(imageIndex int) RenderTarget
	Extent() core1_0.Extent2D
	ImageCount() int
	Recreate(extent core1_0.Extent2D) (common.VkResult, error)
	Destroy()
}

// Device is the single low-level graphics API this engine is built against.
// The production implementation lives in internal/vulkan; tests run against
// the dummy device in gpu/mocks.
type Device interface {
	CreateBuffer(info BufferInfo) (Buffer, common.VkResult, error)
	CreateImage(info ImageInfo) (Image, common.VkResult, error)
	CreateFence(signaled bool) (Fence, common.VkResult, error)
	CreateSemaphore() (Semaphore, common.VkResult, error)
	CreateCommandBuffer() (CommandBuffer, common.VkResult, error)
	CreateDescriptorTable(capacity int) (DescriptorTable, common.VkResult, error)
	CreateGraphicsPipeline(state PipelineState) (Pipeline, common.VkResult, error)

	GraphicsQueue() Queue

	// MinAlignment reports the device's minimum offset alignment for the
	// provided usage class. Always a power of two.
	MinAlignment(class UsageClass) uint

	WaitIdle() (common.VkResult, error)
}
