package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/foundry/gpu"
)

// CreateCommandBuffer allocates one primary command buffer from the device's
// pool. The pool is created with per-buffer reset, so frame slots reset their
// own buffer without touching anyone else's.
func (d *Device) CreateCommandBuffer() (gpu.CommandBuffer, common.VkResult, error) {
	buffers, res, err := d.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        d.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return nil, res, errors.Wrap(err, "allocating command buffer")
	}

	return &CommandBuffer{device: d, buffer: buffers[0]}, core1_0.VKSuccess, nil
}

// CommandBuffer wraps a primary command buffer plus the device state needed
// to translate the engine's abstract commands.
type CommandBuffer struct {
	device *Device
	buffer core1_0.CommandBuffer
}

func (c *CommandBuffer) Begin() (common.VkResult, error) {
	return c.buffer.Begin(core1_0.CommandBufferBeginInfo{})
}

func (c *CommandBuffer) End() (common.VkResult, error) {
	return c.buffer.End()
}

func (c *CommandBuffer) Reset() error {
	_, err := c.buffer.Reset(0)
	return err
}

// BeginRenderPass opens the target's render pass and sets the dynamic
// viewport and scissor to cover the full target extent.
func (c *CommandBuffer) BeginRenderPass(target gpu.RenderTarget) {
	vulkanTarget := target.(*RenderTarget)
	extent := vulkanTarget.extent

	err := c.buffer.CmdBeginRenderPass(core1_0.SubpassContentsInline, core1_0.RenderPassBeginInfo{
		RenderPass:  vulkanTarget.renderPass,
		Framebuffer: vulkanTarget.framebuffer,
		RenderArea: core1_0.Rect2D{
			Offset: core1_0.Offset2D{X: 0, Y: 0},
			Extent: extent,
		},
		ClearValues: []core1_0.ClearValue{
			core1_0.ClearValueFloat{0, 0, 0, 1},
			core1_0.ClearValueDepthStencil{Depth: 1.0, Stencil: 0},
		},
	})
	if err != nil {
		c.device.logger.Error("CmdBeginRenderPass failed", slog.Any("error", err))
		return
	}

	c.buffer.CmdSetViewport([]core1_0.Viewport{
		{
			X:        0,
			Y:        0,
			Width:    float32(extent.Width),
			Height:   float32(extent.Height),
			MinDepth: 0,
			MaxDepth: 1,
		},
	})
	c.buffer.CmdSetScissor([]core1_0.Rect2D{
		{
			Offset: core1_0.Offset2D{X: 0, Y: 0},
			Extent: extent,
		},
	})
}

func (c *CommandBuffer) EndRenderPass() {
	c.buffer.CmdEndRenderPass()
}

func (c *CommandBuffer) CopyBuffer(src, dst gpu.Buffer, srcOffset, dstOffset, size int) {
	err := c.buffer.CmdCopyBuffer(src.(*Buffer).buffer, dst.(*Buffer).buffer, []core1_0.BufferCopy{
		{
			SrcOffset: srcOffset,
			DstOffset: dstOffset,
			Size:      size,
		},
	})
	if err != nil {
		c.device.logger.Error("CmdCopyBuffer failed", slog.Any("error", err))
	}
}

// CopyBufferToImage transitions the image to transfer-destination layout,
// copies the full extent from the buffer, then transitions to shader-read.
func (c *CommandBuffer) CopyBufferToImage(src gpu.Buffer, srcOffset int, dst gpu.Image) {
	vulkanImage := dst.(*Image)
	info := vulkanImage.info

	err := c.transitionImage(vulkanImage, core1_0.ImageLayoutUndefined, core1_0.ImageLayoutTransferDstOptimal)
	if err == nil {
		err = c.buffer.CmdCopyBufferToImage(src.(*Buffer).buffer, vulkanImage.image, core1_0.ImageLayoutTransferDstOptimal, []core1_0.BufferImageCopy{
			{
				BufferOffset: srcOffset,
				ImageSubresource: core1_0.ImageSubresourceLayers{
					AspectMask:     core1_0.ImageAspectColor,
					MipLevel:       0,
					BaseArrayLayer: 0,
					LayerCount:     1,
				},
				ImageExtent: core1_0.Extent3D{
					Width:  info.Extent.Width,
					Height: info.Extent.Height,
					Depth:  1,
				},
			},
		})
	}
	if err == nil {
		err = c.transitionImage(vulkanImage, core1_0.ImageLayoutTransferDstOptimal, core1_0.ImageLayoutShaderReadOnlyOptimal)
	}
	if err != nil {
		c.device.logger.Error("CmdCopyBufferToImage failed", slog.Any("error", err))
	}
}

func (c *CommandBuffer) transitionImage(image *Image, oldLayout, newLayout core1_0.ImageLayout) error {
	var sourceStage, destStage core1_0.PipelineStageFlags
	var sourceAccess, destAccess core1_0.AccessFlags

	if oldLayout == core1_0.ImageLayoutUndefined {
		sourceStage = core1_0.PipelineStageTopOfPipe
		destStage = core1_0.PipelineStageTransfer
		destAccess = core1_0.AccessTransferWrite
	} else {
		sourceStage = core1_0.PipelineStageTransfer
		sourceAccess = core1_0.AccessTransferWrite
		destStage = core1_0.PipelineStageFragmentShader
		destAccess = core1_0.AccessShaderRead
	}

	return c.buffer.CmdPipelineBarrier(sourceStage, destStage, 0, nil, nil, []core1_0.ImageMemoryBarrier{
		{
			OldLayout:           oldLayout,
			NewLayout:           newLayout,
			SrcQueueFamilyIndex: -1,
			DstQueueFamilyIndex: -1,
			Image:               image.image,
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask:     core1_0.ImageAspectColor,
				BaseMipLevel:   0,
				LevelCount:     1,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
			SrcAccessMask: sourceAccess,
			DstAccessMask: destAccess,
		},
	})
}

func (c *CommandBuffer) BindPipeline(pipeline gpu.Pipeline) {
	c.buffer.CmdBindPipeline(core1_0.PipelineBindPointGraphics, pipeline.(*Pipeline).pipeline)
}

func (c *CommandBuffer) BindDescriptorTable(table gpu.DescriptorTable) {
	c.buffer.CmdBindDescriptorSets(
		core1_0.PipelineBindPointGraphics,
		c.device.pipelineLayout,
		0,
		[]core1_0.DescriptorSet{table.(*DescriptorTable).set},
		nil,
	)
}

func (c *CommandBuffer) PushConstants(offset int, data []byte) {
	c.buffer.CmdPushConstants(c.device.pipelineLayout, core1_0.StageVertex|core1_0.StageFragment, offset, data)
}

func (c *CommandBuffer) BindVertexBuffer(buffer gpu.Buffer, offset int) {
	c.buffer.CmdBindVertexBuffers(0, []core1_0.Buffer{buffer.(*Buffer).buffer}, []int{offset})
}

func (c *CommandBuffer) BindIndexBuffer(buffer gpu.Buffer, offset int) {
	c.buffer.CmdBindIndexBuffer(buffer.(*Buffer).buffer, offset, core1_0.IndexTypeUInt32)
}

func (c *CommandBuffer) DrawIndexed(indexCount, instanceCount, firstIndex, vertexOffset int) {
	c.buffer.CmdDrawIndexed(indexCount, instanceCount, uint32(firstIndex), vertexOffset, 0)
}
