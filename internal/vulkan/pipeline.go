package vulkan

import (
	"hash/fnv"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/foundry/gpu"
)

// Pipeline wraps a device graphics pipeline.
type Pipeline struct {
	pipeline core1_0.Pipeline
}

func (p *Pipeline) Destroy() {
	p.pipeline.Destroy(nil)
}

// HashSPIRV produces the bytecode hash callers put in ShaderStage.SPIRVHash.
// Recompiling a shader changes the hash, which changes the pipeline state
// key, which forces a rebuild on next use.
func HashSPIRV(code []byte) uint64 {
	h := fnv.New64a()
	h.Write(code)
	return h.Sum64()
}

// shaderModule returns the cached module for a stage, loading and creating
// it on first use. Modules are cached per (name, hash) so a hot-reloaded
// shader gets a fresh module while the old one stays valid for pipelines
// still referencing it.
func (d *Device) shaderModule(stage gpu.ShaderStage) (core1_0.ShaderModule, error) {
	key := shaderKey{name: stage.Name, hash: stage.SPIRVHash}
	module, ok := d.shaders[key]
	if ok {
		return module, nil
	}

	code, err := d.shaderSource(stage.Name)
	if err != nil {
		return nil, errors.Wrapf(err, "loading shader %s", stage.Name)
	}

	d.logger.Debug("Device::shaderModule compile",
		slog.String("Name", stage.Name),
		slog.Int("Bytes", len(code)),
	)

	module, _, err = d.device.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{
		Code: bytesToBytecode(code),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating shader module %s", stage.Name)
	}

	d.shaders[key] = module
	return module, nil
}

func bytesToBytecode(b []byte) []uint32 {
	byteCode := make([]uint32, len(b)/4)
	for i := 0; i < len(byteCode); i++ {
		byteIndex := i * 4
		byteCode[i] = 0
		byteCode[i] |= uint32(b[byteIndex])
		byteCode[i] |= uint32(b[byteIndex+1]) << 8
		byteCode[i] |= uint32(b[byteIndex+2]) << 16
		byteCode[i] |= uint32(b[byteIndex+3]) << 24
	}
	return byteCode
}

// renderPass returns the cached render pass for a color/depth format pair.
// One subpass, clear on load, present-ready on store.
func (d *Device) renderPass(color, depth core1_0.Format) (core1_0.RenderPass, error) {
	key := renderPassKey{color: color, depth: depth}
	renderPass, ok := d.renderPasses[key]
	if ok {
		return renderPass, nil
	}

	renderPass, _, err := d.device.CreateRenderPass(nil, core1_0.RenderPassCreateInfo{
		Attachments: []core1_0.AttachmentDescription{
			{
				Format:         color,
				Samples:        core1_0.Samples1,
				LoadOp:         core1_0.AttachmentLoadOpClear,
				StoreOp:        core1_0.AttachmentStoreOpStore,
				StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
				StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
				InitialLayout:  core1_0.ImageLayoutUndefined,
				FinalLayout:    khr_swapchain.ImageLayoutPresentSrc,
			},
			{
				Format:         depth,
				Samples:        core1_0.Samples1,
				LoadOp:         core1_0.AttachmentLoadOpClear,
				StoreOp:        core1_0.AttachmentStoreOpDontCare,
				StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
				StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
				InitialLayout:  core1_0.ImageLayoutUndefined,
				FinalLayout:    core1_0.ImageLayoutDepthStencilAttachmentOptimal,
			},
		},
		Subpasses: []core1_0.SubpassDescription{
			{
				PipelineBindPoint: core1_0.PipelineBindPointGraphics,
				ColorAttachments: []core1_0.AttachmentReference{
					{
						Attachment: 0,
						Layout:     core1_0.ImageLayoutColorAttachmentOptimal,
					},
				},
				DepthStencilAttachment: &core1_0.AttachmentReference{
					Attachment: 1,
					Layout:     core1_0.ImageLayoutDepthStencilAttachmentOptimal,
				},
			},
		},
		SubpassDependencies: []core1_0.SubpassDependency{
			{
				SrcSubpass: core1_0.SubpassExternal,
				DstSubpass: 0,

				SrcStageMask:  core1_0.PipelineStageColorAttachmentOutput | core1_0.PipelineStageEarlyFragmentTests,
				SrcAccessMask: 0,

				DstStageMask:  core1_0.PipelineStageColorAttachmentOutput | core1_0.PipelineStageEarlyFragmentTests,
				DstAccessMask: core1_0.AccessColorAttachmentWrite | core1_0.AccessDepthStencilAttachmentWrite,
			},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating render pass")
	}

	d.renderPasses[key] = renderPass
	return renderPass, nil
}

// CreateGraphicsPipeline assembles a graphics pipeline from a structural
// state key. Viewport and scissor are dynamic, so surface resizes never
// invalidate built pipelines.
func (d *Device) CreateGraphicsPipeline(state gpu.PipelineState) (gpu.Pipeline, common.VkResult, error) {
	vertModule, err := d.shaderModule(state.Vertex)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	fragModule, err := d.shaderModule(state.Fragment)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}

	renderPass, err := d.renderPass(state.ColorFormat, state.DepthFormat)
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}

	var attributes []core1_0.VertexInputAttributeDescription
	for i := 0; i < state.Layout.AttributeCount; i++ {
		attribute := state.Layout.Attributes[i]
		attributes = append(attributes, core1_0.VertexInputAttributeDescription{
			Binding:  0,
			Location: uint32(attribute.Location),
			Format:   attribute.Format,
			Offset:   attribute.Offset,
		})
	}

	var cullMode core1_0.CullModeFlags
	if state.CullBack {
		cullMode = core1_0.CullModeBack
	}

	pipelines, res, err := d.device.CreateGraphicsPipelines(nil, nil, []core1_0.GraphicsPipelineCreateInfo{
		{
			Stages: []core1_0.PipelineShaderStageCreateInfo{
				{
					Stage:  core1_0.StageVertex,
					Module: vertModule,
					Name:   "main",
				},
				{
					Stage:  core1_0.StageFragment,
					Module: fragModule,
					Name:   "main",
				},
			},
			VertexInputState: &core1_0.PipelineVertexInputStateCreateInfo{
				VertexBindingDescriptions: []core1_0.VertexInputBindingDescription{
					{
						Binding:   0,
						Stride:    state.Layout.Stride,
						InputRate: core1_0.VertexInputRateVertex,
					},
				},
				VertexAttributeDescriptions: attributes,
			},
			InputAssemblyState: &core1_0.PipelineInputAssemblyStateCreateInfo{
				Topology: core1_0.PrimitiveTopologyTriangleList,
			},
			ViewportState: &core1_0.PipelineViewportStateCreateInfo{
				Viewports: make([]core1_0.Viewport, 1),
				Scissors:  make([]core1_0.Rect2D, 1),
			},
			RasterizationState: &core1_0.PipelineRasterizationStateCreateInfo{
				PolygonMode: core1_0.PolygonModeFill,
				CullMode:    cullMode,
				FrontFace:   core1_0.FrontFaceCounterClockwise,
				LineWidth:   1.0,
			},
			MultisampleState: &core1_0.PipelineMultisampleStateCreateInfo{
				RasterizationSamples: core1_0.Samples1,
				MinSampleShading:     1.0,
			},
			DepthStencilState: &core1_0.PipelineDepthStencilStateCreateInfo{
				DepthTestEnable:  state.DepthTest,
				DepthWriteEnable: state.DepthWrite,
				DepthCompareOp:   core1_0.CompareOpLess,
			},
			ColorBlendState: &core1_0.PipelineColorBlendStateCreateInfo{
				Attachments: []core1_0.PipelineColorBlendAttachmentState{
					blendAttachment(state.Blend),
				},
			},
			DynamicState: &core1_0.PipelineDynamicStateCreateInfo{
				DynamicStates: []core1_0.DynamicState{
					core1_0.DynamicStateViewport,
					core1_0.DynamicStateScissor,
				},
			},
			Layout:            d.pipelineLayout,
			RenderPass:        renderPass,
			Subpass:           0,
			BasePipelineIndex: -1,
		},
	})
	if err != nil {
		return nil, res, errors.Wrapf(err, "building pipeline %s/%s", state.Vertex.Name, state.Fragment.Name)
	}

	return &Pipeline{pipeline: pipelines[0]}, core1_0.VKSuccess, nil
}

func blendAttachment(mode gpu.BlendMode) core1_0.PipelineColorBlendAttachmentState {
	writeMask := core1_0.ColorComponentRed | core1_0.ColorComponentGreen | core1_0.ColorComponentBlue | core1_0.ColorComponentAlpha

	switch mode {
	case gpu.BlendAlpha:
		return core1_0.PipelineColorBlendAttachmentState{
			BlendEnabled:        true,
			SrcColorBlendFactor: core1_0.BlendFactorSrcAlpha,
			DstColorBlendFactor: core1_0.BlendFactorOneMinusSrcAlpha,
			ColorBlendOp:        core1_0.BlendOpAdd,
			SrcAlphaBlendFactor: core1_0.BlendFactorOne,
			DstAlphaBlendFactor: core1_0.BlendFactorOneMinusSrcAlpha,
			AlphaBlendOp:        core1_0.BlendOpAdd,
			ColorWriteMask:      writeMask,
		}
	case gpu.BlendAdditive:
		return core1_0.PipelineColorBlendAttachmentState{
			BlendEnabled:        true,
			SrcColorBlendFactor: core1_0.BlendFactorOne,
			DstColorBlendFactor: core1_0.BlendFactorOne,
			ColorBlendOp:        core1_0.BlendOpAdd,
			SrcAlphaBlendFactor: core1_0.BlendFactorOne,
			DstAlphaBlendFactor: core1_0.BlendFactorOne,
			AlphaBlendOp:        core1_0.BlendOpAdd,
			ColorWriteMask:      writeMask,
		}
	}

	return core1_0.PipelineColorBlendAttachmentState{
		BlendEnabled:   false,
		ColorWriteMask: writeMask,
	}
}
