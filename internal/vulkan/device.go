// Package vulkan is the production gpu.Device implementation, built on
// vkngwrapper against a core1_0 device. Everything above this package talks
// to the gpu interfaces only; everything Vulkan-specific (memory type
// selection, descriptor plumbing, render pass and pipeline assembly) lives
// here.
package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/foundry/gpu"
	"github.com/vkngwrapper/foundry/record"
)

const defaultDescriptorCapacity = 1024

// CreateOptions configures a new Device. The caller owns instance and
// logical-device setup - windowing, extension negotiation, and queue family
// selection happen before this package is involved.
type CreateOptions struct {
	PhysicalDevice core1_0.PhysicalDevice
	Device         core1_0.Device
	// GraphicsQueueFamily is the queue family index the graphics queue and
	// command pool are created against
	GraphicsQueueFamily int

	// DescriptorCapacity is the size of the bindless descriptor arrays baked
	// into the pipeline layout. Defaults to 1024.
	DescriptorCapacity int

	// ColorFormat and DepthFormat are the attachment formats pipelines and
	// swapchain framebuffers are built against
	ColorFormat core1_0.Format
	DepthFormat core1_0.Format

	// ShaderSource loads compiled SPIR-V bytecode by shader name
	ShaderSource func(name string) ([]byte, error)

	// Logger will be used to log device activity. Defaults to slog.Default()
	Logger *slog.Logger
}

// Device implements gpu.Device over a vkngwrapper logical device.
type Device struct {
	logger         *slog.Logger
	physicalDevice core1_0.PhysicalDevice
	device         core1_0.Device
	queue          *Queue

	commandPool core1_0.CommandPool
	colorFormat core1_0.Format
	depthFormat core1_0.Format

	descriptorCapacity int
	setLayout          core1_0.DescriptorSetLayout
	pipelineLayout     core1_0.PipelineLayout
	sampler            core1_0.Sampler

	shaderSource func(name string) ([]byte, error)
	shaders      map[shaderKey]core1_0.ShaderModule
	renderPasses map[renderPassKey]core1_0.RenderPass

	alignments map[gpu.UsageClass]uint
}

type shaderKey struct {
	name string
	hash uint64
}

type renderPassKey struct {
	color core1_0.Format
	depth core1_0.Format
}

// CreateDevice builds a Device. The descriptor set layout, pipeline layout,
// and command pool it creates are shared by everything the device hands out.
func CreateDevice(options CreateOptions) (*Device, common.VkResult, error) {
	if options.Device == nil || options.PhysicalDevice == nil {
		panic("attempted to create a device wrapper without a logical device")
	}
	if options.ShaderSource == nil {
		panic("attempted to create a device wrapper without a shader source")
	}
	if options.DescriptorCapacity == 0 {
		options.DescriptorCapacity = defaultDescriptorCapacity
	}
	if options.ColorFormat == 0 {
		options.ColorFormat = core1_0.FormatB8G8R8A8SRGB
	}
	if options.DepthFormat == 0 {
		options.DepthFormat = core1_0.FormatD32SignedFloat
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	properties, err := options.PhysicalDevice.Properties()
	if err != nil {
		return nil, core1_0.VKErrorUnknown, errors.Wrap(err, "querying device properties")
	}

	device := &Device{
		logger:         options.Logger,
		physicalDevice: options.PhysicalDevice,
		device:         options.Device,
		colorFormat:    options.ColorFormat,
		depthFormat:    options.DepthFormat,

		descriptorCapacity: options.DescriptorCapacity,
		shaderSource:       options.ShaderSource,
		shaders:            map[shaderKey]core1_0.ShaderModule{},
		renderPasses:       map[renderPassKey]core1_0.RenderPass{},

		alignments: map[gpu.UsageClass]uint{
			gpu.UsageUniform: uint(properties.Limits.MinUniformBufferOffsetAlignment),
			gpu.UsageStorage: uint(properties.Limits.MinStorageBufferOffsetAlignment),
			gpu.UsageVertex:  4,
			gpu.UsageIndex:   4,
			gpu.UsageStaging: 4,
		},
	}
	device.queue = &Queue{queue: options.Device.GetQueue(options.GraphicsQueueFamily, 0)}

	device.commandPool, _, err = options.Device.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		QueueFamilyIndex: options.GraphicsQueueFamily,
		Flags:            core1_0.CommandPoolCreateResetBuffer,
	})
	if err != nil {
		return nil, core1_0.VKErrorUnknown, errors.Wrap(err, "creating command pool")
	}

	device.setLayout, _, err = options.Device.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: []core1_0.DescriptorSetLayoutBinding{
			{
				Binding:         0,
				DescriptorType:  core1_0.DescriptorTypeStorageBuffer,
				DescriptorCount: options.DescriptorCapacity,
				StageFlags:      core1_0.StageVertex | core1_0.StageFragment,
			},
			{
				Binding:         1,
				DescriptorType:  core1_0.DescriptorTypeCombinedImageSampler,
				DescriptorCount: options.DescriptorCapacity,
				StageFlags:      core1_0.StageFragment,
			},
		},
	})
	if err != nil {
		return nil, core1_0.VKErrorUnknown, errors.Wrap(err, "creating descriptor set layout")
	}

	device.pipelineLayout, _, err = options.Device.CreatePipelineLayout(nil, core1_0.PipelineLayoutCreateInfo{
		SetLayouts: []core1_0.DescriptorSetLayout{device.setLayout},
		PushConstantRanges: []core1_0.PushConstantRange{
			{
				StageFlags: core1_0.StageVertex | core1_0.StageFragment,
				Offset:     0,
				Size:       record.PushConstantSize,
			},
		},
	})
	if err != nil {
		return nil, core1_0.VKErrorUnknown, errors.Wrap(err, "creating pipeline layout")
	}

	device.sampler, _, err = options.Device.CreateSampler(nil, core1_0.SamplerCreateInfo{
		MagFilter:    core1_0.FilterLinear,
		MinFilter:    core1_0.FilterLinear,
		AddressModeU: core1_0.SamplerAddressModeRepeat,
		AddressModeV: core1_0.SamplerAddressModeRepeat,
		AddressModeW: core1_0.SamplerAddressModeRepeat,
		MipmapMode:   core1_0.SamplerMipmapModeLinear,
	})
	if err != nil {
		return nil, core1_0.VKErrorUnknown, errors.Wrap(err, "creating default sampler")
	}

	return device, core1_0.VKSuccess, nil
}

func (d *Device) MinAlignment(class gpu.UsageClass) uint {
	return d.alignments[class]
}

func (d *Device) GraphicsQueue() gpu.Queue { return d.queue }

func (d *Device) WaitIdle() (common.VkResult, error) {
	return d.device.WaitIdle()
}

func (d *Device) findMemoryType(typeFilter uint32, properties core1_0.MemoryPropertyFlags) (int, error) {
	memProperties := d.physicalDevice.MemoryProperties()
	for i, memoryType := range memProperties.MemoryTypes {
		typeBit := uint32(1 << i)
		if (typeFilter&typeBit) != 0 && (memoryType.PropertyFlags&properties) == properties {
			return i, nil
		}
	}
	return 0, errors.Newf("no memory type matches filter 0x%x with properties 0x%x", typeFilter, properties)
}

// Destroy releases everything the device owns. Callers drain all in-flight
// work first.
func (d *Device) Destroy() {
	for _, renderPass := range d.renderPasses {
		renderPass.Destroy(nil)
	}
	d.renderPasses = map[renderPassKey]core1_0.RenderPass{}
	for _, shader := range d.shaders {
		shader.Destroy(nil)
	}
	d.shaders = map[shaderKey]core1_0.ShaderModule{}

	d.sampler.Destroy(nil)
	d.pipelineLayout.Destroy(nil)
	d.setLayout.Destroy(nil)
	d.commandPool.Destroy(nil)
}

var _ gpu.Device = (*Device)(nil)
