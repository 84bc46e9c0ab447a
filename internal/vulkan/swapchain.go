package vulkan

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_surface"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/foundry/gpu"
)

// SwapchainOptions configures CreateSwapchain.
type SwapchainOptions struct {
	Extension khr_swapchain.Extension
	Surface   khr_surface.Surface

	// PresentMode defaults to FIFO, which every surface supports
	PresentMode khr_surface.PresentMode

	// Extent is the initial surface extent
	Extent core1_0.Extent2D
}

// Swapchain implements gpu.Swapchain: the presentable images plus the
// per-image framebuffers and shared depth attachment that make each image a
// complete render target.
type Swapchain struct {
	device    *Device
	extension khr_swapchain.Extension
	surface   khr_surface.Surface

	presentMode khr_surface.PresentMode
	extent      core1_0.Extent2D

	swapchain  khr_swapchain.Swapchain
	imageViews []core1_0.ImageView
	targets    []*RenderTarget

	depthImage  core1_0.Image
	depthView   core1_0.ImageView
	depthMemory core1_0.DeviceMemory
}

// RenderTarget is one swapchain image's framebuffer.
type RenderTarget struct {
	renderPass  core1_0.RenderPass
	framebuffer core1_0.Framebuffer
	extent      core1_0.Extent2D
}

func (t *RenderTarget) Extent() core1_0.Extent2D { return t.extent }

// CreateSwapchain builds a Swapchain at the provided extent.
func (d *Device) CreateSwapchain(options SwapchainOptions) (*Swapchain, common.VkResult, error) {
	if options.Extension == nil || options.Surface == nil {
		panic("attempted to create a swapchain without a surface")
	}
	if options.PresentMode == 0 {
		options.PresentMode = khr_surface.PresentModeFIFO
	}

	swapchain := &Swapchain{
		device:      d,
		extension:   options.Extension,
		surface:     options.Surface,
		presentMode: options.PresentMode,
	}

	res, err := swapchain.create(options.Extent, nil)
	if err != nil {
		return nil, res, err
	}
	return swapchain, res, nil
}

func (s *Swapchain) create(extent core1_0.Extent2D, oldSwapchain khr_swapchain.Swapchain) (common.VkResult, error) {
	capabilities, _, err := s.surface.PhysicalDeviceSurfaceCapabilities(s.device.physicalDevice)
	if err != nil {
		return core1_0.VKErrorUnknown, errors.Wrap(err, "querying surface capabilities")
	}

	imageCount := capabilities.MinImageCount + 1
	if capabilities.MaxImageCount > 0 && imageCount > capabilities.MaxImageCount {
		imageCount = capabilities.MaxImageCount
	}

	swapchain, res, err := s.extension.CreateSwapchain(s.device.device, nil, khr_swapchain.SwapchainCreateInfo{
		Surface: s.surface,

		MinImageCount:    imageCount,
		ImageFormat:      s.device.colorFormat,
		ImageColorSpace:  khr_surface.ColorSpaceSRGBNonlinear,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       core1_0.ImageUsageColorAttachment,

		ImageSharingMode: core1_0.SharingModeExclusive,

		PreTransform:   capabilities.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		PresentMode:    s.presentMode,
		Clipped:        true,

		OldSwapchain: oldSwapchain,
	})
	if err != nil {
		return res, errors.Wrap(err, "creating swapchain")
	}

	s.swapchain = swapchain
	s.extent = extent

	err = s.createTargets()
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	s.device.logger.Debug("Swapchain::create",
		slog.Int("Width", extent.Width),
		slog.Int("Height", extent.Height),
		slog.Int("Images", len(s.targets)),
	)
	return core1_0.VKSuccess, nil
}

func (s *Swapchain) createTargets() error {
	images, _, err := s.swapchain.SwapchainImages()
	if err != nil {
		return errors.Wrap(err, "fetching swapchain images")
	}

	renderPass, err := s.device.renderPass(s.device.colorFormat, s.device.depthFormat)
	if err != nil {
		return err
	}

	err = s.createDepthAttachment()
	if err != nil {
		return err
	}

	for _, image := range images {
		view, _, err := s.device.device.CreateImageView(nil, core1_0.ImageViewCreateInfo{
			Image:    image,
			ViewType: core1_0.ImageViewType2D,
			Format:   s.device.colorFormat,
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask:     core1_0.ImageAspectColor,
				BaseMipLevel:   0,
				LevelCount:     1,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
		})
		if err != nil {
			return errors.Wrap(err, "creating swapchain image view")
		}
		s.imageViews = append(s.imageViews, view)

		framebuffer, _, err := s.device.device.CreateFramebuffer(nil, core1_0.FramebufferCreateInfo{
			RenderPass: renderPass,
			Layers:     1,
			Attachments: []core1_0.ImageView{
				view,
				s.depthView,
			},
			Width:  s.extent.Width,
			Height: s.extent.Height,
		})
		if err != nil {
			return errors.Wrap(err, "creating swapchain framebuffer")
		}

		s.targets = append(s.targets, &RenderTarget{
			renderPass:  renderPass,
			framebuffer: framebuffer,
			extent:      s.extent,
		})
	}

	return nil
}

func (s *Swapchain) createDepthAttachment() error {
	image, _, err := s.device.device.CreateImage(nil, core1_0.ImageCreateInfo{
		ImageType: core1_0.ImageType2D,
		Extent: core1_0.Extent3D{
			Width:  s.extent.Width,
			Height: s.extent.Height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        s.device.depthFormat,
		Tiling:        core1_0.ImageTilingOptimal,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         core1_0.ImageUsageDepthStencilAttachment,
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       core1_0.Samples1,
	})
	if err != nil {
		return errors.Wrap(err, "creating depth attachment")
	}

	memRequirements := image.MemoryRequirements()
	memoryTypeIndex, err := s.device.findMemoryType(memRequirements.MemoryTypeBits, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		image.Destroy(nil)
		return err
	}

	memory, _, err := s.device.device.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  memRequirements.Size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		image.Destroy(nil)
		return errors.Wrap(err, "allocating depth attachment memory")
	}

	_, err = image.BindImageMemory(memory, 0)
	if err != nil {
		image.Destroy(nil)
		memory.Free(nil)
		return errors.Wrap(err, "binding depth attachment memory")
	}

	view, _, err := s.device.device.CreateImageView(nil, core1_0.ImageViewCreateInfo{
		Image:    image,
		ViewType: core1_0.ImageViewType2D,
		Format:   s.device.depthFormat,
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask:     core1_0.ImageAspectDepth,
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	})
	if err != nil {
		image.Destroy(nil)
		memory.Free(nil)
		return errors.Wrap(err, "creating depth attachment view")
	}

	s.depthImage = image
	s.depthMemory = memory
	s.depthView = view
	return nil
}

func (s *Swapchain) AcquireNextImage(timeout time.Duration, signal gpu.Semaphore) (int, common.VkResult, error) {
	return s.swapchain.AcquireNextImage(timeout, signal.(*Semaphore).semaphore, nil)
}

func (s *Swapchain) Present(queue gpu.Queue, imageIndex int, wait gpu.Semaphore) (common.VkResult, error) {
	return s.extension.QueuePresent(queue.(*Queue).queue, khr_swapchain.PresentInfo{
		WaitSemaphores: []core1_0.Semaphore{wait.(*Semaphore).semaphore},
		Swapchains:     []khr_swapchain.Swapchain{s.swapchain},
		ImageIndices:   []int{imageIndex},
	})
}

func (s *Swapchain) RenderTarget(imageIndex int) gpu.RenderTarget {
	return s.targets[imageIndex]
}

func (s *Swapchain) Extent() core1_0.Extent2D { return s.extent }

func (s *Swapchain) ImageCount() int { return len(s.targets) }

// Recreate rebuilds the swapchain at a new extent. The caller has already
// drained all in-flight frames.
func (s *Swapchain) Recreate(extent core1_0.Extent2D) (common.VkResult, error) {
	s.destroyTargets()

	oldSwapchain := s.swapchain
	res, err := s.create(extent, oldSwapchain)
	if oldSwapchain != nil {
		oldSwapchain.Destroy(nil)
	}
	return res, err
}

func (s *Swapchain) destroyTargets() {
	for _, target := range s.targets {
		target.framebuffer.Destroy(nil)
	}
	s.targets = nil
	for _, view := range s.imageViews {
		view.Destroy(nil)
	}
	s.imageViews = nil

	if s.depthView != nil {
		s.depthView.Destroy(nil)
		s.depthImage.Destroy(nil)
		s.depthMemory.Free(nil)
		s.depthView = nil
		s.depthImage = nil
		s.depthMemory = nil
	}
}

func (s *Swapchain) Destroy() {
	s.destroyTargets()
	if s.swapchain != nil {
		s.swapchain.Destroy(nil)
		s.swapchain = nil
	}
}

var _ gpu.Swapchain = (*Swapchain)(nil)
