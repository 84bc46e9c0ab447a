// Package present drives the swapchain: acquiring an image at the top of the
// frame, presenting at the bottom, and rebuilding surface-sized state when
// the window changes underneath us.
package present

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/foundry/frames"
	"github.com/vkngwrapper/foundry/gpu"
)

const defaultAcquireTimeout = 5 * time.Second

// CreateOptions configures a new Presenter.
type CreateOptions struct {
	// AcquireTimeout bounds swapchain image acquisition. Exceeding it is
	// treated as device loss. Defaults to 5s.
	AcquireTimeout time.Duration
	// Logger will be used to log presentation activity. Defaults to slog.Default()
	Logger *slog.Logger
}

// Presenter owns swapchain interaction for the render loop.
type Presenter struct {
	logger         *slog.Logger
	swapchain      gpu.Swapchain
	ring           *frames.Ring
	acquireTimeout time.Duration

	// resizePending is set when acquire or present reports the surface
	// stale; the next Resize call services it
	resizePending bool
	pendingExtent core1_0.Extent2D

	resizeCount int
}

// CreatePresenter builds a Presenter over the provided swapchain and ring.
func CreatePresenter(swapchain gpu.Swapchain, ring *frames.Ring, options CreateOptions) *Presenter {
	if swapchain == nil {
		panic("attempted to create a presenter with a nil swapchain")
	}
	if ring == nil {
		panic("attempted to create a presenter with a nil frame ring")
	}
	if options.AcquireTimeout == 0 {
		options.AcquireTimeout = defaultAcquireTimeout
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return &Presenter{
		logger:         options.Logger,
		swapchain:      swapchain,
		ring:           ring,
		acquireTimeout: options.AcquireTimeout,
		pendingExtent:  swapchain.Extent(),
	}
}

// ResizePending reports whether a surface rebuild has been scheduled.
func (p *Presenter) ResizePending() bool { return p.resizePending }

// ResizeCount reports how many surface rebuilds have been performed.
func (p *Presenter) ResizeCount() int { return p.resizeCount }

// Extent reports the swapchain's current extent.
func (p *Presenter) Extent() core1_0.Extent2D { return p.swapchain.Extent() }

// Acquire obtains the next presentable image, signaling the context's
// acquire semaphore when it is ready. An out-of-date surface schedules a
// resize and returns ok=false - the caller rolls the frame back and resizes
// before trying again. A suboptimal surface still presents this frame but
// schedules a resize for afterward.
func (p *Presenter) Acquire(ctx *frames.FrameContext) (imageIndex int, ok bool, res common.VkResult, err error) {
	imageIndex, res, err = p.swapchain.AcquireNextImage(p.acquireTimeout, ctx.AcquireSemaphore)
	switch res {
	case khr_swapchain.VKErrorOutOfDate:
		p.logger.Debug("Presenter::Acquire surface out of date")
		p.scheduleResize()
		return 0, false, res, nil
	case core1_0.VKTimeout:
		return 0, false, core1_0.VKErrorDeviceLost, errors.Wrap(frames.DeviceLostError, "acquiring swapchain image")
	case core1_0.VKNotReady:
		// No image available yet; nothing is wrong with the surface, so the
		// caller retries without a resize
		return 0, false, res, nil
	case khr_swapchain.VKSuboptimal:
		p.scheduleResize()
		return imageIndex, true, res, nil
	}
	if err != nil {
		return 0, false, res, err
	}
	return imageIndex, true, res, nil
}

// Present queues the acquired image for presentation once the context's
// render semaphore signals. Out-of-date and suboptimal results are not
// errors; they schedule a resize and the frame is otherwise complete.
func (p *Presenter) Present(queue gpu.Queue, ctx *frames.FrameContext, imageIndex int) (common.VkResult, error) {
	res, err := p.swapchain.Present(queue, imageIndex, ctx.RenderSemaphore)
	switch res {
	case khr_swapchain.VKErrorOutOfDate, khr_swapchain.VKSuboptimal:
		p.logger.Debug("Presenter::Present surface stale", slog.String("Result", res.String()))
		p.scheduleResize()
		return res, nil
	}
	return res, err
}

// NotifyResize records a new surface extent from the windowing layer. The
// rebuild happens on the next Resize call, between frames.
func (p *Presenter) NotifyResize(extent core1_0.Extent2D) {
	if extent.Width < 1 || extent.Height < 1 {
		panic("attempted to resize to a degenerate extent")
	}
	p.pendingExtent = extent
	p.resizePending = true
}

func (p *Presenter) scheduleResize() {
	p.pendingExtent = p.swapchain.Extent()
	p.resizePending = true
}

// Resize services a pending surface rebuild: every in-flight frame is drained
// first, then the swapchain is recreated at the pending extent. Resizes are
// rare enough that the full stop-the-world drain is the right trade against
// per-frame tracking of surface-sized resources. No-op when no resize is
// pending.
func (p *Presenter) Resize() (common.VkResult, error) {
	if !p.resizePending {
		return core1_0.VKSuccess, nil
	}

	p.logger.Debug("Presenter::Resize",
		slog.Int("Width", p.pendingExtent.Width),
		slog.Int("Height", p.pendingExtent.Height),
	)

	res, err := p.ring.WaitAll()
	if err != nil {
		return res, err
	}

	res, err = p.swapchain.Recreate(p.pendingExtent)
	if err != nil {
		return res, errors.Wrap(err, "recreating swapchain")
	}

	p.resizePending = false
	p.resizeCount++
	return res, nil
}
