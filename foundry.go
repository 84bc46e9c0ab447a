// Package foundry is a real-time rendering core: device memory pooling,
// bindless resource registration with generation-checked handles, a
// frames-in-flight ring, a memoizing pipeline cache, sorted command
// recording, and swapchain presentation, assembled behind one Engine facade.
//
// The Engine runs against any gpu.Device; internal/vulkan provides the
// production implementation and gpu/mocks a host-only one for tests.
package foundry

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/foundry/allocator"
	"github.com/vkngwrapper/foundry/bindless"
	"github.com/vkngwrapper/foundry/frames"
	"github.com/vkngwrapper/foundry/gpu"
	"github.com/vkngwrapper/foundry/pipeline"
	"github.com/vkngwrapper/foundry/present"
	"github.com/vkngwrapper/foundry/record"
)

const defaultHeapCapacity = 1024

// CreateOptions configures a new Engine.
type CreateOptions struct {
	// FramesInFlight is the frame ring depth. Defaults to 2.
	FramesInFlight int
	// HeapCapacity is the bindless heap slot count. Defaults to 1024.
	HeapCapacity int
	// GrowableHeap doubles the heap instead of failing registration when it
	// fills. Only usable when the descriptor table has headroom.
	GrowableHeap bool
	// ArenaSize is the per-frame transient uniform arena size in bytes
	ArenaSize int
	// BlockSize is the allocator's pool block size in bytes
	BlockSize int
	// FenceTimeout bounds every fence wait; exceeding it is device loss
	FenceTimeout time.Duration
	// SharedAccess must be set when the engine will be used from more than
	// one goroutine
	SharedAccess bool
	// Logger will be used to log engine activity. Defaults to slog.Default()
	Logger *slog.Logger
}

// Engine owns the full frame lifecycle. The intended loop is:
//
//	frame, _, err := engine.BeginFrame()
//	frame.Submit(draws...)
//	_, err = engine.EndFrame(frame)
type Engine struct {
	logger    *slog.Logger
	device    gpu.Device
	swapchain gpu.Swapchain

	alloc     *allocator.Allocator
	table     gpu.DescriptorTable
	heap      *bindless.Heap
	cache     *pipeline.Cache
	ring      *frames.Ring
	recorder  *record.Recorder
	presenter *present.Presenter

	// uploadCmd is the one transfer command buffer every synchronous upload
	// records into. Pools have no per-buffer free path, so creating one per
	// upload would hold pool memory until device teardown.
	uploadCmd gpu.CommandBuffer

	fenceTimeout time.Duration
	counters     Counters
}

// Frame is one frame being built between BeginFrame and EndFrame.
type Frame struct {
	ctx        *frames.FrameContext
	imageIndex int
	draws      []record.Draw
}

// Index reports the global frame counter value for this frame.
func (f *Frame) Index() uint64 { return f.ctx.FrameIndex }

// Arena exposes the frame's transient uniform arena.
func (f *Frame) Arena() *frames.Arena { return f.ctx.Arena }

// Submit queues draws for recording at EndFrame. Order within a pipeline is
// preserved; draws across pipelines are grouped by the recorder.
func (f *Frame) Submit(draws ...record.Draw) {
	f.draws = append(f.draws, draws...)
}

// CreateEngine assembles an Engine over the provided device and swapchain.
func CreateEngine(device gpu.Device, swapchain gpu.Swapchain, options CreateOptions) (*Engine, common.VkResult, error) {
	if device == nil {
		panic("attempted to create an engine with a nil device")
	}
	if swapchain == nil {
		panic("attempted to create an engine with a nil swapchain")
	}
	if options.FramesInFlight == 0 {
		options.FramesInFlight = 2
	}
	if options.HeapCapacity == 0 {
		options.HeapCapacity = defaultHeapCapacity
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	engine := &Engine{
		logger:       options.Logger,
		device:       device,
		swapchain:    swapchain,
		fenceTimeout: options.FenceTimeout,
	}

	engine.alloc = allocator.CreateAllocator(device, allocator.CreateOptions{
		BlockSize:    options.BlockSize,
		SharedAccess: options.SharedAccess,
		Logger:       options.Logger,
	})

	table, res, err := device.CreateDescriptorTable(options.HeapCapacity)
	if err != nil {
		return nil, res, errors.Wrap(err, "creating bindless descriptor table")
	}
	engine.table = table

	engine.heap = bindless.CreateHeap(bindless.CreateOptions{
		Capacity:         options.HeapCapacity,
		FramesInFlight:   options.FramesInFlight,
		GrowableCapacity: options.GrowableHeap,
		Table:            table,
		OnRelease:        engine.releaseView,
		SharedAccess:     options.SharedAccess,
		Logger:           options.Logger,
	})

	engine.cache = pipeline.CreateCache(device, pipeline.CreateOptions{
		SharedAccess: options.SharedAccess,
		Logger:       options.Logger,
	})

	engine.ring, res, err = frames.CreateRing(device, engine.alloc, frames.CreateOptions{
		FramesInFlight: options.FramesInFlight,
		ArenaSize:      options.ArenaSize,
		FenceTimeout:   options.FenceTimeout,
		Logger:         options.Logger,
	})
	if err != nil {
		return nil, res, errors.Wrap(err, "creating frame ring")
	}

	engine.recorder = record.CreateRecorder(engine.heap, engine.cache, table, record.CreateOptions{
		Logger: options.Logger,
	})

	engine.presenter = present.CreatePresenter(swapchain, engine.ring, present.CreateOptions{
		AcquireTimeout: options.FenceTimeout,
		Logger:         options.Logger,
	})

	return engine, core1_0.VKSuccess, nil
}

// releaseView frees the underlying allocation once the retirement protocol
// has proven no in-flight frame references it.
func (e *Engine) releaseView(view bindless.View) {
	if view.Kind() == bindless.ViewImage {
		e.alloc.FreeImage(view.Image)
		return
	}
	e.alloc.Free(view.Buffer)
}

// BeginFrame services any pending surface resize, opens the next frame slot,
// and acquires a swapchain image. An out-of-date surface during acquisition
// triggers an immediate resize and a single retry.
func (e *Engine) BeginFrame() (*Frame, common.VkResult, error) {
	res, err := e.presenter.Resize()
	if err != nil {
		return nil, res, err
	}

	for attempt := 0; ; attempt++ {
		ctx, res, err := e.ring.BeginFrame()
		if err != nil {
			return nil, res, err
		}

		imageIndex, ok, res, err := e.presenter.Acquire(ctx)
		if err != nil {
			e.ring.Rollback(ctx)
			return nil, res, err
		}
		if ok {
			ctx.CommandBuffer.BeginRenderPass(e.swapchain.RenderTarget(imageIndex))
			return &Frame{ctx: ctx, imageIndex: imageIndex}, core1_0.VKSuccess, nil
		}

		e.ring.Rollback(ctx)
		if attempt > 0 {
			return nil, res, errors.New("swapchain image acquisition failed after resize")
		}
		res, err = e.presenter.Resize()
		if err != nil {
			return nil, res, err
		}
	}
}

// EndFrame records the frame's draws, submits, presents, and drains resource
// retirements that the newly-completed frame unblocks.
func (e *Engine) EndFrame(frame *Frame) (common.VkResult, error) {
	var recordStats record.Statistics
	res, err := e.recorder.Record(frame.ctx, frame.draws, &recordStats)
	if err != nil {
		frame.ctx.CommandBuffer.EndRenderPass()
		e.ring.Rollback(frame.ctx)
		return res, errors.Wrap(err, "recording frame")
	}
	frame.ctx.CommandBuffer.EndRenderPass()

	queue := e.device.GraphicsQueue()
	res, err = e.ring.EndFrame(frame.ctx, queue)
	if err != nil {
		return res, err
	}

	res, err = e.presenter.Present(queue, frame.ctx, frame.imageIndex)
	if err != nil {
		return res, err
	}

	if completed, ok := e.ring.CompletedFrame(); ok {
		e.heap.DrainRetirements(completed)
	}

	e.counters.FramesSubmitted++
	e.counters.addRecordStats(&recordStats)
	return res, nil
}

// RegisterBuffer places a buffer allocation in the bindless heap. The heap
// owns the allocation from here: it is freed by the retirement protocol
// after Unregister.
func (e *Engine) RegisterBuffer(buffer *allocator.GpuBuffer) (record.Handle, common.VkResult, error) {
	return e.heap.Register(bindless.View{Buffer: buffer})
}

// RegisterImage places an image allocation in the bindless heap.
func (e *Engine) RegisterImage(image *allocator.GpuImage) (record.Handle, common.VkResult, error) {
	return e.heap.Register(bindless.View{Image: image})
}

// Unregister retires a handle at the current frame. The slot and its
// allocation are reclaimed once every in-flight frame has completed.
func (e *Engine) Unregister(handle record.Handle) error {
	return e.heap.Unregister(handle, e.ring.FrameCounter())
}

// PrewarmPipelines builds the provided pipeline states up front.
func (e *Engine) PrewarmPipelines(states []gpu.PipelineState) (common.VkResult, error) {
	return e.cache.Prewarm(states)
}

// RebuildPipeline replaces one cached pipeline, the shader hot-reload path.
// In-flight frames keep drawing with the old pipeline until they complete.
func (e *Engine) RebuildPipeline(state gpu.PipelineState) (bool, common.VkResult, error) {
	return e.cache.Rebuild(state)
}

// InvalidatePipelines drops every cached pipeline, forcing rebuilds on next
// use. Returns the number of entries dropped.
func (e *Engine) InvalidatePipelines() int {
	return e.cache.InvalidateAll()
}

// NotifyResize schedules a surface rebuild at the new extent. The rebuild
// runs at the top of the next BeginFrame, after all in-flight frames drain.
func (e *Engine) NotifyResize(extent core1_0.Extent2D) {
	e.presenter.NotifyResize(extent)
}

// Allocator exposes the engine's memory allocator for direct allocation.
func (e *Engine) Allocator() *allocator.Allocator { return e.alloc }

// Shutdown drains all in-flight work and tears the engine down. Returns an
// error if registered resources were never unregistered.
func (e *Engine) Shutdown() error {
	_, err := e.ring.WaitAll()
	if err != nil {
		return err
	}
	_, err = e.device.WaitIdle()
	if err != nil {
		return err
	}

	// Every submitted frame is complete now, so all pending retirements are
	// eligible
	e.heap.DrainRetirements(e.ring.FrameCounter() + uint64(e.ring.FramesInFlight()))

	if occupancy := e.heap.Occupancy(); occupancy > 0 {
		return errors.Newf("engine shut down with %d resources still registered", occupancy)
	}

	e.cache.Destroy()
	err = e.ring.Destroy()
	if err != nil {
		return err
	}
	e.table.Destroy()
	return e.alloc.Destroy()
}
