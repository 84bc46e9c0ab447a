// Package frames coordinates CPU command recording against a GPU executing
// several frames behind. A Ring owns N frame slots, each with its own fence,
// semaphore pair, command buffer, and transient uniform arena; exactly one
// slot records at a time and slots cycle modulo N.
package frames

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/foundry/allocator"
	"github.com/vkngwrapper/foundry/gpu"
	"github.com/vkngwrapper/foundry/pipeline"
)

// DeviceLostError is returned when a fence wait exceeds its hard bound. The
// render loop treats it as fatal - no partial-frame recovery is attempted.
var DeviceLostError error = errors.New("device lost: fence wait exceeded its timeout")

const (
	defaultFramesInFlight = 2
	defaultArenaSize      = 1024 * 1024
	defaultFenceTimeout   = 5 * time.Second
)

// SlotState tracks where a frame slot is in its lifecycle.
type SlotState int32

const (
	// SlotIdle means the slot's previous work is complete and it can begin
	// a new frame
	SlotIdle SlotState = iota
	// SlotRecording means the slot's command buffer is open
	SlotRecording
	// SlotSubmitted means the slot's work is on the GPU timeline and its
	// fence has not been confirmed signaled
	SlotSubmitted
)

var slotStateNames = map[SlotState]string{
	SlotIdle:      "Idle",
	SlotRecording: "Recording",
	SlotSubmitted: "Submitted",
}

func (s SlotState) String() string {
	return slotStateNames[s]
}

type frameSlot struct {
	state            SlotState
	fence            gpu.Fence
	acquireSemaphore gpu.Semaphore
	renderSemaphore  gpu.Semaphore
	commandBuffer    gpu.CommandBuffer
	arena            *Arena

	// pipeline objects retained by the cycle currently on the GPU,
	// released after the fence wait on the slot's next BeginFrame
	retained []*pipeline.Object
}

// FrameContext is the explicit per-frame state threaded through the
// recording call chain. There is no ambient frame state anywhere in the
// engine - everything a recorder needs rides here.
type FrameContext struct {
	ring      *Ring
	slotIndex int

	// FrameIndex is the global frame counter value for this frame
	FrameIndex uint64

	CommandBuffer    gpu.CommandBuffer
	Arena            *Arena
	AcquireSemaphore gpu.Semaphore
	RenderSemaphore  gpu.Semaphore
}

// RetainPipeline records that this frame draws with the provided object,
// keeping it alive until the slot's fence confirms the GPU is done with it.
func (c *FrameContext) RetainPipeline(object *pipeline.Object) {
	object.Retain()
	slot := &c.ring.slots[c.slotIndex]
	slot.retained = append(slot.retained, object)
}

// CreateOptions configures a new Ring.
type CreateOptions struct {
	// FramesInFlight is the ring depth N. Defaults to 2.
	FramesInFlight int
	// ArenaSize is the byte size of each slot's uniform arena. Defaults to 1MB.
	ArenaSize int
	// FenceTimeout bounds every fence wait; exceeding it is treated as
	// device loss. Defaults to 5s.
	FenceTimeout time.Duration
	// Logger will be used to log ring activity. Defaults to slog.Default()
	Logger *slog.Logger
}

// Ring is the frame ring.
type Ring struct {
	logger       *slog.Logger
	device       gpu.Device
	alloc        *allocator.Allocator
	fenceTimeout time.Duration

	slots   []frameSlot
	current int

	frameCounter uint64

	frameStart    time.Duration
	lastFrameTime time.Duration
}

// CreateRing builds a Ring with one slot per frame in flight. Fences start
// unsignaled; a slot's fence is only waited once the slot has been submitted.
func CreateRing(device gpu.Device, alloc *allocator.Allocator, options CreateOptions) (*Ring, common.VkResult, error) {
	if device == nil {
		panic("attempted to create a frame ring with a nil device")
	}
	if alloc == nil {
		panic("attempted to create a frame ring with a nil allocator")
	}
	if options.FramesInFlight == 0 {
		options.FramesInFlight = defaultFramesInFlight
	}
	if options.FramesInFlight < 1 {
		panic("attempted to create a frame ring with a negative depth")
	}
	if options.ArenaSize == 0 {
		options.ArenaSize = defaultArenaSize
	}
	if options.FenceTimeout == 0 {
		options.FenceTimeout = defaultFenceTimeout
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	ring := &Ring{
		logger:       options.Logger,
		device:       device,
		alloc:        alloc,
		fenceTimeout: options.FenceTimeout,
		slots:        make([]frameSlot, options.FramesInFlight),
	}

	for i := range ring.slots {
		slot := &ring.slots[i]

		fence, res, err := device.CreateFence(false)
		if err != nil {
			return nil, res, errors.Wrapf(err, "creating fence for frame slot %d", i)
		}
		slot.fence = fence

		slot.acquireSemaphore, res, err = device.CreateSemaphore()
		if err != nil {
			return nil, res, errors.Wrapf(err, "creating acquire semaphore for frame slot %d", i)
		}
		slot.renderSemaphore, res, err = device.CreateSemaphore()
		if err != nil {
			return nil, res, errors.Wrapf(err, "creating render semaphore for frame slot %d", i)
		}

		slot.commandBuffer, res, err = device.CreateCommandBuffer()
		if err != nil {
			return nil, res, errors.Wrapf(err, "creating command buffer for frame slot %d", i)
		}

		slot.arena, err = newArena(alloc, options.ArenaSize)
		if err != nil {
			return nil, core1_0.VKErrorOutOfDeviceMemory, err
		}
	}

	return ring, core1_0.VKSuccess, nil
}

// FramesInFlight reports the ring depth N.
func (r *Ring) FramesInFlight() int { return len(r.slots) }

// FrameCounter reports the global frame counter: the index the next frame to
// begin will carry.
func (r *Ring) FrameCounter() uint64 { return r.frameCounter }

// CompletedFrame reports the highest frame index whose GPU work is certainly
// complete, and true when at least one frame has completed.
func (r *Ring) CompletedFrame() (uint64, bool) {
	depth := uint64(len(r.slots))
	if r.frameCounter < depth {
		return 0, false
	}
	return r.frameCounter - depth, true
}

// LastFrameTime reports the CPU time of the most recently submitted frame.
func (r *Ring) LastFrameTime() time.Duration { return r.lastFrameTime }

// BeginFrame selects the next slot, blocks until its previous work has
// retired, resets its command buffer and arena, and opens recording. This is
// the loop's one intentional blocking point: it bounds how far the CPU can
// run ahead of the GPU at N frames. A fence wait past the configured timeout
// returns DeviceLostError.
func (r *Ring) BeginFrame() (*FrameContext, common.VkResult, error) {
	slot := &r.slots[r.current]
	if slot.state == SlotRecording {
		panic("BeginFrame called while a frame is still recording")
	}

	r.logger.Debug("Ring::BeginFrame",
		slog.Uint64("Frame", r.frameCounter),
		slog.Int("Slot", r.current),
	)

	if slot.state == SlotSubmitted {
		res, err := slot.fence.Wait(r.fenceTimeout)
		if err != nil {
			return nil, res, err
		}
		if res == core1_0.VKTimeout {
			return nil, core1_0.VKErrorDeviceLost, errors.Wrapf(DeviceLostError, "frame slot %d", r.current)
		}
		err = slot.fence.Reset()
		if err != nil {
			return nil, core1_0.VKErrorUnknown, err
		}
		slot.state = SlotIdle
	}

	r.releaseRetained(slot)
	slot.arena.Reset()
	err := slot.commandBuffer.Reset()
	if err != nil {
		return nil, core1_0.VKErrorUnknown, err
	}
	res, err := slot.commandBuffer.Begin()
	if err != nil {
		return nil, res, err
	}

	slot.state = SlotRecording
	r.frameStart = hrtime.Now()

	return &FrameContext{
		ring:             r,
		slotIndex:        r.current,
		FrameIndex:       r.frameCounter,
		CommandBuffer:    slot.commandBuffer,
		Arena:            slot.arena,
		AcquireSemaphore: slot.acquireSemaphore,
		RenderSemaphore:  slot.renderSemaphore,
	}, core1_0.VKSuccess, nil
}

// EndFrame closes the context's command buffer and submits it, waiting on
// the slot's acquire semaphore and signaling its render semaphore and fence.
// The ring then advances to the next slot.
func (r *Ring) EndFrame(ctx *FrameContext, queue gpu.Queue) (common.VkResult, error) {
	slot := r.contextSlot(ctx)
	if slot.state != SlotRecording {
		panic("EndFrame called on a frame that is not recording")
	}

	res, err := slot.commandBuffer.End()
	if err != nil {
		return res, err
	}

	res, err = queue.Submit(gpu.SubmitInfo{
		CommandBuffer:    slot.commandBuffer,
		WaitSemaphores:   []gpu.Semaphore{slot.acquireSemaphore},
		SignalSemaphores: []gpu.Semaphore{slot.renderSemaphore},
		SignalFence:      slot.fence,
	})
	if err != nil {
		return res, err
	}

	slot.state = SlotSubmitted
	r.frameCounter++
	r.current = (r.current + 1) % len(r.slots)
	r.lastFrameTime = hrtime.Now() - r.frameStart

	return res, nil
}

// Rollback returns a recording slot to Idle without submitting. The whole
// frame is dropped; this is the startup/error path, never a mid-frame
// cancellation.
func (r *Ring) Rollback(ctx *FrameContext) {
	slot := r.contextSlot(ctx)
	if slot.state != SlotRecording {
		panic("Rollback called on a frame that is not recording")
	}

	r.logger.Debug("Ring::Rollback", slog.Uint64("Frame", ctx.FrameIndex))

	r.releaseRetained(slot)
	slot.arena.Reset()
	err := slot.commandBuffer.Reset()
	if err != nil {
		r.logger.Error("error resetting command buffer during rollback", slog.Any("error", err))
	}
	slot.state = SlotIdle
}

func (r *Ring) contextSlot(ctx *FrameContext) *frameSlot {
	if ctx == nil {
		panic("nil frame context")
	}
	if ctx.ring != r {
		panic("frame context belongs to a different ring")
	}
	return &r.slots[ctx.slotIndex]
}

func (r *Ring) releaseRetained(slot *frameSlot) {
	for _, object := range slot.retained {
		object.Release()
	}
	slot.retained = nil
}

// WaitAll blocks until every slot reports Idle: the stop-the-world barrier
// used before surface-sized resources are recreated on resize, and on
// shutdown. Resizes are rare, so coarse-grained correctness beats
// fine-grained migration here.
func (r *Ring) WaitAll() (common.VkResult, error) {
	r.logger.Debug("Ring::WaitAll")

	for i := range r.slots {
		slot := &r.slots[i]
		if slot.state == SlotRecording {
			panic("WaitAll called while a frame is recording")
		}
		if slot.state != SlotSubmitted {
			continue
		}

		res, err := slot.fence.Wait(r.fenceTimeout)
		if err != nil {
			return res, err
		}
		if res == core1_0.VKTimeout {
			return core1_0.VKErrorDeviceLost, errors.Wrapf(DeviceLostError, "frame slot %d", i)
		}
		err = slot.fence.Reset()
		if err != nil {
			return core1_0.VKErrorUnknown, err
		}
		slot.state = SlotIdle
		r.releaseRetained(slot)
	}

	return core1_0.VKSuccess, nil
}

// SlotStates reports each slot's current state, for the debug surface.
func (r *Ring) SlotStates() []SlotState {
	states := make([]SlotState, len(r.slots))
	for i := range r.slots {
		states[i] = r.slots[i].state
	}
	return states
}

// Destroy drains the ring and releases every slot's resources.
func (r *Ring) Destroy() error {
	_, err := r.WaitAll()
	if err != nil {
		return err
	}

	for i := range r.slots {
		slot := &r.slots[i]
		slot.arena.destroy(r.alloc)
		slot.fence.Destroy()
		slot.acquireSemaphore.Destroy()
		slot.renderSemaphore.Destroy()
	}
	r.slots = nil

	return nil
}
