package frames_test

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/vkngwrapper/foundry/allocator"
	"github.com/vkngwrapper/foundry/frames"
	"github.com/vkngwrapper/foundry/gpu"
	"github.com/vkngwrapper/foundry/gpu/mocks"
	"github.com/vkngwrapper/foundry/pipeline"
)

func createRing(t *testing.T, device *mocks.DummyDevice, options frames.CreateOptions) *frames.Ring {
	t.Helper()
	alloc := allocator.CreateAllocator(device, allocator.CreateOptions{})
	ring, res, err := frames.CreateRing(device, alloc, options)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	return ring
}

func TestRingCyclesSlots(t *testing.T) {
	device := mocks.NewDummyDevice()
	ring := createRing(t, device, frames.CreateOptions{FramesInFlight: 2})
	queue := device.Queue()

	for i := uint64(0); i < 6; i++ {
		ctx, _, err := ring.BeginFrame()
		require.NoError(t, err)
		require.Equal(t, i, ctx.FrameIndex)

		_, err = ring.EndFrame(ctx, queue)
		require.NoError(t, err)
	}

	require.Equal(t, uint64(6), ring.FrameCounter())
	require.Equal(t, 6, queue.SubmitCount)

	completed, ok := ring.CompletedFrame()
	require.True(t, ok)
	require.Equal(t, uint64(4), completed)
}

func TestCompletedFrameBeforeFirstCompletion(t *testing.T) {
	device := mocks.NewDummyDevice()
	ring := createRing(t, device, frames.CreateOptions{FramesInFlight: 2})

	_, ok := ring.CompletedFrame()
	require.False(t, ok)

	ctx, _, err := ring.BeginFrame()
	require.NoError(t, err)
	_, err = ring.EndFrame(ctx, device.Queue())
	require.NoError(t, err)

	_, ok = ring.CompletedFrame()
	require.False(t, ok)
}

func TestBeginFrameBlocksOnStalledGpu(t *testing.T) {
	device := mocks.NewDummyDevice()
	device.Queue().AutoSignal = false
	ring := createRing(t, device, frames.CreateOptions{
		FramesInFlight: 2,
		FenceTimeout:   50 * time.Millisecond,
	})
	queue := device.Queue()

	for i := 0; i < 2; i++ {
		ctx, _, err := ring.BeginFrame()
		require.NoError(t, err)
		_, err = ring.EndFrame(ctx, queue)
		require.NoError(t, err)
	}
	require.Equal(t, 2, queue.PendingCount())

	// Both slots are on the stalled GPU; the next BeginFrame times out and
	// reports device loss
	_, res, err := ring.BeginFrame()
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorDeviceLost, res)
	require.True(t, errors.Is(err, frames.DeviceLostError))

	// Stepping the GPU forward one submission unblocks the slot
	require.True(t, queue.CompleteOldest())
	ctx, _, err := ring.BeginFrame()
	require.NoError(t, err)
	ring.Rollback(ctx)
}

func TestRollbackReturnsSlotToIdle(t *testing.T) {
	device := mocks.NewDummyDevice()
	ring := createRing(t, device, frames.CreateOptions{FramesInFlight: 2})

	ctx, _, err := ring.BeginFrame()
	require.NoError(t, err)
	ring.Rollback(ctx)

	require.Equal(t, uint64(0), ring.FrameCounter())
	require.Equal(t, []frames.SlotState{frames.SlotIdle, frames.SlotIdle}, ring.SlotStates())

	// The same slot begins the same frame index again
	ctx, _, err = ring.BeginFrame()
	require.NoError(t, err)
	require.Equal(t, uint64(0), ctx.FrameIndex)
	ring.Rollback(ctx)
}

func TestArenaResetsBetweenCycles(t *testing.T) {
	device := mocks.NewDummyDevice()
	ring := createRing(t, device, frames.CreateOptions{FramesInFlight: 2})
	queue := device.Queue()

	ctx, _, err := ring.BeginFrame()
	require.NoError(t, err)
	_, err = ctx.Arena.Push(make([]byte, 100))
	require.NoError(t, err)
	require.Equal(t, 100, ctx.Arena.Used())
	_, err = ring.EndFrame(ctx, queue)
	require.NoError(t, err)

	ctx, _, err = ring.BeginFrame()
	require.NoError(t, err)
	_, err = ring.EndFrame(ctx, queue)
	require.NoError(t, err)

	// Back to the first slot: its arena starts the cycle empty
	ctx, _, err = ring.BeginFrame()
	require.NoError(t, err)
	require.Equal(t, 0, ctx.Arena.Used())
	ring.Rollback(ctx)
}

func TestRetainedPipelinesReleaseAfterCompletion(t *testing.T) {
	device := mocks.NewDummyDevice()
	ring := createRing(t, device, frames.CreateOptions{FramesInFlight: 2})
	queue := device.Queue()
	cache := pipeline.CreateCache(device, pipeline.CreateOptions{})

	state := gpu.PipelineState{
		Vertex:   gpu.ShaderStage{Name: "mesh.vert"},
		Fragment: gpu.ShaderStage{Name: "mesh.frag"},
	}
	object, _, err := cache.GetOrBuild(state)
	require.NoError(t, err)

	ctx, _, err := ring.BeginFrame()
	require.NoError(t, err)
	ctx.RetainPipeline(object)
	_, err = ring.EndFrame(ctx, queue)
	require.NoError(t, err)

	// Dropping the cache's own reference leaves the frame's retain as the
	// only thing keeping the pipeline alive
	cache.InvalidateAll()
	devicePipeline := object.Pipeline().(*mocks.DummyPipeline)
	require.False(t, devicePipeline.Destroyed)

	// Cycling back through the slot releases the retain and destroys it
	for i := 0; i < 2; i++ {
		next, _, err := ring.BeginFrame()
		require.NoError(t, err)
		_, err = ring.EndFrame(next, queue)
		require.NoError(t, err)
	}
	require.True(t, devicePipeline.Destroyed)
}

func TestWaitAllDrainsEverySlot(t *testing.T) {
	device := mocks.NewDummyDevice()
	ring := createRing(t, device, frames.CreateOptions{FramesInFlight: 3})
	queue := device.Queue()

	for i := 0; i < 3; i++ {
		ctx, _, err := ring.BeginFrame()
		require.NoError(t, err)
		_, err = ring.EndFrame(ctx, queue)
		require.NoError(t, err)
	}

	_, err := ring.WaitAll()
	require.NoError(t, err)
	require.Equal(t, []frames.SlotState{frames.SlotIdle, frames.SlotIdle, frames.SlotIdle}, ring.SlotStates())
}

func TestInvalidTransitionsPanic(t *testing.T) {
	device := mocks.NewDummyDevice()
	ring := createRing(t, device, frames.CreateOptions{FramesInFlight: 2})

	ctx, _, err := ring.BeginFrame()
	require.NoError(t, err)

	require.Panics(t, func() {
		_, _, _ = ring.BeginFrame()
	})
	require.Panics(t, func() {
		_, _ = ring.WaitAll()
	})

	ring.Rollback(ctx)
	require.Panics(t, func() {
		ring.Rollback(ctx)
	})
	require.Panics(t, func() {
		_, _ = ring.EndFrame(ctx, device.Queue())
	})
}

func TestRingDestroyReleasesResources(t *testing.T) {
	device := mocks.NewDummyDevice()
	alloc := allocator.CreateAllocator(device, allocator.CreateOptions{})
	ring, _, err := frames.CreateRing(device, alloc, frames.CreateOptions{FramesInFlight: 2})
	require.NoError(t, err)

	ctx, _, err := ring.BeginFrame()
	require.NoError(t, err)
	_, err = ring.EndFrame(ctx, device.Queue())
	require.NoError(t, err)

	require.NoError(t, ring.Destroy())
	// The arenas were the ring's only allocations
	require.NoError(t, alloc.Destroy())
}
