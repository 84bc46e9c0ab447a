package record_test

import (
	"fmt"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/foundry/allocator"
	"github.com/vkngwrapper/foundry/bindless"
	"github.com/vkngwrapper/foundry/frames"
	"github.com/vkngwrapper/foundry/gpu"
	"github.com/vkngwrapper/foundry/gpu/mocks"
	"github.com/vkngwrapper/foundry/pipeline"
	"github.com/vkngwrapper/foundry/record"
)

type recorderFixture struct {
	device   *mocks.DummyDevice
	alloc    *allocator.Allocator
	heap     *bindless.Heap
	cache    *pipeline.Cache
	recorder *record.Recorder
	ring     *frames.Ring

	vertex   record.Handle
	index    record.Handle
	material record.Handle
}

func setupRecorder(t *testing.T) *recorderFixture {
	t.Helper()

	device := mocks.NewDummyDevice()
	alloc := allocator.CreateAllocator(device, allocator.CreateOptions{})

	table, _, err := device.CreateDescriptorTable(16)
	require.NoError(t, err)

	heap := bindless.CreateHeap(bindless.CreateOptions{
		Capacity:       16,
		FramesInFlight: 2,
		Table:          table,
	})
	cache := pipeline.CreateCache(device, pipeline.CreateOptions{})
	recorder := record.CreateRecorder(heap, cache, table, record.CreateOptions{})

	ring, _, err := frames.CreateRing(device, alloc, frames.CreateOptions{FramesInFlight: 2})
	require.NoError(t, err)

	fixture := &recorderFixture{
		device:   device,
		alloc:    alloc,
		heap:     heap,
		cache:    cache,
		recorder: recorder,
		ring:     ring,
	}

	fixture.vertex = fixture.registerBuffer(t, gpu.UsageVertex, 1024)
	fixture.index = fixture.registerBuffer(t, gpu.UsageIndex, 1024)
	fixture.material = fixture.registerBuffer(t, gpu.UsageStorage, 256)
	return fixture
}

func (f *recorderFixture) registerBuffer(t *testing.T, class gpu.UsageClass, size int) record.Handle {
	t.Helper()
	buffer, _, err := f.alloc.Allocate(size, class)
	require.NoError(t, err)
	handle, _, err := f.heap.Register(bindless.View{Buffer: buffer})
	require.NoError(t, err)
	return handle
}

func (f *recorderFixture) draw(state gpu.PipelineState, indexCount int) record.Draw {
	return record.Draw{
		State:        state,
		VertexBuffer: f.vertex,
		IndexBuffer:  f.index,
		Material:     f.material,
		Transform:    mgl32.Ident4(),
		IndexCount:   indexCount,
	}
}

func drawState(vertexName string) gpu.PipelineState {
	return gpu.PipelineState{
		Vertex:   gpu.ShaderStage{Name: vertexName},
		Fragment: gpu.ShaderStage{Name: "lit.frag"},
	}
}

func TestRecordGroupsDrawsByPipeline(t *testing.T) {
	fixture := setupRecorder(t)
	ctx, _, err := fixture.ring.BeginFrame()
	require.NoError(t, err)

	stateA := drawState("mesh.vert")
	stateB := drawState("skinned.vert")

	var stats record.Statistics
	_, err = fixture.recorder.Record(ctx, []record.Draw{
		fixture.draw(stateA, 3),
		fixture.draw(stateB, 6),
		fixture.draw(stateA, 9),
	}, &stats)
	require.NoError(t, err)

	require.Equal(t, 3, stats.DrawsRecorded)
	require.Equal(t, 2, stats.PipelineBinds)
	require.Equal(t, 0, stats.DrawsSkipped)

	cmd := ctx.CommandBuffer.(*mocks.DummyCommandBuffer)
	require.Equal(t, 1, cmd.CountOps("bindTable"))
	require.Equal(t, 2, cmd.CountOps("bindPipeline"))
	require.Equal(t, 3, cmd.CountOps("drawIndexed"))
	require.Equal(t, 3, cmd.CountOps(fmt.Sprintf("pushConstants offset=0 size=%d", record.PushConstantSize)))

	// Two cache entries total, built once each
	require.Equal(t, 2, fixture.cache.Len())

	fixture.ring.Rollback(ctx)
}

func TestRecordIsStableWithinPipeline(t *testing.T) {
	fixture := setupRecorder(t)
	ctx, _, err := fixture.ring.BeginFrame()
	require.NoError(t, err)

	state := drawState("mesh.vert")
	_, err = fixture.recorder.Record(ctx, []record.Draw{
		fixture.draw(state, 10),
		fixture.draw(state, 20),
		fixture.draw(state, 30),
	}, nil)
	require.NoError(t, err)

	cmd := ctx.CommandBuffer.(*mocks.DummyCommandBuffer)
	var drawOps []string
	for _, op := range cmd.Ops {
		if len(op) > 11 && op[:11] == "drawIndexed" {
			drawOps = append(drawOps, op)
		}
	}
	require.Equal(t, []string{
		fmt.Sprintf("drawIndexed count=%d first=0", 10),
		fmt.Sprintf("drawIndexed count=%d first=0", 20),
		fmt.Sprintf("drawIndexed count=%d first=0", 30),
	}, drawOps)

	fixture.ring.Rollback(ctx)
}

func TestStaleGeometryHandleSkipsDraw(t *testing.T) {
	fixture := setupRecorder(t)
	ctx, _, err := fixture.ring.BeginFrame()
	require.NoError(t, err)

	bad := fixture.draw(drawState("mesh.vert"), 3)
	bad.VertexBuffer = record.Handle{Index: bad.VertexBuffer.Index, Generation: 99}

	var stats record.Statistics
	_, err = fixture.recorder.Record(ctx, []record.Draw{
		bad,
		fixture.draw(drawState("mesh.vert"), 6),
	}, &stats)
	require.NoError(t, err)

	require.Equal(t, 1, stats.DrawsSkipped)
	require.Equal(t, 1, stats.DrawsRecorded)

	cmd := ctx.CommandBuffer.(*mocks.DummyCommandBuffer)
	require.Equal(t, 1, cmd.CountOps("drawIndexed"))

	fixture.ring.Rollback(ctx)
}

func TestStaleMaterialFallsBackInsteadOfSkipping(t *testing.T) {
	fixture := setupRecorder(t)
	ctx, _, err := fixture.ring.BeginFrame()
	require.NoError(t, err)

	bad := fixture.draw(drawState("mesh.vert"), 3)
	bad.Material = record.Handle{Index: bad.Material.Index, Generation: 99}

	var stats record.Statistics
	_, err = fixture.recorder.Record(ctx, []record.Draw{bad}, &stats)
	require.NoError(t, err)

	require.Equal(t, 1, stats.DrawsRecorded)
	require.Equal(t, 1, stats.StaleMaterials)
	require.Equal(t, 0, stats.DrawsSkipped)

	fixture.ring.Rollback(ctx)
}

func TestRecordedPipelinesStayAliveUntilFrameCompletes(t *testing.T) {
	fixture := setupRecorder(t)
	ctx, _, err := fixture.ring.BeginFrame()
	require.NoError(t, err)

	state := drawState("mesh.vert")
	_, err = fixture.recorder.Record(ctx, []record.Draw{fixture.draw(state, 3)}, nil)
	require.NoError(t, err)

	object, _, err := fixture.cache.GetOrBuild(state)
	require.NoError(t, err)

	// The frame holds a reference, so invalidating the cache cannot destroy
	// the pipeline out from under it
	fixture.cache.InvalidateAll()
	require.False(t, object.Pipeline().(*mocks.DummyPipeline).Destroyed)

	_, err = fixture.ring.EndFrame(ctx, fixture.device.Queue())
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		next, _, err := fixture.ring.BeginFrame()
		require.NoError(t, err)
		_, err = fixture.ring.EndFrame(next, fixture.device.Queue())
		require.NoError(t, err)
	}
	require.True(t, object.Pipeline().(*mocks.DummyPipeline).Destroyed)
}

func TestRecordNothing(t *testing.T) {
	fixture := setupRecorder(t)
	ctx, _, err := fixture.ring.BeginFrame()
	require.NoError(t, err)

	var stats record.Statistics
	_, err = fixture.recorder.Record(ctx, nil, &stats)
	require.NoError(t, err)
	require.Equal(t, record.Statistics{}, stats)

	cmd := ctx.CommandBuffer.(*mocks.DummyCommandBuffer)
	require.Equal(t, 0, cmd.CountOps("bindTable"))

	fixture.ring.Rollback(ctx)
}
