package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/foundry/gpu"
	"github.com/vkngwrapper/foundry/gpu/mocks"
	"github.com/vkngwrapper/foundry/pipeline"
)

func meshState(vertexName string) gpu.PipelineState {
	return gpu.PipelineState{
		Vertex:    gpu.ShaderStage{Name: vertexName, SPIRVHash: 1},
		Fragment:  gpu.ShaderStage{Name: "mesh.frag", SPIRVHash: 2},
		Blend:     gpu.BlendNone,
		DepthTest: true,
		Layout: gpu.VertexLayout{
			Stride:         32,
			AttributeCount: 1,
		},
	}
}

func TestGetOrBuildIsIdempotent(t *testing.T) {
	device := mocks.NewDummyDevice()
	cache := pipeline.CreateCache(device, pipeline.CreateOptions{})

	state := meshState("mesh.vert")
	first, _, err := cache.GetOrBuild(state)
	require.NoError(t, err)

	second, _, err := cache.GetOrBuild(state)
	require.NoError(t, err)
	require.Same(t, first, second)

	require.Equal(t, 1, cache.Len())
	require.Equal(t, 1, cache.BuildCount())
	require.Equal(t, 1, device.PipelinesBuilt)
}

func TestDistinctStatesBuildDistinctPipelines(t *testing.T) {
	device := mocks.NewDummyDevice()
	cache := pipeline.CreateCache(device, pipeline.CreateOptions{})

	base := meshState("mesh.vert")
	blended := base
	blended.Blend = gpu.BlendAlpha
	rehashed := base
	rehashed.Vertex.SPIRVHash = 99

	_, _, err := cache.GetOrBuild(base)
	require.NoError(t, err)
	_, _, err = cache.GetOrBuild(blended)
	require.NoError(t, err)
	_, _, err = cache.GetOrBuild(rehashed)
	require.NoError(t, err)

	require.Equal(t, 3, cache.Len())
	require.Equal(t, 3, device.PipelinesBuilt)
}

func TestPrewarm(t *testing.T) {
	device := mocks.NewDummyDevice()
	cache := pipeline.CreateCache(device, pipeline.CreateOptions{})

	states := []gpu.PipelineState{
		meshState("mesh.vert"),
		meshState("skinned.vert"),
	}
	_, err := cache.Prewarm(states)
	require.NoError(t, err)
	require.Equal(t, 2, cache.Len())

	// Prewarmed states hit the cache without further builds
	_, _, err = cache.GetOrBuild(states[0])
	require.NoError(t, err)
	require.Equal(t, 2, cache.BuildCount())
}

func TestRebuildReplacesEntryAndKeepsOldAlive(t *testing.T) {
	device := mocks.NewDummyDevice()
	cache := pipeline.CreateCache(device, pipeline.CreateOptions{})

	state := meshState("mesh.vert")
	oldObject, _, err := cache.GetOrBuild(state)
	require.NoError(t, err)

	// A frame in flight still holds the old object
	oldObject.Retain()

	replaced, _, err := cache.Rebuild(state)
	require.NoError(t, err)
	require.True(t, replaced)

	newObject, _, err := cache.GetOrBuild(state)
	require.NoError(t, err)
	require.NotSame(t, oldObject, newObject)
	require.Equal(t, 2, cache.BuildCount())

	// The old pipeline survives until the frame releases it
	oldPipeline := oldObject.Pipeline().(*mocks.DummyPipeline)
	require.False(t, oldPipeline.Destroyed)
	oldObject.Release()
	require.True(t, oldPipeline.Destroyed)
}

func TestRebuildUnknownStateIsNoOp(t *testing.T) {
	device := mocks.NewDummyDevice()
	cache := pipeline.CreateCache(device, pipeline.CreateOptions{})

	replaced, _, err := cache.Rebuild(meshState("mesh.vert"))
	require.NoError(t, err)
	require.False(t, replaced)
	require.Equal(t, 0, cache.Len())
}

func TestInvalidateAllDropsEverything(t *testing.T) {
	device := mocks.NewDummyDevice()
	cache := pipeline.CreateCache(device, pipeline.CreateOptions{})

	first, _, err := cache.GetOrBuild(meshState("mesh.vert"))
	require.NoError(t, err)
	_, _, err = cache.GetOrBuild(meshState("skinned.vert"))
	require.NoError(t, err)

	require.Equal(t, 2, cache.InvalidateAll())
	require.Equal(t, 0, cache.Len())

	// Unretained objects are destroyed immediately
	require.True(t, first.Pipeline().(*mocks.DummyPipeline).Destroyed)

	// The next lookup rebuilds
	_, _, err = cache.GetOrBuild(meshState("mesh.vert"))
	require.NoError(t, err)
	require.Equal(t, 3, cache.BuildCount())
}

func TestReleasePastZeroPanics(t *testing.T) {
	device := mocks.NewDummyDevice()
	cache := pipeline.CreateCache(device, pipeline.CreateOptions{})

	object, _, err := cache.GetOrBuild(meshState("mesh.vert"))
	require.NoError(t, err)

	cache.InvalidateAll()
	require.Panics(t, func() {
		object.Release()
	})
}

func TestSortKeyGroupsEqualStates(t *testing.T) {
	a := meshState("mesh.vert")
	b := meshState("mesh.vert")
	c := meshState("skinned.vert")

	require.Equal(t, a.SortKey(), b.SortKey())
	require.NotEqual(t, a.SortKey(), c.SortKey())
}
