package allocator_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/vkngwrapper/foundry/allocator"
	"github.com/vkngwrapper/foundry/gpu"
	"github.com/vkngwrapper/foundry/gpu/mocks"
)

func TestAllocateRoundTrip(t *testing.T) {
	device := mocks.NewDummyDevice()
	alloc := allocator.CreateAllocator(device, allocator.CreateOptions{})

	buffer, res, err := alloc.Allocate(1024, gpu.UsageVertex)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, 1024, buffer.Size())
	require.Equal(t, gpu.UsageVertex, buffer.Class())

	payload := []byte{1, 2, 3, 4}
	require.NoError(t, buffer.Write(0, payload))

	backing := buffer.Buffer().(*mocks.DummyBuffer)
	require.Equal(t, payload, backing.Bytes()[buffer.Offset():buffer.Offset()+4])

	alloc.Free(buffer)
	require.NoError(t, alloc.Destroy())
}

func TestAllocationsShareBlocks(t *testing.T) {
	device := mocks.NewDummyDevice()
	alloc := allocator.CreateAllocator(device, allocator.CreateOptions{BlockSize: 4096})

	first, _, err := alloc.Allocate(100, gpu.UsageUniform)
	require.NoError(t, err)
	second, _, err := alloc.Allocate(100, gpu.UsageUniform)
	require.NoError(t, err)

	// Both come from the same pool block: one device buffer, two
	// suballocations at distinct aligned offsets
	require.Equal(t, 1, device.BuffersCreated)
	require.Same(t, first.Buffer(), second.Buffer())
	require.NotEqual(t, first.Offset(), second.Offset())
	require.Zero(t, second.Offset()%int(device.MinAlignment(gpu.UsageUniform)))

	alloc.Free(first)
	alloc.Free(second)
	require.NoError(t, alloc.Destroy())
}

func TestOversizedAllocationGetsDedicatedBlock(t *testing.T) {
	device := mocks.NewDummyDevice()
	alloc := allocator.CreateAllocator(device, allocator.CreateOptions{BlockSize: 1024})

	small, _, err := alloc.Allocate(100, gpu.UsageStorage)
	require.NoError(t, err)

	big, _, err := alloc.Allocate(10000, gpu.UsageStorage)
	require.NoError(t, err)
	require.Equal(t, 2, device.BuffersCreated)
	require.Equal(t, 10000, big.Buffer().Size())

	alloc.Free(small)
	alloc.Free(big)
	require.NoError(t, alloc.Destroy())
}

func TestAllocateOutOfMemory(t *testing.T) {
	device := mocks.NewDummyDevice()
	device.MemoryBudget = 1024
	alloc := allocator.CreateAllocator(device, allocator.CreateOptions{BlockSize: 1024})

	buffer, _, err := alloc.Allocate(512, gpu.UsageIndex)
	require.NoError(t, err)

	_, res, err := alloc.Allocate(2048, gpu.UsageIndex)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)

	alloc.Free(buffer)
	require.NoError(t, alloc.Destroy())
}

func TestDoubleFreePanics(t *testing.T) {
	device := mocks.NewDummyDevice()
	alloc := allocator.CreateAllocator(device, allocator.CreateOptions{})

	buffer, _, err := alloc.Allocate(64, gpu.UsageUniform)
	require.NoError(t, err)
	alloc.Free(buffer)

	require.Panics(t, func() {
		alloc.Free(buffer)
	})
}

func TestAlignmentBelowDeviceMinimumPanics(t *testing.T) {
	device := mocks.NewDummyDevice()
	alloc := allocator.CreateAllocator(device, allocator.CreateOptions{})

	require.Panics(t, func() {
		_, _, _ = alloc.AllocateAligned(64, 16, gpu.UsageUniform)
	})
	require.Panics(t, func() {
		_, _, _ = alloc.AllocateAligned(64, 48, gpu.UsageVertex)
	})
}

func TestImageAllocation(t *testing.T) {
	device := mocks.NewDummyDevice()
	alloc := allocator.CreateAllocator(device, allocator.CreateOptions{})

	image, _, err := alloc.AllocateImage(gpu.ImageInfo{
		Extent: core1_0.Extent2D{Width: 16, Height: 16},
		Format: core1_0.FormatR8G8B8A8SRGB,
	})
	require.NoError(t, err)
	require.Equal(t, 1, device.ImagesCreated)

	var stats allocator.Statistics
	alloc.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.ImageCount)
	require.Equal(t, 16*16*4, stats.ImageBytes)

	alloc.FreeImage(image)
	require.Equal(t, 1, device.ImagesDestroyed)
	require.NoError(t, alloc.Destroy())
}

func TestCalculateStatistics(t *testing.T) {
	device := mocks.NewDummyDevice()
	alloc := allocator.CreateAllocator(device, allocator.CreateOptions{BlockSize: 4096})

	first, _, err := alloc.Allocate(1000, gpu.UsageUniform)
	require.NoError(t, err)
	second, _, err := alloc.Allocate(500, gpu.UsageVertex)
	require.NoError(t, err)

	var stats allocator.Statistics
	alloc.CalculateStatistics(&stats)
	require.Equal(t, 2, stats.BlockCount)
	require.Equal(t, 8192, stats.BlockBytes)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 1500, stats.AllocationBytes)

	alloc.Free(first)
	alloc.Free(second)

	alloc.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 0, stats.AllocationBytes)

	require.NoError(t, alloc.Destroy())
}

func TestDestroyWithLiveAllocationsFails(t *testing.T) {
	device := mocks.NewDummyDevice()
	alloc := allocator.CreateAllocator(device, allocator.CreateOptions{})

	buffer, _, err := alloc.Allocate(64, gpu.UsageStorage)
	require.NoError(t, err)

	require.Error(t, alloc.Destroy())

	alloc.Free(buffer)
	require.NoError(t, alloc.Destroy())
}

func TestWriteOverrunFails(t *testing.T) {
	device := mocks.NewDummyDevice()
	alloc := allocator.CreateAllocator(device, allocator.CreateOptions{})

	buffer, _, err := alloc.Allocate(16, gpu.UsageUniform)
	require.NoError(t, err)

	require.Error(t, buffer.Write(8, make([]byte, 16)))
	require.Error(t, buffer.Write(-1, []byte{0}))
	require.NoError(t, buffer.Write(8, make([]byte, 8)))

	alloc.Free(buffer)
	require.NoError(t, alloc.Destroy())
}
