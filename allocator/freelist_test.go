package allocator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreeListAllocFree(t *testing.T) {
	list := newFreeList(1000)

	id1, offset1, ok := list.allocate(100, 1)
	require.True(t, ok)
	require.Equal(t, 0, offset1)

	id2, offset2, ok := list.allocate(200, 1)
	require.True(t, ok)
	require.Equal(t, 100, offset2)

	require.Equal(t, 2, list.allocationCount())
	require.Equal(t, 300, list.allocatedBytes())

	require.True(t, list.free(id1))
	require.False(t, list.free(id1))
	require.Equal(t, 1, list.allocationCount())

	require.True(t, list.free(id2))
	require.Equal(t, 0, list.allocationCount())
	require.Equal(t, 0, list.allocatedBytes())
}

func TestFreeListAlignedSplit(t *testing.T) {
	list := newFreeList(1024)

	_, offset, ok := list.allocate(10, 1)
	require.True(t, ok)
	require.Equal(t, 0, offset)

	// The next fit starts at 10; alignment pushes it to 256 and the gap
	// becomes its own free block
	_, offset, ok = list.allocate(100, 256)
	require.True(t, ok)
	require.Equal(t, 256, offset)

	// The 10..256 gap is still allocatable
	_, offset, ok = list.allocate(200, 1)
	require.True(t, ok)
	require.Equal(t, 10, offset)
}

func TestFreeListExhaustion(t *testing.T) {
	list := newFreeList(100)

	id, _, ok := list.allocate(100, 1)
	require.True(t, ok)

	_, _, ok = list.allocate(1, 1)
	require.False(t, ok)

	require.True(t, list.free(id))
	_, _, ok = list.allocate(100, 1)
	require.True(t, ok)
}

func TestFreeListCoalesce(t *testing.T) {
	list := newFreeList(300)

	id1, _, ok := list.allocate(100, 1)
	require.True(t, ok)
	id2, _, ok := list.allocate(100, 1)
	require.True(t, ok)
	id3, _, ok := list.allocate(100, 1)
	require.True(t, ok)

	// Free out of order; neighbors must merge back into one 300-byte range
	require.True(t, list.free(id3))
	require.True(t, list.free(id1))
	require.True(t, list.free(id2))

	require.Len(t, list.freeBlocks, 1)
	require.Equal(t, blockRange{offset: 0, size: 300}, list.freeBlocks[0])

	_, offset, ok := list.allocate(300, 1)
	require.True(t, ok)
	require.Equal(t, 0, offset)
}

func TestFreeListFragmentation(t *testing.T) {
	list := newFreeList(300)

	id1, _, ok := list.allocate(100, 1)
	require.True(t, ok)
	_, _, ok = list.allocate(100, 1)
	require.True(t, ok)

	require.True(t, list.free(id1))

	// 100 free at the front, 100 free at the back, but no contiguous 150
	_, _, ok = list.allocate(150, 1)
	require.False(t, ok)

	_, offset, ok := list.allocate(100, 1)
	require.True(t, ok)
	require.Equal(t, 0, offset)
}
