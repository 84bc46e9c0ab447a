package frames

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/foundry/allocator"
	"github.com/vkngwrapper/foundry/gpu/mocks"
)

func TestArenaPushAligns(t *testing.T) {
	device := mocks.NewDummyDevice()
	alloc := allocator.CreateAllocator(device, allocator.CreateOptions{})

	arena, err := newArena(alloc, 4096)
	require.NoError(t, err)

	offset, err := arena.Push([]byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	// The dummy device's uniform alignment is 256; the second push lands on
	// the next aligned boundary
	offset, err = arena.Push([]byte{4, 5, 6})
	require.NoError(t, err)
	require.Equal(t, 256, offset)

	require.Equal(t, 259, arena.Used())
}

func TestArenaExhaustion(t *testing.T) {
	device := mocks.NewDummyDevice()
	alloc := allocator.CreateAllocator(device, allocator.CreateOptions{})

	arena, err := newArena(alloc, 512)
	require.NoError(t, err)

	_, err = arena.Push(make([]byte, 256))
	require.NoError(t, err)
	_, err = arena.Push(make([]byte, 256))
	require.NoError(t, err)

	_, err = arena.Push([]byte{1})
	require.True(t, errors.Is(err, ArenaExhaustedError))

	arena.Reset()
	_, err = arena.Push([]byte{1})
	require.NoError(t, err)
}

func TestArenaWritesLandInBacking(t *testing.T) {
	device := mocks.NewDummyDevice()
	alloc := allocator.CreateAllocator(device, allocator.CreateOptions{})

	arena, err := newArena(alloc, 1024)
	require.NoError(t, err)

	payload := []byte{9, 8, 7, 6}
	offset, err := arena.Push(payload)
	require.NoError(t, err)

	backing := arena.Buffer()
	dummy := backing.Buffer().(*mocks.DummyBuffer)
	start := backing.Offset() + offset
	require.Equal(t, payload, dummy.Bytes()[start:start+4])
}
