package frames

import (
	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/foundry/allocator"
	"github.com/vkngwrapper/foundry/gpu"
	"github.com/vkngwrapper/foundry/internal/utils"
)

// ArenaExhaustedError is returned from Arena.Push when a frame records more
// transient uniform data than its slot's arena holds.
var ArenaExhaustedError error = errors.New("frame uniform arena is full")

// Arena is a frame slot's transient uniform allocator: a linear bump pointer
// over one persistent buffer allocation, reset at the start of each cycle.
// Offsets it returns respect the device's uniform alignment.
type Arena struct {
	backing   *allocator.GpuBuffer
	alignment uint
	offset    int
}

func newArena(alloc *allocator.Allocator, size int) (*Arena, error) {
	backing, _, err := alloc.Allocate(size, gpu.UsageUniform)
	if err != nil {
		return nil, errors.Wrap(err, "creating frame uniform arena")
	}

	return &Arena{
		backing:   backing,
		alignment: alloc.Alignment(gpu.UsageUniform),
	}, nil
}

// Push copies data into the arena and returns the offset it landed at,
// relative to the arena's backing allocation.
func (a *Arena) Push(data []byte) (int, error) {
	offset := utils.AlignUp(a.offset, a.alignment)
	if offset+len(data) > a.backing.Size() {
		return 0, errors.Wrapf(ArenaExhaustedError, "pushing %d bytes at offset %d of %d", len(data), offset, a.backing.Size())
	}

	err := a.backing.Write(offset, data)
	if err != nil {
		return 0, err
	}

	a.offset = offset + len(data)
	return offset, nil
}

// Buffer exposes the backing allocation for descriptor binding.
func (a *Arena) Buffer() *allocator.GpuBuffer { return a.backing }

// Used reports the bytes consumed this cycle.
func (a *Arena) Used() int { return a.offset }

// Reset discards the cycle's contents. Only legal once the slot's fence has
// confirmed the GPU is done reading them.
func (a *Arena) Reset() {
	a.offset = 0
}

func (a *Arena) destroy(alloc *allocator.Allocator) {
	alloc.Free(a.backing)
	a.backing = nil
}
