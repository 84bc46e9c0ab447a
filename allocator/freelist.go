package allocator

import (
	"golang.org/x/exp/slices"

	"github.com/vkngwrapper/foundry/internal/utils"
)

type blockRange struct {
	offset int
	size   int
}

// freeList tracks suballocations within one device buffer block. First-fit
// with aligned splitting on allocate, sort-and-merge coalescing on free.
type freeList struct {
	totalSize   int
	nextID      uint64
	allocations map[uint64]blockRange
	freeBlocks  []blockRange
}

func newFreeList(totalSize int) *freeList {
	return &freeList{
		totalSize:   totalSize,
		allocations: map[uint64]blockRange{},
		freeBlocks:  []blockRange{{offset: 0, size: totalSize}},
	}
}

func (l *freeList) allocate(size int, alignment uint) (id uint64, offset int, ok bool) {
	for i, free := range l.freeBlocks {
		alignedOffset := utils.AlignUp(free.offset, alignment)
		endOffset := alignedOffset + size

		if endOffset > free.offset+free.size || endOffset > l.totalSize {
			continue
		}

		id = l.nextID
		l.nextID++
		l.allocations[id] = blockRange{offset: alignedOffset, size: size}

		l.freeBlocks = slices.Delete(l.freeBlocks, i, i+1)
		if alignedOffset > free.offset {
			l.freeBlocks = append(l.freeBlocks, blockRange{
				offset: free.offset,
				size:   alignedOffset - free.offset,
			})
		}
		remaining := free.offset + free.size - endOffset
		if remaining > 0 {
			l.freeBlocks = append(l.freeBlocks, blockRange{
				offset: endOffset,
				size:   remaining,
			})
		}

		return id, alignedOffset, true
	}

	return 0, 0, false
}

func (l *freeList) free(id uint64) bool {
	allocation, ok := l.allocations[id]
	if !ok {
		return false
	}

	delete(l.allocations, id)
	l.freeBlocks = append(l.freeBlocks, allocation)
	l.coalesce()
	return true
}

func (l *freeList) coalesce() {
	slices.SortFunc(l.freeBlocks, func(a, b blockRange) bool {
		return a.offset < b.offset
	})

	i := 0
	for i+1 < len(l.freeBlocks) {
		if l.freeBlocks[i].offset+l.freeBlocks[i].size == l.freeBlocks[i+1].offset {
			l.freeBlocks[i].size += l.freeBlocks[i+1].size
			l.freeBlocks = slices.Delete(l.freeBlocks, i+1, i+2)
		} else {
			i++
		}
	}
}

func (l *freeList) allocationCount() int {
	return len(l.allocations)
}

func (l *freeList) allocatedBytes() int {
	total := 0
	for _, allocation := range l.allocations {
		total += allocation.size
	}
	return total
}
