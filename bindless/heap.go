// Package bindless implements the engine's global resource table: a
// fixed-capacity mapping from stable integer handles to buffer or image
// views. Slots are never reused while an in-flight frame might still read
// their old descriptor - unregistration goes through a retirement queue and
// a slot only returns to the free list once every frame recorded against it
// has completed.
package bindless

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"golang.org/x/exp/slog"

	"github.com/vkngwrapper/foundry/allocator"
	"github.com/vkngwrapper/foundry/gpu"
	"github.com/vkngwrapper/foundry/internal/utils"
)

// HeapExhaustedError is returned from Register when the heap has no free
// slot and growth is disabled. Callers recover by waiting for the next
// retirement drain and retrying, rather than failing the frame.
var HeapExhaustedError error = errors.New("bindless heap has no free slots")

// StaleHandleError is returned from Resolve when a handle's generation no
// longer matches its slot. Callers substitute a fallback resource instead of
// dereferencing freed GPU state.
var StaleHandleError error = errors.New("bindless handle is stale")

// Handle names one registered resource. The zero Handle is never valid.
type Handle struct {
	Index      uint32
	Generation uint32
}

// ViewKind discriminates what a heap slot holds.
type ViewKind int32

const (
	ViewBuffer ViewKind = iota
	ViewImage
)

// View is the resource a handle resolves to.
type View struct {
	Buffer *allocator.GpuBuffer
	Image  *allocator.GpuImage
}

func (v View) Kind() ViewKind {
	if v.Image != nil {
		return ViewImage
	}
	return ViewBuffer
}

type heapSlot struct {
	generation uint32
	view       View
	live       bool
}

type retirementEntry struct {
	handle           Handle
	retireAfterFrame uint64
}

// CreateOptions configures a new Heap.
type CreateOptions struct {
	// Capacity is the number of slots in the heap's descriptor table
	Capacity int
	// FramesInFlight is the depth of the frame ring this heap serves; a
	// retired slot is reusable once that many frames have completed past
	// its retirement frame
	FramesInFlight int
	// GrowableCapacity doubles the table instead of returning
	// HeapExhaustedError when the free list is empty
	GrowableCapacity bool
	// Table, when set, receives a descriptor write for every registration
	Table gpu.DescriptorTable
	// OnRelease, when set, is called for each view whose slot is freed by
	// DrainRetirements, once no in-flight frame can reference it
	OnRelease func(view View)
	// SharedAccess must be set when the heap will be used from more than
	// one goroutine
	SharedAccess bool
	// Logger will be used to log heap activity. Defaults to slog.Default()
	Logger *slog.Logger
}

// Heap is the bindless resource table.
type Heap struct {
	logger         *slog.Logger
	capacity       int
	framesInFlight int
	growable       bool
	table          gpu.DescriptorTable
	onRelease      func(view View)

	mutex       utils.OptionalMutex
	slots       []heapSlot
	freeList    []uint32
	retirements []retirementEntry
}

// CreateHeap builds a Heap with the provided options. Capacity and
// FramesInFlight must be positive.
func CreateHeap(options CreateOptions) *Heap {
	if options.Capacity < 1 {
		panic("attempted to create a bindless heap with no capacity")
	}
	if options.FramesInFlight < 1 {
		panic("attempted to create a bindless heap with no frame depth")
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Table != nil && options.Table.Capacity() < options.Capacity {
		panic("descriptor table is smaller than the heap capacity")
	}

	return &Heap{
		logger:         options.Logger,
		capacity:       options.Capacity,
		framesInFlight: options.FramesInFlight,
		growable:       options.GrowableCapacity,
		table:          options.Table,
		onRelease:      options.OnRelease,
		mutex:          utils.OptionalMutex{UseMutex: options.SharedAccess},
	}
}

// Register places a view into a free slot and returns its handle. The
// descriptor table, when attached, is written immediately - free slots by
// construction have no in-flight readers.
func (h *Heap) Register(view View) (Handle, common.VkResult, error) {
	if view.Buffer == nil && view.Image == nil {
		panic("attempted to register an empty view")
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	index, ok := h.takeFreeSlot()
	if !ok {
		h.logger.Debug("Heap::Register exhausted",
			slog.Int("Capacity", h.capacity),
			slog.Int("Retirements", len(h.retirements)),
		)
		return Handle{}, core1_0.VKErrorUnknown, HeapExhaustedError
	}

	slot := &h.slots[index]
	slot.view = view
	slot.live = true

	if h.table != nil {
		err := h.writeDescriptor(int(index), view)
		if err != nil {
			slot.live = false
			h.freeList = append(h.freeList, index)
			return Handle{}, core1_0.VKErrorUnknown, err
		}
	}

	return Handle{Index: index, Generation: slot.generation}, core1_0.VKSuccess, nil
}

func (h *Heap) takeFreeSlot() (uint32, bool) {
	if count := len(h.freeList); count > 0 {
		index := h.freeList[count-1]
		h.freeList = h.freeList[:count-1]
		return index, true
	}

	if len(h.slots) < h.capacity {
		h.slots = append(h.slots, heapSlot{})
		return uint32(len(h.slots) - 1), true
	}

	if h.growable {
		h.capacity *= 2
		h.logger.Debug("Heap::Register grew table", slog.Int("Capacity", h.capacity))
		h.slots = append(h.slots, heapSlot{})
		return uint32(len(h.slots) - 1), true
	}

	return 0, false
}

func (h *Heap) writeDescriptor(index int, view View) error {
	if view.Kind() == ViewImage {
		return h.table.WriteImage(index, view.Image.Image())
	}
	buffer := view.Buffer
	return h.table.WriteBuffer(index, buffer.Buffer(), buffer.Offset(), buffer.Size())
}

// Unregister retires a handle at the provided frame. The slot is not freed
// here - it becomes reusable only after every frame up to and including
// currentFrame plus the ring depth has completed.
func (h *Heap) Unregister(handle Handle, currentFrame uint64) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	slot, err := h.liveSlot(handle)
	if err != nil {
		return err
	}

	slot.live = false
	h.retirements = append(h.retirements, retirementEntry{
		handle:           handle,
		retireAfterFrame: currentFrame,
	})

	return nil
}

// Resolve returns the view a handle points at, or StaleHandleError if the
// slot has been retired (and possibly reused) since the handle was issued.
func (h *Heap) Resolve(handle Handle) (View, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	slot, err := h.liveSlot(handle)
	if err != nil {
		return View{}, err
	}
	return slot.view, nil
}

func (h *Heap) liveSlot(handle Handle) (*heapSlot, error) {
	if int(handle.Index) >= len(h.slots) {
		return nil, errors.Wrapf(StaleHandleError, "index %d outside table of %d slots", handle.Index, len(h.slots))
	}
	slot := &h.slots[handle.Index]
	if slot.generation != handle.Generation || !slot.live {
		return nil, errors.Wrapf(StaleHandleError, "index %d generation %d", handle.Index, handle.Generation)
	}
	return slot, nil
}

// DrainRetirements frees the slots of every retirement whose frame is at
// least framesInFlight behind completedFrame, bumping each slot's generation
// so outstanding handles to it resolve as stale. Returns the number of slots
// freed.
func (h *Heap) DrainRetirements(completedFrame uint64) int {
	h.mutex.Lock()

	freed := 0
	var released []View
	remaining := h.retirements[:0]
	for _, entry := range h.retirements {
		if entry.retireAfterFrame+uint64(h.framesInFlight) <= completedFrame {
			slot := &h.slots[entry.handle.Index]
			slot.generation++
			released = append(released, slot.view)
			slot.view = View{}
			h.freeList = append(h.freeList, entry.handle.Index)
			freed++
		} else {
			remaining = append(remaining, entry)
		}
	}
	h.retirements = remaining

	onRelease := h.onRelease
	h.mutex.Unlock()

	if freed > 0 {
		h.logger.Debug("Heap::DrainRetirements",
			slog.Uint64("CompletedFrame", completedFrame),
			slog.Int("Freed", freed),
		)
	}
	if onRelease != nil {
		for _, view := range released {
			onRelease(view)
		}
	}

	return freed
}

// Occupancy reports the number of live slots.
func (h *Heap) Occupancy() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	live := 0
	for i := range h.slots {
		if h.slots[i].live {
			live++
		}
	}
	return live
}

// RetirementQueueLength reports pending retirements awaiting drain.
func (h *Heap) RetirementQueueLength() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.retirements)
}

// Capacity reports the current slot capacity.
func (h *Heap) Capacity() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.capacity
}
