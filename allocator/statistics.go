package allocator

// Statistics describes the current usage of one pool or of the allocator as
// a whole.
type Statistics struct {
	// BlockCount is the number of device buffer blocks owned
	BlockCount int
	// AllocationCount is the number of live suballocations
	AllocationCount int
	// BlockBytes is the total byte size of owned blocks
	BlockBytes int
	// AllocationBytes is the total byte size of live suballocations
	AllocationBytes int
	// ImageCount is the number of live dedicated image allocations
	ImageCount int
	// ImageBytes is the total byte size of live dedicated image allocations
	ImageBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
	s.ImageCount = 0
	s.ImageBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
	s.ImageCount += other.ImageCount
	s.ImageBytes += other.ImageBytes
}
