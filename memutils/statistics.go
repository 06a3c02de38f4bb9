package memutils

import "math"

// Statistics is a cheap summary of an allocator's state: how much memory it manages and how much of it
// is handed out.
type Statistics struct {
	// ArenaBytes is the number of bytes the allocator tracks
	ArenaBytes int
	// AllocationCount is the number of live blocks
	AllocationCount int
	// AllocationBytes is the number of bytes covered by live blocks, including rounding up to the block size
	AllocationBytes int
	// ReleaseCount is the number of completed releases since the allocator was created
	ReleaseCount uint64
}

func (s *Statistics) Clear() {
	s.ArenaBytes = 0
	s.AllocationCount = 0
	s.AllocationBytes = 0
	s.ReleaseCount = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ArenaBytes += other.ArenaBytes
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
	s.ReleaseCount += other.ReleaseCount
}

// UnusedBytes is the number of tracked bytes not covered by a live block
func (s *Statistics) UnusedBytes() int {
	return s.ArenaBytes - s.AllocationBytes
}

// OrderStatistics describes one block order: order 0 is the minimum block size and each order above it doubles
type OrderStatistics struct {
	Order       int
	BlockSize   int
	TotalBlocks int
	UsedBlocks  int
}

// DetailedStatistics extends Statistics with the shape of the arena: per-order block usage and the sizes of
// live blocks and free regions. A free region is a maximal free block, so two free buddies whose merge has
// not been published yet count as two regions.
type DetailedStatistics struct {
	Statistics
	Orders             []OrderStatistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.Orders = s.Orders[:0]
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

// AddOrder merges per-order usage into the statistics, summing into an existing entry with the same order
func (s *DetailedStatistics) AddOrder(order OrderStatistics) {
	for i := range s.Orders {
		if s.Orders[i].Order == order.Order && s.Orders[i].BlockSize == order.BlockSize {
			s.Orders[i].TotalBlocks += order.TotalBlocks
			s.Orders[i].UsedBlocks += order.UsedBlocks
			return
		}
	}

	s.Orders = append(s.Orders, order)
}
