package buddy

import (
	"github.com/vkngwrapper/nbbs/memutils"
)

// All readers in this file take no part in the allocation protocol. Run concurrently with Alloc
// and Free they return a snapshot that may mix states from before and after in-flight operations.

// MinSize returns the size in bytes of an order-0 block
func (t *Tree) MinSize() int { return t.minSize }

// MaxOrder returns the highest order that can be allocated
func (t *Tree) MaxOrder() int { return t.maxOrder }

// MaxSize returns the size in bytes of the largest block that can be allocated
func (t *Tree) MaxSize() int { return t.maxSize }

// Depth returns the level of the leaves; the root is level 0
func (t *Tree) Depth() int { return t.depth }

// BaseLevel returns the level of the largest allocatable blocks
func (t *Tree) BaseLevel() int { return t.baseLevel }

// ReleaseCount returns the number of Free calls that landed in the tracked range
func (t *Tree) ReleaseCount() uint64 { return t.releaseCount.Load() }

// TotalMemory returns the number of bytes tracked by the tree
func (t *Tree) TotalMemory() int {
	return t.minSize << t.depth
}

// BlockSize returns the size in bytes of a block of the given order, or 0 if the tree has no such order
func (t *Tree) BlockSize(order int) int {
	if order < 0 || order > t.depth {
		return 0
	}
	return t.minSize << order
}

// TotalBlocks returns the number of blocks of the given order the tracked range divides into
func (t *Tree) TotalBlocks(order int) int {
	if order < 0 || order > t.depth {
		return 0
	}
	return memutils.Exp2(t.depth - order)
}

// UsedBlocks returns the number of live allocations of the given order
func (t *Tree) UsedBlocks(order int) int {
	if order < 0 || order > t.maxOrder {
		return 0
	}

	lvl := t.orderLevel(order)
	count := 0
	for node := memutils.Exp2(lvl); node < memutils.Exp2(lvl+1); node++ {
		if t.load(node)&Occupied != 0 {
			count++
		}
	}

	return count
}

// UsedMemory returns the number of bytes covered by live allocations
func (t *Tree) UsedMemory() int {
	used := 0
	for order := 0; order <= t.maxOrder; order++ {
		used += t.UsedBlocks(order) * t.BlockSize(order)
	}
	return used
}

// AllocationCount returns the number of live allocations across all orders
func (t *Tree) AllocationCount() int {
	count := 0
	for order := 0; order <= t.maxOrder; order++ {
		count += t.UsedBlocks(order)
	}
	return count
}

// IsEmpty returns true if the tree has no live allocations
func (t *Tree) IsEmpty() bool {
	for node := memutils.Exp2(t.baseLevel); node < memutils.Exp2(t.baseLevel+1); node++ {
		if t.load(node) != 0 {
			return false
		}
	}
	return true
}

// OccupancyMap returns one entry per block of the given order, in address order, set to true when that
// block is a live allocation. Blocks that are only partially covered by smaller allocations report false.
func (t *Tree) OccupancyMap(order int) []bool {
	if order < 0 || order > t.depth {
		return nil
	}

	lvl := t.orderLevel(order)
	start := memutils.Exp2(lvl)
	occupancy := make([]bool, start)
	for i := range occupancy {
		occupancy[i] = t.load(start+i)&Occupied != 0
	}

	return occupancy
}

// AllocationSize returns the size in bytes of the live block that starts at offset, or 0 if no live
// block starts there
func (t *Tree) AllocationSize(offset int) int {
	if offset < 0 || offset >= t.size {
		return 0
	}

	leaf := offset >> t.minShift
	if leaf >= len(t.index) || leaf<<t.minShift != offset {
		return 0
	}

	node := int(t.index[leaf].Load())
	if node == 0 || t.leftmost(node)-len(t.index) != leaf || t.load(node)&Occupied == 0 {
		return 0
	}

	return t.levelBlockSize(level(node))
}

func (t *Tree) nodeOffset(node int) int {
	return (t.leftmost(node) - len(t.index)) << t.minShift
}

// VisitAllRegions calls handleRegion once for every live allocation and every maximal free block, in
// address order. A free region never exceeds MaxSize, since nothing merges above the base level.
// Iteration stops at the first error, which is returned.
func (t *Tree) VisitAllRegions(handleRegion func(offset int, size int, free bool) error) error {
	for node := memutils.Exp2(t.baseLevel); node < memutils.Exp2(t.baseLevel+1); node++ {
		err := t.visitRegions(node, handleRegion)
		if err != nil {
			return err
		}
	}

	return nil
}

func (t *Tree) visitRegions(node int, handleRegion func(offset int, size int, free bool) error) error {
	val := t.load(node)
	lvl := level(node)

	if val&Occupied != 0 {
		return handleRegion(t.nodeOffset(node), t.levelBlockSize(lvl), false)
	}

	if val&(OccLeft|OccRight) == 0 || lvl == t.depth {
		return handleRegion(t.nodeOffset(node), t.levelBlockSize(lvl), true)
	}

	err := t.visitRegions(node<<1, handleRegion)
	if err != nil {
		return err
	}

	return t.visitRegions(node<<1|1, handleRegion)
}

// AddStatistics sums this tree's usage into the provided statistics
func (t *Tree) AddStatistics(stats *memutils.Statistics) {
	stats.ArenaBytes += t.TotalMemory()
	stats.ReleaseCount += t.ReleaseCount()

	for order := 0; order <= t.maxOrder; order++ {
		used := t.UsedBlocks(order)
		stats.AllocationCount += used
		stats.AllocationBytes += used * t.BlockSize(order)
	}
}

// AddDetailedStatistics sums this tree's usage, per-order counts and region sizes into the provided statistics
func (t *Tree) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.ArenaBytes += t.TotalMemory()
	stats.ReleaseCount += t.ReleaseCount()

	for order := 0; order <= t.maxOrder; order++ {
		stats.AddOrder(memutils.OrderStatistics{
			Order:       order,
			BlockSize:   t.BlockSize(order),
			TotalBlocks: t.TotalBlocks(order),
			UsedBlocks:  t.UsedBlocks(order),
		})
	}

	_ = t.VisitAllRegions(func(offset int, size int, free bool) error {
		if free {
			stats.AddUnusedRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}
