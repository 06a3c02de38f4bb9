package buddy

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/nbbs/memutils"
)

// BlockJsonData populates a json object with a summary of this tree. The object is taken by value,
// so it should be one that nothing else writes fields into.
func (t *Tree) BlockJsonData(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	t.AddDetailedStatistics(&stats)

	json.Name("TotalBytes").Int(stats.ArenaBytes)
	json.Name("UnusedBytes").Int(stats.UnusedBytes())
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("UnusedRanges").Int(stats.UnusedRangeCount)
	json.Name("ReleaseCount").Float64(float64(stats.ReleaseCount))
	json.Name("MinBlockSize").Int(t.minSize)
	json.Name("MaxBlockSize").Int(t.maxSize)
	json.Name("Depth").Int(t.depth)
	json.Name("BaseLevel").Int(t.baseLevel)

	orders := json.Name("Orders").Array()
	for _, order := range stats.Orders {
		obj := orders.Object()
		obj.Name("Order").Int(order.Order)
		obj.Name("BlockSize").Int(order.BlockSize)
		obj.Name("TotalBlocks").Int(order.TotalBlocks)
		obj.Name("UsedBlocks").Int(order.UsedBlocks)
		obj.End()
	}
	orders.End()
}

// PrintDetailedMap populates a json object with every allocation and free region in the tree. Like
// BlockJsonData, it expects an object of its own.
func (t *Tree) PrintDetailedMap(json jwriter.ObjectState) {
	regions := json.Name("Regions").Array()
	defer regions.End()

	_ = t.VisitAllRegions(func(offset int, size int, free bool) error {
		obj := regions.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		if free {
			obj.Name("Type").String("Free")
		} else {
			obj.Name("Type").String("Allocation")
		}

		return nil
	})
}
