package nbbs

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/nbbs/memutils"
	"github.com/vkngwrapper/nbbs/memutils/buddy"
	"golang.org/x/exp/slog"
)

// Allocator hands out power-of-two sized blocks of a fixed address range. Alloc and Free may be called
// from any number of goroutines at once: no call ever takes a lock or waits on another call.
//
// Blocks are aligned to their own size relative to the start of the range.
//
// Once Destroy succeeds, Alloc, Validate and Destroy return ErrAllocatorDestroyed, Free and
// AllocationSize do nothing, and Contains reports false. The remaining diagnostics must not be
// called on a destroyed allocator.
type Allocator struct {
	logger      *slog.Logger
	base        uintptr
	size        int
	arena       *Arena
	createFlags CreateFlags
	callbacks   memoryCallbacks

	tree *buddy.Tree
}

var _ memutils.Validatable = &Allocator{}

// ErrAllocatorDestroyed is returned from calls made on an Allocator after Destroy
var ErrAllocatorDestroyed = errors.New("allocator has been destroyed")

// Alloc hands out a block of at least size bytes and returns its address. Requests smaller than the
// min block size, including 0, receive a min-size block.
//
// When the range has no free block of the needed size, Alloc returns memutils.ErrOutOfMemory. A request
// above MaxSize fails with an error wrapping memutils.ErrRequestTooLarge.
func (a *Allocator) Alloc(size int) (uintptr, error) {
	if a.tree == nil {
		return 0, ErrAllocatorDestroyed
	}

	offset, err := a.tree.Alloc(size)
	if err != nil {
		a.logger.Debug("Allocator::Alloc FAILED", slog.Int("Size", size), slog.Any("error", err))
		return 0, err
	}

	address := a.base + uintptr(offset)
	if a.createFlags&AllocatorCreateZeroMemory != 0 || a.callbacks.Callbacks != nil {
		blockSize := a.tree.AllocationSize(offset)

		if a.createFlags&AllocatorCreateZeroMemory != 0 {
			clear(a.arena.data[offset : offset+blockSize])
		}

		a.callbacks.Allocate(address, blockSize)
	}

	return address, nil
}

// Free returns the block at address to the allocator. Addresses outside the managed range are
// ignored, as are addresses that do not start a live block.
//
// A block must be freed at most once. Freeing an address a second time after the allocator handed
// the same block out again releases it from under its new owner.
func (a *Allocator) Free(address uintptr) {
	if a.tree == nil || address < a.base || address-a.base >= uintptr(a.size) {
		return
	}

	offset := int(address - a.base)
	if a.callbacks.Callbacks != nil {
		if blockSize := a.tree.AllocationSize(offset); blockSize > 0 {
			a.callbacks.Free(address, blockSize)
		}
	}

	a.tree.Free(offset)
}

// Base returns the first address of the managed range
func (a *Allocator) Base() uintptr { return a.base }

// Size returns the size in bytes the allocator was created with
func (a *Allocator) Size() int { return a.size }

// Contains returns true if address lies inside the range of blocks the allocator can hand out
func (a *Allocator) Contains(address uintptr) bool {
	return a.tree != nil && address >= a.base && address-a.base < uintptr(a.tree.TotalMemory())
}

func (a *Allocator) MinSize() int { return a.tree.MinSize() }
func (a *Allocator) MaxSize() int { return a.tree.MaxSize() }
func (a *Allocator) MaxOrder() int { return a.tree.MaxOrder() }
func (a *Allocator) Depth() int { return a.tree.Depth() }
func (a *Allocator) BaseLevel() int { return a.tree.BaseLevel() }
func (a *Allocator) TreeSize() int { return a.tree.TreeSize() }
func (a *Allocator) IndexSize() int { return a.tree.IndexSize() }
func (a *Allocator) TotalMemory() int { return a.tree.TotalMemory() }
func (a *Allocator) UsedMemory() int { return a.tree.UsedMemory() }
func (a *Allocator) ReleaseCount() uint64 { return a.tree.ReleaseCount() }
func (a *Allocator) BlockSize(order int) int { return a.tree.BlockSize(order) }
func (a *Allocator) TotalBlocks(order int) int { return a.tree.TotalBlocks(order) }
func (a *Allocator) UsedBlocks(order int) int { return a.tree.UsedBlocks(order) }
func (a *Allocator) OccupancyMap(order int) []bool { return a.tree.OccupancyMap(order) }

// AllocationSize returns the size of the live block at address, or 0 if no live block starts there
func (a *Allocator) AllocationSize(address uintptr) int {
	if a.tree == nil || address < a.base || address-a.base >= uintptr(a.size) {
		return 0
	}
	return a.tree.AllocationSize(int(address - a.base))
}

// CalculateStatistics retrieves a summary of the allocator's usage. Under concurrent use the result
// is a snapshot that may be mid-way through in-flight calls.
func (a *Allocator) CalculateStatistics(stats *memutils.Statistics) {
	stats.Clear()
	a.tree.AddStatistics(stats)
}

// CalculateDetailedStatistics retrieves per-order usage and the sizes of live blocks and free regions
func (a *Allocator) CalculateDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()
	a.tree.AddDetailedStatistics(stats)
}

// BuildStatsString renders the allocator's statistics as a JSON document. When detailed is true,
// every live block and free region is listed as well.
func (a *Allocator) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()

	obj := writer.Object()

	general := obj.Name("General").Object()
	general.Name("Base").String("0x" + strconv.FormatUint(uint64(a.base), 16))
	general.Name("Size").Int(a.size)
	general.Name("Flags").String(a.createFlags.String())
	general.Name("TreeSize").Int(a.tree.TreeSize())
	general.Name("IndexSize").Int(a.tree.IndexSize())
	general.End()

	total := obj.Name("Total").Object()
	a.tree.BlockJsonData(total)
	total.End()

	if detailed {
		detailedMap := obj.Name("DetailedMap").Object()
		a.tree.PrintDetailedMap(detailedMap)
		detailedMap.End()
	}

	obj.End()

	return string(writer.Bytes())
}

// Validate checks the allocator's bookkeeping for consistency. It must not be called while Alloc or
// Free calls are in flight.
func (a *Allocator) Validate() error {
	if a.tree == nil {
		return ErrAllocatorDestroyed
	}

	err := a.tree.Validate()
	if err != nil {
		return errors.Wrap(err, "invalid block tree")
	}

	return nil
}

// Destroy tears the allocator down. Every live block is logged as unreleased memory, and unless
// AllocatorCreateIgnoreUnreleased was set, Destroy then fails and leaves the allocator usable.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	if a.tree == nil {
		return ErrAllocatorDestroyed
	}

	if !a.tree.IsEmpty() {
		err := a.tree.VisitAllRegions(func(offset int, size int, free bool) error {
			if free {
				return nil
			}

			a.logUnreleasedMemory(offset, size)
			return nil
		})
		if err != nil {
			a.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		if a.createFlags&AllocatorCreateIgnoreUnreleased == 0 {
			return errors.New("some blocks were not freed before the destruction of this allocator!")
		}
	}

	memutils.DebugValidate(a)

	a.tree = nil
	return nil
}

func (a *Allocator) logUnreleasedMemory(offset, size int) {
	a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed block",
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Uint64("address", uint64(a.base)+uint64(offset)),
	)
}
