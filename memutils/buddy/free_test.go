package buddy_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/nbbs/memutils"
)

func TestFreeOutOfRange(t *testing.T) {
	tree := newTree(t, 64*kib, 4*kib, 4)

	offset, err := tree.Alloc(4 * kib)
	require.NoError(t, err)

	tree.Free(-1)
	tree.Free(64 * kib)
	tree.Free(1 << 40)

	require.Equal(t, uint64(0), tree.ReleaseCount())
	require.Equal(t, 1, tree.UsedBlocks(0))

	tree.Free(offset)
	require.Equal(t, uint64(1), tree.ReleaseCount())
	require.True(t, tree.IsEmpty())
}

func TestFreeInteriorOffset(t *testing.T) {
	tree := newTree(t, 64*kib, 4*kib, 4)

	offset, err := tree.Alloc(16 * kib)
	require.NoError(t, err)
	require.Equal(t, 0, offset)

	tree.Free(4 * kib)
	tree.Free(12 * kib)
	require.Equal(t, 1, tree.UsedBlocks(2))
	require.Equal(t, uint64(2), tree.ReleaseCount())

	tree.Free(offset)
	require.True(t, tree.IsEmpty())
	require.Equal(t, uint64(3), tree.ReleaseCount())
}

func TestFreeTwiceIsIgnored(t *testing.T) {
	tree := newTree(t, 64*kib, 4*kib, 4)

	a, err := tree.Alloc(8 * kib)
	require.NoError(t, err)
	b, err := tree.Alloc(8 * kib)
	require.NoError(t, err)

	tree.Free(a)
	tree.Free(a)

	require.Equal(t, 1, tree.UsedBlocks(1))
	require.Equal(t, uint64(2), tree.ReleaseCount())
	require.NoError(t, tree.Validate())

	tree.Free(b)
	require.True(t, tree.IsEmpty())
	require.NoError(t, tree.Validate())
}

func TestFreeMergesThroughLevels(t *testing.T) {
	tree := newTree(t, 64*kib, 4*kib, 4)

	var offsets []int
	for i := 0; i < 16; i++ {
		offset, err := tree.Alloc(4 * kib)
		require.NoError(t, err)
		offsets = append(offsets, offset)
	}

	// Free every odd page first so that no pair can merge yet
	for i := 1; i < 16; i += 2 {
		tree.Free(offsets[i])
	}
	_, err := tree.Alloc(8 * kib)
	require.Equal(t, memutils.ErrOutOfMemory, err)
	require.NoError(t, tree.Validate())

	for i := 0; i < 16; i += 2 {
		tree.Free(offsets[i])
	}
	require.True(t, tree.IsEmpty())
	require.NoError(t, tree.Validate())

	offset, err := tree.Alloc(64 * kib)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
}

func TestConcurrentAllocExclusion(t *testing.T) {
	tree := newTree(t, 16*mib, 4*kib, 9)
	pages := tree.TotalMemory() / tree.MinSize()

	const workers = 8
	results := make([][]int, workers)

	var start sync.WaitGroup
	var done sync.WaitGroup
	start.Add(1)

	for w := 0; w < workers; w++ {
		done.Add(1)
		go func(w int) {
			defer done.Done()
			start.Wait()

			for {
				offset, err := tree.Alloc(tree.MinSize())
				if err != nil {
					return
				}
				results[w] = append(results[w], offset)
			}
		}(w)
	}

	start.Done()
	done.Wait()

	seen := make(map[int]struct{}, pages)
	for _, offsets := range results {
		for _, offset := range offsets {
			_, taken := seen[offset]
			require.False(t, taken, "offset %d handed out twice", offset)
			seen[offset] = struct{}{}
		}
	}
	require.Len(t, seen, pages)
	require.Equal(t, pages, tree.UsedBlocks(0))
	require.NoError(t, tree.Validate())

	start.Add(1)
	for w := 0; w < workers; w++ {
		done.Add(1)
		go func(w int) {
			defer done.Done()
			start.Wait()

			for _, offset := range results[w] {
				tree.Free(offset)
			}
		}(w)
	}

	start.Done()
	done.Wait()

	require.True(t, tree.IsEmpty())
	require.Equal(t, uint64(pages), tree.ReleaseCount())
	require.NoError(t, tree.Validate())
}

func TestConcurrentBuddyRelease(t *testing.T) {
	for iteration := 0; iteration < 200; iteration++ {
		tree := newTree(t, 32*kib, 4*kib, 3)

		offsets := make([]int, 8)
		for i := range offsets {
			offset, err := tree.Alloc(4 * kib)
			require.NoError(t, err)
			offsets[i] = offset
		}

		var start sync.WaitGroup
		var done sync.WaitGroup
		start.Add(1)

		for _, offset := range offsets {
			done.Add(1)
			go func(offset int) {
				defer done.Done()
				start.Wait()
				tree.Free(offset)
			}(offset)
		}

		start.Done()
		done.Wait()

		require.True(t, tree.IsEmpty(), "iteration %d", iteration)
		require.NoError(t, tree.Validate())

		offset, err := tree.Alloc(32 * kib)
		require.NoError(t, err, "iteration %d", iteration)
		require.Equal(t, 0, offset)
	}
}

func TestConcurrentMixedChurn(t *testing.T) {
	tree := newTree(t, 8*mib, 4*kib, 9)

	const workers = 8
	const rounds = 2000

	var done sync.WaitGroup
	for w := 0; w < workers; w++ {
		done.Add(1)
		go func(w int) {
			defer done.Done()

			live := make([]int, 0, 64)
			for i := 0; i < rounds; i++ {
				order := (i*7 + w) % 6
				offset, err := tree.Alloc(tree.BlockSize(order))
				if err == nil {
					live = append(live, offset)
				}

				if len(live) > 32 || (err != nil && len(live) > 0) {
					tree.Free(live[0])
					live = live[1:]
				}
			}

			for _, offset := range live {
				tree.Free(offset)
			}
		}(w)
	}

	done.Wait()

	require.True(t, tree.IsEmpty())
	require.Equal(t, 0, tree.UsedMemory())
	require.NoError(t, tree.Validate())

	for i := 0; i < tree.TotalBlocks(tree.MaxOrder()); i++ {
		_, err := tree.Alloc(tree.MaxSize())
		require.NoError(t, err)
	}
}

func TestConcurrentMinSizeChurnRestoresArena(t *testing.T) {
	for run := 0; run < 300; run++ {
		tree := newTree(t, mib, 4*kib, 8)

		const workers = 8
		const rounds = 200

		var done sync.WaitGroup
		for w := 0; w < workers; w++ {
			done.Add(1)
			go func() {
				defer done.Done()

				var live []int
				for i := 0; i < rounds; i++ {
					offset, err := tree.Alloc(4 * kib)
					if err == nil {
						live = append(live, offset)
					}

					if len(live) > 2 {
						tree.Free(live[0])
						live = live[1:]
					}
				}

				for _, offset := range live {
					tree.Free(offset)
				}
			}()
		}

		done.Wait()

		require.Equal(t, 0, tree.UsedMemory(), "run %d", run)
		require.True(t, tree.IsEmpty(), "run %d", run)
		require.NoError(t, tree.Validate(), "run %d", run)

		offset, err := tree.Alloc(tree.MaxSize())
		require.NoError(t, err, "run %d", run)
		require.Equal(t, 0, offset)
	}
}
