package nbbs_test

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/nbbs/memutils"
	"github.com/vkngwrapper/nbbs/memutils/buddy/mocks"
	"github.com/vkngwrapper/nbbs/nbbs"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

const (
	kib = 1024
	mib = 1024 * kib

	testBase uintptr = 0x10000000
)

func newTestAllocator(t *testing.T, size int, options nbbs.CreateOptions) *nbbs.Allocator {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	allocator, err := nbbs.New(logger, testBase, size, options)
	require.NoError(t, err)
	return allocator
}

func TestNewInvalid(t *testing.T) {
	_, err := nbbs.New(nil, 0, 64*mib, nbbs.CreateOptions{})
	require.True(t, errors.Is(err, memutils.ErrInvalidConfiguration))

	_, err = nbbs.New(nil, testBase, 0, nbbs.CreateOptions{})
	require.True(t, errors.Is(err, memutils.ErrInvalidConfiguration))

	_, err = nbbs.New(nil, testBase, 2*kib, nbbs.CreateOptions{})
	require.True(t, errors.Is(err, memutils.ErrInvalidConfiguration))

	_, err = nbbs.New(nil, testBase, 64*mib, nbbs.CreateOptions{MinBlockSize: 1000})
	require.True(t, errors.Is(err, memutils.ErrInvalidConfiguration))
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = nbbs.New(nil, testBase, 64*mib, nbbs.CreateOptions{Flags: nbbs.AllocatorCreateZeroMemory})
	require.True(t, errors.Is(err, memutils.ErrInvalidConfiguration))

	_, err = nbbs.NewFromArena(nil, nil, nbbs.CreateOptions{})
	require.True(t, errors.Is(err, memutils.ErrInvalidConfiguration))

	_, err = nbbs.New(nil, ^uintptr(0)-4*kib, 64*mib, nbbs.CreateOptions{})
	require.True(t, errors.Is(err, memutils.ErrInvalidConfiguration))
}

func TestNewMetadataFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	failure := errors.New("out of metadata")
	source := mocks.NewMockMetadataSource(ctrl)
	source.EXPECT().AllocateTree(gomock.Any()).Return(nil, failure)

	allocator, err := nbbs.New(nil, testBase, 64*mib, nbbs.CreateOptions{MetadataSource: source})
	require.Nil(t, allocator)
	require.True(t, errors.Is(err, failure))
}

func TestAllocEveryOrder(t *testing.T) {
	allocator := newTestAllocator(t, 64*mib, nbbs.CreateOptions{})

	require.Equal(t, 4*kib, allocator.MinSize())
	require.Equal(t, 9, allocator.MaxOrder())
	require.Equal(t, 2*mib, allocator.MaxSize())
	require.Equal(t, 14, allocator.Depth())
	require.Equal(t, 5, allocator.BaseLevel())

	var addresses []uintptr
	expected := 0
	for order := 0; order <= allocator.MaxOrder(); order++ {
		address, err := allocator.Alloc(allocator.BlockSize(order))
		require.NoError(t, err)
		require.True(t, allocator.Contains(address))
		require.Equal(t, allocator.BlockSize(order), allocator.AllocationSize(address))
		addresses = append(addresses, address)
		expected += allocator.BlockSize(order)
	}
	require.Equal(t, expected, allocator.UsedMemory())
	require.Equal(t, testBase, addresses[0])

	address, err := allocator.Alloc(allocator.MaxSize() + 1)
	require.Equal(t, uintptr(0), address)
	require.True(t, errors.Is(err, memutils.ErrRequestTooLarge))

	for _, address := range addresses {
		allocator.Free(address)
	}
	require.Equal(t, 0, allocator.UsedMemory())
	require.Equal(t, uint64(len(addresses)), allocator.ReleaseCount())
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.Destroy())
}

func TestGuardBlock(t *testing.T) {
	allocator := newTestAllocator(t, 64*mib, nbbs.CreateOptions{})

	guard, err := allocator.Alloc(allocator.MinSize())
	require.NoError(t, err)

	var top []uintptr
	for {
		address, err := allocator.Alloc(allocator.MaxSize())
		if err != nil {
			require.Equal(t, memutils.ErrOutOfMemory, err)
			break
		}
		top = append(top, address)
	}
	require.Len(t, top, allocator.TotalBlocks(allocator.MaxOrder())-1)

	allocator.Free(guard)

	address, err := allocator.Alloc(allocator.MaxSize())
	require.NoError(t, err)
	require.Equal(t, guard, address)
}

func TestFreeOutsideRange(t *testing.T) {
	allocator := newTestAllocator(t, 64*mib, nbbs.CreateOptions{})

	address, err := allocator.Alloc(4 * kib)
	require.NoError(t, err)

	allocator.Free(0)
	allocator.Free(testBase - 1)
	allocator.Free(testBase + 64*mib)
	require.Equal(t, uint64(0), allocator.ReleaseCount())
	require.Equal(t, 4*kib, allocator.UsedMemory())
	require.Equal(t, 0, allocator.AllocationSize(testBase-1))

	allocator.Free(address)
	require.Equal(t, uint64(1), allocator.ReleaseCount())
}

func TestCallbacks(t *testing.T) {
	type event struct {
		address uintptr
		size    int
	}

	var allocated, freed []event
	userData := "user data"

	allocator := newTestAllocator(t, 64*mib, nbbs.CreateOptions{
		MemoryCallbackOptions: &nbbs.MemoryCallbackOptions{
			Allocate: func(allocator *nbbs.Allocator, address uintptr, size int, data interface{}) {
				require.Equal(t, userData, data)
				allocated = append(allocated, event{address, size})
			},
			Free: func(allocator *nbbs.Allocator, address uintptr, size int, data interface{}) {
				require.Equal(t, userData, data)
				freed = append(freed, event{address, size})
			},
			UserData: userData,
		},
	})

	a, err := allocator.Alloc(5 * kib)
	require.NoError(t, err)
	b, err := allocator.Alloc(1)
	require.NoError(t, err)

	allocator.Free(b)
	allocator.Free(b)
	allocator.Free(a + 4*kib)
	allocator.Free(a)

	require.Equal(t, []event{{a, 8 * kib}, {b, 4 * kib}}, allocated)
	require.Equal(t, []event{{b, 4 * kib}, {a, 8 * kib}}, freed)
}

func TestZeroMemory(t *testing.T) {
	arena := nbbs.NewArenaFromBytes(make([]byte, 64*kib))

	allocator, err := nbbs.NewFromArena(nil, arena, nbbs.CreateOptions{
		Flags:    nbbs.AllocatorCreateZeroMemory,
		MaxOrder: 2,
	})
	require.NoError(t, err)

	address, err := allocator.Alloc(16 * kib)
	require.NoError(t, err)

	block, err := arena.Slice(address, 16*kib)
	require.NoError(t, err)
	for i := range block {
		block[i] = 0xAB
	}

	allocator.Free(address)

	again, err := allocator.Alloc(16 * kib)
	require.NoError(t, err)
	require.Equal(t, address, again)
	require.Equal(t, make([]byte, 16*kib), block)
}

func TestDestroyUnreleased(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	allocator, err := nbbs.New(logger, testBase, 64*mib, nbbs.CreateOptions{})
	require.NoError(t, err)

	address, err := allocator.Alloc(12 * kib)
	require.NoError(t, err)

	err = allocator.Destroy()
	require.Error(t, err)
	require.Contains(t, logs.String(), "[UNRELEASED MEMORY] unfreed block")
	require.Contains(t, logs.String(), `"size":16384`)

	allocator.Free(address)
	require.NoError(t, allocator.Destroy())
	require.Error(t, allocator.Validate())
}

func TestUseAfterDestroy(t *testing.T) {
	allocator := newTestAllocator(t, 1*mib, nbbs.CreateOptions{})

	address, err := allocator.Alloc(4 * kib)
	require.NoError(t, err)
	allocator.Free(address)
	require.NoError(t, allocator.Destroy())

	_, err = allocator.Alloc(4 * kib)
	require.True(t, errors.Is(err, nbbs.ErrAllocatorDestroyed))

	allocator.Free(address)
	require.Equal(t, 0, allocator.AllocationSize(address))
	require.False(t, allocator.Contains(address))
	require.True(t, errors.Is(allocator.Validate(), nbbs.ErrAllocatorDestroyed))
	require.True(t, errors.Is(allocator.Destroy(), nbbs.ErrAllocatorDestroyed))
}

func TestDestroyIgnoreUnreleased(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	allocator, err := nbbs.New(logger, testBase, 64*mib, nbbs.CreateOptions{Flags: nbbs.AllocatorCreateIgnoreUnreleased})
	require.NoError(t, err)

	_, err = allocator.Alloc(4 * kib)
	require.NoError(t, err)

	require.NoError(t, allocator.Destroy())
	require.Contains(t, logs.String(), "[UNRELEASED MEMORY] unfreed block")
}

func TestStatistics(t *testing.T) {
	allocator := newTestAllocator(t, 1*mib, nbbs.CreateOptions{MaxOrder: 4})

	_, err := allocator.Alloc(64 * kib)
	require.NoError(t, err)
	address, err := allocator.Alloc(4 * kib)
	require.NoError(t, err)
	allocator.Free(address)

	var stats memutils.Statistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		ArenaBytes:      1 * mib,
		AllocationCount: 1,
		AllocationBytes: 64 * kib,
		ReleaseCount:    1,
	}, stats)

	var detailed memutils.DetailedStatistics
	allocator.CalculateDetailedStatistics(&detailed)
	require.Equal(t, stats, detailed.Statistics)
	require.Len(t, detailed.Orders, 5)
	require.Equal(t, 1, detailed.Orders[4].UsedBlocks)
	require.Equal(t, 15, detailed.UnusedRangeCount)
	require.Equal(t, 64*kib, detailed.UnusedRangeSizeMax)
}

func TestBuildStatsString(t *testing.T) {
	allocator := newTestAllocator(t, 1*mib, nbbs.CreateOptions{MaxOrder: 4})

	_, err := allocator.Alloc(8 * kib)
	require.NoError(t, err)

	var summary struct {
		General struct {
			Base string
			Size int
		}
		Total struct {
			TotalBytes  int
			UnusedBytes int
			Allocations int
		}
		DetailedMap *struct {
			Regions []struct {
				Offset int
				Size   int
				Type   string
			}
		}
	}

	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(false)), &summary))
	require.Equal(t, "0x10000000", summary.General.Base)
	require.Equal(t, 1*mib, summary.General.Size)
	require.Equal(t, 1*mib, summary.Total.TotalBytes)
	require.Equal(t, 1*mib-8*kib, summary.Total.UnusedBytes)
	require.Equal(t, 1, summary.Total.Allocations)
	require.Nil(t, summary.DetailedMap)

	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(true)), &summary))
	require.NotNil(t, summary.DetailedMap)
	require.Equal(t, "Allocation", summary.DetailedMap.Regions[0].Type)
	require.Equal(t, 8*kib, summary.DetailedMap.Regions[0].Size)
	require.Equal(t, "Free", summary.DetailedMap.Regions[1].Type)
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "AllocatorCreateZeroMemory", nbbs.AllocatorCreateZeroMemory.String())
	require.Equal(t, "AllocatorCreateIgnoreUnreleased", nbbs.AllocatorCreateIgnoreUnreleased.String())
}

func TestConcurrentAllocFree(t *testing.T) {
	allocator := newTestAllocator(t, 16*mib, nbbs.CreateOptions{})

	const workers = 8
	var owners sync.Map
	var overlaps atomic.Int32

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			for i := 0; i < 1000; i++ {
				address, err := allocator.Alloc(allocator.MinSize())
				if err != nil {
					continue
				}

				if _, loaded := owners.LoadOrStore(address, w); loaded {
					overlaps.Add(1)
				}
				owners.Delete(address)
				allocator.Free(address)
			}
		}(w)
	}
	wg.Wait()

	require.Zero(t, overlaps.Load())
	require.Equal(t, 0, allocator.UsedMemory())
	require.NoError(t, allocator.Validate())
}
