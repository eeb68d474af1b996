package metadata_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/quiver/memutils"
	"github.com/vkngwrapper/quiver/memutils/metadata"
)

func TestVMABasicAlloc(t *testing.T) {
	vma := metadata.NewVMABlockMetadata()
	vma.Init(0x10000)

	var stats memutils.DetailedStatistics
	stats.Clear()
	vma.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			HeapCount:       1,
			HeapBytes:       0x10000,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxUint64,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 0x10000,
		UnusedRangeSizeMax: 0x10000,
	}, stats)

	success, req, err := vma.CreateAllocationRequest(0x1000, 0x1000, false, metadata.AllocationStrategyMinTime)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, uint64(0), req.Offset)
	require.Equal(t, metadata.AllocationRequestLowAddress, req.Type)

	err = vma.Alloc(req, "first")
	require.NoError(t, err)
	require.NoError(t, vma.Validate())

	stats.Clear()
	vma.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			HeapCount:       1,
			HeapBytes:       0x10000,
			AllocationCount: 1,
			AllocationBytes: 0x1000,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  0x1000,
		AllocationSizeMax:  0x1000,
		UnusedRangeSizeMin: 0xf000,
		UnusedRangeSizeMax: 0xf000,
	}, stats)

	userData, err := vma.AllocationUserData(req.BlockAllocationHandle)
	require.NoError(t, err)
	require.Equal(t, "first", userData)

	err = vma.Free(req.BlockAllocationHandle)
	require.NoError(t, err)
	require.NoError(t, vma.Validate())
	require.True(t, vma.IsEmpty())
	require.Equal(t, 1, vma.FreeRegionsCount())
	require.Equal(t, uint64(0x10000), vma.SumFreeSize())
}

func TestVMAUpperAddress(t *testing.T) {
	vma := metadata.NewVMABlockMetadata()
	vma.Init(0x10000)

	success, low, err := vma.CreateAllocationRequest(0x1000, 0x1000, false, 0)
	require.NoError(t, err)
	require.True(t, success)
	require.NoError(t, vma.Alloc(low, nil))

	success, high, err := vma.CreateAllocationRequest(0x1000, 0x1000, true, 0)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, uint64(0xf000), high.Offset)
	require.Equal(t, metadata.AllocationRequestUpperAddress, high.Type)
	require.NoError(t, vma.Alloc(high, nil))

	success, high2, err := vma.CreateAllocationRequest(0x800, 0x1000, true, 0)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, uint64(0xe000), high2.Offset)
	require.NoError(t, vma.Alloc(high2, nil))

	require.NoError(t, vma.Validate())
	require.Equal(t, 3, vma.AllocationCount())
	require.Equal(t, 2, vma.FreeRegionsCount())
}

func TestVMAExactPlacement(t *testing.T) {
	vma := metadata.NewVMABlockMetadata()
	vma.Init(0x10000)

	success, req, err := vma.CreateAllocationRequestAt(0x4000, 0x2000)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, metadata.AllocationRequestExact, req.Type)
	require.NoError(t, vma.Alloc(req, nil))
	require.Equal(t, 2, vma.FreeRegionsCount())

	// overlapping the start, the end and the middle all fail
	for _, offset := range []uint64{0x3000, 0x5000, 0x4800} {
		success, _, err = vma.CreateAllocationRequestAt(offset, 0x2000)
		require.NoError(t, err)
		require.False(t, success, "offset %x", offset)
	}

	// past the end of the block
	success, _, err = vma.CreateAllocationRequestAt(0xf000, 0x2000)
	require.NoError(t, err)
	require.False(t, success)

	success, _, err = vma.CreateAllocationRequestAt(math.MaxUint64-10, 0x1000)
	require.NoError(t, err)
	require.False(t, success)

	// adjacent is fine
	success, req2, err := vma.CreateAllocationRequestAt(0x6000, 0x1000)
	require.NoError(t, err)
	require.True(t, success)
	require.NoError(t, vma.Alloc(req2, nil))

	require.Error(t, vma.FreeRange(0x4000, 0x1000))
	require.NoError(t, vma.FreeRange(0x4000, 0x2000))
	require.NoError(t, vma.FreeRange(0x6000, 0x1000))
	require.NoError(t, vma.Validate())
	require.Equal(t, 1, vma.FreeRegionsCount())
}

func TestVMAStaleRequest(t *testing.T) {
	vma := metadata.NewVMABlockMetadata()
	vma.Init(0x4000)

	success, req, err := vma.CreateAllocationRequestAt(0x1000, 0x1000)
	require.NoError(t, err)
	require.True(t, success)
	require.NoError(t, vma.Alloc(req, nil))

	require.Error(t, vma.Alloc(req, nil))
	require.Error(t, vma.Free(metadata.HandleForOffset(0x2000)))
}

func TestVMABestFit(t *testing.T) {
	vma := metadata.NewVMABlockMetadata()
	vma.Init(0x10000)

	// carve holes of 0x3000 at 0 and 0x1000 at 0x4000
	for _, offset := range []uint64{0x3000, 0x5000} {
		success, req, err := vma.CreateAllocationRequestAt(offset, 0x1000)
		require.NoError(t, err)
		require.True(t, success)
		require.NoError(t, vma.Alloc(req, nil))
	}

	success, req, err := vma.CreateAllocationRequest(0x1000, 0x1000, false, metadata.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, uint64(0x4000), req.Offset)

	success, req, err = vma.CreateAllocationRequest(0x1000, 0x1000, false, metadata.AllocationStrategyMinTime)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, uint64(0), req.Offset)
}

func TestVMAExhaustion(t *testing.T) {
	vma := metadata.NewVMABlockMetadata()
	vma.Init(0x2000)

	success, _, err := vma.CreateAllocationRequest(0x3000, 1, false, 0)
	require.NoError(t, err)
	require.False(t, success)

	_, _, err = vma.CreateAllocationRequest(0x1000, 3, false, 0)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, _, err = vma.CreateAllocationRequest(0, 1, false, 0)
	require.Error(t, err)
}

func TestVMAVisitOrder(t *testing.T) {
	vma := metadata.NewVMABlockMetadata()
	vma.Init(0x5000)

	for _, offset := range []uint64{0x3000, 0x1000} {
		success, req, err := vma.CreateAllocationRequestAt(offset, 0x1000)
		require.NoError(t, err)
		require.True(t, success)
		require.NoError(t, vma.Alloc(req, offset))
	}

	var regions []metadata.Suballocation
	err := vma.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset uint64, size uint64, userData any, free bool) error {
		regions = append(regions, metadata.Suballocation{Offset: offset, Size: size, UserData: userData, Free: free})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []metadata.Suballocation{
		{Offset: 0, Size: 0x1000, Free: true},
		{Offset: 0x1000, Size: 0x1000, UserData: uint64(0x1000)},
		{Offset: 0x2000, Size: 0x1000, Free: true},
		{Offset: 0x3000, Size: 0x1000, UserData: uint64(0x3000)},
		{Offset: 0x4000, Size: 0x1000, Free: true},
	}, regions)
}

func TestVMARandomized(t *testing.T) {
	vma := metadata.NewVMABlockMetadata()
	vma.Init(1 << 24)

	rnd := rand.New(rand.NewSource(1))
	var live []metadata.BlockAllocationHandle

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rnd.Intn(3) == 0 {
			index := rnd.Intn(len(live))
			require.NoError(t, vma.Free(live[index]))
			live = append(live[:index], live[index+1:]...)
		} else {
			size := uint64(rnd.Intn(16)+1) * 0x1000
			success, req, err := vma.CreateAllocationRequest(size, 0x1000, rnd.Intn(2) == 0, metadata.AllocationStrategy(rnd.Intn(3)))
			require.NoError(t, err)
			if !success {
				continue
			}
			require.NoError(t, vma.Alloc(req, nil))
			live = append(live, req.BlockAllocationHandle)
		}

		require.NoError(t, vma.Validate())
	}

	for _, handle := range live {
		require.NoError(t, vma.Free(handle))
	}
	require.NoError(t, vma.Validate())
	require.Equal(t, 1, vma.FreeRegionsCount())
	require.True(t, vma.IsEmpty())
}
