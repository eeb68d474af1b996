package metadata

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/quiver/memutils"
)

type vmaHole struct {
	offset uint64
	size   uint64
}

func (h vmaHole) end() uint64 { return h.offset + h.size }

type vmaAllocation struct {
	offset   uint64
	size     uint64
	reserved uint64
	userData any
}

// VMABlockMetadata is a BlockMetadata implementation built for GPU virtual address spaces. Free space
// is a sorted list of holes that are merged whenever they touch. Unlike general purpose memory heaps,
// it can place an allocation at an exact offset chosen by the consumer, which is required to replay
// captured address layouts, and it can place allocations downward from the end of the range so that
// two populations of allocations grow toward each other without interleaving.
//
// Allocation handles are the allocation offset plus one, so consumers that only know an address can
// recover the handle with HandleForOffset.
type VMABlockMetadata struct {
	BlockMetadataBase

	holes       []vmaHole
	allocations *swiss.Map[BlockAllocationHandle, vmaAllocation]
	sumFree     uint64
}

var _ BlockMetadata = &VMABlockMetadata{}

func NewVMABlockMetadata() *VMABlockMetadata {
	return &VMABlockMetadata{}
}

// HandleForOffset returns the allocation handle that an allocation at the provided offset would have
func HandleForOffset(offset uint64) BlockAllocationHandle {
	return BlockAllocationHandle(offset + 1)
}

func (m *VMABlockMetadata) Init(size uint64) {
	m.BlockMetadataBase.Init(size)
	m.allocations = swiss.NewMap[BlockAllocationHandle, vmaAllocation](64)
	m.holes = m.holes[:0]
	if size > 0 {
		m.holes = append(m.holes, vmaHole{offset: 0, size: size})
	}
	m.sumFree = size
}

func (m *VMABlockMetadata) AllocationCount() int { return m.allocations.Count() }
func (m *VMABlockMetadata) FreeRegionsCount() int { return len(m.holes) }
func (m *VMABlockMetadata) SumFreeSize() uint64  { return m.sumFree }
func (m *VMABlockMetadata) IsEmpty() bool        { return m.allocations.Count() == 0 }

// holeContaining returns the index of the hole that fully contains [offset, offset+size), or -1
func (m *VMABlockMetadata) holeContaining(offset, size uint64) int {
	if size > m.size || offset > m.size-size {
		return -1
	}

	index := sort.Search(len(m.holes), func(i int) bool {
		return m.holes[i].end() > offset
	})
	if index >= len(m.holes) {
		return -1
	}

	hole := m.holes[index]
	if hole.offset > offset || offset+size > hole.end() {
		return -1
	}

	return index
}

func (m *VMABlockMetadata) CreateAllocationRequest(
	allocSize uint64, allocAlignment uint64,
	upperAddress bool,
	strategy AllocationStrategy,
) (bool, AllocationRequest, error) {
	if allocSize == 0 {
		return false, AllocationRequest{}, errors.New("cannot allocate an empty range")
	}
	if allocAlignment == 0 {
		allocAlignment = 1
	}
	err := memutils.CheckPow2(allocAlignment, "allocAlignment")
	if err != nil {
		return false, AllocationRequest{}, err
	}

	reserved := allocSize + memutils.DebugMargin
	if reserved < allocSize || reserved > m.sumFree {
		return false, AllocationRequest{}, nil
	}

	found := -1
	var offset uint64

	if upperAddress {
		for i := len(m.holes) - 1; i >= 0; i-- {
			hole := m.holes[i]
			if hole.size < reserved {
				continue
			}

			candidate := memutils.AlignDown(hole.end()-reserved, allocAlignment)
			if candidate < hole.offset {
				continue
			}

			found = i
			offset = candidate
			break
		}
	} else {
		var bestSize uint64
		for i, hole := range m.holes {
			candidate := memutils.AlignUp(hole.offset, allocAlignment)
			if candidate < hole.offset || candidate > hole.end() || hole.end()-candidate < reserved {
				continue
			}

			if strategy&AllocationStrategyMinMemory == 0 {
				found = i
				offset = candidate
				break
			}

			if found < 0 || hole.size < bestSize {
				found = i
				offset = candidate
				bestSize = hole.size
			}
		}
	}

	if found < 0 {
		return false, AllocationRequest{}, nil
	}

	requestType := AllocationRequestLowAddress
	if upperAddress {
		requestType = AllocationRequestUpperAddress
	}

	return true, AllocationRequest{
		BlockAllocationHandle: HandleForOffset(offset),
		Offset:                offset,
		Size:                  allocSize,
		Type:                  requestType,
		AlgorithmData:         reserved,
	}, nil
}

func (m *VMABlockMetadata) CreateAllocationRequestAt(offset uint64, allocSize uint64) (bool, AllocationRequest, error) {
	if allocSize == 0 {
		return false, AllocationRequest{}, errors.New("cannot allocate an empty range")
	}

	if m.holeContaining(offset, allocSize) < 0 {
		return false, AllocationRequest{}, nil
	}

	return true, AllocationRequest{
		BlockAllocationHandle: HandleForOffset(offset),
		Offset:                offset,
		Size:                  allocSize,
		Type:                  AllocationRequestExact,
		AlgorithmData:         allocSize,
	}, nil
}

func (m *VMABlockMetadata) Alloc(request AllocationRequest, userData any) error {
	reserved := request.AlgorithmData
	if reserved < request.Size {
		return errors.Newf("allocation request at offset %d reserves %d bytes but requested %d", request.Offset, reserved, request.Size)
	}
	if request.BlockAllocationHandle != HandleForOffset(request.Offset) {
		return errors.Newf("allocation request handle %d does not match offset %d", request.BlockAllocationHandle, request.Offset)
	}

	index := m.holeContaining(request.Offset, reserved)
	if index < 0 {
		return errors.Newf("allocation request for range [%d, %d) is no longer valid", request.Offset, request.Offset+reserved)
	}

	hole := m.holes[index]
	var replacement []vmaHole
	if request.Offset > hole.offset {
		replacement = append(replacement, vmaHole{offset: hole.offset, size: request.Offset - hole.offset})
	}
	if request.Offset+reserved < hole.end() {
		replacement = append(replacement, vmaHole{offset: request.Offset + reserved, size: hole.end() - request.Offset - reserved})
	}

	tail := append([]vmaHole(nil), m.holes[index+1:]...)
	m.holes = append(append(m.holes[:index], replacement...), tail...)

	m.allocations.Put(request.BlockAllocationHandle, vmaAllocation{
		offset:   request.Offset,
		size:     request.Size,
		reserved: reserved,
		userData: userData,
	})
	m.sumFree -= reserved

	memutils.DebugValidate(m)
	return nil
}

func (m *VMABlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	alloc, ok := m.allocations.Get(allocHandle)
	if !ok {
		return errors.Newf("attempted to free unknown allocation handle %d", allocHandle)
	}
	m.allocations.Delete(allocHandle)
	m.insertHole(vmaHole{offset: alloc.offset, size: alloc.reserved})
	m.sumFree += alloc.reserved

	memutils.DebugValidate(m)
	return nil
}

// FreeRange frees the allocation beginning at offset. The size must match the size the allocation
// was requested with.
func (m *VMABlockMetadata) FreeRange(offset uint64, size uint64) error {
	handle := HandleForOffset(offset)
	alloc, ok := m.allocations.Get(handle)
	if !ok {
		return errors.Newf("no allocation begins at offset %d", offset)
	}
	if alloc.size != size {
		return errors.Newf("allocation at offset %d has size %d, but %d was freed", offset, alloc.size, size)
	}

	return m.Free(handle)
}

func (m *VMABlockMetadata) insertHole(hole vmaHole) {
	index := sort.Search(len(m.holes), func(i int) bool {
		return m.holes[i].offset > hole.offset
	})

	mergePrev := index > 0 && m.holes[index-1].end() == hole.offset
	mergeNext := index < len(m.holes) && hole.end() == m.holes[index].offset

	switch {
	case mergePrev && mergeNext:
		m.holes[index-1].size += hole.size + m.holes[index].size
		m.holes = append(m.holes[:index], m.holes[index+1:]...)
	case mergePrev:
		m.holes[index-1].size += hole.size
	case mergeNext:
		m.holes[index].offset = hole.offset
		m.holes[index].size += hole.size
	default:
		m.holes = append(m.holes, vmaHole{})
		copy(m.holes[index+1:], m.holes[index:])
		m.holes[index] = hole
	}
}

func (m *VMABlockMetadata) sortedAllocations() []vmaAllocation {
	allocs := make([]vmaAllocation, 0, m.allocations.Count())
	m.allocations.Iter(func(_ BlockAllocationHandle, alloc vmaAllocation) bool {
		allocs = append(allocs, alloc)
		return false
	})
	sort.Slice(allocs, func(i, j int) bool {
		return allocs[i].offset < allocs[j].offset
	})
	return allocs
}

func (m *VMABlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset uint64, size uint64, userData any, free bool) error) error {
	allocs := m.sortedAllocations()

	holeIndex := 0
	allocIndex := 0
	for holeIndex < len(m.holes) || allocIndex < len(allocs) {
		if allocIndex >= len(allocs) || (holeIndex < len(m.holes) && m.holes[holeIndex].offset < allocs[allocIndex].offset) {
			hole := m.holes[holeIndex]
			err := handleBlock(NoAllocation, hole.offset, hole.size, nil, true)
			if err != nil {
				return err
			}
			holeIndex++
			continue
		}

		alloc := allocs[allocIndex]
		err := handleBlock(HandleForOffset(alloc.offset), alloc.offset, alloc.size, alloc.userData, false)
		if err != nil {
			return err
		}
		allocIndex++
	}

	return nil
}

func (m *VMABlockMetadata) Validate() error {
	var sumFree uint64
	for i, hole := range m.holes {
		if hole.size == 0 {
			return errors.Newf("hole %d is empty", i)
		}
		if hole.end() > m.size || hole.end() < hole.offset {
			return errors.Newf("hole %d [%d, %d) runs past the end of the block", i, hole.offset, hole.end())
		}
		if i > 0 && m.holes[i-1].end() >= hole.offset {
			return errors.Newf("hole %d is not separated from the previous hole", i)
		}
		sumFree += hole.size
	}

	if sumFree != m.sumFree {
		return errors.Newf("free size is tracked as %d but holes add up to %d", m.sumFree, sumFree)
	}

	// every byte must be covered by exactly one hole or allocation
	var cursor uint64
	holeIndex := 0
	for _, alloc := range m.sortedAllocations() {
		for holeIndex < len(m.holes) && m.holes[holeIndex].offset < alloc.offset {
			if m.holes[holeIndex].offset != cursor {
				return errors.Newf("address range [%d, %d) is not accounted for", cursor, m.holes[holeIndex].offset)
			}
			cursor = m.holes[holeIndex].end()
			holeIndex++
		}

		if alloc.offset != cursor {
			return errors.Newf("allocation at offset %d overlaps or leaves a gap after offset %d", alloc.offset, cursor)
		}
		if alloc.reserved < alloc.size {
			return errors.Newf("allocation at offset %d reserves less than its size", alloc.offset)
		}
		cursor = alloc.offset + alloc.reserved
	}
	for ; holeIndex < len(m.holes); holeIndex++ {
		if m.holes[holeIndex].offset != cursor {
			return errors.Newf("address range [%d, %d) is not accounted for", cursor, m.holes[holeIndex].offset)
		}
		cursor = m.holes[holeIndex].end()
	}
	if cursor != m.size {
		return errors.Newf("regions end at %d but the block is %d bytes", cursor, m.size)
	}

	return nil
}

func (m *VMABlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (uint64, error) {
	alloc, ok := m.allocations.Get(allocHandle)
	if !ok {
		return 0, errors.Newf("unknown allocation handle %d", allocHandle)
	}
	return alloc.offset, nil
}

func (m *VMABlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (uint64, error) {
	alloc, ok := m.allocations.Get(allocHandle)
	if !ok {
		return 0, errors.Newf("unknown allocation handle %d", allocHandle)
	}
	return alloc.size, nil
}

func (m *VMABlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	alloc, ok := m.allocations.Get(allocHandle)
	if !ok {
		return nil, errors.Newf("unknown allocation handle %d", allocHandle)
	}
	return alloc.userData, nil
}

func (m *VMABlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	alloc, ok := m.allocations.Get(allocHandle)
	if !ok {
		return errors.Newf("unknown allocation handle %d", allocHandle)
	}
	alloc.userData = userData
	m.allocations.Put(allocHandle, alloc)
	return nil
}

func (m *VMABlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.HeapCount++
	stats.HeapBytes += m.size

	m.allocations.Iter(func(_ BlockAllocationHandle, alloc vmaAllocation) bool {
		stats.AddAllocation(alloc.size)
		return false
	})

	for _, hole := range m.holes {
		stats.AddUnusedRange(hole.size)
	}
}

func (m *VMABlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.HeapCount++
	stats.HeapBytes += m.size
	stats.AllocationCount += m.allocations.Count()

	m.allocations.Iter(func(_ BlockAllocationHandle, alloc vmaAllocation) bool {
		stats.AllocationBytes += alloc.size
		return false
	})
}

func (m *VMABlockMetadata) Clear() {
	m.Init(m.size)
}

func (m *VMABlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.sumFree, m.allocations.Count(), len(m.holes))
}
