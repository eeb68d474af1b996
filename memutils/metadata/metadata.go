package metadata

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/quiver/memutils"
)

// BlockAllocationHandle identifies a live range within a BlockMetadata
type BlockAllocationHandle uint64

const NoAllocation BlockAllocationHandle = math.MaxUint64

// AllocationStrategy picks between free ranges that could all hold a new range. The zero value is
// first fit.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory takes the smallest hole that fits
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime takes the first hole that fits
	AllocationStrategyMinTime
)

// AllocationRequestType records which end of the block a range was placed from
type AllocationRequestType uint32

const (
	AllocationRequestLowAddress AllocationRequestType = iota
	AllocationRequestUpperAddress
	// AllocationRequestExact ranges start at an offset the caller chose
	AllocationRequestExact
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestLowAddress:   "LowAddress",
	AllocationRequestUpperAddress: "UpperAddress",
	AllocationRequestExact:        "Exact",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is a placement that has been found but not yet committed with BlockMetadata.Alloc.
// It goes stale as soon as the block changes.
type AllocationRequest struct {
	BlockAllocationHandle BlockAllocationHandle
	Offset                uint64
	Size                  uint64
	Type                  AllocationRequestType

	// AlgorithmData is private to the BlockMetadata implementation
	AlgorithmData uint64
}

// Suballocation is one region reported by BlockMetadata.VisitAllRegions
type Suballocation struct {
	Offset   uint64
	Size     uint64
	UserData any
	Free     bool
}

// BlockMetadata tracks which parts of a contiguous address range are in use. Offsets are relative to
// the start of the range.
type BlockMetadata interface {
	Init(size uint64)
	Size() uint64

	// Validate checks internal consistency. It can be slow.
	Validate() error
	AllocationCount() int
	// FreeRegionsCount counts holes. Neighboring holes are always merged.
	FreeRegionsCount() int
	SumFreeSize() uint64
	IsEmpty() bool

	// VisitAllRegions calls handleBlock for every range and hole in ascending offset order
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset uint64, size uint64, userData any, free bool) error) error

	AllocationOffset(allocHandle BlockAllocationHandle) (uint64, error)
	AllocationSize(allocHandle BlockAllocationHandle) (uint64, error)
	AllocationUserData(allocHandle BlockAllocationHandle) (any, error)
	SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error

	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	AddStatistics(stats *memutils.Statistics)

	// Clear drops every range at once
	Clear()
	BlockJsonData(json jwriter.ObjectState)

	// CreateAllocationRequest finds room for allocSize bytes aligned to the power-of-two
	// allocAlignment. upperAddress searches down from the end of the block instead of up from the
	// start. It returns false when no hole is large enough.
	CreateAllocationRequest(allocSize uint64, allocAlignment uint64, upperAddress bool, strategy AllocationStrategy) (bool, AllocationRequest, error)
	// CreateAllocationRequestAt returns false unless [offset, offset+allocSize) is entirely free
	CreateAllocationRequestAt(offset uint64, allocSize uint64) (bool, AllocationRequest, error)
	// Alloc commits a request. It fails if the request has gone stale.
	Alloc(request AllocationRequest, userData any) error
	// Free fails if the handle does not name a live range
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase holds what every BlockMetadata implementation shares
type BlockMetadataBase struct {
	size uint64
}

func (m *BlockMetadataBase) Init(size uint64) {
	m.size = size
}

func (m *BlockMetadataBase) Size() uint64 { return m.size }

func (m *BlockMetadataBase) BlockJsonData(json jwriter.ObjectState, unusedBytes uint64, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Float64(float64(m.Size()))
	json.Name("UnusedBytes").Float64(float64(unusedBytes))
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
