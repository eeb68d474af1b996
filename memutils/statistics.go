package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics totals the ranges placed in one or more address heaps. A buffer object registry reports
// live objects as allocations and leaves HeapCount zero.
type Statistics struct {
	HeapCount       int
	AllocationCount int
	HeapBytes       uint64
	AllocationBytes uint64
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.HeapCount += other.HeapCount
	s.AllocationCount += other.AllocationCount
	s.HeapBytes += other.HeapBytes
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics adds size extremes and a count of holes, which makes fragmentation of the
// address space visible. Min fields hold math.MaxUint64 until something is added.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  uint64
	AllocationSizeMax  uint64
	UnusedRangeSizeMin uint64
	UnusedRangeSizeMax uint64
}

func (s *DetailedStatistics) Clear() {
	*s = DetailedStatistics{
		AllocationSizeMin:  math.MaxUint64,
		UnusedRangeSizeMin: math.MaxUint64,
	}
}

func (s *DetailedStatistics) AddUnusedRange(size uint64) {
	s.UnusedRangeCount++
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, size)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, size)
}

func (s *DetailedStatistics) AddAllocation(size uint64) {
	s.AllocationCount++
	s.AllocationBytes += size
	s.AllocationSizeMin = min(s.AllocationSizeMin, size)
	s.AllocationSizeMax = max(s.AllocationSizeMax, size)
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, other.UnusedRangeSizeMin)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, other.UnusedRangeSizeMax)
	s.AllocationSizeMin = min(s.AllocationSizeMin, other.AllocationSizeMin)
	s.AllocationSizeMax = max(s.AllocationSizeMax, other.AllocationSizeMax)
}

// PrintJson writes the statistics as members of an open JSON object. Size extremes are left out
// while they would be meaningless.
func (s *DetailedStatistics) PrintJson(json *jwriter.ObjectState) {
	json.Name("HeapCount").Int(s.HeapCount)
	json.Name("HeapBytes").Float64(float64(s.HeapBytes))
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("AllocationBytes").Float64(float64(s.AllocationBytes))
	json.Name("UnusedRangeCount").Int(s.UnusedRangeCount)

	if s.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Float64(float64(s.AllocationSizeMin))
		json.Name("AllocationSizeMax").Float64(float64(s.AllocationSizeMax))
	}

	if s.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Float64(float64(s.UnusedRangeSizeMin))
		json.Name("UnusedRangeSizeMax").Float64(float64(s.UnusedRangeSizeMax))
	}
}
