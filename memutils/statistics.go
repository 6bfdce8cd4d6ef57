package memutils

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

// Statistics sums up the backing buffers and live sub-allocations of one or more
// buffers
type Statistics struct {
	BufferCount     int
	AllocationCount int
	BufferBytes     int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.BufferCount = 0
	s.AllocationCount = 0
	s.BufferBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BufferCount += other.BufferCount
	s.AllocationCount += other.AllocationCount
	s.BufferBytes += other.BufferBytes
	s.AllocationBytes += other.AllocationBytes
}

// UnusedBytes is the number of bytes in backing buffers that are not leased to any sub-allocation
func (s *Statistics) UnusedBytes() int {
	return s.BufferBytes - s.AllocationBytes
}

func (s Statistics) String() string {
	return fmt.Sprintf("%d buffers (%s), %d allocations (%s)",
		s.BufferCount, humanize.IBytes(uint64(s.BufferBytes)),
		s.AllocationCount, humanize.IBytes(uint64(s.AllocationBytes)))
}

// DetailedStatistics extends Statistics with the size ranges of sub-allocations and of the
// free extents between them
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, size)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, size)
}

func (s *DetailedStatistics) AddAllocation(size int) {
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
