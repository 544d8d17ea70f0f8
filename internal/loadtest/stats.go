package loadtest

import (
	"sort"
	"time"
)

// Stats holds delivery statistics for the broadcast phase
type Stats struct {
	ExpectedDeliveries int
	Delivered          int
	Mismatches         int
	SessionErrors      int
	Latencies          []int64 // send-to-receive, milliseconds
	TotalLatencyMs     int64
	MinLatencyMs       int64
	MaxLatencyMs       int64
	Elapsed            time.Duration
}

// NewStats creates a new Stats instance
func NewStats(expected int) *Stats {
	capacity := expected
	if capacity > 100000 {
		capacity = 100000
	}
	return &Stats{
		ExpectedDeliveries: expected,
		Latencies:          make([]int64, 0, capacity),
		MinLatencyMs:       -1,
		MaxLatencyMs:       -1,
	}
}

// AddDelivery records one received MESSAGE. A negative latency means
// the frame carried no send timestamp.
func (s *Stats) AddDelivery(latencyMs int64) {
	s.Delivered++
	if latencyMs < 0 {
		return
	}
	s.TotalLatencyMs += latencyMs
	s.Latencies = append(s.Latencies, latencyMs)

	if s.MinLatencyMs == -1 || latencyMs < s.MinLatencyMs {
		s.MinLatencyMs = latencyMs
	}
	if s.MaxLatencyMs == -1 || latencyMs > s.MaxLatencyMs {
		s.MaxLatencyMs = latencyMs
	}
}

// AvgLatencyMs returns the average latency in milliseconds
func (s *Stats) AvgLatencyMs() float64 {
	if len(s.Latencies) == 0 {
		return 0
	}
	return float64(s.TotalLatencyMs) / float64(len(s.Latencies))
}

// Min returns the minimum latency, or 0 if no results
func (s *Stats) Min() int64 {
	if s.MinLatencyMs == -1 {
		return 0
	}
	return s.MinLatencyMs
}

// Max returns the maximum latency, or 0 if no results
func (s *Stats) Max() int64 {
	if s.MaxLatencyMs == -1 {
		return 0
	}
	return s.MaxLatencyMs
}

// Percentile calculates the percentile value (p should be between 0 and 100)
func (s *Stats) Percentile(p float64) int64 {
	if len(s.Latencies) == 0 {
		return 0
	}

	sorted := make([]int64, len(s.Latencies))
	copy(sorted, s.Latencies)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	index := (p / 100.0) * float64(len(sorted)-1)
	lower := int(index)
	upper := lower + 1

	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}

	// Linear interpolation between lower and upper
	weight := index - float64(lower)
	return int64(float64(sorted[lower])*(1-weight) + float64(sorted[upper])*weight)
}

// P50 returns the 50th percentile (median)
func (s *Stats) P50() int64 {
	return s.Percentile(50)
}

// P95 returns the 95th percentile
func (s *Stats) P95() int64 {
	return s.Percentile(95)
}

// P99 returns the 99th percentile
func (s *Stats) P99() int64 {
	return s.Percentile(99)
}

// Throughput returns delivered messages per second over the broadcast phase
func (s *Stats) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Delivered) / s.Elapsed.Seconds()
}

// Progress returns the completion progress as a percentage
func (s *Stats) Progress() float64 {
	if s.ExpectedDeliveries == 0 {
		return 0
	}
	return float64(s.Delivered) / float64(s.ExpectedDeliveries) * 100
}

// Clone returns a copy safe to read while the original keeps changing
func (s *Stats) Clone() *Stats {
	c := *s
	c.Latencies = make([]int64, len(s.Latencies))
	copy(c.Latencies, s.Latencies)
	return &c
}
