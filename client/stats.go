package client

import (
	"math"
	"sync"
	"time"
)

// Stats records commit latencies with Welford's online algorithm and derives
// throughput from the measurement window.
type Stats struct {
	mut    sync.Mutex
	mean   float64
	m2     float64
	count  uint64
	failed uint64
	start  time.Time
	end    time.Time
}

// Result is a summary of a measurement window.
type Result struct {
	// Count is the number of committed requests.
	Count uint64
	// Failed is the number of requests given up on.
	Failed uint64
	// Duration is the length of the measurement window.
	Duration time.Duration
	// Throughput is the number of commits per second.
	Throughput float64
	// LatencyAvg is the mean commit latency.
	LatencyAvg time.Duration
	// LatencyStdDev is the standard deviation of the commit latency.
	LatencyStdDev time.Duration
}

// Start marks the beginning of the measurement window.
func (s *Stats) Start() {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.start = time.Now()
}

// End marks the end of the measurement window.
func (s *Stats) End() {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.end = time.Now()
}

// AddLatency adds the latency of one committed request to the estimate.
func (s *Stats) AddLatency(latency time.Duration) {
	s.mut.Lock()
	defer s.mut.Unlock()
	val := float64(latency)
	s.count++
	delta := val - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (val - s.mean)
}

// AddFailure counts a request that never committed.
func (s *Stats) AddFailure() {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.failed++
}

// Result returns the summary of the window so far.
func (s *Stats) Result() Result {
	s.mut.Lock()
	defer s.mut.Unlock()
	end := s.end
	if end.IsZero() {
		end = time.Now()
	}
	duration := end.Sub(s.start)
	result := Result{
		Count:      s.count,
		Failed:     s.failed,
		Duration:   duration,
		LatencyAvg: time.Duration(s.mean),
	}
	if duration > 0 {
		result.Throughput = float64(s.count) / duration.Seconds()
	}
	if s.count >= 2 {
		variance := s.m2 / float64(s.count-1)
		result.LatencyStdDev = time.Duration(math.Sqrt(variance))
	}
	return result
}
