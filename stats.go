package netguard

import (
	"sync/atomic"
	"time"
)

// Stats counts handled requests for one server run. Counters are updated
// atomically per completed request and reset only on restart.
type Stats struct {
	total   atomic.Int64
	blocked atomic.Int64
	allowed atomic.Int64

	startUnixNano atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	TotalRequests   int64         `json:"total_requests"`
	BlockedRequests int64         `json:"blocked_requests"`
	AllowedRequests int64         `json:"allowed_requests"`
	StartTime       time.Time     `json:"start_time"`
	Uptime          time.Duration `json:"uptime"`
}

// Reset zeroes the counters and marks a new run start.
func (s *Stats) Reset() {
	s.total.Store(0)
	s.blocked.Store(0)
	s.allowed.Store(0)
	s.startUnixNano.Store(time.Now().UnixNano())
}

// RecordBlocked counts one blocked request.
func (s *Stats) RecordBlocked() {
	s.total.Add(1)
	s.blocked.Add(1)
}

// RecordAllowed counts one allowed, completed request.
func (s *Stats) RecordAllowed() {
	s.total.Add(1)
	s.allowed.Add(1)
}

// Snapshot returns a consistent-enough copy for reporting. Individual
// counters are read atomically; the set as a whole is best-effort.
func (s *Stats) Snapshot() StatsSnapshot {
	start := time.Unix(0, s.startUnixNano.Load())
	var uptime time.Duration
	if s.startUnixNano.Load() != 0 {
		uptime = time.Since(start).Truncate(time.Millisecond)
	} else {
		start = time.Time{}
	}
	return StatsSnapshot{
		TotalRequests:   s.total.Load(),
		BlockedRequests: s.blocked.Load(),
		AllowedRequests: s.allowed.Load(),
		StartTime:       start,
		Uptime:          uptime,
	}
}
