package connector

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// latency is recorded in microseconds, up to one hour, 3 significant digits.
const maxLatencyMicros = int64(time.Hour / time.Microsecond)

// Stats tracks call outcomes and latency for one worker.
type Stats struct {
	mu        sync.Mutex
	latency   *hdrhistogram.Histogram
	calls     int64
	failures  int64
	retries   int64
	exhausted int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Calls     int64         `json:"calls"`
	Failures  int64         `json:"failures"`
	Retries   int64         `json:"retries"`
	Exhausted int64         `json:"exhausted"`
	P50       time.Duration `json:"p50"`
	P95       time.Duration `json:"p95"`
	P99       time.Duration `json:"p99"`
	Max       time.Duration `json:"max"`
}

func newStats() *Stats {
	return &Stats{latency: hdrhistogram.New(1, maxLatencyMicros, 3)}
}

func (s *Stats) recordAttempt(d time.Duration, ok bool, retry bool) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	if us > maxLatencyMicros {
		us = maxLatencyMicros
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.latency.RecordValue(us)
	s.calls++
	if !ok {
		s.failures++
	}
	if retry {
		s.retries++
	}
}

func (s *Stats) recordExhausted() {
	s.mu.Lock()
	s.exhausted++
	s.mu.Unlock()
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Calls:     s.calls,
		Failures:  s.failures,
		Retries:   s.retries,
		Exhausted: s.exhausted,
	}
	if s.latency.TotalCount() > 0 {
		snap.P50 = micros(s.latency.ValueAtQuantile(50))
		snap.P95 = micros(s.latency.ValueAtQuantile(95))
		snap.P99 = micros(s.latency.ValueAtQuantile(99))
		snap.Max = micros(s.latency.Max())
	}
	return snap
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}
