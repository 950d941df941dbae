package storesync

import (
	"math"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// statsCollector tracks response sizes served by the edge cache.
type statsCollector struct {
	responses atomic.Uint64
	bytes     atomic.Uint64
	minBytes  atomic.Uint64
	maxBytes  atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.responses.Add(1)
	s.bytes.Add(v)

	for {
		cur := s.minBytes.Load()
		if v >= cur || s.minBytes.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if v <= cur || s.maxBytes.CompareAndSwap(cur, v) {
			break
		}
	}
}

type statsSnapshot struct {
	Responses uint64
	Bytes     uint64
	MinBytes  uint64
	MaxBytes  uint64
	AvgBytes  uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.responses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	total := s.bytes.Load()
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Responses: count,
		Bytes:     total,
		MinBytes:  minv,
		MaxBytes:  s.maxBytes.Load(),
		AvgBytes:  total / count,
	}
}

func formatBytes(b uint64) string {
	return humanize.IBytes(b)
}
