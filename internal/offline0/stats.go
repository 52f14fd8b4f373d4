package offline0

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

// statsCollector tracks the size of response bodies served through the
// gateway.
type statsCollector struct {
	total     atomic.Uint64
	totalSize atomic.Uint64
	minSize   atomic.Uint64
	maxSize   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minSize.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(size int) {
	if size < 0 {
		size = 0
	}
	n := uint64(size)
	s.total.Add(1)
	s.totalSize.Add(n)

	for {
		cur := s.minSize.Load()
		if n >= cur || s.minSize.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxSize.Load()
		if n <= cur || s.maxSize.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Responses uint64
	MinBytes  uint64
	MaxBytes  uint64
	AvgBytes  uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.total.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minSize.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Responses: count,
		MinBytes:  minv,
		MaxBytes:  s.maxSize.Load(),
		AvgBytes:  s.totalSize.Load() / count,
	}
}

func (s *Service) statsLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.logStats(ctx)
		}
	}
}

func (s *Service) logStats(ctx context.Context) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Warn("stats failed", "error", err)
		return
	}
	ramItems, ramBytes := s.cache.ramStats()
	ss := s.stats.Snapshot()
	args := []any{
		"online", s.monitor.Status(),
		"sync", s.syncer.Status(),
		"cached", st.CachedData,
		"ramItems", ramItems,
		"ramUsage", ByteSize(ramBytes).String(),
		"pending", st.Pending,
		"failed", st.Failed,
		"responses", ss.Responses,
		"respMinAvgMax", ByteSize(ss.MinBytes).String() + "/" + ByteSize(ss.AvgBytes).String() + "/" + ByteSize(ss.MaxBytes).String(),
	}
	if rss, ok := processRSSBytes(); ok {
		args = append(args, "rss", ByteSize(rss).String())
	}
	s.logger.Info("stats", args...)
}
