// Package analytics buffers per-request decision counts in process,
// aggregates them into minute buckets in the shared store, and serves the
// summary, time-series and traffic queries the admin plane exposes.
package analytics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/metrics"
	"github.com/nanjiek/pixiu-gateway/internal/repo"
	"github.com/nanjiek/pixiu-gateway/internal/sysconfig"
)

// flushInterval is the aggregator tick.
const flushInterval = 5 * time.Second

// ActiveRuleCounter decouples the summary from the rule cache.
type ActiveRuleCounter interface {
	ActiveCount() int
}

// Summary is the admin-facing rollup for the last 24 hours.
type Summary struct {
	Allowed        int64 `json:"allowed"`
	Blocked        int64 `json:"blocked"`
	ActivePolicies int   `json:"activePolicies"`
	Timestamp      int64 `json:"timestamp"`
}

// TimeSeriesPoint is one minute bucket in the timeseries response.
type TimeSeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Allowed   int64     `json:"allowed"`
	Blocked   int64     `json:"blocked"`
}

// Service owns the pending counters and the aggregation schedule. The hot
// path only touches the two atomics; everything else happens on the tick.
type Service struct {
	store  repo.Store
	cfg    *sysconfig.Service
	rules  ActiveRuleCounter
	logger *slog.Logger
	now    func() time.Time

	pendingAllowed atomic.Int64
	pendingBlocked atomic.Int64
}

func NewService(store repo.Store, cfg *sysconfig.Service, rules ActiveRuleCounter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		cfg:    cfg,
		rules:  rules,
		logger: logger,
		now:    time.Now,
	}
}

// IncrementAllowed records one admitted request.
func (s *Service) IncrementAllowed() { s.pendingAllowed.Add(1) }

// IncrementBlocked records one refused request.
func (s *Service) IncrementBlocked() { s.pendingBlocked.Add(1) }

// StartAggregator flushes on a fixed tick until ctx is done, then performs
// one final flush so shutdown does not drop buffered counts.
func (s *Service) StartAggregator(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Flush(context.Background())
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush swaps the pending counters to zero, adds them into the current
// minute bucket and prunes buckets past the retention cutoff. An empty
// tick is a no-op. Store failures restore nothing: the swapped counts are
// lost, which the best-effort contract accepts.
func (s *Service) Flush(ctx context.Context) {
	allowed := s.pendingAllowed.Swap(0)
	blocked := s.pendingBlocked.Swap(0)
	if allowed == 0 && blocked == 0 {
		return
	}

	minute := s.now().Unix() / 60
	retention := s.cfg.AnalyticsRetention(ctx)

	if err := s.store.IncrStats(ctx, minute, allowed, blocked, retention); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("stats_flush").Inc()
		s.logger.Warn("stats flush failed", "err", err)
		return
	}

	cutoff := minute - int64(retention/time.Minute)
	if err := s.store.PruneStats(ctx, cutoff); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("stats_prune").Inc()
		s.logger.Warn("stats prune failed", "err", err)
	}
}

// GetSummary totals the last 24 hours of buckets and attaches the active
// rule count.
func (s *Service) GetSummary(ctx context.Context) (Summary, error) {
	fromMinute := s.now().Add(-24*time.Hour).Unix() / 60
	buckets, err := s.store.StatsSince(ctx, fromMinute)
	if err != nil {
		return Summary{}, err
	}

	out := Summary{
		ActivePolicies: s.rules.ActiveCount(),
		Timestamp:      s.now().UnixMilli(),
	}
	for _, b := range buckets {
		out.Allowed += b.Allowed
		out.Blocked += b.Blocked
	}
	return out, nil
}

// GetTimeSeries returns per-minute points for the trailing window.
func (s *Service) GetTimeSeries(ctx context.Context, hours int) ([]TimeSeriesPoint, error) {
	if hours <= 0 {
		hours = 24
	}
	fromMinute := s.now().Add(-time.Duration(hours)*time.Hour).Unix() / 60
	buckets, err := s.store.StatsSince(ctx, fromMinute)
	if err != nil {
		return nil, err
	}

	points := make([]TimeSeriesPoint, 0, len(buckets))
	for _, b := range buckets {
		points = append(points, TimeSeriesPoint{
			Timestamp: time.Unix(b.Minute*60, 0).UTC(),
			Allowed:   b.Allowed,
			Blocked:   b.Blocked,
		})
	}
	return points, nil
}
