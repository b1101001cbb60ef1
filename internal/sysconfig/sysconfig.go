// Package sysconfig serves runtime-mutable settings from the system_config
// hash in the shared store, behind a short-lived in-process cache.
package sysconfig

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/rcu"
	"github.com/nanjiek/pixiu-gateway/internal/repo"
)

// Recognized setting keys.
const (
	KeyAntibotEnabled        = "antibot-enabled"
	KeyAntibotMinSubmitTime  = "antibot-min-submit-time"
	KeyAntibotHoneypotField  = "antibot-honeypot-field"
	KeyAntibotChallengeType  = "antibot-challenge-type"
	KeyAntibotMetaDelay      = "antibot-metarefresh-delay"
	KeyAntibotPreactDiff     = "antibot-preact-difficulty"
	KeyAnalyticsRetention    = "analytics-retention-days"
	KeyTrafficRetentionHours = "traffic-logs-retention-hours"
	KeyTrafficMaxEntries     = "traffic-logs-max-entries"
)

// Defaults written into the store on first start (only when absent) and
// used as fallbacks when a key is missing or malformed.
var Defaults = map[string]string{
	KeyAntibotEnabled:        "true",
	KeyAntibotMinSubmitTime:  "2000",
	KeyAntibotHoneypotField:  "_hp_email",
	KeyAntibotChallengeType:  "metarefresh",
	KeyAntibotMetaDelay:      "3",
	KeyAntibotPreactDiff:     "1",
	KeyAnalyticsRetention:    "7",
	KeyTrafficRetentionHours: "24",
	KeyTrafficMaxEntries:     "10000",
}

const cacheTTL = 5 * time.Second

type cached struct {
	values   map[string]string
	loadedAt time.Time
}

// Service reads and writes system settings. Reads hit the in-process cache
// and refresh from the store when it goes stale; a store failure serves the
// last-good values.
type Service struct {
	store  repo.Store
	snap   *rcu.Snapshot[cached]
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store repo.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		snap:   rcu.NewSnapshot(&cached{values: map[string]string{}}),
		logger: logger,
		now:    time.Now,
	}
}

// Bootstrap seeds missing defaults into the store. Existing values are
// never overwritten.
func (s *Service) Bootstrap(ctx context.Context) error {
	for key, value := range Defaults {
		if err := s.store.SetConfigIfAbsent(ctx, key, value); err != nil {
			return err
		}
	}
	return s.Refresh(ctx)
}

// Refresh reloads the full hash into the cache.
func (s *Service) Refresh(ctx context.Context) error {
	values, err := s.store.GetConfigAll(ctx)
	if err != nil {
		return err
	}
	s.snap.Replace(&cached{values: values, loadedAt: s.now()})
	return nil
}

// All returns every stored setting merged over the defaults.
func (s *Service) All(ctx context.Context) map[string]string {
	values := s.load(ctx)
	out := make(map[string]string, len(Defaults)+len(values))
	for k, v := range Defaults {
		out[k] = v
	}
	for k, v := range values {
		out[k] = v
	}
	return out
}

// Set updates one setting and refreshes the cache.
func (s *Service) Set(ctx context.Context, key, value string) error {
	if err := s.store.SetConfig(ctx, key, value); err != nil {
		return err
	}
	return s.Refresh(ctx)
}

// GetString returns the setting or def when absent.
func (s *Service) GetString(ctx context.Context, key, def string) string {
	if v, ok := s.load(ctx)[key]; ok && v != "" {
		return v
	}
	return def
}

// GetBool parses a boolean setting, returning def on absence or garbage.
func (s *Service) GetBool(ctx context.Context, key string, def bool) bool {
	v, ok := s.load(ctx)[key]
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return parsed
}

// GetInt64 parses an integer setting, returning def on absence or garbage.
func (s *Service) GetInt64(ctx context.Context, key string, def int64) int64 {
	v, ok := s.load(ctx)[key]
	if !ok {
		return def
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

// AnalyticsRetention returns the minute-bucket retention, clamped to [1,90] days.
func (s *Service) AnalyticsRetention(ctx context.Context) time.Duration {
	days := clamp(s.GetInt64(ctx, KeyAnalyticsRetention, 7), 1, 90)
	return time.Duration(days) * 24 * time.Hour
}

// TrafficLogRetention returns the decision-log retention, clamped to [1,168] hours.
func (s *Service) TrafficLogRetention(ctx context.Context) time.Duration {
	hours := clamp(s.GetInt64(ctx, KeyTrafficRetentionHours, 24), 1, 168)
	return time.Duration(hours) * time.Hour
}

// TrafficLogMaxEntries returns the decision-log cap, clamped to [1000,100000].
func (s *Service) TrafficLogMaxEntries(ctx context.Context) int64 {
	return clamp(s.GetInt64(ctx, KeyTrafficMaxEntries, 10000), 1000, 100000)
}

func (s *Service) load(ctx context.Context) map[string]string {
	c := s.snap.Load()
	if s.now().Sub(c.loadedAt) <= cacheTTL {
		return c.values
	}
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("system config refresh failed, serving cached values", "err", err)
		return c.values
	}
	return s.snap.Load().values
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
