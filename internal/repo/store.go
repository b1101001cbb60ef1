package repo

import (
	"context"
	"fmt"
	"time"
)

// Shared-state key layout. All components coordinate exclusively through
// these keys; single-key atomicity is sufficient (no transactions).
const (
	KeyRules      = "rate_limit_rules"    // hash: field = rule ID, value = serialized rule
	KeyConfig     = "system_config"       // hash: field = setting key, value = string
	KeyTrafficLog = "traffic_logs"        // list: serialized decision entries, left-pushed, trimmed
	KeyStatsIndex = "request_stats:index" // zset: member = minute, score = minute

	counterPrefix = "request_counter:"
	statsPrefix   = "request_stats:"
)

// CounterKey builds the per-(rule, identifier) counter key.
func CounterKey(ruleID, identifier string) string {
	return counterPrefix + ruleID + ":" + identifier
}

// StatsKey builds the minute-bucket hash key.
func StatsKey(minute int64) string {
	return fmt.Sprintf("%s%d", statsPrefix, minute)
}

// BucketTotals is one minute bucket's accumulated decision counts.
type BucketTotals struct {
	Minute  int64
	Allowed int64
	Blocked int64
}

// Store is the shared-state surface the gateway needs. The Redis
// implementation is the production store; the in-memory one backs tests.
type Store interface {
	// Rules.
	SaveRule(ctx context.Context, id, serialized string) error
	GetRule(ctx context.Context, id string) (string, bool, error)
	ListRules(ctx context.Context) (map[string]string, error)
	DeleteRule(ctx context.Context, id string) error

	// Rule-change fanout across processes.
	PublishRulesChanged(ctx context.Context) error
	SubscribeRulesChanged(ctx context.Context) (<-chan struct{}, error)

	// System config.
	GetConfigAll(ctx context.Context) (map[string]string, error)
	SetConfig(ctx context.Context, key, value string) error
	SetConfigIfAbsent(ctx context.Context, key, value string) error

	// Window counters.
	GetCounter(ctx context.Context, key string) (string, bool, error)
	SetCounter(ctx context.Context, key, serialized string, ttl time.Duration) error

	// Traffic log: left-push, trim to maxEntries, refresh retention TTL.
	AppendTrafficLog(ctx context.Context, serialized string, maxEntries int64, retention time.Duration) error
	RecentTrafficLogs(ctx context.Context, limit int64) ([]string, error)

	// Minute-bucket stats.
	IncrStats(ctx context.Context, minute, allowed, blocked int64, retention time.Duration) error
	StatsSince(ctx context.Context, fromMinute int64) ([]BucketTotals, error)
	PruneStats(ctx context.Context, beforeMinute int64) error

	Close() error
}
