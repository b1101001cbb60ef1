package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

import (
	"github.com/redis/go-redis/v9"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/config"
)

// RedisStore implements Store on a go-redis universal client (single node
// or cluster, depending on how many addresses are configured).
type RedisStore struct {
	Cli            redis.UniversalClient
	UpdateChannel  string
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// Option customizes a RedisStore.
type Option func(*RedisStore)

// WithDefaultTimeout overrides the per-command timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *RedisStore) { r.defaultTimeout = d }
}

// NewRedis connects to the shared state store and pings it once.
func NewRedis(cfg *config.Config, logger *slog.Logger, opts ...Option) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &RedisStore{
		UpdateChannel:  cfg.Redis.UpdatesChannel,
		logger:         logger,
		defaultTimeout: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}

	addrs := normalizeAddrs(cfg.Redis)
	if len(addrs) == 0 {
		return nil, errors.New("no redis addresses configured")
	}

	r.Cli = redis.NewUniversalClient(buildUniversalOptions(cfg.Redis, addrs))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Cli.Ping(ctx).Err(); err != nil {
		logger.Error("redis ping failed", "err", err)
		return nil, fmt.Errorf("redis connect failed: %w", err)
	}

	return r, nil
}

func (r *RedisStore) withTimeout(parent context.Context, opTimeout time.Duration) (context.Context, context.CancelFunc) {
	if opTimeout == 0 {
		opTimeout = r.defaultTimeout
	}
	return context.WithTimeout(parent, opTimeout)
}

// ---------------- rules ----------------

func (r *RedisStore) SaveRule(parent context.Context, id, serialized string) error {
	ctx, cancel := r.withTimeout(parent, 0)
	defer cancel()
	return r.Cli.HSet(ctx, KeyRules, id, serialized).Err()
}

func (r *RedisStore) GetRule(parent context.Context, id string) (string, bool, error) {
	ctx, cancel := r.withTimeout(parent, 0)
	defer cancel()
	val, err := r.Cli.HGet(ctx, KeyRules, id).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *RedisStore) ListRules(parent context.Context) (map[string]string, error) {
	ctx, cancel := r.withTimeout(parent, 200*time.Millisecond)
	defer cancel()
	return r.Cli.HGetAll(ctx, KeyRules).Result()
}

func (r *RedisStore) DeleteRule(parent context.Context, id string) error {
	ctx, cancel := r.withTimeout(parent, 0)
	defer cancel()
	return r.Cli.HDel(ctx, KeyRules, id).Err()
}

func (r *RedisStore) PublishRulesChanged(parent context.Context) error {
	ctx, cancel := r.withTimeout(parent, 0)
	defer cancel()
	if err := r.Cli.Publish(ctx, r.UpdateChannel, "reload").Err(); err != nil {
		return fmt.Errorf("publish rules-changed failed: %w", err)
	}
	return nil
}

// SubscribeRulesChanged delivers one signal per published rule change until
// ctx is cancelled.
func (r *RedisStore) SubscribeRulesChanged(ctx context.Context) (<-chan struct{}, error) {
	sub := r.Cli.Subscribe(ctx, r.UpdateChannel)
	out := make(chan struct{}, 1)
	go func() {
		defer sub.Close()
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default: // a pending signal already covers this change
				}
			}
		}
	}()
	return out, nil
}

// ---------------- system config ----------------

func (r *RedisStore) GetConfigAll(parent context.Context) (map[string]string, error) {
	ctx, cancel := r.withTimeout(parent, 0)
	defer cancel()
	return r.Cli.HGetAll(ctx, KeyConfig).Result()
}

func (r *RedisStore) SetConfig(parent context.Context, key, value string) error {
	ctx, cancel := r.withTimeout(parent, 0)
	defer cancel()
	return r.Cli.HSet(ctx, KeyConfig, key, value).Err()
}

func (r *RedisStore) SetConfigIfAbsent(parent context.Context, key, value string) error {
	ctx, cancel := r.withTimeout(parent, 0)
	defer cancel()
	return r.Cli.HSetNX(ctx, KeyConfig, key, value).Err()
}

// ---------------- window counters ----------------

func (r *RedisStore) GetCounter(parent context.Context, key string) (string, bool, error) {
	ctx, cancel := r.withTimeout(parent, 0)
	defer cancel()
	val, err := r.Cli.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *RedisStore) SetCounter(parent context.Context, key, serialized string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(parent, 0)
	defer cancel()
	if ttl <= 0 {
		ttl = time.Second
	}
	return r.Cli.Set(ctx, key, serialized, ttl).Err()
}

// ---------------- traffic log ----------------

func (r *RedisStore) AppendTrafficLog(parent context.Context, serialized string, maxEntries int64, retention time.Duration) error {
	ctx, cancel := r.withTimeout(parent, 200*time.Millisecond)
	defer cancel()
	pipe := r.Cli.Pipeline()
	pipe.LPush(ctx, KeyTrafficLog, serialized)
	pipe.LTrim(ctx, KeyTrafficLog, 0, maxEntries-1)
	pipe.Expire(ctx, KeyTrafficLog, retention)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) RecentTrafficLogs(parent context.Context, limit int64) ([]string, error) {
	ctx, cancel := r.withTimeout(parent, 200*time.Millisecond)
	defer cancel()
	return r.Cli.LRange(ctx, KeyTrafficLog, 0, limit-1).Result()
}

// ---------------- minute-bucket stats ----------------

func (r *RedisStore) IncrStats(parent context.Context, minute, allowed, blocked int64, retention time.Duration) error {
	ctx, cancel := r.withTimeout(parent, 200*time.Millisecond)
	defer cancel()
	key := StatsKey(minute)
	pipe := r.Cli.Pipeline()
	if allowed > 0 {
		pipe.HIncrBy(ctx, key, "allowed", allowed)
	}
	if blocked > 0 {
		pipe.HIncrBy(ctx, key, "blocked", blocked)
	}
	pipe.ZAdd(ctx, KeyStatsIndex, redis.Z{Score: float64(minute), Member: strconv.FormatInt(minute, 10)})
	pipe.Expire(ctx, key, retention)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) StatsSince(parent context.Context, fromMinute int64) ([]BucketTotals, error) {
	ctx, cancel := r.withTimeout(parent, 500*time.Millisecond)
	defer cancel()
	members, err := r.Cli.ZRangeByScore(ctx, KeyStatsIndex, &redis.ZRangeBy{
		Min: strconv.FormatInt(fromMinute, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]BucketTotals, 0, len(members))
	for _, member := range members {
		minute, err := strconv.ParseInt(strings.TrimSpace(member), 10, 64)
		if err != nil {
			continue
		}
		vals, err := r.Cli.HMGet(ctx, StatsKey(minute), "allowed", "blocked").Result()
		if err != nil {
			return nil, err
		}
		out = append(out, BucketTotals{
			Minute:  minute,
			Allowed: toInt64(vals, 0),
			Blocked: toInt64(vals, 1),
		})
	}
	return out, nil
}

func (r *RedisStore) PruneStats(parent context.Context, beforeMinute int64) error {
	if beforeMinute <= 0 {
		return nil
	}
	ctx, cancel := r.withTimeout(parent, 200*time.Millisecond)
	defer cancel()
	return r.Cli.ZRemRangeByScore(ctx, KeyStatsIndex, "0", strconv.FormatInt(beforeMinute-1, 10)).Err()
}

func (r *RedisStore) Close() error {
	return r.Cli.Close()
}

// ---------------- helpers ----------------

func toInt64(vals []interface{}, idx int) int64 {
	if idx >= len(vals) || vals[idx] == nil {
		return 0
	}
	s, ok := vals[idx].(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func normalizeAddrs(cfg config.RedisCfg) []string {
	if len(cfg.Addrs) > 0 {
		return cfg.Addrs
	}
	if cfg.Addr == "" {
		return nil
	}
	parts := strings.Split(cfg.Addr, ",")
	var out []string
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func buildUniversalOptions(cfg config.RedisCfg, addrs []string) *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:           addrs,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        maxInt(cfg.PoolSize, 50),
		MinIdleConns:    maxInt(cfg.MinIdleConns, 5),
		DialTimeout:     durationOrDefault(cfg.DialTimeoutMs, 800),
		ReadTimeout:     durationOrDefault(cfg.ReadTimeoutMs, 800),
		WriteTimeout:    durationOrDefault(cfg.WriteTimeoutMs, 800),
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSec) * time.Second,
		MaxRetries:      maxInt(cfg.MaxRetries, 2),
	}
}

func maxInt(val, def int) int {
	if val > def {
		return val
	}
	return def
}

func durationOrDefault(ms int, defMs int) time.Duration {
	if ms <= 0 {
		ms = defMs
	}
	return time.Duration(ms) * time.Millisecond
}
