package rules

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"
)

import (
	"github.com/google/uuid"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/rcu"
	"github.com/nanjiek/pixiu-gateway/internal/repo"
	"github.com/nanjiek/pixiu-gateway/internal/rule"
)

// refreshFallback is the watcher's safety-net reload interval when no
// pub/sub signal arrives.
const refreshFallback = 60 * time.Second

// snapshot is the immutable active-rule set published via RCU. Active rules
// are kept pre-sorted by priority ascending (lower evaluates earlier).
type snapshot struct {
	All    map[string]rule.Rule
	Active []rule.Rule
}

// Cache holds the rule set read on every request. Readers load a snapshot
// and keep it for the duration of one request; mutations rebuild and
// replace it wholesale.
type Cache struct {
	store  repo.Store
	snap   *rcu.Snapshot[snapshot]
	logger *slog.Logger
}

func NewCache(store repo.Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:  store,
		snap:   rcu.NewSnapshot(buildSnapshot(map[string]rule.Rule{})),
		logger: logger,
	}
}

// Bootstrap seeds the given rules into the store (never overwriting an
// existing ID) and loads the full set.
func (c *Cache) Bootstrap(ctx context.Context, seed []rule.Rule) error {
	for _, r := range seed {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if _, exists, err := c.store.GetRule(ctx, r.ID); err != nil {
			return err
		} else if exists {
			continue
		}
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := c.store.SaveRule(ctx, r.ID, string(b)); err != nil {
			return err
		}
	}
	return c.ReloadAll(ctx)
}

// ReloadAll replaces the snapshot from the store. A rule that fails to
// deserialize is skipped with a warning; the reload never fails on bad data.
func (c *Cache) ReloadAll(ctx context.Context) error {
	serialized, err := c.store.ListRules(ctx)
	if err != nil {
		c.logger.Error("failed to list rules", "err", err)
		return err
	}

	tmp := make(map[string]rule.Rule, len(serialized))
	for id, raw := range serialized {
		var r rule.Rule
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			c.logger.Warn("skipping malformed rule", "id", id, "err", err)
			continue
		}
		if r.ID == "" {
			r.ID = id
		}
		tmp[r.ID] = r
	}

	c.snap.Replace(buildSnapshot(tmp))
	c.logger.Info("reloaded rules", "count", len(tmp))
	return nil
}

// StartWatcher reloads on rule-change signals, with a periodic fallback,
// until ctx is done.
func (c *Cache) StartWatcher(ctx context.Context) {
	signals, err := c.store.SubscribeRulesChanged(ctx)
	if err != nil {
		c.logger.Error("rule watcher subscription failed", "err", err)
		signals = nil
	}
	ticker := time.NewTicker(refreshFallback)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			_ = c.ReloadAll(ctx)
		case <-ticker.C:
			_ = c.ReloadAll(ctx)
		}
	}
}

// Upsert persists the rule, rebuilds the local snapshot and notifies other
// processes. An absent ID is assigned server-side.
func (c *Cache) Upsert(ctx context.Context, r rule.Rule) (rule.Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return rule.Rule{}, err
	}
	if err := c.store.SaveRule(ctx, r.ID, string(b)); err != nil {
		return rule.Rule{}, err
	}

	old := c.snap.Load()
	next := make(map[string]rule.Rule, len(old.All)+1)
	for k, v := range old.All {
		next[k] = v
	}
	next[r.ID] = r
	c.snap.Replace(buildSnapshot(next))

	if err := c.store.PublishRulesChanged(ctx); err != nil {
		c.logger.Warn("rules-changed publish failed", "err", err)
	}
	return r, nil
}

// Delete removes the rule from the store and the snapshot.
func (c *Cache) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("rule id required")
	}
	if err := c.store.DeleteRule(ctx, id); err != nil {
		return err
	}

	old := c.snap.Load()
	next := make(map[string]rule.Rule, len(old.All))
	for k, v := range old.All {
		if k != id {
			next[k] = v
		}
	}
	c.snap.Replace(buildSnapshot(next))

	if err := c.store.PublishRulesChanged(ctx); err != nil {
		c.logger.Warn("rules-changed publish failed", "err", err)
	}
	return nil
}

// Get returns one rule by ID.
func (c *Cache) Get(id string) (rule.Rule, bool) {
	r, ok := c.snap.Load().All[id]
	return r, ok
}

// List returns every rule, active or not, in priority order.
func (c *Cache) List() []rule.Rule {
	all := c.snap.Load().All
	out := make([]rule.Rule, 0, len(all))
	for _, r := range all {
		out = append(out, r)
	}
	sortByPriority(out)
	return out
}

// Active returns the active rules in priority order.
func (c *Cache) Active() []rule.Rule {
	active := c.snap.Load().Active
	out := make([]rule.Rule, len(active))
	copy(out, active)
	return out
}

// ActiveCount reports how many rules are currently enforced.
func (c *Cache) ActiveCount() int {
	return len(c.snap.Load().Active)
}

func buildSnapshot(all map[string]rule.Rule) *snapshot {
	active := make([]rule.Rule, 0, len(all))
	for _, r := range all {
		if r.Active {
			active = append(active, r)
		}
	}
	sortByPriority(active)
	return &snapshot{All: all, Active: active}
}

func sortByPriority(rs []rule.Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Priority == rs[j].Priority {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].Priority < rs[j].Priority
	})
}
