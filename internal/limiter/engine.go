package limiter

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/identity"
	"github.com/nanjiek/pixiu-gateway/internal/metrics"
	"github.com/nanjiek/pixiu-gateway/internal/repo"
	"github.com/nanjiek/pixiu-gateway/internal/rule"
	"github.com/nanjiek/pixiu-gateway/internal/types"
)

// Evaluation carries the context a decision was taken under, for the
// traffic log.
type Evaluation struct {
	Identifier string
	RuleIDs    []string
}

// Engine applies the counter and queue accounting for the matched rules of
// one request.
type Engine struct {
	store    repo.Store
	resolver *identity.Resolver
	queues   *QueueAccountant
	logger   *slog.Logger
	now      func() time.Time
}

func NewEngine(store repo.Store, resolver *identity.Resolver, queues *QueueAccountant, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		resolver: resolver,
		queues:   queues,
		logger:   logger,
		now:      time.Now,
	}
}

// Evaluate runs every matched rule and aggregates: any BLOCKED blocks the
// request; otherwise the maximum queued delay across rules applies; an
// empty rule list allows unconditionally. The most restrictive rule
// governs, which is what lets a /** ceiling cap traffic a specific rule
// would wave through.
func (e *Engine) Evaluate(ctx context.Context, req *http.Request, matched []rule.Rule, clientIP string, body []byte) (types.Decision, Evaluation) {
	eval := Evaluation{Identifier: clientIP}
	if len(matched) == 0 {
		return types.Decision{Allowed: true, Reason: "no_matching_rules"}, eval
	}

	out := types.Decision{Allowed: true, Reason: "allowed"}
	for i, r := range matched {
		id := e.resolver.Resolve(req, r, clientIP, body)
		if i == 0 {
			eval.Identifier = id
		}
		eval.RuleIDs = append(eval.RuleIDs, r.ID)

		dec := e.checkRule(ctx, r, id)
		if !dec.Allowed {
			return dec, eval
		}
		if dec.Err != nil && !out.Queued {
			out.Reason = dec.Reason
			out.Err = dec.Err
		}
		if dec.Queued && dec.DelayMs > out.DelayMs {
			out.Queued = true
			out.DelayMs = dec.DelayMs
			out.Reason = dec.Reason
		}
	}
	return out, eval
}

// checkRule runs the fixed-window counter against the shared store, falling
// back to the queue accountant when the quota is spent.
//
// The read-modify-write below is deliberately not transactional: two
// requests racing near the threshold can both observe count < N and both
// commit, so admissions may overshoot N by at most the number of concurrent
// writers. Serial traffic admits exactly N per window.
func (e *Engine) checkRule(ctx context.Context, r rule.Rule, identifier string) types.Decision {
	now := e.now()
	key := repo.CounterKey(r.ID, identifier)

	counter, found, err := e.loadCounter(ctx, key)
	if err != nil {
		// Fail-open: a gateway that cannot read its counters prefers
		// availability over strict accounting.
		metrics.FailOpenTotal.Inc()
		e.logger.Error("counter read failed, allowing request", "rule", r.ID, "err", err)
		return types.Decision{Allowed: true, Reason: "store_unavailable", Err: err}
	}
	if !found {
		counter = Counter{RuleID: r.ID, Identifier: identifier, WindowStart: now}
	}

	windowEnd := counter.WindowStart.Add(time.Duration(r.WindowSeconds) * time.Second)
	switch {
	case now.After(windowEnd):
		counter.RequestCount = 1
		counter.WindowStart = now
		e.saveCounter(ctx, key, counter, r.WindowSeconds)
		return types.Decision{Allowed: true, Reason: "window_reset"}

	case counter.RequestCount < r.AllowedRequests:
		counter.RequestCount++
		e.saveCounter(ctx, key, counter, r.WindowSeconds)
		return types.Decision{Allowed: true, Reason: "within_quota"}

	default:
		if !r.QueueEnabled {
			return types.Decision{Allowed: false, Reason: "quota_exceeded"}
		}
		return e.enqueue(r, identifier)
	}
}

func (e *Engine) enqueue(r rule.Rule, identifier string) types.Decision {
	position, delay, ok := e.queues.Acquire(r.ID, identifier, r.MaxQueueSize, time.Duration(r.DelayPerRequestMs)*time.Millisecond)
	if !ok {
		return types.Decision{Allowed: false, Queued: true, Reason: "queue_full"}
	}
	e.logger.Debug("request queued", "rule", r.ID, "identifier", identifier, "position", position, "delay_ms", delay.Milliseconds())
	return types.Decision{Allowed: true, Queued: true, DelayMs: delay.Milliseconds(), Reason: "queued"}
}

func (e *Engine) loadCounter(ctx context.Context, key string) (Counter, bool, error) {
	raw, found, err := e.store.GetCounter(ctx, key)
	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("counter_read").Inc()
		return Counter{}, false, err
	}
	if !found {
		return Counter{}, false, nil
	}
	var c Counter
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		// A corrupt counter starts a fresh window rather than failing the
		// request.
		e.logger.Warn("corrupt counter, resetting window", "key", key, "err", err)
		return Counter{}, false, nil
	}
	return c, true, nil
}

// saveCounter is best-effort: a failed write loses one increment but never
// fails the request.
func (e *Engine) saveCounter(ctx context.Context, key string, c Counter, windowSeconds int) {
	b, err := json.Marshal(c)
	if err != nil {
		e.logger.Warn("counter marshal failed", "key", key, "err", err)
		return
	}
	if err := e.store.SetCounter(ctx, key, string(b), counterTTL(windowSeconds)); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("counter_write").Inc()
		e.logger.Warn("counter write failed", "key", key, "err", err)
	}
}
