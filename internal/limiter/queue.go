package limiter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/metrics"
)

// sweepInterval is how often idle queue gauges are evicted.
const sweepInterval = 60 * time.Second

// QueueAccountant tracks per-(rule, identifier) queue depth in process.
// Each entry is a lone atomic integer updated by CAS; there is no global
// lock. Depth is strictly node-local: multi-node deployments run one queue
// per node, not a shared one.
type QueueAccountant struct {
	entries   sync.Map // string -> *queueGauge
	afterFunc func(time.Duration, func()) *time.Timer
	logger    *slog.Logger
}

type queueGauge struct {
	depth atomic.Int32
}

func NewQueueAccountant(logger *slog.Logger) *QueueAccountant {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueAccountant{
		afterFunc: time.AfterFunc,
		logger:    logger,
	}
}

func queueKey(ruleID, identifier string) string {
	return ruleID + ":" + identifier
}

// Acquire tries to take a queue slot. On success it returns the caller's
// position (the committed depth) and schedules the slot's release after
// delay(position) elapses. Positions are strictly monotone per key until
// the matching decrement fires.
//
// The release fires on the wall clock regardless of whether the caller is
// still waiting: a client that disconnects mid-delay does NOT get its slot
// back early, so abandoning admissions cannot be used to park free slots.
func (q *QueueAccountant) Acquire(ruleID, identifier string, maxSize int, delayPerRequest time.Duration) (position int, delay time.Duration, ok bool) {
	if maxSize <= 0 {
		return 0, 0, false
	}
	entry, _ := q.entries.LoadOrStore(queueKey(ruleID, identifier), &queueGauge{})
	gauge := entry.(*queueGauge)

	for {
		current := gauge.depth.Load()
		if int(current) >= maxSize {
			q.logger.Debug("queue full", "rule", ruleID, "identifier", identifier, "depth", current, "max", maxSize)
			return 0, 0, false
		}
		if gauge.depth.CompareAndSwap(current, current+1) {
			position = int(current) + 1
			break
		}
	}

	delay = time.Duration(position) * delayPerRequest
	q.afterFunc(delay, func() {
		gauge.depth.Add(-1)
	})
	return position, delay, true
}

// Depth reports the current depth for one key, for tests and introspection.
func (q *QueueAccountant) Depth(ruleID, identifier string) int {
	entry, ok := q.entries.Load(queueKey(ruleID, identifier))
	if !ok {
		return 0
	}
	return int(entry.(*queueGauge).depth.Load())
}

// StartSweeper evicts drained gauges on a fixed tick until ctx is done,
// bounding memory across identifier churn.
func (q *QueueAccountant) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep()
		}
	}
}

func (q *QueueAccountant) sweep() {
	live := 0
	q.entries.Range(func(key, value interface{}) bool {
		if value.(*queueGauge).depth.Load() <= 0 {
			q.entries.Delete(key)
		} else {
			live++
		}
		return true
	})
	metrics.QueueGauges.Set(float64(live))
	q.logger.Debug("queue sweep complete", "live", live)
}
