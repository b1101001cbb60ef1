package analytics

import (
	"context"
	"encoding/json"
	"time"
)

import (
	"github.com/google/uuid"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/metrics"
	"github.com/nanjiek/pixiu-gateway/internal/types"
)

// LogEntry is one structured decision record in the traffic_logs list.
type LogEntry struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	Method     string        `json:"method"`
	Path       string        `json:"path"`
	Host       string        `json:"host"`
	ClientIP   string        `json:"clientIp"`
	Identifier string        `json:"identifier"`
	Decision   types.Outcome `json:"decision"`
	StatusCode int           `json:"statusCode"`
	DelayMs    int64         `json:"delayMs"`
	RuleIDs    []string      `json:"ruleIds,omitempty"`
}

// Record writes one terminal decision: the in-memory counter feeding the
// aggregator, the observability counter, and a best-effort append to the
// bounded traffic log. It never fails the request; store errors are logged
// at warn and dropped.
func (s *Service) Record(ctx context.Context, entry LogEntry) {
	switch entry.Decision {
	case types.OutcomeAllowed, types.OutcomeQueued:
		s.IncrementAllowed()
	default:
		s.IncrementBlocked()
	}
	metrics.DecisionsTotal.WithLabelValues(string(entry.Decision)).Inc()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	b, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn("traffic log marshal failed", "err", err)
		return
	}

	// The append must survive the request's own cancellation: a client that
	// disconnects still produced a decision worth recording.
	logCtx := context.WithoutCancel(ctx)
	maxEntries := s.cfg.TrafficLogMaxEntries(logCtx)
	retention := s.cfg.TrafficLogRetention(logCtx)
	if err := s.store.AppendTrafficLog(logCtx, string(b), maxEntries, retention); err != nil {
		metrics.StoreErrorsTotal.WithLabelValues("traffic_log").Inc()
		s.logger.Warn("traffic log append failed", "err", err)
	}
}

// RecentTraffic returns the newest entries, most recent first. Entries that
// fail to deserialize are skipped.
func (s *Service) RecentTraffic(ctx context.Context, limit int64) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.store.RecentTrafficLogs(ctx, limit)
	if err != nil {
		return nil, err
	}

	out := make([]LogEntry, 0, len(raw))
	for _, item := range raw {
		var entry LogEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			s.logger.Warn("skipping malformed traffic log entry", "err", err)
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}
