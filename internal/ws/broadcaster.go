// Package ws streams live analytics summaries to connected admin clients:
// one snapshot message on connect, then a summary per publish tick.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

import (
	"github.com/gorilla/websocket"
)

import (
	"github.com/nanjiek/pixiu-gateway/internal/analytics"
)

// publishInterval is the summary fan-out cadence.
const publishInterval = 2 * time.Second

// Message type tags distinguishing the initial fill from running updates.
const (
	TypeSnapshot = "snapshot"
	TypeSummary  = "summary"
)

// Message is the wire format pushed to subscribers.
type Message struct {
	Type    string            `json:"type"`
	Payload analytics.Summary `json:"payload"`
}

// subscriber holds a one-writer sink. The broadcaster only ever sends;
// nothing is received from subscribers.
type subscriber struct {
	ch chan Message
}

// Broadcaster fans summaries out to every live subscriber. Subscribers
// reference the broadcaster only through their own removal, never the
// other way around.
type Broadcaster struct {
	analytics *analytics.Service
	logger    *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewBroadcaster(svc *analytics.Service, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		analytics: svc,
		logger:    logger,
		subs:      make(map[*subscriber]struct{}),
	}
}

func (b *Broadcaster) subscribe() *subscriber {
	sub := &subscriber{ch: make(chan Message, 8)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	b.logger.Info("analytics subscriber added", "total", count)
	return sub
}

func (b *Broadcaster) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	count := len(b.subs)
	b.mu.Unlock()
	b.logger.Info("analytics subscriber removed", "total", count)
}

func (b *Broadcaster) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// StartPublisher computes and fans out the current summary on a fixed tick
// until ctx is done. A tick with no subscribers is a no-op; a subscriber
// too slow to drain its sink misses messages rather than stalling the
// publisher.
func (b *Broadcaster) StartPublisher(ctx context.Context) {
	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if b.subscriberCount() == 0 {
				continue
			}
			summary, err := b.analytics.GetSummary(ctx)
			if err != nil {
				b.logger.Warn("summary computation failed, skipping publish", "err", err)
				continue
			}
			b.publish(Message{Type: TypeSummary, Payload: summary})
		}
	}
}

func (b *Broadcaster) publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin plane is loopback-bound; origin enforcement adds nothing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeHTTP upgrades the connection, emits the snapshot, and then relays
// published summaries until either side goes away. Disconnecting removes
// the subscriber immediately, well within one publish tick.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	summary, err := b.analytics.GetSummary(r.Context())
	if err != nil {
		b.logger.Warn("snapshot computation failed", "err", err)
		return
	}
	if err := conn.WriteJSON(Message{Type: TypeSnapshot, Payload: summary}); err != nil {
		return
	}

	sub := b.subscribe()
	defer b.unsubscribe(sub)

	// Drain (and discard) client frames so close handshakes surface.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case msg := <-sub.ch:
			if err := conn.WriteJSON(msg); err != nil {
				b.logger.Debug("subscriber write failed, dropping", "err", err)
				return
			}
		}
	}
}
