package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// Broadcaster fans every emitted Record out to connected websocket
// subscribers as JSON frames. Grounded on the teacher's WingRegistry
// dashboard-push path (internal/relay/workers.go Subscribe/notify,
// internal/relay/app_handlers.go handleAppWS): a registry of per-subscriber
// buffered channels, a non-blocking send on each, and a read/write loop per
// connection built on CloseRead plus a select over the channel and context.
//
// A Broadcaster with no subscribers costs Emit one RLock and an empty
// range — no different in effect from events.Null for the execution path
// it instruments.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	backlog int
	log     *slog.Logger
	dropped atomic.Int64
}

type subscriber struct {
	ch chan Record
}

// NewBroadcaster builds a Broadcaster. backlog is the per-subscriber buffer
// depth; a subscriber slower than the producer drops frames rather than
// blocking Emit once its backlog fills. A backlog <= 0 defaults to 32.
func NewBroadcaster(backlog int, log *slog.Logger) *Broadcaster {
	if backlog <= 0 {
		backlog = 32
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		subs:    make(map[*subscriber]struct{}),
		backlog: backlog,
		log:     log,
	}
}

// Emit implements Sink. It never blocks on a slow subscriber.
func (b *Broadcaster) Emit(r Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- r:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many frames have been dropped across all subscribers
// since the Broadcaster was created, for operator introspection.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers reports the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) add(s *subscriber) {
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
}

func (b *Broadcaster) remove(s *subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	close(s.ch)
}

// ServeHTTP upgrades the request to a websocket and streams Records to it,
// one JSON document per text message, until the client disconnects or the
// request context ends. It accepts no inbound messages from the client;
// any it sends are ignored, matching the teacher's read-only dashboard
// feed shape.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.log.Warn("event stream accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	sub := &subscriber{ch: make(chan Record, b.backlog)}
	b.add(sub)
	defer b.remove(sub)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case rec, ok := <-sub.ch:
			if !ok {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}
