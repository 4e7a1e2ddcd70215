// Package live streams session state updates to WebSocket subscribers.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mmoauto/simplemmo-bot/internal/scheduler"
)

// subscriberBuffer is how many pending events a slow subscriber may
// queue before updates are dropped for it. Every event is a full
// snapshot, so dropped ones are superseded by the next.
const subscriberBuffer = 32

const writeTimeout = 5 * time.Second

// event is the wire format pushed to subscribers.
type event struct {
	Type  string                 `json:"type"`
	State scheduler.AccountState `json:"state"`
}

// Hub fans scheduler state updates out to connected WebSocket clients.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch chan event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Broadcast queues a state update for every subscriber. Never blocks;
// subscribers that cannot keep up miss intermediate snapshots.
func (h *Hub) Broadcast(state scheduler.AccountState) {
	ev := event{Type: "session_update", State: state}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (h *Hub) subscribe() *subscriber {
	sub := &subscriber{ch: make(chan event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// SubscriberCount reports how many clients are connected.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams state events until the
// client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	sub := h.subscribe()
	defer h.unsubscribe(sub)
	slog.Info("Live subscriber connected", "ip", r.RemoteAddr, "subscribers", h.SubscriberCount())

	ctx := r.Context()

	// Reader goroutine: we never expect client messages, but reading is
	// what surfaces disconnects and close frames.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			slog.Debug("Live subscriber disconnected", "ip", r.RemoteAddr)
			return
		case ev := <-sub.ch:
			if err := writeEvent(ctx, ws, ev); err != nil {
				slog.Debug("Live event write failed", "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, ev event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}
