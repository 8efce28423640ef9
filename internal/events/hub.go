package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Hub fans events out to live websocket subscribers. Each subscriber only
// receives events for its own tenant. The hub is itself a Sink, so it can
// sit next to the file or webhook sinks in a Fanout.
type Hub struct {
	log zerolog.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	tenantID string
	ch       chan Event
}

// NewHub builds an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{log: log, subs: make(map[*subscriber]struct{})}
}

// Emit broadcasts to every subscriber of the event's tenant. A slow
// subscriber's buffer overflowing drops the event for that subscriber only.
func (h *Hub) Emit(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.tenantID != e.TenantID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Close disconnects all subscribers.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		close(sub.ch)
		delete(h.subs, sub)
	}
	return nil
}

func (h *Hub) subscribe(tenantID string) *subscriber {
	sub := &subscriber{tenantID: tenantID, ch: make(chan Event, 32)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.mu.Unlock()
}

// ServeWS upgrades the request to a websocket and streams the tenant's
// events until the client disconnects. The caller has already authenticated
// the request and resolved tenantID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, tenantID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("events: websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := h.subscribe(tenantID)
	defer h.unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.ch:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, e)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
