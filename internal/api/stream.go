package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iangreen74/leviathan/internal/event"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token auth already ran in the middleware chain; origin checks add
	// nothing for a bearer-token API.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub fans ingested events out to connected stream subscribers. A slow
// subscriber's buffer fills and the subscriber is dropped; ingest never
// blocks on a reader.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan event.Event]struct{}
	logger  *zap.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[chan event.Event]struct{}),
		logger:  logger,
	}
}

func (h *Hub) subscribe() chan event.Event {
	ch := make(chan event.Event, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan event.Event) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Broadcast delivers an event to every subscriber without blocking.
func (h *Hub) Broadcast(e event.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients {
		select {
		case ch <- e:
		default:
			// Buffer full; the writer goroutine will notice on its next
			// failed write or the reader will resubscribe.
		}
	}
}

// handleStream upgrades to a websocket and streams each ingested event as a
// JSON message until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		errJSON(w, http.StatusNotImplemented, "event stream disabled", "disabled")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := s.Hub.subscribe()
	defer s.Hub.unsubscribe(ch)

	// Reader goroutine: we only care about close frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}
