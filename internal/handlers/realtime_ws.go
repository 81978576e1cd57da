package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/crosspost-labs/crosspost/backend/internal/models"
	"golang.org/x/net/websocket"
)

// realtimeHub fans post lifecycle events out to every connected websocket
// client. It implements the publisher's event sink.
type realtimeHub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newRealtimeHub() *realtimeHub {
	return &realtimeHub{conns: make(map[*websocket.Conn]struct{})}
}

func (h *realtimeHub) add(c *websocket.Conn) {
	if h == nil || c == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *realtimeHub) remove(c *websocket.Conn) {
	if h == nil || c == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

func (h *realtimeHub) broadcast(msg []byte) {
	if h == nil || len(msg) == 0 {
		return
	}
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := websocket.Message.Send(c, string(msg)); err != nil {
			_ = c.Close()
			h.remove(c)
		}
	}
}

func (h *realtimeHub) count() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// EmitPostUpdate pushes a post status transition to connected clients.
func (h *realtimeHub) EmitPostUpdate(postID string, status models.PostStatus) {
	payload, err := json.Marshal(map[string]any{
		"type":   "post_update",
		"postId": postID,
		"status": status,
		"at":     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	h.broadcast(payload)
}

// RealtimeWS upgrades the connection and keeps it registered until the
// client goes away. Inbound messages are drained and ignored.
func (h *Handler) RealtimeWS(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(c *websocket.Conn) {
		h.rt.add(c)
		defer h.rt.remove(c)
		log.Printf("[WS] connected remote=%s total=%d", r.RemoteAddr, h.rt.count())
		for {
			var discard string
			if err := websocket.Message.Receive(c, &discard); err != nil {
				break
			}
		}
		log.Printf("[WS] disconnected remote=%s", r.RemoteAddr)
	}).ServeHTTP(w, r)
}
