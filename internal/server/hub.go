// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/buke/playground-go/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Messages queued per client before it is dropped as too slow.
	sendBuffer = 16
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans state updates out to every connected host page.
type hub struct {
	logger  *slog.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	clients map[*client]struct{}
	last    []byte
}

func newHub(logger *slog.Logger, m *metrics.Collector) *hub {
	return &hub{logger: logger, metrics: m, clients: make(map[*client]struct{})}
}

// add registers c and queues the latest state for it.
func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- h.last
	}
	count := len(h.clients)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WebsocketConnected(1)
	}
	h.logger.Debug("Websocket client connected", "clients", count)
}

// remove unregisters c. It reports whether c was still registered.
func (h *hub) remove(c *client) bool {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	if ok && h.metrics != nil {
		h.metrics.WebsocketConnected(-1)
	}
	return ok
}

func (h *hub) broadcast(v interface{}) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode state update", "error", err)
		return
	}

	h.mu.Lock()
	h.last = msg
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		if h.remove(c) {
			h.logger.Warn("Dropping slow websocket client")
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	s.hub.add(c)
	defer s.hub.remove(c)

	// The host page never sends; reading only processes control frames.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-c.send:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server closing or client too slow")
				return
			}
			if err := writeMessage(ctx, conn, msg); err != nil {
				s.logger.Debug("Websocket write failed", "error", err)
				return
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, msg)
}
