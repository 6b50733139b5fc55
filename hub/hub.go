package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"textsync-server/domain"
)

// Hub is the registry of live connections. As a sink it broadcasts each data
// frame to every connection except its sender.
type Hub struct {
	clients map[string]domain.Connection
	mu      sync.RWMutex
}

func New() *Hub {
	return &Hub{
		clients: make(map[string]domain.Connection),
	}
}

func (h *Hub) Register(conn domain.Connection) {
	h.mu.Lock()
	h.clients[conn.ID()] = conn
	count := len(h.clients)
	h.mu.Unlock()

	slog.Info("client connected", "clientId", conn.ID(), "clients", count)
}

func (h *Hub) Unregister(conn domain.Connection) {
	h.mu.Lock()
	if cur, ok := h.clients[conn.ID()]; !ok || cur != conn {
		h.mu.Unlock()
		return
	}
	delete(h.clients, conn.ID())
	count := len(h.clients)
	h.mu.Unlock()

	slog.Info("client disconnected", "clientId", conn.ID(), "clients", count)
}

func (h *Hub) Deliver(sender domain.Connection, f domain.Frame) error {
	h.Fanout(sender.ID(), f)
	return nil
}

// Fanout sends f to every registered connection other than senderID. A
// connection that cannot take the frame is closed.
func (h *Hub) Fanout(senderID string, f domain.Frame) {
	for _, conn := range h.snapshot() {
		if conn.ID() == senderID {
			continue
		}
		if err := conn.Send(f); err != nil {
			slog.Warn("dropping slow client", "clientId", conn.ID(), "error", err)
			conn.Close()
		}
	}
}

// snapshot copies the registry so sends happen outside the lock.
func (h *Hub) snapshot() []domain.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]domain.Connection, 0, len(h.clients))
	for _, conn := range h.clients {
		conns = append(conns, conn)
	}
	return conns
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll asks every live connection to close.
func (h *Hub) CloseAll() {
	for _, conn := range h.snapshot() {
		conn.Close()
	}
}

// WaitEmpty blocks until every connection has unregistered or ctx is done.
func (h *Hub) WaitEmpty(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for h.Count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
