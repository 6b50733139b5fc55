package protocol

import (
	"fmt"
	"log/slog"

	"textsync-server/delta"
	"textsync-server/domain"
)

// Handler validates data frames and forwards them to a sink. The payload
// reaches the sink unmodified.
type Handler struct {
	sink domain.Sink
}

func NewHandler(s domain.Sink) *Handler {
	return &Handler{sink: s}
}

func (h *Handler) Handle(conn domain.Connection, f domain.Frame) error {
	if !f.Kind.IsData() {
		return fmt.Errorf("not a data frame: %s", f.Kind)
	}

	op, err := delta.Decode(f.Payload)
	if err != nil {
		slog.Warn("invalid message", "clientId", conn.ID(), "error", err)
		return fmt.Errorf("decode delta: %w", err)
	}
	slog.Debug("delta accepted", "clientId", conn.ID(), "steps", len(op.Steps))

	if err := h.sink.Deliver(conn, f); err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	return nil
}

// Echo sends every data frame back to its sender.
type Echo struct{}

func (Echo) Deliver(sender domain.Connection, f domain.Frame) error {
	return sender.Send(f)
}

// SinkFunc adapts a function to domain.Sink.
type SinkFunc func(sender domain.Connection, f domain.Frame) error

func (fn SinkFunc) Deliver(sender domain.Connection, f domain.Frame) error {
	return fn(sender, f)
}
