package domain

import "fmt"

type FrameKind int

const (
	FramePing FrameKind = iota + 1
	FramePong
	FrameText
	FrameBinary
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// IsData reports whether frames of this kind carry an edit operation.
func (k FrameKind) IsData() bool {
	return k == FrameText || k == FrameBinary
}

// Frame is one message on a connection's stream. For close frames Payload
// holds the reason text.
type Frame struct {
	Kind      FrameKind
	Payload   []byte
	CloseCode int
}

type Status int32

const (
	StatusStarting Status = iota
	StatusActive
	StatusClosing
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusActive:
		return "active"
	case StatusClosing:
		return "closing"
	case StatusTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

type Connection interface {
	ID() string
	Send(f Frame) error
	Close() error
}

// Sink receives data frames accepted from a connection.
type Sink interface {
	Deliver(sender Connection, f Frame) error
}

type Registry interface {
	Register(conn Connection)
	Unregister(conn Connection)
}

type MessageHandler interface {
	Handle(conn Connection, f Frame) error
}
