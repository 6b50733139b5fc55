package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"textsync-server/domain"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultMaxMessageSize = 64 * 1024

	closeGoingAway = websocket.CloseGoingAway
)

var errTransportClosed = errors.New("transport closed")

type TransportConfig struct {
	WriteWait      time.Duration
	MaxMessageSize int64
}

// wsTransport adapts a gorilla websocket to Transport. Control frames are
// taken over from gorilla's default handlers so the Conn answers them itself.
type wsTransport struct {
	ws        *websocket.Conn
	writeWait time.Duration
	frames    chan domain.Frame
	closed    chan struct{}
	closeOnce sync.Once
	err       error
}

func NewTransport(ws *websocket.Conn, cfg TransportConfig) Transport {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	t := &wsTransport{
		ws:        ws,
		writeWait: cfg.WriteWait,
		frames:    make(chan domain.Frame),
		closed:    make(chan struct{}),
	}

	ws.SetReadLimit(cfg.MaxMessageSize)
	ws.SetPingHandler(func(data string) error {
		t.deliver(domain.Frame{Kind: domain.FramePing, Payload: []byte(data)})
		return nil
	})
	ws.SetPongHandler(func(data string) error {
		t.deliver(domain.Frame{Kind: domain.FramePong, Payload: []byte(data)})
		return nil
	})
	ws.SetCloseHandler(func(code int, text string) error {
		t.deliver(domain.Frame{Kind: domain.FrameClose, CloseCode: code, Payload: []byte(text)})
		return nil
	})

	go t.readPump()
	return t
}

// readPump is the only reader of ws. Handlers run inside ReadMessage, so
// control and data frames reach Frames in wire order.
func (t *wsTransport) readPump() {
	defer close(t.frames)

	for {
		mt, data, err := t.ws.ReadMessage()
		if err != nil {
			t.err = err
			return
		}

		kind := domain.FrameBinary
		if mt == websocket.TextMessage {
			kind = domain.FrameText
		}
		if !t.deliver(domain.Frame{Kind: kind, Payload: data}) {
			t.err = errTransportClosed
			return
		}
	}
}

func (t *wsTransport) deliver(f domain.Frame) bool {
	select {
	case t.frames <- f:
		return true
	case <-t.closed:
		return false
	}
}

func (t *wsTransport) Frames() <-chan domain.Frame { return t.frames }

func (t *wsTransport) Err() error { return t.err }

func (t *wsTransport) WriteFrame(f domain.Frame) error {
	deadline := time.Now().Add(t.writeWait)
	switch f.Kind {
	case domain.FramePing:
		return t.ws.WriteControl(websocket.PingMessage, f.Payload, deadline)
	case domain.FramePong:
		return t.ws.WriteControl(websocket.PongMessage, f.Payload, deadline)
	case domain.FrameClose:
		msg := websocket.FormatCloseMessage(closeCode(f.CloseCode), string(f.Payload))
		err := t.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	case domain.FrameText:
		t.ws.SetWriteDeadline(deadline)
		return t.ws.WriteMessage(websocket.TextMessage, f.Payload)
	case domain.FrameBinary:
		t.ws.SetWriteDeadline(deadline)
		return t.ws.WriteMessage(websocket.BinaryMessage, f.Payload)
	default:
		return ErrUnknownFrame
	}
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return t.ws.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.ws.RemoteAddr().String()
}

// closeCode maps a missing status to an empty close payload on the wire.
func closeCode(code int) int {
	if code == 0 {
		return websocket.CloseNoStatusReceived
	}
	return code
}
